package handlers

import (
	"net/http"

	"github.com/vango-go/studylive/pkg/gateway/apierror"
	"github.com/vango-go/studylive/pkg/gateway/mw"
)

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apiErr, status := apierror.FromError(err, reqID)
	apierror.Write(w, status, apiErr)
}

func writeAPIError(w http.ResponseWriter, r *http.Request, apiErr *apierror.Error) {
	if apiErr.RequestID == "" {
		apiErr.RequestID, _ = mw.RequestIDFrom(r.Context())
	}
	apierror.Write(w, apierror.StatusFromType(apiErr.Type), apiErr)
}
