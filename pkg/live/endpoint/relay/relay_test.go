package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/studylive/pkg/live/endpoint"
	"github.com/vango-go/studylive/pkg/live/protocol"
)

// peer upgrades, checks the setup frame, then runs script.
func peer(t *testing.T, script func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			return
		}
		if _, ok := frame.(protocol.SetupFrame); !ok {
			return
		}
		script(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func send(t *testing.T, conn *websocket.Conn, ev protocol.Event) {
	t.Helper()
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		t.Errorf("encode: %v", err)
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func TestRelay_RoundTrip(t *testing.T) {
	gotText := make(chan string, 1)
	srv := peer(t, func(conn *websocket.Conn) {
		send(t, conn, protocol.Connected{})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"future_event"}`))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := protocol.DecodeFrame(data)
		if err == nil {
			if tf, ok := frame.(protocol.TextFrame); ok {
				gotText <- tf.Text
			}
		}
		send(t, conn, protocol.TextDelta{Text: "4", Partial: false})
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4})
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_, _, _ = conn.ReadMessage()
	})

	ep, err := New(Config{URL: wsURL(srv), APIKey: "k"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := ep.Dial(ctx, endpoint.Setup{Model: "relay-model"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer st.Close()

	ev, err := st.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if _, ok := ev.(protocol.Connected); !ok {
		t.Fatalf("first event=%T, want Connected", ev)
	}
	if err := st.Send(ctx, protocol.TextFrame{Text: "What is 2+2?"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case got := <-gotText:
		if got != "What is 2+2?" {
			t.Fatalf("peer got %q", got)
		}
	case <-ctx.Done():
		t.Fatalf("peer never received text")
	}

	ev, err = st.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if td, ok := ev.(protocol.TextDelta); !ok || td.Partial || td.Text != "4" {
		t.Fatalf("event=%#v, want final TextDelta", ev)
	}
	ev, err = st.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if ac, ok := ev.(protocol.AudioChunk); !ok || len(ac.Data) != 4 {
		t.Fatalf("event=%#v, want AudioChunk", ev)
	}
	if _, err := st.Recv(ctx); err != io.EOF {
		t.Fatalf("err=%v, want io.EOF", err)
	}
}

func TestRelay_DialRejected(t *testing.T) {
	srv := peer(t, func(*websocket.Conn) {})
	ep, err := New(Config{URL: wsURL(srv), APIKey: "wrong"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := ep.Dial(context.Background(), endpoint.Setup{Model: "m"}); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestRelay_SendAfterClose(t *testing.T) {
	srv := peer(t, func(conn *websocket.Conn) {
		_, _, _ = conn.ReadMessage()
	})
	ep, _ := New(Config{URL: wsURL(srv), APIKey: "k"})
	st, err := ep.Dial(context.Background(), endpoint.Setup{Model: "m"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := st.Send(context.Background(), protocol.TextFrame{Text: "x"}); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("err=%v, want io.ErrClosedPipe", err)
	}
	if _, err := st.Recv(context.Background()); err != io.EOF {
		t.Fatalf("err=%v, want io.EOF", err)
	}
}

func TestNew_ValidatesURL(t *testing.T) {
	if _, err := New(Config{URL: "http://example.com"}); err == nil {
		t.Fatalf("expected error for http url")
	}
}
