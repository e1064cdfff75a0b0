package usage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrNoIdentity is returned when a request carries nothing usage can be
// metered against.
var ErrNoIdentity = errors.New("usage: no identity")

type IdentityKind string

const (
	KindUser  IdentityKind = "user"
	KindGuest IdentityKind = "guest"
)

// Identity is the key quota is tracked against. Key is safe to log and to use
// as a storage key; raw guest values never appear in it.
type Identity struct {
	Kind   IdentityKind
	Key    string
	Source string
	UserID string
}

func (id Identity) String() string { return id.Key }

// IdentityInput is everything a caller knows about who is asking.
type IdentityInput struct {
	UserID            string
	SessionToken      string
	DeviceFingerprint string
	ClientIP          string
}

const (
	SourceUserID            = "user_id"
	SourceSessionToken      = "session_token"
	SourceDeviceFingerprint = "device_fingerprint"
	SourceClientIP          = "client_ip"
)

// ResolveIdentity picks the authenticated user id when present. Guests are
// keyed by the first non-empty of session token, device fingerprint and
// client IP, in that order.
func ResolveIdentity(in IdentityInput) (Identity, error) {
	if uid := strings.TrimSpace(in.UserID); uid != "" {
		return Identity{Kind: KindUser, Key: "user:" + uid, Source: SourceUserID, UserID: uid}, nil
	}
	candidates := []struct {
		source string
		value  string
	}{
		{SourceSessionToken, in.SessionToken},
		{SourceDeviceFingerprint, in.DeviceFingerprint},
		{SourceClientIP, in.ClientIP},
	}
	for _, c := range candidates {
		v := strings.TrimSpace(c.value)
		if v == "" {
			continue
		}
		return Identity{Kind: KindGuest, Key: "guest:" + guestHash(c.source, v), Source: c.source}, nil
	}
	return Identity{}, ErrNoIdentity
}

func guestHash(source, value string) string {
	sum := sha256.Sum256([]byte(source + ":" + value))
	return hex.EncodeToString(sum[:16])
}
