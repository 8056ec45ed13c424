// Package signedurl mints and verifies the opaque, bearer-less tokens that
// grant time-limited read access to one chunk without a session token
// (spec §4.7): the token encodes (book_id, seq, expiry) and an integrity
// tag computed with a server secret.
//
// Tokens cannot be revoked individually; revocation is by rotating the
// server secret, which is acceptable because TTLs are short (recommended
// 15 min to 1 h).
package signedurl

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/epicrunze/evocable/internal/pipelineerrors"
)

// Signer mints and verifies tokens using an HMAC-SHA256 tag over
// (book_id, seq, expiry) and a process-wide secret.
//
// Signer is safe for concurrent use; it holds no mutable state.
type Signer struct {
	secret []byte
}

// NewSigner returns a Signer keyed by secret. The secret should be the
// config.Config.SigningSecret value (>= 32 bytes, validated at startup).
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Mint returns the opaque token string for (bookID, seq), expiring at now+ttl.
func (s *Signer) Mint(bookID string, seq int, ttl time.Duration) string {
	expiry := time.Now().Add(ttl).Unix()
	payload := payloadString(bookID, seq, expiry)
	tag := s.tag(payload)
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." +
		base64.RawURLEncoding.EncodeToString(tag)
}

// Verify checks that token is well-formed, its tag matches (constant-time),
// it names (bookID, seq), and it has not expired. It never makes a
// database round trip: the resource's existence is the caller's concern.
func (s *Signer) Verify(token, bookID string, seq int) error {
	payload, tag, err := splitToken(token)
	if err != nil {
		return pipelineerrors.AuthErrorf("signedurl: malformed token: %v", err)
	}

	wantTag := s.tag(payload)
	if subtle.ConstantTimeCompare(tag, wantTag) != 1 {
		return pipelineerrors.AuthErrorf("signedurl: integrity tag mismatch")
	}

	gotBookID, gotSeq, gotExpiry, err := parsePayload(payload)
	if err != nil {
		return pipelineerrors.AuthErrorf("signedurl: malformed payload: %v", err)
	}

	if gotBookID != bookID || gotSeq != seq {
		return pipelineerrors.AuthErrorf("signedurl: token names a different resource")
	}
	if time.Now().Unix() >= gotExpiry {
		return pipelineerrors.AuthErrorf("signedurl: token expired")
	}
	return nil
}

func (s *Signer) tag(payload string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(payload))
	return mac.Sum(nil)
}

func payloadString(bookID string, seq int, expiryUnix int64) string {
	return fmt.Sprintf("%s|%d|%d", bookID, seq, expiryUnix)
}

func parsePayload(payload string) (bookID string, seq int, expiryUnix int64, err error) {
	parts := strings.SplitN(payload, "|", 3)
	if len(parts) != 3 {
		return "", 0, 0, fmt.Errorf("expected 3 fields, got %d", len(parts))
	}
	seq, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid seq: %v", err)
	}
	expiryUnix, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("invalid expiry: %v", err)
	}
	return parts[0], seq, expiryUnix, nil
}

func splitToken(token string) (payload string, tag []byte, err error) {
	dot := strings.LastIndexByte(token, '.')
	if dot < 0 {
		return "", nil, fmt.Errorf("missing separator")
	}
	payloadBytes, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return "", nil, fmt.Errorf("invalid payload encoding: %v", err)
	}
	tag, err = base64.RawURLEncoding.DecodeString(token[dot+1:])
	if err != nil {
		return "", nil, fmt.Errorf("invalid tag encoding: %v", err)
	}
	return string(payloadBytes), tag, nil
}
