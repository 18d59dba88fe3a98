// Package gatewaysig implements the signed trust channel between the edge
// gateway and backend services.
//
// The gateway authenticates a user once and forwards the request with four
// headers: an HMAC-SHA256 signature, the signing time in epoch seconds, a
// single-use nonce, and the user id. Backends recompute the signature over
// "METHOD|PATH|userId|timestamp|nonce" with the shared secret, enforce a
// clock-skew window and reject nonces they have already seen.
package gatewaysig

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultSignatureHeader = "x-gw-sig"
	DefaultTimestampHeader = "x-gw-ts"
	DefaultNonceHeader     = "x-gw-nonce"
	DefaultUserIDHeader    = "x-user-id"

	// DefaultMaxSkew bounds how far a request timestamp may drift from the
	// verifier's clock in either direction.
	DefaultMaxSkew = 300 * time.Second

	nonceKeyPrefix = "gw-nonce:"
)

// HeaderNames holds the names of the four trust headers.
type HeaderNames struct {
	Signature string
	Timestamp string
	Nonce     string
	UserID    string
}

// DefaultHeaderNames returns the header names used when none are configured.
func DefaultHeaderNames() HeaderNames {
	return HeaderNames{
		Signature: DefaultSignatureHeader,
		Timestamp: DefaultTimestampHeader,
		Nonce:     DefaultNonceHeader,
		UserID:    DefaultUserIDHeader,
	}
}

func (n HeaderNames) withDefaults() HeaderNames {
	d := DefaultHeaderNames()
	if n.Signature == "" {
		n.Signature = d.Signature
	}
	if n.Timestamp == "" {
		n.Timestamp = d.Timestamp
	}
	if n.Nonce == "" {
		n.Nonce = d.Nonce
	}
	if n.UserID == "" {
		n.UserID = d.UserID
	}
	return n
}

// All returns the header names in signature, timestamp, nonce, user id order.
func (n HeaderNames) All() []string {
	n = n.withDefaults()
	return []string{n.Signature, n.Timestamp, n.Nonce, n.UserID}
}

// Headers maps trust header names to their values.
type Headers map[string]string

// Envelope is the set of fields covered by a gateway signature.
type Envelope struct {
	Method    string
	Path      string
	UserID    string
	Timestamp int64
	Nonce     string
}

// Canonical renders the string that is signed.
func (e Envelope) Canonical() string {
	return strings.Join([]string{
		strings.ToUpper(e.Method),
		StripQuery(e.Path),
		e.UserID,
		strconv.FormatInt(e.Timestamp, 10),
		e.Nonce,
	}, "|")
}

// Digest returns the raw HMAC-SHA256 of the canonical string.
func (e Envelope) Digest(secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(e.Canonical()))
	return mac.Sum(nil)
}

// Signature returns the lower-case hex signature sent on the wire.
func (e Envelope) Signature(secret []byte) string {
	return hex.EncodeToString(e.Digest(secret))
}

// StripQuery removes any query string from a request path.
func StripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}

// NonceKey is the replay cache key for a user's nonce.
func NonceKey(userID, nonce string) string {
	return nonceKeyPrefix + userID + ":" + nonce
}
