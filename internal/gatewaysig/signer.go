package gatewaysig

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Signer produces trust headers for requests the gateway forwards.
// It holds no mutable state and is safe for concurrent use.
type Signer struct {
	secret []byte
	names  HeaderNames
	now    func() time.Time
	nonce  func() string
}

// SignerOption customises a Signer.
type SignerOption func(*Signer)

// WithSignerHeaderNames overrides the trust header names.
func WithSignerHeaderNames(names HeaderNames) SignerOption {
	return func(s *Signer) { s.names = names.withDefaults() }
}

// WithSignerClock overrides the clock used for timestamps.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// WithNonceSource overrides nonce generation.
func WithNonceSource(fn func() string) SignerOption {
	return func(s *Signer) { s.nonce = fn }
}

// NewSigner builds a Signer for the shared secret.
func NewSigner(secret string, opts ...SignerOption) *Signer {
	s := &Signer{
		secret: []byte(secret),
		names:  DefaultHeaderNames(),
		now:    time.Now,
		nonce:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign returns the four trust headers for a request made on behalf of
// userID. When userID is empty there is nobody to vouch for and Sign
// returns ok=false with no headers.
func (s *Signer) Sign(method, path, userID string) (Headers, bool) {
	if userID == "" {
		return nil, false
	}

	env := Envelope{
		Method:    method,
		Path:      path,
		UserID:    userID,
		Timestamp: s.now().Unix(),
		Nonce:     s.nonce(),
	}

	return Headers{
		s.names.Signature: env.Signature(s.secret),
		s.names.Timestamp: strconv.FormatInt(env.Timestamp, 10),
		s.names.Nonce:     env.Nonce,
		s.names.UserID:    userID,
	}, true
}
