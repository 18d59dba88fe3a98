package gatewaysig

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

var (
	errMissingHeaders = errors.New("missing trust headers")
	errBadTimestamp   = errors.New("unparseable timestamp")
	errClockSkew      = errors.New("timestamp outside skew window")
	errBadSignature   = errors.New("signature mismatch")
	errReplay         = errors.New("nonce already used")
	errNonceStore     = errors.New("nonce store unavailable")
)

// isoLayouts are accepted for timestamps that are not plain epoch seconds.
var isoLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
}

// Options configures a Verifier. Every backend uses the same options so the
// verification semantics do not depend on how the verifier is wrapped.
type Options struct {
	Secret  string
	Headers HeaderNames
	MaxSkew time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
}

// Request is the part of an inbound request the verifier looks at.
type Request struct {
	Method string
	Path   string
	// Header returns the value of a header, matched case-insensitively.
	Header func(name string) string
}

// Result is the outcome of a verification. The failure cause is deliberately
// not exposed.
type Result struct {
	Valid  bool
	UserID string
}

// Verifier authenticates requests signed by the gateway.
type Verifier struct {
	secret  []byte
	names   HeaderNames
	maxSkew int64
	now     func() time.Time
	store   NonceStore
	logger  *slog.Logger
}

// NewVerifier builds a Verifier backed by the given nonce store.
func NewVerifier(opts Options, store NonceStore) *Verifier {
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = DefaultMaxSkew
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Verifier{
		secret:  []byte(opts.Secret),
		names:   opts.Headers.withDefaults(),
		maxSkew: int64(opts.MaxSkew / time.Second),
		now:     opts.Now,
		store:   store,
		logger:  opts.Logger,
	}
}

// Verify checks the trust headers on req. A nonce is consumed only once the
// signature has matched, so unsigned traffic cannot burn nonces.
func (v *Verifier) Verify(ctx context.Context, req Request) Result {
	userID, err := v.verify(ctx, req)
	if err != nil {
		v.logger.Debug("gateway signature rejected",
			slog.String("method", req.Method),
			slog.String("path", StripQuery(req.Path)),
			slog.String("reason", err.Error()),
		)
		return Result{}
	}
	return Result{Valid: true, UserID: userID}
}

func (v *Verifier) verify(ctx context.Context, req Request) (string, error) {
	sig := strings.TrimSpace(req.Header(v.names.Signature))
	rawTS := strings.TrimSpace(req.Header(v.names.Timestamp))
	nonce := strings.TrimSpace(req.Header(v.names.Nonce))
	userID := strings.TrimSpace(req.Header(v.names.UserID))
	if sig == "" || rawTS == "" || nonce == "" || userID == "" {
		return "", errMissingHeaders
	}

	ts, err := ParseTimestamp(rawTS)
	if err != nil {
		return "", errBadTimestamp
	}

	now := v.now().Unix()
	if abs(now-ts) > v.maxSkew {
		return "", errClockSkew
	}

	env := Envelope{Method: req.Method, Path: req.Path, UserID: userID, Timestamp: ts, Nonce: nonce}
	if !signatureMatches(sig, env.Digest(v.secret)) {
		return "", errBadSignature
	}

	// The nonce must stay claimed until the timestamp falls out of the window.
	ttl := time.Duration(ts+v.maxSkew-now)*time.Second + time.Second
	claimed, err := v.store.Claim(ctx, NonceKey(userID, nonce), ttl)
	if err != nil {
		v.logger.Error("nonce store claim failed", slog.Any("error", err))
		return "", errNonceStore
	}
	if !claimed {
		return "", errReplay
	}

	return userID, nil
}

// ParseTimestamp accepts epoch seconds or an ISO-8601 instant and returns
// epoch seconds.
func ParseTimestamp(raw string) (int64, error) {
	if isDigits(raw) {
		return strconv.ParseInt(raw, 10, 64)
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Unix(), nil
		}
	}
	return 0, errBadTimestamp
}

// signatureMatches accepts the lower-case hex or standard base64 encoding of
// the digest.
func signatureMatches(provided string, digest []byte) bool {
	hexSig := []byte(hex.EncodeToString(digest))
	b64Sig := []byte(base64.StdEncoding.EncodeToString(digest))
	hexOK := subtle.ConstantTimeCompare([]byte(strings.ToLower(provided)), hexSig) == 1
	b64OK := subtle.ConstantTimeCompare([]byte(provided), b64Sig) == 1
	return hexOK || b64OK
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
