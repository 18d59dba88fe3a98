package gatewaysig

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ajo-platform/ajo/internal/logging"
)

const testSecret = "s3cret"

var fixedNow = time.Unix(1_700_000_000, 0)

func clock(t time.Time) func() time.Time { return func() time.Time { return t } }

func headerFunc(h Headers) func(string) string {
	lower := make(map[string]string, len(h))
	for k, v := range h {
		lower[strings.ToLower(k)] = v
	}
	return func(name string) string { return lower[strings.ToLower(name)] }
}

func newTestVerifier(store NonceStore, now time.Time) *Verifier {
	return NewVerifier(Options{
		Secret: testSecret,
		Now:    clock(now),
		Logger: logging.Discard(),
	}, store)
}

func TestSignProducesVerifiableHeaders(t *testing.T) {
	signer := NewSigner(testSecret, WithSignerClock(clock(fixedNow)))
	headers, ok := signer.Sign("post", "/transfers?x=1", "user-1")
	if !ok {
		t.Fatalf("expected headers for user")
	}
	if headers[DefaultTimestampHeader] != strconv.FormatInt(fixedNow.Unix(), 10) {
		t.Fatalf("unexpected timestamp %s", headers[DefaultTimestampHeader])
	}
	if headers[DefaultUserIDHeader] != "user-1" {
		t.Fatalf("unexpected user id %s", headers[DefaultUserIDHeader])
	}

	canonical := "POST|/transfers|user-1|" + headers[DefaultTimestampHeader] + "|" + headers[DefaultNonceHeader]
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write([]byte(canonical))
	if want := hex.EncodeToString(mac.Sum(nil)); headers[DefaultSignatureHeader] != want {
		t.Fatalf("signature mismatch: got %s want %s", headers[DefaultSignatureHeader], want)
	}

	v := newTestVerifier(NewMemoryNonceStore(time.Minute), fixedNow)
	res := v.Verify(context.Background(), Request{Method: "POST", Path: "/transfers", Header: headerFunc(headers)})
	if !res.Valid || res.UserID != "user-1" {
		t.Fatalf("expected valid result, got %+v", res)
	}
}

func TestSignWithoutUserReturnsNothing(t *testing.T) {
	headers, ok := NewSigner(testSecret).Sign("GET", "/wallets/me", "")
	if ok || headers != nil {
		t.Fatalf("expected no headers without user, got %v", headers)
	}
}

func TestSignUsesFreshNonces(t *testing.T) {
	signer := NewSigner(testSecret)
	a, _ := signer.Sign("GET", "/x", "u")
	b, _ := signer.Sign("GET", "/x", "u")
	if a[DefaultNonceHeader] == b[DefaultNonceHeader] {
		t.Fatalf("expected distinct nonces")
	}
}

func TestVerifyRejectsReplay(t *testing.T) {
	signer := NewSigner(testSecret, WithSignerClock(clock(fixedNow)))
	headers, _ := signer.Sign("GET", "/wallets/me", "user-1")
	v := newTestVerifier(NewMemoryNonceStore(time.Minute), fixedNow)
	req := Request{Method: "GET", Path: "/wallets/me", Header: headerFunc(headers)}

	if res := v.Verify(context.Background(), req); !res.Valid {
		t.Fatalf("first presentation should be valid")
	}
	if res := v.Verify(context.Background(), req); res.Valid {
		t.Fatalf("replayed nonce must be rejected")
	}
}

func TestVerifySkewBoundary(t *testing.T) {
	cases := []struct {
		name  string
		delta time.Duration
		valid bool
	}{
		{"past within window", -299 * time.Second, true},
		{"past at limit", -300 * time.Second, true},
		{"past outside window", -301 * time.Second, false},
		{"future within window", 299 * time.Second, true},
		{"future outside window", 301 * time.Second, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			signer := NewSigner(testSecret, WithSignerClock(clock(fixedNow.Add(tc.delta))))
			headers, _ := signer.Sign("GET", "/x", "u")
			v := newTestVerifier(NewMemoryNonceStore(time.Minute), fixedNow)
			res := v.Verify(context.Background(), Request{Method: "GET", Path: "/x", Header: headerFunc(headers)})
			if res.Valid != tc.valid {
				t.Fatalf("expected valid=%v got %v", tc.valid, res.Valid)
			}
		})
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	signer := NewSigner(testSecret, WithSignerClock(clock(fixedNow)))
	base, _ := signer.Sign("POST", "/transfers", "user-1")

	cases := map[string]func(h Headers) (string, string){
		"other user": func(h Headers) (string, string) {
			h[DefaultUserIDHeader] = "user-2"
			return "POST", "/transfers"
		},
		"other path": func(h Headers) (string, string) { return "POST", "/transfers/other" },
		"other method": func(h Headers) (string, string) { return "GET", "/transfers" },
		"wrong secret": func(h Headers) (string, string) {
			env := Envelope{Method: "POST", Path: "/transfers", UserID: "user-1", Timestamp: fixedNow.Unix(), Nonce: h[DefaultNonceHeader]}
			h[DefaultSignatureHeader] = env.Signature([]byte("other"))
			return "POST", "/transfers"
		},
		"missing nonce": func(h Headers) (string, string) {
			delete(h, DefaultNonceHeader)
			return "POST", "/transfers"
		},
		"garbage timestamp": func(h Headers) (string, string) {
			h[DefaultTimestampHeader] = "yesterday"
			return "POST", "/transfers"
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := Headers{}
			for k, v := range base {
				h[k] = v
			}
			method, path := mutate(h)
			v := newTestVerifier(NewMemoryNonceStore(time.Minute), fixedNow)
			if res := v.Verify(context.Background(), Request{Method: method, Path: path, Header: headerFunc(h)}); res.Valid {
				t.Fatalf("expected rejection")
			}
		})
	}
}

func TestVerifyIgnoresQueryString(t *testing.T) {
	signer := NewSigner(testSecret, WithSignerClock(clock(fixedNow)))
	headers, _ := signer.Sign("GET", "/wallets/me", "user-1")
	v := newTestVerifier(NewMemoryNonceStore(time.Minute), fixedNow)
	res := v.Verify(context.Background(), Request{Method: "GET", Path: "/wallets/me?currency=NGN", Header: headerFunc(headers)})
	if !res.Valid {
		t.Fatalf("query string must not affect the signature")
	}
}

func TestVerifyAcceptsBase64AndISOTimestamp(t *testing.T) {
	env := Envelope{Method: "GET", Path: "/x", UserID: "u", Timestamp: fixedNow.Unix(), Nonce: "n-1"}
	headers := Headers{
		DefaultSignatureHeader: base64.StdEncoding.EncodeToString(env.Digest([]byte(testSecret))),
		DefaultTimestampHeader: fixedNow.UTC().Format(time.RFC3339),
		DefaultNonceHeader:     "n-1",
		DefaultUserIDHeader:    "u",
	}
	v := newTestVerifier(NewMemoryNonceStore(time.Minute), fixedNow)
	if res := v.Verify(context.Background(), Request{Method: "GET", Path: "/x", Header: headerFunc(headers)}); !res.Valid {
		t.Fatalf("expected base64 signature with ISO timestamp to verify")
	}
}

func TestVerifyForgedRequestDoesNotBurnNonce(t *testing.T) {
	signer := NewSigner(testSecret, WithSignerClock(clock(fixedNow)))
	headers, _ := signer.Sign("GET", "/x", "u")
	v := newTestVerifier(NewMemoryNonceStore(time.Minute), fixedNow)

	forged := Headers{}
	for k, val := range headers {
		forged[k] = val
	}
	forged[DefaultSignatureHeader] = strings.Repeat("0", 64)
	if res := v.Verify(context.Background(), Request{Method: "GET", Path: "/x", Header: headerFunc(forged)}); res.Valid {
		t.Fatalf("forged signature accepted")
	}
	if res := v.Verify(context.Background(), Request{Method: "GET", Path: "/x", Header: headerFunc(headers)}); !res.Valid {
		t.Fatalf("genuine request rejected after forged attempt")
	}
}

func TestVerifyConcurrentReplayAcceptsOnce(t *testing.T) {
	signer := NewSigner(testSecret, WithSignerClock(clock(fixedNow)))
	headers, _ := signer.Sign("POST", "/transfers", "u")
	v := newTestVerifier(NewMemoryNonceStore(time.Minute), fixedNow)

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v.Verify(context.Background(), Request{Method: "POST", Path: "/transfers", Header: headerFunc(headers)}).Valid {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	if accepted.Load() != 1 {
		t.Fatalf("expected exactly one acceptance, got %d", accepted.Load())
	}
}

type failingStore struct{}

func (failingStore) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, context.DeadlineExceeded
}

func TestVerifyFailsClosedOnStoreError(t *testing.T) {
	signer := NewSigner(testSecret, WithSignerClock(clock(fixedNow)))
	headers, _ := signer.Sign("GET", "/x", "u")
	v := newTestVerifier(failingStore{}, fixedNow)
	if res := v.Verify(context.Background(), Request{Method: "GET", Path: "/x", Header: headerFunc(headers)}); res.Valid {
		t.Fatalf("expected rejection when nonce store fails")
	}
}

func TestRedisNonceStore(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisNonceStore(client)
	signer := NewSigner(testSecret, WithSignerClock(clock(fixedNow)))
	headers, _ := signer.Sign("GET", "/x", "u")
	v := newTestVerifier(store, fixedNow)
	req := Request{Method: "GET", Path: "/x", Header: headerFunc(headers)}

	if !v.Verify(context.Background(), req).Valid {
		t.Fatalf("first presentation should be valid")
	}
	if v.Verify(context.Background(), req).Valid {
		t.Fatalf("replay should be rejected")
	}

	key := NonceKey("u", headers[DefaultNonceHeader])
	if !mr.Exists(key) {
		t.Fatalf("expected nonce key %s to be stored", key)
	}
	if ttl := mr.TTL(key); ttl <= 0 || ttl > 301*time.Second {
		t.Fatalf("unexpected nonce ttl %s", ttl)
	}
}

func TestCustomHeaderNames(t *testing.T) {
	names := HeaderNames{Signature: "x-sig", Timestamp: "x-ts", Nonce: "x-nonce", UserID: "x-uid"}
	signer := NewSigner(testSecret, WithSignerClock(clock(fixedNow)), WithSignerHeaderNames(names))
	headers, _ := signer.Sign("GET", "/x", "u")
	if headers["x-sig"] == "" {
		t.Fatalf("expected custom signature header, got %v", headers)
	}
	v := NewVerifier(Options{Secret: testSecret, Headers: names, Now: clock(fixedNow), Logger: logging.Discard()}, NewMemoryNonceStore(time.Minute))
	if !v.Verify(context.Background(), Request{Method: "GET", Path: "/x", Header: headerFunc(headers)}).Valid {
		t.Fatalf("expected verification with custom header names")
	}
}

func TestParseTimestamp(t *testing.T) {
	if ts, err := ParseTimestamp("1700000000"); err != nil || ts != 1_700_000_000 {
		t.Fatalf("epoch parse: %d %v", ts, err)
	}
	if ts, err := ParseTimestamp("2023-11-14T22:13:20Z"); err != nil || ts != 1_700_000_000 {
		t.Fatalf("iso parse: %d %v", ts, err)
	}
	if _, err := ParseTimestamp("-5"); err == nil {
		t.Fatalf("expected error for signed value")
	}
}
