package middleware

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/ajo-platform/ajo/internal/auth"
	"github.com/ajo-platform/ajo/internal/gatewaysig"
	"github.com/ajo-platform/ajo/internal/logging"
)

const (
	testGatewaySecret = "gw-secret"
	testJWTSecret     = "jwt-secret"
)

func newGuardApp(t *testing.T, gatewayEnabled bool) *fiber.App {
	t.Helper()
	verifier := gatewaysig.NewVerifier(gatewaysig.Options{
		Secret: testGatewaySecret,
		Logger: logging.Discard(),
	}, gatewaysig.NewMemoryNonceStore(time.Minute))

	bearer, err := auth.NewBearerValidator(auth.BearerConfig{Secret: testJWTSecret})
	if err != nil {
		t.Fatalf("bearer validator: %v", err)
	}

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logging.Discard())})
	app.Use(GatewayOrBearer(GuardConfig{
		Verifier:       verifier,
		GatewayEnabled: gatewayEnabled,
		Bearer:         bearer,
		Logger:         logging.Discard(),
	}))
	app.Get("/auth/probe", func(c *fiber.Ctx) error {
		p, _ := auth.PrincipalFrom(c)
		return c.JSON(p)
	})
	return app
}

func signedRequest(t *testing.T, method, target, userID string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	headers, ok := gatewaysig.NewSigner(testGatewaySecret).Sign(method, gatewaysig.StripQuery(target), userID)
	if !ok {
		t.Fatalf("sign: no headers")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func bearerToken(t *testing.T, subject string, ttl time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func probe(t *testing.T, app *fiber.App, req *http.Request) (int, map[string]string) {
	t.Helper()
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	body := map[string]string{}
	_ = json.Unmarshal(raw, &body)
	return resp.StatusCode, body
}

func TestGuardAcceptsGatewaySignature(t *testing.T) {
	app := newGuardApp(t, true)

	status, body := probe(t, app, signedRequest(t, fiber.MethodGet, "/auth/probe", "user-1"))
	if status != fiber.StatusOK {
		t.Fatalf("expected 200 got %d", status)
	}
	if body["userId"] != "user-1" || body["authScheme"] != auth.SchemeGatewaySignature {
		t.Fatalf("unexpected principal %v", body)
	}
}

func TestGuardRejectsReplayedSignature(t *testing.T) {
	app := newGuardApp(t, true)

	first := signedRequest(t, fiber.MethodGet, "/auth/probe", "user-1")
	replay := httptest.NewRequest(fiber.MethodGet, "/auth/probe", nil)
	replay.Header = first.Header.Clone()

	if status, _ := probe(t, app, first); status != fiber.StatusOK {
		t.Fatalf("expected first request accepted, got %d", status)
	}
	if status, _ := probe(t, app, replay); status != fiber.StatusUnauthorized {
		t.Fatalf("expected replay rejected, got %d", status)
	}
}

func TestGuardFallsBackToBearer(t *testing.T) {
	app := newGuardApp(t, true)

	req := httptest.NewRequest(fiber.MethodGet, "/auth/probe", nil)
	req.Header.Set(fiber.HeaderAuthorization, "Bearer "+bearerToken(t, "user-2", time.Hour))
	// A forged user id header without a signature must not win over the token.
	req.Header.Set(gatewaysig.DefaultUserIDHeader, "someone-else")

	status, body := probe(t, app, req)
	if status != fiber.StatusOK {
		t.Fatalf("expected 200 got %d", status)
	}
	if body["userId"] != "user-2" || body["authScheme"] != auth.SchemeBearer {
		t.Fatalf("unexpected principal %v", body)
	}
}

func TestGuardIgnoresSignatureWhenDisabled(t *testing.T) {
	app := newGuardApp(t, false)

	status, _ := probe(t, app, signedRequest(t, fiber.MethodGet, "/auth/probe", "user-1"))
	if status != fiber.StatusUnauthorized {
		t.Fatalf("expected 401 with gateway signatures disabled, got %d", status)
	}
}

func TestGuardFailuresLookIdentical(t *testing.T) {
	app := newGuardApp(t, true)

	noAuth := httptest.NewRequest(fiber.MethodGet, "/auth/probe", nil)

	expired := httptest.NewRequest(fiber.MethodGet, "/auth/probe", nil)
	expired.Header.Set(fiber.HeaderAuthorization, "Bearer "+bearerToken(t, "user-2", -time.Hour))

	tampered := signedRequest(t, fiber.MethodGet, "/auth/probe", "user-1")
	tampered.Header.Set(gatewaysig.DefaultUserIDHeader, "user-9")

	var messages []string
	for _, req := range []*http.Request{noAuth, expired, tampered} {
		status, body := probe(t, app, req)
		if status != fiber.StatusUnauthorized {
			t.Fatalf("expected 401 got %d", status)
		}
		messages = append(messages, body["error"])
	}
	for _, m := range messages {
		if m != messages[0] {
			t.Fatalf("expected identical failure bodies, got %v", messages)
		}
	}
}

func TestRateLimitPerUser(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer cache.Close()

	app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(logging.Discard())})
	app.Use(func(c *fiber.Ctx) error {
		auth.SetPrincipal(c, auth.Principal{UserID: c.Get("X-Test-User"), Scheme: auth.SchemeBearer})
		return c.Next()
	})
	app.Use(RateLimit(cache, 2))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNoContent) })

	call := func(user string) int {
		req := httptest.NewRequest(fiber.MethodGet, "/", nil)
		req.Header.Set("X-Test-User", user)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("app.Test: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	call("u1")
	call("u1")
	if status := call("u1"); status != fiber.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", status)
	}
	if status := call("u2"); status != fiber.StatusNoContent {
		t.Fatalf("expected other user unaffected, got %d", status)
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	app := fiber.New()
	app.Use(RequestID())
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString(RequestIDFrom(c)) })

	req := httptest.NewRequest(fiber.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "req-42" || resp.Header.Get(RequestIDHeader) != "req-42" {
		t.Fatalf("expected inbound request id to be kept, got %q / %q", body, resp.Header.Get(RequestIDHeader))
	}
}
