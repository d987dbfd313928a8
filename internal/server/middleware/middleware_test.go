package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/conicleai/consent-edge/internal/identity"
	"github.com/conicleai/consent-edge/internal/ratelimit"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// RequestID middleware tests
// ---------------------------------------------------------------------------

func TestRequestIDGeneratesUUID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("expected non-empty request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/events", nil))

	respID := rr.Header().Get("X-Request-ID")
	if len(respID) != 36 {
		t.Errorf("expected UUID-length request ID, got %q", respID)
	}
}

func TestRequestIDPreservesClientID(t *testing.T) {
	clientID := "widget-trace-abc123"

	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := GetRequestID(r.Context()); id != clientID {
			t.Errorf("context ID = %q, want %q", id, clientID)
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/v1/events", nil)
	req.Header.Set("X-Request-ID", clientID)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != clientID {
		t.Errorf("response X-Request-ID = %q, want %q", got, clientID)
	}
}

func TestGetRequestIDEmptyContext(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("expected empty string from bare context, got %q", id)
	}
}

// ---------------------------------------------------------------------------
// AdminAuth middleware tests
// ---------------------------------------------------------------------------

func adminToken(t *testing.T) string {
	t.Helper()
	claims := jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func adminHandler(t *testing.T, email string) http.Handler {
	t.Helper()
	oracle := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"email":%q,"email_verified":"true","name":"Ops","exp":"%d"}`,
			email, time.Now().Add(time.Hour).Unix())
	}))
	t.Cleanup(oracle.Close)

	verifier := identity.NewVerifier(discardLogger(), identity.WithEndpoint(oracle.URL))
	allowlist := identity.DomainAllowlist{"conicle.com"}

	return AdminAuth(verifier, allowlist)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		admin := GetAdmin(r.Context())
		if admin == nil {
			t.Error("expected admin identity in context")
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func TestAdminAuthAllowsWhitelistedDomain(t *testing.T) {
	handler := adminHandler(t, "ops@conicle.com")

	req := httptest.NewRequest("POST", "/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestAdminAuthRejectsForeignDomain(t *testing.T) {
	handler := adminHandler(t, "intruder@example.com")

	req := httptest.NewRequest("POST", "/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken(t))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rr.Code)
	}
}

func TestAdminAuthRequiresBearer(t *testing.T) {
	handler := adminHandler(t, "ops@conicle.com")

	for _, header := range []string{"", "Bearer ", "Basic dXNlcg=="} {
		req := httptest.NewRequest("POST", "/admin/keys", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Errorf("header %q: status = %d, want 401", header, rr.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Errorf("header %q: non-JSON error body: %v", header, err)
		}
	}
}

func TestAdminAuthRejectsGarbageToken(t *testing.T) {
	handler := adminHandler(t, "ops@conicle.com")

	req := httptest.NewRequest("POST", "/admin/keys", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

// ---------------------------------------------------------------------------
// IngestRateLimit middleware tests
// ---------------------------------------------------------------------------

func TestIngestRateLimit(t *testing.T) {
	limiter := ratelimit.New(ratelimit.DefaultWindow, 2)
	handler := IngestRateLimit(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/events", nil)
		req.RemoteAddr = "203.0.113.7:4444"
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/events", nil)
	req.RemoteAddr = "203.0.113.7:5555" // same IP, different port
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header on denial")
	}

	// A different address has its own window.
	rr = httptest.NewRecorder()
	req = httptest.NewRequest("POST", "/v1/events", nil)
	req.RemoteAddr = "198.51.100.9:4444"
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Errorf("other address: status = %d, want 200", rr.Code)
	}
}
