package server

import (
	"bytes"
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
	"github.com/conicleai/consent-edge/internal/model"
	"github.com/conicleai/consent-edge/internal/normalize"
	"github.com/conicleai/consent-edge/internal/ratelimit"
	"github.com/conicleai/consent-edge/internal/service"
	"github.com/conicleai/consent-edge/internal/warehouse"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const testAdminEmail = "ops@conicle.com"

// testEnv holds the shared state for integration tests: a fully wired
// Server over an in-memory warehouse, plus a fake identity oracle.
type testEnv struct {
	server    *Server
	store     *warehouse.SQLStore
	authority *service.KeyAuthority
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := warehouse.NewSQLStore("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("warehouse.NewSQLStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	// The oracle accepts every token and reports the configured admin.
	oracle := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"email":%q,"email_verified":"true","name":"Ops","exp":"%d"}`,
			testAdminEmail, time.Now().Add(time.Hour).Unix())
	}))
	t.Cleanup(oracle.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authority := service.NewKeyAuthority(store, logger)

	cfg := DefaultConfig()
	srv := New(cfg, Deps{
		Store:      store,
		Authority:  authority,
		Accountant: service.NewUsageAccountant(store, logger),
		Verifier:   identity.NewVerifier(logger, identity.WithEndpoint(oracle.URL)),
		Allowlist:  identity.DomainAllowlist{"conicle.com"},
		Limiter:    ratelimit.New(time.Minute, 1000),
		Normalizer: &normalize.Normalizer{IPSalt: "test-salt"},
	}, logger)

	return &testEnv{server: srv, store: store, authority: authority}
}

// adminToken returns a structurally valid JWT the fake oracle will accept.
func adminToken(t *testing.T) string {
	t.Helper()
	claims := jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	e.server.ServeHTTP(rr, req)
	return rr
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		t.Fatalf("jsonBody: %v", err)
	}
	return buf
}

func assertStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Errorf("status = %d, want %d; body = %s", rr.Code, want, rr.Body.String())
	}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decodeJSON: %v; body = %s", err, rr.Body.String())
	}
}

func eventPayload() map[string]any {
	return map[string]any{
		"event_type": "consent",
		"acceptType": "all",
		"cookie": map[string]any{
			"consentId":  "c-1",
			"categories": []string{"necessary", "analytics"},
			"revision":   1,
		},
		"sessionId": "s-1",
		"pageUrl":   "https://app.acme.com/",
	}
}

// ---------------------------------------------------------------------------
// Health probes
// ---------------------------------------------------------------------------

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/healthz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["status"] != "ok" {
		t.Errorf("status = %q, want ok", resp["status"])
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/readyz", nil, nil)
	assertStatus(t, rr, http.StatusOK)

	var resp map[string]string
	decodeJSON(t, rr, &resp)
	if resp["warehouse"] != "ok" {
		t.Errorf("warehouse = %q, want ok", resp["warehouse"])
	}
}

// ---------------------------------------------------------------------------
// End-to-end: admin issues a key, the widget ingests with it
// ---------------------------------------------------------------------------

func TestFullWorkflow(t *testing.T) {
	env := newTestEnv(t)
	token := adminToken(t)

	// Step 1: generate a key over the admin surface.
	rr := env.do(t, "POST", "/admin/keys", jsonBody(t, map[string]any{
		"action":     "generate",
		"clientName": "Acme Learning",
		"domains":    []string{"app.acme.com"},
	}), map[string]string{"Authorization": "Bearer " + token})
	assertStatus(t, rr, http.StatusOK)

	var gen model.GenerateKeyResponse
	decodeJSON(t, rr, &gen)
	if gen.APIKey == "" {
		t.Fatal("expected plaintext key in generate response")
	}

	// Step 2: the widget posts an event with the key.
	rr = env.do(t, "POST", "/v1/events", jsonBody(t, eventPayload()), map[string]string{
		"X-API-Key": gen.APIKey,
		"Origin":    "https://app.acme.com",
	})
	assertStatus(t, rr, http.StatusOK)

	var ingest model.IngestResponse
	decodeJSON(t, rr, &ingest)
	if !ingest.Success || ingest.EventID == "" {
		t.Fatalf("unexpected ingest response: %+v", ingest)
	}
	if ingest.Client != "Acme Learning" {
		t.Errorf("client = %q", ingest.Client)
	}

	n, err := env.store.CountEvents(context.Background())
	if err != nil {
		t.Fatalf("count events: %v", err)
	}
	if n != 1 {
		t.Errorf("stored events = %d, want 1", n)
	}

	// Step 3: list shows the key masked, never the plaintext.
	rr = env.do(t, "POST", "/admin/keys", jsonBody(t, map[string]any{"action": "list"}),
		map[string]string{"Authorization": "Bearer " + token})
	assertStatus(t, rr, http.StatusOK)
	if bytes.Contains(rr.Body.Bytes(), []byte(gen.APIKey)) {
		t.Error("list response leaks the plaintext key")
	}

	// Step 4: revoke and confirm the key stops working.
	rr = env.do(t, "POST", "/admin/keys", jsonBody(t, map[string]any{
		"action":       "revoke",
		"apiKeyMasked": service.Mask(gen.APIKey),
	}), map[string]string{"Authorization": "Bearer " + token})
	assertStatus(t, rr, http.StatusOK)

	rr = env.do(t, "POST", "/v1/events", jsonBody(t, eventPayload()), map[string]string{
		"X-API-Key": gen.APIKey,
		"Origin":    "https://app.acme.com",
	})
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestAdminSurfaceRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/admin/keys", jsonBody(t, map[string]any{"action": "list"}), nil)
	assertStatus(t, rr, http.StatusUnauthorized)
}

func TestIngestWithoutKey(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "POST", "/v1/events", jsonBody(t, eventPayload()), nil)
	assertStatus(t, rr, http.StatusUnauthorized)

	var resp model.ErrorResponse
	decodeJSON(t, rr, &resp)
	if resp.Message != service.ReasonMissing {
		t.Errorf("reason = %q, want %q", resp.Message, service.ReasonMissing)
	}
}

// ---------------------------------------------------------------------------
// Rate limiting through the router
// ---------------------------------------------------------------------------

func TestIngestRateLimited(t *testing.T) {
	store, err := warehouse.NewSQLStore("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("warehouse.NewSQLStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authority := service.NewKeyAuthority(store, logger)
	srv := New(DefaultConfig(), Deps{
		Store:      store,
		Authority:  authority,
		Accountant: service.NewUsageAccountant(store, logger),
		Verifier:   identity.NewVerifier(logger),
		Allowlist:  identity.DomainAllowlist{"conicle.com"},
		Limiter:    ratelimit.New(10*time.Second, 2),
		Normalizer: &normalize.Normalizer{},
	}, logger)

	raw, _, err := authority.Generate(context.Background(), service.GenerateParams{ClientName: "Acme"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	post := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/v1/events", jsonBody(t, eventPayload()))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", raw)
		req.RemoteAddr = "203.0.113.7:4444"
		rr := httptest.NewRecorder()
		srv.ServeHTTP(rr, req)
		return rr
	}

	for i := 0; i < 2; i++ {
		if rr := post(); rr.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, body = %s", i+1, rr.Code, rr.Body.String())
		}
	}

	rr := post()
	assertStatus(t, rr, http.StatusTooManyRequests)
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}

// ---------------------------------------------------------------------------
// CORS preflight
// ---------------------------------------------------------------------------

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "OPTIONS", "/v1/events", nil, map[string]string{
		"Origin":                         "https://app.acme.com",
		"Access-Control-Request-Method":  "POST",
		"Access-Control-Request-Headers": "Content-Type,X-API-Key",
	})

	if rr.Code < 200 || rr.Code >= 300 {
		t.Errorf("preflight status = %d, want 2xx", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("expected Access-Control-Allow-Origin header")
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, "GET", "/healthz", nil, nil)
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID on every response")
	}
}
