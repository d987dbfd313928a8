package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/conicleai/consent-edge/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// signedToken builds a structurally valid JWT; the verifier never checks
// the signature, only the oracle's verdict.
func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "1234",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func newOracle(t *testing.T, calls *int, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		if r.URL.Query().Get("id_token") == "" {
			t.Error("expected id_token query parameter")
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVerifySuccessAndCache(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	var calls int
	oracle := newOracle(t, &calls, http.StatusOK, fmt.Sprintf(
		`{"email":"admin@conicle.com","email_verified":"true","name":"Admin","exp":"%d"}`, exp.Unix()))

	v := NewVerifier(testLogger(), WithEndpoint(oracle.URL))
	v.randF = func() float64 { return 1 } // sweep off

	token := signedToken(t, exp)

	id, err := v.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.Email != "admin@conicle.com" {
		t.Errorf("got email %q", id.Email)
	}
	if id.Expiry != exp.Unix() {
		t.Errorf("got expiry %d, want %d", id.Expiry, exp.Unix())
	}

	// Second verification must be served from cache.
	if _, err := v.Verify(context.Background(), token); err != nil {
		t.Fatalf("cached Verify: %v", err)
	}
	if calls != 1 {
		t.Errorf("oracle called %d times, want 1", calls)
	}
}

func TestVerifyCacheExpiryMargin(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	var calls int
	oracle := newOracle(t, &calls, http.StatusOK, fmt.Sprintf(
		`{"email":"admin@conicle.com","email_verified":"true","exp":"%d"}`, exp.Unix()))

	now := time.Now()
	v := NewVerifier(testLogger(), WithEndpoint(oracle.URL), WithClock(func() time.Time { return now }))
	v.randF = func() float64 { return 1 }

	token := signedToken(t, exp)
	if _, err := v.Verify(context.Background(), token); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// Within the 30s safety margin of expiry the cache entry is stale and
	// the oracle is consulted again.
	now = exp.Add(-10 * time.Second)
	if _, err := v.Verify(context.Background(), token); err != nil {
		t.Fatalf("Verify near expiry: %v", err)
	}
	if calls != 2 {
		t.Errorf("oracle called %d times, want 2", calls)
	}
}

func TestVerifyOracleRejects(t *testing.T) {
	var calls int
	oracle := newOracle(t, &calls, http.StatusBadRequest,
		`{"error":"invalid_token","error_description":"Invalid Value"}`)

	v := NewVerifier(testLogger(), WithEndpoint(oracle.URL))
	v.randF = func() float64 { return 1 }

	_, err := v.Verify(context.Background(), signedToken(t, time.Now().Add(time.Hour)))
	if err != ErrUnauthenticated {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
	if v.CacheLen() != 0 {
		t.Error("failed verifications must not be cached")
	}
}

func TestVerifyUnverifiedEmail(t *testing.T) {
	var calls int
	oracle := newOracle(t, &calls, http.StatusOK,
		`{"email":"admin@conicle.com","email_verified":"false","exp":"9999999999"}`)

	v := NewVerifier(testLogger(), WithEndpoint(oracle.URL))
	v.randF = func() float64 { return 1 }

	_, err := v.Verify(context.Background(), signedToken(t, time.Now().Add(time.Hour)))
	if err != ErrUnauthenticated {
		t.Errorf("expected ErrUnauthenticated for unverified email, got %v", err)
	}
}

func TestVerifyMissingEmail(t *testing.T) {
	var calls int
	oracle := newOracle(t, &calls, http.StatusOK, `{"email_verified":"true","exp":"9999999999"}`)

	v := NewVerifier(testLogger(), WithEndpoint(oracle.URL))
	v.randF = func() float64 { return 1 }

	_, err := v.Verify(context.Background(), signedToken(t, time.Now().Add(time.Hour)))
	if err != ErrUnauthenticated {
		t.Errorf("expected ErrUnauthenticated for missing email, got %v", err)
	}
}

func TestVerifyMalformedTokenSkipsOracle(t *testing.T) {
	var calls int
	oracle := newOracle(t, &calls, http.StatusOK, `{}`)

	v := NewVerifier(testLogger(), WithEndpoint(oracle.URL))
	v.randF = func() float64 { return 1 }

	if _, err := v.Verify(context.Background(), "not-a-jwt"); err != ErrUnauthenticated {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
	if calls != 0 {
		t.Errorf("oracle should not be called for malformed tokens, got %d calls", calls)
	}
}

func TestVerifyExpiredTokenSkipsOracle(t *testing.T) {
	var calls int
	oracle := newOracle(t, &calls, http.StatusOK, `{}`)

	v := NewVerifier(testLogger(), WithEndpoint(oracle.URL))
	v.randF = func() float64 { return 1 }

	token := signedToken(t, time.Now().Add(-time.Hour))
	if _, err := v.Verify(context.Background(), token); err != ErrUnauthenticated {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
	if calls != 0 {
		t.Errorf("oracle should not be called for expired tokens, got %d calls", calls)
	}
}

func TestSweepEvictsExpiredEntries(t *testing.T) {
	exp := time.Now().Add(time.Minute)
	var calls int
	oracle := newOracle(t, &calls, http.StatusOK, fmt.Sprintf(
		`{"email":"admin@conicle.com","email_verified":"true","exp":"%d"}`, exp.Unix()))

	now := time.Now()
	v := NewVerifier(testLogger(), WithEndpoint(oracle.URL), WithClock(func() time.Time { return now }))
	v.randF = func() float64 { return 0 } // sweep on every call

	if _, err := v.Verify(context.Background(), signedToken(t, exp)); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.CacheLen() != 1 {
		t.Fatalf("expected 1 cached identity, got %d", v.CacheLen())
	}

	// Entry expired; the sweep on the next call purges it. The incoming
	// token is fresh so the verification itself succeeds.
	now = exp.Add(2 * time.Minute)
	fresh := signedToken(t, now.Add(time.Hour))
	exp2 := now.Add(time.Hour)
	oracle.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"email":"admin@conicle.com","email_verified":"true","exp":"%d"}`, exp2.Unix())
	})
	if _, err := v.Verify(context.Background(), fresh); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if v.CacheLen() != 1 {
		t.Errorf("expected stale entry swept, got %d cached", v.CacheLen())
	}
}

func TestDomainAllowlist(t *testing.T) {
	allow := DomainAllowlist{"conicle.com"}

	ok := &model.VerifiedIdentity{Email: "admin@conicle.com"}
	if err := allow.Authorize(ok); err != nil {
		t.Errorf("expected conicle.com to be allowed, got %v", err)
	}

	outsider := &model.VerifiedIdentity{Email: "user@other.com"}
	if err := allow.Authorize(outsider); err != ErrForbidden {
		t.Errorf("expected ErrForbidden for other.com, got %v", err)
	}

	// Suffix tricks must not pass: evil-conicle.com is a different domain.
	tricky := &model.VerifiedIdentity{Email: "user@evil-conicle.com"}
	if err := allow.Authorize(tricky); err != ErrForbidden {
		t.Errorf("expected ErrForbidden for evil-conicle.com, got %v", err)
	}

	if err := allow.Authorize(&model.VerifiedIdentity{Email: "no-at-sign"}); err != ErrForbidden {
		t.Errorf("expected ErrForbidden for malformed email, got %v", err)
	}
}
