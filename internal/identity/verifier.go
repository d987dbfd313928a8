// Package identity verifies federated identity tokens against the Google
// tokeninfo oracle and caches the results keyed by a hash of the token.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/conicleai/consent-edge/internal/model"
)

// DefaultEndpoint is Google's token introspection endpoint.
const DefaultEndpoint = "https://oauth2.googleapis.com/tokeninfo"

const (
	// expiryMargin keeps a cached identity usable only while its expiry is
	// comfortably in the future.
	expiryMargin = 30 * time.Second

	// sweepProbability is the per-call chance of purging expired cache
	// entries.
	sweepProbability = 0.1

	// tokenHashLen truncates the cache key; 16 hex chars is plenty for a
	// cache keyed by tokens the caller already holds.
	tokenHashLen = 16
)

// ErrUnauthenticated is returned when the oracle rejects the token, the
// token is structurally invalid, or the account's email is unverified.
// Callers surface a uniform re-authenticate message; the specific reason
// is only logged.
var ErrUnauthenticated = errors.New("invalid or expired identity token")

// Verifier introspects bearer tokens and caches verified identities.
// Cache entries are evicted when their expiry (minus a safety margin)
// passes, or by an opportunistic sweep.
type Verifier struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger

	mu    sync.Mutex
	cache map[string]*model.VerifiedIdentity

	now   func() time.Time
	randF func() float64
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithEndpoint overrides the introspection endpoint. Used in tests.
func WithEndpoint(endpoint string) Option {
	return func(v *Verifier) { v.endpoint = endpoint }
}

// WithHTTPClient substitutes the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.client = c }
}

// WithClock substitutes the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier creates a Verifier talking to the Google tokeninfo endpoint.
func NewVerifier(logger *slog.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		endpoint: DefaultEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
		cache:    make(map[string]*model.VerifiedIdentity),
		now:      time.Now,
		randF:    rand.Float64,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify introspects the token, consulting the cache first. On success the
// identity is cached keyed by a truncated hash of the token; the raw token
// is never stored.
func (v *Verifier) Verify(ctx context.Context, token string) (*model.VerifiedIdentity, error) {
	// Cheap structural precheck before an oracle round-trip. The oracle
	// remains the source of truth; this only rejects tokens that cannot
	// possibly verify.
	if err := precheckToken(token, v.now()); err != nil {
		v.logger.Warn("token precheck failed", "reason", err)
		return nil, ErrUnauthenticated
	}

	key := hashToken(token)
	now := v.now()

	v.mu.Lock()
	if v.randF() < sweepProbability {
		v.sweepLocked(now)
	}
	if cached, ok := v.cache[key]; ok {
		if cached.FreshFor(now, expiryMargin) {
			v.mu.Unlock()
			return cached, nil
		}
		delete(v.cache, key)
	}
	v.mu.Unlock()

	id, err := v.introspect(ctx, token)
	if err != nil {
		v.logger.Warn("token verification failed", "reason", err)
		return nil, ErrUnauthenticated
	}

	v.mu.Lock()
	v.cache[key] = id
	v.mu.Unlock()

	return id, nil
}

// CacheLen returns the number of cached identities. Used in tests.
func (v *Verifier) CacheLen() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.cache)
}

func (v *Verifier) sweepLocked(now time.Time) {
	for k, id := range v.cache {
		if id.Expiry <= now.Unix() {
			delete(v.cache, k)
		}
	}
}

// introspect calls the oracle and parses its verdict.
func (v *Verifier) introspect(ctx context.Context, token string) (*model.VerifiedIdentity, error) {
	u := v.endpoint + "?id_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build introspection request: %w", err)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection call: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read introspection response: %w", err)
	}

	// The tokeninfo endpoint reports most fields as strings; tolerate both
	// encodings for the ones we consume.
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Email            string `json:"email"`
		EmailVerified    any    `json:"email_verified"`
		Name             string `json:"name"`
		Exp              any    `json:"exp"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode introspection response: %w", err)
	}

	switch {
	case payload.Error != "":
		if payload.ErrorDescription != "" {
			return nil, fmt.Errorf("oracle rejected token: %s", payload.ErrorDescription)
		}
		return nil, fmt.Errorf("oracle rejected token: %s", payload.Error)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("oracle returned status %d", resp.StatusCode)
	case payload.Email == "":
		return nil, errors.New("token has no email")
	case !claimBool(payload.EmailVerified):
		return nil, errors.New("email not verified")
	}

	name := payload.Name
	if name == "" {
		name = payload.Email
	}

	return &model.VerifiedIdentity{
		Email:  payload.Email,
		Name:   name,
		Expiry: claimInt(payload.Exp),
	}, nil
}

// precheckToken rejects tokens that are not even well-formed JWTs or are
// already expired according to their own claims.
func precheckToken(token string, now time.Time) error {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("malformed token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err == nil && exp != nil && exp.Before(now) {
		return errors.New("token already expired")
	}
	return nil
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])[:tokenHashLen]
}

func claimBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t == "true"
	}
	return false
}

func claimInt(v any) int64 {
	switch t := v.(type) {
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	case float64:
		return int64(t)
	case json.Number:
		n, _ := t.Int64()
		return n
	}
	return 0
}
