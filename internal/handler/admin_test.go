package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/conicleai/consent-edge/internal/model"
	"github.com/conicleai/consent-edge/internal/server/middleware"
	"github.com/conicleai/consent-edge/internal/service"
	"github.com/conicleai/consent-edge/internal/warehouse"
)

func newAdminFixture(t *testing.T) (*AdminHandler, *service.KeyAuthority) {
	t.Helper()
	store, err := warehouse.NewSQLStore("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := discardLogger()
	authority := service.NewKeyAuthority(store, logger)
	return NewAdminHandler(authority, logger), authority
}

func dispatch(h *AdminHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/admin/keys", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	ctx := context.WithValue(req.Context(), middleware.AdminKey,
		&model.VerifiedIdentity{Email: "ops@conicle.com", Name: "Ops"})
	rr := httptest.NewRecorder()
	h.Dispatch(rr, req.WithContext(ctx))
	return rr
}

func TestAdminGenerateAndList(t *testing.T) {
	h, _ := newAdminFixture(t)

	rr := dispatch(h, `{
		"action": "generate",
		"clientName": "Acme Learning",
		"clientEmail": "ops@acme.com",
		"domains": ["app.acme.com", "*.widgets.acme.com"],
		"quota": 100000
	}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("generate: status = %d, body = %s", rr.Code, rr.Body.String())
	}

	var gen model.GenerateKeyResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &gen); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !gen.Success || !strings.HasPrefix(gen.APIKey, "cm_") {
		t.Errorf("unexpected generate response: %+v", gen)
	}
	if gen.ClientName != "Acme Learning" {
		t.Errorf("client name = %q", gen.ClientName)
	}

	rr = dispatch(h, `{"action": "list"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rr.Code)
	}
	var list model.ListKeysResponse
	json.Unmarshal(rr.Body.Bytes(), &list)
	if len(list.Keys) != 1 {
		t.Fatalf("listed %d keys, want 1", len(list.Keys))
	}
	key := list.Keys[0]
	if key.APIKeyMasked != service.Mask(gen.APIKey) {
		t.Errorf("masked = %q, want %q", key.APIKeyMasked, service.Mask(gen.APIKey))
	}
	if strings.Contains(rr.Body.String(), gen.APIKey) {
		t.Error("list response leaks the plaintext key")
	}
	if key.CreatedBy != "ops@conicle.com" {
		t.Errorf("created_by = %q, want the admin identity", key.CreatedBy)
	}
	if key.MonthlyQuota == nil || *key.MonthlyQuota != 100000 {
		t.Errorf("monthly_quota = %v", key.MonthlyQuota)
	}
	if len(key.AllowedDomains) != 2 {
		t.Errorf("allowed_domains = %v, want the two requested patterns", key.AllowedDomains)
	}
}

func TestAdminGenerateRequiresDomains(t *testing.T) {
	h, _ := newAdminFixture(t)

	for _, body := range []string{
		`{"action": "generate", "clientName": "Acme"}`,
		`{"action": "generate", "clientName": "Acme", "domains": []}`,
	} {
		rr := dispatch(h, body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, rr.Code)
			continue
		}
		if !strings.Contains(rr.Body.String(), "domains array is required") {
			t.Errorf("body %s: error = %s", body, rr.Body.String())
		}
	}
}

func TestAdminGenerateRejectsInvalidDomain(t *testing.T) {
	h, _ := newAdminFixture(t)

	rr := dispatch(h, `{
		"action": "generate",
		"clientName": "Acme",
		"domains": ["*.acme.com", "bad domain!"]
	}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "bad domain!") {
		t.Errorf("error should name the offending domain: %s", rr.Body.String())
	}
}

func TestAdminRevoke(t *testing.T) {
	h, authority := newAdminFixture(t)

	raw, _, err := authority.Generate(context.Background(), service.GenerateParams{ClientName: "Acme"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	rr := dispatch(h, `{"action": "revoke", "apiKeyMasked": "`+service.Mask(raw)+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke: status = %d, body = %s", rr.Code, rr.Body.String())
	}

	// The key no longer authorizes.
	if _, err := authority.Authorize(context.Background(), raw, ""); err == nil {
		t.Error("revoked key still authorizes")
	}

	// Revoking a mask with no active match is a success no-op.
	rr = dispatch(h, `{"action": "revoke", "apiKeyMasked": "cm_000000000...ffffff"}`)
	if rr.Code != http.StatusOK {
		t.Errorf("no-op revoke: status = %d", rr.Code)
	}

	// A structurally invalid mask is a client error.
	rr = dispatch(h, `{"action": "revoke", "apiKeyMasked": "nonsense"}`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid mask: status = %d, want 400", rr.Code)
	}
}

func TestAdminUnknownAction(t *testing.T) {
	h, _ := newAdminFixture(t)

	for _, body := range []string{`{"action": "explode"}`, `{}`, `{not json`} {
		rr := dispatch(h, body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rr.Code)
		}
	}
}
