// Package service holds the gateway's business rules: API key lifecycle,
// request authorization, and usage accounting. Handlers stay thin and
// delegate every decision here.
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/conicleai/consent-edge/internal/model"
	"github.com/conicleai/consent-edge/internal/warehouse"
)

// Authorization failure reasons, surfaced in the error envelope so widget
// integrators can tell a bad key from a bad origin.
const (
	ReasonMissing       = "missing"
	ReasonInvalidKey    = "invalid_or_expired"
	ReasonBadOrigin     = "domain_not_whitelisted"
	ReasonQuotaExceeded = "quota_exceeded"
)

var (
	// ErrAmbiguousMask is returned when a masked key matches more than one
	// active record. The caller must revoke by a more specific handle.
	ErrAmbiguousMask = errors.New("masked key matches multiple active keys")

	// ErrInvalidMask is returned for a revoke argument that is not a
	// structurally valid masked key.
	ErrInvalidMask = errors.New("invalid masked key format")
)

const (
	keyPrefix      = "cm_"
	keyRandomBytes = 24

	maxClientNameLen = 200
	maxNotesLen      = 500
)

// domainPattern validates a whitelist entry: a hostname of at least two
// characters, optionally with a single leading "*." wildcard label.
// "localhost" is accepted separately for development setups.
var domainPattern = regexp.MustCompile(`^(\*\.)?[a-zA-Z0-9][a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9]$`)

// UnauthorizedError carries the rejection reason and the HTTP status the
// dispatcher should answer with.
type UnauthorizedError struct {
	Reason  string
	Status  int
	Message string
}

func (e *UnauthorizedError) Error() string {
	return e.Reason + ": " + e.Message
}

// KeyAuthority owns API key issuance, revocation, and per-request
// authorization against the warehouse's key records.
type KeyAuthority struct {
	store  warehouse.Warehouse
	logger *slog.Logger
	now    func() time.Time
}

func NewKeyAuthority(store warehouse.Warehouse, logger *slog.Logger) *KeyAuthority {
	return &KeyAuthority{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Authorize validates a raw API key for an ingestion request arriving from
// originHost. On success it returns the key record; on failure the error is
// an *UnauthorizedError naming the reason.
func (a *KeyAuthority) Authorize(ctx context.Context, rawKey, originHost string) (*model.APIKey, error) {
	if rawKey == "" {
		return nil, &UnauthorizedError{
			Reason:  ReasonMissing,
			Status:  http.StatusUnauthorized,
			Message: "API key is required",
		}
	}

	key, err := a.store.GetKeyByHash(ctx, warehouse.HashKey(rawKey))
	if err != nil {
		if !errors.Is(err, warehouse.ErrNotFound) {
			return nil, fmt.Errorf("key lookup: %w", err)
		}
		return nil, &UnauthorizedError{
			Reason:  ReasonInvalidKey,
			Status:  http.StatusUnauthorized,
			Message: "Invalid or expired API key",
		}
	}

	if !key.IsActive || key.Expired(a.now()) {
		return nil, &UnauthorizedError{
			Reason:  ReasonInvalidKey,
			Status:  http.StatusUnauthorized,
			Message: "Invalid or expired API key",
		}
	}

	// The whitelist applies only when the request carries an origin at all.
	// Server-to-server callers send no Origin or Referer and pass on the key
	// alone; an empty whitelist means the key works from anywhere.
	if originHost != "" && len(key.AllowedDomains) > 0 && !originAllowed(key.AllowedDomains, originHost) {
		a.logger.Warn("origin not whitelisted",
			"key_prefix", key.KeyPrefix,
			"origin", originHost)
		return nil, &UnauthorizedError{
			Reason:  ReasonBadOrigin,
			Status:  http.StatusUnauthorized,
			Message: "Domain not allowed for this API key",
		}
	}

	if key.QuotaExhausted() {
		return nil, &UnauthorizedError{
			Reason:  ReasonQuotaExceeded,
			Status:  http.StatusUnauthorized,
			Message: "Monthly quota exceeded",
		}
	}

	return key, nil
}

// GenerateParams are the inputs for issuing a new API key.
type GenerateParams struct {
	ClientName     string
	ClientEmail    string
	AllowedDomains []string
	MonthlyQuota   *int64
	ExpiresAt      *time.Time
	CreatedBy      string
	Notes          string
}

// Generate issues a new key, persists its record, and returns the plaintext
// exactly once. Only the hash and mask components are stored.
func (a *KeyAuthority) Generate(ctx context.Context, p GenerateParams) (string, *model.APIKey, error) {
	name := strings.TrimSpace(p.ClientName)
	if name == "" {
		return "", nil, errors.New("client_name is required")
	}
	if len(name) > maxClientNameLen {
		name = name[:maxClientNameLen]
	}

	if bad := invalidDomains(p.AllowedDomains); len(bad) > 0 {
		return "", nil, fmt.Errorf("Invalid domain format: %s", strings.Join(bad, ", "))
	}
	if p.MonthlyQuota != nil && *p.MonthlyQuota <= 0 {
		return "", nil, errors.New("monthly_quota must be positive")
	}

	raw, err := newRawKey()
	if err != nil {
		return "", nil, fmt.Errorf("generate key material: %w", err)
	}

	now := a.now().UTC()
	key := &model.APIKey{
		KeyHash:        warehouse.HashKey(raw),
		KeyPrefix:      raw[:model.KeyMaskPrefixLen],
		KeySuffix:      raw[len(raw)-model.KeyMaskSuffixLen:],
		ClientName:     name,
		ClientEmail:    strings.TrimSpace(p.ClientEmail),
		AllowedDomains: normalizeDomains(p.AllowedDomains),
		IsActive:       true,
		MonthlyQuota:   p.MonthlyQuota,
		CreatedAt:      now,
		CreatedBy:      p.CreatedBy,
		UpdatedAt:      now,
		ExpiresAt:      p.ExpiresAt,
		Notes:          truncate(strings.TrimSpace(p.Notes), maxNotesLen),
	}

	if err := a.store.InsertKey(ctx, key); err != nil {
		return "", nil, fmt.Errorf("persist key: %w", err)
	}

	a.logger.Info("api key generated",
		"client", key.ClientName,
		"key_prefix", key.KeyPrefix,
		"created_by", key.CreatedBy)

	return raw, key, nil
}

// List returns up to limit key records in masked projection, most recent
// first.
func (a *KeyAuthority) List(ctx context.Context, limit int) ([]model.MaskedKey, error) {
	keys, err := a.store.ListKeys(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	masked := make([]model.MaskedKey, 0, len(keys))
	for i := range keys {
		masked = append(masked, maskedView(&keys[i]))
	}
	return masked, nil
}

// Revoke deactivates the active key matching the masked form
// "prefix...suffix". A mask matching no active key is a successful no-op;
// a mask matching more than one is rejected as ambiguous.
func (a *KeyAuthority) Revoke(ctx context.Context, masked string) (bool, error) {
	prefix, suffix, ok := splitMask(masked)
	if !ok {
		return false, ErrInvalidMask
	}

	matches, err := a.store.FindActiveKeysByMask(ctx, prefix, suffix)
	if err != nil {
		return false, fmt.Errorf("mask lookup: %w", err)
	}

	switch len(matches) {
	case 0:
		return false, nil
	case 1:
		if err := a.store.DeactivateKey(ctx, matches[0].KeyHash); err != nil {
			return false, fmt.Errorf("deactivate key: %w", err)
		}
		a.logger.Info("api key revoked",
			"client", matches[0].ClientName,
			"key_prefix", matches[0].KeyPrefix)
		return true, nil
	default:
		return false, ErrAmbiguousMask
	}
}

// Mask renders the redacted display form of a raw key.
func Mask(rawKey string) string {
	if len(rawKey) <= model.KeyMaskPrefixLen+model.KeyMaskSuffixLen {
		return rawKey
	}
	return rawKey[:model.KeyMaskPrefixLen] +
		model.KeyMaskSeparator +
		rawKey[len(rawKey)-model.KeyMaskSuffixLen:]
}

// MatchDomain reports whether host is covered by a whitelist pattern. A
// "*." prefix matches any subdomain chain but not the bare apex.
func MatchDomain(pattern, host string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	host = strings.ToLower(strings.TrimSpace(host))
	if pattern == "" || host == "" {
		return false
	}
	if base, ok := strings.CutPrefix(pattern, "*."); ok {
		sub, ok := strings.CutSuffix(host, "."+base)
		return ok && sub != ""
	}
	return pattern == host
}

// ValidateDomain reports whether a whitelist entry is well formed.
func ValidateDomain(pattern string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "localhost" {
		return true
	}
	if strings.Contains(strings.TrimPrefix(pattern, "*."), "*") {
		return false
	}
	return domainPattern.MatchString(pattern)
}

func originAllowed(patterns []string, host string) bool {
	for _, p := range patterns {
		if MatchDomain(p, host) {
			return true
		}
	}
	return false
}

func invalidDomains(patterns []string) []string {
	var bad []string
	for _, p := range patterns {
		if !ValidateDomain(p) {
			bad = append(bad, p)
		}
	}
	return bad
}

func normalizeDomains(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, strings.ToLower(strings.TrimSpace(p)))
	}
	return out
}

// newRawKey returns the plaintext key: the fixed prefix plus 48 hex chars
// of CSPRNG output.
func newRawKey() (string, error) {
	buf := make([]byte, keyRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return keyPrefix + hex.EncodeToString(buf), nil
}

func splitMask(masked string) (prefix, suffix string, ok bool) {
	prefix, suffix, found := strings.Cut(masked, model.KeyMaskSeparator)
	if !found ||
		len(prefix) != model.KeyMaskPrefixLen ||
		len(suffix) != model.KeyMaskSuffixLen {
		return "", "", false
	}
	return prefix, suffix, true
}

func maskedView(k *model.APIKey) model.MaskedKey {
	v := model.MaskedKey{
		ClientName:        k.ClientName,
		ClientEmail:       k.ClientEmail,
		APIKeyMasked:      k.Masked(),
		AllowedDomains:    k.AllowedDomains,
		IsActive:          k.IsActive,
		MonthlyQuota:      k.MonthlyQuota,
		CurrentMonthUsage: k.CurrentMonthUsage,
		CreatedDate:       k.CreatedAt.UTC().Format("2006-01-02"),
		CreatedBy:         k.CreatedBy,
		Notes:             k.Notes,
	}
	if k.ExpiresAt != nil {
		v.ExpiresDate = k.ExpiresAt.UTC().Format("2006-01-02")
	}
	return v
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
