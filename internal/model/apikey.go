package model

import "time"

// Masked-key display geometry: a key is shown as the first 12 characters,
// a literal "...", and the last 6. This matches the prefix/suffix columns
// persisted alongside the hash, so a masked key is enough to address a
// record without ever storing the plaintext.
const (
	KeyMaskPrefixLen = 12
	KeyMaskSuffixLen = 6
	KeyMaskSeparator = "..."
)

// APIKey is a tenant's ingestion credential as persisted in the warehouse.
// The raw key is never stored; only a SHA-256 hash plus the short prefix and
// suffix needed to render and match the masked form.
type APIKey struct {
	KeyHash   string `json:"-"`
	KeyPrefix string `json:"key_prefix"`
	KeySuffix string `json:"key_suffix"`

	ClientName     string   `json:"client_name"`
	ClientEmail    string   `json:"client_email,omitempty"`
	AllowedDomains []string `json:"allowed_domains"`

	IsActive          bool   `json:"is_active"`
	MonthlyQuota      *int64 `json:"monthly_quota,omitempty"` // nil = unlimited
	CurrentMonthUsage int64  `json:"current_month_usage"`

	CreatedAt time.Time  `json:"created_at"`
	CreatedBy string     `json:"created_by,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Notes     string     `json:"notes,omitempty"`
}

// Masked renders the redacted display form, e.g. "cm_4f7a81c29...d01b3f".
func (k *APIKey) Masked() string {
	return k.KeyPrefix + KeyMaskSeparator + k.KeySuffix
}

// Expired reports whether the key has an expiry in the past.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// QuotaExhausted reports whether a configured monthly quota has been used up.
// Keys without a quota never exhaust.
func (k *APIKey) QuotaExhausted() bool {
	return k.MonthlyQuota != nil && k.CurrentMonthUsage >= *k.MonthlyQuota
}
