package model

// IngestResponse is the success envelope for the ingestion endpoint.
// QuotaRemaining is nil for keys without a monthly quota.
type IngestResponse struct {
	Success        bool   `json:"success"`
	EventID        string `json:"event_id"`
	Client         string `json:"client"`
	QuotaRemaining *int64 `json:"quota_remaining"`
}

// ErrorResponse is the error envelope for both endpoints. Message carries
// caller-actionable detail for validation errors and stays generic for
// credential failures.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// GenerateKeyResponse returns the plaintext key exactly once.
type GenerateKeyResponse struct {
	Success    bool   `json:"success"`
	APIKey     string `json:"apiKey"`
	ClientName string `json:"clientName"`
	Message    string `json:"message,omitempty"`
}

// MaskedKey is the list-view projection of an APIKey with the key redacted.
type MaskedKey struct {
	ClientName        string   `json:"client_name"`
	ClientEmail       string   `json:"client_email,omitempty"`
	APIKeyMasked      string   `json:"api_key_masked"`
	AllowedDomains    []string `json:"allowed_domains"`
	IsActive          bool     `json:"is_active"`
	MonthlyQuota      *int64   `json:"monthly_quota,omitempty"`
	CurrentMonthUsage int64    `json:"current_month_usage"`
	CreatedDate       string   `json:"created_date"`
	CreatedBy         string   `json:"created_by,omitempty"`
	ExpiresDate       string   `json:"expires_date,omitempty"`
	Notes             string   `json:"notes,omitempty"`
}

// ListKeysResponse wraps the admin list action result.
type ListKeysResponse struct {
	Success bool        `json:"success"`
	Keys    []MaskedKey `json:"keys"`
}

// ActionResponse is the generic success envelope for admin actions that
// return no payload (revoke).
type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
