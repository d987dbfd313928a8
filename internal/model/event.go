package model

import "time"

// ConsentEvent is the canonical row appended to the consent_events table.
// It is constructed once by the normalizer and never mutated afterwards;
// corrections are written as new events.
//
// The bigquery tags drive schema inference for the streaming inserter.
// Pointer fields map to NULLABLE columns, slices to REPEATED.
type ConsentEvent struct {
	EventID        string    `json:"event_id" bigquery:"event_id"`
	EventType      string    `json:"event_type" bigquery:"event_type"`
	EventTimestamp time.Time `json:"event_timestamp" bigquery:"event_timestamp"`

	// Consent decision
	ConsentID          string   `json:"consent_id" bigquery:"consent_id"`
	ConsentTimestamp   *string  `json:"consent_timestamp,omitempty" bigquery:"consent_timestamp"`
	AcceptType         *string  `json:"accept_type,omitempty" bigquery:"accept_type"`
	ActionLabel        string   `json:"action_label" bigquery:"action_label"`
	AcceptedCategories []string `json:"accepted_categories" bigquery:"accepted_categories"`
	RejectedCategories []string `json:"rejected_categories" bigquery:"rejected_categories"`
	ChangedCategories  []string `json:"changed_categories" bigquery:"changed_categories"`
	AcceptedServices   *string  `json:"accepted_services,omitempty" bigquery:"accepted_services"` // JSON-encoded
	RejectedServices   *string  `json:"rejected_services,omitempty" bigquery:"rejected_services"` // JSON-encoded

	// Session attribution
	SessionID *string `json:"session_id,omitempty" bigquery:"session_id"`
	UserID    *string `json:"user_id,omitempty" bigquery:"user_id"`

	// Authorizing credential (masked prefix only, never the raw key)
	KeyPrefix  string `json:"key_prefix" bigquery:"key_prefix"`
	ClientName string `json:"client_name" bigquery:"client_name"`

	// Network and device metadata
	IPAddress      *string `json:"ip_address,omitempty" bigquery:"ip_address"` // nil when the payload opted out
	IPHash         *string `json:"ip_hash,omitempty" bigquery:"ip_hash"`
	UserAgent      *string `json:"user_agent,omitempty" bigquery:"user_agent"`
	BrowserName    *string `json:"browser_name,omitempty" bigquery:"browser_name"`
	BrowserVersion *string `json:"browser_version,omitempty" bigquery:"browser_version"`
	OSName         *string `json:"os_name,omitempty" bigquery:"os_name"`
	DeviceType     string  `json:"device_type" bigquery:"device_type"` // desktop | mobile | tablet | unknown

	// Page context
	PageURL   *string `json:"page_url,omitempty" bigquery:"page_url"`
	PageTitle *string `json:"page_title,omitempty" bigquery:"page_title"`
	Referrer  *string `json:"referrer,omitempty" bigquery:"referrer"`
	Language  *string `json:"language,omitempty" bigquery:"language"`

	// Marketing attribution
	UTMSource   *string `json:"utm_source,omitempty" bigquery:"utm_source"`
	UTMMedium   *string `json:"utm_medium,omitempty" bigquery:"utm_medium"`
	UTMCampaign *string `json:"utm_campaign,omitempty" bigquery:"utm_campaign"`
	UTMTerm     *string `json:"utm_term,omitempty" bigquery:"utm_term"`
	UTMContent  *string `json:"utm_content,omitempty" bigquery:"utm_content"`
	GCLID       *string `json:"gclid,omitempty" bigquery:"gclid"`
	FBCLID      *string `json:"fbclid,omitempty" bigquery:"fbclid"`
	CampaignID  *string `json:"campaignid,omitempty" bigquery:"campaignid"`

	// Schema markers
	WidgetVersion string    `json:"consent_manager_version" bigquery:"consent_manager_version"`
	Revision      int64     `json:"revision" bigquery:"revision"`
	CreatedAt     time.Time `json:"created_at" bigquery:"created_at"`
}
