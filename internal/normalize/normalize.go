// Package normalize turns a raw ingestion payload into the canonical
// ConsentEvent row. Everything here is pure: no I/O and no clock reads.
// Malformed optional inputs degrade to explicit defaults instead of
// erroring.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conicleai/consent-edge/internal/model"
)

// Field length bounds protecting warehouse storage limits.
const (
	maxUserAgentLen = 500
)

// Payload is the raw JSON body of an ingestion request.
type Payload struct {
	EventType          string          `json:"event_type"`
	Cookie             *Cookie         `json:"cookie"`
	AcceptType         string          `json:"acceptType"`
	RejectedCategories []string        `json:"rejectedCategories"`
	RejectedServices   json.RawMessage `json:"rejectedServices"`
	ChangedCategories  []string        `json:"changedCategories"`
	SessionID          string          `json:"sessionId"`
	UserID             string          `json:"userId"`
	PageURL            string          `json:"pageUrl"`
	PageTitle          string          `json:"pageTitle"`
	Referrer           string          `json:"referrer"`
	Language           string          `json:"language"`
	Version            string          `json:"version"`
	LogIP              *bool           `json:"logIP"`  // opt-out of raw-IP storage when false
	APIKey             string          `json:"apiKey"` // body-field fallback for X-API-Key
}

// Cookie is the consent cookie object inside the payload.
type Cookie struct {
	ConsentID        string          `json:"consentId"`
	ConsentTimestamp string          `json:"consentTimestamp"`
	Categories       []string        `json:"categories"`
	Services         json.RawMessage `json:"services"`
	Revision         int64           `json:"revision"`
}

// Validate checks the payload's required fields.
func (p *Payload) Validate() error {
	if p.EventType == "" || p.Cookie == nil {
		return errors.New("missing required fields: event_type, cookie")
	}
	return nil
}

// RequestMeta carries the request-scoped inputs the normalizer needs.
// Now is passed in so the transformation stays deterministic.
type RequestMeta struct {
	ClientIP   string
	UserAgent  string
	KeyPrefix  string
	ClientName string
	Now        time.Time
}

// Normalizer builds ConsentEvent rows. IPSalt feeds the privacy-preserving
// IP hash.
type Normalizer struct {
	IPSalt string
}

// Event builds the canonical row. The only non-deterministic output is the
// freshly generated event id.
func (n *Normalizer) Event(p *Payload, meta RequestMeta) *model.ConsentEvent {
	ua := ParseUserAgent(meta.UserAgent)
	campaign := ParseCampaign(p.PageURL)
	now := meta.Now.UTC()

	ev := &model.ConsentEvent{
		EventID:        uuid.NewString(),
		EventType:      p.EventType,
		EventTimestamp: now,

		ActionLabel:        ActionLabel(p.EventType, p.AcceptType),
		AcceptType:         optional(p.AcceptType),
		RejectedCategories: orEmpty(p.RejectedCategories),
		ChangedCategories:  orEmpty(p.ChangedCategories),
		RejectedServices:   rawJSON(p.RejectedServices),

		SessionID: optional(p.SessionID),
		UserID:    optional(p.UserID),

		KeyPrefix:  meta.KeyPrefix,
		ClientName: meta.ClientName,

		IPHash:         HashIP(meta.ClientIP, n.IPSalt),
		UserAgent:      optional(truncate(meta.UserAgent, maxUserAgentLen)),
		BrowserName:    optional(ua.BrowserName),
		BrowserVersion: optional(ua.BrowserVersion),
		OSName:         optional(ua.OSName),
		DeviceType:     ua.DeviceType,

		PageURL:   optional(p.PageURL),
		PageTitle: optional(p.PageTitle),
		Referrer:  optional(p.Referrer),
		Language:  optional(p.Language),

		UTMSource:   optional(campaign.Source),
		UTMMedium:   optional(campaign.Medium),
		UTMCampaign: optional(campaign.Campaign),
		UTMTerm:     optional(campaign.Term),
		UTMContent:  optional(campaign.Content),
		GCLID:       optional(campaign.GCLID),
		FBCLID:      optional(campaign.FBCLID),
		CampaignID:  optional(campaign.CampaignID),

		WidgetVersion: p.Version,
		CreatedAt:     now,
	}
	if ev.WidgetVersion == "" {
		ev.WidgetVersion = "1.0.0"
	}

	// Raw IP is stored unless the payload opted out.
	if meta.ClientIP != "" && (p.LogIP == nil || *p.LogIP) {
		ip := meta.ClientIP
		ev.IPAddress = &ip
	}

	if c := p.Cookie; c != nil {
		ev.ConsentID = c.ConsentID
		ev.ConsentTimestamp = optional(c.ConsentTimestamp)
		ev.AcceptedCategories = orEmpty(c.Categories)
		ev.AcceptedServices = rawJSON(c.Services)
		ev.Revision = c.Revision
	} else {
		ev.AcceptedCategories = []string{}
	}

	return ev
}

// HashIP returns the salted SHA-256 of an IP address, or nil for an empty
// address.
func HashIP(ip, salt string) *string {
	if ip == "" {
		return nil
	}
	h := sha256.Sum256([]byte(ip + salt))
	s := hex.EncodeToString(h[:])
	return &s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

// rawJSON passes a JSON subtree through as its compact string encoding,
// dropping explicit nulls.
func rawJSON(raw json.RawMessage) *string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return &trimmed
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
