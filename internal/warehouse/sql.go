package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/conicleai/consent-edge/internal/model"
)

// SQLStore implements Warehouse on top of a SQL database via sqlx.
// Driver "sqlite" (modernc, cgo-free) covers single-binary and test
// deployments; driver "pgx" covers self-hosted Postgres.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore opens the database, runs migrations, and returns the store.
// Pass driver "sqlite" with dsn ":memory:" for an in-memory store.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open warehouse database: %w", err)
	}

	if driver == "sqlite" {
		db.SetMaxOpenConns(1) // SQLite doesn't support concurrent writes
	}

	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate warehouse database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---------------------------------------------------------------------------
// API key records
// ---------------------------------------------------------------------------

// apiKeyRow maps 1:1 to the api_keys table. AllowedDomains is persisted as
// a JSON array in a TEXT column, same dialect on SQLite and Postgres.
type apiKeyRow struct {
	KeyHash           string     `db:"key_hash"`
	KeyPrefix         string     `db:"key_prefix"`
	KeySuffix         string     `db:"key_suffix"`
	ClientName        string     `db:"client_name"`
	ClientEmail       string     `db:"client_email"`
	AllowedDomains    string     `db:"allowed_domains"`
	IsActive          bool       `db:"is_active"`
	MonthlyQuota      *int64     `db:"monthly_quota"`
	CurrentMonthUsage int64      `db:"current_month_usage"`
	CreatedAt         time.Time  `db:"created_at"`
	CreatedBy         string     `db:"created_by"`
	UpdatedAt         time.Time  `db:"updated_at"`
	ExpiresAt         *time.Time `db:"expires_at"`
	Notes             string     `db:"notes"`
}

func apiKeyRowFromModel(k *model.APIKey) (apiKeyRow, error) {
	domains, err := json.Marshal(k.AllowedDomains)
	if err != nil {
		return apiKeyRow{}, fmt.Errorf("encode allowed domains: %w", err)
	}
	return apiKeyRow{
		KeyHash:           k.KeyHash,
		KeyPrefix:         k.KeyPrefix,
		KeySuffix:         k.KeySuffix,
		ClientName:        k.ClientName,
		ClientEmail:       k.ClientEmail,
		AllowedDomains:    string(domains),
		IsActive:          k.IsActive,
		MonthlyQuota:      k.MonthlyQuota,
		CurrentMonthUsage: k.CurrentMonthUsage,
		CreatedAt:         k.CreatedAt,
		CreatedBy:         k.CreatedBy,
		UpdatedAt:         k.UpdatedAt,
		ExpiresAt:         k.ExpiresAt,
		Notes:             k.Notes,
	}, nil
}

func (r apiKeyRow) toModel() (model.APIKey, error) {
	var domains []string
	if r.AllowedDomains != "" {
		if err := json.Unmarshal([]byte(r.AllowedDomains), &domains); err != nil {
			return model.APIKey{}, fmt.Errorf("decode allowed domains: %w", err)
		}
	}
	return model.APIKey{
		KeyHash:           r.KeyHash,
		KeyPrefix:         r.KeyPrefix,
		KeySuffix:         r.KeySuffix,
		ClientName:        r.ClientName,
		ClientEmail:       r.ClientEmail,
		AllowedDomains:    domains,
		IsActive:          r.IsActive,
		MonthlyQuota:      r.MonthlyQuota,
		CurrentMonthUsage: r.CurrentMonthUsage,
		CreatedAt:         r.CreatedAt,
		CreatedBy:         r.CreatedBy,
		UpdatedAt:         r.UpdatedAt,
		ExpiresAt:         r.ExpiresAt,
		Notes:             r.Notes,
	}, nil
}

// InsertKey persists a new API key record. CreatedAt/UpdatedAt are stamped
// here if unset.
func (s *SQLStore) InsertKey(ctx context.Context, key *model.APIKey) error {
	now := time.Now().UTC()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	key.UpdatedAt = now

	row, err := apiKeyRowFromModel(key)
	if err != nil {
		return err
	}

	const q = `INSERT INTO api_keys
		(key_hash, key_prefix, key_suffix, client_name, client_email, allowed_domains,
		 is_active, monthly_quota, current_month_usage, created_at, created_by, updated_at,
		 expires_at, notes)
		VALUES
		(:key_hash, :key_prefix, :key_suffix, :client_name, :client_email, :allowed_domains,
		 :is_active, :monthly_quota, :current_month_usage, :created_at, :created_by, :updated_at,
		 :expires_at, :notes)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// GetKeyByHash looks up an API key record by its SHA-256 hash.
func (s *SQLStore) GetKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	var row apiKeyRow
	q := s.db.Rebind("SELECT * FROM api_keys WHERE key_hash = ?")
	if err := s.db.GetContext(ctx, &row, q, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get api key by hash: %w", err)
	}
	key, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// ListKeys returns up to limit key records, most recent first.
func (s *SQLStore) ListKeys(ctx context.Context, limit int) ([]model.APIKey, error) {
	var rows []apiKeyRow
	q := s.db.Rebind("SELECT * FROM api_keys ORDER BY created_at DESC LIMIT ?")
	if err := s.db.SelectContext(ctx, &rows, q, limit); err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}

	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// FindActiveKeysByMask returns active records matching the masked form's
// prefix and suffix.
func (s *SQLStore) FindActiveKeysByMask(ctx context.Context, prefix, suffix string) ([]model.APIKey, error) {
	var rows []apiKeyRow
	q := s.db.Rebind(
		"SELECT * FROM api_keys WHERE key_prefix = ? AND key_suffix = ? AND is_active")
	if err := s.db.SelectContext(ctx, &rows, q, prefix, suffix); err != nil {
		return nil, fmt.Errorf("find api keys by mask: %w", err)
	}

	keys := make([]model.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toModel()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// DeactivateKey clears the active flag for the record with the given hash.
func (s *SQLStore) DeactivateKey(ctx context.Context, hash string) error {
	q := s.db.Rebind(
		"UPDATE api_keys SET is_active = ?, updated_at = ? WHERE key_hash = ?")
	result, err := s.db.ExecContext(ctx, q, false, time.Now().UTC(), hash)
	if err != nil {
		return fmt.Errorf("deactivate api key: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate api key rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementUsage bumps the current-month usage counter for the key.
func (s *SQLStore) IncrementUsage(ctx context.Context, hash string) error {
	q := s.db.Rebind(
		"UPDATE api_keys SET current_month_usage = current_month_usage + 1, updated_at = ? WHERE key_hash = ?")
	result, err := s.db.ExecContext(ctx, q, time.Now().UTC(), hash)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment usage rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetMonthlyUsage zeroes every key's usage counter.
func (s *SQLStore) ResetMonthlyUsage(ctx context.Context) (int64, error) {
	q := s.db.Rebind(
		"UPDATE api_keys SET current_month_usage = 0, updated_at = ? WHERE current_month_usage <> 0")
	result, err := s.db.ExecContext(ctx, q, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("reset monthly usage: %w", err)
	}
	return result.RowsAffected()
}

// ---------------------------------------------------------------------------
// Consent events
// ---------------------------------------------------------------------------

// eventRow maps 1:1 to the consent_events table. Repeated fields are
// persisted as JSON arrays in TEXT columns.
type eventRow struct {
	EventID            string    `db:"event_id"`
	EventType          string    `db:"event_type"`
	EventTimestamp     time.Time `db:"event_timestamp"`
	ConsentID          string    `db:"consent_id"`
	ConsentTimestamp   *string   `db:"consent_timestamp"`
	AcceptType         *string   `db:"accept_type"`
	ActionLabel        string    `db:"action_label"`
	AcceptedCategories string    `db:"accepted_categories"`
	RejectedCategories string    `db:"rejected_categories"`
	ChangedCategories  string    `db:"changed_categories"`
	AcceptedServices   *string   `db:"accepted_services"`
	RejectedServices   *string   `db:"rejected_services"`
	SessionID          *string   `db:"session_id"`
	UserID             *string   `db:"user_id"`
	KeyPrefix          string    `db:"key_prefix"`
	ClientName         string    `db:"client_name"`
	IPAddress          *string   `db:"ip_address"`
	IPHash             *string   `db:"ip_hash"`
	UserAgent          *string   `db:"user_agent"`
	BrowserName        *string   `db:"browser_name"`
	BrowserVersion     *string   `db:"browser_version"`
	OSName             *string   `db:"os_name"`
	DeviceType         string    `db:"device_type"`
	PageURL            *string   `db:"page_url"`
	PageTitle          *string   `db:"page_title"`
	Referrer           *string   `db:"referrer"`
	Language           *string   `db:"language"`
	UTMSource          *string   `db:"utm_source"`
	UTMMedium          *string   `db:"utm_medium"`
	UTMCampaign        *string   `db:"utm_campaign"`
	UTMTerm            *string   `db:"utm_term"`
	UTMContent         *string   `db:"utm_content"`
	GCLID              *string   `db:"gclid"`
	FBCLID             *string   `db:"fbclid"`
	CampaignID         *string   `db:"campaignid"`
	WidgetVersion      string    `db:"consent_manager_version"`
	Revision           int64     `db:"revision"`
	CreatedAt          time.Time `db:"created_at"`
}

func mustJSON(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v) // []string never fails to encode
	return string(b)
}

// AppendEvent writes one consent event row. Rows are never updated.
func (s *SQLStore) AppendEvent(ctx context.Context, ev *model.ConsentEvent) error {
	row := eventRow{
		EventID:            ev.EventID,
		EventType:          ev.EventType,
		EventTimestamp:     ev.EventTimestamp,
		ConsentID:          ev.ConsentID,
		ConsentTimestamp:   ev.ConsentTimestamp,
		AcceptType:         ev.AcceptType,
		ActionLabel:        ev.ActionLabel,
		AcceptedCategories: mustJSON(ev.AcceptedCategories),
		RejectedCategories: mustJSON(ev.RejectedCategories),
		ChangedCategories:  mustJSON(ev.ChangedCategories),
		AcceptedServices:   ev.AcceptedServices,
		RejectedServices:   ev.RejectedServices,
		SessionID:          ev.SessionID,
		UserID:             ev.UserID,
		KeyPrefix:          ev.KeyPrefix,
		ClientName:         ev.ClientName,
		IPAddress:          ev.IPAddress,
		IPHash:             ev.IPHash,
		UserAgent:          ev.UserAgent,
		BrowserName:        ev.BrowserName,
		BrowserVersion:     ev.BrowserVersion,
		OSName:             ev.OSName,
		DeviceType:         ev.DeviceType,
		PageURL:            ev.PageURL,
		PageTitle:          ev.PageTitle,
		Referrer:           ev.Referrer,
		Language:           ev.Language,
		UTMSource:          ev.UTMSource,
		UTMMedium:          ev.UTMMedium,
		UTMCampaign:        ev.UTMCampaign,
		UTMTerm:            ev.UTMTerm,
		UTMContent:         ev.UTMContent,
		GCLID:              ev.GCLID,
		FBCLID:             ev.FBCLID,
		CampaignID:         ev.CampaignID,
		WidgetVersion:      ev.WidgetVersion,
		Revision:           ev.Revision,
		CreatedAt:          ev.CreatedAt,
	}

	const q = `INSERT INTO consent_events
		(event_id, event_type, event_timestamp, consent_id, consent_timestamp, accept_type,
		 action_label, accepted_categories, rejected_categories, changed_categories,
		 accepted_services, rejected_services, session_id, user_id, key_prefix, client_name,
		 ip_address, ip_hash, user_agent, browser_name, browser_version, os_name, device_type,
		 page_url, page_title, referrer, language, utm_source, utm_medium, utm_campaign,
		 utm_term, utm_content, gclid, fbclid, campaignid, consent_manager_version, revision,
		 created_at)
		VALUES
		(:event_id, :event_type, :event_timestamp, :consent_id, :consent_timestamp, :accept_type,
		 :action_label, :accepted_categories, :rejected_categories, :changed_categories,
		 :accepted_services, :rejected_services, :session_id, :user_id, :key_prefix, :client_name,
		 :ip_address, :ip_hash, :user_agent, :browser_name, :browser_version, :os_name, :device_type,
		 :page_url, :page_title, :referrer, :language, :utm_source, :utm_medium, :utm_campaign,
		 :utm_term, :utm_content, :gclid, :fbclid, :campaignid, :consent_manager_version, :revision,
		 :created_at)`

	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("append consent event: %w", err)
	}
	return nil
}

// CountEvents returns the total number of rows in consent_events.
// Used by tests, not by the request path.
func (s *SQLStore) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM consent_events"); err != nil {
		return 0, fmt.Errorf("count consent events: %w", err)
	}
	return n, nil
}
