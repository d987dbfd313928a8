package warehouse

import (
	"fmt"
	"strings"
)

// migrate applies the warehouse schema. Statements are written in the
// dialect subset SQLite and Postgres share, and are idempotent so the
// store can run them on every start.
func (s *SQLStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS api_keys (
			key_hash TEXT PRIMARY KEY,
			key_prefix TEXT NOT NULL,
			key_suffix TEXT NOT NULL,
			client_name TEXT NOT NULL,
			client_email TEXT NOT NULL DEFAULT '',
			allowed_domains TEXT NOT NULL DEFAULT '[]',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			monthly_quota BIGINT,
			current_month_usage BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP,
			notes TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS consent_events (
			event_id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			event_timestamp TIMESTAMP NOT NULL,
			consent_id TEXT NOT NULL DEFAULT '',
			consent_timestamp TEXT,
			accept_type TEXT,
			action_label TEXT NOT NULL DEFAULT '',
			accepted_categories TEXT NOT NULL DEFAULT '[]',
			rejected_categories TEXT NOT NULL DEFAULT '[]',
			changed_categories TEXT NOT NULL DEFAULT '[]',
			accepted_services TEXT,
			rejected_services TEXT,
			session_id TEXT,
			user_id TEXT,
			key_prefix TEXT NOT NULL DEFAULT '',
			client_name TEXT NOT NULL DEFAULT '',
			ip_address TEXT,
			ip_hash TEXT,
			user_agent TEXT,
			browser_name TEXT,
			browser_version TEXT,
			os_name TEXT,
			device_type TEXT NOT NULL DEFAULT 'unknown',
			page_url TEXT,
			page_title TEXT,
			referrer TEXT,
			language TEXT,
			utm_source TEXT,
			utm_medium TEXT,
			utm_campaign TEXT,
			utm_term TEXT,
			utm_content TEXT,
			gclid TEXT,
			fbclid TEXT,
			campaignid TEXT,
			consent_manager_version TEXT NOT NULL DEFAULT '',
			revision BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_api_keys_mask ON api_keys(key_prefix, key_suffix)`,
		`CREATE INDEX IF NOT EXISTS idx_consent_events_consent_id ON consent_events(consent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_consent_events_timestamp ON consent_events(event_timestamp)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// ALTER-style statements added later may collide on reruns;
			// treat duplicates as a no-op for idempotent migrations.
			if strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}
