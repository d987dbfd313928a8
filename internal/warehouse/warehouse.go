// Package warehouse binds the gateway to the analytics warehouse: an
// append-only consent_events table and a mutable api_keys table. Two
// implementations exist: BigQuery for the managed deployment and a SQL
// store (SQLite or Postgres via sqlx) for single-binary and self-hosted
// setups.
package warehouse

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/conicleai/consent-edge/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Warehouse is the narrow surface the gateway needs from the analytics
// store. Events are append-only; key records are mutated in place
// (usage increments, deactivation) and never deleted.
type Warehouse interface {
	// AppendEvent writes one canonical consent event row.
	AppendEvent(ctx context.Context, ev *model.ConsentEvent) error

	// InsertKey persists a new API key record.
	InsertKey(ctx context.Context, key *model.APIKey) error

	// GetKeyByHash looks up a key record by its SHA-256 hash.
	// Returns ErrNotFound when no record matches.
	GetKeyByHash(ctx context.Context, hash string) (*model.APIKey, error)

	// ListKeys returns up to limit key records, most recent first.
	ListKeys(ctx context.Context, limit int) ([]model.APIKey, error)

	// FindActiveKeysByMask returns the active key records whose stored
	// prefix and suffix match the given masked form components.
	FindActiveKeysByMask(ctx context.Context, prefix, suffix string) ([]model.APIKey, error)

	// DeactivateKey clears the active flag for the record with the given
	// hash. Soft delete: the row stays so historical events remain
	// attributable. Returns ErrNotFound when no record matches.
	DeactivateKey(ctx context.Context, hash string) error

	// IncrementUsage bumps the current-month usage counter for the record
	// with the given hash.
	IncrementUsage(ctx context.Context, hash string) error

	// ResetMonthlyUsage zeroes every key's usage counter. Run at the start
	// of each billing month. Returns the number of records touched.
	ResetMonthlyUsage(ctx context.Context) (int64, error)

	// Ping verifies warehouse connectivity.
	Ping(ctx context.Context) error

	Close() error
}

// HashKey returns the hex-encoded SHA-256 hash of a raw API key string.
// This is the only form of a key the authorization path ever compares.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
