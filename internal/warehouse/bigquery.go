package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/conicleai/consent-edge/internal/model"
)

// Default BigQuery locations, matching the managed deployment.
const (
	DefaultDataset     = "consent_analytics"
	DefaultEventsTable = "consent_events"
	DefaultKeysTable   = "api_keys"
)

// BigQueryStore implements Warehouse against a BigQuery dataset. Events go
// through the streaming inserter; key mutations run as parameterized DML.
type BigQueryStore struct {
	client      *bigquery.Client
	dataset     string
	eventsTable string
	keysTable   string
}

// BigQueryConfig locates the dataset and tables. Zero-value table names
// fall back to the defaults above.
type BigQueryConfig struct {
	ProjectID       string
	Dataset         string
	EventsTable     string
	KeysTable       string
	CredentialsFile string // optional; ADC when empty
}

// NewBigQueryStore creates a BigQuery-backed warehouse.
func NewBigQueryStore(ctx context.Context, cfg BigQueryConfig) (*BigQueryStore, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("bigquery: project id is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := bigquery.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("bigquery client: %w", err)
	}

	s := &BigQueryStore{
		client:      client,
		dataset:     cfg.Dataset,
		eventsTable: cfg.EventsTable,
		keysTable:   cfg.KeysTable,
	}
	if s.dataset == "" {
		s.dataset = DefaultDataset
	}
	if s.eventsTable == "" {
		s.eventsTable = DefaultEventsTable
	}
	if s.keysTable == "" {
		s.keysTable = DefaultKeysTable
	}
	return s, nil
}

// Close releases the underlying client.
func (s *BigQueryStore) Close() error {
	return s.client.Close()
}

// Ping verifies the dataset is reachable.
func (s *BigQueryStore) Ping(ctx context.Context) error {
	_, err := s.client.Dataset(s.dataset).Metadata(ctx)
	return err
}

func (s *BigQueryStore) keysRef() string {
	return fmt.Sprintf("`%s.%s`", s.dataset, s.keysTable)
}

// ---------------------------------------------------------------------------
// Consent events
// ---------------------------------------------------------------------------

// AppendEvent streams one event row into the events table.
func (s *BigQueryStore) AppendEvent(ctx context.Context, ev *model.ConsentEvent) error {
	ins := s.client.Dataset(s.dataset).Table(s.eventsTable).Inserter()
	if err := ins.Put(ctx, ev); err != nil {
		return fmt.Errorf("append consent event: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// API key records
// ---------------------------------------------------------------------------

// bqKeyRow mirrors the api_keys table schema. Null wrapper types cover the
// nullable columns on both the read and streaming-insert paths.
type bqKeyRow struct {
	KeyHash           string                 `bigquery:"key_hash"`
	KeyPrefix         string                 `bigquery:"key_prefix"`
	KeySuffix         string                 `bigquery:"key_suffix"`
	ClientName        string                 `bigquery:"client_name"`
	ClientEmail       bigquery.NullString    `bigquery:"client_email"`
	AllowedDomains    []string               `bigquery:"allowed_domains"`
	IsActive          bool                   `bigquery:"is_active"`
	MonthlyQuota      bigquery.NullInt64     `bigquery:"monthly_quota"`
	CurrentMonthUsage int64                  `bigquery:"current_month_usage"`
	CreatedAt         time.Time              `bigquery:"created_at"`
	CreatedBy         bigquery.NullString    `bigquery:"created_by"`
	UpdatedAt         bigquery.NullTimestamp `bigquery:"updated_at"`
	ExpiresAt         bigquery.NullTimestamp `bigquery:"expires_at"`
	Notes             bigquery.NullString    `bigquery:"notes"`
}

func bqKeyRowFromModel(k *model.APIKey) bqKeyRow {
	row := bqKeyRow{
		KeyHash:           k.KeyHash,
		KeyPrefix:         k.KeyPrefix,
		KeySuffix:         k.KeySuffix,
		ClientName:        k.ClientName,
		AllowedDomains:    k.AllowedDomains,
		IsActive:          k.IsActive,
		CurrentMonthUsage: k.CurrentMonthUsage,
		CreatedAt:         k.CreatedAt,
		UpdatedAt:         bigquery.NullTimestamp{Timestamp: k.UpdatedAt, Valid: !k.UpdatedAt.IsZero()},
	}
	if k.ClientEmail != "" {
		row.ClientEmail = bigquery.NullString{StringVal: k.ClientEmail, Valid: true}
	}
	if k.MonthlyQuota != nil {
		row.MonthlyQuota = bigquery.NullInt64{Int64: *k.MonthlyQuota, Valid: true}
	}
	if k.CreatedBy != "" {
		row.CreatedBy = bigquery.NullString{StringVal: k.CreatedBy, Valid: true}
	}
	if k.ExpiresAt != nil {
		row.ExpiresAt = bigquery.NullTimestamp{Timestamp: *k.ExpiresAt, Valid: true}
	}
	if k.Notes != "" {
		row.Notes = bigquery.NullString{StringVal: k.Notes, Valid: true}
	}
	return row
}

func (r bqKeyRow) toModel() model.APIKey {
	k := model.APIKey{
		KeyHash:           r.KeyHash,
		KeyPrefix:         r.KeyPrefix,
		KeySuffix:         r.KeySuffix,
		ClientName:        r.ClientName,
		AllowedDomains:    r.AllowedDomains,
		IsActive:          r.IsActive,
		CurrentMonthUsage: r.CurrentMonthUsage,
		CreatedAt:         r.CreatedAt,
	}
	if r.ClientEmail.Valid {
		k.ClientEmail = r.ClientEmail.StringVal
	}
	if r.MonthlyQuota.Valid {
		quota := r.MonthlyQuota.Int64
		k.MonthlyQuota = &quota
	}
	if r.CreatedBy.Valid {
		k.CreatedBy = r.CreatedBy.StringVal
	}
	if r.UpdatedAt.Valid {
		k.UpdatedAt = r.UpdatedAt.Timestamp
	}
	if r.ExpiresAt.Valid {
		expires := r.ExpiresAt.Timestamp
		k.ExpiresAt = &expires
	}
	if r.Notes.Valid {
		k.Notes = r.Notes.StringVal
	}
	return k
}

// InsertKey streams a new key record into the api_keys table.
func (s *BigQueryStore) InsertKey(ctx context.Context, key *model.APIKey) error {
	now := time.Now().UTC()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = now
	}
	key.UpdatedAt = now

	ins := s.client.Dataset(s.dataset).Table(s.keysTable).Inserter()
	if err := ins.Put(ctx, bqKeyRowFromModel(key)); err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

func (s *BigQueryStore) queryKeys(ctx context.Context, q *bigquery.Query) ([]model.APIKey, error) {
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}

	var keys []model.APIKey
	for {
		var row bqKeyRow
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("scan api key row: %w", err)
		}
		keys = append(keys, row.toModel())
	}
	return keys, nil
}

// GetKeyByHash looks up a key record by its SHA-256 hash.
func (s *BigQueryStore) GetKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	q := s.client.Query(fmt.Sprintf(
		"SELECT * FROM %s WHERE key_hash = @hash LIMIT 1", s.keysRef()))
	q.Parameters = []bigquery.QueryParameter{{Name: "hash", Value: hash}}

	keys, err := s.queryKeys(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNotFound
	}
	return &keys[0], nil
}

// ListKeys returns up to limit key records, most recent first.
func (s *BigQueryStore) ListKeys(ctx context.Context, limit int) ([]model.APIKey, error) {
	q := s.client.Query(fmt.Sprintf(
		"SELECT * FROM %s ORDER BY created_at DESC LIMIT @limit", s.keysRef()))
	q.Parameters = []bigquery.QueryParameter{{Name: "limit", Value: int64(limit)}}
	return s.queryKeys(ctx, q)
}

// FindActiveKeysByMask returns active records matching the masked form's
// prefix and suffix.
func (s *BigQueryStore) FindActiveKeysByMask(ctx context.Context, prefix, suffix string) ([]model.APIKey, error) {
	q := s.client.Query(fmt.Sprintf(
		"SELECT * FROM %s WHERE key_prefix = @prefix AND key_suffix = @suffix AND is_active",
		s.keysRef()))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "prefix", Value: prefix},
		{Name: "suffix", Value: suffix},
	}
	return s.queryKeys(ctx, q)
}

func (s *BigQueryStore) runDML(ctx context.Context, q *bigquery.Query) (int64, error) {
	job, err := q.Run(ctx)
	if err != nil {
		return 0, err
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return 0, err
	}
	if err := status.Err(); err != nil {
		return 0, err
	}
	if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
		return qs.NumDMLAffectedRows, nil
	}
	return 0, nil
}

// DeactivateKey clears the active flag for the record with the given hash.
func (s *BigQueryStore) DeactivateKey(ctx context.Context, hash string) error {
	q := s.client.Query(fmt.Sprintf(
		"UPDATE %s SET is_active = FALSE, updated_at = CURRENT_TIMESTAMP() WHERE key_hash = @hash",
		s.keysRef()))
	q.Parameters = []bigquery.QueryParameter{{Name: "hash", Value: hash}}

	n, err := s.runDML(ctx, q)
	if err != nil {
		return fmt.Errorf("deactivate api key: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementUsage bumps the current-month usage counter for the key.
func (s *BigQueryStore) IncrementUsage(ctx context.Context, hash string) error {
	q := s.client.Query(fmt.Sprintf(
		"UPDATE %s SET current_month_usage = current_month_usage + 1, updated_at = CURRENT_TIMESTAMP() WHERE key_hash = @hash",
		s.keysRef()))
	q.Parameters = []bigquery.QueryParameter{{Name: "hash", Value: hash}}

	n, err := s.runDML(ctx, q)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetMonthlyUsage zeroes every key's usage counter.
func (s *BigQueryStore) ResetMonthlyUsage(ctx context.Context) (int64, error) {
	q := s.client.Query(fmt.Sprintf(
		"UPDATE %s SET current_month_usage = 0, updated_at = CURRENT_TIMESTAMP() WHERE current_month_usage != 0",
		s.keysRef()))

	n, err := s.runDML(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("reset monthly usage: %w", err)
	}
	return n, nil
}
