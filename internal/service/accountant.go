package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/conicleai/consent-edge/internal/model"
	"github.com/conicleai/consent-edge/internal/warehouse"
)

// UsageAccountant records per-key consumption after an event is accepted.
// Accounting is best effort: a failed increment is logged and swallowed so
// it can never fail an ingestion that already succeeded.
type UsageAccountant struct {
	store   warehouse.Warehouse
	logger  *slog.Logger
	timeout time.Duration
}

func NewUsageAccountant(store warehouse.Warehouse, logger *slog.Logger) *UsageAccountant {
	return &UsageAccountant{
		store:   store,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// RecordUsage increments the key's current-month counter. Detached from the
// request context so a client disconnect does not lose the count.
func (u *UsageAccountant) RecordUsage(key *model.APIKey) {
	ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
	defer cancel()

	if err := u.store.IncrementUsage(ctx, key.KeyHash); err != nil {
		u.logger.Error("usage increment failed",
			"key_prefix", key.KeyPrefix,
			"error", err)
	}
}
