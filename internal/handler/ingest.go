package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/conicleai/consent-edge/internal/model"
	"github.com/conicleai/consent-edge/internal/normalize"
	"github.com/conicleai/consent-edge/internal/service"
	"github.com/conicleai/consent-edge/internal/warehouse"
)

const (
	// maxBodyBytes caps the ingestion payload. Consent events are small;
	// anything bigger is abuse or a bug.
	maxBodyBytes = 64 << 10

	// appendTimeout bounds the warehouse write so a stalled backend fails
	// the request instead of pinning the connection.
	appendTimeout = 5 * time.Second
)

// IngestHandler accepts consent events from the widget, authorizes the API
// key, normalizes the payload, and appends the canonical row to the
// warehouse.
type IngestHandler struct {
	authority  *service.KeyAuthority
	accountant *service.UsageAccountant
	store      warehouse.Warehouse
	normalizer *normalize.Normalizer
	logger     *slog.Logger
}

func NewIngestHandler(
	authority *service.KeyAuthority,
	accountant *service.UsageAccountant,
	store warehouse.Warehouse,
	normalizer *normalize.Normalizer,
	logger *slog.Logger,
) *IngestHandler {
	return &IngestHandler{
		authority:  authority,
		accountant: accountant,
		store:      store,
		normalizer: normalizer,
		logger:     logger,
	}
}

// Ingest handles POST /v1/events.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType,
			"Unsupported media type", "Content-Type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()

	var payload normalize.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				"Payload too large", "Request body exceeds 64KB")
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}

	if err := payload.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid payload", err.Error())
		return
	}

	// Header wins over the body field when both are present.
	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		apiKey = payload.APIKey
	}

	key, err := h.authority.Authorize(r.Context(), apiKey, originHost(r))
	if err != nil {
		var uerr *service.UnauthorizedError
		if errors.As(err, &uerr) {
			writeError(w, uerr.Status, uerr.Message, uerr.Reason)
			return
		}
		h.logger.Error("authorization failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Internal error", "")
		return
	}

	ev := h.normalizer.Event(&payload, normalize.RequestMeta{
		ClientIP:   clientIP(r),
		UserAgent:  r.UserAgent(),
		KeyPrefix:  key.KeyPrefix,
		ClientName: key.ClientName,
		Now:        time.Now(),
	})

	ctx, cancel := context.WithTimeout(r.Context(), appendTimeout)
	defer cancel()
	if err := h.store.AppendEvent(ctx, ev); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			h.logger.Error("warehouse append timed out",
				"event_id", ev.EventID,
				"key_prefix", key.KeyPrefix)
			writeError(w, http.StatusGatewayTimeout, "Warehouse timeout", "")
			return
		}
		h.logger.Error("warehouse append failed",
			"event_id", ev.EventID,
			"key_prefix", key.KeyPrefix,
			"error", err)
		writeError(w, http.StatusInternalServerError, "Failed to store event", "")
		return
	}

	// Accounting happens off the request path; the event is already stored.
	go h.accountant.RecordUsage(key)

	resp := model.IngestResponse{
		Success: true,
		EventID: ev.EventID,
		Client:  key.ClientName,
	}
	if key.MonthlyQuota != nil {
		remaining := *key.MonthlyQuota - key.CurrentMonthUsage - 1
		if remaining < 0 {
			remaining = 0
		}
		resp.QuotaRemaining = &remaining
	}
	writeJSON(w, http.StatusOK, resp)
}
