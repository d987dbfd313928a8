package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/conicleai/consent-edge/internal/model"
	"github.com/conicleai/consent-edge/internal/server/middleware"
	"github.com/conicleai/consent-edge/internal/service"
)

// listKeysLimit caps a single list action. The key population is small;
// the cap only bounds a runaway response.
const listKeysLimit = 200

// AdminHandler is the key-management dispatcher: one POST endpoint, with
// the operation selected by the payload's action field. The AdminAuth
// middleware has already verified the operator's identity.
type AdminHandler struct {
	authority *service.KeyAuthority
	logger    *slog.Logger
}

func NewAdminHandler(authority *service.KeyAuthority, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{authority: authority, logger: logger}
}

// adminRequest is the dispatch payload. Fields beyond action apply only to
// the action that reads them.
type adminRequest struct {
	Action string `json:"action"`

	// generate
	ClientName  string     `json:"clientName"`
	ClientEmail string     `json:"clientEmail"`
	Domains     []string   `json:"domains"`
	Quota       *int64     `json:"quota"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	Notes       string     `json:"notes"`

	// revoke: the masked form as shown by list
	APIKeyMasked string `json:"apiKeyMasked"`
}

// Dispatch handles POST /admin/keys.
func (h *AdminHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req adminRequest
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}

	switch req.Action {
	case "generate":
		h.generate(w, r, &req)
	case "list":
		h.list(w, r)
	case "revoke":
		h.revoke(w, r, &req)
	default:
		writeError(w, http.StatusBadRequest, "Unknown action",
			"action must be one of: generate, list, revoke")
	}
}

func (h *AdminHandler) generate(w http.ResponseWriter, r *http.Request, req *adminRequest) {
	createdBy := ""
	if admin := middleware.GetAdmin(r.Context()); admin != nil {
		createdBy = admin.Email
	}

	// Keys issued over HTTP are always origin-bound. Open keys for
	// server-to-server senders go through the CLI, which can omit domains.
	if len(req.Domains) == 0 {
		writeError(w, http.StatusBadRequest, "Generation failed", "domains array is required")
		return
	}

	raw, key, err := h.authority.Generate(r.Context(), service.GenerateParams{
		ClientName:     req.ClientName,
		ClientEmail:    req.ClientEmail,
		AllowedDomains: req.Domains,
		MonthlyQuota:   req.Quota,
		ExpiresAt:      req.ExpiresAt,
		CreatedBy:      createdBy,
		Notes:          req.Notes,
	})
	if err != nil {
		// Generation only fails on bad input or a warehouse fault; input
		// errors carry a caller-actionable message.
		h.logger.Warn("key generation rejected", "error", err, "admin", createdBy)
		writeError(w, http.StatusBadRequest, "Generation failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, model.GenerateKeyResponse{
		Success:    true,
		APIKey:     raw,
		ClientName: key.ClientName,
		Message:    "Store this key securely; it cannot be retrieved again",
	})
}

func (h *AdminHandler) list(w http.ResponseWriter, r *http.Request) {
	keys, err := h.authority.List(r.Context(), listKeysLimit)
	if err != nil {
		h.logger.Error("key list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list keys", "")
		return
	}
	writeJSON(w, http.StatusOK, model.ListKeysResponse{Success: true, Keys: keys})
}

func (h *AdminHandler) revoke(w http.ResponseWriter, r *http.Request, req *adminRequest) {
	revoked, err := h.authority.Revoke(r.Context(), req.APIKeyMasked)
	switch {
	case errors.Is(err, service.ErrInvalidMask):
		writeError(w, http.StatusBadRequest, "Invalid masked key",
			"apiKeyMasked must be the masked form shown by list")
		return
	case errors.Is(err, service.ErrAmbiguousMask):
		writeError(w, http.StatusConflict, "Ambiguous masked key",
			"More than one active key matches; contact support to revoke by hash")
		return
	case err != nil:
		h.logger.Error("key revocation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to revoke key", "")
		return
	}

	msg := "API key revoked"
	if !revoked {
		msg = "No matching active key"
	}
	writeJSON(w, http.StatusOK, model.ActionResponse{Success: true, Message: msg})
}
