package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/conicleai/consent-edge/internal/identity"
	"github.com/conicleai/consent-edge/internal/model"
)

type contextKeyAuth string

// AdminKey is the context key for the verified admin identity.
const AdminKey contextKeyAuth = "admin_identity"

// AdminAuth returns a middleware guarding the admin surface. It requires an
// Authorization Bearer token, verifies it against the identity oracle, and
// checks the verified email's domain against the operator allowlist. A
// failed verification answers 401; a verified identity outside the
// allowlist answers 403.
func AdminAuth(verifier *identity.Verifier, allowlist identity.DomainAllowlist) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "Unauthorized", "Bearer token required")
				return
			}

			id, err := verifier.Verify(r.Context(), token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "Unauthorized", "Invalid or expired token")
				return
			}

			if err := allowlist.Authorize(id); err != nil {
				if errors.Is(err, identity.ErrForbidden) {
					writeAuthError(w, http.StatusForbidden, "Forbidden", "Account not permitted to manage API keys")
					return
				}
				writeAuthError(w, http.StatusUnauthorized, "Unauthorized", "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), AdminKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetAdmin extracts the verified admin identity from the context. Returns
// nil outside an AdminAuth-guarded handler.
func GetAdmin(ctx context.Context) *model.VerifiedIdentity {
	if id, ok := ctx.Value(AdminKey).(*model.VerifiedIdentity); ok {
		return id
	}
	return nil
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{Error: code, Message: message})
}
