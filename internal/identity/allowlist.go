package identity

import (
	"errors"
	"strings"

	"github.com/conicleai/consent-edge/internal/model"
)

// ErrForbidden is returned when a verified identity's email domain is not
// on the administrative allow-list. Distinct from ErrUnauthenticated: the
// credential is valid, the rights are not.
var ErrForbidden = errors.New("email domain not allowed for administrative access")

// DomainAllowlist is the set of email domains permitted to perform
// administrative actions.
type DomainAllowlist []string

// Authorize checks the identity's email domain against the allow-list.
func (a DomainAllowlist) Authorize(id *model.VerifiedIdentity) error {
	domain := id.EmailDomain()
	if domain == "" {
		return ErrForbidden
	}
	for _, allowed := range a {
		if strings.EqualFold(domain, allowed) {
			return nil
		}
	}
	return ErrForbidden
}
