package model

import (
	"strings"
	"time"
)

// VerifiedIdentity is the result of introspecting a federated identity token
// against the tokeninfo oracle. It is cached keyed by a hash of the token and
// evicted when Expiry passes.
type VerifiedIdentity struct {
	Email  string
	Name   string
	Expiry int64 // unix seconds, as reported by the oracle
}

// EmailDomain returns the part of Email after the '@', lowercased.
// Returns "" for malformed addresses.
func (id *VerifiedIdentity) EmailDomain() string {
	at := strings.LastIndexByte(id.Email, '@')
	if at < 0 || at == len(id.Email)-1 {
		return ""
	}
	return strings.ToLower(id.Email[at+1:])
}

// FreshFor reports whether the identity is still valid at now with the given
// safety margin before expiry.
func (id *VerifiedIdentity) FreshFor(now time.Time, margin time.Duration) bool {
	return id.Expiry > now.Add(margin).Unix()
}
