package domain

import (
	"errors"
	"strings"
)

const maxIdentityLength = 1024

var ErrInvalidIdentity = errors.New("invalid identity")

// SystemActor is the actor recorded for entries written by the verifier.
const SystemActor = "system:verifier"

// IdentityPolicy validates caller and grantee identities. Identities are
// authenticated upstream and arrive as opaque strings; the policy only
// guards their shape.
type IdentityPolicy struct {
	// RequiredPrefix, when set, must prefix every identity (for example
	// "x509::" for X.509 client ids).
	RequiredPrefix string
}

func (p IdentityPolicy) Validate(identity string) error {
	if identity == "" || len(identity) > maxIdentityLength {
		return ErrInvalidIdentity
	}
	if strings.TrimSpace(identity) != identity {
		return ErrInvalidIdentity
	}
	if p.RequiredPrefix != "" && !strings.HasPrefix(identity, p.RequiredPrefix) {
		return ErrInvalidIdentity
	}
	return nil
}
