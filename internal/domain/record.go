package domain

import (
	"errors"
	"sort"
	"strings"
	"time"
)

const (
	maxRecordIDLength = 128
	maxMetadataKeys   = 64
)

// Record errors
var (
	ErrRecordNotFound      = errors.New("record not found")
	ErrRecordAlreadyExists = errors.New("record already exists")
	ErrForbidden           = errors.New("forbidden")
	ErrNotVerified         = errors.New("record not verified")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidStatus       = errors.New("invalid status")
	ErrInvalidRecordID     = errors.New("invalid record id")
	ErrInvalidMetadata     = errors.New("invalid metadata")

	// ErrStatusConflict is returned by ledger clients when a conditional
	// write finds a status other than the expected one.
	ErrStatusConflict = errors.New("status conflict")

	// ErrUpstream marks failures of the ledger or the content store.
	ErrUpstream = errors.New("upstream failure")
)

type Status string

// Record status constants
const (
	StatusNone      Status = ""
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

func (s Status) Valid() bool {
	return s == StatusPending || s.Terminal()
}

type Record struct {
	ID           string            `json:"id"`
	ContentRef   string            `json:"content_ref"`
	Owner        string            `json:"owner"`
	Status       Status            `json:"status"`
	StatusDetail string            `json:"status_detail,omitempty"`
	Metadata     map[string]string `json:"metadata"`
	Grantees     []string          `json:"grantees"`
	CreatedAt    time.Time         `json:"created_at"`
	VerifiedAt   *time.Time        `json:"verified_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate the result without
// touching a snapshot another goroutine may hold.
func (r Record) Clone() Record {
	out := r
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	if r.Grantees != nil {
		out.Grantees = append([]string(nil), r.Grantees...)
	}
	if r.VerifiedAt != nil {
		t := *r.VerifiedAt
		out.VerifiedAt = &t
	}
	return out
}

// HasGrantee reports whether identity is in the grantee set. The owner is
// not implicitly a member; see IsPermitted.
func (r Record) HasGrantee(identity string) bool {
	i := sort.SearchStrings(r.Grantees, identity)
	return i < len(r.Grantees) && r.Grantees[i] == identity
}

// IsPermitted reports whether identity may read the record's content.
func (r Record) IsPermitted(identity string) bool {
	return identity == r.Owner || r.HasGrantee(identity)
}

// WithGrantee returns the grantee set with identity added, keeping it
// sorted and free of duplicates. The second result is false when identity
// was already present.
func (r Record) WithGrantee(identity string) ([]string, bool) {
	if r.HasGrantee(identity) {
		return r.Grantees, false
	}
	out := append([]string(nil), r.Grantees...)
	out = append(out, identity)
	sort.Strings(out)
	return out, true
}

// WithoutGrantee returns the grantee set with identity removed. The second
// result is false when identity was not a member.
func (r Record) WithoutGrantee(identity string) ([]string, bool) {
	if !r.HasGrantee(identity) {
		return r.Grantees, false
	}
	out := make([]string, 0, len(r.Grantees)-1)
	for _, g := range r.Grantees {
		if g != identity {
			out = append(out, g)
		}
	}
	return out, true
}

// DepositRequest is the input to a deposit. Owner is filled in from the
// authenticated caller, never from the request body.
type DepositRequest struct {
	ID       string            `json:"id"`
	Owner    string            `json:"-"`
	Content  []byte            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RecordStatus is the externally visible view returned by GetStatus.
type RecordStatus struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Detail     string     `json:"detail,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

func ValidateRecordID(id string) error {
	if id == "" || len(id) > maxRecordIDLength {
		return ErrInvalidRecordID
	}
	if strings.ContainsAny(id, " /\t\n") {
		return ErrInvalidRecordID
	}
	return nil
}

func ValidateMetadata(metadata map[string]string) error {
	if len(metadata) > maxMetadataKeys {
		return ErrInvalidMetadata
	}
	for k := range metadata {
		if k == "" {
			return ErrInvalidMetadata
		}
	}
	return nil
}
