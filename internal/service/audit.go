package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"escrow-service/internal/domain"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const serviceName = "escrow-service"

type AuditPublisher interface {
	Publish(ctx context.Context, event domain.AuditEvent) error
}

// AuditLog writes audit entries to the ledger and fans committed entries
// out to an optional publisher. The ledger is the source of truth; a
// publish failure never fails the operation that produced the entry.
type AuditLog struct {
	ledger    LedgerClient
	publisher AuditPublisher
	now       func() time.Time
}

func NewAuditLog(ledger LedgerClient, publisher AuditPublisher) *AuditLog {
	return &AuditLog{
		ledger:    ledger,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// NewEntry prepares an entry for commit. Seq is left for the ledger.
func (a *AuditLog) NewEntry(recordID, actor string, action domain.Action, detail string) domain.AuditEntry {
	return domain.AuditEntry{
		ID:        uuid.NewString(),
		RecordID:  recordID,
		Actor:     actor,
		Action:    action,
		Timestamp: a.now(),
		Detail:    detail,
	}
}

// Append durably appends a standalone entry and returns it with its
// assigned sequence number.
func (a *AuditLog) Append(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error) {
	committed, err := a.write(ctx, entry)
	if err != nil {
		return domain.AuditEntry{}, err
	}
	a.publish(ctx, committed)
	return committed, nil
}

// write appends entry to the ledger without publishing it.
func (a *AuditLog) write(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = a.now()
	}

	committed, err := a.ledger.AppendAudit(ctx, entry)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"record_id": entry.RecordID,
			"action":    entry.Action,
			"actor":     entry.Actor,
		}).Error("Failed to append audit entry")
		return domain.AuditEntry{}, upstream("append audit", err)
	}
	return committed, nil
}

// Query returns the record's trail in commit order. Only the owner may
// read it.
func (a *AuditLog) Query(ctx context.Context, recordID, requester string) ([]domain.AuditEntry, error) {
	rec, err := a.ledger.Get(ctx, recordID)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil, err
		}
		return nil, upstream("get record", err)
	}
	if rec.Owner != requester {
		log.WithFields(log.Fields{
			"record_id": recordID,
			"actor":     requester,
		}).Warn("Audit trail requested by non-owner")
		return nil, domain.ErrForbidden
	}

	entries, err := a.ledger.QueryAudit(ctx, recordID)
	if err != nil {
		return nil, upstream("query audit", err)
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	return entries, nil
}

// publish fans out entries that are already durable on the ledger.
func (a *AuditLog) publish(ctx context.Context, entries ...domain.AuditEntry) {
	if a == nil || a.publisher == nil {
		return
	}
	for _, e := range entries {
		if err := a.publisher.Publish(ctx, toAuditEvent(e)); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"record_id": e.RecordID,
				"action":    e.Action,
			}).Warn("Failed to publish audit event")
		}
	}
}

func toAuditEvent(e domain.AuditEntry) domain.AuditEvent {
	event := domain.AuditEvent{
		Service:    serviceName,
		EventType:  eventType(e.Action),
		EntityID:   e.RecordID,
		Actor:      e.Actor,
		OccurredAt: e.Timestamp,
		Payload: map[string]interface{}{
			"audit_id": e.ID,
			"seq":      e.Seq,
			"action":   string(e.Action),
		},
	}
	if e.Detail != "" {
		event.Payload["detail"] = e.Detail
	}
	return event
}

func eventType(action domain.Action) string {
	switch action {
	case domain.ActionStore:
		return "record_stored"
	case domain.ActionVerifyStart:
		return "verification_started"
	case domain.ActionVerifyResult:
		return "verification_completed"
	case domain.ActionAccess:
		return "record_accessed"
	case domain.ActionGrant:
		return "access_granted"
	case domain.ActionRevoke:
		return "access_revoked"
	default:
		return "record_event"
	}
}

// upstream marks err as a ledger or content store failure, keeping the
// underlying cause inspectable.
func upstream(op string, err error) error {
	if errors.Is(err, domain.ErrUpstream) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrUpstream, op, err)
}
