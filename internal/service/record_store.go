package service

import (
	"context"
	"errors"
	"time"

	"escrow-service/internal/domain"

	log "github.com/sirupsen/logrus"
)

// maxConflictRetries bounds re-reads when another writer changed the
// record between our read and our conditional write.
const maxConflictRetries = 3

type LedgerClient interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, id string) (*domain.Record, error)
	// CompareAndSet writes rec only if the stored status equals expected.
	// StatusNone means the record must not exist yet. entries are
	// appended in the same commit and returned with their sequence
	// numbers.
	CompareAndSet(ctx context.Context, expected domain.Status, rec domain.Record, entries ...domain.AuditEntry) ([]domain.AuditEntry, error)
	AppendAudit(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error)
	QueryAudit(ctx context.Context, recordID string) ([]domain.AuditEntry, error)
}

// RecordStore owns the record lifecycle on the ledger.
type RecordStore struct {
	ledger LedgerClient
	audit  *AuditLog
	locks  *keyedLocker
	now    func() time.Time
}

func NewRecordStore(ledger LedgerClient, audit *AuditLog) *RecordStore {
	return &RecordStore{
		ledger: ledger,
		audit:  audit,
		locks:  newKeyedLocker(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *RecordStore) Create(ctx context.Context, id, owner, contentRef string, metadata map[string]string) (*domain.Record, error) {
	if err := domain.ValidateRecordID(id); err != nil {
		return nil, err
	}
	if err := domain.ValidateMetadata(metadata); err != nil {
		return nil, err
	}

	rec := domain.Record{
		ID:         id,
		ContentRef: contentRef,
		Owner:      owner,
		Status:     domain.StatusPending,
		Metadata:   metadata,
		Grantees:   []string{},
		CreatedAt:  s.now(),
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]string{}
	}
	rec = rec.Clone()
	entry := s.audit.NewEntry(id, owner, domain.ActionStore, "content_ref="+contentRef)

	unlock := s.locks.Lock(id)
	committed, err := s.ledger.CompareAndSet(ctx, domain.StatusNone, rec, entry)
	unlock()
	if err != nil {
		if errors.Is(err, domain.ErrStatusConflict) {
			return nil, domain.ErrRecordAlreadyExists
		}
		log.WithError(err).WithField("record_id", id).Error("Failed to create record")
		return nil, upstream("create record", err)
	}
	s.audit.publish(ctx, committed...)

	log.WithFields(log.Fields{
		"record_id":   id,
		"owner":       owner,
		"content_ref": contentRef,
	}).Info("Record created")
	return &rec, nil
}

func (s *RecordStore) Get(ctx context.Context, id string) (*domain.Record, error) {
	rec, err := s.ledger.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil, err
		}
		return nil, upstream("get record", err)
	}
	return rec, nil
}

// CommitStatus moves a PENDING record to a terminal status and appends the
// VERIFY_RESULT entry in the same commit.
func (s *RecordStore) CommitStatus(ctx context.Context, id string, status domain.Status, detail string) (*domain.Record, error) {
	if !status.Terminal() {
		return nil, domain.ErrInvalidStatus
	}

	return s.update(ctx, id, func(cur domain.Record) (*domain.Record, domain.AuditEntry, error) {
		if cur.Status != domain.StatusPending {
			return nil, domain.AuditEntry{}, domain.ErrInvalidTransition
		}
		verifiedAt := s.now()
		next := cur.Clone()
		next.Status = status
		next.StatusDetail = detail
		next.VerifiedAt = &verifiedAt

		entryDetail := string(status)
		if detail != "" {
			entryDetail += ": " + detail
		}
		return &next, s.audit.NewEntry(id, domain.SystemActor, domain.ActionVerifyResult, entryDetail), nil
	})
}

// mutation computes the next state of a record from its current state.
// A nil record with a nil error means the state is unchanged and only the
// entry is appended.
type mutation func(cur domain.Record) (*domain.Record, domain.AuditEntry, error)

// update applies fn under the record's lock and commits the result with
// its audit entry atomically. Committed entries are published after the
// lock is released.
func (s *RecordStore) update(ctx context.Context, id string, fn mutation) (*domain.Record, error) {
	rec, committed, err := s.updateLocked(ctx, id, fn)
	if err != nil {
		return nil, err
	}
	s.audit.publish(ctx, committed...)
	return rec, nil
}

func (s *RecordStore) updateLocked(ctx context.Context, id string, fn mutation) (*domain.Record, []domain.AuditEntry, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	for attempt := 0; ; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, nil, err
		}

		next, entry, err := fn(*cur)
		if err != nil {
			return nil, nil, err
		}

		if next == nil {
			stored, err := s.audit.write(ctx, entry)
			if err != nil {
				return nil, nil, err
			}
			return cur, []domain.AuditEntry{stored}, nil
		}

		committed, err := s.ledger.CompareAndSet(ctx, cur.Status, *next, entry)
		if err == nil {
			return next, committed, nil
		}
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil, nil, err
		}
		if !errors.Is(err, domain.ErrStatusConflict) || attempt >= maxConflictRetries {
			log.WithError(err).WithFields(log.Fields{
				"record_id": id,
				"attempt":   attempt,
			}).Error("Failed to update record")
			return nil, nil, upstream("update record", err)
		}
		log.WithField("record_id", id).Debug("Record changed concurrently, retrying")
	}
}
