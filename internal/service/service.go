package service

import (
	"context"
	"errors"
	"time"

	"escrow-service/internal/domain"
	"escrow-service/internal/verify"

	log "github.com/sirupsen/logrus"
)

type EscrowServiceInterface interface {
	Deposit(ctx context.Context, req domain.DepositRequest) (*domain.Record, error)
	GetStatus(ctx context.Context, id string) (*domain.RecordStatus, error)
	Read(ctx context.Context, id, requester string) ([]byte, error)
	Grant(ctx context.Context, id, owner, grantee string) error
	Revoke(ctx context.Context, id, owner, grantee string) error
	Audit(ctx context.Context, id, requester string) ([]domain.AuditEntry, error)
	Ping(ctx context.Context) error
}

type Dependencies struct {
	Ledger LedgerClient
	// Content receives deposits and serves verification reads.
	Content ContentStore
	// ReadContent serves AccessGate reads; defaults to Content.
	ReadContent ContentStore
	Validator   verify.Validator
	Publisher   AuditPublisher
}

type Config struct {
	VerifyWorkers   int
	VerifyTimeout   time.Duration
	MaxContentBytes int
	Identities      domain.IdentityPolicy
}

type EscrowService struct {
	ledger     LedgerClient
	content    ContentStore
	audit      *AuditLog
	store      *RecordStore
	scheduler  *Scheduler
	registry   *Registry
	gate       *AccessGate
	identities domain.IdentityPolicy
	maxBytes   int
}

func NewEscrowService(deps Dependencies, cfg Config) *EscrowService {
	if deps.ReadContent == nil {
		deps.ReadContent = deps.Content
	}
	if deps.Validator == nil {
		deps.Validator = verify.Chain{verify.MaxSize(cfg.MaxContentBytes), verify.Integrity()}
	}

	audit := NewAuditLog(deps.Ledger, deps.Publisher)
	store := NewRecordStore(deps.Ledger, audit)
	registry := NewRegistry(store, cfg.Identities)

	return &EscrowService{
		ledger:  deps.Ledger,
		content: deps.Content,
		audit:   audit,
		store:   store,
		scheduler: NewScheduler(store, deps.Content, deps.Validator, audit, SchedulerConfig{
			Workers: cfg.VerifyWorkers,
			Timeout: cfg.VerifyTimeout,
		}),
		registry:   registry,
		gate:       NewAccessGate(store, registry, deps.ReadContent, audit),
		identities: cfg.Identities,
		maxBytes:   cfg.MaxContentBytes,
	}
}

// Deposit stores the content, creates the PENDING record and schedules
// its verification. The returned record is never CONFIRMED.
func (s *EscrowService) Deposit(ctx context.Context, req domain.DepositRequest) (*domain.Record, error) {
	if err := s.identities.Validate(req.Owner); err != nil {
		return nil, err
	}
	if err := domain.ValidateRecordID(req.ID); err != nil {
		return nil, err
	}
	if err := domain.ValidateMetadata(req.Metadata); err != nil {
		return nil, err
	}
	if len(req.Content) == 0 {
		return nil, domain.ErrEmptyContent
	}
	if s.maxBytes > 0 && len(req.Content) > s.maxBytes {
		return nil, domain.ErrContentTooLarge
	}

	// Fail early on a known duplicate; Create still settles races.
	if _, err := s.store.Get(ctx, req.ID); err == nil {
		return nil, domain.ErrRecordAlreadyExists
	} else if !errors.Is(err, domain.ErrRecordNotFound) {
		return nil, err
	}

	ref, err := s.content.Put(ctx, req.Content)
	if err != nil {
		log.WithError(err).WithField("record_id", req.ID).Error("Failed to store content")
		return nil, upstream("put content", err)
	}

	rec, err := s.store.Create(ctx, req.ID, req.Owner, ref, req.Metadata)
	if err != nil {
		return nil, err
	}

	if _, started := s.scheduler.Start(rec.ID, rec.ContentRef); !started {
		log.WithField("record_id", rec.ID).Warn("Verification was not started for new record")
	}
	return rec, nil
}

func (s *EscrowService) GetStatus(ctx context.Context, id string) (*domain.RecordStatus, error) {
	if err := domain.ValidateRecordID(id); err != nil {
		return nil, err
	}
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &domain.RecordStatus{
		ID:         rec.ID,
		Status:     rec.Status,
		Detail:     rec.StatusDetail,
		CreatedAt:  rec.CreatedAt,
		VerifiedAt: rec.VerifiedAt,
	}, nil
}

func (s *EscrowService) Read(ctx context.Context, id, requester string) ([]byte, error) {
	if err := s.identities.Validate(requester); err != nil {
		return nil, err
	}
	if err := domain.ValidateRecordID(id); err != nil {
		return nil, err
	}
	return s.gate.Read(ctx, id, requester)
}

func (s *EscrowService) Grant(ctx context.Context, id, owner, grantee string) error {
	if err := s.identities.Validate(owner); err != nil {
		return err
	}
	if err := domain.ValidateRecordID(id); err != nil {
		return err
	}
	return s.registry.Grant(ctx, id, owner, grantee)
}

func (s *EscrowService) Revoke(ctx context.Context, id, owner, grantee string) error {
	if err := s.identities.Validate(owner); err != nil {
		return err
	}
	if err := domain.ValidateRecordID(id); err != nil {
		return err
	}
	return s.registry.Revoke(ctx, id, owner, grantee)
}

func (s *EscrowService) Audit(ctx context.Context, id, requester string) ([]domain.AuditEntry, error) {
	if err := s.identities.Validate(requester); err != nil {
		return nil, err
	}
	if err := domain.ValidateRecordID(id); err != nil {
		return nil, err
	}
	return s.audit.Query(ctx, id, requester)
}

// Ping reports whether the ledger is reachable.
func (s *EscrowService) Ping(ctx context.Context) error {
	return s.ledger.Ping(ctx)
}

// Verification returns the in-flight verification task for id, if any.
func (s *EscrowService) Verification(id string) (*Task, bool) {
	return s.scheduler.InFlight(id)
}

func (s *EscrowService) Shutdown(ctx context.Context) error {
	return s.scheduler.Shutdown(ctx)
}
