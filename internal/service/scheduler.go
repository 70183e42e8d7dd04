package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"escrow-service/internal/domain"
	"escrow-service/internal/verify"

	log "github.com/sirupsen/logrus"
)

const (
	defaultVerifyWorkers = 4
	defaultVerifyTimeout = 30 * time.Second

	// commitTimeout bounds the final status write, which runs detached
	// from the attempt's deadline.
	commitTimeout = 10 * time.Second

	detailTimedOut = "verification timed out"
)

type ContentStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Outcome is the result of a finished verification task. Err is set when
// the final commit did not happen, for example because the record was
// already terminal.
type Outcome struct {
	Status domain.Status
	Detail string
	Err    error
}

// Task is a single in-flight verification of one record.
type Task struct {
	RecordID   string
	ContentRef string

	done    chan struct{}
	outcome Outcome
}

// Done is closed once the task has committed or given up.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Outcome is only meaningful after Done is closed.
func (t *Task) Outcome() Outcome {
	select {
	case <-t.done:
		return t.outcome
	default:
		return Outcome{Status: domain.StatusPending}
	}
}

// Wait blocks until the task finishes or ctx is done.
func (t *Task) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-t.done:
		return t.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

type SchedulerConfig struct {
	Workers int
	Timeout time.Duration
}

// Scheduler runs verification tasks on a bounded pool of workers, with at
// most one task in flight per record.
type Scheduler struct {
	store     *RecordStore
	content   ContentStore
	validator verify.Validator
	audit     *AuditLog
	timeout   time.Duration
	workers   chan struct{}

	mu       sync.Mutex
	inflight map[string]*Task
	closed   bool
	wg       sync.WaitGroup
}

func NewScheduler(store *RecordStore, content ContentStore, validator verify.Validator, audit *AuditLog, cfg SchedulerConfig) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultVerifyWorkers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultVerifyTimeout
	}
	return &Scheduler{
		store:     store,
		content:   content,
		validator: validator,
		audit:     audit,
		timeout:   cfg.Timeout,
		workers:   make(chan struct{}, cfg.Workers),
		inflight:  make(map[string]*Task),
	}
}

// Start schedules verification of id and returns immediately. If a task
// for id is already in flight it is returned with started == false. After
// Shutdown, Start returns (nil, false).
func (s *Scheduler) Start(id, contentRef string) (task *Task, started bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		log.WithField("record_id", id).Warn("Verification not scheduled, scheduler is shut down")
		return nil, false
	}
	if t, ok := s.inflight[id]; ok {
		return t, false
	}

	t := &Task{RecordID: id, ContentRef: contentRef, done: make(chan struct{})}
	s.inflight[id] = t
	s.wg.Add(1)
	go s.run(t)
	return t, true
}

// InFlight returns the running task for id, if any.
func (s *Scheduler) InFlight(id string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.inflight[id]
	return t, ok
}

// Shutdown stops accepting tasks and waits for in-flight ones to finish.
// Running tasks are not cancelled; each is bounded by the verify timeout.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	pending := len(s.inflight)
	s.mu.Unlock()

	log.WithField("in_flight", pending).Info("Draining verification tasks")

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run(t *Task) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, t.RecordID)
		s.mu.Unlock()
		close(t.done)
	}()

	s.workers <- struct{}{}
	defer func() { <-s.workers }()

	logger := log.WithFields(log.Fields{
		"record_id":   t.RecordID,
		"content_ref": t.ContentRef,
	})

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	rec, err := s.store.Get(ctx, t.RecordID)
	if err != nil {
		t.outcome = Outcome{Status: domain.StatusPending, Err: err}
		logger.WithError(err).Error("Failed to load record for verification")
		return
	}
	if rec.Status != domain.StatusPending {
		t.outcome = Outcome{Status: rec.Status, Detail: rec.StatusDetail, Err: domain.ErrInvalidTransition}
		logger.WithField("status", rec.Status).Info("Record already terminal, verification skipped")
		return
	}

	start := s.audit.NewEntry(t.RecordID, domain.SystemActor, domain.ActionVerifyStart, "content_ref="+t.ContentRef)
	if _, err := s.audit.Append(ctx, start); err != nil {
		logger.WithError(err).Warn("Failed to record verification start")
	}

	status, detail := s.attempt(ctx, t)

	commitCtx, commitCancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer commitCancel()

	t.outcome = Outcome{Status: status, Detail: detail}
	if _, err := s.store.CommitStatus(commitCtx, t.RecordID, status, detail); err != nil {
		t.outcome.Err = err
		if errors.Is(err, domain.ErrInvalidTransition) {
			logger.Info("Record already terminal, verification result discarded")
			return
		}
		logger.WithError(err).Error("Failed to commit verification result")
		return
	}

	logger.WithFields(log.Fields{
		"status": status,
		"detail": detail,
	}).Info("Verification finished")
}

type attemptResult struct {
	status domain.Status
	detail string
}

// attempt fetches and validates the content. It returns FAILED with a
// timeout detail when ctx expires, even if the content store or a
// validator does not honour cancellation.
func (s *Scheduler) attempt(ctx context.Context, t *Task) (domain.Status, string) {
	result := make(chan attemptResult, 1)
	go func() {
		result <- s.check(ctx, t)
	}()

	select {
	case r := <-result:
		if ctx.Err() != nil {
			return domain.StatusFailed, detailTimedOut
		}
		return r.status, r.detail
	case <-ctx.Done():
		return domain.StatusFailed, detailTimedOut
	}
}

func (s *Scheduler) check(ctx context.Context, t *Task) attemptResult {
	data, err := s.content.Get(ctx, t.ContentRef)
	if err != nil {
		return attemptResult{domain.StatusFailed, fmt.Sprintf("content unavailable: %v", err)}
	}
	if err := s.validator.Validate(ctx, t.ContentRef, data); err != nil {
		return attemptResult{domain.StatusFailed, err.Error()}
	}
	return attemptResult{domain.StatusConfirmed, "ok"}
}
