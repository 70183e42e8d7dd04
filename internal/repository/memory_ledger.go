package repository

import (
	"context"
	"sync"

	"escrow-service/internal/domain"
)

// MemoryLedger keeps records and audit trails in process memory. It gives
// the same conditional-write and ordering guarantees as the SQL ledgers and
// backs tests and the "memory" deployment profile.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[string]domain.Record
	audit   map[string][]domain.AuditEntry
	seq     int64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string]domain.Record),
		audit:   make(map[string][]domain.AuditEntry),
	}
}

func (l *MemoryLedger) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (l *MemoryLedger) Get(ctx context.Context, id string) (*domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	rec, ok := l.records[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	out := rec.Clone()
	return &out, nil
}

func (l *MemoryLedger) CompareAndSet(ctx context.Context, expected domain.Status, rec domain.Record, entries ...domain.AuditEntry) ([]domain.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	current, exists := l.records[rec.ID]
	switch {
	case expected == domain.StatusNone && exists:
		return nil, domain.ErrStatusConflict
	case expected != domain.StatusNone && !exists:
		return nil, domain.ErrRecordNotFound
	case exists && current.Status != expected:
		return nil, domain.ErrStatusConflict
	}

	stored := rec.Clone()
	stored.Grantees = normalizeGrantees(stored.Grantees)
	l.records[rec.ID] = stored
	return l.appendLocked(entries), nil
}

func (l *MemoryLedger) AppendAudit(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return domain.AuditEntry{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked([]domain.AuditEntry{entry})[0], nil
}

func (l *MemoryLedger) appendLocked(entries []domain.AuditEntry) []domain.AuditEntry {
	committed := make([]domain.AuditEntry, 0, len(entries))
	for _, e := range entries {
		l.seq++
		e.Seq = l.seq
		l.audit[e.RecordID] = append(l.audit[e.RecordID], e)
		committed = append(committed, e)
	}
	return committed
}

func (l *MemoryLedger) QueryAudit(ctx context.Context, recordID string) ([]domain.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.AuditEntry(nil), l.audit[recordID]...), nil
}
