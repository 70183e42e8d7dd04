package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"escrow-service/internal/content"
	"escrow-service/internal/domain"
	"escrow-service/internal/repository"
	"escrow-service/internal/verify"

	"github.com/stretchr/testify/require"
)

var errLedgerDown = errors.New("ledger unreachable")

// faultyLedger wraps the in-memory ledger and fails selected calls.
type faultyLedger struct {
	*repository.MemoryLedger

	mu         sync.Mutex
	failGet    bool
	failCAS    bool
	failAppend func(domain.AuditEntry) bool
}

func newFaultyLedger() *faultyLedger {
	return &faultyLedger{MemoryLedger: repository.NewMemoryLedger()}
}

func (l *faultyLedger) Get(ctx context.Context, id string) (*domain.Record, error) {
	l.mu.Lock()
	fail := l.failGet
	l.mu.Unlock()
	if fail {
		return nil, errLedgerDown
	}
	return l.MemoryLedger.Get(ctx, id)
}

func (l *faultyLedger) CompareAndSet(ctx context.Context, expected domain.Status, rec domain.Record, entries ...domain.AuditEntry) ([]domain.AuditEntry, error) {
	l.mu.Lock()
	fail := l.failCAS
	l.mu.Unlock()
	if fail {
		return nil, errLedgerDown
	}
	return l.MemoryLedger.CompareAndSet(ctx, expected, rec, entries...)
}

func (l *faultyLedger) AppendAudit(ctx context.Context, entry domain.AuditEntry) (domain.AuditEntry, error) {
	l.mu.Lock()
	fail := l.failAppend
	l.mu.Unlock()
	if fail != nil && fail(entry) {
		return domain.AuditEntry{}, errLedgerDown
	}
	return l.MemoryLedger.AppendAudit(ctx, entry)
}

func (l *faultyLedger) setFailAppend(fn func(domain.AuditEntry) bool) {
	l.mu.Lock()
	l.failAppend = fn
	l.mu.Unlock()
}

// gatedContent holds every Get until release is closed. It ignores ctx so
// tests can exercise the scheduler's forced timeout.
type gatedContent struct {
	ContentStore
	release chan struct{}
	gets    chan string
}

func newGatedContent(next ContentStore) *gatedContent {
	return &gatedContent{
		ContentStore: next,
		release:      make(chan struct{}),
		gets:         make(chan string, 16),
	}
}

func (c *gatedContent) Get(ctx context.Context, ref string) ([]byte, error) {
	select {
	case c.gets <- ref:
	default:
	}
	<-c.release
	return c.ContentStore.Get(ctx, ref)
}

// tamperedContent returns altered bytes for every read.
type tamperedContent struct {
	ContentStore
}

func (c tamperedContent) Get(ctx context.Context, ref string) ([]byte, error) {
	data, err := c.ContentStore.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	return append(data, ' '), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.AuditEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, event domain.AuditEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

type testEnv struct {
	ledger    *faultyLedger
	content   *content.LevelDBStore
	publisher *recordingPublisher
	svc       *EscrowService
}

type envOption func(*Dependencies, *Config)

func createTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	blobs, err := content.OpenMemory(content.CompressionNone)
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	validator, err := verify.Default("json", 1<<20)
	require.NoError(t, err)

	env := &testEnv{
		ledger:    newFaultyLedger(),
		content:   blobs,
		publisher: &recordingPublisher{},
	}
	deps := Dependencies{
		Ledger:    env.ledger,
		Content:   blobs,
		Validator: validator,
		Publisher: env.publisher,
	}
	cfg := Config{
		VerifyWorkers:   2,
		VerifyTimeout:   5 * time.Second,
		MaxContentBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}

	env.svc = NewEscrowService(deps, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		env.svc.Shutdown(ctx)
	})
	return env
}

func withContent(wrap func(ContentStore) ContentStore) envOption {
	return func(d *Dependencies, _ *Config) {
		d.Content = wrap(d.Content)
	}
}

func withVerifyTimeout(timeout time.Duration) envOption {
	return func(_ *Dependencies, c *Config) {
		c.VerifyTimeout = timeout
	}
}

func withIdentityPrefix(prefix string) envOption {
	return func(_ *Dependencies, c *Config) {
		c.Identities = domain.IdentityPolicy{RequiredPrefix: prefix}
	}
}

// waitTerminal blocks until id leaves PENDING.
func waitTerminal(t *testing.T, svc *EscrowService, id string) *domain.RecordStatus {
	t.Helper()
	if task, ok := svc.Verification(id); ok {
		select {
		case <-task.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("verification of %s did not finish", id)
		}
	}

	var status *domain.RecordStatus
	require.Eventually(t, func() bool {
		s, err := svc.GetStatus(context.Background(), id)
		if err != nil {
			return false
		}
		status = s
		return s.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return status
}

func actions(entries []domain.AuditEntry) []domain.Action {
	out := make([]domain.Action, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

// stalledPublisher blocks the first Publish until release is closed.
type stalledPublisher struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newStalledPublisher() *stalledPublisher {
	return &stalledPublisher{entered: make(chan struct{}), release: make(chan struct{})}
}

func (p *stalledPublisher) Publish(ctx context.Context, event domain.AuditEvent) error {
	first := false
	p.once.Do(func() { first = true })
	if first {
		close(p.entered)
		<-p.release
	}
	return nil
}
