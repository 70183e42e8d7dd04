package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"escrow-service/internal/content"
	"escrow-service/internal/domain"
	"escrow-service/internal/verify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type schedulerFixture struct {
	ledger    *faultyLedger
	store     *RecordStore
	scheduler *Scheduler
	gate      *gatedContent
	ref       string
}

func createTestScheduler(t *testing.T, timeout time.Duration) *schedulerFixture {
	t.Helper()

	blobs, err := content.OpenMemory(content.CompressionZstd)
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	ref, err := blobs.Put(context.Background(), ecgPayload)
	require.NoError(t, err)

	ledger := newFaultyLedger()
	audit := NewAuditLog(ledger, nil)
	store := NewRecordStore(ledger, audit)
	gate := newGatedContent(blobs)
	validator, err := verify.Default("json", 0)
	require.NoError(t, err)

	s := NewScheduler(store, gate, validator, audit, SchedulerConfig{Workers: 2, Timeout: timeout})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})

	return &schedulerFixture{ledger: ledger, store: store, scheduler: s, gate: gate, ref: ref}
}

func (f *schedulerFixture) create(t *testing.T, id string) {
	t.Helper()
	_, err := f.store.Create(context.Background(), id, "alice", f.ref, nil)
	require.NoError(t, err)
}

func waitTask(t *testing.T, task *Task) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := task.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestStartIsSingleFlightPerRecord(t *testing.T) {
	f := createTestScheduler(t, 5*time.Second)
	f.create(t, "P1")

	const callers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		tasks   = map[*Task]bool{}
		started int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, ok := f.scheduler.Start("P1", f.ref)
			mu.Lock()
			defer mu.Unlock()
			tasks[task] = true
			if ok {
				started++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, started)
	assert.Len(t, tasks, 1)

	close(f.gate.release)
	for task := range tasks {
		out := waitTask(t, task)
		assert.Equal(t, domain.StatusConfirmed, out.Status)
		assert.NoError(t, out.Err)
	}

	entries, err := f.ledger.QueryAudit(context.Background(), "P1")
	require.NoError(t, err)
	results := 0
	for _, e := range entries {
		if e.Action == domain.ActionVerifyResult {
			results++
		}
	}
	assert.Equal(t, 1, results)
}

func TestStartAfterCompletionRunsAgainButCannotRecommit(t *testing.T) {
	f := createTestScheduler(t, 5*time.Second)
	close(f.gate.release)
	f.create(t, "P1")

	first, ok := f.scheduler.Start("P1", f.ref)
	require.True(t, ok)
	assert.Equal(t, domain.StatusConfirmed, waitTask(t, first).Status)

	_, inFlight := f.scheduler.InFlight("P1")
	assert.False(t, inFlight)

	second, ok := f.scheduler.Start("P1", f.ref)
	require.True(t, ok)
	out := waitTask(t, second)
	assert.ErrorIs(t, out.Err, domain.ErrInvalidTransition)

	assert.Equal(t, domain.StatusConfirmed, out.Status)

	rec, err := f.store.Get(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, rec.Status)

	entries, err := f.ledger.QueryAudit(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Action{
		domain.ActionStore,
		domain.ActionVerifyStart,
		domain.ActionVerifyResult,
	}, actions(entries), "a terminal record is not verified again")
}

func TestStartOnMissingRecord(t *testing.T) {
	f := createTestScheduler(t, 5*time.Second)
	close(f.gate.release)

	task, ok := f.scheduler.Start("ghost", f.ref)
	require.True(t, ok)
	out := waitTask(t, task)
	assert.ErrorIs(t, out.Err, domain.ErrRecordNotFound)

	entries, err := f.ledger.QueryAudit(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestVerificationTimeoutForcesFailed(t *testing.T) {
	f := createTestScheduler(t, 50*time.Millisecond)
	t.Cleanup(func() { close(f.gate.release) })
	f.create(t, "P1")

	task, ok := f.scheduler.Start("P1", f.ref)
	require.True(t, ok)

	out := waitTask(t, task)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Equal(t, detailTimedOut, out.Detail)
	assert.NoError(t, out.Err, "the final commit runs detached from the expired deadline")

	rec, err := f.store.Get(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, detailTimedOut, rec.StatusDetail)
	assert.NotNil(t, rec.VerifiedAt)
}

func TestMissingContentFails(t *testing.T) {
	f := createTestScheduler(t, 5*time.Second)
	close(f.gate.release)

	missing := content.RefOf([]byte("never stored"))
	_, err := f.store.Create(context.Background(), "P1", "alice", missing, nil)
	require.NoError(t, err)

	task, _ := f.scheduler.Start("P1", missing)
	out := waitTask(t, task)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Contains(t, out.Detail, "content unavailable")
}

func TestCommitFailureIsReported(t *testing.T) {
	f := createTestScheduler(t, 5*time.Second)
	close(f.gate.release)
	f.create(t, "P1")

	f.ledger.mu.Lock()
	f.ledger.failCAS = true
	f.ledger.mu.Unlock()

	task, _ := f.scheduler.Start("P1", f.ref)
	out := waitTask(t, task)
	assert.ErrorIs(t, out.Err, domain.ErrUpstream)

	f.ledger.mu.Lock()
	f.ledger.failCAS = false
	f.ledger.mu.Unlock()

	rec, err := f.store.Get(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
}

func TestStartAfterShutdown(t *testing.T) {
	f := createTestScheduler(t, 5*time.Second)
	require.NoError(t, f.scheduler.Shutdown(context.Background()))

	task, ok := f.scheduler.Start("P1", f.ref)
	assert.Nil(t, task)
	assert.False(t, ok)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	f := createTestScheduler(t, 5*time.Second)
	ids := []string{"P1", "P2", "P3", "P4"}
	for _, id := range ids {
		f.create(t, id)
	}

	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		task, ok := f.scheduler.Start(id, f.ref)
		require.True(t, ok)
		tasks = append(tasks, task)
	}

	<-f.gate.gets
	<-f.gate.gets
	select {
	case <-f.gate.gets:
		t.Fatal("more tasks fetched content than there are workers")
	case <-time.After(50 * time.Millisecond):
	}

	close(f.gate.release)
	for _, task := range tasks {
		assert.Equal(t, domain.StatusConfirmed, waitTask(t, task).Status)
	}
}

func TestTaskOutcomeBeforeDone(t *testing.T) {
	task := &Task{RecordID: "P1", done: make(chan struct{})}
	assert.Equal(t, domain.StatusPending, task.Outcome().Status)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := task.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
