package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"escrow-service/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) (*RecordStore, *faultyLedger) {
	t.Helper()
	ledger := newFaultyLedger()
	return NewRecordStore(ledger, NewAuditLog(ledger, nil)), ledger
}

func TestCreateRecord(t *testing.T) {
	store, ledger := createTestStore(t)
	ctx := context.Background()

	rec, err := store.Create(ctx, "P1", "alice", "ref1", map[string]string{"device": "ECG"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Empty(t, rec.Grantees)

	_, err = store.Create(ctx, "P1", "bob", "ref2", nil)
	assert.ErrorIs(t, err, domain.ErrRecordAlreadyExists)

	got, err := store.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
	assert.Equal(t, "ref1", got.ContentRef)

	entries, err := ledger.QueryAudit(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.ActionStore, entries[0].Action)
	assert.Equal(t, "alice", entries[0].Actor)
	assert.NotEmpty(t, entries[0].ID)
}

func TestCommitStatus(t *testing.T) {
	store, ledger := createTestStore(t)
	ctx := context.Background()
	_, err := store.Create(ctx, "P1", "alice", "ref1", nil)
	require.NoError(t, err)

	rec, err := store.CommitStatus(ctx, "P1", domain.StatusConfirmed, "ok")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, rec.Status)
	require.NotNil(t, rec.VerifiedAt)
	assert.False(t, rec.VerifiedAt.Before(rec.CreatedAt))

	_, err = store.CommitStatus(ctx, "P1", domain.StatusFailed, "late")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = store.CommitStatus(ctx, "P1", domain.StatusConfirmed, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	got, err := store.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, got.Status)
	assert.Equal(t, "ok", got.StatusDetail)

	entries, err := ledger.QueryAudit(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Action{domain.ActionStore, domain.ActionVerifyResult}, actions(entries))
	assert.Equal(t, domain.SystemActor, entries[1].Actor)
	assert.Equal(t, "CONFIRMED: ok", entries[1].Detail)
}

func TestCommitStatusRejectsNonTerminal(t *testing.T) {
	store, _ := createTestStore(t)
	ctx := context.Background()
	_, err := store.Create(ctx, "P1", "alice", "ref1", nil)
	require.NoError(t, err)

	_, err = store.CommitStatus(ctx, "P1", domain.StatusPending, "")
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
	_, err = store.CommitStatus(ctx, "P1", domain.Status("DELETED"), "")
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestCommitStatusMissing(t *testing.T) {
	store, _ := createTestStore(t)
	_, err := store.CommitStatus(context.Background(), "ghost", domain.StatusConfirmed, "")
	assert.ErrorIs(t, err, domain.ErrRecordNotFound)
}

func TestConcurrentCommitsHaveOneWinner(t *testing.T) {
	store, ledger := createTestStore(t)
	ctx := context.Background()
	_, err := store.Create(ctx, "P1", "alice", "ref1", nil)
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := domain.StatusConfirmed
			if i%2 == 0 {
				status = domain.StatusFailed
			}
			_, err := store.CommitStatus(ctx, "P1", status, "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	wins := 0
	for err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	}
	assert.Equal(t, 1, wins)

	entries, err := ledger.QueryAudit(ctx, "P1")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCreateUpstreamFailure(t *testing.T) {
	store, ledger := createTestStore(t)
	ledger.failCAS = true

	_, err := store.Create(context.Background(), "P1", "alice", "ref1", nil)
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.ErrorIs(t, err, errLedgerDown)
}

func TestKeyedLockerSerializesPerKey(t *testing.T) {
	l := newKeyedLocker()

	unlock := l.Lock("P1")
	acquired := make(chan struct{})
	go func() {
		u := l.Lock("P1")
		close(acquired)
		u()
	}()

	otherDone := make(chan struct{})
	go func() {
		u := l.Lock("P2")
		u()
		close(otherDone)
	}()
	select {
	case <-otherDone:
	case <-time.After(time.Second):
		t.Fatal("lock on another key was blocked")
	}

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()
	<-acquired
	assert.Eventually(t, func() bool { return l.size() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSlowPublisherDoesNotBlockRecordWrites(t *testing.T) {
	ledger := newFaultyLedger()
	pub := newStalledPublisher()
	store := NewRecordStore(ledger, NewAuditLog(ledger, pub))
	ctx := context.Background()

	created := make(chan error, 1)
	go func() {
		_, err := store.Create(ctx, "P1", "alice", "ref1", nil)
		created <- err
	}()
	<-pub.entered

	committed := make(chan error, 1)
	go func() {
		_, err := store.CommitStatus(ctx, "P1", domain.StatusConfirmed, "")
		committed <- err
	}()

	select {
	case err := <-committed:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("commit waited for a stalled publish of another write")
	}

	close(pub.release)
	require.NoError(t, <-created)

	rec, err := store.Get(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, rec.Status)
}
