package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Bafix001/zibridge/internal/adapters/db/sqlite"
	"github.com/Bafix001/zibridge/internal/domain"
	"github.com/Bafix001/zibridge/internal/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyRepo fails live-store enumeration after a number of batches.
type flakyRepo struct {
	*sqlite.Repository
	failAfter int
}

func (r *flakyRepo) ScanEntities(ctx context.Context, projectID uint, batchSize int, fn func([]domain.Entity) error) error {
	batches := 0
	return r.Repository.ScanEntities(ctx, projectID, batchSize, func(batch []domain.Entity) error {
		if batches == r.failAfter {
			return errors.New("connection reset by peer")
		}
		batches++
		return fn(batch)
	})
}

func TestCaptureCopiesEntitiesAndEdges(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)

	putEntity(t, e, p.ID, domain.EntityCompany, "10", domain.Fields{"name": "Zibridge"})
	putEntity(t, e, p.ID, domain.EntityContact, "1", domain.Fields{"name": "Alice"})
	putEntity(t, e, p.ID, domain.EntityContact, "2", domain.Fields{"name": "Bob"})
	link(t, e, p.ID, id(domain.EntityContact, "1"), id(domain.EntityCompany, "10"))
	link(t, e, p.ID, id(domain.EntityContact, "2"), id(domain.EntityCompany, "10"))

	snap := capture(t, e, p.ID)
	assert.Equal(t, 3, snap.TotalObjects)
	assert.Equal(t, 2, snap.TotalEdges)
	assert.Equal(t, map[string]int{"company": 1, "contact": 2}, snap.DetectedEntities)
	assert.NotNil(t, snap.FinishedAt)

	contacts, err := e.Snapshots.Entities(ctx, snap.ID, domain.EntityContact)
	require.NoError(t, err)
	assert.Equal(t, []domain.Identity{id(domain.EntityContact, "1"), id(domain.EntityContact, "2")}, identities(contacts))

	// Later live writes must not leak into the frozen snapshot.
	putEntity(t, e, p.ID, domain.EntityContact, "1", domain.Fields{"name": "Changed"})
	frozen, err := e.Snapshots.Entities(ctx, snap.ID, domain.EntityContact)
	require.NoError(t, err)
	assert.Equal(t, "Alice", frozen[0].Fields["name"])

	edges, err := e.Graph.SnapshotEdgesOf(ctx, snap.ID, id(domain.EntityCompany, "10"))
	require.NoError(t, err)
	assert.Len(t, edges, 2)
	for _, edge := range edges {
		assert.Equal(t, id(domain.EntityCompany, "10"), edge.From())
	}
}

func TestCaptureFailingEnumerationKeepsCapturedCount(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{Repository: newTestRepo(t), failAfter: 2}
	e := newTestEngine(t, repo, Options{Snapshot: SnapshotConfig{BatchSize: 2}})
	p := newProject(t, e)
	for _, v := range []string{"1", "2", "3", "4", "5"} {
		putEntity(t, e, p.ID, domain.EntityContact, v, domain.Fields{"name": "c" + v})
	}

	snap, err := e.Snapshots.Capture(ctx, p.ID, "manual")
	require.Error(t, err)
	assert.Equal(t, domain.SnapshotFailed, snap.Status)
	assert.Equal(t, 4, snap.TotalObjects)
	assert.Contains(t, snap.Error, "connection reset")

	stored, err := e.Snapshots.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SnapshotFailed, stored.Status)
	assert.Equal(t, 4, stored.TotalObjects)
}

func TestCaptureExcludesConcurrentCaptureOfSameSource(t *testing.T) {
	ctx := context.Background()
	locker := lock.NewLocal()
	e := newTestEngine(t, newTestRepo(t), Options{Locker: locker})
	p := newProject(t, e)
	putEntity(t, e, p.ID, domain.EntityContact, "1", domain.Fields{"name": "Alice"})

	unlock, err := locker.Lock(ctx, SourceLockKey(p.ID, "HubSpot"))
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = e.Snapshots.Capture(short, p.ID, "hubspot")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Other sources are independent.
	capture(t, e, p.ID)

	unlock()
	snap, err := e.Snapshots.Capture(ctx, p.ID, "hubspot")
	require.NoError(t, err)
	assert.Equal(t, domain.SnapshotCompleted, snap.Status)

	_, total, err := e.Snapshots.List(ctx, domain.SnapshotQuery{ProjectID: &p.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total, "a capture that never got the lock records nothing")
}

func TestWaitObservesCompletion(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)
	putEntity(t, e, p.ID, domain.EntityDeal, "7", domain.Fields{"amount": 5})

	snap, err := e.Snapshots.CaptureAsync(ctx, p.ID, "manual")
	require.NoError(t, err)
	assert.Equal(t, domain.SnapshotRunning, snap.Status)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := e.Snapshots.Wait(waitCtx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SnapshotCompleted, done.Status)
	assert.Equal(t, 1, done.TotalObjects)
}

func TestWaitTimesOutWithLastKnownState(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)

	snap, err := e.Snapshots.Begin(ctx, p.ID, "hubspot", "api")
	require.NoError(t, err)

	_, err = e.Snapshots.Entities(ctx, snap.ID, "")
	assert.ErrorIs(t, err, domain.ErrNotReady)

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	last, err := e.Snapshots.Wait(waitCtx, snap.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, domain.SnapshotRunning, last.Status)

	require.NoError(t, e.RecoverStale(ctx))
	recovered, err := e.Snapshots.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SnapshotFailed, recovered.Status)
	assert.Contains(t, recovered.Error, "interrupted")
}

func TestListSnapshotsUnknownProject(t *testing.T) {
	e := newTestEngine(t, newTestRepo(t), Options{})
	missing := uint(42)
	_, _, err := e.Snapshots.List(context.Background(), domain.SnapshotQuery{ProjectID: &missing})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
