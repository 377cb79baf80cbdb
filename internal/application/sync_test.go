package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Bafix001/zibridge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	name     string
	entities []domain.Entity
	err      error
}

func (s staticSource) Name() string { return s.name }

func (s staticSource) Fetch(ctx context.Context, emit func(domain.Entity) error) error {
	for _, e := range s.entities {
		if err := emit(e); err != nil {
			return err
		}
	}
	return s.err
}

// blockingSource emits nothing and waits for its context to end.
type blockingSource struct {
	started chan struct{}
}

func (s blockingSource) Name() string { return "hubspot" }

func (s blockingSource) Fetch(ctx context.Context, emit func(domain.Entity) error) error {
	close(s.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestCloseCancelsRunningSync(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)

	src := blockingSource{started: make(chan struct{})}
	snap, err := e.Sync.Start(context.WithoutCancel(ctx), p.ID, src, "api")
	require.NoError(t, err)

	select {
	case <-src.started:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch never started")
	}

	closed := make(chan struct{})
	go func() {
		e.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked on a running sync")
	}

	got, err := e.Snapshots.Get(ctx, snap.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SnapshotFailed, got.Status)
}

func TestSyncIngestsLinksAndPrunes(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)
	putEntity(t, e, p.ID, domain.EntityContact, "99", domain.Fields{"name": "Gone"})
	putEntity(t, e, p.ID, domain.EntityTicket, "4", domain.Fields{"subject": "Untouched"})

	src := staticSource{name: "csv", entities: []domain.Entity{
		{Type: "contacts", ID: "1", Fields: domain.Fields{"name": "Alice"}, Associations: []domain.AssociationRef{{ToType: domain.EntityCompany, ToID: "10"}}},
		{Type: domain.EntityCompany, ID: "10", Fields: domain.Fields{"name": "Zibridge"}},
		{Type: domain.EntityContact, ID: "2", Fields: domain.Fields{"name": "Bob"}, Associations: []domain.AssociationRef{{ToType: domain.EntityDeal, ToID: "77"}}},
		{Type: "invoice", ID: "8", Fields: domain.Fields{"total": 3}},
	}}

	snap, err := e.Sync.Start(ctx, p.ID, src, "csv")
	require.NoError(t, err)
	assert.Equal(t, "csv", snap.SourceName)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := e.Snapshots.Wait(waitCtx, snap.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SnapshotCompleted, done.Status, done.Error)
	assert.Equal(t, 4, done.TotalObjects)
	assert.Equal(t, 1, done.TotalEdges)
	assert.Equal(t, map[string]int{"company": 1, "contact": 2, "ticket": 1}, done.DetectedEntities)

	_, err = e.Store.Get(ctx, p.ID, id(domain.EntityContact, "99"))
	assert.ErrorIs(t, err, domain.ErrNotFound, "contacts the source no longer returns are pruned")
	_, err = e.Store.Get(ctx, p.ID, id(domain.EntityTicket, "4"))
	assert.NoError(t, err, "types the source did not emit are kept")

	edges, err := e.Graph.EdgesOf(ctx, p.ID, id(domain.EntityCompany, "10"))
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, id(domain.EntityContact, "1"), edges[0].To())

	history, err := e.Store.History(ctx, p.ID, id(domain.EntityContact, "1"), 0)
	require.NoError(t, err)
	assert.Equal(t, "sync", history[0].Op)
}

func TestSyncSourceFailureFailsSnapshot(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)
	putEntity(t, e, p.ID, domain.EntityContact, "5", domain.Fields{"name": "Kept"})

	src := staticSource{
		name:     "hubspot",
		entities: []domain.Entity{{Type: domain.EntityContact, ID: "1", Fields: domain.Fields{"name": "Alice"}}},
		err:      errors.New("401 token expired"),
	}
	snap, err := e.Snapshots.Begin(ctx, p.ID, src.Name(), "api")
	require.NoError(t, err)

	failed, err := e.Sync.Run(ctx, snap, src)
	require.ErrorIs(t, err, domain.ErrSourceUnavailable)
	assert.Equal(t, domain.SnapshotFailed, failed.Status)
	assert.Contains(t, failed.Error, "token expired")

	_, err = e.Store.Get(ctx, p.ID, id(domain.EntityContact, "5"))
	assert.NoError(t, err, "an incomplete fetch never prunes")
}

func TestSyncRejectsMissingSource(t *testing.T) {
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)
	_, err := e.Sync.Start(context.Background(), p.ID, nil, "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}
