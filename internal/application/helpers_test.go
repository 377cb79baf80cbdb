package application

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Bafix001/zibridge/internal/adapters/db/sqlite"
	"github.com/Bafix001/zibridge/internal/domain"
	"github.com/stretchr/testify/require"
)

func newTestRepo(t *testing.T) *sqlite.Repository {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "engine_test.db"))
	require.NoError(t, err)
	require.NoError(t, sqlite.RunMigrations(context.Background(), db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return sqlite.NewRepository(db)
}

func newTestEngine(t *testing.T, repo domain.Repository, opts Options) *Engine {
	t.Helper()
	if opts.Snapshot.BatchSize == 0 {
		opts.Snapshot.BatchSize = 2
	}
	e := NewEngine(repo, opts)
	t.Cleanup(e.Close)
	return e
}

func newProject(t *testing.T, e *Engine) domain.Project {
	t.Helper()
	p, err := e.Service.CreateProject(context.Background(), "Acme CRM", "", "hubspot", domain.ProjectConfig{})
	require.NoError(t, err)
	return p
}

func putEntity(t *testing.T, e *Engine, projectID uint, typ domain.EntityType, id string, fields domain.Fields) domain.Entity {
	t.Helper()
	out, _, err := e.Store.Put(context.Background(), projectID, domain.Entity{Type: typ, ID: id, Fields: fields})
	require.NoError(t, err)
	return out
}

func link(t *testing.T, e *Engine, projectID uint, from, to domain.Identity) {
	t.Helper()
	_, err := e.Graph.Link(context.Background(), projectID, domain.NewEdge(from, to, ""))
	require.NoError(t, err)
}

func capture(t *testing.T, e *Engine, projectID uint) domain.Snapshot {
	t.Helper()
	snap, err := e.Snapshots.Capture(context.Background(), projectID, "manual")
	require.NoError(t, err)
	require.Equal(t, domain.SnapshotCompleted, snap.Status)
	return snap
}

func id(typ domain.EntityType, v string) domain.Identity {
	return domain.Identity{Type: typ, ID: v}
}

func identities[T interface{ Identity() domain.Identity }](items []T) []domain.Identity {
	out := make([]domain.Identity, 0, len(items))
	for _, item := range items {
		out = append(out, item.Identity())
	}
	return out
}
