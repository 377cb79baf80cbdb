package application

import (
	"context"
	"errors"

	"github.com/Bafix001/zibridge/internal/domain"
	"github.com/Bafix001/zibridge/internal/lock"
	"go.uber.org/zap"
)

// DefaultSystemFields are bookkeeping keys hidden from change sets.
var DefaultSystemFields = []string{"id", "hs_object_id", "createdate", "lastmodifieddate", "hs_lastmodifieddate"}

type Options struct {
	Logger       *zap.SugaredLogger
	Locker       lock.Locker
	Sinks        SinkFactory
	APIKeys      []string
	IgnoreFields []string
	SystemFields []string
	Snapshot     SnapshotConfig
	Restore      RestoreConfig
}

// Engine wires the components over one repository.
type Engine struct {
	Service   *Service
	Store     *EntityStore
	Graph     *AssociationGraph
	Snapshots *SnapshotBuilder
	Diff      *DiffEngine
	Restore   *RestoreEngine
	Sync      *SyncService
}

func NewEngine(repo domain.Repository, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	locker := opts.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}
	system := opts.SystemFields
	if len(system) == 0 {
		system = DefaultSystemFields
	}
	norm := NewNormalizer(opts.IgnoreFields, system)

	store := NewEntityStore(repo, lock.NewLocal())
	graph := NewAssociationGraph(repo)
	snapshots := NewSnapshotBuilder(repo, locker, NewStatusBus(), log.Named("snapshots"), opts.Snapshot)
	return &Engine{
		Service:   NewService(repo, log, opts.APIKeys),
		Store:     store,
		Graph:     graph,
		Snapshots: snapshots,
		Diff:      NewDiffEngine(repo, snapshots, norm),
		Restore:   NewRestoreEngine(repo, store, snapshots, norm, opts.Sinks, log.Named("restore"), opts.Restore),
		Sync:      NewSyncService(repo, store, graph, snapshots, locker, log.Named("sync")),
	}
}

// RecoverStale fails snapshots and restore runs orphaned by a previous process.
func (e *Engine) RecoverStale(ctx context.Context) error {
	_, serr := e.Snapshots.RecoverStale(ctx)
	_, rerr := e.Restore.RecoverStale(ctx)
	return errors.Join(serr, rerr)
}

// Close stops restore runs and waits for background captures.
func (e *Engine) Close() {
	e.Restore.Close()
	e.Snapshots.Close()
}
