package application

import (
	"context"
	"fmt"

	"github.com/Bafix001/zibridge/internal/domain"
	"github.com/Bafix001/zibridge/internal/lock"
	"go.uber.org/zap"
)

// SyncService ingests a Source into the live store and captures the result.
type SyncService struct {
	repo      domain.Repository
	store     *EntityStore
	graph     *AssociationGraph
	snapshots *SnapshotBuilder
	locker    lock.Locker
	log       *zap.SugaredLogger
}

type SyncStats struct {
	Fetched        int
	Changed        int
	Pruned         int
	EdgesLinked    int
	EdgesDangling  int
	EntitiesFailed int
}

func NewSyncService(repo domain.Repository, store *EntityStore, graph *AssociationGraph, snapshots *SnapshotBuilder, locker lock.Locker, log *zap.SugaredLogger) *SyncService {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SyncService{repo: repo, store: store, graph: graph, snapshots: snapshots, locker: locker, log: log}
}

// Start returns the running snapshot at once; ingestion and capture continue
// in the background bounded by ctx. Source failures end up on the snapshot.
func (s *SyncService) Start(ctx context.Context, projectID uint, src domain.Source, sourceType string) (domain.Snapshot, error) {
	if src == nil {
		return domain.Snapshot{}, domain.Errorf(domain.KindValidation, "source is required")
	}
	snap, err := s.snapshots.Begin(ctx, projectID, src.Name(), sourceType)
	if err != nil {
		return domain.Snapshot{}, err
	}
	s.snapshots.Go(ctx, func(ctx context.Context) {
		if _, err := s.Run(ctx, snap, src); err != nil {
			s.log.Warnw("sync failed", "snapshot_id", snap.ID, "source", src.Name(), "err", err)
		}
	})
	return snap, nil
}

// Run ingests src into the project of the running snapshot snap, then
// captures into snap.
func (s *SyncService) Run(ctx context.Context, snap domain.Snapshot, src domain.Source) (domain.Snapshot, error) {
	unlock, err := s.locker.Lock(ctx, SourceLockKey(snap.ProjectID, src.Name()))
	if err != nil {
		return s.snapshots.Fail(ctx, snap, fmt.Errorf("acquire capture lock: %w", err))
	}
	defer unlock()

	stats, err := s.ingest(ctx, snap.ProjectID, src)
	if err != nil {
		failed, ferr := s.snapshots.Fail(ctx, snap, err)
		if ferr != nil {
			return failed, ferr
		}
		return failed, err
	}
	s.log.Infow("source ingested",
		"snapshot_id", snap.ID,
		"source", src.Name(),
		"fetched", stats.Fetched,
		"changed", stats.Changed,
		"pruned", stats.Pruned,
		"edges", stats.EdgesLinked,
		"dangling_edges", stats.EdgesDangling,
		"rejected", stats.EntitiesFailed,
	)
	return s.snapshots.Complete(ctx, snap)
}

// ingest mirrors src into the live store. Entities of the emitted types that
// the source no longer returns are pruned after a complete fetch.
func (s *SyncService) ingest(ctx context.Context, projectID uint, src domain.Source) (SyncStats, error) {
	var stats SyncStats
	seen := make(map[domain.Identity]struct{})
	types := make(map[domain.EntityType]struct{})
	pending := make([]domain.AssociationEdge, 0)

	fetchErr := src.Fetch(ctx, func(e domain.Entity) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Fetched++
		t, err := domain.ParseEntityType(string(e.Type))
		if err != nil {
			stats.EntitiesFailed++
			return nil
		}
		e.Type = t
		_, changed, err := s.store.put(ctx, projectID, e, "sync")
		if err != nil {
			if domain.KindOf(err) == domain.KindValidation {
				stats.EntitiesFailed++
				return nil
			}
			return err
		}
		if changed {
			stats.Changed++
		}
		seen[e.Identity()] = struct{}{}
		types[e.Type] = struct{}{}
		pending = append(pending, e.Edges()...)
		return nil
	})
	if fetchErr != nil {
		return stats, domain.Wrap(domain.KindSourceUnavailable, fetchErr, "fetch from "+src.Name())
	}

	for _, edge := range pending {
		if _, err := s.graph.Link(ctx, projectID, edge); err != nil {
			if domain.KindOf(err) == domain.KindValidation {
				stats.EdgesDangling++
				continue
			}
			return stats, err
		}
		stats.EdgesLinked++
	}

	stale := make([]domain.Identity, 0)
	err := s.store.Scan(ctx, projectID, 500, func(batch []domain.Entity) error {
		for _, e := range batch {
			if _, emitted := types[e.Type]; !emitted {
				continue
			}
			if _, ok := seen[e.Identity()]; !ok {
				stale = append(stale, e.Identity())
			}
		}
		return nil
	})
	if err != nil {
		return stats, err
	}
	for _, id := range stale {
		if _, err := s.store.Delete(ctx, projectID, id); err != nil {
			return stats, err
		}
		stats.Pruned++
	}
	return stats, nil
}
