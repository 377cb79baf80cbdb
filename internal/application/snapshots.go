package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Bafix001/zibridge/internal/domain"
	"github.com/Bafix001/zibridge/internal/lock"
	"github.com/Bafix001/zibridge/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var tracer trace.Tracer = otel.Tracer("zibridge/application")

type SnapshotConfig struct {
	BatchSize int
	CacheSize int
	CacheTTL  time.Duration
}

// SnapshotBuilder freezes the live store of a project into immutable
// snapshots. Captures of one (project, source) pair never overlap.
type SnapshotBuilder struct {
	repo   domain.Repository
	locker lock.Locker
	bus    *StatusBus
	cache  *snapshotCache
	log    *zap.SugaredLogger
	batch  int

	// ctx lives until Close; background work is cancelled with it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSnapshotBuilder(repo domain.Repository, locker lock.Locker, bus *StatusBus, log *zap.SugaredLogger, cfg SnapshotConfig) *SnapshotBuilder {
	if locker == nil {
		locker = lock.NewLocal()
	}
	if bus == nil {
		bus = NewStatusBus()
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &SnapshotBuilder{
		repo:   repo,
		locker: locker,
		bus:    bus,
		cache:  newSnapshotCache(cfg.CacheSize, cfg.CacheTTL),
		log:    log,
		batch:  cfg.BatchSize,
		ctx:    ctx,
		cancel: cancel,
	}
}

func SourceLockKey(projectID uint, source string) string {
	return fmt.Sprintf("project:%d:source:%s", projectID, strings.ToLower(strings.TrimSpace(source)))
}

// Begin records a running snapshot so callers get an id before any data is
// copied.
func (b *SnapshotBuilder) Begin(ctx context.Context, projectID uint, source, sourceType string) (domain.Snapshot, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return domain.Snapshot{}, domain.Errorf(domain.KindValidation, "source label is required")
	}
	if _, err := b.repo.GetProject(ctx, projectID); err != nil {
		return domain.Snapshot{}, err
	}
	snap, err := b.repo.CreateSnapshot(ctx, domain.Snapshot{
		ProjectID:  projectID,
		SourceName: source,
		SourceType: defaultString(sourceType, source),
		Status:     domain.SnapshotRunning,
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	b.bus.Publish(snap)
	return snap, nil
}

// Capture runs a whole capture synchronously under the source lock.
func (b *SnapshotBuilder) Capture(ctx context.Context, projectID uint, source string) (domain.Snapshot, error) {
	unlock, err := b.locker.Lock(ctx, SourceLockKey(projectID, source))
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("acquire capture lock: %w", err)
	}
	defer unlock()

	snap, err := b.Begin(ctx, projectID, source, "live")
	if err != nil {
		return domain.Snapshot{}, err
	}
	return b.Complete(ctx, snap)
}

// CaptureAsync returns the running snapshot at once and copies in the
// background. ctx bounds the background work, not the call.
func (b *SnapshotBuilder) CaptureAsync(ctx context.Context, projectID uint, source string) (domain.Snapshot, error) {
	snap, err := b.Begin(ctx, projectID, source, "live")
	if err != nil {
		return domain.Snapshot{}, err
	}
	b.Go(ctx, func(ctx context.Context) {
		unlock, err := b.locker.Lock(ctx, SourceLockKey(projectID, source))
		if err != nil {
			_, _ = b.Fail(ctx, snap, domain.Wrap(domain.KindSourceUnavailable, err, "acquire capture lock"))
			return
		}
		defer unlock()
		if _, err := b.Complete(ctx, snap); err != nil {
			b.log.Warnw("capture failed", "snapshot_id", snap.ID, "err", err)
		}
	})
	return snap, nil
}

// Go runs fn in the background with a context that ends when either ctx
// ends or the builder is closed. Close waits for fn to return.
func (b *SnapshotBuilder) Go(ctx context.Context, fn func(ctx context.Context)) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(b.ctx, cancel)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer stop()
		defer cancel()
		fn(ctx)
	}()
}

// Close cancels background captures and syncs and waits for them to record
// their final status.
func (b *SnapshotBuilder) Close() {
	b.cancel()
	b.wg.Wait()
}

// Complete copies the project's live store into the running snapshot and
// finishes it. Enumeration errors, cancellation and panics all end in a
// failed snapshot that keeps what was captured.
func (b *SnapshotBuilder) Complete(ctx context.Context, snap domain.Snapshot) (result domain.Snapshot, err error) {
	ctx, span := tracer.Start(ctx, "snapshot.capture")
	defer span.End()
	span.SetAttributes(attribute.Int("snapshot.id", int(snap.ID)), attribute.Int("project.id", int(snap.ProjectID)))

	captured := make(map[domain.Identity]struct{})
	detected := make(map[string]int)
	edges := 0
	finished := false

	finish := func(status domain.SnapshotStatus, cause error) (domain.Snapshot, error) {
		finished = true
		msg := ""
		if cause != nil {
			msg = cause.Error()
		}
		// Finishing must survive a cancelled capture context.
		out, ferr := b.repo.FinishSnapshot(context.WithoutCancel(ctx), domain.Snapshot{
			ID:               snap.ID,
			Status:           status,
			TotalObjects:     len(captured),
			TotalEdges:       edges,
			DetectedEntities: detected,
			Error:            msg,
		})
		if ferr != nil {
			return out, ferr
		}
		metrics.SnapshotsTotal.WithLabelValues(string(out.EffectiveStatus())).Inc()
		metrics.SnapshotEntitiesTotal.Add(float64(len(captured)))
		b.bus.Publish(out)
		return out, cause
	}

	defer func() {
		if r := recover(); r != nil {
			perr := fmt.Errorf("capture panicked: %v", r)
			span.RecordError(perr)
			span.SetStatus(codes.Error, perr.Error())
			result, err = finish(domain.SnapshotFailed, perr)
			return
		}
		if !finished {
			result, err = finish(domain.SnapshotFailed, errors.New("capture aborted"))
		}
	}()

	position := 0
	scanErr := b.repo.ScanEntities(ctx, snap.ProjectID, b.batch, func(batch []domain.Entity) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.repo.AppendSnapshotEntities(ctx, snap.ID, snap.ProjectID, position, batch); err != nil {
			return err
		}
		position += len(batch)
		for _, e := range batch {
			captured[e.Identity()] = struct{}{}
			detected[string(e.Type)]++
		}
		return nil
	})
	if scanErr != nil {
		span.RecordError(scanErr)
		span.SetStatus(codes.Error, "enumeration failed")
		b.log.Warnw("capture enumeration failed", "snapshot_id", snap.ID, "captured", len(captured), "err", scanErr)
		return finish(domain.SnapshotFailed, scanErr)
	}

	live, err := b.repo.ListAssociations(ctx, snap.ProjectID)
	if err != nil {
		span.RecordError(err)
		return finish(domain.SnapshotFailed, err)
	}
	frozen := make([]domain.AssociationEdge, 0, len(live))
	for _, e := range live {
		_, fromOK := captured[e.From()]
		_, toOK := captured[e.To()]
		if fromOK && toOK {
			frozen = append(frozen, e)
		}
	}
	if err := b.repo.AppendSnapshotEdges(ctx, snap.ID, snap.ProjectID, frozen); err != nil {
		span.RecordError(err)
		return finish(domain.SnapshotFailed, err)
	}
	edges = len(frozen)

	span.SetAttributes(attribute.Int("snapshot.entities", len(captured)), attribute.Int("snapshot.edges", edges))
	b.log.Infow("snapshot captured", "snapshot_id", snap.ID, "project_id", snap.ProjectID, "entities", len(captured), "edges", edges)
	return finish(domain.SnapshotCompleted, nil)
}

// Fail closes a running snapshot whose ingestion failed before capture.
func (b *SnapshotBuilder) Fail(ctx context.Context, snap domain.Snapshot, cause error) (domain.Snapshot, error) {
	msg := "failed"
	if cause != nil {
		msg = cause.Error()
	}
	out, err := b.repo.FinishSnapshot(context.WithoutCancel(ctx), domain.Snapshot{
		ID:               snap.ID,
		Status:           domain.SnapshotFailed,
		DetectedEntities: map[string]int{},
		Error:            msg,
	})
	if err != nil {
		return out, err
	}
	metrics.SnapshotsTotal.WithLabelValues(string(domain.SnapshotFailed)).Inc()
	b.bus.Publish(out)
	return out, nil
}

// Wait blocks until the snapshot leaves running or ctx ends. On timeout the
// last known state is returned with ctx's error.
func (b *SnapshotBuilder) Wait(ctx context.Context, id uint) (domain.Snapshot, error) {
	updates, cancel := b.bus.Subscribe(id)
	defer cancel()

	snap, err := b.repo.GetSnapshot(ctx, id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	for !snap.Finished() {
		select {
		case s := <-updates:
			snap = s
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
	return snap, nil
}

func (b *SnapshotBuilder) Get(ctx context.Context, id uint) (domain.Snapshot, error) {
	if id == 0 {
		return domain.Snapshot{}, domain.Errorf(domain.KindValidation, "snapshot id is required")
	}
	return b.repo.GetSnapshot(ctx, id)
}

func (b *SnapshotBuilder) List(ctx context.Context, query domain.SnapshotQuery) ([]domain.Snapshot, int64, error) {
	if query.Offset < 0 {
		query.Offset = 0
	}
	if query.Limit <= 0 {
		query.Limit = 50
	}
	if query.Limit > 1000 {
		query.Limit = 1000
	}
	if query.ProjectID != nil {
		if _, err := b.repo.GetProject(ctx, *query.ProjectID); err != nil {
			return nil, 0, err
		}
	}
	return b.repo.ListSnapshots(ctx, query)
}

// Entities returns the frozen entities of a finished snapshot, optionally of
// one type.
func (b *SnapshotBuilder) Entities(ctx context.Context, id uint, entityType domain.EntityType) ([]domain.Entity, error) {
	snap, err := b.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !snap.Finished() {
		return nil, domain.Errorf(domain.KindNotReady, "snapshot %d is still running", id)
	}
	contents, err := b.contents(ctx, snap)
	if err != nil {
		return nil, err
	}
	if entityType == "" {
		return contents.entities, nil
	}
	out := make([]domain.Entity, 0)
	for _, e := range contents.entities {
		if e.Type == entityType {
			out = append(out, e)
		}
	}
	return out, nil
}

// RecoverStale fails snapshots left running by a previous process.
func (b *SnapshotBuilder) RecoverStale(ctx context.Context) (int64, error) {
	n, err := b.repo.FailRunningSnapshots(ctx, "interrupted: server restarted during capture")
	if err != nil {
		return 0, err
	}
	if n > 0 {
		b.log.Warnw("recovered stale snapshots", "count", n)
	}
	return n, nil
}

// eligible loads a snapshot that diff and restore may read.
func (b *SnapshotBuilder) eligible(ctx context.Context, id uint) (domain.Snapshot, error) {
	snap, err := b.Get(ctx, id)
	if err != nil {
		return domain.Snapshot{}, err
	}
	switch snap.EffectiveStatus() {
	case domain.SnapshotRunning:
		return domain.Snapshot{}, domain.Errorf(domain.KindNotReady, "snapshot %d is still running", id)
	case domain.SnapshotFailed:
		return domain.Snapshot{}, domain.Errorf(domain.KindValidation, "snapshot %d is failed and cannot be used", id)
	}
	return snap, nil
}

func (b *SnapshotBuilder) contents(ctx context.Context, snap domain.Snapshot) (*snapshotContents, error) {
	if c, ok := b.cache.get(snap.ID); ok {
		return c, nil
	}
	entities, err := b.repo.LoadSnapshotEntities(ctx, snap.ID)
	if err != nil {
		return nil, err
	}
	edges, err := b.repo.LoadSnapshotEdges(ctx, snap.ID)
	if err != nil {
		return nil, err
	}
	c := &snapshotContents{entities: entities, edges: edges}
	if snap.Finished() {
		b.cache.add(snap.ID, c)
	}
	return c, nil
}
