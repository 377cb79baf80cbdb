package application

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Bafix001/zibridge/internal/domain"
	"github.com/Bafix001/zibridge/internal/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

type RestoreConfig struct {
	WarnUpdatesThreshold int
	WarnCreatesThreshold int
}

// SinkFactory opens the remote writer for crmType using the project's
// credentials. A nil sink with a nil error means the restore stays local.
type SinkFactory func(crmType string, project domain.Project) (domain.Sink, error)

// RestoreEngine rewrites a project's live store toward a snapshot and then
// re-links the snapshot's associations ("Auto-Suture").
type RestoreEngine struct {
	repo      domain.Repository
	store     *EntityStore
	snapshots *SnapshotBuilder
	norm      *Normalizer
	sinks     SinkFactory
	log       *zap.SugaredLogger
	cfg       RestoreConfig

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func NewRestoreEngine(repo domain.Repository, store *EntityStore, snapshots *SnapshotBuilder, norm *Normalizer, sinks SinkFactory, log *zap.SugaredLogger, cfg RestoreConfig) *RestoreEngine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.WarnUpdatesThreshold <= 0 {
		cfg.WarnUpdatesThreshold = 50
	}
	if cfg.WarnCreatesThreshold <= 0 {
		cfg.WarnCreatesThreshold = 100
	}
	return &RestoreEngine{
		repo:      repo,
		store:     store,
		snapshots: snapshots,
		norm:      norm,
		sinks:     sinks,
		log:       log,
		cfg:       cfg,
		active:    make(map[string]context.CancelFunc),
	}
}

type restoreJob struct {
	run     domain.RestoreRun
	snap    domain.Snapshot
	project domain.Project
	sink    domain.Sink
	opts    domain.RestoreOptions
}

// Restore runs synchronously. A partially applied run returns its report
// together with a PartialFailure error.
func (e *RestoreEngine) Restore(ctx context.Context, snapshotID uint, opts domain.RestoreOptions) (domain.RestoreReport, error) {
	job, err := e.prepare(ctx, snapshotID, opts)
	if err != nil {
		return domain.RestoreReport{}, err
	}
	report := e.run(ctx, job)
	if report.Status == domain.RestoreFailed {
		return report, fmt.Errorf("restore run %s failed", job.run.ID)
	}
	return report, report.Err()
}

// Start runs the restore in the background and returns the running record.
// The run outlives ctx and stops only through Cancel or Close.
func (e *RestoreEngine) Start(ctx context.Context, snapshotID uint, opts domain.RestoreOptions) (domain.RestoreRun, error) {
	job, err := e.prepare(ctx, snapshotID, opts)
	if err != nil {
		return domain.RestoreRun{}, err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	e.mu.Lock()
	e.active[job.run.ID] = cancel
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.active, job.run.ID)
			e.mu.Unlock()
			cancel()
		}()
		e.run(runCtx, job)
	}()
	return job.run, nil
}

// Cancel stops an active run before its next entity. Changes already applied
// stay committed.
func (e *RestoreEngine) Cancel(ctx context.Context, runID string) (domain.RestoreRun, error) {
	e.mu.Lock()
	cancel, ok := e.active[runID]
	e.mu.Unlock()

	run, err := e.repo.GetRestoreRun(ctx, runID)
	if err != nil {
		return domain.RestoreRun{}, err
	}
	if !ok {
		return run, domain.Errorf(domain.KindValidation, "restore run %s is not active (status %s)", runID, run.Status)
	}
	cancel()
	return run, nil
}

func (e *RestoreEngine) GetRun(ctx context.Context, runID string) (domain.RestoreRun, error) {
	if strings.TrimSpace(runID) == "" {
		return domain.RestoreRun{}, domain.Errorf(domain.KindValidation, "run id is required")
	}
	return e.repo.GetRestoreRun(ctx, runID)
}

// RecoverStale fails runs left running by a previous process.
func (e *RestoreEngine) RecoverStale(ctx context.Context) (int64, error) {
	n, err := e.repo.FailRunningRestoreRuns(ctx, "interrupted: server restarted during restore")
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.Warnw("recovered stale restore runs", "count", n)
	}
	return n, nil
}

// Close cancels active runs and waits for them to record their state.
func (e *RestoreEngine) Close() {
	e.mu.Lock()
	for _, cancel := range e.active {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *RestoreEngine) prepare(ctx context.Context, snapshotID uint, opts domain.RestoreOptions) (restoreJob, error) {
	types := make([]domain.EntityType, 0, len(opts.Types))
	for _, t := range opts.Types {
		parsed, err := domain.ParseEntityType(string(t))
		if err != nil {
			return restoreJob{}, err
		}
		types = append(types, parsed)
	}
	opts.Types = types
	opts.CRMType = strings.ToLower(strings.TrimSpace(opts.CRMType))

	snap, err := e.snapshots.eligible(ctx, snapshotID)
	if err != nil {
		return restoreJob{}, err
	}
	project, err := e.repo.GetProject(ctx, snap.ProjectID)
	if err != nil {
		return restoreJob{}, err
	}

	var sink domain.Sink
	if opts.CRMType != "" && opts.CRMType != "local" && !opts.DryRun && e.sinks != nil {
		sink, err = e.sinks(opts.CRMType, project)
		if err != nil {
			return restoreJob{}, domain.Wrap(domain.KindValidation, err, "open "+opts.CRMType+" connector")
		}
	}

	run, err := e.repo.CreateRestoreRun(ctx, domain.RestoreRun{
		ID:         uuid.NewString(),
		ProjectID:  snap.ProjectID,
		SnapshotID: snap.ID,
		Status:     domain.RestoreRunning,
		Options:    opts,
	})
	if err != nil {
		return restoreJob{}, err
	}
	return restoreJob{run: run, snap: snap, project: project, sink: sink, opts: opts}, nil
}

func (e *RestoreEngine) run(ctx context.Context, job restoreJob) domain.RestoreReport {
	ctx, span := tracer.Start(ctx, "snapshot.restore")
	defer span.End()
	span.SetAttributes(
		attribute.Int("snapshot.id", int(job.snap.ID)),
		attribute.Bool("restore.dry_run", job.opts.DryRun),
		attribute.Bool("restore.selective", job.opts.Selective),
	)

	report, err := e.execute(ctx, job)
	now := time.Now().UTC()
	report.FinishedAt = &now

	run := job.run
	run.Status = report.Status
	run.Report = &report
	run.FinishedAt = &now
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		run.Error = err.Error()
		e.log.Errorw("restore failed", "run_id", run.ID, "snapshot_id", job.snap.ID, "err", err)
	}
	if uerr := e.repo.UpdateRestoreRun(context.WithoutCancel(ctx), run); uerr != nil {
		e.log.Errorw("restore run update failed", "run_id", run.ID, "err", uerr)
	}
	metrics.RestoreRunsTotal.WithLabelValues(string(report.Status)).Inc()
	e.log.Infow("restore finished",
		"run_id", run.ID,
		"snapshot_id", job.snap.ID,
		"status", report.Status,
		"dry_run", job.opts.DryRun,
		"applied", report.Summary.Applied(),
		"failed", report.Summary.Failed,
		"unresolved_edges", report.Summary.EdgesUnresolved,
	)
	return report
}

type restoreStep struct {
	action  domain.RestoreAction
	id      domain.Identity
	target  domain.Entity
	changes map[string]domain.FieldChange
}

type restorePlan struct {
	steps     []restoreStep
	identical []domain.Identity
	creates   int
	updates   int
	deletes   int
}

func (e *RestoreEngine) execute(ctx context.Context, job restoreJob) (domain.RestoreReport, error) {
	report := domain.RestoreReport{
		RunID:           job.run.ID,
		ProjectID:       job.snap.ProjectID,
		SnapshotID:      job.snap.ID,
		Mode:            "selective",
		DryRun:          job.opts.DryRun,
		CRMType:         job.opts.CRMType,
		Status:          domain.RestoreRunning,
		StartedAt:       time.Now().UTC(),
		Entities:        []domain.EntityRestoreResult{},
		UnresolvedEdges: []domain.UnresolvedEdge{},
		Warnings:        []string{},
	}
	if !job.opts.Selective {
		report.Mode = "full"
	}

	allowed := typeFilter(job.opts.Types)
	contents, err := e.snapshots.contents(ctx, job.snap)
	if err != nil {
		report.Status = domain.RestoreFailed
		return report, err
	}
	target := make([]domain.Entity, 0, len(contents.entities))
	for _, t := range contents.entities {
		if allowed(t.Type) {
			target = append(target, t)
		}
	}
	current := make([]domain.Entity, 0)
	err = e.store.Scan(ctx, job.snap.ProjectID, 500, func(batch []domain.Entity) error {
		for _, c := range batch {
			if allowed(c.Type) {
				current = append(current, c)
			}
		}
		return nil
	})
	if err != nil {
		report.Status = domain.RestoreFailed
		return report, err
	}

	norm := e.norm.WithIgnored(job.project.Config.IgnoreFields)
	plan := buildPlan(current, target, norm, job.opts.Selective)
	report.Warnings = e.warnings(plan, job.opts)

	cancelled := false
	for _, step := range plan.steps {
		res := domain.EntityRestoreResult{Type: step.id.Type, ID: step.id.ID, Action: step.action, Changes: step.changes}
		switch {
		case cancelled || ctx.Err() != nil:
			cancelled = true
			res.Outcome = domain.OutcomeNotAttempted
		case job.opts.DryRun:
			res.Outcome = domain.OutcomePlanned
		default:
			e.apply(ctx, job, norm, step, &res)
		}
		metrics.RestoreEntitiesTotal.WithLabelValues(string(res.Action), string(res.Outcome)).Inc()
		tally(&report.Summary, res)
		report.Entities = append(report.Entities, res)
	}
	for _, id := range plan.identical {
		res := domain.EntityRestoreResult{Type: id.Type, ID: id.ID, Action: domain.ActionNone, Outcome: domain.OutcomeSkippedIdentical}
		metrics.RestoreEntitiesTotal.WithLabelValues(string(res.Action), string(res.Outcome)).Inc()
		tally(&report.Summary, res)
		report.Entities = append(report.Entities, res)
	}

	cancelled = cancelled || ctx.Err() != nil
	if !cancelled {
		if err := e.suture(ctx, job, plan, current, target, contents.edges, allowed, &report); err != nil && ctx.Err() == nil {
			report.Status = domain.RestoreFailed
			return report, err
		}
		cancelled = ctx.Err() != nil
	}

	report.Summary.Total = len(report.Entities)
	switch {
	case cancelled:
		report.Status = domain.RestoreCancelled
	case report.Summary.Failed > 0 || report.Summary.EdgesUnresolved > 0:
		report.Status = domain.RestorePartial
	default:
		report.Status = domain.RestoreCompleted
	}
	return report, nil
}

// buildPlan classifies every entity. Selective plans come from the diff of
// current against target; full plans rewrite every target entity.
func buildPlan(current, target []domain.Entity, norm *Normalizer, selective bool) restorePlan {
	targetIdx := make(map[domain.Identity]domain.Entity, len(target))
	for _, t := range target {
		targetIdx[t.Identity()] = t
	}
	var plan restorePlan

	if selective {
		_, details := Compare(current, target, norm)
		changed := make(map[domain.Identity]struct{}, len(details.Created)+len(details.Updated))
		for _, c := range details.Created {
			changed[c.Identity()] = struct{}{}
			plan.steps = append(plan.steps, restoreStep{action: domain.ActionCreate, id: c.Identity(), target: c})
			plan.creates++
		}
		for _, u := range details.Updated {
			changed[u.Identity()] = struct{}{}
			plan.steps = append(plan.steps, restoreStep{action: domain.ActionUpdate, id: u.Identity(), target: targetIdx[u.Identity()], changes: u.Changes})
			plan.updates++
		}
		for _, d := range details.Deleted {
			plan.steps = append(plan.steps, restoreStep{action: domain.ActionDelete, id: d.Identity()})
			plan.deletes++
		}
		seen := make(map[domain.Identity]struct{}, len(target))
		for _, t := range target {
			id := t.Identity()
			if _, ok := changed[id]; ok {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			plan.identical = append(plan.identical, id)
		}
		return plan
	}

	currentIdx := make(map[domain.Identity]domain.Entity, len(current))
	for _, c := range current {
		currentIdx[c.Identity()] = c
	}
	var creates, overwrites []restoreStep
	seen := make(map[domain.Identity]struct{}, len(target))
	for _, t := range target {
		id := t.Identity()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		c, ok := currentIdx[id]
		if !ok {
			creates = append(creates, restoreStep{action: domain.ActionCreate, id: id, target: t})
			continue
		}
		changes, _ := norm.Changes(c.Fields, t.Fields)
		overwrites = append(overwrites, restoreStep{action: domain.ActionOverwrite, id: id, target: t, changes: changes})
	}
	plan.steps = append(plan.steps, creates...)
	plan.steps = append(plan.steps, overwrites...)
	plan.creates, plan.updates = len(creates), len(overwrites)
	for _, c := range current {
		if _, ok := targetIdx[c.Identity()]; !ok {
			plan.steps = append(plan.steps, restoreStep{action: domain.ActionDelete, id: c.Identity()})
			plan.deletes++
		}
	}
	return plan
}

func (e *RestoreEngine) warnings(plan restorePlan, opts domain.RestoreOptions) []string {
	out := []string{}
	if !opts.Selective {
		out = append(out, "full overwrite rewrites every entity of the snapshot, including unchanged ones")
	}
	if plan.deletes > 0 {
		out = append(out, fmt.Sprintf("%d entities will be deleted from the live store", plan.deletes))
	}
	if plan.updates > e.cfg.WarnUpdatesThreshold {
		out = append(out, fmt.Sprintf("%d updates exceed the review threshold of %d", plan.updates, e.cfg.WarnUpdatesThreshold))
	}
	if plan.creates > e.cfg.WarnCreatesThreshold {
		out = append(out, fmt.Sprintf("%d creations exceed the review threshold of %d", plan.creates, e.cfg.WarnCreatesThreshold))
	}
	return out
}

// apply performs one step inside the entity's write section, re-reading live
// state first so concurrent writers are never overwritten blindly.
func (e *RestoreEngine) apply(ctx context.Context, job restoreJob, norm *Normalizer, step restoreStep, res *domain.EntityRestoreResult) {
	projectID := job.snap.ProjectID
	err := e.store.withEntity(ctx, projectID, step.id, func() error {
		// A started step runs to completion; cancellation acts between steps.
		ctx := context.WithoutCancel(ctx)
		fresh, err := e.repo.GetEntity(ctx, projectID, step.id)
		exists := err == nil
		if err != nil && domain.KindOf(err) != domain.KindNotFound {
			return err
		}

		if step.action == domain.ActionDelete {
			if !exists {
				res.Outcome = domain.OutcomeSkippedIdentical
				return nil
			}
			if job.sink != nil {
				remote, err := e.remoteIdentity(ctx, projectID, step.id)
				if err != nil {
					return err
				}
				if err := job.sink.Delete(ctx, remote); err != nil {
					return fmt.Errorf("remote delete: %w", err)
				}
			}
			if _, err := e.repo.DeleteEntity(ctx, projectID, step.id); err != nil {
				return err
			}
			res.Outcome = domain.OutcomeApplied
			return nil
		}

		if exists && sameContent(fresh, step.target, norm, step.action) {
			res.Outcome = domain.OutcomeSkippedIdentical
			return nil
		}
		if job.sink != nil {
			if err := e.push(ctx, job, step, exists, res); err != nil {
				return err
			}
		}
		if _, _, err := e.repo.UpsertEntity(ctx, projectID, domain.Entity{
			Type:   step.target.Type,
			ID:     step.target.ID,
			Fields: step.target.Fields,
		}, "restore"); err != nil {
			return err
		}
		res.Outcome = domain.OutcomeApplied
		return nil
	})
	if err != nil && res.Outcome == "" && ctx.Err() != nil {
		// Cancelled while waiting for the write section.
		res.Outcome = domain.OutcomeNotAttempted
		return
	}
	if err != nil {
		res.Outcome = domain.OutcomeFailed
		res.Error = err.Error()
		e.log.Warnw("restore entity failed", "run_id", job.run.ID, "entity", step.id.Key(), "action", step.action, "err", err)
	}
}

// sameContent is normalized equality for selective steps and exact content
// equality for full overwrites.
func sameContent(live, target domain.Entity, norm *Normalizer, action domain.RestoreAction) bool {
	if action != domain.ActionOverwrite {
		return norm.Equal(live.Fields, target.Fields)
	}
	want := target.ContentHash
	if want == "" {
		h, err := domain.ContentHash(target.Fields)
		if err != nil {
			return false
		}
		want = h
	}
	return live.ContentHash == want
}

func (e *RestoreEngine) push(ctx context.Context, job restoreJob, step restoreStep, exists bool, res *domain.EntityRestoreResult) error {
	remote, err := e.remoteIdentity(ctx, job.snap.ProjectID, step.id)
	if err != nil {
		return err
	}
	value := domain.Entity{Type: step.target.Type, ID: remote.ID, Fields: step.target.Fields}

	var remoteID string
	if step.action == domain.ActionCreate && !exists {
		remoteID, err = job.sink.Create(ctx, value)
	} else {
		remoteID, err = job.sink.Update(ctx, value)
	}
	if err != nil {
		return fmt.Errorf("remote %s: %w", step.action, err)
	}
	if remoteID != "" && remoteID != remote.ID {
		res.RemoteID = remoteID
		return e.repo.SaveIDMapping(ctx, domain.IDMapping{
			ProjectID: job.snap.ProjectID,
			Type:      step.id.Type,
			OldID:     step.id.ID,
			NewID:     remoteID,
			RunID:     job.run.ID,
		})
	}
	return nil
}

func (e *RestoreEngine) remoteIdentity(ctx context.Context, projectID uint, id domain.Identity) (domain.Identity, error) {
	mapped, _, err := e.repo.ResolveID(ctx, projectID, id.Type, id.ID)
	if err != nil {
		return domain.Identity{}, err
	}
	return domain.Identity{Type: id.Type, ID: mapped}, nil
}

// suture recreates the snapshot's edges between live endpoints, records the
// rest as unresolved and removes live edges between target entities that the
// snapshot does not have.
func (e *RestoreEngine) suture(ctx context.Context, job restoreJob, plan restorePlan, current, target []domain.Entity, edges []domain.AssociationEdge, allowed func(domain.EntityType) bool, report *domain.RestoreReport) error {
	projectID := job.snap.ProjectID
	dry := job.opts.DryRun

	live, err := e.repo.ListAssociations(ctx, projectID)
	if err != nil {
		return err
	}
	liveSet := edgeSet(live)

	// Dry runs resolve endpoints against the state the plan would produce.
	projected := make(map[domain.Identity]bool, len(current)+len(target))
	for _, c := range current {
		projected[c.Identity()] = true
	}
	for _, step := range plan.steps {
		switch step.action {
		case domain.ActionCreate:
			projected[step.id] = true
		case domain.ActionDelete:
			projected[step.id] = false
		}
	}
	exists := func(id domain.Identity) (bool, error) {
		if dry {
			return projected[id], nil
		}
		if _, err := e.repo.GetEntity(ctx, projectID, id); err != nil {
			if domain.KindOf(err) == domain.KindNotFound {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}

	targetEdges := edgeSet(edges)
	for _, key := range sortedKeys(targetEdges) {
		if ctx.Err() != nil {
			return nil
		}
		edge := targetEdges[key]

		if !allowed(edge.FromType) || !allowed(edge.ToType) {
			e.unresolved(report, edge, "endpoint type excluded from this restore")
			continue
		}
		missing := ""
		for _, end := range []domain.Identity{edge.From(), edge.To()} {
			ok, err := exists(end)
			if err != nil {
				return err
			}
			if !ok {
				missing = end.Key()
				break
			}
		}
		if missing != "" {
			e.unresolved(report, edge, fmt.Sprintf("endpoint %s is missing from the live store", missing))
			continue
		}

		if dry {
			if _, ok := liveSet[key]; !ok {
				report.Summary.EdgesRestored++
			}
			continue
		}
		created, err := e.repo.UpsertAssociation(ctx, projectID, edge)
		if err != nil {
			e.unresolved(report, edge, err.Error())
			continue
		}
		if !created {
			metrics.RestoreEdgesTotal.WithLabelValues("present").Inc()
			continue
		}
		if job.sink != nil {
			if err := e.pushEdge(ctx, job, edge); err != nil {
				e.unresolved(report, edge, "remote association failed: "+err.Error())
				continue
			}
		}
		report.Summary.EdgesRestored++
		metrics.RestoreEdgesTotal.WithLabelValues("restored").Inc()
	}

	targetIDs := make(map[domain.Identity]struct{}, len(target))
	for _, t := range target {
		targetIDs[t.Identity()] = struct{}{}
	}
	for _, key := range sortedKeys(liveSet) {
		if _, ok := targetEdges[key]; ok {
			continue
		}
		edge := liveSet[key]
		_, fromOK := targetIDs[edge.From()]
		_, toOK := targetIDs[edge.To()]
		if !fromOK || !toOK {
			continue
		}
		if dry {
			report.Summary.EdgesRemoved++
			continue
		}
		removed, err := e.repo.DeleteAssociation(ctx, projectID, edge)
		if err != nil {
			return err
		}
		if removed {
			report.Summary.EdgesRemoved++
			metrics.RestoreEdgesTotal.WithLabelValues("removed").Inc()
		}
	}
	return nil
}

func (e *RestoreEngine) pushEdge(ctx context.Context, job restoreJob, edge domain.AssociationEdge) error {
	from, err := e.remoteIdentity(ctx, job.snap.ProjectID, edge.From())
	if err != nil {
		return err
	}
	to, err := e.remoteIdentity(ctx, job.snap.ProjectID, edge.To())
	if err != nil {
		return err
	}
	return job.sink.Associate(ctx, domain.NewEdge(from, to, edge.Kind))
}

func (e *RestoreEngine) unresolved(report *domain.RestoreReport, edge domain.AssociationEdge, reason string) {
	report.UnresolvedEdges = append(report.UnresolvedEdges, domain.UnresolvedEdge{Edge: edge, Reason: reason})
	report.Summary.EdgesUnresolved++
	metrics.RestoreEdgesTotal.WithLabelValues("unresolved").Inc()
}

func tally(s *domain.RestoreSummary, res domain.EntityRestoreResult) {
	switch res.Outcome {
	case domain.OutcomeApplied, domain.OutcomePlanned:
		switch res.Action {
		case domain.ActionCreate:
			s.Created++
		case domain.ActionUpdate, domain.ActionOverwrite:
			s.Updated++
		case domain.ActionDelete:
			s.Deleted++
		}
	case domain.OutcomeSkippedIdentical:
		s.SkippedIdentical++
	case domain.OutcomeFailed:
		s.Failed++
	case domain.OutcomeNotAttempted:
		s.NotAttempted++
	}
}

func typeFilter(types []domain.EntityType) func(domain.EntityType) bool {
	if len(types) == 0 {
		return func(domain.EntityType) bool { return true }
	}
	set := make(map[domain.EntityType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(t domain.EntityType) bool {
		_, ok := set[t]
		return ok
	}
}
