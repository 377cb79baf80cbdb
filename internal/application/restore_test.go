package application

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Bafix001/zibridge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu       sync.Mutex
	created  []domain.Entity
	updated  []domain.Entity
	deleted  []domain.Identity
	edges    []domain.AssociationEdge
	remoteID map[domain.Identity]string
	onCreate func()
}

func (s *fakeSink) Create(_ context.Context, value domain.Entity) (string, error) {
	s.mu.Lock()
	s.created = append(s.created, value)
	hook := s.onCreate
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	if id, ok := s.remoteID[value.Identity()]; ok {
		return id, nil
	}
	return value.ID, nil
}

func (s *fakeSink) Update(_ context.Context, value domain.Entity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updated = append(s.updated, value)
	return value.ID, nil
}

func (s *fakeSink) Delete(_ context.Context, id domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeSink) Associate(_ context.Context, edge domain.AssociationEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges = append(s.edges, edge)
	return nil
}

func sinkFor(sink domain.Sink) SinkFactory {
	return func(crmType string, _ domain.Project) (domain.Sink, error) {
		if crmType != "fake" {
			return nil, errors.New("unsupported crm " + crmType)
		}
		return sink, nil
	}
}

// liveState maps every live entity to its revision and lists the live edges.
func liveState(t *testing.T, e *Engine, projectID uint) (map[string]int, []string) {
	t.Helper()
	revs := map[string]int{}
	require.NoError(t, e.Store.Scan(context.Background(), projectID, 100, func(batch []domain.Entity) error {
		for _, ent := range batch {
			revs[ent.Identity().Key()] = ent.Revision
		}
		return nil
	}))
	all, err := e.Graph.repo.ListAssociations(context.Background(), projectID)
	require.NoError(t, err)
	keys := make([]string, 0, len(all))
	for _, edge := range all {
		keys = append(keys, edge.Key())
	}
	sort.Strings(keys)
	return revs, keys
}

// seedCRM builds contact:1 at company:10 with deal:5 and captures it.
func seedCRM(t *testing.T, e *Engine, projectID uint) domain.Snapshot {
	t.Helper()
	putEntity(t, e, projectID, domain.EntityCompany, "10", domain.Fields{"name": "Zibridge"})
	putEntity(t, e, projectID, domain.EntityContact, "1", domain.Fields{"name": "Alice", "email": "alice@example.com"})
	putEntity(t, e, projectID, domain.EntityDeal, "5", domain.Fields{"amount": "1200.50", "stage": "open"})
	link(t, e, projectID, id(domain.EntityContact, "1"), id(domain.EntityCompany, "10"))
	link(t, e, projectID, id(domain.EntityDeal, "5"), id(domain.EntityCompany, "10"))
	return capture(t, e, projectID)
}

func TestRestoreRecreatesDeletedCompanyAndSuturesEdges(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)
	base := seedCRM(t, e, p.ID)

	_, err := e.Store.Delete(ctx, p.ID, id(domain.EntityCompany, "10"))
	require.NoError(t, err)
	target := capture(t, e, p.ID)

	res, err := e.Diff.Diff(ctx, base.ID, target.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.Identity{id(domain.EntityCompany, "10")}, identities(res.Details.Deleted))

	report, err := e.Restore.Restore(ctx, base.ID, domain.RestoreOptions{Selective: true})
	require.NoError(t, err)
	assert.Equal(t, domain.RestoreCompleted, report.Status)
	assert.Equal(t, 1, report.Summary.Created)
	assert.Equal(t, 2, report.Summary.SkippedIdentical)
	assert.Equal(t, 2, report.Summary.EdgesRestored)
	assert.Empty(t, report.UnresolvedEdges)

	company, err := e.Store.Get(ctx, p.ID, id(domain.EntityCompany, "10"))
	require.NoError(t, err)
	assert.Equal(t, "Zibridge", company.Fields["name"])

	edges, err := e.Graph.EdgesOf(ctx, p.ID, id(domain.EntityCompany, "10"))
	require.NoError(t, err)
	assert.Len(t, edges, 2)

	history, err := e.Store.History(ctx, p.ID, id(domain.EntityCompany, "10"), 0)
	require.NoError(t, err)
	assert.Equal(t, "restore", history[0].Op)

	run, err := e.Restore.GetRun(ctx, report.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RestoreCompleted, run.Status)
	require.NotNil(t, run.Report)
	assert.Equal(t, 1, run.Report.Summary.Created)
}

func TestRestoreTwiceIsNoop(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)
	base := seedCRM(t, e, p.ID)

	putEntity(t, e, p.ID, domain.EntityContact, "1", domain.Fields{"name": "Alicia", "email": "alice@example.com"})
	putEntity(t, e, p.ID, domain.EntityTicket, "3", domain.Fields{"subject": "Import broke"})
	_, err := e.Store.Delete(ctx, p.ID, id(domain.EntityDeal, "5"))
	require.NoError(t, err)

	for _, selective := range []bool{true, false} {
		first, err := e.Restore.Restore(ctx, base.ID, domain.RestoreOptions{Selective: selective})
		require.NoError(t, err)
		afterFirst, edgesFirst := liveState(t, e, p.ID)

		second, err := e.Restore.Restore(ctx, base.ID, domain.RestoreOptions{Selective: selective})
		require.NoError(t, err)
		afterSecond, edgesSecond := liveState(t, e, p.ID)

		assert.Equal(t, afterFirst, afterSecond, "selective=%v", selective)
		assert.Equal(t, edgesFirst, edgesSecond, "selective=%v", selective)
		assert.Zero(t, second.Summary.Applied(), "selective=%v", selective)
		if selective {
			assert.Equal(t, 3, first.Summary.Applied()-first.Summary.EdgesRestored)
		}
	}
}

func TestSelectiveRestoreLeavesEquivalentEntitiesAlone(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)
	base := seedCRM(t, e, p.ID)

	// Same value after normalization, different bytes.
	deal := putEntity(t, e, p.ID, domain.EntityDeal, "5", domain.Fields{"amount": 1200.5, "stage": " open "})
	contact := putEntity(t, e, p.ID, domain.EntityContact, "1", domain.Fields{"name": "Alice Smith", "email": "alice@example.com"})

	report, err := e.Restore.Restore(ctx, base.ID, domain.RestoreOptions{Selective: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.Updated)

	liveDeal, err := e.Store.Get(ctx, p.ID, id(domain.EntityDeal, "5"))
	require.NoError(t, err)
	assert.Equal(t, deal.Revision, liveDeal.Revision)
	assert.Equal(t, deal.ContentHash, liveDeal.ContentHash)

	liveContact, err := e.Store.Get(ctx, p.ID, id(domain.EntityContact, "1"))
	require.NoError(t, err)
	assert.Equal(t, contact.Revision+1, liveContact.Revision)
	assert.Equal(t, "Alice", liveContact.Fields["name"])

	var update domain.EntityRestoreResult
	for _, r := range report.Entities {
		if r.ID == "1" {
			update = r
		}
	}
	assert.Equal(t, domain.ActionUpdate, update.Action)
	assert.Equal(t, map[string]domain.FieldChange{"name": {Old: "Alice Smith", New: "Alice"}}, update.Changes)
}

func TestFullRestoreOverwritesByContentHash(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)
	base := seedCRM(t, e, p.ID)
	putEntity(t, e, p.ID, domain.EntityDeal, "5", domain.Fields{"amount": 1200.5, "stage": "open"})

	report, err := e.Restore.Restore(ctx, base.ID, domain.RestoreOptions{})
	require.NoError(t, err)
	assert.Equal(t, "full", report.Mode)
	assert.Equal(t, 1, report.Summary.Updated, "normalized-equal but byte-different deal is rewritten")
	assert.Equal(t, 2, report.Summary.SkippedIdentical)
	assert.Contains(t, report.Warnings[0], "full overwrite")

	liveDeal, err := e.Store.Get(ctx, p.ID, id(domain.EntityDeal, "5"))
	require.NoError(t, err)
	assert.Equal(t, "1200.50", liveDeal.Fields["amount"])
}

func TestRestoreRemovesEdgesAbsentFromSnapshot(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)
	base := seedCRM(t, e, p.ID)
	link(t, e, p.ID, id(domain.EntityContact, "1"), id(domain.EntityDeal, "5"))

	report, err := e.Restore.Restore(ctx, base.ID, domain.RestoreOptions{Selective: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.EdgesRemoved)

	edges, err := e.Graph.EdgesOf(ctx, p.ID, id(domain.EntityDeal, "5"))
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, id(domain.EntityCompany, "10"), edges[0].To())
}

func TestRestoreTypeFilterRecordsUnresolvedEdges(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)
	base := seedCRM(t, e, p.ID)

	_, err := e.Store.Delete(ctx, p.ID, id(domain.EntityContact, "1"))
	require.NoError(t, err)
	putEntity(t, e, p.ID, domain.EntityDeal, "5", domain.Fields{"amount": 1, "stage": "lost"})

	report, err := e.Restore.Restore(ctx, base.ID, domain.RestoreOptions{Selective: true, Types: []domain.EntityType{"Contacts"}})
	require.ErrorIs(t, err, domain.ErrPartialFailure)
	assert.Equal(t, domain.RestorePartial, report.Status)
	assert.Equal(t, 1, report.Summary.Created)
	assert.Zero(t, report.Summary.Updated, "deals are outside the filter")
	require.Len(t, report.UnresolvedEdges, 2)
	assert.Contains(t, report.UnresolvedEdges[0].Reason, "excluded")

	_, err = e.Store.Get(ctx, p.ID, id(domain.EntityContact, "1"))
	require.NoError(t, err)
	liveDeal, err := e.Store.Get(ctx, p.ID, id(domain.EntityDeal, "5"))
	require.NoError(t, err)
	assert.Equal(t, "lost", liveDeal.Fields["stage"])
}

func TestRestoreMissingEndpointIsUnresolved(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)
	base := seedCRM(t, e, p.ID)

	failing := &fakeSink{}
	e2 := newTestEngine(t, e.Graph.repo, Options{Sinks: func(string, domain.Project) (domain.Sink, error) {
		return &rejectingSink{fakeSink: failing, reject: id(domain.EntityCompany, "10")}, nil
	}})
	_, err := e2.Store.Delete(ctx, p.ID, id(domain.EntityCompany, "10"))
	require.NoError(t, err)

	report, err := e2.Restore.Restore(ctx, base.ID, domain.RestoreOptions{Selective: true, CRMType: "hubspot"})
	require.ErrorIs(t, err, domain.ErrPartialFailure)
	assert.Equal(t, 1, report.Summary.Failed)
	assert.Equal(t, 2, report.Summary.EdgesUnresolved)
	for _, u := range report.UnresolvedEdges {
		assert.Contains(t, u.Reason, "company/10")
	}
}

type rejectingSink struct {
	*fakeSink
	reject domain.Identity
}

func (s *rejectingSink) Create(ctx context.Context, value domain.Entity) (string, error) {
	if value.Identity() == s.reject {
		return "", errors.New("422 property validation failed")
	}
	return s.fakeSink.Create(ctx, value)
}

func TestDryRunPlansLikeRealRunWithoutWriting(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)
	base := seedCRM(t, e, p.ID)

	putEntity(t, e, p.ID, domain.EntityContact, "1", domain.Fields{"name": "Alicia", "email": "alice@example.com"})
	_, err := e.Store.Delete(ctx, p.ID, id(domain.EntityCompany, "10"))
	require.NoError(t, err)
	putEntity(t, e, p.ID, domain.EntityTicket, "3", domain.Fields{"subject": "Import broke"})
	link(t, e, p.ID, id(domain.EntityContact, "1"), id(domain.EntityDeal, "5"))

	before, beforeEdges := liveState(t, e, p.ID)
	dry, err := e.Restore.Restore(ctx, base.ID, domain.RestoreOptions{Selective: true, DryRun: true})
	require.NoError(t, err)
	after, afterEdges := liveState(t, e, p.ID)
	assert.Equal(t, before, after)
	assert.Equal(t, beforeEdges, afterEdges)

	real, err := e.Restore.Restore(ctx, base.ID, domain.RestoreOptions{Selective: true})
	require.NoError(t, err)

	type plan struct {
		key    string
		action domain.RestoreAction
	}
	classify := func(r domain.RestoreReport) []plan {
		out := make([]plan, 0, len(r.Entities))
		for _, ent := range r.Entities {
			out = append(out, plan{key: ent.Type.Plural() + "/" + ent.ID, action: ent.Action})
		}
		return out
	}
	assert.Equal(t, classify(real), classify(dry))
	for _, ent := range dry.Entities {
		if ent.Action != domain.ActionNone {
			assert.Equal(t, domain.OutcomePlanned, ent.Outcome)
		}
	}
	assert.Equal(t, real.Summary.Created, dry.Summary.Created)
	assert.Equal(t, real.Summary.Updated, dry.Summary.Updated)
	assert.Equal(t, real.Summary.Deleted, dry.Summary.Deleted)
	assert.Equal(t, real.Summary.EdgesRestored, dry.Summary.EdgesRestored)
	assert.Equal(t, real.Summary.EdgesRemoved, dry.Summary.EdgesRemoved)
	assert.Equal(t, 1, dry.Summary.Deleted)
	assert.Equal(t, 2, dry.Summary.EdgesRestored)
	assert.Equal(t, 1, dry.Summary.EdgesRemoved)
	assert.Contains(t, dry.Warnings, "1 entities will be deleted from the live store")
}

func TestCancelledRestoreKeepsAppliedSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := &fakeSink{onCreate: cancel}
	e := newTestEngine(t, newTestRepo(t), Options{Sinks: sinkFor(sink)})
	p := newProject(t, e)
	for _, v := range []string{"1", "2", "3"} {
		putEntity(t, e, p.ID, domain.EntityContact, v, domain.Fields{"name": "c" + v})
	}
	base := capture(t, e, p.ID)
	for _, v := range []string{"1", "2", "3"} {
		_, err := e.Store.Delete(context.Background(), p.ID, id(domain.EntityContact, v))
		require.NoError(t, err)
	}
	putEntity(t, e, p.ID, domain.EntityCompany, "10", domain.Fields{"name": "placeholder"})

	report, err := e.Restore.Restore(ctx, base.ID, domain.RestoreOptions{Selective: true, CRMType: "fake"})
	require.NoError(t, err)
	assert.Equal(t, domain.RestoreCancelled, report.Status)
	assert.Equal(t, 1, report.Summary.Created)
	assert.Equal(t, 3, report.Summary.NotAttempted)
	assert.Equal(t, domain.OutcomeApplied, report.Entities[0].Outcome)
	assert.Equal(t, domain.OutcomeNotAttempted, report.Entities[1].Outcome)
	assert.Len(t, sink.created, 1)

	_, err = e.Store.Get(context.Background(), p.ID, id(domain.EntityContact, "1"))
	require.NoError(t, err, "the step in flight when cancelled stays committed")
	_, err = e.Store.Get(context.Background(), p.ID, id(domain.EntityContact, "2"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = e.Store.Get(context.Background(), p.ID, id(domain.EntityCompany, "10"))
	assert.NoError(t, err, "deletes after the cancellation point are not attempted")
}

func TestStartRunsInBackgroundAndRejectsLateCancel(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)
	base := seedCRM(t, e, p.ID)
	_, err := e.Store.Delete(ctx, p.ID, id(domain.EntityDeal, "5"))
	require.NoError(t, err)

	run, err := e.Restore.Start(ctx, base.ID, domain.RestoreOptions{Selective: true})
	require.NoError(t, err)
	assert.Equal(t, domain.RestoreRunning, run.Status)

	require.Eventually(t, func() bool {
		got, err := e.Restore.GetRun(ctx, run.ID)
		return err == nil && got.Status == domain.RestoreCompleted
	}, 5*time.Second, 10*time.Millisecond)

	done, err := e.Restore.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, done.Report)
	assert.Equal(t, 1, done.Report.Summary.Created)
	assert.NotNil(t, done.FinishedAt)

	_, err = e.Restore.Cancel(ctx, run.ID)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = e.Restore.Cancel(ctx, "no-such-run")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRestoreThroughSinkMapsRecreatedIDs(t *testing.T) {
	ctx := context.Background()
	sink := &fakeSink{remoteID: map[domain.Identity]string{id(domain.EntityCompany, "10"): "9001"}}
	e := newTestEngine(t, newTestRepo(t), Options{Sinks: sinkFor(sink)})
	p := newProject(t, e)
	base := seedCRM(t, e, p.ID)
	_, err := e.Store.Delete(ctx, p.ID, id(domain.EntityCompany, "10"))
	require.NoError(t, err)
	gone := capture(t, e, p.ID)

	report, err := e.Restore.Restore(ctx, base.ID, domain.RestoreOptions{Selective: true, CRMType: "FAKE"})
	require.NoError(t, err)
	assert.Equal(t, "9001", report.Entities[0].RemoteID)

	mapped, ok, err := e.Graph.repo.ResolveID(ctx, p.ID, domain.EntityCompany, "10")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "9001", mapped)

	require.Len(t, sink.edges, 2)
	for _, edge := range sink.edges {
		assert.True(t, edge.Touches(id(domain.EntityCompany, "9001")), "edge %s must use the remote id", edge.Key())
	}

	// Removing the company again addresses the remote record.
	report, err = e.Restore.Restore(ctx, gone.ID, domain.RestoreOptions{Selective: true, CRMType: "fake"})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.Deleted)
	assert.Equal(t, []domain.Identity{id(domain.EntityCompany, "9001")}, sink.deleted)
}

func TestRestoreRejectsBadRequests(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{Sinks: sinkFor(&fakeSink{})})
	p := newProject(t, e)
	base := seedCRM(t, e, p.ID)

	_, err := e.Restore.Restore(ctx, base.ID, domain.RestoreOptions{Types: []domain.EntityType{"invoices"}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = e.Restore.Restore(ctx, base.ID, domain.RestoreOptions{CRMType: "salesforce"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = e.Restore.Restore(ctx, 4242, domain.RestoreOptions{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	running, err := e.Snapshots.Begin(ctx, p.ID, "hubspot", "api")
	require.NoError(t, err)
	_, err = e.Restore.Restore(ctx, running.ID, domain.RestoreOptions{})
	assert.ErrorIs(t, err, domain.ErrNotReady)

	// Dry runs never open a connector.
	_, err = e.Restore.Restore(ctx, base.ID, domain.RestoreOptions{CRMType: "salesforce", DryRun: true})
	assert.NoError(t, err)
}
