package application

import (
	"context"
	"testing"

	"github.com/Bafix001/zibridge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffReportsCreatedAndUpdatedContacts(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)

	putEntity(t, e, p.ID, domain.EntityContact, "1", domain.Fields{"name": "Alice"})
	base := capture(t, e, p.ID)

	putEntity(t, e, p.ID, domain.EntityContact, "1", domain.Fields{"name": "Alice Smith"})
	putEntity(t, e, p.ID, domain.EntityContact, "2", domain.Fields{"name": "Bob"})
	target := capture(t, e, p.ID)

	res, err := e.Diff.Diff(ctx, base.ID, target.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.DiffSummary{Created: 1, Updated: 1}, res.Summary)
	assert.Equal(t, []domain.Identity{id(domain.EntityContact, "2")}, identities(res.Details.Created))
	require.Len(t, res.Details.Updated, 1)
	assert.Equal(t, "1", res.Details.Updated[0].ID)
	assert.Equal(t, map[string]domain.FieldChange{"name": {Old: "Alice", New: "Alice Smith"}}, res.Details.Updated[0].Changes)
	assert.Empty(t, res.Details.Deleted)
}

func TestDiffOfSnapshotWithItselfIsEmpty(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)
	putEntity(t, e, p.ID, domain.EntityCompany, "10", domain.Fields{"name": "Zibridge"})
	putEntity(t, e, p.ID, domain.EntityDeal, "5", domain.Fields{"amount": "1200.50"})
	link(t, e, p.ID, id(domain.EntityDeal, "5"), id(domain.EntityCompany, "10"))
	snap := capture(t, e, p.ID)

	res, err := e.Diff.Diff(ctx, snap.ID, snap.ID)
	require.NoError(t, err)
	assert.True(t, res.Summary.Empty())
	assert.Equal(t, 2, res.Summary.Unchanged)
	assert.Zero(t, res.Summary.EdgesAdded+res.Summary.EdgesRemoved)
}

func TestDiffCreatedAndDeletedSwapWithDirection(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)

	putEntity(t, e, p.ID, domain.EntityCompany, "10", domain.Fields{"name": "Zibridge"})
	putEntity(t, e, p.ID, domain.EntityContact, "1", domain.Fields{"name": "Alice"})
	b := capture(t, e, p.ID)

	_, err := e.Store.Delete(ctx, p.ID, id(domain.EntityCompany, "10"))
	require.NoError(t, err)
	putEntity(t, e, p.ID, domain.EntityTicket, "3", domain.Fields{"subject": "Broken sync"})
	tgt := capture(t, e, p.ID)

	forward, err := e.Diff.Diff(ctx, b.ID, tgt.ID)
	require.NoError(t, err)
	backward, err := e.Diff.Diff(ctx, tgt.ID, b.ID)
	require.NoError(t, err)

	assert.Equal(t, []domain.Identity{id(domain.EntityCompany, "10")}, identities(forward.Details.Deleted))
	assert.ElementsMatch(t, identities(forward.Details.Created), identities(backward.Details.Deleted))
	assert.ElementsMatch(t, identities(forward.Details.Deleted), identities(backward.Details.Created))
}

func TestDiffReportsEdgeChanges(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)

	putEntity(t, e, p.ID, domain.EntityContact, "1", domain.Fields{"name": "Alice"})
	putEntity(t, e, p.ID, domain.EntityCompany, "10", domain.Fields{"name": "Zibridge"})
	putEntity(t, e, p.ID, domain.EntityDeal, "5", domain.Fields{"amount": 10})
	link(t, e, p.ID, id(domain.EntityContact, "1"), id(domain.EntityCompany, "10"))
	base := capture(t, e, p.ID)

	_, err := e.Graph.Unlink(ctx, p.ID, domain.NewEdge(id(domain.EntityCompany, "10"), id(domain.EntityContact, "1"), ""))
	require.NoError(t, err)
	link(t, e, p.ID, id(domain.EntityContact, "1"), id(domain.EntityDeal, "5"))
	target := capture(t, e, p.ID)

	res, err := e.Diff.Diff(ctx, base.ID, target.ID)
	require.NoError(t, err)
	assert.True(t, res.Summary.Empty(), "entity fields did not change")
	require.Len(t, res.Details.EdgesAdded, 1)
	require.Len(t, res.Details.EdgesRemoved, 1)
	assert.Equal(t, domain.NewEdge(id(domain.EntityContact, "1"), id(domain.EntityDeal, "5"), "").Key(), res.Details.EdgesAdded[0].Key())
	assert.Equal(t, domain.NewEdge(id(domain.EntityContact, "1"), id(domain.EntityCompany, "10"), "").Key(), res.Details.EdgesRemoved[0].Key())
}

func TestDiffAppliesProjectIgnoreFields(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p, err := e.Service.CreateProject(ctx, "Noisy", "", "", domain.ProjectConfig{IgnoreFields: []string{"score"}})
	require.NoError(t, err)

	putEntity(t, e, p.ID, domain.EntityContact, "1", domain.Fields{"name": "Alice", "score": 1})
	base := capture(t, e, p.ID)
	putEntity(t, e, p.ID, domain.EntityContact, "1", domain.Fields{"name": "Alice", "score": 99})
	target := capture(t, e, p.ID)

	res, err := e.Diff.Diff(ctx, base.ID, target.ID)
	require.NoError(t, err)
	assert.True(t, res.Summary.Empty())
}

func TestDiffRejectsIneligibleSnapshots(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	p := newProject(t, e)
	putEntity(t, e, p.ID, domain.EntityContact, "1", domain.Fields{"name": "Alice"})
	good := capture(t, e, p.ID)

	running, err := e.Snapshots.Begin(ctx, p.ID, "hubspot", "api")
	require.NoError(t, err)
	_, err = e.Diff.Diff(ctx, good.ID, running.ID)
	assert.ErrorIs(t, err, domain.ErrNotReady)

	_, err = e.Snapshots.Fail(ctx, running, domain.Errorf(domain.KindSourceUnavailable, "token expired"))
	require.NoError(t, err)
	_, err = e.Diff.Diff(ctx, running.ID, good.ID)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = e.Diff.Diff(ctx, good.ID, 9999)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	empty := newProject(t, e)
	hollow, err := e.Snapshots.Capture(ctx, empty.ID, "manual")
	require.NoError(t, err)
	assert.Equal(t, domain.SnapshotFailed, hollow.EffectiveStatus())
	_, err = e.Diff.Diff(ctx, hollow.ID, hollow.ID)
	assert.ErrorIs(t, err, domain.ErrValidation)

	other := newProject(t, e)
	putEntity(t, e, other.ID, domain.EntityContact, "1", domain.Fields{"name": "Alice"})
	foreign := capture(t, e, other.ID)
	_, err = e.Diff.Diff(ctx, good.ID, foreign.ID)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestCompareSkipsDuplicateIdentities(t *testing.T) {
	n := NewNormalizer(nil, nil)
	base := []domain.Entity{{Type: domain.EntityDeal, ID: "1", Fields: domain.Fields{"amount": 1}}}
	target := []domain.Entity{
		{Type: domain.EntityDeal, ID: "2", Fields: domain.Fields{"amount": 2}},
		{Type: domain.EntityDeal, ID: "2", Fields: domain.Fields{"amount": 3}},
		{Type: domain.EntityDeal, ID: "1", Fields: domain.Fields{"amount": "1.0"}},
	}
	summary, details := Compare(base, target, n)
	assert.Equal(t, domain.DiffSummary{Created: 1, Unchanged: 1}, summary)
	assert.Equal(t, domain.Fields{"amount": 2}, details.Created[0].Fields)
}
