package application

import (
	"context"
	"testing"

	"github.com/Bafix001/zibridge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectLifecycle(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})
	svc := e.Service

	_, err := svc.CreateProject(ctx, "  ", "", "", domain.ProjectConfig{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	p, err := svc.CreateProject(ctx, " Acme ", "rocket", "", domain.ProjectConfig{
		Provider:    "hubspot",
		Credentials: map[string]string{"token": "pat-secret"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Acme", p.Name)
	assert.Equal(t, "csv", p.DefaultSourceType)
	assert.Equal(t, "***", p.Redacted().Config.Credentials["token"])

	name := "Acme EU"
	updated, err := svc.UpdateProject(ctx, p.ID, ProjectPatch{
		Name: &name,
		Config: &domain.ProjectConfig{
			Provider:     "hubspot",
			Credentials:  map[string]string{"token": "***", "portal": "42"},
			IgnoreFields: []string{"notes"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Acme EU", updated.Name)
	assert.Equal(t, "pat-secret", updated.Config.Credentials["token"])
	assert.Equal(t, "42", updated.Config.Credentials["portal"])

	empty := ""
	_, err = svc.UpdateProject(ctx, p.ID, ProjectPatch{Name: &empty})
	assert.ErrorIs(t, err, domain.ErrValidation)

	found, err := svc.ListProjects(ctx, "EU", 0)
	require.NoError(t, err)
	require.Len(t, found, 1)

	require.NoError(t, svc.DeleteProject(ctx, p.ID))
	_, err = svc.GetProject(ctx, p.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	logs, err := svc.ListAuditLogs(ctx, 0)
	require.NoError(t, err)
	actions := make([]string, 0, len(logs))
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	assert.ElementsMatch(t, []string{"project.create", "project.update", "project.delete"}, actions)
}

func TestStatsFollowLatestSnapshot(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newTestRepo(t), Options{})

	stats, err := e.Service.Stats(ctx)
	require.NoError(t, err)
	assert.Nil(t, stats.LatestSnapshot)

	p := newProject(t, e)
	putEntity(t, e, p.ID, domain.EntityContact, "1", domain.Fields{"name": "Alice"})
	putEntity(t, e, p.ID, domain.EntityDeal, "2", domain.Fields{"amount": 1})
	snap := capture(t, e, p.ID)

	stats, err = e.Service.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.TotalProjects)
	assert.EqualValues(t, 1, stats.TotalSnapshots)
	assert.Equal(t, 2, stats.TotalItems)
	assert.Equal(t, map[string]int{"contact": 1, "deal": 1}, stats.ItemsByType)
	require.NotNil(t, stats.LatestSnapshot)
	assert.Equal(t, snap.ID, stats.LatestSnapshot.ID)
}

func TestAPIKeys(t *testing.T) {
	plain, digest, err := GenerateAPIKey()
	require.NoError(t, err)
	assert.Contains(t, plain, "zb_")

	e := newTestEngine(t, newTestRepo(t), Options{APIKeys: []string{digest}})
	assert.True(t, e.Service.AuthRequired())
	assert.True(t, e.Service.AuthenticateAPIKey(plain))
	assert.False(t, e.Service.AuthenticateAPIKey("zb_wrong"))
	assert.False(t, e.Service.AuthenticateAPIKey(""))

	open := newTestEngine(t, newTestRepo(t), Options{})
	assert.False(t, open.Service.AuthRequired())
}
