package domain

import "context"

type ProjectRepository interface {
	CreateProject(ctx context.Context, value Project) (Project, error)
	GetProject(ctx context.Context, id uint) (Project, error)
	ListProjects(ctx context.Context, query string, limit int) ([]Project, error)
	UpdateProject(ctx context.Context, value Project) (Project, error)
	DeleteProject(ctx context.Context, id uint) error
	CountProjects(ctx context.Context) (int64, error)
}

type EntityRepository interface {
	GetEntity(ctx context.Context, projectID uint, id Identity) (Entity, error)
	UpsertEntity(ctx context.Context, projectID uint, value Entity, op string) (Entity, bool, error)
	DeleteEntity(ctx context.Context, projectID uint, id Identity) (bool, error)
	ListEntities(ctx context.Context, projectID uint, entityType EntityType, limit int) ([]Entity, error)
	ScanEntities(ctx context.Context, projectID uint, batchSize int, fn func([]Entity) error) error
	ListRevisions(ctx context.Context, projectID uint, id Identity, limit int) ([]EntityRevision, error)
}

type AssociationRepository interface {
	UpsertAssociation(ctx context.Context, projectID uint, edge AssociationEdge) (bool, error)
	DeleteAssociation(ctx context.Context, projectID uint, edge AssociationEdge) (bool, error)
	EdgesOf(ctx context.Context, projectID uint, id Identity) ([]AssociationEdge, error)
	ListAssociations(ctx context.Context, projectID uint) ([]AssociationEdge, error)
}

type SnapshotRepository interface {
	CreateSnapshot(ctx context.Context, value Snapshot) (Snapshot, error)
	GetSnapshot(ctx context.Context, id uint) (Snapshot, error)
	ListSnapshots(ctx context.Context, query SnapshotQuery) ([]Snapshot, int64, error)
	LatestSnapshot(ctx context.Context) (Snapshot, error)
	AppendSnapshotEntities(ctx context.Context, snapshotID, projectID uint, startPosition int, items []Entity) error
	AppendSnapshotEdges(ctx context.Context, snapshotID, projectID uint, edges []AssociationEdge) error
	FinishSnapshot(ctx context.Context, value Snapshot) (Snapshot, error)
	LoadSnapshotEntities(ctx context.Context, snapshotID uint) ([]Entity, error)
	LoadSnapshotEdges(ctx context.Context, snapshotID uint) ([]AssociationEdge, error)
	SnapshotEdgesOf(ctx context.Context, snapshotID uint, id Identity) ([]AssociationEdge, error)
	FailRunningSnapshots(ctx context.Context, reason string) (int64, error)
}

type RestoreRunRepository interface {
	CreateRestoreRun(ctx context.Context, value RestoreRun) (RestoreRun, error)
	UpdateRestoreRun(ctx context.Context, value RestoreRun) error
	GetRestoreRun(ctx context.Context, id string) (RestoreRun, error)
	FailRunningRestoreRuns(ctx context.Context, reason string) (int64, error)
	SaveIDMapping(ctx context.Context, value IDMapping) error
	ResolveID(ctx context.Context, projectID uint, entityType EntityType, oldID string) (string, bool, error)
}

type AuditRepository interface {
	CreateAuditLog(ctx context.Context, value AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]AuditRecord, error)
}

type Repository interface {
	ProjectRepository
	EntityRepository
	AssociationRepository
	SnapshotRepository
	RestoreRunRepository
	AuditRepository
}

// Source is an ingestion collaborator: a CRM API, an uploaded file, a fixture.
type Source interface {
	Name() string
	Fetch(ctx context.Context, emit func(Entity) error) error
}

// Sink pushes restored state to a remote system. Create and Update return the
// remote id, which differs from the entity id when the remote re-created it.
type Sink interface {
	Create(ctx context.Context, value Entity) (string, error)
	Update(ctx context.Context, value Entity) (string, error)
	Delete(ctx context.Context, id Identity) error
	Associate(ctx context.Context, edge AssociationEdge) error
}
