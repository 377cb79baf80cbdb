package sqlite

import (
	"time"

	"gorm.io/datatypes"
)

type ProjectModel struct {
	ID                uint   `gorm:"primaryKey"`
	Name              string `gorm:"not null;index"`
	Icon              string
	DefaultSourceType string
	Config            datatypes.JSON
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (ProjectModel) TableName() string { return "projects" }

type EntityModel struct {
	ID          uint   `gorm:"primaryKey"`
	ProjectID   uint   `gorm:"not null;index:idx_entities_identity,unique"`
	Type        string `gorm:"not null;index:idx_entities_identity,unique"`
	ExternalID  string `gorm:"not null;index:idx_entities_identity,unique"`
	Fields      datatypes.JSON
	ContentHash string `gorm:"not null"`
	Revision    int    `gorm:"not null;default:1"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (EntityModel) TableName() string { return "entities" }

type EntityRevisionModel struct {
	ID          uint   `gorm:"primaryKey"`
	ProjectID   uint   `gorm:"not null;index:idx_revisions_identity"`
	Type        string `gorm:"not null;index:idx_revisions_identity"`
	ExternalID  string `gorm:"not null;index:idx_revisions_identity"`
	Revision    int    `gorm:"not null"`
	Op          string `gorm:"not null"`
	ContentHash string
	Fields      datatypes.JSON
	CreatedAt   time.Time
}

func (EntityRevisionModel) TableName() string { return "entity_revisions" }

type AssociationModel struct {
	ID        uint   `gorm:"primaryKey"`
	ProjectID uint   `gorm:"not null;index:idx_assoc_edge,unique"`
	FromType  string `gorm:"not null;index:idx_assoc_edge,unique"`
	FromID    string `gorm:"not null;index:idx_assoc_edge,unique"`
	ToType    string `gorm:"not null;index:idx_assoc_edge,unique"`
	ToID      string `gorm:"not null;index:idx_assoc_edge,unique"`
	Kind      string `gorm:"not null;index:idx_assoc_edge,unique"`
	CreatedAt time.Time
}

func (AssociationModel) TableName() string { return "associations" }

type SnapshotModel struct {
	ID               uint   `gorm:"primaryKey"`
	ProjectID        uint   `gorm:"not null;index"`
	SourceName       string `gorm:"not null"`
	SourceType       string
	Status           string `gorm:"not null;default:'running'"`
	TotalObjects     int    `gorm:"not null;default:0"`
	TotalEdges       int    `gorm:"not null;default:0"`
	DetectedEntities datatypes.JSON
	Error            string
	CreatedAt        time.Time
	FinishedAt       *time.Time
}

func (SnapshotModel) TableName() string { return "snapshots" }

type BlobModel struct {
	Hash      string `gorm:"primaryKey"`
	Data      datatypes.JSON
	CreatedAt time.Time
}

func (BlobModel) TableName() string { return "blobs" }

type SnapshotEntityModel struct {
	ID          uint   `gorm:"primaryKey"`
	ProjectID   uint   `gorm:"not null;index:idx_snapshot_entity,unique"`
	SnapshotID  uint   `gorm:"not null;index:idx_snapshot_entity,unique"`
	Type        string `gorm:"not null;index:idx_snapshot_entity,unique"`
	ExternalID  string `gorm:"not null;index:idx_snapshot_entity,unique"`
	Position    int    `gorm:"not null"`
	ContentHash string `gorm:"not null"`
	Revision    int
}

func (SnapshotEntityModel) TableName() string { return "snapshot_entities" }

type SnapshotEdgeModel struct {
	ID         uint   `gorm:"primaryKey"`
	ProjectID  uint   `gorm:"not null"`
	SnapshotID uint   `gorm:"not null;index"`
	FromType   string `gorm:"not null"`
	FromID     string `gorm:"not null"`
	ToType     string `gorm:"not null"`
	ToID       string `gorm:"not null"`
	Kind       string `gorm:"not null"`
}

func (SnapshotEdgeModel) TableName() string { return "snapshot_edges" }

type RestoreRunModel struct {
	ID         string `gorm:"primaryKey"`
	ProjectID  uint   `gorm:"not null;index"`
	SnapshotID uint   `gorm:"not null;index"`
	Status     string `gorm:"not null"`
	Options    datatypes.JSON
	Report     datatypes.JSON
	Error      string
	CreatedAt  time.Time
	FinishedAt *time.Time
}

func (RestoreRunModel) TableName() string { return "restore_runs" }

type IDMappingModel struct {
	ID        uint   `gorm:"primaryKey"`
	ProjectID uint   `gorm:"not null;index:idx_id_mapping,unique"`
	Type      string `gorm:"not null;index:idx_id_mapping,unique"`
	OldID     string `gorm:"not null;index:idx_id_mapping,unique"`
	NewID     string `gorm:"not null"`
	RunID     string
	CreatedAt time.Time
}

func (IDMappingModel) TableName() string { return "id_mappings" }

type AuditLogModel struct {
	ID         uint   `gorm:"primaryKey"`
	Action     string `gorm:"not null;index"`
	TargetType string `gorm:"not null"`
	TargetID   string
	Metadata   string
	CreatedAt  time.Time `gorm:"index"`
}

func (AuditLogModel) TableName() string { return "audit_logs" }
