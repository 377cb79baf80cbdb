package domain

import (
	"encoding/json"
	"time"
)

type SnapshotStatus string

const (
	SnapshotRunning   SnapshotStatus = "running"
	SnapshotCompleted SnapshotStatus = "completed"
	SnapshotFailed    SnapshotStatus = "failed"
)

type Project struct {
	ID                uint          `json:"id"`
	Name              string        `json:"name"`
	Icon              string        `json:"icon,omitempty"`
	DefaultSourceType string        `json:"default_source_type,omitempty"`
	Config            ProjectConfig `json:"config"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// ProjectConfig is the per-project source configuration. Credentials never
// leave the service unredacted.
type ProjectConfig struct {
	Provider     string            `json:"provider,omitempty"`
	Credentials  map[string]string `json:"credentials,omitempty"`
	IgnoreFields []string          `json:"ignore_fields,omitempty"`
	BatchSize    int               `json:"batch_size,omitempty"`
}

func (p Project) Redacted() Project {
	if len(p.Config.Credentials) == 0 {
		return p
	}
	masked := make(map[string]string, len(p.Config.Credentials))
	for k := range p.Config.Credentials {
		masked[k] = "***"
	}
	p.Config.Credentials = masked
	return p
}

type Snapshot struct {
	ID               uint
	ProjectID        uint
	CreatedAt        time.Time
	FinishedAt       *time.Time
	SourceName       string
	SourceType       string
	Status           SnapshotStatus
	TotalObjects     int
	TotalEdges       int
	DetectedEntities map[string]int
	Error            string
}

// EffectiveStatus reports a completed snapshot without entities as failed.
func (s Snapshot) EffectiveStatus() SnapshotStatus {
	if s.Status == SnapshotCompleted && s.TotalObjects == 0 {
		return SnapshotFailed
	}
	return s.Status
}

func (s Snapshot) Finished() bool {
	return s.Status != SnapshotRunning
}

func (s Snapshot) MarshalJSON() ([]byte, error) {
	detected := s.DetectedEntities
	if detected == nil {
		detected = map[string]int{}
	}
	return json.Marshal(map[string]any{
		"id":                s.ID,
		"project_id":        s.ProjectID,
		"created_at":        s.CreatedAt,
		"timestamp":         s.CreatedAt,
		"finished_at":       s.FinishedAt,
		"source_name":       s.SourceName,
		"source":            s.SourceName,
		"source_type":       s.SourceType,
		"status":            s.EffectiveStatus(),
		"raw_status":        s.Status,
		"total_objects":     s.TotalObjects,
		"item_count":        s.TotalObjects,
		"total_edges":       s.TotalEdges,
		"detected_entities": detected,
		"items_by_type":     detected,
		"error":             s.Error,
	})
}

type SnapshotQuery struct {
	ProjectID *uint
	Offset    int
	Limit     int
	Ascending bool
}

type EntityRevision struct {
	ProjectID   uint       `json:"project_id"`
	Type        EntityType `json:"type"`
	ExternalID  string     `json:"id"`
	Revision    int        `json:"revision"`
	Op          string     `json:"op"`
	ContentHash string     `json:"content_hash"`
	Fields      Fields     `json:"fields,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type FieldChange struct {
	Old any `json:"old"`
	New any `json:"new"`
}

type UpdatedEntity struct {
	Type         EntityType             `json:"type"`
	ID           string                 `json:"id"`
	Changes      map[string]FieldChange `json:"changes"`
	SystemFields []string               `json:"system_fields,omitempty"`
	OldHash      string                 `json:"old_hash,omitempty"`
	NewHash      string                 `json:"new_hash,omitempty"`
}

func (u UpdatedEntity) Identity() Identity { return Identity{Type: u.Type, ID: u.ID} }

type DiffSummary struct {
	Created      int `json:"created"`
	Updated      int `json:"updated"`
	Deleted      int `json:"deleted"`
	Unchanged    int `json:"unchanged"`
	EdgesAdded   int `json:"edges_added"`
	EdgesRemoved int `json:"edges_removed"`
}

func (s DiffSummary) Empty() bool {
	return s.Created == 0 && s.Updated == 0 && s.Deleted == 0
}

type DiffDetails struct {
	Created      []Entity          `json:"created"`
	Updated      []UpdatedEntity   `json:"updated"`
	Deleted      []Entity          `json:"deleted"`
	EdgesAdded   []AssociationEdge `json:"edges_added"`
	EdgesRemoved []AssociationEdge `json:"edges_removed"`
}

type DiffResult struct {
	Base    uint        `json:"base"`
	Target  uint        `json:"target"`
	Summary DiffSummary `json:"summary"`
	Details DiffDetails `json:"details"`
}

type RestoreOptions struct {
	Selective bool         `json:"selective"`
	DryRun    bool         `json:"dry_run"`
	CRMType   string       `json:"crm_type,omitempty"`
	Types     []EntityType `json:"types,omitempty"`
}

type RestoreAction string

const (
	ActionCreate    RestoreAction = "create"
	ActionUpdate    RestoreAction = "update"
	ActionDelete    RestoreAction = "delete"
	ActionOverwrite RestoreAction = "overwrite"
	ActionNone      RestoreAction = "none"
)

type RestoreOutcome string

const (
	OutcomeApplied          RestoreOutcome = "applied"
	OutcomeSkippedIdentical RestoreOutcome = "skipped_identical"
	OutcomeFailed           RestoreOutcome = "failed"
	OutcomePlanned          RestoreOutcome = "planned"
	OutcomeNotAttempted     RestoreOutcome = "not_attempted"
)

type RestoreStatus string

const (
	RestoreRunning   RestoreStatus = "running"
	RestoreCompleted RestoreStatus = "completed"
	RestorePartial   RestoreStatus = "partial"
	RestoreCancelled RestoreStatus = "cancelled"
	RestoreFailed    RestoreStatus = "failed"
)

type EntityRestoreResult struct {
	Type     EntityType             `json:"type"`
	ID       string                 `json:"id"`
	Action   RestoreAction          `json:"action"`
	Outcome  RestoreOutcome         `json:"outcome"`
	Changes  map[string]FieldChange `json:"changes,omitempty"`
	RemoteID string                 `json:"remote_id,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

type UnresolvedEdge struct {
	Edge   AssociationEdge `json:"edge"`
	Reason string          `json:"reason"`
}

type RestoreSummary struct {
	Total            int `json:"total"`
	Created          int `json:"objects_created"`
	Updated          int `json:"objects_updated"`
	Deleted          int `json:"objects_deleted"`
	SkippedIdentical int `json:"skipped_identical"`
	Failed           int `json:"failed"`
	NotAttempted     int `json:"not_attempted"`
	EdgesRestored    int `json:"relations_restored"`
	EdgesRemoved     int `json:"relations_removed"`
	EdgesUnresolved  int `json:"relations_unresolved"`
}

// Applied counts every mutation the run committed.
func (s RestoreSummary) Applied() int {
	return s.Created + s.Updated + s.Deleted + s.EdgesRestored + s.EdgesRemoved
}

type RestoreReport struct {
	RunID           string                `json:"run_id,omitempty"`
	ProjectID       uint                  `json:"project_id"`
	SnapshotID      uint                  `json:"snapshot_id"`
	Mode            string                `json:"mode"`
	DryRun          bool                  `json:"dry_run"`
	CRMType         string                `json:"crm_type,omitempty"`
	Status          RestoreStatus         `json:"status"`
	StartedAt       time.Time             `json:"started_at"`
	FinishedAt      *time.Time            `json:"finished_at,omitempty"`
	Summary         RestoreSummary        `json:"summary"`
	Entities        []EntityRestoreResult `json:"entities"`
	UnresolvedEdges []UnresolvedEdge      `json:"unresolved_edges"`
	Warnings        []string              `json:"warnings"`
}

// Err reports a partial application as a PartialFailure error.
func (r RestoreReport) Err() error {
	if r.Status != RestorePartial {
		return nil
	}
	return Errorf(KindPartialFailure, "restore of snapshot %d: %d entities failed, %d relations unresolved",
		r.SnapshotID, r.Summary.Failed, r.Summary.EdgesUnresolved)
}

type RestoreRun struct {
	ID         string         `json:"id"`
	ProjectID  uint           `json:"project_id"`
	SnapshotID uint           `json:"snapshot_id"`
	Status     RestoreStatus  `json:"status"`
	Options    RestoreOptions `json:"options"`
	Report     *RestoreReport `json:"report,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

type IDMapping struct {
	ProjectID uint       `json:"project_id"`
	Type      EntityType `json:"type"`
	OldID     string     `json:"old_id"`
	NewID     string     `json:"new_id"`
	RunID     string     `json:"run_id"`
	CreatedAt time.Time  `json:"created_at"`
}

type AuditLog struct {
	Action     string
	TargetType string
	TargetID   string
	Metadata   string
}

type AuditRecord struct {
	ID         uint      `json:"id"`
	Action     string    `json:"action"`
	TargetType string    `json:"target_type"`
	TargetID   string    `json:"target_id,omitempty"`
	Metadata   string    `json:"metadata,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type LatestSnapshotRef struct {
	ID        uint      `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

type Stats struct {
	TotalProjects  int64              `json:"total_projects"`
	TotalSnapshots int64              `json:"total_snapshots"`
	TotalItems     int                `json:"total_items"`
	ItemsByType    map[string]int     `json:"items_by_type"`
	LatestSnapshot *LatestSnapshotRef `json:"latest_snapshot"`
}
