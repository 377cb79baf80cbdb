package sqlite

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Bafix001/zibridge/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (r *Repository) CreateSnapshot(ctx context.Context, value domain.Snapshot) (domain.Snapshot, error) {
	m := SnapshotModel{
		ProjectID:  value.ProjectID,
		SourceName: value.SourceName,
		SourceType: value.SourceType,
		Status:     string(defaultStatus(value.Status)),
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.Snapshot{}, err
	}
	return toSnapshot(m)
}

func (r *Repository) GetSnapshot(ctx context.Context, id uint) (domain.Snapshot, error) {
	var m SnapshotModel
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return domain.Snapshot{}, notFound(err, "snapshot %d", id)
	}
	return toSnapshot(m)
}

func (r *Repository) ListSnapshots(ctx context.Context, query domain.SnapshotQuery) ([]domain.Snapshot, int64, error) {
	q := r.db.WithContext(ctx).Model(&SnapshotModel{})
	if query.ProjectID != nil {
		q = q.Where("project_id = ?", *query.ProjectID)
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	order := "id DESC"
	if query.Ascending {
		order = "id ASC"
	}
	rows := make([]SnapshotModel, 0)
	if err := q.Order(order).Offset(query.Offset).Limit(query.Limit).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	result := make([]domain.Snapshot, 0, len(rows))
	for _, m := range rows {
		s, err := toSnapshot(m)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, s)
	}
	return result, total, nil
}

func (r *Repository) LatestSnapshot(ctx context.Context) (domain.Snapshot, error) {
	var m SnapshotModel
	if err := r.db.WithContext(ctx).Order("id DESC").First(&m).Error; err != nil {
		return domain.Snapshot{}, notFound(err, "latest snapshot")
	}
	return toSnapshot(m)
}

// AppendSnapshotEntities writes one batch of frozen items. Field payloads go
// to the content-addressed blobs table, so unchanged records are stored once.
func (r *Repository) AppendSnapshotEntities(ctx context.Context, snapshotID, projectID uint, startPosition int, items []domain.Entity) error {
	if len(items) == 0 {
		return nil
	}
	blobs := make([]BlobModel, 0, len(items))
	rows := make([]SnapshotEntityModel, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for i, item := range items {
		hash := item.ContentHash
		canonical, err := domain.CanonicalJSON(item.Fields)
		if err != nil {
			return err
		}
		if hash == "" {
			if hash, err = domain.ContentHash(item.Fields); err != nil {
				return err
			}
		}
		if _, ok := seen[hash]; !ok {
			seen[hash] = struct{}{}
			blobs = append(blobs, BlobModel{Hash: hash, Data: datatypes.JSON(canonical)})
		}
		rows = append(rows, SnapshotEntityModel{
			ProjectID:   projectID,
			SnapshotID:  snapshotID,
			Type:        string(item.Type),
			ExternalID:  item.ID,
			Position:    startPosition + i,
			ContentHash: hash,
			Revision:    item.Revision,
		})
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&blobs, 200).Error; err != nil {
			return err
		}
		return tx.CreateInBatches(&rows, 200).Error
	})
}

func (r *Repository) AppendSnapshotEdges(ctx context.Context, snapshotID, projectID uint, edges []domain.AssociationEdge) error {
	if len(edges) == 0 {
		return nil
	}
	rows := make([]SnapshotEdgeModel, 0, len(edges))
	for _, e := range edges {
		c := e.Canonical()
		rows = append(rows, SnapshotEdgeModel{
			ProjectID:  projectID,
			SnapshotID: snapshotID,
			FromType:   string(c.FromType),
			FromID:     c.FromID,
			ToType:     string(c.ToType),
			ToID:       c.ToID,
			Kind:       c.Kind,
		})
	}
	return r.db.WithContext(ctx).CreateInBatches(&rows, 200).Error
}

// FinishSnapshot records the terminal state of a capture. Only a running
// snapshot can be finished.
func (r *Repository) FinishSnapshot(ctx context.Context, value domain.Snapshot) (domain.Snapshot, error) {
	detected, err := encodeJSON(value.DetectedEntities)
	if err != nil {
		return domain.Snapshot{}, err
	}
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&SnapshotModel{}).
		Where("id = ? AND status = ?", value.ID, string(domain.SnapshotRunning)).
		Updates(map[string]any{
			"status":            string(value.Status),
			"total_objects":     value.TotalObjects,
			"total_edges":       value.TotalEdges,
			"detected_entities": detected,
			"error":             value.Error,
			"finished_at":       now,
		})
	if res.Error != nil {
		return domain.Snapshot{}, res.Error
	}
	if res.RowsAffected == 0 {
		current, err := r.GetSnapshot(ctx, value.ID)
		if err != nil {
			return domain.Snapshot{}, err
		}
		return current, domain.Errorf(domain.KindValidation, "snapshot %d is already %s", value.ID, current.Status)
	}
	return r.GetSnapshot(ctx, value.ID)
}

func (r *Repository) LoadSnapshotEntities(ctx context.Context, snapshotID uint) ([]domain.Entity, error) {
	type row struct {
		Type        string
		ExternalID  string
		ContentHash string
		Revision    int
		Data        datatypes.JSON
	}
	rows := make([]row, 0)
	err := r.db.WithContext(ctx).Raw(`
SELECT se.type,
       se.external_id,
       se.content_hash,
       se.revision,
       b.data
FROM snapshot_entities se
LEFT JOIN blobs b ON b.hash = se.content_hash
WHERE se.snapshot_id = ?
ORDER BY se.position ASC
`, snapshotID).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make([]domain.Entity, 0, len(rows))
	for _, m := range rows {
		fields, err := decodeFields(m.Data)
		if err != nil {
			return nil, err
		}
		result = append(result, domain.Entity{
			Type:        domain.EntityType(m.Type),
			ID:          m.ExternalID,
			Fields:      fields,
			Revision:    m.Revision,
			ContentHash: m.ContentHash,
		})
	}
	return result, nil
}

func (r *Repository) LoadSnapshotEdges(ctx context.Context, snapshotID uint) ([]domain.AssociationEdge, error) {
	rows := make([]SnapshotEdgeModel, 0)
	if err := r.db.WithContext(ctx).Where("snapshot_id = ?", snapshotID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.AssociationEdge, 0, len(rows))
	for _, m := range rows {
		result = append(result, toEdge(m.FromType, m.FromID, m.ToType, m.ToID, m.Kind))
	}
	return result, nil
}

func (r *Repository) SnapshotEdgesOf(ctx context.Context, snapshotID uint, id domain.Identity) ([]domain.AssociationEdge, error) {
	rows := make([]SnapshotEdgeModel, 0)
	err := r.db.WithContext(ctx).Raw(`
SELECT * FROM snapshot_edges WHERE snapshot_id = ? AND from_type = ? AND from_id = ?
UNION
SELECT * FROM snapshot_edges WHERE snapshot_id = ? AND to_type = ? AND to_id = ?
ORDER BY id ASC
`, snapshotID, string(id.Type), id.ID, snapshotID, string(id.Type), id.ID).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make([]domain.AssociationEdge, 0, len(rows))
	for _, m := range rows {
		result = append(result, toEdge(m.FromType, m.FromID, m.ToType, m.ToID, m.Kind).OrientedFrom(id))
	}
	return result, nil
}

// FailRunningSnapshots closes captures orphaned by a crash or restart.
func (r *Repository) FailRunningSnapshots(ctx context.Context, reason string) (int64, error) {
	res := r.db.WithContext(ctx).Exec(`
UPDATE snapshots
SET status = ?,
    error = ?,
    finished_at = ?,
    total_objects = (SELECT COUNT(*) FROM snapshot_entities se WHERE se.snapshot_id = snapshots.id),
    total_edges = (SELECT COUNT(*) FROM snapshot_edges sg WHERE sg.snapshot_id = snapshots.id)
WHERE status = ?
`, string(domain.SnapshotFailed), reason, time.Now().UTC(), string(domain.SnapshotRunning))
	return res.RowsAffected, res.Error
}

func defaultStatus(status domain.SnapshotStatus) domain.SnapshotStatus {
	if status == "" {
		return domain.SnapshotRunning
	}
	return status
}

func toSnapshot(m SnapshotModel) (domain.Snapshot, error) {
	detected := map[string]int{}
	if len(m.DetectedEntities) > 0 {
		if err := json.Unmarshal(m.DetectedEntities, &detected); err != nil {
			return domain.Snapshot{}, err
		}
	}
	return domain.Snapshot{
		ID:               m.ID,
		ProjectID:        m.ProjectID,
		CreatedAt:        m.CreatedAt,
		FinishedAt:       m.FinishedAt,
		SourceName:       m.SourceName,
		SourceType:       m.SourceType,
		Status:           domain.SnapshotStatus(m.Status),
		TotalObjects:     m.TotalObjects,
		TotalEdges:       m.TotalEdges,
		DetectedEntities: detected,
		Error:            m.Error,
	}, nil
}
