package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Bafix001/zibridge/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (r *Repository) CreateRestoreRun(ctx context.Context, value domain.RestoreRun) (domain.RestoreRun, error) {
	opts, err := encodeJSON(value.Options)
	if err != nil {
		return domain.RestoreRun{}, err
	}
	m := RestoreRunModel{
		ID:         value.ID,
		ProjectID:  value.ProjectID,
		SnapshotID: value.SnapshotID,
		Status:     string(value.Status),
		Options:    opts,
	}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.RestoreRun{}, err
	}
	return toRestoreRun(m)
}

func (r *Repository) UpdateRestoreRun(ctx context.Context, value domain.RestoreRun) error {
	var report datatypes.JSON
	if value.Report != nil {
		b, err := encodeJSON(value.Report)
		if err != nil {
			return err
		}
		report = b
	}
	res := r.db.WithContext(ctx).Model(&RestoreRunModel{}).Where("id = ?", value.ID).Updates(map[string]any{
		"status":      string(value.Status),
		"report":      report,
		"error":       value.Error,
		"finished_at": value.FinishedAt,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Errorf(domain.KindNotFound, "restore run %s not found", value.ID)
	}
	return nil
}

func (r *Repository) GetRestoreRun(ctx context.Context, id string) (domain.RestoreRun, error) {
	var m RestoreRunModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return domain.RestoreRun{}, notFound(err, "restore run %s", id)
	}
	return toRestoreRun(m)
}

func (r *Repository) FailRunningRestoreRuns(ctx context.Context, reason string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&RestoreRunModel{}).
		Where("status = ?", string(domain.RestoreRunning)).
		Updates(map[string]any{
			"status":      string(domain.RestoreFailed),
			"error":       reason,
			"finished_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

func (r *Repository) SaveIDMapping(ctx context.Context, value domain.IDMapping) error {
	m := IDMappingModel{
		ProjectID: value.ProjectID,
		Type:      string(value.Type),
		OldID:     value.OldID,
		NewID:     value.NewID,
		RunID:     value.RunID,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "type"}, {Name: "old_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"new_id", "run_id"}),
	}).Create(&m).Error
}

func (r *Repository) ResolveID(ctx context.Context, projectID uint, entityType domain.EntityType, oldID string) (string, bool, error) {
	var m IDMappingModel
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND type = ? AND old_id = ?", projectID, string(entityType), oldID).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return oldID, false, nil
	}
	if err != nil {
		return "", false, err
	}
	return m.NewID, true, nil
}

func toRestoreRun(m RestoreRunModel) (domain.RestoreRun, error) {
	run := domain.RestoreRun{
		ID:         m.ID,
		ProjectID:  m.ProjectID,
		SnapshotID: m.SnapshotID,
		Status:     domain.RestoreStatus(m.Status),
		Error:      m.Error,
		CreatedAt:  m.CreatedAt,
		FinishedAt: m.FinishedAt,
	}
	if len(m.Options) > 0 {
		if err := json.Unmarshal(m.Options, &run.Options); err != nil {
			return domain.RestoreRun{}, err
		}
	}
	if len(m.Report) > 0 && string(m.Report) != "null" {
		var report domain.RestoreReport
		if err := json.Unmarshal(m.Report, &report); err != nil {
			return domain.RestoreRun{}, err
		}
		run.Report = &report
	}
	return run, nil
}
