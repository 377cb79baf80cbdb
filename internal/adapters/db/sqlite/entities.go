package sqlite

import (
	"context"
	"errors"

	"github.com/Bafix001/zibridge/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func (r *Repository) GetEntity(ctx context.Context, projectID uint, id domain.Identity) (domain.Entity, error) {
	var m EntityModel
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND type = ? AND external_id = ?", projectID, string(id.Type), id.ID).
		First(&m).Error
	if err != nil {
		return domain.Entity{}, notFound(err, "entity %s", id.Key())
	}
	return toEntity(m)
}

// UpsertEntity stores value under its identity. The revision is bumped and a
// history row appended only when the content hash changes; the bool reports
// whether anything was written.
func (r *Repository) UpsertEntity(ctx context.Context, projectID uint, value domain.Entity, op string) (domain.Entity, bool, error) {
	canonical, err := domain.CanonicalJSON(value.Fields)
	if err != nil {
		return domain.Entity{}, false, err
	}
	hash, err := domain.ContentHash(value.Fields)
	if err != nil {
		return domain.Entity{}, false, err
	}

	var out EntityModel
	changed := false
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m EntityModel
		findErr := tx.Where("project_id = ? AND type = ? AND external_id = ?", projectID, string(value.Type), value.ID).First(&m).Error
		switch {
		case errors.Is(findErr, gorm.ErrRecordNotFound):
			next, err := nextRevision(tx, projectID, value.Identity())
			if err != nil {
				return err
			}
			m = EntityModel{
				ProjectID:   projectID,
				Type:        string(value.Type),
				ExternalID:  value.ID,
				Fields:      datatypes.JSON(canonical),
				ContentHash: hash,
				Revision:    next,
			}
			if err := tx.Create(&m).Error; err != nil {
				return err
			}
			if op == "" {
				op = "create"
			}
		case findErr != nil:
			return findErr
		case m.ContentHash == hash:
			out = m
			return nil
		default:
			m.Fields = datatypes.JSON(canonical)
			m.ContentHash = hash
			m.Revision++
			if err := tx.Save(&m).Error; err != nil {
				return err
			}
			if op == "" {
				op = "update"
			}
		}

		changed = true
		out = m
		return tx.Create(&EntityRevisionModel{
			ProjectID:   projectID,
			Type:        m.Type,
			ExternalID:  m.ExternalID,
			Revision:    m.Revision,
			Op:          op,
			ContentHash: hash,
			Fields:      datatypes.JSON(canonical),
		}).Error
	})
	if err != nil {
		return domain.Entity{}, false, err
	}

	entity, err := toEntity(out)
	return entity, changed, err
}

// DeleteEntity removes the entity and every live association touching it.
func (r *Repository) DeleteEntity(ctx context.Context, projectID uint, id domain.Identity) (bool, error) {
	deleted := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m EntityModel
		findErr := tx.Where("project_id = ? AND type = ? AND external_id = ?", projectID, string(id.Type), id.ID).First(&m).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if findErr != nil {
			return findErr
		}
		if err := tx.Delete(&m).Error; err != nil {
			return err
		}
		if err := tx.Where(
			"project_id = ? AND ((from_type = ? AND from_id = ?) OR (to_type = ? AND to_id = ?))",
			projectID, string(id.Type), id.ID, string(id.Type), id.ID,
		).Delete(&AssociationModel{}).Error; err != nil {
			return err
		}
		deleted = true
		return tx.Create(&EntityRevisionModel{
			ProjectID:  projectID,
			Type:       m.Type,
			ExternalID: m.ExternalID,
			Revision:   m.Revision + 1,
			Op:         "delete",
		}).Error
	})
	return deleted, err
}

func (r *Repository) ListEntities(ctx context.Context, projectID uint, entityType domain.EntityType, limit int) ([]domain.Entity, error) {
	q := r.db.WithContext(ctx).Model(&EntityModel{}).Where("project_id = ?", projectID)
	if entityType != "" {
		q = q.Where("type = ?", string(entityType))
	}
	rows := make([]EntityModel, 0)
	if err := q.Order("id ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	return toEntities(rows)
}

// ScanEntities walks the live store in id order using keyset pagination.
func (r *Repository) ScanEntities(ctx context.Context, projectID uint, batchSize int, fn func([]domain.Entity) error) error {
	var lastID uint
	for {
		rows := make([]EntityModel, 0, batchSize)
		err := r.db.WithContext(ctx).
			Where("project_id = ? AND id > ?", projectID, lastID).
			Order("id ASC").
			Limit(batchSize).
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		lastID = rows[len(rows)-1].ID

		batch, err := toEntities(rows)
		if err != nil {
			return err
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(rows) < batchSize {
			return nil
		}
	}
}

func (r *Repository) ListRevisions(ctx context.Context, projectID uint, id domain.Identity, limit int) ([]domain.EntityRevision, error) {
	rows := make([]EntityRevisionModel, 0)
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND type = ? AND external_id = ?", projectID, string(id.Type), id.ID).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make([]domain.EntityRevision, 0, len(rows))
	for _, m := range rows {
		fields, err := decodeFields(m.Fields)
		if err != nil {
			return nil, err
		}
		result = append(result, domain.EntityRevision{
			ProjectID:   m.ProjectID,
			Type:        domain.EntityType(m.Type),
			ExternalID:  m.ExternalID,
			Revision:    m.Revision,
			Op:          m.Op,
			ContentHash: m.ContentHash,
			Fields:      fields,
			CreatedAt:   m.CreatedAt,
		})
	}
	return result, nil
}

func nextRevision(tx *gorm.DB, projectID uint, id domain.Identity) (int, error) {
	var last struct{ Max int }
	err := tx.Raw(
		`SELECT COALESCE(MAX(revision), 0) AS max FROM entity_revisions WHERE project_id = ? AND type = ? AND external_id = ?`,
		projectID, string(id.Type), id.ID,
	).Scan(&last).Error
	if err != nil {
		return 0, err
	}
	return last.Max + 1, nil
}

func toEntity(m EntityModel) (domain.Entity, error) {
	fields, err := decodeFields(m.Fields)
	if err != nil {
		return domain.Entity{}, err
	}
	return domain.Entity{
		Type:        domain.EntityType(m.Type),
		ID:          m.ExternalID,
		Fields:      fields,
		Revision:    m.Revision,
		ContentHash: m.ContentHash,
		UpdatedAt:   m.UpdatedAt,
	}, nil
}

func toEntities(rows []EntityModel) ([]domain.Entity, error) {
	result := make([]domain.Entity, 0, len(rows))
	for _, m := range rows {
		e, err := toEntity(m)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, nil
}
