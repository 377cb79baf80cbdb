package sqlite

import (
	"context"

	"github.com/Bafix001/zibridge/internal/domain"
	"gorm.io/gorm/clause"
)

// UpsertAssociation stores the edge in canonical orientation. The bool reports
// whether a new row was inserted.
func (r *Repository) UpsertAssociation(ctx context.Context, projectID uint, edge domain.AssociationEdge) (bool, error) {
	c := edge.Canonical()
	m := AssociationModel{
		ProjectID: projectID,
		FromType:  string(c.FromType),
		FromID:    c.FromID,
		ToType:    string(c.ToType),
		ToID:      c.ToID,
		Kind:      c.Kind,
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *Repository) DeleteAssociation(ctx context.Context, projectID uint, edge domain.AssociationEdge) (bool, error) {
	c := edge.Canonical()
	res := r.db.WithContext(ctx).
		Where("project_id = ? AND from_type = ? AND from_id = ? AND to_type = ? AND to_id = ? AND kind = ?",
			projectID, string(c.FromType), c.FromID, string(c.ToType), c.ToID, c.Kind).
		Delete(&AssociationModel{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// EdgesOf returns every live edge touching id, oriented from id.
func (r *Repository) EdgesOf(ctx context.Context, projectID uint, id domain.Identity) ([]domain.AssociationEdge, error) {
	rows := make([]AssociationModel, 0)
	err := r.db.WithContext(ctx).Raw(`
SELECT * FROM associations WHERE project_id = ? AND from_type = ? AND from_id = ?
UNION
SELECT * FROM associations WHERE project_id = ? AND to_type = ? AND to_id = ?
ORDER BY id ASC
`, projectID, string(id.Type), id.ID, projectID, string(id.Type), id.ID).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make([]domain.AssociationEdge, 0, len(rows))
	for _, m := range rows {
		result = append(result, toEdge(m.FromType, m.FromID, m.ToType, m.ToID, m.Kind).OrientedFrom(id))
	}
	return result, nil
}

func (r *Repository) ListAssociations(ctx context.Context, projectID uint) ([]domain.AssociationEdge, error) {
	rows := make([]AssociationModel, 0)
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.AssociationEdge, 0, len(rows))
	for _, m := range rows {
		result = append(result, toEdge(m.FromType, m.FromID, m.ToType, m.ToID, m.Kind))
	}
	return result, nil
}

func toEdge(fromType, fromID, toType, toID, kind string) domain.AssociationEdge {
	return domain.AssociationEdge{
		FromType: domain.EntityType(fromType),
		FromID:   fromID,
		ToType:   domain.EntityType(toType),
		ToID:     toID,
		Kind:     kind,
	}
}
