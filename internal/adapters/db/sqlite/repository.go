package sqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Bafix001/zibridge/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

type Repository struct {
	db *gorm.DB
}

func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        withPragmas(path),
	}, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One writer at a time; busy_timeout covers the rest.
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func withPragmas(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateProject(ctx context.Context, value domain.Project) (domain.Project, error) {
	cfg, err := encodeJSON(value.Config)
	if err != nil {
		return domain.Project{}, err
	}
	m := ProjectModel{Name: value.Name, Icon: value.Icon, DefaultSourceType: value.DefaultSourceType, Config: cfg}
	if err := r.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.Project{}, err
	}
	return toProject(m)
}

func (r *Repository) GetProject(ctx context.Context, id uint) (domain.Project, error) {
	var m ProjectModel
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return domain.Project{}, notFound(err, "project %d", id)
	}
	return toProject(m)
}

func (r *Repository) ListProjects(ctx context.Context, query string, limit int) ([]domain.Project, error) {
	q := r.db.WithContext(ctx).Model(&ProjectModel{})
	if strings.TrimSpace(query) != "" {
		like := "%" + strings.TrimSpace(query) + "%"
		q = q.Where("name LIKE ?", like)
	}
	rows := make([]ProjectModel, 0)
	if err := q.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.Project, 0, len(rows))
	for _, m := range rows {
		p, err := toProject(m)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

func (r *Repository) UpdateProject(ctx context.Context, value domain.Project) (domain.Project, error) {
	cfg, err := encodeJSON(value.Config)
	if err != nil {
		return domain.Project{}, err
	}
	res := r.db.WithContext(ctx).Model(&ProjectModel{}).Where("id = ?", value.ID).Updates(map[string]any{
		"name":                value.Name,
		"icon":                value.Icon,
		"default_source_type": value.DefaultSourceType,
		"config":              cfg,
	})
	if res.Error != nil {
		return domain.Project{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Project{}, domain.Errorf(domain.KindNotFound, "project %d not found", value.ID)
	}
	return r.GetProject(ctx, value.ID)
}

// DeleteProject removes the project with its snapshots, live store and runs.
// Blobs no longer referenced by any snapshot are collected.
func (r *Repository) DeleteProject(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&ProjectModel{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.Errorf(domain.KindNotFound, "project %d not found", id)
		}
		for _, model := range []any{
			&SnapshotEdgeModel{}, &SnapshotEntityModel{}, &SnapshotModel{},
			&AssociationModel{}, &EntityRevisionModel{}, &EntityModel{},
			&RestoreRunModel{}, &IDMappingModel{},
		} {
			if err := tx.Where("project_id = ?", id).Delete(model).Error; err != nil {
				return err
			}
		}
		return tx.Exec(`DELETE FROM blobs WHERE hash NOT IN (SELECT DISTINCT content_hash FROM snapshot_entities)`).Error
	})
}

func (r *Repository) CountProjects(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&ProjectModel{}).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

func (r *Repository) CreateAuditLog(ctx context.Context, value domain.AuditLog) error {
	m := AuditLogModel{
		Action:     value.Action,
		TargetType: value.TargetType,
		TargetID:   value.TargetID,
		Metadata:   value.Metadata,
	}
	return r.db.WithContext(ctx).Create(&m).Error
}

func (r *Repository) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	rows := make([]AuditLogModel, 0)
	if err := r.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]domain.AuditRecord, 0, len(rows))
	for _, m := range rows {
		result = append(result, domain.AuditRecord{
			ID:         m.ID,
			Action:     m.Action,
			TargetType: m.TargetType,
			TargetID:   m.TargetID,
			Metadata:   m.Metadata,
			CreatedAt:  m.CreatedAt,
		})
	}
	return result, nil
}

func toProject(m ProjectModel) (domain.Project, error) {
	var cfg domain.ProjectConfig
	if len(m.Config) > 0 {
		if err := json.Unmarshal(m.Config, &cfg); err != nil {
			return domain.Project{}, fmt.Errorf("decode project %d config: %w", m.ID, err)
		}
	}
	return domain.Project{
		ID:                m.ID,
		Name:              m.Name,
		Icon:              m.Icon,
		DefaultSourceType: m.DefaultSourceType,
		Config:            cfg,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Errorf(domain.KindNotFound, format+" not found", args...)
	}
	return err
}

func encodeJSON(v any) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

// decodeFields keeps numbers as json.Number so re-encoding is byte-stable.
func decodeFields(raw datatypes.JSON) (domain.Fields, error) {
	fields := domain.Fields{}
	if len(raw) == 0 {
		return fields, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}
