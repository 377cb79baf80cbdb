package application

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"

	"github.com/Bafix001/zibridge/internal/domain"
	"go.uber.org/zap"
)

// Service owns project metadata, the audit log, statistics and API keys.
type Service struct {
	repo    domain.Repository
	log     *zap.SugaredLogger
	apiKeys map[string]struct{}
}

type ProjectPatch struct {
	Name              *string               `json:"name,omitempty"`
	Icon              *string               `json:"icon,omitempty"`
	DefaultSourceType *string               `json:"default_source_type,omitempty"`
	Config            *domain.ProjectConfig `json:"config,omitempty"`
}

func NewService(repo domain.Repository, log *zap.SugaredLogger, apiKeyHashes []string) *Service {
	keys := make(map[string]struct{}, len(apiKeyHashes))
	for _, h := range apiKeyHashes {
		keys[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	return &Service{repo: repo, log: log, apiKeys: keys}
}

func (s *Service) CreateProject(ctx context.Context, name, icon, defaultSourceType string, cfg domain.ProjectConfig) (domain.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Project{}, domain.Errorf(domain.KindValidation, "name is required")
	}
	if cfg.BatchSize < 0 {
		return domain.Project{}, domain.Errorf(domain.KindValidation, "config.batch_size must not be negative")
	}

	p, err := s.repo.CreateProject(ctx, domain.Project{
		Name:              name,
		Icon:              icon,
		DefaultSourceType: defaultString(defaultSourceType, "csv"),
		Config:            cfg,
	})
	if err != nil {
		return domain.Project{}, err
	}
	s.WriteAudit(ctx, "project.create", "project", fmt.Sprint(p.ID), p.Name)
	return p, nil
}

func (s *Service) GetProject(ctx context.Context, id uint) (domain.Project, error) {
	if id == 0 {
		return domain.Project{}, domain.Errorf(domain.KindValidation, "project id is required")
	}
	return s.repo.GetProject(ctx, id)
}

func (s *Service) ListProjects(ctx context.Context, query string, limit int) ([]domain.Project, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	return s.repo.ListProjects(ctx, query, limit)
}

// UpdateProject applies only the fields present in the patch.
func (s *Service) UpdateProject(ctx context.Context, id uint, patch ProjectPatch) (domain.Project, error) {
	p, err := s.GetProject(ctx, id)
	if err != nil {
		return domain.Project{}, err
	}
	if patch.Name != nil {
		if strings.TrimSpace(*patch.Name) == "" {
			return domain.Project{}, domain.Errorf(domain.KindValidation, "name must not be empty")
		}
		p.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Icon != nil {
		p.Icon = *patch.Icon
	}
	if patch.DefaultSourceType != nil {
		p.DefaultSourceType = *patch.DefaultSourceType
	}
	if patch.Config != nil {
		cfg := *patch.Config
		// Redacted credentials echoed back by a client keep their stored value.
		for k, v := range cfg.Credentials {
			if v == "***" {
				cfg.Credentials[k] = p.Config.Credentials[k]
			}
		}
		p.Config = cfg
	}

	updated, err := s.repo.UpdateProject(ctx, p)
	if err != nil {
		return domain.Project{}, err
	}
	s.WriteAudit(ctx, "project.update", "project", fmt.Sprint(id), "")
	return updated, nil
}

func (s *Service) DeleteProject(ctx context.Context, id uint) error {
	if id == 0 {
		return domain.Errorf(domain.KindValidation, "project id is required")
	}
	if err := s.repo.DeleteProject(ctx, id); err != nil {
		return err
	}
	s.WriteAudit(ctx, "project.delete", "project", fmt.Sprint(id), "")
	return nil
}

// Stats summarizes the store around the most recent snapshot.
func (s *Service) Stats(ctx context.Context) (domain.Stats, error) {
	projects, err := s.repo.CountProjects(ctx)
	if err != nil {
		return domain.Stats{}, err
	}
	_, total, err := s.repo.ListSnapshots(ctx, domain.SnapshotQuery{Limit: 1})
	if err != nil {
		return domain.Stats{}, err
	}

	stats := domain.Stats{TotalProjects: projects, TotalSnapshots: total, ItemsByType: map[string]int{}}
	latest, err := s.repo.LatestSnapshot(ctx)
	switch {
	case domain.KindOf(err) == domain.KindNotFound:
		return stats, nil
	case err != nil:
		return domain.Stats{}, err
	}
	stats.LatestSnapshot = &domain.LatestSnapshotRef{ID: latest.ID, Timestamp: latest.CreatedAt}
	stats.TotalItems = latest.TotalObjects
	for k, v := range latest.DetectedEntities {
		stats.ItemsByType[k] = v
	}
	return stats, nil
}

func (s *Service) WriteAudit(ctx context.Context, action, targetType, targetID, metadata string) {
	err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Metadata:   metadata,
	})
	if err != nil && s.log != nil {
		s.log.Warnw("audit write failed", "action", action, "err", err)
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	return s.repo.ListAuditLogs(ctx, limit)
}

// AuthRequired reports whether any API key is configured.
func (s *Service) AuthRequired() bool {
	return len(s.apiKeys) > 0
}

func (s *Service) AuthenticateAPIKey(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	_, ok := s.apiKeys[hashToken(token)]
	return ok
}

// GenerateAPIKey returns a new random key and the digest to put in api_keys.
func GenerateAPIKey() (string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	plain := "zb_" + base64.RawURLEncoding.EncodeToString(raw)
	return plain, hashToken(plain), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", sum[:])
}

func defaultString(input, fallback string) string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	return input
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
