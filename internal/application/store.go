package application

import (
	"context"
	"fmt"

	"github.com/Bafix001/zibridge/internal/domain"
	"github.com/Bafix001/zibridge/internal/lock"
)

// EntityStore is the versioned live store. Writes to one entity are
// serialized through a keyed lock; reads never take it.
type EntityStore struct {
	repo  domain.Repository
	locks *lock.Local
}

func NewEntityStore(repo domain.Repository, locks *lock.Local) *EntityStore {
	if locks == nil {
		locks = lock.NewLocal()
	}
	return &EntityStore{repo: repo, locks: locks}
}

// Put upserts value into the project's live store. The revision only moves
// when the content hash changes.
func (s *EntityStore) Put(ctx context.Context, projectID uint, value domain.Entity) (domain.Entity, bool, error) {
	if _, err := s.repo.GetProject(ctx, projectID); err != nil {
		return domain.Entity{}, false, err
	}
	return s.put(ctx, projectID, value, "")
}

// put skips the project lookup; callers have already resolved the project.
func (s *EntityStore) put(ctx context.Context, projectID uint, value domain.Entity, op string) (domain.Entity, bool, error) {
	if err := value.Validate(); err != nil {
		return domain.Entity{}, false, err
	}
	value.Type, _ = domain.ParseEntityType(string(value.Type))

	var (
		out     domain.Entity
		changed bool
	)
	err := s.withEntity(ctx, projectID, value.Identity(), func() error {
		var err error
		out, changed, err = s.repo.UpsertEntity(ctx, projectID, value, op)
		return err
	})
	return out, changed, err
}

func (s *EntityStore) Delete(ctx context.Context, projectID uint, id domain.Identity) (bool, error) {
	var deleted bool
	err := s.withEntity(ctx, projectID, id, func() error {
		var err error
		deleted, err = s.repo.DeleteEntity(ctx, projectID, id)
		return err
	})
	return deleted, err
}

func (s *EntityStore) Get(ctx context.Context, projectID uint, id domain.Identity) (domain.Entity, error) {
	return s.repo.GetEntity(ctx, projectID, id)
}

func (s *EntityStore) List(ctx context.Context, projectID uint, entityType domain.EntityType, limit int) ([]domain.Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 5000 {
		limit = 5000
	}
	if _, err := s.repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.repo.ListEntities(ctx, projectID, entityType, limit)
}

func (s *EntityStore) History(ctx context.Context, projectID uint, id domain.Identity, limit int) ([]domain.EntityRevision, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	items, err := s.repo.ListRevisions(ctx, projectID, id, limit)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, domain.Errorf(domain.KindNotFound, "entity %s has no history", id.Key())
	}
	return items, nil
}

func (s *EntityStore) Scan(ctx context.Context, projectID uint, batchSize int, fn func([]domain.Entity) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	return s.repo.ScanEntities(ctx, projectID, batchSize, fn)
}

// withEntity runs fn inside the write section of one entity.
func (s *EntityStore) withEntity(ctx context.Context, projectID uint, id domain.Identity, fn func() error) error {
	unlock, err := s.locks.Lock(ctx, fmt.Sprintf("entity:%d:%s", projectID, id.Key()))
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}
