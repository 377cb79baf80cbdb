package application

import (
	"time"

	"github.com/Bafix001/zibridge/internal/domain"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

type snapshotContents struct {
	entities []domain.Entity
	edges    []domain.AssociationEdge
}

// snapshotCache holds the contents of finished snapshots, which never change.
type snapshotCache struct {
	lru *expirable.LRU[uint, *snapshotContents]
}

func newSnapshotCache(size int, ttl time.Duration) *snapshotCache {
	if size <= 0 {
		return &snapshotCache{}
	}
	return &snapshotCache{lru: expirable.NewLRU[uint, *snapshotContents](size, nil, ttl)}
}

func (c *snapshotCache) get(id uint) (*snapshotContents, bool) {
	if c == nil || c.lru == nil {
		return nil, false
	}
	return c.lru.Get(id)
}

func (c *snapshotCache) add(id uint, v *snapshotContents) {
	if c == nil || c.lru == nil {
		return
	}
	c.lru.Add(id, v)
}
