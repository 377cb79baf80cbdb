package application

import (
	"context"
	"time"

	"github.com/Bafix001/zibridge/internal/domain"
	"github.com/Bafix001/zibridge/internal/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Compare diffs two entity sequences by identity. Created and updated follow
// target order, deleted follows base order.
func Compare(base, target []domain.Entity, n *Normalizer) (domain.DiffSummary, domain.DiffDetails) {
	baseIdx := make(map[domain.Identity]domain.Entity, len(base))
	for _, e := range base {
		baseIdx[e.Identity()] = e
	}
	targetIdx := make(map[domain.Identity]struct{}, len(target))

	var summary domain.DiffSummary
	details := domain.DiffDetails{
		Created:      []domain.Entity{},
		Updated:      []domain.UpdatedEntity{},
		Deleted:      []domain.Entity{},
		EdgesAdded:   []domain.AssociationEdge{},
		EdgesRemoved: []domain.AssociationEdge{},
	}

	for _, t := range target {
		id := t.Identity()
		if _, dup := targetIdx[id]; dup {
			continue
		}
		targetIdx[id] = struct{}{}

		b, ok := baseIdx[id]
		if !ok {
			details.Created = append(details.Created, t)
			continue
		}
		if n.Equal(b.Fields, t.Fields) {
			summary.Unchanged++
			continue
		}
		changes, system := n.Changes(b.Fields, t.Fields)
		details.Updated = append(details.Updated, domain.UpdatedEntity{
			Type:         t.Type,
			ID:           t.ID,
			Changes:      changes,
			SystemFields: system,
			OldHash:      b.ContentHash,
			NewHash:      t.ContentHash,
		})
	}

	seenBase := make(map[domain.Identity]struct{}, len(base))
	for _, b := range base {
		id := b.Identity()
		if _, dup := seenBase[id]; dup {
			continue
		}
		seenBase[id] = struct{}{}
		if _, ok := targetIdx[id]; !ok {
			details.Deleted = append(details.Deleted, b)
		}
	}

	summary.Created = len(details.Created)
	summary.Updated = len(details.Updated)
	summary.Deleted = len(details.Deleted)
	return summary, details
}

// CompareEdges returns the edges only in target and only in base, in edge-key
// order.
func CompareEdges(base, target []domain.AssociationEdge) ([]domain.AssociationEdge, []domain.AssociationEdge) {
	baseSet := edgeSet(base)
	targetSet := edgeSet(target)

	added := make([]domain.AssociationEdge, 0)
	for _, k := range sortedKeys(targetSet) {
		if _, ok := baseSet[k]; !ok {
			added = append(added, targetSet[k])
		}
	}
	removed := make([]domain.AssociationEdge, 0)
	for _, k := range sortedKeys(baseSet) {
		if _, ok := targetSet[k]; !ok {
			removed = append(removed, baseSet[k])
		}
	}
	return added, removed
}

func edgeSet(edges []domain.AssociationEdge) map[string]domain.AssociationEdge {
	out := make(map[string]domain.AssociationEdge, len(edges))
	for _, e := range edges {
		out[e.Key()] = e.Canonical()
	}
	return out
}

// DiffEngine compares two finished snapshots. It never reads the live store.
type DiffEngine struct {
	repo      domain.Repository
	snapshots *SnapshotBuilder
	norm      *Normalizer
}

func NewDiffEngine(repo domain.Repository, snapshots *SnapshotBuilder, norm *Normalizer) *DiffEngine {
	return &DiffEngine{repo: repo, snapshots: snapshots, norm: norm}
}

func (d *DiffEngine) Diff(ctx context.Context, baseID, targetID uint) (domain.DiffResult, error) {
	ctx, span := tracer.Start(ctx, "snapshot.diff")
	defer span.End()
	span.SetAttributes(attribute.Int("diff.base", int(baseID)), attribute.Int("diff.target", int(targetID)))
	start := time.Now()

	result, err := d.diff(ctx, baseID, targetID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.DiffResult{}, err
	}
	metrics.DiffDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("diff.created", result.Summary.Created),
		attribute.Int("diff.updated", result.Summary.Updated),
		attribute.Int("diff.deleted", result.Summary.Deleted),
	)
	return result, nil
}

func (d *DiffEngine) diff(ctx context.Context, baseID, targetID uint) (domain.DiffResult, error) {
	base, err := d.snapshots.eligible(ctx, baseID)
	if err != nil {
		return domain.DiffResult{}, err
	}
	target, err := d.snapshots.eligible(ctx, targetID)
	if err != nil {
		return domain.DiffResult{}, err
	}
	if base.ProjectID != target.ProjectID {
		return domain.DiffResult{}, domain.Errorf(domain.KindValidation,
			"snapshots %d and %d belong to different projects", baseID, targetID)
	}
	project, err := d.repo.GetProject(ctx, base.ProjectID)
	if err != nil {
		return domain.DiffResult{}, err
	}

	baseContents, err := d.snapshots.contents(ctx, base)
	if err != nil {
		return domain.DiffResult{}, err
	}
	targetContents, err := d.snapshots.contents(ctx, target)
	if err != nil {
		return domain.DiffResult{}, err
	}

	summary, details := Compare(baseContents.entities, targetContents.entities, d.norm.WithIgnored(project.Config.IgnoreFields))
	details.EdgesAdded, details.EdgesRemoved = CompareEdges(baseContents.edges, targetContents.edges)
	summary.EdgesAdded = len(details.EdgesAdded)
	summary.EdgesRemoved = len(details.EdgesRemoved)

	return domain.DiffResult{Base: baseID, Target: targetID, Summary: summary, Details: details}, nil
}
