package application

import (
	"context"

	"github.com/Bafix001/zibridge/internal/domain"
)

// AssociationGraph manages live edges and reads frozen ones. Edges are
// looked up from either endpoint and returned oriented from the queried node.
type AssociationGraph struct {
	repo domain.Repository
}

func NewAssociationGraph(repo domain.Repository) *AssociationGraph {
	return &AssociationGraph{repo: repo}
}

// Link creates the edge when both endpoints exist in the live store.
func (g *AssociationGraph) Link(ctx context.Context, projectID uint, edge domain.AssociationEdge) (bool, error) {
	edge, err := normalizeEdge(edge)
	if err != nil {
		return false, err
	}
	for _, end := range []domain.Identity{edge.From(), edge.To()} {
		if _, err := g.repo.GetEntity(ctx, projectID, end); err != nil {
			if domain.KindOf(err) == domain.KindNotFound {
				return false, domain.Errorf(domain.KindValidation, "cannot link %s: endpoint %s is not in the live store", edge.Key(), end.Key())
			}
			return false, err
		}
	}
	return g.repo.UpsertAssociation(ctx, projectID, edge)
}

func (g *AssociationGraph) Unlink(ctx context.Context, projectID uint, edge domain.AssociationEdge) (bool, error) {
	edge, err := normalizeEdge(edge)
	if err != nil {
		return false, err
	}
	return g.repo.DeleteAssociation(ctx, projectID, edge)
}

func (g *AssociationGraph) EdgesOf(ctx context.Context, projectID uint, id domain.Identity) ([]domain.AssociationEdge, error) {
	t, err := domain.ParseEntityType(string(id.Type))
	if err != nil {
		return nil, err
	}
	id.Type = t
	return g.repo.EdgesOf(ctx, projectID, id)
}

func (g *AssociationGraph) SnapshotEdgesOf(ctx context.Context, snapshotID uint, id domain.Identity) ([]domain.AssociationEdge, error) {
	t, err := domain.ParseEntityType(string(id.Type))
	if err != nil {
		return nil, err
	}
	id.Type = t
	if _, err := g.repo.GetSnapshot(ctx, snapshotID); err != nil {
		return nil, err
	}
	return g.repo.SnapshotEdgesOf(ctx, snapshotID, id)
}

func normalizeEdge(edge domain.AssociationEdge) (domain.AssociationEdge, error) {
	from, err := domain.ParseEntityType(string(edge.FromType))
	if err != nil {
		return domain.AssociationEdge{}, err
	}
	to, err := domain.ParseEntityType(string(edge.ToType))
	if err != nil {
		return domain.AssociationEdge{}, err
	}
	if edge.FromID == "" || edge.ToID == "" {
		return domain.AssociationEdge{}, domain.Errorf(domain.KindValidation, "edge endpoints need ids")
	}
	if from == to && edge.FromID == edge.ToID {
		return domain.AssociationEdge{}, domain.Errorf(domain.KindValidation, "an entity cannot be associated with itself")
	}
	return domain.NewEdge(domain.Identity{Type: from, ID: edge.FromID}, domain.Identity{Type: to, ID: edge.ToID}, edge.Kind), nil
}
