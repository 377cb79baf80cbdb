package domain

import (
	"strings"
	"time"
)

type EntityType string

const (
	EntityCompany EntityType = "company"
	EntityContact EntityType = "contact"
	EntityDeal    EntityType = "deal"
	EntityTicket  EntityType = "ticket"
)

var EntityTypes = []EntityType{EntityCompany, EntityContact, EntityDeal, EntityTicket}

// ParseEntityType accepts singular or plural names in any case.
func ParseEntityType(raw string) (EntityType, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch v {
	case "company", "companies":
		return EntityCompany, nil
	case "contact", "contacts":
		return EntityContact, nil
	case "deal", "deals":
		return EntityDeal, nil
	case "ticket", "tickets":
		return EntityTicket, nil
	}
	return "", Errorf(KindValidation, "unknown entity type %q", raw)
}

func (t EntityType) Plural() string {
	if t == EntityCompany {
		return "companies"
	}
	return string(t) + "s"
}

type Identity struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

func (i Identity) Key() string { return string(i.Type) + "/" + i.ID }

func (i Identity) String() string { return i.Key() }

type Fields map[string]any

func (f Fields) Clone() Fields {
	if f == nil {
		return Fields{}
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

type AssociationRef struct {
	ToType EntityType `json:"to_type"`
	ToID   string     `json:"to_id"`
	Kind   string     `json:"kind,omitempty"`
}

type Entity struct {
	Type         EntityType       `json:"type"`
	ID           string           `json:"id"`
	Fields       Fields           `json:"fields"`
	Associations []AssociationRef `json:"associations,omitempty"`
	Revision     int              `json:"revision,omitempty"`
	ContentHash  string           `json:"content_hash,omitempty"`
	UpdatedAt    time.Time        `json:"updated_at,omitempty"`
}

func (e Entity) Identity() Identity { return Identity{Type: e.Type, ID: e.ID} }

// Edges expands the entity's association refs into edges starting at the entity.
func (e Entity) Edges() []AssociationEdge {
	out := make([]AssociationEdge, 0, len(e.Associations))
	for _, ref := range e.Associations {
		out = append(out, NewEdge(e.Identity(), Identity{Type: ref.ToType, ID: ref.ToID}, ref.Kind))
	}
	return out
}

func (e Entity) Validate() error {
	if _, err := ParseEntityType(string(e.Type)); err != nil {
		return err
	}
	if strings.TrimSpace(e.ID) == "" {
		return Errorf(KindValidation, "entity id is required")
	}
	if strings.Contains(e.ID, "/") {
		return Errorf(KindValidation, "entity id %q must not contain '/'", e.ID)
	}
	return nil
}

type AssociationEdge struct {
	FromType EntityType `json:"from_type"`
	FromID   string     `json:"from_id"`
	ToType   EntityType `json:"to_type"`
	ToID     string     `json:"to_id"`
	Kind     string     `json:"kind"`
}

func NewEdge(from, to Identity, kind string) AssociationEdge {
	if strings.TrimSpace(kind) == "" {
		kind = DefaultKind(from.Type, to.Type)
	}
	return AssociationEdge{FromType: from.Type, FromID: from.ID, ToType: to.Type, ToID: to.ID, Kind: kind}
}

func DefaultKind(from, to EntityType) string {
	return string(from) + "_to_" + string(to)
}

// InverseKind swaps the endpoints of an "<a>_to_<b>" kind; other kinds are
// symmetric and returned unchanged.
func InverseKind(kind string) string {
	parts := strings.SplitN(kind, "_to_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return kind
	}
	return parts[1] + "_to_" + parts[0]
}

func (e AssociationEdge) From() Identity { return Identity{Type: e.FromType, ID: e.FromID} }

func (e AssociationEdge) To() Identity { return Identity{Type: e.ToType, ID: e.ToID} }

func (e AssociationEdge) Reverse() AssociationEdge {
	return AssociationEdge{FromType: e.ToType, FromID: e.ToID, ToType: e.FromType, ToID: e.FromID, Kind: InverseKind(e.Kind)}
}

// Canonical orients the edge so that the endpoint with the smaller key comes
// first. Both directions of one association share a canonical form.
func (e AssociationEdge) Canonical() AssociationEdge {
	if e.Kind == "" {
		e.Kind = DefaultKind(e.FromType, e.ToType)
	}
	if e.From().Key() > e.To().Key() {
		return e.Reverse()
	}
	return e
}

func (e AssociationEdge) Key() string {
	c := e.Canonical()
	return c.From().Key() + "|" + c.Kind + "|" + c.To().Key()
}

func (e AssociationEdge) Touches(id Identity) bool {
	return e.From() == id || e.To() == id
}

// OrientedFrom returns the edge as seen from id.
func (e AssociationEdge) OrientedFrom(id Identity) AssociationEdge {
	if e.To() == id && e.From() != id {
		return e.Reverse()
	}
	return e
}
