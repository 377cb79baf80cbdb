package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestParseEntityType(t *testing.T) {
	cases := map[string]EntityType{
		"company":   EntityCompany,
		"Companies": EntityCompany,
		" contacts": EntityContact,
		"DEAL":      EntityDeal,
		"tickets":   EntityTicket,
	}
	for raw, want := range cases {
		got, err := ParseEntityType(raw)
		if err != nil || got != want {
			t.Fatalf("ParseEntityType(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
	if _, err := ParseEntityType("invoice"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if EntityCompany.Plural() != "companies" || EntityDeal.Plural() != "deals" {
		t.Fatalf("unexpected plurals")
	}
}

func TestEdgeCanonicalFormIsDirectionless(t *testing.T) {
	contact := Identity{Type: EntityContact, ID: "7"}
	company := Identity{Type: EntityCompany, ID: "10"}

	forward := NewEdge(contact, company, "")
	backward := NewEdge(company, contact, "")

	if forward.Kind != "contact_to_company" || backward.Kind != "company_to_contact" {
		t.Fatalf("unexpected default kinds: %q %q", forward.Kind, backward.Kind)
	}
	if forward.Key() != backward.Key() {
		t.Fatalf("both directions must share a key: %s vs %s", forward.Key(), backward.Key())
	}
	if c := forward.Canonical(); c.From() != company || c.Kind != "company_to_contact" {
		t.Fatalf("canonical form must start at the smaller key: %+v", c)
	}
	if got := forward.Canonical().OrientedFrom(contact); got != forward {
		t.Fatalf("OrientedFrom must restore the original direction, got %+v", got)
	}

	custom := NewEdge(contact, company, "primary")
	if custom.Reverse().Kind != "primary" {
		t.Fatalf("custom kinds are symmetric")
	}
	if !custom.Touches(company) || custom.Touches(Identity{Type: EntityDeal, ID: "7"}) {
		t.Fatalf("Touches mismatch")
	}
}

func TestEntityValidate(t *testing.T) {
	valid := Entity{Type: EntityDeal, ID: "5"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid entity rejected: %v", err)
	}
	for _, e := range []Entity{
		{Type: EntityDeal, ID: " "},
		{Type: EntityDeal, ID: "a/b"},
		{Type: "lead", ID: "1"},
	} {
		if err := e.Validate(); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected validation error for %+v, got %v", e, err)
		}
	}

	withRefs := Entity{Type: EntityContact, ID: "1", Associations: []AssociationRef{{ToType: EntityCompany, ToID: "10"}}}
	edges := withRefs.Edges()
	if len(edges) != 1 || edges[0].From() != withRefs.Identity() {
		t.Fatalf("unexpected edges %+v", edges)
	}
}

func TestContentHashIgnoresKeyOrderAndNumberSpelling(t *testing.T) {
	var decoded Fields
	dec := json.NewDecoder(strings.NewReader(`{"b": 2, "a": "x"}`))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}

	h1, err := ContentHash(Fields{"a": "x", "b": 2})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, _ := ContentHash(decoded)
	if h1 != h2 {
		t.Fatalf("hash must not depend on key order or decoding: %s vs %s", h1, h2)
	}
	h3, _ := ContentHash(Fields{"a": "x", "b": 3})
	if h1 == h3 {
		t.Fatalf("different content must hash differently")
	}
	empty, _ := ContentHash(nil)
	alsoEmpty, _ := ContentHash(Fields{})
	if empty != alsoEmpty {
		t.Fatalf("nil and empty fields must hash alike")
	}
}

func TestErrorKinds(t *testing.T) {
	base := Errorf(KindNotFound, "snapshot %d not found", 3)
	wrapped := fmt.Errorf("load: %w", base)
	if !errors.Is(wrapped, ErrNotFound) || errors.Is(wrapped, ErrNotReady) {
		t.Fatalf("kind matching through wrapping failed")
	}
	if KindOf(wrapped) != KindNotFound {
		t.Fatalf("KindOf = %q", KindOf(wrapped))
	}

	cause := errors.New("dial tcp: refused")
	src := Wrap(KindSourceUnavailable, cause, "fetch from hubspot")
	if src.Error() != "fetch from hubspot: dial tcp: refused" || !errors.Is(src, cause) {
		t.Fatalf("unexpected wrap: %v", src)
	}
	if Wrap(KindValidation, nil, "x") != nil {
		t.Fatalf("wrapping nil must stay nil")
	}
}

func TestRestoreReportErr(t *testing.T) {
	partial := RestoreReport{SnapshotID: 4, Status: RestorePartial, Summary: RestoreSummary{Failed: 1}}
	if !errors.Is(partial.Err(), ErrPartialFailure) {
		t.Fatalf("partial report must carry a partial failure")
	}
	if (RestoreReport{Status: RestoreCancelled}).Err() != nil {
		t.Fatalf("cancelled runs are not errors")
	}
	if (Snapshot{Status: SnapshotCompleted}).EffectiveStatus() != SnapshotFailed {
		t.Fatalf("an empty completed snapshot counts as failed")
	}
}
