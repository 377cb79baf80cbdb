package application

import (
	"encoding/json"
	"testing"

	"github.com/Bafix001/zibridge/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestNormalizerEquivalences(t *testing.T) {
	n := NewNormalizer(nil, DefaultSystemFields)

	equal := []struct {
		name string
		a, b any
	}{
		{"null equals missing", nil, "__missing__"},
		{"empty string equals null", "", nil},
		{"whitespace is trimmed", "  Alice ", "Alice"},
		{"nfc normalization", "Cafe\u0301", "Caf\u00e9"},
		{"numeric string equals int", "42", 42},
		{"decimal zeros", "42.00", 42.0},
		{"json number", json.Number("1e3"), "1000"},
		{"exact decimal", "0.1", 0.1},
		{"bool string", "TRUE", true},
		{"objects by canonical json", map[string]any{"b": 1, "a": "x"}, map[string]any{"a": "x", "b": 1}},
	}
	for _, tt := range equal {
		t.Run(tt.name, func(t *testing.T) {
			a, b := domain.Fields{"f": tt.a}, domain.Fields{"f": tt.b}
			if tt.b == "__missing__" {
				b = domain.Fields{}
			}
			assert.True(t, n.Equal(a, b), "%v should equal %v", tt.a, tt.b)
		})
	}

	different := []struct {
		name string
		a, b any
	}{
		{"different numbers", "42", "42.01"},
		{"case matters for text", "alice", "Alice"},
		{"bool against text", true, "yes"},
		{"number against text", "12", "12a"},
		{"huge exponent is text", "1e99999", "1e99998"},
	}
	for _, tt := range different {
		t.Run(tt.name, func(t *testing.T) {
			assert.False(t, n.Equal(domain.Fields{"f": tt.a}, domain.Fields{"f": tt.b}))
		})
	}
}

func TestNormalizerIgnoresAndSeparatesSystemFields(t *testing.T) {
	n := NewNormalizer([]string{"notes_last_updated"}, DefaultSystemFields)

	a := domain.Fields{"name": "Alice", "notes_last_updated": "2024-01-01", "hs_lastmodifieddate": "1"}
	b := domain.Fields{"name": "Alice", "notes_last_updated": "2024-06-01", "hs_lastmodifieddate": "2"}

	assert.False(t, n.Equal(a, b), "system fields still count for equality")
	changes, system := n.Changes(a, b)
	assert.Empty(t, changes)
	assert.Equal(t, []string{"hs_lastmodifieddate"}, system)

	delete(a, "hs_lastmodifieddate")
	delete(b, "hs_lastmodifieddate")
	assert.True(t, n.Equal(a, b), "ignored fields never count")

	scoped := n.WithIgnored([]string{"name"})
	assert.True(t, scoped.Equal(domain.Fields{"name": "x"}, domain.Fields{"name": "y"}))
	assert.False(t, n.Equal(domain.Fields{"name": "x"}, domain.Fields{"name": "y"}), "WithIgnored must not mutate the receiver")

	assert.True(t, n.IsSystem("_links"))
	_, sys := n.Changes(domain.Fields{"_links": "a"}, domain.Fields{"_links": "b"})
	assert.Equal(t, []string{"_links"}, sys)
}

func TestNormalizerChangesCarryRawValues(t *testing.T) {
	n := NewNormalizer(nil, nil)
	changes, _ := n.Changes(domain.Fields{"amount": "10", "stage": "open"}, domain.Fields{"amount": 10.0, "stage": "won"})
	assert.Equal(t, map[string]domain.FieldChange{"stage": {Old: "open", New: "won"}}, changes)
}
