package application

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/Bafix001/zibridge/internal/domain"
	"golang.org/x/text/unicode/norm"
)

// Normalizer decides field equality between two captures of one entity.
//
// Rules, applied per field:
//   - ignored fields are dropped;
//   - null, missing and "" are the same;
//   - strings are trimmed and NFC-normalized;
//   - numbers and numeric strings compare by exact decimal value;
//   - booleans equal the strings "true"/"false" in any case;
//   - objects and arrays compare by canonical JSON.
//
// System fields count for equality but are reported apart from changes.
type Normalizer struct {
	ignore map[string]struct{}
	system map[string]struct{}
}

func NewNormalizer(ignoreFields, systemFields []string) *Normalizer {
	n := &Normalizer{
		ignore: make(map[string]struct{}, len(ignoreFields)),
		system: make(map[string]struct{}, len(systemFields)),
	}
	for _, f := range ignoreFields {
		n.ignore[strings.TrimSpace(f)] = struct{}{}
	}
	for _, f := range systemFields {
		n.system[strings.TrimSpace(f)] = struct{}{}
	}
	return n
}

// WithIgnored returns a copy that also drops extra.
func (n *Normalizer) WithIgnored(extra []string) *Normalizer {
	if len(extra) == 0 {
		return n
	}
	out := &Normalizer{
		ignore: make(map[string]struct{}, len(n.ignore)+len(extra)),
		system: n.system,
	}
	for k := range n.ignore {
		out.ignore[k] = struct{}{}
	}
	for _, f := range extra {
		out.ignore[strings.TrimSpace(f)] = struct{}{}
	}
	return out
}

func (n *Normalizer) IsSystem(field string) bool {
	if strings.HasPrefix(field, "_") {
		return true
	}
	_, ok := n.system[field]
	return ok
}

func (n *Normalizer) ignored(field string) bool {
	_, ok := n.ignore[field]
	return ok
}

// Equal reports whether a and b hold the same normalized fields.
func (n *Normalizer) Equal(a, b domain.Fields) bool {
	for _, k := range n.fieldUnion(a, b) {
		if canonicalValue(a[k]) != canonicalValue(b[k]) {
			return false
		}
	}
	return true
}

// Changes lists fields whose normalized values differ, with the raw values.
// Differing system fields are returned by name only.
func (n *Normalizer) Changes(a, b domain.Fields) (map[string]domain.FieldChange, []string) {
	changes := make(map[string]domain.FieldChange)
	var system []string
	for _, k := range n.fieldUnion(a, b) {
		if canonicalValue(a[k]) == canonicalValue(b[k]) {
			continue
		}
		if n.IsSystem(k) {
			system = append(system, k)
			continue
		}
		changes[k] = domain.FieldChange{Old: a[k], New: b[k]}
	}
	return changes, system
}

func (n *Normalizer) fieldUnion(a, b domain.Fields) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	keys := make([]string, 0, len(a)+len(b))
	for _, m := range []domain.Fields{a, b} {
		for k := range m {
			if _, ok := seen[k]; ok || n.ignored(k) {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// canonicalValue maps a raw field value onto a comparison key. The empty
// key means "no value".
func canonicalValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return canonicalString(x)
	case json.Number:
		return canonicalString(x.String())
	case bool:
		return "b:" + strconv.FormatBool(x)
	case float64:
		return canonicalNumber(strconv.FormatFloat(x, 'g', -1, 64))
	case float32:
		return canonicalNumber(strconv.FormatFloat(float64(x), 'g', -1, 32))
	case int:
		return canonicalNumber(strconv.FormatInt(int64(x), 10))
	case int64:
		return canonicalNumber(strconv.FormatInt(x, 10))
	case int32:
		return canonicalNumber(strconv.FormatInt(int64(x), 10))
	case uint:
		return canonicalNumber(strconv.FormatUint(uint64(x), 10))
	case uint64:
		return canonicalNumber(strconv.FormatUint(x, 10))
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return "s:" + fmt.Sprint(x)
		}
		return "j:" + string(b)
	}
	return canonicalString(fmt.Sprint(v))
}

func canonicalString(s string) string {
	s = norm.NFC.String(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if isDecimal(s) {
		return canonicalNumber(s)
	}
	switch strings.ToLower(s) {
	case "true", "false":
		return "b:" + strings.ToLower(s)
	}
	return "s:" + s
}

func canonicalNumber(s string) string {
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return "s:" + s
	}
	return "n:" + r.RatString()
}

// isDecimal accepts [+-]digits[.digits][e[+-]digits], with digits on at
// least one side of the point and at most four exponent digits.
func isDecimal(s string) bool {
	i := 0
	if i < len(s) && (s[i] == '+' || s[i] == '-') {
		i++
	}
	digits := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
		digits++
	}
	if i < len(s) && s[i] == '.' {
		i++
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
			digits++
		}
	}
	if digits == 0 {
		return false
	}
	if i < len(s) && (s[i] == 'e' || s[i] == 'E') {
		i++
		if i < len(s) && (s[i] == '+' || s[i] == '-') {
			i++
		}
		exp := 0
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
			exp++
		}
		// Huge exponents stay strings rather than expanding into big numbers.
		if exp == 0 || exp > 4 {
			return false
		}
	}
	return i == len(s)
}
