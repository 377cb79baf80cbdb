package connectors

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Bafix001/zibridge/internal/domain"
)

// columnAliases classifies free-form spreadsheet headers. Order matters: a
// header is assigned to the first type with a matching alias.
var columnAliases = []struct {
	entityType domain.EntityType
	aliases    []string
}{
	{domain.EntityCompany, []string{"company", "entreprise", "societe", "org", "organization", "account", "business", "vendor"}},
	{domain.EntityContact, []string{"contact", "client", "utilisateur", "personne", "user", "person", "lead", "employee", "customer", "email"}},
	{domain.EntityDeal, []string{"deal", "affaire", "opportunite", "opportunity", "sale", "transaction", "order", "contrat"}},
	{domain.EntityTicket, []string{"ticket", "incident", "requete", "support", "task", "issue", "bug", "case"}},
}

const assocPrefix = "assoc:"

// FileSource reads an uploaded .csv or .json export.
//
// Files with "type" and "id" columns hold one entity per row; "assoc:<type>"
// columns list associated ids separated by ';'. Any other file is classified
// column by column and every row yields one entity per detected type, all
// linked to each other.
type FileSource struct {
	name     string
	filename string
	data     []byte
}

func NewFileSource(name, filename string, data []byte) (*FileSource, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv", ".json":
	default:
		return nil, domain.Errorf(domain.KindValidation, "unsupported file %q: expected .csv or .json", filename)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, domain.Errorf(domain.KindValidation, "file %q is empty", filename)
	}
	if strings.TrimSpace(name) == "" {
		name = "csv"
	}
	return &FileSource{name: name, filename: filename, data: data}, nil
}

func (s *FileSource) Name() string { return s.name }

func (s *FileSource) Fetch(ctx context.Context, emit func(domain.Entity) error) error {
	var (
		header []string
		rows   [][]string
		err    error
	)
	if strings.EqualFold(filepath.Ext(s.filename), ".json") {
		header, rows, err = jsonRows(s.data)
	} else {
		header, rows, err = csvRows(s.data)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", s.filename, err)
	}

	if hasColumns(header, "type", "id") {
		return emitTyped(ctx, header, rows, emit)
	}
	return emitClassified(ctx, header, rows, emit)
}

func csvRows(data []byte) ([]string, [][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	if first, _, _ := bytes.Cut(data, []byte("\n")); bytes.Count(first, []byte(";")) > bytes.Count(first, []byte(",")) {
		r.Comma = ';'
	}

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil, fmt.Errorf("no header row")
	}
	if err != nil {
		return nil, nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	rows, err := r.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	return header, rows, nil
}

// jsonRows flattens an array of objects into CSV-like rows. Nested values
// are kept as their JSON text.
func jsonRows(data []byte) ([]string, [][]string, error) {
	var records []map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&records); err != nil {
		return nil, nil, fmt.Errorf("expected an array of objects: %w", err)
	}

	index := map[string]int{}
	header := []string{}
	for _, rec := range records {
		for _, k := range sortedFieldKeys(rec) {
			if _, ok := index[k]; !ok {
				index[k] = len(header)
				header = append(header, k)
			}
		}
	}
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		row := make([]string, len(header))
		for k, v := range rec {
			row[index[k]] = cellText(v)
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

func cellText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number, bool:
		return fmt.Sprint(x)
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func emitTyped(ctx context.Context, header []string, rows [][]string, emit func(domain.Entity) error) error {
	for line, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		e := domain.Entity{Fields: domain.Fields{}}
		for i, col := range header {
			if i >= len(row) {
				break
			}
			val := strings.TrimSpace(row[i])
			key := strings.ToLower(col)
			switch {
			case key == "type":
				e.Type = domain.EntityType(val)
			case key == "id":
				e.ID = val
			case strings.HasPrefix(key, assocPrefix):
				toType, err := domain.ParseEntityType(strings.TrimPrefix(key, assocPrefix))
				if err != nil {
					return fmt.Errorf("column %q: %w", col, err)
				}
				for _, id := range strings.Split(val, ";") {
					if id = strings.TrimSpace(id); id != "" {
						e.Associations = append(e.Associations, domain.AssociationRef{ToType: toType, ToID: id})
					}
				}
			case val != "":
				e.Fields[col] = val
			}
		}
		if e.Type == "" && e.ID == "" {
			continue
		}
		if err := emit(e); err != nil {
			return fmt.Errorf("row %d: %w", line+2, err)
		}
	}
	return nil
}

func emitClassified(ctx context.Context, header []string, rows [][]string, emit func(domain.Entity) error) error {
	groups := classifyColumns(header)
	if len(groups) == 0 {
		return domain.Errorf(domain.KindValidation, "no column matches a known entity type")
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		entities := make([]domain.Entity, 0, len(groups))
		for _, g := range groups {
			fields := domain.Fields{}
			for _, i := range g.columns {
				if i >= len(row) {
					continue
				}
				if val := strings.TrimSpace(row[i]); val != "" {
					fields[fieldName(header[i], g.entityType)] = val
				}
			}
			key := cell(row, g.columns[0])
			if key == "" {
				continue
			}
			entities = append(entities, domain.Entity{Type: g.entityType, ID: fileID(key), Fields: fields})
		}

		for i := range entities {
			for j := i + 1; j < len(entities); j++ {
				entities[i].Associations = append(entities[i].Associations, domain.AssociationRef{
					ToType: entities[j].Type,
					ToID:   entities[j].ID,
				})
			}
			if err := emit(entities[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

type columnGroup struct {
	entityType domain.EntityType
	columns    []int
}

func classifyColumns(header []string) []columnGroup {
	byType := map[domain.EntityType][]int{}
	for i, col := range header {
		lower := strings.ToLower(col)
	match:
		for _, a := range columnAliases {
			for _, alias := range a.aliases {
				if strings.Contains(lower, alias) {
					byType[a.entityType] = append(byType[a.entityType], i)
					break match
				}
			}
		}
	}
	groups := make([]columnGroup, 0, len(byType))
	for _, t := range domain.EntityTypes {
		if cols, ok := byType[t]; ok {
			groups = append(groups, columnGroup{entityType: t, columns: cols})
		}
	}
	return groups
}

// fieldName drops a "<type>_" prefix so "company_name" becomes "name".
func fieldName(col string, t domain.EntityType) string {
	lower := strings.ToLower(col)
	for _, prefix := range []string{string(t) + "_", t.Plural() + "_"} {
		if strings.HasPrefix(lower, prefix) && len(col) > len(prefix) {
			return col[len(prefix):]
		}
	}
	return col
}

// fileID derives a stable id from the first cell of a column group.
func fileID(key string) string {
	sum := md5.Sum([]byte(key))
	return "csv_" + hex.EncodeToString(sum[:])[:8]
}

func cell(row []string, i int) string {
	if i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func hasColumns(header []string, names ...string) bool {
	set := map[string]struct{}{}
	for _, h := range header {
		set[strings.ToLower(h)] = struct{}{}
	}
	for _, n := range names {
		if _, ok := set[n]; !ok {
			return false
		}
	}
	return true
}

func sortedFieldKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
