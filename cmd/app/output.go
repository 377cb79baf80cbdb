package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Bafix001/zibridge/internal/domain"
)

// snapshotView mirrors the wire form of a snapshot.
type snapshotView struct {
	ID          uint           `json:"id"`
	ProjectID   uint           `json:"project_id"`
	CreatedAt   time.Time      `json:"created_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	SourceName  string         `json:"source_name"`
	SourceType  string         `json:"source_type"`
	Status      string         `json:"status"`
	ItemCount   int            `json:"item_count"`
	TotalEdges  int            `json:"total_edges"`
	ItemsByType map[string]int `json:"items_by_type"`
	Error       string         `json:"error,omitempty"`
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func printKV(rows [][2]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, row := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%s\n", row[0], row[1])
	}
	_ = w.Flush()
}

func printTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Println("no results")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		_, _ = fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatUint(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}

func formatCounts(m map[string]int) string {
	if len(m) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func printProjects(items []domain.Project) {
	rows := make([][]string, 0, len(items))
	for _, p := range items {
		rows = append(rows, []string{formatUint(p.ID), p.Name, p.DefaultSourceType, formatTime(p.CreatedAt)})
	}
	printTable([]string{"ID", "NAME", "SOURCE", "CREATED_AT"}, rows)
}

func printProject(p domain.Project) {
	creds := make([]string, 0, len(p.Config.Credentials))
	for k, v := range p.Config.Credentials {
		creds = append(creds, k+"="+v)
	}
	sort.Strings(creds)
	printKV([][2]string{
		{"id", formatUint(p.ID)},
		{"name", p.Name},
		{"icon", p.Icon},
		{"default_source_type", p.DefaultSourceType},
		{"provider", p.Config.Provider},
		{"credentials", strings.Join(creds, " ")},
		{"ignore_fields", strings.Join(p.Config.IgnoreFields, ",")},
		{"batch_size", strconv.Itoa(p.Config.BatchSize)},
		{"created_at", formatTime(p.CreatedAt)},
		{"updated_at", formatTime(p.UpdatedAt)},
	})
}

func printSnapshots(items []snapshotView, total int64) {
	rows := make([][]string, 0, len(items))
	for _, s := range items {
		rows = append(rows, []string{
			formatUint(s.ID),
			formatUint(s.ProjectID),
			s.SourceName,
			s.Status,
			strconv.Itoa(s.ItemCount),
			formatTime(s.CreatedAt),
		})
	}
	printTable([]string{"ID", "PROJECT", "SOURCE", "STATUS", "ITEMS", "CREATED_AT"}, rows)
	if len(items) > 0 {
		fmt.Printf("%d of %d\n", len(items), total)
	}
}

func printSnapshot(s snapshotView) {
	finished := "-"
	if s.FinishedAt != nil {
		finished = formatTime(*s.FinishedAt)
	}
	rows := [][2]string{
		{"id", formatUint(s.ID)},
		{"project_id", formatUint(s.ProjectID)},
		{"source", s.SourceName},
		{"source_type", s.SourceType},
		{"status", s.Status},
		{"items", strconv.Itoa(s.ItemCount)},
		{"edges", strconv.Itoa(s.TotalEdges)},
		{"items_by_type", formatCounts(s.ItemsByType)},
		{"created_at", formatTime(s.CreatedAt)},
		{"finished_at", finished},
	}
	if s.Error != "" {
		rows = append(rows, [2]string{"error", s.Error})
	}
	printKV(rows)
}

func printEdges(items []domain.AssociationEdge) {
	rows := make([][]string, 0, len(items))
	for _, e := range items {
		rows = append(rows, []string{e.From().Key(), e.Kind, e.To().Key()})
	}
	printTable([]string{"FROM", "KIND", "TO"}, rows)
}

func printEntities(items []domain.Entity) {
	rows := make([][]string, 0, len(items))
	for _, e := range items {
		hash := e.ContentHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		rows = append(rows, []string{string(e.Type), e.ID, strconv.Itoa(e.Revision), hash, strconv.Itoa(len(e.Fields)), formatTime(e.UpdatedAt)})
	}
	printTable([]string{"TYPE", "ID", "REV", "HASH", "FIELDS", "UPDATED_AT"}, rows)
}

func printRevisions(items []domain.EntityRevision) {
	rows := make([][]string, 0, len(items))
	for _, r := range items {
		hash := r.ContentHash
		if len(hash) > 12 {
			hash = hash[:12]
		}
		rows = append(rows, []string{strconv.Itoa(r.Revision), r.Op, hash, formatTime(r.CreatedAt)})
	}
	printTable([]string{"REV", "OP", "HASH", "AT"}, rows)
}

func printDiffSummary(base, target uint, s domain.DiffSummary) {
	printKV([][2]string{
		{"base", formatUint(base)},
		{"target", formatUint(target)},
		{"created", strconv.Itoa(s.Created)},
		{"updated", strconv.Itoa(s.Updated)},
		{"deleted", strconv.Itoa(s.Deleted)},
		{"unchanged", strconv.Itoa(s.Unchanged)},
		{"edges_added", strconv.Itoa(s.EdgesAdded)},
		{"edges_removed", strconv.Itoa(s.EdgesRemoved)},
	})
}

func printDiffDetails(res domain.DiffResult) {
	printDiffSummary(res.Base, res.Target, res.Summary)
	fmt.Println()
	rows := make([][]string, 0)
	for _, e := range res.Details.Created {
		rows = append(rows, []string{"+", e.Identity().Key(), ""})
	}
	for _, u := range res.Details.Updated {
		for _, field := range sortedFields(u.Changes) {
			c := u.Changes[field]
			rows = append(rows, []string{"~", u.Identity().Key(), fmt.Sprintf("%s: %v -> %v", field, c.Old, c.New)})
		}
	}
	for _, e := range res.Details.Deleted {
		rows = append(rows, []string{"-", e.Identity().Key(), ""})
	}
	for _, e := range res.Details.EdgesAdded {
		rows = append(rows, []string{"+", e.From().Key() + " <-> " + e.To().Key(), e.Kind})
	}
	for _, e := range res.Details.EdgesRemoved {
		rows = append(rows, []string{"-", e.From().Key() + " <-> " + e.To().Key(), e.Kind})
	}
	printTable([]string{"OP", "OBJECT", "CHANGE"}, rows)
}

func sortedFields(m map[string]domain.FieldChange) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func printRestoreReport(r domain.RestoreReport) {
	printKV([][2]string{
		{"run_id", r.RunID},
		{"snapshot_id", formatUint(r.SnapshotID)},
		{"mode", r.Mode},
		{"dry_run", strconv.FormatBool(r.DryRun)},
		{"status", string(r.Status)},
		{"created", strconv.Itoa(r.Summary.Created)},
		{"updated", strconv.Itoa(r.Summary.Updated)},
		{"deleted", strconv.Itoa(r.Summary.Deleted)},
		{"skipped_identical", strconv.Itoa(r.Summary.SkippedIdentical)},
		{"failed", strconv.Itoa(r.Summary.Failed)},
		{"not_attempted", strconv.Itoa(r.Summary.NotAttempted)},
		{"relations_restored", strconv.Itoa(r.Summary.EdgesRestored)},
		{"relations_removed", strconv.Itoa(r.Summary.EdgesRemoved)},
		{"relations_unresolved", strconv.Itoa(r.Summary.EdgesUnresolved)},
	})
	for _, w := range r.Warnings {
		fmt.Println("warning:", w)
	}
	if len(r.UnresolvedEdges) > 0 {
		fmt.Println()
		rows := make([][]string, 0, len(r.UnresolvedEdges))
		for _, u := range r.UnresolvedEdges {
			rows = append(rows, []string{u.Edge.From().Key(), u.Edge.To().Key(), u.Reason})
		}
		printTable([]string{"FROM", "TO", "REASON"}, rows)
	}
}

func printRestoreRun(run domain.RestoreRun) {
	finished := "-"
	if run.FinishedAt != nil {
		finished = formatTime(*run.FinishedAt)
	}
	printKV([][2]string{
		{"id", run.ID},
		{"project_id", formatUint(run.ProjectID)},
		{"snapshot_id", formatUint(run.SnapshotID)},
		{"status", string(run.Status)},
		{"created_at", formatTime(run.CreatedAt)},
		{"finished_at", finished},
		{"error", run.Error},
	})
	if run.Report != nil {
		fmt.Println()
		printRestoreReport(*run.Report)
	}
}

func printAudit(items []domain.AuditRecord) {
	rows := make([][]string, 0, len(items))
	for _, a := range items {
		rows = append(rows, []string{formatUint(a.ID), formatTime(a.CreatedAt), a.Action, a.TargetType, a.TargetID, a.Metadata})
	}
	printTable([]string{"ID", "AT", "ACTION", "TARGET", "TARGET_ID", "META"}, rows)
}

func printStats(s domain.Stats) {
	latest := "-"
	if s.LatestSnapshot != nil {
		latest = fmt.Sprintf("%d (%s)", s.LatestSnapshot.ID, formatTime(s.LatestSnapshot.Timestamp))
	}
	printKV([][2]string{
		{"projects", strconv.FormatInt(s.TotalProjects, 10)},
		{"snapshots", strconv.FormatInt(s.TotalSnapshots, 10)},
		{"latest_snapshot", latest},
		{"items", strconv.Itoa(s.TotalItems)},
		{"items_by_type", formatCounts(s.ItemsByType)},
	})
}
