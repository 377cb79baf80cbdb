package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/Bafix001/zibridge/internal/domain"
	"github.com/urfave/cli/v3"
)

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{Name: "json", Usage: "output raw JSON"}
}

// render prints v as JSON when --json is set, otherwise through table.
func render[T any](c *cli.Command, v T, table func(T)) error {
	if c.Bool("json") {
		return printJSON(v)
	}
	table(v)
	return nil
}

func projectsCommand() *cli.Command {
	return &cli.Command{
		Name:  "projects",
		Usage: "Manage projects",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Flags: []cli.Flag{&cli.StringFlag{Name: "q", Usage: "name filter"}, jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []domain.Project
					if err := doProjectsList(ctx, cfg, c.String("q"), &out); err != nil {
						return err
					}
					return render(c, out, printProjects)
				},
			},
			{
				Name:  "show",
				Flags: []cli.Flag{&cli.UintFlag{Name: "id", Required: true}, jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out domain.Project
					if err := doProjectGet(ctx, cfg, uint(c.Uint("id")), &out); err != nil {
						return err
					}
					return render(c, out, printProject)
				},
			},
			{
				Name:  "create",
				Flags: append(projectFlags(), &cli.StringFlag{Name: "name", Required: true}, jsonFlag()),
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					in, err := projectInput(c)
					if err != nil {
						return err
					}
					var out domain.Project
					if err := doProjectCreate(ctx, cfg, in, &out); err != nil {
						return err
					}
					return render(c, out, printProject)
				},
			},
			{
				Name:  "update",
				Flags: append(projectFlags(), &cli.UintFlag{Name: "id", Required: true}, &cli.StringFlag{Name: "name"}, jsonFlag()),
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					patch, err := projectInput(c)
					if err != nil {
						return err
					}
					var out domain.Project
					if err := doProjectUpdate(ctx, cfg, uint(c.Uint("id")), patch, &out); err != nil {
						return err
					}
					return render(c, out, printProject)
				},
			},
			{
				Name:  "delete",
				Usage: "Delete a project with its snapshots and live store",
				Flags: []cli.Flag{&cli.UintFlag{Name: "id", Required: true}},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					if err := doProjectDelete(ctx, cfg, uint(c.Uint("id"))); err != nil {
						return err
					}
					fmt.Printf("deleted project %d\n", c.Uint("id"))
					return nil
				},
			},
		},
	}
}

func projectFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "icon"},
		&cli.StringFlag{Name: "source-type", Usage: "default source: csv, hubspot or mock"},
		&cli.StringFlag{Name: "provider"},
		&cli.StringSliceFlag{Name: "credential", Usage: "key=value (repeatable)"},
		&cli.StringSliceFlag{Name: "ignore-field", Usage: "field excluded from comparisons (repeatable)"},
		&cli.IntFlag{Name: "batch-size"},
	}
}

// projectInput builds a create body or a patch from the flags actually set.
// Config flags replace the whole config object.
func projectInput(c *cli.Command) (map[string]any, error) {
	in := map[string]any{}
	if c.IsSet("name") {
		in["name"] = c.String("name")
	}
	if c.IsSet("icon") {
		in["icon"] = c.String("icon")
	}
	if c.IsSet("source-type") {
		in["default_source_type"] = c.String("source-type")
	}
	if c.IsSet("provider") || c.IsSet("credential") || c.IsSet("ignore-field") || c.IsSet("batch-size") {
		creds, err := parsePairs(c.StringSlice("credential"))
		if err != nil {
			return nil, err
		}
		in["config"] = domain.ProjectConfig{
			Provider:     c.String("provider"),
			Credentials:  creds,
			IgnoreFields: c.StringSlice("ignore-field"),
			BatchSize:    int(c.Int("batch-size")),
		}
	}
	return in, nil
}

func parsePairs(items []string) (map[string]string, error) {
	out := make(map[string]string, len(items))
	for _, item := range items {
		k, v, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("expected key=value, got %q", item)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

func snapshotsCommand() *cli.Command {
	return &cli.Command{
		Name:  "snapshots",
		Usage: "List, capture and inspect snapshots",
		Commands: []*cli.Command{
			{
				Name: "list",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "project"},
					&cli.IntFlag{Name: "offset"},
					&cli.IntFlag{Name: "limit", Value: 20},
					&cli.BoolFlag{Name: "asc", Usage: "oldest first"},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					items, total, err := doSnapshotsList(ctx, cfg, uint(c.Uint("project")), int(c.Int("offset")), int(c.Int("limit")), c.Bool("asc"))
					if err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(items)
					}
					printSnapshots(items, total)
					return nil
				},
			},
			{
				Name:  "show",
				Flags: []cli.Flag{&cli.UintFlag{Name: "id", Required: true}, jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out snapshotView
					if err := doSnapshotGet(ctx, cfg, uint(c.Uint("id")), &out); err != nil {
						return err
					}
					return render(c, out, printSnapshot)
				},
			},
			{
				Name:  "capture",
				Usage: "Freeze the project's live store",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "project", Required: true},
					&cli.StringFlag{Name: "source", Value: "manual"},
					&cli.BoolFlag{Name: "wait", Usage: "block until the capture finishes"},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out snapshotView
					if err := doSnapshotCapture(ctx, cfg, uint(c.Uint("project")), c.String("source"), &out); err != nil {
						return err
					}
					if c.Bool("wait") {
						if err := doSnapshotWait(ctx, cfg, out.ID, "5m", &out); err != nil {
							return err
						}
					}
					return render(c, out, printSnapshot)
				},
			},
			{
				Name:  "wait",
				Usage: "Long-poll until a snapshot leaves running",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "id", Required: true},
					&cli.StringFlag{Name: "timeout", Value: "30s"},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out snapshotView
					if err := doSnapshotWait(ctx, cfg, uint(c.Uint("id")), c.String("timeout"), &out); err != nil {
						return err
					}
					return render(c, out, printSnapshot)
				},
			},
			{
				Name:  "edges",
				Usage: "Frozen associations of one object",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "id", Required: true},
					&cli.StringFlag{Name: "type", Required: true},
					&cli.StringFlag{Name: "entity", Required: true},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []domain.AssociationEdge
					if err := doSnapshotEdges(ctx, cfg, uint(c.Uint("id")), c.String("type"), c.String("entity"), &out); err != nil {
						return err
					}
					return render(c, out, printEdges)
				},
			},
		},
	}
}

func diffCommand() *cli.Command {
	return &cli.Command{
		Name:      "diff",
		Usage:     "Compare two snapshots",
		ArgsUsage: "BASE TARGET",
		Flags:     []cli.Flag{&cli.BoolFlag{Name: "details", Usage: "list every change"}, jsonFlag()},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 2 {
				return fmt.Errorf("usage: diff BASE TARGET")
			}
			base, err := parseID(c.Args().Get(0))
			if err != nil {
				return err
			}
			target, err := parseID(c.Args().Get(1))
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var out domain.DiffResult
			if err := doDiff(ctx, cfg, base, target, c.Bool("details"), &out); err != nil {
				return err
			}
			if c.Bool("json") {
				if !c.Bool("details") {
					return printJSON(map[string]any{"base": out.Base, "target": out.Target, "summary": out.Summary})
				}
				return printJSON(out)
			}
			if c.Bool("details") {
				printDiffDetails(out)
				return nil
			}
			printDiffSummary(out.Base, out.Target, out.Summary)
			return nil
		},
	}
}

func restoreFlags() []cli.Flag {
	return []cli.Flag{
		&cli.UintFlag{Name: "snapshot", Required: true},
		&cli.BoolFlag{Name: "full", Usage: "overwrite by content hash instead of normalized comparison"},
		&cli.BoolFlag{Name: "dry-run", Usage: "plan without writing"},
		&cli.StringFlag{Name: "crm", Usage: "push to a remote CRM (hubspot)"},
		&cli.StringSliceFlag{Name: "type", Usage: "restrict to an object type (repeatable)"},
		jsonFlag(),
	}
}

func restoreArgsFrom(c *cli.Command) restoreArgs {
	return restoreArgs{
		Selective: !c.Bool("full"),
		DryRun:    c.Bool("dry-run"),
		CRMType:   c.String("crm"),
		Types:     c.StringSlice("type"),
	}
}

func restoreCommand() *cli.Command {
	return &cli.Command{
		Name:  "restore",
		Usage: "Restore a snapshot into the live store",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Restore and wait for the report",
				Flags: restoreFlags(),
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out domain.RestoreReport
					if err := doRestoreRun(ctx, cfg, uint(c.Uint("snapshot")), restoreArgsFrom(c), false, &out); err != nil {
						return err
					}
					if err := render(c, out, printRestoreReport); err != nil {
						return err
					}
					return out.Err()
				},
			},
			{
				Name:  "start",
				Usage: "Restore in the background",
				Flags: restoreFlags(),
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out domain.RestoreRun
					if err := doRestoreRun(ctx, cfg, uint(c.Uint("snapshot")), restoreArgsFrom(c), true, &out); err != nil {
						return err
					}
					return render(c, out, printRestoreRun)
				},
			},
			{
				Name:  "status",
				Flags: []cli.Flag{&cli.StringFlag{Name: "run", Required: true}, jsonFlag()},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out domain.RestoreRun
					if err := doRestoreStatus(ctx, cfg, c.String("run"), &out); err != nil {
						return err
					}
					return render(c, out, printRestoreRun)
				},
			},
			{
				Name:  "cancel",
				Flags: []cli.Flag{&cli.StringFlag{Name: "run", Required: true}},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					if err := doRestoreCancel(ctx, cfg, c.String("run"), nil); err != nil {
						return err
					}
					fmt.Printf("cancel requested for %s\n", c.String("run"))
					return nil
				},
			},
		},
	}
}

func syncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Ingest a source into a project and snapshot it",
		Commands: []*cli.Command{
			{
				Name:      "upload",
				Usage:     "Ingest a CSV or JSON export",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "project", Required: true},
					&cli.StringFlag{Name: "provider", Value: "csv"},
					&cli.BoolFlag{Name: "wait"},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					path := c.Args().First()
					if path == "" {
						return fmt.Errorf("usage: sync upload --project ID FILE")
					}
					data, err := os.ReadFile(path)
					if err != nil {
						return err
					}
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out snapshotView
					if err := doSyncUpload(ctx, cfg, uint(c.Uint("project")), c.String("provider"), path, data, &out); err != nil {
						return err
					}
					return finishSync(ctx, c, cfg, out)
				},
			},
			{
				Name:  "start",
				Usage: "Pull from a CRM API",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "project", Required: true},
					&cli.StringFlag{Name: "crm", Usage: "hubspot or mock (defaults to the project's source type)"},
					&cli.StringSliceFlag{Name: "credential", Usage: "key=value (repeatable)"},
					&cli.BoolFlag{Name: "wait"},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					creds, err := parsePairs(c.StringSlice("credential"))
					if err != nil {
						return err
					}
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out snapshotView
					if err := doSyncStart(ctx, cfg, uint(c.Uint("project")), c.String("crm"), creds, &out); err != nil {
						return err
					}
					return finishSync(ctx, c, cfg, out)
				},
			},
		},
	}
}

func finishSync(ctx context.Context, c *cli.Command, cfg cliConfig, snap snapshotView) error {
	if c.Bool("wait") {
		if err := doSnapshotWait(ctx, cfg, snap.ID, "10m", &snap); err != nil {
			return err
		}
	}
	return render(c, snap, printSnapshot)
}

func entityFlags() []cli.Flag {
	return []cli.Flag{
		&cli.UintFlag{Name: "project", Required: true},
		&cli.StringFlag{Name: "type", Required: true},
		&cli.StringFlag{Name: "id", Required: true},
		jsonFlag(),
	}
}

func entitiesCommand() *cli.Command {
	return &cli.Command{
		Name:  "entities",
		Usage: "Read and write the live store",
		Commands: []*cli.Command{
			{
				Name: "list",
				Flags: []cli.Flag{
					&cli.UintFlag{Name: "project", Required: true},
					&cli.StringFlag{Name: "type"},
					&cli.IntFlag{Name: "limit", Value: 100},
					jsonFlag(),
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []domain.Entity
					if err := doEntitiesList(ctx, cfg, uint(c.Uint("project")), c.String("type"), int(c.Int("limit")), &out); err != nil {
						return err
					}
					return render(c, out, printEntities)
				},
			},
			{
				Name:  "put",
				Usage: "Upsert one object; fields come as key=value or a JSON object",
				Flags: append(entityFlags(),
					&cli.StringSliceFlag{Name: "field", Usage: "key=value (repeatable)"},
					&cli.StringFlag{Name: "fields-json", Usage: `{"name": "Acme"}`},
				),
				Action: func(ctx context.Context, c *cli.Command) error {
					fields := map[string]any{}
					if raw := c.String("fields-json"); raw != "" {
						if err := json.Unmarshal([]byte(raw), &fields); err != nil {
							return fmt.Errorf("parse --fields-json: %w", err)
						}
					}
					pairs, err := parsePairs(c.StringSlice("field"))
					if err != nil {
						return err
					}
					for k, v := range pairs {
						fields[k] = v
					}
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out struct {
						Entity  domain.Entity `json:"entity"`
						Changed bool          `json:"changed"`
					}
					entity := map[string]any{"type": c.String("type"), "id": c.String("id"), "fields": fields}
					if err := doEntityPut(ctx, cfg, uint(c.Uint("project")), entity, &out); err != nil {
						return err
					}
					if c.Bool("json") {
						return printJSON(out)
					}
					printEntities([]domain.Entity{out.Entity})
					if !out.Changed {
						fmt.Println("unchanged")
					}
					return nil
				},
			},
			{
				Name:  "delete",
				Flags: entityFlags(),
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out struct {
						Deleted bool `json:"deleted"`
					}
					if err := doEntityDelete(ctx, cfg, uint(c.Uint("project")), c.String("type"), c.String("id"), &out); err != nil {
						return err
					}
					if !out.Deleted {
						fmt.Println("not found")
						return nil
					}
					fmt.Printf("deleted %s/%s\n", c.String("type"), c.String("id"))
					return nil
				},
			},
			{
				Name:  "history",
				Flags: entityFlags(),
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []domain.EntityRevision
					if err := doEntityHistory(ctx, cfg, uint(c.Uint("project")), c.String("type"), c.String("id"), &out); err != nil {
						return err
					}
					return render(c, out, printRevisions)
				},
			},
		},
	}
}

func associationsCommand() *cli.Command {
	edgeFlags := []cli.Flag{
		&cli.UintFlag{Name: "project", Required: true},
		&cli.StringFlag{Name: "from", Required: true, Usage: "type/id"},
		&cli.StringFlag{Name: "to", Required: true, Usage: "type/id"},
		&cli.StringFlag{Name: "kind", Usage: "defaults to <from>_to_<to>"},
	}
	change := func(unlink bool) cli.ActionFunc {
		return func(ctx context.Context, c *cli.Command) error {
			from, err := parseNode(c.String("from"))
			if err != nil {
				return err
			}
			to, err := parseNode(c.String("to"))
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			edge := map[string]any{"from_type": from[0], "from_id": from[1], "to_type": to[0], "to_id": to[1], "kind": c.String("kind")}
			var out map[string]any
			if err := doAssociation(ctx, cfg, unlink, uint(c.Uint("project")), edge, &out); err != nil {
				return err
			}
			return printJSON(out)
		}
	}
	return &cli.Command{
		Name:  "associations",
		Usage: "Link, unlink and list associations in the live store",
		Commands: []*cli.Command{
			{Name: "link", Flags: edgeFlags, Action: change(false)},
			{Name: "unlink", Flags: edgeFlags, Action: change(true)},
			{
				Name:  "of",
				Flags: entityFlags(),
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					var out []domain.AssociationEdge
					if err := doAssociationsOf(ctx, cfg, uint(c.Uint("project")), c.String("type"), c.String("id"), &out); err != nil {
						return err
					}
					return render(c, out, printEdges)
				},
			},
		},
	}
}

func auditCommand() *cli.Command {
	return &cli.Command{
		Name:  "audit",
		Usage: "Show the audit log",
		Flags: []cli.Flag{&cli.IntFlag{Name: "limit", Value: 100}, jsonFlag()},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var out []domain.AuditRecord
			if err := doAuditList(ctx, cfg, int(c.Int("limit")), &out); err != nil {
				return err
			}
			return render(c, out, printAudit)
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Global statistics around the latest snapshot",
		Flags: []cli.Flag{jsonFlag()},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			var out domain.Stats
			if err := doStats(ctx, cfg, &out); err != nil {
				return err
			}
			return render(c, out, printStats)
		},
	}
}

func parseID(raw string) (uint, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return uint(v), nil
}

// parseNode splits "type/id".
func parseNode(raw string) ([2]string, error) {
	t, id, ok := strings.Cut(raw, "/")
	if !ok || t == "" || id == "" {
		return [2]string{}, fmt.Errorf("expected type/id, got %q", raw)
	}
	return [2]string{t, id}, nil
}
