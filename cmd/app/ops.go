package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// invoke sends one operation over the configured transport.
func invoke(ctx context.Context, cfg cliConfig, rpcMethod string, rpcParams any, httpMethod, httpPath string, httpBody any, out any) error {
	if cfg.Transport == "uds" {
		return newRPCClient(cfg.Socket).call(ctx, rpcMethod, rpcParams, out)
	}
	return newAPIClient(cfg.Server, cfg.Token).request(ctx, httpMethod, httpPath, httpBody, out)
}

func doStats(ctx context.Context, cfg cliConfig, out any) error {
	return invoke(ctx, cfg, "stats", nil, http.MethodGet, "/stats", nil, out)
}

func doAuditList(ctx context.Context, cfg cliConfig, limit int, out any) error {
	return invoke(ctx, cfg, "audit.list", map[string]any{"limit": limit},
		http.MethodGet, "/api/audit/logs?limit="+strconv.Itoa(limit), nil, out)
}

func doProjectsList(ctx context.Context, cfg cliConfig, q string, out any) error {
	return invoke(ctx, cfg, "projects.list", map[string]any{"q": q},
		http.MethodGet, "/projects?q="+url.QueryEscape(q), nil, out)
}

func doProjectGet(ctx context.Context, cfg cliConfig, id uint, out any) error {
	return invoke(ctx, cfg, "projects.get", map[string]any{"id": id},
		http.MethodGet, fmt.Sprintf("/projects/%d", id), nil, out)
}

func doProjectCreate(ctx context.Context, cfg cliConfig, in map[string]any, out any) error {
	return invoke(ctx, cfg, "projects.create", in, http.MethodPost, "/projects", in, out)
}

func doProjectUpdate(ctx context.Context, cfg cliConfig, id uint, patch map[string]any, out any) error {
	params := map[string]any{"id": id}
	for k, v := range patch {
		params[k] = v
	}
	return invoke(ctx, cfg, "projects.update", params,
		http.MethodPatch, fmt.Sprintf("/projects/%d", id), patch, out)
}

func doProjectDelete(ctx context.Context, cfg cliConfig, id uint) error {
	return invoke(ctx, cfg, "projects.delete", map[string]any{"id": id},
		http.MethodDelete, fmt.Sprintf("/projects/%d", id), nil, nil)
}

func doSnapshotsList(ctx context.Context, cfg cliConfig, projectID uint, offset, limit int, ascending bool) ([]snapshotView, int64, error) {
	if cfg.Transport == "uds" {
		params := map[string]any{"offset": offset, "limit": limit, "ascending": ascending}
		if projectID > 0 {
			params["project_id"] = projectID
		}
		var out struct {
			Items []snapshotView `json:"items"`
			Total int64          `json:"total"`
		}
		if err := newRPCClient(cfg.Socket).call(ctx, "snapshots.list", params, &out); err != nil {
			return nil, 0, err
		}
		return out.Items, out.Total, nil
	}

	q := url.Values{}
	q.Set("_start", strconv.Itoa(offset))
	q.Set("_end", strconv.Itoa(offset+limit))
	if ascending {
		q.Set("_order", "ASC")
	}
	if projectID > 0 {
		q.Set("project_id", strconv.FormatUint(uint64(projectID), 10))
	}
	var items []snapshotView
	if err := newAPIClient(cfg.Server, cfg.Token).request(ctx, http.MethodGet, "/snapshots?"+q.Encode(), nil, &items); err != nil {
		return nil, 0, err
	}
	return items, int64(len(items)), nil
}

func doSnapshotGet(ctx context.Context, cfg cliConfig, id uint, out any) error {
	return invoke(ctx, cfg, "snapshots.get", map[string]any{"id": id},
		http.MethodGet, fmt.Sprintf("/snapshots/%d", id), nil, out)
}

func doSnapshotCapture(ctx context.Context, cfg cliConfig, projectID uint, source string, out any) error {
	in := map[string]any{"project_id": projectID, "source": source}
	return invoke(ctx, cfg, "snapshots.capture", in, http.MethodPost, "/api/snapshots", in, out)
}

func doSnapshotWait(ctx context.Context, cfg cliConfig, id uint, timeout string, out any) error {
	return invoke(ctx, cfg, "snapshots.wait", map[string]any{"id": id, "timeout": timeout},
		http.MethodGet, fmt.Sprintf("/snapshots/%d/wait?timeout=%s", id, url.QueryEscape(timeout)), nil, out)
}

func doSnapshotEdges(ctx context.Context, cfg cliConfig, id uint, entityType, entityID string, out any) error {
	q := url.Values{"type": {entityType}, "id": {entityID}}
	return invoke(ctx, cfg, "snapshots.edges", map[string]any{"id": id, "type": entityType, "entity_id": entityID},
		http.MethodGet, fmt.Sprintf("/snapshots/%d/edges?%s", id, q.Encode()), nil, out)
}

func doDiff(ctx context.Context, cfg cliConfig, base, target uint, details bool, out any) error {
	method, path := "diff.summary", fmt.Sprintf("/diff/%d/%d", base, target)
	if details {
		method, path = "diff.details", path+"/details"
	}
	return invoke(ctx, cfg, method, map[string]any{"base": base, "target": target}, http.MethodGet, path, nil, out)
}

type restoreArgs struct {
	Selective bool     `json:"selective"`
	DryRun    bool     `json:"dry_run"`
	CRMType   string   `json:"crm_type,omitempty"`
	Types     []string `json:"types,omitempty"`
}

func doRestoreRun(ctx context.Context, cfg cliConfig, snapshotID uint, args restoreArgs, async bool, out any) error {
	params := map[string]any{
		"snapshot_id": snapshotID,
		"selective":   args.Selective,
		"dry_run":     args.DryRun,
		"crm_type":    args.CRMType,
		"types":       args.Types,
	}
	body := map[string]any{
		"selective": args.Selective,
		"dry_run":   args.DryRun,
		"crm_type":  args.CRMType,
		"types":     args.Types,
		"async":     async,
	}
	method := "restore.run"
	if async {
		method = "restore.start"
	}
	return invoke(ctx, cfg, method, params, http.MethodPost, fmt.Sprintf("/api/restore/%d", snapshotID), body, out)
}

func doRestoreStatus(ctx context.Context, cfg cliConfig, runID string, out any) error {
	return invoke(ctx, cfg, "restore.status", map[string]any{"run_id": runID},
		http.MethodGet, "/api/restores/"+url.PathEscape(runID), nil, out)
}

func doRestoreCancel(ctx context.Context, cfg cliConfig, runID string, out any) error {
	return invoke(ctx, cfg, "restore.cancel", map[string]any{"run_id": runID},
		http.MethodDelete, "/api/restores/"+url.PathEscape(runID), nil, out)
}

func doSyncStart(ctx context.Context, cfg cliConfig, projectID uint, crmType string, credentials map[string]string, out any) error {
	in := map[string]any{"project_id": projectID, "crm_type": crmType, "credentials": credentials}
	return invoke(ctx, cfg, "sync.start", in, http.MethodPost, "/api/sync/start", in, out)
}

func doSyncUpload(ctx context.Context, cfg cliConfig, projectID uint, provider, filename string, data []byte, out any) error {
	if cfg.Transport == "uds" {
		return newRPCClient(cfg.Socket).call(ctx, "sync.upload", map[string]any{
			"project_id": projectID,
			"provider":   provider,
			"filename":   filename,
			"data":       data,
		}, out)
	}
	fields := map[string]string{"project_id": strconv.FormatUint(uint64(projectID), 10), "provider": provider}
	return newAPIClient(cfg.Server, cfg.Token).upload(ctx, "/api/sync/upload", fields, filename, data, out)
}

func doEntitiesList(ctx context.Context, cfg cliConfig, projectID uint, entityType string, limit int, out any) error {
	q := url.Values{"type": {entityType}, "limit": {strconv.Itoa(limit)}}
	return invoke(ctx, cfg, "entities.list", map[string]any{"project_id": projectID, "type": entityType, "limit": limit},
		http.MethodGet, fmt.Sprintf("/api/projects/%d/entities?%s", projectID, q.Encode()), nil, out)
}

func doEntityPut(ctx context.Context, cfg cliConfig, projectID uint, entity map[string]any, out any) error {
	return invoke(ctx, cfg, "entities.put", map[string]any{"project_id": projectID, "entity": entity},
		http.MethodPost, fmt.Sprintf("/api/projects/%d/entities", projectID), entity, out)
}

func entityPath(projectID uint, entityType, id string) string {
	return fmt.Sprintf("/api/projects/%d/entities/%s/%s", projectID, url.PathEscape(entityType), url.PathEscape(id))
}

func doEntityDelete(ctx context.Context, cfg cliConfig, projectID uint, entityType, id string, out any) error {
	return invoke(ctx, cfg, "entities.delete", map[string]any{"project_id": projectID, "type": entityType, "id": id},
		http.MethodDelete, entityPath(projectID, entityType, id), nil, out)
}

func doEntityHistory(ctx context.Context, cfg cliConfig, projectID uint, entityType, id string, out any) error {
	return invoke(ctx, cfg, "entities.history", map[string]any{"project_id": projectID, "type": entityType, "id": id},
		http.MethodGet, entityPath(projectID, entityType, id)+"/history", nil, out)
}

func doAssociation(ctx context.Context, cfg cliConfig, unlink bool, projectID uint, edge map[string]any, out any) error {
	method, httpMethod := "associations.link", http.MethodPost
	if unlink {
		method, httpMethod = "associations.unlink", http.MethodDelete
	}
	return invoke(ctx, cfg, method, map[string]any{"project_id": projectID, "edge": edge},
		httpMethod, fmt.Sprintf("/api/projects/%d/associations", projectID), edge, out)
}

func doAssociationsOf(ctx context.Context, cfg cliConfig, projectID uint, entityType, id string, out any) error {
	return invoke(ctx, cfg, "associations.of", map[string]any{"project_id": projectID, "type": entityType, "id": id},
		http.MethodGet, entityPath(projectID, entityType, id)+"/edges", nil, out)
}
