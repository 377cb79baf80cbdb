package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Bafix001/zibridge/internal/application"
	"github.com/Bafix001/zibridge/internal/domain"
	"github.com/Bafix001/zibridge/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const defaultMaxUploadBytes = 32 << 20

// Connectors builds ingestion sources for sync requests.
type Connectors interface {
	Source(crmType string, project domain.Project, credentials map[string]string) (domain.Source, error)
	Upload(provider, filename string, data []byte) (domain.Source, error)
}

type Options struct {
	Version        string
	SchemaVersion  func(ctx context.Context) (int64, error)
	Logger         *zap.SugaredLogger
	MaxUploadBytes int64
	// BaseContext bounds captures and syncs started by requests. It should
	// be cancelled on shutdown. Defaults to context.Background().
	BaseContext context.Context
}

type Handler struct {
	engine     *application.Engine
	connectors Connectors
	opts       Options
	log        *zap.SugaredLogger
}

func NewRouter(engine *application.Engine, connectors Connectors, opts Options) http.Handler {
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.BaseContext == nil {
		opts.BaseContext = context.Background()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	h := &Handler{engine: engine, connectors: connectors, opts: opts, log: log}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", h.handleRoot)
	r.Get("/health", h.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/stats", h.handleStats)

	// Writes outside /api share its key gate.
	guarded := r.With(h.requireAPIKey)

	r.Get("/projects", h.handleListProjects)
	guarded.Post("/projects", h.handleCreateProject)
	r.Get("/projects/{id}", h.handleGetProject)
	guarded.Patch("/projects/{id}", h.handleUpdateProject)
	guarded.Delete("/projects/{id}", h.handleDeleteProject)
	r.Get("/projects/{id}/snapshots", h.handleListProjectSnapshots)

	r.Get("/snapshots", h.handleListSnapshots)
	r.Get("/snapshots/{id}", h.handleGetSnapshot)
	r.Get("/snapshots/{id}/wait", h.handleWaitSnapshot)
	r.Get("/snapshots/{id}/entities", h.handleSnapshotEntities)
	r.Get("/snapshots/{id}/edges", h.handleSnapshotEdges)

	r.Get("/diff/{base}/{target}", h.handleDiffSummary)
	r.Get("/diff/{base}/{target}/details", h.handleDiffDetails)
	guarded.Post("/restore/{id}", h.handleRestore)

	r.Route("/api", func(api chi.Router) {
		api.Use(h.requireAPIKey)
		api.Post("/snapshots", h.handleCaptureSnapshot)
		api.Post("/sync/upload", h.handleSyncUpload)
		api.Post("/sync/start", h.handleSyncStart)
		api.Post("/restore/{id}", h.handleRestore)
		api.Get("/restores/{run}", h.handleGetRestoreRun)
		api.Delete("/restores/{run}", h.handleCancelRestoreRun)

		api.Get("/projects/{id}/entities", h.handleListEntities)
		api.Post("/projects/{id}/entities", h.handlePutEntity)
		api.Get("/projects/{id}/entities/{type}/{eid}", h.handleGetEntity)
		api.Delete("/projects/{id}/entities/{type}/{eid}", h.handleDeleteEntity)
		api.Get("/projects/{id}/entities/{type}/{eid}/history", h.handleEntityHistory)
		api.Get("/projects/{id}/entities/{type}/{eid}/edges", h.handleEntityEdges)
		api.Post("/projects/{id}/associations", h.handleLink)
		api.Delete("/projects/{id}/associations", h.handleUnlink)

		api.Get("/audit/logs", h.handleListAuditLogs)
	})

	return r
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"name": "Zibridge API", "version": h.opts.Version, "status": "running"})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "healthy"}
	if h.opts.SchemaVersion != nil {
		v, err := h.opts.SchemaVersion(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error()})
			return
		}
		payload["schema_version"] = v
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Service.Stats(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleListProjects(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.engine.Service.ListProjects(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]domain.Project, 0, len(items))
	for _, p := range items {
		out = append(out, p.Redacted())
	}
	writeJSON(w, http.StatusOK, out)
}

type apiCreateProjectRequest struct {
	Name              string               `json:"name"`
	Icon              string               `json:"icon"`
	DefaultSourceType string               `json:"default_source_type"`
	Config            domain.ProjectConfig `json:"config"`
}

func (h *Handler) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req apiCreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload", "kind": domain.KindValidation})
		return
	}
	p, err := h.engine.Service.CreateProject(r.Context(), req.Name, req.Icon, req.DefaultSourceType, req.Config)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p.Redacted())
}

func (h *Handler) handleGetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uintParam(w, r, "id")
	if !ok {
		return
	}
	p, err := h.engine.Service.GetProject(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Redacted())
}

func (h *Handler) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uintParam(w, r, "id")
	if !ok {
		return
	}
	var patch application.ProjectPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload", "kind": domain.KindValidation})
		return
	}
	p, err := h.engine.Service.UpdateProject(r.Context(), id, patch)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p.Redacted())
}

func (h *Handler) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uintParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.engine.Service.DeleteProject(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
}

func (h *Handler) handleListProjectSnapshots(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uintParam(w, r, "id")
	if !ok {
		return
	}
	h.listSnapshots(w, r, &id)
}

func (h *Handler) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	var projectID *uint
	if raw := strings.TrimSpace(r.URL.Query().Get("project_id")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid project_id", "kind": domain.KindValidation})
			return
		}
		v := uint(parsed)
		projectID = &v
	}
	h.listSnapshots(w, r, projectID)
}

// listSnapshots pages with _start/_end and reports the total in X-Total-Count.
func (h *Handler) listSnapshots(w http.ResponseWriter, r *http.Request, projectID *uint) {
	q := r.URL.Query()
	start, err := queryInt(q.Get("_start"), 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid _start", "kind": domain.KindValidation})
		return
	}
	end, err := queryInt(q.Get("_end"), start+10)
	if err != nil || end < start {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid _end", "kind": domain.KindValidation})
		return
	}
	query := domain.SnapshotQuery{
		ProjectID: projectID,
		Offset:    start,
		Limit:     end - start,
		Ascending: strings.EqualFold(q.Get("_order"), "asc"),
	}
	items, total, err := h.engine.Snapshots.List(r.Context(), query)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if items == nil {
		items = []domain.Snapshot{}
	}
	w.Header().Set("X-Total-Count", strconv.FormatInt(total, 10))
	w.Header().Set("Access-Control-Expose-Headers", "X-Total-Count")
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uintParam(w, r, "id")
	if !ok {
		return
	}
	snap, err := h.engine.Snapshots.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleWaitSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uintParam(w, r, "id")
	if !ok {
		return
	}
	timeout := 30 * time.Second
	if raw := strings.TrimSpace(r.URL.Query().Get("timeout")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid timeout", "kind": domain.KindValidation})
			return
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	snap, err := h.engine.Snapshots.Wait(ctx, id)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) handleSnapshotEntities(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uintParam(w, r, "id")
	if !ok {
		return
	}
	var entityType domain.EntityType
	if raw := r.URL.Query().Get("type"); raw != "" {
		t, err := domain.ParseEntityType(raw)
		if err != nil {
			h.writeError(w, err)
			return
		}
		entityType = t
	}
	items, err := h.engine.Snapshots.Entities(r.Context(), id, entityType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleSnapshotEdges(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uintParam(w, r, "id")
	if !ok {
		return
	}
	node, err := identityFromQuery(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	edges, err := h.engine.Graph.SnapshotEdgesOf(r.Context(), id, node)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, edges)
}

func (h *Handler) handleDiffSummary(w http.ResponseWriter, r *http.Request) {
	result, ok := h.diff(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"base":    result.Base,
		"target":  result.Target,
		"summary": result.Summary,
	})
}

func (h *Handler) handleDiffDetails(w http.ResponseWriter, r *http.Request) {
	result, ok := h.diff(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) diff(w http.ResponseWriter, r *http.Request) (domain.DiffResult, bool) {
	base, ok := h.uintParam(w, r, "base")
	if !ok {
		return domain.DiffResult{}, false
	}
	target, ok := h.uintParam(w, r, "target")
	if !ok {
		return domain.DiffResult{}, false
	}
	result, err := h.engine.Diff.Diff(r.Context(), base, target)
	if err != nil {
		h.writeError(w, err)
		return domain.DiffResult{}, false
	}
	return result, true
}

type apiRestoreRequest struct {
	Selective *bool    `json:"selective"`
	DryRun    bool     `json:"dry_run"`
	CRMType   string   `json:"crm_type"`
	Types     []string `json:"types"`
	Async     bool     `json:"async"`
}

// handleRestore accepts a JSON body or the equivalent query parameters.
// Selective mode is the default.
func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	id, ok := h.uintParam(w, r, "id")
	if !ok {
		return
	}
	var req apiRestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload", "kind": domain.KindValidation})
		return
	}
	q := r.URL.Query()
	if v, set, err := boolQuery(q, "selective"); err != nil {
		h.writeError(w, err)
		return
	} else if set {
		req.Selective = &v
	}
	if v, set, err := boolQuery(q, "dry_run"); err != nil {
		h.writeError(w, err)
		return
	} else if set {
		req.DryRun = v
	}
	if v, set, err := boolQuery(q, "async"); err != nil {
		h.writeError(w, err)
		return
	} else if set {
		req.Async = v
	}
	if raw := q.Get("crm_type"); raw != "" {
		req.CRMType = raw
	}

	opts := domain.RestoreOptions{Selective: true, DryRun: req.DryRun, CRMType: req.CRMType}
	if req.Selective != nil {
		opts.Selective = *req.Selective
	}
	for _, raw := range req.Types {
		t, err := domain.ParseEntityType(raw)
		if err != nil {
			h.writeError(w, err)
			return
		}
		opts.Types = append(opts.Types, t)
	}

	if req.Async {
		run, err := h.engine.Restore.Start(r.Context(), id, opts)
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.engine.Service.WriteAudit(r.Context(), "restore.start", "snapshot", fmt.Sprint(id), run.ID)
		writeJSON(w, http.StatusAccepted, run)
		return
	}

	report, err := h.engine.Restore.Restore(r.Context(), id, opts)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, report)
	case domain.KindOf(err) == domain.KindPartialFailure:
		writeJSON(w, http.StatusMultiStatus, report)
	case report.RunID != "":
		// cancelled or failed mid-run: the report still tells what was applied
		writeJSON(w, statusFor(err), report)
	default:
		h.writeError(w, err)
	}
}

func (h *Handler) handleGetRestoreRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.engine.Restore.GetRun(r.Context(), chi.URLParam(r, "run"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleCancelRestoreRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.engine.Restore.Cancel(r.Context(), chi.URLParam(r, "run"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.engine.Service.WriteAudit(r.Context(), "restore.cancel", "restore_run", run.ID, "")
	writeJSON(w, http.StatusAccepted, run)
}

type apiCaptureRequest struct {
	ProjectID uint   `json:"project_id"`
	Source    string `json:"source"`
}

func (h *Handler) handleCaptureSnapshot(w http.ResponseWriter, r *http.Request) {
	var req apiCaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload", "kind": domain.KindValidation})
		return
	}
	snap, err := h.engine.Snapshots.CaptureAsync(h.opts.BaseContext, req.ProjectID, defaultSource(req.Source, "manual"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.engine.Service.WriteAudit(r.Context(), "snapshot.capture", "snapshot", fmt.Sprint(snap.ID), snap.SourceName)
	writeJSON(w, http.StatusAccepted, snap)
}

func (h *Handler) handleSyncUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(h.opts.MaxUploadBytes); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid multipart form", "kind": domain.KindValidation})
		return
	}
	projectID, err := strconv.ParseUint(r.FormValue("project_id"), 10, 64)
	if err != nil || projectID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid project_id", "kind": domain.KindValidation})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "file is required", "kind": domain.KindValidation})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, h.opts.MaxUploadBytes))
	if err != nil {
		h.writeError(w, err)
		return
	}

	provider := defaultSource(r.FormValue("provider"), "csv")
	src, err := h.connectors.Upload(provider, header.Filename, data)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.startSync(w, r, uint(projectID), src, "file")
}

type apiSyncStartRequest struct {
	CRMType     string            `json:"crm_type"`
	Credentials map[string]string `json:"credentials"`
	ProjectID   uint              `json:"project_id"`
}

func (h *Handler) handleSyncStart(w http.ResponseWriter, r *http.Request) {
	var req apiSyncStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload", "kind": domain.KindValidation})
		return
	}
	project, err := h.engine.Service.GetProject(r.Context(), req.ProjectID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	crmType := defaultSource(req.CRMType, project.DefaultSourceType)
	src, err := h.connectors.Source(crmType, project, req.Credentials)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.startSync(w, r, project.ID, src, crmType)
}

func (h *Handler) startSync(w http.ResponseWriter, r *http.Request, projectID uint, src domain.Source, sourceType string) {
	snap, err := h.engine.Sync.Start(h.opts.BaseContext, projectID, src, sourceType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.engine.Service.WriteAudit(r.Context(), "sync.start", "snapshot", fmt.Sprint(snap.ID), src.Name())
	writeJSON(w, http.StatusAccepted, snap)
}

func (h *Handler) handleListEntities(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.uintParam(w, r, "id")
	if !ok {
		return
	}
	var entityType domain.EntityType
	if raw := r.URL.Query().Get("type"); raw != "" {
		t, err := domain.ParseEntityType(raw)
		if err != nil {
			h.writeError(w, err)
			return
		}
		entityType = t
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.engine.Store.List(r.Context(), projectID, entityType, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handlePutEntity(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.uintParam(w, r, "id")
	if !ok {
		return
	}
	var e domain.Entity
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&e); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload", "kind": domain.KindValidation})
		return
	}
	stored, changed, err := h.engine.Store.Put(r.Context(), projectID, e)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity": stored, "changed": changed})
}

func (h *Handler) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	projectID, node, ok := h.entityParams(w, r)
	if !ok {
		return
	}
	e, err := h.engine.Store.Get(r.Context(), projectID, node)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	projectID, node, ok := h.entityParams(w, r)
	if !ok {
		return
	}
	deleted, err := h.engine.Store.Delete(r.Context(), projectID, node)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (h *Handler) handleEntityHistory(w http.ResponseWriter, r *http.Request) {
	projectID, node, ok := h.entityParams(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.engine.Store.History(r.Context(), projectID, node, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleEntityEdges(w http.ResponseWriter, r *http.Request) {
	projectID, node, ok := h.entityParams(w, r)
	if !ok {
		return
	}
	edges, err := h.engine.Graph.EdgesOf(r.Context(), projectID, node)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, edges)
}

func (h *Handler) handleLink(w http.ResponseWriter, r *http.Request) {
	h.changeEdge(w, r, h.engine.Graph.Link, "linked")
}

func (h *Handler) handleUnlink(w http.ResponseWriter, r *http.Request) {
	h.changeEdge(w, r, h.engine.Graph.Unlink, "removed")
}

func (h *Handler) changeEdge(w http.ResponseWriter, r *http.Request, fn func(context.Context, uint, domain.AssociationEdge) (bool, error), key string) {
	projectID, ok := h.uintParam(w, r, "id")
	if !ok {
		return
	}
	var edge domain.AssociationEdge
	if err := json.NewDecoder(r.Body).Decode(&edge); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid payload", "kind": domain.KindValidation})
		return
	}
	changed, err := fn(r.Context(), projectID, edge)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{key: changed, "edge": edge.Canonical()})
}

func (h *Handler) handleListAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.engine.Service.ListAuditLogs(r.Context(), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

// boolQuery parses an optional boolean query parameter. Anything
// strconv.ParseBool rejects is a validation error.
func boolQuery(q url.Values, name string) (value, set bool, err error) {
	raw := q.Get(name)
	if raw == "" {
		return false, false, nil
	}
	v, perr := strconv.ParseBool(raw)
	if perr != nil {
		return false, false, domain.Errorf(domain.KindValidation, "%s must be true or false, got %q", name, raw)
	}
	return v, true, nil
}

// requireAPIKey guards /api when keys are configured.
func (h *Handler) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.engine.Service.AuthRequired() {
			next.ServeHTTP(w, r)
			return
		}
		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") ||
			!h.engine.Service.AuthenticateAPIKey(authHeader[7:]) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) uintParam(w http.ResponseWriter, r *http.Request, name string) (uint, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil || v == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid " + name, "kind": domain.KindValidation})
		return 0, false
	}
	return uint(v), true
}

func (h *Handler) entityParams(w http.ResponseWriter, r *http.Request) (uint, domain.Identity, bool) {
	projectID, ok := h.uintParam(w, r, "id")
	if !ok {
		return 0, domain.Identity{}, false
	}
	t, err := domain.ParseEntityType(chi.URLParam(r, "type"))
	if err != nil {
		h.writeError(w, err)
		return 0, domain.Identity{}, false
	}
	return projectID, domain.Identity{Type: t, ID: chi.URLParam(r, "eid")}, true
}

func identityFromQuery(r *http.Request) (domain.Identity, error) {
	t, err := domain.ParseEntityType(r.URL.Query().Get("type"))
	if err != nil {
		return domain.Identity{}, err
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		return domain.Identity{}, domain.Errorf(domain.KindValidation, "id is required")
	}
	return domain.Identity{Type: t, ID: id}, nil
}

func queryInt(raw string, fallback int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid integer %q", raw)
	}
	return v, nil
}

func defaultSource(input, fallback string) string {
	if strings.TrimSpace(input) == "" {
		return fallback
	}
	return strings.TrimSpace(input)
}

func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindNotReady:
		return http.StatusConflict
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindPartialFailure:
		return http.StatusMultiStatus
	}
	return http.StatusInternalServerError
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	kind := domain.KindOf(err)
	if status == http.StatusInternalServerError {
		h.log.Errorw("request failed", "err", err)
		if kind == "" {
			kind = "internal"
		}
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "kind": kind})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
