package rpcjson

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Bafix001/zibridge/internal/application"
	"github.com/Bafix001/zibridge/internal/domain"
	"go.uber.org/zap"
)

const (
	codeParse          = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeNotFound       = 40400
	codeNotReady       = 40900
	codeValidation     = 40000
	codeInternal       = 50000
)

// Connectors builds ingestion sources for sync calls.
type Connectors interface {
	Source(crmType string, project domain.Project, credentials map[string]string) (domain.Source, error)
	Upload(provider, filename string, data []byte) (domain.Source, error)
}

type Server struct {
	engine     *application.Engine
	connectors Connectors
	log        *zap.SugaredLogger
	listener   net.Listener
	path       string
	methods    map[string]method

	// ctx bounds background work started by calls; it ends with Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type method func(ctx context.Context, params json.RawMessage) (any, error)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	ID      any       `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
}

var errInvalidParams = errors.New("invalid params")

func Start(path string, engine *application.Engine, connectors Connectors, log *zap.SugaredLogger) (*Server, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("rpc socket path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		_ = os.Remove(path)
		return nil, err
	}

	s := NewServer(engine, connectors, log)
	s.listener = ln
	s.path = path
	go s.serve()
	return s, nil
}

// NewServer builds a server without a listener; Serve drives single
// connections.
func NewServer(engine *application.Engine, connectors Connectors, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{engine: engine, connectors: connectors, log: log, ctx: ctx, cancel: cancel}
	s.methods = s.routes()
	return s
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Serve(conn)
		}()
	}
}

func (s *Server) Close() error {
	s.cancel()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
		_ = os.Remove(s.path)
	}
	s.wg.Wait()
	return err
}

// Serve answers newline-delimited requests on conn until EOF.
func (s *Server) Serve(conn io.ReadWriteCloser) {
	defer func() { _ = conn.Close() }()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)

	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			_ = enc.Encode(response{JSONRPC: "2.0", Error: &rpcError{Code: codeParse, Message: "parse error"}, ID: nil})
			return
		}

		resp := s.dispatch(s.ctx, req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req request) response {
	if req.JSONRPC != "2.0" || strings.TrimSpace(req.Method) == "" {
		return response{JSONRPC: "2.0", Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}, ID: req.ID}
	}
	fn, ok := s.methods[req.Method]
	if !ok {
		return response{JSONRPC: "2.0", Error: &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}, ID: req.ID}
	}
	out, err := fn(ctx, req.Params)
	if err != nil {
		return errorResponse(req.ID, err, s.log)
	}
	return response{JSONRPC: "2.0", Result: out, ID: req.ID}
}

// handle decodes params into P before calling fn. Absent params decode as
// the zero value. Numbers kept as json.Number so large integer fields reach
// the store intact.
func handle[P any](fn func(ctx context.Context, p P) (any, error)) method {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var p P
		if len(raw) > 0 && string(raw) != "null" {
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.UseNumber()
			if err := dec.Decode(&p); err != nil {
				return nil, errInvalidParams
			}
		}
		return fn(ctx, p)
	}
}

type idParams struct {
	ID uint `json:"id"`
}

type entityParams struct {
	ProjectID uint   `json:"project_id"`
	Type      string `json:"type"`
	ID        string `json:"id"`
	Limit     int    `json:"limit"`
}

func (p entityParams) identity() (domain.Identity, error) {
	t, err := domain.ParseEntityType(p.Type)
	if err != nil {
		return domain.Identity{}, err
	}
	if strings.TrimSpace(p.ID) == "" {
		return domain.Identity{}, domain.Errorf(domain.KindValidation, "id is required")
	}
	return domain.Identity{Type: t, ID: p.ID}, nil
}

type edgeParams struct {
	ProjectID uint                   `json:"project_id"`
	Edge      domain.AssociationEdge `json:"edge"`
}

type restoreParams struct {
	SnapshotID uint     `json:"snapshot_id"`
	Selective  *bool    `json:"selective"`
	DryRun     bool     `json:"dry_run"`
	CRMType    string   `json:"crm_type"`
	Types      []string `json:"types"`
}

func (p restoreParams) options() (domain.RestoreOptions, error) {
	opts := domain.RestoreOptions{Selective: true, DryRun: p.DryRun, CRMType: p.CRMType}
	if p.Selective != nil {
		opts.Selective = *p.Selective
	}
	for _, raw := range p.Types {
		t, err := domain.ParseEntityType(raw)
		if err != nil {
			return domain.RestoreOptions{}, err
		}
		opts.Types = append(opts.Types, t)
	}
	return opts, nil
}

type runParams struct {
	RunID string `json:"run_id"`
}

func (s *Server) routes() map[string]method {
	e := s.engine
	return map[string]method{
		"stats": handle(func(ctx context.Context, _ struct{}) (any, error) {
			return e.Service.Stats(ctx)
		}),
		"audit.list": handle(func(ctx context.Context, p struct {
			Limit int `json:"limit"`
		}) (any, error) {
			return e.Service.ListAuditLogs(ctx, p.Limit)
		}),

		"projects.list": handle(func(ctx context.Context, p struct {
			Q     string `json:"q"`
			Limit int    `json:"limit"`
		}) (any, error) {
			items, err := e.Service.ListProjects(ctx, p.Q, p.Limit)
			if err != nil {
				return nil, err
			}
			out := make([]domain.Project, 0, len(items))
			for _, item := range items {
				out = append(out, item.Redacted())
			}
			return out, nil
		}),
		"projects.get": handle(func(ctx context.Context, p idParams) (any, error) {
			return redacted(e.Service.GetProject(ctx, p.ID))
		}),
		"projects.create": handle(func(ctx context.Context, p struct {
			Name              string               `json:"name"`
			Icon              string               `json:"icon"`
			DefaultSourceType string               `json:"default_source_type"`
			Config            domain.ProjectConfig `json:"config"`
		}) (any, error) {
			return redacted(e.Service.CreateProject(ctx, p.Name, p.Icon, p.DefaultSourceType, p.Config))
		}),
		"projects.update": handle(func(ctx context.Context, p struct {
			ID uint `json:"id"`
			application.ProjectPatch
		}) (any, error) {
			return redacted(e.Service.UpdateProject(ctx, p.ID, p.ProjectPatch))
		}),
		"projects.delete": handle(func(ctx context.Context, p idParams) (any, error) {
			if err := e.Service.DeleteProject(ctx, p.ID); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": p.ID}, nil
		}),

		"snapshots.list": handle(func(ctx context.Context, p struct {
			ProjectID *uint `json:"project_id"`
			Offset    int   `json:"offset"`
			Limit     int   `json:"limit"`
			Ascending bool  `json:"ascending"`
		}) (any, error) {
			items, total, err := e.Snapshots.List(ctx, domain.SnapshotQuery{
				ProjectID: p.ProjectID,
				Offset:    p.Offset,
				Limit:     p.Limit,
				Ascending: p.Ascending,
			})
			if err != nil {
				return nil, err
			}
			if items == nil {
				items = []domain.Snapshot{}
			}
			return map[string]any{"items": items, "total": total}, nil
		}),
		"snapshots.get": handle(func(ctx context.Context, p idParams) (any, error) {
			return e.Snapshots.Get(ctx, p.ID)
		}),
		"snapshots.capture": handle(func(ctx context.Context, p struct {
			ProjectID uint   `json:"project_id"`
			Source    string `json:"source"`
			Wait      bool   `json:"wait"`
		}) (any, error) {
			source := strings.TrimSpace(p.Source)
			if source == "" {
				source = "manual"
			}
			var (
				snap domain.Snapshot
				err  error
			)
			if p.Wait {
				snap, err = e.Snapshots.Capture(ctx, p.ProjectID, source)
			} else {
				snap, err = e.Snapshots.CaptureAsync(ctx, p.ProjectID, source)
			}
			if err != nil {
				return nil, err
			}
			e.Service.WriteAudit(ctx, "snapshot.capture", "snapshot", fmt.Sprint(snap.ID), "rpc")
			return snap, nil
		}),
		"snapshots.wait": handle(func(ctx context.Context, p struct {
			ID      uint   `json:"id"`
			Timeout string `json:"timeout"`
		}) (any, error) {
			timeout := 30 * time.Second
			if p.Timeout != "" {
				d, err := time.ParseDuration(p.Timeout)
				if err != nil || d <= 0 {
					return nil, domain.Errorf(domain.KindValidation, "invalid timeout %q", p.Timeout)
				}
				timeout = d
			}
			wctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			snap, err := e.Snapshots.Wait(wctx, p.ID)
			if err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return snap, nil
		}),
		"snapshots.entities": handle(func(ctx context.Context, p struct {
			ID   uint   `json:"id"`
			Type string `json:"type"`
		}) (any, error) {
			var t domain.EntityType
			if p.Type != "" {
				parsed, err := domain.ParseEntityType(p.Type)
				if err != nil {
					return nil, err
				}
				t = parsed
			}
			return e.Snapshots.Entities(ctx, p.ID, t)
		}),
		"snapshots.edges": handle(func(ctx context.Context, p struct {
			ID       uint   `json:"id"`
			Type     string `json:"type"`
			EntityID string `json:"entity_id"`
		}) (any, error) {
			node, err := entityParams{Type: p.Type, ID: p.EntityID}.identity()
			if err != nil {
				return nil, err
			}
			return e.Graph.SnapshotEdgesOf(ctx, p.ID, node)
		}),

		"diff.summary": handle(func(ctx context.Context, p struct {
			Base   uint `json:"base"`
			Target uint `json:"target"`
		}) (any, error) {
			res, err := e.Diff.Diff(ctx, p.Base, p.Target)
			if err != nil {
				return nil, err
			}
			return map[string]any{"base": res.Base, "target": res.Target, "summary": res.Summary}, nil
		}),
		"diff.details": handle(func(ctx context.Context, p struct {
			Base   uint `json:"base"`
			Target uint `json:"target"`
		}) (any, error) {
			return e.Diff.Diff(ctx, p.Base, p.Target)
		}),

		// A partial run is a result, not an error: the report carries the status.
		"restore.run": handle(func(ctx context.Context, p restoreParams) (any, error) {
			opts, err := p.options()
			if err != nil {
				return nil, err
			}
			report, err := e.Restore.Restore(ctx, p.SnapshotID, opts)
			if err != nil && domain.KindOf(err) != domain.KindPartialFailure {
				return nil, err
			}
			return report, nil
		}),
		"restore.start": handle(func(ctx context.Context, p restoreParams) (any, error) {
			opts, err := p.options()
			if err != nil {
				return nil, err
			}
			run, err := e.Restore.Start(ctx, p.SnapshotID, opts)
			if err != nil {
				return nil, err
			}
			e.Service.WriteAudit(ctx, "restore.start", "snapshot", fmt.Sprint(p.SnapshotID), run.ID)
			return run, nil
		}),
		"restore.status": handle(func(ctx context.Context, p runParams) (any, error) {
			return e.Restore.GetRun(ctx, p.RunID)
		}),
		"restore.cancel": handle(func(ctx context.Context, p runParams) (any, error) {
			run, err := e.Restore.Cancel(ctx, p.RunID)
			if err != nil {
				return nil, err
			}
			e.Service.WriteAudit(ctx, "restore.cancel", "restore_run", run.ID, "rpc")
			return run, nil
		}),

		"entities.list": handle(func(ctx context.Context, p entityParams) (any, error) {
			var t domain.EntityType
			if p.Type != "" {
				parsed, err := domain.ParseEntityType(p.Type)
				if err != nil {
					return nil, err
				}
				t = parsed
			}
			return e.Store.List(ctx, p.ProjectID, t, p.Limit)
		}),
		"entities.get": handle(func(ctx context.Context, p entityParams) (any, error) {
			node, err := p.identity()
			if err != nil {
				return nil, err
			}
			return e.Store.Get(ctx, p.ProjectID, node)
		}),
		"entities.put": handle(func(ctx context.Context, p struct {
			ProjectID uint          `json:"project_id"`
			Entity    domain.Entity `json:"entity"`
		}) (any, error) {
			stored, changed, err := e.Store.Put(ctx, p.ProjectID, p.Entity)
			if err != nil {
				return nil, err
			}
			return map[string]any{"entity": stored, "changed": changed}, nil
		}),
		"entities.delete": handle(func(ctx context.Context, p entityParams) (any, error) {
			node, err := p.identity()
			if err != nil {
				return nil, err
			}
			deleted, err := e.Store.Delete(ctx, p.ProjectID, node)
			if err != nil {
				return nil, err
			}
			return map[string]any{"deleted": deleted}, nil
		}),
		"entities.history": handle(func(ctx context.Context, p entityParams) (any, error) {
			node, err := p.identity()
			if err != nil {
				return nil, err
			}
			return e.Store.History(ctx, p.ProjectID, node, p.Limit)
		}),

		"associations.link": handle(func(ctx context.Context, p edgeParams) (any, error) {
			linked, err := e.Graph.Link(ctx, p.ProjectID, p.Edge)
			if err != nil {
				return nil, err
			}
			return map[string]any{"linked": linked, "edge": p.Edge.Canonical()}, nil
		}),
		"associations.unlink": handle(func(ctx context.Context, p edgeParams) (any, error) {
			removed, err := e.Graph.Unlink(ctx, p.ProjectID, p.Edge)
			if err != nil {
				return nil, err
			}
			return map[string]any{"removed": removed, "edge": p.Edge.Canonical()}, nil
		}),
		"associations.of": handle(func(ctx context.Context, p entityParams) (any, error) {
			node, err := p.identity()
			if err != nil {
				return nil, err
			}
			return e.Graph.EdgesOf(ctx, p.ProjectID, node)
		}),

		"sync.start": handle(func(ctx context.Context, p struct {
			ProjectID   uint              `json:"project_id"`
			CRMType     string            `json:"crm_type"`
			Credentials map[string]string `json:"credentials"`
		}) (any, error) {
			project, err := e.Service.GetProject(ctx, p.ProjectID)
			if err != nil {
				return nil, err
			}
			crmType := p.CRMType
			if strings.TrimSpace(crmType) == "" {
				crmType = project.DefaultSourceType
			}
			src, err := s.connectors.Source(crmType, project, p.Credentials)
			if err != nil {
				return nil, err
			}
			return s.startSync(ctx, project.ID, src, crmType)
		}),
		"sync.upload": handle(func(ctx context.Context, p struct {
			ProjectID uint   `json:"project_id"`
			Provider  string `json:"provider"`
			Filename  string `json:"filename"`
			Data      []byte `json:"data"`
		}) (any, error) {
			src, err := s.connectors.Upload(p.Provider, p.Filename, p.Data)
			if err != nil {
				return nil, err
			}
			return s.startSync(ctx, p.ProjectID, src, "file")
		}),
	}
}

func (s *Server) startSync(ctx context.Context, projectID uint, src domain.Source, sourceType string) (any, error) {
	snap, err := s.engine.Sync.Start(ctx, projectID, src, sourceType)
	if err != nil {
		return nil, err
	}
	s.engine.Service.WriteAudit(ctx, "sync.start", "snapshot", fmt.Sprint(snap.ID), src.Name())
	return snap, nil
}

func redacted(p domain.Project, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	return p.Redacted(), nil
}

func errorResponse(id any, err error, log *zap.SugaredLogger) response {
	if errors.Is(err, errInvalidParams) {
		return response{JSONRPC: "2.0", Error: &rpcError{Code: codeInvalidParams, Message: "invalid params"}, ID: id}
	}
	kind := domain.KindOf(err)
	code := codeInternal
	switch kind {
	case domain.KindNotFound:
		code = codeNotFound
	case domain.KindNotReady:
		code = codeNotReady
	case domain.KindValidation:
		code = codeValidation
	default:
		log.Errorw("rpc call failed", "err", err)
	}
	return response{JSONRPC: "2.0", Error: &rpcError{Code: code, Message: err.Error(), Kind: string(kind)}, ID: id}
}
