package connectors

import (
	"bytes"
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

	"github.com/Bafix001/zibridge/internal/domain"
	"github.com/Bafix001/zibridge/internal/metrics"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Properties HubSpot computes itself and rejects on write.
var hubspotReadOnly = map[string]struct{}{
	"hs_object_id":        {},
	"createdate":          {},
	"lastmodifieddate":    {},
	"hs_lastmodifieddate": {},
}

// HubSpot-defined association type ids, keyed by from/to object type.
var hubspotAssociationTypes = map[[2]domain.EntityType]int{
	{domain.EntityContact, domain.EntityCompany}: 1,
	{domain.EntityCompany, domain.EntityContact}: 2,
	{domain.EntityDeal, domain.EntityContact}:    3,
	{domain.EntityContact, domain.EntityDeal}:    4,
	{domain.EntityDeal, domain.EntityCompany}:    5,
	{domain.EntityCompany, domain.EntityDeal}:    6,
	{domain.EntityTicket, domain.EntityContact}:  16,
	{domain.EntityContact, domain.EntityTicket}:  15,
	{domain.EntityTicket, domain.EntityCompany}:  26,
	{domain.EntityCompany, domain.EntityTicket}:  25,
	{domain.EntityDeal, domain.EntityTicket}:     27,
	{domain.EntityTicket, domain.EntityDeal}:     28,
}

// Associations requested per object type when reading.
var hubspotFetchAssociations = map[domain.EntityType]string{
	domain.EntityCompany: "contacts",
	domain.EntityContact: "companies",
	domain.EntityDeal:    "companies,contacts",
	domain.EntityTicket:  "companies,contacts",
}

type HubSpotConfig struct {
	BaseURL    string
	Token      string
	RPS        float64
	Burst      int
	RetryFor   time.Duration
	PageSize   int
	HTTPClient *http.Client
}

// StatusError is a non-2xx answer from the CRM.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func statusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

// HubSpot reads and writes CRM objects through the v3 objects API. It is both
// a domain.Source and a domain.Sink.
type HubSpot struct {
	base     string
	token    string
	client   *http.Client
	limiter  *rate.Limiter
	retryFor time.Duration
	pageSize int
	log      *zap.SugaredLogger
}

func NewHubSpot(cfg HubSpotConfig, log *zap.SugaredLogger) (*HubSpot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, domain.Errorf(domain.KindValidation, "hubspot token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.hubapi.com"
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 9
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.RetryFor <= 0 {
		cfg.RetryFor = 30 * time.Second
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 100 {
		cfg.PageSize = 100
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &HubSpot{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		token:    cfg.Token,
		client:   cfg.HTTPClient,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		retryFor: cfg.RetryFor,
		pageSize: cfg.PageSize,
		log:      log,
	}, nil
}

func (h *HubSpot) Name() string { return "hubspot" }

type hubspotObject struct {
	ID           string                 `json:"id"`
	Properties   map[string]any         `json:"properties"`
	Associations map[string]hubspotList `json:"associations"`
}

type hubspotList struct {
	Results []struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"results"`
}

type hubspotPage struct {
	Results []hubspotObject `json:"results"`
	Paging  *struct {
		Next *struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

// Fetch pages through every supported object type.
func (h *HubSpot) Fetch(ctx context.Context, emit func(domain.Entity) error) error {
	for _, t := range domain.EntityTypes {
		after := ""
		for {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(h.pageSize))
			q.Set("associations", hubspotFetchAssociations[t])
			if after != "" {
				q.Set("after", after)
			}
			var page hubspotPage
			if err := h.do(ctx, http.MethodGet, objectsPath(t)+"?"+q.Encode(), nil, &page); err != nil {
				return fmt.Errorf("list %s: %w", t.Plural(), err)
			}
			for _, obj := range page.Results {
				if err := emit(toEntity(t, obj)); err != nil {
					return err
				}
			}
			if page.Paging == nil || page.Paging.Next == nil || page.Paging.Next.After == "" {
				break
			}
			after = page.Paging.Next.After
		}
		h.log.Debugw("hubspot objects fetched", "type", t)
	}
	return nil
}

func toEntity(t domain.EntityType, obj hubspotObject) domain.Entity {
	e := domain.Entity{Type: t, ID: obj.ID, Fields: domain.Fields(obj.Properties)}
	if e.Fields == nil {
		e.Fields = domain.Fields{}
	}
	for key, list := range obj.Associations {
		toType, err := domain.ParseEntityType(key)
		if err != nil {
			continue
		}
		seen := map[string]struct{}{}
		for _, r := range list.Results {
			if _, dup := seen[r.ID]; dup || r.ID == "" {
				continue
			}
			seen[r.ID] = struct{}{}
			e.Associations = append(e.Associations, domain.AssociationRef{ToType: toType, ToID: r.ID})
		}
	}
	return e
}

func (h *HubSpot) Create(ctx context.Context, value domain.Entity) (string, error) {
	var out hubspotObject
	if err := h.do(ctx, http.MethodPost, objectsPath(value.Type), writeBody(value.Fields), &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Update patches the object and re-creates it when HubSpot no longer has it.
// The returned id is the new one in that case.
func (h *HubSpot) Update(ctx context.Context, value domain.Entity) (string, error) {
	var out hubspotObject
	err := h.do(ctx, http.MethodPatch, objectsPath(value.Type)+"/"+url.PathEscape(value.ID), writeBody(value.Fields), &out)
	if statusCode(err) == http.StatusNotFound {
		h.log.Infow("hubspot object gone, re-creating", "type", value.Type, "id", value.ID)
		return h.Create(ctx, value)
	}
	if err != nil {
		return "", err
	}
	return value.ID, nil
}

func (h *HubSpot) Delete(ctx context.Context, id domain.Identity) error {
	err := h.do(ctx, http.MethodDelete, objectsPath(id.Type)+"/"+url.PathEscape(id.ID), nil, nil)
	if statusCode(err) == http.StatusNotFound {
		return nil
	}
	return err
}

func (h *HubSpot) Associate(ctx context.Context, edge domain.AssociationEdge) error {
	typeID, ok := hubspotAssociationTypes[[2]domain.EntityType{edge.FromType, edge.ToType}]
	if !ok {
		return fmt.Errorf("no hubspot association type for %s to %s", edge.FromType, edge.ToType)
	}
	path := fmt.Sprintf("%s/%s/associations/%s/%s/%d",
		objectsPath(edge.FromType), url.PathEscape(edge.FromID),
		edge.ToType.Plural(), url.PathEscape(edge.ToID), typeID)
	return h.do(ctx, http.MethodPut, path, nil, nil)
}

func objectsPath(t domain.EntityType) string {
	return "/crm/v3/objects/" + t.Plural()
}

func writeBody(fields domain.Fields) map[string]any {
	props := make(map[string]string, len(fields))
	for k, v := range fields {
		if _, ro := hubspotReadOnly[k]; ro || strings.HasPrefix(k, "_") {
			continue
		}
		if v == nil {
			props[k] = ""
			continue
		}
		props[k] = fmt.Sprint(v)
	}
	return map[string]any{"properties": props}
}

// do sends one request under the rate limit, retrying 429 and 5xx answers
// with exponential backoff.
func (h *HubSpot) do(ctx context.Context, method, path string, body any, out any) error {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = b
	}

	op := func() error {
		if err := h.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, method, h.base+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+h.token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := h.client.Do(req)
		if err != nil {
			metrics.ConnectorRequestsTotal.WithLabelValues("hubspot", "error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		defer resp.Body.Close()
		metrics.ConnectorRequestsTotal.WithLabelValues("hubspot", strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			serr := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
				return serr
			}
			return backoff.Permanent(serr)
		}
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s %s: %w", method, path, err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = h.retryFor
	return backoff.RetryNotify(op, backoff.WithContext(bo, ctx), func(err error, wait time.Duration) {
		h.log.Warnw("hubspot request retry", "method", method, "path", path, "wait", wait, "err", err)
	})
}
