package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/k2so/catsync/internal/api"
	"github.com/k2so/catsync/internal/config"
	"github.com/k2so/catsync/internal/mutate"
	"github.com/k2so/catsync/internal/notify"
	"github.com/k2so/catsync/internal/query"
	"github.com/k2so/catsync/internal/stream"
	"github.com/k2so/catsync/internal/views"
)

// QueryEngine is the surface the handler needs from the query cache.
type QueryEngine interface {
	Snapshot(ctx context.Context, resource string, params map[string]string) (query.Result, error)
	Resources() []query.ResourceStatus
	HasResource(name string) bool
}

// ViewService is the surface the handler needs from the view evaluator.
type ViewService interface {
	Compute(ctx context.Context, name string, params map[string]string) (views.Result, error)
	Has(name string) bool
	Names() []string
}

// MutationRunner is the surface the handler needs from the mutation layer.
type MutationRunner interface {
	Do(ctx context.Context, name string, req mutate.Request) (mutate.Outcome, error)
	DoBulk(ctx context.Context, name string, items []mutate.BulkItem) (mutate.BulkOutcome, error)
	Has(name string) bool
	Names() []string
}

// StreamClient is the surface the handler needs from the live-update link.
type StreamClient interface {
	Status() stream.Status
	Connect()
	Disconnect()
}

// Exporter retrieves opaque upstream payloads for pass-through download.
type Exporter interface {
	Export(ctx context.Context, path string, query url.Values) ([]byte, string, error)
}

// Deps collects everything the HTTP surface dispatches to.
type Deps struct {
	Config    config.Config
	Engine    QueryEngine
	Views     ViewService
	Mutations MutationRunner
	Stream    StreamClient
	Exporter  Exporter
	Center    *notify.Center
	Metrics   http.Handler
	Logger    *slog.Logger
}

type handler struct {
	deps   Deps
	logger *slog.Logger
}

// NewHandler builds the routing facade over the sync components.
func NewHandler(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{deps: deps, logger: logger.With(slog.String("agent", "http"))}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("GET /resources", h.listResources)
	mux.HandleFunc("GET /resources/{name}", h.getResource)
	mux.HandleFunc("GET /views", h.listViews)
	mux.HandleFunc("GET /views/{name}", h.getView)
	mux.HandleFunc("POST /mutations/{name}", h.runMutation)
	mux.HandleFunc("POST /mutations/{name}/bulk", h.runBulkMutation)
	mux.HandleFunc("GET /notifications", h.listNotifications)
	mux.HandleFunc("DELETE /notifications/{id}", h.dismissNotification)
	mux.HandleFunc("GET /stream/status", h.streamStatus)
	mux.HandleFunc("POST /stream/connect", h.streamConnect)
	mux.HandleFunc("POST /stream/disconnect", h.streamDisconnect)
	mux.HandleFunc("GET /export/{name}", h.export)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}
	return mux
}

type healthPayload struct {
	Status             string                  `json:"status"`
	Stream             stream.Status           `json:"stream"`
	Resources          int                     `json:"resources"`
	Views              int                     `json:"views"`
	Mutations          int                     `json:"mutations"`
	DefinitionSources  []string                `json:"definitionSources,omitempty"`
	SkippedDefinitions []config.DefinitionSkip `json:"skippedDefinitions,omitempty"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	payload := healthPayload{
		Status:             "ok",
		Resources:          len(h.deps.Engine.Resources()),
		Views:              len(h.deps.Views.Names()),
		Mutations:          len(h.deps.Mutations.Names()),
		DefinitionSources:  h.deps.Config.DefinitionSources,
		SkippedDefinitions: h.deps.Config.SkippedDefinitions,
	}
	if h.deps.Stream != nil {
		payload.Stream = h.deps.Stream.Status()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *handler) listResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Engine.Resources())
}

type resourcePayload struct {
	Resource  string          `json:"resource"`
	Data      json.RawMessage `json:"data"`
	Stale     bool            `json:"stale"`
	FetchedAt time.Time       `json:"fetchedAt,omitzero"`
	Error     string          `json:"error,omitempty"`
}

func (h *handler) getResource(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !h.deps.Engine.HasResource(name) {
		writeError(w, http.StatusNotFound, "resource "+name+" not found")
		return
	}
	result, err := h.deps.Engine.Snapshot(r.Context(), name, queryParams(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	payload := resourcePayload{
		Resource:  name,
		Data:      result.Data,
		Stale:     result.Stale,
		FetchedAt: result.FetchedAt,
	}
	if result.Err != nil {
		payload.Error = result.Err.Error()
		if result.Data == nil {
			writeJSON(w, upstreamStatus(result.Err), payload)
			return
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (h *handler) listViews(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.deps.Views.Names())
}

func (h *handler) getView(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !h.deps.Views.Has(name) {
		writeError(w, http.StatusNotFound, "view "+name+" not found")
		return
	}
	result, err := h.deps.Views.Compute(r.Context(), name, queryParams(r))
	if err != nil {
		writeError(w, viewStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type mutationRequest struct {
	Params     map[string]string `json:"params"`
	Body       json.RawMessage   `json:"body"`
	Optimistic json.RawMessage   `json:"optimistic"`
}

func (h *handler) runMutation(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !h.deps.Mutations.Has(name) {
		writeError(w, http.StatusNotFound, "mutation "+name+" not found")
		return
	}
	var req mutationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := h.deps.Mutations.Do(r.Context(), name, mutate.Request{
		Params:     req.Params,
		Body:       req.Body,
		Optimistic: req.Optimistic,
	})
	if err != nil {
		writeJSON(w, upstreamStatus(err), outcome)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

type bulkRequest struct {
	Items []mutationRequest `json:"items"`
}

func (h *handler) runBulkMutation(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !h.deps.Mutations.Has(name) {
		writeError(w, http.StatusNotFound, "mutation "+name+" not found")
		return
	}
	var req bulkRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	items := make([]mutate.BulkItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, mutate.BulkItem{Params: item.Params, Body: item.Body})
	}
	outcome, err := h.deps.Mutations.DoBulk(r.Context(), name, items)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Partial failure still answers 200: the outcome counts carry the truth.
	writeJSON(w, http.StatusOK, outcome)
}

func (h *handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}
	writeJSON(w, http.StatusOK, h.deps.Center.Recent(limit))
}

func (h *handler) dismissNotification(w http.ResponseWriter, r *http.Request) {
	if !h.deps.Center.Dismiss(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) streamStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Stream == nil {
		writeError(w, http.StatusNotFound, "stream not configured")
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Stream.Status())
}

func (h *handler) streamConnect(w http.ResponseWriter, r *http.Request) {
	if h.deps.Stream == nil {
		writeError(w, http.StatusNotFound, "stream not configured")
		return
	}
	h.deps.Stream.Connect()
	writeJSON(w, http.StatusAccepted, h.deps.Stream.Status())
}

func (h *handler) streamDisconnect(w http.ResponseWriter, r *http.Request) {
	if h.deps.Stream == nil {
		writeError(w, http.StatusNotFound, "stream not configured")
		return
	}
	h.deps.Stream.Disconnect()
	writeJSON(w, http.StatusOK, h.deps.Stream.Status())
}

func (h *handler) export(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !h.deps.Engine.HasResource(name) {
		writeError(w, http.StatusNotFound, "resource "+name+" not found")
		return
	}
	data, contentType, err := h.deps.Exporter.Export(r.Context(), "/export/"+url.PathEscape(name), r.URL.Query())
	if err != nil {
		writeError(w, upstreamStatus(err), err.Error())
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func queryParams(r *http.Request) map[string]string {
	values := r.URL.Query()
	if len(values) == 0 {
		return nil
	}
	params := make(map[string]string, len(values))
	for name := range values {
		params[name] = values.Get(name)
	}
	return params
}

const maxBodyBytes = 1 << 20

func decodeBody(r *http.Request, out any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		return errors.New("request body is not valid JSON")
	}
	return nil
}

// upstreamStatus maps the client error taxonomy back onto an HTTP status.
func upstreamStatus(err error) int {
	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		return http.StatusBadGateway
	}
	switch apiErr.Kind {
	case api.KindValidation:
		if apiErr.Status >= 400 && apiErr.Status < 500 {
			return apiErr.Status
		}
		return http.StatusBadRequest
	case api.KindTimeout:
		return http.StatusGatewayTimeout
	case api.KindServer, api.KindDecode, api.KindNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

func viewStatus(err error) int {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return upstreamStatus(err)
	}
	return http.StatusBadRequest
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
