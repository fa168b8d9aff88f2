// Package api provides the HTTP surface of the ingestion service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"tenant-ingest/internal/domain"
	"tenant-ingest/internal/middleware"
	"tenant-ingest/internal/orchestrator"
)

// Invoker runs exactly one coordinator invocation.
type Invoker interface {
	Invoke(ctx context.Context, trig domain.Trigger) (domain.Outcome, error)
}

// Runner drives an object to completion.
type Runner interface {
	Run(ctx context.Context, trig domain.Trigger) (orchestrator.RunResult, error)
}

// MaxQueryLimit caps the items returned by one query.
const MaxQueryLimit = 1000

// Handler serves the /v1 endpoints.
type Handler struct {
	invoker      Invoker
	runner       Runner
	table        domain.Table
	tableName    string
	partitionKey string
	logger       *slog.Logger
}

// NewHandler creates a Handler. tableName is the default table for queries
// and partitionKeyAttr names the partition key attribute on stored items.
func NewHandler(invoker Invoker, runner Runner, table domain.Table, tableName, partitionKeyAttr string, logger *slog.Logger) *Handler {
	if partitionKeyAttr == "" {
		partitionKeyAttr = "PartitionKey"
	}
	return &Handler{
		invoker:      invoker,
		runner:       runner,
		table:        table,
		tableName:    tableName,
		partitionKey: partitionKeyAttr,
		logger:       logger.With("component", "api"),
	}
}

// RunResponse is the body of POST /v1/ingestions.
type RunResponse struct {
	Object       domain.ObjectRef `json:"object"`
	State        domain.State     `json:"state"`
	Invocations  int              `json:"invocations"`
	Attempts     int              `json:"attempts"`
	Rows         int              `json:"rows"`
	DeadLettered bool             `json:"dead_lettered"`
	Error        string           `json:"error,omitempty"`
}

// ItemsResponse is the body of the partition query.
type ItemsResponse struct {
	Tenant    string              `json:"tenant"`
	Partition string              `json:"partition"`
	Items     []map[string]string `json:"items"`
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatusFromDomainError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "error", err,
			"request_id", middleware.RequestIDFromContext(r.Context()))
	}
	writeJSON(w, status, ErrorResponse{
		Code:      status,
		Message:   err.Error(),
		RequestID: middleware.RequestIDFromContext(r.Context()),
	})
}

func decodeTrigger(w http.ResponseWriter, r *http.Request) (domain.Trigger, error) {
	var trig domain.Trigger
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&trig); err != nil {
		return trig, domain.ErrValidation("invalid request body: %v", err)
	}
	if trig.Object.Bucket == "" || trig.Object.Key == "" {
		return trig, domain.ErrValidation("object.bucket and object.key are required")
	}
	if trig.Cursor != nil && *trig.Cursor < 0 {
		return trig, domain.ErrValidation("cursor must not be negative")
	}
	return trig, nil
}

// Invoke handles POST /v1/invocations: one invocation, returning the
// resume cursor or null.
func (h *Handler) Invoke(w http.ResponseWriter, r *http.Request) {
	trig, err := decodeTrigger(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.invoker.Invoke(r.Context(), trig)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, domain.InvocationOutput{
		Object: trig.Object,
		Cursor: out.Next(),
		State:  out.State,
	})
}

// Ingest handles POST /v1/ingestions: continuation loop with retries and
// dead-lettering.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	trig, err := decodeTrigger(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.runner.Run(r.Context(), trig)
	if err != nil {
		h.logger.Error("run interrupted", "bucket", trig.Object.Bucket, "key", trig.Object.Key, "error", err)
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{
			Code:      http.StatusServiceUnavailable,
			Message:   fmt.Sprintf("run %s interrupted: %v", trig.Object, err),
			RequestID: middleware.RequestIDFromContext(r.Context()),
		})
		return
	}
	resp := RunResponse{
		Object:       trig.Object,
		State:        res.Outcome.State,
		Invocations:  res.Invocations,
		Attempts:     res.Attempts,
		Rows:         res.Outcome.Rows,
		DeadLettered: res.DeadLettered,
	}
	if res.Err != nil {
		resp.State = domain.StateFailed
		resp.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// QueryItems handles GET /v1/tenants/{tenant}/partitions/{partition}/items.
// Returned partition keys have the tenant prefix stripped.
func (h *Handler) QueryItems(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	partition := chi.URLParam(r, "partition")
	if tenant == "" || strings.Contains(tenant, domain.KeySeparator) {
		h.fail(w, r, domain.ErrValidation("tenant %q must be non-empty and must not contain %q", tenant, domain.KeySeparator))
		return
	}
	if partition == "" {
		h.fail(w, r, domain.ErrValidation("partition is required"))
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxQueryLimit {
			h.fail(w, r, domain.ErrValidation("limit must be between 1 and %d", MaxQueryLimit))
			return
		}
		limit = n
	}
	table := h.tableName
	if v := r.URL.Query().Get("table"); v != "" {
		table = v
	}
	if table == "" {
		h.fail(w, r, domain.ErrValidation("no table configured; pass ?table="))
		return
	}

	prefix := tenant + domain.KeySeparator
	items, err := h.table.Query(r.Context(), table, prefix+partition, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := ItemsResponse{Tenant: tenant, Partition: partition, Items: make([]map[string]string, 0, len(items))}
	for _, it := range items {
		attrs := make(map[string]string, len(it.Attributes)+1)
		for k, v := range it.Attributes {
			attrs[k] = v
		}
		attrs[h.partitionKey] = strings.TrimPrefix(it.Key.PartitionKey, prefix)
		resp.Items = append(resp.Items, attrs)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
