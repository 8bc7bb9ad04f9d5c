package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/aspect"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/core/usecase"
)

const (
	timeFormat      = "2006-01-02T15:04:05.999999999Z07:00"
	maxJSONBodySize = 1 << 20
	actorHeader     = "X-Actor"
	defaultActor    = "api"
)

type Handler struct {
	kvService       *usecase.KVService
	auditService    *usecase.AuditService
	catalogService  *usecase.CatalogService
	snapshotService *usecase.SnapshotService
	accessor        string
	logger          *zap.Logger
}

// NewHandler serves the KV store and the ledger read endpoints. accessor is
// the snapshot history served when a request does not name one.
func NewHandler(
	kvService *usecase.KVService,
	auditService *usecase.AuditService,
	catalogService *usecase.CatalogService,
	snapshotService *usecase.SnapshotService,
	accessor string,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		kvService:       kvService,
		auditService:    auditService,
		catalogService:  catalogService,
		snapshotService: snapshotService,
		accessor:        accessor,
		logger:          logger,
	}
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", h.healthz)
	r.Get("/openapi.json", h.openapi)

	r.Group(func(pr chi.Router) {
		pr.Use(withActor)
		pr.Get("/v1/kv", h.scan)
		pr.Put("/v1/kv/{key}", h.upsert)
		pr.Get("/v1/kv/{key}", h.get)
		pr.Delete("/v1/kv/{key}", h.delete)

		pr.Get("/v1/audit", h.listAudit)
		pr.Get("/v1/catalog", h.listCatalog)
		pr.Get("/v1/snapshots", h.listSnapshots)
		pr.Get("/v1/snapshots/latest", h.latestSnapshot)
		pr.Get("/v1/snapshots/{version}", h.getSnapshot)
	})

	return r
}

// withActor attributes ledger writes of the request to the X-Actor header.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(actorHeader))
		if actor == "" {
			actor = defaultActor
		}
		next.ServeHTTP(w, r.WithContext(aspect.WithActor(r.Context(), actor)))
	})
}

type upsertRequest struct {
	Category string          `json:"category"`
	Value    json.RawMessage `json:"value"`
	Revision int64           `json:"revision,omitempty"`
}

type itemResponse struct {
	Key       string          `json:"key"`
	Category  string          `json:"category"`
	Value     json.RawMessage `json:"value"`
	Revision  int64           `json:"revision"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

type auditPropertyResponse struct {
	Name     string  `json:"name"`
	TypeName string  `json:"type_name"`
	OldValue *string `json:"old_value"`
	NewValue *string `json:"new_value"`
}

type auditRecordResponse struct {
	ID             string                  `json:"id"`
	TableName      string                  `json:"table_name"`
	EntityTypeName string                  `json:"entity_type_name"`
	State          string                  `json:"state"`
	EntityID       string                  `json:"entity_id"`
	CreatedTime    string                  `json:"created_time"`
	CreatedBy      string                  `json:"created_by"`
	Properties     []auditPropertyResponse `json:"properties"`
}

type catalogEntryResponse struct {
	ID           string `json:"id"`
	EntityName   string `json:"entity_name"`
	AssemblyName string `json:"assembly_name"`
	TableName    string `json:"table_name"`
	Schema       string `json:"schema"`
	Description  string `json:"description"`
	IsSharding   bool   `json:"is_sharding"`
	CreatedTime  string `json:"created_time"`
	CreatedBy    string `json:"created_by"`
}

type snapshotResponse struct {
	ID               string                   `json:"id"`
	Accessor         string                   `json:"accessor"`
	SnapshotTypeName string                   `json:"snapshot_type_name"`
	Version          int64                    `json:"version"`
	ContentHash      string                   `json:"content_hash"`
	CreatedTime      string                   `json:"created_time"`
	CreatedBy        string                   `json:"created_by"`
	Document         *domain.SnapshotDocument `json:"document,omitempty"`
}

func (h *Handler) upsert(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)

	var req upsertRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := ensureEOF(decoder); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	item, err := h.kvService.Upsert(r.Context(), domain.Item{
		Key:      key,
		Category: req.Category,
		Value:    req.Value,
		Revision: req.Revision,
	})
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toItemResponse(item))
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	item, err := h.kvService.Get(r.Context(), key)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toItemResponse(item))
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	deleted, err := h.kvService.Delete(r.Context(), key)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (h *Handler) scan(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.parseLimit(w, r)
	if !ok {
		return
	}

	items, err := h.kvService.Scan(r.Context(), domain.ScanFilter{
		Category: r.URL.Query().Get("category"),
		Prefix:   r.URL.Query().Get("prefix"),
		AfterKey: r.URL.Query().Get("after"),
		Limit:    limit,
	})
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	result := make([]itemResponse, 0, len(items))
	for _, item := range items {
		result = append(result, toItemResponse(item))
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"items": result})
}

func (h *Handler) listAudit(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.parseLimit(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	records, err := h.auditService.List(r.Context(), domain.AuditFilter{
		TableName: q.Get("table"),
		EntityID:  q.Get("entity_id"),
		State:     q.Get("state"),
		Before:    q.Get("before"),
		After:     q.Get("after"),
		Limit:     limit,
	})
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	result := make([]auditRecordResponse, 0, len(records))
	for _, rec := range records {
		result = append(result, toAuditResponse(rec))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": result})
}

func (h *Handler) listCatalog(w http.ResponseWriter, r *http.Request) {
	entries, err := h.catalogService.List(r.Context())
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	result := make([]catalogEntryResponse, 0, len(entries))
	for _, e := range entries {
		result = append(result, catalogEntryResponse{
			ID:           e.ID,
			EntityName:   e.EntityName,
			AssemblyName: e.AssemblyName,
			TableName:    e.TableName,
			Schema:       e.Schema,
			Description:  e.Description,
			IsSharding:   e.IsSharding,
			CreatedTime:  e.CreatedTime.UTC().Format(timeFormat),
			CreatedBy:    e.CreatedBy,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": result})
}

func (h *Handler) listSnapshots(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "limit must be integer")
			return
		}
		limit = parsed
	}

	records, err := h.snapshotService.List(r.Context(), h.accessorParam(r), limit)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}

	result := make([]snapshotResponse, 0, len(records))
	for _, rec := range records {
		result = append(result, toSnapshotResponse(rec, nil))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"items": result})
}

func (h *Handler) latestSnapshot(w http.ResponseWriter, r *http.Request) {
	rec, err := h.snapshotService.Latest(r.Context(), h.accessorParam(r))
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeSnapshot(w, rec)
}

func (h *Handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "version must be integer")
		return
	}

	rec, err := h.snapshotService.Get(r.Context(), h.accessorParam(r), version)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeSnapshot(w, rec)
}

func (h *Handler) writeSnapshot(w http.ResponseWriter, rec domain.MigrationSnapshotRecord) {
	doc, err := h.snapshotService.Decode(rec)
	if err != nil {
		h.handleDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toSnapshotResponse(rec, &doc))
}

func (h *Handler) accessorParam(r *http.Request) string {
	if v := r.URL.Query().Get("accessor"); v != "" {
		return v
	}
	return h.accessor
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *Handler) openapi(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, openapiSpec())
}

func toItemResponse(item domain.Item) itemResponse {
	return itemResponse{
		Key:       item.Key,
		Category:  item.Category,
		Value:     item.Value,
		Revision:  item.Revision,
		CreatedAt: item.CreatedAt.UTC().Format(timeFormat),
		UpdatedAt: item.UpdatedAt.UTC().Format(timeFormat),
	}
}

func toAuditResponse(rec domain.AuditRecord) auditRecordResponse {
	props := make([]auditPropertyResponse, 0, len(rec.Properties))
	for _, p := range rec.Properties {
		props = append(props, auditPropertyResponse{
			Name:     p.PropertyName,
			TypeName: p.PropertyTypeName,
			OldValue: p.OldValue,
			NewValue: p.NewValue,
		})
	}
	return auditRecordResponse{
		ID:             rec.ID,
		TableName:      rec.TableName,
		EntityTypeName: rec.EntityTypeName,
		State:          rec.StateName,
		EntityID:       rec.EntityID,
		CreatedTime:    rec.CreatedTime.UTC().Format(timeFormat),
		CreatedBy:      rec.CreatedBy,
		Properties:     props,
	}
}

func toSnapshotResponse(rec domain.MigrationSnapshotRecord, doc *domain.SnapshotDocument) snapshotResponse {
	return snapshotResponse{
		ID:               rec.ID,
		Accessor:         rec.AccessorName,
		SnapshotTypeName: rec.SnapshotTypeName,
		Version:          rec.Version,
		ContentHash:      rec.ContentHash,
		CreatedTime:      rec.CreatedTime.UTC().Format(timeFormat),
		CreatedBy:        rec.CreatedBy,
		Document:         doc,
	}
}

func (h *Handler) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "limit must be integer")
			return 0, false
		}
		limit = parsed
	}
	return limit, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		h.logger.Error("encode json response", zap.Error(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(append(data, '\n')); err != nil {
		h.logger.Warn("write response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]any{"error": message})
}

func (h *Handler) handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrPostCommit):
		h.logger.Error("write committed, post-save processing failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, domain.ErrPostCommit.Error())
	case errors.Is(err, domain.ErrValidation):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConcurrencyConflict):
		h.writeError(w, http.StatusConflict, "concurrency conflict")
	default:
		h.logger.Error("request failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func ensureEOF(decoder *json.Decoder) error {
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}
	return errors.New("extra json tokens")
}

func openapiSpec() map[string]any {
	return map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "dbaspect",
			"version": "1.0.0",
		},
		"paths": map[string]any{
			"/v1/kv": map[string]any{
				"get": map[string]any{"summary": "Scan entries"},
			},
			"/v1/kv/{key}": map[string]any{
				"put":    map[string]any{"summary": "Upsert entry"},
				"get":    map[string]any{"summary": "Get entry"},
				"delete": map[string]any{"summary": "Delete entry"},
			},
			"/v1/audit": map[string]any{
				"get": map[string]any{"summary": "List audit records"},
			},
			"/v1/catalog": map[string]any{
				"get": map[string]any{"summary": "List schema catalog entries"},
			},
			"/v1/snapshots": map[string]any{
				"get": map[string]any{"summary": "List migration snapshots"},
			},
			"/v1/snapshots/latest": map[string]any{
				"get": map[string]any{"summary": "Latest migration snapshot"},
			},
			"/v1/snapshots/{version}": map[string]any{
				"get": map[string]any{"summary": "Migration snapshot by version"},
			},
		},
	}
}
