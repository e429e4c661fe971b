// Package api is the control surface: a chi REST router for operators plus
// the websocket endpoint desktop agents dial.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tallybridge/tallysync/internal/agent"
	"github.com/tallybridge/tallysync/internal/events"
	"github.com/tallybridge/tallysync/internal/models"
)

// Engine is the sync surface the API exposes.
type Engine interface {
	Enqueue(ctx context.Context, companyID string, entityType models.EntityType, entityID string, direction models.Direction, priority models.Priority) (*models.SyncRecord, error)
	FullSync(ctx context.Context, companyID string, priority models.Priority) (int, error)
	Status(ctx context.Context, companyID string) (*models.SyncStatusReport, error)
	Logs(ctx context.Context, companyID string, f models.LogFilter) ([]models.SyncRecord, error)
	ResolveConflict(ctx context.Context, conflictID string, resolution models.Resolution, merged *models.EntitySnapshot) (*models.SyncRecord, error)
}

// SettingsStore is the persistence surface for settings and conflict reads.
type SettingsStore interface {
	GetSettings(ctx context.Context, companyID string) (models.SyncSettings, error)
	PutSettings(ctx context.Context, settings models.SyncSettings) error
	ListConflicts(ctx context.Context, companyID string, state models.ResolutionState) ([]models.ConflictRecord, error)
}

// AgentGateway accepts agent websocket handshakes.
type AgentGateway interface {
	HandleAgent(w http.ResponseWriter, r *http.Request)
}

// Handler implements the control surface endpoints.
type Handler struct {
	engine  Engine
	store   SettingsStore
	agents  AgentGateway
	version string
	logger  *events.Logger

	probeTimeout time.Duration
}

// NewHandler creates a handler.
func NewHandler(engine Engine, store SettingsStore, agents AgentGateway, version string, logger *events.Logger) *Handler {
	return &Handler{
		engine:       engine,
		store:        store,
		agents:       agents,
		version:      version,
		logger:       logger.WithField("component", "api"),
		probeTimeout: 5 * time.Second,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Health returns the service liveness summary.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": h.version,
	})
}

type syncRequest struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Direction  string `json:"direction,omitempty"`
	Priority   string `json:"priority,omitempty"`
}

// EnqueueSync handles POST /companies/{companyID}/sync.
func (h *Handler) EnqueueSync(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	entityType, err := models.ParseEntityType(req.EntityType)
	if err != nil {
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.EntityID == "" {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "entity_id is required")
		return
	}

	direction := models.DirectionToExternal
	if req.Direction != "" {
		if direction, err = models.ParseDirection(req.Direction); err != nil {
			WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}

	rec, err := h.engine.Enqueue(r.Context(), companyID, entityType, req.EntityID, direction, priority)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

type fullSyncRequest struct {
	Priority string `json:"priority,omitempty"`
}

// FullSync handles POST /companies/{companyID}/sync/full.
func (h *Handler) FullSync(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	var req fullSyncRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON: "+err.Error())
			return
		}
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}

	queued, err := h.engine.FullSync(r.Context(), companyID, priority)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"queued": queued})
}

// SyncStatus handles GET /companies/{companyID}/sync/status.
func (h *Handler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Status(r.Context(), chi.URLParam(r, "companyID"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// SyncLogs handles GET /companies/{companyID}/sync/logs.
func (h *Handler) SyncLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var f models.LogFilter
	if raw := q.Get("entity_type"); raw != "" {
		entityType, err := models.ParseEntityType(raw)
		if err != nil {
			WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
			return
		}
		f.Type = entityType
	}
	f.EntityID = q.Get("entity_id")
	f.Status = models.SyncStatus(q.Get("status"))
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	records, err := h.engine.Logs(r.Context(), chi.URLParam(r, "companyID"), f)
	if err != nil {
		MapError(w, r, err)
		return
	}
	if records == nil {
		records = []models.SyncRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

type settingsRequest struct {
	AutoSync      bool   `json:"auto_sync"`
	SyncIntervalS int    `json:"sync_interval_s"`
	Vouchers      bool   `json:"vouchers"`
	Items         bool   `json:"items"`
	Parties       bool   `json:"parties"`
	Policy        string `json:"conflict_policy"`
	MaxAttempts   int    `json:"max_attempts"`
	BaseDelayS    int    `json:"base_delay_s"`
}

type settingsResponse struct {
	CompanyID     string    `json:"company_id"`
	AutoSync      bool      `json:"auto_sync"`
	SyncIntervalS int       `json:"sync_interval_s"`
	Vouchers      bool      `json:"vouchers"`
	Items         bool      `json:"items"`
	Parties       bool      `json:"parties"`
	Policy        string    `json:"conflict_policy"`
	MaxAttempts   int       `json:"max_attempts"`
	BaseDelayS    int       `json:"base_delay_s"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func settingsToResponse(s models.SyncSettings) settingsResponse {
	return settingsResponse{
		CompanyID:     s.CompanyID,
		AutoSync:      s.AutoSync,
		SyncIntervalS: int(s.SyncInterval / time.Second),
		Vouchers:      s.Entities.Vouchers,
		Items:         s.Entities.Items,
		Parties:       s.Entities.Parties,
		Policy:        string(s.Policy),
		MaxAttempts:   s.MaxAttempts,
		BaseDelayS:    int(s.BaseDelay / time.Second),
		UpdatedAt:     s.UpdatedAt,
	}
}

// GetSettings handles GET /companies/{companyID}/settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.store.GetSettings(r.Context(), chi.URLParam(r, "companyID"))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsToResponse(settings))
}

// PutSettings handles PUT /companies/{companyID}/settings.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	companyID := chi.URLParam(r, "companyID")

	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	policy, err := models.ParseConflictPolicy(req.Policy)
	if err != nil {
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}

	settings := models.SyncSettings{
		CompanyID:    companyID,
		AutoSync:     req.AutoSync,
		SyncInterval: time.Duration(req.SyncIntervalS) * time.Second,
		Entities: models.EntityToggles{
			Vouchers: req.Vouchers,
			Items:    req.Items,
			Parties:  req.Parties,
		},
		Policy:      policy,
		MaxAttempts: req.MaxAttempts,
		BaseDelay:   time.Duration(req.BaseDelayS) * time.Second,
	}
	if err := h.store.PutSettings(r.Context(), settings); err != nil {
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}

	stored, err := h.store.GetSettings(r.Context(), companyID)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settingsToResponse(stored))
}

type probeRequest struct {
	Method   string `json:"method"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	TimeoutS int    `json:"timeout_s,omitempty"`
}

// TestConnection handles POST /test-connection. It probes a Tally endpoint
// without touching any data.
func (h *Handler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var req probeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "host and a valid port are required")
		return
	}

	timeout := h.probeTimeout
	if req.TimeoutS > 0 {
		timeout = time.Duration(req.TimeoutS) * time.Second
	}

	result := agent.Probe(r.Context(), req.Method, req.Host, req.Port, timeout)
	writeJSON(w, http.StatusOK, result)
}

// AgentSocket hands the connection to the agent manager for upgrade.
func (h *Handler) AgentSocket(w http.ResponseWriter, r *http.Request) {
	h.agents.HandleAgent(w, r)
}
