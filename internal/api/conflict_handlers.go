package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tallybridge/tallysync/internal/models"
)

// ListConflicts handles GET /companies/{companyID}/conflicts. The state
// filter defaults to open; "all" lifts it.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	state := models.ConflictOpen
	switch raw := r.URL.Query().Get("state"); raw {
	case "", string(models.ConflictOpen):
	case string(models.ConflictResolved):
		state = models.ConflictResolved
	case "all":
		state = ""
	default:
		WriteProblem(w, r, http.StatusUnprocessableEntity, "unknown conflict state "+raw)
		return
	}

	conflicts, err := h.store.ListConflicts(r.Context(), chi.URLParam(r, "companyID"), state)
	if err != nil {
		MapError(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []models.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, conflicts)
}

type resolveRequest struct {
	Resolution string                 `json:"resolution"`
	Merged     *models.EntitySnapshot `json:"merged,omitempty"`
}

type resolveResponse struct {
	ConflictID string             `json:"conflict_id"`
	Resolution string             `json:"resolution"`
	FollowUp   *models.SyncRecord `json:"follow_up,omitempty"`
}

// ResolveConflict handles POST /conflicts/{conflictID}/resolve.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	conflictID := chi.URLParam(r, "conflictID")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	resolution, err := models.ParseResolution(req.Resolution)
	if err != nil {
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if resolution == models.ResolveMerged && req.Merged == nil {
		WriteProblem(w, r, http.StatusUnprocessableEntity,
			"merged resolution requires a merged snapshot")
		return
	}

	rec, err := h.engine.ResolveConflict(r.Context(), conflictID, resolution, req.Merged)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resolveResponse{
		ConflictID: conflictID,
		Resolution: string(resolution),
		FollowUp:   rec,
	})
}
