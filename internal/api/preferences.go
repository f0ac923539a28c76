package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lalithlochan/beacon/internal/db"
)

// ListPreferences handles GET /v1/preferences
// Every notification type is listed; types the user never touched carry defaults.
func (h *Handler) ListPreferences(w http.ResponseWriter, r *http.Request) {
	p, ok := h.caller(w, r)
	if !ok {
		return
	}

	prefs, err := h.prefs.List(r.Context(), p.UserID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to list preferences")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"preferences": prefs})
}

// GetPreference handles GET /v1/preferences/{type}
func (h *Handler) GetPreference(w http.ResponseWriter, r *http.Request) {
	p, ok := h.caller(w, r)
	if !ok {
		return
	}

	pref, err := h.prefs.Get(r.Context(), p.UserID, db.NotificationType(chi.URLParam(r, "type")))
	if err != nil {
		h.writeServiceError(w, err, "Failed to load preference")
		return
	}
	h.writeJSON(w, http.StatusOK, pref)
}

// UpdatePreference handles PUT /v1/preferences/{type}
// Absent fields are left unchanged.
func (h *Handler) UpdatePreference(w http.ResponseWriter, r *http.Request) {
	p, ok := h.caller(w, r)
	if !ok {
		return
	}

	var patch db.PreferencePatch
	if err := decodeBody(w, r, &patch); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	pref, err := h.prefs.Set(r.Context(), p.UserID, db.NotificationType(chi.URLParam(r, "type")), patch)
	if err != nil {
		h.writeServiceError(w, err, "Failed to update preference")
		return
	}
	h.writeJSON(w, http.StatusOK, pref)
}
