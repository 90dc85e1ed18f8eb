package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/luan/facmandu/internal/deps"
	"github.com/luan/facmandu/internal/models"
)

// handleAddMod inserts a mod into the list. Mods can be added straight to
// the icebox, in which case they start disabled.
func (s *Server) handleAddMod(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string   `json:"name"`
		Version      string   `json:"version"`
		Dependencies []string `json:"dependencies"`
		Icebox       bool     `json:"icebox"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "mod name is required")
		return
	}

	var encoded string
	if len(req.Dependencies) > 0 {
		raw, err := json.Marshal(req.Dependencies)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid dependencies")
			return
		}
		encoded = string(raw)
	}

	listID := chi.URLParam(r, "listID")
	mod := &models.Mod{
		ModlistID:    listID,
		Name:         req.Name,
		Version:      req.Version,
		Enabled:      !req.Icebox,
		Icebox:       req.Icebox,
		Dependencies: encoded,
	}
	if err := s.store.AddMod(r.Context(), mod); err != nil {
		s.storeError(w, err)
		return
	}

	eventType := "mod-added"
	if req.Icebox {
		eventType = "icebox-added"
	}
	s.bus.Publish(listID, eventType, map[string]any{"mod": mod})
	writeJSON(w, http.StatusCreated, mod)
}

func (s *Server) handleRemoveMod(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "listID")
	modID := chi.URLParam(r, "modID")

	mod, err := s.store.GetMod(r.Context(), listID, modID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if err := s.store.RemoveMod(r.Context(), listID, modID); err != nil {
		s.storeError(w, err)
		return
	}

	s.bus.Publish(listID, "mod-removed", map[string]any{
		"modId":   modID,
		"modName": mod.Name,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleToggleMod enables or disables a mod. Disabling is refused while
// the mod is essential or any other active mod requires it.
func (s *Server) handleToggleMod(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	listID := chi.URLParam(r, "listID")
	modID := chi.URLParam(r, "modID")

	if !req.Enabled {
		mod, err := s.store.GetMod(r.Context(), listID, modID)
		if err != nil {
			s.storeError(w, err)
			return
		}
		siblings, err := s.store.ListMods(r.Context(), listID)
		if err != nil {
			s.storeError(w, err)
			return
		}
		if !deps.CanDisable(*mod, siblings) {
			if mod.Essential {
				writeError(w, http.StatusConflict, "essential mods cannot be disabled")
			} else {
				writeError(w, http.StatusConflict, "another enabled mod requires this mod")
			}
			return
		}
	}

	if err := s.store.SetModEnabled(r.Context(), listID, modID, req.Enabled); err != nil {
		s.storeError(w, err)
		return
	}

	s.bus.Publish(listID, "mod-toggled", map[string]any{
		"modId":   modID,
		"enabled": req.Enabled,
	})
	writeJSON(w, http.StatusOK, map[string]any{"modId": modID, "enabled": req.Enabled})
}

func (s *Server) handleEssential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Essential bool `json:"essential"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	listID := chi.URLParam(r, "listID")
	modID := chi.URLParam(r, "modID")

	if err := s.store.SetModEssential(r.Context(), listID, modID, req.Essential); err != nil {
		s.storeError(w, err)
		return
	}

	s.bus.Publish(listID, "mod-essential-toggled", map[string]any{
		"modId":     modID,
		"essential": req.Essential,
	})
	writeJSON(w, http.StatusOK, map[string]any{"modId": modID, "essential": req.Essential})
}

// handleIcebox parks a mod in the icebox or activates it back into the
// list. Parked mods drop out of dependency validation.
func (s *Server) handleIcebox(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Icebox bool `json:"icebox"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	listID := chi.URLParam(r, "listID")
	modID := chi.URLParam(r, "modID")

	if err := s.store.SetModIcebox(r.Context(), listID, modID, req.Icebox); err != nil {
		s.storeError(w, err)
		return
	}

	eventType := "icebox-activated"
	if req.Icebox {
		eventType = "mod-moved-to-icebox"
	}
	s.bus.Publish(listID, eventType, map[string]any{"modId": modID})
	writeJSON(w, http.StatusOK, map[string]any{"modId": modID, "icebox": req.Icebox})
}
