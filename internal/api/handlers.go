package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/luan/facmandu/internal/deps"
	"github.com/luan/facmandu/internal/store"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	existing, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "username already taken")
		return
	}

	user, err := s.store.CreateUser(r.Context(), req.Username, req.Password)
	if err != nil {
		s.storeError(w, err)
		return
	}

	token, err := s.jwt.GenerateAccessToken(user.ID, user.Username)
	if err != nil {
		log.Error().Err(err).Msg("failed to sign token")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"token": token,
		"user":  map[string]string{"id": user.ID, "username": user.Username},
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.store.GetUserByUsername(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if user == nil || !s.store.CheckPassword(user, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := s.jwt.GenerateAccessToken(user.ID, user.Username)
	if err != nil {
		log.Error().Err(err).Msg("failed to sign token")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  map[string]string{"id": user.ID, "username": user.Username},
	})
}

func (s *Server) handleListModLists(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	lists, err := s.store.ListModLists(r.Context(), claims.Subject)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"modlists": lists})
}

func (s *Server) handleCreateModList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	claims := claimsFrom(r.Context())
	ml, err := s.store.CreateModList(r.Context(), claims.Subject, req.Name)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ml)
}

func (s *Server) handleGetModList(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "listID")

	ml, err := s.store.GetModList(r.Context(), listID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	mods, err := s.store.ListMods(r.Context(), listID)
	if err != nil {
		s.storeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"modlist": ml,
		"mods":    mods,
	})
}

func (s *Server) handleRenameModList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	listID := chi.URLParam(r, "listID")
	if err := s.store.RenameModList(r.Context(), listID, req.Name); err != nil {
		s.storeError(w, err)
		return
	}

	s.bus.Publish(listID, "modlist-name-updated", map[string]any{"name": req.Name})
	writeJSON(w, http.StatusOK, map[string]string{"name": req.Name})
}

// handleAddCollaborator shares the list with another user by username.
func (s *Server) handleAddCollaborator(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := s.store.GetUserByUsername(r.Context(), strings.TrimSpace(req.Username))
	if err != nil {
		s.storeError(w, err)
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	listID := chi.URLParam(r, "listID")
	if err := s.store.AddCollaborator(r.Context(), listID, user.ID); err != nil {
		s.storeError(w, err)
		return
	}

	s.bus.Publish(listID, "modlist-updated", map[string]any{
		"collaboratorAdded": user.Username,
	})
	writeJSON(w, http.StatusOK, map[string]string{"userId": user.ID, "username": user.Username})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "listID")
	mods, err := s.store.ListMods(r.Context(), listID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deps.Validate(mods))
}

// handleExport renders the list in the game's mod-list.json format. The
// base component is always present and enabled; icebox mods are omitted.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	listID := chi.URLParam(r, "listID")
	mods, err := s.store.ListMods(r.Context(), listID)
	if err != nil {
		s.storeError(w, err)
		return
	}

	type entry struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}
	entries := []entry{{Name: "base", Enabled: true}}
	for _, m := range mods {
		if m.Icebox {
			continue
		}
		entries = append(entries, entry{Name: m.Name, Enabled: m.Enabled})
	}

	w.Header().Set("Content-Disposition", `attachment; filename="mod-list.json"`)
	writeJSON(w, http.StatusOK, map[string]any{"mods": entries})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrEssentialLocked):
		writeError(w, http.StatusConflict, "essential mods cannot be disabled")
	case errors.Is(err, store.ErrDuplicateName):
		writeError(w, http.StatusConflict, "mod is already in the list")
	default:
		log.Error().Err(err).Msg("store operation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
