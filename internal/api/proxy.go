package api

import (
	"net/http"
	"regexp"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/luan/facmandu/internal/portal"
)

// modNameRE matches the characters a mod portal name may contain. Anything
// else is rejected before a URL is ever built from it.
var modNameRE = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const maxModNameLen = 100

// handleModInfo proxies a single mod's portal record through the gateway,
// so browser clients share its dedup, pacing and retry behavior.
func (s *Server) handleModInfo(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if len(name) > maxModNameLen || !modNameRE.MatchString(name) {
		writeError(w, http.StatusBadRequest, "invalid mod name")
		return
	}

	resp, err := s.portal.Fetch(r.Context(), portal.Request{
		Method: http.MethodGet,
		URL:    s.cfg.PortalBaseURL + "/api/mods/" + name + "/full",
	})
	if err != nil {
		log.Error().Err(err).Str("mod", name).Msg("portal fetch failed")
		writeError(w, http.StatusBadGateway, "failed to fetch mod information")
		return
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound:
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=60")
		w.WriteHeader(resp.StatusCode)
		w.Write(resp.Body)
	default:
		writeError(w, http.StatusNotFound, "mod not found or unavailable")
	}
}
