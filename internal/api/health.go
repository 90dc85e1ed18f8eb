package api

import (
	"net/http"
	"runtime"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// handleHealth reports service liveness plus a small host snapshot.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	overall, dbStatus := "ok", "ok"
	if err := s.store.Ping(r.Context()); err != nil {
		log.Error().Err(err).Msg("database ping failed")
		status = http.StatusServiceUnavailable
		overall, dbStatus = "degraded", "unreachable"
	}

	system := map[string]any{
		"goroutines": runtime.NumGoroutine(),
	}
	if info, err := host.Info(); err == nil {
		system["hostname"] = info.Hostname
		system["uptime"] = info.Uptime
		system["os"] = info.OS
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		system["memoryUsedPercent"] = vm.UsedPercent
	}

	writeJSON(w, status, map[string]any{
		"status":   overall,
		"database": dbStatus,
		"system":   system,
	})
}
