package api

import (
	"net/http"
	"time"

	"busfleet/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build":     buildinfo.Info(),
		"time":      s.now().UTC().Format(time.RFC3339),
		"config":    s.Settings,
		"heartbeat": map[string]any{
			"tracked":    len(s.Monitor.Snapshot()),
			"staleAfter": s.StaleAfter.String(),
		},
	}
	writeJSON(w, http.StatusOK, info)
}
