package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// APIHandler serves the debug and metrics endpoints:
//
//	GET /metrics           Prometheus exposition
//	GET /api/sessions      connected sessions and their stream layouts
//	GET /api/cache         cached channel uids
//	GET /api/cache/{uid}   one cached stream layout
func (s *Server) APIHandler() http.Handler {
	r := chi.NewRouter()

	r.Method(http.MethodGet, "/metrics", s.met.Handler())

	r.Get("/api/sessions", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, s.SessionInfos())
	})

	r.Get("/api/cache", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"channels": s.cache.Len(),
			"uids":     s.cache.UIDs(),
		})
	})

	r.Get("/api/cache/{uid}", func(w http.ResponseWriter, req *http.Request) {
		uid, err := strconv.ParseUint(chi.URLParam(req, "uid"), 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad uid")
			return
		}
		sb, ok := s.cache.Lookup(uint32(uid))
		if !ok {
			writeError(w, http.StatusNotFound, "channel not cached")
			return
		}
		writeJSON(w, http.StatusOK, sb)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
