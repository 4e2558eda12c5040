package status

import (
	"encoding/json"
	"net/http"
	"strconv"

	"codeberg.org/mutker/recorderd/internal/journal"
	"codeberg.org/mutker/recorderd/internal/metrics"
	"github.com/go-chi/chi/v5"
)

const (
	defaultSegmentLimit = 20
	maxSegmentLimit     = 500
)

// Router serves the read-only status API.
func (r *Reporter) Router() http.Handler {
	mux := chi.NewRouter()
	if r.metrics != nil {
		mux.Use(metrics.RequestMiddleware(r.metrics))
		// The state gauge is maintained by the controller.
		mux.Method(http.MethodGet, "/metrics", r.metrics.Handler(nil))
	}

	mux.Get("/healthz", r.healthz)
	mux.Get("/readyz", r.readyz)
	mux.Route("/api", func(api chi.Router) {
		api.Get("/status", r.getStatus)
		api.Get("/segments", r.getSegments)
	})

	return mux
}

func (r *Reporter) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz succeeds only while a segment is being recorded.
func (r *Reporter) readyz(w http.ResponseWriter, _ *http.Request) {
	v := r.Snapshot()
	code := http.StatusOK
	if !v.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ready": v.Ready, "state": v.State})
}

func (r *Reporter) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, r.Snapshot())
}

func (r *Reporter) getSegments(w http.ResponseWriter, req *http.Request) {
	limit := defaultSegmentLimit
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxSegmentLimit {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	entries, err := r.journal.Recent(req.Context(), limit)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to read segment journal")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "journal unavailable"})
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}

	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
