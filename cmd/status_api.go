package cmd

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/timewall/internal/brand"
	"grimm.is/timewall/internal/firewall"
	"grimm.is/timewall/internal/metrics"
)

// router serves the daemon status API.
func (d *daemon) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(countRequests)

	r.Get("/health", d.handleHealth)
	r.Get("/status", d.handleStatus)
	r.Get("/ruleset", d.handleRuleset)
	r.Get("/ruleset/script", d.handleScript)
	r.Post("/reload", d.handleReload)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		metrics.Get().RecordAPIRequest(r.Method, path, ww.Status())
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (d *daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := d.snapshot()
	body := map[string]string{"status": "ok", "version": brand.Version}
	if st.LastError != "" {
		body["status"] = "degraded"
		body["error"] = st.LastError
	}
	writeJSON(w, http.StatusOK, body)
}

func (d *daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.snapshot())
}

func (d *daemon) handleRuleset(w http.ResponseWriter, r *http.Request) {
	cur := d.latest()
	if cur == nil {
		writeError(w, http.StatusServiceUnavailable, "no ruleset compiled yet")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Fingerprint string                    `json:"fingerprint"`
		Bundles     []firewall.RenderedBundle `json:"bundles"`
	}{cur.Ruleset.Fingerprint(), cur.Rendered})
}

func (d *daemon) handleScript(w http.ResponseWriter, r *http.Request) {
	cur := d.latest()
	if cur == nil {
		writeError(w, http.StatusServiceUnavailable, "no ruleset compiled yet")
		return
	}
	w.Header().Set("Content-Type", "text/x-shellscript; charset=utf-8")
	_ = firewall.WriteScript(w, cur.Ruleset, cur.scriptOptions(false))
}

func (d *daemon) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := d.reload(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reload scheduled"})
}
