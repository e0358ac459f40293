// Package statusapi exposes a read-only HTTP view over the local
// replica: liveness, counters, and annotation lookups. It never writes
// to the pool or the cache file.
package statusapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/scholarly/hypersync/internal/annotation"
	"github.com/scholarly/hypersync/internal/pool"
)

// Server holds dependencies for the status handlers.
type Server struct {
	Pool    *pool.Pool
	Group   string
	Started time.Time
}

// annoSummary is the list/detail view of one record.
type annoSummary struct {
	ID        string   `json:"id"`
	User      string   `json:"user"`
	URI       string   `json:"uri"`
	Type      string   `json:"type"`
	Updated   string   `json:"updated"`
	Tags      []string `json:"tags,omitempty"`
	Text      string   `json:"text,omitempty"`
	ShareLink string   `json:"shareLink"`
}

func summarize(a *annotation.Annotation) annoSummary {
	return annoSummary{
		ID:        a.ID(),
		User:      a.User(),
		URI:       a.URI(),
		Type:      a.Type(),
		Updated:   a.Updated(),
		Tags:      a.Tags(),
		Text:      a.Text(),
		ShareLink: annotation.ShareLinkFromID(a.ID()),
	}
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

// parseLimit parses a limit query param with default and max
func parseLimit(q string, def, max int) int {
	if q == "" {
		return def
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// Routes creates the status router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Get("/v1/stats", s.Stats)
	r.Get("/v1/annotations", s.ListAnnotations)
	r.Get("/v1/annotations/{id}", s.GetAnnotation)

	return r
}

// Healthz handles GET /healthz
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"group":  s.Group,
		"uptime": time.Since(s.Started).String(),
	})
}

// Stats handles GET /v1/stats
func (s *Server) Stats(w http.ResponseWriter, r *http.Request) {
	annos := s.Pool.Annos()
	counts := map[string]int{}
	for _, a := range annos {
		counts[a.Type()]++
	}
	lsu := ""
	if len(annos) > 0 {
		lsu = annos[len(annos)-1].Updated()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"group":           s.Group,
		"annotations":     len(annos),
		"byType":          counts,
		"uris":            len(s.Pool.URIs()),
		"orphans":         len(s.Pool.Orphans()),
		"lastSyncUpdated": lsu,
	})
}

// ListAnnotations handles GET /v1/annotations with optional ?tag= and
// ?uri= filters and cursor-free ?limit= paging from the tail (newest
// records are at the end of the list).
func (s *Server) ListAnnotations(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 50, 500)

	var annos []*annotation.Annotation
	if tag := r.URL.Query().Get("tag"); tag != "" {
		annos = s.Pool.ByTag(tag)
	} else {
		annos = s.Pool.Annos()
	}

	if uri := r.URL.Query().Get("uri"); uri != "" {
		norm := annotation.NormIRI(uri)
		filtered := annos[:0:0]
		for _, a := range annos {
			if annotation.NormIRI(a.URI()) == norm {
				filtered = append(filtered, a)
			}
		}
		annos = filtered
	}

	if len(annos) > limit {
		annos = annos[len(annos)-limit:]
	}

	items := make([]annoSummary, 0, len(annos))
	for _, a := range annos {
		items = append(items, summarize(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}

// GetAnnotation handles GET /v1/annotations/{id}
func (s *Server) GetAnnotation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a := s.Pool.ByID(id)
	if a == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, summarize(a))
}
