package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/metrics"
	"github.com/JakeFAU/sitecrawler/internal/source"
)

// DefaultSessionLimit caps session listings that do not set a limit.
const DefaultSessionLimit = 20

// Options toggles optional routes.
type Options struct {
	Metrics bool
}

// Server wires HTTP handlers to the metadata and content stores.
type Server struct {
	router   chi.Router
	catalog  *source.Catalog
	metadata crawler.MetadataStore
	content  crawler.ContentStore
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. content may be
// nil, in which case the content route answers 404.
func NewServer(
	catalog *source.Catalog,
	metadata crawler.MetadataStore,
	content crawler.ContentStore,
	logger *zap.Logger,
	opts Options,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		catalog:  catalog,
		metadata: metadata,
		content:  content,
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(30 * time.Second))
	if opts.Metrics {
		metrics.Init()
		r.Use(metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sources", s.listSources)
		r.Get("/sources/{source_id}", s.getSource)
		r.Get("/sessions", s.listSessions)
		r.Get("/sessions/{session_id}", s.getSession)
		r.Get("/items", s.queryItems)
		r.Get("/content/{hash}", s.getContent)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// A cheap query proves the metadata store is reachable.
	if _, err := s.metadata.ListSessions(r.Context(), "", 1); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "metadata store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type sourceView struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Type              string `json:"type"`
	ListingURL        string `json:"listing_url"`
	DisableJavaScript bool   `json:"disable_javascript"`
}

func viewOf(cfg source.Config) sourceView {
	return sourceView{
		ID:                cfg.ID,
		Name:              cfg.Name,
		Type:              cfg.Type,
		ListingURL:        cfg.Listing.URL,
		DisableJavaScript: cfg.DisableJavaScript,
	}
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	views := []sourceView{}
	if s.catalog != nil {
		for _, cfg := range s.catalog.All() {
			views = append(views, viewOf(cfg))
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sources": views})
}

func (s *Server) getSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "source_id")
	if s.catalog == nil {
		s.writeError(w, http.StatusNotFound, "source not found")
		return
	}
	cfg, err := s.catalog.Get(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "source not found")
		return
	}
	s.writeJSON(w, http.StatusOK, viewOf(cfg))
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), DefaultSessionLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sessions, err := s.metadata.ListSessions(r.Context(), q.Get("source"), limit)
	if err != nil {
		s.logger.Error("list sessions", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []crawler.CrawlSession{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	session, err := s.metadata.GetSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("get session", zap.String("session_id", id), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to fetch session")
		return
	}
	s.writeJSON(w, http.StatusOK, session)
}

func (s *Server) queryItems(w http.ResponseWriter, r *http.Request) {
	filter, err := parseItemFilter(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, err := s.metadata.QueryItems(r.Context(), filter)
	if err != nil {
		s.logger.Error("query items", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to query items")
		return
	}
	if page.Items == nil {
		page.Items = []crawler.ItemRecord{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"items":  page.Items,
		"total":  page.Total,
		"limit":  filter.NormalizedLimit(),
		"offset": filter.Offset,
	})
}

func (s *Server) getContent(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if s.content == nil {
		s.writeError(w, http.StatusNotFound, "content not found")
		return
	}
	data, err := s.content.Retrieve(r.Context(), hash)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "content not found")
			return
		}
		s.logger.Error("retrieve content", zap.String("hash", hash), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve content")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write content", zap.Error(err))
	}
}

func parseItemFilter(r *http.Request) (crawler.ItemFilter, error) {
	q := r.URL.Query()
	filter := crawler.ItemFilter{
		SourceID:  q.Get("source"),
		SessionID: q.Get("session"),
	}
	var err error
	if filter.From, err = timeParam("from", q.Get("from")); err != nil {
		return crawler.ItemFilter{}, err
	}
	if filter.To, err = timeParam("to", q.Get("to")); err != nil {
		return crawler.ItemFilter{}, err
	}
	if filter.Limit, err = intParam(q.Get("limit"), 0); err != nil {
		return crawler.ItemFilter{}, err
	}
	if filter.Offset, err = intParam(q.Get("offset"), 0); err != nil {
		return crawler.ItemFilter{}, err
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return crawler.ItemFilter{}, errors.New("from must be before to")
	}
	return filter, nil
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid non-negative integer %q", raw)
	}
	return n, nil
}

// timeParam accepts RFC 3339 timestamps or bare YYYY-MM-DD dates (UTC).
func timeParam(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid %s time %q", name, raw)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
