// Package api serves the IRR prefix lookup HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/malbeclabs/irrwatch/pkg/irr"
)

// Fetcher is the lookup capability the API exposes over HTTP.
type Fetcher interface {
	Fetch(ctx context.Context, target string, sources []string) *irr.FetchResult
}

type Config struct {
	Logger      *slog.Logger
	Fetcher     Fetcher
	CORSOrigins []string
	Version     string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Fetcher == nil {
		return errors.New("fetcher is required")
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{"*"}
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return nil
}

type Server struct {
	log     *slog.Logger
	cfg     Config
	fetcher Fetcher
}

func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{log: cfg.Logger, cfg: cfg, fetcher: cfg.Fetcher}, nil
}

// Router builds the chi router with all API routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/fetch", s.handleFetch)
		r.Get("/prefixes/{target}", s.handleGetPrefixes)
	})
	return r
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Version: s.cfg.Version})
}

type fetchRequest struct {
	Target  string   `json:"target"`
	Sources []string `json:"sources"`
}

type prefixResponse struct {
	Target         string   `json:"target"`
	IPv4Prefixes   []string `json:"ipv4_prefixes"`
	IPv6Prefixes   []string `json:"ipv6_prefixes"`
	IPv4Count      int      `json:"ipv4_count"`
	IPv6Count      int      `json:"ipv6_count"`
	SourcesQueried []string `json:"sources_queried"`
	Errors         []string `json:"errors"`
	QueryTimeMs    int64    `json:"query_time_ms"`
}

type errorResponse struct {
	Error  string   `json:"error"`
	Detail string   `json:"detail,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Detail: err.Error()})
		return
	}
	if req.Target == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "target is required"})
		return
	}
	s.fetchAndRespond(w, r, req.Target, req.Sources)
}

func (s *Server) handleGetPrefixes(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	if target == "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "target is required"})
		return
	}
	s.fetchAndRespond(w, r, target, nil)
}

func (s *Server) fetchAndRespond(w http.ResponseWriter, r *http.Request, target string, sources []string) {
	start := time.Now()
	result := s.fetcher.Fetch(r.Context(), target, sources)
	elapsed := time.Since(start)

	errMsgs := make([]string, 0, len(result.Errors))
	for _, e := range result.Errors {
		errMsgs = append(errMsgs, e.Source+": "+e.Message)
	}

	// Every source failing is a gateway failure, not an empty result.
	if result.AllFailed() {
		s.log.Warn("fetch failed for all sources", "target", target, "errors", errMsgs)
		writeJSON(w, http.StatusBadGateway, errorResponse{
			Error:  "IRR query failed",
			Detail: "no prefixes could be retrieved",
			Errors: errMsgs,
		})
		return
	}

	writeJSON(w, http.StatusOK, prefixResponse{
		Target:         target,
		IPv4Prefixes:   result.Merged.V4(),
		IPv6Prefixes:   result.Merged.V6(),
		IPv4Count:      result.Merged.SizeV4(),
		IPv6Count:      result.Merged.SizeV6(),
		SourcesQueried: result.SourcesQueried,
		Errors:         errMsgs,
		QueryTimeMs:    elapsed.Milliseconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
