package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	scale "github.com/jdziat/scale-jobs"
	"github.com/jdziat/scale-jobs/pkg/stats"
)

type server struct {
	engine  *scale.Engine
	stats   stats.Store
	ping    func(ctx context.Context) error
	leading *atomic.Bool
	logger  *slog.Logger
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ready", s.ready)
	r.Get("/jobs/{id}", s.jobDetails)
	r.Get("/stats", s.jobTypeStats)
	r.Route("/nodes", func(r chi.Router) {
		r.Get("/", s.listNodes)
		r.Post("/{id}/pause", s.pauseNode)
		r.Post("/{id}/resume", s.resumeNode)
	})
	return r
}

type readiness struct {
	Leader  bool   `json:"leader"`
	Running int    `json:"running"`
	Error   string `json:"error,omitempty"`
}

func (s *server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := readiness{Leader: s.leading.Load(), Running: s.engine.Scheduler.Running()}
	if err := s.ping(ctx); err != nil {
		body.Error = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *server) jobDetails(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid job id"})
		return
	}
	d, err := s.engine.Details(r.Context(), uint(id))
	switch {
	case errors.Is(err, scale.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "job not found"})
	case err != nil:
		s.logger.Error("job details failed", "job_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"job": d})
	}
}

func (s *server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.engine.Nodes(r.Context())
	if err != nil {
		s.internalError(w, "list nodes failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": nodes})
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (s *server) pauseNode(w http.ResponseWriter, r *http.Request) {
	req := pauseRequest{Reason: "Paused by operator"}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid body"})
			return
		}
	}
	s.nodeResult(w, s.engine.PauseNode(r.Context(), chi.URLParam(r, "id"), req.Reason))
}

func (s *server) resumeNode(w http.ResponseWriter, r *http.Request) {
	s.nodeResult(w, s.engine.ResumeNode(r.Context(), chi.URLParam(r, "id")))
}

func (s *server) nodeResult(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scale.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "node not found"})
	case err != nil:
		s.internalError(w, "node update failed", err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *server) internalError(w http.ResponseWriter, msg string, err error) {
	s.logger.Error(msg, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "internal error"})
}

// jobTypeStats serves per-minute job type stats. Query parameters:
// job_type_id, since and until (RFC 3339). The default window is the last hour.
func (s *server) jobTypeStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var jobTypeID uint64
	if v := q.Get("job_type_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid job_type_id"})
			return
		}
		jobTypeID = id
	}
	since := time.Now().Add(-time.Hour)
	var until time.Time
	for name, dst := range map[string]*time.Time{"since": &since, "until": &until} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid " + name})
			return
		}
		*dst = t
	}

	rows, err := s.stats.History(r.Context(), uint(jobTypeID), since, until)
	if err != nil {
		s.internalError(w, "stats query failed", err)
		return
	}
	if rows == nil {
		rows = []stats.JobTypeStat{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": rows})
}

func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"req_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
