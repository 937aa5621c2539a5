package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JonMunkholm/ledgerport/internal/core"
	"github.com/JonMunkholm/ledgerport/internal/logging"
	"github.com/JonMunkholm/ledgerport/internal/report"
)

const (
	defaultFailureLimit = 100
	defaultRunLimit     = 50
	maxListLimit        = 1000
	maxBodySize         = 1 << 20
)

// parseLimit reads a positive limit query parameter, capped at maxListLimit.
func parseLimit(r *http.Request, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || v < 1 {
		return def
	}
	return min(v, maxListLimit)
}

func parseBool(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": s.migrator.Running(),
		"runs":    s.runs.Status(),
	})
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.migrator.ListEntities())
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	rows, err := s.migrator.Progress(r.Context())
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, report.NewProgressSnapshot(time.Now(), rows))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.migrator.Summary(r.Context(), chi.URLParam(r, "entity"))
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := s.migrator.Failures(r.Context(), chi.URLParam(r, "entity"), parseLimit(r, defaultFailureLimit))
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	if failures == nil {
		failures = []core.FailureDetail{}
	}
	writeJSON(w, http.StatusOK, failures)
}

// handleRuns lists run history, for one entity when the route names one.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	if entity == "" {
		entity = r.URL.Query().Get("entity")
	}
	runs, err := s.migrator.History(r.Context(), entity, parseLimit(r, defaultRunLimit))
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	if runs == nil {
		runs = []core.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleRun starts a run in the background and answers 202. The run
// outlives the request and is canceled only by server shutdown.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	name, err := s.entityName(chi.URLParam(r, "entity"))
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	if id, busy := s.migrator.Running()[name]; busy {
		respondError(w, r, fmt.Errorf("%s (run %s): %w", name, id, core.ErrRunInProgress), 0)
		return
	}
	if err := s.runs.Acquire(r.Context()); err != nil {
		if errors.Is(err, core.ErrTooManyRuns) {
			w.Header().Set("Retry-After", "30")
		}
		respondError(w, r, err, 0)
		return
	}

	opts := core.RunOptions{Rebuild: parseBool(r, "rebuild"), SkipPost: parseBool(r, "skipPost")}
	go s.runInBackground(name, opts)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"entity":  name,
		"status":  "started",
		"options": opts,
	})
}

func (s *Server) runInBackground(name string, opts core.RunOptions) {
	defer s.runs.Release()

	ctx := s.baseCtx
	rep, err := s.migrator.Run(ctx, name, opts)
	logger := logging.FromContext(ctx)
	if err != nil {
		logger.Error("background run failed", "entity", name, "error", err)
	}
	if rep == nil || s.sink == nil {
		return
	}
	loc, err := report.ExportRun(ctx, s.sink, rep)
	if err != nil {
		logger.Error("export run report", "entity", name, "run_id", rep.RunID, "error", err)
		return
	}
	logger.Info("run report exported", "entity", name, "run_id", rep.RunID, "location", loc)
}

type requeueRequest struct {
	Statuses []string `json:"statuses"`
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	var req requeueRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		respondError(w, r, err, http.StatusBadRequest)
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			respondError(w, r, fmt.Errorf("invalid request body: %w", err), http.StatusBadRequest)
			return
		}
	}
	statuses := make([]core.Status, 0, len(req.Statuses))
	for _, v := range req.Statuses {
		st, err := core.ParseStatus(v)
		if err != nil {
			respondError(w, r, fmt.Errorf("%w: %v", core.ErrInvalidStatusUpdate, err), 0)
			return
		}
		statuses = append(statuses, st)
	}

	n, err := s.migrator.Requeue(r.Context(), chi.URLParam(r, "entity"), statuses)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requeued": n})
}

// handleReset requires ?confirm=<entity> since it discards target ids.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	name, err := s.entityName(chi.URLParam(r, "entity"))
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	if !strings.EqualFold(r.URL.Query().Get("confirm"), name) {
		respondError(w, r, fmt.Errorf("reset requires confirm=%s", name), http.StatusBadRequest)
		return
	}
	if err := s.migrator.Reset(r.Context(), name); err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity": name, "reset": true})
}

// entityName resolves a route parameter to the registered entity name.
func (s *Server) entityName(param string) (string, error) {
	for _, e := range s.migrator.ListEntities() {
		if strings.EqualFold(e.Name, param) {
			return e.Name, nil
		}
	}
	return "", fmt.Errorf("%w: %s", core.ErrEntityNotFound, param)
}
