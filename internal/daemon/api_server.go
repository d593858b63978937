package daemon

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dopcast/internal/config"
	"dopcast/internal/logging"
	"dopcast/internal/runs"
	"dopcast/internal/services"
)

type apiServer struct {
	bind   string
	token  string
	logger *slog.Logger
	daemon *Daemon

	listener net.Listener
	server   *http.Server
}

// scheduleRequest is the POST /api/schedules payload.
type scheduleRequest struct {
	Params       runs.Params `json:"params"`
	FireAt       time.Time   `json:"fire_at,omitzero"`
	EverySeconds int         `json:"every_seconds,omitempty"`
}

// scheduleView is the external projection of a scheduled job.
type scheduleView struct {
	ID           string      `json:"id"`
	Params       runs.Params `json:"params"`
	EverySeconds int         `json:"every_seconds,omitempty"`
	NextFireTime time.Time   `json:"next_fire_time"`
	CreatedAt    time.Time   `json:"created_at"`
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, nil
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}

	srv := &apiServer{
		bind:   bind,
		token:  strings.TrimSpace(cfg.Paths.APIToken),
		logger: logger,
		daemon: d,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", srv.protect(srv.handleStatus))
	mux.HandleFunc("/api/runs", srv.protect(srv.handleRuns))
	mux.HandleFunc("/api/runs/", srv.protect(srv.handleRun))
	mux.HandleFunc("/api/schedules", srv.protect(srv.handleSchedules))
	mux.HandleFunc("/api/schedules/", srv.protect(srv.handleSchedule))

	srv.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv, nil
}

// protect guards a handler with the server's bearer token. An empty token
// disables authentication and all requests pass through.
func (s *apiServer) protect(next http.HandlerFunc) http.HandlerFunc {
	if s.token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(s.token)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
}

// addr returns the bound address once the server is listening. Tests bind to
// port 0 and read the assigned port from here.
func (s *apiServer) addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	status := s.daemon.Status(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]any{
		"running":   status.Running,
		"pid":       status.PID,
		"db_path":   status.StoreDBPath,
		"lock_path": status.LockFilePath,
		"summary":   status.Summary,
	})
}

func (s *apiServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		var statuses []runs.Status
		for _, value := range r.URL.Query()["status"] {
			parsed, ok := runs.ParseStatus(value)
			if !ok {
				s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", value))
				return
			}
			statuses = append(statuses, parsed)
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		views, err := s.daemon.Runs(r.Context(), limit, statuses...)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"runs": views})
	case http.MethodPost:
		var params runs.Params
		if err := decodeBody(r, &params); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		run, err := s.daemon.Submit(r.Context(), params)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		view, err := s.daemon.Run(r.Context(), run.ID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, view)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleRun(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		view, err := s.daemon.Run(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, view)
	case action == "log" && r.Method == http.MethodGet:
		entries, err := s.daemon.StageLog(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	case action == "cancel" && r.Method == http.MethodPost:
		if err := s.daemon.Cancel(r.Context(), id); err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancel requested"})
	case action == "resume" && r.Method == http.MethodPost:
		if err := s.daemon.Resume(r.Context(), id); err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleSchedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		jobs, err := s.daemon.Jobs(r.Context())
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		views := make([]scheduleView, 0, len(jobs))
		for _, job := range jobs {
			views = append(views, scheduleView{
				ID:           job.ID,
				Params:       job.Params,
				EverySeconds: int(job.Every / time.Second),
				NextFireTime: job.NextFireTime,
				CreatedAt:    job.CreatedAt,
			})
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"schedules": views})
	case http.MethodPost:
		var req scheduleRequest
		if err := decodeBody(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		job, err := s.daemon.Schedule(r.Context(), req.Params, req.FireAt,
			time.Duration(req.EverySeconds)*time.Second)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.writeJSON(w, http.StatusCreated, scheduleView{
			ID:           job.ID,
			Params:       job.Params,
			EverySeconds: int(job.Every / time.Second),
			NextFireTime: job.NextFireTime,
			CreatedAt:    job.CreatedAt,
		})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) handleSchedule(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/schedules/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, "schedule not found")
		return
	}
	if r.Method != http.MethodDelete {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.daemon.CancelJob(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// writeServiceError maps store and taxonomy errors onto HTTP statuses.
func (s *apiServer) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, runs.ErrNotFound), errors.Is(err, services.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, runs.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrConfiguration):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return logging.NewComponentLogger(s.logger, "api-server")
	}
	return logging.NewNop()
}
