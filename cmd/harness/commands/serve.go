package commands

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openharness/openharness/pkg/engine"
	"github.com/openharness/openharness/pkg/identity"
	"github.com/openharness/openharness/pkg/telemetry"
)

func newServeCommand() *cobra.Command {
	var listenAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the harness server",
		Long: `Start the harness: executor workers, the HTTP API, and the metrics
endpoint when enabled. Runs until interrupted.

API endpoints (bearer credential resolved per the identity config):
  POST /v1/runs                       submit a run (Idempotency-Key header)
  GET  /v1/runs                       list runs
  GET  /v1/runs/{id}                  run status with steps and approvals
  POST /v1/runs/{id}/cancel           cancel a run
  POST /v1/approvals/{id}             decide a pending approval
  GET  /healthz                       store health`,
		Example: `  # Serve with the default in-memory backends
  harness serve

  # Serve a production config
  harness serve --config /etc/harness/harness.yaml --listen :8420`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := buildStack(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			s.start(ctx)

			s.events.Subscribe(func(event telemetry.Event) {
				s.logger.Info().
					Str("event", event.Type).
					Str("run_id", event.RunID).
					Str("step_id", event.StepID).
					Msg(event.Message)
			})

			if s.cfg.Telemetry.Metrics.Enabled {
				metricsSrv := s.metrics.Serve()
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						s.logger.Error().Err(err).Msg("Metrics server failed")
					}
				}()
				defer shutdownServer(metricsSrv, s.logger)
			}

			api := &apiServer{stack: s}
			srv := &http.Server{
				Addr:              listenAddr,
				Handler:           api.routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			go func() {
				s.logger.Info().Str("addr", listenAddr).Msg("API server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					s.logger.Error().Err(err).Msg("API server failed")
				}
			}()
			defer shutdownServer(srv, s.logger)

			<-ctx.Done()
			s.logger.Info().Msg("Shutting down")
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":8420", "API listen address")

	return cmd
}

func shutdownServer(srv *http.Server, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Str("addr", srv.Addr).Msg("Server shutdown failed")
	}
}

// apiServer exposes the orchestrator over HTTP.
type apiServer struct {
	stack *stack
}

func (a *apiServer) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/v1/runs", a.handleRuns)
	mux.HandleFunc("/v1/runs/", a.handleRun)
	mux.HandleFunc("/v1/approvals/", a.handleApproval)
	return mux
}

func (a *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.stack.store.HealthCheck(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *apiServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	actor, err := identity.FromRequest(r.Context(), r, a.stack.resolver)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	switch r.Method {
	case http.MethodPost:
		var payload engine.TaskPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		run, err := a.stack.orch.CreateRun(r.Context(), actor, r.Header.Get("Idempotency-Key"), payload)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, run)

	case http.MethodGet:
		runs, err := a.stack.orch.ListRuns(r.Context(), 100, 0)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *apiServer) handleRun(w http.ResponseWriter, r *http.Request) {
	actor, err := identity.FromRequest(r.Context(), r, a.stack.resolver)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	runID, action, _ := strings.Cut(rest, "/")
	if runID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		view, err := a.stack.orch.GetRunStatus(r.Context(), runID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)

	case r.Method == http.MethodPost && action == "cancel":
		var body struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		run, err := a.stack.orch.Cancel(r.Context(), actor, runID, body.Reason)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, run)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *apiServer) handleApproval(w http.ResponseWriter, r *http.Request) {
	actor, err := identity.FromRequest(r.Context(), r, a.stack.resolver)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	approvalID := strings.TrimPrefix(r.URL.Path, "/v1/approvals/")
	var body struct {
		Decision string `json:"decision"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	approval, err := a.stack.orch.DecideApproval(r.Context(), actor, approvalID,
		engine.ApprovalDecision(body.Decision), body.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeEngineError maps the error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case engine.IsNotFound(err):
		writeError(w, http.StatusNotFound, err)
	case engine.IsValidation(err):
		writeError(w, http.StatusBadRequest, err)
	case engine.IsPolicyDenied(err):
		writeError(w, http.StatusForbidden, err)
	case engine.IsInvalidTransition(err), engine.HasCode(err, engine.ErrCodeAlreadyDecided):
		writeError(w, http.StatusConflict, err)
	case engine.IsConflict(err):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
