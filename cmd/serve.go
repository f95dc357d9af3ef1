package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/audiencelab/threadscout/internal/funnel"
	"github.com/audiencelab/threadscout/internal/model"
	"github.com/audiencelab/threadscout/internal/resilience"
	"github.com/audiencelab/threadscout/internal/store"
	"github.com/audiencelab/threadscout/pkg/reddit"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initFunnel(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		a := &api{runner: env.Funnel, store: env.Store, source: env.Source}

		addr := serveAddr
		if addr == "" {
			addr = fmt.Sprintf(":%d", cfg.Server.Port)
		}
		srv := &http.Server{Addr: addr, Handler: a.router()}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()

		zap.L().Info("starting server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		// In-flight async runs finish before exit.
		a.async.Wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default :<server.port> from config)")
	rootCmd.AddCommand(serveCmd)
}

// searchRunner is the funnel surface the API uses, narrowed so tests can
// substitute it.
type searchRunner interface {
	Prepare(ctx context.Context, req model.SearchRequest, override *model.ExperimentConfig) (*model.Run, error)
	Execute(ctx context.Context, run *model.Run) (*model.SearchResult, error)
}

// api holds the HTTP surface's collaborators. Async runs are tracked so
// shutdown can drain them.
type api struct {
	runner searchRunner
	store  store.SearchStore
	source reddit.Client
	async  sync.WaitGroup
}

func (a *api) router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/healthz", a.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/searches", a.handleSearch)
		r.Get("/runs", a.handleListRuns)
		r.Get("/runs/{id}", a.handleGetRun)
		r.Get("/subreddits/{name}", a.handleSubreddit)
	})
	return r
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
}

func (a *api) handleSearch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		model.SearchRequest
		Experiment *model.ExperimentConfig `json:"experiment,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	override, err := experimentOverride(body.Experiment, r.Header)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run, err := a.runner.Prepare(r.Context(), body.SearchRequest, override)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	if r.URL.Query().Get("async") == "1" {
		// The run outlives the request; the caller hanging up must not
		// abort it.
		runCtx := context.WithoutCancel(r.Context())
		a.async.Add(1)
		go func() {
			defer a.async.Done()
			if _, err := a.runner.Execute(runCtx, run); err != nil {
				zap.L().Error("async search failed",
					zap.String("run_id", run.ID),
					zap.Error(err))
			}
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{
			"run_id":     run.ID,
			"status_url": "/v1/runs/" + run.ID,
		})
		return
	}

	result, err := a.runner.Execute(r.Context(), run)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *api) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if eris.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *api) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.RunFilter{Status: model.RunStatus(q.Get("status")), Limit: 50}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	runs, err := a.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (a *api) handleSubreddit(w http.ResponseWriter, r *http.Request) {
	sub, err := a.source.GetSubredditAbout(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		var se *resilience.StatusError
		if eris.Is(err, reddit.ErrSubredditNotFound) || (eris.As(err, &se) && se.Status == http.StatusNotFound) {
			writeError(w, http.StatusNotFound, "subreddit not found")
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// experimentOverride folds the experiment headers over the body's experiment
// block; headers win. A nil return means the call carries no override.
func experimentOverride(body *model.ExperimentConfig, h http.Header) (*model.ExperimentConfig, error) {
	override := body
	ensure := func() *model.ExperimentConfig {
		if override == nil {
			override = &model.ExperimentConfig{}
		}
		return override
	}

	if v := h.Get("X-Search-Strategy"); v != "" {
		ensure().Strategy = v
	}
	if v := h.Get("X-Prompt-Variant"); v != "" {
		ensure().PromptVariant = v
	}
	if v := h.Get("X-Engagement-Threshold"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, eris.New("X-Engagement-Threshold must be an integer")
		}
		ensure().EngagementThreshold = &n
	}
	if v := h.Get("X-Oversample-Factor"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, eris.New("X-Oversample-Factor must be a positive integer")
		}
		ensure().Oversample = n
	}
	return override, nil
}

// statusFor maps funnel errors to HTTP statuses: caller-correctable requests
// get a 400, everything else is a failed run.
func statusFor(err error) int {
	if model.IsValidationError(err) || eris.Is(err, funnel.ErrUnknownEmbedProvider) {
		return http.StatusBadRequest
	}
	return http.StatusUnprocessableEntity
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
