// Package funnel implements the staged post-discovery pipeline: query
// expansion, bulk retrieval, normalization, embedding-based pruning, content
// hydration, and LLM classification, with cost metered across every stage.
// Stages run strictly in sequence; each parallelizes internally through its
// own bounded pool.
package funnel

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/audiencelab/threadscout/internal/cost"
	"github.com/audiencelab/threadscout/internal/model"
	"github.com/audiencelab/threadscout/internal/store"
	"github.com/audiencelab/threadscout/internal/workpool"
	"github.com/audiencelab/threadscout/pkg/anthropic"
	"github.com/audiencelab/threadscout/pkg/embedding"
	"github.com/audiencelab/threadscout/pkg/reddit"
)

// ErrUnknownEmbedProvider means the request named an embedding provider with
// no configured entry. Returned before any external call.
var ErrUnknownEmbedProvider = eris.New("funnel: unknown embedding provider")

// Config carries the static funnel tunables. Per-request knobs live on
// SearchRequest and ExperimentConfig; everything here is fixed at startup.
type Config struct {
	RetrievalPool      int
	HydrationPool      int
	ClassificationPool int
	EmbedBatchSize     int
	TruncateLength     int
	MaxComments        int
	MaxDepth           int
	MinCommentScore    int
	MaxContentLength   int
	ClassifierModel    string
	ClassifierTokens   int64
	Rates              cost.Rates
	Defaults           model.RequestDefaults
	Experiment         model.ExperimentConfig
}

// Funnel owns the collaborators and drives runs through the stages.
type Funnel struct {
	cfg        Config
	source     reddit.Client
	premium    reddit.Client
	embedders  map[string]embedding.Embedder
	persistent map[string]embedding.Embedder
	llm        anthropic.Client
	store      store.SearchStore
}

// Option configures optional collaborators.
type Option func(*Funnel)

// WithPremiumSource routes premium requests through a separate source client.
func WithPremiumSource(c reddit.Client) Option {
	return func(f *Funnel) {
		f.premium = c
	}
}

// WithStore persists runs and surviving posts. The funnel works without one;
// persistence failures are logged and never fail a run.
func WithStore(s store.SearchStore) Option {
	return func(f *Funnel) {
		f.store = s
	}
}

// WithPersistentEmbedders supplies persist-enabled embedder variants, keyed
// by provider, used when a request asks to keep its vectors.
func WithPersistentEmbedders(m map[string]embedding.Embedder) Option {
	return func(f *Funnel) {
		f.persistent = m
	}
}

// New assembles a funnel around its required collaborators.
func New(cfg Config, source reddit.Client, embedders map[string]embedding.Embedder, llm anthropic.Client, opts ...Option) *Funnel {
	f := &Funnel{
		cfg:       cfg,
		source:    source,
		embedders: embedders,
		llm:       llm,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Search runs the whole pipeline synchronously: validate, then execute.
func (f *Funnel) Search(ctx context.Context, req model.SearchRequest, override *model.ExperimentConfig) (*model.SearchResult, error) {
	run, err := f.Prepare(ctx, req, override)
	if err != nil {
		return nil, err
	}
	return f.Execute(ctx, run)
}

// Prepare validates the request, merges the experiment configuration, and
// registers the run. Nothing external is contacted; a validation failure
// costs zero. The returned run is ready for Execute, by the caller or a
// background worker.
func (f *Funnel) Prepare(ctx context.Context, req model.SearchRequest, override *model.ExperimentConfig) (*model.Run, error) {
	req.ApplyDefaults(f.cfg.Defaults)
	if err := req.Validate(); err != nil {
		return nil, err
	}

	exp := f.mergeExperiment(override)
	if err := exp.Validate(); err != nil {
		return nil, err
	}

	if _, err := f.embedderFor(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	run := &model.Run{
		ID:         uuid.NewString(),
		Audience:   req.Audience,
		Questions:  req.Questions,
		Status:     model.RunStatusQueued,
		Params:     req,
		Experiment: exp,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if f.store != nil {
		if err := f.store.CreateRun(ctx, run); err != nil {
			zap.L().Warn("run registration failed, continuing without persistence",
				zap.String("run_id", run.ID),
				zap.Error(err))
		}
	}
	return run, nil
}

// Execute drives a prepared run through every stage and returns the surviving
// posts with the full stats and cost picture. A stage-fatal error marks the
// run failed; the error is returned after best-effort persistence.
func (f *Funnel) Execute(ctx context.Context, run *model.Run) (*model.SearchResult, error) {
	req := run.Params

	embedder, err := f.embedderFor(req)
	if err != nil {
		return nil, f.fail(ctx, run, err)
	}

	// Premium routing only holds when a premium source is actually wired;
	// billing and pool sizing follow the source used, not the flag asked for.
	premium := req.Premium && f.premium != nil
	if req.Premium && !premium {
		zap.L().Warn("premium requested but no premium source configured, using standard source",
			zap.String("run_id", run.ID))
	}
	source := f.source
	if premium {
		source = f.premium
	}

	meter := cost.NewMeter(f.cfg.Rates, premium, embedder.Model(), f.cfg.ClassifierModel)
	stats := &model.PipelineStats{}
	started := time.Now()

	setStatus := func(status model.RunStatus) {
		run.Status = status
		run.UpdatedAt = time.Now().UTC()
		if f.store == nil {
			return
		}
		if err := f.store.UpdateRunStatus(ctx, run.ID, status); err != nil {
			zap.L().Warn("run status update failed",
				zap.String("run_id", run.ID),
				zap.Error(err))
		}
	}

	stage := func(name string, fn func() error) error {
		stageStart := time.Now()
		err := fn()
		result := model.StageResult{
			Name:       name,
			Status:     model.StageStatusComplete,
			DurationMS: time.Since(stageStart).Milliseconds(),
		}
		if err != nil {
			result.Status = model.StageStatusFailed
			result.Error = err.Error()
		}
		stats.Stages = append(stats.Stages, result)
		if err == nil {
			zap.L().Debug("stage complete",
				zap.String("run_id", run.ID),
				zap.String("stage", name),
				zap.Int64("took_ms", result.DurationMS))
		}
		return err
	}

	var (
		queries   []string
		raw       []model.RawPost
		processed []model.ProcessedPost
		embedded  []model.EmbeddedPost
		hydrated  []model.HydratedPost
		gated     []model.GatedPost
	)

	setStatus(model.RunStatusExpanding)
	if err := stage("expand", func() error {
		var stageErr error
		queries, stageErr = ExpandQueries(run.Audience, run.Questions, run.Experiment.Strategy)
		if stageErr != nil {
			return stageErr
		}
		stats.QueriesGenerated = len(queries)
		return nil
	}); err != nil {
		return nil, f.fail(ctx, run, err)
	}

	setStatus(model.RunStatusRetrieving)
	if err := stage("retrieve", func() error {
		retriever := NewRetriever(source, workpool.New(f.cfg.RetrievalPool), meter)
		var stageErr error
		raw, stageErr = retriever.Fetch(ctx, queries, req, run.Experiment, stats)
		return stageErr
	}); err != nil {
		return nil, f.fail(ctx, run, err)
	}

	if err := stage("normalize", func() error {
		processed = NormalizePosts(raw)
		stats.AfterNormalize = len(processed)
		return nil
	}); err != nil {
		return nil, f.fail(ctx, run, err)
	}

	setStatus(model.RunStatusPruning)
	if err := stage("prune", func() error {
		pruner := NewPruner(embedder, f.cfg.EmbedBatchSize, f.cfg.TruncateLength, meter)
		var stageErr error
		embedded, stageErr = pruner.Prune(ctx, run.Audience, run.Questions, processed, req.MaxPosts, run.Experiment.Oversample, stats)
		return stageErr
	}); err != nil {
		return nil, f.fail(ctx, run, err)
	}

	setStatus(model.RunStatusHydrating)
	if err := stage("hydrate", func() error {
		pool := workpool.New(f.cfg.HydrationPool)
		if !premium {
			pool = pool.Halved()
		}
		hydrator := NewHydrator(source, pool, meter, f.cfg.MaxComments, f.cfg.MaxDepth, f.cfg.MinCommentScore)
		var stageErr error
		hydrated, stageErr = hydrator.Hydrate(ctx, embedded, stats)
		return stageErr
	}); err != nil {
		return nil, f.fail(ctx, run, err)
	}

	setStatus(model.RunStatusClassifying)
	if err := stage("classify", func() error {
		gate := NewGate(f.llm, workpool.New(f.cfg.ClassificationPool), meter,
			f.cfg.ClassifierModel, f.cfg.ClassifierTokens, run.Experiment.PromptVariant, f.cfg.MaxContentLength)
		var stageErr error
		gated, stageErr = gate.Classify(ctx, run.Audience, run.Questions, hydrated, stats)
		return stageErr
	}); err != nil {
		return nil, f.fail(ctx, run, err)
	}

	stats.ElapsedMS = time.Since(started).Milliseconds()
	result := &model.SearchResult{
		RunID: run.ID,
		Posts: gated,
		Stats: *stats,
		Cost:  meter.Breakdown(len(gated)),
	}

	run.Result = &model.RunResult{
		PostsReturned: len(gated),
		Stats:         result.Stats,
		Cost:          result.Cost,
	}
	run.Status = model.RunStatusComplete
	run.UpdatedAt = time.Now().UTC()
	f.persistResult(ctx, run, result)

	zap.L().Info("search complete",
		zap.String("run_id", run.ID),
		zap.String("audience", run.Audience),
		zap.Int("posts", len(gated)),
		zap.Int64("elapsed_ms", stats.ElapsedMS),
		zap.String("cost", meter.Summary(len(gated))))
	return result, nil
}

func (f *Funnel) mergeExperiment(override *model.ExperimentConfig) model.ExperimentConfig {
	merged := f.cfg.Experiment
	if override == nil {
		return merged
	}
	if override.Strategy != "" {
		merged.Strategy = override.Strategy
	}
	if override.PromptVariant != "" {
		merged.PromptVariant = override.PromptVariant
	}
	if override.EngagementThreshold != nil {
		merged.EngagementThreshold = override.EngagementThreshold
	}
	if override.Oversample > 0 {
		merged.Oversample = override.Oversample
	}
	return merged
}

func (f *Funnel) embedderFor(req model.SearchRequest) (embedding.Embedder, error) {
	if req.StoreVectors {
		if e, ok := f.persistent[req.EmbedProvider]; ok {
			return e, nil
		}
	}
	e, ok := f.embedders[req.EmbedProvider]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownEmbedProvider, "provider %q", req.EmbedProvider)
	}
	return e, nil
}

// fail marks the run failed, persists the state best-effort, and passes the
// error through.
func (f *Funnel) fail(ctx context.Context, run *model.Run, err error) error {
	run.Status = model.RunStatusFailed
	run.Error = err.Error()
	run.UpdatedAt = time.Now().UTC()
	zap.L().Error("search failed",
		zap.String("run_id", run.ID),
		zap.String("audience", run.Audience),
		zap.Error(err))

	if f.store != nil {
		// Survives the caller's cancellation so the run record reflects the
		// failure.
		if serr := f.store.FailRun(context.WithoutCancel(ctx), run.ID, err.Error()); serr != nil {
			zap.L().Warn("failure state persist failed",
				zap.String("run_id", run.ID),
				zap.Error(serr))
		}
	}
	return err
}

func (f *Funnel) persistResult(ctx context.Context, run *model.Run, result *model.SearchResult) {
	if f.store == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := f.store.SavePosts(ctx, run.ID, result.Posts); err != nil {
		zap.L().Warn("post persistence failed",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}
	if err := f.store.CompleteRun(ctx, run.ID, run.Result); err != nil {
		zap.L().Warn("run completion persist failed",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}
}
