package main

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/audiencelab/threadscout/internal/cost"
	"github.com/audiencelab/threadscout/internal/funnel"
	"github.com/audiencelab/threadscout/internal/model"
	"github.com/audiencelab/threadscout/internal/store"
	anthropicpkg "github.com/audiencelab/threadscout/pkg/anthropic"
	"github.com/audiencelab/threadscout/pkg/embedding"
	"github.com/audiencelab/threadscout/pkg/reddit"
)

func initStore(ctx context.Context) (store.SearchStore, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func loadRates() (cost.Rates, error) {
	if cfg.Cost.RatesFile == "" {
		return cost.DefaultRates(), nil
	}
	return cost.LoadRates(cfg.Cost.RatesFile)
}

// funnelConfig assembles the static pipeline tunables from app config.
func funnelConfig(rates cost.Rates) funnel.Config {
	return funnel.Config{
		RetrievalPool:      cfg.Funnel.RetrievalPool,
		HydrationPool:      cfg.Funnel.HydrationPool,
		ClassificationPool: cfg.Funnel.ClassificationPool,
		EmbedBatchSize:     cfg.Embedding.BatchSize,
		TruncateLength:     cfg.Funnel.TruncateLength,
		MaxComments:        cfg.Funnel.MaxComments,
		MaxDepth:           cfg.Funnel.MaxDepth,
		MinCommentScore:    cfg.Funnel.MinCommentScore,
		MaxContentLength:   cfg.Funnel.MaxContentLength,
		ClassifierModel:    cfg.Anthropic.Model,
		ClassifierTokens:   cfg.Anthropic.MaxTokens,
		Rates:              rates,
		Defaults: model.RequestDefaults{
			MaxPosts:      cfg.Funnel.MaxPosts,
			AgeDays:       cfg.Funnel.AgeDays,
			MinScore:      cfg.Funnel.MinScore,
			EmbedProvider: cfg.Embedding.Provider,
		},
		Experiment: model.DefaultExperiment(cfg.Funnel.Strategy, cfg.Funnel.PromptVariant, cfg.Funnel.Oversample),
	}
}

// funnelEnv bundles a wired funnel with the collaborators that commands touch
// directly.
type funnelEnv struct {
	Funnel *funnel.Funnel
	Store  store.SearchStore
	Source reddit.Client

	rdb *redis.Client
}

func (e *funnelEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
	if e.rdb != nil {
		_ = e.rdb.Close()
	}
}

// initFunnel wires every collaborator of a live run: source clients, embedding
// providers (cached when Redis is configured), the classifier, and the store.
func initFunnel(ctx context.Context) (*funnelEnv, error) {
	rates, err := loadRates()
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env := &funnelEnv{Store: st}

	sourceOpts := []reddit.Option{
		reddit.WithBaseURL(cfg.Reddit.BaseURL),
		reddit.WithUserAgent(cfg.Reddit.UserAgent),
		reddit.WithRequestsPerMinute(cfg.Reddit.RequestsPerMinute, cfg.Reddit.PremiumRequestsPerMinute),
	}
	env.Source = reddit.NewClient(sourceOpts...)

	opts := []funnel.Option{funnel.WithStore(st)}
	if cfg.Reddit.PremiumRequestsPerMinute > 0 {
		premium := reddit.NewClient(append(sourceOpts, reddit.WithPremium(true))...)
		opts = append(opts, funnel.WithPremiumSource(premium))
	}

	embedders := make(map[string]embedding.Embedder, len(cfg.Embedding.Providers))
	var persistent map[string]embedding.Embedder
	var vectors embedding.VectorStore
	if cfg.Embedding.Cache.Enabled {
		env.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Embedding.Cache.Addr,
			Password: cfg.Embedding.Cache.Password,
		})
		vectors = embedding.NewRedisStore(env.rdb)
		persistent = make(map[string]embedding.Embedder, len(cfg.Embedding.Providers))
	}
	for name, p := range cfg.Embedding.Providers {
		base := embedding.New(embedding.Config{
			APIKey:     p.Key,
			BaseURL:    p.BaseURL,
			Model:      p.Model,
			Dimensions: p.Dimensions,
		})
		if vectors == nil {
			embedders[name] = base
			continue
		}
		embedders[name] = embedding.NewCached(base, vectors, cfg.Embedding.Cache.TTL)
		persistent[name] = embedding.NewCached(base, vectors, cfg.Embedding.Cache.TTL, embedding.WithPersist(true))
	}
	if persistent != nil {
		opts = append(opts, funnel.WithPersistentEmbedders(persistent))
	}

	llm := anthropicpkg.NewClient(cfg.Anthropic.Key)

	env.Funnel = funnel.New(funnelConfig(rates), env.Source, embedders, llm, opts...)
	return env, nil
}
