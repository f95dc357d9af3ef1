package funnel

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/audiencelab/threadscout/internal/cost"
	"github.com/audiencelab/threadscout/internal/model"
	"github.com/audiencelab/threadscout/internal/workpool"
	"github.com/audiencelab/threadscout/pkg/reddit"
)

// retrievalOversample is the fixed multiplier applied to maxPosts when sizing
// each query's fetch target. It is independent of the pruner's configurable
// oversample factor; the two compound.
const retrievalOversample = 3

// Retriever fans expanded queries out to the post source with bounded
// concurrency, then filters and deduplicates the merged results.
type Retriever struct {
	source reddit.Client
	pool   *workpool.Pool
	meter  *cost.Meter
}

// NewRetriever wires a retriever to its source. The meter receives one count
// per underlying API call, as reported by the source.
func NewRetriever(source reddit.Client, pool *workpool.Pool, meter *cost.Meter) *Retriever {
	return &Retriever{source: source, pool: pool, meter: meter}
}

type queryOutcome struct {
	posts    []reddit.Post
	apiCalls int
}

// Fetch runs every query through the pool and merges the results. A failing
// query is logged and skipped; only context cancellation aborts the stage.
// Posts are deduplicated by id across queries, first occurrence winning, then
// filtered by age and score.
func (r *Retriever) Fetch(ctx context.Context, queries []string, req model.SearchRequest, exp model.ExperimentConfig, stats *model.PipelineStats) ([]model.RawPost, error) {
	perQuery := req.MaxPosts * retrievalOversample
	opts := reddit.SearchOptions{
		Limit:     perQuery,
		Sort:      "relevance",
		Timeframe: timeframeFor(req.AgeDays),
	}

	tasks := make([]workpool.Task[queryOutcome], len(queries))
	for i, query := range queries {
		tasks[i] = func(ctx context.Context) (queryOutcome, error) {
			resp, err := r.source.SearchPosts(ctx, query, opts)
			if err != nil {
				return queryOutcome{}, err
			}
			return queryOutcome{posts: resp.Posts, apiCalls: resp.APICalls}, nil
		}
	}

	results, err := workpool.Run(ctx, r.pool, tasks)
	if err != nil {
		return nil, eris.Wrap(err, "retrieve: pool")
	}

	minScore := exp.EffectiveMinScore(req.MinScore)
	cutoff := time.Now().UTC().AddDate(0, 0, -req.AgeDays)

	seen := make(map[string]struct{})
	kept := make([]model.RawPost, 0, req.MaxPosts)
	var raw, duplicates, apiCalls int
	for i, res := range results {
		if res.Err != nil {
			zap.L().Warn("search query failed",
				zap.String("query", queries[i]),
				zap.Error(res.Err))
			continue
		}
		apiCalls += res.Value.apiCalls
		for _, p := range res.Value.posts {
			raw++
			if _, dup := seen[p.ID]; dup {
				duplicates++
				continue
			}
			seen[p.ID] = struct{}{}

			post := toRawPost(p)
			if post.CreatedAt().Before(cutoff) {
				continue
			}
			if post.Score < minScore {
				continue
			}
			kept = append(kept, post)
		}
	}

	r.meter.AddSearchCalls(apiCalls)
	stats.RawFetched = raw
	stats.Duplicates = duplicates
	stats.APICalls.Search = apiCalls

	zap.L().Debug("retrieval merged",
		zap.Int("queries", len(queries)),
		zap.Int("raw", raw),
		zap.Int("duplicates", duplicates),
		zap.Int("kept", len(kept)),
		zap.Int("api_calls", apiCalls))
	return kept, nil
}

func toRawPost(p reddit.Post) model.RawPost {
	return model.RawPost{
		ID:          p.ID,
		Subreddit:   p.Subreddit,
		Author:      p.Author,
		Title:       p.Title,
		Body:        p.SelfText,
		Score:       p.Score,
		CreatedUTC:  int64(p.CreatedUTC),
		NumComments: p.NumComments,
		Permalink:   p.Permalink,
		UpvoteRatio: p.UpvoteRatio,
		NSFW:        p.Over18,
		Spoiler:     p.Spoiler,
	}
}

// timeframeFor maps an age window in days onto the source's coarse timeframe
// buckets. The bucket is a server-side prefilter only; the exact ageDays
// cutoff is enforced locally after fetch.
func timeframeFor(ageDays int) string {
	switch {
	case ageDays <= 0:
		return "all"
	case ageDays <= 1:
		return "day"
	case ageDays <= 7:
		return "week"
	case ageDays <= 31:
		return "month"
	case ageDays <= 365:
		return "year"
	default:
		return "all"
	}
}
