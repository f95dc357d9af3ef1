package funnel

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/audiencelab/threadscout/internal/cost"
	"github.com/audiencelab/threadscout/internal/model"
	"github.com/audiencelab/threadscout/internal/workpool"
	"github.com/audiencelab/threadscout/pkg/reddit"
)

// Hydrator refreshes surviving posts and attaches their comment trees. One
// post's failure never takes down the stage: the post is marked, counted,
// and dropped from the surviving set.
type Hydrator struct {
	source          reddit.Client
	pool            *workpool.Pool
	meter           *cost.Meter
	maxComments     int
	maxDepth        int
	minCommentScore int
}

// NewHydrator wires a hydrator to its source. The pool caps concurrent
// comment fetches; callers halve it for non-premium sources.
func NewHydrator(source reddit.Client, pool *workpool.Pool, meter *cost.Meter, maxComments, maxDepth, minCommentScore int) *Hydrator {
	return &Hydrator{
		source:          source,
		pool:            pool,
		meter:           meter,
		maxComments:     maxComments,
		maxDepth:        maxDepth,
		minCommentScore: minCommentScore,
	}
}

type hydrateOutcome struct {
	post     model.HydratedPost
	apiCalls int
}

// Hydrate fetches comments for every post through the pool and returns the
// successfully hydrated ones, preserving ranking order.
func (h *Hydrator) Hydrate(ctx context.Context, posts []model.EmbeddedPost, stats *model.PipelineStats) ([]model.HydratedPost, error) {
	tasks := make([]workpool.Task[hydrateOutcome], len(posts))
	for i, post := range posts {
		tasks[i] = func(ctx context.Context) (hydrateOutcome, error) {
			return h.hydrateOne(ctx, post), nil
		}
	}

	results, err := workpool.Run(ctx, h.pool, tasks)
	if err != nil {
		return nil, eris.Wrap(err, "hydrate: pool")
	}

	hydrated := make([]model.HydratedPost, 0, len(posts))
	var failed, comments, apiCalls int
	for _, res := range results {
		outcome := res.Value
		apiCalls += outcome.apiCalls
		if outcome.post.Failed {
			failed++
			zap.L().Warn("hydration failed",
				zap.String("post_id", outcome.post.ID),
				zap.String("reason", outcome.post.FailReason))
			continue
		}
		comments += len(outcome.post.Comments)
		hydrated = append(hydrated, outcome.post)
	}

	h.meter.AddHydrationCalls(apiCalls)
	stats.AfterHydrate = len(hydrated)
	stats.FailedHydrations = failed
	stats.TotalCommentsFetched = comments
	stats.APICalls.Hydration = apiCalls

	zap.L().Debug("hydration done",
		zap.Int("posts", len(posts)),
		zap.Int("hydrated", len(hydrated)),
		zap.Int("failed", failed),
		zap.Int("comments", comments))
	return hydrated, nil
}

func (h *Hydrator) hydrateOne(ctx context.Context, post model.EmbeddedPost) hydrateOutcome {
	hp := model.HydratedPost{EmbeddedPost: post}

	resp, err := h.source.GetComments(ctx, post.Subreddit, post.ID, reddit.CommentOptions{
		Limit: h.maxComments,
		Depth: h.maxDepth,
		Sort:  "top",
	})
	if err != nil {
		hp.Failed = true
		hp.FailReason = err.Error()
		return hydrateOutcome{post: hp}
	}

	// The comments endpoint returns the submission too; take the refreshed
	// body and counters over the search-time snapshot.
	if resp.Post != nil {
		hp.Body = normalizeText(resp.Post.SelfText)
		hp.Score = resp.Post.Score
		hp.NumComments = resp.Post.NumComments
		hp.UpvoteRatio = resp.Post.UpvoteRatio
	}
	hp.Comments = h.flattenComments(resp.Comments)

	return hydrateOutcome{post: hp, apiCalls: resp.APICalls}
}

// flattenComments walks the tree in thread order, recording each node's
// depth. A comment under the score floor is pruned together with its whole
// subtree. The source applies the same depth and count bounds at fetch time;
// the walk enforces them locally as well.
func (h *Hydrator) flattenComments(tree []reddit.Comment) []model.Comment {
	var out []model.Comment
	var walk func(nodes []reddit.Comment, depth int)
	walk = func(nodes []reddit.Comment, depth int) {
		if depth >= h.maxDepth {
			return
		}
		for _, node := range nodes {
			if len(out) >= h.maxComments {
				return
			}
			if node.Score < h.minCommentScore {
				continue
			}
			body := normalizeText(node.Body)
			if body == "" || body == "[deleted]" || body == "[removed]" {
				walk(node.Replies, depth+1)
				continue
			}
			out = append(out, model.Comment{
				Author: node.Author,
				Body:   body,
				Score:  node.Score,
				Depth:  depth,
			})
			walk(node.Replies, depth+1)
		}
	}
	walk(tree, 0)
	return out
}
