package funnel

import (
	"context"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/audiencelab/threadscout/internal/cost"
	"github.com/audiencelab/threadscout/internal/model"
	"github.com/audiencelab/threadscout/pkg/embedding"
)

// Pruner ranks processed posts by cosine similarity against the combined
// query vector and keeps a bounded, oversampled head of the ranking.
type Pruner struct {
	embedder    embedding.Embedder
	cacheBacked bool
	batchSize   int
	truncateLen int
	meter       *cost.Meter
}

// NewPruner wires a pruner to its embedding provider.
func NewPruner(e embedding.Embedder, batchSize, truncateLen int, meter *cost.Meter) *Pruner {
	_, cacheBacked := e.(*embedding.Cached)
	return &Pruner{
		embedder:    e,
		cacheBacked: cacheBacked,
		batchSize:   batchSize,
		truncateLen: truncateLen,
		meter:       meter,
	}
}

// effectiveOversample widens the configured oversample factor when the
// candidate pool dwarfs maxPosts, so a tiny maxPosts against a huge pool does
// not strangle the funnel before hydration.
func effectiveOversample(base, processed, maxPosts int) int {
	if ratio := processed / maxPosts; ratio > base {
		return ratio
	}
	return base
}

// Prune embeds the combined query text and every post, ranks posts by cosine
// similarity descending, and keeps the top min(len(posts), maxPosts *
// oversample). An embedding failure is stage-fatal; without vectors there is
// no ranking.
func (p *Pruner) Prune(ctx context.Context, audience string, questions []string, posts []model.ProcessedPost, maxPosts, oversample int, stats *model.PipelineStats) ([]model.EmbeddedPost, error) {
	if len(posts) == 0 {
		stats.AfterEmbed = 0
		return nil, nil
	}

	texts := make([]string, 0, len(posts)+1)
	texts = append(texts, combinedQueryText(audience, questions))
	for _, post := range posts {
		texts = append(texts, embedText(post, p.truncateLen))
	}

	vectors, err := p.embedAll(ctx, texts, stats)
	if err != nil {
		return nil, eris.Wrap(err, "prune: embed")
	}

	queryVec := vectors[0]
	ranked := make([]model.EmbeddedPost, len(posts))
	for i, post := range posts {
		ranked[i] = model.EmbeddedPost{
			ProcessedPost: post,
			Similarity:    cosine(queryVec, vectors[i+1]),
		}
	}
	// Stable keeps retrieval order among ties, so identical inputs rank
	// identically.
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Similarity > ranked[j].Similarity
	})

	factor := effectiveOversample(oversample, len(posts), maxPosts)
	keep := maxPosts * factor
	if keep > len(ranked) {
		keep = len(ranked)
	}
	kept := ranked[:keep]
	stats.AfterEmbed = len(kept)

	zap.L().Debug("similarity pruning done",
		zap.Int("candidates", len(posts)),
		zap.Int("oversample", factor),
		zap.Int("kept", len(kept)))
	return kept, nil
}

// embedAll pushes texts through the provider in batches and meters token
// usage. Provider-reported usage is billed exactly; zero usage from a
// cache-backed embedder means every text was a hit and costs nothing, while
// zero usage from a bare provider is estimated from text length.
func (p *Pruner) embedAll(ctx context.Context, texts []string, stats *model.PipelineStats) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.batchSize {
		end := start + p.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		res, err := p.embedder.Embed(ctx, batch)
		if err != nil {
			return nil, err
		}
		if len(res.Vectors) != len(batch) {
			return nil, eris.Errorf("got %d vectors for %d texts", len(res.Vectors), len(batch))
		}
		vectors = append(vectors, res.Vectors...)
		stats.APICalls.Embedding++

		if res.PromptTokens > 0 {
			p.meter.AddEmbeddingTokens(int64(res.PromptTokens), false)
		} else if !p.cacheBacked {
			var est int64
			for _, t := range batch {
				est += cost.EstimateTokens(t)
			}
			p.meter.AddEmbeddingTokens(est, true)
		}
	}
	return vectors, nil
}

// combinedQueryText merges the audience and every research question into the
// single text whose vector anchors the ranking.
func combinedQueryText(audience string, questions []string) string {
	parts := make([]string, 0, len(questions)+1)
	parts = append(parts, audience)
	parts = append(parts, questions...)
	return strings.Join(parts, "\n")
}

// embedText is the post text submitted for embedding: title and body joined,
// bounded to the configured truncation length.
func embedText(p model.ProcessedPost, limit int) string {
	text := p.Title
	if p.Body != "" {
		if text != "" {
			text += "\n\n"
		}
		text += p.Body
	}
	return truncateRunes(text, limit)
}

// cosine computes cosine similarity in float64 to keep precision over long
// vectors. Mismatched or zero-magnitude vectors score zero.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		magA += x * x
		magB += y * y
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
