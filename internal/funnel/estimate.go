package funnel

import (
	"github.com/audiencelab/threadscout/internal/cost"
	"github.com/audiencelab/threadscout/internal/model"
)

// sourcePageSize is the page cap of the source search endpoint. Worst-case
// call counts assume every page comes back full.
const sourcePageSize = 100

// Projection is the worst-case work and spend of a hypothetical run: every
// query returns its full oversampled result set with zero overlap, every
// candidate survives to the next priced stage, and the classifier spends its
// whole output budget on every post. Real runs land well under it.
type Projection struct {
	Queries              int            `json:"queries"`
	SearchCalls          int            `json:"search_calls"`
	CandidatePosts       int            `json:"candidate_posts"`
	EmbeddingTokens      int64          `json:"embedding_tokens"`
	HydrationCalls       int            `json:"hydration_calls"`
	ClassifyInputTokens  int64          `json:"classify_input_tokens"`
	ClassifyOutputTokens int64          `json:"classify_output_tokens"`
	Cost                 cost.Breakdown `json:"cost"`
}

// Project computes the worst case offline; nothing is contacted. The request
// must already be defaulted and validated. embedModel selects the embedding
// price row.
func Project(queries []string, req model.SearchRequest, cfg Config, embedModel string) *Projection {
	perQueryLimit := req.MaxPosts * retrievalOversample
	callsPerQuery := (perQueryLimit + sourcePageSize - 1) / sourcePageSize
	candidates := len(queries) * perQueryLimit

	factor := effectiveOversample(cfg.Experiment.Oversample, candidates, req.MaxPosts)
	keep := req.MaxPosts * factor
	if keep > candidates {
		keep = candidates
	}

	// Token figures follow the meter's four-characters-per-token rule. Every
	// embedded text is taken at the full truncation length; every classifier
	// prompt at the full comment budget plus the post text and scaffolding.
	perTextTokens := int64(cfg.TruncateLength / 4)
	promptChars := len(defaultSystemPrompt) + cfg.MaxContentLength + cfg.TruncateLength + 256

	p := &Projection{
		Queries:              len(queries),
		SearchCalls:          len(queries) * callsPerQuery,
		CandidatePosts:       candidates,
		EmbeddingTokens:      int64(candidates+1) * perTextTokens,
		HydrationCalls:       keep,
		ClassifyInputTokens:  int64(keep) * int64(promptChars/4),
		ClassifyOutputTokens: int64(keep) * cfg.ClassifierTokens,
	}

	meter := cost.NewMeter(cfg.Rates, req.Premium, embedModel, cfg.ClassifierModel)
	meter.AddSearchCalls(p.SearchCalls)
	meter.AddHydrationCalls(p.HydrationCalls)
	meter.AddEmbeddingTokens(p.EmbeddingTokens, true)
	meter.AddClassificationTokens(p.ClassifyInputTokens, p.ClassifyOutputTokens, true)
	p.Cost = meter.Breakdown(req.MaxPosts)

	return p
}
