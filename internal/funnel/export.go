package funnel

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/audiencelab/threadscout/internal/model"
)

var postSheetHeader = []string{
	"rank", "post_id", "subreddit", "author", "title", "score", "comments",
	"similarity", "tier", "justification", "permalink", "created", "snippet",
}

// ExportXLSX writes a completed run to an xlsx workbook: one sheet with the
// surviving posts in ranking order, one with the run's stats and cost.
func ExportXLSX(path string, run *model.Run, result *model.SearchResult) error {
	f := xlsx.NewFile()

	posts, err := f.AddSheet("Posts")
	if err != nil {
		return eris.Wrap(err, "export: add posts sheet")
	}
	header := posts.AddRow()
	for _, h := range postSheetHeader {
		header.AddCell().Value = h
	}
	for i, p := range result.Posts {
		row := posts.AddRow()
		row.AddCell().SetInt(i + 1)
		row.AddCell().Value = p.ID
		row.AddCell().Value = p.Subreddit
		row.AddCell().Value = p.Author
		row.AddCell().Value = p.Title
		row.AddCell().SetInt(p.Score)
		row.AddCell().SetInt(len(p.Comments))
		row.AddCell().SetFloatWithFormat(p.Similarity, "0.0000")
		row.AddCell().Value = string(p.Tier)
		row.AddCell().Value = p.Justification
		row.AddCell().Value = "https://www.reddit.com" + p.Permalink
		row.AddCell().Value = p.CreatedAt().Format("2006-01-02")
		row.AddCell().Value = p.Snippet
	}

	summary, err := f.AddSheet("Summary")
	if err != nil {
		return eris.Wrap(err, "export: add summary sheet")
	}
	addPair := func(label, value string) {
		row := summary.AddRow()
		row.AddCell().Value = label
		row.AddCell().Value = value
	}

	stats := result.Stats
	cost := result.Cost
	addPair("run_id", result.RunID)
	addPair("audience", run.Audience)
	addPair("questions", strings.Join(run.Questions, " | "))
	addPair("strategy", run.Experiment.Strategy)
	addPair("prompt_variant", run.Experiment.PromptVariant)
	addPair("queries_generated", fmt.Sprintf("%d", stats.QueriesGenerated))
	addPair("raw_fetched", fmt.Sprintf("%d", stats.RawFetched))
	addPair("duplicates", fmt.Sprintf("%d", stats.Duplicates))
	addPair("after_normalize", fmt.Sprintf("%d", stats.AfterNormalize))
	addPair("after_embed", fmt.Sprintf("%d", stats.AfterEmbed))
	addPair("after_hydrate", fmt.Sprintf("%d", stats.AfterHydrate))
	addPair("failed_hydrations", fmt.Sprintf("%d", stats.FailedHydrations))
	addPair("comments_fetched", fmt.Sprintf("%d", stats.TotalCommentsFetched))
	addPair("after_gate", fmt.Sprintf("%d", stats.AfterGate))
	addPair("high_value", fmt.Sprintf("%d", stats.Classifications.HighValue))
	addPair("moderate_value", fmt.Sprintf("%d", stats.Classifications.ModerateValue))
	addPair("low_value", fmt.Sprintf("%d", stats.Classifications.LowValue))
	addPair("irrelevant", fmt.Sprintf("%d", stats.Classifications.Irrelevant))
	addPair("elapsed_ms", fmt.Sprintf("%d", stats.ElapsedMS))
	addPair("search_calls", fmt.Sprintf("%d", cost.SearchCalls))
	addPair("hydration_calls", fmt.Sprintf("%d", cost.HydrationCalls))
	addPair("embedding_tokens", fmt.Sprintf("%d", cost.EmbeddingTokens))
	addPair("classification_tokens", fmt.Sprintf("%d/%d", cost.InputTokens, cost.OutputTokens))
	addPair("total_usd", fmt.Sprintf("%.4f", cost.TotalUSD))
	addPair("per_post_usd", fmt.Sprintf("%.4f", cost.PerPostUSD))

	if err := f.Save(path); err != nil {
		return eris.Wrap(err, "export: save workbook")
	}
	return nil
}
