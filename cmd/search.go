package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/audiencelab/threadscout/internal/funnel"
	"github.com/audiencelab/threadscout/internal/model"
)

var (
	searchAudience      string
	searchQuestions     []string
	searchMaxPosts      int
	searchAgeDays       int
	searchMinScore      int
	searchPremium       bool
	searchStoreVectors  bool
	searchEmbedProvider string
	searchStrategy      string
	searchPromptVariant string
	searchOversample    int
	searchOut           string
	searchJSON          bool
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Run one discovery funnel for an audience",
	Long: `Runs the full discovery funnel: expands the audience and research questions
into search queries, retrieves candidate posts, ranks them by embedding
similarity, hydrates comment threads for the survivors, and classifies each
post's relevance through Claude. Prints the surviving posts bucketed by tier.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("search"); err != nil {
			return err
		}

		env, err := initFunnel(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		req := model.SearchRequest{
			Audience:      searchAudience,
			Questions:     searchQuestions,
			MaxPosts:      searchMaxPosts,
			AgeDays:       searchAgeDays,
			MinScore:      searchMinScore,
			EmbedProvider: searchEmbedProvider,
			Premium:       searchPremium,
			StoreVectors:  searchStoreVectors,
		}

		run, err := env.Funnel.Prepare(ctx, req, searchOverride())
		if err != nil {
			return err
		}
		result, err := env.Funnel.Execute(ctx, run)
		if err != nil {
			return eris.Wrap(err, "search run")
		}

		if searchOut != "" {
			if err := funnel.ExportXLSX(searchOut, run, result); err != nil {
				return err
			}
			zap.L().Info("workbook written", zap.String("path", searchOut))
		}

		if searchJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		}

		formatSearchResult(os.Stdout, result)
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchAudience, "audience", "", "target audience description (required)")
	searchCmd.Flags().StringArrayVar(&searchQuestions, "question", nil, "research question, repeatable (at least one required)")
	searchCmd.Flags().IntVar(&searchMaxPosts, "max-posts", 0, "target number of surviving posts (default from config)")
	searchCmd.Flags().IntVar(&searchAgeDays, "age-days", 0, "discard posts older than this many days (default from config)")
	searchCmd.Flags().IntVar(&searchMinScore, "min-score", 0, "discard posts below this score (default from config)")
	searchCmd.Flags().BoolVar(&searchPremium, "premium", false, "use the premium source access tier")
	searchCmd.Flags().BoolVar(&searchStoreVectors, "store-vectors", false, "persist post vectors in the embedding cache")
	searchCmd.Flags().StringVar(&searchEmbedProvider, "embed-provider", "", "embedding provider name (default from config)")
	searchCmd.Flags().StringVar(&searchStrategy, "strategy", "", "query expansion strategy: broad or focused")
	searchCmd.Flags().StringVar(&searchPromptVariant, "prompt-variant", "", "classifier prompt variant: default or strict")
	searchCmd.Flags().IntVar(&searchOversample, "oversample", 0, "similarity pruning oversample factor")
	searchCmd.Flags().StringVar(&searchOut, "out", "", "write an XLSX workbook to this path")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "print the raw result JSON instead of the table")
	_ = searchCmd.MarkFlagRequired("audience")
	_ = searchCmd.MarkFlagRequired("question")
	rootCmd.AddCommand(searchCmd)
}

// searchOverride turns the experiment flags into a per-call override; unset
// flags leave the configured experiment untouched.
func searchOverride() *model.ExperimentConfig {
	if searchStrategy == "" && searchPromptVariant == "" && searchOversample == 0 {
		return nil
	}
	return &model.ExperimentConfig{
		Strategy:      searchStrategy,
		PromptVariant: searchPromptVariant,
		Oversample:    searchOversample,
	}
}

// formatSearchResult writes the tier-bucketed post table and the run summary.
func formatSearchResult(out io.Writer, result *model.SearchResult) {
	s := result.Stats
	fmt.Fprintf(out, "Run %s: %d posts surfaced in %s\n",
		truncateID(result.RunID), len(result.Posts), (time.Duration(s.ElapsedMS) * time.Millisecond).Round(time.Millisecond))
	fmt.Fprintf(out, "Funnel: %d queries, %d raw, %d unique, %d embedded, %d hydrated, %d passed the gate\n",
		s.QueriesGenerated, s.RawFetched, s.AfterNormalize, s.AfterEmbed, s.AfterHydrate, s.AfterGate)
	fmt.Fprintf(out, "Cost: $%.4f total, $%.4f per post\n", result.Cost.TotalUSD, result.Cost.PerPostUSD)

	for _, tier := range []model.Tier{model.TierHigh, model.TierModerate, model.TierLow} {
		bucket := postsInTier(result.Posts, tier)
		if len(bucket) == 0 {
			continue
		}
		fmt.Fprintf(out, "\n%s (%d)\n", tier, len(bucket))

		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, p := range bucket {
			_, _ = fmt.Fprintf(w, "  %.3f\tr/%s\t%s\t%s\n",
				p.Similarity, p.Subreddit, clip(p.Title, 60), "https://www.reddit.com"+p.Permalink)
		}
		_ = w.Flush()
	}
}

func postsInTier(posts []model.GatedPost, tier model.Tier) []model.GatedPost {
	var bucket []model.GatedPost
	for _, p := range posts {
		if p.Tier == tier {
			bucket = append(bucket, p)
		}
	}
	return bucket
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
