package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/audiencelab/threadscout/internal/funnel"
	"github.com/audiencelab/threadscout/internal/model"
)

var (
	estimateAudience  string
	estimateQuestions []string
	estimateMaxPosts  int
	estimatePremium   bool
	estimateJSON      bool
)

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Project the worst-case cost of a search, offline",
	Long: `Expands the audience and questions exactly as a real run would, then projects
the most API calls and tokens each stage could spend. Nothing is contacted;
prices come from the built-in tables or the configured cost.rates_file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("estimate"); err != nil {
			return err
		}

		rates, err := loadRates()
		if err != nil {
			return err
		}
		fcfg := funnelConfig(rates)

		req := model.SearchRequest{
			Audience:  estimateAudience,
			Questions: estimateQuestions,
			MaxPosts:  estimateMaxPosts,
			Premium:   estimatePremium,
		}
		req.ApplyDefaults(fcfg.Defaults)
		if err := req.Validate(); err != nil {
			return err
		}

		queries, err := funnel.ExpandQueries(req.Audience, req.Questions, fcfg.Experiment.Strategy)
		if err != nil {
			return err
		}

		embedModel := cfg.Embedding.Providers[cfg.Embedding.Provider].Model
		proj := funnel.Project(queries, req, fcfg, embedModel)

		if estimateJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(proj)
		}

		formatProjection(os.Stdout, req.MaxPosts, proj)
		return nil
	},
}

func init() {
	estimateCmd.Flags().StringVar(&estimateAudience, "audience", "", "target audience description (required)")
	estimateCmd.Flags().StringArrayVar(&estimateQuestions, "question", nil, "research question, repeatable (at least one required)")
	estimateCmd.Flags().IntVar(&estimateMaxPosts, "max-posts", 0, "target number of surviving posts (default from config)")
	estimateCmd.Flags().BoolVar(&estimatePremium, "premium", false, "price against the premium source tier")
	estimateCmd.Flags().BoolVar(&estimateJSON, "json", false, "print the projection as JSON")
	_ = estimateCmd.MarkFlagRequired("audience")
	_ = estimateCmd.MarkFlagRequired("question")
	rootCmd.AddCommand(estimateCmd)
}

// formatProjection writes the worst-case projection as a labeled table.
func formatProjection(out io.Writer, maxPosts int, p *funnel.Projection) {
	fmt.Fprintf(out, "Worst-case projection for %d posts:\n\n", maxPosts)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Queries:\t%d\n", p.Queries)
	_, _ = fmt.Fprintf(w, "Source calls:\t%d search + %d hydration\t$%.4f\n",
		p.SearchCalls, p.HydrationCalls, p.Cost.SourceUSD)
	_, _ = fmt.Fprintf(w, "Candidate posts:\t%d\n", p.CandidatePosts)
	_, _ = fmt.Fprintf(w, "Embedding tokens:\t%d\t$%.4f\n", p.EmbeddingTokens, p.Cost.EmbeddingUSD)
	_, _ = fmt.Fprintf(w, "Classifier tokens:\t%d in / %d out\t$%.4f\n",
		p.ClassifyInputTokens, p.ClassifyOutputTokens, p.Cost.ClassificationUSD)
	_, _ = fmt.Fprintf(w, "Total:\t$%.4f\t$%.4f per post\n", p.Cost.TotalUSD, p.Cost.PerPostUSD)
	_ = w.Flush()

	fmt.Fprintln(out, "\nReal runs land well under this: duplicate posts are dropped before")
	fmt.Fprintln(out, "embedding and the similarity pruner cuts the pool before hydration.")
}
