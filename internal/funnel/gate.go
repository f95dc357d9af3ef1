package funnel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/audiencelab/threadscout/internal/cost"
	"github.com/audiencelab/threadscout/internal/model"
	"github.com/audiencelab/threadscout/internal/workpool"
	"github.com/audiencelab/threadscout/pkg/anthropic"
)

const defaultSystemPrompt = `You are a market research analyst screening Reddit posts for audience relevance.

Judge each post on two axes: whether the author plausibly belongs to the target audience, and whether the discussion speaks to the research questions.

Tiers:
- HIGH: author is clearly in the audience and the post or its comments directly address at least one research question.
- MODERATE: likely audience member, or the discussion touches the questions indirectly.
- LOW: weak audience signal or only tangential relevance.
- IRRELEVANT: wrong audience and no bearing on the questions.

Respond with JSON only, no other text:
{"tier": "HIGH", "justification": "<one sentence>"}`

const strictSystemPrompt = `You are a market research analyst screening Reddit posts for audience relevance. Apply a strict bar.

Tiers:
- HIGH: the author writes in first person as a member of the target audience AND the post directly answers a research question.
- MODERATE: first-person audience membership with indirect relevance to the questions.
- LOW: audience membership is plausible but unconfirmed, or relevance is tangential.
- IRRELEVANT: anything else, including secondhand commentary about the audience.

When in doubt between two tiers, pick the lower one.

Respond with JSON only, no other text:
{"tier": "HIGH", "justification": "<one sentence>"}`

// Gate classifies hydrated posts by audience relevance through the LLM. A
// post whose classification fails is kept at LOW with the failure recorded;
// IRRELEVANT posts are dropped from the surviving set but counted.
type Gate struct {
	llm              anthropic.Client
	pool             *workpool.Pool
	meter            *cost.Meter
	model            string
	maxTokens        int64
	promptVariant    string
	maxContentLength int
}

// NewGate wires the gate to its classifier.
func NewGate(llm anthropic.Client, pool *workpool.Pool, meter *cost.Meter, llmModel string, maxTokens int64, promptVariant string, maxContentLength int) *Gate {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &Gate{
		llm:              llm,
		pool:             pool,
		meter:            meter,
		model:            llmModel,
		maxTokens:        maxTokens,
		promptVariant:    promptVariant,
		maxContentLength: maxContentLength,
	}
}

// Classify runs every post through the gate and returns the survivors in
// ranking order.
func (g *Gate) Classify(ctx context.Context, audience string, questions []string, posts []model.HydratedPost, stats *model.PipelineStats) ([]model.GatedPost, error) {
	tasks := make([]workpool.Task[model.GatedPost], len(posts))
	for i, post := range posts {
		tasks[i] = func(ctx context.Context) (model.GatedPost, error) {
			return g.classifyOne(ctx, audience, questions, post), nil
		}
	}

	results, err := workpool.Run(ctx, g.pool, tasks)
	if err != nil {
		return nil, eris.Wrap(err, "gate: pool")
	}

	survivors := make([]model.GatedPost, 0, len(posts))
	for _, res := range results {
		gated := res.Value
		switch gated.Tier {
		case model.TierHigh:
			stats.Classifications.HighValue++
		case model.TierModerate:
			stats.Classifications.ModerateValue++
		case model.TierLow:
			stats.Classifications.LowValue++
		case model.TierIrrelevant:
			stats.Classifications.Irrelevant++
			continue
		}
		survivors = append(survivors, gated)
	}

	stats.AfterGate = len(survivors)
	stats.APICalls.Classification = len(posts)

	zap.L().Debug("classification done",
		zap.Int("posts", len(posts)),
		zap.Int("survivors", len(survivors)),
		zap.Int("irrelevant", stats.Classifications.Irrelevant))
	return survivors, nil
}

func (g *Gate) classifyOne(ctx context.Context, audience string, questions []string, post model.HydratedPost) model.GatedPost {
	gated := model.GatedPost{HydratedPost: post}

	system := defaultSystemPrompt
	if g.promptVariant == model.PromptStrict {
		system = strictSystemPrompt
	}
	user := g.buildPrompt(audience, questions, post)

	temperature := 0.0
	resp, err := g.llm.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       g.model,
		MaxTokens:   g.maxTokens,
		System:      system,
		Messages:    []anthropic.Message{{Role: "user", Content: user}},
		Temperature: &temperature,
	})
	if err != nil {
		// The gate never drops a post for infrastructure reasons; park it at
		// LOW for manual review.
		gated.Tier = model.TierLow
		gated.Justification = "classification unavailable, kept for manual review"
		gated.ClassifyError = err.Error()
		zap.L().Warn("classification failed",
			zap.String("post_id", post.ID),
			zap.Error(err))
		return gated
	}

	g.meterUsage(resp, system+user)

	tier, justification, err := parseClassification(resp.Text())
	if err != nil {
		gated.Tier = model.TierLow
		gated.Justification = "unparseable classification, kept for manual review"
		gated.ClassifyError = err.Error()
		zap.L().Warn("classification unparseable",
			zap.String("post_id", post.ID),
			zap.String("raw", resp.Text()),
			zap.Error(err))
		return gated
	}

	gated.Tier = tier
	gated.Justification = justification
	return gated
}

// meterUsage bills provider-reported tokens exactly, falling back to a
// length-derived estimate when the response carries no usage.
func (g *Gate) meterUsage(resp *anthropic.MessageResponse, prompt string) {
	in := resp.Usage.TotalInput()
	out := resp.Usage.OutputTokens
	if in == 0 && out == 0 {
		g.meter.AddClassificationTokens(cost.EstimateTokens(prompt), cost.EstimateTokens(resp.Text()), true)
		return
	}
	g.meter.AddClassificationTokens(in, out, false)
}

func (g *Gate) buildPrompt(audience string, questions []string, post model.HydratedPost) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Target audience: %s\n\n", audience)

	b.WriteString("Research questions:\n")
	for _, q := range questions {
		fmt.Fprintf(&b, "- %s\n", q)
	}

	fmt.Fprintf(&b, "\nPost from r/%s by u/%s (score %d):\nTitle: %s\n", post.Subreddit, post.Author, post.Score, post.Title)
	if post.Body != "" {
		fmt.Fprintf(&b, "\n%s\n", post.Body)
	}

	if block := commentsBlock(post.Comments, g.maxContentLength); block != "" {
		b.WriteString("\nComments:\n")
		b.WriteString(block)
	}
	return b.String()
}

// commentsBlock renders the comment thread, indented by depth, until the
// character budget runs out.
func commentsBlock(comments []model.Comment, limit int) string {
	if limit <= 0 {
		return ""
	}
	var b strings.Builder
	for _, c := range comments {
		line := fmt.Sprintf("%s- %s (%d): %s\n", strings.Repeat("  ", c.Depth), c.Author, c.Score, c.Body)
		if b.Len()+len(line) > limit {
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

type classification struct {
	Tier          string `json:"tier"`
	Justification string `json:"justification"`
}

// parseClassification extracts the tier and justification from the model's
// reply, tolerating markdown fences and prose around the JSON object.
func parseClassification(raw string) (model.Tier, string, error) {
	cleaned := cleanJSON(raw)
	if cleaned == "" {
		return "", "", eris.New("gate: empty classification response")
	}

	var c classification
	if err := json.Unmarshal([]byte(cleaned), &c); err != nil {
		return "", "", eris.Wrap(err, "gate: decode classification")
	}

	tier, ok := model.ParseTier(c.Tier)
	if !ok {
		return "", "", eris.Errorf("gate: unknown tier %q", c.Tier)
	}
	return tier, c.Justification, nil
}

// cleanJSON isolates the JSON object in a model reply: fences stripped, any
// leading or trailing prose cut away.
func cleanJSON(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return s[start : end+1]
}
