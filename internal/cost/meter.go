package cost

import (
	"fmt"
	"sync/atomic"
)

// Meter accumulates API usage for one run. Pool workers from every stage
// write to it concurrently, so all counters are atomics; derived dollar
// figures are computed on read.
type Meter struct {
	rates      Rates
	premium    bool
	embedModel string
	chatModel  string

	sourceSearchCalls  atomic.Int64
	sourceHydrateCalls atomic.Int64
	embedTokens        atomic.Int64
	chatInputTokens    atomic.Int64
	chatOutputTokens   atomic.Int64
	embedEstimated     atomic.Bool
	chatEstimated      atomic.Bool
}

// NewMeter creates a meter for one run. The premium flag selects the source
// price column; the model names select token prices.
func NewMeter(rates Rates, premium bool, embedModel, chatModel string) *Meter {
	return &Meter{
		rates:      rates,
		premium:    premium,
		embedModel: embedModel,
		chatModel:  chatModel,
	}
}

// AddSearchCalls records n source calls made by the retrieval stage.
func (m *Meter) AddSearchCalls(n int) {
	m.sourceSearchCalls.Add(int64(n))
}

// AddHydrationCalls records n source calls made by the hydration stage.
func (m *Meter) AddHydrationCalls(n int) {
	m.sourceHydrateCalls.Add(int64(n))
}

// AddEmbeddingTokens records embedding input tokens. estimated marks the
// figure as derived from text length rather than provider-reported usage.
func (m *Meter) AddEmbeddingTokens(n int64, estimated bool) {
	m.embedTokens.Add(n)
	if estimated {
		m.embedEstimated.Store(true)
	}
}

// AddClassificationTokens records classifier input/output tokens.
func (m *Meter) AddClassificationTokens(input, output int64, estimated bool) {
	m.chatInputTokens.Add(input)
	m.chatOutputTokens.Add(output)
	if estimated {
		m.chatEstimated.Store(true)
	}
}

// EstimateTokens approximates the token count of text when the provider does
// not report usage: four characters per token. Figures derived this way are
// flagged as estimates in the breakdown.
func EstimateTokens(text string) int64 {
	return int64(len(text) / 4)
}

func (m *Meter) sourceUSD() float64 {
	calls := m.sourceSearchCalls.Load() + m.sourceHydrateCalls.Load()
	return float64(calls) * m.rates.SourcePerCall(m.premium)
}

func (m *Meter) embeddingUSD() float64 {
	rate := m.rates.Embedding[m.embedModel]
	return float64(m.embedTokens.Load()) * rate.InputPerMTok / 1e6
}

func (m *Meter) classificationUSD() float64 {
	rate := m.rates.Claude[m.chatModel]
	in := float64(m.chatInputTokens.Load()) * rate.InputPerMTok / 1e6
	out := float64(m.chatOutputTokens.Load()) * rate.OutputPerMTok / 1e6
	return in + out
}

// TotalCost returns the run's accumulated cost in USD.
func (m *Meter) TotalCost() float64 {
	return m.sourceUSD() + m.embeddingUSD() + m.classificationUSD()
}

// CostPerPost divides the total cost by the surviving post count. A run that
// surfaces zero posts has a defined cost-per-post of zero.
func (m *Meter) CostPerPost(surviving int) float64 {
	if surviving <= 0 {
		return 0
	}
	return m.TotalCost() / float64(surviving)
}

// Breakdown is the per-category cost report for a run.
type Breakdown struct {
	SearchCalls        int64   `json:"search_calls"`
	HydrationCalls     int64   `json:"hydration_calls"`
	SourceUSD          float64 `json:"source_usd"`
	EmbeddingTokens    int64   `json:"embedding_tokens"`
	EmbeddingUSD       float64 `json:"embedding_usd"`
	EmbeddingEstimated bool    `json:"embedding_estimated,omitempty"`
	InputTokens        int64   `json:"classification_input_tokens"`
	OutputTokens       int64   `json:"classification_output_tokens"`
	ClassificationUSD  float64 `json:"classification_usd"`
	ClassifyEstimated  bool    `json:"classification_estimated,omitempty"`
	Premium            bool    `json:"premium"`
	TotalUSD           float64 `json:"total_usd"`
	PerPostUSD         float64 `json:"per_post_usd"`
}

// Breakdown snapshots the meter. surviving sets the per-post denominator.
func (m *Meter) Breakdown(surviving int) Breakdown {
	return Breakdown{
		SearchCalls:        m.sourceSearchCalls.Load(),
		HydrationCalls:     m.sourceHydrateCalls.Load(),
		SourceUSD:          m.sourceUSD(),
		EmbeddingTokens:    m.embedTokens.Load(),
		EmbeddingUSD:       m.embeddingUSD(),
		EmbeddingEstimated: m.embedEstimated.Load(),
		InputTokens:        m.chatInputTokens.Load(),
		OutputTokens:       m.chatOutputTokens.Load(),
		ClassificationUSD:  m.classificationUSD(),
		ClassifyEstimated:  m.chatEstimated.Load(),
		Premium:            m.premium,
		TotalUSD:           m.TotalCost(),
		PerPostUSD:         m.CostPerPost(surviving),
	}
}

// Summary renders a one-line human-readable cost report for logs.
func (m *Meter) Summary(surviving int) string {
	b := m.Breakdown(surviving)
	est := ""
	if b.EmbeddingEstimated || b.ClassifyEstimated {
		est = " (some token counts estimated)"
	}
	return fmt.Sprintf(
		"source %d+%d calls $%.4f | embed %d tok $%.4f | classify %d/%d tok $%.4f | total $%.4f, $%.4f/post%s",
		b.SearchCalls, b.HydrationCalls, b.SourceUSD,
		b.EmbeddingTokens, b.EmbeddingUSD,
		b.InputTokens, b.OutputTokens, b.ClassificationUSD,
		b.TotalUSD, b.PerPostUSD, est,
	)
}
