package cost

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeter_TotalCost(t *testing.T) {
	m := NewMeter(DefaultRates(), true, "text-embedding-3-small", "claude-3-5-haiku-latest")

	m.AddSearchCalls(100)
	m.AddHydrationCalls(50)
	m.AddEmbeddingTokens(1_000_000, false)
	m.AddClassificationTokens(500_000, 100_000, false)

	// source: 150 * 0.00024 = 0.036
	// embed:  1M * 0.02/M   = 0.02
	// chat:   0.5M * 0.80/M + 0.1M * 4.00/M = 0.4 + 0.4 = 0.8
	assert.InDelta(t, 0.856, m.TotalCost(), 1e-9)
}

func TestMeter_StandardSourceIsFree(t *testing.T) {
	m := NewMeter(DefaultRates(), false, "text-embedding-3-small", "claude-3-5-haiku-latest")
	m.AddSearchCalls(10_000)
	m.AddHydrationCalls(10_000)

	assert.Zero(t, m.TotalCost())

	b := m.Breakdown(1)
	assert.Equal(t, int64(10_000), b.SearchCalls)
	assert.Equal(t, int64(10_000), b.HydrationCalls)
	assert.False(t, b.Premium)
}

func TestMeter_CostPerPostZeroSurvivors(t *testing.T) {
	m := NewMeter(DefaultRates(), true, "text-embedding-3-small", "claude-3-5-haiku-latest")
	m.AddSearchCalls(500)

	got := m.CostPerPost(0)
	assert.Zero(t, got)
	assert.False(t, math.IsNaN(got))
	assert.False(t, math.IsInf(got, 0))

	// Negative counts are treated the same as zero.
	assert.Zero(t, m.CostPerPost(-3))
}

func TestMeter_CostPerPost(t *testing.T) {
	m := NewMeter(DefaultRates(), false, "text-embedding-3-small", "claude-3-5-haiku-latest")
	m.AddClassificationTokens(1_000_000, 0, false) // $0.80

	assert.InDelta(t, 0.08, m.CostPerPost(10), 1e-9)
}

func TestMeter_ConcurrentWrites(t *testing.T) {
	m := NewMeter(DefaultRates(), true, "text-embedding-3-small", "claude-3-5-haiku-latest")

	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				m.AddSearchCalls(1)
				m.AddEmbeddingTokens(10, false)
				m.AddClassificationTokens(5, 2, false)
			}
		}()
	}
	wg.Wait()

	b := m.Breakdown(0)
	assert.Equal(t, int64(6400), b.SearchCalls)
	assert.Equal(t, int64(64_000), b.EmbeddingTokens)
	assert.Equal(t, int64(32_000), b.InputTokens)
	assert.Equal(t, int64(12_800), b.OutputTokens)
}

func TestMeter_BreakdownFlagsEstimates(t *testing.T) {
	m := NewMeter(DefaultRates(), false, "text-embedding-3-small", "claude-3-5-haiku-latest")

	m.AddEmbeddingTokens(100, false)
	assert.False(t, m.Breakdown(0).EmbeddingEstimated)

	m.AddEmbeddingTokens(100, true)
	m.AddClassificationTokens(10, 10, true)

	b := m.Breakdown(0)
	assert.True(t, b.EmbeddingEstimated)
	assert.True(t, b.ClassifyEstimated)
	assert.Contains(t, m.Summary(0), "estimated")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, int64(0), EstimateTokens(""))
	assert.Equal(t, int64(1), EstimateTokens("four"))
	assert.Equal(t, int64(500), EstimateTokens(string(make([]byte, 2000))))
}

func TestLoadRates_MergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rates.yaml")
	yaml := `rates:
  source:
    standard_per_call: 0.0001
    premium_per_call: 0.0005
  claude:
    claude-3-5-haiku-latest:
      input_per_mtok: 1.0
      output_per_mtok: 5.0
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	rates, err := LoadRates(path)
	require.NoError(t, err)

	assert.InDelta(t, 0.0005, rates.SourcePerCall(true), 1e-12)
	assert.InDelta(t, 0.0001, rates.SourcePerCall(false), 1e-12)
	assert.InDelta(t, 1.0, rates.Claude["claude-3-5-haiku-latest"].InputPerMTok, 1e-12)

	// Sections absent from the file keep defaults.
	assert.InDelta(t, 0.02, rates.Embedding["text-embedding-3-small"].InputPerMTok, 1e-12)
	assert.InDelta(t, 3.00, rates.Claude["claude-3-5-sonnet-latest"].InputPerMTok, 1e-12)
}

func TestLoadRates_MissingFile(t *testing.T) {
	rates, err := LoadRates(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)

	// Defaults still come back so callers can proceed deliberately.
	assert.InDelta(t, 0.00024, rates.SourcePerCall(true), 1e-12)
}
