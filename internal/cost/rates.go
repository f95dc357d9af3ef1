package cost

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Rates holds unit prices in USD for every metered provider.
type Rates struct {
	Source    SourceRates              `yaml:"source"`
	Embedding map[string]EmbeddingRate `yaml:"embedding"`
	Claude    map[string]ModelRate     `yaml:"claude"`
}

// SourceRates prices post-source API calls. The funnel picks the column from
// the request's premium flag.
type SourceRates struct {
	StandardPerCall float64 `yaml:"standard_per_call"`
	PremiumPerCall  float64 `yaml:"premium_per_call"`
}

// EmbeddingRate prices embedding input, per million tokens.
type EmbeddingRate struct {
	InputPerMTok float64 `yaml:"input_per_mtok"`
}

// ModelRate prices a chat model, per million tokens.
type ModelRate struct {
	InputPerMTok  float64 `yaml:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok"`
}

// DefaultRates returns the built-in price tables. The public JSON source is
// free; premium data access is priced per call.
func DefaultRates() Rates {
	return Rates{
		Source: SourceRates{
			StandardPerCall: 0,
			PremiumPerCall:  0.00024,
		},
		Embedding: map[string]EmbeddingRate{
			"text-embedding-3-small": {InputPerMTok: 0.02},
			"text-embedding-3-large": {InputPerMTok: 0.13},
		},
		Claude: map[string]ModelRate{
			"claude-3-5-haiku-latest":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
			"claude-3-5-sonnet-latest": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
		},
	}
}

// LoadRates reads price overrides from a YAML file and merges them over the
// defaults. Sections absent from the file keep their default values.
func LoadRates(path string) (Rates, error) {
	rates := DefaultRates()

	data, err := os.ReadFile(path)
	if err != nil {
		return rates, eris.Wrapf(err, "cost: read rates %s", path)
	}

	var wrapper struct {
		Rates struct {
			Source    *SourceRates             `yaml:"source"`
			Embedding map[string]EmbeddingRate `yaml:"embedding"`
			Claude    map[string]ModelRate     `yaml:"claude"`
		} `yaml:"rates"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return rates, eris.Wrap(err, "cost: parse rates")
	}

	if wrapper.Rates.Source != nil {
		rates.Source = *wrapper.Rates.Source
	}
	for model, r := range wrapper.Rates.Embedding {
		rates.Embedding[model] = r
	}
	for model, r := range wrapper.Rates.Claude {
		rates.Claude[model] = r
	}
	return rates, nil
}

// SourcePerCall returns the per-call source price for the given access level.
func (r Rates) SourcePerCall(premium bool) float64 {
	if premium {
		return r.Source.PremiumPerCall
	}
	return r.Source.StandardPerCall
}
