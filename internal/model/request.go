package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Hard bounds on the requested result count.
const (
	MinMaxPosts = 1
	MaxMaxPosts = 10000
)

// Validation errors. All of them terminate a request before any external call.
var (
	ErrMissingAudience  = eris.New("audience is required")
	ErrMissingQuestions = eris.New("at least one non-empty question is required")
	ErrMaxPostsRange    = eris.New("max_posts must be between 1 and 10000")
	ErrBadStrategy      = eris.New("unknown search strategy")
	ErrBadPromptVariant = eris.New("unknown prompt variant")
)

// SearchRequest describes one funnel run. Immutable once validated.
type SearchRequest struct {
	Audience      string   `json:"audience"`
	Questions     []string `json:"questions"`
	MaxPosts      int      `json:"max_posts,omitempty"`
	AgeDays       int      `json:"age_days,omitempty"`
	MinScore      int      `json:"min_score,omitempty"`
	EmbedProvider string   `json:"embed_provider,omitempty"`
	Premium       bool     `json:"premium,omitempty"`
	StoreVectors  bool     `json:"store_vectors,omitempty"`
}

// RequestDefaults carries the configured fallback values applied to a request
// before validation.
type RequestDefaults struct {
	MaxPosts      int
	AgeDays       int
	MinScore      int
	EmbedProvider string
}

// ApplyDefaults fills zero-valued optional fields from the configured defaults
// and trims textual inputs. Blank questions are dropped, duplicates kept.
func (r *SearchRequest) ApplyDefaults(d RequestDefaults) {
	r.Audience = strings.TrimSpace(r.Audience)

	kept := r.Questions[:0]
	for _, q := range r.Questions {
		if q = strings.TrimSpace(q); q != "" {
			kept = append(kept, q)
		}
	}
	r.Questions = kept

	if r.MaxPosts == 0 {
		r.MaxPosts = d.MaxPosts
	}
	if r.AgeDays == 0 {
		r.AgeDays = d.AgeDays
	}
	if r.MinScore == 0 {
		r.MinScore = d.MinScore
	}
	if r.EmbedProvider == "" {
		r.EmbedProvider = d.EmbedProvider
	}
}

// Validate checks the request after defaults have been applied. It must be
// called before any collaborator is contacted.
func (r *SearchRequest) Validate() error {
	if r.Audience == "" {
		return ErrMissingAudience
	}
	if len(r.Questions) == 0 {
		return ErrMissingQuestions
	}
	if r.MaxPosts < MinMaxPosts || r.MaxPosts > MaxMaxPosts {
		return ErrMaxPostsRange
	}
	return nil
}

// IsValidationError reports whether err is one of the request validation
// errors, so transport layers can map it to a caller-correctable status.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrMissingAudience,
		ErrMissingQuestions,
		ErrMaxPostsRange,
		ErrBadStrategy,
		ErrBadPromptVariant,
	} {
		if eris.Is(err, target) {
			return true
		}
	}
	return false
}

// Search strategy variants for query expansion.
const (
	StrategyBroad   = "broad"
	StrategyFocused = "focused"
)

// Classifier prompt variants.
const (
	PromptDefault = "default"
	PromptStrict  = "strict"
)

// ExperimentConfig holds the per-call experiment overrides. It is merged once
// at request entry (config defaults, then body, then headers) and threaded
// immutably through every stage; stages never consult ambient config.
type ExperimentConfig struct {
	Strategy            string `json:"strategy"`
	PromptVariant       string `json:"prompt_variant"`
	EngagementThreshold *int   `json:"engagement_threshold,omitempty"`
	Oversample          int    `json:"oversample"`
}

// DefaultExperiment returns the baseline experiment configuration.
func DefaultExperiment(strategy, promptVariant string, oversample int) ExperimentConfig {
	return ExperimentConfig{
		Strategy:      strategy,
		PromptVariant: promptVariant,
		Oversample:    oversample,
	}
}

// Validate checks that variant names refer to known implementations.
func (e ExperimentConfig) Validate() error {
	switch e.Strategy {
	case StrategyBroad, StrategyFocused:
	default:
		return eris.Wrapf(ErrBadStrategy, "strategy %q", e.Strategy)
	}
	switch e.PromptVariant {
	case PromptDefault, PromptStrict:
	default:
		return eris.Wrapf(ErrBadPromptVariant, "prompt variant %q", e.PromptVariant)
	}
	return nil
}

// EffectiveMinScore resolves the engagement threshold for retrieval filtering:
// the experiment override wins over the request value.
func (e ExperimentConfig) EffectiveMinScore(requestMinScore int) int {
	if e.EngagementThreshold != nil {
		return *e.EngagementThreshold
	}
	return requestMinScore
}
