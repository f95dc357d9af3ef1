package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults() RequestDefaults {
	return RequestDefaults{
		MaxPosts:      1000,
		AgeDays:       90,
		MinScore:      2,
		EmbedProvider: "openai",
	}
}

func TestApplyDefaults_FillsZeroFields(t *testing.T) {
	r := SearchRequest{
		Audience:  "  freelance illustrators ",
		Questions: []string{" How do they price commissions? ", "", "   "},
	}
	r.ApplyDefaults(defaults())

	assert.Equal(t, "freelance illustrators", r.Audience)
	assert.Equal(t, []string{"How do they price commissions?"}, r.Questions)
	assert.Equal(t, 1000, r.MaxPosts)
	assert.Equal(t, 90, r.AgeDays)
	assert.Equal(t, 2, r.MinScore)
	assert.Equal(t, "openai", r.EmbedProvider)
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	r := SearchRequest{
		Audience:      "indie hackers",
		Questions:     []string{"what tools"},
		MaxPosts:      20,
		AgeDays:       30,
		MinScore:      5,
		EmbedProvider: "nebius",
	}
	r.ApplyDefaults(defaults())

	assert.Equal(t, 20, r.MaxPosts)
	assert.Equal(t, 30, r.AgeDays)
	assert.Equal(t, 5, r.MinScore)
	assert.Equal(t, "nebius", r.EmbedProvider)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*SearchRequest)
		wantErr error
	}{
		{"valid", func(*SearchRequest) {}, nil},
		{"missing audience", func(r *SearchRequest) { r.Audience = "" }, ErrMissingAudience},
		{"no questions", func(r *SearchRequest) { r.Questions = nil }, ErrMissingQuestions},
		{"max posts zero", func(r *SearchRequest) { r.MaxPosts = 0 }, ErrMaxPostsRange},
		{"max posts too large", func(r *SearchRequest) { r.MaxPosts = 10001 }, ErrMaxPostsRange},
		{"max posts lower bound", func(r *SearchRequest) { r.MaxPosts = 1 }, nil},
		{"max posts upper bound", func(r *SearchRequest) { r.MaxPosts = 10000 }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := SearchRequest{
				Audience:  "freelance illustrators",
				Questions: []string{"How do they price commissions?"},
				MaxPosts:  1000,
			}
			tt.mutate(&r)

			err := r.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, IsValidationError(err))
		})
	}
}

func TestValidate_AllBlankQuestions(t *testing.T) {
	r := SearchRequest{
		Audience:  "someone",
		Questions: []string{"   ", "\t"},
	}
	r.ApplyDefaults(defaults())

	assert.ErrorIs(t, r.Validate(), ErrMissingQuestions)
}

func TestExperimentConfig_Validate(t *testing.T) {
	e := DefaultExperiment(StrategyBroad, PromptDefault, 20)
	require.NoError(t, e.Validate())

	e.Strategy = "aggressive"
	assert.ErrorIs(t, e.Validate(), ErrBadStrategy)
	assert.True(t, IsValidationError(e.Validate()))

	e.Strategy = StrategyFocused
	e.PromptVariant = "chatty"
	assert.ErrorIs(t, e.Validate(), ErrBadPromptVariant)
}

func TestExperimentConfig_EffectiveMinScore(t *testing.T) {
	e := DefaultExperiment(StrategyBroad, PromptDefault, 20)
	assert.Equal(t, 2, e.EffectiveMinScore(2))

	threshold := 10
	e.EngagementThreshold = &threshold
	assert.Equal(t, 10, e.EffectiveMinScore(2))
}
