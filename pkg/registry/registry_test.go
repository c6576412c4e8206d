package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumhq/quorum/pkg/config"
	"github.com/quorumhq/quorum/pkg/models"
)

func testCouncil() *config.CouncilConfig {
	return &config.CouncilConfig{
		Defaults: config.PurposeTable{
			models.PurposeStage1: {
				{Provider: "openai", ModelID: "gpt-4o", Priority: 1},
				{Provider: "anthropic", ModelID: "claude-sonnet", Priority: 0},
				{Provider: "google", ModelID: "gemini-pro", Priority: 2},
				{Provider: "meta", ModelID: "llama-70b", Priority: 3},
			},
			models.PurposeStage2: {
				{Provider: "openai", ModelID: "gpt-4o-mini", Priority: 0},
				{Provider: "anthropic", ModelID: "claude-haiku", Priority: 1},
				{Provider: "google", ModelID: "gemini-flash", Priority: 2},
			},
			models.PurposeStage3: {
				{Provider: "anthropic", ModelID: "claude-opus", Priority: 0},
			},
		},
		Companies: map[string]config.PurposeTable{
			"acme": {
				models.PurposeStage3: {
					{Provider: "openai", ModelID: "o1", Priority: 0},
				},
			},
		},
	}
}

func TestResolveSortsByPriority(t *testing.T) {
	r := New(testCouncil())

	choices, err := r.Resolve("", models.PurposeStage1)
	require.NoError(t, err)
	require.Len(t, choices, 4)
	assert.Equal(t, "claude-sonnet", choices[0].ModelID)
	assert.Equal(t, "gpt-4o", choices[1].ModelID)
	assert.Equal(t, "gemini-pro", choices[2].ModelID)
}

func TestResolveCompanyOverlay(t *testing.T) {
	r := New(testCouncil())

	// Overlay replaces stage3 for acme.
	choices, err := r.Resolve("acme", models.PurposeStage3)
	require.NoError(t, err)
	require.Len(t, choices, 1)
	assert.Equal(t, "o1", choices[0].ModelID)

	// Purposes without an overlay fall back to defaults.
	choices, err = r.Resolve("acme", models.PurposeStage1)
	require.NoError(t, err)
	assert.Len(t, choices, 4)

	// Unknown companies use defaults.
	choices, err = r.Resolve("unknown-co", models.PurposeStage3)
	require.NoError(t, err)
	assert.Equal(t, "claude-opus", choices[0].ModelID)
}

func TestResolveConfigIncomplete(t *testing.T) {
	council := testCouncil()
	council.Defaults[models.PurposeStage2] = council.Defaults[models.PurposeStage2][:2]
	r := New(council)

	_, err := r.Resolve("", models.PurposeStage2)
	require.ErrorIs(t, err, ErrConfigIncomplete)
}

func TestResolveUnknownPurpose(t *testing.T) {
	r := New(testCouncil())
	_, err := r.Resolve("", models.Purpose("stage9"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConfigIncomplete)
}

func TestChooseFallback(t *testing.T) {
	r := New(testCouncil())

	tried := map[string]bool{"claude-sonnet": true}
	next := r.ChooseFallback("", models.PurposeStage1, tried)
	require.NotNil(t, next)
	assert.Equal(t, "gpt-4o", next.ModelID)

	// All tried → nil.
	all := map[string]bool{
		"claude-sonnet": true, "gpt-4o": true, "gemini-pro": true, "llama-70b": true,
	}
	assert.Nil(t, r.ChooseFallback("", models.PurposeStage1, all))
}
