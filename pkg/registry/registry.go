// Package registry maps logical council roles to concrete models. It
// answers "give me the active model set for company C and purpose P"
// from the configuration tables, and picks fallback models when a
// primary call fails permanently.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/quorumhq/quorum/pkg/config"
	"github.com/quorumhq/quorum/pkg/models"
)

// ErrConfigIncomplete indicates the registry cannot field the minimum
// council for a purpose. Fatal for the session.
var ErrConfigIncomplete = errors.New("config incomplete")

// Minimums mirrors the per-purpose minimum council sizes.
var minimums = map[models.Purpose]int{
	models.PurposeStage1: 3,
	models.PurposeStage2: 3,
	models.PurposeStage3: 1,
}

// Registry resolves model choices from the loaded configuration.
// Configuration is immutable after startup, so resolution is pure.
type Registry struct {
	council *config.CouncilConfig
}

// New creates a Registry over the loaded council tables.
func New(council *config.CouncilConfig) *Registry {
	return &Registry{council: council}
}

// Resolve returns the ordered model choices for a company and purpose,
// sorted by priority ascending. An empty companyID (or a company with
// no overlay for the purpose) falls back to the global defaults.
// Returns ErrConfigIncomplete when fewer than the configured minimum
// are available.
func (r *Registry) Resolve(companyID string, purpose models.Purpose) ([]models.ModelChoice, error) {
	minimum, ok := minimums[purpose]
	if !ok {
		return nil, fmt.Errorf("unknown purpose %q", purpose)
	}

	choices := r.council.Defaults[purpose]
	if companyID != "" {
		if overlay, ok := r.council.Companies[companyID]; ok {
			if overridden := overlay[purpose]; len(overridden) > 0 {
				choices = overridden
			}
		}
	}

	if len(choices) < minimum {
		return nil, fmt.Errorf("%w: purpose %s has %d model(s), needs %d",
			ErrConfigIncomplete, purpose, len(choices), minimum)
	}

	sorted := make([]models.ModelChoice, len(choices))
	copy(sorted, choices)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return sorted, nil
}

// ChooseFallback picks the next-priority choice for the same company
// and purpose that is not in tried. Returns nil when every choice has
// been attempted.
func (r *Registry) ChooseFallback(companyID string, purpose models.Purpose, tried map[string]bool) *models.ModelChoice {
	choices, err := r.Resolve(companyID, purpose)
	if err != nil {
		return nil
	}
	for i := range choices {
		if !tried[choices[i].ModelID] {
			c := choices[i]
			return &c
		}
	}
	return nil
}
