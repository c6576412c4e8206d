package config

import (
	"fmt"
	"strings"

	"github.com/quorumhq/quorum/pkg/models"
)

// Minimum model choices per purpose. Fewer than this is fatal for
// every session the registry serves, so it is caught at startup.
var purposeMinimums = map[models.Purpose]int{
	models.PurposeStage1: 3,
	models.PurposeStage2: 3,
	models.PurposeStage3: 1,
}

// validate performs a full validation pass over the loaded config and
// aggregates every problem into one error.
func validate(cfg *Config) error {
	var problems []string

	if cfg.Gateway.BaseURL == "" {
		problems = append(problems, "gateway.base_url is required")
	}
	if cfg.Quota.BaseURL == "" {
		problems = append(problems, "quota.base_url is required")
	}
	if cfg.Stream.BufferSize < 1 {
		problems = append(problems, "stream.buffer_size must be at least 1")
	}
	if cfg.Stages.MinWorkers < 1 {
		problems = append(problems, "stages.min_workers must be at least 1")
	}
	if cfg.Pool.MaxConcurrentWorkers < 1 {
		problems = append(problems, "pool.max_concurrent_workers must be at least 1")
	}
	if cfg.Timeouts.WorkerSoft >= cfg.Timeouts.WorkerHard {
		problems = append(problems, "timeouts.worker_soft must be below timeouts.worker_hard")
	}
	if cfg.Context.MaxFragmentBytes > cfg.Context.MaxBundleBytes {
		problems = append(problems, "context.max_fragment_bytes must not exceed context.max_bundle_bytes")
	}

	problems = append(problems, validateTable("council.defaults", cfg.Council.Defaults, true)...)
	for company, table := range cfg.Council.Companies {
		problems = append(problems, validateTable(fmt.Sprintf("council.companies.%s", company), table, false)...)
	}

	if len(problems) > 0 {
		return fmt.Errorf("%d problem(s):\n  - %s", len(problems), strings.Join(problems, "\n  - "))
	}
	return nil
}

// validateTable checks one purpose table. The defaults table must meet
// the per-purpose minimums on its own; company overlays only need valid
// entries since resolution falls back to the defaults.
func validateTable(name string, table PurposeTable, requireMinimums bool) []string {
	var problems []string
	for purpose, choices := range table {
		if _, known := purposeMinimums[purpose]; !known {
			problems = append(problems, fmt.Sprintf("%s: unknown purpose %q", name, purpose))
			continue
		}
		for i, c := range choices {
			if c.ModelID == "" {
				problems = append(problems, fmt.Sprintf("%s.%s[%d]: model_id is required", name, purpose, i))
			}
			if c.Provider == "" {
				problems = append(problems, fmt.Sprintf("%s.%s[%d]: provider is required", name, purpose, i))
			}
		}
	}
	if requireMinimums {
		for purpose, minimum := range purposeMinimums {
			if len(table[purpose]) < minimum {
				problems = append(problems, fmt.Sprintf(
					"%s.%s: needs at least %d model(s), has %d", name, purpose, minimum, len(table[purpose])))
			}
		}
	}
	return problems
}
