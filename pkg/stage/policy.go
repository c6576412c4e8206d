package stage

import "github.com/quorumhq/quorum/pkg/models"

// PolicyKind selects the stage completion policy.
type PolicyKind string

// Policy kinds.
const (
	PolicyAllOrDegraded PolicyKind = "all_or_degraded"
	PolicySingle        PolicyKind = "single"
)

// Policy decides the stage status from its workers' outcomes.
type Policy struct {
	Kind PolicyKind
	Min  int
}

// AllOrDegraded completes when every worker terminated: complete if all
// finished done, degraded if at least min did, failed otherwise.
func AllOrDegraded(min int) Policy {
	return Policy{Kind: PolicyAllOrDegraded, Min: min}
}

// Single runs one mandatory worker: complete iff it finished done.
func Single() Policy {
	return Policy{Kind: PolicySingle, Min: 1}
}

// status aggregates worker results. timedOut caps the best possible
// status at degraded.
func (p Policy) status(done, total int, timedOut bool) models.StageStatus {
	switch p.Kind {
	case PolicySingle:
		if done == total && !timedOut {
			return models.StageComplete
		}
		return models.StageFailed
	default:
		if done < p.Min {
			return models.StageFailed
		}
		if done == total && !timedOut {
			return models.StageComplete
		}
		return models.StageDegraded
	}
}
