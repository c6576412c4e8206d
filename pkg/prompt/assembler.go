// Package prompt composes everything the council models read: the
// context bundle assembled from organisational fragments, the per-stage
// prompts, and the stage-2 anonymisation of stage-1 drafts.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/quorumhq/quorum/pkg/config"
	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/telemetry"
)

// ErrContextTooLarge indicates the mandatory fragments alone exceed the
// bundle size cap. Fatal for the session.
var ErrContextTooLarge = errors.New("context too large")

// TitledBody is one raw fragment source selected by the caller.
type TitledBody struct {
	Title string
	Body  string
}

// AssembleInput carries the fragment sources, already fetched from the
// store at the composing snapshot.
type AssembleInput struct {
	Company     *TitledBody
	Departments []TitledBody
	Roles       []TitledBody
	Project     *TitledBody
	Playbooks   []TitledBody
	Decisions   []TitledBody
	Question    string
}

// Assembler builds context bundles. Assembly is deterministic: the same
// input always yields the same bundle.
type Assembler struct {
	cfg *config.ContextConfig
}

// NewAssembler creates an Assembler with the configured size caps.
func NewAssembler(cfg *config.ContextConfig) *Assembler {
	return &Assembler{cfg: cfg}
}

// Assemble composes the bundle in precedence order: company header,
// departments, roles, project, playbooks, prior decisions, question.
// Oversized fragments are truncated at a paragraph boundary. When the
// total exceeds the bundle cap, lowest-precedence fragments (decisions
// first, then playbooks) are dropped and recorded; the call only fails
// when the mandatory fragments alone cannot fit.
func (a *Assembler) Assemble(in AssembleInput) (*models.ContextBundle, error) {
	var mandatory, playbooks, decisions []models.Fragment

	if in.Company != nil {
		mandatory = append(mandatory, a.fragment(models.FragmentCompany, *in.Company))
	}
	for _, d := range in.Departments {
		mandatory = append(mandatory, a.fragment(models.FragmentDepartment, d))
	}
	for _, r := range in.Roles {
		mandatory = append(mandatory, a.fragment(models.FragmentRole, r))
	}
	if in.Project != nil {
		mandatory = append(mandatory, a.fragment(models.FragmentProject, *in.Project))
	}
	for _, p := range in.Playbooks {
		playbooks = append(playbooks, a.fragment(models.FragmentPlaybook, p))
	}
	for _, d := range in.Decisions {
		decisions = append(decisions, a.fragment(models.FragmentDecision, d))
	}

	budget := a.cfg.MaxBundleBytes - len(in.Question)
	size := fragmentsSize(mandatory)
	if size > budget {
		return nil, fmt.Errorf("%w: mandatory fragments are %d bytes, cap is %d",
			ErrContextTooLarge, size, budget)
	}

	// Fit optional fragments, dropping from the back of the lowest
	// precedence group first.
	var dropped []string
	keepPlaybooks, keepDecisions := playbooks, decisions
	for size+fragmentsSize(keepPlaybooks)+fragmentsSize(keepDecisions) > budget {
		switch {
		case len(keepDecisions) > 0:
			dropped = append(dropped, keepDecisions[len(keepDecisions)-1].Title)
			keepDecisions = keepDecisions[:len(keepDecisions)-1]
		case len(keepPlaybooks) > 0:
			dropped = append(dropped, keepPlaybooks[len(keepPlaybooks)-1].Title)
			keepPlaybooks = keepPlaybooks[:len(keepPlaybooks)-1]
		}
	}
	for range dropped {
		telemetry.ContextFragmentsDropped.Inc()
	}

	fragments := make([]models.Fragment, 0, len(mandatory)+len(keepPlaybooks)+len(keepDecisions))
	fragments = append(fragments, mandatory...)
	fragments = append(fragments, keepPlaybooks...)
	fragments = append(fragments, keepDecisions...)

	return &models.ContextBundle{
		Fragments: fragments,
		Question:  in.Question,
		Dropped:   dropped,
	}, nil
}

func (a *Assembler) fragment(kind models.FragmentKind, src TitledBody) models.Fragment {
	return models.Fragment{
		Kind:  kind,
		Title: src.Title,
		Body:  truncateAtParagraph(src.Body, a.cfg.MaxFragmentBytes),
	}
}

func fragmentsSize(fs []models.Fragment) int {
	n := 0
	for _, f := range fs {
		n += len(f.Title) + len(f.Body)
	}
	return n
}

// truncateAtParagraph cuts body to at most max bytes, ending at the
// last complete paragraph that fits. When not even the first paragraph
// fits, the body is hard-cut at max.
func truncateAtParagraph(body string, max int) string {
	if len(body) <= max {
		return body
	}
	cut := body[:max]
	if idx := strings.LastIndex(cut, "\n\n"); idx > 0 {
		return cut[:idx]
	}
	return cut
}
