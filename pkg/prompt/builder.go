package prompt

import (
	"fmt"
	"strings"

	"github.com/quorumhq/quorum/pkg/models"
)

// Section headers used when rendering the system prompt. Kept stable:
// the rendered prompt is part of the reproducibility contract.
var kindHeaders = map[models.FragmentKind]string{
	models.FragmentCompany:    "Company",
	models.FragmentDepartment: "Department",
	models.FragmentRole:       "Role",
	models.FragmentProject:    "Project",
	models.FragmentPlaybook:   "Playbook",
	models.FragmentDecision:   "Prior decision",
}

// RenderSystemPrompt renders a bundle into the system prompt shared by
// every worker of the session.
func RenderSystemPrompt(bundle *models.ContextBundle) string {
	var b strings.Builder
	b.WriteString("You are one advisor on a council answering a business question.\n")
	for _, f := range bundle.Fragments {
		fmt.Fprintf(&b, "\n## %s: %s\n\n%s\n", kindHeaders[f.Kind], f.Title, f.Body)
	}
	return b.String()
}

// DraftPrompt is the stage-1 user prompt: answer independently.
func DraftPrompt(question string) string {
	var b strings.Builder
	b.WriteString("Answer the following question with your best independent recommendation. ")
	b.WriteString("Be concrete and justify your reasoning.\n\n")
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}

// AnonymousDraft is one stage-1 output behind its anonymous label.
type AnonymousDraft struct {
	Label string
	Text  string
}

// RankPrompt is the stage-2 user prompt: rank the anonymised drafts.
// Rankers never see which model produced which draft.
func RankPrompt(question string, drafts []AnonymousDraft) string {
	var b strings.Builder
	b.WriteString("Several advisors independently answered the question below. ")
	b.WriteString("Evaluate the answers and rank them from best to worst.\n\n")
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n")
	for _, d := range drafts {
		fmt.Fprintf(&b, "\n### Answer %s\n\n%s\n", d.Label, d.Text)
	}
	b.WriteString("\nReply with your ranking as a comma-separated list of labels, best first, e.g. \"")
	for i, d := range drafts {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Label)
	}
	b.WriteString("\". Explain briefly after the list.")
	return b.String()
}

// SynthPrompt is the stage-3 user prompt: the chairman synthesises one
// authoritative reply from the drafts, guided by the aggregate ranking
// when one is available.
func SynthPrompt(question string, drafts []AnonymousDraft, ranking models.Ranking) string {
	var b strings.Builder
	b.WriteString("You chair a council of advisors. Synthesise their answers into one ")
	b.WriteString("authoritative recommendation for the question below. Resolve ")
	b.WriteString("disagreements explicitly rather than averaging them away.\n\n")
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n")
	for _, d := range drafts {
		fmt.Fprintf(&b, "\n### Answer %s\n\n%s\n", d.Label, d.Text)
	}
	if len(ranking) > 0 {
		b.WriteString("\nThe council's own peer ranking, best first: ")
		for i, rc := range ranking {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(rc.Label)
		}
		b.WriteString(". Treat it as advisory.\n")
	}
	return b.String()
}
