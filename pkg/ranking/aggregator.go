// Package ranking parses the rankers' stage-2 outputs and computes the
// aggregate order of stage-1 participants.
package ranking

import (
	"regexp"
	"sort"

	"github.com/quorumhq/quorum/pkg/models"
)

// Participant is one stage-1 worker behind its anonymous label, in
// stage-1 appearance order. That order breaks aggregate ties.
type Participant struct {
	Label   string
	ModelID string
}

// listPattern matches the first ordered list of labels in a ranker's
// output: two or more single-letter labels joined by commas, arrows, or
// "then". Word boundaries keep letters inside prose words from
// matching.
var listPattern = regexp.MustCompile(`\b[A-J]\b(?:\s*(?:,|>|->|→|then)\s*\b[A-J]\b)+`)

var labelPattern = regexp.MustCompile(`[A-J]`)

// Parse extracts one ranker's ordered label list from its full text
// output. Labels outside valid and duplicates are skipped. Returns nil
// when fewer than two valid labels survive — such a ranker contributes
// nothing to the aggregate.
func Parse(text string, valid []string) []string {
	match := listPattern.FindString(text)
	if match == "" {
		return nil
	}

	validSet := make(map[string]bool, len(valid))
	for _, l := range valid {
		validSet[l] = true
	}

	seen := make(map[string]bool)
	var ordered []string
	for _, label := range labelPattern.FindAllString(match, -1) {
		if !validSet[label] || seen[label] {
			continue
		}
		seen[label] = true
		ordered = append(ordered, label)
	}

	if len(ordered) < 2 {
		return nil
	}
	return ordered
}

// Aggregate computes the aggregate ranking from each ranker's full text
// output. A label's score is the mean of its 1-based positions across
// contributing rankers, with missing labels penalised at N+1 (N being
// the number of participants). The result sorts ascending by score,
// ties broken by stage-1 appearance order. Empty when no ranker
// contributed.
func Aggregate(rankerOutputs []string, participants []Participant) models.Ranking {
	valid := make([]string, len(participants))
	for i, p := range participants {
		valid[i] = p.Label
	}

	var contributions [][]string
	for _, text := range rankerOutputs {
		if ordered := Parse(text, valid); ordered != nil {
			contributions = append(contributions, ordered)
		}
	}
	if len(contributions) == 0 {
		return models.Ranking{}
	}

	n := len(participants)
	scores := make(map[string]float64, n)
	counts := make(map[string]int, n)
	for _, ordered := range contributions {
		position := make(map[string]int, len(ordered))
		for i, label := range ordered {
			position[label] = i + 1
		}
		for _, p := range participants {
			if pos, ok := position[p.Label]; ok {
				scores[p.Label] += float64(pos)
				counts[p.Label]++
			} else {
				scores[p.Label] += float64(n + 1)
			}
		}
	}

	result := make(models.Ranking, 0, n)
	order := make(map[string]int, n)
	for i, p := range participants {
		order[p.Label] = i
		result = append(result, models.RankedChoice{
			Label:         p.Label,
			ModelID:       p.ModelID,
			AverageRank:   scores[p.Label] / float64(len(contributions)),
			RankingsCount: counts[p.Label],
		})
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].AverageRank != result[j].AverageRank {
			return result[i].AverageRank < result[j].AverageRank
		}
		return order[result[i].Label] < order[result[j].Label]
	})
	return result
}
