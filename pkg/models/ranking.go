package models

// RankedChoice is one entry of the aggregate ranking produced after
// stage 2. Label is the anonymous label shown to rankers; ModelID is
// the de-anonymised stage-1 participant it refers to.
type RankedChoice struct {
	Label         string  `json:"label"`
	ModelID       string  `json:"model_id"`
	AverageRank   float64 `json:"average_rank"`
	RankingsCount int     `json:"rankings_count"`
}

// Ranking is the aggregate order, best first. Empty when no ranker
// produced a parseable list.
type Ranking []RankedChoice
