package models

import "time"

// StageOutput is one worker's contribution as persisted in the message
// record.
type StageOutput struct {
	Role    string       `json:"role"`
	ModelID string       `json:"model_id"`
	Text    string       `json:"text"`
	Finish  FinishReason `json:"finish"`
	Usage   Usage        `json:"usage"`
}

// MessageRecord is the persisted artefact of a terminated session.
// Written exactly once, at session termination; partial outputs of a
// stopped session are included.
type MessageRecord struct {
	SessionID      string         `json:"session_id"`
	ConversationID string         `json:"conversation_id"`
	Question       string         `json:"question"`
	DraftOutputs   []StageOutput  `json:"draft_outputs"`
	RankOutputs    []StageOutput  `json:"rank_outputs"`
	Synthesis      string         `json:"synthesis"`
	Ranking        Ranking        `json:"ranking"`
	Usage          Usage          `json:"usage"`
	Outcome        SessionOutcome `json:"outcome"`
	CreatedAt      time.Time      `json:"created_at"`
}
