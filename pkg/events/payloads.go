package events

import "github.com/quorumhq/quorum/pkg/models"

// SessionOpenedPayload is emitted once admission succeeds.
type SessionOpenedPayload struct {
	SessionID string `json:"session_id"`
	Remaining int    `json:"remaining"` // quota left before this session
}

// StageStartedPayload opens a stage. Ranking is present only for the
// synth stage, carrying the stage-2 aggregate (nil when ranking was
// unavailable).
type StageStartedPayload struct {
	Stage   models.StageID `json:"stage"`
	Ranking models.Ranking `json:"ranking,omitempty"`
}

// WorkerStartedPayload precedes every token of its worker.
type WorkerStartedPayload struct {
	Stage   models.StageID `json:"stage"`
	Role    string         `json:"role"`
	ModelID string         `json:"model_id"`
}

// WorkerTokenPayload carries one streamed text fragment. Fragments are
// strictly appended to the role's buffered output.
type WorkerTokenPayload struct {
	Stage models.StageID `json:"stage"`
	Role  string         `json:"role"`
	Text  string         `json:"text"`
}

// WorkerFinishedPayload terminates one worker. Emitted exactly once
// per worker, after its last token.
type WorkerFinishedPayload struct {
	Stage  models.StageID      `json:"stage"`
	Role   string              `json:"role"`
	Reason models.FinishReason `json:"reason"`
	Usage  models.Usage        `json:"usage"`
	Fault  *models.Fault       `json:"fault,omitempty"`
}

// RankingAggregatedPayload carries the stage-2 aggregate, including the
// de-anonymised label → model mapping.
type RankingAggregatedPayload struct {
	Ranking models.Ranking `json:"ranking"`
}

// StageFinishedPayload is the last event of a stage.
type StageFinishedPayload struct {
	Stage  models.StageID     `json:"stage"`
	Status models.StageStatus `json:"status"`
	Lost   []string           `json:"lost,omitempty"` // roles lost when degraded
}

// SessionStoppedPayload terminates a cancelled session.
type SessionStoppedPayload struct {
	By    string       `json:"by"` // "user" or "timeout"
	Usage models.Usage `json:"usage"`
}

// SessionCompletedPayload terminates a successful session.
type SessionCompletedPayload struct {
	Usage models.Usage `json:"usage"`
}

// SessionFailedPayload terminates a failed session.
type SessionFailedPayload struct {
	Fault models.Fault `json:"fault"`
}

// HeartbeatPayload keeps long-lived transports from idling. Count is
// monotone within a session.
type HeartbeatPayload struct {
	Count int64 `json:"count"`
}
