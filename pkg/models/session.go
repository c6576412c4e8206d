// Package models holds the domain types shared across the deliberation
// engine: sessions, stages, workers, rankings, and the persisted message
// record. Types here carry no behaviour beyond small accessors; all
// mutation happens inside the owning orchestrator.
package models

import "time"

// SessionOutcome is the terminal (or running) state of a session.
type SessionOutcome string

// Session outcome values.
const (
	OutcomeRunning  SessionOutcome = "running"
	OutcomeComplete SessionOutcome = "complete"
	OutcomeStopped  SessionOutcome = "stopped"
	OutcomeFailed   SessionOutcome = "failed"
)

// Session is one deliberation run. It is created by the orchestrator,
// mutated only by its owning orchestrator instance, and frozen once
// Outcome leaves OutcomeRunning.
type Session struct {
	ID             string
	UserID         string
	CompanyID      string
	ConversationID string

	Question      string
	AttachmentIDs []string
	SystemPrompt  string

	Stages  [3]*StageState
	Usage   Usage
	Outcome SessionOutcome

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Stage returns the stage state for the given id, or nil if the stage
// has not been initialised yet.
func (s *Session) Stage(id StageID) *StageState {
	for _, st := range s.Stages {
		if st != nil && st.ID == id {
			return st
		}
	}
	return nil
}

// AddUsage accumulates a worker's usage into the session total.
func (s *Session) AddUsage(u Usage) {
	s.Usage.InputTokens += u.InputTokens
	s.Usage.OutputTokens += u.OutputTokens
	s.Usage.CostCents += u.CostCents
}

// Usage is the token and cost accounting record for one LLM call, one
// stage, or a whole session.
type Usage struct {
	InputTokens  int   `json:"input_tokens"`
	OutputTokens int   `json:"output_tokens"`
	CostCents    int64 `json:"cost_cents"`
}

// Add returns the element-wise sum of two usage records.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		CostCents:    u.CostCents + o.CostCents,
	}
}

// StartSessionRequest carries the caller's input into Orchestrator.Start.
type StartSessionRequest struct {
	UserID         string   `json:"user_id"`
	CompanyID      string   `json:"company_id"`
	ConversationID string   `json:"conversation_id,omitempty"`
	Question       string   `json:"question"`
	AttachmentIDs  []string `json:"attachment_ids,omitempty"`

	// Context selectors — resolved against the store at composing time.
	DepartmentIDs []string `json:"department_ids,omitempty"`
	RoleIDs       []string `json:"role_ids,omitempty"`
	ProjectID     string   `json:"project_id,omitempty"`
	PlaybookIDs   []string `json:"playbook_ids,omitempty"`

	// GatewayKey is the caller's own key (BYOK). When present and active
	// it overrides the platform key for every call in the session.
	GatewayKey string `json:"-"`
}
