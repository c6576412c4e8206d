package models

// StageID identifies one of the three ordered deliberation stages.
type StageID string

// The three stages, in execution order.
const (
	StageDraft StageID = "draft"
	StageRank  StageID = "rank"
	StageSynth StageID = "synth"
)

// StageStatus is the entry-level status of one stage.
type StageStatus string

// Stage status values. A stage advances not_started → in_progress →
// one of the terminal values; stage k+1 starts only after stage k is
// complete or degraded.
const (
	StageNotStarted StageStatus = "not_started"
	StageInProgress StageStatus = "in_progress"
	StageComplete   StageStatus = "complete"
	StageDegraded   StageStatus = "degraded"
	StageFailed     StageStatus = "failed"
	StageCancelled  StageStatus = "cancelled"
)

// Terminal reports whether the status is one a stage cannot leave.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageComplete, StageDegraded, StageFailed, StageCancelled:
		return true
	}
	return false
}

// WorkerPhase is the lifecycle phase of one worker.
type WorkerPhase string

// Worker phase values.
const (
	WorkerPending   WorkerPhase = "pending"
	WorkerStreaming WorkerPhase = "streaming"
	WorkerDone      WorkerPhase = "done"
	WorkerErrored   WorkerPhase = "error"
	WorkerCancelled WorkerPhase = "cancelled"
)

// FinishReason records how a worker's LLM call ended. Set exactly once.
type FinishReason string

// Finish reason values.
const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
	FinishCancelled FinishReason = "cancelled"
)

// WorkerState is the record for one (stage, role) pair. Output is
// strictly append-only; FinishReason is written exactly once.
type WorkerState struct {
	Role    string
	ModelID string
	Prompt  string

	Output string
	Phase  WorkerPhase
	Finish FinishReason
	Usage  Usage
	Fault  *Fault
}

// StageState is one entry of the session's ordered stage tuple.
type StageState struct {
	ID      StageID
	Status  StageStatus
	Workers []*WorkerState

	// Lost lists the roles that finished in error or cancelled when the
	// stage ended degraded.
	Lost []string
}

// Worker returns the worker state for a role, or nil.
func (s *StageState) Worker(role string) *WorkerState {
	for _, w := range s.Workers {
		if w.Role == role {
			return w
		}
	}
	return nil
}

// StageUsage sums the usage of every worker in the stage.
func (s *StageState) StageUsage() Usage {
	var total Usage
	for _, w := range s.Workers {
		total = total.Add(w.Usage)
	}
	return total
}

// WorkerOutcome is the tagged result of one worker execution. Exactly
// one of the three variants is produced per worker.
type WorkerOutcome interface{ workerOutcome() }

// OutcomeDone is a worker that finished its stream normally.
type OutcomeDone struct {
	Text   string
	Reason FinishReason // FinishStop or FinishLength
	Usage  Usage
}

// OutcomeError is a worker that failed after retries and fallback.
type OutcomeError struct {
	Cause Fault
	Usage Usage // tokens consumed before the failure
}

// OutcomeCancelled is a worker terminated by session cancellation.
type OutcomeCancelled struct {
	Usage Usage
}

func (OutcomeDone) workerOutcome()      {}
func (OutcomeError) workerOutcome()     {}
func (OutcomeCancelled) workerOutcome() {}
