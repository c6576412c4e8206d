// Package stage runs one deliberation stage: it fans the stage's
// workers out as concurrent gateway calls, merges their token streams
// into the session's ordered event stream, and aggregates the stage
// status under the configured completion policy.
package stage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quorumhq/quorum/pkg/config"
	"github.com/quorumhq/quorum/pkg/events"
	"github.com/quorumhq/quorum/pkg/gateway"
	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/queue"
	"github.com/quorumhq/quorum/pkg/telemetry"
)

// WorkerSpec describes one (role, prompt) pair to run.
type WorkerSpec struct {
	Role      string
	Choice    models.ModelChoice
	Purpose   models.Purpose
	CompanyID string

	SystemPrompt string
	UserPrompt   string
	BYOKKey      string
}

// Executor runs stages. One Executor is shared by every session; all
// per-stage state lives in the arguments.
type Executor struct {
	gw       gateway.Client
	slots    *queue.SlotPool
	timeouts *config.TimeoutConfig
}

// NewExecutor creates a stage executor.
func NewExecutor(gw gateway.Client, slots *queue.SlotPool, timeouts *config.TimeoutConfig) *Executor {
	return &Executor{gw: gw, slots: slots, timeouts: timeouts}
}

type eventKind int

const (
	evStarted eventKind = iota
	evToken
	evFinished
)

type workerEvent struct {
	idx     int
	kind    eventKind
	token   string
	modelID string
	outcome models.WorkerOutcome
}

// Execute runs the stage to completion, publishing its events into the
// session stream and recording worker results into st. Worker slots
// for the whole stage are acquired up front (FIFO across sessions), so
// a started stage never blocks on the pool.
//
// finishHook, when non-nil, runs after every worker has terminated and
// before the stage.finished event, but only for stages that ended
// complete or degraded. The orchestrator uses it to aggregate and
// publish the stage-2 ranking in order.
func (e *Executor) Execute(ctx context.Context, st *models.StageState, workers []WorkerSpec, policy Policy, stream *events.Stream, finishHook func(*models.StageState)) models.StageStatus {
	log := slog.With("session_id", stream.SessionID(), "stage", st.ID, "workers", len(workers))

	st.Status = models.StageInProgress
	st.Workers = make([]*models.WorkerState, len(workers))
	for i, spec := range workers {
		st.Workers[i] = &models.WorkerState{
			Role:    spec.Role,
			ModelID: spec.Choice.ModelID,
			Prompt:  spec.UserPrompt,
			Phase:   models.WorkerPending,
		}
	}

	// FIFO admission at the stage boundary.
	if err := e.slots.Acquire(ctx, len(workers)); err != nil {
		log.Info("Stage cancelled while queued for worker slots")
		return e.cancelAll(st, stream)
	}

	stageCtx, cancelStage := context.WithTimeout(ctx, e.timeouts.StageHard)
	defer cancelStage()

	ch := make(chan workerEvent, 4*len(workers))
	var wg sync.WaitGroup
	for i, spec := range workers {
		wg.Add(1)
		go func(idx int, spec WorkerSpec) {
			defer wg.Done()
			defer e.slots.Release(1)
			e.runWorker(stageCtx, idx, spec, ch)
		}(i, spec)
	}
	go func() {
		wg.Wait()
		close(ch)
	}()

	timedOut, cancelled := e.collect(ctx, stageCtx, st, stream, ch)
	if !cancelled && ctx.Err() != nil {
		// Workers can report their cancelled outcomes before the
		// collector observes the dead context; the stage is still a
		// cancellation, not a failure.
		cancelled = true
	}

	done := 0
	var lost []string
	for _, w := range st.Workers {
		if w.Phase == models.WorkerDone {
			done++
		} else {
			lost = append(lost, w.Role)
		}
		telemetry.WorkersFinished.WithLabelValues(string(st.ID), string(w.Finish)).Inc()
	}

	var status models.StageStatus
	if cancelled {
		status = models.StageCancelled
	} else {
		status = policy.status(done, len(workers), timedOut)
	}
	st.Status = status
	if status == models.StageDegraded {
		st.Lost = lost
	}

	if finishHook != nil && (status == models.StageComplete || status == models.StageDegraded) {
		finishHook(st)
	}

	stream.Publish(events.KindStageFinished, events.StageFinishedPayload{
		Stage:  st.ID,
		Status: status,
		Lost:   st.Lost,
	})
	log.Info("Stage finished", "status", status, "done", done, "lost", len(lost))
	return status
}

// runWorker executes one gateway call and forwards its lifecycle into
// the collector channel. The started event always precedes the first
// token; the finished event is sent exactly once.
func (e *Executor) runWorker(stageCtx context.Context, idx int, spec WorkerSpec, ch chan<- workerEvent) {
	workerCtx, cancel := context.WithTimeout(stageCtx, e.timeouts.WorkerHard)
	defer cancel()

	ch <- workerEvent{idx: idx, kind: evStarted, modelID: spec.Choice.ModelID}

	res := e.gw.Call(workerCtx, gateway.Call{
		Choice:       spec.Choice,
		Purpose:      spec.Purpose,
		CompanyID:    spec.CompanyID,
		SystemPrompt: spec.SystemPrompt,
		UserPrompt:   spec.UserPrompt,
		BYOKKey:      spec.BYOKKey,
	})

	var text string
	for tok := range res.Tokens {
		text += tok
		ch <- workerEvent{idx: idx, kind: evToken, token: tok}
	}
	usage := <-res.Usage
	out := <-res.Err

	var outcome models.WorkerOutcome
	switch out.Kind {
	case gateway.KindOK:
		outcome = models.OutcomeDone{Text: text, Reason: out.Finish, Usage: usage}
	case gateway.KindCancelled:
		outcome = models.OutcomeCancelled{Usage: usage}
	default:
		outcome = models.OutcomeError{
			Cause: models.Fault{Code: out.Kind.FaultCode(), Message: out.Message},
			Usage: usage,
		}
	}
	ch <- workerEvent{idx: idx, kind: evFinished, modelID: out.ModelID, outcome: outcome}
}

// collect serialises worker events into the stream and state. Returns
// once every worker has a terminal outcome, fabricating finishes for
// stragglers when the grace window after cancellation (or the stage
// deadline) expires: cancelled after a stop, errored after a timeout.
func (e *Executor) collect(ctx, stageCtx context.Context, st *models.StageState, stream *events.Stream, ch <-chan workerEvent) (timedOut, cancelled bool) {
	remaining := len(st.Workers)
	stageDone := stageCtx.Done()
	var graceC <-chan time.Time

	for remaining > 0 {
		select {
		case ev, ok := <-ch:
			if !ok {
				// All workers exited without a finish record; nothing
				// more will arrive.
				remaining = 0
				break
			}
			if e.apply(st, stream, ev) {
				remaining--
			}

		case <-stageDone:
			stageDone = nil
			timedOut = ctx.Err() == nil // deadline, not a session stop
			cancelled = ctx.Err() != nil
			timer := time.NewTimer(e.timeouts.StopGrace)
			defer timer.Stop()
			graceC = timer.C

		case <-graceC:
			// Grace expired: fabricate terminal records for stragglers
			// and stop consuming; a drainer keeps workers unblocked.
			e.fabricate(st, stream, timedOut)
			go func() {
				for range ch {
				}
			}()
			return timedOut, cancelled
		}
	}
	return timedOut, cancelled
}

// apply folds one worker event into state and stream. Returns true for
// a finish event.
func (e *Executor) apply(st *models.StageState, stream *events.Stream, ev workerEvent) bool {
	w := st.Workers[ev.idx]
	if w.Phase == models.WorkerDone || w.Phase == models.WorkerErrored || w.Phase == models.WorkerCancelled {
		// Already terminal (fabricated); drop late events.
		return false
	}

	switch ev.kind {
	case evStarted:
		w.Phase = models.WorkerStreaming
		stream.Publish(events.KindWorkerStarted, events.WorkerStartedPayload{
			Stage: st.ID, Role: w.Role, ModelID: w.ModelID,
		})
		return false

	case evToken:
		w.Output += ev.token
		stream.Publish(events.KindWorkerToken, events.WorkerTokenPayload{
			Stage: st.ID, Role: w.Role, Text: ev.token,
		})
		return false

	case evFinished:
		if ev.modelID != "" {
			w.ModelID = ev.modelID // a fallback model may have answered
		}
		switch out := ev.outcome.(type) {
		case models.OutcomeDone:
			w.Phase = models.WorkerDone
			w.Finish = out.Reason
			w.Usage = out.Usage
		case models.OutcomeError:
			w.Phase = models.WorkerErrored
			w.Finish = models.FinishError
			w.Usage = out.Usage
			cause := out.Cause
			w.Fault = &cause
		case models.OutcomeCancelled:
			w.Phase = models.WorkerCancelled
			w.Finish = models.FinishCancelled
			w.Usage = out.Usage
		}
		stream.Publish(events.KindWorkerFinished, events.WorkerFinishedPayload{
			Stage: st.ID, Role: w.Role, Reason: w.Finish, Usage: w.Usage, Fault: w.Fault,
		})
		return true
	}
	return false
}

// fabricate writes terminal records for workers that have none. After a
// stage timeout the fabricated finish is an error (the policy may still
// degrade); after a session stop it is cancelled.
func (e *Executor) fabricate(st *models.StageState, stream *events.Stream, timedOut bool) {
	for _, w := range st.Workers {
		switch w.Phase {
		case models.WorkerDone, models.WorkerErrored, models.WorkerCancelled:
			continue
		}
		if timedOut {
			w.Phase = models.WorkerErrored
			w.Finish = models.FinishError
			w.Fault = &models.Fault{Code: models.CodeTimeout, Message: "stage deadline exceeded"}
		} else {
			w.Phase = models.WorkerCancelled
			w.Finish = models.FinishCancelled
		}
		stream.Publish(events.KindWorkerFinished, events.WorkerFinishedPayload{
			Stage: st.ID, Role: w.Role, Reason: w.Finish, Usage: w.Usage, Fault: w.Fault,
		})
	}
}

// cancelAll handles cancellation before any worker launched.
func (e *Executor) cancelAll(st *models.StageState, stream *events.Stream) models.StageStatus {
	for _, w := range st.Workers {
		w.Phase = models.WorkerCancelled
		w.Finish = models.FinishCancelled
		stream.Publish(events.KindWorkerFinished, events.WorkerFinishedPayload{
			Stage: st.ID, Role: w.Role, Reason: w.Finish,
		})
	}
	st.Status = models.StageCancelled
	stream.Publish(events.KindStageFinished, events.StageFinishedPayload{
		Stage: st.ID, Status: models.StageCancelled,
	})
	return models.StageCancelled
}
