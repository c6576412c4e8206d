// Package orchestrator drives one deliberation session end to end:
// admission, context composition, the three council stages, and the
// final persist-and-debit pass. It is the only component that produces
// session-terminating events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quorumhq/quorum/pkg/config"
	"github.com/quorumhq/quorum/pkg/events"
	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/prompt"
	"github.com/quorumhq/quorum/pkg/ranking"
	"github.com/quorumhq/quorum/pkg/registry"
	"github.com/quorumhq/quorum/pkg/stage"
	"github.com/quorumhq/quorum/pkg/telemetry"
)

// persistRetries bounds the retries of a failed persistence write
// before telemetry records a divergence. Retries run inline on the
// session goroutine, not in the background.
const persistRetries = 3

// QuotaGate is the budget/quota collaborator consulted before and
// after a session.
type QuotaGate interface {
	Check(ctx context.Context, userID, companyID string) (models.Admission, error)
	Debit(ctx context.Context, sessionID, userID, companyID string, usage models.Usage) error
}

// Store is the persistence adapter surface the orchestrator writes
// through.
type Store interface {
	CreateSession(ctx context.Context, sess *models.Session, holder string) error
	AppendStageResult(ctx context.Context, sessionID, holder string, st *models.StageState) error
	FinalizeMessage(ctx context.Context, holder string, rec *models.MessageRecord, fault *models.Fault) error
	RecordUsage(ctx context.Context, sessionID, holder, userID, companyID string, usage models.Usage) error
	UpsertConversationTitle(ctx context.Context, conversationID, title string) error
	ReleaseLease(ctx context.Context, sessionID, holder string) error
	ContextSnapshot(ctx context.Context, req models.StartSessionRequest) (prompt.AssembleInput, error)
}

// Handle exposes a started session to the transport layer.
type Handle struct {
	SessionID string
	Stream    *events.Stream
}

type running struct {
	cancel context.CancelFunc

	mu        sync.Mutex
	stoppedBy string // "user" once Stop was called
}

// Orchestrator owns every live session on this process.
type Orchestrator struct {
	cfg       *config.Config
	reg       *registry.Registry
	gate      QuotaGate
	store     Store
	executor  *stage.Executor
	assembler *prompt.Assembler
	hub       *events.Hub

	// holder identifies this orchestrator instance on session leases.
	holder string

	mu     sync.Mutex
	active map[string]*running
}

// New creates an Orchestrator.
func New(cfg *config.Config, reg *registry.Registry, gate QuotaGate, st Store, executor *stage.Executor, hub *events.Hub) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		reg:       reg,
		gate:      gate,
		store:     st,
		executor:  executor,
		assembler: prompt.NewAssembler(cfg.Context),
		hub:       hub,
		holder:    "orch-" + uuid.New().String(),
		active:    make(map[string]*running),
	}
}

// Start creates the session and returns its handle immediately; the
// deliberation runs in its own goroutine and reports exclusively
// through the handle's event stream. The session is detached from the
// caller's context — a disconnected subscriber can reattach while the
// session keeps running.
func (o *Orchestrator) Start(req models.StartSessionRequest) *Handle {
	sessionID := uuid.New().String()
	stream := events.NewStream(sessionID, o.cfg.Stream.HeartbeatInterval, o.cfg.Stream.BufferSize)
	o.hub.Register(stream)

	sessCtx, cancel := context.WithTimeout(context.Background(), o.cfg.Timeouts.SessionHard)
	run := &running{cancel: cancel}
	o.mu.Lock()
	o.active[sessionID] = run
	o.mu.Unlock()

	go o.run(sessCtx, sessionID, run, req, stream)

	return &Handle{SessionID: sessionID, Stream: stream}
}

// Stop cancels a running session. Returns false when the session is
// not running on this process.
func (o *Orchestrator) Stop(sessionID string) bool {
	o.mu.Lock()
	run, ok := o.active[sessionID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	run.mu.Lock()
	run.stoppedBy = "user"
	run.mu.Unlock()
	run.cancel()
	return true
}

// run is the session state machine: admitting → composing → stage1 →
// stage2 → stage3 → persisting → terminal.
func (o *Orchestrator) run(ctx context.Context, sessionID string, run *running, req models.StartSessionRequest, stream *events.Stream) {
	log := slog.With("session_id", sessionID, "user_id", req.UserID, "company_id", req.CompanyID)
	log.Info("Session starting")

	defer func() {
		o.mu.Lock()
		delete(o.active, sessionID)
		o.mu.Unlock()
		run.cancel()
		o.hub.Retire(sessionID)
	}()

	sess := &models.Session{
		ID:             sessionID,
		UserID:         req.UserID,
		CompanyID:      req.CompanyID,
		ConversationID: req.ConversationID,
		Question:       req.Question,
		AttachmentIDs:  req.AttachmentIDs,
		Outcome:        models.OutcomeRunning,
		CreatedAt:      time.Now(),
	}
	if sess.ConversationID == "" {
		sess.ConversationID = uuid.New().String()
	}

	if err := o.store.CreateSession(ctx, sess, o.holder); err != nil {
		log.Error("Failed to create session row", "error", err)
		fault := models.NewFault(models.CodePersistenceDivergence, "session could not be created")
		stream.Publish(events.KindSessionFailed, events.SessionFailedPayload{Fault: fault})
		telemetry.PersistenceDivergences.Inc()
		return
	}

	// ── admitting ──
	adm, err := o.gate.Check(ctx, req.UserID, req.CompanyID)
	if err != nil {
		log.Error("Admission check failed", "error", err)
		o.finish(sess, run, stream, models.OutcomeFailed,
			ptr(models.NewFault(models.CodeAdmissionDenied, "quota service unavailable: %v", err)), log)
		return
	}
	if !adm.Allowed {
		log.Info("Admission denied", "kind", adm.Kind)
		o.finish(sess, run, stream, models.OutcomeFailed,
			ptr(models.NewFault(models.CodeAdmissionDenied, "%s: %s", adm.Kind, adm.Message)), log)
		return
	}
	stream.Publish(events.KindSessionOpened, events.SessionOpenedPayload{
		SessionID: sessionID,
		Remaining: adm.Remaining,
	})
	telemetry.SessionsStarted.Inc()

	// ── composing ──
	snapshot, err := o.store.ContextSnapshot(ctx, req)
	if err != nil {
		log.Error("Context snapshot failed", "error", err)
		o.finish(sess, run, stream, models.OutcomeFailed,
			ptr(models.NewFault(models.CodeContextTooLarge, "context could not be read: %v", err)), log)
		return
	}
	bundle, err := o.assembler.Assemble(snapshot)
	if err != nil {
		log.Warn("Context assembly failed", "error", err)
		o.finish(sess, run, stream, models.OutcomeFailed,
			ptr(models.NewFault(models.CodeContextTooLarge, "%v", err)), log)
		return
	}
	sess.SystemPrompt = prompt.RenderSystemPrompt(bundle)

	council, err := o.resolveCouncil(req.CompanyID)
	if err != nil {
		log.Error("Council resolution failed", "error", err)
		o.finish(sess, run, stream, models.OutcomeFailed,
			ptr(models.NewFault(models.CodeConfigIncomplete, "%v", err)), log)
		return
	}

	// ── stage 1: draft ──
	draft := &models.StageState{ID: models.StageDraft}
	sess.Stages[0] = draft
	stream.Publish(events.KindStageStarted, events.StageStartedPayload{Stage: models.StageDraft})

	status := o.executor.Execute(ctx, draft, o.draftWorkers(sess, req, council.stage1), stage.AllOrDegraded(o.cfg.Stages.MinWorkers), stream, nil)
	sess.AddUsage(draft.StageUsage())
	o.persistStage(sess, draft, log)

	switch status {
	case models.StageCancelled:
		o.finish(sess, run, stream, models.OutcomeStopped, nil, log)
		return
	case models.StageFailed:
		o.finish(sess, run, stream, models.OutcomeFailed,
			ptr(models.NewFault(models.CodeStageFailed, "draft stage failed")), log)
		return
	}

	// ── stage 2: rank ──
	participants, drafts := anonymise(draft)
	rank := &models.StageState{ID: models.StageRank}
	sess.Stages[1] = rank
	stream.Publish(events.KindStageStarted, events.StageStartedPayload{Stage: models.StageRank})

	var aggregate models.Ranking
	status = o.executor.Execute(ctx, rank, o.rankWorkers(sess, req, council.stage2, drafts), stage.AllOrDegraded(o.cfg.Stages.MinWorkers), stream, func(st *models.StageState) {
		aggregate = ranking.Aggregate(doneOutputs(st), participants)
		stream.Publish(events.KindRankingAggregated, events.RankingAggregatedPayload{Ranking: aggregate})
	})
	sess.AddUsage(rank.StageUsage())
	o.persistStage(sess, rank, log)

	switch status {
	case models.StageCancelled:
		o.finish(sess, run, stream, models.OutcomeStopped, nil, log)
		return
	case models.StageFailed:
		// Ranking is advisory: proceed to synthesis without it.
		log.Warn("Rank stage failed, proceeding without ranking")
		aggregate = nil
	}

	// ── stage 3: synth ──
	synth := &models.StageState{ID: models.StageSynth}
	sess.Stages[2] = synth
	stream.Publish(events.KindStageStarted, events.StageStartedPayload{Stage: models.StageSynth, Ranking: aggregate})

	status = o.executor.Execute(ctx, synth, o.synthWorkers(sess, req, council.stage3, drafts, aggregate), stage.Single(), stream, nil)
	sess.AddUsage(synth.StageUsage())
	o.persistStage(sess, synth, log)

	switch status {
	case models.StageCancelled:
		o.finish(sess, run, stream, models.OutcomeStopped, nil, log)
	case models.StageComplete:
		o.finishWithRanking(sess, run, stream, models.OutcomeComplete, nil, aggregate, log)
	default:
		o.finishWithRanking(sess, run, stream, models.OutcomeFailed,
			ptr(models.NewFault(models.CodeStageFailed, "synthesis stage failed")), aggregate, log)
	}
}

// councilSet is the resolved model set for one session.
type councilSet struct {
	stage1, stage2, stage3 []models.ModelChoice
}

func (o *Orchestrator) resolveCouncil(companyID string) (councilSet, error) {
	var c councilSet
	var err error
	if c.stage1, err = o.reg.Resolve(companyID, models.PurposeStage1); err != nil {
		return c, err
	}
	if c.stage2, err = o.reg.Resolve(companyID, models.PurposeStage2); err != nil {
		return c, err
	}
	if c.stage3, err = o.reg.Resolve(companyID, models.PurposeStage3); err != nil {
		return c, err
	}
	return c, nil
}

func (o *Orchestrator) draftWorkers(sess *models.Session, req models.StartSessionRequest, choices []models.ModelChoice) []stage.WorkerSpec {
	specs := make([]stage.WorkerSpec, len(choices))
	for i, choice := range choices {
		specs[i] = stage.WorkerSpec{
			Role:         fmt.Sprintf("stage1-worker-%d", i),
			Choice:       choice,
			Purpose:      models.PurposeStage1,
			CompanyID:    sess.CompanyID,
			SystemPrompt: sess.SystemPrompt,
			UserPrompt:   prompt.DraftPrompt(sess.Question),
			BYOKKey:      req.GatewayKey,
		}
	}
	return specs
}

func (o *Orchestrator) rankWorkers(sess *models.Session, req models.StartSessionRequest, choices []models.ModelChoice, drafts []prompt.AnonymousDraft) []stage.WorkerSpec {
	specs := make([]stage.WorkerSpec, len(choices))
	for i, choice := range choices {
		specs[i] = stage.WorkerSpec{
			Role:         fmt.Sprintf("ranker-%d", i),
			Choice:       choice,
			Purpose:      models.PurposeStage2,
			CompanyID:    sess.CompanyID,
			SystemPrompt: sess.SystemPrompt,
			UserPrompt:   prompt.RankPrompt(sess.Question, drafts),
			BYOKKey:      req.GatewayKey,
		}
	}
	return specs
}

func (o *Orchestrator) synthWorkers(sess *models.Session, req models.StartSessionRequest, choices []models.ModelChoice, drafts []prompt.AnonymousDraft, aggregate models.Ranking) []stage.WorkerSpec {
	return []stage.WorkerSpec{{
		Role:         "chairman",
		Choice:       choices[0],
		Purpose:      models.PurposeStage3,
		CompanyID:    sess.CompanyID,
		SystemPrompt: sess.SystemPrompt,
		UserPrompt:   prompt.SynthPrompt(sess.Question, drafts, aggregate),
		BYOKKey:      req.GatewayKey,
	}}
}

// anonymise assigns stable labels to the draft stage's successful
// workers. The label → model mapping stays inside the orchestrator
// until the ranking.aggregated event reveals it.
func anonymise(draft *models.StageState) ([]ranking.Participant, []prompt.AnonymousDraft) {
	var participants []ranking.Participant
	var drafts []prompt.AnonymousDraft
	labels := prompt.Labels(len(draft.Workers))
	idx := 0
	for _, w := range draft.Workers {
		if w.Phase != models.WorkerDone || idx >= len(labels) {
			continue
		}
		participants = append(participants, ranking.Participant{Label: labels[idx], ModelID: w.ModelID})
		drafts = append(drafts, prompt.AnonymousDraft{Label: labels[idx], Text: w.Output})
		idx++
	}
	return participants, drafts
}

// doneOutputs collects the text of workers that finished done.
func doneOutputs(st *models.StageState) []string {
	var outputs []string
	for _, w := range st.Workers {
		if w.Phase == models.WorkerDone {
			outputs = append(outputs, w.Output)
		}
	}
	return outputs
}

// persistStage appends one stage's result, retrying inline on failure
// before the session proceeds. Persistence failures never change the
// session's course.
func (o *Orchestrator) persistStage(sess *models.Session, st *models.StageState, log *slog.Logger) {
	o.retryPersist(log, "stage result", func(ctx context.Context) error {
		return o.store.AppendStageResult(ctx, sess.ID, o.holder, st)
	})
}

func (o *Orchestrator) finish(sess *models.Session, run *running, stream *events.Stream, outcome models.SessionOutcome, fault *models.Fault, log *slog.Logger) {
	o.finishWithRanking(sess, run, stream, outcome, fault, nil, log)
}

// finishWithRanking is the persisting state: it writes the message
// record and usage, publishes the terminal event, and debits quota for
// sessions that consumed tokens (complete or stopped).
func (o *Orchestrator) finishWithRanking(sess *models.Session, run *running, stream *events.Stream, outcome models.SessionOutcome, fault *models.Fault, aggregate models.Ranking, log *slog.Logger) {
	sess.Outcome = outcome
	now := time.Now()
	sess.CompletedAt = &now

	rec := o.buildRecord(sess, aggregate)
	o.retryPersist(log, "message record", func(ctx context.Context) error {
		return o.store.FinalizeMessage(ctx, o.holder, rec, fault)
	})
	o.retryPersist(log, "usage record", func(ctx context.Context) error {
		return o.store.RecordUsage(ctx, sess.ID, o.holder, sess.UserID, sess.CompanyID, sess.Usage)
	})
	if title := questionTitle(sess.Question); title != "" {
		o.retryPersist(log, "conversation title", func(ctx context.Context) error {
			return o.store.UpsertConversationTitle(ctx, sess.ConversationID, title)
		})
	}

	// Terminal event. Emitted after the persisting state so readers of
	// the terminal event can immediately fetch the record.
	switch outcome {
	case models.OutcomeComplete:
		stream.Publish(events.KindSessionCompleted, events.SessionCompletedPayload{Usage: sess.Usage})
	case models.OutcomeStopped:
		stream.Publish(events.KindSessionStopped, events.SessionStoppedPayload{By: o.stopCause(run), Usage: sess.Usage})
	default:
		f := models.NewFault(models.CodeStageFailed, "session failed")
		if fault != nil {
			f = *fault
		}
		stream.Publish(events.KindSessionFailed, events.SessionFailedPayload{Fault: f})
	}
	telemetry.SessionsFinished.WithLabelValues(string(outcome)).Inc()

	// Tokens are consumed by completed and stopped sessions either way;
	// failed and denied sessions are never charged.
	if outcome == models.OutcomeComplete || outcome == models.OutcomeStopped {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.gate.Debit(ctx, sess.ID, sess.UserID, sess.CompanyID, sess.Usage); err != nil {
			log.Error("Quota debit failed", "error", err)
			telemetry.DebitFailures.Inc()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.store.ReleaseLease(ctx, sess.ID, o.holder); err != nil {
		log.Warn("Failed to release session lease", "error", err)
	}
	log.Info("Session finished", "outcome", outcome)
}

// buildRecord assembles the persisted message from whatever the
// session produced — partial outputs of stopped sessions included. A
// missing ranking is stored as empty, not omitted.
func (o *Orchestrator) buildRecord(sess *models.Session, aggregate models.Ranking) *models.MessageRecord {
	rec := &models.MessageRecord{
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID,
		Question:       sess.Question,
		DraftOutputs:   []models.StageOutput{},
		RankOutputs:    []models.StageOutput{},
		Ranking:        models.Ranking{},
		Usage:          sess.Usage,
		Outcome:        sess.Outcome,
		CreatedAt:      time.Now(),
	}
	if aggregate != nil {
		rec.Ranking = aggregate
	}
	if draft := sess.Stage(models.StageDraft); draft != nil {
		rec.DraftOutputs = stageOutputs(draft)
	}
	if rank := sess.Stage(models.StageRank); rank != nil {
		rec.RankOutputs = stageOutputs(rank)
	}
	if synth := sess.Stage(models.StageSynth); synth != nil && len(synth.Workers) > 0 &&
		synth.Workers[0].Phase == models.WorkerDone {
		rec.Synthesis = synth.Workers[0].Output
	}
	return rec
}

func stageOutputs(st *models.StageState) []models.StageOutput {
	outputs := make([]models.StageOutput, len(st.Workers))
	for i, w := range st.Workers {
		outputs[i] = models.StageOutput{
			Role:    w.Role,
			ModelID: w.ModelID,
			Text:    w.Output,
			Finish:  w.Finish,
			Usage:   w.Usage,
		}
	}
	return outputs
}

// retryPersist writes with bounded retries; exhaustion is a
// persistence divergence, recorded for telemetry only.
func (o *Orchestrator) retryPersist(log *slog.Logger, what string, write func(ctx context.Context) error) {
	var lastErr error
	for attempt := 0; attempt <= persistRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		lastErr = write(ctx)
		cancel()
		if lastErr == nil {
			return
		}
		if errors.Is(lastErr, context.Canceled) {
			break
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	log.Error("Persistence write failed after retries", "what", what, "error", lastErr)
	telemetry.PersistenceDivergences.Inc()
}

// stopCause distinguishes a user stop from the session hard timeout.
func (o *Orchestrator) stopCause(run *running) string {
	run.mu.Lock()
	defer run.mu.Unlock()
	if run.stoppedBy != "" {
		return run.stoppedBy
	}
	return "timeout"
}

// questionTitle derives a conversation title from the question's first
// line.
func questionTitle(question string) string {
	title := strings.TrimSpace(question)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = strings.TrimSpace(title[:idx])
	}
	const maxTitle = 120
	if len(title) > maxTitle {
		title = title[:maxTitle]
	}
	return title
}

func ptr(f models.Fault) *models.Fault { return &f }
