package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quorumhq/quorum/pkg/config"
	"github.com/quorumhq/quorum/pkg/events"
	"github.com/quorumhq/quorum/pkg/gateway"
	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/prompt"
	"github.com/quorumhq/quorum/pkg/queue"
	"github.com/quorumhq/quorum/pkg/registry"
	"github.com/quorumhq/quorum/pkg/stage"
)

// ── fakes ──

type script struct {
	tokens  []string
	outcome gateway.Outcome
	usage   models.Usage
	stall   bool // after tokens, block until ctx is cancelled
}

type fakeGateway struct {
	mu      sync.Mutex
	scripts map[string]script
}

func (f *fakeGateway) Call(ctx context.Context, call gateway.Call) *gateway.Result {
	tokens := make(chan string, 16)
	usageCh := make(chan models.Usage, 1)
	errCh := make(chan gateway.Outcome, 1)

	f.mu.Lock()
	s := f.scripts[call.Choice.ModelID]
	f.mu.Unlock()

	go func() {
		defer close(tokens)
		for _, tok := range s.tokens {
			select {
			case tokens <- tok:
			case <-ctx.Done():
				usageCh <- s.usage
				errCh <- gateway.Outcome{Kind: gateway.KindCancelled, ModelID: call.Choice.ModelID}
				return
			}
		}
		if s.stall {
			<-ctx.Done()
			usageCh <- s.usage
			errCh <- gateway.Outcome{Kind: gateway.KindCancelled, ModelID: call.Choice.ModelID}
			return
		}
		out := s.outcome
		if out.ModelID == "" {
			out.ModelID = call.Choice.ModelID
		}
		usageCh <- s.usage
		errCh <- out
	}()
	return &gateway.Result{Tokens: tokens, Usage: usageCh, Err: errCh}
}

type fakeGate struct {
	mu        sync.Mutex
	admission models.Admission
	checks    int
	debits    map[string]int
}

func (g *fakeGate) Check(_ context.Context, _, _ string) (models.Admission, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks++
	return g.admission, nil
}

func (g *fakeGate) Debit(_ context.Context, sessionID, _, _ string, _ models.Usage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.debits == nil {
		g.debits = make(map[string]int)
	}
	g.debits[sessionID]++
	return nil
}

func (g *fakeGate) debitCount(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.debits[sessionID]
}

type fakeStore struct {
	mu        sync.Mutex
	created   []*models.Session
	stages    map[string][]*models.StageState
	finalized map[string]*models.MessageRecord
	usage     map[string]models.Usage
	titles    map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		stages:    make(map[string][]*models.StageState),
		finalized: make(map[string]*models.MessageRecord),
		usage:     make(map[string]models.Usage),
		titles:    make(map[string]string),
	}
}

func (s *fakeStore) CreateSession(_ context.Context, sess *models.Session, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, sess)
	return nil
}

func (s *fakeStore) AppendStageResult(_ context.Context, sessionID, _ string, st *models.StageState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages[sessionID] = append(s.stages[sessionID], st)
	return nil
}

func (s *fakeStore) FinalizeMessage(_ context.Context, _ string, rec *models.MessageRecord, _ *models.Fault) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.finalized[rec.SessionID]; !exists {
		s.finalized[rec.SessionID] = rec
	}
	return nil
}

func (s *fakeStore) RecordUsage(_ context.Context, sessionID, _, _, _ string, usage models.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage[sessionID] = usage
	return nil
}

func (s *fakeStore) UpsertConversationTitle(_ context.Context, conversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles[conversationID] = title
	return nil
}

func (s *fakeStore) ReleaseLease(context.Context, string, string) error { return nil }

func (s *fakeStore) ContextSnapshot(_ context.Context, req models.StartSessionRequest) (prompt.AssembleInput, error) {
	return prompt.AssembleInput{
		Company:  &prompt.TitledBody{Title: "Acme", Body: "Hardware retailer."},
		Question: req.Question,
	}, nil
}

func (s *fakeStore) record(sessionID string) *models.MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized[sessionID]
}

// ── harness ──

func testConfig() *config.Config {
	return &config.Config{
		Timeouts: &config.TimeoutConfig{
			WorkerSoft:  5 * time.Second,
			WorkerHard:  10 * time.Second,
			StageHard:   10 * time.Second,
			SessionHard: 30 * time.Second,
			StopGrace:   200 * time.Millisecond,
		},
		Stream:  &config.StreamConfig{HeartbeatInterval: time.Hour, BufferSize: 256},
		Stages:  &config.StageConfig{MinWorkers: 3},
		Pool:    &config.PoolConfig{MaxConcurrentWorkers: 16},
		Context: &config.ContextConfig{MaxBundleBytes: 64 * 1024, MaxFragmentBytes: 8 * 1024},
	}
}

func testCouncil() *config.CouncilConfig {
	mk := func(ids ...string) []models.ModelChoice {
		out := make([]models.ModelChoice, len(ids))
		for i, id := range ids {
			out[i] = models.ModelChoice{Provider: "test", ModelID: id, Priority: i}
		}
		return out
	}
	return &config.CouncilConfig{
		Defaults: config.PurposeTable{
			models.PurposeStage1: mk("m0", "m1", "m2", "m3", "m4"),
			models.PurposeStage2: mk("r0", "r1", "r2"),
			models.PurposeStage3: mk("chair"),
		},
	}
}

func newHarness(gw gateway.Client, gate *fakeGate, st *fakeStore) *Orchestrator {
	cfg := testConfig()
	reg := registry.New(testCouncil())
	executor := stage.NewExecutor(gw, queue.NewSlotPool(cfg.Pool.MaxConcurrentWorkers), cfg.Timeouts)
	return New(cfg, reg, gate, st, executor, events.NewHub())
}

func okScript(tokens ...string) script {
	return script{
		tokens:  tokens,
		outcome: gateway.Outcome{Kind: gateway.KindOK, Finish: models.FinishStop},
		usage:   models.Usage{InputTokens: 10, OutputTokens: 5, CostCents: 1},
	}
}

func happyScripts() map[string]script {
	return map[string]script{
		"m0":    okScript("answer ", "zero"),
		"m1":    okScript("answer one"),
		"m2":    okScript("answer two"),
		"m3":    okScript("answer three"),
		"m4":    okScript("answer four"),
		"r0":    okScript("Ranking: A, B, C, D, E"),
		"r1":    okScript("Ranking: B, A, C, D, E"),
		"r2":    okScript("Ranking: A, C, B, D, E"),
		"chair": okScript("The council recommends launching."),
	}
}

func startRequest() models.StartSessionRequest {
	return models.StartSessionRequest{
		UserID:    "user-1",
		CompanyID: "",
		Question:  "Should we launch in Q2?",
	}
}

// collectAll subscribes from seq 0 and drains until the stream closes.
func collectAll(t *testing.T, h *Handle) []events.Event {
	t.Helper()
	ch := h.Stream.Subscribe(context.Background(), 0)
	var got []events.Event
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return got
			}
			got = append(got, evt)
		case <-time.After(15 * time.Second):
			t.Fatalf("stream did not terminate; got %d events", len(got))
		}
	}
}

func kinds(evts []events.Event) []events.Kind {
	out := make([]events.Kind, len(evts))
	for i, e := range evts {
		out[i] = e.Type
	}
	return out
}

func countKind(evts []events.Event, k events.Kind) int {
	n := 0
	for _, e := range evts {
		if e.Type == k {
			n++
		}
	}
	return n
}

// ── scenarios ──

func TestHappyPath(t *testing.T) {
	gate := &fakeGate{admission: models.Admission{Allowed: true, Remaining: 9}}
	st := newFakeStore()
	o := newHarness(&fakeGateway{scripts: happyScripts()}, gate, st)

	h := o.Start(startRequest())
	got := collectAll(t, h)

	// Monotone seq with no gaps (property 1).
	for i, evt := range got {
		require.Equal(t, int64(i+1), evt.Seq)
	}

	require.Equal(t, events.KindSessionOpened, got[0].Type)
	assert.Equal(t, events.KindSessionCompleted, got[len(got)-1].Type)

	assert.Equal(t, 3, countKind(got, events.KindStageStarted))
	assert.Equal(t, 3, countKind(got, events.KindStageFinished))
	assert.Equal(t, 9, countKind(got, events.KindWorkerStarted)) // 5 + 3 + 1
	assert.Equal(t, 9, countKind(got, events.KindWorkerFinished))
	assert.Equal(t, 1, countKind(got, events.KindRankingAggregated))

	// Stage ordering (property 2): draft events precede rank events
	// precede synth events.
	var stageOrder []models.StageID
	for _, evt := range got {
		if evt.Type == events.KindStageStarted {
			stageOrder = append(stageOrder, evt.Payload.(events.StageStartedPayload).Stage)
		}
	}
	assert.Equal(t, []models.StageID{models.StageDraft, models.StageRank, models.StageSynth}, stageOrder)

	// Ranking revealed with model ids, before the rank stage finished.
	var rankingIdx, rankFinishedIdx int
	for i, evt := range got {
		switch p := evt.Payload.(type) {
		case events.RankingAggregatedPayload:
			rankingIdx = i
			require.Len(t, p.Ranking, 5)
			assert.Equal(t, "A", p.Ranking[0].Label)
			assert.Equal(t, "m0", p.Ranking[0].ModelID)
		case events.StageFinishedPayload:
			if p.Stage == models.StageRank {
				rankFinishedIdx = i
			}
		}
	}
	assert.Less(t, rankingIdx, rankFinishedIdx)

	// Token append-only (property 3) for one draft worker.
	text := ""
	for _, evt := range got {
		if p, ok := evt.Payload.(events.WorkerTokenPayload); ok && p.Role == "stage1-worker-0" {
			text += p.Text
		}
	}
	assert.Equal(t, "answer zero", text)

	// Persisted record.
	rec := st.record(h.SessionID)
	require.NotNil(t, rec)
	assert.Equal(t, models.OutcomeComplete, rec.Outcome)
	assert.Equal(t, "The council recommends launching.", rec.Synthesis)
	assert.Len(t, rec.DraftOutputs, 5)
	assert.Len(t, rec.Ranking, 5)

	// Idempotent debit (property 6): exactly one.
	assert.Equal(t, 1, gate.debitCount(h.SessionID))
	assert.Equal(t, "Should we launch in Q2?", st.titles[rec.ConversationID])
}

func TestPartialStageOneDegrades(t *testing.T) {
	scripts := happyScripts()
	scripts["m1"] = script{outcome: gateway.Outcome{Kind: gateway.KindServerError, Message: "boom"}}
	scripts["m3"] = script{outcome: gateway.Outcome{Kind: gateway.KindServerError, Message: "boom"}}
	gate := &fakeGate{admission: models.Admission{Allowed: true}}
	st := newFakeStore()
	o := newHarness(&fakeGateway{scripts: scripts}, gate, st)

	h := o.Start(startRequest())
	got := collectAll(t, h)

	assert.Equal(t, events.KindSessionCompleted, got[len(got)-1].Type)
	for _, evt := range got {
		if p, ok := evt.Payload.(events.StageFinishedPayload); ok && p.Stage == models.StageDraft {
			assert.Equal(t, models.StageDegraded, p.Status)
			assert.ElementsMatch(t, []string{"stage1-worker-1", "stage1-worker-3"}, p.Lost)
		}
	}

	// Only the three successful drafts are anonymised and ranked.
	for _, evt := range got {
		if p, ok := evt.Payload.(events.RankingAggregatedPayload); ok {
			assert.Len(t, p.Ranking, 3)
		}
	}
}

func TestUnparseableRankingProceedsToSynthesis(t *testing.T) {
	scripts := happyScripts()
	scripts["r0"] = okScript("All answers were excellent, I abstain.")
	scripts["r1"] = okScript("Truly cannot decide.")
	scripts["r2"] = okScript("They all have merit.")
	gate := &fakeGate{admission: models.Admission{Allowed: true}}
	st := newFakeStore()
	o := newHarness(&fakeGateway{scripts: scripts}, gate, st)

	h := o.Start(startRequest())
	got := collectAll(t, h)

	assert.Equal(t, events.KindSessionCompleted, got[len(got)-1].Type)

	var sawEmptyRanking, sawRankComplete bool
	for _, evt := range got {
		switch p := evt.Payload.(type) {
		case events.RankingAggregatedPayload:
			sawEmptyRanking = len(p.Ranking) == 0
		case events.StageFinishedPayload:
			if p.Stage == models.StageRank {
				// The rankers succeeded; only their output was useless.
				sawRankComplete = p.Status == models.StageComplete
			}
		case events.StageStartedPayload:
			if p.Stage == models.StageSynth {
				assert.Empty(t, p.Ranking)
			}
		}
	}
	assert.True(t, sawEmptyRanking)
	assert.True(t, sawRankComplete)

	rec := st.record(h.SessionID)
	require.NotNil(t, rec)
	assert.NotNil(t, rec.Ranking)
	assert.Empty(t, rec.Ranking)
}

func TestUserStopMidStageOne(t *testing.T) {
	scripts := happyScripts()
	for _, m := range []string{"m0", "m1", "m2", "m3", "m4"} {
		scripts[m] = script{tokens: []string{"partial "}, stall: true}
	}
	gate := &fakeGate{admission: models.Admission{Allowed: true}}
	st := newFakeStore()
	o := newHarness(&fakeGateway{scripts: scripts}, gate, st)

	h := o.Start(startRequest())

	ch := h.Stream.Subscribe(context.Background(), 0)
	var got []events.Event
	stopped := false
	deadline := time.After(15 * time.Second)
	for {
		var evt events.Event
		var ok bool
		select {
		case evt, ok = <-ch:
		case <-deadline:
			t.Fatalf("stream did not terminate; kinds so far: %v", kinds(got))
		}
		if !ok {
			break
		}
		got = append(got, evt)
		if !stopped && evt.Type == events.KindWorkerToken {
			stopped = true
			require.True(t, o.Stop(h.SessionID))
		}
	}

	last := got[len(got)-1]
	require.Equal(t, events.KindSessionStopped, last.Type)
	assert.Equal(t, "user", last.Payload.(events.SessionStoppedPayload).By)

	// Every launched worker terminated cancelled and no later stage ran.
	for _, evt := range got {
		if p, ok := evt.Payload.(events.WorkerFinishedPayload); ok {
			assert.Equal(t, models.FinishCancelled, p.Reason)
		}
		if p, ok := evt.Payload.(events.StageStartedPayload); ok {
			assert.Equal(t, models.StageDraft, p.Stage)
		}
	}

	rec := st.record(h.SessionID)
	require.NotNil(t, rec)
	assert.Equal(t, models.OutcomeStopped, rec.Outcome)
	require.Len(t, rec.DraftOutputs, 5)
	assert.Equal(t, "partial ", rec.DraftOutputs[0].Text)

	// Stopped sessions are debited exactly once.
	assert.Equal(t, 1, gate.debitCount(h.SessionID))
}

func TestAdmissionDenied(t *testing.T) {
	gate := &fakeGate{admission: models.Admission{
		Allowed: false, Kind: models.DenyOverMonthlyQuota, Message: "monthly quota exhausted",
	}}
	st := newFakeStore()
	o := newHarness(&fakeGateway{scripts: happyScripts()}, gate, st)

	h := o.Start(startRequest())
	got := collectAll(t, h)

	// No session.opened, no workers — just the failure.
	require.Len(t, got, 1)
	require.Equal(t, events.KindSessionFailed, got[0].Type)
	fault := got[0].Payload.(events.SessionFailedPayload).Fault
	assert.Equal(t, models.CodeAdmissionDenied, fault.Code)
	assert.Contains(t, fault.Message, string(models.DenyOverMonthlyQuota))

	assert.Equal(t, 0, gate.debitCount(h.SessionID))
}

func TestSynthesisFailureFailsSession(t *testing.T) {
	scripts := happyScripts()
	scripts["chair"] = script{outcome: gateway.Outcome{Kind: gateway.KindBadRequest, Message: "rejected"}}
	gate := &fakeGate{admission: models.Admission{Allowed: true}}
	st := newFakeStore()
	o := newHarness(&fakeGateway{scripts: scripts}, gate, st)

	h := o.Start(startRequest())
	got := collectAll(t, h)

	last := got[len(got)-1]
	require.Equal(t, events.KindSessionFailed, last.Type)
	assert.Equal(t, models.CodeStageFailed, last.Payload.(events.SessionFailedPayload).Fault.Code)

	// Failed sessions are never debited.
	assert.Equal(t, 0, gate.debitCount(h.SessionID))

	// The record still carries the drafts and the ranking.
	rec := st.record(h.SessionID)
	require.NotNil(t, rec)
	assert.Equal(t, models.OutcomeFailed, rec.Outcome)
	assert.Len(t, rec.DraftOutputs, 5)
	assert.Len(t, rec.Ranking, 5)
	assert.Empty(t, rec.Synthesis)
}

func TestStopUnknownSession(t *testing.T) {
	o := newHarness(&fakeGateway{scripts: happyScripts()},
		&fakeGate{admission: models.Admission{Allowed: true}}, newFakeStore())
	assert.False(t, o.Stop("no-such-session"))
}
