package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/quorumhq/quorum/pkg/models"
)

// newIntegrationStore spins up a PostgreSQL testcontainer, applies the
// embedded migrations, and returns a ready store. Skipped when Docker
// is unavailable.
func newIntegrationStore(t *testing.T) *SessionStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("quorum_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("could not start postgres container (docker unavailable?): %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, runMigrations(db, "quorum_test"))

	return NewSessionStore(NewClientFromDB(db), 20*time.Minute)
}

func TestIntegrationSessionLifecycle(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	sess := &models.Session{
		ID:             "sess-int-1",
		UserID:         "user-1",
		CompanyID:      "co-1",
		ConversationID: "conv-int-1",
		Question:       "Should we launch in Q2?",
		SystemPrompt:   "system",
		Outcome:        models.OutcomeRunning,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, s.CreateSession(ctx, sess, "orch-a"))

	// A second writer cannot create over the live lease.
	err := s.CreateSession(ctx, sess, "orch-b")
	require.Error(t, err)

	// Stage writes are lease-scoped.
	st := &models.StageState{
		ID:     models.StageDraft,
		Status: models.StageComplete,
		Workers: []*models.WorkerState{
			{Role: "stage1-worker-0", ModelID: "m1", Output: "draft text", Finish: models.FinishStop,
				Usage: models.Usage{InputTokens: 10, OutputTokens: 20}},
		},
	}
	require.NoError(t, s.AppendStageResult(ctx, sess.ID, "orch-a", st))
	require.ErrorIs(t, s.AppendStageResult(ctx, sess.ID, "orch-b", st), ErrNoLease)

	// Re-appending the same stage is idempotent.
	st.Status = models.StageDegraded
	require.NoError(t, s.AppendStageResult(ctx, sess.ID, "orch-a", st))

	rec := &models.MessageRecord{
		SessionID:      sess.ID,
		ConversationID: sess.ConversationID,
		Question:       sess.Question,
		DraftOutputs:   []models.StageOutput{{Role: "stage1-worker-0", ModelID: "m1", Text: "draft text"}},
		RankOutputs:    []models.StageOutput{},
		Synthesis:      "final answer",
		Ranking:        models.Ranking{{Label: "A", ModelID: "m1", AverageRank: 1, RankingsCount: 1}},
		Usage:          models.Usage{InputTokens: 10, OutputTokens: 20, CostCents: 2},
		Outcome:        models.OutcomeComplete,
		CreatedAt:      time.Now(),
	}
	require.NoError(t, s.FinalizeMessage(ctx, "orch-a", rec, nil))
	// Write-once: the second finalize leaves the record untouched.
	rec2 := *rec
	rec2.Synthesis = "overwritten?"
	require.NoError(t, s.FinalizeMessage(ctx, "orch-a", &rec2, nil))

	require.NoError(t, s.RecordUsage(ctx, sess.ID, "orch-a", sess.UserID, sess.CompanyID, rec.Usage))
	require.NoError(t, s.UpsertConversationTitle(ctx, sess.ConversationID, "Should we launch in Q2?"))
	require.NoError(t, s.ReleaseLease(ctx, sess.ID, "orch-a"))

	got, err := s.GetMessage(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "final answer", got.Synthesis)
	assert.Equal(t, models.OutcomeComplete, got.Outcome)
	require.Len(t, got.Ranking, 1)
	assert.Equal(t, "A", got.Ranking[0].Label)
}
