package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quorumhq/quorum/pkg/models"
)

var (
	// ErrLeaseHeld indicates another writer holds the session lease.
	ErrLeaseHeld = errors.New("session lease held by another writer")

	// ErrNoLease indicates the caller no longer holds the lease it
	// needs for a write.
	ErrNoLease = errors.New("writer does not hold the session lease")

	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("record not found")
)

// SessionStore performs typed reads and writes for deliberation
// sessions. Every session-scoped write runs under the session's lease:
// the orchestrator that created the session is the only writer until
// the session leaves the running state (expired leases of crashed
// owners can be taken over).
type SessionStore struct {
	db       *sql.DB
	leaseTTL time.Duration
}

// NewSessionStore creates a SessionStore. leaseTTL bounds how long a
// crashed owner can wedge a session's writes.
func NewSessionStore(client *Client, leaseTTL time.Duration) *SessionStore {
	return &SessionStore{db: client.DB(), leaseTTL: leaseTTL}
}

// CreateSession inserts the session row, its conversation row when the
// conversation is new, and acquires the session lease for holder.
func (s *SessionStore) CreateSession(ctx context.Context, sess *models.Session, holder string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, company_id) VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		sess.ConversationID, sess.UserID, sess.CompanyID)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, company_id, conversation_id, question, system_prompt, outcome, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sess.ID, sess.UserID, sess.CompanyID, sess.ConversationID,
		sess.Question, sess.SystemPrompt, string(sess.Outcome), sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	// Acquire the lease, stealing only expired ones.
	res, err := tx.ExecContext(ctx,
		`INSERT INTO session_leases (session_id, holder, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (session_id) DO UPDATE
		 SET holder = EXCLUDED.holder, acquired_at = now(), expires_at = EXCLUDED.expires_at
		 WHERE session_leases.expires_at < now()`,
		sess.ID, holder, time.Now().Add(s.leaseTTL))
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseHeld
	}

	return tx.Commit()
}

// withLease runs fn inside a transaction that holds the session lease
// row locked, so concurrent writers for the same session serialise and
// non-holders are rejected.
func (s *SessionStore) withLease(ctx context.Context, sessionID, holder string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	var expires time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT holder, expires_at FROM session_leases WHERE session_id = $1 FOR UPDATE`,
		sessionID).Scan(&current, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoLease
	}
	if err != nil {
		return fmt.Errorf("read lease: %w", err)
	}
	if current != holder || expires.Before(time.Now()) {
		return ErrNoLease
	}

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendStageResult writes one stage's terminal state and worker
// outputs. Re-appending the same stage overwrites it, keeping the
// write idempotent under orchestrator retries.
func (s *SessionStore) AppendStageResult(ctx context.Context, sessionID, holder string, st *models.StageState) error {
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
	blob, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("marshal stage outputs: %w", err)
	}

	return s.withLease(ctx, sessionID, holder, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO stage_results (session_id, stage, status, outputs) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (session_id, stage) DO UPDATE SET status = EXCLUDED.status, outputs = EXCLUDED.outputs`,
			sessionID, string(st.ID), string(st.Status), blob)
		if err != nil {
			return fmt.Errorf("append stage result: %w", err)
		}
		return nil
	})
}

// FinalizeMessage writes the message record and freezes the session
// row with its terminal outcome. The message is write-once: a repeat
// call for the same session leaves the stored record untouched.
func (s *SessionStore) FinalizeMessage(ctx context.Context, holder string, rec *models.MessageRecord, fault *models.Fault) error {
	drafts, err := json.Marshal(rec.DraftOutputs)
	if err != nil {
		return fmt.Errorf("marshal draft outputs: %w", err)
	}
	ranks, err := json.Marshal(rec.RankOutputs)
	if err != nil {
		return fmt.Errorf("marshal rank outputs: %w", err)
	}
	rankingBlob, err := json.Marshal(rec.Ranking)
	if err != nil {
		return fmt.Errorf("marshal ranking: %w", err)
	}
	usageBlob, err := json.Marshal(rec.Usage)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}

	return s.withLease(ctx, rec.SessionID, holder, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, conversation_id, question, draft_outputs, rank_outputs, synthesis, ranking, usage, outcome, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (session_id) DO NOTHING`,
			uuid.New().String(), rec.SessionID, rec.ConversationID, rec.Question,
			drafts, ranks, rec.Synthesis, rankingBlob, usageBlob, string(rec.Outcome), rec.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		var errCode, errMessage any
		if fault != nil {
			errCode, errMessage = fault.Code, fault.Message
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET outcome = $2, error_code = $3, error_message = $4, completed_at = now() WHERE id = $1`,
			rec.SessionID, string(rec.Outcome), errCode, errMessage)
		if err != nil {
			return fmt.Errorf("finalize session: %w", err)
		}
		return nil
	})
}

// RecordUsage writes the session's usage ledger row. Write-once per
// session: the ledger backs idempotent quota debits.
func (s *SessionStore) RecordUsage(ctx context.Context, sessionID, holder, userID, companyID string, usage models.Usage) error {
	return s.withLease(ctx, sessionID, holder, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO usage_records (session_id, user_id, company_id, input_tokens, output_tokens, cost_cents)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (session_id) DO NOTHING`,
			sessionID, userID, companyID, usage.InputTokens, usage.OutputTokens, usage.CostCents)
		if err != nil {
			return fmt.Errorf("record usage: %w", err)
		}
		return nil
	})
}

// UpsertConversationTitle sets the conversation title when none has
// been set yet.
func (s *SessionStore) UpsertConversationTitle(ctx context.Context, conversationID, title string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = $2, updated_at = now() WHERE id = $1 AND title = ''`,
		conversationID, title)
	if err != nil {
		return fmt.Errorf("upsert conversation title: %w", err)
	}
	return nil
}

// ReleaseLease drops the holder's lease after the session froze.
func (s *SessionStore) ReleaseLease(ctx context.Context, sessionID, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_leases WHERE session_id = $1 AND holder = $2`,
		sessionID, holder)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// GetMessage loads the persisted message record of a terminated
// session.
func (s *SessionStore) GetMessage(ctx context.Context, sessionID string) (*models.MessageRecord, error) {
	var rec models.MessageRecord
	var drafts, ranks, rankingBlob, usageBlob []byte
	var outcome string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, conversation_id, question, draft_outputs, rank_outputs, synthesis, ranking, usage, outcome, created_at
		 FROM messages WHERE session_id = $1`,
		sessionID).Scan(&rec.SessionID, &rec.ConversationID, &rec.Question,
		&drafts, &ranks, &rec.Synthesis, &rankingBlob, &usageBlob, &outcome, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}

	rec.Outcome = models.SessionOutcome(outcome)
	if err := json.Unmarshal(drafts, &rec.DraftOutputs); err != nil {
		return nil, fmt.Errorf("decode draft outputs: %w", err)
	}
	if err := json.Unmarshal(ranks, &rec.RankOutputs); err != nil {
		return nil, fmt.Errorf("decode rank outputs: %w", err)
	}
	if err := json.Unmarshal(rankingBlob, &rec.Ranking); err != nil {
		return nil, fmt.Errorf("decode ranking: %w", err)
	}
	if err := json.Unmarshal(usageBlob, &rec.Usage); err != nil {
		return nil, fmt.Errorf("decode usage: %w", err)
	}
	return &rec, nil
}
