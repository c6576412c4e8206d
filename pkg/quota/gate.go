// Package quota talks to the quota service: the pre-flight admission
// check that gates session creation and the post-session usage debit.
package quota

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/quorumhq/quorum/pkg/config"
	"github.com/quorumhq/quorum/pkg/models"
)

// Gate is the quota service client. Check results are cached for a
// short TTL; debits are idempotent per session id.
type Gate struct {
	baseURL string
	client  *http.Client
	ttl     time.Duration

	mu      sync.Mutex
	cache   map[string]cachedAdmission
	debited map[string]bool
}

type cachedAdmission struct {
	admission models.Admission
	expires   time.Time
}

// NewGate creates a Gate from configuration.
func NewGate(cfg *config.QuotaConfig) *Gate {
	return &Gate{
		baseURL: cfg.BaseURL,
		client:  &http.Client{Timeout: cfg.Timeout},
		ttl:     cfg.CacheTTL,
		cache:   make(map[string]cachedAdmission),
		debited: make(map[string]bool),
	}
}

type checkRequest struct {
	UserID    string `json:"user_id"`
	CompanyID string `json:"company_id"`
}

type debitRequest struct {
	SessionID string       `json:"session_id"`
	UserID    string       `json:"user_id"`
	CompanyID string       `json:"company_id"`
	Usage     models.Usage `json:"usage"`
}

// Check asks the quota service whether the caller may run a session.
// A cached answer within the TTL is returned without a network call;
// an allow counted here but never debited can overshoot quota by at
// most one session per user, which the service tolerates.
func (g *Gate) Check(ctx context.Context, userID, companyID string) (models.Admission, error) {
	key := userID + "/" + companyID

	g.mu.Lock()
	if cached, ok := g.cache[key]; ok && time.Now().Before(cached.expires) {
		g.mu.Unlock()
		return cached.admission, nil
	}
	g.mu.Unlock()

	var admission models.Admission
	if err := g.post(ctx, "/v1/quota/check", checkRequest{UserID: userID, CompanyID: companyID}, &admission); err != nil {
		return models.Admission{}, fmt.Errorf("quota check: %w", err)
	}

	g.mu.Lock()
	g.cache[key] = cachedAdmission{admission: admission, expires: time.Now().Add(g.ttl)}
	g.mu.Unlock()

	return admission, nil
}

// Debit charges the usage a terminated session actually consumed.
// Called after sessions that end complete or stopped. Idempotent per
// session id: repeat calls for an already-debited session are no-ops,
// and the session id travels with the request so the service can
// deduplicate across restarts too.
func (g *Gate) Debit(ctx context.Context, sessionID, userID, companyID string, usage models.Usage) error {
	g.mu.Lock()
	if g.debited[sessionID] {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	err := g.post(ctx, "/v1/quota/debit", debitRequest{
		SessionID: sessionID,
		UserID:    userID,
		CompanyID: companyID,
		Usage:     usage,
	}, nil)
	if err != nil {
		return fmt.Errorf("quota debit: %w", err)
	}

	g.mu.Lock()
	g.debited[sessionID] = true
	// A fresh debit invalidates the cached admission for this caller.
	delete(g.cache, userID+"/"+companyID)
	g.mu.Unlock()

	return nil
}

func (g *Gate) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("quota service returned %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
