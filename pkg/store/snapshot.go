package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/quorumhq/quorum/pkg/models"
	"github.com/quorumhq/quorum/pkg/prompt"
)

// curatedDecisionLimit bounds how many prior decisions enter the
// context bundle. The most recent decisions are always taken; the
// request carries no way to pick specific ones.
const curatedDecisionLimit = 5

// ContextSnapshot reads every fragment source the assembler needs in
// one repeatable-read transaction, so concurrent edits by other actors
// cannot tear an in-flight session's context.
func (s *SessionStore) ContextSnapshot(ctx context.Context, req models.StartSessionRequest) (prompt.AssembleInput, error) {
	in := prompt.AssembleInput{Question: req.Question}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return in, fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if req.CompanyID != "" {
		var name, profile string
		err := tx.QueryRowContext(ctx,
			`SELECT name, profile FROM companies WHERE id = $1`, req.CompanyID).Scan(&name, &profile)
		if err != nil && err != sql.ErrNoRows {
			return in, fmt.Errorf("load company: %w", err)
		}
		if err == nil {
			in.Company = &prompt.TitledBody{Title: name, Body: profile}
		}
	}

	in.Departments, err = queryTitledBodies(ctx, tx,
		`SELECT name, charter FROM departments WHERE company_id = $1 AND id = ANY($2) ORDER BY name`,
		req.CompanyID, req.DepartmentIDs)
	if err != nil {
		return in, fmt.Errorf("load departments: %w", err)
	}

	in.Roles, err = queryTitledBodies(ctx, tx,
		`SELECT r.name, r.brief FROM roles r
		 JOIN departments d ON d.id = r.department_id
		 WHERE d.company_id = $1 AND r.id = ANY($2) ORDER BY r.name`,
		req.CompanyID, req.RoleIDs)
	if err != nil {
		return in, fmt.Errorf("load roles: %w", err)
	}

	if req.ProjectID != "" {
		var name, brief string
		err := tx.QueryRowContext(ctx,
			`SELECT name, brief FROM projects WHERE id = $1 AND company_id = $2`,
			req.ProjectID, req.CompanyID).Scan(&name, &brief)
		if err != nil && err != sql.ErrNoRows {
			return in, fmt.Errorf("load project: %w", err)
		}
		if err == nil {
			in.Project = &prompt.TitledBody{Title: name, Body: brief}
		}
	}

	// Selected playbooks plus the company's auto-inject set.
	in.Playbooks, err = queryTitledBodies(ctx, tx,
		`SELECT title, body FROM playbooks
		 WHERE company_id = $1 AND (auto_inject OR id = ANY($2)) ORDER BY title`,
		req.CompanyID, req.PlaybookIDs)
	if err != nil {
		return in, fmt.Errorf("load playbooks: %w", err)
	}

	in.Decisions, err = queryTitledBodies(ctx, tx,
		`SELECT title, summary FROM decisions WHERE company_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		req.CompanyID, curatedDecisionLimit)
	if err != nil {
		return in, fmt.Errorf("load decisions: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return in, fmt.Errorf("commit snapshot: %w", err)
	}
	return in, nil
}

func queryTitledBodies(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]prompt.TitledBody, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []prompt.TitledBody
	for rows.Next() {
		var tb prompt.TitledBody
		if err := rows.Scan(&tb.Title, &tb.Body); err != nil {
			return nil, err
		}
		out = append(out, tb)
	}
	return out, rows.Err()
}
