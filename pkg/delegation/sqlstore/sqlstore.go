//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package sqlstore is the SQL-flavored [delegation.Store] implementation,
// grounded on flowpilot-services' graphdb_sqlite.py schema and query shapes,
// generalized to run over either Postgres (github.com/lib/pq, production
// DSNs of the form "postgres://...") or SQLite
// (github.com/mattn/go-sqlite3, any other DSN, treated as a file path) via
// one shared set of parameterized queries rebound per driver by
// github.com/jmoiron/sqlx.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/flowpilot/flowpilot/pkg/delegation"
)

// Store is a database/sql-backed delegation.Store.
type Store struct {
	db     *sqlx.DB
	driver string
}

// Open opens (and, for SQLite, creates/migrates) a delegation store.
// dsn beginning with "postgres://" or "postgresql://" selects the Postgres
// driver; anything else is treated as a SQLite file path.
func Open(ctx context.Context, dsn string) (*Store, error) {
	driver := "sqlite3"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening delegation store (%s)", driver)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		return nil, errors.Wrap(err, "migrating delegation store schema")
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS delegations (
			id           %s,
			principal_id TEXT NOT NULL,
			delegate_id  TEXT NOT NULL,
			workflow_id  TEXT NOT NULL DEFAULT '',
			scope        TEXT NOT NULL DEFAULT '["execute"]',
			expires_at   TEXT NOT NULL,
			created_at   TEXT NOT NULL,
			revoked_at   TEXT
		)`
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "postgres" {
		idCol = "BIGSERIAL PRIMARY KEY"
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(schema, idCol)); err != nil {
		return err
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_delegations_principal_id ON delegations(principal_id)",
		"CREATE INDEX IF NOT EXISTS idx_delegations_delegate_id ON delegations(delegate_id)",
		"CREATE INDEX IF NOT EXISTS idx_delegations_workflow_id ON delegations(workflow_id)",
		"CREATE INDEX IF NOT EXISTS idx_delegations_expires_at ON delegations(expires_at)",
		"CREATE INDEX IF NOT EXISTS idx_delegations_revoked_at ON delegations(revoked_at)",
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}

type row struct {
	ID          int64          `db:"id"`
	PrincipalID string         `db:"principal_id"`
	DelegateID  string         `db:"delegate_id"`
	WorkflowID  string         `db:"workflow_id"`
	Scope       string         `db:"scope"`
	ExpiresAt   string         `db:"expires_at"`
	CreatedAt   string         `db:"created_at"`
	RevokedAt   sql.NullString `db:"revoked_at"`
}

func (r row) toEdge() (delegation.Edge, error) {
	var scope []string
	if r.Scope != "" {
		if err := json.Unmarshal([]byte(r.Scope), &scope); err != nil {
			scope = []string{"execute"}
		}
	} else {
		scope = []string{"execute"}
	}

	expiresAt, err := time.Parse(time.RFC3339, r.ExpiresAt)
	if err != nil {
		return delegation.Edge{}, errors.Wrap(err, "parsing expires_at")
	}
	createdAt, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil {
		return delegation.Edge{}, errors.Wrap(err, "parsing created_at")
	}

	var revokedAt *time.Time
	if r.RevokedAt.Valid && r.RevokedAt.String != "" {
		t, err := time.Parse(time.RFC3339, r.RevokedAt.String)
		if err == nil {
			revokedAt = &t
		}
	}

	return delegation.Edge{
		ID:          r.ID,
		PrincipalID: r.PrincipalID,
		DelegateID:  r.DelegateID,
		WorkflowID:  r.WorkflowID,
		Scope:       scope,
		ExpiresAt:   expiresAt,
		CreatedAt:   createdAt,
		RevokedAt:   revokedAt,
	}, nil
}

// Insert implements the widening-merge insert described in SPEC_FULL.md
// §4.1, inside one transaction so the conflict-check-then-write sequence is
// atomic under concurrent callers.
func (s *Store) Insert(ctx context.Context, principalID, delegateID, workflowID string, scope []string, expiresAt time.Time) (delegation.Edge, bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return delegation.Edge{}, false, errors.Wrap(err, "begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()

	q := s.db.Rebind(`
		SELECT * FROM delegations
		WHERE principal_id = ? AND delegate_id = ? AND workflow_id = ? AND revoked_at IS NULL AND expires_at > ?`)
	var existing row
	err = tx.GetContext(ctx, &existing, q, principalID, delegateID, workflowID, now.Format(time.RFC3339))

	switch {
	case errors.Is(err, sql.ErrNoRows):
		scopeJSON, merr := json.Marshal(scope)
		if merr != nil {
			return delegation.Edge{}, false, merr
		}
		insertQ := s.db.Rebind(`
			INSERT INTO delegations (principal_id, delegate_id, workflow_id, scope, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if _, err := tx.ExecContext(ctx, insertQ, principalID, delegateID, workflowID, string(scopeJSON), expiresAt.Format(time.RFC3339), now.Format(time.RFC3339)); err != nil {
			return delegation.Edge{}, false, err
		}

		selectQ := s.db.Rebind(`
			SELECT * FROM delegations
			WHERE principal_id = ? AND delegate_id = ? AND workflow_id = ? AND revoked_at IS NULL AND expires_at > ?`)
		var inserted row
		if err := tx.GetContext(ctx, &inserted, selectQ, principalID, delegateID, workflowID, now.Format(time.RFC3339)); err != nil {
			return delegation.Edge{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return delegation.Edge{}, false, err
		}
		edge, err := inserted.toEdge()
		return edge, true, err

	case err != nil:
		return delegation.Edge{}, false, err

	default:
		existingEdge, err := existing.toEdge()
		if err != nil {
			return delegation.Edge{}, false, err
		}
		mergedScope := unionScope(existingEdge.Scope, scope)
		mergedExpiry := existingEdge.ExpiresAt
		if expiresAt.After(mergedExpiry) {
			mergedExpiry = expiresAt
		}
		if scopeEqual(existingEdge.Scope, mergedScope) && mergedExpiry.Equal(existingEdge.ExpiresAt) {
			return existingEdge, false, tx.Commit()
		}

		scopeJSON, merr := json.Marshal(mergedScope)
		if merr != nil {
			return delegation.Edge{}, false, merr
		}
		updateQ := s.db.Rebind(`UPDATE delegations SET scope = ?, expires_at = ? WHERE id = ?`)
		if _, err := tx.ExecContext(ctx, updateQ, string(scopeJSON), mergedExpiry.Format(time.RFC3339), existing.ID); err != nil {
			return delegation.Edge{}, false, err
		}
		if err := tx.Commit(); err != nil {
			return delegation.Edge{}, false, err
		}
		existingEdge.Scope = mergedScope
		existingEdge.ExpiresAt = mergedExpiry
		return existingEdge, false, nil
	}
}

func (s *Store) Revoke(ctx context.Context, principalID, delegateID, workflowID string) (bool, error) {
	q := s.db.Rebind(`
		UPDATE delegations SET revoked_at = ?
		WHERE principal_id = ? AND delegate_id = ? AND workflow_id = ? AND revoked_at IS NULL`)
	res, err := s.db.ExecContext(ctx, q, time.Now().UTC().Format(time.RFC3339), principalID, delegateID, workflowID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ListOutgoing(ctx context.Context, principalID, workflowID string, includeExpired bool) ([]delegation.Edge, error) {
	return s.list(ctx, "principal_id", principalID, workflowID, includeExpired)
}

func (s *Store) ListIncoming(ctx context.Context, delegateID, workflowID string, includeExpired bool) ([]delegation.Edge, error) {
	return s.list(ctx, "delegate_id", delegateID, workflowID, includeExpired)
}

func (s *Store) list(ctx context.Context, keyCol, keyVal, workflowID string, includeExpired bool) ([]delegation.Edge, error) {
	query := fmt.Sprintf("SELECT * FROM delegations WHERE %s = ? AND revoked_at IS NULL", keyCol)
	args := []any{keyVal}

	if workflowID != "" {
		query += " AND (workflow_id = ? OR workflow_id = '')"
		args = append(args, workflowID)
	}
	if !includeExpired {
		query += " AND expires_at > ?"
		args = append(args, time.Now().UTC().Format(time.RFC3339))
	}
	query += " ORDER BY created_at DESC"

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, err
	}

	edges := make([]delegation.Edge, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEdge()
		if err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, nil
}

// FindPath performs the same BFS as graphdb_sqlite.py's find_delegation_path:
// intersection-of-scope traversal, preferring a path that retains "execute"
// then the shortest chain.
func (s *Store) FindPath(ctx context.Context, principalID, delegateID, workflowID string, maxDepth int) (*delegation.Path, error) {
	if principalID == delegateID {
		return &delegation.Path{Chain: []string{principalID}, DelegatedActions: []string{"read", "execute"}}, nil
	}

	type frontierItem struct {
		id      string
		path    []string
		actions map[string]struct{}
	}

	queue := []frontierItem{{id: principalID, path: []string{principalID}, actions: map[string]struct{}{"read": {}, "execute": {}}}}
	visited := map[string]struct{}{principalID: {}}

	var best *delegation.Path
	bestHasExecute := false
	now := time.Now().UTC().Format(time.RFC3339)

	for len(queue) > 0 && len(queue[0].path) <= maxDepth {
		cur := queue[0]
		queue = queue[1:]

		query := "SELECT delegate_id, scope FROM delegations WHERE principal_id = ? AND revoked_at IS NULL AND expires_at > ?"
		args := []any{cur.id, now}
		if workflowID != "" {
			query += " AND (workflow_id = ? OR workflow_id = '')"
			args = append(args, workflowID)
		}

		type edgeRow struct {
			DelegateID string `db:"delegate_id"`
			Scope      string `db:"scope"`
		}
		var rows []edgeRow
		if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
			return nil, err
		}

		for _, r := range rows {
			var scope []string
			if r.Scope != "" {
				_ = json.Unmarshal([]byte(r.Scope), &scope)
			}
			if len(scope) == 0 {
				scope = []string{"execute"}
			}
			edgeActions := make(map[string]struct{}, len(scope))
			for _, a := range scope {
				edgeActions[a] = struct{}{}
			}
			newActions := intersect(cur.actions, edgeActions)
			if len(newActions) == 0 {
				continue
			}

			if r.DelegateID == delegateID {
				actions := sortedSlice(newActions)
				hasExecute := contains(actions, "execute")
				newPath := append(append([]string{}, cur.path...), r.DelegateID)
				if best == nil || (hasExecute && !bestHasExecute) || (hasExecute == bestHasExecute && len(newPath) < len(best.Chain)) {
					best = &delegation.Path{Chain: newPath, DelegatedActions: actions}
					bestHasExecute = hasExecute
				}
				continue
			}

			if _, ok := visited[r.DelegateID]; !ok {
				visited[r.DelegateID] = struct{}{}
				queue = append(queue, frontierItem{
					id:      r.DelegateID,
					path:    append(append([]string{}, cur.path...), r.DelegateID),
					actions: newActions,
				})
			}
		}
	}

	return best, nil
}

func unionScope(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return sortedSliceStrings(out)
}

func scopeEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func sortedSlice(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return sortedSliceStrings(out)
}

func sortedSliceStrings(ss []string) []string {
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j] < ss[j-1]; j-- {
			ss[j], ss[j-1] = ss[j-1], ss[j]
		}
	}
	return ss
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
