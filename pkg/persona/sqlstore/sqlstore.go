//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package sqlstore is the SQL-flavored [persona.Store] implementation,
// grounded on flowpilot-services' personadb_sqlite.py, generalized to store
// manifest-declared policy attributes in one JSON column (attrs) instead of
// the original's hardcoded travel-domain columns, and to run over either
// Postgres or SQLite like pkg/delegation/sqlstore.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/flowpilot/flowpilot/pkg/persona"
)

type Store struct {
	db     *sqlx.DB
	driver string
}

// Open opens (and migrates) a persona store. See
// pkg/delegation/sqlstore.Open for the DSN-driver selection rule.
func Open(ctx context.Context, dsn string) (*Store, error) {
	driver := "sqlite3"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	}

	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening persona store (%s)", driver)
	}

	s := &Store{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		return nil, errors.Wrap(err, "migrating persona store schema")
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS personas (
			persona_id TEXT PRIMARY KEY,
			user_sub   TEXT NOT NULL,
			title      TEXT NOT NULL,
			circle     TEXT NOT NULL,
			scope      TEXT NOT NULL DEFAULT '["read","execute"]',
			valid_from TEXT NOT NULL,
			valid_till TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'active',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			attrs      TEXT NOT NULL DEFAULT '{}'
		)`)
	if err != nil {
		return err
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_personas_user_sub ON personas(user_sub)",
		"CREATE INDEX IF NOT EXISTS idx_personas_status ON personas(status)",
		"CREATE INDEX IF NOT EXISTS idx_personas_title ON personas(title)",
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}

type row struct {
	PersonaID string `db:"persona_id"`
	UserSub   string `db:"user_sub"`
	Title     string `db:"title"`
	Circle    string `db:"circle"`
	Scope     string `db:"scope"`
	ValidFrom string `db:"valid_from"`
	ValidTill string `db:"valid_till"`
	Status    string `db:"status"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
	Attrs     string `db:"attrs"`
}

func (r row) toPersona() (persona.Persona, error) {
	var scope []string
	_ = json.Unmarshal([]byte(r.Scope), &scope)
	if len(scope) == 0 {
		scope = persona.DefaultScope
	}

	var attrs map[string]any
	if err := json.Unmarshal([]byte(r.Attrs), &attrs); err != nil {
		attrs = map[string]any{}
	}

	validFrom, err := time.Parse(time.RFC3339, r.ValidFrom)
	if err != nil {
		return persona.Persona{}, err
	}
	validTill, err := time.Parse(time.RFC3339, r.ValidTill)
	if err != nil {
		return persona.Persona{}, err
	}
	createdAt, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil {
		return persona.Persona{}, err
	}
	updatedAt, err := time.Parse(time.RFC3339, r.UpdatedAt)
	if err != nil {
		return persona.Persona{}, err
	}

	return persona.Persona{
		ID:         r.PersonaID,
		UserSub:    r.UserSub,
		Title:      r.Title,
		Circle:     r.Circle,
		Scope:      scope,
		ValidFrom:  validFrom,
		ValidTill:  validTill,
		Status:     r.Status,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
		Attributes: attrs,
	}, nil
}

func (s *Store) Create(ctx context.Context, p persona.Persona) (persona.Persona, error) {
	var existing row
	q := s.db.Rebind(`SELECT * FROM personas WHERE persona_id = ?`)
	err := s.db.GetContext(ctx, &existing, q, p.ID)
	if err == nil {
		return persona.Persona{}, persona.ErrAlreadyExists(p.ID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return persona.Persona{}, err
	}

	scopeJSON, err := json.Marshal(p.Scope)
	if err != nil {
		return persona.Persona{}, err
	}
	attrsJSON, err := json.Marshal(p.Attributes)
	if err != nil {
		return persona.Persona{}, err
	}

	insertQ := s.db.Rebind(`
		INSERT INTO personas
			(persona_id, user_sub, title, circle, scope, valid_from, valid_till, status, created_at, updated_at, attrs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, insertQ,
		p.ID, p.UserSub, p.Title, p.Circle, string(scopeJSON),
		p.ValidFrom.Format(time.RFC3339), p.ValidTill.Format(time.RFC3339), p.Status,
		p.CreatedAt.Format(time.RFC3339), p.UpdatedAt.Format(time.RFC3339), string(attrsJSON))
	if err != nil {
		return persona.Persona{}, err
	}
	return p, nil
}

func (s *Store) Get(ctx context.Context, personaID string) (*persona.Persona, error) {
	var r row
	q := s.db.Rebind(`SELECT * FROM personas WHERE persona_id = ?`)
	err := s.db.GetContext(ctx, &r, q, personaID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p, err := r.toPersona()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) List(ctx context.Context, userSub, status string) ([]persona.Persona, error) {
	return s.query(ctx, "user_sub", userSub, status)
}

func (s *Store) ListByTitle(ctx context.Context, title, status string) ([]persona.Persona, error) {
	return s.query(ctx, "title", title, status)
}

func (s *Store) query(ctx context.Context, keyCol, keyVal, status string) ([]persona.Persona, error) {
	q := "SELECT * FROM personas WHERE " + keyCol + " = ?"
	args := []any{keyVal}
	if status != "" {
		q += " AND status = ?"
		args = append(args, status)
	}
	q += " ORDER BY created_at DESC"

	var rows []row
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	out := make([]persona.Persona, 0, len(rows))
	for _, r := range rows {
		p, err := r.toPersona()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) GetActive(ctx context.Context, userSub string) (*persona.Persona, error) {
	var r row
	q := s.db.Rebind(`
		SELECT * FROM personas WHERE user_sub = ? AND status = 'active'
		ORDER BY created_at DESC LIMIT 1`)
	err := s.db.GetContext(ctx, &r, q, userSub)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p, err := r.toPersona()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) Update(ctx context.Context, personaID string, patch persona.Patch) (*persona.Persona, error) {
	existing, err := s.Get(ctx, personaID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, nil
	}

	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339)}

	if patch.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *patch.Title)
	}
	if patch.Circle != nil {
		sets = append(sets, "circle = ?")
		args = append(args, *patch.Circle)
	}
	if patch.Scope != nil {
		b, _ := json.Marshal(patch.Scope)
		sets = append(sets, "scope = ?")
		args = append(args, string(b))
	}
	if patch.ValidFrom != nil {
		sets = append(sets, "valid_from = ?")
		args = append(args, patch.ValidFrom.Format(time.RFC3339))
	}
	if patch.ValidTill != nil {
		sets = append(sets, "valid_till = ?")
		args = append(args, patch.ValidTill.Format(time.RFC3339))
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.Attributes != nil {
		b, err := json.Marshal(patch.Attributes)
		if err != nil {
			return nil, err
		}
		sets = append(sets, "attrs = ?")
		args = append(args, string(b))
	}

	args = append(args, personaID)
	q := s.db.Rebind("UPDATE personas SET " + strings.Join(sets, ", ") + " WHERE persona_id = ?")
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return nil, err
	}

	return s.Get(ctx, personaID)
}

func (s *Store) Delete(ctx context.Context, personaID string) (bool, error) {
	q := s.db.Rebind(`DELETE FROM personas WHERE persona_id = ?`)
	res, err := s.db.ExecContext(ctx, q, personaID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) CountForUser(ctx context.Context, userSub string) (int, error) {
	var n int
	q := s.db.Rebind(`SELECT COUNT(*) FROM personas WHERE user_sub = ?`)
	if err := s.db.GetContext(ctx, &n, q, userSub); err != nil {
		return 0, err
	}
	return n, nil
}
