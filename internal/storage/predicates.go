package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AudiencePredicate is a stored custom segment: a JSON expression tree
// validated by the segment package before it ever reaches this table.
type AudiencePredicate struct {
	ID        int64  `db:"id"`
	Name      string `db:"name"`
	Expr      string `db:"expr"`
	CreatedAt int64  `db:"created_at"`
}

func (s *Store) CreatePredicate(ctx context.Context, name, exprJSON string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO audience_predicates (name, expr, created_at) VALUES (?, ?, ?)`,
		name, exprJSON, ms(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("create predicate: %w", err)
	}
	return res.LastInsertId()
}

func (s *Store) GetPredicateByName(ctx context.Context, name string) (*AudiencePredicate, error) {
	var p AudiencePredicate
	err := s.db.GetContext(ctx, &p, `SELECT * FROM audience_predicates WHERE name = ?`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPredicates(ctx context.Context) ([]AudiencePredicate, error) {
	var out []AudiencePredicate
	err := s.db.SelectContext(ctx, &out, `SELECT * FROM audience_predicates ORDER BY name ASC`)
	return out, err
}

func (s *Store) DeletePredicate(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audience_predicates WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return requireRow(res)
}
