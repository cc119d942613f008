package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jacentio/lineage/hierarchy"
)

// Querier is the subset of *sql.DB and *sql.Tx the store needs.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// batchSize bounds the number of keys bound in one IN list or multi-row insert.
const batchSize = 400

// Store implements hierarchy.Store over a database/sql connection or
// transaction.
type Store struct {
	q Querier
	d Dialect
}

var _ hierarchy.Store = (*Store)(nil)

// NewStore returns a Store issuing queries through q. Pass a *sql.Tx to bind
// the store to one transaction.
func NewStore(q Querier, d Dialect) *Store {
	return &Store{q: q, d: d}
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.q.ExecContext(ctx, s.d.Rebind(query), args...)
	return err
}

func (s *Store) FindNode(ctx context.Context, h *hierarchy.Hierarchy, id hierarchy.ID) (*hierarchy.Node, error) {
	n := s.d.names(h)
	var (
		key, parent any
		level       sql.NullInt64
	)
	err := s.q.QueryRowContext(ctx, s.d.Rebind(
		"SELECT "+n.pk+", "+n.fk+", "+n.level+" FROM "+n.table+" WHERE "+n.pk+" = ?"), id).
		Scan(&key, &parent, &level)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &hierarchy.Node{
		ID:       hierarchy.NormalizeID(key),
		ParentID: hierarchy.NormalizeID(parent),
		Level:    int(level.Int64),
	}, nil
}

func (s *Store) FindAncestorIDs(ctx context.Context, h *hierarchy.Hierarchy, id hierarchy.ID) ([]hierarchy.ID, error) {
	n := s.d.names(h)
	rows, err := s.q.QueryContext(ctx, s.d.Rebind(
		"SELECT "+n.tfk+" FROM "+n.through+" WHERE "+n.tk+" = ?"), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []hierarchy.ID
	for rows.Next() {
		var a any
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		ids = append(ids, hierarchy.NormalizeID(a))
	}
	return ids, rows.Err()
}

func (s *Store) HasAncestor(ctx context.Context, h *hierarchy.Hierarchy, descendant, ancestor hierarchy.ID) (bool, error) {
	n := s.d.names(h)
	var one int
	err := s.q.QueryRowContext(ctx, s.d.Rebind(
		"SELECT 1 FROM "+n.through+" WHERE "+n.tk+" = ? AND "+n.tfk+" = ?"), descendant, ancestor).
		Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s *Store) FindChildren(ctx context.Context, h *hierarchy.Hierarchy, parents []hierarchy.ID) ([]hierarchy.Node, error) {
	n := s.d.names(h)
	base := "SELECT " + n.pk + ", " + n.fk + ", " + n.level + " FROM " + n.table + " WHERE "

	if parents == nil {
		return s.queryNodes(ctx, base+n.fk+" IS NULL")
	}
	var out []hierarchy.Node
	for _, chunk := range chunks(parents) {
		nodes, err := s.queryNodes(ctx, base+n.fk+" IN ("+placeholders(len(chunk))+")", chunk...)
		if err != nil {
			return nil, err
		}
		out = append(out, nodes...)
	}
	return out, nil
}

func (s *Store) queryNodes(ctx context.Context, query string, args ...any) ([]hierarchy.Node, error) {
	rows, err := s.q.QueryContext(ctx, s.d.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []hierarchy.Node
	for rows.Next() {
		var (
			key, parent any
			level       sql.NullInt64
		)
		if err := rows.Scan(&key, &parent, &level); err != nil {
			return nil, err
		}
		out = append(out, hierarchy.Node{
			ID:       hierarchy.NormalizeID(key),
			ParentID: hierarchy.NormalizeID(parent),
			Level:    int(level.Int64),
		})
	}
	return out, rows.Err()
}

func (s *Store) SetLevel(ctx context.Context, h *hierarchy.Hierarchy, ids []hierarchy.ID, level int) error {
	n := s.d.names(h)
	for _, chunk := range chunks(ids) {
		args := append([]any{level}, chunk...)
		if err := s.exec(ctx, "UPDATE "+n.table+" SET "+n.level+" = ? WHERE "+n.pk+
			" IN ("+placeholders(len(chunk))+")", args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) InsertClosure(ctx context.Context, h *hierarchy.Hierarchy, rows []hierarchy.ClosureRow) error {
	n := s.d.names(h)
	for start := 0; start < len(rows); start += batchSize {
		end := min(start+batchSize, len(rows))
		batch := rows[start:end]

		values := make([]byte, 0, len(batch)*8)
		args := make([]any, 0, len(batch)*2)
		for i, r := range batch {
			if i > 0 {
				values = append(values, ", "...)
			}
			values = append(values, "(?, ?)"...)
			args = append(args, r.Descendant, r.Ancestor)
		}
		if err := s.exec(ctx, "INSERT INTO "+n.through+" ("+n.tk+", "+n.tfk+") VALUES "+string(values), args...); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) TruncateClosure(ctx context.Context, h *hierarchy.Hierarchy) error {
	return s.exec(ctx, s.d.truncateSQL(h))
}

func (s *Store) ShiftDescendantLevels(ctx context.Context, h *hierarchy.Hierarchy, id hierarchy.ID, delta int) error {
	q, args := s.d.shiftLevelsSQL(h, id, delta)
	if _, err := s.q.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("shift levels: %w", err)
	}
	return nil
}

func (s *Store) DetachSubtree(ctx context.Context, h *hierarchy.Hierarchy, id hierarchy.ID) error {
	q, args := s.d.detachSQL(h, id)
	if _, err := s.q.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("detach: %w", err)
	}
	return nil
}

func (s *Store) AttachSubtree(ctx context.Context, h *hierarchy.Hierarchy, id, parent hierarchy.ID) error {
	q, args := s.d.attachSQL(h, id, parent)
	if _, err := s.q.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	return nil
}

func chunks(ids []hierarchy.ID) [][]any {
	var out [][]any
	for start := 0; start < len(ids); start += batchSize {
		end := min(start+batchSize, len(ids))
		chunk := make([]any, end-start)
		copy(chunk, ids[start:end])
		out = append(out, chunk)
	}
	return out
}
