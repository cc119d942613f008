package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jacentio/lineage/hierarchy"
)

var tracer = otel.Tracer("lineage.sqlstore")

// Repository reads and writes the entities of one hierarchy. Every write runs
// in its own transaction together with the hierarchy hooks.
type Repository struct {
	db     *sql.DB
	d      Dialect
	reg    *hierarchy.Registry
	h      *hierarchy.Hierarchy
	logger *slog.Logger
}

// NewRepository returns a repository for the hierarchy registered as name.
func NewRepository(db *sql.DB, d Dialect, reg *hierarchy.Registry, name string) (*Repository, error) {
	h, ok := reg.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("lineage: %q is not a registered hierarchy", name)
	}
	return &Repository{db: db, d: d, reg: reg, h: h, logger: reg.Logger()}, nil
}

// Hierarchy returns the hierarchy the repository works on.
func (r *Repository) Hierarchy() *hierarchy.Hierarchy {
	return r.h
}

// Tx runs fn in a transaction with a Store bound to it. The transaction is
// rolled back when fn returns an error.
func (r *Repository) Tx(ctx context.Context, fn func(tx *sql.Tx, st *Store) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx, NewStore(tx, r.d)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *Repository) span(ctx context.Context, name string, run func(ctx context.Context) error) error {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("lineage.type", r.h.Name()))
	defer span.End()

	err := run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Insert inserts row and fills in its primary key and level.
func (r *Repository) Insert(ctx context.Context, row *hierarchy.Row) (hierarchy.ID, error) {
	var id hierarchy.ID
	err := r.span(ctx, "sqlstore.Insert", func(ctx context.Context) error {
		return r.Tx(ctx, func(tx *sql.Tx, st *Store) error {
			opts := &hierarchy.WriteOptions{}
			if err := r.h.BeforeInsert(ctx, st, row, opts); err != nil {
				return err
			}
			var err error
			if id, err = r.insertRow(ctx, tx, row); err != nil {
				return err
			}
			return r.h.AfterInsert(ctx, st, row, opts)
		})
	})
	return id, err
}

// BulkInsert inserts rows in order in one transaction. A row may reference an
// earlier row of the batch as its parent when its key is set by the caller.
func (r *Repository) BulkInsert(ctx context.Context, rows []*hierarchy.Row) error {
	return r.span(ctx, "sqlstore.BulkInsert", func(ctx context.Context) error {
		return r.Tx(ctx, func(tx *sql.Tx, st *Store) error {
			recs := make([]hierarchy.Record, len(rows))
			for i, row := range rows {
				recs[i] = row
			}
			opts := &hierarchy.WriteOptions{}
			if err := r.h.BeforeBulkInsert(ctx, st, recs, opts); err != nil {
				return err
			}
			for _, row := range rows {
				if _, err := r.insertRow(ctx, tx, row); err != nil {
					return err
				}
			}
			return r.h.AfterBulkInsert(ctx, st, recs, opts)
		})
	})
}

func (r *Repository) insertRow(ctx context.Context, tx *sql.Tx, row *hierarchy.Row) (hierarchy.ID, error) {
	c := r.h.Config()
	n := r.d.names(r.h)

	cols := make([]string, 0, len(row.Values))
	for col, v := range row.Values {
		if col == c.PrimaryKey && v == nil {
			continue
		}
		cols = append(cols, col)
	}
	if len(cols) == 0 {
		return nil, ErrNoValues
	}
	sort.Strings(cols)

	quoted := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, col := range cols {
		quoted[i] = r.d.Quote(col)
		args[i] = row.Values[col]
	}
	q := "INSERT INTO " + n.table + " (" + strings.Join(quoted, ", ") + ") VALUES (" + placeholders(len(cols)) + ")"

	if r.d.returning {
		var id any
		if err := tx.QueryRowContext(ctx, r.d.Rebind(q+" RETURNING "+n.pk), args...).Scan(&id); err != nil {
			return nil, fmt.Errorf("insert %s: %w", c.Name, err)
		}
		row.Set(c.PrimaryKey, hierarchy.NormalizeID(id))
		return row.Get(c.PrimaryKey), nil
	}

	res, err := tx.ExecContext(ctx, r.d.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", c.Name, err)
	}
	if id := hierarchy.NormalizeID(row.Get(c.PrimaryKey)); id != nil {
		return id, nil
	}
	last, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", c.Name, err)
	}
	row.Set(c.PrimaryKey, last)
	return last, nil
}

// Update writes values to the entity id. When values contain the parent
// column the hierarchy is maintained as for a move.
func (r *Repository) Update(ctx context.Context, id hierarchy.ID, values map[string]any) error {
	return r.span(ctx, "sqlstore.Update", func(ctx context.Context) error {
		return r.Tx(ctx, func(tx *sql.Tx, st *Store) error {
			return r.update(ctx, tx, st, id, values)
		})
	})
}

// Move makes parent the new parent of id. A nil parent makes id a root.
func (r *Repository) Move(ctx context.Context, id, parent hierarchy.ID) error {
	return r.Update(ctx, id, map[string]any{r.h.Config().ForeignKey: parent})
}

func (r *Repository) update(ctx context.Context, tx *sql.Tx, st *Store, id hierarchy.ID, values map[string]any) error {
	c := r.h.Config()
	if len(values) == 0 {
		return ErrNoValues
	}

	row := hierarchy.NewRow(values)
	row.Set(c.PrimaryKey, id)
	opts := &hierarchy.WriteOptions{Fields: make([]string, 0, len(values))}
	for col := range values {
		if col != c.PrimaryKey {
			opts.Fields = append(opts.Fields, col)
		}
	}
	sort.Strings(opts.Fields)

	if err := r.h.BeforeUpdate(ctx, st, row, nil, opts); err != nil {
		return err
	}
	if len(opts.Fields) == 0 {
		return ErrNoValues
	}

	n := r.d.names(r.h)
	sets := make([]string, len(opts.Fields))
	args := make([]any, 0, len(opts.Fields)+1)
	for i, col := range opts.Fields {
		sets[i] = r.d.Quote(col) + " = ?"
		args = append(args, row.Get(col))
	}
	args = append(args, id)

	res, err := tx.ExecContext(ctx, r.d.Rebind(
		"UPDATE "+n.table+" SET "+strings.Join(sets, ", ")+" WHERE "+n.pk+" = ?"), args...)
	if err != nil {
		return fmt.Errorf("update %s %v: %w", c.Name, id, err)
	}
	// MySQL reports changed rather than matched rows.
	if affected, err := res.RowsAffected(); err == nil && affected == 0 && !r.d.backticks {
		return fmt.Errorf("%w: %s %v", ErrNotFound, c.Name, id)
	}
	return nil
}

// BulkUpdate writes values to every entity matching where (a SQL condition
// with ? placeholders, empty for all rows). When values contain the parent
// column each matching row is moved in turn. It returns the number of rows
// updated.
func (r *Repository) BulkUpdate(ctx context.Context, values map[string]any, where string, args ...any) (int, error) {
	var count int
	err := r.span(ctx, "sqlstore.BulkUpdate", func(ctx context.Context) error {
		return r.Tx(ctx, func(tx *sql.Tx, st *Store) error {
			ids, err := r.matchingIDs(ctx, tx, where, args)
			if err != nil {
				return err
			}
			count, err = r.bulkUpdate(ctx, tx, st, ids, values)
			return err
		})
	})
	return count, err
}

// BulkMove makes parent the new parent of every id.
func (r *Repository) BulkMove(ctx context.Context, ids []hierarchy.ID, parent hierarchy.ID) error {
	return r.span(ctx, "sqlstore.BulkMove", func(ctx context.Context) error {
		return r.Tx(ctx, func(tx *sql.Tx, st *Store) error {
			_, err := r.bulkUpdate(ctx, tx, st, ids, map[string]any{r.h.Config().ForeignKey: parent})
			return err
		})
	})
}

func (r *Repository) bulkUpdate(ctx context.Context, tx *sql.Tx, st *Store, ids []hierarchy.ID, values map[string]any) (int, error) {
	c := r.h.Config()
	if len(values) == 0 {
		return 0, ErrNoValues
	}
	if len(ids) == 0 {
		return 0, nil
	}

	if parent, moves := values[c.ForeignKey]; moves {
		if _, err := r.h.BeforeBulkUpdate(ctx, st, ids, parent, &hierarchy.WriteOptions{}); err != nil {
			return 0, err
		}
	}

	cols := make([]string, 0, len(values))
	for col := range values {
		if col != c.PrimaryKey && col != c.LevelField {
			cols = append(cols, col)
		}
	}
	if len(cols) == 0 {
		return len(ids), nil
	}
	sort.Strings(cols)

	n := r.d.names(r.h)
	sets := make([]string, len(cols))
	head := make([]any, len(cols))
	for i, col := range cols {
		sets[i] = r.d.Quote(col) + " = ?"
		head[i] = values[col]
	}

	total := 0
	for _, chunk := range chunks(ids) {
		res, err := tx.ExecContext(ctx, r.d.Rebind(
			"UPDATE "+n.table+" SET "+strings.Join(sets, ", ")+
				" WHERE "+n.pk+" IN ("+placeholders(len(chunk))+")"),
			append(append([]any{}, head...), chunk...)...)
		if err != nil {
			return 0, fmt.Errorf("bulk update %s: %w", c.Name, err)
		}
		if affected, err := res.RowsAffected(); err == nil {
			total += int(affected)
		}
	}
	return total, nil
}

func (r *Repository) matchingIDs(ctx context.Context, q Querier, where string, args []any) ([]hierarchy.ID, error) {
	n := r.d.names(r.h)
	query := "SELECT " + n.pk + " FROM " + n.table
	if where != "" {
		query += " WHERE " + where
	}
	rows, err := q.QueryContext(ctx, r.d.Rebind(query+" ORDER BY "+n.level+", "+n.pk), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []hierarchy.ID
	for rows.Next() {
		var id any
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, hierarchy.NormalizeID(id))
	}
	return ids, rows.Err()
}

// Delete deletes the entity id. Under RESTRICT the database refuses to delete
// an entity with children and its error is returned unchanged; under CASCADE
// the subtree goes with it. Bridge rows are removed by their foreign keys.
func (r *Repository) Delete(ctx context.Context, id hierarchy.ID) error {
	return r.span(ctx, "sqlstore.Delete", func(ctx context.Context) error {
		return r.Tx(ctx, func(tx *sql.Tx, st *Store) error {
			n := r.d.names(r.h)
			res, err := tx.ExecContext(ctx, r.d.Rebind("DELETE FROM "+n.table+" WHERE "+n.pk+" = ?"), id)
			if err != nil {
				return err
			}
			if affected, err := res.RowsAffected(); err == nil && affected == 0 {
				return fmt.Errorf("%w: %s %v", ErrNotFound, r.h.Name(), id)
			}
			r.logger.DebugContext(ctx, "deleted entity", "type", r.h.Name(), "id", id)
			return nil
		})
	})
}

// Rebuild recomputes levels and bridge rows from the parent pointers.
func (r *Repository) Rebuild(ctx context.Context) error {
	return r.span(ctx, "sqlstore.Rebuild", func(ctx context.Context) error {
		return r.Tx(ctx, func(tx *sql.Tx, st *Store) error {
			_, err := r.h.Rebuild(ctx, st)
			return err
		})
	})
}

// --- Reads ---

// Get returns the entity id.
func (r *Repository) Get(ctx context.Context, id hierarchy.ID) (*hierarchy.Row, error) {
	n := r.d.names(r.h)
	rows, err := r.query(ctx, r.db, "SELECT * FROM "+n.table+" WHERE "+n.pk+" = ?", id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s %v", ErrNotFound, r.h.Name(), id)
	}
	return rows[0], nil
}

// Find returns the entities matching where, ordered by level. With
// opts.Hierarchy the result is nested into a forest and the parent of every
// non-root row must be part of the result. Includes of the
// hierarchy's own parent, children, ancestors and descendants associations
// are loaded for every row.
func (r *Repository) Find(ctx context.Context, opts *hierarchy.FindOptions, where string, args ...any) ([]*hierarchy.Row, error) {
	if opts == nil {
		opts = &hierarchy.FindOptions{}
	}
	if _, err := r.reg.CheckQuery(opts, r.h.Name()); err != nil {
		return nil, err
	}

	n := r.d.names(r.h)
	query := "SELECT " + r.columns(opts.Fields, "") + " FROM " + n.table
	if where != "" {
		query += " WHERE " + where
	}
	rows, err := r.query(ctx, r.db, query+" ORDER BY "+n.level+", "+n.pk, args...)
	if err != nil {
		return nil, err
	}
	if opts.Raw {
		return rows, nil
	}

	for _, inc := range opts.Include {
		if err := r.loadInclude(ctx, rows, inc); err != nil {
			return nil, err
		}
	}
	return r.reg.Assemble(rows, opts, r.h.Name(), nil)
}

func (r *Repository) loadInclude(ctx context.Context, rows []*hierarchy.Row, inc hierarchy.Include) error {
	c := r.h.Config()
	if inc.Type != c.Name || len(inc.Include) > 0 {
		return fmt.Errorf("%w: %s.%s", ErrUnsupportedInclude, inc.Type, inc.As)
	}
	for _, row := range rows {
		id := row.Get(c.PrimaryKey)
		var (
			assoc []*hierarchy.Row
			err   error
		)
		switch inc.As {
		case c.ChildrenAs:
			assoc, err = r.Children(ctx, id)
		case c.DescendantsAs:
			assoc, err = r.descendants(ctx, id)
		case c.AncestorsAs:
			assoc, err = r.Ancestors(ctx, id)
		case c.ParentAs:
			var p *hierarchy.Row
			if p, err = r.Parent(ctx, id); p != nil {
				assoc = []*hierarchy.Row{p}
			}
		default:
			return fmt.Errorf("%w: %s.%s", ErrUnsupportedInclude, inc.Type, inc.As)
		}
		if err != nil {
			return err
		}
		row.SetAssociation(inc.As, assoc)
	}
	return nil
}

// Children returns the direct children of id.
func (r *Repository) Children(ctx context.Context, id hierarchy.ID) ([]*hierarchy.Row, error) {
	n := r.d.names(r.h)
	return r.query(ctx, r.db, "SELECT * FROM "+n.table+" WHERE "+n.fk+" = ? ORDER BY "+n.pk, id)
}

// Parent returns the parent of id, or nil for a root.
func (r *Repository) Parent(ctx context.Context, id hierarchy.ID) (*hierarchy.Row, error) {
	n := r.d.names(r.h)
	rows, err := r.query(ctx, r.db,
		"SELECT "+r.columns(nil, "p")+" FROM "+n.table+" AS p INNER JOIN "+n.table+" AS c ON c."+n.fk+" = p."+n.pk+
			" WHERE c."+n.pk+" = ?", id)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// Ancestors returns the ancestors of id, root first.
func (r *Repository) Ancestors(ctx context.Context, id hierarchy.ID) ([]*hierarchy.Row, error) {
	n := r.d.names(r.h)
	return r.query(ctx, r.db,
		"SELECT "+r.columns(nil, "e")+" FROM "+n.table+" AS e INNER JOIN "+n.through+" AS t ON t."+n.tfk+" = e."+n.pk+
			" WHERE t."+n.tk+" = ? ORDER BY e."+n.level, id)
}

// Descendants returns the descendants of id ordered by level. With tree set
// it returns the direct children of id with their own descendants nested
// under the children association.
func (r *Repository) Descendants(ctx context.Context, id hierarchy.ID, tree bool) ([]*hierarchy.Row, error) {
	rows, err := r.descendants(ctx, id)
	if err != nil || !tree {
		return rows, err
	}
	parent, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	parent.SetAssociation(r.h.Config().DescendantsAs, rows)
	return r.reg.Assemble(rows, &hierarchy.FindOptions{Hierarchy: true}, r.h.Name(), parent)
}

func (r *Repository) descendants(ctx context.Context, id hierarchy.ID) ([]*hierarchy.Row, error) {
	n := r.d.names(r.h)
	return r.query(ctx, r.db,
		"SELECT "+r.columns(nil, "e")+" FROM "+n.table+" AS e INNER JOIN "+n.through+" AS t ON t."+n.tk+" = e."+n.pk+
			" WHERE t."+n.tfk+" = ? ORDER BY e."+n.level+", e."+n.pk, id)
}

// columns renders a projection. The key and parent columns are always
// selected so results can be nested.
func (r *Repository) columns(fields []string, alias string) string {
	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}
	if len(fields) == 0 {
		return prefix + "*"
	}
	c := r.h.Config()
	seen := map[string]bool{}
	var cols []string
	for _, f := range append([]string{c.PrimaryKey, c.ForeignKey}, fields...) {
		if !seen[f] {
			seen[f] = true
			cols = append(cols, prefix+r.d.Quote(f))
		}
	}
	return strings.Join(cols, ", ")
}

func (r *Repository) query(ctx context.Context, q Querier, query string, args ...any) ([]*hierarchy.Row, error) {
	rows, err := q.QueryContext(ctx, r.d.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRows(rows)
}

func scanRows(rows *sql.Rows) ([]*hierarchy.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []*hierarchy.Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := &hierarchy.Row{Values: make(map[string]any, len(cols))}
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row.Values[col] = string(b)
				continue
			}
			row.Values[col] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// IsNotFound reports whether err means the entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
