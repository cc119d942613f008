package sqlstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jacentio/lineage/hierarchy"
)

// Dialect holds the SQL differences between the supported databases.
// Queries are written with ? placeholders and rebound per dialect.
type Dialect struct {
	name      string
	numbered  bool // $1, $2, ... placeholders
	returning bool // INSERT ... RETURNING
	backticks bool // `ident` quoting
}

var (
	SQLite   = Dialect{name: "sqlite", returning: true}
	Postgres = Dialect{name: "postgres", numbered: true, returning: true}
	MySQL    = Dialect{name: "mysql", backticks: true}
)

// DialectFor returns the dialect for a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pgx":
		return Postgres, nil
	case "mysql":
		return MySQL, nil
	}
	return Dialect{}, fmt.Errorf("%w: %q", ErrUnsupportedDialect, driver)
}

// Name returns the dialect name.
func (d Dialect) Name() string {
	return d.name
}

// Quote quotes an identifier.
func (d Dialect) Quote(ident string) string {
	if d.backticks {
		return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Table quotes a table name, qualified by schema when set.
func (d Dialect) Table(schema, table string) string {
	if schema == "" {
		return d.Quote(table)
	}
	return d.Quote(schema) + "." + d.Quote(table)
}

// Rebind rewrites ? placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// placeholders returns n comma-separated ? placeholders.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// keyParam is a placeholder usable as a bare SELECT expression. Postgres
// cannot infer the type of an untyped parameter there.
func (d Dialect) keyParam(h *hierarchy.Hierarchy) string {
	if d.numbered {
		return "CAST(? AS " + h.Config().KeyType + ")"
	}
	return "?"
}

// names holds the quoted identifiers of one hierarchy.
type names struct {
	table, pk, fk, level string
	through, tk, tfk     string
}

func (d Dialect) names(h *hierarchy.Hierarchy) names {
	c := h.Config()
	return names{
		table:   d.Table(c.Schema, c.Table),
		pk:      d.Quote(c.PrimaryKey),
		fk:      d.Quote(c.ForeignKey),
		level:   d.Quote(c.LevelField),
		through: d.Table(c.Schema, c.ThroughTable),
		tk:      d.Quote(c.ThroughKey),
		tfk:     d.Quote(c.ThroughForeignKey),
	}
}

// shiftLevelsSQL adds a delta to the level of every descendant of an entity.
func (d Dialect) shiftLevelsSQL(h *hierarchy.Hierarchy, id hierarchy.ID, delta int) (string, []any) {
	n := d.names(h)
	q := "UPDATE " + n.table +
		" SET " + n.level + " = " + n.level + " + ?" +
		" WHERE " + n.pk + " IN (" +
		"SELECT " + n.tk + " FROM " + n.through + " WHERE " + n.tfk + " = ?)"
	return d.Rebind(q), []any{delta, id}
}

// detachSQL deletes the bridge rows linking an entity and its descendants to
// the entity's ancestors.
func (d Dialect) detachSQL(h *hierarchy.Hierarchy, id hierarchy.ID) (string, []any) {
	n := d.names(h)
	var q string
	switch {
	case d.numbered:
		q = "DELETE FROM " + n.through + " AS deleters" +
			" USING " + n.through + " AS descendants, " + n.through + " AS ancestors" +
			" WHERE descendants." + n.tk + " = deleters." + n.tk +
			" AND ancestors." + n.tfk + " = deleters." + n.tfk +
			" AND ancestors." + n.tk + " = ?" +
			" AND (descendants." + n.tfk + " = ? OR descendants." + n.tk + " = ?)"
	case d.backticks:
		q = "DELETE deleters FROM " + n.through + " AS deleters" +
			" INNER JOIN " + n.through + " AS descendants ON descendants." + n.tk + " = deleters." + n.tk +
			" INNER JOIN " + n.through + " AS ancestors ON ancestors." + n.tfk + " = deleters." + n.tfk +
			" WHERE ancestors." + n.tk + " = ?" +
			" AND (descendants." + n.tfk + " = ? OR descendants." + n.tk + " = ?)"
	default:
		q = "DELETE FROM " + n.through +
			" WHERE EXISTS (SELECT 1 FROM " + n.through + " AS deleters" +
			" INNER JOIN " + n.through + " AS descendants ON descendants." + n.tk + " = deleters." + n.tk +
			" INNER JOIN " + n.through + " AS ancestors ON ancestors." + n.tfk + " = deleters." + n.tfk +
			" WHERE deleters." + n.tk + " = " + n.through + "." + n.tk +
			" AND deleters." + n.tfk + " = " + n.through + "." + n.tfk +
			" AND ancestors." + n.tk + " = ?" +
			" AND (descendants." + n.tfk + " = ? OR descendants." + n.tk + " = ?))"
	}
	return d.Rebind(q), []any{id, id, id}
}

// attachSQL inserts the cross product of an entity and its descendants with
// the new parent and the parent's ancestors.
func (d Dialect) attachSQL(h *hierarchy.Hierarchy, id, parent hierarchy.ID) (string, []any) {
	n := d.names(h)
	p := d.keyParam(h)
	q := "INSERT INTO " + n.through + " (" + n.tk + ", " + n.tfk + ")" +
		" SELECT descendants.item_id, ancestors.ancestor_id FROM" +
		" (SELECT " + n.tk + " AS item_id FROM " + n.through + " WHERE " + n.tfk + " = ?" +
		" UNION ALL SELECT " + p + ") AS descendants," +
		" (SELECT " + n.tfk + " AS ancestor_id FROM " + n.through + " WHERE " + n.tk + " = ?" +
		" UNION ALL SELECT " + p + ") AS ancestors"
	return d.Rebind(q), []any{id, id, parent, parent}
}

// truncateSQL empties a bridge table. MySQL's TRUNCATE commits implicitly and
// SQLite has none, so both use DELETE.
func (d Dialect) truncateSQL(h *hierarchy.Hierarchy) string {
	n := d.names(h)
	if d.numbered {
		return "TRUNCATE TABLE " + n.through
	}
	return "DELETE FROM " + n.through
}
