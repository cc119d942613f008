package sqlstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jacentio/lineage/hierarchy"
)

// Column is an extra entity-table column for EnsureSchema.
type Column struct {
	Name string
	Type string // e.g. "TEXT NOT NULL"
}

// EnsureSchema creates the entity table (when missing) and the bridge table
// of h. Existing tables are left alone.
func EnsureSchema(ctx context.Context, db Querier, d Dialect, h *hierarchy.Hierarchy, extra ...Column) error {
	for _, stmt := range append(entityTableDDL(d, h, extra), bridgeTableDDL(d, h)...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema for %s: %w", h.Name(), err)
		}
	}
	return nil
}

func entityTableDDL(d Dialect, h *hierarchy.Hierarchy, extra []Column) []string {
	c := h.Config()
	n := d.names(h)

	pkType := c.KeyType + " PRIMARY KEY"
	if strings.EqualFold(c.KeyType, "INTEGER") {
		switch {
		case d.numbered:
			pkType = "INTEGER GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY"
		case d.backticks:
			pkType = "INTEGER AUTO_INCREMENT PRIMARY KEY"
		default:
			pkType = "INTEGER PRIMARY KEY"
		}
	}

	cols := []string{
		n.pk + " " + pkType,
		n.fk + " " + c.KeyType + " NULL REFERENCES " + refTable(d, c) + " (" + n.pk + ") ON DELETE " + c.OnDelete,
		n.level + " INTEGER NOT NULL DEFAULT 1",
	}
	for _, col := range extra {
		cols = append(cols, d.Quote(col.Name)+" "+col.Type)
	}

	stmts := []string{"CREATE TABLE IF NOT EXISTS " + n.table + " (" + strings.Join(cols, ", ") + ")"}
	if !d.backticks {
		stmts = append(stmts, "CREATE INDEX IF NOT EXISTS "+indexName(d, c.Schema, c.Table+"_"+c.ForeignKey+"_idx")+
			" ON "+indexTarget(d, c.Schema, c.Table)+" ("+n.fk+")")
	}
	return stmts
}

func bridgeTableDDL(d Dialect, h *hierarchy.Hierarchy) []string {
	c := h.Config()
	n := d.names(h)

	cols := []string{
		n.tk + " " + c.KeyType + " NOT NULL REFERENCES " + refTable(d, c) + " (" + n.pk + ") ON DELETE CASCADE",
		n.tfk + " " + c.KeyType + " NOT NULL REFERENCES " + refTable(d, c) + " (" + n.pk + ") ON DELETE CASCADE",
		"PRIMARY KEY (" + n.tk + ", " + n.tfk + ")",
	}
	if d.backticks {
		// MySQL has no CREATE INDEX IF NOT EXISTS.
		cols = append(cols, "INDEX ("+n.tfk+")")
		return []string{"CREATE TABLE IF NOT EXISTS " + n.through + " (" + strings.Join(cols, ", ") + ")"}
	}
	return []string{
		"CREATE TABLE IF NOT EXISTS " + n.through + " (" + strings.Join(cols, ", ") + ")",
		"CREATE INDEX IF NOT EXISTS " + indexName(d, c.Schema, c.ThroughTable+"_"+c.ThroughForeignKey+"_idx") +
			" ON " + indexTarget(d, c.Schema, c.ThroughTable) + " (" + n.tfk + ")",
	}
}

// indexName qualifies an index for SQLite, where the schema goes on the
// index name rather than the table.
func indexName(d Dialect, schema, name string) string {
	if d.numbered || schema == "" {
		return d.Quote(name)
	}
	return d.Table(schema, name)
}

func indexTarget(d Dialect, schema, table string) string {
	if d.numbered {
		return d.Table(schema, table)
	}
	return d.Quote(table)
}

// refTable names the entity table in a REFERENCES clause. SQLite rejects
// schema-qualified targets there.
func refTable(d Dialect, c hierarchy.Config) string {
	if d.numbered || d.backticks {
		return d.Table(c.Schema, c.Table)
	}
	return d.Quote(c.Table)
}
