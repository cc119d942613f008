package hierarchy

import "strings"

// Delete policies for the parent foreign key.
const (
	OnDeleteRestrict = "RESTRICT"
	OnDeleteCascade  = "CASCADE"
)

// Config describes one hierarchical entity type and its bridge table.
type Config struct {
	// Name is the entity type name (e.g., "folder"). Required.
	Name string

	// Table is the entity table.
	// Default: Name + "s"
	Table string

	// Schema optionally qualifies both the entity and the bridge table.
	Schema string

	// PrimaryKey is the entity's primary key column.
	// Default: "id"
	PrimaryKey string

	// ForeignKey is the self-referencing parent column.
	// Default: "parent_id"
	ForeignKey string

	// LevelField is the depth column. Roots are level 1.
	// Default: "hierarchy_level"
	LevelField string

	// Association names used by fetches and the tree assembler.
	// Defaults: "parent", "children", "ancestors", "descendants"
	ParentAs      string
	ChildrenAs    string
	AncestorsAs   string
	DescendantsAs string

	// Through is the name of the transient association carrying bridge-table
	// columns on fetched rows. It is stripped by the tree assembler.
	// Default: Name + "_ancestor"
	Through string

	// ThroughTable is the bridge table.
	// Default: Name + "_ancestors"
	ThroughTable string

	// ThroughKey is the bridge column holding the descendant.
	// Default: Name + "_id"
	ThroughKey string

	// ThroughForeignKey is the bridge column holding the ancestor.
	// Default: "ancestor_id"
	ThroughForeignKey string

	// KeyType is the SQL column type used for bridge-table key columns.
	// Default: "INTEGER"
	KeyType string

	// OnDelete is the parent foreign-key delete policy: RESTRICT or CASCADE.
	// Default: RESTRICT
	OnDelete string

	// AlwaysCheckCycles forces the closure lookup on every move instead of
	// only when the level jump makes a cycle possible. Use it when levels may
	// have drifted from the parent pointers.
	AlwaysCheckCycles bool
}

// DefaultConfig returns the default configuration for an entity type.
func DefaultConfig(name string) Config {
	c := Config{Name: name}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Table == "" && c.Name != "" {
		c.Table = c.Name + "s"
	}
	if c.PrimaryKey == "" {
		c.PrimaryKey = "id"
	}
	if c.ForeignKey == "" {
		c.ForeignKey = "parent_id"
	}
	if c.LevelField == "" {
		c.LevelField = "hierarchy_level"
	}
	if c.ParentAs == "" {
		c.ParentAs = "parent"
	}
	if c.ChildrenAs == "" {
		c.ChildrenAs = "children"
	}
	if c.AncestorsAs == "" {
		c.AncestorsAs = "ancestors"
	}
	if c.DescendantsAs == "" {
		c.DescendantsAs = "descendants"
	}
	if c.Through == "" && c.Name != "" {
		c.Through = c.Name + "_ancestor"
	}
	if c.ThroughTable == "" && c.Name != "" {
		c.ThroughTable = c.Name + "_ancestors"
	}
	if c.ThroughKey == "" && c.Name != "" {
		c.ThroughKey = c.Name + "_id"
	}
	if c.ThroughForeignKey == "" {
		c.ThroughForeignKey = "ancestor_id"
	}
	if c.KeyType == "" {
		c.KeyType = "INTEGER"
	}
	c.OnDelete = strings.ToUpper(strings.TrimSpace(c.OnDelete))
	if c.OnDelete == "" {
		c.OnDelete = OnDeleteRestrict
	}
}

// validate fills defaults and rejects configurations that cannot work.
func (c *Config) validate() error {
	c.applyDefaults()
	if c.Name == "" {
		return invalidConfig("hierarchy name is required")
	}
	if c.OnDelete != OnDeleteRestrict && c.OnDelete != OnDeleteCascade {
		return invalidConfig("onDelete on hierarchies must be either %q or %q, got %q",
			OnDeleteRestrict, OnDeleteCascade, c.OnDelete)
	}
	if c.ThroughKey == c.ThroughForeignKey {
		return invalidConfig("through key and through foreign key must differ (both %q)", c.ThroughKey)
	}
	if c.PrimaryKey == c.ForeignKey || c.PrimaryKey == c.LevelField || c.ForeignKey == c.LevelField {
		return invalidConfig("primary key, foreign key and level field must be distinct columns")
	}
	return nil
}
