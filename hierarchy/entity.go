package hierarchy

import (
	"database/sql/driver"
	"math"
	"reflect"
)

// ID is a primary-key value. Keys must be comparable once normalized:
// strings, integer kinds and fixed-size arrays such as uuid.UUID all work.
type ID = any

// NormalizeID canonicalises a key value so that keys read through different
// drivers compare equal. Pointers are dereferenced (nil pointers become nil),
// integer kinds become int64, []byte becomes string and driver.Valuer values
// other than arrays are replaced by their driver value. Unsigned values above
// math.MaxInt64 stay uint64.
func NormalizeID(v any) ID {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case int64:
		return t
	case string:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case []byte:
		return string(t)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return NormalizeID(rv.Elem().Interface())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return u
		}
		return int64(u)
	case reflect.String:
		return rv.String()
	case reflect.Array:
		// uuid.UUID and friends are comparable as-is.
		return v
	}

	if valuer, ok := v.(driver.Valuer); ok {
		dv, err := valuer.Value()
		if err == nil {
			return NormalizeID(dv)
		}
	}
	return v
}

// sameID reports whether two key values are equal after normalization.
func sameID(a, b ID) bool {
	return NormalizeID(a) == NormalizeID(b)
}

// Node is the hierarchy-relevant projection of an entity row.
type Node struct {
	ID       ID
	ParentID ID // nil for roots
	Level    int
}

// IsRoot reports whether the node has no parent.
func (n Node) IsRoot() bool {
	return NormalizeID(n.ParentID) == nil
}

// ClosureRow is one bridge-table row: Ancestor is a proper ancestor of Descendant.
type ClosureRow struct {
	Descendant ID
	Ancestor   ID
}

// Record is the field-level view of an entity that the lifecycle hooks read
// and write. Field names are column names from the hierarchy Config.
type Record interface {
	Get(field string) any
	Set(field string, value any)
}

// Row is a fetched or to-be-written entity: column values plus loaded
// associations. Row implements Record.
type Row struct {
	Values map[string]any
	Assoc  map[string][]*Row
}

// NewRow returns a row holding a copy of values.
func NewRow(values map[string]any) *Row {
	r := &Row{Values: make(map[string]any, len(values))}
	for k, v := range values {
		r.Values[k] = v
	}
	return r
}

// Get returns the value of a column, or nil.
func (r *Row) Get(field string) any {
	if r == nil || r.Values == nil {
		return nil
	}
	return r.Values[field]
}

// Set sets the value of a column.
func (r *Row) Set(field string, value any) {
	if r.Values == nil {
		r.Values = make(map[string]any)
	}
	r.Values[field] = value
}

// Association returns the rows loaded under name.
func (r *Row) Association(name string) []*Row {
	if r == nil || r.Assoc == nil {
		return nil
	}
	return r.Assoc[name]
}

// HasAssociation reports whether name is set on the row, even if empty.
func (r *Row) HasAssociation(name string) bool {
	if r == nil || r.Assoc == nil {
		return false
	}
	_, ok := r.Assoc[name]
	return ok
}

// SetAssociation sets the rows loaded under name.
func (r *Row) SetAssociation(name string, rows []*Row) {
	if r.Assoc == nil {
		r.Assoc = make(map[string][]*Row)
	}
	r.Assoc[name] = rows
}

// DeleteAssociation removes name from the row.
func (r *Row) DeleteAssociation(name string) {
	if r.Assoc != nil {
		delete(r.Assoc, name)
	}
}

// WriteOptions carries per-write settings into the lifecycle hooks.
type WriteOptions struct {
	// Fields is the projection of columns being written. Nil means all
	// columns. The hooks ignore a parent column that is not in the projection
	// and append the level column when they set it.
	Fields []string
}

// inFields reports whether field is part of the write projection.
func (o *WriteOptions) inFields(field string) bool {
	if o == nil || o.Fields == nil {
		return true
	}
	for _, f := range o.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// addField appends field to the projection without mutating the caller's slice.
func (o *WriteOptions) addField(field string) {
	if o == nil || o.inFields(field) {
		return
	}
	fields := make([]string, 0, len(o.Fields)+1)
	fields = append(fields, o.Fields...)
	o.Fields = append(fields, field)
}

// Previous holds an entity's parent and level before an update.
// Known is false when the caller does not know them; they are then read from the Store.
type Previous struct {
	ParentID ID
	Level    int
	Known    bool
}

// FindOptions describes a fetch whose results may be assembled into trees.
type FindOptions struct {
	// Hierarchy nests the top-level results into a forest.
	Hierarchy bool

	// Raw returns plain rows without association objects.
	Raw bool

	// Fields is an optional column projection.
	Fields []string

	// Include lists nested associations to load.
	Include []Include

	checked   bool
	expands   bool
	assembled bool
}

// ExpandsHierarchy reports whether CheckQuery found a hierarchy expansion
// anywhere in the include tree.
func (o *FindOptions) ExpandsHierarchy() bool {
	return o != nil && o.expands
}

// Include is one node of a fetch's nested-association tree.
type Include struct {
	// Type is the entity type name of the included rows.
	Type string

	// As is the association name on the owning row.
	As string

	// Hierarchy nests the included rows into a tree under the owning row.
	Hierarchy bool

	// Include lists associations nested under this one.
	Include []Include
}
