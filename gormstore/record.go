package gormstore

import (
	"context"
	"errors"
	"reflect"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/jacentio/lineage/hierarchy"
)

// structRecord exposes one model value to the hierarchy hooks. Column names
// are resolved through the gorm schema.
type structRecord struct {
	ctx context.Context
	sch *schema.Schema
	rv  reflect.Value
	err error
}

var _ hierarchy.Record = (*structRecord)(nil)

func (r *structRecord) Get(column string) any {
	f := r.sch.LookUpField(column)
	if f == nil {
		return nil
	}
	v, zero := f.ValueOf(r.ctx, r.rv)
	if zero {
		return nil
	}
	return v
}

func (r *structRecord) Set(column string, value any) {
	f := r.sch.LookUpField(column)
	if f == nil {
		r.err = errors.Join(r.err, gorm.ErrInvalidField)
		return
	}
	r.err = errors.Join(r.err, f.Set(r.ctx, r.rv, value))
}

// createRecords returns one record per model value being created.
func createRecords(stmt *gorm.Statement) []*structRecord {
	rv := reflect.Indirect(stmt.ReflectValue)
	switch rv.Kind() {
	case reflect.Struct:
		return []*structRecord{{ctx: stmt.Context, sch: stmt.Schema, rv: rv}}
	case reflect.Slice, reflect.Array:
		out := make([]*structRecord, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			elem := reflect.Indirect(rv.Index(i))
			if elem.Kind() == reflect.Struct {
				out = append(out, &structRecord{ctx: stmt.Context, sch: stmt.Schema, rv: elem})
			}
		}
		return out
	}
	return nil
}

func recordErr(recs []*structRecord) error {
	var err error
	for _, r := range recs {
		err = errors.Join(err, r.err)
	}
	return err
}

// updateRecord is the view of an UPDATE statement: the key comes from the
// model, new values from the statement's destination, and values set by the
// hooks are written back through Statement.SetColumn.
type updateRecord struct {
	stmt *gorm.Statement
	h    *hierarchy.Hierarchy
}

var _ hierarchy.Record = (*updateRecord)(nil)

func (r *updateRecord) Get(column string) any {
	f := r.stmt.Schema.LookUpField(column)
	if f == nil {
		return nil
	}
	if column == r.h.Config().PrimaryKey {
		return valueOf(r.stmt.Context, f, r.stmt.ReflectValue)
	}
	switch dest := r.stmt.Dest.(type) {
	case map[string]any:
		if v, ok := dest[f.DBName]; ok {
			return v
		}
		return dest[f.Name]
	}
	return valueOf(r.stmt.Context, f, reflect.ValueOf(r.stmt.Dest))
}

func (r *updateRecord) Set(column string, value any) {
	r.stmt.SetColumn(column, value, true)
}

func valueOf(ctx context.Context, f *schema.Field, rv reflect.Value) any {
	rv = reflect.Indirect(rv)
	if rv.Kind() != reflect.Struct {
		return nil
	}
	v, zero := f.ValueOf(ctx, rv)
	if zero {
		return nil
	}
	return v
}

// writesColumn reports whether an UPDATE statement writes column.
func writesColumn(stmt *gorm.Statement, column string) bool {
	f := stmt.Schema.LookUpField(column)
	if f == nil {
		return false
	}
	selected, restricted := stmt.SelectAndOmitColumns(false, true)
	v, listed := selected[f.DBName]
	if listed && !v {
		return false
	}

	if dest, ok := stmt.Dest.(map[string]any); ok {
		_, byColumn := dest[f.DBName]
		_, byName := dest[f.Name]
		return (byColumn || byName) && (!restricted || v)
	}
	// Save selects "*".
	if listed || restricted {
		return v
	}
	return valueOf(stmt.Context, f, reflect.ValueOf(stmt.Dest)) != nil
}
