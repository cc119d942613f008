package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/jacentio/lineage/hierarchy"
	"github.com/jacentio/lineage/sqlstore"
)

// ErrUnkeyedUpdate is returned when an update changes the parent column
// without a model carrying the primary key. Use Plugin.BulkMove instead.
var ErrUnkeyedUpdate = errors.New("lineage: parent column updated without a primary key; use BulkMove")

// Plugin maintains levels and bridge rows for the hierarchical models of a
// gorm.DB. Models are matched to hierarchies by table name.
type Plugin struct {
	reg *hierarchy.Registry
}

var _ gorm.Plugin = (*Plugin)(nil)

// New returns a plugin for the hierarchies in reg.
func New(reg *hierarchy.Registry) *Plugin {
	return &Plugin{reg: reg}
}

func (p *Plugin) Name() string {
	return "lineage"
}

// Initialize registers the create and update callbacks.
func (p *Plugin) Initialize(db *gorm.DB) error {
	create := db.Callback().Create()
	if err := create.Before("gorm:create").Register("lineage:before_create", p.beforeCreate); err != nil {
		return err
	}
	if err := create.After("gorm:create").Register("lineage:after_create", p.afterCreate); err != nil {
		return err
	}
	return db.Callback().Update().Before("gorm:update").Register("lineage:before_update", p.beforeUpdate)
}

// hierarchyOf returns the hierarchy of the statement's table, if any.
func (p *Plugin) hierarchyOf(db *gorm.DB) (*hierarchy.Hierarchy, bool) {
	if db.Error != nil || db.Statement.Schema == nil {
		return nil, false
	}
	table := db.Statement.Table
	if table == "" {
		table = db.Statement.Schema.Table
	}
	schemaName, tableName, ok := strings.Cut(table, ".")
	if !ok {
		schemaName, tableName = "", table
	}
	return p.reg.ByTable(schemaName, tableName)
}

// store binds a hierarchy store to the statement's connection, which is the
// callback chain's transaction unless SkipDefaultTransaction is set.
func store(db *gorm.DB) (*sqlstore.Store, error) {
	d, err := sqlstore.DialectFor(db.Dialector.Name())
	if err != nil {
		return nil, err
	}
	return sqlstore.NewStore(db.Statement.ConnPool, d), nil
}

// createOptions reflects Select/Omit on the parent column and makes sure the
// level column is written.
func createOptions(db *gorm.DB, h *hierarchy.Hierarchy) *hierarchy.WriteOptions {
	c := h.Config()
	selected, restricted := db.Statement.SelectAndOmitColumns(true, false)
	if v, ok := selected[c.ForeignKey]; (ok && !v) || (restricted && !v) {
		return &hierarchy.WriteOptions{Fields: []string{c.PrimaryKey}}
	}
	return &hierarchy.WriteOptions{}
}

func (p *Plugin) beforeCreate(db *gorm.DB) {
	h, ok := p.hierarchyOf(db)
	if !ok {
		return
	}
	st, err := store(db)
	if err != nil {
		db.AddError(err)
		return
	}

	recs := createRecords(db.Statement)
	batch := make([]hierarchy.Record, len(recs))
	for i, r := range recs {
		batch[i] = r
	}
	opts := createOptions(db, h)
	if err := h.BeforeBulkInsert(db.Statement.Context, st, batch, opts); err != nil {
		db.AddError(err)
		return
	}
	if err := recordErr(recs); err != nil {
		db.AddError(err)
		return
	}
	if _, restricted := db.Statement.SelectAndOmitColumns(true, false); restricted {
		db.Statement.Selects = append(db.Statement.Selects, h.Config().LevelField)
	}
}

func (p *Plugin) afterCreate(db *gorm.DB) {
	h, ok := p.hierarchyOf(db)
	if !ok {
		return
	}
	st, err := store(db)
	if err != nil {
		db.AddError(err)
		return
	}

	recs := createRecords(db.Statement)
	batch := make([]hierarchy.Record, len(recs))
	for i, r := range recs {
		batch[i] = r
	}
	if err := h.AfterBulkInsert(db.Statement.Context, st, batch, createOptions(db, h)); err != nil {
		db.AddError(err)
	}
}

func (p *Plugin) beforeUpdate(db *gorm.DB) {
	h, ok := p.hierarchyOf(db)
	if !ok {
		return
	}
	c := h.Config()
	stmt := db.Statement
	if !writesColumn(stmt, c.ForeignKey) {
		return
	}

	rec := &updateRecord{stmt: stmt, h: h}
	if rec.Get(c.PrimaryKey) == nil {
		db.AddError(fmt.Errorf("%w: %s", ErrUnkeyedUpdate, c.Name))
		return
	}
	st, err := store(db)
	if err != nil {
		db.AddError(err)
		return
	}

	opts := &hierarchy.WriteOptions{Fields: []string{c.ForeignKey}}
	if err := h.BeforeUpdate(stmt.Context, st, rec, nil, opts); err != nil {
		db.AddError(err)
		return
	}
	if len(opts.Fields) > 1 {
		if _, restricted := stmt.SelectAndOmitColumns(false, true); restricted {
			stmt.Selects = append(stmt.Selects, c.LevelField)
		}
	}
}

// lookup returns the hierarchy registered as name.
func (p *Plugin) lookup(name string) (*hierarchy.Hierarchy, error) {
	h, ok := p.reg.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("lineage: %q is not a registered hierarchy", name)
	}
	return h, nil
}

// BulkMove makes parent the new parent of every id in one transaction.
func (p *Plugin) BulkMove(ctx context.Context, db *gorm.DB, name string, ids []hierarchy.ID, parent hierarchy.ID) error {
	h, err := p.lookup(name)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st, err := store(tx)
		if err != nil {
			return err
		}
		if _, err := h.BeforeBulkUpdate(ctx, st, ids, parent, &hierarchy.WriteOptions{}); err != nil {
			return err
		}
		d, _ := sqlstore.DialectFor(tx.Dialector.Name())
		c := h.Config()
		return tx.Exec("UPDATE "+d.Table(c.Schema, c.Table)+" SET "+d.Quote(c.ForeignKey)+" = ? WHERE "+
			d.Quote(c.PrimaryKey)+" IN ?", parent, ids).Error
	})
}

// Rebuild recomputes levels and bridge rows of the hierarchy name.
func (p *Plugin) Rebuild(ctx context.Context, db *gorm.DB, name string) error {
	h, err := p.lookup(name)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		st, err := store(tx)
		if err != nil {
			return err
		}
		_, err = h.Rebuild(ctx, st)
		return err
	})
}

// Descendants returns the descendants of id ordered by level. With tree set
// it returns the direct children of id with their descendants nested under
// the children association.
func (p *Plugin) Descendants(ctx context.Context, db *gorm.DB, name string, id hierarchy.ID, tree bool) ([]*hierarchy.Row, error) {
	h, err := p.lookup(name)
	if err != nil {
		return nil, err
	}
	d, err := sqlstore.DialectFor(db.Dialector.Name())
	if err != nil {
		return nil, err
	}
	c := h.Config()
	db = db.WithContext(ctx)

	var found []map[string]any
	err = db.Table(d.Table(c.Schema, c.Table)+" AS e").
		Select("e.*").
		Joins("INNER JOIN "+d.Table(c.Schema, c.ThroughTable)+" AS t ON t."+d.Quote(c.ThroughKey)+" = e."+d.Quote(c.PrimaryKey)).
		Where("t."+d.Quote(c.ThroughForeignKey)+" = ?", id).
		Order("e." + d.Quote(c.LevelField) + ", e." + d.Quote(c.PrimaryKey)).
		Find(&found).Error
	if err != nil {
		return nil, err
	}
	rows := toRows(found)
	if !tree {
		return rows, nil
	}

	self := map[string]any{}
	if err := db.Table(d.Table(c.Schema, c.Table)+" AS e").Where("e."+d.Quote(c.PrimaryKey)+" = ?", id).Take(&self).Error; err != nil {
		return nil, err
	}
	parent := hierarchy.NewRow(self)
	parent.SetAssociation(c.DescendantsAs, rows)
	return p.reg.Assemble(rows, &hierarchy.FindOptions{Hierarchy: true}, name, parent)
}

// Ancestors returns the ancestors of id, root first.
func (p *Plugin) Ancestors(ctx context.Context, db *gorm.DB, name string, id hierarchy.ID) ([]*hierarchy.Row, error) {
	h, err := p.lookup(name)
	if err != nil {
		return nil, err
	}
	d, err := sqlstore.DialectFor(db.Dialector.Name())
	if err != nil {
		return nil, err
	}
	c := h.Config()

	var found []map[string]any
	err = db.WithContext(ctx).Table(d.Table(c.Schema, c.Table)+" AS e").
		Select("e.*").
		Joins("INNER JOIN "+d.Table(c.Schema, c.ThroughTable)+" AS t ON t."+d.Quote(c.ThroughForeignKey)+" = e."+d.Quote(c.PrimaryKey)).
		Where("t."+d.Quote(c.ThroughKey)+" = ?", id).
		Order("e." + d.Quote(c.LevelField)).
		Find(&found).Error
	if err != nil {
		return nil, err
	}
	return toRows(found), nil
}

func toRows(found []map[string]any) []*hierarchy.Row {
	rows := make([]*hierarchy.Row, len(found))
	for i, m := range found {
		rows[i] = &hierarchy.Row{Values: m}
	}
	return rows
}
