// Package sqlstore persists closure-table hierarchies through database/sql.
//
// [Store] implements [hierarchy.Store] over a connection or transaction and
// [Repository] wraps one hierarchy with transactional writes that call the
// hierarchy hooks, plus reads of parents, children, ancestors and
// descendants.
//
// SQLite, PostgreSQL and MySQL are supported. Queries are written with ?
// placeholders and rebound for the target [Dialect]:
//
//	db, _ := sql.Open("sqlite", "lineage.db?_pragma=foreign_keys(1)")
//	reg := hierarchy.NewRegistry()
//	h, _ := reg.Register(hierarchy.DefaultConfig("folder"))
//	_ = sqlstore.EnsureSchema(ctx, db, sqlstore.SQLite, h)
//
//	repo, _ := sqlstore.NewRepository(db, sqlstore.SQLite, reg, "folder")
//	id, err := repo.Insert(ctx, hierarchy.NewRow(map[string]any{"parent_id": nil}))
//
// Foreign keys must be enforced by the connection: the bridge table relies on
// ON DELETE CASCADE to drop the rows of deleted entities.
package sqlstore
