// Package gormstore maintains closure-table hierarchies for gorm models.
//
// The [Plugin] registers callbacks around gorm's create and update steps:
//
//   - lineage:before_create computes the level of every created model
//   - lineage:after_create writes their bridge rows
//   - lineage:before_update moves the subtree when the parent column changes
//
// The callbacks share the statement's connection, so they run in gorm's
// default transaction and roll back with it. Disabling the default
// transaction leaves the hierarchy writes unprotected.
//
//	reg := hierarchy.NewRegistry()
//	reg.MustRegister(hierarchy.DefaultConfig("folder"))
//	if err := db.Use(gormstore.New(reg)); err != nil { ... }
//
//	db.Create(&Folder{Name: "docs", ParentID: &root.ID})
//	db.Model(&folder).Update("parent_id", other.ID)
//
// Updates that change the parent column must target one model with its
// primary key set; use [Plugin.BulkMove] for moves selected by a condition.
package gormstore
