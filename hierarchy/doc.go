// Package hierarchy maintains closure-table hierarchies for tree-structured records.
//
// Every hierarchical entity carries a parent pointer and a denormalized depth
// level (roots are level 1). A bridge table holds one (descendant, ancestor)
// row per proper ancestor of each entity, so ancestor and descendant lookups
// are plain joins instead of recursive queries.
//
// # Key Features
//
//   - Level and closure maintenance on insert, move and bulk operations
//   - Cycle protection (self-parenting and moves under a descendant)
//   - Full rebuild from raw parent pointers after external edits
//   - Validation of hierarchy-expanding fetches
//   - Nesting of flat descendant result sets into parent/children trees
//
// # Hooks
//
// Each hierarchical type is registered in a [Registry]. The returned
// [*Hierarchy] implements [Lifecycle], whose methods are called explicitly by
// the host's insert and update code paths:
//
//	reg := hierarchy.NewRegistry()
//	folders, err := reg.Register(hierarchy.DefaultConfig("folder"))
//
//	// inside one transaction
//	if err := folders.BeforeInsert(ctx, st, rec, opts); err != nil { ... }
//	// ... host inserts rec ...
//	if err := folders.AfterInsert(ctx, st, rec, opts); err != nil { ... }
//
// # Stores
//
// Persistence goes through the [Store] interface. A Store value is bound to
// one transaction; every call made for one operation must use it so that
// level and closure changes commit or roll back together. Implementations
// live in the sqlstore, gormstore and dynamostore packages.
//
// # Errors
//
// Domain rule violations are reported as [*HierarchyError]:
//
//   - [ErrSelfParent] - entity set as its own parent
//   - [ErrParentNotFound] - parent does not exist
//   - [ErrCycle] - parent is a descendant of the entity
//   - [ErrIllegalQuery] - illegal hierarchy-expanding fetch
//   - [ErrInconsistentResult] - result set references a missing parent
//   - [ErrAlreadyAssembled] - options assembled twice
//   - [ErrInvalidConfig] - bad hierarchy configuration
//
// [ErrHierarchy] matches all of them. Storage errors are returned unchanged.
package hierarchy
