package hierarchy

import "context"

// Store is the persistence contract the lifecycle hooks and the rebuild
// engine work through. A Store value is bound to one transaction scope.
type Store interface {
	// FindNode returns the level and parent of id, or nil if it does not exist.
	FindNode(ctx context.Context, h *Hierarchy, id ID) (*Node, error)

	// FindAncestorIDs returns the ancestors recorded in the bridge table for id.
	FindAncestorIDs(ctx context.Context, h *Hierarchy, id ID) ([]ID, error)

	// HasAncestor reports whether the bridge row (descendant, ancestor) exists.
	HasAncestor(ctx context.Context, h *Hierarchy, descendant, ancestor ID) (bool, error)

	// FindChildren returns the nodes whose parent is one of parents.
	// A nil parents slice returns the roots.
	FindChildren(ctx context.Context, h *Hierarchy, parents []ID) ([]Node, error)

	// SetLevel sets the level column of every id to level.
	SetLevel(ctx context.Context, h *Hierarchy, ids []ID, level int) error

	// InsertClosure bulk-inserts bridge rows.
	InsertClosure(ctx context.Context, h *Hierarchy, rows []ClosureRow) error

	// TruncateClosure removes every bridge row of the hierarchy.
	TruncateClosure(ctx context.Context, h *Hierarchy) error

	// ShiftDescendantLevels adds delta to the level of every descendant of id.
	ShiftDescendantLevels(ctx context.Context, h *Hierarchy, id ID, delta int) error

	// DetachSubtree deletes the bridge rows linking id and its descendants to
	// the ancestors of id. Rows inside the subtree are kept.
	DetachSubtree(ctx context.Context, h *Hierarchy, id ID) error

	// AttachSubtree inserts the cross product of id and its descendants with
	// parent and the ancestors of parent.
	AttachSubtree(ctx context.Context, h *Hierarchy, id, parent ID) error
}
