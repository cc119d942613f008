package hierarchy

import "context"

// needsClosureCheck reports whether a move from prevLevel to newLevel could
// make the new parent a descendant of the moving entity at depth two or more.
//
// A descendant at depth d sits at prevLevel+d, so attaching below it yields
// newLevel = prevLevel+d+1. Depth one (a direct child) is rejected earlier by
// comparing the parent's parent with the moving id, which leaves d >= 2 and
// newLevel > prevLevel+2. The bound only holds while stored levels agree with
// the parent pointers; Config.AlwaysCheckCycles disables the shortcut.
func needsClosureCheck(prevLevel, newLevel int) bool {
	return newLevel > prevLevel+2
}

func checkSelfParent(id, parent ID) error {
	if id != nil && sameID(id, parent) {
		return ErrSelfParent.With("id", id)
	}
	return nil
}

// checkCycle rejects moving id under parent when parent is one of its
// descendants. parent must already be resolved.
func (h *Hierarchy) checkCycle(ctx context.Context, st Store, id ID, prevLevel int, parent *Node) error {
	if sameID(parent.ParentID, id) {
		return ErrCycle.With("id", id).With("parent", parent.ID)
	}
	if !h.cfg.AlwaysCheckCycles && !needsClosureCheck(prevLevel, parent.Level+1) {
		return nil
	}
	found, err := st.HasAncestor(ctx, h, parent.ID, id)
	if err != nil {
		return err
	}
	if found {
		return ErrCycle.With("id", id).With("parent", parent.ID)
	}
	return nil
}
