package hierarchy

import (
	"context"
	"fmt"
	"time"
)

// Rebuild recomputes every level and bridge row from the parent pointers.
// The bridge table is truncated first, then the forest is walked breadth
// first, one level per round trip. Rows not reachable from a root (for
// example members of a parent-pointer cycle) keep their old level and get no
// bridge rows. It returns h for chaining.
func (h *Hierarchy) Rebuild(ctx context.Context, st Store) (*Hierarchy, error) {
	ctx, span := startSpan(ctx, "hierarchy.Rebuild", h)
	start := time.Now()

	nodes, rows, depth, err := h.rebuild(ctx, st)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	h.metrics().rebuilt(h.cfg.Name, elapsed.Seconds())
	h.metrics().closureRows(h.cfg.Name, rows)
	h.logger().InfoContext(ctx, "rebuilt hierarchy",
		"type", h.cfg.Name,
		"nodes", nodes,
		"closure_rows", rows,
		"depth", depth,
		"duration", elapsed)
	return h, nil
}

func (h *Hierarchy) rebuild(ctx context.Context, st Store) (nodes, rows, depth int, err error) {
	if err := st.TruncateClosure(ctx, h); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to truncate %s: %w", h.cfg.ThroughTable, err)
	}

	// paths maps each id of the previous level to its root-first ancestor path.
	var parents []ID
	paths := map[ID][]ID{}

	for level := 1; ; level++ {
		children, err := st.FindChildren(ctx, h, parents)
		if err != nil {
			return nodes, rows, depth, fmt.Errorf("failed to load level %d: %w", level, err)
		}
		if len(children) == 0 {
			return nodes, rows, depth, nil
		}

		ids := make([]ID, 0, len(children))
		next := make(map[ID][]ID, len(children))
		var closure []ClosureRow
		for _, n := range children {
			id := NormalizeID(n.ID)
			var path []ID
			if level > 1 {
				pid := NormalizeID(n.ParentID)
				above := paths[pid]
				path = make([]ID, 0, len(above)+1)
				path = append(append(path, above...), pid)
			}
			for _, a := range path {
				closure = append(closure, ClosureRow{Descendant: id, Ancestor: a})
			}
			next[id] = path
			ids = append(ids, id)
		}

		if err := st.SetLevel(ctx, h, ids, level); err != nil {
			return nodes, rows, depth, fmt.Errorf("failed to set level %d: %w", level, err)
		}
		if len(closure) > 0 {
			if err := st.InsertClosure(ctx, h, closure); err != nil {
				return nodes, rows, depth, fmt.Errorf("failed to insert bridge rows for level %d: %w", level, err)
			}
		}

		nodes += len(ids)
		rows += len(closure)
		depth = level
		parents, paths = ids, next
	}
}
