package hierarchy

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// parentOf returns the record's parent key as seen through the write projection.
func (h *Hierarchy) parentOf(rec Record, opts *WriteOptions) ID {
	if !opts.inFields(h.cfg.ForeignKey) {
		return nil
	}
	return NormalizeID(rec.Get(h.cfg.ForeignKey))
}

func (h *Hierarchy) idOf(rec Record) ID {
	return NormalizeID(rec.Get(h.cfg.PrimaryKey))
}

func (h *Hierarchy) setLevel(rec Record, opts *WriteOptions, level int) {
	rec.Set(h.cfg.LevelField, level)
	opts.addField(h.cfg.LevelField)
}

// BeforeInsert computes the level of a new record from its parent.
// It must run before the record is persisted.
func (h *Hierarchy) BeforeInsert(ctx context.Context, st Store, rec Record, opts *WriteOptions) error {
	err := h.prepareInsert(ctx, st, rec, opts, nil)
	h.observe("insert", err)
	return err
}

// prepareInsert sets the record's level. levels caches parent levels across
// a batch and may be nil.
func (h *Hierarchy) prepareInsert(ctx context.Context, st Store, rec Record, opts *WriteOptions, levels map[ID]int) error {
	parent := h.parentOf(rec, opts)
	if parent == nil {
		h.setLevel(rec, opts, 1)
		h.remember(levels, rec, 1)
		return nil
	}

	id := h.idOf(rec)
	if err := checkSelfParent(id, parent); err != nil {
		return err
	}

	parentLevel, ok := levels[parent]
	if !ok {
		node, err := st.FindNode(ctx, h, parent)
		if err != nil {
			return fmt.Errorf("failed to load parent %v: %w", parent, err)
		}
		if node == nil {
			return ErrParentNotFound.With("parent", parent)
		}
		parentLevel = node.Level
		if levels != nil {
			levels[parent] = parentLevel
		}
	}

	h.setLevel(rec, opts, parentLevel+1)
	h.remember(levels, rec, parentLevel+1)
	return nil
}

// remember records a batch member's level so later members may use it as a parent.
func (h *Hierarchy) remember(levels map[ID]int, rec Record, level int) {
	if levels == nil {
		return
	}
	if id := h.idOf(rec); id != nil {
		levels[id] = level
	}
}

// AfterInsert writes the bridge rows of a newly inserted record.
func (h *Hierarchy) AfterInsert(ctx context.Context, st Store, rec Record, opts *WriteOptions) error {
	return h.writeClosure(ctx, st, rec, opts, nil)
}

// writeClosure inserts one bridge row per ancestor of rec. ancestors caches
// ancestor lists across a batch and may be nil.
func (h *Hierarchy) writeClosure(ctx context.Context, st Store, rec Record, opts *WriteOptions, ancestors map[ID][]ID) error {
	parent := h.parentOf(rec, opts)
	if parent == nil {
		return nil
	}
	id := h.idOf(rec)
	if id == nil {
		return fmt.Errorf("%s record has no %s after insert", h.cfg.Name, h.cfg.PrimaryKey)
	}

	path, cached := ancestors[parent]
	if !cached {
		// A level-2 record has a root parent, which has no ancestors.
		if level, ok := toInt(rec.Get(h.cfg.LevelField)); !ok || level != 2 {
			ids, err := st.FindAncestorIDs(ctx, h, parent)
			if err != nil {
				return fmt.Errorf("failed to load ancestors of %v: %w", parent, err)
			}
			path = ids
		}
		if ancestors != nil {
			ancestors[parent] = path
		}
	}

	rows := make([]ClosureRow, 0, len(path)+1)
	for _, a := range path {
		rows = append(rows, ClosureRow{Descendant: id, Ancestor: a})
	}
	rows = append(rows, ClosureRow{Descendant: id, Ancestor: parent})

	if err := st.InsertClosure(ctx, h, rows); err != nil {
		return fmt.Errorf("failed to insert bridge rows for %v: %w", id, err)
	}
	h.metrics().closureRows(h.cfg.Name, len(rows))

	if ancestors != nil {
		own := make([]ID, 0, len(path)+1)
		ancestors[id] = append(append(own, path...), parent)
	}
	return nil
}

// BeforeBulkInsert applies BeforeInsert to every record in order. Records may
// name earlier records of the same batch as their parent when their keys are
// assigned before the insert.
func (h *Hierarchy) BeforeBulkInsert(ctx context.Context, st Store, recs []Record, opts *WriteOptions) error {
	levels := make(map[ID]int)
	for i, rec := range recs {
		if err := h.prepareInsert(ctx, st, rec, opts, levels); err != nil {
			h.observe("insert", err)
			return fmt.Errorf("record %d: %w", i, err)
		}
		h.metrics().insert(h.cfg.Name)
	}
	return nil
}

// AfterBulkInsert applies AfterInsert to every record in order.
func (h *Hierarchy) AfterBulkInsert(ctx context.Context, st Store, recs []Record, opts *WriteOptions) error {
	ancestors := make(map[ID][]ID)
	for i, rec := range recs {
		if err := h.writeClosure(ctx, st, rec, opts, ancestors); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}

// BeforeUpdate maintains levels and bridge rows when an update changes the
// record's parent. prev may be nil, in which case the stored parent and level
// are read from st. The record's level is set for the host to persist along
// with the parent change.
func (h *Hierarchy) BeforeUpdate(ctx context.Context, st Store, rec Record, prev *Previous, opts *WriteOptions) (err error) {
	if !opts.inFields(h.cfg.ForeignKey) {
		return nil
	}
	id := h.idOf(rec)
	newParent := NormalizeID(rec.Get(h.cfg.ForeignKey))

	if prev == nil || !prev.Known {
		node, err := st.FindNode(ctx, h, id)
		if err != nil {
			return fmt.Errorf("failed to load %v: %w", id, err)
		}
		if node == nil {
			// Nothing stored yet, so there is nothing to maintain.
			return nil
		}
		prev = &Previous{ParentID: node.ParentID, Level: node.Level, Known: true}
	}
	if sameID(prev.ParentID, newParent) {
		return nil
	}

	ctx, span := startSpan(ctx, "hierarchy.BeforeUpdate", h, attribute.String("lineage.id", fmt.Sprint(id)))
	defer func() { endSpan(span, err) }()

	if err = checkSelfParent(id, newParent); err != nil {
		h.observe("move", err)
		return err
	}
	var parent *Node
	if newParent != nil {
		if parent, err = h.resolveParent(ctx, st, newParent); err != nil {
			h.observe("move", err)
			return err
		}
	}

	level, err := h.move(ctx, st, id, *prev, parent)
	h.observe("move", err)
	if err != nil {
		return err
	}
	if level != prev.Level {
		h.setLevel(rec, opts, level)
	}
	return nil
}

// BeforeBulkUpdate moves every id under newParent, one row at a time, and
// persists each row's new level. It returns the new level per id. Rows that
// already sit under newParent are left untouched.
func (h *Hierarchy) BeforeBulkUpdate(ctx context.Context, st Store, ids []ID, newParent ID, opts *WriteOptions) (levels map[ID]int, err error) {
	ctx, span := startSpan(ctx, "hierarchy.BeforeBulkUpdate", h, attribute.Int("lineage.rows", len(ids)))
	defer func() { endSpan(span, err) }()

	newParent = NormalizeID(newParent)
	var parent *Node
	if newParent != nil {
		if parent, err = h.resolveParent(ctx, st, newParent); err != nil {
			h.observe("move", err)
			return nil, err
		}
	}

	levels = make(map[ID]int, len(ids))
	for _, raw := range ids {
		id := NormalizeID(raw)
		node, err := st.FindNode(ctx, h, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load %v: %w", id, err)
		}
		if node == nil {
			continue
		}
		if sameID(node.ParentID, newParent) {
			levels[id] = node.Level
			continue
		}
		if err := checkSelfParent(id, newParent); err != nil {
			h.observe("move", err)
			return nil, err
		}

		prev := Previous{ParentID: node.ParentID, Level: node.Level, Known: true}
		level, err := h.move(ctx, st, id, prev, parent)
		h.observe("move", err)
		if err != nil {
			return nil, err
		}
		if level != prev.Level {
			if err := st.SetLevel(ctx, h, []ID{id}, level); err != nil {
				return nil, fmt.Errorf("failed to set level of %v: %w", id, err)
			}
		}
		levels[id] = level
	}
	return levels, nil
}

func (h *Hierarchy) resolveParent(ctx context.Context, st Store, id ID) (*Node, error) {
	node, err := st.FindNode(ctx, h, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load parent %v: %w", id, err)
	}
	if node == nil {
		return nil, ErrParentNotFound.With("parent", id)
	}
	node.ID = NormalizeID(node.ID)
	node.ParentID = NormalizeID(node.ParentID)
	return node, nil
}

// move validates and applies a parent change of id. parent is nil when the
// entity becomes a root. It returns the entity's new level; the caller
// persists it on the entity row.
func (h *Hierarchy) move(ctx context.Context, st Store, id ID, prev Previous, parent *Node) (int, error) {
	level := 1
	if parent != nil {
		if err := h.checkCycle(ctx, st, id, prev.Level, parent); err != nil {
			return 0, err
		}
		level = parent.Level + 1
	}

	if delta := level - prev.Level; delta != 0 {
		if err := st.ShiftDescendantLevels(ctx, h, id, delta); err != nil {
			return 0, fmt.Errorf("failed to shift descendant levels of %v: %w", id, err)
		}
	}
	if NormalizeID(prev.ParentID) != nil {
		if err := st.DetachSubtree(ctx, h, id); err != nil {
			return 0, fmt.Errorf("failed to detach subtree of %v: %w", id, err)
		}
	}
	if parent != nil {
		if err := st.AttachSubtree(ctx, h, id, parent.ID); err != nil {
			return 0, fmt.Errorf("failed to attach subtree of %v: %w", id, err)
		}
	}

	h.logger().DebugContext(ctx, "moved entity",
		"type", h.cfg.Name,
		"id", id,
		"from", prev.ParentID,
		"to", parentID(parent),
		"level", level)
	return level, nil
}

func parentID(n *Node) ID {
	if n == nil {
		return nil
	}
	return n.ID
}

// observe records the outcome of a hook in metrics and logs rejections.
func (h *Hierarchy) observe(op string, err error) {
	m := h.metrics()
	if err == nil {
		if op == "move" {
			m.move(h.cfg.Name)
		} else {
			m.insert(h.cfg.Name)
		}
		return
	}
	if IsHierarchyError(err) {
		m.reject(h.cfg.Name, err)
		h.logger().Debug("hierarchy write rejected", "type", h.cfg.Name, "op", op, "error", err)
	}
}

// toInt converts a level value read from a record or a driver row.
func toInt(v any) (int, bool) {
	switch t := NormalizeID(v).(type) {
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case float32:
		return int(t), true
	}
	return 0, false
}
