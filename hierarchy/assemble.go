package hierarchy

// Assemble nests a flat result set of typeName into parent/children trees
// as requested by opts. Nested includes are assembled first.
//
// With a nil parent the returned slice holds the top-level rows (those
// without a parent). With a parent context, as when loading the descendants
// of one entity, it holds the parent's direct children; they are also stored
// under the parent's children association and its raw descendants
// association is removed.
//
// opts must come from a single fetch: assembling the same options twice
// returns ErrAlreadyAssembled. Rows are returned unchanged when no hierarchy
// expansion was requested or opts.Raw is set.
func (r *Registry) Assemble(rows []*Row, opts *FindOptions, typeName string, parent *Row) ([]*Row, error) {
	if opts == nil {
		return rows, nil
	}
	if !opts.checked {
		if _, err := r.CheckQuery(opts, typeName); err != nil {
			return nil, err
		}
	}
	if !opts.expands || opts.Raw {
		return rows, nil
	}
	if opts.assembled {
		return nil, ErrAlreadyAssembled.With("type", typeName)
	}

	out, err := r.assemble(rows, opts.Include, opts.Hierarchy, typeName, parent)
	if err != nil {
		return nil, err
	}
	opts.assembled = true
	r.Metrics().assembled(typeName)
	return out, nil
}

func (r *Registry) assemble(rows []*Row, includes []Include, hierarchy bool, typeName string, parent *Row) ([]*Row, error) {
	for _, inc := range includes {
		for _, row := range rows {
			if !row.HasAssociation(inc.As) {
				continue
			}
			if _, err := r.assemble(row.Association(inc.As), inc.Include, inc.Hierarchy, inc.Type, row); err != nil {
				return nil, err
			}
		}
	}

	if !hierarchy {
		return rows, nil
	}
	h, ok := r.Lookup(typeName)
	if !ok {
		return nil, illegalQuery("cannot get hierarchy of %q: it is not hierarchical", typeName)
	}
	return h.nest(rows, parent)
}

// nest builds the tree below parent (or the forest when parent is nil).
func (h *Hierarchy) nest(rows []*Row, parent *Row) ([]*Row, error) {
	pk, fk := h.cfg.PrimaryKey, h.cfg.ForeignKey

	var top ID
	if parent != nil {
		top = NormalizeID(parent.Get(pk))
	}

	index := make(map[ID]*Row, len(rows))
	for _, row := range rows {
		index[NormalizeID(row.Get(pk))] = row
	}

	out := make([]*Row, 0, len(rows))
	for _, row := range rows {
		row.DeleteAssociation(h.cfg.Through)

		pid := NormalizeID(row.Get(fk))
		if pid == top {
			out = append(out, row)
			continue
		}
		owner, ok := index[pid]
		if !ok {
			return nil, ErrInconsistentResult.With("parent", pid).With("type", h.cfg.Name)
		}
		owner.SetAssociation(h.cfg.ChildrenAs, append(owner.Association(h.cfg.ChildrenAs), row))
	}

	if parent != nil {
		parent.SetAssociation(h.cfg.ChildrenAs, out)
		parent.DeleteAssociation(h.cfg.DescendantsAs)
	}
	return out, nil
}
