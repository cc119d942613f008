package hierarchy

// CheckQuery validates a hierarchy-expanding fetch of typeName before it runs.
// It returns whether any hierarchy expansion is requested anywhere in the
// include tree and records the answer on opts for Assemble.
func (r *Registry) CheckQuery(opts *FindOptions, typeName string) (bool, error) {
	if opts == nil {
		return false, nil
	}

	expands := false
	if opts.Hierarchy {
		if !r.IsHierarchical(typeName) {
			return false, illegalQuery("cannot get hierarchy of %q: it is not hierarchical", typeName).
				With("type", typeName)
		}
		expands = true
	}

	nested, err := r.checkIncludes(opts.Include, typeName)
	if err != nil {
		return false, err
	}

	opts.checked = true
	opts.expands = expands || nested
	return opts.expands, nil
}

func (r *Registry) checkIncludes(includes []Include, owner string) (bool, error) {
	expands := false
	for _, inc := range includes {
		if inc.Hierarchy {
			h, ok := r.Lookup(inc.Type)
			if !ok {
				return false, illegalQuery("cannot get hierarchy of %q: it is not hierarchical", inc.Type).
					With("type", inc.Type)
			}
			if inc.Type != owner {
				return false, illegalQuery("cannot get hierarchy of %q without including it from a parent", inc.Type).
					With("type", inc.Type).With("owner", owner)
			}
			if inc.As != h.cfg.DescendantsAs {
				return false, illegalQuery("cannot set hierarchy on %q without using the %q accessor", inc.Type, h.cfg.DescendantsAs).
					With("type", inc.Type).With("as", inc.As)
			}
			expands = true
		}

		nested, err := r.checkIncludes(inc.Include, inc.Type)
		if err != nil {
			return false, err
		}
		expands = expands || nested
	}
	return expands, nil
}
