// Package memstore provides an in-memory hierarchy.Store. It keeps the
// entity parent pointers and levels plus the bridge rows of every registered
// hierarchy and supports all-or-nothing transactions by snapshotting state.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jacentio/lineage/hierarchy"
)

type table struct {
	nodes   map[hierarchy.ID]hierarchy.Node
	closure map[hierarchy.ClosureRow]struct{}
}

func newTable() *table {
	return &table{
		nodes:   make(map[hierarchy.ID]hierarchy.Node),
		closure: make(map[hierarchy.ClosureRow]struct{}),
	}
}

func (t *table) clone() *table {
	c := newTable()
	for k, v := range t.nodes {
		c.nodes[k] = v
	}
	for k := range t.closure {
		c.closure[k] = struct{}{}
	}
	return c
}

// Store is an in-memory hierarchy.Store.
type Store struct {
	mu     sync.Mutex
	txMu   sync.Mutex
	tables map[string]*table
}

var _ hierarchy.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{tables: make(map[string]*table)}
}

func (s *Store) table(h *hierarchy.Hierarchy) *table {
	t, ok := s.tables[h.Name()]
	if !ok {
		t = newTable()
		s.tables[h.Name()] = t
	}
	return t
}

// Tx runs fn and restores the previous state if it returns an error.
// Transactions are serialised.
func (s *Store) Tx(ctx context.Context, fn func(st hierarchy.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	saved := make(map[string]*table, len(s.tables))
	for k, t := range s.tables {
		saved[k] = t.clone()
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(s); err != nil {
		s.mu.Lock()
		s.tables = saved
		s.mu.Unlock()
		return err
	}
	return nil
}

// Put stores an entity row as is, without running any hook.
func (s *Store) Put(h *hierarchy.Hierarchy, n hierarchy.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.ID = hierarchy.NormalizeID(n.ID)
	n.ParentID = hierarchy.NormalizeID(n.ParentID)
	s.table(h).nodes[n.ID] = n
}

// SetParent overwrites an entity's parent pointer without running any hook.
func (s *Store) SetParent(h *hierarchy.Hierarchy, id, parent hierarchy.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id = hierarchy.NormalizeID(id)
	n, ok := s.table(h).nodes[id]
	if !ok {
		return fmt.Errorf("memstore: %s %v not found", h.Name(), id)
	}
	n.ParentID = hierarchy.NormalizeID(parent)
	s.table(h).nodes[id] = n
	return nil
}

// Node returns the stored entity row.
func (s *Store) Node(h *hierarchy.Hierarchy, id hierarchy.ID) (hierarchy.Node, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.table(h).nodes[hierarchy.NormalizeID(id)]
	return n, ok
}

// Ancestors returns the ancestors recorded for id, sorted by level.
func (s *Store) Ancestors(h *hierarchy.Hierarchy, id hierarchy.ID) []hierarchy.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(h)
	ids := t.ancestorsOf(hierarchy.NormalizeID(id))
	sort.SliceStable(ids, func(i, j int) bool {
		return t.nodes[ids[i]].Level < t.nodes[ids[j]].Level
	})
	return ids
}

// Snapshot is a comparable copy of one hierarchy's state.
type Snapshot struct {
	Nodes   map[hierarchy.ID]hierarchy.Node
	Closure []string
}

// Snapshot returns the current state of h with bridge rows in a stable order.
func (s *Store) Snapshot(h *hierarchy.Hierarchy) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(h).clone()
	rows := make([]string, 0, len(t.closure))
	for r := range t.closure {
		rows = append(rows, fmt.Sprintf("%v<%v", r.Descendant, r.Ancestor))
	}
	sort.Strings(rows)
	return Snapshot{Nodes: t.nodes, Closure: rows}
}

// --- hierarchy.Store ---

func (s *Store) FindNode(ctx context.Context, h *hierarchy.Hierarchy, id hierarchy.ID) (*hierarchy.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.table(h).nodes[hierarchy.NormalizeID(id)]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (s *Store) FindAncestorIDs(ctx context.Context, h *hierarchy.Hierarchy, id hierarchy.ID) ([]hierarchy.ID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table(h).ancestorsOf(hierarchy.NormalizeID(id)), nil
}

func (s *Store) HasAncestor(ctx context.Context, h *hierarchy.Hierarchy, descendant, ancestor hierarchy.ID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.table(h).closure[row(descendant, ancestor)]
	return ok, nil
}

func (s *Store) FindChildren(ctx context.Context, h *hierarchy.Hierarchy, parents []hierarchy.ID) ([]hierarchy.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[hierarchy.ID]bool, len(parents))
	for _, p := range parents {
		want[hierarchy.NormalizeID(p)] = true
	}
	var out []hierarchy.Node
	for _, n := range s.table(h).nodes {
		if parents == nil && n.ParentID == nil || parents != nil && n.ParentID != nil && want[n.ParentID] {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return fmt.Sprint(out[i].ID) < fmt.Sprint(out[j].ID) })
	return out, nil
}

func (s *Store) SetLevel(ctx context.Context, h *hierarchy.Hierarchy, ids []hierarchy.ID, level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(h)
	for _, id := range ids {
		id = hierarchy.NormalizeID(id)
		if n, ok := t.nodes[id]; ok {
			n.Level = level
			t.nodes[id] = n
		}
	}
	return nil
}

func (s *Store) InsertClosure(ctx context.Context, h *hierarchy.Hierarchy, rows []hierarchy.ClosureRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(h)
	for _, r := range rows {
		k := row(r.Descendant, r.Ancestor)
		if _, dup := t.closure[k]; dup {
			return fmt.Errorf("memstore: duplicate bridge row %v<%v", k.Descendant, k.Ancestor)
		}
		t.closure[k] = struct{}{}
	}
	return nil
}

func (s *Store) TruncateClosure(ctx context.Context, h *hierarchy.Hierarchy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table(h).closure = make(map[hierarchy.ClosureRow]struct{})
	return nil
}

func (s *Store) ShiftDescendantLevels(ctx context.Context, h *hierarchy.Hierarchy, id hierarchy.ID, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(h)
	for _, d := range t.descendantsOf(hierarchy.NormalizeID(id)) {
		n := t.nodes[d]
		n.Level += delta
		t.nodes[d] = n
	}
	return nil
}

func (s *Store) DetachSubtree(ctx context.Context, h *hierarchy.Hierarchy, id hierarchy.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(h)
	id = hierarchy.NormalizeID(id)
	above := t.ancestorsOf(id)
	for _, d := range append(t.descendantsOf(id), id) {
		for _, a := range above {
			delete(t.closure, row(d, a))
		}
	}
	return nil
}

func (s *Store) AttachSubtree(ctx context.Context, h *hierarchy.Hierarchy, id, parent hierarchy.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(h)
	id = hierarchy.NormalizeID(id)
	parent = hierarchy.NormalizeID(parent)
	above := append(t.ancestorsOf(parent), parent)
	for _, d := range append(t.descendantsOf(id), id) {
		for _, a := range above {
			t.closure[row(d, a)] = struct{}{}
		}
	}
	return nil
}

// DeleteSubtree removes id, its descendants and their bridge rows, the way an
// ON DELETE CASCADE parent key would.
func (s *Store) DeleteSubtree(h *hierarchy.Hierarchy, id hierarchy.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(h)
	id = hierarchy.NormalizeID(id)
	gone := append(t.descendantsOf(id), id)
	for _, d := range gone {
		delete(t.nodes, d)
	}
	for r := range t.closure {
		for _, d := range gone {
			if r.Descendant == d || r.Ancestor == d {
				delete(t.closure, r)
				break
			}
		}
	}
}

func (t *table) ancestorsOf(id hierarchy.ID) []hierarchy.ID {
	var out []hierarchy.ID
	for r := range t.closure {
		if r.Descendant == id {
			out = append(out, r.Ancestor)
		}
	}
	return out
}

func (t *table) descendantsOf(id hierarchy.ID) []hierarchy.ID {
	var out []hierarchy.ID
	for r := range t.closure {
		if r.Ancestor == id {
			out = append(out, r.Descendant)
		}
	}
	return out
}

func row(descendant, ancestor hierarchy.ID) hierarchy.ClosureRow {
	return hierarchy.ClosureRow{
		Descendant: hierarchy.NormalizeID(descendant),
		Ancestor:   hierarchy.NormalizeID(ancestor),
	}
}
