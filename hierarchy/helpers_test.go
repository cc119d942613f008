package hierarchy_test

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/jacentio/lineage/hierarchy"
	"github.com/jacentio/lineage/internal/memstore"
)

// host plays the data-access layer: it runs each write in a memstore
// transaction and calls the lifecycle hooks around it.
type host struct {
	t   *testing.T
	reg *hierarchy.Registry
	h   *hierarchy.Hierarchy
	st  *memstore.Store
}

func newHost(t *testing.T, cfg hierarchy.Config) *host {
	t.Helper()
	reg := hierarchy.NewRegistry()
	h, err := reg.Register(cfg)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return &host{t: t, reg: reg, h: h, st: memstore.New()}
}

func nullable(id string) any {
	if id == "" {
		return nil
	}
	return id
}

func (x *host) insert(id, parent string) error {
	ctx := context.Background()
	return x.st.Tx(ctx, func(st hierarchy.Store) error {
		rec := hierarchy.NewRow(map[string]any{"id": id, "parent_id": nullable(parent)})
		opts := &hierarchy.WriteOptions{}
		if err := x.h.BeforeInsert(ctx, st, rec, opts); err != nil {
			return err
		}
		x.st.Put(x.h, hierarchy.Node{ID: id, ParentID: rec.Get("parent_id"), Level: rec.Get("hierarchy_level").(int)})
		return x.h.AfterInsert(ctx, st, rec, opts)
	})
}

func (x *host) mustInsert(id, parent string) {
	x.t.Helper()
	if err := x.insert(id, parent); err != nil {
		x.t.Fatalf("insert %s under %q: %v", id, parent, err)
	}
}

func (x *host) move(id, parent string) error {
	ctx := context.Background()
	return x.st.Tx(ctx, func(st hierarchy.Store) error {
		rec := hierarchy.NewRow(map[string]any{"id": id, "parent_id": nullable(parent)})
		opts := &hierarchy.WriteOptions{Fields: []string{"parent_id"}}
		if err := x.h.BeforeUpdate(ctx, st, rec, nil, opts); err != nil {
			return err
		}
		if err := x.st.SetParent(x.h, id, rec.Get("parent_id")); err != nil {
			return err
		}
		if level, ok := rec.Get("hierarchy_level").(int); ok {
			return st.SetLevel(ctx, x.h, []hierarchy.ID{id}, level)
		}
		return nil
	})
}

func (x *host) mustMove(id, parent string) {
	x.t.Helper()
	if err := x.move(id, parent); err != nil {
		x.t.Fatalf("move %s under %q: %v", id, parent, err)
	}
}

// fixture inserts a, ab, ac, abd, abe, abdf, abdg.
func (x *host) fixture() {
	x.t.Helper()
	for _, n := range [][2]string{
		{"a", ""}, {"ab", "a"}, {"ac", "a"},
		{"abd", "ab"}, {"abe", "ab"},
		{"abdf", "abd"}, {"abdg", "abd"},
	} {
		x.mustInsert(n[0], n[1])
	}
}

func (x *host) level(id string) int {
	x.t.Helper()
	n, ok := x.st.Node(x.h, id)
	if !ok {
		x.t.Fatalf("node %s not found", id)
	}
	return n.Level
}

func (x *host) ancestors(id string) []string {
	var out []string
	for _, a := range x.st.Ancestors(x.h, id) {
		out = append(out, fmt.Sprint(a))
	}
	return out
}

// checkInvariants verifies every level and bridge row against the parent pointers.
func (x *host) checkInvariants() {
	x.t.Helper()
	snap := x.st.Snapshot(x.h)
	want := 0
	for id, n := range snap.Nodes {
		var path []string
		seen := map[hierarchy.ID]bool{id: true}
		for p := n.ParentID; p != nil; p = snap.Nodes[p].ParentID {
			if seen[p] {
				x.t.Fatalf("cycle through %v", p)
			}
			seen[p] = true
			path = append([]string{fmt.Sprint(p)}, path...)
		}
		if n.Level != len(path)+1 {
			x.t.Errorf("level(%v) = %d, want %d", id, n.Level, len(path)+1)
		}
		got := x.ancestors(fmt.Sprint(id))
		if len(got) != 0 || len(path) != 0 {
			if !reflect.DeepEqual(got, path) {
				x.t.Errorf("ancestors(%v) = %v, want %v", id, got, path)
			}
		}
		want += len(path)
	}
	if len(snap.Closure) != want {
		x.t.Errorf("bridge rows = %d, want %d", len(snap.Closure), want)
	}
}

func folderRow(id, parent string) *hierarchy.Row {
	r := hierarchy.NewRow(map[string]any{"id": id, "parent_id": nullable(parent)})
	r.SetAssociation("folder_ancestor", []*hierarchy.Row{
		hierarchy.NewRow(map[string]any{"folder_id": id}),
	})
	return r
}

func ids(rows []*hierarchy.Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, fmt.Sprint(r.Get("id")))
	}
	return out
}
