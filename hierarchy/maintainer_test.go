package hierarchy_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/jacentio/lineage/hierarchy"
)

// --- Insert Tests ---

func TestInsert_Fixture(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()

	levels := map[string]int{"a": 1, "ab": 2, "ac": 2, "abd": 3, "abe": 3, "abdf": 4, "abdg": 4}
	for id, want := range levels {
		if got := x.level(id); got != want {
			t.Errorf("level(%s) = %d, want %d", id, got, want)
		}
	}
	if got, want := x.ancestors("abdf"), []string{"a", "ab", "abd"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ancestors(abdf) = %v, want %v", got, want)
	}
	if got := x.ancestors("a"); len(got) != 0 {
		t.Errorf("expected root to have no ancestors, got %v", got)
	}
	x.checkInvariants()
}

func TestInsert_SelfParent(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	before := x.st.Snapshot(x.h)

	err := x.insert("z", "z")
	if !errors.Is(err, hierarchy.ErrSelfParent) {
		t.Fatalf("expected ErrSelfParent, got %v", err)
	}
	if !hierarchy.IsHierarchyError(err) {
		t.Error("expected a hierarchy error")
	}
	if after := x.st.Snapshot(x.h); !reflect.DeepEqual(before, after) {
		t.Error("store changed after rejected insert")
	}
}

func TestInsert_ParentNotFound(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()

	err := x.insert("z", "missing")
	if !errors.Is(err, hierarchy.ErrParentNotFound) {
		t.Fatalf("expected ErrParentNotFound, got %v", err)
	}
	if _, ok := x.st.Node(x.h, "z"); ok {
		t.Error("rejected record was stored")
	}
}

func TestInsert_ParentOutsideProjection(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()

	rec := hierarchy.NewRow(map[string]any{"id": "z", "parent_id": "ab"})
	opts := &hierarchy.WriteOptions{Fields: []string{"id"}}
	if err := x.h.BeforeInsert(context.Background(), x.st, rec, opts); err != nil {
		t.Fatalf("BeforeInsert: %v", err)
	}
	if got := rec.Get("hierarchy_level"); got != 1 {
		t.Errorf("expected level 1 when parent is not written, got %v", got)
	}
	if want := []string{"id", "hierarchy_level"}; !reflect.DeepEqual(opts.Fields, want) {
		t.Errorf("fields = %v, want %v", opts.Fields, want)
	}
}

func TestInsert_DoesNotMutateCallerFields(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})

	fields := make([]string, 2, 8)
	fields[0], fields[1] = "id", "parent_id"
	opts := &hierarchy.WriteOptions{Fields: fields}
	rec := hierarchy.NewRow(map[string]any{"id": "a"})
	if err := x.h.BeforeInsert(context.Background(), x.st, rec, opts); err != nil {
		t.Fatalf("BeforeInsert: %v", err)
	}
	if len(opts.Fields) != 3 {
		t.Fatalf("expected level field appended, got %v", opts.Fields)
	}
	if spare := fields[:3][2]; spare != "" {
		t.Errorf("caller's backing array was written: %q", spare)
	}
}

func TestInsert_IntegerKeys(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	ctx := context.Background()

	insert := func(id int, parent any) {
		t.Helper()
		err := x.st.Tx(ctx, func(st hierarchy.Store) error {
			rec := hierarchy.NewRow(map[string]any{"id": id, "parent_id": parent})
			opts := &hierarchy.WriteOptions{}
			if err := x.h.BeforeInsert(ctx, st, rec, opts); err != nil {
				return err
			}
			x.st.Put(x.h, hierarchy.Node{ID: id, ParentID: parent, Level: rec.Get("hierarchy_level").(int)})
			return x.h.AfterInsert(ctx, st, rec, opts)
		})
		if err != nil {
			t.Fatalf("insert %d: %v", id, err)
		}
	}
	parent := int32(1)
	insert(1, nil)
	insert(2, &parent)
	insert(3, int64(2))

	if got := x.st.Ancestors(x.h, uint8(3)); !reflect.DeepEqual(got, []hierarchy.ID{int64(1), int64(2)}) {
		t.Errorf("ancestors(3) = %v", got)
	}
}

// --- Move Tests ---

func TestMove_ToSibling(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()

	x.mustMove("abd", "ac")

	if got := x.level("abd"); got != 3 {
		t.Errorf("level(abd) = %d, want 3", got)
	}
	if got, want := x.ancestors("abdf"), []string{"a", "ac", "abd"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ancestors(abdf) = %v, want %v", got, want)
	}
	x.checkInvariants()
}

func TestMove_ToRoot(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()

	x.mustMove("ab", "")

	for id, want := range map[string]int{"ab": 1, "abd": 2, "abe": 2, "abdf": 3, "abdg": 3, "a": 1, "ac": 2} {
		if got := x.level(id); got != want {
			t.Errorf("level(%s) = %d, want %d", id, got, want)
		}
	}
	if got, want := x.ancestors("abdf"), []string{"ab", "abd"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ancestors(abdf) = %v, want %v", got, want)
	}
	x.checkInvariants()
}

func TestMove_Deeper(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	x.mustInsert("acx", "ac")

	x.mustMove("ac", "abdf")

	if got := x.level("ac"); got != 5 {
		t.Errorf("level(ac) = %d, want 5", got)
	}
	if got := x.level("acx"); got != 6 {
		t.Errorf("level(acx) = %d, want 6", got)
	}
	x.checkInvariants()
}

func TestMove_RootUnderRoot(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	x.mustInsert("r", "")
	x.mustInsert("rs", "r")

	x.mustMove("r", "abdg")

	if got, want := x.ancestors("rs"), []string{"a", "ab", "abd", "abdg", "r"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ancestors(rs) = %v, want %v", got, want)
	}
	x.checkInvariants()
}

func TestMove_KeepsRowsInsideSubtree(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()

	ctx := context.Background()
	x.mustMove("abd", "ac")

	for _, pair := range [][2]string{{"abdf", "abd"}, {"abdg", "abd"}} {
		ok, err := x.st.HasAncestor(ctx, x.h, pair[0], pair[1])
		if err != nil || !ok {
			t.Errorf("expected bridge row %s<%s to survive the move", pair[0], pair[1])
		}
	}
	if ok, _ := x.st.HasAncestor(ctx, x.h, "abdf", "ab"); ok {
		t.Error("expected bridge row abdf<ab to be removed")
	}
}

func TestMove_Unchanged(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	before := x.st.Snapshot(x.h)

	x.mustMove("abd", "ab")

	if after := x.st.Snapshot(x.h); !reflect.DeepEqual(before, after) {
		t.Error("store changed after a no-op move")
	}
}

func TestMove_ParentOutsideProjection(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	before := x.st.Snapshot(x.h)

	rec := hierarchy.NewRow(map[string]any{"id": "abd", "parent_id": "ac"})
	opts := &hierarchy.WriteOptions{Fields: []string{"name"}}
	if err := x.h.BeforeUpdate(context.Background(), x.st, rec, nil, opts); err != nil {
		t.Fatalf("BeforeUpdate: %v", err)
	}
	if after := x.st.Snapshot(x.h); !reflect.DeepEqual(before, after) {
		t.Error("store changed although the parent was not written")
	}
}

func TestMove_KnownPrevious(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	ctx := context.Background()

	rec := hierarchy.NewRow(map[string]any{"id": "abd", "parent_id": nil})
	opts := &hierarchy.WriteOptions{Fields: []string{"parent_id"}}
	prev := &hierarchy.Previous{ParentID: "ab", Level: 3, Known: true}
	err := x.st.Tx(ctx, func(st hierarchy.Store) error {
		if err := x.h.BeforeUpdate(ctx, st, rec, prev, opts); err != nil {
			return err
		}
		if err := x.st.SetParent(x.h, "abd", nil); err != nil {
			return err
		}
		return st.SetLevel(ctx, x.h, []hierarchy.ID{"abd"}, rec.Get("hierarchy_level").(int))
	})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if want := []string{"parent_id", "hierarchy_level"}; !reflect.DeepEqual(opts.Fields, want) {
		t.Errorf("fields = %v, want %v", opts.Fields, want)
	}
	x.checkInvariants()
}

// --- Cycle Guard Tests ---

func TestMove_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		parent string
		want   error
	}{
		{"self parent", "ab", "ab", hierarchy.ErrSelfParent},
		{"direct child", "a", "ab", hierarchy.ErrCycle},
		{"grandchild", "a", "abd", hierarchy.ErrCycle},
		{"deep descendant", "a", "abdf", hierarchy.ErrCycle},
		{"descendant of moved subtree", "ab", "abdg", hierarchy.ErrCycle},
		{"missing parent", "ab", "nope", hierarchy.ErrParentNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := newHost(t, hierarchy.Config{Name: "folder"})
			x.fixture()
			before := x.st.Snapshot(x.h)

			err := x.move(tt.id, tt.parent)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if after := x.st.Snapshot(x.h); !reflect.DeepEqual(before, after) {
				t.Error("store changed after rejected move")
			}
		})
	}
}

func TestMove_AlwaysCheckCyclesWithDriftedLevels(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder", AlwaysCheckCycles: true})
	x.mustInsert("x", "")
	x.mustInsert("y", "x")
	x.mustInsert("z", "y")
	x.st.Put(x.h, hierarchy.Node{ID: "z", ParentID: "y", Level: 2})

	if err := x.move("x", "z"); !errors.Is(err, hierarchy.ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
}

// --- Bulk Tests ---

func TestBulkInsert(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	ctx := context.Background()

	recs := []hierarchy.Record{
		hierarchy.NewRow(map[string]any{"id": "abeh", "parent_id": "abe"}),
		hierarchy.NewRow(map[string]any{"id": "abi", "parent_id": "ab"}),
		hierarchy.NewRow(map[string]any{"id": "n", "parent_id": nil}),
		hierarchy.NewRow(map[string]any{"id": "nm", "parent_id": "n"}),
		hierarchy.NewRow(map[string]any{"id": "nmo", "parent_id": "nm"}),
	}
	err := x.st.Tx(ctx, func(st hierarchy.Store) error {
		opts := &hierarchy.WriteOptions{}
		if err := x.h.BeforeBulkInsert(ctx, st, recs, opts); err != nil {
			return err
		}
		for _, r := range recs {
			x.st.Put(x.h, hierarchy.Node{ID: r.Get("id"), ParentID: r.Get("parent_id"), Level: r.Get("hierarchy_level").(int)})
		}
		return x.h.AfterBulkInsert(ctx, st, recs, opts)
	})
	if err != nil {
		t.Fatalf("bulk insert: %v", err)
	}

	for id, want := range map[string]int{"abeh": 4, "abi": 3, "n": 1, "nm": 2, "nmo": 3} {
		if got := x.level(id); got != want {
			t.Errorf("level(%s) = %d, want %d", id, got, want)
		}
	}
	if got, want := x.ancestors("abeh"), []string{"a", "ab", "abe"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ancestors(abeh) = %v, want %v", got, want)
	}
	x.checkInvariants()
}

func TestBulkInsert_RejectsWholeBatch(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	ctx := context.Background()
	before := x.st.Snapshot(x.h)

	recs := []hierarchy.Record{
		hierarchy.NewRow(map[string]any{"id": "abi", "parent_id": "ab"}),
		hierarchy.NewRow(map[string]any{"id": "q", "parent_id": "missing"}),
	}
	err := x.st.Tx(ctx, func(st hierarchy.Store) error {
		return x.h.BeforeBulkInsert(ctx, st, recs, &hierarchy.WriteOptions{})
	})
	if !errors.Is(err, hierarchy.ErrParentNotFound) {
		t.Fatalf("expected ErrParentNotFound, got %v", err)
	}
	if after := x.st.Snapshot(x.h); !reflect.DeepEqual(before, after) {
		t.Error("store changed after rejected batch")
	}
}

func (x *host) bulkMove(ids []string, parent string) (map[hierarchy.ID]int, error) {
	ctx := context.Background()
	var levels map[hierarchy.ID]int
	err := x.st.Tx(ctx, func(st hierarchy.Store) error {
		keys := make([]hierarchy.ID, len(ids))
		for i, id := range ids {
			keys[i] = id
		}
		var err error
		levels, err = x.h.BeforeBulkUpdate(ctx, st, keys, nullable(parent), &hierarchy.WriteOptions{})
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := x.st.SetParent(x.h, id, nullable(parent)); err != nil {
				return err
			}
		}
		return nil
	})
	return levels, err
}

func TestBulkUpdate_MoveChildrenUp(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	x.mustInsert("abdfz", "abdf")

	levels, err := x.bulkMove([]string{"abdf", "abdg"}, "ab")
	if err != nil {
		t.Fatalf("bulk move: %v", err)
	}
	if levels["abdf"] != 3 || levels["abdg"] != 3 {
		t.Errorf("unexpected levels %v", levels)
	}
	if got := x.level("abdfz"); got != 4 {
		t.Errorf("level(abdfz) = %d, want 4", got)
	}
	if got, want := x.ancestors("abdfz"), []string{"a", "ab", "abdf"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ancestors(abdfz) = %v, want %v", got, want)
	}
	x.checkInvariants()
}

func TestBulkUpdate_SkipsRowsAlreadyUnderParent(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()

	levels, err := x.bulkMove([]string{"abd", "ac"}, "ab")
	if err != nil {
		t.Fatalf("bulk move: %v", err)
	}
	if levels["abd"] != 3 || levels["ac"] != 3 {
		t.Errorf("unexpected levels %v", levels)
	}
	x.checkInvariants()
}

func TestBulkUpdate_NestedRows(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()

	if _, err := x.bulkMove([]string{"abd", "abdf"}, ""); err != nil {
		t.Fatalf("bulk move: %v", err)
	}
	for id, want := range map[string]int{"abd": 1, "abdf": 1, "abdg": 2} {
		if got := x.level(id); got != want {
			t.Errorf("level(%s) = %d, want %d", id, got, want)
		}
	}
	x.checkInvariants()
}

func TestBulkUpdate_RejectsCycle(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	before := x.st.Snapshot(x.h)

	_, err := x.bulkMove([]string{"ac", "a"}, "abd")
	if !errors.Is(err, hierarchy.ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	if after := x.st.Snapshot(x.h); !reflect.DeepEqual(before, after) {
		t.Error("store changed after rejected bulk move")
	}
}

// --- Rebuild Tests ---

func TestRebuild_Idempotent(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	ctx := context.Background()
	incremental := x.st.Snapshot(x.h)

	for i := 0; i < 2; i++ {
		h, err := x.h.Rebuild(ctx, x.st)
		if err != nil {
			t.Fatalf("Rebuild: %v", err)
		}
		if h != x.h {
			t.Error("expected Rebuild to return the hierarchy")
		}
		if got := x.st.Snapshot(x.h); !reflect.DeepEqual(incremental, got) {
			t.Errorf("rebuild %d disagrees with incremental state", i+1)
		}
	}
}

func TestRebuild_AfterMoves(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	x.mustMove("abd", "ac")
	x.mustMove("ab", "")
	x.mustMove("ac", "abe")
	incremental := x.st.Snapshot(x.h)

	if _, err := x.h.Rebuild(context.Background(), x.st); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if got := x.st.Snapshot(x.h); !reflect.DeepEqual(incremental, got) {
		t.Error("rebuild disagrees with incremental state")
	}
}

func TestRebuild_RepairsDrift(t *testing.T) {
	x := newHost(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	ctx := context.Background()

	// External edits: parent pointers changed with no hooks.
	if err := x.st.SetParent(x.h, "abdf", "ac"); err != nil {
		t.Fatal(err)
	}
	x.st.Put(x.h, hierarchy.Node{ID: "abe", ParentID: nil, Level: 9})

	if _, err := x.h.Rebuild(ctx, x.st); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if got := x.level("abdf"); got != 3 {
		t.Errorf("level(abdf) = %d, want 3", got)
	}
	if got := x.level("abe"); got != 1 {
		t.Errorf("level(abe) = %d, want 1", got)
	}
	x.checkInvariants()
}
