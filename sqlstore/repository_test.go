package sqlstore_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/jacentio/lineage/hierarchy"
	"github.com/jacentio/lineage/sqlstore"
)

type testRepo struct {
	t    *testing.T
	db   *sql.DB
	repo *sqlstore.Repository
	ids  map[string]hierarchy.ID
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func openTestRepo(t *testing.T, cfg hierarchy.Config) *testRepo {
	t.Helper()
	db := openTestDB(t)
	reg := hierarchy.NewRegistry()
	h, err := reg.Register(cfg)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := sqlstore.EnsureSchema(context.Background(), db, sqlstore.SQLite, h,
		sqlstore.Column{Name: "name", Type: "TEXT NOT NULL"}); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	repo, err := sqlstore.NewRepository(db, sqlstore.SQLite, reg, cfg.Name)
	if err != nil {
		t.Fatalf("NewRepository: %v", err)
	}
	return &testRepo{t: t, db: db, repo: repo, ids: map[string]hierarchy.ID{}}
}

func (x *testRepo) insert(name, parent string) error {
	values := map[string]any{"name": name, "parent_id": nil}
	if parent != "" {
		values["parent_id"] = x.ids[parent]
	}
	id, err := x.repo.Insert(context.Background(), hierarchy.NewRow(values))
	if err == nil {
		x.ids[name] = id
	}
	return err
}

func (x *testRepo) mustInsert(name, parent string) {
	x.t.Helper()
	if err := x.insert(name, parent); err != nil {
		x.t.Fatalf("insert %s: %v", name, err)
	}
}

func (x *testRepo) fixture() {
	x.t.Helper()
	for _, n := range [][2]string{
		{"a", ""}, {"ab", "a"}, {"ac", "a"},
		{"abd", "ab"}, {"abe", "ab"},
		{"abdf", "abd"}, {"abdg", "abd"},
	} {
		x.mustInsert(n[0], n[1])
	}
}

func (x *testRepo) get(name string) *hierarchy.Row {
	x.t.Helper()
	row, err := x.repo.Get(context.Background(), x.ids[name])
	if err != nil {
		x.t.Fatalf("Get %s: %v", name, err)
	}
	return row
}

func (x *testRepo) level(name string) int64 {
	x.t.Helper()
	return x.get(name).Get("hierarchy_level").(int64)
}

func names(rows []*hierarchy.Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Get("name").(string))
	}
	return out
}

func (x *testRepo) ancestors(name string) []string {
	x.t.Helper()
	rows, err := x.repo.Ancestors(context.Background(), x.ids[name])
	if err != nil {
		x.t.Fatalf("Ancestors %s: %v", name, err)
	}
	return names(rows)
}

// dump renders both tables in a stable order.
func (x *testRepo) dump() string {
	x.t.Helper()
	var b strings.Builder
	for _, q := range []string{
		`SELECT id, COALESCE(parent_id, 0), hierarchy_level FROM folders ORDER BY id`,
		`SELECT folder_id, ancestor_id, 0 FROM folder_ancestors ORDER BY folder_id, ancestor_id`,
	} {
		rows, err := x.db.Query(q)
		if err != nil {
			x.t.Fatalf("dump: %v", err)
		}
		for rows.Next() {
			var a, p, l any
			if err := rows.Scan(&a, &p, &l); err != nil {
				x.t.Fatalf("dump scan: %v", err)
			}
			fmt.Fprintf(&b, "%v/%v/%v;", a, p, l)
		}
		rows.Close()
		b.WriteString("|")
	}
	return b.String()
}

func (x *testRepo) bridgeCount() int {
	x.t.Helper()
	var n int
	if err := x.db.QueryRow(`SELECT COUNT(*) FROM folder_ancestors`).Scan(&n); err != nil {
		x.t.Fatalf("count: %v", err)
	}
	return n
}

// --- Insert Tests ---

func TestInsert_Fixture(t *testing.T) {
	x := openTestRepo(t, hierarchy.Config{Name: "folder"})
	x.fixture()

	for name, want := range map[string]int64{"a": 1, "ab": 2, "ac": 2, "abd": 3, "abe": 3, "abdf": 4, "abdg": 4} {
		if got := x.level(name); got != want {
			t.Errorf("level(%s) = %d, want %d", name, got, want)
		}
	}
	if got, want := x.ancestors("abdf"), []string{"a", "ab", "abd"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ancestors(abdf) = %v, want %v", got, want)
	}
	if got := x.bridgeCount(); got != 0+1+1+2+2+3+3 {
		t.Errorf("bridge rows = %d, want 12", got)
	}
}

func TestInsert_Rejected(t *testing.T) {
	x := openTestRepo(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	before := x.dump()

	_, err := x.repo.Insert(context.Background(), hierarchy.NewRow(map[string]any{
		"id": int64(100), "name": "self", "parent_id": int64(100),
	}))
	if !errors.Is(err, hierarchy.ErrSelfParent) {
		t.Fatalf("expected ErrSelfParent, got %v", err)
	}

	_, err = x.repo.Insert(context.Background(), hierarchy.NewRow(map[string]any{
		"name": "orphan", "parent_id": int64(999),
	}))
	if !errors.Is(err, hierarchy.ErrParentNotFound) {
		t.Fatalf("expected ErrParentNotFound, got %v", err)
	}
	if after := x.dump(); after != before {
		t.Error("database changed after rejected inserts")
	}
}

// --- Move Tests ---

func TestMove(t *testing.T) {
	x := openTestRepo(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	ctx := context.Background()

	if err := x.repo.Move(ctx, x.ids["abd"], x.ids["ac"]); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if got, want := x.ancestors("abdf"), []string{"a", "ac", "abd"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ancestors(abdf) = %v, want %v", got, want)
	}

	if err := x.repo.Move(ctx, x.ids["ac"], nil); err != nil {
		t.Fatalf("Move to root: %v", err)
	}
	for name, want := range map[string]int64{"ac": 1, "abd": 2, "abdf": 3, "abdg": 3} {
		if got := x.level(name); got != want {
			t.Errorf("level(%s) = %d, want %d", name, got, want)
		}
	}
	if got, want := x.ancestors("abdg"), []string{"ac", "abd"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ancestors(abdg) = %v, want %v", got, want)
	}

	if err := x.repo.Move(ctx, x.ids["ac"], x.ids["abe"]); err != nil {
		t.Fatalf("Move deeper: %v", err)
	}
	if got := x.level("abdf"); got != 6 {
		t.Errorf("level(abdf) = %d, want 6", got)
	}
	if got, want := x.ancestors("abdf"), []string{"a", "ab", "abe", "ac", "abd"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ancestors(abdf) = %v, want %v", got, want)
	}
}

func TestMove_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		id     string
		parent string
		want   error
	}{
		{"self parent", "ab", "ab", hierarchy.ErrSelfParent},
		{"child", "a", "ab", hierarchy.ErrCycle},
		{"descendant", "a", "abdf", hierarchy.ErrCycle},
		{"descendant of subtree", "ab", "abdg", hierarchy.ErrCycle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x := openTestRepo(t, hierarchy.Config{Name: "folder"})
			x.fixture()
			before := x.dump()

			err := x.repo.Move(context.Background(), x.ids[tt.id], x.ids[tt.parent])
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if after := x.dump(); after != before {
				t.Error("database changed after rejected move")
			}
		})
	}
}

func TestUpdate_OtherColumns(t *testing.T) {
	x := openTestRepo(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	before := x.dump()

	if err := x.repo.Update(context.Background(), x.ids["abd"], map[string]any{"name": "renamed"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := x.get("abd").Get("name"); got != "renamed" {
		t.Errorf("name = %v, want renamed", got)
	}
	if after := x.dump(); after != before {
		t.Error("hierarchy changed by an update that did not touch the parent")
	}

	err := x.repo.Update(context.Background(), int64(999), map[string]any{"name": "x"})
	if !sqlstore.IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// --- Bulk Tests ---

func TestBulkUpdate_MoveChildrenUp(t *testing.T) {
	x := openTestRepo(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	x.mustInsert("abdfz", "abdf")

	n, err := x.repo.BulkUpdate(context.Background(),
		map[string]any{"parent_id": x.ids["ab"]}, "parent_id = ?", x.ids["abd"])
	if err != nil {
		t.Fatalf("BulkUpdate: %v", err)
	}
	if n != 2 {
		t.Errorf("updated %d rows, want 2", n)
	}
	for name, want := range map[string]int64{"abdf": 3, "abdg": 3, "abdfz": 4} {
		if got := x.level(name); got != want {
			t.Errorf("level(%s) = %d, want %d", name, got, want)
		}
	}
	if got, want := x.ancestors("abdfz"), []string{"a", "ab", "abdf"}; !reflect.DeepEqual(got, want) {
		t.Errorf("ancestors(abdfz) = %v, want %v", got, want)
	}
}

func TestBulkMove_RejectsCycle(t *testing.T) {
	x := openTestRepo(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	before := x.dump()

	err := x.repo.BulkMove(context.Background(), []hierarchy.ID{x.ids["ac"], x.ids["a"]}, x.ids["abd"])
	if !errors.Is(err, hierarchy.ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	if after := x.dump(); after != before {
		t.Error("database changed after rejected bulk move")
	}
}

func TestBulkInsert_TextKeys(t *testing.T) {
	x := openTestRepo(t, hierarchy.Config{Name: "folder", KeyType: "TEXT"})
	ctx := context.Background()

	root, child, grandchild := uuid.NewString(), uuid.NewString(), uuid.NewString()
	rows := []*hierarchy.Row{
		hierarchy.NewRow(map[string]any{"id": root, "name": "root", "parent_id": nil}),
		hierarchy.NewRow(map[string]any{"id": child, "name": "child", "parent_id": root}),
		hierarchy.NewRow(map[string]any{"id": grandchild, "name": "grandchild", "parent_id": child}),
	}
	if err := x.repo.BulkInsert(ctx, rows); err != nil {
		t.Fatalf("BulkInsert: %v", err)
	}

	got, err := x.repo.Ancestors(ctx, grandchild)
	if err != nil {
		t.Fatalf("Ancestors: %v", err)
	}
	if want := []string{"root", "child"}; !reflect.DeepEqual(names(got), want) {
		t.Errorf("ancestors = %v, want %v", names(got), want)
	}
	row, err := x.repo.Get(ctx, grandchild)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Get("hierarchy_level") != int64(3) {
		t.Errorf("level = %v, want 3", row.Get("hierarchy_level"))
	}
}

// --- Delete Tests ---

func TestDelete_Restrict(t *testing.T) {
	x := openTestRepo(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	ctx := context.Background()

	err := x.repo.Delete(ctx, x.ids["abd"])
	if err == nil {
		t.Fatal("expected foreign key error deleting an entity with children")
	}
	if hierarchy.IsHierarchyError(err) {
		t.Errorf("expected the driver error unchanged, got %v", err)
	}

	if err := x.repo.Delete(ctx, x.ids["abdf"]); err != nil {
		t.Fatalf("Delete leaf: %v", err)
	}
	if got := x.bridgeCount(); got != 12-3 {
		t.Errorf("bridge rows = %d, want 9", got)
	}
}

func TestDelete_Cascade(t *testing.T) {
	x := openTestRepo(t, hierarchy.Config{Name: "folder", OnDelete: hierarchy.OnDeleteCascade})
	x.fixture()
	ctx := context.Background()

	if err := x.repo.Delete(ctx, x.ids["ab"]); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	for _, gone := range []string{"ab", "abd", "abe", "abdf", "abdg"} {
		if _, err := x.repo.Get(ctx, x.ids[gone]); !sqlstore.IsNotFound(err) {
			t.Errorf("expected %s to be deleted, got %v", gone, err)
		}
	}
	if got := x.bridgeCount(); got != 1 {
		t.Errorf("bridge rows = %d, want 1", got)
	}
}

// --- Read Tests ---

func TestDescendants_Tree(t *testing.T) {
	x := openTestRepo(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	ctx := context.Background()

	flat, err := x.repo.Descendants(ctx, x.ids["a"], false)
	if err != nil {
		t.Fatalf("Descendants: %v", err)
	}
	if len(flat) != 6 {
		t.Errorf("expected 6 descendants, got %d", len(flat))
	}

	tree, err := x.repo.Descendants(ctx, x.ids["a"], true)
	if err != nil {
		t.Fatalf("Descendants tree: %v", err)
	}
	if got := names(tree); !reflect.DeepEqual(got, []string{"ab", "ac"}) {
		t.Fatalf("a.children = %v, want [ab ac]", got)
	}
	ab, ac := tree[0], tree[1]
	if got := names(ab.Association("children")); !reflect.DeepEqual(got, []string{"abd", "abe"}) {
		t.Errorf("ab.children = %v, want [abd abe]", got)
	}
	if got := names(ab.Association("children")[0].Association("children")); !reflect.DeepEqual(got, []string{"abdf", "abdg"}) {
		t.Errorf("abd.children = %v, want [abdf abdg]", got)
	}
	if len(ac.Association("children")) != 0 {
		t.Error("expected ac to have no children")
	}
}

func TestChildrenAndParent(t *testing.T) {
	x := openTestRepo(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	ctx := context.Background()

	children, err := x.repo.Children(ctx, x.ids["ab"])
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if got := names(children); !reflect.DeepEqual(got, []string{"abd", "abe"}) {
		t.Errorf("children(ab) = %v", got)
	}

	parent, err := x.repo.Parent(ctx, x.ids["abd"])
	if err != nil || parent == nil || parent.Get("name") != "ab" {
		t.Errorf("parent(abd) = %v, %v", parent, err)
	}
	if root, err := x.repo.Parent(ctx, x.ids["a"]); err != nil || root != nil {
		t.Errorf("expected no parent for root, got %v, %v", root, err)
	}
}

func TestFind_Hierarchy(t *testing.T) {
	x := openTestRepo(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	x.mustInsert("x", "")
	ctx := context.Background()

	forest, err := x.repo.Find(ctx, &hierarchy.FindOptions{Hierarchy: true}, "")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got := names(forest); !reflect.DeepEqual(got, []string{"a", "x"}) {
		t.Errorf("roots = %v, want [a x]", got)
	}

	_, err = x.repo.Find(ctx, &hierarchy.FindOptions{Hierarchy: true}, "hierarchy_level >= 2")
	if !errors.Is(err, hierarchy.ErrInconsistentResult) {
		t.Errorf("expected ErrInconsistentResult for a cut result, got %v", err)
	}

	raw, err := x.repo.Find(ctx, &hierarchy.FindOptions{Hierarchy: true, Raw: true}, "")
	if err != nil {
		t.Fatalf("Find raw: %v", err)
	}
	if len(raw) != 8 {
		t.Errorf("expected 8 raw rows, got %d", len(raw))
	}
}

func TestFind_IncludeDescendants(t *testing.T) {
	x := openTestRepo(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	ctx := context.Background()

	opts := &hierarchy.FindOptions{Include: []hierarchy.Include{
		{Type: "folder", As: "descendants", Hierarchy: true},
		{Type: "folder", As: "ancestors"},
	}}
	rows, err := x.repo.Find(ctx, opts, "name IN (?, ?)", "ab", "ac")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got := names(rows); !reflect.DeepEqual(got, []string{"ab", "ac"}) {
		t.Fatalf("rows = %v", got)
	}
	ab := rows[0]
	if got := names(ab.Association("children")); !reflect.DeepEqual(got, []string{"abd", "abe"}) {
		t.Errorf("ab.children = %v", got)
	}
	if ab.HasAssociation("descendants") {
		t.Error("expected raw descendants to be removed")
	}
	if got := names(ab.Association("ancestors")); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("ab.ancestors = %v", got)
	}

	_, err = x.repo.Find(ctx, &hierarchy.FindOptions{Include: []hierarchy.Include{
		{Type: "folder", As: "children", Hierarchy: true},
	}}, "")
	if !errors.Is(err, hierarchy.ErrIllegalQuery) {
		t.Errorf("expected ErrIllegalQuery, got %v", err)
	}
}

// --- Rebuild Tests ---

func TestRebuild(t *testing.T) {
	x := openTestRepo(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	x.mustInsert("abdfz", "abdf")
	ctx := context.Background()
	incremental := x.dump()

	for i := 0; i < 2; i++ {
		if err := x.repo.Rebuild(ctx); err != nil {
			t.Fatalf("Rebuild: %v", err)
		}
		if got := x.dump(); got != incremental {
			t.Errorf("rebuild %d disagrees with incremental state:\n%s\n%s", i+1, got, incremental)
		}
	}
}

func TestRebuild_RepairsExternalEdits(t *testing.T) {
	x := openTestRepo(t, hierarchy.Config{Name: "folder"})
	x.fixture()
	ctx := context.Background()

	if _, err := x.db.Exec(`UPDATE folders SET parent_id = ? WHERE id = ?`, x.ids["ac"], x.ids["abd"]); err != nil {
		t.Fatal(err)
	}
	if _, err := x.db.Exec(`UPDATE folders SET hierarchy_level = 7`); err != nil {
		t.Fatal(err)
	}
	if err := x.repo.Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	expected := openTestRepo(t, hierarchy.Config{Name: "folder"})
	expected.fixture()
	if err := expected.repo.Move(ctx, expected.ids["abd"], expected.ids["ac"]); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if got, want := x.dump(), expected.dump(); got != want {
		t.Errorf("rebuild = %s, want %s", got, want)
	}
}
