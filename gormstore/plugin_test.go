package gormstore_test

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jacentio/lineage/gormstore"
	"github.com/jacentio/lineage/hierarchy"
	"github.com/jacentio/lineage/sqlstore"
)

type Folder struct {
	ID             int64 `gorm:"primaryKey"`
	Name           string
	ParentID       *int64
	HierarchyLevel int
}

type env struct {
	t      *testing.T
	db     *gorm.DB
	plugin *gormstore.Plugin
	byName map[string]*Folder
}

func setupTestDB(t *testing.T) *env {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_foreign_keys=on"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	reg := hierarchy.NewRegistry()
	h := reg.MustRegister(hierarchy.DefaultConfig("folder"))
	if err := sqlstore.EnsureSchema(context.Background(), sqlDB, sqlstore.SQLite, h,
		sqlstore.Column{Name: "name", Type: "TEXT NOT NULL DEFAULT ''"}); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}

	plugin := gormstore.New(reg)
	if err := db.Use(plugin); err != nil {
		t.Fatalf("failed to register plugin: %v", err)
	}
	return &env{t: t, db: db, plugin: plugin, byName: map[string]*Folder{}}
}

func (e *env) create(name, parent string) error {
	f := &Folder{Name: name}
	if parent != "" {
		f.ParentID = &e.byName[parent].ID
	}
	if err := e.db.Create(f).Error; err != nil {
		return err
	}
	e.byName[name] = f
	return nil
}

func (e *env) fixture() {
	e.t.Helper()
	for _, n := range [][2]string{
		{"a", ""}, {"ab", "a"}, {"ac", "a"},
		{"abd", "ab"}, {"abe", "ab"},
		{"abdf", "abd"}, {"abdg", "abd"},
	} {
		if err := e.create(n[0], n[1]); err != nil {
			e.t.Fatalf("create %s: %v", n[0], err)
		}
	}
}

func (e *env) reload(name string) *Folder {
	e.t.Helper()
	var f Folder
	if err := e.db.First(&f, e.byName[name].ID).Error; err != nil {
		e.t.Fatalf("reload %s: %v", name, err)
	}
	return &f
}

func (e *env) ancestors(name string) []string {
	e.t.Helper()
	rows, err := e.plugin.Ancestors(context.Background(), e.db, "folder", e.byName[name].ID)
	if err != nil {
		e.t.Fatalf("Ancestors %s: %v", name, err)
	}
	return names(rows)
}

func (e *env) levels() map[string]int {
	e.t.Helper()
	var all []Folder
	if err := e.db.Find(&all).Error; err != nil {
		e.t.Fatalf("find: %v", err)
	}
	out := make(map[string]int, len(all))
	for _, f := range all {
		out[f.Name] = f.HierarchyLevel
	}
	return out
}

func (e *env) bridgeCount() int64 {
	e.t.Helper()
	var n int64
	if err := e.db.Table("folder_ancestors").Count(&n).Error; err != nil {
		e.t.Fatalf("count: %v", err)
	}
	return n
}

func names(rows []*hierarchy.Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Get("name").(string))
	}
	return out
}

func ptr(v int64) *int64 { return &v }

// --- Create Tests ---

func TestCreate_Fixture(t *testing.T) {
	e := setupTestDB(t)
	e.fixture()

	want := map[string]int{"a": 1, "ab": 2, "ac": 2, "abd": 3, "abe": 3, "abdf": 4, "abdg": 4}
	for name, level := range want {
		if got := e.byName[name].HierarchyLevel; got != level {
			t.Errorf("%s.HierarchyLevel = %d, want %d", name, got, level)
		}
	}
	if got := e.levels(); !reflect.DeepEqual(got, want) {
		t.Errorf("stored levels = %v, want %v", got, want)
	}
	if got := e.ancestors("abdg"); !reflect.DeepEqual(got, []string{"a", "ab", "abd"}) {
		t.Errorf("ancestors(abdg) = %v", got)
	}
	if got := e.bridgeCount(); got != 12 {
		t.Errorf("bridge rows = %d, want 12", got)
	}
}

func TestCreate_Batch(t *testing.T) {
	e := setupTestDB(t)

	batch := []Folder{
		{ID: 1, Name: "root"},
		{ID: 2, Name: "child", ParentID: ptr(1)},
		{ID: 3, Name: "grandchild", ParentID: ptr(2)},
	}
	if err := e.db.Create(&batch).Error; err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i, want := range []int{1, 2, 3} {
		if batch[i].HierarchyLevel != want {
			t.Errorf("%s.HierarchyLevel = %d, want %d", batch[i].Name, batch[i].HierarchyLevel, want)
		}
	}
	if got := e.bridgeCount(); got != 3 {
		t.Errorf("bridge rows = %d, want 3", got)
	}
}

func TestCreate_MissingParent(t *testing.T) {
	e := setupTestDB(t)

	err := e.db.Create(&Folder{Name: "orphan", ParentID: ptr(999)}).Error
	if !errors.Is(err, hierarchy.ErrParentNotFound) {
		t.Fatalf("expected ErrParentNotFound, got %v", err)
	}
	var n int64
	e.db.Model(&Folder{}).Count(&n)
	if n != 0 {
		t.Errorf("expected no folders, got %d", n)
	}
}

// --- Update Tests ---

func TestUpdate_Move(t *testing.T) {
	e := setupTestDB(t)
	e.fixture()

	ac := e.byName["ac"]
	if err := e.db.Model(ac).Update("parent_id", e.byName["abe"].ID).Error; err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := e.reload("ac").HierarchyLevel; got != 4 {
		t.Errorf("ac level = %d, want 4", got)
	}
	if got := e.ancestors("ac"); !reflect.DeepEqual(got, []string{"a", "ab", "abe"}) {
		t.Errorf("ancestors(ac) = %v", got)
	}
}

func TestSave_ToRoot(t *testing.T) {
	e := setupTestDB(t)
	e.fixture()

	abd := e.reload("abd")
	abd.ParentID = nil
	if err := e.db.Save(abd).Error; err != nil {
		t.Fatalf("Save: %v", err)
	}

	levels := e.levels()
	for name, want := range map[string]int{"abd": 1, "abdf": 2, "abdg": 2, "abe": 3} {
		if levels[name] != want {
			t.Errorf("level(%s) = %d, want %d", name, levels[name], want)
		}
	}
	if got := e.ancestors("abdf"); !reflect.DeepEqual(got, []string{"abd"}) {
		t.Errorf("ancestors(abdf) = %v", got)
	}
}

func TestUpdate_RejectsCycle(t *testing.T) {
	e := setupTestDB(t)
	e.fixture()
	before := e.levels()

	err := e.db.Model(e.byName["a"]).Update("parent_id", e.byName["abdf"].ID).Error
	if !errors.Is(err, hierarchy.ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	if got := e.levels(); !reflect.DeepEqual(got, before) {
		t.Errorf("levels changed after rejected move: %v", got)
	}
	if got := e.bridgeCount(); got != 12 {
		t.Errorf("bridge rows = %d, want 12", got)
	}
	if e.reload("a").ParentID != nil {
		t.Error("expected a to remain a root")
	}
}

func TestUpdate_OtherColumns(t *testing.T) {
	e := setupTestDB(t)
	e.fixture()

	if err := e.db.Model(e.byName["abd"]).Update("name", "renamed").Error; err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := e.reload("abd"); got.Name != "renamed" || got.HierarchyLevel != 3 {
		t.Errorf("abd = %+v", got)
	}
}

func TestUpdate_Unkeyed(t *testing.T) {
	e := setupTestDB(t)
	e.fixture()

	err := e.db.Model(&Folder{}).Where("name = ?", "abdf").Update("parent_id", e.byName["ac"].ID).Error
	if !errors.Is(err, gormstore.ErrUnkeyedUpdate) {
		t.Fatalf("expected ErrUnkeyedUpdate, got %v", err)
	}
}

// --- Plugin Method Tests ---

func TestBulkMove(t *testing.T) {
	e := setupTestDB(t)
	e.fixture()

	ids := []hierarchy.ID{e.byName["abdf"].ID, e.byName["abdg"].ID}
	if err := e.plugin.BulkMove(context.Background(), e.db, "folder", ids, e.byName["ab"].ID); err != nil {
		t.Fatalf("BulkMove: %v", err)
	}
	for _, name := range []string{"abdf", "abdg"} {
		f := e.reload(name)
		if f.HierarchyLevel != 3 || f.ParentID == nil || *f.ParentID != e.byName["ab"].ID {
			t.Errorf("%s = %+v", name, f)
		}
		if got := e.ancestors(name); !reflect.DeepEqual(got, []string{"a", "ab"}) {
			t.Errorf("ancestors(%s) = %v", name, got)
		}
	}
}

func TestDescendants(t *testing.T) {
	e := setupTestDB(t)
	e.fixture()
	ctx := context.Background()

	flat, err := e.plugin.Descendants(ctx, e.db, "folder", e.byName["ab"].ID, false)
	if err != nil {
		t.Fatalf("Descendants: %v", err)
	}
	if got := names(flat); !reflect.DeepEqual(got, []string{"abd", "abe", "abdf", "abdg"}) {
		t.Errorf("descendants(ab) = %v", got)
	}

	tree, err := e.plugin.Descendants(ctx, e.db, "folder", e.byName["ab"].ID, true)
	if err != nil {
		t.Fatalf("Descendants tree: %v", err)
	}
	if got := names(tree); !reflect.DeepEqual(got, []string{"abd", "abe"}) {
		t.Fatalf("children(ab) = %v", got)
	}
	if got := names(tree[0].Association("children")); !reflect.DeepEqual(got, []string{"abdf", "abdg"}) {
		t.Errorf("children(abd) = %v", got)
	}
}

func TestRebuild(t *testing.T) {
	e := setupTestDB(t)
	e.fixture()
	want := e.levels()

	if err := e.db.Exec("UPDATE folders SET hierarchy_level = 9").Error; err != nil {
		t.Fatal(err)
	}
	if err := e.db.Exec("DELETE FROM folder_ancestors").Error; err != nil {
		t.Fatal(err)
	}
	if err := e.plugin.Rebuild(context.Background(), e.db, "folder"); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if got := e.levels(); !reflect.DeepEqual(got, want) {
		t.Errorf("levels = %v, want %v", got, want)
	}
	if got := e.bridgeCount(); got != 12 {
		t.Errorf("bridge rows = %d, want 12", got)
	}
	if got := e.ancestors("abdf"); !reflect.DeepEqual(got, []string{"a", "ab", "abd"}) {
		t.Errorf("ancestors(abdf) = %v", got)
	}
}
