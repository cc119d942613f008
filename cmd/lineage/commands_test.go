package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jacentio/lineage/hierarchy"
	"github.com/jacentio/lineage/sqlstore"
)

// newTestApp opens a migrated SQLite-backed app holding
//
//	1 a
//	  2 ab
//	    4 abd
//	  3 ac
func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "lineage.yaml")
	yaml := fmt.Sprintf(`driver: sqlite
dsn: "file:%s?_pragma=foreign_keys(1)"
hierarchies:
  - name: folder
    columns:
      - name: name
        type: TEXT
`, filepath.Join(dir, "lineage.db"))
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app, err := newApp(context.Background(), path, &out, logger)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(func() { app.Close() })

	if err := (&MigrateCmd{}).Run(app); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	repo := testRepository(t, app)
	parents := map[string]string{"a": "", "ab": "a", "ac": "a", "abd": "ab"}
	ids := map[string]hierarchy.ID{}
	for _, name := range []string{"a", "ab", "ac", "abd"} {
		var parent hierarchy.ID
		if p := parents[name]; p != "" {
			parent = ids[p]
		}
		id, err := repo.Insert(context.Background(), hierarchy.NewRow(map[string]any{
			"name":      name,
			"parent_id": parent,
		}))
		if err != nil {
			t.Fatalf("insert %s: %v", name, err)
		}
		ids[name] = id
	}
	return app, &out
}

func testRepository(t *testing.T, app *App) *sqlstore.Repository {
	t.Helper()
	h, _ := app.reg.Lookup("folder")
	repo, err := app.backend.(*sqlBackend).repository(h)
	if err != nil {
		t.Fatal(err)
	}
	return repo
}

// --- Command Tests ---

func TestMigrate_Idempotent(t *testing.T) {
	app, _ := newTestApp(t)
	if err := (&MigrateCmd{Hierarchies: []string{"folder"}}).Run(app); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestMigrate_UnknownHierarchy(t *testing.T) {
	app, _ := newTestApp(t)
	err := (&MigrateCmd{Hierarchies: []string{"nope"}}).Run(app)
	if err == nil || !strings.Contains(err.Error(), "unknown hierarchy") {
		t.Errorf("expected unknown hierarchy error, got %v", err)
	}
}

func TestTree_Forest(t *testing.T) {
	app, out := newTestApp(t)

	if err := (&TreeCmd{Hierarchy: "folder", Label: "name"}).Run(app); err != nil {
		t.Fatalf("tree: %v", err)
	}
	want := "1 a\n  2 ab\n    4 abd\n  3 ac\n"
	if out.String() != want {
		t.Errorf("tree output:\n%s\nwant:\n%s", out, want)
	}
}

func TestTree_Subtree(t *testing.T) {
	app, out := newTestApp(t)

	if err := (&TreeCmd{Hierarchy: "folder", ID: "2"}).Run(app); err != nil {
		t.Fatalf("tree: %v", err)
	}
	if want := "2\n  4\n"; out.String() != want {
		t.Errorf("tree output = %q, want %q", out, want)
	}
}

func TestTree_MissingRoot(t *testing.T) {
	app, _ := newTestApp(t)

	err := (&TreeCmd{Hierarchy: "folder", ID: "99"}).Run(app)
	if !sqlstore.IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestRebuild_RepairsLevels(t *testing.T) {
	app, out := newTestApp(t)
	db := app.backend.(*sqlBackend).db
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `UPDATE "folders" SET "hierarchy_level" = 9 WHERE "id" = 4`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM "folder_ancestors"`); err != nil {
		t.Fatal(err)
	}

	if err := (&RebuildCmd{}).Run(app); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if !strings.HasPrefix(out.String(), "rebuilt folder in ") {
		t.Errorf("unexpected output %q", out)
	}

	var level int
	if err := db.QueryRowContext(ctx, `SELECT "hierarchy_level" FROM "folders" WHERE "id" = 4`).Scan(&level); err != nil {
		t.Fatal(err)
	}
	if level != 3 {
		t.Errorf("level = %d, want 3", level)
	}
	var rows int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "folder_ancestors"`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 4 {
		t.Errorf("bridge rows = %d, want 4", rows)
	}
}

// --- printTree Tests ---

func TestPrintTree_SkipsMissingLabel(t *testing.T) {
	c := hierarchy.DefaultConfig("folder")
	root := hierarchy.NewRow(map[string]any{"id": "r"})
	child := hierarchy.NewRow(map[string]any{"id": "c", "name": "child"})
	root.SetAssociation(c.ChildrenAs, []*hierarchy.Row{child})

	var buf bytes.Buffer
	printTree(&buf, []*hierarchy.Row{root}, c, "name", 0)
	if want := "r\n  c child\n"; buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}
