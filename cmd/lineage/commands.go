package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jacentio/lineage/hierarchy"
)

// MigrateCmd creates the tables of the named hierarchies.
type MigrateCmd struct {
	Hierarchies []string `arg:"" optional:"" name:"hierarchy" help:"Hierarchies to migrate (default: all)."`
}

func (cmd *MigrateCmd) Run(app *App) error {
	hs, err := app.hierarchies(cmd.Hierarchies)
	if err != nil {
		return err
	}
	for _, h := range hs {
		if err := app.backend.Migrate(app.ctx, h); err != nil {
			return fmt.Errorf("migrate %s: %w", h.Name(), err)
		}
		app.logger.Info("migrated hierarchy",
			"type", h.Name(),
			"table", h.Config().Table,
			"through", h.Config().ThroughTable)
	}
	return nil
}

// RebuildCmd recomputes the levels and bridge rows of the named hierarchies.
type RebuildCmd struct {
	Hierarchies []string `arg:"" optional:"" name:"hierarchy" help:"Hierarchies to rebuild (default: all)."`
}

func (cmd *RebuildCmd) Run(app *App) error {
	hs, err := app.hierarchies(cmd.Hierarchies)
	if err != nil {
		return err
	}
	for _, h := range hs {
		start := time.Now()
		if err := app.backend.Rebuild(app.ctx, h); err != nil {
			return fmt.Errorf("rebuild %s: %w", h.Name(), err)
		}
		fmt.Fprintf(app.out, "rebuilt %s in %s\n", h.Name(), time.Since(start).Round(time.Millisecond))
	}
	return nil
}

// TreeCmd prints the subtree of an entity, or the whole forest.
type TreeCmd struct {
	Hierarchy string `arg:"" help:"Hierarchy to print."`
	ID        string `arg:"" optional:"" help:"Key of the subtree root (default: every root)."`
	Label     string `short:"l" help:"Column printed after each key."`
}

func (cmd *TreeCmd) Run(app *App) error {
	hs, err := app.hierarchies([]string{cmd.Hierarchy})
	if err != nil {
		return err
	}
	h := hs[0]
	rows, err := app.backend.Tree(app.ctx, h, cmd.ID)
	if err != nil {
		return err
	}
	printTree(app.out, rows, h.Config(), cmd.Label, 0)
	return nil
}

// printTree writes one line per row, indented two spaces per depth.
func printTree(w io.Writer, rows []*hierarchy.Row, c hierarchy.Config, label string, depth int) {
	for _, row := range rows {
		line := strings.Repeat("  ", depth) + fmt.Sprint(row.Get(c.PrimaryKey))
		if label != "" {
			if v := row.Get(label); v != nil {
				line += " " + fmt.Sprint(v)
			}
		}
		fmt.Fprintln(w, line)
		printTree(w, row.Association(c.ChildrenAs), c, label, depth+1)
	}
}
