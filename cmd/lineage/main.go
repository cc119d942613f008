package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/jacentio/lineage/hierarchy"
)

// CLI is the top-level command structure for lineage.
type CLI struct {
	Debug  bool   `env:"LINEAGE_DEBUG" help:"Enable debug logging."`
	Config string `short:"c" type:"path" default:"lineage.yaml" env:"LINEAGE_CONFIG" help:"Path to the YAML config file."`

	Migrate MigrateCmd `cmd:"" help:"Create the entity and bridge tables of each hierarchy."`
	Rebuild RebuildCmd `cmd:"" help:"Recompute levels and bridge rows from the parent columns."`
	Tree    TreeCmd    `cmd:"" help:"Print a hierarchy as an indented tree."`
}

// App carries the loaded config and backend into the commands.
type App struct {
	ctx     context.Context
	cfg     *Config
	reg     *hierarchy.Registry
	backend backend
	out     io.Writer
	logger  *slog.Logger
}

func newApp(ctx context.Context, path string, out io.Writer, logger *slog.Logger) (*App, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	reg, err := cfg.registry(logger)
	if err != nil {
		return nil, err
	}
	b, err := openBackend(ctx, cfg, reg)
	if err != nil {
		return nil, err
	}
	return &App{ctx: ctx, cfg: cfg, reg: reg, backend: b, out: out, logger: logger}, nil
}

// hierarchies resolves names, or every configured hierarchy when names is empty.
func (a *App) hierarchies(names []string) ([]*hierarchy.Hierarchy, error) {
	if len(names) == 0 {
		return a.reg.All(), nil
	}
	out := make([]*hierarchy.Hierarchy, 0, len(names))
	for _, name := range names {
		h, ok := a.reg.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown hierarchy %q", name)
		}
		out = append(out, h)
	}
	return out, nil
}

func (a *App) Close() error {
	return a.backend.Close()
}

func main() {
	cli := CLI{}
	parser, err := kong.New(&cli,
		kong.Name("lineage"),
		kong.Description("Maintain closure-table hierarchies in SQL databases and DynamoDB."),
		kong.UsageOnError(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lineage: %v\n", err)
		os.Exit(1)
	}
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	logger := setupLogger(cli.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cli.Config, os.Stdout, logger)
	kctx.FatalIfErrorf(err)
	kctx.Bind(app)

	err = kctx.Run()
	if cerr := app.Close(); cerr != nil {
		logger.Warn("failed to close backend", "error", cerr)
	}
	kctx.FatalIfErrorf(err)
}

func setupLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}
