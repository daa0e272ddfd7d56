package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"

	"github.com/Ruj89/strata/internal"
	"github.com/Ruj89/strata/internal/paths"
	"github.com/Ruj89/strata/internal/store"
)

// Represents the root command for the strata CLI.
var RootCmd struct {
	Quiet     bool   `short:"q" help:"Suppress informational output."`
	Verbose   bool   `short:"v" help:"Enable verbose output."`
	Debug     bool   `short:"d" help:"Enable debug output."`
	CacheDir  string `help:"Override the default snapshot cache directory." placeholder:"DIR"`
	CacheSize string `help:"Cache size ceiling, e.g. 2GB. Empty means unlimited." placeholder:"SIZE"`
	Bases     string `help:"Directory holding base filesystem archives." placeholder:"DIR"`

	Build   BuildCmd   `cmd:"" help:"Build a recipe."`
	Plan    PlanCmd    `cmd:"" help:"Print the build schedule without running it."`
	Prune   PruneCmd   `cmd:"" help:"Remove cached snapshots."`
	Version VersionCmd `cmd:"" help:"Show version information."`
}

// Parses arguments, configures logging, and runs the selected subcommand.
func Execute() error {

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(&RootCmd,
		kong.Name(internal.Name),
		kong.Description("Stage-graph build engine.\n\nBuilds Envfile recipes into content-addressed filesystem snapshots."),
		kong.UsageOnError(),
		kong.Vars{
			"version": internal.VersionString(),
		},
		kong.BindTo(ctx, (*context.Context)(nil)),
	)

	configureLogger()

	return kongCtx.Run()
}

// Configures the global logger based on CLI flags.
func configureLogger() {
	debug := RootCmd.Debug || internal.IsDebug()
	quiet := RootCmd.Quiet || internal.IsQuiet()
	verbose := RootCmd.Verbose || internal.IsVerbose()

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	} else if quiet {
		level = slog.LevelWarn
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     level,
		AddSource: verbose,
	})))
}

// Opens the snapshot store using the global cache flags.
func openStore() (*store.Store, error) {
	dir := RootCmd.CacheDir
	if dir == "" {
		dir = paths.Store()
	}

	var max int64
	if RootCmd.CacheSize != "" {
		n, err := humanize.ParseBytes(RootCmd.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("invalid cache size %q: %w", RootCmd.CacheSize, err)
		}
		max = int64(n)
	}

	bases := RootCmd.Bases
	if bases == "" {
		bases = paths.Bases()
	}

	return store.Open(dir, store.Options{
		MaxBytes: max,
		Bases:    store.LocalBases{Dir: bases},
	})
}
