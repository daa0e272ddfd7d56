package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Ruj89/strata/internal/driver"
	"github.com/Ruj89/strata/internal/export"
	"github.com/Ruj89/strata/internal/recipe"
)

// Represents the 'strata build' command.
type BuildCmd struct {
	File     string `short:"f" default:"Envfile" help:"Recipe to build." placeholder:"PATH"`
	Target   string `help:"Stage to build. Defaults to the last stage." placeholder:"NAME"`
	Output   string `short:"o" help:"Write the result as an OCI image layout to this directory." placeholder:"DIR"`
	Tag      string `short:"t" help:"Reference recorded on the exported image." placeholder:"NAME[:TAG]"`
	Platform string `help:"Platform recorded on the exported image. Defaults to the host." placeholder:"OS/ARCH"`
	Workers  int    `help:"Concurrent stage limit. Defaults to the CPU count." placeholder:"N"`
	FailFast bool   `help:"Cancel the build on the first stage failure."`
	NoCache  bool   `help:"Rerun every operation even when cached."`
	Strict   bool   `help:"Reject recipes that declare a stage name twice."`

	Context string `arg:"" optional:"" default:"." help:"Build context directory."`
}

// Executes the build command.
//
// Parses the recipe, builds the target stage, and prints the snapshot ID of
// the result on stdout. Progress goes to stderr. With -o the result is also
// exported as an OCI image layout.
func (c *BuildCmd) Run(ctx context.Context) error {
	rcp, err := recipe.ParseFile(c.File)
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}

	// The session pins every snapshot the build touches. It ends after the
	// export so the sweep cannot evict the result first.
	sess := st.Begin()
	defer func() {
		if err := sess.End(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("cache sweep failed", "error", err)
		}
	}()

	rep, err := driver.Run(ctx, sess, rcp, driver.Options{
		Target:   c.Target,
		Context:  c.Context,
		Workers:  c.Workers,
		FailFast: c.FailFast,
		NoCache:  c.NoCache,
		Strict:   c.Strict,
	})
	if err != nil {
		if rep != nil {
			if failed := rep.Failed(); len(failed) > 0 {
				names := make([]string, len(failed))
				for i, sr := range failed {
					names[i] = sr.Stage
				}
				slog.Error("build failed",
					"stages", strings.Join(names, ","),
					"elapsed", rep.Elapsed.Round(time.Millisecond))
			}
		}
		return err
	}

	if c.Output != "" {
		if _, err := export.Write(ctx, st, rep.Snapshot, c.Output, export.Options{
			Tag:      c.Tag,
			Platform: c.Platform,
		}); err != nil {
			return err
		}
	}

	cached := 0
	for _, sr := range rep.Stages {
		if sr.Status == driver.StatusCached {
			cached++
		}
	}
	slog.Info("build complete",
		"target", rep.Target,
		"stages", len(rep.Stages),
		"cached", cached,
		"elapsed", rep.Elapsed.Round(time.Millisecond))

	fmt.Println(rep.Snapshot.ID)
	return nil
}
