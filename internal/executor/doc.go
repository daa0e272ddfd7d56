// Package executor applies single build operations against the snapshot
// store.
//
// An [Executor] takes a parent snapshot and one operation and produces
// the child snapshot, consulting the store's cache first. Metadata
// operations commit without touching the filesystem; filesystem
// operations materialize the parent into a scratch directory, apply the
// change there, and commit the result. Commands run through a [Runner],
// which abstracts where processes execute; [HostRunner] runs them
// directly on the host with the work tree as root.
//
// Example usage:
//
//	ex := executor.New(session, executor.Options{
//	    Context: ".",
//	    Scratch: scratchDir,
//	})
//
//	res, err := ex.Execute(ctx, executor.Request{
//	    Parent: base,
//	    Op:     recipe.Run{Argv: []string{"/bin/sh", "-c", "make"}},
//	    Stage:  "build",
//	})
//	if err != nil {
//	    return err
//	}
//	if res.Cached {
//	    slog.Debug("reused snapshot", "id", res.Snapshot.ID)
//	}
package executor
