package executor

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/containerd/continuity/fs"
	"github.com/containerd/errdefs"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/Ruj89/strata/internal/recipe"
	"github.com/Ruj89/strata/internal/store"
)

// Store is the snapshot access an executor needs. Both *store.Store and
// *store.Session satisfy it.
type Store interface {
	Lookup(ctx context.Context, key digest.Digest) (*store.Snapshot, error)
	Commit(ctx context.Context, req store.CommitRequest) (*store.Snapshot, error)
	Materialize(ctx context.Context, id digest.Digest, dir string) error
}

// Options configure an executor.
type Options struct {

	// Context is the build context root for ContextCopy operations.
	Context string

	// Runner executes commands. Defaults to HostRunner.
	Runner Runner

	// Scratch is the parent directory for transient build trees.
	// Defaults to the system temp directory.
	Scratch string

	// NoCache skips cache lookups. Results are still committed.
	NoCache bool
}

// Executor applies one operation at a time: the cache is consulted before
// any work happens, and the result is committed after.
type Executor struct {
	store   Store
	runner  Runner
	context string
	scratch string
	noCache bool
}

func New(st Store, opts Options) *Executor {
	e := &Executor{
		store:   st,
		runner:  opts.Runner,
		context: opts.Context,
		scratch: opts.Scratch,
		noCache: opts.NoCache,
	}
	if e.runner == nil {
		e.runner = HostRunner{}
	}
	if e.scratch == "" {
		e.scratch = os.TempDir()
	}
	return e
}

// Request is one operation applied on top of a parent snapshot.
type Request struct {

	// Parent is the input snapshot.
	Parent *store.Snapshot

	// Op is the operation to apply.
	Op recipe.Operation

	// Source is the final snapshot of the stage a StageCopy reads from.
	Source *store.Snapshot

	// Stage labels diagnostics.
	Stage string
}

// Result is a produced snapshot with its cache provenance.
type Result struct {
	Snapshot *store.Snapshot
	Cached   bool
}

// Execute applies the operation. A cache hit returns the stored snapshot
// without side effects. On a miss the operation runs against a transient
// work tree and the difference is committed under the operation's key. A
// failed or cancelled operation commits nothing.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	in, err := e.keyInputs(req)
	if err != nil {
		return nil, err
	}
	key := store.KeyFor(req.Parent.ID, req.Op, in)

	if !e.noCache {
		snap, err := e.store.Lookup(ctx, key)
		if err == nil {
			slog.Debug("cache hit",
				"stage", req.Stage,
				"op", req.Op.String(),
				"snapshot", snap.ID.Encoded()[:12])
			return &Result{Snapshot: snap, Cached: true}, nil
		}
		if !errdefs.IsNotFound(err) {
			return nil, err
		}
	}

	snap, err := e.apply(ctx, key, req, in)
	if err != nil {
		return nil, err
	}
	return &Result{Snapshot: snap}, nil
}

// keyInputs resolves what feeds the cache key beyond the operation
// itself: the execution context for commands, the source snapshot for
// stage copies, and the content digest for context copies.
func (e *Executor) keyInputs(req Request) (store.KeyInputs, error) {
	var in store.KeyInputs
	switch op := req.Op.(type) {
	case recipe.Run:
		meta := req.Parent.Meta
		in.Env = meta.Environ()
		in.Workdir = effectiveWorkdir(meta)
		in.User = meta.User
	case recipe.StageCopy:
		if req.Source == nil {
			return in, &Error{
				Stage: req.Stage,
				Op:    req.Op.String(),
				Err:   fmt.Errorf("%w: no snapshot for stage %q", ErrMissingSource, op.Stage),
			}
		}
		in.Source = req.Source.ID
		in.Workdir = effectiveWorkdir(req.Parent.Meta)
	case recipe.ContextCopy:
		d, err := e.contextDigest(op.Src)
		if err != nil {
			return in, &Error{Stage: req.Stage, Op: req.Op.String(), Err: err}
		}
		in.Content = d
		in.Workdir = effectiveWorkdir(req.Parent.Meta)
	}
	return in, nil
}

// apply performs the operation's side effects and commits the result.
func (e *Executor) apply(ctx context.Context, key digest.Digest, req Request, in store.KeyInputs) (*store.Snapshot, error) {
	parent := req.Parent
	if meta, ok := applyMetadata(parent.Meta, req.Op); ok {
		return e.store.Commit(ctx, store.CommitRequest{
			Key:    key,
			Parent: parent.ID,
			Op:     req.Op.String(),
			Meta:   meta,
		})
	}

	base, err := os.MkdirTemp(e.scratch, "base-")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrStore, err)
	}
	defer os.RemoveAll(base)
	if err := e.store.Materialize(ctx, parent.ID, base); err != nil {
		return nil, err
	}
	work, err := os.MkdirTemp(e.scratch, "work-")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrStore, err)
	}
	defer os.RemoveAll(work)
	if err := fs.CopyDir(work, base); err != nil {
		return nil, fmt.Errorf("%w: preparing work tree: %w", store.ErrStore, err)
	}

	switch op := req.Op.(type) {
	case recipe.Run:
		if err := e.run(ctx, req, op, work, in); err != nil {
			return nil, err
		}
	case recipe.StageCopy:
		if err := e.stageCopy(ctx, req, op, work); err != nil {
			return nil, err
		}
	case recipe.ContextCopy:
		if err := e.contextCopy(req, op, work); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unhandled operation kind %q", req.Op.Kind())
	}

	return e.store.Commit(ctx, store.CommitRequest{
		Key:    key,
		Parent: parent.ID,
		Op:     req.Op.String(),
		Meta:   parent.Meta,
		Base:   base,
		Root:   work,
	})
}

// run executes a command in the work tree.
func (e *Executor) run(ctx context.Context, req Request, op recipe.Run, work string, in store.KeyInputs) error {
	proc := &specs.Process{
		Args: op.Argv,
		Env:  in.Env,
		Cwd:  in.Workdir,
		User: specs.User{Username: in.User},
	}
	slog.Info("running command", "stage", req.Stage, "op", op.String())

	res, err := e.runner.Run(ctx, work, proc)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &Error{
			Stage: req.Stage,
			Op:    op.String(),
			Err:   fmt.Errorf("%w: %w", ErrCommandFailed, err),
		}
	}
	if res.Stdout != "" {
		slog.Debug("command output", "stage", req.Stage, "stdout", res.Stdout)
	}
	if res.ExitCode != 0 {
		return &Error{
			Stage:    req.Stage,
			Op:       op.String(),
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
			Err:      fmt.Errorf("%w: exit code %d", ErrCommandFailed, res.ExitCode),
		}
	}
	return nil
}

// applyMetadata folds a metadata operation into a copy of meta. The
// second result is false for operations that touch the filesystem.
func applyMetadata(meta store.Metadata, op recipe.Operation) (store.Metadata, bool) {
	m := meta.Clone()
	switch op := op.(type) {
	case recipe.Env:
		if m.Env == nil {
			m.Env = make(map[string]string)
		}
		m.Env[op.Key] = op.Value
	case recipe.Workdir:
		m.Workdir = op.Path
	case recipe.User:
		m.User = op.Name
	default:
		return meta, false
	}
	return m, true
}

// effectiveWorkdir is the directory commands and relative copy
// destinations resolve against.
func effectiveWorkdir(meta store.Metadata) string {
	if meta.Workdir == "" {
		return "/"
	}
	return meta.Workdir
}
