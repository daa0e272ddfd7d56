package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/Ruj89/strata/internal/recipe"
	"github.com/Ruj89/strata/internal/store"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeRunner records every invocation and delegates to fn when set.
type fakeRunner struct {
	mu    sync.Mutex
	procs []*specs.Process
	fn    func(root string, proc *specs.Process) (*ExecResult, error)
}

func (r *fakeRunner) Run(_ context.Context, root string, proc *specs.Process) (*ExecResult, error) {
	r.mu.Lock()
	r.procs = append(r.procs, proc)
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		return fn(root, proc)
	}
	return &ExecResult{}, nil
}

func (r *fakeRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func (r *fakeRunner) last() *specs.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.procs) == 0 {
		return nil
	}
	return r.procs[len(r.procs)-1]
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir(), store.Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return st
}

func scratchBase(t *testing.T, st *store.Store) *store.Snapshot {
	t.Helper()
	base, err := st.ImportBase(context.Background(), "scratch")
	if err != nil {
		t.Fatalf("ImportBase() error = %v", err)
	}
	return base
}

// commitTree commits a snapshot holding the given files on top of parent.
func commitTree(t *testing.T, st *store.Store, parent *store.Snapshot, key string, files map[string]string) *store.Snapshot {
	t.Helper()
	base := t.TempDir()
	if err := st.Materialize(context.Background(), parent.ID, base); err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("MkdirAll() error = %v", err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile() error = %v", err)
		}
	}
	snap, err := st.Commit(context.Background(), store.CommitRequest{
		Key:    digest.FromString(key),
		Parent: parent.ID,
		Op:     key,
		Base:   base,
		Root:   root,
	})
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	return snap
}

func materialize(t *testing.T, st *store.Store, id digest.Digest) string {
	t.Helper()
	dir := t.TempDir()
	if err := st.Materialize(context.Background(), id, dir); err != nil {
		t.Fatalf("Materialize() error = %v", err)
	}
	return dir
}

func readTree(t *testing.T, dir, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", name, err)
	}
	return string(data)
}

func TestExecuteRunCommitsLayer(t *testing.T) {
	st := testStore(t)
	base := scratchBase(t, st)
	runner := &fakeRunner{fn: func(root string, _ *specs.Process) (*ExecResult, error) {
		if err := os.WriteFile(filepath.Join(root, "built"), []byte("ok"), 0o644); err != nil {
			return nil, err
		}
		return &ExecResult{Stdout: "done"}, nil
	}}
	ex := New(st, Options{Runner: runner, Scratch: t.TempDir()})

	res, err := ex.Execute(context.Background(), Request{
		Parent: base,
		Op:     recipe.Run{Argv: []string{"/bin/sh", "-c", "make"}},
		Stage:  "build",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Cached {
		t.Error("Execute() reported a cache hit on first run")
	}
	if res.Snapshot.Parent != base.ID {
		t.Errorf("snapshot parent = %s, want %s", res.Snapshot.Parent, base.ID)
	}

	dir := materialize(t, st, res.Snapshot.ID)
	if got := readTree(t, dir, "built"); got != "ok" {
		t.Errorf("built = %q, want %q", got, "ok")
	}
}

func TestExecuteCacheHit(t *testing.T) {
	st := testStore(t)
	base := scratchBase(t, st)
	runner := &fakeRunner{fn: func(root string, _ *specs.Process) (*ExecResult, error) {
		return &ExecResult{}, os.WriteFile(filepath.Join(root, "out"), []byte("v1"), 0o644)
	}}
	ex := New(st, Options{Runner: runner, Scratch: t.TempDir()})
	req := Request{
		Parent: base,
		Op:     recipe.Run{Argv: []string{"/bin/sh", "-c", "build"}},
		Stage:  "build",
	}

	first, err := ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	second, err := ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() rerun error = %v", err)
	}

	if !second.Cached {
		t.Error("rerun was not served from cache")
	}
	if second.Snapshot.ID != first.Snapshot.ID {
		t.Errorf("rerun snapshot = %s, want %s", second.Snapshot.ID, first.Snapshot.ID)
	}
	if got := runner.calls(); got != 1 {
		t.Errorf("runner invoked %d times, want 1", got)
	}
}

func TestExecuteNoCache(t *testing.T) {
	st := testStore(t)
	base := scratchBase(t, st)
	runner := &fakeRunner{}
	ex := New(st, Options{Runner: runner, Scratch: t.TempDir(), NoCache: true})
	req := Request{
		Parent: base,
		Op:     recipe.Run{Argv: []string{"/bin/true"}},
		Stage:  "build",
	}

	first, err := ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	second, err := ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() rerun error = %v", err)
	}

	if second.Cached {
		t.Error("NoCache rerun reported a cache hit")
	}
	if got := runner.calls(); got != 2 {
		t.Errorf("runner invoked %d times, want 2", got)
	}
	// The commit still lands on the same key, so the first snapshot wins.
	if second.Snapshot.ID != first.Snapshot.ID {
		t.Errorf("rerun snapshot = %s, want %s", second.Snapshot.ID, first.Snapshot.ID)
	}
}

func TestExecuteCommandFailure(t *testing.T) {
	st := testStore(t)
	base := scratchBase(t, st)
	runner := &fakeRunner{fn: func(string, *specs.Process) (*ExecResult, error) {
		return &ExecResult{ExitCode: 2, Stderr: "make: *** [all] Error 2"}, nil
	}}
	ex := New(st, Options{Runner: runner, Scratch: t.TempDir()})

	before := st.Stats().Snapshots
	_, err := ex.Execute(context.Background(), Request{
		Parent: base,
		Op:     recipe.Run{Argv: []string{"/bin/sh", "-c", "make"}},
		Stage:  "build",
	})
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("Execute() error = %v, want ErrCommandFailed", err)
	}
	var opErr *Error
	if !errors.As(err, &opErr) {
		t.Fatalf("Execute() error = %T, want *Error", err)
	}
	if opErr.ExitCode != 2 {
		t.Errorf("ExitCode = %d, want 2", opErr.ExitCode)
	}
	if opErr.Stderr == "" {
		t.Error("Stderr not captured")
	}
	if opErr.Stage != "build" {
		t.Errorf("Stage = %q, want %q", opErr.Stage, "build")
	}
	if got := st.Stats().Snapshots; got != before {
		t.Errorf("failed operation committed: %d snapshots, want %d", got, before)
	}
}

func TestExecuteMetadataChain(t *testing.T) {
	st := testStore(t)
	base := scratchBase(t, st)
	runner := &fakeRunner{}
	ex := New(st, Options{Runner: runner, Scratch: t.TempDir()})

	cur := base
	for _, op := range []recipe.Operation{
		recipe.Env{Key: "PATH", Value: "/usr/bin"},
		recipe.Env{Key: "CC", Value: "gcc"},
		recipe.Workdir{Path: "/src"},
		recipe.User{Name: "builder"},
	} {
		res, err := ex.Execute(context.Background(), Request{Parent: cur, Op: op, Stage: "setup"})
		if err != nil {
			t.Fatalf("Execute(%s) error = %v", op, err)
		}
		cur = res.Snapshot
	}

	if got := runner.calls(); got != 0 {
		t.Errorf("metadata operations invoked the runner %d times", got)
	}
	if cur.Layer != "" {
		t.Errorf("metadata snapshot has layer %s", cur.Layer)
	}
	if got := cur.Meta.Env["PATH"]; got != "/usr/bin" {
		t.Errorf("Env[PATH] = %q, want %q", got, "/usr/bin")
	}
	if got := cur.Meta.Env["CC"]; got != "gcc" {
		t.Errorf("Env[CC] = %q, want %q", got, "gcc")
	}
	if cur.Meta.Workdir != "/src" {
		t.Errorf("Workdir = %q, want %q", cur.Meta.Workdir, "/src")
	}
	if cur.Meta.User != "builder" {
		t.Errorf("User = %q, want %q", cur.Meta.User, "builder")
	}
}

func TestExecuteRunSeesMetadata(t *testing.T) {
	st := testStore(t)
	base := scratchBase(t, st)
	runner := &fakeRunner{}
	ex := New(st, Options{Runner: runner, Scratch: t.TempDir()})

	cur := base
	for _, op := range []recipe.Operation{
		recipe.Env{Key: "MODE", Value: "release"},
		recipe.Workdir{Path: "/app"},
		recipe.User{Name: "builder"},
	} {
		res, err := ex.Execute(context.Background(), Request{Parent: cur, Op: op, Stage: "setup"})
		if err != nil {
			t.Fatalf("Execute(%s) error = %v", op, err)
		}
		cur = res.Snapshot
	}
	if _, err := ex.Execute(context.Background(), Request{
		Parent: cur,
		Op:     recipe.Run{Argv: []string{"/bin/sh", "-c", "build"}},
		Stage:  "build",
	}); err != nil {
		t.Fatalf("Execute(run) error = %v", err)
	}

	proc := runner.last()
	if proc == nil {
		t.Fatal("runner never invoked")
	}
	if proc.Cwd != "/app" {
		t.Errorf("Cwd = %q, want %q", proc.Cwd, "/app")
	}
	if proc.User.Username != "builder" {
		t.Errorf("User = %q, want %q", proc.User.Username, "builder")
	}
	found := false
	for _, entry := range proc.Env {
		if entry == "MODE=release" {
			found = true
		}
	}
	if !found {
		t.Errorf("Env = %v, missing MODE=release", proc.Env)
	}
}

func TestExecuteStageCopy(t *testing.T) {
	st := testStore(t)
	base := scratchBase(t, st)
	src := commitTree(t, st, base, "tools", map[string]string{
		"bin/tool": "#!/bin/sh",
	})
	ex := New(st, Options{Runner: &fakeRunner{}, Scratch: t.TempDir()})

	res, err := ex.Execute(context.Background(), Request{
		Parent: base,
		Op:     recipe.StageCopy{Stage: "tools", Src: "/bin/tool", Dest: "/usr/local/bin/tool"},
		Source: src,
		Stage:  "final",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	dir := materialize(t, st, res.Snapshot.ID)
	if got := readTree(t, dir, "usr/local/bin/tool"); got != "#!/bin/sh" {
		t.Errorf("copied file = %q, want %q", got, "#!/bin/sh")
	}
}

func TestExecuteStageCopyRelativeDest(t *testing.T) {
	st := testStore(t)
	base := scratchBase(t, st)
	src := commitTree(t, st, base, "tools", map[string]string{
		"bin/tool": "#!/bin/sh",
	})
	ex := New(st, Options{Runner: &fakeRunner{}, Scratch: t.TempDir()})

	wd, err := ex.Execute(context.Background(), Request{
		Parent: base,
		Op:     recipe.Workdir{Path: "/opt"},
		Stage:  "final",
	})
	if err != nil {
		t.Fatalf("Execute(workdir) error = %v", err)
	}
	res, err := ex.Execute(context.Background(), Request{
		Parent: wd.Snapshot,
		Op:     recipe.StageCopy{Stage: "tools", Src: "/bin/tool", Dest: "tool"},
		Source: src,
		Stage:  "final",
	})
	if err != nil {
		t.Fatalf("Execute(copy) error = %v", err)
	}

	dir := materialize(t, st, res.Snapshot.ID)
	if got := readTree(t, dir, "opt/tool"); got != "#!/bin/sh" {
		t.Errorf("copied file = %q, want %q", got, "#!/bin/sh")
	}
}

func TestExecuteStageCopyMissing(t *testing.T) {
	st := testStore(t)
	base := scratchBase(t, st)
	src := commitTree(t, st, base, "tools", map[string]string{
		"bin/tool": "#!/bin/sh",
	})
	ex := New(st, Options{Runner: &fakeRunner{}, Scratch: t.TempDir()})

	t.Run("no source snapshot", func(t *testing.T) {
		_, err := ex.Execute(context.Background(), Request{
			Parent: base,
			Op:     recipe.StageCopy{Stage: "tools", Src: "/bin/tool", Dest: "/tool"},
			Stage:  "final",
		})
		if !errors.Is(err, ErrMissingSource) {
			t.Errorf("Execute() error = %v, want ErrMissingSource", err)
		}
	})

	t.Run("path not in source", func(t *testing.T) {
		_, err := ex.Execute(context.Background(), Request{
			Parent: base,
			Op:     recipe.StageCopy{Stage: "tools", Src: "/bin/missing", Dest: "/tool"},
			Source: src,
			Stage:  "final",
		})
		if !errors.Is(err, ErrMissingSource) {
			t.Errorf("Execute() error = %v, want ErrMissingSource", err)
		}
	})
}

func TestExecuteContextCopy(t *testing.T) {
	st := testStore(t)
	base := scratchBase(t, st)
	ctxDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(ctxDir, "app"), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	src := filepath.Join(ctxDir, "app", "main.go")
	if err := os.WriteFile(src, []byte("package main"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	ex := New(st, Options{Context: ctxDir, Runner: &fakeRunner{}, Scratch: t.TempDir()})
	req := Request{
		Parent: base,
		Op:     recipe.ContextCopy{Src: "app", Dest: "/src/app"},
		Stage:  "build",
	}

	first, err := ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	dir := materialize(t, st, first.Snapshot.ID)
	if got := readTree(t, dir, "src/app/main.go"); got != "package main" {
		t.Errorf("copied file = %q, want %q", got, "package main")
	}

	// Touching the tree without changing content keeps the key.
	if err := os.Chtimes(src, epoch, epoch); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}
	second, err := ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() rerun error = %v", err)
	}
	if !second.Cached {
		t.Error("mtime-only change missed the cache")
	}

	// Changing content invalidates it.
	if err := os.WriteFile(src, []byte("package main // v2"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	third, err := ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute() after edit error = %v", err)
	}
	if third.Cached {
		t.Error("content change was served from cache")
	}
	if third.Snapshot.ID == first.Snapshot.ID {
		t.Error("content change produced the same snapshot")
	}
}

func TestExecuteContextCopyMissing(t *testing.T) {
	st := testStore(t)
	base := scratchBase(t, st)
	ex := New(st, Options{Context: t.TempDir(), Runner: &fakeRunner{}, Scratch: t.TempDir()})

	_, err := ex.Execute(context.Background(), Request{
		Parent: base,
		Op:     recipe.ContextCopy{Src: "nope", Dest: "/src"},
		Stage:  "build",
	})
	if !errors.Is(err, ErrMissingContext) {
		t.Errorf("Execute() error = %v, want ErrMissingContext", err)
	}
}

func TestExecuteCancelled(t *testing.T) {
	st := testStore(t)
	base := scratchBase(t, st)
	ctx, cancel := context.WithCancel(context.Background())
	runner := &fakeRunner{fn: func(string, *specs.Process) (*ExecResult, error) {
		cancel()
		return nil, errors.New("killed")
	}}
	ex := New(st, Options{Runner: runner, Scratch: t.TempDir()})

	before := st.Stats().Snapshots
	_, err := ex.Execute(ctx, Request{
		Parent: base,
		Op:     recipe.Run{Argv: []string{"/bin/sleep", "60"}},
		Stage:  "build",
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Execute() error = %v, want context.Canceled", err)
	}
	if got := st.Stats().Snapshots; got != before {
		t.Errorf("cancelled operation committed: %d snapshots, want %d", got, before)
	}
}
