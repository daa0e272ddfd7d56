package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ruj89/strata/internal/executor"
	"github.com/Ruj89/strata/internal/graph"
	"github.com/Ruj89/strata/internal/recipe"
	"github.com/Ruj89/strata/internal/store"
)

// Options configure a build run.
type Options struct {

	// Target selects the stage to build. Empty means the last stage.
	Target string

	// Context is the build context root for COPY operations.
	Context string

	// Workers caps how many stages run concurrently. Defaults to
	// GOMAXPROCS.
	Workers int

	// FailFast cancels in-flight stages after the first failure. The
	// default keeps building stages that do not depend on the failed one.
	FailFast bool

	// NoCache reruns every operation even when a cached snapshot exists.
	NoCache bool

	// Strict rejects recipes that declare a stage name twice.
	Strict bool

	// Runner executes commands. Defaults to executor.HostRunner.
	Runner executor.Runner
}

// task is the scheduling state of one stage. Its fields past skipOnce are
// written either by the worker that received it or inside skipOnce, never
// both.
type task struct {
	node       int
	label      string
	depCount   atomic.Int32
	dependents []*task
	skipOnce   sync.Once

	status    Status
	err       error
	blockedBy string
	cachedOps int
	elapsed   time.Duration
	out       *store.Snapshot
}

type driver struct {
	graph    *graph.Graph
	tasks    map[int]*task
	schedule []int
	exec     *executor.Executor
	session  *store.Session
	failFast bool
	wg       sync.WaitGroup
}

// Run builds the target stage and everything it transitively depends on.
// Stages with no ordering between them run concurrently, bounded by the
// worker count. The report covers every scheduled stage even when the
// build fails; the error is the first real failure in schedule order.
func Run(ctx context.Context, sess *store.Session, rcp *recipe.Recipe, opts Options) (*Report, error) {
	g, err := graph.Resolve(rcp, graph.Options{Strict: opts.Strict})
	if err != nil {
		return nil, err
	}
	for _, sh := range g.Shadowed {
		slog.Warn("stage name shadowed",
			"name", sh.Name,
			"line", g.Nodes[sh.Shadowed].Stage.Line,
			"winner", g.Nodes[sh.By].Stage.Line)
	}
	target, err := g.Target(opts.Target)
	if err != nil {
		return nil, err
	}

	d := &driver{
		graph:    g,
		tasks:    make(map[int]*task),
		schedule: g.Closure(target),
		session:  sess,
		failFast: opts.FailFast,
	}
	d.exec = executor.New(sess, executor.Options{
		Context: opts.Context,
		Runner:  opts.Runner,
		Scratch: sess.Store().ScratchDir(),
		NoCache: opts.NoCache,
	})
	for _, i := range d.schedule {
		d.tasks[i] = &task{node: i, label: g.Nodes[i].Label()}
	}
	for _, i := range d.schedule {
		tk := d.tasks[i]
		tk.depCount.Store(int32(len(g.Nodes[i].Deps)))
		for _, dep := range g.Nodes[i].Deps {
			d.tasks[dep].dependents = append(d.tasks[dep].dependents, tk)
		}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	slog.Debug("scheduling build",
		"target", g.Nodes[target].Label(),
		"stages", len(d.schedule),
		"workers", workers)

	start := time.Now()
	ready := make(chan *task, len(d.schedule))
	for _, i := range d.schedule {
		if tk := d.tasks[i]; tk.depCount.Load() == 0 {
			ready <- tk
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.wg.Add(len(d.schedule))
	for w := 0; w < workers; w++ {
		go d.worker(runCtx, ready, cancel)
	}
	d.wg.Wait()
	close(ready)

	rep := &Report{Target: g.Nodes[target].Label(), Elapsed: time.Since(start)}
	var firstErr error
	for _, i := range d.schedule {
		tk := d.tasks[i]
		sr := StageReport{
			Stage:     tk.label,
			Status:    tk.status,
			Ops:       len(g.Nodes[i].Stage.Ops),
			CachedOps: tk.cachedOps,
			Elapsed:   tk.elapsed,
			Err:       tk.err,
			BlockedBy: tk.blockedBy,
		}
		if tk.out != nil {
			sr.Snapshot = tk.out.ID
		}
		rep.Stages = append(rep.Stages, sr)
		if firstErr == nil && tk.status == StatusFailed {
			firstErr = tk.err
		}
	}
	if tk := d.tasks[target]; tk.out != nil {
		rep.Snapshot = tk.out
	}
	if firstErr == nil {
		firstErr = ctx.Err()
	}
	return rep, firstErr
}

// worker drains the ready queue. A task arrives here only after all of
// its dependencies succeeded.
func (d *driver) worker(ctx context.Context, ready chan *task, cancel context.CancelFunc) {
	for tk := range ready {
		if ctx.Err() != nil {
			tk.skipOnce.Do(func() {
				tk.status = StatusSkipped
				tk.err = ctx.Err()
				d.skipDependents(tk, tk.label)
				d.wg.Done()
			})
			continue
		}

		start := time.Now()
		err := d.buildStage(ctx, tk)
		tk.elapsed = time.Since(start)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				tk.status = StatusSkipped
				tk.err = err
			} else {
				tk.status = StatusFailed
				tk.err = err
				slog.Error("stage failed", "stage", tk.label, "error", err)
				if d.failFast {
					cancel()
				}
			}
			d.skipDependents(tk, tk.label)
			d.wg.Done()
			continue
		}

		tk.status = StatusSucceeded
		if ops := len(d.graph.Nodes[tk.node].Stage.Ops); ops > 0 && tk.cachedOps == ops {
			tk.status = StatusCached
		}
		for _, dep := range tk.dependents {
			if dep.depCount.Add(-1) == 0 {
				ready <- dep
			}
		}
		d.wg.Done()
	}
}

// skipDependents marks everything downstream of tk as skipped. A skipped
// task never reaches the ready queue because its dependency count never
// drains, so its bookkeeping happens here.
func (d *driver) skipDependents(tk *task, cause string) {
	for _, dep := range tk.dependents {
		dep.skipOnce.Do(func() {
			slog.Warn("skipping stage", "stage", dep.label, "cause", cause)
			dep.status = StatusSkipped
			dep.blockedBy = cause
			dep.err = fmt.Errorf("blocked by stage %s", cause)
			d.skipDependents(dep, cause)
			d.wg.Done()
		})
	}
}

// buildStage applies the stage's operations in order on top of its base.
func (d *driver) buildStage(ctx context.Context, tk *task) error {
	n := &d.graph.Nodes[tk.node]
	slog.Info("building stage", "stage", tk.label, "ops", len(n.Stage.Ops))

	cur, err := d.baseSnapshot(ctx, n)
	if err != nil {
		return err
	}
	for i, op := range n.Stage.Ops {
		var src *store.Snapshot
		if _, ok := op.(recipe.StageCopy); ok {
			src = d.tasks[n.CopySources[i]].out
		}
		res, err := d.exec.Execute(ctx, executor.Request{
			Parent: cur,
			Op:     op,
			Source: src,
			Stage:  tk.label,
		})
		if err != nil {
			return err
		}
		if res.Cached {
			tk.cachedOps++
		}
		cur = res.Snapshot
	}
	tk.out = cur
	slog.Info("stage complete",
		"stage", tk.label,
		"snapshot", cur.ID.Encoded()[:12],
		"cached", tk.cachedOps,
		"ops", len(n.Stage.Ops))
	return nil
}

// baseSnapshot is the filesystem the stage starts from: another stage's
// final snapshot, or an imported base archive.
func (d *driver) baseSnapshot(ctx context.Context, n *graph.Node) (*store.Snapshot, error) {
	if n.Base >= 0 {
		return d.tasks[n.Base].out, nil
	}
	return d.session.ImportBase(ctx, n.Stage.From.Image)
}
