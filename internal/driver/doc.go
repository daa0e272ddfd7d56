// Package driver schedules stage builds across a worker pool.
//
// A run plans the dependency closure of the target stage, then feeds
// stages to workers as their dependencies finish. A failed stage blocks
// only its dependents; unrelated stages keep building unless fail-fast
// is set. Every scheduled stage lands in the final [Report] with its
// status, cache counters and timing.
//
// Builds go through a [store.Session] so every snapshot touched stays
// pinned until the caller ends the session. Ending it after the report
// has been consumed lets the store sweep back under its size ceiling
// without racing the build.
//
// Example usage:
//
//	sess := st.Begin()
//	defer sess.End(ctx)
//
//	rep, err := driver.Run(ctx, sess, rcp, driver.Options{
//	    Target:  "release",
//	    Context: ".",
//	})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(rep.Snapshot.ID)
package driver
