// Package store keeps content-addressed filesystem snapshots on disk.
//
// A snapshot records one operation's result: a gzipped tar layer holding
// the difference from its parent, plus the metadata state after the
// operation. Snapshots are addressed by the cache key of the operation
// that produced them, so repeated builds find earlier results by
// recomputing keys. Layer blobs are addressed by content and shared
// between snapshots.
//
// The store survives restarts. Records are reloaded at open, blobs
// without records are dropped, and a least recently used sweep keeps
// layer bytes under a configurable ceiling without ever breaking the
// lineage of a pinned snapshot.
//
// Example usage:
//
//	st, err := store.Open(paths.Store(), store.Options{
//	    MaxBytes: 8 << 30,
//	    Bases:    store.LocalBases{Dir: paths.Bases()},
//	})
//	if err != nil {
//	    return err
//	}
//
//	sess := st.Begin()
//	defer sess.End(ctx)
//
//	base, err := sess.ImportBase(ctx, "ghcr.io/example/riscv-gcc:14")
//	if err != nil {
//	    return err
//	}
//	if err := sess.Materialize(ctx, base.ID, workdir); err != nil {
//	    return err
//	}
package store
