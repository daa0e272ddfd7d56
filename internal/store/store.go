package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/golang/groupcache/lru"
	"github.com/moby/locker"
	"github.com/opencontainers/go-digest"

	"github.com/Ruj89/strata/internal/paths"
)

// Options configure a store.
type Options struct {

	// MaxBytes caps the total size of layer blobs. Zero means no limit.
	MaxBytes int64

	// Bases resolves external base references. Required for recipes that
	// start from anything other than scratch or earlier stages.
	Bases BaseSource
}

// Store keeps snapshots on disk: layer blobs under blobs/<alg>/<hex> and
// snapshot records under snapshots/<alg>/<hex>.json. Snapshots are
// addressed by cache key, layer blobs by content, so identical layers are
// stored once.
type Store struct {
	root  string
	bases BaseSource
	max   int64

	// locks serializes work per cache key so concurrent producers of the
	// same snapshot collapse into one write.
	locks *locker.Locker

	mu       sync.Mutex
	index    map[digest.Digest]*Snapshot
	recency  *lru.Cache
	pins     map[digest.Digest]int
	children map[digest.Digest]int // live child count per snapshot
	blobs    map[digest.Digest]int // snapshot count per layer blob
	size     int64

	// eviction state set up by Sweep for the lru callback
	keep     map[digest.Digest]bool
	retained []*Snapshot
	evictErr error
}

// Open loads or initializes a store rooted at dir.
func Open(dir string, opts Options) (*Store, error) {
	s := &Store{
		root:     dir,
		bases:    opts.Bases,
		max:      opts.MaxBytes,
		locks:    locker.New(),
		index:    make(map[digest.Digest]*Snapshot),
		pins:     make(map[digest.Digest]int),
		children: make(map[digest.Digest]int),
		blobs:    make(map[digest.Digest]int),
	}
	s.recency = lru.New(0)
	s.recency.OnEvicted = s.onEvict

	for _, d := range []string{s.blobDir(), s.snapshotDir()} {
		if err := os.MkdirAll(d, paths.DefaultDirMode); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrStore, err)
		}
	}
	// Scratch space does not survive restarts.
	if err := os.RemoveAll(s.tmpDir()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	if err := os.MkdirAll(s.tmpDir(), paths.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// load reads snapshot records into the index, ordered oldest first so the
// recency list starts in record-modification order, and drops layer blobs
// no record references.
func (s *Store) load() error {
	entries, err := os.ReadDir(s.snapshotDir())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}

	type loaded struct {
		snap  *Snapshot
		mtime time.Time
	}
	var records []loaded
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.snapshotDir(), e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStore, err)
		}
		var snap Snapshot
		if err := json.Unmarshal(b, &snap); err != nil {
			return fmt.Errorf("%w: record %s: %w", ErrStore, e.Name(), err)
		}
		info, err := e.Info()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStore, err)
		}
		records = append(records, loaded{snap: &snap, mtime: info.ModTime()})
	}
	slices.SortFunc(records, func(a, b loaded) int {
		return a.mtime.Compare(b.mtime)
	})

	for _, r := range records {
		snap := r.snap
		s.index[snap.ID] = snap
		s.recency.Add(snap.ID, snap)
		if snap.Parent != "" {
			s.children[snap.Parent]++
		}
		if snap.Layer != "" {
			s.blobs[snap.Layer]++
			if s.blobs[snap.Layer] == 1 {
				s.size += snap.Size
			}
		}
	}

	// Blobs left behind by interrupted commits or evictions.
	blobs, err := os.ReadDir(s.blobDir())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	for _, e := range blobs {
		if e.IsDir() {
			continue
		}
		d := digest.NewDigestFromEncoded(digest.Canonical, e.Name())
		if s.blobs[d] == 0 {
			if err := os.Remove(filepath.Join(s.blobDir(), e.Name())); err != nil {
				return fmt.Errorf("%w: %w", ErrStore, err)
			}
		}
	}
	return nil
}

func (s *Store) blobDir() string {
	return filepath.Join(s.root, "blobs", digest.Canonical.String())
}

func (s *Store) snapshotDir() string {
	return filepath.Join(s.root, "snapshots", digest.Canonical.String())
}

func (s *Store) tmpDir() string {
	return filepath.Join(s.root, "tmp")
}

func (s *Store) blobPath(d digest.Digest) string {
	return filepath.Join(s.blobDir(), d.Encoded())
}

func (s *Store) snapshotPath(id digest.Digest) string {
	return filepath.Join(s.snapshotDir(), id.Encoded()+".json")
}

// ScratchDir returns a directory for transient build trees. Its contents
// are removed when the store is opened.
func (s *Store) ScratchDir() string {
	return s.tmpDir()
}

// Lookup returns the snapshot stored under key, or an error satisfying
// errdefs.IsNotFound. A hit marks the snapshot recently used.
func (s *Store) Lookup(ctx context.Context, key digest.Digest) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	snap, ok := s.index[key]
	if ok {
		s.recency.Add(key, snap)
	}
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("snapshot %s: %w", key.Encoded()[:12], errdefs.ErrNotFound)
	}
	now := time.Now()
	_ = os.Chtimes(s.snapshotPath(key), now, now)
	return snap, nil
}

// CommitRequest describes a snapshot to store.
type CommitRequest struct {

	// Key is the cache key the snapshot is stored under.
	Key digest.Digest

	// Parent is the snapshot the layer applies on top of, empty for
	// roots.
	Parent digest.Digest

	// Op is a human-readable summary of the producing operation.
	Op string

	// Meta is the metadata state after the operation.
	Meta Metadata

	// Base and Root are the unmodified and the mutated tree to diff.
	// Both empty for metadata-only commits.
	Base string
	Root string
}

// Commit stores the difference between req.Base and req.Root as a new
// snapshot under req.Key. The first writer of a key wins: if the key is
// already present the existing snapshot is returned and the new result
// discarded. A cancelled context commits nothing.
func (s *Store) Commit(ctx context.Context, req CommitRequest) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.locks.Lock(req.Key.String())
	defer s.locks.Unlock(req.Key.String())

	s.mu.Lock()
	if snap, ok := s.index[req.Key]; ok {
		s.recency.Add(req.Key, snap)
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	snap := &Snapshot{
		ID:        req.Key,
		Parent:    req.Parent,
		Op:        req.Op,
		Meta:      req.Meta.Clone(),
		CreatedAt: time.Now().UTC(),
	}
	if req.Root != "" {
		layer, diffID, size, err := s.writeLayer(ctx, req.Base, req.Root)
		if err != nil {
			return nil, err
		}
		snap.Layer, snap.DiffID, snap.Size = layer, diffID, size
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.register(snap)
}

// register persists the snapshot record and adds it to the in-memory
// index. The caller holds the key lock.
func (s *Store) register(snap *Snapshot) (*Snapshot, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	tmp, err := os.CreateTemp(s.tmpDir(), "snapshot-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	_, werr := tmp.Write(b)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("%w: %w", ErrStore, werr)
	}
	if err := os.Rename(tmp.Name(), s.snapshotPath(snap.ID)); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	s.mu.Lock()
	s.index[snap.ID] = snap
	s.recency.Add(snap.ID, snap)
	if snap.Parent != "" {
		s.children[snap.Parent]++
	}
	if snap.Layer != "" {
		s.blobs[snap.Layer]++
		if s.blobs[snap.Layer] == 1 {
			s.size += snap.Size
		}
	}
	s.mu.Unlock()
	return snap, nil
}

// Lineage returns the snapshot chain from the root base down to id. Every
// snapshot in the chain is marked recently used.
func (s *Store) Lineage(id digest.Digest) ([]*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var chain []*Snapshot
	for cur := id; cur != ""; {
		snap, ok := s.index[cur]
		if !ok {
			return nil, fmt.Errorf("snapshot %s: %w", cur.Encoded()[:12], errdefs.ErrNotFound)
		}
		chain = append(chain, snap)
		s.recency.Add(cur, snap)
		cur = snap.Parent
	}
	slices.Reverse(chain)
	return chain, nil
}

// Materialize reconstructs the snapshot's filesystem under dir by
// applying its layer chain root first. Blob bytes are verified against
// their recorded digests as they stream.
func (s *Store) Materialize(ctx context.Context, id digest.Digest, dir string) error {
	chain, err := s.Lineage(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, paths.DefaultDirMode); err != nil {
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	for _, snap := range chain {
		if snap.Layer == "" {
			continue
		}
		if err := s.applyLayer(ctx, dir, snap); err != nil {
			return err
		}
	}
	return nil
}

// Pin protects the snapshot and its ancestors from eviction until the
// matching Unpin.
func (s *Store) Pin(id digest.Digest) {
	s.mu.Lock()
	s.pins[id]++
	s.mu.Unlock()
}

// Unpin releases one Pin of id.
func (s *Store) Unpin(id digest.Digest) {
	s.mu.Lock()
	if s.pins[id] > 1 {
		s.pins[id]--
	} else {
		delete(s.pins, id)
	}
	s.mu.Unlock()
}

// SweepStats report what a sweep removed.
type SweepStats struct {
	Removed int
	Freed   int64
}

// Sweep evicts least recently used snapshots until the store's layer
// bytes fit under limit. Pinned snapshots, their ancestors, and parents
// of surviving snapshots are never evicted; a limit of zero removes
// everything else.
func (s *Store) Sweep(ctx context.Context, limit int64) (SweepStats, error) {
	if limit < 0 {
		limit = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keep = s.pinnedClosure()
	s.evictErr = nil
	before := s.size
	count := len(s.index)

	// Eviction goes leaves first: a snapshot with live children is kept
	// and retried in the next round once the children are gone. Retained
	// entries leave the recency list as they are examined, so a drained
	// list ends the round.
	for ctx.Err() == nil {
		removed := 0
		s.retained = s.retained[:0]
		for s.size > limit && s.recency.Len() > 0 {
			was := len(s.index)
			s.recency.RemoveOldest()
			if len(s.index) < was {
				removed++
			}
		}
		// Retained entries move back in as most recently used.
		for _, snap := range s.retained {
			s.recency.Add(snap.ID, snap)
		}
		if s.size <= limit || removed == 0 {
			break
		}
	}
	s.keep = nil
	s.retained = nil

	stats := SweepStats{Removed: count - len(s.index), Freed: before - s.size}
	if stats.Removed > 0 {
		slog.Debug("swept snapshot store", "removed", stats.Removed, "freed", stats.Freed)
	}
	return stats, s.evictErr
}

// onEvict runs under s.mu from inside Sweep.
func (s *Store) onEvict(_ lru.Key, value interface{}) {
	snap := value.(*Snapshot)
	id := snap.ID
	if s.keep[id] || s.pins[id] > 0 || s.children[id] > 0 {
		s.retained = append(s.retained, snap)
		return
	}

	delete(s.index, id)
	if snap.Parent != "" {
		s.children[snap.Parent]--
		if s.children[snap.Parent] == 0 {
			delete(s.children, snap.Parent)
		}
	}
	if snap.Layer != "" {
		s.blobs[snap.Layer]--
		if s.blobs[snap.Layer] == 0 {
			delete(s.blobs, snap.Layer)
			s.size -= snap.Size
			if err := os.Remove(s.blobPath(snap.Layer)); err != nil && s.evictErr == nil {
				s.evictErr = fmt.Errorf("%w: %w", ErrStore, err)
			}
		}
	}
	if err := os.Remove(s.snapshotPath(id)); err != nil && s.evictErr == nil {
		s.evictErr = fmt.Errorf("%w: %w", ErrStore, err)
	}
}

// pinnedClosure is the set of pinned snapshots and their ancestors.
func (s *Store) pinnedClosure() map[digest.Digest]bool {
	keep := make(map[digest.Digest]bool)
	for id, n := range s.pins {
		if n <= 0 {
			continue
		}
		for cur := id; cur != ""; {
			if keep[cur] {
				break
			}
			keep[cur] = true
			snap, ok := s.index[cur]
			if !ok {
				break
			}
			cur = snap.Parent
		}
	}
	return keep
}

// Stats reports the store's current contents.
type Stats struct {
	Snapshots int
	Bytes     int64
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Snapshots: len(s.index), Bytes: s.size}
}

// Session tracks the snapshots one build touches and keeps them pinned
// until the build finishes.
type Session struct {
	store *Store
	mu    sync.Mutex
	ids   []digest.Digest
}

// Begin opens a session. Every snapshot the session returns stays pinned,
// ancestors included, until End.
func (s *Store) Begin() *Session {
	return &Session{store: s}
}

// Store returns the underlying store.
func (se *Session) Store() *Store {
	return se.store
}

func (se *Session) pin(snap *Snapshot) *Snapshot {
	se.store.Pin(snap.ID)
	se.mu.Lock()
	se.ids = append(se.ids, snap.ID)
	se.mu.Unlock()
	return snap
}

// Lookup is Store.Lookup with the result pinned to the session.
func (se *Session) Lookup(ctx context.Context, key digest.Digest) (*Snapshot, error) {
	snap, err := se.store.Lookup(ctx, key)
	if err != nil {
		return nil, err
	}
	return se.pin(snap), nil
}

// Commit is Store.Commit with the result pinned to the session.
func (se *Session) Commit(ctx context.Context, req CommitRequest) (*Snapshot, error) {
	snap, err := se.store.Commit(ctx, req)
	if err != nil {
		return nil, err
	}
	return se.pin(snap), nil
}

// ImportBase is Store.ImportBase with the result pinned to the session.
func (se *Session) ImportBase(ctx context.Context, ref string) (*Snapshot, error) {
	snap, err := se.store.ImportBase(ctx, ref)
	if err != nil {
		return nil, err
	}
	return se.pin(snap), nil
}

// Materialize delegates to Store.Materialize.
func (se *Session) Materialize(ctx context.Context, id digest.Digest, dir string) error {
	return se.store.Materialize(ctx, id, dir)
}

// End releases the session's pins and, when the store has a size ceiling,
// sweeps it back under the ceiling.
func (se *Session) End(ctx context.Context) error {
	se.mu.Lock()
	ids := se.ids
	se.ids = nil
	se.mu.Unlock()
	for _, id := range ids {
		se.store.Unpin(id)
	}
	if se.store.max > 0 {
		_, err := se.store.Sweep(ctx, se.store.max)
		return err
	}
	return nil
}
