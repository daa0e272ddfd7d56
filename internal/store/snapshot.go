package store

import (
	"time"

	"github.com/opencontainers/go-digest"
)

// Snapshot is an immutable filesystem state in the store. The ID is the
// cache key of the operation that produced it; Parent links snapshots
// into lineages reaching back to a base.
type Snapshot struct {
	ID     digest.Digest `json:"id"`
	Parent digest.Digest `json:"parent,omitempty"`

	// Layer is the digest of the gzipped tar holding the difference from
	// Parent, empty for metadata-only snapshots and the scratch base.
	// DiffID is the digest of the uncompressed tar and Size the
	// compressed size in bytes.
	Layer  digest.Digest `json:"layer,omitempty"`
	DiffID digest.Digest `json:"diffID,omitempty"`
	Size   int64         `json:"size,omitempty"`

	// Op summarizes the operation that produced the snapshot.
	Op string `json:"op,omitempty"`

	Meta      Metadata  `json:"meta"`
	CreatedAt time.Time `json:"createdAt"`
}
