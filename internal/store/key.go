package store

import (
	"encoding/json"

	"github.com/opencontainers/go-digest"

	"github.com/Ruj89/strata/internal/recipe"
)

// KeyInputs are the resolved inputs that participate in an operation's
// cache key beyond the operation's own arguments.
type KeyInputs struct {

	// Env is the resolved environment as sorted KEY=VALUE pairs.
	Env []string `json:"env,omitempty"`

	// Workdir and User are the resolved execution context.
	Workdir string `json:"workdir,omitempty"`
	User    string `json:"user,omitempty"`

	// Source is the snapshot a StageCopy reads from.
	Source digest.Digest `json:"source,omitempty"`

	// Content is the digest of the context files a ContextCopy reads.
	Content digest.Digest `json:"content,omitempty"`
}

// KeyFor computes the cache key for applying op on top of parent. The key
// digests the parent identity, the operation kind and arguments, and the
// resolved inputs, so any divergence in lineage or inputs yields a
// different key.
func KeyFor(parent digest.Digest, op recipe.Operation, in KeyInputs) digest.Digest {
	envelope := struct {
		Parent digest.Digest    `json:"parent,omitempty"`
		Kind   recipe.Kind      `json:"kind"`
		Op     recipe.Operation `json:"op"`
		Inputs KeyInputs        `json:"inputs"`
	}{parent, op.Kind(), op, in}
	b, _ := json.Marshal(envelope)
	return digest.FromBytes(b)
}

// BaseKey is the snapshot ID under which an imported base archive is
// stored. Base identity is the reference string, not the archive bytes:
// an updated archive behind the same reference is not noticed until the
// old snapshot is evicted.
func BaseKey(ref string) digest.Digest {
	return digest.FromString("base:" + ref)
}
