package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/containerd/platforms"
	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
	specs "github.com/opencontainers/image-spec/specs-go"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/Ruj89/strata/internal/paths"
	"github.com/Ruj89/strata/internal/store"
)

// Options configure an image export.
type Options struct {

	// Tag is validated and recorded as the manifest's reference
	// annotation.
	Tag string

	// Platform overrides the host platform recorded in the image config,
	// in "os/arch" form.
	Platform string
}

// Write lays out the snapshot's lineage as an OCI image under dir. Layer
// blobs are copied out of the store with their digests verified, the
// image config carries the snapshot's accumulated metadata, and every
// lineage entry becomes a history line. The returned descriptor
// references the image manifest.
func Write(ctx context.Context, st *store.Store, snap *store.Snapshot, dir string, opts Options) (ocispec.Descriptor, error) {
	if opts.Tag != "" {
		if _, err := reference.ParseNormalizedNamed(opts.Tag); err != nil {
			return ocispec.Descriptor{}, fmt.Errorf("%w: tag %q: %w", ErrBadReference, opts.Tag, err)
		}
	}
	p := platforms.DefaultSpec()
	if opts.Platform != "" {
		var err error
		p, err = platforms.Parse(opts.Platform)
		if err != nil {
			return ocispec.Descriptor{}, fmt.Errorf("%w: platform %q: %w", ErrBadReference, opts.Platform, err)
		}
	}

	lineage, err := st.Lineage(snap.ID)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	var (
		layers  []ocispec.Descriptor
		diffIDs []digest.Digest
		history []ocispec.History
	)
	for _, s := range lineage {
		if err := ctx.Err(); err != nil {
			return ocispec.Descriptor{}, err
		}
		created := s.CreatedAt
		history = append(history, ocispec.History{
			Created:    &created,
			CreatedBy:  s.Op,
			EmptyLayer: s.Layer == "",
		})
		if s.Layer == "" {
			continue
		}
		desc, err := copyLayer(st, dir, s)
		if err != nil {
			return ocispec.Descriptor{}, err
		}
		layers = append(layers, desc)
		diffIDs = append(diffIDs, s.DiffID)
	}

	created := snap.CreatedAt
	cfg := ocispec.Image{
		Created:  &created,
		Platform: p,
		Config: ocispec.ImageConfig{
			User:       snap.Meta.User,
			Env:        snap.Meta.Environ(),
			WorkingDir: snap.Meta.Workdir,
		},
		RootFS:  ocispec.RootFS{Type: "layers", DiffIDs: diffIDs},
		History: history,
	}
	configDesc, err := writeBlob(dir, ocispec.MediaTypeImageConfig, cfg)
	if err != nil {
		return ocispec.Descriptor{}, err
	}

	manifest := ocispec.Manifest{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageManifest,
		Config:    configDesc,
		Layers:    layers,
	}
	manifestDesc, err := writeBlob(dir, ocispec.MediaTypeImageManifest, manifest)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	manifestDesc.Platform = &p
	if opts.Tag != "" {
		manifestDesc.Annotations = map[string]string{ocispec.AnnotationRefName: opts.Tag}
	}

	index := ocispec.Index{
		Versioned: specs.Versioned{SchemaVersion: 2},
		MediaType: ocispec.MediaTypeImageIndex,
		Manifests: []ocispec.Descriptor{manifestDesc},
	}
	if err := writeJSON(filepath.Join(dir, ocispec.ImageIndexFile), index); err != nil {
		return ocispec.Descriptor{}, err
	}
	layout := ocispec.ImageLayout{Version: ocispec.ImageLayoutVersion}
	if err := writeJSON(filepath.Join(dir, ocispec.ImageLayoutFile), layout); err != nil {
		return ocispec.Descriptor{}, err
	}

	slog.Info("image exported",
		"path", dir,
		"digest", manifestDesc.Digest.Encoded()[:12],
		"layers", len(layers),
		"platform", platforms.Format(p))
	return manifestDesc, nil
}

// copyLayer copies one layer blob out of the store, verifying its digest
// on the way. Blobs already present in the layout are kept as is.
func copyLayer(st *store.Store, dir string, snap *store.Snapshot) (ocispec.Descriptor, error) {
	desc := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageLayerGzip,
		Digest:    snap.Layer,
		Size:      snap.Size,
	}
	path := blobPath(dir, snap.Layer)
	if _, err := os.Stat(path); err == nil {
		return desc, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), paths.DefaultDirMode); err != nil {
		return ocispec.Descriptor{}, err
	}

	rc, err := st.OpenBlob(snap.Layer)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	defer rc.Close()

	f, err := os.Create(path)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	verifier := snap.Layer.Verifier()
	_, err = io.Copy(io.MultiWriter(f, verifier), rc)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	if !verifier.Verified() {
		os.Remove(path)
		return ocispec.Descriptor{}, fmt.Errorf("%w: layer %s", store.ErrCorrupt, snap.Layer.Encoded()[:12])
	}
	return desc, nil
}

// writeBlob serializes a value into the layout's blob tree and returns
// the descriptor referencing it.
func writeBlob(dir, mediaType string, v any) (ocispec.Descriptor, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	desc := ocispec.Descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(b),
		Size:      int64(len(b)),
	}
	path := blobPath(dir, desc.Digest)
	if err := os.MkdirAll(filepath.Dir(path), paths.DefaultDirMode); err != nil {
		return ocispec.Descriptor{}, err
	}
	if err := os.WriteFile(path, b, paths.DefaultFileMode); err != nil {
		return ocispec.Descriptor{}, err
	}
	return desc, nil
}

func writeJSON(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, paths.DefaultFileMode)
}

func blobPath(dir string, d digest.Digest) string {
	return filepath.Join(dir, ocispec.ImageBlobsDir, d.Algorithm().String(), d.Encoded())
}
