package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/containerd/containerd/v2/pkg/archive"
	"github.com/containerd/errdefs"
	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"
)

// writeLayer diffs root against base into a gzipped tar blob and returns
// the blob digest, the uncompressed digest, and the blob size.
func (s *Store) writeLayer(ctx context.Context, base, root string) (digest.Digest, digest.Digest, int64, error) {
	tmp, err := os.CreateTemp(s.tmpDir(), "layer-*")
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: %w", ErrStore, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	compressed := digest.Canonical.Digester()
	uncompressed := digest.Canonical.Digester()
	gzw := gzip.NewWriter(io.MultiWriter(tmp, compressed.Hash()))

	err = archive.WriteDiff(ctx, io.MultiWriter(gzw, uncompressed.Hash()), base, root)
	if cerr := gzw.Close(); err == nil {
		err = cerr
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: writing layer: %w", ErrStore, err)
	}

	layer := compressed.Digest()
	size, err := s.sealBlob(tmpName, layer)
	if err != nil {
		return "", "", 0, err
	}
	return layer, uncompressed.Digest(), size, nil
}

// sealBlob moves a finished temp file into the blob directory. Blobs are
// content addressed, so an existing file under the same digest is kept
// and the temp file dropped.
func (s *Store) sealBlob(tmpName string, layer digest.Digest) (int64, error) {
	info, err := os.Stat(tmpName)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStore, err)
	}
	dst := s.blobPath(layer)
	if _, err := os.Stat(dst); err == nil {
		os.Remove(tmpName)
		return info.Size(), nil
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return info.Size(), nil
}

// applyLayer unpacks the snapshot's layer blob onto dir, verifying the
// blob bytes against the recorded digest as they stream.
func (s *Store) applyLayer(ctx context.Context, dir string, snap *Snapshot) error {
	f, err := os.Open(s.blobPath(snap.Layer))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("layer %s: %w", snap.Layer.Encoded()[:12], errdefs.ErrNotFound)
		}
		return fmt.Errorf("%w: %w", ErrStore, err)
	}
	defer f.Close()

	verifier := snap.Layer.Verifier()
	pr, pw := io.Pipe()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		_, err := io.Copy(io.MultiWriter(verifier, pw), f)
		pw.CloseWithError(err)
		return err
	})
	eg.Go(func() error {
		// Drain the trailer so the verifier sees every byte.
		defer io.Copy(io.Discard, pr)
		gz, err := gzip.NewReader(pr)
		if err != nil {
			return err
		}
		if _, err := archive.Apply(ctx, dir, gz, archive.WithNoSameOwner()); err != nil {
			return err
		}
		return gz.Close()
	})
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("%w: applying layer %s: %w", ErrStore, snap.Layer.Encoded()[:12], err)
	}
	if !verifier.Verified() {
		return fmt.Errorf("%w: layer %s", ErrCorrupt, snap.Layer)
	}
	return nil
}

// OpenBlob opens a layer blob for reading. The caller is responsible for
// verifying the bytes against the digest.
func (s *Store) OpenBlob(layer digest.Digest) (io.ReadCloser, error) {
	f, err := os.Open(s.blobPath(layer))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("layer %s: %w", layer.Encoded()[:12], errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	return f, nil
}
