package store

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/opencontainers/go-digest"
)

// BaseSource resolves external base references to filesystem archives.
type BaseSource interface {

	// Fetch returns the archive for ref as a tar or gzipped tar stream.
	Fetch(ctx context.Context, ref string) (io.ReadCloser, error)
}

// LocalBases resolves references against archives in a directory. The
// reference "ghcr.io/example/img:v1" is looked up as
// "ghcr.io-example-img-v1" with a .tar, .tar.gz or .tgz extension.
type LocalBases struct {
	Dir string
}

func (b LocalBases) Fetch(ctx context.Context, ref string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := sanitizeRef(ref)
	for _, ext := range []string{".tar", ".tar.gz", ".tgz"} {
		f, err := os.Open(filepath.Join(b.Dir, name+ext))
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", ErrStore, err)
		}
	}
	return nil, fmt.Errorf("%w: no archive for %q under %s", ErrUnknownBase, ref, b.Dir)
}

func sanitizeRef(ref string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', '/', '@':
			return '-'
		}
		return r
	}, ref)
}

// ImportBase makes the external base ref available as a root snapshot,
// fetching and storing its archive on first use. The reference "scratch"
// yields the empty snapshot without consulting the base source.
func (s *Store) ImportBase(ctx context.Context, ref string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := BaseKey(ref)
	s.locks.Lock(key.String())
	defer s.locks.Unlock(key.String())

	s.mu.Lock()
	snap, ok := s.index[key]
	if ok {
		s.recency.Add(key, snap)
	}
	s.mu.Unlock()
	if ok {
		return snap, nil
	}

	snap = &Snapshot{ID: key, Op: "FROM " + ref, CreatedAt: time.Now().UTC()}
	if ref != "scratch" {
		if s.bases == nil {
			return nil, fmt.Errorf("%w: %q and no base source configured", ErrUnknownBase, ref)
		}
		slog.Info("importing base", "ref", ref)
		rc, err := s.bases.Fetch(ctx, ref)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		layer, diffID, size, err := s.writeBase(rc)
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

// writeBase stores an archive stream as a layer blob, recompressing plain
// tar input so every blob is a gzipped tar.
func (s *Store) writeBase(r io.Reader) (digest.Digest, digest.Digest, int64, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return "", "", 0, fmt.Errorf("%w: %w", ErrStore, err)
	}
	gzipped := len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b

	tmp, err := os.CreateTemp(s.tmpDir(), "base-*")
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: %w", ErrStore, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	compressed := digest.Canonical.Digester()
	uncompressed := digest.Canonical.Digester()
	if gzipped {
		tee := io.TeeReader(br, io.MultiWriter(tmp, compressed.Hash()))
		gz, gerr := gzip.NewReader(tee)
		if gerr == nil {
			_, gerr = io.Copy(uncompressed.Hash(), gz)
		}
		if gerr == nil {
			// Trailing bytes still count toward the blob.
			_, gerr = io.Copy(io.Discard, tee)
		}
		err = gerr
	} else {
		gzw := gzip.NewWriter(io.MultiWriter(tmp, compressed.Hash()))
		_, err = io.Copy(io.MultiWriter(gzw, uncompressed.Hash()), br)
		if cerr := gzw.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: importing base: %w", ErrStore, err)
	}

	layer := compressed.Digest()
	size, err := s.sealBlob(tmpName, layer)
	if err != nil {
		return "", "", 0, err
	}
	return layer, uncompressed.Digest(), size, nil
}
