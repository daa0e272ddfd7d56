package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/containerd/continuity/fs"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/opencontainers/go-digest"

	"github.com/Ruj89/strata/internal/paths"
	"github.com/Ruj89/strata/internal/recipe"
	"github.com/Ruj89/strata/internal/store"
)

// stageCopy copies a path out of the source stage's materialized tree
// into the work tree.
func (e *Executor) stageCopy(ctx context.Context, req Request, op recipe.StageCopy, work string) error {
	srcRoot, err := os.MkdirTemp(e.scratch, "src-")
	if err != nil {
		return fmt.Errorf("%w: %w", store.ErrStore, err)
	}
	defer os.RemoveAll(srcRoot)
	if err := e.store.Materialize(ctx, req.Source.ID, srcRoot); err != nil {
		return err
	}

	src, err := securejoin.SecureJoin(srcRoot, op.Src)
	if err != nil {
		return &Error{Stage: req.Stage, Op: op.String(), Err: err}
	}
	if _, err := os.Stat(src); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Error{
				Stage: req.Stage,
				Op:    op.String(),
				Err:   fmt.Errorf("%w: %q in stage %s", ErrMissingSource, op.Src, op.Stage),
			}
		}
		return fmt.Errorf("%w: %w", store.ErrStore, err)
	}
	if err := e.copyInto(work, req.Parent.Meta, op.Dest, src); err != nil {
		return &Error{Stage: req.Stage, Op: op.String(), Err: err}
	}
	return nil
}

// contextCopy copies a path from the build context into the work tree.
func (e *Executor) contextCopy(req Request, op recipe.ContextCopy, work string) error {
	src, err := e.contextPath(op.Src)
	if err != nil {
		return &Error{Stage: req.Stage, Op: op.String(), Err: err}
	}
	if err := e.copyInto(work, req.Parent.Meta, op.Dest, src); err != nil {
		return &Error{Stage: req.Stage, Op: op.String(), Err: err}
	}
	return nil
}

// contextPath resolves a context-relative source and requires it to
// exist.
func (e *Executor) contextPath(src string) (string, error) {
	resolved, err := securejoin.SecureJoin(e.context, src)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMissingContext, err)
	}
	if _, err := os.Stat(resolved); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %q", ErrMissingContext, src)
		}
		return "", err
	}
	return resolved, nil
}

// copyInto places src, a file or directory, at dest inside the work
// tree. Relative destinations resolve against the working directory; the
// destination names the resulting path, not a parent to copy into.
func (e *Executor) copyInto(work string, meta store.Metadata, dest, src string) error {
	if !path.IsAbs(dest) {
		dest = path.Join(effectiveWorkdir(meta), dest)
	}
	target, err := securejoin.SecureJoin(work, dest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), paths.DefaultDirMode); err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fs.CopyDir(target, src)
	}
	return copyFile(target, src, info)
}

func copyFile(dst, src string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

// contextDigest hashes a context path's content: relative layout, file
// modes and sizes, file bytes, and symlink targets. Timestamps do not
// participate, so touching a file without changing it keeps the digest.
func (e *Executor) contextDigest(src string) (digest.Digest, error) {
	root, err := e.contextPath(src)
	if err != nil {
		return "", err
	}
	dgst := digest.Canonical.Digester()
	h := dgst.Hash()
	err = filepath.WalkDir(root, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		var size int64
		if d.Type().IsRegular() {
			size = info.Size()
		}
		fmt.Fprintf(h, "%s|%o|%d\n", filepath.ToSlash(rel), info.Mode(), size)
		switch {
		case d.Type().IsRegular():
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			_, err = io.Copy(h, f)
			f.Close()
			if err != nil {
				return err
			}
		case d.Type()&iofs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			io.WriteString(h, target+"\n")
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: hashing %q: %w", ErrMissingContext, src, err)
	}
	return dgst.Digest(), nil
}
