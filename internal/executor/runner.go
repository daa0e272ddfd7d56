package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"slices"
	"strconv"
	"strings"
	"syscall"

	securejoin "github.com/cyphar/filepath-securejoin"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/Ruj89/strata/internal/paths"
)

// Bound on captured command output per stream.
const outputLimit = 4096

// ExecResult is the outcome of one command execution.
type ExecResult struct {
	ExitCode int    // Exit code of the process.
	Stdout   string // Captured standard output, bounded to a tail.
	Stderr   string // Captured standard error, bounded to a tail.
}

// Runner executes a process against a materialized filesystem rooted at
// root. A non-zero exit code is not an error; the caller decides.
type Runner interface {
	Run(ctx context.Context, root string, proc *specs.Process) (*ExecResult, error)
}

// HostRunner runs commands as host processes with the snapshot tree as
// their working area. The process environment is the host environment
// with the snapshot's variables merged on top; the working directory is
// proc.Cwd resolved inside root.
type HostRunner struct{}

func (HostRunner) Run(ctx context.Context, root string, proc *specs.Process) (*ExecResult, error) {
	if len(proc.Args) == 0 {
		return nil, errors.New("empty argv")
	}
	cwd, err := securejoin.SecureJoin(root, proc.Cwd)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cwd, paths.DefaultDirMode); err != nil {
		return nil, err
	}

	stdout := newTailBuffer(outputLimit)
	stderr := newTailBuffer(outputLimit)
	cmd := exec.CommandContext(ctx, proc.Args[0], proc.Args[1:]...)
	cmd.Dir = cwd
	cmd.Env = mergeEnv(os.Environ(), proc.Env)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if proc.User.Username != "" {
		cred, err := lookupCredential(proc.User.Username)
		if err != nil {
			return nil, err
		}
		if cred != nil {
			cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
		}
	}

	err = cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	res := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, err
	}
	return res, nil
}

// lookupCredential resolves a username to process credentials. Only a
// privileged build can switch users; otherwise the name stays recorded
// in metadata and commands keep the invoking user.
func lookupCredential(name string) (*syscall.Credential, error) {
	if os.Geteuid() != 0 {
		return nil, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("%w: user %q: %w", ErrCommandFailed, name, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, err
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// mergeEnv merges override entries on top of a base env slice.
func mergeEnv(base, overrides []string) []string {
	merged := make(map[string]string, len(base)+len(overrides))
	for _, entry := range base {
		if k, v, ok := strings.Cut(entry, "="); ok {
			merged[k] = v
		}
	}
	for _, entry := range overrides {
		if k, v, ok := strings.Cut(entry, "="); ok {
			merged[k] = v
		}
	}

	result := make([]string, 0, len(merged))
	for k, v := range merged {
		result = append(result, k+"="+v)
	}
	slices.Sort(result)
	return result
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max     int
	buf     []byte
	dropped bool
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		keep := b.buf[len(b.buf)-b.max:]
		b.buf = append(b.buf[:0:0], keep...)
		b.dropped = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	if b.dropped {
		return "..." + string(b.buf)
	}
	return string(b.buf)
}
