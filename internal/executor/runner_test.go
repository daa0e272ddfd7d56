package executor

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestMergeEnv(t *testing.T) {
	tests := []struct {
		name      string
		base      []string
		overrides []string
		want      []string
	}{
		{
			name:      "override existing key",
			base:      []string{"A=1", "B=2"},
			overrides: []string{"A=override"},
			want:      []string{"A=override", "B=2"},
		},
		{
			name:      "add new key",
			base:      []string{"B=2"},
			overrides: []string{"A=1"},
			want:      []string{"A=1", "B=2"},
		},
		{
			name:      "output sorted",
			base:      []string{"Z=26", "A=1"},
			overrides: nil,
			want:      []string{"A=1", "Z=26"},
		},
		{
			name:      "value with equals sign",
			base:      []string{"CMD=foo=bar"},
			overrides: nil,
			want:      []string{"CMD=foo=bar"},
		},
		{
			name:      "malformed entries skipped",
			base:      []string{"NOEQUALS", "A=1"},
			overrides: []string{"ALSO_BAD", "B=2"},
			want:      []string{"A=1", "B=2"},
		},
		{
			name:      "both empty",
			base:      nil,
			overrides: nil,
			want:      []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeEnv(tt.base, tt.overrides)
			if !slices.Equal(got, tt.want) {
				t.Errorf("mergeEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(8)
	b.Write([]byte("short"))
	if got := b.String(); got != "short" {
		t.Errorf("String() = %q, want %q", got, "short")
	}

	b.Write([]byte("-overflowing"))
	if got, want := b.String(), "...rflowing"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func TestHostRunnerExec(t *testing.T) {
	requireShell(t)
	res, err := HostRunner{}.Run(context.Background(), t.TempDir(), &specs.Process{
		Args: []string{"/bin/sh", "-c", "echo out; echo err >&2; exit 3"},
		Cwd:  "/",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", res.ExitCode)
	}
	if res.Stdout != "out\n" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "out\n")
	}
	if res.Stderr != "err\n" {
		t.Errorf("Stderr = %q, want %q", res.Stderr, "err\n")
	}
}

func TestHostRunnerWorkdir(t *testing.T) {
	requireShell(t)
	root := t.TempDir()
	res, err := HostRunner{}.Run(context.Background(), root, &specs.Process{
		Args: []string{"/bin/sh", "-c", "echo made > made.txt"},
		Cwd:  "/work/dir",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, stderr %q", res.ExitCode, res.Stderr)
	}
	data, err := os.ReadFile(root + "/work/dir/made.txt")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "made" {
		t.Errorf("made.txt = %q, want %q", got, "made")
	}
}

func TestHostRunnerEnv(t *testing.T) {
	requireShell(t)
	res, err := HostRunner{}.Run(context.Background(), t.TempDir(), &specs.Process{
		Args: []string{"/bin/sh", "-c", `printf '%s' "$MARK"`},
		Env:  []string{"MARK=42"},
		Cwd:  "/",
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Stdout != "42" {
		t.Errorf("Stdout = %q, want %q", res.Stdout, "42")
	}
}

func TestHostRunnerCancelled(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := HostRunner{}.Run(ctx, t.TempDir(), &specs.Process{
		Args: []string{"/bin/sh", "-c", "sleep 10"},
		Cwd:  "/",
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestHostRunnerEmptyArgv(t *testing.T) {
	_, err := HostRunner{}.Run(context.Background(), t.TempDir(), &specs.Process{Cwd: "/"})
	if err == nil {
		t.Fatal("Run() accepted an empty argv")
	}
}
