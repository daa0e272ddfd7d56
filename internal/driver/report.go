package driver

import (
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/Ruj89/strata/internal/store"
)

// Status classifies how a scheduled stage ended.
type Status string

const (
	// StatusSucceeded means the stage ran and at least one operation did
	// real work.
	StatusSucceeded Status = "succeeded"

	// StatusCached means every operation was served from the store.
	StatusCached Status = "cached"

	// StatusFailed means an operation failed.
	StatusFailed Status = "failed"

	// StatusSkipped means the stage never ran, either because an upstream
	// stage failed or because the build was cancelled.
	StatusSkipped Status = "skipped"
)

// StageReport is the outcome of one scheduled stage.
type StageReport struct {
	Stage     string
	Status    Status
	Ops       int
	CachedOps int
	Elapsed   time.Duration

	// Snapshot is the stage's final snapshot, zero when the stage did not
	// finish.
	Snapshot digest.Digest

	// Err is what stopped the stage.
	Err error

	// BlockedBy names the failed stage a skipped stage was waiting on.
	BlockedBy string
}

// Report summarizes a build run. Stages appear in schedule order, so
// every stage follows the stages it depends on.
type Report struct {
	Target   string
	Snapshot *store.Snapshot
	Elapsed  time.Duration
	Stages   []StageReport
}

// Failed returns the stages that stopped the build, in schedule order.
func (r *Report) Failed() []StageReport {
	var out []StageReport
	for _, sr := range r.Stages {
		if sr.Status == StatusFailed {
			out = append(out, sr)
		}
	}
	return out
}
