package recipe

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Recipe is an ordered list of build stages parsed from an Envfile.
type Recipe struct {
	Stages []Stage
}

// Stage is a named (or anonymous) sequence of operations applied on top of
// a base filesystem.
type Stage struct {

	// Name is the alias given with AS, empty for anonymous stages.
	Name string

	// From identifies the filesystem the stage starts from.
	From BaseRef

	// Ops are applied in declaration order.
	Ops []Operation

	// Line is the 1-based line of the FROM directive, for diagnostics.
	Line int
}

// BaseRef identifies the starting filesystem of a stage. Exactly one of
// Stage and Image is set.
type BaseRef struct {

	// Stage names an earlier stage in the same recipe.
	Stage string

	// Image references an external base archive, or "scratch" for the
	// empty filesystem.
	Image string
}

// IsStage reports whether the reference names a recipe stage.
func (r BaseRef) IsStage() bool {
	return r.Stage != ""
}

// IsScratch reports whether the reference names the empty base.
func (r BaseRef) IsScratch() bool {
	return r.Image == "scratch"
}

func (r BaseRef) String() string {
	if r.IsStage() {
		return r.Stage
	}
	return r.Image
}

// ParseBaseRef classifies a FROM reference. References containing a tag,
// digest or path separator name an external base archive; the word
// "scratch" names the empty base. Anything else refers to a stage declared
// earlier in the recipe.
func ParseBaseRef(ref string) BaseRef {
	if ref == "scratch" || strings.ContainsAny(ref, ":/@") {
		return BaseRef{Image: ref}
	}
	return BaseRef{Stage: ref}
}

// Kind discriminates operation variants.
type Kind string

const (
	KindRun         Kind = "run"
	KindStageCopy   Kind = "copy-from-stage"
	KindContextCopy Kind = "copy-from-context"
	KindEnv         Kind = "env"
	KindWorkdir     Kind = "workdir"
	KindUser        Kind = "user"
)

// Operation is a single build step within a stage. The concrete types are
// Run, StageCopy, ContextCopy, Env, Workdir and User.
type Operation interface {
	Kind() Kind

	// String renders the operation roughly as it appeared in the recipe.
	String() string

	isOperation()
}

// Run executes a command in the stage filesystem.
type Run struct {
	Argv []string `json:"argv"`
}

// StageCopy copies a path from another stage's final filesystem.
type StageCopy struct {
	Stage string `json:"stage"`
	Src   string `json:"src"`
	Dest  string `json:"dest"`
}

// ContextCopy copies a path from the build context.
type ContextCopy struct {
	Src  string `json:"src"`
	Dest string `json:"dest"`
}

// Env sets an environment variable for subsequent operations.
type Env struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Workdir sets the working directory for subsequent operations.
type Workdir struct {
	Path string `json:"path"`
}

// User sets the user subsequent commands run as.
type User struct {
	Name string `json:"name"`
}

func (Run) Kind() Kind         { return KindRun }
func (StageCopy) Kind() Kind   { return KindStageCopy }
func (ContextCopy) Kind() Kind { return KindContextCopy }
func (Env) Kind() Kind         { return KindEnv }
func (Workdir) Kind() Kind     { return KindWorkdir }
func (User) Kind() Kind        { return KindUser }

func (op Run) String() string {
	if len(op.Argv) == 3 && op.Argv[0] == "/bin/sh" && op.Argv[1] == "-c" {
		return "RUN " + op.Argv[2]
	}
	b, _ := json.Marshal(op.Argv)
	return "RUN " + string(b)
}

func (op StageCopy) String() string {
	return fmt.Sprintf("COPY --from=%s %s %s", op.Stage, op.Src, op.Dest)
}

func (op ContextCopy) String() string {
	return fmt.Sprintf("COPY %s %s", op.Src, op.Dest)
}

func (op Env) String() string {
	return fmt.Sprintf("ENV %s=%s", op.Key, op.Value)
}

func (op Workdir) String() string {
	return "WORKDIR " + op.Path
}

func (op User) String() string {
	return "USER " + op.Name
}

func (Run) isOperation()         {}
func (StageCopy) isOperation()   {}
func (ContextCopy) isOperation() {}
func (Env) isOperation()         {}
func (Workdir) isOperation()     {}
func (User) isOperation()        {}
