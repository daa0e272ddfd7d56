package recipe

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var stageName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// ParseFile reads and parses the recipe at path.
func ParseFile(path string) (*Recipe, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	defer f.Close()
	return Parse(f, filepath.Base(path))
}

// Parse reads a recipe from r. The name is used in error messages only.
//
// Lines ending in a backslash continue on the next line. Blank lines and
// lines starting with # are ignored, including inside a continuation.
func Parse(r io.Reader, name string) (*Recipe, error) {
	p := &parser{name: name}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		logical string
		start   int
		ln      int
	)
	flush := func() error {
		line := strings.TrimSpace(logical)
		logical = ""
		if line == "" {
			return nil
		}
		return p.directive(line, start)
	}
	for sc.Scan() {
		ln++
		line := sc.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if logical == "" {
			start = ln
		}
		if rest, ok := strings.CutSuffix(strings.TrimRight(line, " \t"), "\\"); ok {
			logical += rest
			continue
		}
		logical += line
		if err := flush(); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrParse, name, err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if len(p.stages) == 0 {
		return nil, fmt.Errorf("%w: %s: no stages defined", ErrParse, name)
	}
	return &Recipe{Stages: p.stages}, nil
}

type parser struct {
	name   string
	stages []Stage
}

func (p *parser) directive(line string, ln int) error {
	dir, rest := splitDirective(line)
	if strings.EqualFold(dir, "FROM") {
		return p.from(rest, ln)
	}
	if len(p.stages) == 0 {
		return p.errf(ln, "%s before FROM", dir)
	}
	var (
		op  Operation
		err error
	)
	switch strings.ToUpper(dir) {
	case "RUN":
		op, err = p.run(rest, ln)
	case "COPY":
		op, err = p.copy(rest, ln)
	case "ENV":
		op, err = p.env(rest, ln)
	case "WORKDIR":
		if rest == "" {
			return p.errf(ln, "WORKDIR requires a path")
		}
		op = Workdir{Path: rest}
	case "USER":
		if rest == "" || strings.ContainsAny(rest, " \t") {
			return p.errf(ln, "USER requires a single name")
		}
		op = User{Name: rest}
	default:
		return p.errf(ln, "unknown directive %q", dir)
	}
	if err != nil {
		return err
	}
	last := &p.stages[len(p.stages)-1]
	last.Ops = append(last.Ops, op)
	return nil
}

func (p *parser) from(rest string, ln int) error {
	tokens := strings.Fields(rest)
	name := ""
	switch {
	case len(tokens) == 1:
	case len(tokens) == 3 && strings.EqualFold(tokens[1], "AS"):
		name = tokens[2]
		if !stageName.MatchString(name) {
			return p.errf(ln, "invalid stage name %q", name)
		}
	default:
		return p.errf(ln, "FROM syntax is: FROM <base> [AS <name>]")
	}
	p.stages = append(p.stages, Stage{Name: name, From: ParseBaseRef(tokens[0]), Line: ln})
	return nil
}

func (p *parser) run(rest string, ln int) (Operation, error) {
	if rest == "" {
		return nil, p.errf(ln, "RUN requires a command")
	}
	if strings.HasPrefix(rest, "[") {
		var argv []string
		if err := json.Unmarshal([]byte(rest), &argv); err != nil {
			return nil, p.errf(ln, "RUN exec form: %v", err)
		}
		if len(argv) == 0 {
			return nil, p.errf(ln, "RUN exec form needs at least one argument")
		}
		return Run{Argv: argv}, nil
	}
	return Run{Argv: []string{"/bin/sh", "-c", rest}}, nil
}

func (p *parser) copy(rest string, ln int) (Operation, error) {
	var from string
	var paths []string
	for _, tok := range strings.Fields(rest) {
		if strings.HasPrefix(tok, "--") {
			val, ok := strings.CutPrefix(tok, "--from=")
			if !ok {
				return nil, p.errf(ln, "unknown COPY flag %q", tok)
			}
			if val == "" {
				return nil, p.errf(ln, "COPY --from requires a stage name")
			}
			from = val
			continue
		}
		paths = append(paths, tok)
	}
	if len(paths) != 2 {
		return nil, p.errf(ln, "COPY requires exactly one source and one destination")
	}
	if from != "" {
		return StageCopy{Stage: from, Src: paths[0], Dest: paths[1]}, nil
	}
	return ContextCopy{Src: paths[0], Dest: paths[1]}, nil
}

func (p *parser) env(rest string, ln int) (Operation, error) {
	key, value, ok := strings.Cut(rest, "=")
	if !ok || key == "" || strings.ContainsAny(key, " \t") {
		return nil, p.errf(ln, "ENV requires KEY=VALUE")
	}
	return Env{Key: key, Value: value}, nil
}

func (p *parser) errf(ln int, format string, args ...any) error {
	return fmt.Errorf("%w: %s:%d: %s", ErrParse, p.name, ln, fmt.Sprintf(format, args...))
}

func splitDirective(line string) (string, string) {
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i], strings.TrimSpace(line[i+1:])
	}
	return line, ""
}
