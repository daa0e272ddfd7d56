package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Ruj89/strata/internal/recipe"
)

// Node is a stage bound into the dependency graph.
type Node struct {
	Stage recipe.Stage

	// Index is the stage's position in the recipe.
	Index int

	// Rank is the length of the longest dependency chain below the node.
	// Nodes of equal rank never depend on each other.
	Rank int

	// Base is the node index the stage builds on, or -1 when the base is
	// an external archive or scratch.
	Base int

	// CopySources maps the operation index of each StageCopy to the node
	// index it reads from.
	CopySources map[int]int

	// Deps are the distinct node indexes the stage depends on, sorted.
	Deps []int
}

// Label returns the stage name, or its 1-based position for anonymous
// stages.
func (n Node) Label() string {
	if n.Stage.Name != "" {
		return n.Stage.Name
	}
	return fmt.Sprintf("#%d", n.Index+1)
}

// Shadow records a stage declaration hidden by a later declaration of the
// same name. Shadowed and By are node indexes.
type Shadow struct {
	Name     string
	Shadowed int
	By       int
}

// Options control graph resolution.
type Options struct {

	// Strict rejects recipes that declare the same stage name twice.
	Strict bool
}

// Graph is the resolved dependency graph of a recipe. Nodes are stored in
// recipe order and reference each other by index.
type Graph struct {
	Nodes []Node

	// Shadowed lists name declarations hidden by later stages.
	Shadowed []Shadow

	names map[string][]int
}

// Resolve binds stage references and orders the graph.
//
// FROM references bind to the nearest preceding declaration of the name.
// COPY --from references bind to the last declaration of the name, which
// may appear later in the recipe. A COPY --from reference whose nearest
// preceding and last declarations disagree is rejected as ambiguous.
func Resolve(rcp *recipe.Recipe, opts Options) (*Graph, error) {
	g := &Graph{
		Nodes: make([]Node, len(rcp.Stages)),
		names: make(map[string][]int),
	}
	for i, st := range rcp.Stages {
		g.Nodes[i] = Node{Stage: st, Index: i, Base: -1}
		if st.Name == "" {
			continue
		}
		decls := g.names[st.Name]
		if len(decls) > 0 {
			g.Shadowed = append(g.Shadowed, Shadow{
				Name:     st.Name,
				Shadowed: decls[len(decls)-1],
				By:       i,
			})
		}
		g.names[st.Name] = append(decls, i)
	}
	if opts.Strict && len(g.Shadowed) > 0 {
		sh := g.Shadowed[0]
		return nil, fmt.Errorf("%w: %q declared again at line %d",
			ErrAmbiguousStage, sh.Name, g.Nodes[sh.By].Stage.Line)
	}

	for i := range g.Nodes {
		if err := g.bind(&g.Nodes[i]); err != nil {
			return nil, err
		}
	}
	if err := g.order(); err != nil {
		return nil, err
	}
	return g, nil
}

// bind resolves the node's base and copy references and fills in Deps.
func (g *Graph) bind(n *Node) error {
	st := n.Stage
	if st.From.IsStage() {
		j := g.preceding(st.From.Stage, n.Index)
		if j < 0 {
			return fmt.Errorf("%w: %q in FROM at line %d", ErrUnknownStage, st.From.Stage, st.Line)
		}
		n.Base = j
	}
	for oi, op := range st.Ops {
		cp, ok := op.(recipe.StageCopy)
		if !ok {
			continue
		}
		j, err := g.copySource(cp.Stage, n.Index)
		if err != nil {
			return fmt.Errorf("%w (stage %s)", err, n.Label())
		}
		if n.CopySources == nil {
			n.CopySources = make(map[int]int)
		}
		n.CopySources[oi] = j
	}

	seen := make(map[int]bool)
	if n.Base >= 0 {
		seen[n.Base] = true
	}
	for _, j := range n.CopySources {
		seen[j] = true
	}
	n.Deps = make([]int, 0, len(seen))
	for j := range seen {
		n.Deps = append(n.Deps, j)
	}
	slices.Sort(n.Deps)
	return nil
}

// preceding returns the latest declaration of name strictly before index
// before, or -1.
func (g *Graph) preceding(name string, before int) int {
	j := -1
	for _, d := range g.names[name] {
		if d < before {
			j = d
		}
	}
	return j
}

// copySource binds a COPY --from reference made by the stage at index at.
// Names declared once bind directly, even when the declaration comes later
// in the recipe. For shadowed names the nearest preceding declaration and
// the last declaration must agree.
func (g *Graph) copySource(name string, at int) (int, error) {
	decls := g.names[name]
	if len(decls) == 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	if len(decls) == 1 {
		return decls[0], nil
	}
	last := decls[len(decls)-1]
	prev := -1
	for _, d := range decls {
		if d <= at {
			prev = d
		}
	}
	if prev != last {
		return 0, fmt.Errorf("%w: %q is declared %d times", ErrAmbiguousStage, name, len(decls))
	}
	return last, nil
}

// order runs Kahn's algorithm over the bound graph, assigning ranks and
// rejecting cycles.
func (g *Graph) order() error {
	indeg := make([]int, len(g.Nodes))
	dependents := make([][]int, len(g.Nodes))
	for i := range g.Nodes {
		for _, d := range g.Nodes[i].Deps {
			if d == i {
				return fmt.Errorf("%w: stage %s depends on itself", ErrCycle, g.Nodes[i].Label())
			}
			indeg[i]++
			dependents[d] = append(dependents[d], i)
		}
	}

	var queue []int
	for i := range g.Nodes {
		if indeg[i] == 0 {
			queue = append(queue, i)
		}
	}
	done := 0
	for len(queue) > 0 {
		i := queue[0]
		queue = queue[1:]
		done++
		for _, j := range dependents[i] {
			if r := g.Nodes[i].Rank + 1; r > g.Nodes[j].Rank {
				g.Nodes[j].Rank = r
			}
			indeg[j]--
			if indeg[j] == 0 {
				queue = append(queue, j)
			}
		}
	}
	if done < len(g.Nodes) {
		var stuck []string
		for i := range g.Nodes {
			if indeg[i] > 0 {
				stuck = append(stuck, g.Nodes[i].Label())
			}
		}
		return fmt.Errorf("%w involving %s", ErrCycle, strings.Join(stuck, ", "))
	}
	return nil
}

// Target returns the node index for the named stage. The empty name
// selects the last stage. When a name is declared more than once the last
// declaration wins.
func (g *Graph) Target(name string) (int, error) {
	if name == "" {
		if len(g.Nodes) == 0 {
			return 0, fmt.Errorf("%w: recipe has no stages", ErrUnknownStage)
		}
		return len(g.Nodes) - 1, nil
	}
	decls := g.names[name]
	if len(decls) == 0 {
		return 0, fmt.Errorf("%w: %q", ErrUnknownStage, name)
	}
	return decls[len(decls)-1], nil
}

// Closure returns the target and every stage it transitively depends on.
// The result is ordered by rank, then by recipe position, and is a valid
// schedule: every stage appears after all of its dependencies.
func (g *Graph) Closure(target int) []int {
	need := make(map[int]bool)
	var visit func(int)
	visit = func(i int) {
		if need[i] {
			return
		}
		need[i] = true
		for _, d := range g.Nodes[i].Deps {
			visit(d)
		}
	}
	visit(target)

	out := make([]int, 0, len(need))
	for i := range need {
		out = append(out, i)
	}
	slices.SortFunc(out, func(a, b int) int {
		if g.Nodes[a].Rank != g.Nodes[b].Rank {
			return g.Nodes[a].Rank - g.Nodes[b].Rank
		}
		return a - b
	})
	return out
}
