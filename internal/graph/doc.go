// Package graph resolves recipe stages into a dependency graph.
//
// Each stage becomes a node holding its bound base and copy sources as
// node indexes. Resolution binds FROM references to the nearest preceding
// declaration and COPY --from references to the last declaration of a
// name, rejects unknown and ambiguous references, and orders the graph by
// rank so that stages of equal rank can execute concurrently.
//
// Example usage:
//
//	g, err := graph.Resolve(rcp, graph.Options{})
//	if err != nil {
//	    return err
//	}
//	target, err := g.Target("artifacts")
//	if err != nil {
//	    return err
//	}
//	for _, i := range g.Closure(target) {
//	    fmt.Println(g.Nodes[i].Label())
//	}
package graph
