package modrun

import (
	"fmt"
	"sort"
)

// DependencyResolver runs pure graph algorithms over registered manifests.
// An edge A -> B in the graph means "A depends on B". Cycle detection runs
// before any ordering is computed, so callers never act on a partial order.
type DependencyResolver struct {
	store ManifestStore
}

// NewDependencyResolver creates a resolver over the given store.
func NewDependencyResolver(store ManifestStore) *DependencyResolver {
	return &DependencyResolver{store: store}
}

// Resolve returns the load order for the requested module ids plus all of
// their transitive dependencies: every dependency appears before its
// dependents. Fails with ErrCircularDependency or ErrDependencyNotFound
// before any load side effect can occur.
func (r *DependencyResolver) Resolve(moduleIDs []string) ([]string, error) {
	graph, err := r.buildGraph(moduleIDs)
	if err != nil {
		return nil, err
	}
	if err := detectCycles(graph); err != nil {
		return nil, err
	}
	return topologicalOrder(graph), nil
}

// CheckDependencies reports which direct dependencies of a module have no
// corresponding manifest, and whether any registered version violates the
// declared constraint. It never loads anything.
func (r *DependencyResolver) CheckDependencies(moduleID string) (bool, []string, error) {
	manifest, err := r.store.Get(moduleID, "")
	if err != nil {
		return false, nil, err
	}
	refs, err := manifest.DependencyRefs()
	if err != nil {
		return false, nil, err
	}

	var missing []string
	for _, ref := range refs {
		dep, err := r.store.Get(ref.ModuleID, "")
		if err != nil {
			missing = append(missing, ref.ModuleID)
			continue
		}
		if !ref.Satisfied(dep.Version) {
			return false, missing, fmt.Errorf("%w: %s requires %s, registered version is %s",
				ErrDependencyVersion, moduleID, ref.Raw, dep.Version)
		}
	}
	return len(missing) == 0, missing, nil
}

// buildGraph walks the requested ids and their transitive dependencies,
// producing the adjacency list. A dependency id with no manifest fails the
// build with ErrDependencyNotFound.
func (r *DependencyResolver) buildGraph(moduleIDs []string) (map[string][]string, error) {
	graph := make(map[string][]string)

	var visit func(id string) error
	visit = func(id string) error {
		if _, seen := graph[id]; seen {
			return nil
		}
		manifest, err := r.store.Get(id, "")
		if err != nil {
			return fmt.Errorf("%w: %s", ErrDependencyNotFound, id)
		}
		refs, err := manifest.DependencyRefs()
		if err != nil {
			return err
		}
		deps := make([]string, 0, len(refs))
		for _, ref := range refs {
			deps = append(deps, ref.ModuleID)
		}
		graph[id] = deps
		for _, ref := range refs {
			dep, err := r.store.Get(ref.ModuleID, "")
			if err != nil {
				return fmt.Errorf("%w: %s (required by %s)", ErrDependencyNotFound, ref.ModuleID, id)
			}
			if !ref.Satisfied(dep.Version) {
				return fmt.Errorf("%w: %s requires %s, registered version is %s",
					ErrDependencyVersion, id, ref.Raw, dep.Version)
			}
			if err := visit(ref.ModuleID); err != nil {
				return err
			}
		}
		return nil
	}

	for _, id := range moduleIDs {
		// Requested ids that are simply unregistered are a caller error, not
		// a dependency error.
		if _, err := r.store.Get(id, ""); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, id)
		}
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return graph, nil
}

// detectCycles runs a depth-first traversal with a recursion stack; a back
// edge into the stack is a cycle.
func detectCycles(graph map[string][]string) error {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var visit func(node string, path []string) error
	visit = func(node string, path []string) error {
		if onStack[node] {
			return fmt.Errorf("%w: %s", ErrCircularDependency, cyclePath(path, node))
		}
		if visited[node] {
			return nil
		}
		onStack[node] = true
		for _, dep := range graph[node] {
			if err := visit(dep, append(path, node)); err != nil {
				return err
			}
		}
		onStack[node] = false
		visited[node] = true
		return nil
	}

	nodes := sortedNodes(graph)
	for _, node := range nodes {
		if !visited[node] {
			if err := visit(node, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// topologicalOrder implements Kahn's algorithm with a lexicographic
// tie-break: whenever several nodes have zero in-degree, the smallest
// module id is emitted first, making the order deterministic. The graph
// must already be acyclic.
func topologicalOrder(graph map[string][]string) []string {
	// In-degree here counts how many unsatisfied dependencies a node still
	// has, so dependencies drain before their dependents.
	inDegree := make(map[string]int, len(graph))
	dependents := make(map[string][]string, len(graph))
	for node, deps := range graph {
		if _, ok := inDegree[node]; !ok {
			inDegree[node] = 0
		}
		for _, dep := range deps {
			inDegree[node]++
			dependents[dep] = append(dependents[dep], node)
		}
	}

	var ready []string
	for node, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, node)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(graph))
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		order = append(order, node)

		released := false
		for _, dependent := range dependents[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
				released = true
			}
		}
		if released {
			sort.Strings(ready)
		}
	}
	return order
}

func sortedNodes(graph map[string][]string) []string {
	nodes := make([]string, 0, len(graph))
	for node := range graph {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)
	return nodes
}

func cyclePath(path []string, repeated string) string {
	out := repeated
	start := -1
	for i, node := range path {
		if node == repeated {
			start = i
			break
		}
	}
	if start < 0 {
		return repeated
	}
	for _, node := range path[start+1:] {
		out += " -> " + node
	}
	return out + " -> " + repeated
}
