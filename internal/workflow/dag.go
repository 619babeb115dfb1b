package workflow

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrCyclicWorkflow    = errors.New("circular dependency detected")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrInvalidWorkflow   = errors.New("invalid workflow")
)

// Validate checks that step ids are unique, that every dependency names a
// step declared earlier, and that the graph has no cycles. It returns the
// step ids in a dependency-respecting order.
func Validate(wf *Workflow) ([]string, error) {
	if wf == nil || len(wf.Steps) == 0 {
		return nil, fmt.Errorf("%w: no steps", ErrInvalidWorkflow)
	}

	names := make([]string, 0, len(wf.Steps))
	edges := make(map[string][]string, len(wf.Steps))
	seen := make(map[string]bool, len(wf.Steps))
	for _, s := range wf.Steps {
		if s.ID == "" {
			return nil, fmt.Errorf("%w: step %q has no id", ErrInvalidWorkflow, s.Name)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("%w: duplicate step id %q", ErrInvalidWorkflow, s.ID)
		}
		for _, dep := range s.Dependencies {
			if dep == s.ID {
				return nil, fmt.Errorf("%w: %s -> %s", ErrCyclicWorkflow, s.ID, s.ID)
			}
		}
		seen[s.ID] = true
		names = append(names, s.ID)
		edges[s.ID] = s.Dependencies
	}

	for _, s := range wf.Steps {
		for _, dep := range s.Dependencies {
			if !seen[dep] {
				return nil, fmt.Errorf("%w: step %q depends on %q", ErrUnknownDependency, s.ID, dep)
			}
		}
	}

	sorted, err := topoSort(names, edges)
	if err != nil {
		return nil, err
	}

	// Dependencies must also point backwards in declaration order.
	pos := make(map[string]int, len(names))
	for i, id := range names {
		pos[id] = i
	}
	for _, s := range wf.Steps {
		for _, dep := range s.Dependencies {
			if pos[dep] > pos[s.ID] {
				return nil, fmt.Errorf("%w: step %q depends on later step %q", ErrInvalidWorkflow, s.ID, dep)
			}
		}
	}
	return sorted, nil
}

// topoSort is Kahn's algorithm; on a cycle it reports the path found by DFS.
func topoSort(nodes []string, edges map[string][]string) ([]string, error) {
	inDegree := make(map[string]int, len(nodes))
	forward := make(map[string][]string)
	for _, n := range nodes {
		inDegree[n] = 0
	}
	for node, deps := range edges {
		for _, dep := range deps {
			inDegree[node]++
			forward[dep] = append(forward[dep], node)
		}
	}

	var queue []string
	for _, n := range nodes {
		if inDegree[n] == 0 {
			queue = append(queue, n)
		}
	}

	sorted := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)
		for _, next := range forward[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(sorted) == len(nodes) {
		return sorted, nil
	}
	path := cyclePath(nodes, edges, inDegree)
	return nil, fmt.Errorf("%w: %s", ErrCyclicWorkflow, strings.Join(path, " -> "))
}

func cyclePath(nodes []string, edges map[string][]string, inDegree map[string]int) []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int)
	parent := make(map[string]string)
	var path []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			if color[dep] == gray {
				path = []string{dep}
				for cur := node; cur != dep; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, dep)
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, n := range nodes {
		if inDegree[n] > 0 && color[n] == white && dfs(n) {
			return path
		}
	}
	return []string{"(cycle)"}
}
