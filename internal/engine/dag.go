package engine

import (
	"fmt"
	"sort"

	"github.com/daveseff/Geppetto/internal/inventory"
	geperrors "github.com/daveseff/Geppetto/pkg/errors"
)

// TopoSort orders a task's resources so every resource runs after the
// resources it depends on. Resources with no ordering constraint keep their
// declaration order, so the result is deterministic across runs. Unknown
// depends_on references and cycles surface as GraphErrors; cycle errors
// carry the identity chain.
func TopoSort(task *inventory.Task) ([]*inventory.Resource, error) {
	index := make(map[string]int, len(task.Resources))
	for i, res := range task.Resources {
		index[res.ID()] = i
	}

	for _, res := range task.Resources {
		for _, dep := range res.DependsOn {
			if _, ok := index[dep]; !ok {
				return nil, geperrors.NewGraphError(task.Name,
					fmt.Sprintf("resource %q depends on undeclared resource %q", res.ID(), dep), nil)
			}
		}
	}

	if chain := findCycle(task, index); chain != nil {
		return nil, geperrors.NewGraphError(task.Name, "dependency cycle", chain)
	}

	// Kahn's algorithm. The ready set is drained in declaration order so
	// independent resources never reorder between runs.
	indegree := make([]int, len(task.Resources))
	dependents := make([][]int, len(task.Resources))
	for i, res := range task.Resources {
		for _, dep := range res.DependsOn {
			j := index[dep]
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var ready []int
	for i := range task.Resources {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	ordered := make([]*inventory.Resource, 0, len(task.Resources))
	for len(ready) > 0 {
		sort.Ints(ready)
		i := ready[0]
		ready = ready[1:]
		ordered = append(ordered, task.Resources[i])
		for _, dependent := range dependents[i] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}
	return ordered, nil
}

// findCycle runs a colored DFS and returns the identity chain of the first
// cycle found, closed on the repeated identity: a -> b -> a.
func findCycle(task *inventory.Task, index map[string]int) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(task.Resources))
	var stack []string

	var visit func(i int) []string
	visit = func(i int) []string {
		color[i] = gray
		res := task.Resources[i]
		stack = append(stack, res.ID())

		for _, dep := range res.DependsOn {
			j := index[dep]
			switch color[j] {
			case gray:
				// Close the chain at the first occurrence of dep.
				start := 0
				for k, id := range stack {
					if id == dep {
						start = k
						break
					}
				}
				return append(append([]string{}, stack[start:]...), dep)
			case white:
				if chain := visit(j); chain != nil {
					return chain
				}
			}
		}

		stack = stack[:len(stack)-1]
		color[i] = black
		return nil
	}

	for i := range task.Resources {
		if color[i] == white {
			if chain := visit(i); chain != nil {
				return chain
			}
		}
	}
	return nil
}
