package catalog

import (
	"fmt"

	"github.com/msageha/orchestrator-core/internal/model"
)

// validateStepDAG runs Kahn's algorithm over a recipe's step dependency
// graph, rejecting cycles. Adapted from internal/plan/dag.go's
// ValidateTaskDAG, which does the same over task/phase dependency edges.
func validateStepDAG(steps []model.StepSpec) error {
	inDegree := make(map[string]int, len(steps))
	adjacency := make(map[string][]string, len(steps))
	for _, s := range steps {
		inDegree[s.ID] = 0
	}
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			adjacency[dep] = append(adjacency[dep], s.ID)
			inDegree[s.ID]++
		}
	}

	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adjacency[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(steps) {
		cyclic := findCyclicStep(steps, inDegree)
		return fmt.Errorf("cycle detected in step dependency graph, involving step %q", cyclic)
	}
	return nil
}

func findCyclicStep(steps []model.StepSpec, remainingInDegree map[string]int) string {
	for _, s := range steps {
		if remainingInDegree[s.ID] > 0 {
			return s.ID
		}
	}
	return ""
}
