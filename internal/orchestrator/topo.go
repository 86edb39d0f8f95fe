package orchestrator

import (
	"fmt"
	"strconv"

	"github.com/waveforge/waveforge/internal/config"
)

// topoOrder returns the stages in dependency order using Kahn's
// algorithm. Ties are broken by declaration order so the schedule is
// deterministic. Cycles are rejected here as well as at validation
// time, since a config may reach Run unvalidated.
func topoOrder(stages []config.Stage) ([]config.Stage, error) {
	index := make(map[string]int, len(stages))
	for i, s := range stages {
		index[s.ID] = i
	}

	indegree := make([]int, len(stages))
	dependents := make(map[string][]int, len(stages))
	for i, s := range stages {
		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", s.ID, dep)
			}
			indegree[i]++
			dependents[stages[j].ID] = append(dependents[stages[j].ID], i)
		}
	}

	var ready []int
	for i := range stages {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	ordered := make([]config.Stage, 0, len(stages))
	for len(ready) > 0 {
		// Lowest declaration index first.
		min := 0
		for k := range ready {
			if ready[k] < ready[min] {
				min = k
			}
		}
		i := ready[min]
		ready = append(ready[:min], ready[min+1:]...)

		ordered = append(ordered, stages[i])
		for _, dep := range dependents[stages[i].ID] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(ordered) != len(stages) {
		var stuck []string
		for i := range stages {
			if indegree[i] > 0 {
				stuck = append(stuck, stages[i].ID)
			}
		}
		return nil, fmt.Errorf("dependency cycle involving stages %v", stuck)
	}
	return ordered, nil
}

// stageRange resolves --stage / --stop-stage selectors against the
// topological order, returning inclusive [first, last] indices. Empty
// selectors mean the whole pipeline.
func stageRange(order []config.Stage, from, stop string) (int, int, error) {
	first, last := 0, len(order)-1
	if from != "" {
		i, err := findStage(order, from)
		if err != nil {
			return 0, 0, err
		}
		first = i
	}
	if stop != "" {
		i, err := findStage(order, stop)
		if err != nil {
			return 0, 0, err
		}
		last = i
	}
	if first > last {
		return 0, 0, fmt.Errorf("stage range %q..%q is empty", from, stop)
	}
	return first, last, nil
}

// findStage accepts a stage id or a 1-based position in topological
// order ("2" selects the second stage).
func findStage(order []config.Stage, id string) (int, error) {
	for i, s := range order {
		if s.ID == id {
			return i, nil
		}
	}
	if n, err := strconv.Atoi(id); err == nil && n >= 1 && n <= len(order) {
		return n - 1, nil
	}
	return 0, fmt.Errorf("stage %q not found in pipeline", id)
}
