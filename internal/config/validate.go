package config

import "fmt"

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a PipelineConfig for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *PipelineConfig) []ValidationError {
	var errs []ValidationError
	p := cfg.Pipeline

	// Required fields
	if p.Name == "" {
		errs = append(errs, ValidationError{Field: "pipeline.name", Message: "is required"})
	}
	if len(p.Stages) == 0 {
		errs = append(errs, ValidationError{Field: "pipeline.stages", Message: "at least one stage is required"})
	}

	// Build set of stage IDs for reference validation
	stageIDs := make(map[string]bool)
	for i, s := range p.Stages {
		if s.ID == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pipeline.stages[%d].id", i),
				Message: "is required",
			})
			continue
		}
		if stageIDs[s.ID] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("pipeline.stages[%d].id", i),
				Message: fmt.Sprintf("duplicate stage ID %q", s.ID),
			})
		}
		stageIDs[s.ID] = true
	}

	for i, s := range p.Stages {
		prefix := fmt.Sprintf("pipeline.stages[%d]", i)

		if !StageKinds[s.Kind] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".kind",
				Message: fmt.Sprintf("unrecognized stage kind %q", s.Kind),
			})
		}

		if len(s.Outputs) == 0 {
			errs = append(errs, ValidationError{
				Field:   prefix + ".outputs",
				Message: "stage must declare at least one output artifact kind",
			})
		}
		for _, out := range s.Outputs {
			if !ArtifactKinds[out] {
				errs = append(errs, ValidationError{
					Field:   prefix + ".outputs",
					Message: fmt.Sprintf("unrecognized artifact kind %q", out),
				})
			}
		}

		for _, dep := range s.DependsOn {
			if dep == s.ID {
				errs = append(errs, ValidationError{
					Field:   prefix + ".depends_on",
					Message: "stage cannot depend on itself",
				})
				continue
			}
			if !stageIDs[dep] {
				errs = append(errs, ValidationError{
					Field:   prefix + ".depends_on",
					Message: fmt.Sprintf("references undefined stage %q", dep),
				})
			}
		}

		if s.Concurrency.Workers < 0 {
			errs = append(errs, ValidationError{
				Field:   prefix + ".concurrency.workers",
				Message: "must be >= 0",
			})
		}
	}

	// Cycle detection over the declared dependency edges. Only runs when
	// every reference resolved, so the walk cannot chase missing nodes.
	if len(errs) == 0 {
		if cycle := findCycle(p.Stages); cycle != "" {
			errs = append(errs, ValidationError{
				Field:   "pipeline.stages",
				Message: fmt.Sprintf("dependency cycle through stage %q", cycle),
			})
		}
	}

	return errs
}

// findCycle runs a colored depth-first search over the dependency graph
// and returns the ID of a stage on a cycle, or "".
func findCycle(stages []Stage) string {
	const (
		white = 0 // unvisited
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	deps := make(map[string][]string, len(stages))
	for _, s := range stages {
		deps[s.ID] = s.DependsOn
	}
	color := make(map[string]int, len(stages))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, s := range stages {
		if color[s.ID] == white {
			if hit := visit(s.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}
