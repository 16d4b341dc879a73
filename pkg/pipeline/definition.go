package pipeline

import (
	"fmt"
	"maps"

	"github.com/jdziat/simple-durable-pipelines/pkg/core"
	"github.com/jdziat/simple-durable-pipelines/pkg/security"
)

// DependencySpec names a job of the same definition by key.
type DependencySpec struct {
	Key  string
	Type core.DependencyType
}

// After requires the keyed job to succeed first.
func After(key string) DependencySpec {
	return DependencySpec{Key: key, Type: core.DependsOnSuccess}
}

// AfterCompletion only requires the keyed job to finish, successfully or not.
func AfterCompletion(key string) DependencySpec {
	return DependencySpec{Key: key, Type: core.DependsOnCompletion}
}

// JobTemplate describes one member of a pipeline definition.
type JobTemplate struct {
	Key     string
	JobType string
	// Params is the payload template. A nil value marks a parameter that
	// must be supplied when the pipeline is created.
	Params      map[string]any
	DependsOn   []DependencySpec
	MaxAttempts int
}

// Definition is a named, reusable pipeline shape.
type Definition struct {
	Name        string
	Description string
	Policy      core.FailurePolicy
	Jobs        []JobTemplate
}

// Validate checks keys, job type names, dependency references, and rejects
// dependency cycles.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("pipeline definition: name is required")
	}
	if err := security.ValidateKey("pipeline name", d.Name); err != nil {
		return err
	}
	switch d.Policy {
	case "", core.PolicyFailFast, core.PolicyToleratePartial:
	default:
		return fmt.Errorf("pipeline %s: unknown failure policy %q", d.Name, d.Policy)
	}

	keys := make(map[string]bool, len(d.Jobs))
	for _, t := range d.Jobs {
		if t.Key == "" {
			return fmt.Errorf("pipeline %s: job key is required", d.Name)
		}
		if err := security.ValidateKey("job key", t.Key); err != nil {
			return fmt.Errorf("pipeline %s: %w", d.Name, err)
		}
		if keys[t.Key] {
			return fmt.Errorf("pipeline %s: duplicate job key %q", d.Name, t.Key)
		}
		if err := security.ValidateJobTypeName(t.JobType); err != nil {
			return fmt.Errorf("pipeline %s job %s: %w", d.Name, t.Key, err)
		}
		keys[t.Key] = true
	}

	indegree := make(map[string]int, len(d.Jobs))
	dependents := make(map[string][]string, len(d.Jobs))
	for _, t := range d.Jobs {
		for _, dep := range t.DependsOn {
			if !keys[dep.Key] {
				return fmt.Errorf("%w: %s -> %s in pipeline %s", core.ErrUnknownDependency, t.Key, dep.Key, d.Name)
			}
			switch dep.Type {
			case "", core.DependsOnSuccess, core.DependsOnCompletion:
			default:
				return fmt.Errorf("pipeline %s job %s: unknown dependency type %q", d.Name, t.Key, dep.Type)
			}
			indegree[t.Key]++
			dependents[dep.Key] = append(dependents[dep.Key], t.Key)
		}
	}

	// Kahn's algorithm: anything left unvisited sits on a cycle.
	var ready []string
	for _, t := range d.Jobs {
		if indegree[t.Key] == 0 {
			ready = append(ready, t.Key)
		}
	}
	visited := 0
	for len(ready) > 0 {
		key := ready[0]
		ready = ready[1:]
		visited++
		for _, next := range dependents[key] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if visited != len(d.Jobs) {
		return fmt.Errorf("%w: pipeline %s", core.ErrDependencyCycle, d.Name)
	}
	return nil
}

// fill copies the template and substitutes required parameters.
func (t JobTemplate) fill(params map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(t.Params))
	maps.Copy(out, t.Params)
	for key, value := range out {
		if value != nil {
			continue
		}
		supplied, ok := params[key]
		if !ok {
			return nil, core.Validation(fmt.Errorf("%w: %q for job %s", core.ErrMissingParam, key, t.Key))
		}
		out[key] = supplied
	}
	return out, nil
}
