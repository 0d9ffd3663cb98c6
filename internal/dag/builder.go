// Package dag implements the multi-agent task graph executor: given a
// set of named tasks with declared dependencies,
// it runs them with bounded parallelism, propagates failure downstream,
// and persists progress so an interrupted run can resume.
package dag

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/cortexlabs/cortex-core/pkg/models"
)

// CycleDetected is returned by Build when the declared dependencies do
// not form a DAG.
type CycleDetected struct {
	Remaining []string
}

func (e *CycleDetected) Error() string {
	return fmt.Sprintf("dag: cycle detected among tasks: %v", e.Remaining)
}

// Spec is one task as declared by the caller, before names are resolved
// to ids. DependsOn references other specs by Name, not ID.
type Spec struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description,omitempty"`
	AssignedTo  string   `yaml:"assigned_to" json:"assigned_to,omitempty"`
	DependsOn   []string `yaml:"depends_on" json:"depends_on,omitempty"`
}

// Build resolves a set of task specs into a models.Task graph with ids
// assigned, verifying acyclicity via Kahn's algorithm. It returns
// CycleDetected if any task's dependency chain loops back on itself.
func Build(specs []Spec) ([]*models.Task, error) {
	byName := make(map[string]*models.Task, len(specs))
	order := make([]string, 0, len(specs))
	for _, s := range specs {
		if _, exists := byName[s.Name]; exists {
			return nil, fmt.Errorf("dag: duplicate task name %q", s.Name)
		}
		task := &models.Task{
			ID:          uuid.NewString(),
			Name:        s.Name,
			Description: s.Description,
			AssignedTo:  s.AssignedTo,
			Status:      models.TaskPending,
		}
		byName[s.Name] = task
		order = append(order, s.Name)
	}

	tasks := make([]*models.Task, 0, len(specs))
	dependsOnNames := make(map[string][]string, len(specs))
	for _, s := range specs {
		task := byName[s.Name]
		for _, dep := range s.DependsOn {
			depTask, ok := byName[dep]
			if !ok {
				return nil, fmt.Errorf("dag: task %q depends on unknown task %q", s.Name, dep)
			}
			task.DependsOn = append(task.DependsOn, depTask.ID)
		}
		dependsOnNames[s.Name] = s.DependsOn
		tasks = append(tasks, task)
	}

	if err := verifyAcyclic(order, dependsOnNames); err != nil {
		return nil, err
	}

	return tasks, nil
}

// verifyAcyclic runs Kahn's algorithm over the name-keyed dependency map
// purely to validate structure; Build has already assigned ids by the
// time this runs.
func verifyAcyclic(order []string, dependsOn map[string][]string) error {
	indegree := make(map[string]int, len(order))
	dependents := make(map[string][]string, len(order))
	for _, name := range order {
		indegree[name] = len(dependsOn[name])
	}
	for _, name := range order {
		for _, dep := range dependsOn[name] {
			dependents[dep] = append(dependents[dep], name)
		}
	}

	queue := make([]string, 0, len(order))
	for _, name := range order {
		if indegree[name] == 0 {
			queue = append(queue, name)
		}
	}

	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visited != len(order) {
		remaining := make([]string, 0, len(order)-visited)
		for _, name := range order {
			if indegree[name] > 0 {
				remaining = append(remaining, name)
			}
		}
		return &CycleDetected{Remaining: remaining}
	}
	return nil
}
