package dag

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cortexlabs/cortex-core/internal/storage"
	"github.com/cortexlabs/cortex-core/pkg/models"
)

// TaskFunc is the caller-supplied async executor invoked for each ready
// task. It returns the task's output or an error; the executor records
// the result and recomputes the ready set.
type TaskFunc func(ctx context.Context, task *models.Task) (string, error)

// Executor runs one task graph to completion, bounding concurrency at
// MaxParallel and persisting progress through Store before and after
// each wave of ready tasks so a crash mid-run can resume.
type Executor struct {
	Store       storage.DagStore
	MaxParallel int
	FailFast    bool
	Sink        Sink

	Run TaskFunc
}

func (e *Executor) maxParallel() int {
	if e.MaxParallel > 0 {
		return e.MaxParallel
	}
	return 4
}

func (e *Executor) emit(ev Event) {
	if e.Sink != nil {
		e.Sink.Emit(ev)
	}
}

// Resume loads a previously persisted graph for sessionID, resets any
// task stuck in Running back to Pending, on the assumption that a
// crash interrupted it mid-execution, and executes it to completion.
func (e *Executor) Resume(ctx context.Context, sessionID string) ([]*models.Task, error) {
	tasks, err := e.Store.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("dag: load session %s: %w", sessionID, err)
	}
	for _, t := range tasks {
		if t.Status == models.TaskRunning {
			t.Status = models.TaskPending
		}
	}
	return e.Execute(ctx, sessionID, tasks)
}

// Execute runs tasks to completion: Pending -> Ready -> Running ->
// {Completed|Failed|Skipped}. It persists the graph at the start, when a
// wave of ready tasks is marked Running, and after that wave finishes
// (results of one wave are saved together), and emits progress events
// as tasks start and finish.
func (e *Executor) Execute(ctx context.Context, sessionID string, tasks []*models.Task) ([]*models.Task, error) {
	byID := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	if err := e.persist(ctx, sessionID, tasks); err != nil {
		return tasks, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	sem := make(chan struct{}, e.maxParallel())
	var wg sync.WaitGroup
	failed := false

	for {
		mu.Lock()
		ready := computeReady(tasks, byID)
		if len(ready) == 0 {
			mu.Unlock()
			break
		}
		for _, t := range ready {
			t.Status = models.TaskRunning
			t.StartedAt = time.Now()
		}
		mu.Unlock()

		if err := e.persist(ctx, sessionID, tasks); err != nil {
			return tasks, err
		}

		for _, t := range ready {
			t := t
			wg.Add(1)
			sem <- struct{}{}
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				e.runOne(runCtx, t, &mu, &failed, cancel)
			}()
		}
		wg.Wait()

		mu.Lock()
		e.propagateSkips(tasks, byID)
		mu.Unlock()

		if err := e.persist(ctx, sessionID, tasks); err != nil {
			return tasks, err
		}

		if e.FailFast && failed {
			break
		}
	}

	summary := summarize(tasks)
	e.emit(Event{Kind: EventExecutionComplete, ExecutionComplete: &ExecutionCompleteEvent{SessionID: sessionID, Summary: summary}})
	return tasks, nil
}

func (e *Executor) runOne(ctx context.Context, t *models.Task, mu *sync.Mutex, failed *bool, cancel context.CancelFunc) {
	e.emit(Event{Kind: EventTaskStarted, TaskStarted: &TaskStartedEvent{TaskID: t.ID, Name: t.Name}})

	output, err := e.Run(ctx, t)

	mu.Lock()
	defer mu.Unlock()
	t.CompletedAt = time.Now()
	if err != nil {
		t.Status = models.TaskFailed
		t.Error = err.Error()
		*failed = true
		e.emit(Event{Kind: EventTaskFailed, TaskFailed: &TaskFailedEvent{TaskID: t.ID, Name: t.Name, Error: err.Error()}})
		if e.FailFast {
			cancel()
		}
		return
	}
	t.Status = models.TaskCompleted
	t.Result = output
	e.emit(Event{Kind: EventTaskCompleted, TaskCompleted: &TaskCompletedEvent{TaskID: t.ID, Name: t.Name, Output: output}})
}

// computeReady returns every Pending task whose dependencies are all
// Completed. Callers must hold the executor's mutex.
func computeReady(tasks []*models.Task, byID map[string]*models.Task) []*models.Task {
	var ready []*models.Task
	for _, t := range tasks {
		if t.Status != models.TaskPending {
			continue
		}
		allDone := true
		for _, depID := range t.DependsOn {
			dep, ok := byID[depID]
			if !ok || dep.Status != models.TaskCompleted {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, t)
		}
	}
	return ready
}

// propagateSkips marks every Pending task downstream of a Failed
// dependency as Skipped, since it can now never become Ready.
func (e *Executor) propagateSkips(tasks []*models.Task, byID map[string]*models.Task) {
	changed := true
	for changed {
		changed = false
		for _, t := range tasks {
			if t.Status != models.TaskPending {
				continue
			}
			for _, depID := range t.DependsOn {
				dep, ok := byID[depID]
				if !ok {
					continue
				}
				if dep.Status == models.TaskFailed || dep.Status == models.TaskSkipped {
					t.Status = models.TaskSkipped
					t.Error = fmt.Sprintf("skipped: dependency %q did not complete", dep.Name)
					e.emit(Event{Kind: EventTaskSkipped, TaskSkipped: &TaskSkippedEvent{TaskID: t.ID, Name: t.Name, Reason: t.Error}})
					changed = true
					break
				}
			}
		}
	}
}

func (e *Executor) persist(ctx context.Context, sessionID string, tasks []*models.Task) error {
	if e.Store == nil {
		return nil
	}
	if err := e.Store.Save(ctx, sessionID, tasks); err != nil {
		return fmt.Errorf("dag: persist session %s: %w", sessionID, err)
	}
	return nil
}

func summarize(tasks []*models.Task) ExecutionSummary {
	var s ExecutionSummary
	for _, t := range tasks {
		switch t.Status {
		case models.TaskCompleted:
			s.Completed++
		case models.TaskFailed:
			s.Failed++
		case models.TaskSkipped:
			s.Skipped++
		}
	}
	return s
}
