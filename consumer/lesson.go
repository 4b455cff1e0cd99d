package consumer

import (
	"context"
	"slices"
	"sync"

	"github.com/caffeineduck/pyrun/broker"
	"github.com/caffeineduck/pyrun/sink"
)

// LessonRunner treats a successful run as completing the lesson. A run is
// successful when something executed and nothing was written to stderr.
type LessonRunner struct {
	console *Console

	mu        sync.Mutex
	completed map[string]bool
}

// NewLessonRunner creates a runner on the shared loader.
func NewLessonRunner(l broker.Loader, opts ...broker.Option) *LessonRunner {
	return &LessonRunner{
		console:   NewConsole(l, opts...),
		completed: make(map[string]bool),
	}
}

// Console returns the runner's console.
func (r *LessonRunner) Console() *Console {
	return r.console
}

// Submit runs code for lesson and reports whether it completed the lesson.
func (r *LessonRunner) Submit(ctx context.Context, lesson, code string) (bool, error) {
	mark := r.console.Len()
	route, err := r.console.Run(ctx, code)
	if err != nil {
		return false, err
	}
	if route == broker.RouteSkipped || route == broker.RouteFailed {
		return false, nil
	}
	for _, c := range r.console.Since(mark) {
		if c.Stream == sink.Stderr {
			return false, nil
		}
	}

	r.mu.Lock()
	r.completed[lesson] = true
	r.mu.Unlock()
	return true, nil
}

// Completed reports whether lesson has been completed.
func (r *LessonRunner) Completed(lesson string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed[lesson]
}

// CompletedLessons returns the completed lesson IDs in sorted order.
func (r *LessonRunner) CompletedLessons() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.completed))
	for id := range r.completed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
