package engine

import "taskq/internal/task"

// Retrieve copies state out of every running task whose handler is h, in
// queue order. copyFn runs with the running queue held; it should only read
// the task through its accessors and return false to skip a task.
func Retrieve[T any](s *Scheduler, h task.Handler, copyFn func(t *task.Task) (T, bool)) []T {
	if s == nil || h == nil || copyFn == nil {
		return nil
	}
	var out []T
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.backend == nil {
		return nil
	}
	s.backend.Scan(func(t *task.Task) bool {
		if !t.HandledBy(h) {
			return true
		}
		if v, ok := copyFn(t); ok {
			out = append(out, v)
		}
		return true
	})
	return out
}
