package task

// Queue keeps tasks sorted by When.
//
// Tasks with the same When keep their insertion order, so the oldest of a
// given time runs first. The When a task had when it was put is the one the
// queue sorts and answers FrontDue by; a handler calling SetWhen takes effect
// once the owner puts or requeues the task again. Queue is not synchronized;
// the owner decides how access is serialized.
type Queue struct {
	items []entry
}

type entry struct {
	t    *Task
	when int64
}

func (e entry) due(now int64) bool { return e.when == 0 || e.when <= now }

// Put inserts t after every task whose When is <= t.When().
func (q *Queue) Put(t *Task) {
	if t == nil {
		return
	}
	q.insert(entry{t: t, when: t.When()})
}

func (q *Queue) insert(e entry) {
	n := len(q.items)
	// Fast path: most pushes land at the back.
	if n == 0 || q.items[n-1].when <= e.when {
		q.items = append(q.items, e)
		return
	}
	i := 0
	for i < n && q.items[i].when <= e.when {
		i++
	}
	q.items = append(q.items, entry{})
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = e
}

// Get pops the front task, or returns nil.
func (q *Queue) Get() *Task {
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0].t
	q.items[0] = entry{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return t
}

func (q *Queue) index(t *Task) int {
	for i, it := range q.items {
		if it.t == t {
			return i
		}
	}
	return -1
}

// Remove extracts t from anywhere in the queue.
func (q *Queue) Remove(t *Task) bool {
	i := q.index(t)
	if i < 0 {
		return false
	}
	copy(q.items[i:], q.items[i+1:])
	q.items[len(q.items)-1] = entry{}
	q.items = q.items[:len(q.items)-1]
	return true
}

// Requeue moves t behind its When-peers, reading its current When. A lone
// task keeps its place.
func (q *Queue) Requeue(t *Task) {
	if len(q.items) == 1 && q.items[0].t == t {
		q.items[0].when = t.When()
		return
	}
	if q.Remove(t) {
		q.Put(t)
	}
}

func (q *Queue) Front() *Task {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0].t
}

// FrontWhen returns the front task and the When it is queued under.
func (q *Queue) FrontWhen() (*Task, int64) {
	if len(q.items) == 0 {
		return nil, 0
	}
	return q.items[0].t, q.items[0].when
}

func (q *Queue) Len() int { return len(q.items) }

func (q *Queue) Contains(t *Task) bool { return q.index(t) >= 0 }

// Each visits tasks front to back until fn returns false.
func (q *Queue) Each(fn func(t *Task) bool) {
	for _, it := range q.items {
		if !fn(it.t) {
			return
		}
	}
}

// HasBlocking reports whether a TypeBlocking task is queued.
func (q *Queue) HasBlocking() bool {
	for _, it := range q.items {
		if it.t.Type == TypeBlocking {
			return true
		}
	}
	return false
}

// FrontDue reports whether the front task may run at now.
func (q *Queue) FrontDue(now int64) bool {
	return len(q.items) > 0 && q.items[0].due(now)
}

// TakeReversed empties the queue and returns its tasks back to front.
func (q *Queue) TakeReversed() []*Task {
	n := len(q.items)
	if n == 0 {
		return nil
	}
	out := make([]*Task, n)
	for i, it := range q.items {
		out[n-1-i] = it.t
	}
	q.items = nil
	return out
}

// TakeAll empties the queue and returns its tasks front to back.
func (q *Queue) TakeAll() []*Task {
	if len(q.items) == 0 {
		q.items = nil
		return nil
	}
	out := make([]*Task, len(q.items))
	for i, it := range q.items {
		out[i] = it.t
	}
	q.items = nil
	return out
}
