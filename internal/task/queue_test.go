package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func titled(title string, when int64) *Task {
	t := New(func(*Task) {})
	t.SetTitle(title)
	t.SetWhen(when)
	return t
}

func titles(q *Queue) []string {
	var out []string
	q.Each(func(t *Task) bool {
		out = append(out, t.Title())
		return true
	})
	return out
}

func TestQueuePutOrdersByWhenThenInsertion(t *testing.T) {
	var q Queue
	q.Put(titled("c", 30))
	q.Put(titled("a1", 10))
	q.Put(titled("b", 20))
	q.Put(titled("a2", 10))
	q.Put(titled("now", 0))
	q.Put(titled("c2", 30))

	assert.Equal(t, []string{"now", "a1", "a2", "b", "c", "c2"}, titles(&q))
	assert.Equal(t, 6, q.Len())
}

func TestQueueGetAndRemove(t *testing.T) {
	var q Queue
	assert.Nil(t, q.Get())

	a, b, c := titled("a", 0), titled("b", 0), titled("c", 0)
	q.Put(a)
	q.Put(b)
	q.Put(c)

	assert.True(t, q.Remove(b))
	assert.False(t, q.Remove(b))
	assert.False(t, q.Contains(b))
	assert.Equal(t, []string{"a", "c"}, titles(&q))

	assert.Same(t, a, q.Get())
	assert.Same(t, c, q.Get())
	assert.Nil(t, q.Get())
	assert.Zero(t, q.Len())
}

func TestQueueRequeue(t *testing.T) {
	var q Queue
	a, b, c := titled("a", 0), titled("b", 0), titled("c", 5)
	q.Put(a)
	q.Put(b)
	q.Put(c)

	// a moves behind b, its When-peer, but stays ahead of the later c.
	q.Requeue(a)
	assert.Equal(t, []string{"b", "a", "c"}, titles(&q))

	var lone Queue
	lone.Put(a)
	lone.Requeue(a)
	assert.Same(t, a, lone.Front())
	assert.Equal(t, 1, lone.Len())
}

func TestQueueKeepsWhenFromPut(t *testing.T) {
	var q Queue
	a, b := titled("a", 0), titled("b", 10)
	q.Put(a)
	q.Put(b)

	// A handler reschedules a while it is queued: order and due state hold.
	a.SetWhen(1000)
	assert.Equal(t, []string{"a", "b"}, titles(&q))
	assert.True(t, q.FrontDue(0))
	front, when := q.FrontWhen()
	assert.Same(t, a, front)
	assert.Zero(t, when)

	// Requeue picks the new When up.
	q.Requeue(a)
	assert.Equal(t, []string{"b", "a"}, titles(&q))
	front, when = q.FrontWhen()
	assert.Same(t, b, front)
	assert.EqualValues(t, 10, when)

	var lone Queue
	c := titled("c", 0)
	lone.Put(c)
	c.SetWhen(500)
	assert.True(t, lone.FrontDue(100))
	lone.Requeue(c)
	assert.False(t, lone.FrontDue(100))
	_, when = lone.FrontWhen()
	assert.EqualValues(t, 500, when)

	var empty Queue
	front, when = empty.FrontWhen()
	assert.Nil(t, front)
	assert.Zero(t, when)
}

func TestQueueHasBlockingAndFrontDue(t *testing.T) {
	var q Queue
	assert.False(t, q.FrontDue(100))

	later := titled("later", 500)
	q.Put(later)
	assert.False(t, q.FrontDue(100))
	assert.True(t, q.FrontDue(500))
	assert.False(t, q.HasBlocking())

	b := titled("blocking", 0)
	b.Type = TypeBlocking
	q.Put(b)
	assert.True(t, q.HasBlocking())
	assert.True(t, q.FrontDue(0))
}

func TestQueueTake(t *testing.T) {
	var q Queue
	q.Put(titled("a", 0))
	q.Put(titled("b", 0))
	q.Put(titled("c", 0))

	rev := q.TakeReversed()
	require.Len(t, rev, 3)
	assert.Equal(t, "c", rev[0].Title())
	assert.Equal(t, "a", rev[2].Title())
	assert.Zero(t, q.Len())
	assert.Nil(t, q.TakeReversed())

	for _, tk := range rev {
		q.Put(tk)
	}
	all := q.TakeAll()
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].Title())
	assert.Zero(t, q.Len())
}
