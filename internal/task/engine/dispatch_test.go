package engine

import (
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskq/internal/eventbus"
	"taskq/internal/task"
)

func TestDispatchRunsEveryTask(t *testing.T) {
	s, _ := newTestScheduler(t, ModeDispatch)

	var ran, called order
	for _, name := range []string{"a", "b", "c"} {
		tk := oneShot(&ran, name)
		tk.Callback = func(t *task.Task, _, _ any, _ error) { called.add(t.Title()) }
		require.True(t, s.Push(tk))
	}

	pumpUntil(t, s, 2*time.Second, func() bool { return called.len() == 3 })
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ran.get())
	assert.ElementsMatch(t, []string{"a", "b", "c"}, called.get())
}

func TestDispatchResubmitsUntilFinished(t *testing.T) {
	s, _ := newTestScheduler(t, ModeDispatch)

	var runs atomic.Int32
	tk := task.New(func(t *task.Task) {
		if runs.Add(1) == 10 {
			t.Finish()
		}
	})
	require.True(t, s.Push(tk))

	pumpUntil(t, s, 2*time.Second, func() bool { return s.Snapshot().Gathered == 1 })
	assert.EqualValues(t, 10, runs.Load())
}

func TestDispatchDelayedTask(t *testing.T) {
	s, _ := newTestScheduler(t, ModeDispatch)

	start := time.Now()
	var ranAt atomic.Int64
	tk := task.New(func(t *task.Task) {
		ranAt.Store(int64(time.Since(start)))
		t.Finish()
	})
	tk.SetWhen(task.After(50 * time.Millisecond))
	require.True(t, s.Push(tk))

	pumpUntil(t, s, 2*time.Second, func() bool { return s.Snapshot().Gathered == 1 })
	assert.GreaterOrEqual(t, time.Duration(ranAt.Load()), 50*time.Millisecond-500*time.Microsecond)
}

func TestDispatchBlockingAdmission(t *testing.T) {
	s, _ := newTestScheduler(t, ModeDispatch)

	gate := make(chan struct{})
	first := task.New(func(t *task.Task) {
		<-gate
		t.Finish()
	})
	first.Type = task.TypeBlocking
	require.True(t, s.Push(first))

	second := task.New(func(t *task.Task) { t.Finish() })
	second.Type = task.TypeBlocking
	assert.False(t, s.Push(second))

	close(gate)
	pumpUntil(t, s, 2*time.Second, func() bool { return s.Snapshot().Gathered == 1 })
	assert.True(t, s.Push(second))
}

func TestDispatchCloseDoesNotWaitForFutureTasks(t *testing.T) {
	s := New(Config{Mode: ModeDispatch}, nil)

	var ran atomic.Bool
	tk := task.New(func(t *task.Task) {
		ran.Store(true)
		t.Finish()
	})
	tk.SetWhen(task.After(time.Hour))
	require.True(t, s.Push(tk))
	s.Check()

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a task scheduled an hour out")
	}
	assert.False(t, ran.Load())
}

func TestDispatchCloseWaitsForInFlightHandler(t *testing.T) {
	s := New(Config{Mode: ModeDispatch}, nil)

	started := make(chan struct{})
	var finished atomic.Bool
	tk := task.New(func(t *task.Task) {
		close(started)
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		t.Finish()
	})
	var called atomic.Bool
	tk.Callback = func(*task.Task, any, any, error) { called.Store(true) }
	require.True(t, s.Push(tk))
	<-started

	s.Close()
	assert.True(t, finished.Load(), "Close returned while a handler was running")
	assert.True(t, called.Load(), "finished tasks are gathered on Close")
}

func TestModeSwapKeepsQueuedTasks(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()

	s, _ := newTestScheduler(t, ModeSync, WithBus(bus))

	var release atomic.Bool
	var ran order
	slow := task.New(func(t *task.Task) {
		if release.Load() {
			ran.add("slow")
			t.Finish()
		}
	})
	slow.SetTitle("slow")
	require.True(t, s.Push(slow))
	s.Check()
	assert.Equal(t, 1, s.Snapshot().Running)

	for _, to := range []Mode{ModeThread, ModeDispatch, ModeSync, ModeThread} {
		s.SetMode(to)
		assert.Equal(t, to.Threaded(), s.IsThreaded())
		s.Check()
		assert.Equal(t, to, s.Mode())
		assert.Equal(t, 1, s.Snapshot().Running, "task lost switching to %s", to)
	}

	release.Store(true)
	pumpUntil(t, s, 2*time.Second, func() bool { return s.Snapshot().Gathered == 1 })
	assert.Equal(t, []string{"slow"}, ran.get())

	swaps := 0
	for {
		select {
		case ev := <-events:
			if ev.Type == EventMode {
				swaps++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 4, swaps)
}

func TestSetThreadedUsesConfiguredMode(t *testing.T) {
	s := New(Config{Mode: ModeSync, ThreadedMode: ModeDispatch}, nil)
	defer s.Close()

	s.SetThreaded(true)
	assert.True(t, s.IsThreaded())
	assert.Equal(t, ModeSync, s.Mode(), "switch happens on Check")
	s.Check()
	assert.Equal(t, ModeDispatch, s.Mode())

	s.UnsetThreaded()
	s.Check()
	assert.Equal(t, ModeSync, s.Mode())
	assert.False(t, s.IsThreaded())
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{
		"":         ModeSync,
		"sync":     ModeSync,
		"Thread":   ModeThread,
		"worker":   ModeThread,
		"dispatch": ModeDispatch,
	} {
		got, err := ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseMode("fibers")
	assert.ErrorIs(t, err, ErrUnknownMode)

	b, err := json.Marshal(Snapshot{Mode: ModeDispatch})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"Mode":"dispatch"`)
}

func TestDispatchWaitCoversRescheduledTask(t *testing.T) {
	s, _ := newTestScheduler(t, ModeDispatch)

	later := task.New(func(t *task.Task) { t.SetWhen(task.After(time.Hour)) })
	require.True(t, s.Push(later))

	var runs atomic.Int32
	busy := task.New(func(t *task.Task) {
		time.Sleep(5 * time.Millisecond)
		if runs.Add(1) == 20 {
			t.Finish()
		}
	})
	require.True(t, s.Push(busy))

	time.Sleep(20 * time.Millisecond)
	s.Wait(nil)
	assert.EqualValues(t, 20, runs.Load())
	assert.True(t, busy.Finished())
	assert.False(t, s.Find(func(t *task.Task) bool { return t == busy }))
	assert.True(t, s.Find(func(t *task.Task) bool { return t == later }))
}
