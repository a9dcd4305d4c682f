package eventbus

import (
	"sync"
	"testing"
)

func TestMatch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		topic, typ string
		want       bool
	}{
		{"task.pushed", "task.pushed", true},
		{"task.pushed", "task.pushedx", false},
		{"task.", "task.gathered", true},
		{"task.", "scheduler.mode", false},
		{"task", "task.gathered", false},
	}
	for _, tt := range tests {
		if got := Match(tt.topic, tt.typ); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.topic, tt.typ, got, tt.want)
		}
	}
}

func TestSubscribeFiltersTopics(t *testing.T) {
	t.Parallel()
	b := New()
	all, unsubAll := b.Subscribe(8)
	defer unsubAll()
	tasks, unsubTasks := b.Subscribe(8, "task.")
	defer unsubTasks()

	b.Publish(Event{Type: "task.pushed"})
	b.Publish(Event{Type: "scheduler.mode"})

	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber got %d events, want 2", len(all))
	}
	if len(tasks) != 1 {
		t.Fatalf("task subscriber got %d events, want 1", len(tasks))
	}
	ev := <-tasks
	if ev.Type != "task.pushed" || ev.Time.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}
	if st := b.Stats(); st.Published != 2 || st.Delivered != 3 || st.Subscribers != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"})
	if got := (<-ch).Type; got != "a" {
		t.Fatalf("kept %q, want the first event", got)
	}
	if st := b.Stats(); st.Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", st.Dropped)
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(4)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
	b.Publish(Event{Type: "after"})
	if st := b.Stats(); st.Subscribers != 0 {
		t.Fatalf("subscribers = %d, want 0", st.Subscribers)
	}
}

func TestConcurrentPublishUnsubscribe(t *testing.T) {
	t.Parallel()
	b := New()
	var wg, readers sync.WaitGroup
	for i := 0; i < 8; i++ {
		ch, unsub := b.Subscribe(1)
		readers.Add(1)
		go func() {
			defer readers.Done()
			for range ch {
			}
		}()
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Publish(Event{Type: "x"})
			}
		}()
		go func() {
			defer wg.Done()
			unsub()
		}()
	}
	wg.Wait()
	// Every reader ends only once its channel is closed.
	readers.Wait()

	st := b.Stats()
	if st.Subscribers != 0 {
		t.Fatalf("subscribers = %d, want 0", st.Subscribers)
	}
	if st.Published != 800 {
		t.Fatalf("published = %d, want 800", st.Published)
	}
}
