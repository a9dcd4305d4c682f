package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"taskq/internal/config"
	"taskq/internal/task"
	"taskq/internal/task/trigger"
)

var (
	errJobFailed    = errors.New("job failed")
	errJobCancelled = errors.New("job cancelled")
)

const defaultSteps = 10

// buildFactory turns a configured job into a task factory. The built-in
// kinds exercise the scheduler without doing real work:
//
//	steps  advances progress by one step per handler run
//	sleep  runs once after Every, progress indeterminate meanwhile
//	fail   fails on its first run
func buildFactory(j config.TriggerJob) (trigger.Factory, error) {
	every, err := config.ParseDurationField("every", j.Every)
	if err != nil {
		return nil, err
	}
	steps := j.Steps
	if steps <= 0 {
		steps = defaultSteps
	}

	var handler task.Handler
	switch strings.ToLower(strings.TrimSpace(j.Kind)) {
	case "", "steps":
		handler = stepsHandler(steps, every)
	case "sleep":
		if every <= 0 {
			every = time.Second
		}
		handler = sleepHandler(every)
	case "fail":
		handler = func(t *task.Task) {
			t.SetErrorf("%w: %s", errJobFailed, t.Title())
			t.Finish()
		}
	default:
		return nil, fmt.Errorf("unknown job kind %q", j.Kind)
	}

	return func(name string) *task.Task {
		t := task.New(handler)
		title := strings.TrimSpace(j.Title)
		if title == "" {
			title = name
		}
		t.SetTitle(title)
		t.SetFlags(task.FlagMute, j.Mute)
		if j.Blocking {
			t.Type = task.TypeBlocking
		}
		t.State = new(int)
		return t
	}, nil
}

// stopIfCancelled finishes a cancelled task with errJobCancelled.
func stopIfCancelled(t *task.Task) bool {
	if !t.Cancelled() {
		return false
	}
	t.SetError(errJobCancelled)
	t.Finish()
	return true
}

func stepsHandler(steps int, every time.Duration) task.Handler {
	return func(t *task.Task) {
		if stopIfCancelled(t) {
			return
		}
		done := t.State.(*int)
		*done++
		t.SetProgress(*done * 100 / steps)
		if *done >= steps {
			t.SetData(*done)
			t.Finish()
			return
		}
		if every > 0 {
			t.SetWhen(task.After(every))
		}
	}
}

func sleepHandler(d time.Duration) task.Handler {
	return func(t *task.Task) {
		if stopIfCancelled(t) {
			return
		}
		started := t.State.(*int)
		if *started == 0 {
			*started = 1
			t.SetProgress(task.ProgressIndeterminate)
			t.SetWhen(task.After(d))
			return
		}
		t.Finish()
	}
}
