package app

import (
	"context"
	"time"

	"taskq/internal/eventbus"
	"taskq/internal/storage"
	"taskq/internal/task/engine"
	logx "taskq/pkg/logx"
)

const journalWriteTimeout = 2 * time.Second

// journalTopics are the bus events recorded in the journal. Pushes are left
// out; every accepted task shows up once gathered.
var journalTopics = []string{engine.EventGathered, engine.EventRejected, engine.EventMode}

// recordFromEvent converts a scheduler event to a journal record.
func recordFromEvent(e eventbus.Event, session string) (storage.Record, bool) {
	r := storage.Record{At: e.Time, Session: session, Type: e.Type}
	switch d := e.Data.(type) {
	case engine.TaskEvent:
		r.Ident = d.Ident
		r.Title = d.Title
		r.Mode = d.Mode
		r.Error = d.Error
		r.Reason = d.Reason
		if !d.Occurred.IsZero() {
			r.At = d.Occurred
		}
	case engine.ModeEvent:
		r.Mode = d.To
		r.Reason = "from " + d.From
	default:
		return storage.Record{}, false
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	return r, true
}

// runJournal writes scheduler events to st until ctx is done or the
// subscription closes.
func runJournal(ctx context.Context, events <-chan eventbus.Event, st storage.Store, session string, log logx.Logger) {
	var failures int
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			r, ok := recordFromEvent(e, session)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, journalWriteTimeout)
			err := st.AppendRecord(wctx, r)
			cancel()
			if err != nil {
				failures++
				// Log the first failure and then every 100th.
				if failures%100 == 1 {
					log.Warn("journal write failed", logx.Err(err), logx.Int("failures", failures))
				}
				continue
			}
			failures = 0
		}
	}
}
