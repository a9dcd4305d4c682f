package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"taskq/internal/task"
	"taskq/internal/task/engine"
)

func TestExporterRecordMethods(t *testing.T) {
	reg := prom.NewRegistry()
	m, err := New("", reg, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	m.RecordPushed("thread")
	m.RecordRejected("thread", "blocking")
	m.RecordRejected("", "")
	m.RecordGathered("thread", false)
	m.RecordGathered("thread", true)
	m.RecordHandlerDuration("thread", 2*time.Millisecond)
	m.RecordQueueDepth("thread", 4, 1)

	if got := testutil.ToFloat64(m.pushed.WithLabelValues("thread")); got != 1 {
		t.Fatalf("pushed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.rejected.WithLabelValues("thread", "blocking")); got != 1 {
		t.Fatalf("rejected = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.rejected.WithLabelValues("unknown", "unknown")); got != 1 {
		t.Fatalf("rejected with empty labels = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.gathered.WithLabelValues("thread", "failed")); got != 1 {
		t.Fatalf("gathered failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.depth.WithLabelValues("thread", "running")); got != 4 {
		t.Fatalf("running depth = %v, want 4", got)
	}
	n, err := histogramSampleCount(m.handler.WithLabelValues("thread"))
	if err != nil {
		t.Fatalf("histogramSampleCount failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("handler samples = %d, want 1", n)
	}
}

func TestExporterAlreadyRegisteredReuse(t *testing.T) {
	reg := prom.NewRegistry()
	first, err := New("taskq", reg, Options{})
	if err != nil {
		t.Fatalf("first New failed: %v", err)
	}
	second, err := New("taskq", reg, Options{})
	if err != nil {
		t.Fatalf("second New failed: %v", err)
	}
	first.RecordPushed("sync")
	second.RecordPushed("sync")
	if got := testutil.ToFloat64(first.pushed.WithLabelValues("sync")); got != 2 {
		t.Fatalf("shared pushed counter = %v, want 2", got)
	}
}

func TestExporterSetMode(t *testing.T) {
	m, err := New("taskq", prom.NewRegistry(), Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	m.RecordQueueDepth("sync", 3, 0)
	m.SetMode(engine.ModeDispatch)

	if got := testutil.ToFloat64(m.mode.WithLabelValues("dispatch")); got != 1 {
		t.Fatalf("dispatch gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.mode.WithLabelValues("sync")); got != 0 {
		t.Fatalf("sync gauge = %v, want 0", got)
	}
	// The stale sync depth was deleted; a fresh child starts at zero.
	if got := testutil.ToFloat64(m.depth.WithLabelValues("sync", "running")); got != 0 {
		t.Fatalf("stale sync depth = %v, want 0", got)
	}
}

func TestExporterWithScheduler(t *testing.T) {
	m, err := New("taskq", prom.NewRegistry(), Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s := engine.New(engine.Config{Mode: engine.ModeSync}, nil, engine.WithMetrics(m))
	defer s.Close()

	ok := task.New(func(t *task.Task) { t.Finish() })
	if !s.Push(ok) {
		t.Fatal("push refused")
	}
	if s.Push(nil) {
		t.Fatal("nil push accepted")
	}
	s.Check()

	if got := testutil.ToFloat64(m.pushed.WithLabelValues("sync")); got != 1 {
		t.Fatalf("pushed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.gathered.WithLabelValues("sync", "ok")); got != 1 {
		t.Fatalf("gathered = %v, want 1", got)
	}
	n, err := histogramSampleCount(m.handler.WithLabelValues("sync"))
	if err != nil || n != 1 {
		t.Fatalf("handler samples = %d, %v; want 1", n, err)
	}
}

func histogramSampleCount(observer prom.Observer) (uint64, error) {
	collector, ok := observer.(prom.Collector)
	if !ok {
		return 0, nil
	}
	ch := make(chan prom.Metric, 1)
	collector.Collect(ch)
	close(ch)
	for metric := range ch {
		msg := &dto.Metric{}
		if err := metric.Write(msg); err != nil {
			return 0, err
		}
		if msg.Histogram != nil {
			return msg.Histogram.GetSampleCount(), nil
		}
	}
	return 0, nil
}
