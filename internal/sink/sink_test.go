package sink

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskq/internal/task"
	logx "taskq/pkg/logx"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	return out
}

func TestLogSinkSkipsRepeatsAndKeepsFinal(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(Config{RatePerSec: 100}, logx.NewWriter(&buf, "debug"))

	tk := task.New(nil)
	tk.SetTitle("copy")
	s.Push(tk, "50%: copy", 1, 60, true)
	s.Push(tk, "50%: copy", 1, 60, true)
	s.Push(tk, "60%: copy", 1, 60, true)
	tk.Finish()
	s.Push(tk, "100%: copy", 1, 60, false)
	s.Push(tk, "100%: copy", 1, 60, false)

	got := lines(t, &buf)
	require.Len(t, got, 4)
	assert.Equal(t, "50%: copy", got[0]["message"])
	assert.Equal(t, "60%: copy", got[1]["message"])
	assert.Equal(t, "100%: copy", got[3]["message"])
	assert.Equal(t, "sink", got[0]["comp"])
	assert.EqualValues(t, tk.Ident(), got[0]["ident"])

	written, dropped := s.Stats()
	assert.EqualValues(t, 4, written)
	assert.Zero(t, dropped)
}

func TestLogSinkThrottlesProgressOnly(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(Config{RatePerSec: 1, Burst: 1}, logx.NewWriter(&buf, "info"))

	tk := task.New(nil)
	s.Push(tk, "10%: x", 1, 60, true)
	s.Push(tk, "20%: x", 1, 60, true)
	s.Push(tk, "30%: x", 1, 60, true)

	failed := task.New(nil)
	failed.Finish()
	s.Push(failed, "Task failed: y", 1, 60, true)

	written, dropped := s.Stats()
	assert.EqualValues(t, 2, written)
	assert.EqualValues(t, 2, dropped)
	got := lines(t, &buf)
	require.Len(t, got, 2)
	assert.Equal(t, "Task failed: y", got[1]["message"])
}

func TestRecorderRing(t *testing.T) {
	r := NewRecorder(3)
	tk := task.New(nil)
	tk.SetFlags(task.FlagAlternativeLook, true)
	assert.Empty(t, r.Messages())

	for _, msg := range []string{"a", "b", "c", "d"} {
		r.Push(tk, msg, 1, 60, false)
	}
	got := r.Messages()
	require.Len(t, got, 3)
	assert.Equal(t, "b", got[0].Text)
	assert.Equal(t, "d", got[2].Text)
	assert.True(t, got[0].Alt)
	assert.Equal(t, 60, got[0].Frames)
}

func TestTee(t *testing.T) {
	a, b := NewRecorder(4), NewRecorder(4)
	tee := Tee{a, nil, b}
	tee.Push(task.New(nil), "hello", 1, 60, true)
	assert.Len(t, a.Messages(), 1)
	assert.Len(t, b.Messages(), 1)
	assert.True(t, b.Messages()[0].Flush)
}

func TestLogSinkRepeatFilterIsBounded(t *testing.T) {
	var buf bytes.Buffer
	s := NewLogSink(Config{RatePerSec: 1_000_000}, logx.NewWriter(&buf, "error"))

	quiet := task.New(nil)
	s.Push(quiet, "1%: quiet", 1, 60, false)
	assert.Equal(t, 1, s.tracked())
	s.Forget(quiet.Ident())
	assert.Zero(t, s.tracked())

	// Tasks that never send a final message do not grow the filter forever.
	for i := 0; i < maxTracked+10; i++ {
		s.Push(task.New(nil), "1%: spam", 1, 60, false)
		require.LessOrEqual(t, s.tracked(), maxTracked)
	}
	assert.Equal(t, 10, s.tracked())

	written, dropped := s.Stats()
	assert.EqualValues(t, maxTracked+11, written)
	assert.Zero(t, dropped)
}
