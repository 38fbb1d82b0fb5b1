package event

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTime(t *testing.T) {
	t.Run("rfc3339 with zone", func(t *testing.T) {
		ts, err := ParseTime("2026-08-25T10:00:00Z")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC), ts.UTC())
	})

	t.Run("offset zone", func(t *testing.T) {
		ts, err := ParseTime("2026-08-25T12:00:00+02:00")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC), ts.UTC())
	})

	t.Run("naive reads as utc", func(t *testing.T) {
		ts, err := ParseTime("2026-08-25T10:00:00")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC), ts)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseTime("sometime soon")
		assert.Error(t, err)
	})
}

func TestHashStability(t *testing.T) {
	a := Event{TS: "2026-08-25T10:00:00Z", Actor: "robin-a", Kind: "reminder.toast", Status: "delay",
		Payload: map[string]any{"delayed_by_sec": 180.0, "task": "standup"}}
	b := Event{TS: "2026-08-25T10:00:00Z", Actor: "robin-a", Kind: "reminder.toast", Status: "delay",
		Payload: map[string]any{"task": "standup", "delayed_by_sec": 180.0}}

	// Payload key order must not matter.
	assert.Equal(t, a.Hash(), b.Hash())

	c := a
	c.Status = "ok"
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestPayloadAccessors(t *testing.T) {
	ev := Event{Payload: map[string]any{
		"delayed_by_sec": 42.5,
		"retries":        int64(2),
		"latency_ms":     "370",
		"task":           "water plants",
	}}

	d, ok := ev.DelayedBy()
	require.True(t, ok)
	assert.Equal(t, 42.5, d)

	r, ok := ev.Float("retries")
	require.True(t, ok)
	assert.Equal(t, 2.0, r)

	// Some ward tooling logs numbers as strings.
	l, ok := ev.Float("latency_ms")
	require.True(t, ok)
	assert.Equal(t, 370.0, l)

	s, ok := ev.String("task")
	require.True(t, ok)
	assert.Equal(t, "water plants", s)

	_, ok = ev.Float("absent")
	assert.False(t, ok)
	_, ok = ev.Float("task")
	assert.False(t, ok)
	_, ok = ev.String("retries")
	assert.False(t, ok)
}

func TestAppendAndReadRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "events.jsonl")

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	old := Event{TS: "2026-08-23T12:00:00Z", Actor: "robin-a", Kind: "reminder.set", Status: "ok", Payload: map[string]any{}}
	recent := Event{TS: "2026-08-25T11:00:00Z", Actor: "robin-a", Kind: "reminder.toast", Status: "delay",
		Payload: map[string]any{"delayed_by_sec": 240.0}}

	require.NoError(t, Append(path, old))
	require.NoError(t, Append(path, recent))

	events, skipped, err := ReadRecentAt(path, 24*time.Hour, 500, now)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.Len(t, events, 1)
	assert.Equal(t, "reminder.toast", events[0].Kind)
}

func TestReadRecentSkipsMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	lines := `{"ts":"2026-08-25T11:00:00Z","actor":"a","kind":"k","status":"ok","payload":{}}
not json at all
{"ts":"whenever","actor":"a","kind":"k","status":"ok","payload":{}}

{"ts":"2026-08-25T11:30:00Z","actor":"a","kind":"k2","status":"ok","payload":{}}
`
	require.NoError(t, os.WriteFile(path, []byte(lines), 0644))

	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	events, skipped, err := ReadRecentAt(path, 24*time.Hour, 500, now)
	require.NoError(t, err)
	assert.Equal(t, 2, skipped)
	require.Len(t, events, 2)
	assert.Equal(t, "k", events[0].Kind)
	assert.Equal(t, "k2", events[1].Kind)
}

func TestReadRecentLimitKeepsTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		ev := Event{TS: now.Add(-time.Duration(5-i) * time.Minute).Format(time.RFC3339),
			Actor: "a", Kind: "k", Status: "ok",
			Payload: map[string]any{"n": float64(i)}}
		require.NoError(t, Append(path, ev))
	}

	events, _, err := ReadRecentAt(path, time.Hour, 2, now)
	require.NoError(t, err)
	require.Len(t, events, 2)

	n, _ := events[0].Float("n")
	assert.Equal(t, 3.0, n)
	n, _ = events[1].Float("n")
	assert.Equal(t, 4.0, n)
}

func TestReadRecentMissingFile(t *testing.T) {
	events, skipped, err := ReadRecent(filepath.Join(t.TempDir(), "absent.jsonl"), time.Hour, 10)
	require.NoError(t, err)
	assert.Zero(t, skipped)
	assert.Empty(t, events)
}

func TestDedupe(t *testing.T) {
	a := Event{TS: "2026-08-25T10:00:00Z", Actor: "a", Kind: "k", Status: "ok", Payload: map[string]any{}}
	b := Event{TS: "2026-08-25T10:01:00Z", Actor: "a", Kind: "k", Status: "ok", Payload: map[string]any{}}

	out := Dedupe([]Event{a, b, a, b, a})
	require.Len(t, out, 2)
	assert.Equal(t, "2026-08-25T10:00:00Z", out[0].TS)
	assert.Equal(t, "2026-08-25T10:01:00Z", out[1].TS)
}
