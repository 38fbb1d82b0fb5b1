package reflection

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosebud/internal/audit"
	"rosebud/internal/emobank"
	"rosebud/internal/event"
)

func newBank(t *testing.T) *emobank.Bank {
	t.Helper()
	b, err := emobank.New(t.TempDir(), emobank.DefaultPolicy(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

type fixture struct {
	reflector *Reflector
	eventsLog string
	logsDir   string
	bank      *emobank.Bank
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	bank := newBank(t)
	eventsLog := filepath.Join(t.TempDir(), "events.jsonl")
	logsDir := t.TempDir()

	r, err := New(Options{
		Persona:   "ward",
		EventsLog: eventsLog,
		LogsDir:   logsDir,
		Bank:      bank,
	}, nil)
	require.NoError(t, err)

	return fixture{reflector: r, eventsLog: eventsLog, logsDir: logsDir, bank: bank}
}

func appendEvent(t *testing.T, path, kind, status string, payload map[string]any) {
	t.Helper()
	ev := event.Event{
		TS:      time.Now().UTC().Add(-time.Minute).Truncate(time.Second).Format(time.RFC3339),
		Actor:   "robin-a",
		Kind:    kind,
		Status:  status,
		Payload: payload,
	}
	require.NoError(t, event.Append(path, ev))
}

func readReflections(t *testing.T, logsDir string) []audit.Reflection {
	t.Helper()
	f, err := os.Open(filepath.Join(logsDir, audit.ReflectionsFile))
	require.NoError(t, err)
	defer f.Close()

	var out []audit.Reflection
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec audit.Reflection
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestNewRequiresBank(t *testing.T) {
	_, err := New(Options{}, nil)
	require.Error(t, err)
}

func TestRunLateToastCue(t *testing.T) {
	fx := newFixture(t)
	appendEvent(t, fx.eventsLog, "reminder.set", "ok", map[string]any{"task": "standup"})
	appendEvent(t, fx.eventsLog, "reminder.toast", "delay", map[string]any{"delayed_by_sec": 180.0})

	rec, err := fx.reflector.Run(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "I mixed local and UTC times for reminders causing late toasts.", rec.Diagnosis)
	assert.Equal(t, "Convert to UTC and wait for receipts before showing toasts.", rec.Cue)
	assert.Equal(t, "I processed 2 events; avg reminder lag ~180s.", rec.Summary)
	assert.Equal(t, "ward", rec.Persona)
	assert.Equal(t, 0.7, rec.Confidence)
	assert.NotEmpty(t, rec.ID)

	_, err = time.Parse(time.RFC3339, rec.TS)
	assert.NoError(t, err)
}

func TestRunElevatedAverageCue(t *testing.T) {
	fx := newFixture(t)
	appendEvent(t, fx.eventsLog, "reminder.toast", "ok", map[string]any{"delayed_by_sec": 90.0})
	appendEvent(t, fx.eventsLog, "reminder.toast", "delay", map[string]any{"delayed_by_sec": 70.0})

	rec, err := fx.reflector.Run(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "Reminder latency is elevated; UTC and receipt gating should be enforced.", rec.Diagnosis)
	assert.Equal(t, "Gate toasts on receipts; log receipt_lag_ms.", rec.Cue)
	assert.Equal(t, "I processed 2 events; avg reminder lag ~80s.", rec.Summary)
}

func TestRunQuietDayCue(t *testing.T) {
	fx := newFixture(t)
	appendEvent(t, fx.eventsLog, "reminder.set", "ok", map[string]any{"task": "water plants"})

	rec, err := fx.reflector.Run(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "Reminder reliability acceptable; keep monitoring.", rec.Diagnosis)
	assert.Equal(t, "Keep logging lag_ms and verify receipt gating.", rec.Cue)
	assert.Equal(t, "I processed 1 events; avg reminder lag ~0s.", rec.Summary)
}

func TestRunOkToastStillCountsLag(t *testing.T) {
	fx := newFixture(t)
	appendEvent(t, fx.eventsLog, "reminder.toast", "ok", map[string]any{"delayed_by_sec": 130.0})

	rec, err := fx.reflector.Run(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "I mixed local and UTC times for reminders causing late toasts.", rec.Diagnosis)
}

func TestRunIgnoresUnsettledToast(t *testing.T) {
	fx := newFixture(t)
	appendEvent(t, fx.eventsLog, "reminder.toast", "fail", map[string]any{"delayed_by_sec": 999.0})

	rec, err := fx.reflector.Run(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "Reminder reliability acceptable; keep monitoring.", rec.Diagnosis)
	assert.Equal(t, "I processed 1 events; avg reminder lag ~0s.", rec.Summary)
}

func TestRunDedupesRepeatedLines(t *testing.T) {
	fx := newFixture(t)
	ts := time.Now().UTC().Add(-time.Hour).Truncate(time.Second).Format(time.RFC3339)
	ev := event.Event{TS: ts, Actor: "robin-a", Kind: "reminder.set", Status: "ok", Payload: map[string]any{"task": "standup"}}
	require.NoError(t, event.Append(fx.eventsLog, ev))
	require.NoError(t, event.Append(fx.eventsLog, ev))

	rec, err := fx.reflector.Run(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "I processed 1 events; avg reminder lag ~0s.", rec.Summary)
}

func TestRunMissingLogIsQuietDay(t *testing.T) {
	fx := newFixture(t)

	rec, err := fx.reflector.Run(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "I processed 0 events; avg reminder lag ~0s.", rec.Summary)
	assert.Equal(t, "Reminder reliability acceptable; keep monitoring.", rec.Diagnosis)

	recs := readReflections(t, fx.logsDir)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ID, recs[0].ID)
}

func TestRunAppendsReflectionRecord(t *testing.T) {
	fx := newFixture(t)
	appendEvent(t, fx.eventsLog, "reminder.toast", "delay", map[string]any{"delayed_by_sec": 200.0})

	first, err := fx.reflector.Run(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	second, err := fx.reflector.Run(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	recs := readReflections(t, fx.logsDir)
	require.Len(t, recs, 2)
	assert.Equal(t, first.Diagnosis, recs[0].Diagnosis)
	assert.Contains(t, recs[0].DominantEmotions, "anxiety")
}

func TestRunDepositsIntoLedger(t *testing.T) {
	fx := newFixture(t)
	appendEvent(t, fx.eventsLog, "reminder.toast", "delay", map[string]any{"delayed_by_sec": 240.0})

	_, err := fx.reflector.Run(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	entries, err := fx.bank.RecallRecent(10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "reminder.toast:delay", entries[0].Cause)
	assert.Equal(t, "anxiety", entries[0].Emotion)
}

func TestRunCancelledContext(t *testing.T) {
	fx := newFixture(t)
	appendEvent(t, fx.eventsLog, "reminder.set", "ok", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fx.reflector.Run(ctx, 24*time.Hour)
	require.ErrorIs(t, err, context.Canceled)
}
