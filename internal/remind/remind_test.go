package remind

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"rosebud/internal/event"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestService(t *testing.T, opts Options) (*Service, string) {
	t.Helper()
	logPath := filepath.Join(t.TempDir(), "events.jsonl")
	opts.EventsLog = logPath
	svc := New(opts, nil)
	t.Cleanup(svc.Close)
	return svc, logPath
}

func readEvents(t *testing.T, path string) []event.Event {
	t.Helper()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)

	var out []event.Event
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var ev event.Event
		require.NoError(t, json.Unmarshal([]byte(line), &ev))
		out = append(out, ev)
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func postJSON(t *testing.T, c *http.Client, url, body string) *http.Response {
	t.Helper()
	res, err := c.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return res
}

func decodeBody(t *testing.T, res *http.Response, into any) {
	t.Helper()
	defer res.Body.Close()
	require.NoError(t, json.NewDecoder(res.Body).Decode(into))
}

func bodyString(t *testing.T, res *http.Response) string {
	t.Helper()
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return string(data)
}

func TestScheduleToastReceiptChain(t *testing.T) {
	svc, logPath := newTestService(t, Options{})
	ts := httptest.NewServer(svc.Router())
	t.Cleanup(ts.Close)
	c := ts.Client()

	when := time.Now().Add(100 * time.Millisecond).UTC().Format(time.RFC3339Nano)
	res := postJSON(t, c, ts.URL+"/reminder", `{"when": "`+when+`", "task": "review notebook"}`)
	require.Equal(t, http.StatusOK, res.StatusCode)

	var sched scheduleResponse
	decodeBody(t, res, &sched)
	require.NotEmpty(t, sched.ID)
	assert.Contains(t, sched.Message, "Reminder scheduled for ")
	assert.Contains(t, sched.Message, "- task: review notebook")

	waitFor(t, "toast event", func() bool {
		return len(readEvents(t, logPath)) >= 2
	})

	res = postJSON(t, c, ts.URL+"/receipt/"+sched.ID, "")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var receipt map[string]any
	decodeBody(t, res, &receipt)
	assert.Equal(t, StatusReceived, receipt["status"])
	assert.GreaterOrEqual(t, receipt["receipt_lag_ms"].(float64), 0.0)

	evs := readEvents(t, logPath)
	require.Len(t, evs, 3)
	assert.Equal(t, "reminder.schedule", evs[0].Kind)
	assert.Equal(t, "ok", evs[0].Status)
	assert.Equal(t, "ward", evs[0].Actor)

	assert.Equal(t, "reminder.toast", evs[1].Kind)
	assert.Equal(t, "ok", evs[1].Status)
	lag, ok := evs[1].DelayedBy()
	require.True(t, ok)
	assert.Less(t, lag, 5.0)

	assert.Equal(t, "reminder.receipt", evs[2].Kind)
	assert.Equal(t, "delivered", evs[2].Status)
	_, ok = evs[2].Float("receipt_lag_ms")
	assert.True(t, ok)

	res, err := c.Get(ts.URL + "/reminders")
	require.NoError(t, err)
	var rems []Reminder
	decodeBody(t, res, &rems)
	require.Len(t, rems, 1)
	assert.Equal(t, StatusReceived, rems[0].Status)
	assert.NotNil(t, rems[0].ToastedAt)
	assert.NotNil(t, rems[0].ReceivedAt)
}

func TestNaiveWhenParsedInServerLocalZone(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	svc, logPath := newTestService(t, Options{Location: loc})

	// A naive stamp meaning two hours ago in the server's zone.
	when := time.Now().In(loc).Add(-2 * time.Hour).Format("2006-01-02T15:04:05")
	rem, err := svc.Schedule(when, "timezone check")
	require.NoError(t, err)
	assert.True(t, rem.ScheduledAt.Before(time.Now()))

	waitFor(t, "toast event", func() bool {
		return len(readEvents(t, logPath)) >= 2
	})

	evs := readEvents(t, logPath)
	assert.Equal(t, "reminder.schedule", evs[0].Kind)
	assert.Equal(t, "ok", evs[0].Status)

	assert.Equal(t, "reminder.toast", evs[1].Kind)
	assert.Equal(t, "delay", evs[1].Status)
	lag, ok := evs[1].DelayedBy()
	require.True(t, ok)
	assert.Greater(t, lag, 7100.0)
}

func TestUnparseableWhenLandsTwoMinutesOut(t *testing.T) {
	svc, logPath := newTestService(t, Options{})

	rem, err := svc.Schedule("next tuesday", "vague plans")
	require.NoError(t, err)

	until := time.Until(rem.ScheduledAt)
	assert.Greater(t, until, time.Minute)
	assert.LessOrEqual(t, until, 2*time.Minute)

	evs := readEvents(t, logPath)
	require.Len(t, evs, 1)
	assert.Equal(t, "reminder.schedule", evs[0].Kind)
	assert.Equal(t, "delay", evs[0].Status)
	raw, _ := evs[0].String("when")
	assert.Equal(t, "next tuesday", raw)

	rems := svc.List()
	require.Len(t, rems, 1)
	assert.Equal(t, StatusScheduled, rems[0].Status)
}

func TestScheduleDefaultsTask(t *testing.T) {
	svc, _ := newTestService(t, Options{})

	rem, err := svc.Schedule("", "")
	require.NoError(t, err)
	assert.Equal(t, "unspecified task", rem.Task)
}

func TestScheduleRejectsInvalidBody(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ts := httptest.NewServer(svc.Router())
	t.Cleanup(ts.Close)

	res := postJSON(t, ts.Client(), ts.URL+"/reminder", "{not json")
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	var body map[string]string
	decodeBody(t, res, &body)
	assert.Equal(t, "invalid JSON body", body["error"])
}

func TestReceiptErrors(t *testing.T) {
	svc, _ := newTestService(t, Options{})
	ts := httptest.NewServer(svc.Router())
	t.Cleanup(ts.Close)
	c := ts.Client()

	res := postJSON(t, c, ts.URL+"/receipt/no-such-id", "")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res.Body.Close()

	// Toast an hour out, then claim the receipt early.
	when := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	rem, err := svc.Schedule(when, "too early")
	require.NoError(t, err)

	res = postJSON(t, c, ts.URL+"/receipt/"+rem.ID, "")
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	var body map[string]string
	decodeBody(t, res, &body)
	assert.Equal(t, "reminder not yet toasted", body["error"])
}

func TestHealthzAndMetrics(t *testing.T) {
	svc, logPath := newTestService(t, Options{})
	ts := httptest.NewServer(svc.Router())
	t.Cleanup(ts.Close)
	c := ts.Client()

	res, err := c.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var health map[string]string
	decodeBody(t, res, &health)
	assert.Equal(t, "ok", health["status"])

	// A reminder ten seconds overdue toasts immediately with status delay.
	when := time.Now().Add(-10 * time.Second).UTC().Format(time.RFC3339)
	_, err = svc.Schedule(when, "overdue")
	require.NoError(t, err)
	waitFor(t, "toast event", func() bool {
		return len(readEvents(t, logPath)) >= 2
	})

	res, err = c.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	metrics := bodyString(t, res)
	assert.Contains(t, metrics, "remindd_reminders_scheduled_total 1")
	assert.Contains(t, metrics, `remindd_toasts_total{status="delay"} 1`)
	assert.Contains(t, metrics, "remindd_toast_lag_seconds_count 1")
	assert.Contains(t, metrics, "remindd_http_request_duration_seconds")
}

func TestCloseDrainsPendingTimers(t *testing.T) {
	svc, logPath := newTestService(t, Options{})

	when := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	_, err := svc.Schedule(when, "never fires")
	require.NoError(t, err)

	svc.Close()
	svc.Close()

	// Only the schedule event; the toast was drained, not fired.
	evs := readEvents(t, logPath)
	require.Len(t, evs, 1)
	assert.Equal(t, "reminder.schedule", evs[0].Kind)

	_, err = svc.Schedule("", "after close")
	require.ErrorContains(t, err, "service closed")
}

func TestServeStopsOnContextCancel(t *testing.T) {
	svc, _ := newTestService(t, Options{Addr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}
