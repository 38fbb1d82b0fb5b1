package emobank

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBank(t *testing.T, at time.Time) *Bank {
	t.Helper()
	b, err := New(t.TempDir(), DefaultPolicy(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	b.now = func() time.Time { return at }
	return b
}

func TestDepositDefaultsAndEpisode(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	b := newTestBank(t, now)

	id, err := b.Deposit(Entry{Cause: "reminder.toast:delay", Intensity: 0.5, Valence: -0.6, Emotion: "anxiety"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	last, err := b.LastEntry()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.NotEmpty(t, last.ID)
	assert.Equal(t, "2026-08-25T12:00:00Z", last.TS)
	assert.Equal(t, 0.7, last.Confidence)
	assert.Equal(t, EpisodeID("reminder.toast:delay"), last.Episode)

	id, err = b.Deposit(Entry{Cause: "x", Emotion: "relief", Intensity: 0.4, Valence: 0.6})
	require.NoError(t, err)
	assert.Equal(t, int64(2), id)
}

func TestPolicySkipsNoise(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	b := newTestBank(t, now)

	_, deposited, err := b.DepositWithPolicy(Entry{Emotion: "curiosity", Intensity: 0.1, Valence: 0.4, Cause: "a:b"}, 1.0)
	require.NoError(t, err)
	assert.False(t, deposited)

	entries, err := b.RecallRecent(10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPolicySignFlipBeatsNoiseFloor(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	b := newTestBank(t, now)

	_, deposited, err := b.DepositWithPolicy(Entry{Emotion: "anxiety", Intensity: 0.5, Valence: -0.6, Cause: "toast:delay"}, 1.0)
	require.NoError(t, err)
	require.True(t, deposited)

	// Weak but sign-flipping deposit is kept, and the quick swing also
	// leaves a determination shadow.
	b.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, deposited, err = b.DepositWithPolicy(Entry{Emotion: "relief", Intensity: 0.1, Valence: 0.6, Cause: "toast:ok"}, 1.0)
	require.NoError(t, err)
	assert.True(t, deposited)

	entries, err := b.RecallRecent(10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	shadow := entries[2]
	assert.True(t, shadow.Shadow)
	assert.Equal(t, "determination", shadow.Emotion)
	assert.InDelta(t, 0.32, shadow.Intensity, 1e-9) // 0.3 + 0.1*0.2
	assert.Equal(t, 0.4, shadow.Valence)
	assert.Equal(t, 0.6, shadow.Confidence)
	assert.Equal(t, "toast:ok", shadow.Cause)
}

func TestPolicyCoalescesRepeats(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	b := newTestBank(t, now)

	_, deposited, err := b.DepositWithPolicy(Entry{Emotion: "anxiety", Intensity: 0.5, Valence: -0.6, Cause: "reminder.toast:delay"}, 1.0)
	require.NoError(t, err)
	require.True(t, deposited)

	b.now = func() time.Time { return now.Add(3 * time.Minute) }
	_, deposited, err = b.DepositWithPolicy(Entry{Emotion: "anxiety", Intensity: 0.4, Valence: -0.6, Cause: "reminder.toast:delay"}, 1.0)
	require.NoError(t, err)
	assert.False(t, deposited)

	entries, err := b.RecallRecent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	amend := entries[1]
	assert.True(t, amend.Amend)
	assert.Equal(t, entries[0].ID, amend.ID)
	assert.Equal(t, "anxiety", amend.Emotion)
	assert.InDelta(t, 0.7, amend.Intensity, 1e-9) // 0.5 + 0.4*0.5
	assert.Equal(t, "2026-08-25T12:03:00Z", amend.TS)

	// Another repeat boosts the amend itself and saturates at 1.0.
	b.now = func() time.Time { return now.Add(5 * time.Minute) }
	_, deposited, err = b.DepositWithPolicy(Entry{Emotion: "anxiety", Intensity: 0.8, Valence: -0.6, Cause: "reminder.toast:delay"}, 1.0)
	require.NoError(t, err)
	assert.False(t, deposited)

	entries, err = b.RecallRecent(10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 1.0, entries[2].Intensity) // 0.7 + 0.8*0.5 clamped
}

func TestPolicyCoalesceWindowExpires(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	b := newTestBank(t, now)

	_, _, err := b.DepositWithPolicy(Entry{Emotion: "anxiety", Intensity: 0.5, Valence: -0.6, Cause: "c"}, 1.0)
	require.NoError(t, err)

	b.now = func() time.Time { return now.Add(10 * time.Minute) }
	_, deposited, err := b.DepositWithPolicy(Entry{Emotion: "anxiety", Intensity: 0.5, Valence: -0.6, Cause: "c"}, 1.0)
	require.NoError(t, err)
	assert.True(t, deposited)

	entries, err := b.RecallRecent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.False(t, entries[1].Amend)
}

func TestPolicyWeightScalesIntensity(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	b := newTestBank(t, now)

	// 0.6 scaled by 0.3 lands under the noise floor.
	_, deposited, err := b.DepositWithPolicy(Entry{Emotion: "anxiety", Intensity: 0.6, Valence: -0.6, Cause: "c"}, 0.3)
	require.NoError(t, err)
	assert.False(t, deposited)

	_, deposited, err = b.DepositWithPolicy(Entry{Emotion: "anxiety", Intensity: 0.6, Valence: -0.6, Cause: "c"}, 1.0)
	require.NoError(t, err)
	assert.True(t, deposited)
}

func TestSummarizeDecayAndChannels(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	b := newTestBank(t, now)

	// One half-life old: intensity 0.8 decays to 0.4.
	_, err := b.Deposit(Entry{TS: "2026-08-25T00:00:00Z", Emotion: "frustration", Intensity: 0.8, Valence: -0.7, Cause: "tool:fail"})
	require.NoError(t, err)
	// Fresh entry keeps its intensity.
	_, err = b.Deposit(Entry{TS: "2026-08-25T12:00:00Z", Emotion: "curiosity", Intensity: 0.6, Valence: 0.4, Cause: "note:pending"})
	require.NoError(t, err)

	snap, err := b.Summarize(48 * time.Hour)
	require.NoError(t, err)

	assert.Equal(t, "curiosity", snap.Mood)
	assert.Equal(t, []string{"curiosity", "frustration"}, snap.DominantEmotions)
	assert.InDelta(t, 0.3, snap.Energy, 1e-9)     // (0.4*0.6 + 0.6*0.6) / 2
	assert.InDelta(t, 0.2, snap.Stress, 1e-9)     // 0.4 / 2
	assert.InDelta(t, 0.3, snap.Motivation, 1e-9) // 0.6 / 2
	assert.InDelta(t, 0.3, snap.Focus, 1e-9)      // 0.6 / 2

	// The snapshot is cached.
	_, err = os.Stat(filepath.Join(b.dir, stateFile))
	require.NoError(t, err)

	cached, err := b.LoadState()
	require.NoError(t, err)
	assert.Equal(t, snap, cached)
}

func TestSummarizeWindowExcludesOldEntries(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	b := newTestBank(t, now)

	_, err := b.Deposit(Entry{TS: "2026-08-20T12:00:00Z", Emotion: "frustration", Intensity: 0.9, Valence: -0.7, Cause: "old"})
	require.NoError(t, err)

	snap, err := b.Summarize(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "calm", snap.Mood)
	assert.Empty(t, snap.DominantEmotions)
	assert.Equal(t, 0.2, snap.Energy)
	assert.Equal(t, 0.1, snap.Stress)
}

func TestSummarizeEmptyLedger(t *testing.T) {
	b := newTestBank(t, time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC))

	snap, err := b.Summarize(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "calm", snap.Mood)
	assert.Equal(t, 0.5, snap.Motivation)
	assert.Equal(t, 0.5, snap.Focus)
}

func TestRecallEpisode(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	b := newTestBank(t, now)

	for i := 0; i < 3; i++ {
		_, err := b.Deposit(Entry{Emotion: "anxiety", Intensity: 0.5, Valence: -0.6, Cause: "reminder.toast:delay"})
		require.NoError(t, err)
	}
	_, err := b.Deposit(Entry{Emotion: "relief", Intensity: 0.4, Valence: 0.6, Cause: "reminder.set:ok"})
	require.NoError(t, err)

	thread, err := b.RecallEpisode("reminder.toast:delay", 2)
	require.NoError(t, err)
	require.Len(t, thread, 2)
	for _, e := range thread {
		assert.Equal(t, "anxiety", e.Emotion)
	}

	none, err := b.RecallEpisode("never:seen", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLastEmotionByCause(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	b := newTestBank(t, now)

	_, err := b.Deposit(Entry{Emotion: "anxiety", Intensity: 0.5, Valence: -0.6, Cause: "reminder.toast:delay"})
	require.NoError(t, err)
	_, err = b.Deposit(Entry{Emotion: "relief", Intensity: 0.4, Valence: 0.6, Cause: "reminder.toast:delay"})
	require.NoError(t, err)

	stat, err := b.LastEmotion("reminder.toast:delay")
	require.NoError(t, err)
	require.NotNil(t, stat)
	assert.Equal(t, "relief", stat.LastEmotion)
	assert.Equal(t, int64(2), stat.Count)

	missing, err := b.LastEmotion("never:seen")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLedgerSurvivesMalformedLines(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	b := newTestBank(t, now)

	_, err := b.Deposit(Entry{Emotion: "relief", Intensity: 0.4, Valence: 0.6, Cause: "a:ok"})
	require.NoError(t, err)

	// Corrupt the ledger by hand; reads skip the bad line.
	f, err := os.OpenFile(filepath.Join(b.dir, emotionsFile), os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("{corrupt\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = b.Deposit(Entry{Emotion: "relief", Intensity: 0.4, Valence: 0.6, Cause: "b:ok"})
	require.NoError(t, err)

	entries, err := b.RecallRecent(10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
