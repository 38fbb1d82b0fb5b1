// Package emobank is the affective ledger: an append-only JSONL stream
// of emotion entries plus a cached mood snapshot and a small episodic
// index. Raw entries are never rewritten; decay is virtual at read time.
package emobank

import (
	"bufio"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	emotionsFile = "emotions.jsonl"
	stateFile    = "state.json"
	indexFile    = "index.db"
)

// Entry is one ledger line.
type Entry struct {
	ID         string  `json:"id"`
	TS         string  `json:"ts"`
	Emotion    string  `json:"emotion"`
	Intensity  float64 `json:"intensity"`
	Valence    float64 `json:"valence"`
	Cause      string  `json:"cause"`
	Confidence float64 `json:"confidence"`
	Summary    string  `json:"appraisal_summary,omitempty"`
	Episode    string  `json:"episode,omitempty"`
	Amend      bool    `json:"_amend,omitempty"`
	Shadow     bool    `json:"_shadow,omitempty"`
}

// MoodSnapshot is the interpreted emotional state over a window.
type MoodSnapshot struct {
	Mood             string   `json:"mood"`
	DominantEmotions []string `json:"dominant_emotions"`
	Energy           float64  `json:"energy"`
	Stress           float64  `json:"stress"`
	Motivation       float64  `json:"motivation"`
	Focus            float64  `json:"focus"`
	WindowHours      float64  `json:"window_hours"`
	Updated          string   `json:"updated"`
}

// Policy tunes the contextual deposit rules.
type Policy struct {
	NoiseFloor     float64       // skip deposits weaker than this unless the valence sign flips
	CoalesceWindow time.Duration // merge repeats of the same emotion+cause
	ReboundWindow  time.Duration // negative-to-positive rebound shadow window
	HalfLife       time.Duration // virtual decay half-life
}

// DefaultPolicy mirrors the tuned production values.
func DefaultPolicy() Policy {
	return Policy{
		NoiseFloor:     0.25,
		CoalesceWindow: 5 * time.Minute,
		ReboundWindow:  10 * time.Minute,
		HalfLife:       12 * time.Hour,
	}
}

// Bank owns the ledger directory.
type Bank struct {
	mu     sync.Mutex
	dir    string
	policy Policy
	index  *Index
	logger *zap.Logger
	count  int64 // cached ledger line count; -1 until first scan
	now    func() time.Time
}

// New opens (or creates) the ledger rooted at dir. The episodic index
// is derived state: a damaged file is dropped and replayed from the
// ledger, and an index that fell behind the ledger catches up here.
func New(dir string, policy Policy, logger *zap.Logger) (*Bank, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create emobank directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.HalfLife <= 0 {
		policy.HalfLife = DefaultPolicy().HalfLife
	}

	indexPath := filepath.Join(dir, indexFile)
	index, err := NewIndex(indexPath)
	if err != nil {
		logger.Warn("episodic index unusable, recreating", zap.Error(err))
		removeIndexFiles(indexPath)
		index, err = NewIndex(indexPath)
		if err != nil {
			return nil, err
		}
	}

	b := &Bank{
		dir:    dir,
		policy: policy,
		index:  index,
		logger: logger,
		count:  -1,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if err := b.syncIndex(); err != nil {
		logger.Warn("episodic index replay failed", zap.Error(err))
	}
	return b, nil
}

func removeIndexFiles(path string) {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		os.Remove(p)
	}
}

// syncIndex replays the ledger when the index has fewer entries than
// the ledger holds, which covers both a recreated file and one wiped
// out from under a previous run.
func (b *Bank) syncIndex() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var entries []Entry
	if err := b.iterate(func(e Entry) { entries = append(entries, e) }); err != nil {
		return err
	}
	indexed, err := b.index.Entries()
	if err != nil {
		return err
	}
	if indexed >= int64(len(entries)) {
		return nil
	}
	b.logger.Info("episodic index behind ledger, replaying",
		zap.Int64("indexed", indexed),
		zap.Int("ledger", len(entries)))
	return b.index.Rebuild(entries)
}

// Close releases the episodic index.
func (b *Bank) Close() error {
	return b.index.Close()
}

// EpisodeID derives the stable episode key for a cause string.
func EpisodeID(cause string) string {
	sum := sha1.Sum([]byte(cause))
	return hex.EncodeToString(sum[:])[:12]
}

func nowISO(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func parseISO(ts string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02T15:04:05", ts, time.UTC)
}

// applyDefaults fills the fields a bare entry may omit. A zero
// intensity stays zero; the deposit policy treats it as noise.
func (b *Bank) applyDefaults(e *Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TS == "" {
		e.TS = nowISO(b.now())
	}
	if e.Emotion == "" {
		e.Emotion = "curiosity"
	}
	if e.Confidence == 0 {
		e.Confidence = 0.7
	}
}

// Deposit appends one entry unconditionally and returns its line id.
func (b *Bank) Deposit(e Entry) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.applyDefaults(&e)
	e.Episode = EpisodeID(e.Cause)
	return b.append(e)
}

// DepositWithPolicy applies the contextual update policy:
//   - skip noise below the floor unless the valence sign flips
//   - coalesce repeats of the same emotion+cause inside the window
//     into an amendment of the previous entry
//   - follow a quick negative-to-positive swing with a small
//     determination shadow
//
// The returned bool is false when the deposit was skipped or coalesced.
func (b *Bank) DepositWithPolicy(e Entry, weight float64) (int64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.applyDefaults(&e)
	e.Intensity = clamp(e.Intensity*weight, 0, 1)

	prev, err := b.lastEntry()
	if err != nil {
		return 0, false, err
	}

	flip := false
	if prev != nil {
		flip = (prev.Valence >= 0 && e.Valence < 0) || (prev.Valence <= 0 && e.Valence > 0)
	}

	// 1) Skip tiny noise unless the sign flipped
	if e.Intensity < b.policy.NoiseFloor && !flip {
		return 0, false, nil
	}

	// 2) Coalesce a repeat of the previous emotion+cause
	if prev != nil && prev.Emotion == e.Emotion && prev.Cause == e.Cause {
		if prevT, perr := parseISO(prev.TS); perr == nil {
			if b.now().Sub(prevT) <= b.policy.CoalesceWindow {
				// The amend keeps the id of the entry it supersedes.
				boosted := *prev
				boosted.Intensity = clamp(prev.Intensity+e.Intensity*0.5, 0, 1)
				boosted.TS = nowISO(b.now())
				boosted.Cause = e.Cause
				boosted.Episode = EpisodeID(boosted.Cause)
				boosted.Amend = true
				if _, err := b.append(boosted); err != nil {
					return 0, false, err
				}
				return 0, false, nil
			}
		}
	}

	// 3) Main deposit
	e.Episode = EpisodeID(e.Cause)
	id, err := b.append(e)
	if err != nil {
		return 0, false, err
	}

	// 4) Rebound shadow on a quick negative-to-positive swing
	if prev != nil && prev.Valence < 0 && e.Valence > 0 {
		if prevT, perr := parseISO(prev.TS); perr == nil {
			if b.now().Sub(prevT) <= b.policy.ReboundWindow {
				shadow := Entry{
					ID:         uuid.NewString(),
					TS:         nowISO(b.now()),
					Emotion:    "determination",
					Intensity:  clamp(0.3+e.Intensity*0.2, 0, 1),
					Valence:    0.4,
					Cause:      e.Cause,
					Confidence: 0.6,
					Episode:    EpisodeID(e.Cause),
					Shadow:     true,
				}
				if _, err := b.append(shadow); err != nil {
					return 0, false, err
				}
			}
		}
	}

	return id, true, nil
}

// append writes one line and updates the episodic index.
func (b *Bank) append(e Entry) (int64, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal ledger entry: %w", err)
	}

	path := filepath.Join(b.dir, emotionsFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return 0, fmt.Errorf("failed to append ledger entry: %w", err)
	}

	if b.count < 0 {
		b.count = b.countLines()
	} else {
		b.count++
	}

	if err := b.index.Record(e); err != nil {
		// The index is derived state; the ledger line already landed.
		b.logger.Warn("episodic index update failed", zap.Error(err))
	}
	return b.count, nil
}

func (b *Bank) countLines() int64 {
	f, err := os.Open(filepath.Join(b.dir, emotionsFile))
	if err != nil {
		return 0
	}
	defer f.Close()

	var n int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) != "" {
			n++
		}
	}
	return n
}

// iterate walks every valid ledger line in order.
func (b *Bank) iterate(fn func(Entry)) error {
	f, err := os.Open(filepath.Join(b.dir, emotionsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		fn(e)
	}
	return sc.Err()
}

// lastEntry returns the most recent ledger line, or nil on an empty ledger.
func (b *Bank) lastEntry() (*Entry, error) {
	var last *Entry
	err := b.iterate(func(e Entry) {
		entry := e
		last = &entry
	})
	return last, err
}

// LastEntry returns the most recent ledger line, or nil on an empty ledger.
func (b *Bank) LastEntry() (*Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastEntry()
}

// RecallRecent returns the last n raw entries in chronological order.
func (b *Bank) RecallRecent(n int) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var buf []Entry
	if err := b.iterate(func(e Entry) { buf = append(buf, e) }); err != nil {
		return nil, err
	}
	if n > 0 && len(buf) > n {
		buf = buf[len(buf)-n:]
	}
	return buf, nil
}

// RecallEpisode returns up to limit entries belonging to the episode
// for this cause, oldest first.
func (b *Bank) RecallEpisode(cause string, limit int) ([]Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ep := EpisodeID(cause)
	var out []Entry
	if err := b.iterate(func(e Entry) {
		if e.Episode == ep {
			out = append(out, e)
		}
	}); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// Episodes lists episodic index stats, most recently touched first.
func (b *Bank) Episodes(limit int) ([]EpisodeStat, error) {
	return b.index.Episodes(limit)
}

// LastEmotion returns the episode counters for a cause, or nil when
// the cause has never been deposited.
func (b *Bank) LastEmotion(cause string) (*EpisodeStat, error) {
	return b.index.Get(EpisodeID(cause))
}

// Reindex rebuilds the episodic index from the ledger.
func (b *Bank) Reindex() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var entries []Entry
	if err := b.iterate(func(e Entry) { entries = append(entries, e) }); err != nil {
		return err
	}
	return b.index.Rebuild(entries)
}

// Summarize folds the window's entries into a mood snapshot using
// virtual half-life decay, caches it to state.json, and returns it.
func (b *Bank) Summarize(window time.Duration) (MoodSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	since := now.Add(-window)
	halfLifeHours := b.policy.HalfLife.Hours()

	type item struct {
		emotion string
		decayed float64
	}
	var items []item

	err := b.iterate(func(e Entry) {
		if e.TS == "" {
			return
		}
		t, perr := parseISO(e.TS)
		if perr != nil || t.Before(since) {
			return
		}
		ageHours := now.Sub(t).Hours()
		decayed := e.Intensity * math.Pow(0.5, ageHours/halfLifeHours)
		items = append(items, item{e.Emotion, clamp(decayed, 0, 1)})
	})
	if err != nil {
		return MoodSnapshot{}, err
	}

	if len(items) == 0 {
		snap := MoodSnapshot{
			Mood:             "calm",
			DominantEmotions: []string{},
			Energy:           0.2,
			Stress:           0.1,
			Motivation:       0.5,
			Focus:            0.5,
			WindowHours:      window.Hours(),
			Updated:          nowISO(now),
		}
		return snap, b.writeState(snap)
	}

	totals := make(map[string]float64)
	for _, it := range items {
		totals[it.emotion] += it.decayed
	}

	type ranked struct {
		emotion string
		total   float64
	}
	order := make([]ranked, 0, len(totals))
	for emo, total := range totals {
		order = append(order, ranked{emo, total})
	}
	sort.Slice(order, func(i, j int) bool {
		if order[i].total != order[j].total {
			return order[i].total > order[j].total
		}
		return order[i].emotion < order[j].emotion
	})
	if len(order) > 3 {
		order = order[:3]
	}
	dom := make([]string, len(order))
	for i, r := range order {
		dom[i] = r.emotion
	}

	n := float64(len(items))
	var energySum, stressSum, motivationSum, focusSum float64
	for _, it := range items {
		energySum += it.decayed * 0.6
		switch it.emotion {
		case "frustration", "anxiety":
			stressSum += it.decayed
		}
		switch it.emotion {
		case "pride", "curiosity", "determination":
			motivationSum += it.decayed
		}
		switch it.emotion {
		case "curiosity", "calm":
			focusSum += it.decayed
		}
	}

	snap := MoodSnapshot{
		Mood:             dom[0],
		DominantEmotions: dom,
		Energy:           clamp(energySum/n, 0, 1),
		Stress:           clamp(stressSum/n, 0, 1),
		Motivation:       clamp(motivationSum/n, 0, 1),
		Focus:            clamp(focusSum/n, 0, 1),
		WindowHours:      window.Hours(),
		Updated:          nowISO(now),
	}
	return snap, b.writeState(snap)
}

// LoadState reads the cached mood snapshot. A missing cache reads as
// the calm default.
func (b *Bank) LoadState() (MoodSnapshot, error) {
	data, err := os.ReadFile(filepath.Join(b.dir, stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return MoodSnapshot{Mood: "calm", DominantEmotions: []string{}, Energy: 0.2, Stress: 0.1, Motivation: 0.5, Focus: 0.5}, nil
		}
		return MoodSnapshot{}, fmt.Errorf("failed to read mood state: %w", err)
	}
	var snap MoodSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return MoodSnapshot{}, fmt.Errorf("failed to parse mood state: %w", err)
	}
	return snap, nil
}

func (b *Bank) writeState(snap MoodSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal mood state: %w", err)
	}
	if err := renameio.WriteFile(filepath.Join(b.dir, stateFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write mood state: %w", err)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
