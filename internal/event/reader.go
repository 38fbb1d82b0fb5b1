package event

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// maxLineBytes bounds a single log line. Payloads are small JSON maps;
// anything past this is a corrupt line, not data.
const maxLineBytes = 1 << 20

// ReadRecent returns events within the window ending now, in file
// order, keeping at most limit entries from the tail. Malformed lines
// are skipped and counted; a missing log reads as empty.
func ReadRecent(path string, window time.Duration, limit int) ([]Event, int, error) {
	return ReadRecentAt(path, window, limit, time.Now().UTC())
}

// ReadRecentAt is ReadRecent with an explicit reference time.
func ReadRecentAt(path string, window time.Duration, limit int, now time.Time) ([]Event, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open events log: %w", err)
	}
	defer f.Close()

	since := now.Add(-window)

	var out []Event
	skipped := 0

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			skipped++
			continue
		}

		t, err := ev.Time()
		if err != nil {
			skipped++
			continue
		}
		if t.Before(since) {
			continue
		}

		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, skipped, fmt.Errorf("failed to scan events log: %w", err)
	}

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, skipped, nil
}

// Dedupe drops events whose hash was already seen, preserving order.
func Dedupe(events []Event) []Event {
	seen := make(map[string]struct{}, len(events))
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		h := ev.Hash()
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, ev)
	}
	return out
}
