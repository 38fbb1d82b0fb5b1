// Package event models the ward agent's behavioral log: an append-only
// JSONL stream of timestamped actions with free-form payloads. rosebud
// only ever reads this stream; the ward (and remindd) append to it.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Event is one line of the behavioral log.
type Event struct {
	TS      string         `json:"ts"`
	Actor   string         `json:"actor"`
	Kind    string         `json:"kind"`
	Status  string         `json:"status"`
	Payload map[string]any `json:"payload"`
}

// New builds an event stamped with the current UTC time.
func New(actor, kind, status string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		TS:      NowISO(),
		Actor:   actor,
		Kind:    kind,
		Status:  status,
		Payload: payload,
	}
}

// NowISO returns the current UTC time at second precision, RFC 3339.
func NowISO() string {
	return time.Now().UTC().Truncate(time.Second).Format(time.RFC3339)
}

// ParseTime parses an event timestamp. Offsets and the Z suffix are
// honored; a naive timestamp is taken as UTC.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
	}
	return t, nil
}

// Time parses the event's timestamp.
func (e Event) Time() (time.Time, error) {
	return ParseTime(e.TS)
}

// Hash returns a stable digest of the event for dedupe. Payload keys
// are serialized in sorted order so logically equal events collide.
func (e Event) Hash() string {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		payload = []byte("{}")
	}
	sum := sha256.Sum256([]byte(e.Actor + "|" + e.Kind + "|" + e.Status + "|" + string(payload) + "|" + e.TS))
	return hex.EncodeToString(sum[:])
}

// Float reads a numeric payload field. JSON numbers arrive as float64;
// events built in-process may carry native ints, and some ward tooling
// logs numbers as strings.
func (e Event) Float(key string) (float64, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// String reads a string payload field.
func (e Event) String(key string) (string, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// DelayedBy returns the reported toast lateness in seconds, if present.
func (e Event) DelayedBy() (float64, bool) {
	return e.Float("delayed_by_sec")
}

// Append writes the event as one JSONL line, creating the log and its
// directory if needed.
func Append(path string, ev Event) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open events log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}
