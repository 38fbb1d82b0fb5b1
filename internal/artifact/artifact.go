// Package artifact persists timestamped proposal files under the
// output directory. Stamps are second-precision UTC and unique within
// a process, so two artifacts emitted in the same second never share
// a name.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// StampLayout is the artifact name stamp: compact UTC to the second.
const StampLayout = "20060102T150405Z"

// ProposalsDir is the artifact directory under the output directory.
const ProposalsDir = "proposals"

// Stamper yields unique artifact stamps. When the clock has not moved
// since the last stamp, the next stamp is bumped one second forward.
type Stamper struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

// NewStamper builds a stamper; a nil clock uses time.Now.
func NewStamper(now func() time.Time) *Stamper {
	if now == nil {
		now = time.Now
	}
	return &Stamper{now: now}
}

// Next returns the next unique stamp.
func (s *Stamper) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.now().UTC().Truncate(time.Second)
	if !s.last.IsZero() && !t.After(s.last) {
		t = s.last.Add(time.Second)
	}
	s.last = t
	return t.Format(StampLayout)
}

// Writer writes artifacts into one directory, creating it on first
// use. Writes are atomic so collaborators never read a half-written
// proposal.
type Writer struct {
	dir     string
	stamper *Stamper
}

// NewWriter builds a writer rooted at dir.
func NewWriter(dir string, stamper *Stamper) *Writer {
	if stamper == nil {
		stamper = NewStamper(nil)
	}
	return &Writer{dir: dir, stamper: stamper}
}

// Dir returns the artifact directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Stamp returns the next unique stamp for a set of artifacts.
func (w *Writer) Stamp() string {
	return w.stamper.Next()
}

// Write persists one artifact and returns its path.
func (w *Writer) Write(name, content string) (string, error) {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}
	path := filepath.Join(w.dir, name)
	if err := renameio.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact %s: %w", name, err)
	}
	return path, nil
}
