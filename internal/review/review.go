// Package review scans the ward repository for reliability hotspots.
// It is a shallow triage pass: a handful of regex rules flag files
// worth a closer look, and each finding carries a one-line preview so
// downstream strategies can rank targets without re-reading the tree.
package review

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Finding is one hotspot hit in a scanned file.
type Finding struct {
	Path    string `json:"path"`
	Hint    string `json:"hint"`
	Preview string `json:"preview"`
}

// hotspotRule pairs a pattern with triage advice. Rules apply in order
// and each contributes at most one finding per file.
type hotspotRule struct {
	pattern *regexp.Regexp
	hint    string
}

var hotspotRules = []hotspotRule{
	{
		pattern: regexp.MustCompile(`\btime\.Now\(\)|\btime\.Local\b|\bParseInLocation\(`),
		hint:    "Time handling present; verify timezone awareness.",
	},
	{
		pattern: regexp.MustCompile(`\bscheduleAt\(|\benqueueAt\(`),
		hint:    "Scheduling path; consider UTC + receipt gating + jitter.",
	},
	{
		pattern: regexp.MustCompile(`\breceipts?\b|scheduled_utc`),
		hint:    "Toast reliability signals present; ensure gating by receipt.",
	},
	{
		pattern: regexp.MustCompile(`BEGIN_ADAPTIVE_SECTION`),
		hint:    "Prompt adaptive block found; safe to update.",
	},
	{
		pattern: regexp.MustCompile(`\brecover\(\)|\bDeadlineExceeded\b`),
		hint:    "Error recovery present; consider bounded retry/backoff.",
	},
}

// previewLimit bounds the preview line length in runes.
const previewLimit = 160

// Scanner walks glob-selected files under a root and applies the
// hotspot rules to each.
type Scanner struct {
	globs   []string
	workers int
	logger  *zap.Logger
}

// NewScanner builds a scanner. Empty globs default to every Go file
// under the root; workers <= 0 defaults to 8.
func NewScanner(globs []string, workers int, logger *zap.Logger) *Scanner {
	if len(globs) == 0 {
		globs = []string{"**/*.go"}
	}
	if workers <= 0 {
		workers = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{globs: globs, workers: workers, logger: logger}
}

// Scan reads every file under root matching the configured globs and
// returns the hotspot findings, deduped by (path, hint) and sorted by
// path then hint. Unreadable files are skipped.
func (s *Scanner) Scan(ctx context.Context, root string) ([]Finding, error) {
	files, err := s.collect(root)
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	s.logger.Debug("review scan starting",
		zap.String("root", root),
		zap.Int("files", len(files)))

	var (
		mu       sync.Mutex
		findings []Finding
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(s.workers)

	for _, file := range files {
		eg.Go(func() error {
			select {
			case <-egCtx.Done():
				return egCtx.Err()
			default:
			}
			hits := inspect(file)
			if len(hits) == 0 {
				return nil
			}
			mu.Lock()
			findings = append(findings, hits...)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(findings))
	out := findings[:0]
	for _, f := range findings {
		key := f.Path + "\x00" + f.Hint
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, f)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Hint < out[j].Hint
	})

	s.logger.Debug("review scan finished", zap.Int("findings", len(out)))
	return out, nil
}

// collect walks root once and returns the files matching any glob, in
// walk order with duplicates removed. Hidden files and directories are
// skipped. A missing root yields an empty list.
func (s *Scanner) collect(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil || rel == "." {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		for _, g := range s.globs {
			if matchGlob(g, rel) {
				files = append(files, p)
				break
			}
		}
		return nil
	})
	return files, err
}

// inspect applies every hotspot rule to one file. The preview is the
// first matching line, trimmed and clipped.
func inspect(file string) []Finding {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil
	}
	text := string(data)

	var hits []Finding
	for _, rule := range hotspotRules {
		if !rule.pattern.MatchString(text) {
			continue
		}
		hits = append(hits, Finding{
			Path:    file,
			Hint:    rule.hint,
			Preview: firstMatchingLine(text, rule.pattern),
		})
	}
	return hits
}

func firstMatchingLine(text string, re *regexp.Regexp) string {
	for i, line := range strings.Split(text, "\n") {
		if re.MatchString(line) {
			return fmt.Sprintf("L%d: %s", i+1, clip(strings.TrimSpace(line), previewLimit))
		}
	}
	return ""
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// matchGlob matches a slash-separated glob against a relative path.
// A "**" segment spans zero or more path segments; other segments use
// path.Match semantics.
func matchGlob(pattern, rel string) bool {
	return matchSegments(strings.Split(pattern, "/"), strings.Split(filepath.ToSlash(rel), "/"))
}

func matchSegments(pat, parts []string) bool {
	for len(pat) > 0 {
		if pat[0] == "**" {
			for i := 0; i <= len(parts); i++ {
				if matchSegments(pat[1:], parts[i:]) {
					return true
				}
			}
			return false
		}
		if len(parts) == 0 {
			return false
		}
		ok, err := path.Match(pat[0], parts[0])
		if err != nil || !ok {
			return false
		}
		pat = pat[1:]
		parts = parts[1:]
	}
	return len(parts) == 0
}
