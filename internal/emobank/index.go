package emobank

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Index is the episodic index: per-episode counters kept in SQLite so
// recall can rank threads without scanning the ledger. It is derived
// state and can always be rebuilt from emotions.jsonl.
type Index struct {
	db   *sql.DB
	path string
}

// EpisodeStat is one episodic index row.
type EpisodeStat struct {
	Episode     string `json:"episode"`
	Cause       string `json:"cause"`
	Count       int64  `json:"count"`
	LastTS      string `json:"last_ts"`
	LastEmotion string `json:"last_emotion"`
}

// NewIndex opens (or creates) the index database at path.
func NewIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open episodic index: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Pragma failures are non-fatal; the defaults still work.
	db.Exec("PRAGMA busy_timeout = 5000")
	db.Exec("PRAGMA journal_mode = WAL")
	db.Exec("PRAGMA synchronous = NORMAL")

	idx := &Index{db: db, path: path}
	if err := idx.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (i *Index) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS episodes (
		episode      TEXT PRIMARY KEY,
		cause        TEXT NOT NULL DEFAULT '',
		count        INTEGER NOT NULL DEFAULT 0,
		last_ts      TEXT NOT NULL DEFAULT '',
		last_emotion TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_last_ts ON episodes(last_ts);
	`
	if _, err := i.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize episodic index schema: %w", err)
	}
	return nil
}

// Close closes the index database.
func (i *Index) Close() error {
	return i.db.Close()
}

// Record folds one ledger entry into its episode's counters.
func (i *Index) Record(e Entry) error {
	_, err := i.db.Exec(`
		INSERT INTO episodes (episode, cause, count, last_ts, last_emotion)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(episode) DO UPDATE SET
			count        = count + 1,
			last_ts      = excluded.last_ts,
			last_emotion = excluded.last_emotion`,
		e.Episode, e.Cause, e.TS, e.Emotion)
	if err != nil {
		return fmt.Errorf("failed to record episode: %w", err)
	}
	return nil
}

// Episodes lists episodes, most recently touched first.
func (i *Index) Episodes(limit int) ([]EpisodeStat, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := i.db.Query(`
		SELECT episode, cause, count, last_ts, last_emotion
		FROM episodes
		ORDER BY last_ts DESC, count DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query episodes: %w", err)
	}
	defer rows.Close()

	var out []EpisodeStat
	for rows.Next() {
		var s EpisodeStat
		if err := rows.Scan(&s.Episode, &s.Cause, &s.Count, &s.LastTS, &s.LastEmotion); err != nil {
			return nil, fmt.Errorf("failed to scan episode: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Entries reports the total ledger entries folded into the index.
func (i *Index) Entries() (int64, error) {
	var n int64
	err := i.db.QueryRow(`SELECT COALESCE(SUM(count), 0) FROM episodes`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count indexed entries: %w", err)
	}
	return n, nil
}

// Get returns one episode's counters, or nil if unseen.
func (i *Index) Get(episode string) (*EpisodeStat, error) {
	var s EpisodeStat
	err := i.db.QueryRow(`
		SELECT episode, cause, count, last_ts, last_emotion
		FROM episodes WHERE episode = ?`, episode).
		Scan(&s.Episode, &s.Cause, &s.Count, &s.LastTS, &s.LastEmotion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up episode: %w", err)
	}
	return &s, nil
}

// Rebuild replaces the index with counters replayed from the ledger.
func (i *Index) Rebuild(entries []Entry) error {
	tx, err := i.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin reindex: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM episodes"); err != nil {
		return fmt.Errorf("failed to clear episodes: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO episodes (episode, cause, count, last_ts, last_emotion)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(episode) DO UPDATE SET
			count        = count + 1,
			last_ts      = excluded.last_ts,
			last_emotion = excluded.last_emotion`)
	if err != nil {
		return fmt.Errorf("failed to prepare reindex statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(e.Episode, e.Cause, e.TS, e.Emotion); err != nil {
			return fmt.Errorf("failed to replay entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reindex: %w", err)
	}
	return nil
}
