// Package stats keeps per-user download counts in SQLite.
package stats

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Run is one completed request that delivered at least one file or link.
type Run struct {
	UserID   string
	UserName string
	Platform string
	URL      string
	Title    string
	Clips    int
	At       time.Time
}

// UserTotals summarises one user. Rank is 0 when the user has no downloads.
type UserTotals struct {
	Downloads  int
	Clips      int
	ByPlatform map[string]int
	Last       time.Time
	Rank       int
}

// Preferred returns the platform with the most downloads, "" on a tie.
func (u UserTotals) Preferred() string {
	best, n, tie := "", 0, false
	for p, c := range u.ByPlatform {
		switch {
		case c > n:
			best, n, tie = p, c, false
		case c == n:
			tie = true
		}
	}
	if tie {
		return ""
	}
	return best
}

type LeaderboardEntry struct {
	UserID    string
	UserName  string
	Downloads int
}

type GlobalTotals struct {
	Downloads  int
	Users      int
	Videos     int
	ByPlatform map[string]int
}

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer; sqlite serialises anyway
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS downloads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	user_name TEXT NOT NULL,
	platform TEXT NOT NULL,
	url TEXT NOT NULL,
	title TEXT NOT NULL,
	clips INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);`)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS downloads_user ON downloads(user_id);`)
	return err
}

func (s *Store) Record(ctx context.Context, r Run) error {
	if r.UserID == "" {
		return errors.New("stats: empty user id")
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	if r.Title == "" {
		r.Title = "untitled"
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO downloads (user_id, user_name, platform, url, title, clips, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?);`, r.UserID, r.UserName, r.Platform, r.URL, r.Title, r.Clips, r.At.Unix())
	return err
}

func (s *Store) UserTotals(ctx context.Context, userID string) (UserTotals, error) {
	t := UserTotals{ByPlatform: map[string]int{}}
	rows, err := s.db.QueryContext(ctx, `
SELECT platform, COUNT(1), COALESCE(SUM(clips), 0), MAX(created_at)
FROM downloads WHERE user_id = ? GROUP BY platform;`, userID)
	if err != nil {
		return t, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			platform string
			n, clips int
			last     int64
		)
		if err := rows.Scan(&platform, &n, &clips, &last); err != nil {
			return t, err
		}
		t.ByPlatform[platform] = n
		t.Downloads += n
		t.Clips += clips
		if at := time.Unix(last, 0); at.After(t.Last) {
			t.Last = at
		}
	}
	if err := rows.Err(); err != nil {
		return t, err
	}
	if t.Downloads == 0 {
		return t, nil
	}

	var ahead int
	err = s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM (
	SELECT user_id FROM downloads GROUP BY user_id HAVING COUNT(1) > ?
);`, t.Downloads).Scan(&ahead)
	if err != nil {
		return t, err
	}
	t.Rank = ahead + 1
	return t, nil
}

func (s *Store) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT user_id, MAX(user_name), COUNT(1) AS n
FROM downloads GROUP BY user_id
ORDER BY n DESC, MIN(created_at) ASC
LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.UserName, &e.Downloads); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Global(ctx context.Context) (GlobalTotals, error) {
	g := GlobalTotals{ByPlatform: map[string]int{}}
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1), COUNT(DISTINCT user_id), COUNT(DISTINCT url) FROM downloads;`).
		Scan(&g.Downloads, &g.Users, &g.Videos)
	if err != nil {
		return g, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT platform, COUNT(1) FROM downloads GROUP BY platform;`)
	if err != nil {
		return g, err
	}
	defer rows.Close()
	for rows.Next() {
		var p string
		var n int
		if err := rows.Scan(&p, &n); err != nil {
			return g, err
		}
		g.ByPlatform[p] = n
	}
	return g, rows.Err()
}
