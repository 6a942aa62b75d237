// Package ledger tracks every temporary file one pipeline run creates so the
// run can remove all of them on the way out, whatever the exit path.
package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Failure is a path the sweep could not delete, even after the retry.
type Failure struct {
	Path string
	Err  error
}

// SweepReport lists what the final sweep did with each path.
type SweepReport struct {
	Deleted []string
	Failed  []Failure
}

// Ledger is owned by one run and never shared across runs.
type Ledger struct {
	mu    sync.Mutex
	order []string
	set   map[string]struct{}

	retryDelay time.Duration
	log        zerolog.Logger

	remove func(string) error
	rename func(string, string) error
}

func New(log zerolog.Logger, retryDelay time.Duration) *Ledger {
	return &Ledger{
		set:        make(map[string]struct{}),
		retryDelay: retryDelay,
		log:        log,
		remove:     os.Remove,
		rename:     os.Rename,
	}
}

// Add records paths as created by this run.
func (l *Ledger) Add(paths ...string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, ok := l.set[p]; ok {
			continue
		}
		l.set[p] = struct{}{}
		l.order = append(l.order, p)
	}
}

// Adopt adds every existing file matching a glob pattern. Extractors leave
// side files (.part, .webm, subtitles) whose names we only know by prefix.
func (l *Ledger) Adopt(pattern string) int {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return 0
	}
	l.Add(matches...)
	return len(matches)
}

func (l *Ledger) forget(path string) {
	if _, ok := l.set[path]; !ok {
		return
	}
	delete(l.set, path)
	for i, p := range l.order {
		if p == path {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Contains reports whether path is still pending cleanup.
func (l *Ledger) Contains(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.set[path]
	return ok
}

// Paths returns the pending paths in insertion order.
func (l *Ledger) Paths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// Delete removes one file now. The path leaves the ledger only once the
// file is confirmed gone; otherwise the final sweep retries it.
func (l *Ledger) Delete(path string) error {
	err := l.remove(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		l.log.Warn().Err(err).Str("path", path).Msg("delete failed, left for final sweep")
		return err
	}
	l.mu.Lock()
	l.forget(path)
	l.mu.Unlock()
	return nil
}

// Replace moves tmp over orig. Both stay recorded until the rename succeeds,
// so the ledger never holds zero files for the asset.
func (l *Ledger) Replace(orig, tmp string) error {
	l.Add(tmp)
	if err := l.rename(tmp, orig); err != nil {
		// Some platforms refuse to rename over an existing file.
		if rmErr := l.remove(orig); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return err
		}
		if err := l.rename(tmp, orig); err != nil {
			return err
		}
	}
	l.mu.Lock()
	l.forget(tmp)
	if _, ok := l.set[orig]; !ok {
		l.set[orig] = struct{}{}
		l.order = append(l.order, orig)
	}
	l.mu.Unlock()
	return nil
}

// Sweep attempts deletion of every pending path, retrying once after the
// configured delay for files a just-exited subprocess may still hold.
func (l *Ledger) Sweep(ctx context.Context) SweepReport {
	var rep SweepReport
	paths := l.Paths()
	if len(paths) == 0 {
		return rep
	}
	l.log.Info().Int("files", len(paths)).Msg("final sweep")

	var retry []string
	for _, p := range paths {
		if err := l.remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.log.Warn().Err(err).Str("path", p).Msg("delete failed, will retry")
			retry = append(retry, p)
			continue
		}
		rep.Deleted = append(rep.Deleted, p)
	}

	if len(retry) > 0 {
		t := time.NewTimer(l.retryDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
		for _, p := range retry {
			if err := l.remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				l.log.Error().Err(err).Str("path", p).Msg("delete failed permanently")
				rep.Failed = append(rep.Failed, Failure{Path: p, Err: err})
				continue
			}
			rep.Deleted = append(rep.Deleted, p)
		}
	}

	l.mu.Lock()
	for _, p := range paths {
		l.forget(p)
	}
	l.mu.Unlock()
	return rep
}
