package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestSweepDeletesEverything(t *testing.T) {
	dir := t.TempDir()
	l := New(zerolog.Nop(), time.Millisecond)
	a, b := filepath.Join(dir, "a.mp4"), filepath.Join(dir, "b.srt")
	touch(t, a, 10)
	touch(t, b, 10)
	l.Add(a, b, a)
	l.Add(filepath.Join(dir, "never-created.mp4"))

	rep := l.Sweep(context.Background())

	assert.Len(t, rep.Deleted, 3)
	assert.Empty(t, rep.Failed)
	assert.Zero(t, l.Len())
	assert.NoFileExists(t, a)
	assert.NoFileExists(t, b)
}

func TestSweepRetriesOnceThenReports(t *testing.T) {
	dir := t.TempDir()
	l := New(zerolog.Nop(), time.Millisecond)
	busy := filepath.Join(dir, "busy.mp4")
	locked := filepath.Join(dir, "locked.mp4")
	touch(t, busy, 1)
	touch(t, locked, 1)

	calls := map[string]int{}
	l.remove = func(p string) error {
		calls[p]++
		if p == busy && calls[p] == 1 {
			return errors.New("file in use")
		}
		if p == locked {
			return errors.New("permission denied")
		}
		return os.Remove(p)
	}
	l.Add(busy, locked)

	rep := l.Sweep(context.Background())

	assert.Equal(t, 2, calls[busy])
	assert.Equal(t, 2, calls[locked])
	assert.Equal(t, []string{busy}, rep.Deleted)
	require.Len(t, rep.Failed, 1)
	assert.Equal(t, locked, rep.Failed[0].Path)
	// every path was either deleted or reported
	assert.Zero(t, l.Len())
}

func TestEmptySweepIsNoop(t *testing.T) {
	l := New(zerolog.Nop(), time.Second)
	l.remove = func(string) error {
		t.Fatal("remove must not be called")
		return nil
	}
	rep := l.Sweep(context.Background())
	assert.Empty(t, rep.Deleted)
	assert.Empty(t, rep.Failed)
}

func TestDeleteKeepsPathOnFailure(t *testing.T) {
	l := New(zerolog.Nop(), time.Millisecond)
	l.remove = func(string) error { return errors.New("busy") }
	l.Add("/tmp/x")

	assert.Error(t, l.Delete("/tmp/x"))
	assert.True(t, l.Contains("/tmp/x"))

	l.remove = func(string) error { return os.ErrNotExist }
	assert.NoError(t, l.Delete("/tmp/x"))
	assert.False(t, l.Contains("/tmp/x"))
}

func TestReplaceNeverDropsToZero(t *testing.T) {
	dir := t.TempDir()
	l := New(zerolog.Nop(), time.Millisecond)
	orig := filepath.Join(dir, "clip.mp4")
	tmp := filepath.Join(dir, "temp_1_clip.mp4")
	touch(t, orig, 100)
	touch(t, tmp, 40)
	l.Add(orig)

	var seen []int
	l.rename = func(from, to string) error {
		seen = append(seen, l.Len())
		return os.Rename(from, to)
	}

	require.NoError(t, l.Replace(orig, tmp))

	assert.Equal(t, []int{2}, seen)
	assert.Equal(t, []string{orig}, l.Paths())
	info, err := os.Stat(orig)
	require.NoError(t, err)
	assert.EqualValues(t, 40, info.Size())
	assert.NoFileExists(t, tmp)
}

func TestAdoptPicksUpSideFiles(t *testing.T) {
	dir := t.TempDir()
	l := New(zerolog.Nop(), time.Millisecond)
	touch(t, filepath.Join(dir, "video_42_X.mp4.part"), 1)
	touch(t, filepath.Join(dir, "video_42_X.fr.srt"), 1)
	touch(t, filepath.Join(dir, "video_43_Y.mp4"), 1)

	n := l.Adopt(filepath.Join(dir, "*42_X*"))

	assert.Equal(t, 2, n)
	assert.Equal(t, 2, l.Len())
}
