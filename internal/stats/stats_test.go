package stats

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "data", "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndTotals(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	runs := []Run{
		{UserID: "1", UserName: "ana", Platform: "youtube", URL: "u1", Title: "a", Clips: 3, At: base},
		{UserID: "1", UserName: "ana", Platform: "youtube", URL: "u2", Clips: 2, At: base.Add(time.Hour)},
		{UserID: "1", UserName: "ana", Platform: "pinterest", URL: "u3", Clips: 1, At: base.Add(2 * time.Hour)},
		{UserID: "2", UserName: "bo", Platform: "instagram", URL: "u1", Clips: 1, At: base},
	}
	for _, r := range runs {
		require.NoError(t, s.Record(ctx, r))
	}

	ana, err := s.UserTotals(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 3, ana.Downloads)
	assert.Equal(t, 6, ana.Clips)
	assert.Equal(t, map[string]int{"youtube": 2, "pinterest": 1}, ana.ByPlatform)
	assert.Equal(t, 1, ana.Rank)
	assert.Equal(t, "youtube", ana.Preferred())
	assert.True(t, ana.Last.Equal(base.Add(2*time.Hour)))

	bo, err := s.UserTotals(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, 2, bo.Rank)

	nobody, err := s.UserTotals(ctx, "3")
	require.NoError(t, err)
	assert.Zero(t, nobody.Downloads)
	assert.Zero(t, nobody.Rank)
}

func TestLeaderboardAndGlobal(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	for i, u := range []string{"a", "b", "b", "c", "c", "c"} {
		require.NoError(t, s.Record(ctx, Run{UserID: u, UserName: "name-" + u, Platform: "tiktok", URL: "https://x/" + string(rune('0'+i)), Clips: 1}))
	}

	top, err := s.Leaderboard(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, LeaderboardEntry{UserID: "c", UserName: "name-c", Downloads: 3}, top[0])
	assert.Equal(t, "b", top[1].UserID)

	g, err := s.Global(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, g.Downloads)
	assert.Equal(t, 3, g.Users)
	assert.Equal(t, 6, g.Videos)
	assert.Equal(t, map[string]int{"tiktok": 6}, g.ByPlatform)
}

func TestRecordRejectsAnonymous(t *testing.T) {
	s := openTemp(t)
	assert.Error(t, s.Record(context.Background(), Run{Platform: "youtube"}))
}

func TestPreferredTie(t *testing.T) {
	u := UserTotals{ByPlatform: map[string]int{"instagram": 2, "pinterest": 2}}
	assert.Equal(t, "", u.Preferred())
}
