package media

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func argValue(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func TestFetchBotBlock(t *testing.T) {
	dir := t.TempDir()
	calls := 0
	e := NewExtractor("yt-dlp", RunnerFunc(func(context.Context, string, ...string) (Output, error) {
		calls++
		return Output{Stderr: "ERROR: [youtube] dQw4w9WgXcQ: Sign in to confirm you're not a bot"}, errors.New("exit status 1")
	}))

	_, err := e.Fetch(context.Background(), "https://youtu.be/dQw4w9WgXcQ", filepath.Join(dir, "video_1.mp4"), FetchOptions{Format: FormatClip})
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ReasonBotBlock, fe.Reason)
	assert.Equal(t, 1, calls, "classified failures are not retried")
}

func TestFetchMissingOutput(t *testing.T) {
	dir := t.TempDir()
	e := NewExtractor("yt-dlp", RunnerFunc(func(context.Context, string, ...string) (Output, error) {
		return Output{Stdout: []byte("TITLE nothing\n")}, nil
	}))
	_, err := e.Fetch(context.Background(), "https://example.com/v", filepath.Join(dir, "video_2.mp4"), FetchOptions{})
	assert.ErrorIs(t, err, ErrMissingOutput)
	var fe *FetchError
	assert.False(t, errors.As(err, &fe))
}

func TestFetchParsesPrintedMetadata(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "video_3.mp4")
	var args []string
	e := NewExtractor("yt-dlp", RunnerFunc(func(_ context.Context, _ string, a ...string) (Output, error) {
		args = a
		require.NoError(t, os.WriteFile(out, []byte("data"), 0o644))
		return Output{Stdout: []byte("TITLE My clip\nFILE " + out + "\n")}, nil
	}))
	e.CookiesBrowser = "firefox"

	res, err := e.Fetch(context.Background(), "https://example.com/v", out, FetchOptions{Format: FormatMP4})
	require.NoError(t, err)
	assert.Equal(t, "My clip", res.Title)
	assert.Equal(t, out, res.Path)

	assert.Equal(t, FormatMP4, argValue(args, "--format"))
	assert.Equal(t, filepath.Join(dir, "video_3")+".%(ext)s", argValue(args, "-o"))
	assert.Equal(t, "mp4", argValue(args, "--merge-output-format"))
	assert.Equal(t, "firefox", argValue(args, "--cookies-from-browser"))
	assert.Equal(t, "https://example.com/v", args[len(args)-1])
	assert.NotContains(t, args, "--write-subs")
}

func TestFetchCookieFileWinsWhenPresent(t *testing.T) {
	dir := t.TempDir()
	cookies := filepath.Join(dir, "cookies.txt")
	require.NoError(t, os.WriteFile(cookies, []byte("# Netscape"), 0o600))

	e := NewExtractor("", nil)
	e.CookiesFile = cookies
	e.CookiesBrowser = "chrome"
	assert.Equal(t, []string{"--cookies", cookies}, e.cookieArgs())

	e.CookiesFile = filepath.Join(dir, "missing.txt")
	assert.Equal(t, []string{"--cookies-from-browser", "chrome"}, e.cookieArgs())
}

func TestFetchFormatFallback(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "video_4.mp4")
	var calls [][]string
	e := NewExtractor("yt-dlp", RunnerFunc(func(_ context.Context, _ string, a ...string) (Output, error) {
		calls = append(calls, a)
		switch len(calls) {
		case 1:
			return Output{Stderr: "ERROR: Requested format is not available"}, errors.New("exit status 1")
		case 2:
			require.NoError(t, os.WriteFile(filepath.Join(dir, "video_4.webm"), []byte("data"), 0o644))
			return Output{}, nil
		default:
			require.NoError(t, os.WriteFile(filepath.Join(dir, "video_4.en.srt"), []byte("1\n"), 0o644))
			require.NoError(t, os.WriteFile(filepath.Join(dir, "video_4.fr.srt"), []byte("1\n"), 0o644))
			return Output{}, nil
		}
	}))

	res, err := e.Fetch(context.Background(), "https://youtu.be/x", out, FetchOptions{Format: FormatClip, Subtitles: true})
	require.NoError(t, err)
	require.Len(t, calls, 3)

	assert.Contains(t, calls[0], "--write-subs")
	assert.Equal(t, FormatFallback, argValue(calls[1], "--format"))
	assert.NotContains(t, calls[1], "--write-subs")
	assert.Contains(t, calls[2], "--skip-download")

	assert.Equal(t, filepath.Join(dir, "video_4.webm"), res.Path)
	require.Len(t, res.Subtitles, 2)
	assert.Equal(t, filepath.Join(dir, "video_4.fr.srt"), res.Subtitles[0])
}

func TestFetchSubtitleFailureRetriesWithout(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "video_5.mp4")
	var calls [][]string
	e := NewExtractor("yt-dlp", RunnerFunc(func(_ context.Context, _ string, a ...string) (Output, error) {
		calls = append(calls, a)
		if len(calls) == 1 {
			return Output{Stderr: "ERROR: Unable to download video subtitles for 'fr'"}, errors.New("exit status 1")
		}
		require.NoError(t, os.WriteFile(out, []byte("data"), 0o644))
		return Output{}, nil
	}))

	res, err := e.Fetch(context.Background(), "https://youtu.be/x", out, FetchOptions{Format: FormatClip, Subtitles: true})
	require.NoError(t, err)
	require.Len(t, calls, 2)
	assert.Equal(t, FormatClip, argValue(calls[1], "--format"))
	assert.False(t, slices.Contains(calls[1], "--write-subs"))
	assert.Equal(t, out, res.Path)
}

func TestFetchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := NewExtractor("yt-dlp", RunnerFunc(func(context.Context, string, ...string) (Output, error) {
		cancel()
		return Output{Stderr: "signal: killed"}, errors.New("signal: killed")
	}))
	_, err := e.Fetch(ctx, "https://youtu.be/x", filepath.Join(t.TempDir(), "v.mp4"), FetchOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLatestIDs(t *testing.T) {
	var args []string
	e := NewExtractor("yt-dlp", RunnerFunc(func(_ context.Context, _ string, a ...string) (Output, error) {
		args = a
		return Output{Stdout: []byte("7301\n\n7299\n")}, nil
	}))
	ids, err := e.LatestIDs(context.Background(), "https://www.tiktok.com/@someone", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"7301", "7299"}, ids)
	assert.Equal(t, "1:2", argValue(args, "--playlist-items"))
	assert.Contains(t, args, "--flat-playlist")

	_, err = e.LatestIDs(context.Background(), "x", 0)
	assert.Error(t, err)
}
