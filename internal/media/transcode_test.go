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

func TestFilterGraph(t *testing.T) {
	plain := FilterGraph("")
	assert.Equal(t,
		"[0:v]scale=1080:1920:force_original_aspect_ratio=increase,crop=1080:1920,boxblur=20:10[bg];"+
			"[0:v]scale=1080:1920:force_original_aspect_ratio=decrease[main];"+
			"[bg][main]overlay=(W-w)/2:(H-h)/2[out]",
		plain)
	assert.NotContains(t, plain, "subtitles=")

	withSubs := FilterGraph(`C:\tmp\clean_it's.srt`)
	assert.Contains(t, withSubs, `subtitles='C\:/tmp/clean_it\'s.srt'`)
	assert.Contains(t, withSubs, "force_style='"+subtitleStyle+"'")
}

func TestCutArgs(t *testing.T) {
	args := cutArgs(CutSpec{Input: "in.mp4", Output: "clip_2_x.mp4", Start: 60, Duration: 5, Rate: RateClip})

	// seeking after the input keeps the cut frame-accurate
	assert.Greater(t, slices.Index(args, "-ss"), slices.Index(args, "-i"))
	assert.Equal(t, "60.000", argValue(args, "-ss"))
	assert.Equal(t, "5.000", argValue(args, "-t"))
	assert.Equal(t, "23", argValue(args, "-crf"))
	assert.Equal(t, "1400k", argValue(args, "-b:v"))
	assert.Equal(t, "1800k", argValue(args, "-maxrate"))
	assert.Equal(t, "2500k", argValue(args, "-bufsize"))
	assert.Equal(t, "96k", argValue(args, "-b:a"))
	assert.Equal(t, "make_zero", argValue(args, "-avoid_negative_ts"))
	assert.Contains(t, args, "-sn")
	assert.Contains(t, args, "0:a?")
	assert.Equal(t, "clip_2_x.mp4", args[len(args)-1])

	hq := cutArgs(CutSpec{Input: "in.mp4", Output: "o.mp4", Duration: 60, Rate: RateHQ})
	assert.Equal(t, "2000k", argValue(hq, "-b:v"))
	assert.Equal(t, "128k", argValue(hq, "-b:a"))
}

func TestReencodeArgs(t *testing.T) {
	r := Rung{Ladder: 1, Number: 2, CRF: 28, Preset: "medium", VideoKbps: 1000, AudioKbps: 80}
	args := reencodeArgs("a.mp4", "temp_2_a.mp4", r)
	assert.Equal(t, "28", argValue(args, "-crf"))
	assert.Equal(t, "medium", argValue(args, "-preset"))
	assert.Equal(t, "1000k", argValue(args, "-b:v"))
	assert.Equal(t, "1200k", argValue(args, "-maxrate"))
	assert.Equal(t, "2000k", argValue(args, "-bufsize"))
	assert.Equal(t, "80k", argValue(args, "-b:a"))
	assert.Equal(t, "temp_2_a.mp4", args[len(args)-1])
}

func TestTranscoderErrors(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "clip_1.mp4")

	failing := NewTranscoder("ffmpeg", RunnerFunc(func(context.Context, string, ...string) (Output, error) {
		return Output{Stderr: "Invalid data found when processing input"}, errors.New("exit status 1")
	}))
	err := failing.CutAndComposite(context.Background(), CutSpec{Input: "in.mp4", Output: out, Duration: 60, Rate: RateClip})
	var pe *ProcessError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "ffmpeg", pe.Tool)
	assert.Contains(t, pe.Error(), "Invalid data")

	empty := NewTranscoder("ffmpeg", RunnerFunc(func(context.Context, string, ...string) (Output, error) {
		return Output{}, os.WriteFile(out, nil, 0o644)
	}))
	err = empty.CutAndComposite(context.Background(), CutSpec{Input: "in.mp4", Output: out, Duration: 60, Rate: RateClip})
	require.ErrorAs(t, err, &pe)

	ok := NewTranscoder("ffmpeg", RunnerFunc(func(context.Context, string, ...string) (Output, error) {
		return Output{}, os.WriteFile(out, []byte("mp4"), 0o644)
	}))
	assert.NoError(t, ok.Reencode(context.Background(), "in.mp4", out, Rung{CRF: 26, Preset: "medium", VideoKbps: 900, AudioKbps: 96}))
}
