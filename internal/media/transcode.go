package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// RateProfile is the bounded bitrate/maxrate/bufsize triple used for the
// first encode of a clip.
type RateProfile struct {
	Name      string
	CRF       int
	VideoKbps int
	MaxKbps   int
	BufKbps   int
	AudioKbps int
}

var (
	RateClip = RateProfile{Name: "clip", CRF: 23, VideoKbps: 1400, MaxKbps: 1800, BufKbps: 2500, AudioKbps: 96}
	RateHQ   = RateProfile{Name: "hq", CRF: 23, VideoKbps: 2000, MaxKbps: 2500, BufKbps: 3500, AudioKbps: 128}
)

const subtitleStyle = "FontSize=24,PrimaryColour=&Hffffff,OutlineColour=&H000000,Outline=2,Shadow=0,Bold=1,Alignment=2"

// CutSpec describes one segment encode.
type CutSpec struct {
	Input     string
	Output    string
	Start     float64
	Duration  float64
	Subtitles string // cleaned SRT to burn in, optional
	Rate      RateProfile
}

// Rung is one step of a compression ladder.
type Rung struct {
	Ladder    int // 1 primary, 2 hard-ceiling
	Number    int
	CRF       int
	Preset    string
	VideoKbps int
	AudioKbps int
}

func (r Rung) MaxKbps() int { return int(float64(r.VideoKbps) * 1.2) }
func (r Rung) BufKbps() int { return r.VideoKbps * 2 }

// Transcoder wraps ffmpeg.
type Transcoder struct {
	Bin    string
	Runner Runner
}

func NewTranscoder(bin string, r Runner) *Transcoder {
	if bin == "" {
		bin = "ffmpeg"
	}
	if r == nil {
		r = ExecRunner{}
	}
	return &Transcoder{Bin: bin, Runner: r}
}

func secs(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }
func kbps(v int) string     { return strconv.Itoa(v) + "k" }

// escapeFilterPath quotes a path for use inside a filtergraph option.
func escapeFilterPath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.ReplaceAll(p, ":", `\:`)
	p = strings.ReplaceAll(p, "'", `\'`)
	return p
}

// FilterGraph fills a 1080x1920 canvas with a blurred, cropped copy of the
// source and centres the aspect-preserved source on top of it.
func FilterGraph(subtitles string) string {
	main := "[0:v]scale=1080:1920:force_original_aspect_ratio=decrease"
	if subtitles != "" {
		main += fmt.Sprintf(",subtitles='%s':force_style='%s'", escapeFilterPath(subtitles), subtitleStyle)
	}
	return "[0:v]scale=1080:1920:force_original_aspect_ratio=increase,crop=1080:1920,boxblur=20:10[bg];" +
		main + "[main];" +
		"[bg][main]overlay=(W-w)/2:(H-h)/2[out]"
}

func cutArgs(s CutSpec) []string {
	return []string{
		"-y",
		"-i", s.Input,
		"-ss", secs(s.Start),
		"-t", secs(s.Duration),
		"-filter_complex", FilterGraph(s.Subtitles),
		"-map", "[out]",
		"-map", "0:a?",
		"-sn",
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", strconv.Itoa(s.Rate.CRF),
		"-b:v", kbps(s.Rate.VideoKbps),
		"-maxrate", kbps(s.Rate.MaxKbps),
		"-bufsize", kbps(s.Rate.BufKbps),
		"-c:a", "aac",
		"-b:a", kbps(s.Rate.AudioKbps),
		"-avoid_negative_ts", "make_zero",
		s.Output,
	}
}

func reencodeArgs(in, out string, r Rung) []string {
	return []string{
		"-y",
		"-i", in,
		"-c:v", "libx264",
		"-preset", r.Preset,
		"-crf", strconv.Itoa(r.CRF),
		"-b:v", kbps(r.VideoKbps),
		"-maxrate", kbps(r.MaxKbps()),
		"-bufsize", kbps(r.BufKbps()),
		"-c:a", "aac",
		"-b:a", kbps(r.AudioKbps),
		out,
	}
}

// CutAndComposite encodes one segment. A failure only concerns that segment.
func (t *Transcoder) CutAndComposite(ctx context.Context, s CutSpec) error {
	return t.run(ctx, s.Output, cutArgs(s))
}

// Reencode re-encodes a whole file at one ladder rung.
func (t *Transcoder) Reencode(ctx context.Context, in, out string, r Rung) error {
	return t.run(ctx, out, reencodeArgs(in, out, r))
}

func (t *Transcoder) run(ctx context.Context, out string, args []string) error {
	res, err := t.Runner.Run(ctx, t.Bin, args...)
	if err != nil {
		return &ProcessError{Tool: "ffmpeg", Err: err, Stderr: res.Stderr}
	}
	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		return &ProcessError{Tool: "ffmpeg", Err: errors.New("empty output"), Stderr: res.Stderr}
	}
	return nil
}
