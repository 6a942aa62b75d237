package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/wapuda/clipbot/internal/metrics"

	logx "github.com/wapuda/clipbot/internal/logs"
)

const (
	primaryRungs   = 3
	secondaryRungs = 2

	primaryFloorKbps   = 400
	secondaryFloorKbps = 300
	secondaryAudioKbps = 64
	// audio reserved when computing the hard-ceiling target
	secondaryReserveKbps = 96
	fillRatio            = 0.98
)

var (
	primaryCRF   = [primaryRungs]int{26, 28, 30}
	primaryAudio = [primaryRungs]int{96, 80, 64}
)

// Budget is the size constraint for one delivered file. HardCeiling is an
// optional second bound handled by its own, coarser ladder.
type Budget struct {
	Ceiling     int64
	HardCeiling int64
}

// Limit is the size a file must finally be at or under.
func (b Budget) Limit() int64 {
	if b.HardCeiling > 0 {
		return b.HardCeiling
	}
	return b.Ceiling
}

func (b Budget) satisfied(size int64) bool {
	if size > b.Ceiling {
		return false
	}
	return b.HardCeiling <= 0 || size <= b.HardCeiling
}

// Attempt records one ladder rung. Never persisted.
type Attempt struct {
	Ladder    int
	Number    int
	CRF       int
	VideoKbps int
	AudioKbps int
	Size      int64
	Err       error
}

// FitResult is the outcome of Compressor.Fit.
type FitResult struct {
	Size     int64
	Attempts []Attempt
	Fits     bool
}

// DurationProber measures container duration.
type DurationProber interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// Reencoder re-encodes a file at one rung.
type Reencoder interface {
	Reencode(ctx context.Context, in, out string, r Rung) error
}

// Files is the per-run temp file bookkeeping the compressor reports to.
type Files interface {
	Add(paths ...string)
	Replace(orig, tmp string) error
	Delete(path string) error
}

// Compressor re-encodes oversized files down a fixed ladder of
// progressively more aggressive settings.
type Compressor struct {
	Prober  DurationProber
	Encoder Reencoder
	// FallbackDuration is used when the encoded file cannot be probed.
	FallbackDuration float64
}

func NewCompressor(p DurationProber, e Reencoder) *Compressor {
	return &Compressor{Prober: p, Encoder: e, FallbackDuration: SegmentWindow}
}

// TargetKbps is the total bitrate that fills ceiling bytes over duration.
func TargetKbps(ceiling int64, duration float64) int {
	if duration <= 0 {
		return 0
	}
	mb := float64(ceiling) / (1024 * 1024)
	return int(mb * fillRatio * 8 * 1024 / duration)
}

// PrimaryRung computes rung n (1-based) of the main ladder.
func PrimaryRung(n int, ceiling int64, duration float64) Rung {
	i := n - 1
	audio := primaryAudio[i]
	video := TargetKbps(ceiling, duration) - audio
	if video < primaryFloorKbps {
		video = primaryFloorKbps
	}
	return Rung{Ladder: 1, Number: n, CRF: primaryCRF[i], Preset: "medium", VideoKbps: video, AudioKbps: audio}
}

// SecondaryRung computes rung n of the hard-ceiling ladder.
func SecondaryRung(n int, hardCeiling int64, duration float64) Rung {
	video := TargetKbps(hardCeiling, duration) - secondaryReserveKbps
	if video < secondaryFloorKbps {
		video = secondaryFloorKbps
	}
	return Rung{Ladder: 2, Number: n, CRF: 28, Preset: "slow", VideoKbps: video, AudioKbps: secondaryAudioKbps}
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Fit shrinks path in place until it satisfies b or the ladders run out.
// A file that already fits is left untouched. At most five encodes run.
func (c *Compressor) Fit(ctx context.Context, files Files, path string, b Budget) (FitResult, error) {
	size, err := fileSize(path)
	if err != nil {
		return FitResult{}, err
	}
	res := FitResult{Size: size}
	if b.satisfied(size) {
		res.Fits = true
		return res, nil
	}

	for n := 1; n <= primaryRungs && res.Size > b.Ceiling; n++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		r := PrimaryRung(n, b.Ceiling, c.duration(ctx, path))
		c.attempt(ctx, files, path, r, &res)
	}

	limit := b.Limit()
	if b.HardCeiling > 0 && res.Size > limit {
		for n := 1; n <= secondaryRungs && res.Size > limit; n++ {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			r := SecondaryRung(n, b.HardCeiling, c.duration(ctx, path))
			c.attempt(ctx, files, path, r, &res)
		}
	}

	res.Fits = res.Size <= limit
	return res, nil
}

func (c *Compressor) duration(ctx context.Context, path string) float64 {
	if c.Prober != nil {
		if d, err := c.Prober.Duration(ctx, path); err == nil {
			return d
		}
	}
	if c.FallbackDuration > 0 {
		return c.FallbackDuration
	}
	return SegmentWindow
}

func (c *Compressor) attempt(ctx context.Context, files Files, path string, r Rung, res *FitResult) {
	l := logx.FromCtx(ctx)
	prefix := "temp"
	if r.Ladder == 2 {
		prefix = "extra"
	}
	tmp := filepath.Join(filepath.Dir(path), fmt.Sprintf("%s_%d_%s", prefix, r.Number, filepath.Base(path)))
	files.Add(tmp)

	a := Attempt{Ladder: r.Ladder, Number: r.Number, CRF: r.CRF, VideoKbps: r.VideoKbps, AudioKbps: r.AudioKbps, Size: res.Size}
	err := c.Encoder.Reencode(ctx, path, tmp, r)
	if err == nil {
		err = files.Replace(path, tmp)
	}
	if err != nil {
		_ = files.Delete(tmp)
		a.Err = err
		res.Attempts = append(res.Attempts, a)
		metrics.CompressionAttempts.WithLabelValues(ladderLabel(r.Ladder), "error").Inc()
		l.Warn().Err(err).Int("ladder", r.Ladder).Int("rung", r.Number).Msg("recompression failed")
		return
	}

	if size, err := fileSize(path); err == nil {
		res.Size = size
	}
	a.Size = res.Size
	res.Attempts = append(res.Attempts, a)
	metrics.CompressionAttempts.WithLabelValues(ladderLabel(r.Ladder), "ok").Inc()
	l.Info().
		Int("ladder", r.Ladder).
		Int("rung", r.Number).
		Int("crf", r.CRF).
		Int("video_kbps", r.VideoKbps).
		Int("audio_kbps", r.AudioKbps).
		Float64("size_mb", float64(res.Size)/(1024*1024)).
		Msg("recompressed")
}

func ladderLabel(n int) string {
	if n == 2 {
		return "hard"
	}
	return "primary"
}
