package media

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	logx "github.com/wapuda/clipbot/internal/logs"
)

// DefaultDuration is assumed when the container duration cannot be read.
const DefaultDuration = 300.0

// Prober reads container durations with ffprobe.
type Prober struct {
	Bin    string
	Runner Runner
}

func NewProber(bin string, r Runner) *Prober {
	if bin == "" {
		bin = "ffprobe"
	}
	if r == nil {
		r = ExecRunner{}
	}
	return &Prober{Bin: bin, Runner: r}
}

// Duration returns the container duration of path in seconds.
func (p *Prober) Duration(ctx context.Context, path string) (float64, error) {
	out, err := p.Runner.Run(ctx, p.Bin,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, &ProcessError{Tool: "ffprobe", Err: err, Stderr: out.Stderr}
	}
	return ParseDuration(string(out.Stdout))
}

// ParseDuration parses ffprobe's single-line output; "N/A", non-finite
// values and garbage yield ErrNoDuration.
func ParseDuration(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if s == "" || s == "N/A" {
		return 0, ErrNoDuration
	}
	d, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrNoDuration, s)
	}
	return d, nil
}

// DurationOrDefault never fails: probing problems degrade to
// DefaultDuration. The bool reports whether the default was used.
func (p *Prober) DurationOrDefault(ctx context.Context, path string) (float64, bool) {
	d, err := p.Duration(ctx, path)
	if err != nil {
		l := logx.FromCtx(ctx)
		l.Warn().Err(err).Str("path", path).Float64("default", DefaultDuration).Msg("probe failed, using default duration")
		return DefaultDuration, true
	}
	return d, false
}
