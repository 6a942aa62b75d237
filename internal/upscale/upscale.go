// Package upscale runs the image upscale command: an attached image is
// enlarged by Real-ESRGAN and sent back, recompressed when it would not
// fit in a chat message.
package upscale

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/wapuda/clipbot/internal/gate"
	"github.com/wapuda/clipbot/internal/ledger"
	"github.com/wapuda/clipbot/internal/media"
	"github.com/wapuda/clipbot/internal/metrics"
	"github.com/wapuda/clipbot/internal/pipeline"
	"github.com/wapuda/clipbot/internal/runid"
	"github.com/wapuda/clipbot/internal/stats"

	logx "github.com/wapuda/clipbot/internal/logs"
)

const (
	Name = "upscale"
	// Factor is the Real-ESRGAN scale passed with -s.
	Factor = 4

	maxInputBytes = 25 << 20
)

// Outcomes specific to image runs; the shared ones come from pipeline.
const (
	CatInvalidImage  pipeline.Category = "invalid_image"
	CatDownload      pipeline.Category = "fetch:download"
	CatNotInstalled  pipeline.Category = "upscaler_missing"
	CatUpscaleFailed pipeline.Category = "upscale_failed"
	CatEstimate      pipeline.Category = "estimate"
)

var ErrNotImage = errors.New("not a decodable image")

type Deps struct {
	HTTP   *http.Client
	Runner media.Runner
	// Bin is the realesrgan-ncnn-vulkan executable.
	Bin        string
	Limit      int64 // direct-send ceiling in bytes
	TempDir    string
	Heartbeat  time.Duration
	SweepRetry time.Duration
	Stats      pipeline.Recorder
}

// Service implements the same runner contract as the video pipelines.
type Service struct {
	deps Deps
	gate *gate.Gate

	lookPath func(string) (string, error)
}

func New(deps Deps, g *gate.Gate) *Service {
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{Timeout: 2 * time.Minute}
	}
	if deps.Runner == nil {
		deps.Runner = media.ExecRunner{}
	}
	if deps.Bin == "" {
		deps.Bin = "realesrgan-ncnn-vulkan"
	}
	if deps.TempDir == "" {
		deps.TempDir = os.TempDir()
	}
	return &Service{deps: deps, gate: g, lookPath: exec.LookPath}
}

func (s *Service) Profile() pipeline.Profile {
	return pipeline.Profile{Name: Name, Platform: Name, Budget: media.Budget{Ceiling: s.deps.Limit}}
}

type run struct {
	d   pipeline.Delivery
	rep *pipeline.Report
}

func (r run) say(ctx context.Context, c pipeline.Category, text string) {
	r.rep.Messages = append(r.rep.Messages, pipeline.Message{Category: c, Text: text})
	r.d.Notify(ctx, text)
}

func (r run) fail(ctx context.Context, c pipeline.Category, text string) {
	r.say(ctx, c, text)
	r.rep.Outcome = c
}

// Run never returns an error; failures are reported through d. The input,
// the upscaled output and any recompressed copy are swept on every exit.
func (s *Service) Run(ctx context.Context, req pipeline.Request, d pipeline.Delivery) (rep pipeline.Report) {
	r := run{d: d, rep: &rep}
	rep.States = append(rep.States, pipeline.StateIdle)
	permit, ok := s.gate.TryAcquire()
	if !ok {
		metrics.GateRejections.WithLabelValues(Name).Inc()
		r.fail(ctx, pipeline.CatBusy, "⏳ Too many upscales are running right now. Please try again in a moment.")
		metrics.Runs.WithLabelValues(Name, string(pipeline.CatBusy)).Inc()
		return rep
	}
	defer permit.Release()
	rep.States = append(rep.States, pipeline.StateAdmitted)

	rep.RunID = runid.New(req.InteractionID)
	ctx = logx.WithRun(ctx, rep.RunID, req.UserID, req.GuildID, Name)
	l := logx.FromCtx(ctx)
	files := ledger.New(l, s.deps.SweepRetry)
	started := time.Now()

	defer func() {
		if p := recover(); p != nil {
			l.Error().Interface("panic", p).Str("stack", string(debug.Stack())).Msg("upscale crashed")
			r.fail(ctx, pipeline.CatCritical, "💥 **Something went wrong** and the upscale was stopped. Temporary files have been cleaned up.")
		}
		rep.States = append(rep.States, pipeline.StateFinalSweep)
		rep.Sweep = files.Sweep(context.WithoutCancel(ctx))
		rep.States = append(rep.States, pipeline.StateDone)
		metrics.Runs.WithLabelValues(Name, string(rep.Outcome)).Inc()
		metrics.RunDuration.WithLabelValues(Name).Observe(time.Since(started).Seconds())
		l.Info().
			Str("outcome", string(rep.Outcome)).
			Int("swept", len(rep.Sweep.Deleted)).
			Dur("took", time.Since(started)).
			Msg("upscale finished")
	}()

	if req.OnAdmit != nil {
		req.OnAdmit(ctx)
	}
	if err := os.MkdirAll(s.deps.TempDir, 0o755); err != nil {
		l.Error().Err(err).Msg("temp dir")
		r.fail(ctx, pipeline.CatCritical, "💥 **Something went wrong** and the upscale was stopped.")
		return rep
	}
	s.upscale(ctx, req, r, files)
	return rep
}

func (s *Service) upscale(ctx context.Context, req pipeline.Request, r run, files *ledger.Ledger) {
	l := logx.FromCtx(ctx)
	d, rep := r.d, r.rep

	rep.States = append(rep.States, pipeline.StateFetching)
	d.Progress(ctx, "🔄 Downloading the image... 10%")
	in := filepath.Join(s.deps.TempDir, "input_"+rep.RunID+inputExt(req.URL))
	files.Add(in)
	if err := s.download(ctx, req.URL, in); err != nil {
		l.Warn().Err(err).Msg("image download failed")
		r.fail(ctx, CatDownload, "❌ The image could not be downloaded.")
		return
	}
	w, h, err := Dimensions(in)
	if err != nil {
		l.Info().Err(err).Msg("attachment rejected")
		r.fail(ctx, CatInvalidImage, "❌ Please send a valid image.")
		return
	}
	est := Estimate(w, h)
	l.Info().Int("width", w).Int("height", h).Str("estimate", est.Duration).Msg("image received")
	if est.Warning != "" {
		r.say(ctx, CatEstimate, fmt.Sprintf("%s\n📊 Size: %dx%d (%d pixels)\n⏱️ Estimated time: %s", est.Warning, w, h, w*h, est.Duration))
	}

	if _, err := s.lookPath(s.deps.Bin); err != nil {
		l.Error().Err(err).Str("bin", s.deps.Bin).Msg("upscaler not installed")
		r.fail(ctx, CatNotInstalled, "❌ Real-ESRGAN is not installed on this bot.")
		return
	}

	rep.States = append(rep.States, pipeline.StateTranscoding)
	out := filepath.Join(s.deps.TempDir, "upscaled_"+rep.RunID+".png")
	files.Add(out)
	started := time.Now()
	d.Progress(ctx, msgUpscaling(est.Duration, 0))
	stop := d.Heartbeat(ctx, s.deps.Heartbeat, func() string {
		return msgUpscaling(est.Duration, time.Since(started))
	})
	res, err := s.deps.Runner.Run(ctx, s.deps.Bin, "-i", in, "-o", out, "-s", fmt.Sprint(Factor))
	stop()
	if err != nil {
		perr := &media.ProcessError{Tool: "realesrgan", Err: err, Stderr: res.Stderr}
		l.Warn().Err(perr).Msg("upscale failed")
		r.fail(ctx, CatUpscaleFailed, "❌ **Real-ESRGAN error**\n"+media.Tail(strings.TrimSpace(res.Stderr), 200))
		return
	}
	fi, err := os.Stat(out)
	if err != nil {
		l.Warn().Err(err).Msg("upscaler left no output")
		r.fail(ctx, CatUpscaleFailed, "❌ The upscaled image was not generated.")
		return
	}

	rep.States = append(rep.States, pipeline.StateCompressing)
	d.Progress(ctx, "🔄 Optimising the size... 80%")
	final, size, shrunk := out, fi.Size(), false
	if s.deps.Limit > 0 && size > s.deps.Limit {
		small := filepath.Join(s.deps.TempDir, "compressed_"+rep.RunID+".jpg")
		files.Add(small)
		sh, err := Shrink(out, small, s.deps.Limit)
		if err != nil {
			l.Warn().Err(err).Msg("recompression failed")
			r.fail(ctx, pipeline.CatTooLarge, fmt.Sprintf("❌ The image is too large (%.1f MB) and could not be compressed.", mb(size)))
			return
		}
		l.Info().Int("quality", sh.Quality).Bool("halved", sh.Halved).Int64("size", sh.Size).Msg("upscaled image recompressed")
		if sh.Size > s.deps.Limit {
			r.fail(ctx, pipeline.CatTooLarge, fmt.Sprintf("⚠️ The upscaled image is still %.1f MB after compression (limit %.1f MB).", mb(sh.Size), mb(s.deps.Limit)))
			return
		}
		final, size, shrunk = small, sh.Size, true
	}
	rep.Segments = append(rep.Segments, pipeline.SegmentReport{Index: 1, Size: size})

	rep.States = append(rep.States, pipeline.StateDelivering)
	d.Progress(ctx, "🔄 Sending the file... 100%")
	inSize := int64(0)
	if fi, err := os.Stat(in); err == nil {
		inSize = fi.Size()
	}
	if !d.SendFile(ctx, final, caption(inSize, size, shrunk)) {
		rep.Segments[0].Outcome = pipeline.CatDeliveryFailed
		r.fail(ctx, pipeline.CatDeliveryFailed, "❌ The upscaled image could not be delivered here or by DM.")
		return
	}
	rep.Segments[0].Outcome = pipeline.CatDelivered
	rep.Outcome = pipeline.CatDelivered

	if s.deps.Stats != nil {
		err := s.deps.Stats.Record(ctx, stats.Run{
			UserID: req.UserID, UserName: req.UserName, Platform: Name,
			URL: req.URL, Clips: 1, At: time.Now(),
		})
		if err != nil {
			l.Warn().Err(err).Msg("stats not recorded")
		}
	}
}

func (s *Service) download(ctx context.Context, url, out string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := s.deps.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, maxInputBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n > maxInputBytes {
		return fmt.Errorf("image larger than %d MB", maxInputBytes>>20)
	}
	return nil
}

// Dimensions reads the image header of path.
func Dimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	return cfg.Width, cfg.Height, nil
}

func inputExt(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	switch ext := strings.ToLower(filepath.Ext(url)); ext {
	case ".png", ".jpg", ".jpeg", ".webp", ".gif":
		return ext
	}
	return ".png"
}

func mb(size int64) float64 { return float64(size) / (1024 * 1024) }

func msgUpscaling(estimate string, elapsed time.Duration) string {
	dots := strings.Repeat(".", 1+int(elapsed/(10*time.Second))%3)
	return fmt.Sprintf("🔄 **Upscaling in progress%s**\n⏱️ Estimated time: %s\n💡 The process is running, please be patient!", dots, estimate)
}

func caption(in, out int64, shrunk bool) string {
	head := "🎨 **Upscale done!**"
	if shrunk {
		head += " (compressed to fit)"
	}
	return fmt.Sprintf("%s\n📊 Original: %.2f MB | Final: %.2f MB | 🔍 x%d", head, mb(in), mb(out), Factor)
}
