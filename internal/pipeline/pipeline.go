// Package pipeline runs one media request end to end: admission, download,
// segmenting, encoding, size fitting, delivery and cleanup.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/wapuda/clipbot/internal/delivery"
	"github.com/wapuda/clipbot/internal/gate"
	"github.com/wapuda/clipbot/internal/ledger"
	"github.com/wapuda/clipbot/internal/media"
	"github.com/wapuda/clipbot/internal/metrics"
	"github.com/wapuda/clipbot/internal/runid"
	"github.com/wapuda/clipbot/internal/stats"
	"github.com/wapuda/clipbot/internal/upload"

	logx "github.com/wapuda/clipbot/internal/logs"
)

// Request is one command invocation. Immutable once built.
type Request struct {
	URL           string
	UserID        string
	UserName      string
	UserMention   string
	GuildID       string
	ChannelID     string
	InteractionID string
	Subtitles     bool
	// OnAdmit, when set, runs once the gate admits the request and before
	// any message is sent. Busy runs never call it.
	OnAdmit func(ctx context.Context)
}

// Profile is the per-command configuration of the pipeline.
type Profile struct {
	Name      string // command name, used for logs and metrics
	Platform  string // shown to users and recorded in stats
	Format    string
	Rate      media.RateProfile
	Budget    media.Budget
	Segmented bool
	// UseUploader sends oversized results to the external host instead of
	// skipping them.
	UseUploader bool
	// Disclaimer, when set, is the first message of the run and doubles as
	// the delivery probe.
	Disclaimer string
	// Delivery orders the channel and DM targets.
	Delivery delivery.Strategy
}

type Fetcher interface {
	Fetch(ctx context.Context, url, outputPath string, opts media.FetchOptions) (media.FetchResult, error)
}

type Cutter interface {
	CutAndComposite(ctx context.Context, s media.CutSpec) error
}

type Fitter interface {
	Fit(ctx context.Context, files media.Files, path string, b media.Budget) (media.FitResult, error)
}

type Recorder interface {
	Record(ctx context.Context, r stats.Run) error
}

// Delivery is what a run needs from its delivery channel.
type Delivery interface {
	Resolve(ctx context.Context, probe string) delivery.Target
	Notify(ctx context.Context, text string)
	SendFile(ctx context.Context, path, caption string) bool
	Progress(ctx context.Context, text string)
	Heartbeat(ctx context.Context, every time.Duration, render func() string) (stop func())
}

type Deps struct {
	Fetcher  Fetcher
	Prober   media.DurationProber
	Cutter   Cutter
	Fitter   Fitter
	Uploader upload.Uploader // nil disables link fallback
	Stats    Recorder        // nil disables recording

	TempDir    string
	SendDelay  time.Duration
	Heartbeat  time.Duration
	SweepRetry time.Duration
}

type Orchestrator struct {
	deps    Deps
	profile Profile
	gate    *gate.Gate
}

func New(deps Deps, profile Profile, g *gate.Gate) *Orchestrator {
	if deps.TempDir == "" {
		deps.TempDir = os.TempDir()
	}
	return &Orchestrator{deps: deps, profile: profile, gate: g}
}

func (o *Orchestrator) Profile() Profile { return o.profile }

// Run executes one request. It never returns an error: every failure is
// reported to the user through d and recorded in the Report. Temp files are
// swept on every exit path, including panics.
func (o *Orchestrator) Run(ctx context.Context, req Request, d Delivery) (rep Report) {
	rep.enter(StateIdle)
	permit, ok := o.gate.TryAcquire()
	if !ok {
		metrics.GateRejections.WithLabelValues(o.profile.Name).Inc()
		rep.say(ctx, d, CatBusy, msgBusy())
		rep.Outcome = CatBusy
		metrics.Runs.WithLabelValues(o.profile.Name, string(CatBusy)).Inc()
		return rep
	}
	defer permit.Release()
	rep.enter(StateAdmitted)

	rep.RunID = runid.New(req.InteractionID)
	ctx = logx.WithRun(ctx, rep.RunID, req.UserID, req.GuildID, o.profile.Name)
	l := logx.FromCtx(ctx)
	files := ledger.New(l, o.deps.SweepRetry)
	started := time.Now()

	inflight := metrics.RunsInFlight.WithLabelValues(o.profile.Name)
	inflight.Inc()
	defer func() {
		if p := recover(); p != nil {
			l.Error().Interface("panic", p).Str("stack", string(debug.Stack())).Msg("run crashed")
			rep.say(ctx, d, CatCritical, msgCritical())
			rep.Outcome = CatCritical
		}
		rep.enter(StateFinalSweep)
		// catch extractor side files (.part, .ytdl, extra subtitles)
		files.Adopt(filepath.Join(o.deps.TempDir, "*"+rep.RunID+"*"))
		rep.Sweep = files.Sweep(context.WithoutCancel(ctx))
		rep.enter(StateDone)

		inflight.Dec()
		metrics.Runs.WithLabelValues(o.profile.Name, metricOutcome(rep.Outcome)).Inc()
		metrics.RunDuration.WithLabelValues(o.profile.Name).Observe(time.Since(started).Seconds())
		l.Info().
			Str("outcome", string(rep.Outcome)).
			Int("segments", len(rep.Segments)).
			Int("swept", len(rep.Sweep.Deleted)).
			Int("sweep_failed", len(rep.Sweep.Failed)).
			Dur("took", time.Since(started)).
			Msg("run finished")
	}()

	l.Info().Str("url", req.URL).Msg("run admitted")
	if req.OnAdmit != nil {
		req.OnAdmit(ctx)
	}
	if o.profile.Disclaimer != "" {
		d.Resolve(ctx, o.profile.Disclaimer)
	}
	o.run(ctx, req, d, files, &rep)
	return rep
}

func metricOutcome(c Category) string {
	if c.IsFetch() {
		return "fetch_failed"
	}
	return string(c)
}

func (o *Orchestrator) run(ctx context.Context, req Request, d Delivery, files *ledger.Ledger, rep *Report) {
	l := logx.FromCtx(ctx)
	if err := os.MkdirAll(o.deps.TempDir, 0o755); err != nil {
		panic(fmt.Errorf("temp dir: %w", err))
	}

	res, ok := o.fetch(ctx, req, d, files, rep)
	if !ok {
		return
	}
	rep.Title = res.Title

	if !o.profile.Segmented {
		o.deliverWhole(ctx, d, files, res, rep)
	} else {
		subs, subsNote := o.prepareSubtitles(ctx, req, d, files, res, rep)

		rep.enter(StateProbing)
		duration, err := o.deps.Prober.Duration(ctx, res.Path)
		if err != nil {
			l.Warn().Err(err).Float64("default", media.DefaultDuration).Msg("probe failed, using default duration")
			duration = media.DefaultDuration
			rep.Degraded = true
			rep.say(ctx, d, CatProbeDegraded, msgProbeDegraded())
		}
		segs := media.PlanSegments(duration)
		l.Info().Float64("duration", duration).Int("segments", len(segs)).Msg("planned")
		d.Progress(ctx, msgPlanned(len(segs), subsNote))

		for i, seg := range segs {
			if err := ctx.Err(); err != nil {
				l.Warn().Err(err).Int("segment", seg.Index).Msg("run cancelled")
				rep.say(ctx, d, CatCritical, msgCritical())
				rep.Outcome = CatCritical
				return
			}
			sr := o.segment(ctx, d, files, res.Path, subs, subsNote, seg, len(segs), rep)
			rep.Segments = append(rep.Segments, sr)
			metrics.Segments.WithLabelValues(string(sr.Outcome)).Inc()
			if i < len(segs)-1 {
				sleep(ctx, o.deps.SendDelay)
			}
		}
	}

	rep.enter(StateSummarizing)
	rep.say(ctx, d, CatSummary, msgSummary(rep))
	rep.Outcome = CatSummary
	o.record(ctx, req, rep)
}

func (o *Orchestrator) fetch(ctx context.Context, req Request, d Delivery, files *ledger.Ledger, rep *Report) (media.FetchResult, bool) {
	l := logx.FromCtx(ctx)
	rep.enter(StateFetching)
	input := filepath.Join(o.deps.TempDir, "video_"+rep.RunID+".mp4")

	started := time.Now()
	d.Progress(ctx, msgDownloading(o.profile.Platform, 0))
	stop := d.Heartbeat(ctx, o.deps.Heartbeat, func() string {
		return msgDownloading(o.profile.Platform, time.Since(started))
	})
	res, err := o.deps.Fetcher.Fetch(ctx, req.URL, input, media.FetchOptions{
		Format:    o.profile.Format,
		Subtitles: req.Subtitles && o.profile.Segmented,
		Progress: func(done, total int64) {
			d.Progress(ctx, msgDownloadPercent(done, total))
		},
	})
	stop()

	if err != nil {
		var fe *media.FetchError
		switch {
		case errors.As(err, &fe):
			l.Warn().Str("reason", fe.Reason.String()).Str("err", media.Tail(fe.Text, 300)).Msg("fetch failed")
			rep.Outcome = FetchCategory(fe.Reason)
			rep.say(ctx, d, rep.Outcome, msgFetchFailed(fe.Reason, fe.Text))
		case errors.Is(err, media.ErrMissingOutput):
			l.Warn().Msg("fetch produced no file")
			rep.Outcome = CatFetchMissing
			rep.say(ctx, d, CatFetchMissing, msgFetchMissing())
		case ctx.Err() != nil:
			l.Warn().Err(err).Msg("fetch cancelled")
			rep.Outcome = CatCritical
			rep.say(ctx, d, CatCritical, msgCritical())
		default:
			l.Error().Err(err).Msg("fetch failed")
			rep.Outcome = FetchCategory(media.ReasonGeneric)
			rep.say(ctx, d, rep.Outcome, msgFetchFailed(media.ReasonGeneric, err.Error()))
		}
		return res, false
	}
	files.Add(res.Path)
	files.Add(res.Subtitles...)
	return res, true
}

// prepareSubtitles cleans the best subtitle file for burn-in. It returns the
// cleaned path and a short label for status messages, both "" when unused.
func (o *Orchestrator) prepareSubtitles(ctx context.Context, req Request, d Delivery, files *ledger.Ledger, res media.FetchResult, rep *Report) (string, string) {
	if !req.Subtitles {
		return "", ""
	}
	l := logx.FromCtx(ctx)
	for _, src := range res.Subtitles {
		clean := filepath.Join(filepath.Dir(src), "clean_"+filepath.Base(src))
		files.Add(clean)
		n, err := media.CleanSRT(src, clean)
		if err != nil {
			l.Warn().Err(err).Str("path", src).Msg("subtitle cleanup failed")
			continue
		}
		if n > 0 {
			return clean, filepath.Base(src)
		}
	}
	rep.say(ctx, d, CatSubtitlesNone, msgSubtitlesNone())
	return "", ""
}

func (o *Orchestrator) segment(ctx context.Context, d Delivery, files *ledger.Ledger, input, subs, subsNote string, seg media.Segment, total int, rep *Report) SegmentReport {
	l := logx.FromCtx(ctx).With().Int("segment", seg.Index).Logger()
	sr := SegmentReport{Index: seg.Index}
	out := filepath.Join(filepath.Dir(input), fmt.Sprintf("clip_%d_%s.mp4", seg.Index, rep.RunID))
	files.Add(out)
	defer func() {
		rep.enter(StateCleaningSegment)
		_ = files.Delete(out)
	}()

	rep.enter(StateTranscoding)
	d.Progress(ctx, msgProcessing(seg.Index, total, subsNote))
	err := o.deps.Cutter.CutAndComposite(ctx, media.CutSpec{
		Input:     input,
		Output:    out,
		Start:     seg.Start,
		Duration:  seg.Duration,
		Subtitles: subs,
		Rate:      o.profile.Rate,
	})
	if err != nil {
		l.Warn().Err(err).Msg("transcode failed")
		sr.Outcome, sr.Err = CatTranscodeFail, err
		rep.say(ctx, d, CatTranscodeFail, msgTranscodeFailed(seg.Index, total, err))
		return sr
	}

	rep.enter(StateCompressing)
	fit, err := o.deps.Fitter.Fit(ctx, files, out, o.profile.Budget)
	sr.Size, sr.Attempts = fit.Size, len(fit.Attempts)
	if err != nil {
		l.Warn().Err(err).Msg("compression failed")
		sr.Outcome, sr.Err = CatTranscodeFail, err
		rep.say(ctx, d, CatTranscodeFail, msgTranscodeFailed(seg.Index, total, err))
		return sr
	}

	rep.enter(StateDelivering)
	switch {
	case fit.Fits:
		if d.SendFile(ctx, out, captionClip(seg.Index, total, fit.Size)) {
			sr.Outcome = CatDelivered
		} else {
			sr.Outcome = CatDeliveryFailed
			rep.say(ctx, d, CatDeliveryFailed, msgDeliveryFailed(seg.Index, total))
		}
	case o.profile.UseUploader && o.deps.Uploader != nil:
		if link, ok := o.deps.Uploader.Upload(ctx, out); ok {
			sr.Outcome, sr.Link = CatLinked, link
			rep.say(ctx, d, CatLinked, msgLinked(seg.Index, total, fit.Size, link))
		} else {
			sr.Outcome = CatUploadFailed
			rep.say(ctx, d, CatUploadFailed, msgUploadFailed(seg.Index, total, fit.Size))
		}
	default:
		sr.Outcome = CatTooLarge
		rep.say(ctx, d, CatTooLarge, msgTooLarge(seg.Index, total, fit.Size, o.profile.Budget.Limit()))
	}
	l.Info().Str("outcome", string(sr.Outcome)).Float64("size_mb", mb(sr.Size)).Int("attempts", sr.Attempts).Msg("segment done")
	return sr
}

// deliverWhole sends the fetched file as-is: attached when it fits, else as
// a hosted link, else as the direct source link.
func (o *Orchestrator) deliverWhole(ctx context.Context, d Delivery, files *ledger.Ledger, res media.FetchResult, rep *Report) {
	l := logx.FromCtx(ctx)
	rep.enter(StateDelivering)
	sr := SegmentReport{Index: 1}
	if info, err := os.Stat(res.Path); err == nil {
		sr.Size = info.Size()
	}
	limit := o.profile.Budget.Limit()

	switch {
	case sr.Size <= limit:
		if d.SendFile(ctx, res.Path, captionWhole(res.Title, sr.Size)) {
			sr.Outcome = CatDelivered
		} else {
			sr.Outcome = CatDeliveryFailed
			rep.say(ctx, d, CatDeliveryFailed, msgDeliveryFailed(1, 1))
		}
	default:
		link := ""
		if o.profile.UseUploader && o.deps.Uploader != nil {
			link, _ = o.deps.Uploader.Upload(ctx, res.Path)
		}
		if link == "" {
			link = res.SourceURL
		}
		if link != "" {
			sr.Outcome, sr.Link = CatLinked, link
			rep.say(ctx, d, CatLinked, msgWholeLinked(sr.Size, link))
		} else {
			sr.Outcome = CatTooLarge
			rep.say(ctx, d, CatTooLarge, msgWholeTooLarge(sr.Size, limit))
		}
	}
	rep.Segments = append(rep.Segments, sr)
	metrics.Segments.WithLabelValues(string(sr.Outcome)).Inc()

	rep.enter(StateCleaningSegment)
	_ = files.Delete(res.Path)
	l.Info().Str("outcome", string(sr.Outcome)).Float64("size_mb", mb(sr.Size)).Msg("file done")
}

func (o *Orchestrator) record(ctx context.Context, req Request, rep *Report) {
	sent := rep.Count(CatDelivered) + rep.Count(CatLinked)
	if o.deps.Stats == nil || sent == 0 {
		return
	}
	err := o.deps.Stats.Record(ctx, stats.Run{
		UserID:   req.UserID,
		UserName: req.UserName,
		Platform: o.profile.Platform,
		URL:      req.URL,
		Title:    rep.Title,
		Clips:    sent,
	})
	if err != nil {
		l := logx.FromCtx(ctx)
		l.Warn().Err(err).Msg("stats not recorded")
	}
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
