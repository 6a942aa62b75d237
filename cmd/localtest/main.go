package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/joho/godotenv"

	"github.com/wapuda/clipbot/internal/config"
	"github.com/wapuda/clipbot/internal/delivery"
	"github.com/wapuda/clipbot/internal/gate"
	"github.com/wapuda/clipbot/internal/media"
	"github.com/wapuda/clipbot/internal/pinterest"
	"github.com/wapuda/clipbot/internal/pipeline"
	"github.com/wapuda/clipbot/internal/upload"

	logx "github.com/wapuda/clipbot/internal/logs"
)

// Runs one command over a batch of links without a chat platform. Messages go to
// stdout and delivered files are copied into the output directory.
func main() {
	_ = godotenv.Load()
	profiles := func(c config.Config) []string {
		var names []string
		for n := range pipeline.Profiles(c) {
			names = append(names, n)
		}
		sort.Strings(names)
		return names
	}

	c, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if len(os.Args) < 4 {
		fmt.Printf("Usage: go run ./cmd/localtest <%s> <out-dir> <url>...\n", strings.Join(profiles(c), "|"))
		return
	}
	p, ok := pipeline.Profiles(c)[os.Args[1]]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	outDir, urls := os.Args[2], os.Args[3:]
	subtitles := os.Getenv("SUBTITLES") == "1"

	cfg := logx.FromEnv("localtest")
	cfg.Format = "console"
	logx.Setup(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	run := media.ExecRunner{}
	ext := media.NewExtractor(c.YtDlpPath, run)
	ext.CookiesFile = c.CookiesFile
	ext.CookiesBrowser = c.CookiesBrowser
	prober := media.NewProber(c.FFprobePath, run)
	enc := media.NewTranscoder(c.FFmpegPath, run)
	deps := pipeline.Deps{
		Fetcher:    ext,
		Prober:     prober,
		Cutter:     enc,
		Fitter:     media.NewCompressor(prober, enc),
		Uploader:   upload.New(c.UploadProvider, c.CatboxURL, c.FilebinBase, c.FilebinBinPrefix),
		TempDir:    c.TempDir,
		Heartbeat:  c.HeartbeatEvery,
		SweepRetry: c.SweepRetryDelay,
	}
	if p.Name == "pinterest" {
		deps.Fetcher = pinterest.New()
	}

	// Local batches queue on their own gate so the pipeline gate never
	// turns a run away as busy.
	runGate := gate.New(p.Name, c.GateCapacity)
	queue := gate.New("local", c.GateCapacity)
	o := pipeline.New(deps, p, runGate)
	console := &delivery.Console{Out: os.Stdout, Dir: outDir}

	var (
		wg     sync.WaitGroup
		failed atomic.Bool
	)
	for i, url := range urls {
		permit, err := queue.Acquire(ctx)
		if err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer permit.Release()
			rep := o.Run(ctx, pipeline.Request{
				URL:           url,
				UserID:        "local",
				UserName:      "local",
				InteractionID: fmt.Sprintf("local%d", i+1),
				Subtitles:     subtitles,
			}, delivery.New(console, nil, ""))
			fmt.Printf("run %s: %s %s (%d segment(s), %d temp file(s) swept)\n",
				rep.RunID, url, rep.Outcome, len(rep.Segments), len(rep.Sweep.Deleted))
			if rep.Outcome == pipeline.CatCritical {
				failed.Store(true)
			}
		}()
	}
	wg.Wait()
	if failed.Load() {
		os.Exit(1)
	}
}
