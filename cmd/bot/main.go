package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/wapuda/clipbot/internal/chat/discord"
	"github.com/wapuda/clipbot/internal/chat/telegram"
	"github.com/wapuda/clipbot/internal/config"
	"github.com/wapuda/clipbot/internal/gate"
	"github.com/wapuda/clipbot/internal/media"
	"github.com/wapuda/clipbot/internal/pinterest"
	"github.com/wapuda/clipbot/internal/pipeline"
	"github.com/wapuda/clipbot/internal/server"
	"github.com/wapuda/clipbot/internal/stats"
	"github.com/wapuda/clipbot/internal/store"
	"github.com/wapuda/clipbot/internal/tracker"
	"github.com/wapuda/clipbot/internal/upload"
	"github.com/wapuda/clipbot/internal/upscale"

	logx "github.com/wapuda/clipbot/internal/logs"
)

// telegramCommands maps Telegram commands onto the Discord runners.
var telegramCommands = map[string]string{
	"clip":  "youtube",
	"video": "video",
}

func main() {
	_ = godotenv.Load()
	logx.Setup(logx.FromEnv("bot"))

	c, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if c.DiscordToken == "" && c.TelegramToken == "" {
		log.Fatal().Msg("DISCORD_TOKEN or TELEGRAM_TOKEN is required")
	}
	if err := os.MkdirAll(c.TempDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", c.TempDir).Msg("temp dir")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info().Str("temp", c.TempDir).Int("gate_capacity", c.GateCapacity).Msg("bot starting")

	st, err := stats.Open(ctx, c.StatsDB)
	if err != nil {
		log.Fatal().Err(err).Str("path", c.StatsDB).Msg("stats db")
	}
	defer st.Close()

	repo, err := store.Open(ctx, c.RedisAddr, c.StoreFile)
	if err != nil {
		log.Fatal().Err(err).Msg("store")
	}
	defer repo.Close()

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
		Stats:      st,
		TempDir:    c.TempDir,
		SendDelay:  c.SendDelay,
		Heartbeat:  c.HeartbeatEvery,
		SweepRetry: c.SweepRetryDelay,
	}

	var gates []*gate.Gate
	runners := map[string]*pipeline.Orchestrator{}
	for name, p := range pipeline.Profiles(c) {
		d := deps
		if name == "pinterest" {
			d.Fetcher = pinterest.New()
		}
		g := gate.New(name, c.GateCapacity)
		gates = append(gates, g)
		runners[name] = pipeline.New(d, p, g)
	}

	upGate := gate.New(upscale.Name, c.GateCapacity)
	gates = append(gates, upGate)
	up := upscale.New(upscale.Deps{
		Runner:     run,
		Bin:        c.UpscalerPath,
		Limit:      config.Bytes(c.MaxFileSizeMB),
		TempDir:    c.TempDir,
		Heartbeat:  c.HeartbeatEvery,
		SweepRetry: c.SweepRetryDelay,
		Stats:      st,
	}, upGate)

	tr := tracker.New(repo, ext)

	checks := map[string]server.Check{"stats": st.Ping}
	if p, ok := repo.(store.Pinger); ok {
		checks["store"] = p.Ping
	}
	srv := server.New(log.Logger, gates, checks)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx, c.HTTPAddr) })

	if c.DiscordToken != "" {
		dr := make(map[string]discord.Runner, len(runners)+1)
		for name, r := range runners {
			dr[name] = r
		}
		dr[upscale.Name] = up
		bot, err := discord.New(discord.Options{
			Token:    c.DiscordToken,
			GuildID:  c.DiscordGuildID,
			Runners:  dr,
			Channels: c.ChannelByCommand,
			Stats:    st,
			Tracker:  tr,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("discord session")
		}
		if err := bot.Start(gctx); err != nil {
			log.Fatal().Err(err).Msg("discord start")
		}
		g.Go(func() error {
			<-gctx.Done()
			return bot.Close()
		})

		// Without Redis there is no worker queue; the bot polls itself.
		if c.RedisAddr == "" {
			ann, err := discord.NewAnnouncer(c.DiscordToken)
			if err != nil {
				log.Fatal().Err(err).Msg("announcer")
			}
			g.Go(func() error {
				tr.Loop(gctx, c.TrackerInterval, ann)
				return nil
			})
		}
	}

	if c.TelegramToken != "" {
		api, err := telegram.Connect(c.TelegramToken)
		if err != nil {
			log.Fatal().Err(err).Msg("telegram auth")
		}
		log.Info().Str("username", api.Self.UserName).Msg("telegram authorized")
		tgRunners := make(map[string]telegram.Runner, len(telegramCommands))
		for cmd, name := range telegramCommands {
			tgRunners[cmd] = runners[name]
		}
		tg := telegram.New(api, tgRunners, st)
		g.Go(func() error {
			tg.Run(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("bot stopped with error")
	}
	log.Info().Msg("bot stopped")
}
