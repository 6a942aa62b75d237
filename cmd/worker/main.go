package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/wapuda/clipbot/internal/chat/discord"
	"github.com/wapuda/clipbot/internal/config"
	"github.com/wapuda/clipbot/internal/jobs"
	"github.com/wapuda/clipbot/internal/media"
	"github.com/wapuda/clipbot/internal/store"
	"github.com/wapuda/clipbot/internal/tracker"

	logx "github.com/wapuda/clipbot/internal/logs"
)

func main() {
	_ = godotenv.Load()
	logx.Setup(logx.FromEnv("worker"))

	c, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	if c.RedisAddr == "" {
		log.Fatal().Msg("REDIS_ADDR is required")
	}
	if c.DiscordToken == "" {
		log.Fatal().Msg("DISCORD_TOKEN is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := store.Open(ctx, c.RedisAddr, "")
	if err != nil {
		log.Fatal().Err(err).Msg("store")
	}
	defer repo.Close()

	ext := media.NewExtractor(c.YtDlpPath, media.ExecRunner{})
	ext.CookiesFile = c.CookiesFile
	ext.CookiesBrowser = c.CookiesBrowser
	tr := tracker.New(repo, ext)

	ann, err := discord.NewAnnouncer(c.DiscordToken)
	if err != nil {
		log.Fatal().Err(err).Msg("announcer")
	}
	redisOpt := asynq.RedisClientOpt{Addr: c.RedisAddr}
	client := asynq.NewClient(redisOpt)
	defer client.Close()
	queue := jobs.NewEnqueuer(client)

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: c.WorkerConc,
		Queues:      map[string]int{jobs.QueueTracker: 1},
		BaseContext: func() context.Context { return ctx },
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(jobs.TaskTrackerPoll, func(ctx context.Context, t *asynq.Task) error {
		rep, err := tr.Poll(ctx, queue)
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if rep.Skipped {
			log.Info().Msg("previous poll still running, tick skipped")
		}
		return nil
	})
	mux.HandleFunc(jobs.TaskTrackerAnnounce, func(ctx context.Context, t *asynq.Task) error {
		var p jobs.AnnouncePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		l := logx.FromCtx(ctx)
		if err := ann.Announce(ctx, p.Announcement()); err != nil {
			l.Warn().Err(err).Str("handle", p.Handle).Str("video", p.VideoID).Msg("announcement failed")
			return err
		}
		l.Info().Str("handle", p.Handle).Str("video", p.VideoID).Str("channel", p.ChannelID).Msg("announced")
		return nil
	})

	sched := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
	poll, err := jobs.NewTrackerPoll(c.TrackerInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("poll task")
	}
	if _, err := sched.Register(fmt.Sprintf("@every %s", c.TrackerInterval), poll); err != nil {
		log.Fatal().Err(err).Msg("schedule poll")
	}
	if err := sched.Start(); err != nil {
		log.Fatal().Err(err).Msg("scheduler")
	}
	defer sched.Shutdown()

	log.Info().Dur("interval", c.TrackerInterval).Int("concurrency", c.WorkerConc).Msg("worker starting")
	if err := srv.Start(mux); err != nil {
		log.Fatal().Err(err).Msg("asynq server")
	}
	<-ctx.Done()
	srv.Shutdown()
	log.Info().Msg("worker stopped")
}
