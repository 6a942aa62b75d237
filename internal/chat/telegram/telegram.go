// Package telegram is a secondary front-end: the same media runs driven
// from Telegram chat commands.
package telegram

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/wapuda/clipbot/internal/delivery"
	"github.com/wapuda/clipbot/internal/pipeline"
	"github.com/wapuda/clipbot/internal/stats"

	logx "github.com/wapuda/clipbot/internal/logs"
)

const maxText = 4096

// botAPI is the part of *tgbotapi.BotAPI the front-end uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(u tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Runner interface {
	Run(ctx context.Context, req pipeline.Request, d pipeline.Delivery) pipeline.Report
	Profile() pipeline.Profile
}

type StatsReader interface {
	UserTotals(ctx context.Context, userID string) (stats.UserTotals, error)
}

// UserID namespaces Telegram users in the shared stats store.
func UserID(id int64) string { return "tg:" + strconv.FormatInt(id, 10) }

func clip(s string) string {
	if len(s) <= maxText {
		return s
	}
	s = s[:maxText-3]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s + "..."
}

// ChatTarget sends into one Telegram chat.
type ChatTarget struct {
	api    botAPI
	chatID int64
}

func NewChatTarget(api botAPI, chatID int64) *ChatTarget {
	return &ChatTarget{api: api, chatID: chatID}
}

func (t *ChatTarget) Name() string { return "telegram" }

func (t *ChatTarget) Send(_ context.Context, text string) (delivery.MessageRef, error) {
	m, err := t.api.Send(tgbotapi.NewMessage(t.chatID, clip(text)))
	if err != nil {
		return delivery.MessageRef{}, err
	}
	return delivery.MessageRef{ChatID: strconv.FormatInt(t.chatID, 10), MessageID: strconv.Itoa(m.MessageID)}, nil
}

func (t *ChatTarget) SendFile(_ context.Context, path, caption string) error {
	v := tgbotapi.NewVideo(t.chatID, tgbotapi.FilePath(path))
	v.Caption = clip(caption)
	v.SupportsStreaming = true
	_, err := t.api.Send(v)
	return err
}

func (t *ChatTarget) Edit(_ context.Context, ref delivery.MessageRef, text string) error {
	id, err := strconv.Atoi(ref.MessageID)
	if err != nil {
		return fmt.Errorf("message ref %q: %w", ref.MessageID, err)
	}
	_, err = t.api.Send(tgbotapi.NewEditMessageText(t.chatID, id, clip(text)))
	return err
}

type Bot struct {
	api     botAPI
	runners map[string]Runner
	stats   StatsReader

	wg sync.WaitGroup
}

// New wires commands to runners, e.g. "clip" and "video". stats may be nil.
func New(api botAPI, runners map[string]Runner, st StatsReader) *Bot {
	return &Bot{api: api, runners: runners, stats: st}
}

// Connect authorizes the token and returns the live API client.
func Connect(token string) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = false
	return api, nil
}

// Run consumes updates until ctx ends, then waits for in-flight runs.
func (b *Bot) Run(ctx context.Context) {
	l := logx.FromCtx(ctx)
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := b.api.GetUpdatesChan(u)
	defer b.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			l.Info().Msg("telegram loop stopped")
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			if upd.Message == nil || !upd.Message.IsCommand() {
				continue
			}
			m := upd.Message
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handle(ctx, upd.UpdateID, m)
			}()
		}
	}
}

func (b *Bot) say(ctx context.Context, chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, clip(text))); err != nil {
		l := logx.FromCtx(ctx)
		l.Warn().Err(err).Int64("chat_id", chatID).Msg("telegram send failed")
	}
}

func (b *Bot) handle(ctx context.Context, updateID int, m *tgbotapi.Message) {
	if m.From == nil || m.Chat == nil {
		return
	}
	cmd := m.Command()
	ctx = logx.WithRun(ctx, strconv.Itoa(updateID), UserID(m.From.ID), "", cmd)
	l := logx.FromCtx(ctx)
	l.Info().Int64("chat_id", m.Chat.ID).Msg("message received")

	defer func() {
		if p := recover(); p != nil {
			l.Error().Interface("panic", p).Msg("telegram handler crashed")
		}
	}()

	if r, ok := b.runners[cmd]; ok {
		b.runMedia(ctx, updateID, m, r)
		return
	}
	switch cmd {
	case "start", "help":
		b.say(ctx, m.Chat.ID, b.help())
	case "stats":
		b.myStats(ctx, m)
	default:
		b.say(ctx, m.Chat.ID, "Unknown command. Send /help for the list.")
	}
}

func (b *Bot) help() string {
	names := make([]string, 0, len(b.runners))
	for n := range b.runners {
		names = append(names, n)
	}
	sort.Strings(names)
	var sb strings.Builder
	sb.WriteString("Send a link with one of:\n")
	for _, n := range names {
		fmt.Fprintf(&sb, "/%s <url>\n", n)
	}
	if b.stats != nil {
		sb.WriteString("/stats - your download statistics\n")
	}
	return sb.String()
}

func (b *Bot) runMedia(ctx context.Context, updateID int, m *tgbotapi.Message, r Runner) {
	url := strings.TrimSpace(m.CommandArguments())
	if url == "" {
		b.say(ctx, m.Chat.ID, fmt.Sprintf("❌ Please provide a link: /%s <url>", m.Command()))
		return
	}
	name := m.From.UserName
	mention := "@" + name
	if name == "" {
		name = strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
		mention = name
	}

	d := delivery.New(NewChatTarget(b.api, m.Chat.ID), nil, "")
	rep := r.Run(ctx, pipeline.Request{
		URL:           url,
		UserID:        UserID(m.From.ID),
		UserName:      name,
		UserMention:   mention,
		ChannelID:     strconv.FormatInt(m.Chat.ID, 10),
		InteractionID: strconv.Itoa(updateID),
	}, d)
	l := logx.FromCtx(ctx)
	l.Info().Str("run_id", rep.RunID).Str("outcome", string(rep.Outcome)).Msg("command finished")
}

func (b *Bot) myStats(ctx context.Context, m *tgbotapi.Message) {
	if b.stats == nil {
		b.say(ctx, m.Chat.ID, "Statistics are disabled.")
		return
	}
	u, err := b.stats.UserTotals(ctx, UserID(m.From.ID))
	if err != nil {
		l := logx.FromCtx(ctx)
		l.Error().Err(err).Msg("user stats failed")
		b.say(ctx, m.Chat.ID, "❌ Statistics are unavailable right now.")
		return
	}
	b.say(ctx, m.Chat.ID, statsText(u))
}

func statsText(u stats.UserTotals) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📥 Downloads: %d (%d files)\n", u.Downloads, u.Clips)
	if u.Rank > 0 {
		fmt.Fprintf(&sb, "🏆 Rank: #%d\n", u.Rank)
	} else {
		sb.WriteString("🏆 Rank: unranked\n")
	}
	platforms := make([]string, 0, len(u.ByPlatform))
	for p := range u.ByPlatform {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	for _, p := range platforms {
		fmt.Fprintf(&sb, "• %s: %d\n", p, u.ByPlatform[p])
	}
	return strings.TrimRight(sb.String(), "\n")
}
