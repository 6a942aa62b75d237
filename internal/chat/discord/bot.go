// Package discord is the Discord front-end: slash command registration,
// interaction handling and the chat targets runs deliver to.
package discord

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/wapuda/clipbot/internal/delivery"
	"github.com/wapuda/clipbot/internal/pipeline"
	"github.com/wapuda/clipbot/internal/stats"
	"github.com/wapuda/clipbot/internal/tracker"

	logx "github.com/wapuda/clipbot/internal/logs"
)

type restAPI interface {
	api
	InteractionRespond(i *discordgo.Interaction, r *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
}

// Runner is one media command.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request, d pipeline.Delivery) pipeline.Report
	Profile() pipeline.Profile
}

type StatsReader interface {
	UserTotals(ctx context.Context, userID string) (stats.UserTotals, error)
	Leaderboard(ctx context.Context, limit int) ([]stats.LeaderboardEntry, error)
	Global(ctx context.Context) (stats.GlobalTotals, error)
}

type Options struct {
	Token   string
	GuildID string // "" registers commands globally
	Runners map[string]Runner
	// Channels restricts a command to the channel with that name.
	Channels map[string]string
	Stats    StatsReader
	Tracker  *tracker.Tracker
}

type Bot struct {
	s       *discordgo.Session
	api     restAPI
	guildID string

	runners  map[string]Runner
	channels map[string]string
	stats    StatsReader
	tracker  *tracker.Tracker

	// channelName looks up a channel's display name.
	channelName func(id string) string
	latency     func() time.Duration

	ctx context.Context

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(o Options) (*Bot, error) {
	s, err := discordgo.New("Bot " + o.Token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds
	b := &Bot{
		s:        s,
		api:      s,
		guildID:  o.GuildID,
		runners:  o.Runners,
		channels: o.Channels,
		stats:    o.Stats,
		tracker:  o.Tracker,
		latency:  s.HeartbeatLatency,
		ctx:      context.Background(),
	}
	b.channelName = func(id string) string {
		if ch, err := s.State.Channel(id); err == nil {
			return ch.Name
		}
		if ch, err := s.Channel(id); err == nil {
			return ch.Name
		}
		return ""
	}
	return b, nil
}

// Start connects and registers the slash commands. Runs started by
// interactions use ctx, which outlives any single interaction token.
func (b *Bot) Start(ctx context.Context) error {
	l := logx.FromCtx(ctx)
	b.ctx = ctx
	b.s.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		l.Info().Str("user", r.User.Username).Int("guilds", len(r.Guilds)).Msg("discord ready")
	})
	b.s.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		b.dispatch(i)
	})
	if err := b.s.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	cmds, err := b.s.ApplicationCommandBulkOverwrite(b.s.State.User.ID, b.guildID, b.enabledCommands())
	if err != nil {
		return fmt.Errorf("register commands: %w", err)
	}
	l.Info().Int("commands", len(cmds)).Str("guild", b.guildID).Msg("slash commands synced")
	return nil
}

// Close stops taking interactions, waits for in-flight ones (their runs
// see ctx cancelled), then disconnects.
func (b *Bot) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
	if b.s == nil {
		return nil
	}
	return b.s.Close()
}

// track registers an interaction with Close. It reports false once the
// bot is closing.
func (b *Bot) track() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.wg.Add(1)
	return true
}

func (b *Bot) enabledCommands() []*discordgo.ApplicationCommand {
	var out []*discordgo.ApplicationCommand
	for _, c := range commandDefs() {
		switch c.Name {
		case "mystats", "stats":
			if b.stats == nil {
				continue
			}
		case "linktiktok", "unlinktiktok", "mytiktok", "settiktokchannel", "linkedtiktoks":
			if b.tracker == nil {
				continue
			}
		case "ping":
		default:
			if _, ok := b.runners[c.Name]; !ok {
				continue
			}
		}
		out = append(out, c)
	}
	return out
}

func interactionUser(i *discordgo.InteractionCreate) (*discordgo.User, string) {
	if i.Member != nil && i.Member.User != nil {
		name := i.Member.Nick
		if name == "" {
			name = displayName(i.Member.User)
		}
		return i.Member.User, name
	}
	if i.User != nil {
		return i.User, displayName(i.User)
	}
	return &discordgo.User{}, ""
}

func displayName(u *discordgo.User) string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// allowedIn compares a configured channel name with the actual one,
// ignoring case and a leading #.
func allowedIn(want, got string) bool {
	norm := func(s string) string { return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "#")) }
	return want == "" || norm(want) == norm(got)
}

func (b *Bot) dispatch(i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	if !b.track() {
		return
	}
	defer b.wg.Done()
	data := i.ApplicationCommandData()
	user, _ := interactionUser(i)
	ctx := logx.WithRun(b.ctx, i.ID, user.ID, i.GuildID, data.Name)
	l := logx.FromCtx(ctx)
	l.Info().Str("command", data.Name).Msg("interaction received")

	defer func() {
		if p := recover(); p != nil {
			l.Error().Interface("panic", p).Msg("interaction handler crashed")
		}
	}()

	if r, ok := b.runners[data.Name]; ok {
		b.runMedia(ctx, i, data, r)
		return
	}
	switch data.Name {
	case "ping":
		b.reply(ctx, i, fmt.Sprintf("🏓 Pong! Latency: `%d ms`", b.latency().Milliseconds()), nil, false)
	case "mystats":
		b.myStats(ctx, i)
	case "stats":
		b.adminStats(ctx, i, data)
	case "linktiktok":
		b.linkTikTok(ctx, i, data)
	case "unlinktiktok":
		b.unlinkTikTok(ctx, i)
	case "mytiktok":
		b.myTikTok(ctx, i)
	case "settiktokchannel":
		b.setTikTokChannel(ctx, i, data)
	case "linkedtiktoks":
		b.linkedTikToks(ctx, i)
	default:
		b.reply(ctx, i, "❌ Unknown command.", nil, true)
	}
}

func (b *Bot) reply(ctx context.Context, i *discordgo.InteractionCreate, content string, embed *discordgo.MessageEmbed, ephemeral bool) {
	data := &discordgo.InteractionResponseData{Content: content}
	if embed != nil {
		data.Embeds = []*discordgo.MessageEmbed{embed}
	}
	if ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	err := b.api.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	})
	if err != nil {
		l := logx.FromCtx(ctx)
		l.Warn().Err(err).Msg("interaction reply failed")
	}
}

func (b *Bot) deferReply(ctx context.Context, i *discordgo.InteractionCreate, ephemeral bool) bool {
	resp := &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredChannelMessageWithSource}
	if ephemeral {
		resp.Data = &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral}
	}
	if err := b.api.InteractionRespond(i.Interaction, resp); err != nil {
		l := logx.FromCtx(ctx)
		l.Warn().Err(err).Msg("interaction defer failed")
		return false
	}
	return true
}

func (b *Bot) followup(ctx context.Context, i *discordgo.InteractionCreate, embed *discordgo.MessageEmbed, ephemeral bool) {
	p := &discordgo.WebhookParams{Embeds: []*discordgo.MessageEmbed{embed}}
	if ephemeral {
		p.Flags = discordgo.MessageFlagsEphemeral
	}
	if _, err := b.api.FollowupMessageCreate(i.Interaction, true, p); err != nil {
		l := logx.FromCtx(ctx)
		l.Warn().Err(err).Msg("follow-up failed")
	}
}

func (b *Bot) runMedia(ctx context.Context, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData, r Runner) {
	l := logx.FromCtx(ctx)
	if want := b.channels[data.Name]; want != "" && !allowedIn(want, b.channelName(i.ChannelID)) {
		b.reply(ctx, i, fmt.Sprintf("❌ This command can only be used in **#%s**", strings.TrimPrefix(want, "#")), nil, true)
		return
	}
	opts := options(data)
	url := strings.TrimSpace(stringOpt(opts, "url"))
	if a := attachmentOpt(data, opts, "image"); a != nil {
		if !strings.HasPrefix(a.ContentType, "image/") {
			b.reply(ctx, i, "❌ Please send a valid image.", nil, true)
			return
		}
		url = a.URL
	}
	if url == "" {
		b.reply(ctx, i, "❌ Please provide a link.", nil, true)
		return
	}
	if !b.deferReply(ctx, i, false) {
		return
	}

	user, name := interactionUser(i)
	mention := "<@" + user.ID + ">"
	profile := r.Profile()
	req := pipeline.Request{
		URL:           url,
		UserID:        user.ID,
		UserName:      name,
		UserMention:   mention,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		InteractionID: i.ID,
		Subtitles:     boolOpt(opts, "subtitles"),
	}
	if profile.Delivery == delivery.DMFirst {
		// posted only after the gate admits the run
		req.OnAdmit = func(ctx context.Context) {
			text := fmt.Sprintf("📩 %s, the file will be sent to you by DM when possible.", mention)
			if _, err := b.api.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &text}); err != nil {
				l := logx.FromCtx(ctx)
				l.Debug().Err(err).Msg("dm notice not shown")
			}
		}
	}

	channel := NewInteractionTarget(b.api, i.Interaction)
	dm := NewDMTarget(b.api, user.ID)
	primary, fallback := profile.Delivery.Order(channel, dm)
	d := delivery.New(primary, fallback, mention)

	rep := r.Run(b.ctx, req, d)
	l.Info().
		Str("run_id", rep.RunID).
		Str("outcome", string(rep.Outcome)).
		Str("target", d.Active()).
		Bool("redirected", d.Redirected()).
		Msg("command finished")
}

func (b *Bot) myStats(ctx context.Context, i *discordgo.InteractionCreate) {
	if !b.deferReply(ctx, i, true) {
		return
	}
	user, name := interactionUser(i)
	u, err := b.stats.UserTotals(ctx, user.ID)
	if err != nil {
		b.followup(ctx, i, notice("❌ Error", "Statistics are unavailable right now.", colorRed), true)
		return
	}
	b.followup(ctx, i, userStatsEmbed(name, u), true)
}

func (b *Bot) adminStats(ctx context.Context, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	if !b.deferReply(ctx, i, false) {
		return
	}
	l := logx.FromCtx(ctx)
	opts := options(data)
	if stringOpt(opts, "type") == "personal" {
		user, name := interactionUser(i)
		id := user.ID
		if target := idOpt(opts, "user"); target != "" {
			id, name = target, "<@"+target+">"
			if data.Resolved != nil {
				if u, ok := data.Resolved.Users[target]; ok {
					name = displayName(u)
				}
			}
		}
		u, err := b.stats.UserTotals(ctx, id)
		if err != nil {
			l.Error().Err(err).Msg("user stats failed")
			b.followup(ctx, i, notice("❌ Error", "Statistics are unavailable right now.", colorRed), false)
			return
		}
		b.followup(ctx, i, userStatsEmbed(name, u), false)
		return
	}

	g, err := b.stats.Global(ctx)
	if err == nil {
		var top []stats.LeaderboardEntry
		if top, err = b.stats.Leaderboard(ctx, 10); err == nil {
			b.followup(ctx, i, globalStatsEmbed(g, top), false)
			return
		}
	}
	l.Error().Err(err).Msg("global stats failed")
	b.followup(ctx, i, notice("❌ Error", "Statistics are unavailable right now.", colorRed), false)
}

func (b *Bot) inGuild(ctx context.Context, i *discordgo.InteractionCreate) bool {
	if i.GuildID == "" {
		b.reply(ctx, i, "❌ This command must be used in a server.", nil, true)
		return false
	}
	return true
}

func (b *Bot) linkTikTok(ctx context.Context, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	if !b.inGuild(ctx, i) {
		return
	}
	l := logx.FromCtx(ctx)
	handle, err := tracker.NormalizeHandle(stringOpt(options(data), "username"))
	if err != nil {
		b.reply(ctx, i, "", notice("❌ Error", "The username cannot be empty", colorRed), true)
		return
	}
	channel, err := b.tracker.Channel(ctx, i.GuildID)
	if err != nil {
		l.Error().Err(err).Msg("tracker channel lookup failed")
		b.reply(ctx, i, "", notice("❌ Error", "Linked accounts are unavailable right now.", colorRed), true)
		return
	}
	if channel == "" {
		b.reply(ctx, i, "", notice("⚠️ Channel not configured",
			"An administrator must first set the notification channel with `/settiktokchannel`", colorOrange), true)
		return
	}
	if !b.deferReply(ctx, i, true) {
		return
	}

	switch err := b.tracker.Verify(ctx, handle); {
	case errors.Is(err, tracker.ErrUnknownAccount):
		b.followup(ctx, i, notice("❌ Account not found",
			fmt.Sprintf("The TikTok account `@%s` could not be verified. Make sure the username is correct.", handle), colorRed), true)
		return
	case err != nil:
		l.Warn().Err(err).Str("handle", handle).Msg("account verification failed, linking anyway")
		b.followup(ctx, i, notice("⚠️ Verification unavailable",
			fmt.Sprintf("Could not verify `@%s`. The link is created anyway.", handle), colorOrange), true)
	}

	user, _ := interactionUser(i)
	changed, err := b.tracker.Link(ctx, i.GuildID, user.ID, handle)
	if err != nil {
		l.Error().Err(err).Msg("link failed")
		b.followup(ctx, i, notice("❌ Error", "The account could not be linked.", colorRed), true)
		return
	}
	b.followup(ctx, i, linkedEmbed(handle, channel, changed), true)
}

func (b *Bot) unlinkTikTok(ctx context.Context, i *discordgo.InteractionCreate) {
	if !b.inGuild(ctx, i) {
		return
	}
	user, _ := interactionUser(i)
	handle, err := b.tracker.Unlink(ctx, i.GuildID, user.ID)
	switch {
	case errors.Is(err, tracker.ErrNotLinked):
		b.reply(ctx, i, "", notice("⚠️ No linked account", "You have no linked TikTok account", colorOrange), true)
	case err != nil:
		l := logx.FromCtx(ctx)
		l.Error().Err(err).Msg("unlink failed")
		b.reply(ctx, i, "", notice("❌ Error", "The account could not be unlinked.", colorRed), true)
	default:
		b.reply(ctx, i, "", notice("✅ Account unlinked", fmt.Sprintf("`@%s` is no longer linked", handle), colorGreen), true)
	}
}

func (b *Bot) myTikTok(ctx context.Context, i *discordgo.InteractionCreate) {
	if !b.inGuild(ctx, i) {
		return
	}
	user, _ := interactionUser(i)
	a, err := b.tracker.Account(ctx, i.GuildID, user.ID)
	if err != nil {
		b.reply(ctx, i, "", notice("⚠️ No linked account",
			"You have not linked a TikTok account yet.\nUse `/linktiktok` to link one!", colorOrange), true)
		return
	}
	channel, _ := b.tracker.Channel(ctx, i.GuildID)
	b.reply(ctx, i, "", myTikTokEmbed(a, channel), true)
}

func (b *Bot) setTikTokChannel(ctx context.Context, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	if !b.inGuild(ctx, i) {
		return
	}
	channel := idOpt(options(data), "channel")
	if err := b.tracker.SetChannel(ctx, i.GuildID, channel); err != nil {
		l := logx.FromCtx(ctx)
		l.Error().Err(err).Msg("set channel failed")
		b.reply(ctx, i, "", notice("❌ Error", "The channel could not be saved.", colorRed), true)
		return
	}
	b.reply(ctx, i, "", notice("✅ Channel configured", fmt.Sprintf("New TikTok videos will be posted in <#%s>", channel), colorGreen), false)
}

func (b *Bot) linkedTikToks(ctx context.Context, i *discordgo.InteractionCreate) {
	if !b.inGuild(ctx, i) {
		return
	}
	accounts, err := b.tracker.Accounts(ctx, i.GuildID)
	if err != nil {
		l := logx.FromCtx(ctx)
		l.Error().Err(err).Msg("list accounts failed")
		b.reply(ctx, i, "", notice("❌ Error", "Linked accounts are unavailable right now.", colorRed), true)
		return
	}
	channel, _ := b.tracker.Channel(ctx, i.GuildID)
	b.reply(ctx, i, "", linkedListEmbed(accounts, channel), true)
}
