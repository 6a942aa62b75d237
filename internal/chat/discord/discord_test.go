package discord

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wapuda/clipbot/internal/delivery"
	"github.com/wapuda/clipbot/internal/pipeline"
	"github.com/wapuda/clipbot/internal/stats"
	"github.com/wapuda/clipbot/internal/store"
	"github.com/wapuda/clipbot/internal/tracker"
)

type sent struct {
	kind    string // followup|channel|dm-open|respond|edit-response|...
	channel string
	content string
	file    string
	embeds  []*discordgo.MessageEmbed
	flags   discordgo.MessageFlags
}

type fakeAPI struct {
	mu          sync.Mutex
	calls       []sent
	followupErr error
	channelErr  error
	dmErr       error
	ids         int
}

func (f *fakeAPI) record(s sent) *discordgo.Message {
	f.calls = append(f.calls, s)
	f.ids++
	return &discordgo.Message{ID: fmt.Sprint(f.ids), ChannelID: s.channel}
}

func fileName(files []*discordgo.File) string {
	if len(files) == 0 {
		return ""
	}
	_, _ = io.Copy(io.Discard, files[0].Reader)
	return files[0].Name
}

func (f *fakeAPI) FollowupMessageCreate(i *discordgo.Interaction, _ bool, data *discordgo.WebhookParams, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.followupErr != nil {
		return nil, f.followupErr
	}
	return f.record(sent{kind: "followup", channel: i.ChannelID, content: data.Content, file: fileName(data.Files), embeds: data.Embeds, flags: data.Flags}), nil
}

func (f *fakeAPI) FollowupMessageEdit(i *discordgo.Interaction, id string, data *discordgo.WebhookEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record(sent{kind: "followup-edit:" + id, content: *data.Content}), nil
}

func (f *fakeAPI) InteractionResponseEdit(i *discordgo.Interaction, data *discordgo.WebhookEdit, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record(sent{kind: "edit-response", content: *data.Content}), nil
}

func (f *fakeAPI) ChannelMessageSend(ch, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errFor(ch); err != nil {
		return nil, err
	}
	return f.record(sent{kind: "channel", channel: ch, content: content}), nil
}

func (f *fakeAPI) ChannelMessageSendComplex(ch string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errFor(ch); err != nil {
		return nil, err
	}
	return f.record(sent{kind: "channel", channel: ch, content: data.Content, file: fileName(data.Files), embeds: data.Embeds}), nil
}

func (f *fakeAPI) ChannelMessageEdit(ch, id, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record(sent{kind: "channel-edit:" + id, channel: ch, content: content}), nil
}

func (f *fakeAPI) UserChannelCreate(user string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dmErr != nil {
		return nil, f.dmErr
	}
	f.calls = append(f.calls, sent{kind: "dm-open", channel: "dm-" + user})
	return &discordgo.Channel{ID: "dm-" + user}, nil
}

func (f *fakeAPI) InteractionRespond(i *discordgo.Interaction, r *discordgo.InteractionResponse, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := sent{kind: fmt.Sprintf("respond:%d", r.Type)}
	if r.Data != nil {
		s.content, s.embeds, s.flags = r.Data.Content, r.Data.Embeds, r.Data.Flags
	}
	f.calls = append(f.calls, s)
	return nil
}

func (f *fakeAPI) errFor(ch string) error {
	if strings.HasPrefix(ch, "dm-") {
		return f.dmErr
	}
	return f.channelErr
}

func (f *fakeAPI) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c.kind)
	}
	return out
}

func (f *fakeAPI) last() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func restErr(code int) error {
	return &discordgo.RESTError{
		Response: &http.Response{Status: "401 Unauthorized", StatusCode: 401},
		Message:  &discordgo.APIErrorMessage{Code: code, Message: "Invalid Webhook Token"},
	}
}

func interaction(name string, opts ...*discordgo.ApplicationCommandInteractionDataOption) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		ID:        "900",
		Type:      discordgo.InteractionApplicationCommand,
		GuildID:   "g1",
		ChannelID: "c1",
		Member:    &discordgo.Member{User: &discordgo.User{ID: "42", Username: "ana"}},
		Data:      discordgo.ApplicationCommandInteractionData{Name: name, Options: opts},
	}}
}

func strOpt(name, v string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{Name: name, Type: discordgo.ApplicationCommandOptionString, Value: v}
}

func testBot(f *fakeAPI) *Bot {
	return &Bot{
		api:         f,
		runners:     map[string]Runner{},
		channels:    map[string]string{},
		channelName: func(string) string { return "general" },
		latency:     func() time.Duration { return 42 * time.Millisecond },
		ctx:         context.Background(),
	}
}

func TestIsExpiredToken(t *testing.T) {
	assert.True(t, isExpiredToken(fmt.Errorf("wrapped: %w", restErr(codeInvalidWebhookToken))))
	assert.False(t, isExpiredToken(restErr(50013)))
	assert.False(t, isExpiredToken(errors.New("50027")))
}

func TestClip(t *testing.T) {
	assert.Equal(t, "short", clip("short"))
	long := strings.Repeat("é", 1500)
	c := clip(long)
	assert.LessOrEqual(t, len(c), maxContent)
	assert.True(t, strings.HasSuffix(c, "..."))
}

func TestInteractionTargetFallsBackAfterExpiry(t *testing.T) {
	f := &fakeAPI{}
	it := &discordgo.Interaction{ChannelID: "c1"}
	target := NewInteractionTarget(f, it)
	ctx := context.Background()

	ref, err := target.Send(ctx, "first")
	require.NoError(t, err)
	require.NoError(t, target.Edit(ctx, ref, "first, edited"))

	f.followupErr = restErr(codeInvalidWebhookToken)
	ref2, err := target.Send(ctx, "second")
	require.NoError(t, err)
	assert.Equal(t, "c1", ref2.ChatID)
	require.NoError(t, target.Edit(ctx, ref2, "second, edited"))
	assert.Error(t, target.Edit(ctx, ref, "old follow-up"), "expired follow-ups are not editable")

	path := filepath.Join(t.TempDir(), "clip_1.mp4")
	require.NoError(t, os.WriteFile(path, []byte("mp4"), 0o644))
	require.NoError(t, target.SendFile(ctx, path, "caption"))

	assert.Equal(t, []string{"followup", "followup-edit:1", "channel", "channel-edit:3", "channel"}, f.kinds())
	assert.Equal(t, "clip_1.mp4", f.last().file)
}

func TestInteractionTargetOtherErrorsSurface(t *testing.T) {
	f := &fakeAPI{followupErr: restErr(50013)}
	target := NewInteractionTarget(f, &discordgo.Interaction{ChannelID: "c1"})
	_, err := target.Send(context.Background(), "x")
	assert.Error(t, err)
	assert.Empty(t, f.kinds())
}

func TestDMTargetOpensChannelOnce(t *testing.T) {
	f := &fakeAPI{}
	dm := NewDMTarget(f, "42")
	ctx := context.Background()
	_, err := dm.Send(ctx, "a")
	require.NoError(t, err)
	ref, err := dm.Send(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "dm-42", ref.ChatID)
	assert.Equal(t, []string{"dm-open", "channel", "channel"}, f.kinds())

	f2 := &fakeAPI{dmErr: restErr(50007)}
	_, err = NewDMTarget(f2, "42").Send(ctx, "a")
	assert.Error(t, err)
}

func TestAllowedIn(t *testing.T) {
	assert.True(t, allowedIn("", "anything"))
	assert.True(t, allowedIn("#🎨┃gen-pinterest", "🎨┃gen-pinterest"))
	assert.True(t, allowedIn("Clips", "clips"))
	assert.False(t, allowedIn("clips", "general"))
}

func TestEnabledCommands(t *testing.T) {
	b := testBot(&fakeAPI{})
	b.runners["youtube"] = nil
	var names []string
	for _, c := range b.enabledCommands() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"youtube", "ping"}, names)
}

type fakeRunner struct {
	profile pipeline.Profile
	req     pipeline.Request
	notify  string
	busy    bool
	started chan struct{}
	release chan struct{}
}

func (r *fakeRunner) Profile() pipeline.Profile { return r.profile }

func (r *fakeRunner) Run(ctx context.Context, req pipeline.Request, d pipeline.Delivery) pipeline.Report {
	r.req = req
	if r.busy {
		d.Notify(ctx, "busy")
		return pipeline.Report{Outcome: pipeline.CatBusy}
	}
	if req.OnAdmit != nil {
		req.OnAdmit(ctx)
	}
	if r.started != nil {
		close(r.started)
		<-r.release
	}
	if r.notify != "" {
		d.Notify(ctx, r.notify)
	}
	return pipeline.Report{Outcome: pipeline.CatDelivered}
}

func TestMediaCommandRestrictedChannel(t *testing.T) {
	f := &fakeAPI{}
	b := testBot(f)
	r := &fakeRunner{}
	b.runners["pinterest"] = r
	b.channels["pinterest"] = "gen-pinterest"

	b.dispatch(interaction("pinterest", strOpt("url", "https://pin.it/x")))
	c := f.last()
	assert.Contains(t, c.content, "#gen-pinterest")
	assert.Equal(t, discordgo.MessageFlagsEphemeral, c.flags)
	assert.Empty(t, r.req.URL)
}

func TestMediaCommandRunsPipeline(t *testing.T) {
	f := &fakeAPI{}
	b := testBot(f)
	r := &fakeRunner{notify: "done"}
	b.runners["youtube"] = r

	b.dispatch(interaction("youtube",
		strOpt("url", " https://youtu.be/abc "),
		&discordgo.ApplicationCommandInteractionDataOption{Name: "subtitles", Type: discordgo.ApplicationCommandOptionBoolean, Value: true},
	))
	assert.Equal(t, pipeline.Request{
		URL: "https://youtu.be/abc", UserID: "42", UserName: "ana", UserMention: "<@42>",
		GuildID: "g1", ChannelID: "c1", InteractionID: "900", Subtitles: true,
	}, r.req)
	assert.Equal(t, []string{
		fmt.Sprintf("respond:%d", discordgo.InteractionResponseDeferredChannelMessageWithSource),
		"followup",
	}, f.kinds())
}

func TestDMFirstCommandShowsNoticeAndRedirects(t *testing.T) {
	f := &fakeAPI{dmErr: restErr(50007)}
	b := testBot(f)
	b.runners["instagram"] = &fakeRunner{
		profile: pipeline.Profile{Name: "instagram", Delivery: delivery.DMFirst},
		notify:  "here",
	}
	b.dispatch(interaction("instagram", strOpt("url", "https://instagram.com/reel/x")))

	kinds := f.kinds()
	require.Len(t, kinds, 3)
	assert.Equal(t, "edit-response", kinds[1])
	assert.Equal(t, "followup", kinds[2])
	assert.Equal(t, "<@42> here", f.last().content)
}

func TestDMFirstBusyRunMakesNoDMPromise(t *testing.T) {
	f := &fakeAPI{}
	b := testBot(f)
	b.runners["instagram"] = &fakeRunner{
		profile: pipeline.Profile{Name: "instagram", Delivery: delivery.DMFirst},
		busy:    true,
	}
	b.dispatch(interaction("instagram", strOpt("url", "https://instagram.com/reel/x")))

	assert.NotContains(t, f.kinds(), "edit-response")
	for _, c := range f.calls {
		assert.NotContains(t, c.content, "sent to you by DM")
	}
}

func TestCloseWaitsForRunsAndRejectsNewOnes(t *testing.T) {
	f := &fakeAPI{}
	b := testBot(f)
	r := &fakeRunner{started: make(chan struct{}), release: make(chan struct{}), notify: "done"}
	b.runners["youtube"] = r

	go b.dispatch(interaction("youtube", strOpt("url", "https://youtu.be/abc")))
	<-r.started

	closed := make(chan error, 1)
	go func() { closed <- b.Close() }()
	select {
	case <-closed:
		t.Fatal("Close returned while a run was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(r.release)
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the run finished")
	}

	before := len(f.kinds())
	b.dispatch(interaction("ping"))
	assert.Len(t, f.kinds(), before, "no interactions handled after Close")
}

func TestUpscaleTakesAttachment(t *testing.T) {
	f := &fakeAPI{}
	b := testBot(f)
	r := &fakeRunner{profile: pipeline.Profile{Name: "upscale"}}
	b.runners["upscale"] = r

	upscale := func(contentType string) *discordgo.InteractionCreate {
		i := interaction("upscale", &discordgo.ApplicationCommandInteractionDataOption{
			Name: "image", Type: discordgo.ApplicationCommandOptionAttachment, Value: "a1",
		})
		data := i.Data.(discordgo.ApplicationCommandInteractionData)
		data.Resolved = &discordgo.ApplicationCommandInteractionDataResolved{
			Attachments: map[string]*discordgo.MessageAttachment{
				"a1": {ID: "a1", URL: "https://cdn.discordapp.com/attachments/1/2/cat.png", ContentType: contentType},
			},
		}
		i.Data = data
		return i
	}

	b.dispatch(upscale("text/plain"))
	assert.Empty(t, r.req.URL)
	assert.Equal(t, "❌ Please send a valid image.", f.last().content)

	b.dispatch(upscale("image/png"))
	assert.Equal(t, "https://cdn.discordapp.com/attachments/1/2/cat.png", r.req.URL)
}

func TestMissingURL(t *testing.T) {
	f := &fakeAPI{}
	b := testBot(f)
	b.runners["tiktok"] = &fakeRunner{}
	b.dispatch(interaction("tiktok"))
	assert.Contains(t, f.last().content, "provide a link")
}

func TestPing(t *testing.T) {
	f := &fakeAPI{}
	testBot(f).dispatch(interaction("ping"))
	assert.Contains(t, f.last().content, "`42 ms`")
}

type fakeStats struct{ err error }

func (s fakeStats) UserTotals(context.Context, string) (stats.UserTotals, error) {
	return stats.UserTotals{Downloads: 3, Clips: 7, Rank: 1, ByPlatform: map[string]int{"youtube": 2, "tiktok": 1}}, s.err
}

func (s fakeStats) Leaderboard(context.Context, int) ([]stats.LeaderboardEntry, error) {
	return []stats.LeaderboardEntry{{UserID: "42", UserName: "ana", Downloads: 3}}, s.err
}

func (s fakeStats) Global(context.Context) (stats.GlobalTotals, error) {
	return stats.GlobalTotals{Downloads: 3, Users: 1, Videos: 3, ByPlatform: map[string]int{"youtube": 2}}, s.err
}

func TestStatsCommands(t *testing.T) {
	f := &fakeAPI{}
	b := testBot(f)
	b.stats = fakeStats{}

	b.dispatch(interaction("mystats"))
	c := f.last()
	require.Len(t, c.embeds, 1)
	assert.Equal(t, "📊 Statistics for ana", c.embeds[0].Title)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, c.flags)

	b.dispatch(interaction("stats"))
	c = f.last()
	require.Len(t, c.embeds, 1)
	assert.Equal(t, "🌍 Global statistics", c.embeds[0].Title)
	assert.Contains(t, c.embeds[0].Fields[len(c.embeds[0].Fields)-1].Value, "🥇 **ana** - 3")

	b.stats = fakeStats{err: errors.New("locked")}
	b.dispatch(interaction("stats", strOpt("type", "personal")))
	assert.Equal(t, "❌ Error", f.last().embeds[0].Title)
}

func TestUserStatsEmbed(t *testing.T) {
	e := userStatsEmbed("ana", stats.UserTotals{
		Downloads: 4, Clips: 9, Rank: 2,
		ByPlatform: map[string]int{"youtube": 3, "pinterest": 1},
		Last:       time.Unix(1700000000, 0),
	})
	var names []string
	for _, f := range e.Fields {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"📥 Total downloads", "🏆 Rank", "⭐ Favourite platform", "▶️ Youtube", "📌 Pinterest", "🕐 Last activity"}, names)
	assert.Equal(t, "🥈 **#2**", e.Fields[1].Value)
	assert.Equal(t, "<t:1700000000:R>", e.Fields[5].Value)

	e = userStatsEmbed("bo", stats.UserTotals{})
	assert.Equal(t, "Unranked", e.Fields[1].Value)
}

type idLister map[string][]string

func (l idLister) LatestIDs(_ context.Context, page string, _ int) ([]string, error) {
	if ids, ok := l[page]; ok {
		return ids, nil
	}
	return nil, errors.New("exec: yt-dlp: not found")
}

func trackerBot(t *testing.T) (*Bot, *fakeAPI) {
	repo, err := store.OpenFile(filepath.Join(t.TempDir(), "linked.json"))
	require.NoError(t, err)
	f := &fakeAPI{}
	b := testBot(f)
	b.tracker = tracker.New(repo, idLister{tracker.ProfileURL("cats"): {"1"}})
	return b, f
}

func TestTrackerCommands(t *testing.T) {
	b, f := trackerBot(t)

	b.dispatch(interaction("linktiktok", strOpt("username", "@cats")))
	assert.Equal(t, "⚠️ Channel not configured", f.last().embeds[0].Title)

	b.dispatch(interaction("settiktokchannel", &discordgo.ApplicationCommandInteractionDataOption{
		Name: "channel", Type: discordgo.ApplicationCommandOptionChannel, Value: "c77",
	}))
	assert.Contains(t, f.last().embeds[0].Description, "<#c77>")

	b.dispatch(interaction("linktiktok", strOpt("username", "@cats")))
	c := f.last()
	assert.Equal(t, "✅ TikTok account linked", c.embeds[0].Title)
	assert.Equal(t, discordgo.MessageFlagsEphemeral, c.flags)

	b.dispatch(interaction("mytiktok"))
	assert.Contains(t, f.last().embeds[0].Description, "`@cats`")

	b.dispatch(interaction("linkedtiktoks"))
	e := f.last().embeds[0]
	require.Len(t, e.Fields, 1)
	assert.Equal(t, "@cats", e.Fields[0].Name)

	b.dispatch(interaction("unlinktiktok"))
	assert.Equal(t, "✅ Account unlinked", f.last().embeds[0].Title)
	b.dispatch(interaction("unlinktiktok"))
	assert.Equal(t, "⚠️ No linked account", f.last().embeds[0].Title)
}

func TestLinkUnverifiableAccountStillLinks(t *testing.T) {
	b, f := trackerBot(t)
	require.NoError(t, b.tracker.SetChannel(context.Background(), "g1", "c77"))

	b.dispatch(interaction("linktiktok", strOpt("username", "dogs")))
	var titles []string
	for _, c := range f.calls {
		if c.kind == "followup" {
			titles = append(titles, c.embeds[0].Title)
		}
	}
	assert.Equal(t, []string{"⚠️ Verification unavailable", "✅ TikTok account linked"}, titles)
}

func TestTrackerCommandsNeedGuild(t *testing.T) {
	b, f := trackerBot(t)
	i := interaction("mytiktok")
	i.GuildID = ""
	b.dispatch(i)
	assert.Contains(t, f.last().content, "must be used in a server")
}

func TestAnnouncer(t *testing.T) {
	f := &fakeAPI{}
	a := &Announcer{s: f, now: func() time.Time { return time.Unix(0, 0) }}
	err := a.Announce(context.Background(), tracker.Announcement{
		ChannelID: "c77", UserID: "42", Handle: "cats", VideoID: "9", URL: "https://www.tiktok.com/@cats/video/9",
	})
	require.NoError(t, err)
	c := f.last()
	assert.Equal(t, "c77", c.channel)
	require.Len(t, c.embeds, 1)
	assert.Equal(t, "https://www.tiktok.com/@cats/video/9", c.embeds[0].URL)
	assert.Equal(t, "@cats", c.embeds[0].Author.Name)
}
