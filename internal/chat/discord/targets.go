package discord

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/wapuda/clipbot/internal/delivery"

	logx "github.com/wapuda/clipbot/internal/logs"
)

// codeInvalidWebhookToken is returned once an interaction token expires
// (15 minutes after the command).
const codeInvalidWebhookToken = 50027

const maxContent = 2000

// api is the part of *discordgo.Session the targets use.
type api interface {
	FollowupMessageCreate(i *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
	FollowupMessageEdit(i *discordgo.Interaction, messageID string, data *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	InteractionResponseEdit(i *discordgo.Interaction, newresp *discordgo.WebhookEdit, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
}

func isExpiredToken(err error) bool {
	var re *discordgo.RESTError
	return errors.As(err, &re) && re.Message != nil && re.Message.Code == codeInvalidWebhookToken
}

func clip(s string) string {
	if len(s) <= maxContent {
		return s
	}
	s = s[:maxContent-3]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s + "..."
}

func openFile(path string) (*discordgo.File, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return &discordgo.File{Name: filepath.Base(path), ContentType: "video/mp4", Reader: f}, func() { f.Close() }, nil
}

// InteractionTarget answers in the channel the command came from through
// interaction follow-ups, and keeps going with plain channel messages once
// the interaction token has expired.
type InteractionTarget struct {
	s  api
	it *discordgo.Interaction

	mu        sync.Mutex
	expired   bool
	followups map[string]bool
}

func NewInteractionTarget(s api, it *discordgo.Interaction) *InteractionTarget {
	return &InteractionTarget{s: s, it: it, followups: map[string]bool{}}
}

func (t *InteractionTarget) Name() string { return "channel" }

func (t *InteractionTarget) useChannel(ctx context.Context, err error) bool {
	if !isExpiredToken(err) {
		return false
	}
	t.mu.Lock()
	if !t.expired {
		l := logx.FromCtx(ctx)
		l.Info().Str("channel", t.it.ChannelID).Msg("interaction token expired, posting to the channel directly")
	}
	t.expired = true
	t.mu.Unlock()
	return true
}

func (t *InteractionTarget) isExpired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expired
}

func (t *InteractionTarget) Send(ctx context.Context, text string) (delivery.MessageRef, error) {
	text = clip(text)
	if !t.isExpired() {
		m, err := t.s.FollowupMessageCreate(t.it, true, &discordgo.WebhookParams{Content: text})
		if err == nil {
			t.mu.Lock()
			t.followups[m.ID] = true
			t.mu.Unlock()
			return delivery.MessageRef{ChatID: t.it.ChannelID, MessageID: m.ID}, nil
		}
		if !t.useChannel(ctx, err) {
			return delivery.MessageRef{}, err
		}
	}
	m, err := t.s.ChannelMessageSend(t.it.ChannelID, text)
	if err != nil {
		return delivery.MessageRef{}, err
	}
	return delivery.MessageRef{ChatID: m.ChannelID, MessageID: m.ID}, nil
}

func (t *InteractionTarget) SendFile(ctx context.Context, path, caption string) error {
	send := func() error {
		file, done, err := openFile(path)
		if err != nil {
			return err
		}
		defer done()
		if t.isExpired() {
			_, err = t.s.ChannelMessageSendComplex(t.it.ChannelID, &discordgo.MessageSend{Content: clip(caption), Files: []*discordgo.File{file}})
			return err
		}
		_, err = t.s.FollowupMessageCreate(t.it, true, &discordgo.WebhookParams{Content: clip(caption), Files: []*discordgo.File{file}})
		return err
	}
	err := send()
	if err != nil && !t.isExpired() && t.useChannel(ctx, err) {
		err = send()
	}
	return err
}

func (t *InteractionTarget) Edit(_ context.Context, ref delivery.MessageRef, text string) error {
	t.mu.Lock()
	followup, expired := t.followups[ref.MessageID], t.expired
	t.mu.Unlock()
	text = clip(text)
	if followup {
		if expired {
			return errors.New("follow-up can no longer be edited")
		}
		_, err := t.s.FollowupMessageEdit(t.it, ref.MessageID, &discordgo.WebhookEdit{Content: &text})
		return err
	}
	_, err := t.s.ChannelMessageEdit(ref.ChatID, ref.MessageID, text)
	return err
}

// DMTarget talks to one user in private messages. The DM channel is
// opened on first use.
type DMTarget struct {
	s      api
	userID string

	mu      sync.Mutex
	channel string
}

func NewDMTarget(s api, userID string) *DMTarget {
	return &DMTarget{s: s, userID: userID}
}

func (t *DMTarget) Name() string { return "dm" }

func (t *DMTarget) open() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.channel != "" {
		return t.channel, nil
	}
	ch, err := t.s.UserChannelCreate(t.userID)
	if err != nil {
		return "", err
	}
	t.channel = ch.ID
	return t.channel, nil
}

func (t *DMTarget) Send(_ context.Context, text string) (delivery.MessageRef, error) {
	ch, err := t.open()
	if err != nil {
		return delivery.MessageRef{}, err
	}
	m, err := t.s.ChannelMessageSend(ch, clip(text))
	if err != nil {
		return delivery.MessageRef{}, err
	}
	return delivery.MessageRef{ChatID: ch, MessageID: m.ID}, nil
}

func (t *DMTarget) SendFile(_ context.Context, path, caption string) error {
	ch, err := t.open()
	if err != nil {
		return err
	}
	file, done, err := openFile(path)
	if err != nil {
		return err
	}
	defer done()
	_, err = t.s.ChannelMessageSendComplex(ch, &discordgo.MessageSend{Content: clip(caption), Files: []*discordgo.File{file}})
	return err
}

func (t *DMTarget) Edit(_ context.Context, ref delivery.MessageRef, text string) error {
	_, err := t.s.ChannelMessageEdit(ref.ChatID, ref.MessageID, clip(text))
	return err
}
