package discord

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/wapuda/clipbot/internal/tracker"
)

type messageSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Announcer posts tracker announcements over the REST API only, so the
// worker can use it without opening a gateway connection.
type Announcer struct {
	s   messageSender
	now func() time.Time
}

func NewAnnouncer(token string) (*Announcer, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	return &Announcer{s: s, now: time.Now}, nil
}

func (a *Announcer) Announce(ctx context.Context, n tracker.Announcement) error {
	_, err := a.s.ChannelMessageSendComplex(n.ChannelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{announcementEmbed(n, a.now())},
	}, discordgo.WithContext(ctx))
	return err
}
