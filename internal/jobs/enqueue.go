package jobs

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"

	"github.com/wapuda/clipbot/internal/tracker"
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Enqueuer hands announcements to the worker queue instead of posting
// them inline, so each one retries on its own.
type Enqueuer struct {
	c enqueuer
}

func NewEnqueuer(c *asynq.Client) *Enqueuer { return &Enqueuer{c: c} }

func (e *Enqueuer) Announce(ctx context.Context, a tracker.Announcement) error {
	t, err := NewAnnounce(PayloadFor(a))
	if err != nil {
		return err
	}
	_, err = e.c.EnqueueContext(ctx, t)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// already queued by an earlier poll
		return nil
	}
	return err
}

func PayloadFor(a tracker.Announcement) AnnouncePayload {
	return AnnouncePayload{
		GuildID:   a.GuildID,
		ChannelID: a.ChannelID,
		UserID:    a.UserID,
		Handle:    a.Handle,
		VideoID:   a.VideoID,
		URL:       a.URL,
	}
}

func (p AnnouncePayload) Announcement() tracker.Announcement {
	return tracker.Announcement{
		GuildID:   p.GuildID,
		ChannelID: p.ChannelID,
		UserID:    p.UserID,
		Handle:    p.Handle,
		VideoID:   p.VideoID,
		URL:       p.URL,
	}
}
