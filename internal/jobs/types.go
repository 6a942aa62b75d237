// Package jobs defines the background tasks run by cmd/worker.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TaskTrackerPoll = "tracker:poll"
	// TaskTrackerAnnounce posts one new upload. Split from the poll so a
	// failing channel retries on its own.
	TaskTrackerAnnounce = "tracker:announce"

	QueueTracker = "tracker"
)

type TrackerPollPayload struct {
	RequestedAt time.Time `json:"requested_at"`
}

type AnnouncePayload struct {
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Handle    string `json:"handle"`
	VideoID   string `json:"video_id"`
	URL       string `json:"url"`
}

// NewTrackerPoll builds the periodic poll task. Unique keeps a slow poll
// from stacking with the next tick.
func NewTrackerPoll(every time.Duration) (*asynq.Task, error) {
	b, err := json.Marshal(TrackerPollPayload{RequestedAt: time.Now().UTC()})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTrackerPoll, b,
		asynq.Queue(QueueTracker),
		asynq.MaxRetry(0),
		asynq.Unique(every),
		asynq.Timeout(every),
	), nil
}

func NewAnnounce(p AnnouncePayload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTrackerAnnounce, b,
		asynq.Queue(QueueTracker),
		asynq.MaxRetry(3),
		asynq.TaskID("announce:"+p.GuildID+":"+p.UserID+":"+p.VideoID),
	), nil
}
