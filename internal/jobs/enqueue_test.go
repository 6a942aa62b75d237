package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wapuda/clipbot/internal/tracker"
)

type fakeQueue struct {
	tasks []*asynq.Task
	err   error
}

func (q *fakeQueue) EnqueueContext(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.tasks = append(q.tasks, t)
	return &asynq.TaskInfo{Type: t.Type()}, nil
}

func TestEnqueuerAnnounce(t *testing.T) {
	q := &fakeQueue{}
	e := &Enqueuer{c: q}
	a := tracker.Announcement{GuildID: "g", ChannelID: "c", UserID: "u", Handle: "cats", VideoID: "7", URL: tracker.VideoURL("cats", "7")}

	require.NoError(t, e.Announce(context.Background(), a))
	require.Len(t, q.tasks, 1)
	var p AnnouncePayload
	require.NoError(t, json.Unmarshal(q.tasks[0].Payload(), &p))
	assert.Equal(t, a, p.Announcement())
}

func TestEnqueuerDuplicateIsNotAnError(t *testing.T) {
	e := &Enqueuer{c: &fakeQueue{err: asynq.ErrTaskIDConflict}}
	assert.NoError(t, e.Announce(context.Background(), tracker.Announcement{VideoID: "7"}))

	e = &Enqueuer{c: &fakeQueue{err: errors.New("redis down")}}
	assert.Error(t, e.Announce(context.Background(), tracker.Announcement{VideoID: "7"}))
}
