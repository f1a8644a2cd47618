package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/harbour-desk/backend/internal/model/chat"
	"github.com/zhouzirui/harbour-desk/backend/internal/service/queue"
)

type staticSource []chat.Session

func (s staticSource) Sessions(_ context.Context, state chat.State) ([]chat.Session, error) {
	out := make([]chat.Session, 0, len(s))
	for _, session := range s {
		if session.State == state {
			out = append(out, session)
		}
	}
	return out, nil
}

func queuedAt(id string, channel chat.Channel, priority int, at time.Time) chat.Session {
	return chat.Session{ID: id, Channel: channel, State: chat.StateQueued, Priority: priority, QueuedAt: &at, CreatedAt: at}
}

func TestListOrdersByPriorityThenWait(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	source := staticSource{
		queuedAt("late-normal", chat.ChannelWeb, 0, base.Add(2*time.Minute)),
		queuedAt("early-normal", chat.ChannelFacebook, 0, base),
		queuedAt("urgent", chat.ChannelWeb, 2, base.Add(5*time.Minute)),
		{ID: "bot", State: chat.StateBot},
		{ID: "taken", State: chat.StateAssigned, AgentID: "a1"},
	}
	svc := queue.NewService(source)

	list, err := svc.List(context.Background(), queue.Filter{})
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, s := range list {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"urgent", "early-normal", "late-normal"}, ids)

	web, err := svc.List(context.Background(), queue.Filter{Channel: chat.ChannelWeb, Limit: 1})
	require.NoError(t, err)
	require.Len(t, web, 1)
	assert.Equal(t, "urgent", web[0].ID)

	one := 1
	high, err := svc.List(context.Background(), queue.Filter{MinPriority: &one})
	require.NoError(t, err)
	require.Len(t, high, 1)

	pos, err := svc.Position(context.Background(), "late-normal")
	require.NoError(t, err)
	assert.Equal(t, 3, pos)

	_, err = svc.Position(context.Background(), "bot")
	assert.True(t, errors.Is(err, chat.ErrNotFound))
}

func TestListKeepsNegativePriorities(t *testing.T) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := queue.NewService(staticSource{
		queuedAt("deferred", chat.ChannelWeb, -1, base),
		queuedAt("normal", chat.ChannelWeb, 0, base.Add(time.Minute)),
	})
	ctx := context.Background()

	all, err := svc.List(ctx, queue.Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "normal", all[0].ID)
	assert.Equal(t, "deferred", all[1].ID)

	pos, err := svc.Position(ctx, "deferred")
	require.NoError(t, err)
	assert.Equal(t, len(all), pos)

	zero := 0
	nonNegative, err := svc.List(ctx, queue.Filter{MinPriority: &zero})
	require.NoError(t, err)
	require.Len(t, nonNegative, 1)
	assert.Equal(t, "normal", nonNegative[0].ID)
}
