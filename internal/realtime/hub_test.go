package realtime

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func drain(sub *Subscriber) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishPreservesOrderPerSubscriber(t *testing.T) {
	hub := NewHub(1024, zap.NewNop())
	customer := hub.Subscribe("customer")
	agent := hub.Subscribe("agent")
	require.True(t, hub.Join("s1", customer))
	require.True(t, hub.Join("s1", agent))

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				hub.Publish("s1", NewEvent(EventMessageNew, "", fmt.Sprintf("%d-%d", p, i)))
			}
		}(p)
	}
	wg.Wait()

	a, b := drain(customer), drain(agent)
	require.Len(t, a, 200)
	assert.Equal(t, a, b, "subscribers of one session must observe the same order")

	last := map[string]int{}
	for _, ev := range a {
		var p, i int
		_, err := fmt.Sscanf(ev.Data.(string), "%d-%d", &p, &i)
		require.NoError(t, err)
		key := fmt.Sprint(p)
		if prev, ok := last[key]; ok {
			assert.Greater(t, i, prev)
		}
		last[key] = i
		assert.Equal(t, "s1", ev.SessionID)
	}
}

func TestPublishIsScopedToSession(t *testing.T) {
	hub := NewHub(8, zap.NewNop())
	one := hub.Subscribe("one")
	two := hub.Subscribe("two")
	hub.Join("s1", one)
	hub.Join("s2", two)

	assert.Equal(t, 1, hub.Publish("s1", NewEvent(EventChatClosed, "s1", nil)))
	assert.Len(t, drain(one), 1)
	assert.Empty(t, drain(two))

	hub.Leave("s1", one)
	assert.Equal(t, 0, hub.Publish("s1", NewEvent(EventChatClosed, "s1", nil)))
}

func TestBroadcastReachesAgentsOnly(t *testing.T) {
	hub := NewHub(8, zap.NewNop())
	customer := hub.Subscribe("customer")
	console := hub.Subscribe("console")
	hub.Join("s1", customer)
	hub.JoinAgents(console)

	assert.Equal(t, 1, hub.Broadcast(NewEvent(EventUpdateQueue, "", nil)))
	assert.Empty(t, drain(customer))
	got := drain(console)
	require.Len(t, got, 1)
	assert.Equal(t, EventUpdateQueue, got[0].Name)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	hub := NewHub(2, zap.NewNop())
	slow := hub.Subscribe("slow")
	fast := hub.Subscribe("fast")
	hub.Join("s1", slow)
	hub.Join("s1", fast)

	for i := 0; i < 3; i++ {
		hub.Publish("s1", NewEvent(EventMessageNew, "s1", i))
		drain(fast)
	}

	select {
	case <-slow.Done():
	default:
		t.Fatal("slow subscriber should have been removed")
	}
	assert.Equal(t, 1, hub.Subscribers("s1"))
	assert.Len(t, drain(slow), 2, "buffered events remain readable after drop")
	assert.False(t, hub.Join("s1", slow))
}

func TestRemoveIsIdempotent(t *testing.T) {
	hub := NewHub(4, zap.NewNop())
	sub := hub.Subscribe("x")
	hub.Join("s1", sub)
	hub.JoinAgents(sub)

	hub.Remove(sub)
	hub.Remove(sub)

	assert.Equal(t, 0, hub.Subscribers("s1"))
	assert.Equal(t, 0, hub.Broadcast(NewEvent(EventUpdateQueue, "", nil)))
	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestInTopicTracksMembership(t *testing.T) {
	hub := NewHub(4, zap.NewNop())
	sub := hub.Subscribe("agent")

	assert.False(t, hub.InTopic("s1", sub))
	require.True(t, hub.Join("s1", sub))
	assert.True(t, hub.InTopic("s1", sub))
	assert.False(t, hub.InTopic("s2", sub))

	hub.Leave("s1", sub)
	assert.False(t, hub.InTopic("s1", sub))
}
