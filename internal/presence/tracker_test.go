package presence

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/rt-gateway-service/internal/domain/model"
)

// captureBroadcaster records fan-out calls instead of delivering them.
type captureBroadcaster struct {
	mu     sync.Mutex
	room   []*model.Event
	tenant []*model.Event
}

func (c *captureBroadcaster) BroadcastRoom(_, _ string, ev *model.Event, _ uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room = append(c.room, ev)
	return true
}

func (c *captureBroadcaster) BroadcastTenant(_ string, ev *model.Event, _ uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tenant = append(c.tenant, ev)
}

func (c *captureBroadcaster) tenantEvents() []*model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.Event(nil), c.tenant...)
}

func (c *captureBroadcaster) roomEvents() []*model.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*model.Event(nil), c.room...)
}

func newTestTracker(t *testing.T, grace, typingTTL time.Duration) (*Tracker, *captureBroadcaster) {
	t.Helper()
	bc := &captureBroadcaster{}
	tr := NewTracker(bc, slog.New(slog.NewTextHandler(io.Discard, nil)), grace, typingTTL)
	t.Cleanup(tr.Stop)
	return tr, bc
}

func lastStatus(events []*model.Event) model.PresenceStatus {
	if len(events) == 0 {
		return ""
	}
	return events[len(events)-1].Payload.(*model.PresencePayload).Status
}

func TestTracker_OnlineOfflineTransitions(t *testing.T) {
	tr, bc := newTestTracker(t, 20*time.Millisecond, time.Second)

	tr.ConnectionUp("t1", "alice", uuid.Nil)
	assert.Equal(t, model.PresenceOnline, tr.Status("t1", "alice"))
	require.Len(t, bc.tenantEvents(), 1)
	assert.Equal(t, model.PresenceOnline, lastStatus(bc.tenantEvents()))

	// Offline only fires after the grace window elapses unanswered.
	tr.ConnectionDown("t1", "alice")
	assert.Len(t, bc.tenantEvents(), 1, "no immediate offline broadcast")

	require.Eventually(t, func() bool {
		return len(bc.tenantEvents()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.PresenceOffline, lastStatus(bc.tenantEvents()))
	assert.Equal(t, model.PresenceOffline, tr.Status("t1", "alice"))
}

func TestTracker_FlapSuppression(t *testing.T) {
	tr, bc := newTestTracker(t, 50*time.Millisecond, time.Second)

	tr.ConnectionUp("t1", "alice", uuid.Nil)
	tr.ConnectionDown("t1", "alice")
	// Reconnect inside the grace window: the pending offline is cancelled
	// and no second online is broadcast either.
	tr.ConnectionUp("t1", "alice", uuid.Nil)

	time.Sleep(100 * time.Millisecond)

	assert.Len(t, bc.tenantEvents(), 1, "a tab refresh must not flap presence")
	assert.Equal(t, model.PresenceOnline, tr.Status("t1", "alice"))
}

func TestTracker_MultipleConnections(t *testing.T) {
	tr, bc := newTestTracker(t, 20*time.Millisecond, time.Second)

	tr.ConnectionUp("t1", "alice", uuid.Nil)
	tr.ConnectionUp("t1", "alice", uuid.Nil)
	assert.Len(t, bc.tenantEvents(), 1, "second device is not a transition")

	// Losing one of two devices keeps the user online.
	tr.ConnectionDown("t1", "alice")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, model.PresenceOnline, tr.Status("t1", "alice"))
	assert.Len(t, bc.tenantEvents(), 1)
}

func TestTracker_SetStatus(t *testing.T) {
	tr, bc := newTestTracker(t, time.Second, time.Second)

	// Asserting a status without any connection is a no-op.
	tr.SetStatus("t1", "alice", model.PresenceAway, uuid.Nil)
	assert.Empty(t, bc.tenantEvents())

	tr.ConnectionUp("t1", "alice", uuid.Nil)
	tr.SetStatus("t1", "alice", model.PresenceAway, uuid.Nil)
	assert.Equal(t, model.PresenceAway, tr.Status("t1", "alice"))
	assert.Equal(t, model.PresenceAway, lastStatus(bc.tenantEvents()))

	// Re-asserting the current status is silent.
	n := len(bc.tenantEvents())
	tr.SetStatus("t1", "alice", model.PresenceAway, uuid.Nil)
	assert.Len(t, bc.tenantEvents(), n)
}

func TestTracker_TypingTTL(t *testing.T) {
	tr, bc := newTestTracker(t, time.Second, 30*time.Millisecond)

	tr.TypingStart("t1", "general", "alice", uuid.Nil)
	events := bc.roomEvents()
	require.Len(t, events, 1)
	assert.True(t, events[0].Payload.(*model.TypingPayload).IsTyping)

	// Re-raising inside the TTL refreshes the flag without a re-broadcast.
	tr.TypingStart("t1", "general", "alice", uuid.Nil)
	assert.Len(t, bc.roomEvents(), 1)

	// The flag decays on its own once the client stops refreshing.
	require.Eventually(t, func() bool {
		return len(bc.roomEvents()) == 2
	}, time.Second, 5*time.Millisecond)
	assert.False(t, bc.roomEvents()[1].Payload.(*model.TypingPayload).IsTyping)
}

func TestTracker_TypingStopWithoutStart(t *testing.T) {
	tr, bc := newTestTracker(t, time.Second, time.Second)

	tr.TypingStop("t1", "general", "alice", uuid.Nil)
	assert.Empty(t, bc.roomEvents(), "clearing an unraised flag must stay silent")
}

func TestTracker_DropConnection(t *testing.T) {
	tr, bc := newTestTracker(t, 10*time.Millisecond, time.Minute)

	tr.ConnectionUp("t1", "alice", uuid.Nil)
	tr.TypingStart("t1", "general", "alice", uuid.Nil)
	tr.TypingStart("t1", "random", "alice", uuid.Nil)

	tr.DropConnection("t1", "alice", []string{"general", "random"})

	// Synthetic typing-stops for both rooms, immediately.
	events := bc.roomEvents()
	require.Len(t, events, 4)
	assert.False(t, events[2].Payload.(*model.TypingPayload).IsTyping)
	assert.False(t, events[3].Payload.(*model.TypingPayload).IsTyping)

	// Then the grace-windowed offline leg.
	require.Eventually(t, func() bool {
		return lastStatus(bc.tenantEvents()) == model.PresenceOffline
	}, time.Second, 5*time.Millisecond)
}
