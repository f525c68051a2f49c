package signal

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/televisit/internal/core"
	"github.com/carelink/televisit/internal/domain"
)

func collect(t *testing.T, hub *Hub, user domain.UserID) (*[]domain.Envelope, func() int, func()) {
	t.Helper()
	var mu sync.Mutex
	var got []domain.Envelope
	cancel, err := hub.Subscribe(user, func(env domain.Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})
	require.NoError(t, err)
	count := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(got)
	}
	return &got, count, cancel
}

func TestHubDeliversInOrder(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	got, count, _ := collect(t, hub, "bob")

	for i := 0; i < 5; i++ {
		require.NoError(t, hub.Send(domain.Envelope{
			Kind:       domain.KindOffer,
			CallID:     domain.CallID(rune('a' + i)),
			SenderID:   "alice",
			ReceiverID: "bob",
		}))
	}

	require.Eventually(t, func() bool { return count() == 5 }, time.Second, 5*time.Millisecond)
	for i, env := range *got {
		assert.Equal(t, domain.CallID(rune('a'+i)), env.CallID)
	}
}

func TestHubRoutesByReceiver(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	_, bobCount, _ := collect(t, hub, "bob")
	_, carolCount, _ := collect(t, hub, "carol")

	require.NoError(t, hub.Send(domain.Envelope{Kind: domain.KindOffer, SenderID: "alice", ReceiverID: "bob"}))

	require.Eventually(t, func() bool { return bobCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, carolCount())
}

func TestHubUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	_, count, cancel := collect(t, hub, "bob")

	require.NoError(t, hub.Send(domain.Envelope{Kind: domain.KindOffer, ReceiverID: "bob"}))
	require.Eventually(t, func() bool { return count() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, hub.Send(domain.Envelope{Kind: domain.KindOffer, ReceiverID: "bob"}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, count())
	assert.NotContains(t, hub.Online(), domain.UserID("bob"))
}

func TestHubSendToEmptyTopic(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	// Best-effort transport: nobody listening is not an error.
	require.NoError(t, hub.Send(domain.Envelope{Kind: domain.KindTerminate, ReceiverID: "ghost"}))
}

func TestHubCancelAfterCloseIsSafe(t *testing.T) {
	hub := NewHub()
	_, _, cancel := collect(t, hub, "bob")

	// Shutdown ordering is not guaranteed: a draining websocket may
	// unsubscribe after the hub is already closed.
	hub.Close()
	require.NotPanics(t, cancel)
	require.NotPanics(t, cancel)
	require.NotPanics(t, hub.Close)
}

func TestHubCloseAfterCancelIsSafe(t *testing.T) {
	hub := NewHub()
	_, _, cancel := collect(t, hub, "bob")

	cancel()
	require.NotPanics(t, hub.Close)
}

func TestHubClosedRefusesAll(t *testing.T) {
	hub := NewHub()
	hub.Close()

	_, err := hub.Subscribe("bob", func(domain.Envelope) {})
	require.ErrorIs(t, err, core.ErrChannelClosed)
	require.ErrorIs(t, hub.Send(domain.Envelope{ReceiverID: "bob"}), core.ErrChannelClosed)
}

func TestCallRateLimiter(t *testing.T) {
	rl := NewCallRateLimiter(2, time.Minute)

	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))
	// Other users have their own window.
	assert.True(t, rl.Allow("bob"))
}
