package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carelink/televisit/internal/adapters/signal"
	"github.com/carelink/televisit/internal/core"
	"github.com/carelink/televisit/internal/domain"
)

const waitFor = 2 * time.Second

type fakeStream struct{}

func (fakeStream) Tracks() []webrtc.TrackLocal { return nil }

type fakeMedia struct {
	mu       sync.Mutex
	acquired int
	released int
	err      error
	// gate, when set, holds Acquire until it is closed.
	gate chan struct{}
}

func (f *fakeMedia) Acquire(ctx context.Context) (core.MediaStream, error) {
	f.mu.Lock()
	gate, err := f.gate, f.err
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.acquired++
	f.mu.Unlock()
	return fakeStream{}, nil
}

func (f *fakeMedia) Release(core.MediaStream) {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
}

func (f *fakeMedia) balanced() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquired == f.released
}

type fakeLink struct {
	mu        sync.Mutex
	onRemote  func()
	onFault   func(error)
	destroyed bool
}

func (l *fakeLink) CreateOffer(ctx context.Context, stream core.MediaStream) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"offer"}`), nil
}

func (l *fakeLink) AcceptOffer(ctx context.Context, stream core.MediaStream, remote json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"type":"answer"}`), nil
}

func (l *fakeLink) ApplyAnswer(remote json.RawMessage) error { return nil }

func (l *fakeLink) OnRemoteStream(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onRemote = fn
}

func (l *fakeLink) OnFault(fn func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFault = fn
}

func (l *fakeLink) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyed = true
}

func (l *fakeLink) isDestroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.destroyed
}

func (l *fakeLink) fireRemote() {
	l.mu.Lock()
	fn := l.onRemote
	l.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (l *fakeLink) fireFault(err error) {
	l.mu.Lock()
	fn := l.onFault
	l.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

type fakeLinks struct {
	mu   sync.Mutex
	made []*fakeLink
}

func (f *fakeLinks) New() (core.PeerLink, error) {
	l := &fakeLink{}
	f.mu.Lock()
	f.made = append(f.made, l)
	f.mu.Unlock()
	return l, nil
}

func (f *fakeLinks) last() *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.made) == 0 {
		return nil
	}
	return f.made[len(f.made)-1]
}

type endedEvent struct {
	id      domain.CallID
	outcome domain.CallOutcome
}

type recorder struct {
	incoming chan domain.CallID
	states   chan domain.CallState
	ended    chan endedEvent
}

func newRecorder() *recorder {
	return &recorder{
		incoming: make(chan domain.CallID, 16),
		states:   make(chan domain.CallState, 64),
		ended:    make(chan endedEvent, 16),
	}
}

func (r *recorder) IncomingCall(id domain.CallID, from domain.UserID) { r.incoming <- id }
func (r *recorder) StateChanged(id domain.CallID, st domain.CallState) {
	r.states <- st
}
func (r *recorder) Ended(id domain.CallID, outcome domain.CallOutcome) {
	r.ended <- endedEvent{id: id, outcome: outcome}
}

func (r *recorder) waitIncoming(t *testing.T) domain.CallID {
	t.Helper()
	select {
	case id := <-r.incoming:
		return id
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for incoming call")
		return ""
	}
}

func (r *recorder) waitState(t *testing.T, want domain.CallState) {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case st := <-r.states:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
		}
	}
}

func (r *recorder) waitEnded(t *testing.T, want domain.CallOutcome) endedEvent {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-r.ended:
			if ev.outcome == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for outcome %s", want)
		}
	}
}

type recJournal struct {
	mu      sync.Mutex
	missed  []domain.MissedCall
	records []domain.CallRecord
}

func (j *recJournal) ReportMissed(_ context.Context, report domain.MissedCall) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.missed = append(j.missed, report)
	return nil
}

func (j *recJournal) RecordOutcome(_ context.Context, rec domain.CallRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

func (j *recJournal) missedCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.missed)
}

func (j *recJournal) lastRecord() (domain.CallRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.records) == 0 {
		return domain.CallRecord{}, false
	}
	return j.records[len(j.records)-1], true
}

func (j *recJournal) recordCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.records)
}

type endpoint struct {
	id      domain.UserID
	manager *Manager
	obs     *recorder
	media   *fakeMedia
	links   *fakeLinks
	journal *recJournal
}

func newEndpoint(t *testing.T, hub *signal.Hub, id domain.UserID, opts Options) *endpoint {
	t.Helper()
	ep := &endpoint{
		id:      id,
		obs:     newRecorder(),
		media:   &fakeMedia{},
		links:   &fakeLinks{},
		journal: &recJournal{},
	}
	ep.manager = NewManager(id, hub, ep.media, ep.links, ep.obs, ep.journal, opts)
	require.NoError(t, ep.manager.Run())
	t.Cleanup(ep.manager.Close)
	return ep
}

func newHub(t *testing.T) *signal.Hub {
	t.Helper()
	hub := signal.NewHub()
	t.Cleanup(hub.Close)
	return hub
}

// connect drives a dialed call through accept and negotiation to Active on
// both sides.
func connect(t *testing.T, caller, callee *endpoint) domain.CallID {
	t.Helper()
	id, err := caller.manager.Start(callee.id)
	require.NoError(t, err)

	ringing := callee.obs.waitIncoming(t)
	require.Equal(t, id, ringing)
	require.NoError(t, callee.manager.Accept(ringing))

	caller.obs.waitState(t, domain.StateConnecting)
	callee.obs.waitState(t, domain.StateConnecting)

	caller.links.last().fireRemote()
	callee.links.last().fireRemote()
	caller.obs.waitState(t, domain.StateActive)
	callee.obs.waitState(t, domain.StateActive)
	return id
}

func TestCallConnectsAndHangsUp(t *testing.T) {
	hub := newHub(t)
	alice := newEndpoint(t, hub, "alice", Options{})
	bob := newEndpoint(t, hub, "bob", Options{})

	id := connect(t, alice, bob)

	require.NoError(t, alice.manager.End(id))
	alice.obs.waitEnded(t, domain.OutcomeHungUp)
	bob.obs.waitEnded(t, domain.OutcomeHungUp)

	for _, ep := range []*endpoint{alice, bob} {
		rec, ok := ep.journal.lastRecord()
		require.True(t, ok)
		assert.Equal(t, id, rec.CallID)
		assert.Equal(t, domain.UserID("alice"), rec.CallerID)
		assert.Equal(t, domain.UserID("bob"), rec.CalleeID)
		assert.True(t, rec.Completed(), "connected hang-up should count as completed")
		assert.True(t, ep.media.balanced(), "media must be released on end")
		assert.True(t, ep.links.last().isDestroyed(), "link must be destroyed on end")
		assert.Zero(t, ep.journal.missedCount())
	}
}

func TestEndIsIdempotent(t *testing.T) {
	hub := newHub(t)
	alice := newEndpoint(t, hub, "alice", Options{})
	bob := newEndpoint(t, hub, "bob", Options{})

	id := connect(t, alice, bob)

	require.NoError(t, alice.manager.End(id))
	alice.obs.waitEnded(t, domain.OutcomeHungUp)

	// The session is gone; a second end is an unknown-session error and
	// nothing is journaled twice.
	require.ErrorIs(t, alice.manager.End(id), ErrUnknownSession)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, alice.journal.recordCount())
}

func TestCancelBeforeAnswer(t *testing.T) {
	hub := newHub(t)
	alice := newEndpoint(t, hub, "alice", Options{})
	bob := newEndpoint(t, hub, "bob", Options{})

	id, err := alice.manager.Start(bob.id)
	require.NoError(t, err)
	bob.obs.waitIncoming(t)

	require.NoError(t, alice.manager.End(id))
	alice.obs.waitEnded(t, domain.OutcomeCancelled)

	// The callee's ringing session ends missed, with a single report.
	bob.obs.waitEnded(t, domain.OutcomeMissed)
	assert.Eventually(t, func() bool { return bob.journal.missedCount() == 1 }, waitFor, 10*time.Millisecond)
	assert.Zero(t, alice.journal.missedCount())
	assert.True(t, alice.media.balanced())
}

func TestRejectedCall(t *testing.T) {
	hub := newHub(t)
	alice := newEndpoint(t, hub, "alice", Options{})
	bob := newEndpoint(t, hub, "bob", Options{})

	_, err := alice.manager.Start(bob.id)
	require.NoError(t, err)
	ringing := bob.obs.waitIncoming(t)

	require.NoError(t, bob.manager.Reject(ringing))
	bob.obs.waitEnded(t, domain.OutcomeRejected)
	alice.obs.waitEnded(t, domain.OutcomeRejected)

	// A rejection is not a missed call.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, bob.journal.missedCount())
}

func TestRingTimeoutReportsMissedOnce(t *testing.T) {
	hub := newHub(t)
	alice := newEndpoint(t, hub, "alice", Options{RingWindow: 5 * time.Second})
	bob := newEndpoint(t, hub, "bob", Options{RingWindow: 60 * time.Millisecond})

	_, err := alice.manager.Start(bob.id)
	require.NoError(t, err)
	bob.obs.waitIncoming(t)

	bob.obs.waitEnded(t, domain.OutcomeMissed)
	// The timeout notice reaches the caller as a plain give-up.
	alice.obs.waitEnded(t, domain.OutcomeCancelled)

	assert.Eventually(t, func() bool { return bob.journal.missedCount() == 1 }, waitFor, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, bob.journal.missedCount())

	rec, ok := bob.journal.lastRecord()
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeMissed, rec.Outcome)
	assert.False(t, rec.Completed())
}

func TestBusyPeerRejectsThirdParty(t *testing.T) {
	hub := newHub(t)
	alice := newEndpoint(t, hub, "alice", Options{})
	bob := newEndpoint(t, hub, "bob", Options{})
	carol := newEndpoint(t, hub, "carol", Options{})

	_, err := alice.manager.Start(bob.id)
	require.NoError(t, err)
	ringing := bob.obs.waitIncoming(t)

	_, err = carol.manager.Start(bob.id)
	require.NoError(t, err)
	carol.obs.waitEnded(t, domain.OutcomeRejected)

	// Bob's ringing call is untouched and still answerable.
	require.NoError(t, bob.manager.Accept(ringing))
	bob.obs.waitState(t, domain.StateConnecting)
}

func TestStartGuards(t *testing.T) {
	hub := newHub(t)
	alice := newEndpoint(t, hub, "alice", Options{})

	_, err := alice.manager.Start("alice")
	require.ErrorIs(t, err, ErrSelfCall)

	_, err = alice.manager.Start("bob")
	require.NoError(t, err)
	_, err = alice.manager.Start("carol")
	require.ErrorIs(t, err, ErrAlreadyInCall)
}

func TestAcceptAfterEnded(t *testing.T) {
	hub := newHub(t)
	alice := newEndpoint(t, hub, "alice", Options{})
	bob := newEndpoint(t, hub, "bob", Options{})

	id, err := alice.manager.Start(bob.id)
	require.NoError(t, err)
	ringing := bob.obs.waitIncoming(t)
	require.Equal(t, id, ringing)

	require.NoError(t, alice.manager.End(id))
	bob.obs.waitEnded(t, domain.OutcomeMissed)

	require.ErrorIs(t, bob.manager.Accept(ringing), ErrUnknownSession)
	require.ErrorIs(t, bob.manager.Reject(ringing), ErrUnknownSession)
}

func TestMediaFailureFailsCall(t *testing.T) {
	hub := newHub(t)
	alice := newEndpoint(t, hub, "alice", Options{})
	alice.media.err = errors.New("no microphone")

	_, err := alice.manager.Start("bob")
	require.NoError(t, err)
	alice.obs.waitEnded(t, domain.OutcomeFailed)

	rec, ok := alice.journal.lastRecord()
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeFailed, rec.Outcome)
}

func TestConnectTimeoutFailsCall(t *testing.T) {
	hub := newHub(t)
	alice := newEndpoint(t, hub, "alice", Options{ConnectWindow: 60 * time.Millisecond})
	bob := newEndpoint(t, hub, "bob", Options{ConnectWindow: 5 * time.Second})

	_, err := alice.manager.Start(bob.id)
	require.NoError(t, err)
	ringing := bob.obs.waitIncoming(t)
	require.NoError(t, bob.manager.Accept(ringing))
	alice.obs.waitState(t, domain.StateConnecting)

	// Remote media never arrives; the negotiation window expires.
	alice.obs.waitEnded(t, domain.OutcomeFailed)
	bob.obs.waitEnded(t, domain.OutcomeCancelled)

	rec, ok := alice.journal.lastRecord()
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeFailed, rec.Outcome)
	assert.True(t, rec.ConnectedAt.IsZero())
	assert.True(t, alice.media.balanced())
	assert.True(t, alice.links.last().isDestroyed())
}

func TestPeerLinkFaultFailsCall(t *testing.T) {
	hub := newHub(t)
	alice := newEndpoint(t, hub, "alice", Options{})
	bob := newEndpoint(t, hub, "bob", Options{})

	connect(t, alice, bob)

	alice.links.last().fireFault(errors.New("dtls handshake lost"))
	alice.obs.waitEnded(t, domain.OutcomeFailed)

	rec, ok := alice.journal.lastRecord()
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeFailed, rec.Outcome)
	assert.True(t, alice.media.balanced())
	assert.True(t, alice.links.last().isDestroyed())

	// A fault after the session is gone is absorbed, not re-reported.
	alice.links.last().fireFault(errors.New("late fault"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, alice.journal.recordCount())
}

func TestOfferCollision(t *testing.T) {
	for name, aliceFirst := range map[string]bool{"alice dials first": true, "bob dials first": false} {
		t.Run(name, func(t *testing.T) {
			hub := newHub(t)
			alice := newEndpoint(t, hub, "alice", Options{})
			bob := newEndpoint(t, hub, "bob", Options{})

			// Hold both offers behind the media gate so each side is
			// dialing before either offer lands.
			aliceGate := make(chan struct{})
			bobGate := make(chan struct{})
			alice.media.gate = aliceGate
			bob.media.gate = bobGate

			var aliceCall, bobCall domain.CallID
			var err error
			if aliceFirst {
				aliceCall, err = alice.manager.Start(bob.id)
				require.NoError(t, err)
				bobCall, err = bob.manager.Start(alice.id)
				require.NoError(t, err)
			} else {
				bobCall, err = bob.manager.Start(alice.id)
				require.NoError(t, err)
				aliceCall, err = alice.manager.Start(bob.id)
				require.NoError(t, err)
			}
			close(aliceGate)
			close(bobGate)

			// The smaller user id keeps the caller role; bob's own attempt
			// dies quietly and he answers alice's call instead.
			ev := bob.obs.waitEnded(t, domain.OutcomeCancelled)
			assert.Equal(t, bobCall, ev.id)

			alice.obs.waitState(t, domain.StateConnecting)
			bob.obs.waitState(t, domain.StateConnecting)
			alice.links.last().fireRemote()
			bob.links.last().fireRemote()
			alice.obs.waitState(t, domain.StateActive)
			bob.obs.waitState(t, domain.StateActive)

			require.NoError(t, alice.manager.End(aliceCall))
			alice.obs.waitEnded(t, domain.OutcomeHungUp)
			bob.obs.waitEnded(t, domain.OutcomeHungUp)

			for _, ep := range []*endpoint{alice, bob} {
				rec, ok := ep.journal.lastRecord()
				require.True(t, ok)
				assert.Equal(t, aliceCall, rec.CallID)
				assert.Equal(t, domain.UserID("alice"), rec.CallerID)
				assert.Equal(t, domain.UserID("bob"), rec.CalleeID)
			}
		})
	}
}

func TestBackToBackCalls(t *testing.T) {
	hub := newHub(t)
	alice := newEndpoint(t, hub, "alice", Options{})
	bob := newEndpoint(t, hub, "bob", Options{})

	first := connect(t, alice, bob)
	require.NoError(t, bob.manager.End(first))
	alice.obs.waitEnded(t, domain.OutcomeHungUp)
	bob.obs.waitEnded(t, domain.OutcomeHungUp)

	// Ending frees the one-call slot on both sides.
	second := connect(t, bob, alice)
	require.NotEqual(t, first, second)
	require.NoError(t, alice.manager.End(second))
	alice.obs.waitEnded(t, domain.OutcomeHungUp)
	bob.obs.waitEnded(t, domain.OutcomeHungUp)

	assert.True(t, alice.media.balanced())
	assert.True(t, bob.media.balanced())
}
