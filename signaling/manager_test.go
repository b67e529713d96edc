package signaling

import (
	"context"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/opd-ai/voicechat/media"
	"github.com/opd-ai/voicechat/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connectCall runs a full place/accept exchange from a to b.
func connectCall(t *testing.T, a, b *testPeer, target string) uint32 {
	t.Helper()
	ctx := context.Background()

	placed, err := a.manager.PlaceCall(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, StatusRequesting, placed.Status)

	offer := b.awaitIncoming(t)
	require.Equal(t, placed.CallID, offer.CallID)
	require.NoError(t, b.manager.AcceptCall(ctx, offer.CallID))

	waitStatus(t, a, placed.CallID, StatusConnected)
	waitStatus(t, b, placed.CallID, StatusConnected)
	return placed.CallID
}

func TestPlaceAndAcceptConnectsBothSides(t *testing.T) {
	sb := newSwitchboard(t)
	alice := newTestPeer(t, sb, "alice", true)
	bob := newTestPeer(t, sb, "bob", false)

	callID := connectCall(t, alice, bob, "bob")

	// audio captured by alice reaches bob's playback
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(bob.metrics.PlaybackFrames) > 0
	}, 3*time.Second, 10*time.Millisecond)

	aSession, _ := alice.manager.Session(callID)
	bSession, _ := bob.manager.Session(callID)
	assert.Equal(t, "alice", aSession.Initiator)
	assert.Equal(t, []string{"bob"}, bSession.Participants)
	assert.False(t, aSession.ConnectedAt.IsZero())
	assert.Equal(t, bSession.LocalEndpoint.Port, aSession.RemoteEndpoint.Port)

	bobTransport, ok := bob.manager.Transport(callID)
	require.True(t, ok)
	aliceTransport, ok := alice.manager.Transport(callID)
	require.True(t, ok)
	assert.Equal(t, aliceTransport.LocalPort(), bobTransport.RemoteEndpoint().Port)

	// one Accepted and one Connected reach the caller
	assert.Len(t, sb.received("alice", StatusAccepted), 1)
	assert.Len(t, sb.received("alice", StatusConnected), 1)
}

func TestReceiveOnlyCallerConnectsBothSides(t *testing.T) {
	sb := newSwitchboard(t)
	alice := newTestPeer(t, sb, "alice", false)
	bob := newTestPeer(t, sb, "bob", true)
	ctx := context.Background()

	placed, err := alice.manager.PlaceCall(ctx, "bob")
	require.NoError(t, err)
	offer := bob.awaitIncoming(t)
	require.NoError(t, bob.manager.AcceptCall(ctx, offer.CallID))

	// bob is established as soon as AcceptCall returns
	assert.Equal(t, StatusConnected, bob.status(t, placed.CallID))
	waitStatus(t, alice, placed.CallID, StatusConnected)

	// alice never captures, so bob hears nothing
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(alice.metrics.PlaybackFrames) > 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, testutil.ToFloat64(bob.metrics.PlaybackFrames))
	assert.Equal(t, StatusConnected, bob.status(t, placed.CallID))

	var path []Status
	for _, ch := range bob.transitions() {
		path = append(path, ch.session.Status)
	}
	assert.Equal(t, []Status{StatusAccepted, StatusConnecting, StatusConnected}, path)
}

func TestCalleeAnnouncesAttachedEndpoint(t *testing.T) {
	sb := newSwitchboard(t)
	alice := newTestPeer(t, sb, "alice", true)
	bob := newTestPeer(t, sb, "bob", false)

	callID := connectCall(t, alice, bob, "bob")

	connecting := sb.received("alice", StatusConnecting)
	require.Len(t, connecting, 1)
	bSession, _ := bob.manager.Session(callID)
	assert.Equal(t, bSession.LocalEndpoint, connecting[0].(Connecting).Endpoint)

	// the repeated answer leaves the attached media alone
	aSession, _ := alice.manager.Session(callID)
	assert.Equal(t, StatusConnected, aSession.Status)
	assert.Equal(t, bSession.LocalEndpoint.Port, aSession.RemoteEndpoint.Port)
}

func TestRejectEndsCallWithoutBinding(t *testing.T) {
	sb := newSwitchboard(t)
	alice := newTestPeer(t, sb, "alice", true)
	bob := newTestPeer(t, sb, "bob", true)
	ctx := context.Background()

	placed, err := alice.manager.PlaceCall(ctx, "bob")
	require.NoError(t, err)

	offer := bob.awaitIncoming(t)
	require.NoError(t, bob.manager.RejectCall(ctx, offer.CallID))
	assert.Equal(t, StatusEnded, bob.status(t, offer.CallID))

	waitStatus(t, alice, placed.CallID, StatusEnded)
	require.Eventually(t, func() bool { return len(alice.transitions()) == 2 }, time.Second, 5*time.Millisecond)

	var path []Status
	for _, ch := range alice.transitions() {
		path = append(path, ch.session.Status)
	}
	assert.Equal(t, []Status{StatusRejected, StatusEnded}, path)

	assert.Equal(t, 0.0, testutil.ToFloat64(alice.metrics.MediaBinds))
	assert.Equal(t, 0.0, testutil.ToFloat64(bob.metrics.MediaBinds))
	_, bound := alice.manager.Transport(placed.CallID)
	assert.False(t, bound)
}

func TestEndCallRetriesUntilDelivered(t *testing.T) {
	sb := newSwitchboard(t)
	alice := newTestPeer(t, sb, "alice", true)
	bob := newTestPeer(t, sb, "bob", false)

	callID := connectCall(t, alice, bob, "bob")

	sb.failNext("bob", 2)
	require.NoError(t, alice.manager.EndCall(context.Background(), callID))
	assert.Equal(t, StatusEnded, alice.status(t, callID))

	waitStatus(t, bob, callID, StatusEnded)
	assert.Len(t, sb.received("bob", StatusEnded), 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(alice.metrics.SignalRetries))

	// media is torn down on both sides
	_, bound := alice.manager.Transport(callID)
	assert.False(t, bound)
	_, bound = bob.manager.Transport(callID)
	assert.False(t, bound)
	assert.Equal(t, 0.0, testutil.ToFloat64(alice.metrics.ActiveTransports))
}

func TestEndCallFailsAfterRetriesExhausted(t *testing.T) {
	sb := newSwitchboard(t)
	alice := newTestPeer(t, sb, "alice", true)
	bob := newTestPeer(t, sb, "bob", false)

	callID := connectCall(t, alice, bob, "bob")

	sb.failNext("bob", 10)
	err := alice.manager.EndCall(context.Background(), callID)
	require.ErrorIs(t, err, ErrSendFailed)

	s, _ := alice.manager.Session(callID)
	assert.Equal(t, StatusError, s.Status)
	assert.NotEmpty(t, s.ErrorDetail)
	assert.Equal(t, 3.0, testutil.ToFloat64(alice.metrics.SignalRetries))
	assert.Empty(t, sb.received("bob", StatusEnded))
}

func TestAcceptOutsideRequestingIsNoop(t *testing.T) {
	sb := newSwitchboard(t)
	alice := newTestPeer(t, sb, "alice", true)
	bob := newTestPeer(t, sb, "bob", false)

	callID := connectCall(t, alice, bob, "bob")
	before := sb.count("alice")

	require.NoError(t, bob.manager.AcceptCall(context.Background(), callID))
	require.NoError(t, bob.manager.RejectCall(context.Background(), callID))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusConnected, bob.status(t, callID))
	assert.Equal(t, before, sb.count("alice"))
}

func TestInitiatorCannotAcceptOwnCall(t *testing.T) {
	sb := newSwitchboard(t)
	alice := newTestPeer(t, sb, "alice", false)
	newTestPeer(t, sb, "bob", false)

	placed, err := alice.manager.PlaceCall(context.Background(), "bob")
	require.NoError(t, err)

	require.NoError(t, alice.manager.AcceptCall(context.Background(), placed.CallID))
	assert.Equal(t, StatusRequesting, alice.status(t, placed.CallID))
	assert.Equal(t, 0.0, testutil.ToFloat64(alice.metrics.MediaBinds))
}

func TestUnknownCallIsNoop(t *testing.T) {
	sb := newSwitchboard(t)
	alice := newTestPeer(t, sb, "alice", false)
	ctx := context.Background()

	assert.NoError(t, alice.manager.AcceptCall(ctx, 42))
	assert.NoError(t, alice.manager.RejectCall(ctx, 42))
	assert.NoError(t, alice.manager.EndCall(ctx, 42))
	assert.ErrorIs(t, alice.manager.ProbeCall(42), ErrUnknownCall)

	alice.manager.HandleSignal(ctx, Connected{Header: Header{CallID: 42, From: "bob"}})
	alice.manager.HandleSignal(ctx, Ended{Header: Header{CallID: 42, From: "bob"}})
	assert.Empty(t, alice.manager.Sessions())
}

func TestPlaceCallRequiresParticipants(t *testing.T) {
	sb := newSwitchboard(t)
	alice := newTestPeer(t, sb, "alice", false)
	ctx := context.Background()

	_, err := alice.manager.PlaceCall(ctx, "")
	assert.ErrorIs(t, err, ErrNoParticipants)

	_, err = alice.manager.PlaceConference(ctx, []string{"alice", ""})
	assert.ErrorIs(t, err, ErrNoParticipants)
	assert.Empty(t, alice.manager.Sessions())
}

func TestPlaceCallSendFailureSetsError(t *testing.T) {
	sb := newSwitchboard(t)
	alice := newTestPeer(t, sb, "alice", false)

	s, err := alice.manager.PlaceCall(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrSendFailed)
	assert.Equal(t, StatusError, s.Status)
	assert.Contains(t, s.ErrorDetail, "nobody")
}

func TestEchoedRequestIsIgnored(t *testing.T) {
	sb := newSwitchboard(t)
	alice := newTestPeer(t, sb, "alice", false)
	newTestPeer(t, sb, "bob", false)

	placed, err := alice.manager.PlaceCall(context.Background(), "bob")
	require.NoError(t, err)

	echo := Requesting{Header: headerFor(placed, "alice"), Endpoint: placed.LocalEndpoint}
	alice.manager.HandleSignal(context.Background(), echo)

	select {
	case <-alice.incoming:
		t.Fatal("echo surfaced as incoming call")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Len(t, alice.manager.Sessions(), 1)
}

func TestRequestNotAddressedToUsIsIgnored(t *testing.T) {
	sb := newSwitchboard(t)
	alice := newTestPeer(t, sb, "alice", false)

	alice.manager.HandleSignal(context.Background(), Requesting{Header: Header{
		CallID:       9,
		From:         "carol",
		Initiator:    "carol",
		Participants: []string{"dave"},
	}})
	assert.Empty(t, alice.manager.Sessions())
}

func TestDuplicateRequestSurfacesOnce(t *testing.T) {
	sb := newSwitchboard(t)
	bob := newTestPeer(t, sb, "bob", false)

	req := Requesting{Header: Header{CallID: 5, From: "carol", Initiator: "carol", Participants: []string{"bob"}}}
	bob.manager.HandleSignal(context.Background(), req)
	bob.manager.HandleSignal(context.Background(), req)

	bob.awaitIncoming(t)
	select {
	case <-bob.incoming:
		t.Fatal("duplicate request surfaced twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPeerErrorIsTerminal(t *testing.T) {
	sb := newSwitchboard(t)
	alice := newTestPeer(t, sb, "alice", true)
	bob := newTestPeer(t, sb, "bob", false)

	callID := connectCall(t, alice, bob, "bob")

	s, _ := bob.manager.Session(callID)
	bob.manager.HandleSignal(context.Background(), Failed{Header: headerFor(s, "alice"), Detail: "device exploded"})

	s, _ = bob.manager.Session(callID)
	assert.Equal(t, StatusError, s.Status)
	assert.Equal(t, "device exploded", s.ErrorDetail)
	_, bound := bob.manager.Transport(callID)
	assert.False(t, bound)
}

func TestProbeCallGetsTestAck(t *testing.T) {
	sb := newSwitchboard(t)
	alice := newTestPeer(t, sb, "alice", true)
	bob := newTestPeer(t, sb, "bob", false)

	callID := connectCall(t, alice, bob, "bob")

	transport, ok := alice.manager.Transport(callID)
	require.True(t, ok)
	acks := make(chan struct{}, 4)
	transport.AddProbeListener(func(p media.Probe, _ *net.UDPAddr) {
		if p == media.ProbeTestAck {
			acks <- struct{}{}
		}
	})

	require.NoError(t, alice.manager.ProbeCall(callID))
	select {
	case <-acks:
	case <-time.After(2 * time.Second):
		t.Fatal("no TestAck")
	}
}

func TestConferenceEndsWhenEveryoneDeclines(t *testing.T) {
	sb := newSwitchboard(t)
	alice := newTestPeer(t, sb, "alice", false)
	bob := newTestPeer(t, sb, "bob", false)
	carol := newTestPeer(t, sb, "carol", false)
	ctx := context.Background()

	placed, err := alice.manager.PlaceConference(ctx, []string{"bob", "carol", "bob"})
	require.NoError(t, err)
	assert.True(t, placed.IsConference())
	assert.Equal(t, []string{"bob", "carol"}, placed.Participants)

	require.NoError(t, bob.manager.RejectCall(ctx, bob.awaitIncoming(t).CallID))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StatusRequesting, alice.status(t, placed.CallID))

	offer := carol.awaitIncoming(t)
	assert.Equal(t, placed.ConferenceID, offer.ConferenceID)
	require.NoError(t, carol.manager.RejectCall(ctx, offer.CallID))

	waitStatus(t, alice, placed.CallID, StatusEnded)
}

func TestTerminalStatesNeverRegress(t *testing.T) {
	events := []string{eventAccept, eventAttach, eventConnect, eventReject, eventEnd, eventFail}
	rng := rand.New(rand.NewSource(7))

	for run := 0; run < 500; run++ {
		c := newCall(Session{CallID: uint32(run), Status: StatusRequesting}, nil)
		terminal := Status(0)

		for i := 0; i < 12; i++ {
			before := c.session.Status
			c.fire(events[rng.Intn(len(events))])
			after := c.session.Status

			if before.Terminal() {
				// Rejected may only settle into Ended
				if before == StatusRejected {
					assert.Contains(t, []Status{StatusRejected, StatusEnded}, after)
				} else {
					assert.Equal(t, before, after)
				}
			}
			if after == StatusEnded || after == StatusError {
				if terminal == 0 {
					terminal = after
				}
				assert.Equal(t, terminal, after)
			}
		}
	}
}

func TestSignalsCannotReviveEndedCall(t *testing.T) {
	sb := newSwitchboard(t)
	alice := newTestPeer(t, sb, "alice", true)
	bob := newTestPeer(t, sb, "bob", false)
	ctx := context.Background()

	callID := connectCall(t, alice, bob, "bob")
	require.NoError(t, alice.manager.EndCall(ctx, callID))
	waitStatus(t, bob, callID, StatusEnded)

	s, _ := alice.manager.Session(callID)
	h := headerFor(s, "bob")
	for _, sig := range []Signal{
		Accepted{Header: h},
		Connecting{Header: h},
		Connected{Header: h},
		Rejected{Header: h},
		Failed{Header: h, Detail: "late"},
	} {
		alice.manager.HandleSignal(ctx, sig)
		assert.Equal(t, StatusEnded, alice.status(t, callID), "after %s", sig.Status())
	}
	assert.NoError(t, alice.manager.EndCall(ctx, callID))
	assert.Equal(t, StatusEnded, alice.status(t, callID))
}

func TestSessionsDisposedAfterGrace(t *testing.T) {
	sb := newSwitchboard(t)
	bob := newTestPeer(t, sb, "bob", false)
	bob.manager.opts.DisposeGrace = 20 * time.Millisecond

	req := Requesting{Header: Header{CallID: 77, From: "carol", Initiator: "carol", Participants: []string{"bob"}}}
	bob.manager.HandleSignal(context.Background(), req)
	bob.awaitIncoming(t)

	bob.manager.HandleSignal(context.Background(), Ended{Header: req.Header})
	require.Eventually(t, func() bool {
		_, ok := bob.manager.Session(77)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestNewManagerValidatesOptions(t *testing.T) {
	_, err := NewManager(Options{Adapter: AdapterFunc(func(context.Context, string, Signal) error { return nil })})
	assert.Error(t, err)
	_, err = NewManager(Options{Identity: "alice"})
	assert.Error(t, err)

	m, err := NewManager(Options{
		Identity: "alice",
		Adapter:  AdapterFunc(func(context.Context, string, Signal) error { return nil }),
		Metrics:  metrics.NewCollector(nil),
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", m.Identity())
	assert.Equal(t, 5, m.opts.PortAttempts)
	assert.Equal(t, 1000, m.opts.PortRange)
}
