package voicechat

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/voicechat/audio"
	"github.com/opd-ai/voicechat/chat"
	"github.com/opd-ai/voicechat/config"
	"github.com/opd-ai/voicechat/metrics"
	"github.com/opd-ai/voicechat/signaling"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(identity string) config.Config {
	cfg := *config.Default()
	cfg.Identity = identity
	cfg.Media.BasePort = 0
	cfg.Media.AdvertiseHost = "127.0.0.1"
	cfg.Media.ReadTimeout = 20 * time.Millisecond
	cfg.Media.KeepAliveInterval = 200 * time.Millisecond
	cfg.Audio.ChunkSize = 320
	cfg.Signaling.RetryBackoff = 10 * time.Millisecond
	cfg.Signaling.DisposeGrace = time.Minute
	return cfg
}

// answering accepts every incoming call and records them.
func answering(t *testing.T, p *Peer) <-chan signaling.Session {
	incoming := make(chan signaling.Session, 4)
	p.OnIncomingCall(func(s signaling.Session) {
		assert.NoError(t, p.Accept(context.Background(), s.CallID))
		incoming <- s
	})
	return incoming
}

func waitStatus(t *testing.T, p *Peer, callID uint32, want signaling.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := p.Session(callID)
		return ok && s.Status == want
	}, 3*time.Second, 10*time.Millisecond, "%s: call %d never reached %s", p.Identity(), callID, want)
}

func memoryPeer(t *testing.T, network *chat.MemoryNetwork, identity string, devices Devices) (*Peer, *metrics.Collector) {
	t.Helper()
	endpoint, err := network.Join(identity)
	require.NoError(t, err)

	collector := metrics.NewCollector(nil)
	peer, err := NewPeer(testConfig(identity), endpoint, devices, collector)
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })
	return peer, collector
}

func TestPeersCallOverMemoryNetwork(t *testing.T) {
	network := chat.NewMemoryNetwork()
	alice, _ := memoryPeer(t, network, "alice", Devices{Input: audio.NewToneInput()})
	bob, bobMetrics := memoryPeer(t, network, "bob", Devices{})
	incoming := answering(t, bob)

	ctx := context.Background()
	session, err := alice.Call(ctx, "bob")
	require.NoError(t, err)

	select {
	case offer := <-incoming:
		assert.Equal(t, session.CallID, offer.CallID)
		assert.Equal(t, "alice", offer.Initiator)
	case <-time.After(2 * time.Second):
		t.Fatal("bob never saw the call")
	}

	waitStatus(t, alice, session.CallID, signaling.StatusConnected)
	waitStatus(t, bob, session.CallID, signaling.StatusConnected)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(bobMetrics.PlaybackFrames) > 0
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Hangup(ctx, session.CallID))
	waitStatus(t, alice, session.CallID, signaling.StatusEnded)
	waitStatus(t, bob, session.CallID, signaling.StatusEnded)

	_, ok := bob.Transport(session.CallID)
	assert.False(t, ok)
}

func TestPeersCallThroughNoiseHub(t *testing.T) {
	hub, err := chat.ListenHub("127.0.0.1:0", true)
	require.NoError(t, err)
	defer hub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	connect := func(identity string, devices Devices) (*Peer, *metrics.Collector) {
		cfg := testConfig(identity)
		cfg.Chat.ServerAddr = hub.Addr().String()
		cfg.Chat.Noise = true
		collector := metrics.NewCollector(nil)
		peer, err := Connect(ctx, cfg, devices, collector)
		require.NoError(t, err)
		t.Cleanup(func() { peer.Close() })
		return peer, collector
	}

	alice, aliceMetrics := connect("alice", Devices{Input: audio.NewToneInput()})
	bob, bobMetrics := connect("bob", Devices{Input: audio.NewToneInput()})
	answering(t, bob)

	session, err := alice.Call(ctx, "bob")
	require.NoError(t, err)
	waitStatus(t, alice, session.CallID, signaling.StatusConnected)
	waitStatus(t, bob, session.CallID, signaling.StatusConnected)

	// both directions carry audio
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(aliceMetrics.PlaybackFrames) > 0 &&
			testutil.ToFloat64(bobMetrics.PlaybackFrames) > 0
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, bob.Hangup(ctx, session.CallID))
	waitStatus(t, alice, session.CallID, signaling.StatusEnded)
}

func TestRejectedCallEndsForCaller(t *testing.T) {
	network := chat.NewMemoryNetwork()
	alice, _ := memoryPeer(t, network, "alice", Devices{})
	bob, _ := memoryPeer(t, network, "bob", Devices{})

	bob.OnIncomingCall(func(s signaling.Session) {
		assert.NoError(t, bob.Reject(context.Background(), s.CallID))
	})

	session, err := alice.Call(context.Background(), "bob")
	require.NoError(t, err)
	waitStatus(t, alice, session.CallID, signaling.StatusEnded)

	_, ok := alice.Transport(session.CallID)
	assert.False(t, ok)
}

func TestCallToAbsentPeerFails(t *testing.T) {
	network := chat.NewMemoryNetwork()
	alice, _ := memoryPeer(t, network, "alice", Devices{})

	_, err := alice.Call(context.Background(), "nobody")
	assert.ErrorIs(t, err, chat.ErrPeerUnknown)
}

func TestPeersExchangeText(t *testing.T) {
	network := chat.NewMemoryNetwork()
	alice, _ := memoryPeer(t, network, "alice", Devices{})
	bob, _ := memoryPeer(t, network, "bob", Devices{})

	got := make(chan string, 1)
	bob.OnText(func(from, text string) { got <- from + ": " + text })

	require.NoError(t, alice.SendText(context.Background(), "bob", "hi"))
	select {
	case msg := <-got:
		assert.Equal(t, "alice: hi", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("text not delivered")
	}
}

func TestSpoofedSignalIsDropped(t *testing.T) {
	network := chat.NewMemoryNetwork()
	bob, _ := memoryPeer(t, network, "bob", Devices{})
	mallory, err := network.Join("mallory")
	require.NoError(t, err)
	defer mallory.Close()

	offers := make(chan signaling.Session, 1)
	bob.OnIncomingCall(func(s signaling.Session) { offers <- s })

	forged, err := signaling.EncodeSignal(signaling.Requesting{Header: signaling.Header{
		CallID:       99,
		From:         "alice",
		Initiator:    "alice",
		Participants: []string{"bob"},
		MediaType:    signaling.MediaAudioOnly,
	}})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mallory.Send(ctx, "bob", chat.KindCallSignal, forged))
	require.NoError(t, mallory.Send(ctx, "bob", chat.KindCallSignal, []byte("garbage")))

	select {
	case <-offers:
		t.Fatal("forged offer surfaced")
	case <-time.After(200 * time.Millisecond):
	}
	assert.Empty(t, bob.Sessions())
}

func TestNewPeerChecksIdentity(t *testing.T) {
	network := chat.NewMemoryNetwork()
	endpoint, err := network.Join("alice")
	require.NoError(t, err)
	defer endpoint.Close()

	_, err = NewPeer(testConfig("bob"), endpoint, Devices{}, nil)
	assert.Error(t, err)

	_, err = NewPeer(testConfig("alice"), nil, Devices{}, nil)
	assert.Error(t, err)
}
