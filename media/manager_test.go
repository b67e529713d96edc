package media

import (
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/voicechat/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.ReadTimeout = 20 * time.Millisecond
	opts.AdvertiseHost = "127.0.0.1"
	return opts
}

func newBoundManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m := NewManager(7, opts)
	require.NoError(t, m.Bind(0))
	t.Cleanup(func() { m.Close() })
	return m
}

func newPeerSocket(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func loopback(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func readDatagram(t *testing.T, conn *net.UDPConn, timeout time.Duration) ([]byte, *net.UDPAddr) {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	n, addr, err := conn.ReadFromUDP(buf)
	require.NoError(t, err)
	return buf[:n], addr
}

func expectSilence(t *testing.T, conn *net.UDPConn, wait time.Duration) {
	t.Helper()
	buf := make([]byte, 2048)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	n, _, err := conn.ReadFromUDP(buf)
	require.Error(t, err, "unexpected datagram %q", buf[:n])
}

func TestBindEphemeralPort(t *testing.T) {
	m := newBoundManager(t, testOptions())

	assert.NotZero(t, m.LocalPort())
	assert.ErrorIs(t, m.Bind(0), ErrAlreadyBound)

	ep := m.LocalEndpoint()
	assert.Equal(t, "127.0.0.1", ep.Host)
	assert.Equal(t, m.LocalPort(), ep.Port)
}

func TestUnboundManager(t *testing.T) {
	m := NewManager(1, testOptions())
	defer m.Close()

	assert.Zero(t, m.LocalPort())
	assert.True(t, m.LocalEndpoint().IsZero())
	assert.ErrorIs(t, m.StartReceiving(), ErrNotBound)
	assert.ErrorIs(t, m.StartSending(make(chan []byte)), ErrNotBound)
	assert.ErrorIs(t, m.SendFrame([]byte{1, 2}), ErrNotBound)
}

func TestBindRangeProbesForward(t *testing.T) {
	taken, err := net.ListenUDP("udp4", &net.UDPAddr{})
	require.NoError(t, err)
	defer taken.Close()
	busy := taken.LocalAddr().(*net.UDPAddr).Port

	m := NewManager(2, testOptions())
	defer m.Close()

	port, err := m.BindRange(busy, 5)
	require.NoError(t, err)
	assert.Greater(t, port, busy)
	assert.LessOrEqual(t, port, busy+4)
	assert.Equal(t, port, m.LocalPort())
}

func TestBindRangeExhausted(t *testing.T) {
	taken, err := net.ListenUDP("udp4", &net.UDPAddr{})
	require.NoError(t, err)
	defer taken.Close()
	busy := taken.LocalAddr().(*net.UDPAddr).Port

	m := NewManager(3, testOptions())
	defer m.Close()

	_, err = m.BindRange(busy, 1)
	assert.ErrorIs(t, err, ErrPortExhausted)
	assert.Zero(t, m.LocalPort())
}

func TestTestProbeRoundTrip(t *testing.T) {
	m := newBoundManager(t, testOptions())
	require.NoError(t, m.StartReceiving())

	peer := newPeerSocket(t)
	_, err := peer.WriteToUDP(ProbeTest.Bytes(), loopback(m.LocalPort()))
	require.NoError(t, err)

	data, from := readDatagram(t, peer, 2*time.Second)
	assert.Equal(t, "TACK", string(data))
	assert.Equal(t, m.LocalPort(), from.Port)

	expectSilence(t, peer, 150*time.Millisecond)

	assert.Equal(t, EndpointFromAddr(peer.LocalAddr().(*net.UDPAddr)), m.RemoteEndpoint(),
		"test probe sender is adopted as remote endpoint")
}

func TestConnectProbeAdoptsSender(t *testing.T) {
	m := newBoundManager(t, testOptions())
	require.NoError(t, m.SetRemoteEndpoint("127.0.0.1", 9))
	require.NoError(t, m.StartReceiving())

	var acks atomic.Int32
	m.AddProbeListener(func(p Probe, _ *net.UDPAddr) {
		if p == ProbeConnect {
			acks.Add(1)
		}
	})

	peer := newPeerSocket(t)
	_, err := peer.WriteToUDP(ProbeConnect.Bytes(), loopback(m.LocalPort()))
	require.NoError(t, err)

	data, _ := readDatagram(t, peer, 2*time.Second)
	assert.Equal(t, "CACK", string(data))
	assert.Equal(t, peer.LocalAddr().(*net.UDPAddr).Port, m.RemoteEndpoint().Port)
	assert.Eventually(t, func() bool { return acks.Load() == 1 }, time.Second, 10*time.Millisecond)
}

func TestKeepAliveProbeIsOnlyLogged(t *testing.T) {
	m := newBoundManager(t, testOptions())
	require.NoError(t, m.StartReceiving())

	var frames atomic.Int32
	m.AddListener(func([]byte, *net.UDPAddr) { frames.Add(1) })

	peer := newPeerSocket(t)
	_, err := peer.WriteToUDP(ProbeKeepAlive.Bytes(), loopback(m.LocalPort()))
	require.NoError(t, err)

	expectSilence(t, peer, 150*time.Millisecond)
	assert.Zero(t, frames.Load())
}

func TestMediaValidation(t *testing.T) {
	collector := metrics.NewCollector(nil)
	opts := testOptions()
	opts.Metrics = collector
	m := newBoundManager(t, opts)
	require.NoError(t, m.StartReceiving())

	var mu sync.Mutex
	var got [][]byte
	m.AddListener(func(frame []byte, _ *net.UDPAddr) {
		mu.Lock()
		got = append(got, frame)
		mu.Unlock()
	})

	peer := newPeerSocket(t)
	target := loopback(m.LocalPort())
	for _, payload := range [][]byte{
		{1, 2, 3},       // odd: discarded
		{1, 2, 3, 4},    // four bytes, not a probe: media
		{9, 8, 7, 6, 5}, // odd: discarded
		{5, 6},          // media
	} {
		_, err := peer.WriteToUDP(payload, target)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []byte{1, 2, 3, 4}, got[0])
	assert.Equal(t, []byte{5, 6}, got[1])
	mu.Unlock()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(collector.DatagramsDiscarded.WithLabelValues("odd_length")) == 2
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, peer.LocalAddr().(*net.UDPAddr).Port, m.RemoteEndpoint().Port,
		"first sender adopted when no remote was configured")
}

func TestListenerFanOut(t *testing.T) {
	m := newBoundManager(t, testOptions())
	require.NoError(t, m.StartReceiving())

	var first, second atomic.Int32
	m.AddListener(func([]byte, *net.UDPAddr) { first.Add(1) })
	m.AddListener(func([]byte, *net.UDPAddr) { second.Add(1) })
	m.AddListener(nil)

	peer := newPeerSocket(t)
	_, err := peer.WriteToUDP([]byte{0, 1}, loopback(m.LocalPort()))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return first.Load() == 1 && second.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// TestEndpointDiscoveryMajorityWins drives the discovery heuristic with a
// synthetic stream: 16 datagrams from A and 9 from B.
func TestEndpointDiscoveryMajorityWins(t *testing.T) {
	m := NewManager(9, testOptions())
	defer m.Close()

	a := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 5000}
	b := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 7), Port: 6000}
	require.NoError(t, m.SetRemoteEndpoint("198.51.100.7", 6000))

	frame := []byte{0, 0}
	sent := map[string]int{}
	for i := 0; i < 25; i++ {
		from := a
		if i%3 == 2 && sent["b"] < 9 {
			from = b
			sent["b"]++
		} else if sent["a"] == 16 {
			from = b
			sent["b"]++
		} else {
			sent["a"]++
		}
		m.handleDatagram(frame, from)
	}

	require.Equal(t, 16, sent["a"])
	require.Equal(t, 9, sent["b"])
	assert.Equal(t, EndpointFromAddr(a), m.RemoteEndpoint())
}

func TestEndpointDiscoveryOverUDP(t *testing.T) {
	collector := metrics.NewCollector(nil)
	opts := testOptions()
	opts.Metrics = collector
	m := newBoundManager(t, opts)
	require.NoError(t, m.StartReceiving())

	var received atomic.Int32
	m.AddListener(func([]byte, *net.UDPAddr) { received.Add(1) })

	a := newPeerSocket(t)
	b := newPeerSocket(t)
	target := loopback(m.LocalPort())

	// B speaks first and is adopted, then A dominates the first window.
	for i := 0; i < 9; i++ {
		_, err := b.WriteToUDP([]byte{1, 1}, target)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return received.Load() == 9 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, b.LocalAddr().(*net.UDPAddr).Port, m.RemoteEndpoint().Port)

	for i := 0; i < 16; i++ {
		_, err := a.WriteToUDP([]byte{2, 2}, target)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return received.Load() == 25 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, a.LocalAddr().(*net.UDPAddr).Port, m.RemoteEndpoint().Port)
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.EndpointSwitches))
}

func TestSendLoopConnectsThenStreams(t *testing.T) {
	m := newBoundManager(t, testOptions())
	peer := newPeerSocket(t)
	require.NoError(t, m.SetRemoteEndpoint("127.0.0.1", peer.LocalAddr().(*net.UDPAddr).Port))

	frames := make(chan []byte, 4)
	require.NoError(t, m.StartSending(frames))
	require.NoError(t, m.StartSending(frames), "second start is a no-op")

	data, _ := readDatagram(t, peer, 2*time.Second)
	assert.Equal(t, "CONN", string(data), "connect probe precedes media")

	frames <- []byte{10, 20, 30, 40, 50, 60}
	data, _ = readDatagram(t, peer, 2*time.Second)
	assert.Equal(t, []byte{10, 20, 30, 40, 50, 60}, data)
}

func TestSendLoopWaitsForRemoteBeforeConnect(t *testing.T) {
	m := newBoundManager(t, testOptions())
	peer := newPeerSocket(t)

	frames := make(chan []byte, 1)
	require.NoError(t, m.StartSending(frames))
	frames <- []byte{1, 2}

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, m.SetRemoteEndpoint("127.0.0.1", peer.LocalAddr().(*net.UDPAddr).Port))
	frames <- []byte{3, 4}

	data, _ := readDatagram(t, peer, 2*time.Second)
	assert.Equal(t, "CONN", string(data))
	data, _ = readDatagram(t, peer, 2*time.Second)
	assert.Equal(t, []byte{3, 4}, data)
}

func TestKeepAliveAfterSilence(t *testing.T) {
	opts := testOptions()
	opts.KeepAliveInterval = 80 * time.Millisecond
	m := newBoundManager(t, opts)

	peer := newPeerSocket(t)
	require.NoError(t, m.SetRemoteEndpoint("127.0.0.1", peer.LocalAddr().(*net.UDPAddr).Port))

	frames := make(chan []byte)
	close(frames)
	require.NoError(t, m.StartSending(frames))

	data, _ := readDatagram(t, peer, 2*time.Second)
	assert.Equal(t, "CONN", string(data))
	data, _ = readDatagram(t, peer, 2*time.Second)
	assert.Equal(t, "KALV", string(data))
}

func TestCloseIsIdempotent(t *testing.T) {
	collector := metrics.NewCollector(nil)
	opts := testOptions()
	opts.Metrics = collector

	m := NewManager(4, opts)
	require.NoError(t, m.Bind(0))
	require.NoError(t, m.StartReceiving())
	require.NoError(t, m.StartSending(make(chan []byte)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.ActiveTransports))

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Close())
		}()
	}
	wg.Wait()

	assert.True(t, m.IsClosed())
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.ActiveTransports))
	assert.ErrorIs(t, m.StartReceiving(), ErrClosed)
	assert.ErrorIs(t, m.Bind(0), ErrClosed)
	assert.ErrorIs(t, m.SendProbe(ProbeTest), ErrClosed)
}

func TestTwoManagersExchangeMedia(t *testing.T) {
	a := newBoundManager(t, testOptions())
	b := newBoundManager(t, testOptions())

	got := make(chan []byte, 8)
	b.AddListener(func(frame []byte, _ *net.UDPAddr) { got <- frame })
	require.NoError(t, b.StartReceiving())
	require.NoError(t, a.StartReceiving())

	require.NoError(t, a.SetRemoteEndpoint("127.0.0.1", b.LocalPort()))
	out := make(chan []byte, 1)
	require.NoError(t, a.StartSending(out))
	out <- []byte{7, 7, 7, 7}

	select {
	case frame := <-got:
		assert.Equal(t, []byte{7, 7, 7, 7}, frame)
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered")
	}

	// B learned A's endpoint from the Connect probe and can answer.
	assert.Eventually(t, func() bool { return b.RemoteEndpoint().Port == a.LocalPort() },
		time.Second, 10*time.Millisecond)
}

func TestSetRemoteEndpointIgnoresUnknown(t *testing.T) {
	m := NewManager(5, testOptions())
	defer m.Close()

	require.NoError(t, m.SetRemoteEndpoint("", 5000))
	require.NoError(t, m.SetRemoteEndpoint("127.0.0.1", 0))
	assert.True(t, m.RemoteEndpoint().IsZero())

	require.Error(t, m.SetRemoteEndpoint("no.such.host.invalid", 5000))
}
