// Package media implements the per-call UDP media transport.
//
// A Manager owns exactly one UDP socket for one call. It sends captured audio
// frames to the current remote endpoint, receives frames and fans them out to
// listeners, answers control probes, and keeps the remote endpoint pointed at
// the address the peer's traffic really arrives from.
package media

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/voicechat/config"
	"github.com/opd-ai/voicechat/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultReadTimeout bounds each blocking read so the receive loop can
	// observe the stop flag promptly.
	DefaultReadTimeout = 100 * time.Millisecond

	// DefaultKeepAliveInterval is the send-side silence after which a
	// KeepAlive probe goes out.
	DefaultKeepAliveInterval = 30 * time.Second

	// DefaultDiscoveryWindow is the number of media datagrams between
	// endpoint discovery decisions.
	DefaultDiscoveryWindow = 20

	// DefaultMaxDatagram is the receive buffer size.
	DefaultMaxDatagram = 8192

	// DefaultSocketBufferBytes is the requested kernel socket buffer size.
	DefaultSocketBufferBytes = 1 << 20

	// SampleWidth is the byte width of one PCM sample; media datagrams must
	// be a multiple of it.
	SampleWidth = 2
)

// FrameListener receives validated inbound media frames. The frame slice is
// owned by the listener.
type FrameListener func(frame []byte, from *net.UDPAddr)

// ProbeListener observes inbound control probes after they are handled.
type ProbeListener func(probe Probe, from *net.UDPAddr)

// Options tunes a Manager.
type Options struct {
	ReadTimeout       time.Duration
	KeepAliveInterval time.Duration
	DiscoveryWindow   int
	SocketBufferBytes int
	MaxDatagram       int
	// AdvertiseHost overrides LocalIPv4 in LocalEndpoint.
	AdvertiseHost string
	Metrics       *metrics.Collector
}

// DefaultOptions returns the standard transport tuning.
func DefaultOptions() Options {
	return Options{
		ReadTimeout:       DefaultReadTimeout,
		KeepAliveInterval: DefaultKeepAliveInterval,
		DiscoveryWindow:   DefaultDiscoveryWindow,
		SocketBufferBytes: DefaultSocketBufferBytes,
		MaxDatagram:       DefaultMaxDatagram,
	}
}

// OptionsFromConfig maps the media section of the configuration to Options.
func OptionsFromConfig(cfg config.MediaConfig, collector *metrics.Collector) Options {
	opts := Options{
		ReadTimeout:       cfg.ReadTimeout,
		KeepAliveInterval: cfg.KeepAliveInterval,
		DiscoveryWindow:   cfg.DiscoveryWindow,
		SocketBufferBytes: cfg.SocketBufferBytes,
		MaxDatagram:       cfg.MaxDatagram,
		AdvertiseHost:     cfg.AdvertiseHost,
		Metrics:           collector,
	}
	return opts.withDefaults()
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = d.ReadTimeout
	}
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = d.KeepAliveInterval
	}
	if o.DiscoveryWindow <= 0 {
		o.DiscoveryWindow = d.DiscoveryWindow
	}
	if o.MaxDatagram <= 0 {
		o.MaxDatagram = d.MaxDatagram
	}
	return o
}

// Manager is the UDP media transport of one call.
type Manager struct {
	callID uint32
	opts   Options

	mu             sync.RWMutex
	conn           *net.UDPConn
	remote         *net.UDPAddr
	tracker        *endpointTracker
	listeners      []FrameListener
	probeListeners []ProbeListener

	closed      atomic.Bool
	sending     atomic.Bool
	receiving   atomic.Bool
	connectSent atomic.Bool
	lastSend    atomic.Int64 // unix nanoseconds of the last datagram sent

	ctx       context.Context
	cancel    context.CancelFunc
	group     *errgroup.Group
	closeOnce sync.Once
}

// NewManager creates an unbound transport for callID.
func NewManager(callID uint32, opts Options) *Manager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	return &Manager{
		callID:  callID,
		opts:    opts,
		tracker: newEndpointTracker(opts.DiscoveryWindow),
		ctx:     ctx,
		cancel:  cancel,
		group:   group,
	}
}

// CallID returns the call this transport belongs to.
func (m *Manager) CallID() uint32 {
	return m.callID
}

// Bind opens the UDP endpoint on localPort (0 picks an ephemeral port) with
// address reuse enabled and best-effort large socket buffers. A port that is
// already taken yields an error for which IsAddrInUse reports true.
func (m *Manager) Bind(localPort int) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		return ErrAlreadyBound
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	pc, err := lc.ListenPacket(m.ctx, "udp4", net.JoinHostPort("", strconv.Itoa(localPort)))
	if err != nil {
		return fmt.Errorf("bind media port %d: %w", localPort, err)
	}
	conn := pc.(*net.UDPConn)

	if m.opts.SocketBufferBytes > 0 {
		if err := conn.SetReadBuffer(m.opts.SocketBufferBytes); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.Bind",
				"call_id":  m.callID,
				"error":    err.Error(),
			}).Debug("Could not enlarge receive buffer")
		}
		if err := conn.SetWriteBuffer(m.opts.SocketBufferBytes); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.Bind",
				"call_id":  m.callID,
				"error":    err.Error(),
			}).Debug("Could not enlarge send buffer")
		}
	}

	m.conn = conn
	m.opts.Metrics.TransportBound()

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.Bind",
		"call_id":    m.callID,
		"local_addr": conn.LocalAddr().String(),
	}).Info("Media endpoint bound")

	return nil
}

// BindRange binds the first free port among attempts sequential ports
// starting at firstPort. A firstPort of zero binds an ephemeral port. Only
// port-in-use failures move on to the next candidate. It returns the bound
// port.
func (m *Manager) BindRange(firstPort, attempts int) (int, error) {
	if firstPort == 0 {
		if err := m.Bind(0); err != nil {
			return 0, err
		}
		return m.LocalPort(), nil
	}
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		port := firstPort + i
		err := m.Bind(port)
		if err == nil {
			return port, nil
		}
		if !IsAddrInUse(err) {
			return 0, err
		}

		logrus.WithFields(logrus.Fields{
			"function": "Manager.BindRange",
			"call_id":  m.callID,
			"port":     port,
			"attempt":  i + 1,
		}).Debug("Media port in use, probing next port")
		lastErr = err
	}

	return 0, fmt.Errorf("%w: ports %d-%d: %v", ErrPortExhausted, firstPort, firstPort+attempts-1, lastErr)
}

// LocalPort returns the bound UDP port, or zero when unbound.
func (m *Manager) LocalPort() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.conn == nil {
		return 0
	}
	return m.conn.LocalAddr().(*net.UDPAddr).Port
}

// LocalEndpoint returns the endpoint to advertise to the peer.
func (m *Manager) LocalEndpoint() Endpoint {
	port := m.LocalPort()
	if port == 0 {
		return Endpoint{}
	}
	host := m.opts.AdvertiseHost
	if host == "" {
		host = LocalIPv4().String()
	}
	return Endpoint{Host: host, Port: port}
}

// SetRemoteEndpoint points the transport at host:port. An endpoint with an
// empty host or a zero port is treated as unknown and leaves the current
// remote unchanged, so the first sender will be adopted.
func (m *Manager) SetRemoteEndpoint(host string, port int) error {
	ep := Endpoint{Host: host, Port: port}
	if ep.IsZero() {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.SetRemoteEndpoint",
			"call_id":  m.callID,
			"endpoint": ep.String(),
		}).Debug("Ignoring incomplete remote endpoint")
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp4", ep.String())
	if err != nil {
		return fmt.Errorf("resolve remote endpoint %s: %w", ep, err)
	}

	m.mu.Lock()
	m.remote = addr
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Manager.SetRemoteEndpoint",
		"call_id":  m.callID,
		"remote":   addr.String(),
	}).Info("Remote media endpoint set")

	return nil
}

// RemoteEndpoint returns the current remote endpoint, or the zero Endpoint.
func (m *Manager) RemoteEndpoint() Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return EndpointFromAddr(m.remote)
}

// AddListener registers fn to receive every validated inbound media frame.
func (m *Manager) AddListener(fn FrameListener) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// AddProbeListener registers fn to observe inbound control probes.
func (m *Manager) AddProbeListener(fn ProbeListener) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probeListeners = append(m.probeListeners, fn)
}

// StartSending starts the send loop, which pulls frames from source and
// sends each as one datagram to the current remote endpoint. A Connect probe
// precedes the first media frame, and a KeepAlive probe goes out whenever
// nothing was sent for the keep-alive interval. Calling it again is a no-op.
func (m *Manager) StartSending(source <-chan []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.isBound() {
		return ErrNotBound
	}
	if !m.sending.CompareAndSwap(false, true) {
		return nil
	}

	m.group.Go(func() error {
		m.sendLoop(source)
		return nil
	})
	return nil
}

// StartReceiving starts the receive loop. Calling it again is a no-op.
func (m *Manager) StartReceiving() error {
	if m.closed.Load() {
		return ErrClosed
	}
	if !m.isBound() {
		return ErrNotBound
	}
	if !m.receiving.CompareAndSwap(false, true) {
		return nil
	}

	m.group.Go(func() error {
		m.receiveLoop()
		return nil
	})
	return nil
}

// SendFrame sends one media frame to the remote endpoint.
func (m *Manager) SendFrame(frame []byte) error {
	if err := m.write(frame, nil); err != nil {
		return err
	}
	m.opts.Metrics.DatagramSent("media")
	return nil
}

// SendProbe sends a control probe to the remote endpoint.
func (m *Manager) SendProbe(p Probe) error {
	if err := m.write(p.Bytes(), nil); err != nil {
		return err
	}
	m.opts.Metrics.DatagramSent("probe")

	logrus.WithFields(logrus.Fields{
		"function": "Manager.SendProbe",
		"call_id":  m.callID,
		"probe":    p.String(),
	}).Debug("Sent control probe")
	return nil
}

// Close stops both loops and releases the socket. It is idempotent and may
// be called from any goroutine except a listener callback.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.cancel()

		m.mu.Lock()
		conn := m.conn
		m.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
			m.opts.Metrics.TransportClosed()
		}
		_ = m.group.Wait()

		logrus.WithFields(logrus.Fields{
			"function": "Manager.Close",
			"call_id":  m.callID,
		}).Info("Media transport closed")
	})
	return nil
}

// IsClosed reports whether Close has been called.
func (m *Manager) IsClosed() bool {
	return m.closed.Load()
}

func (m *Manager) isBound() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conn != nil
}

// write sends data to addr, or to the current remote when addr is nil.
func (m *Manager) write(data []byte, addr *net.UDPAddr) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.RLock()
	conn := m.conn
	if addr == nil {
		addr = m.remote
	}
	m.mu.RUnlock()

	if conn == nil {
		return ErrNotBound
	}
	if addr == nil {
		return ErrNoRemoteEndpoint
	}

	if _, err := conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	m.lastSend.Store(time.Now().UnixNano())
	return nil
}

// sendLoop runs until the manager is closed. A closed source stops media
// but keep-alives continue.
func (m *Manager) sendLoop(source <-chan []byte) {
	logrus.WithFields(logrus.Fields{
		"function": "Manager.sendLoop",
		"call_id":  m.callID,
	}).Debug("Send loop started")

	m.sendConnectOnce()

	tick := m.opts.KeepAliveInterval / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for !m.closed.Load() {
		select {
		case <-m.ctx.Done():
			return

		case frame, ok := <-source:
			if !ok {
				source = nil
				continue
			}
			m.sendConnectOnce()
			if err := m.SendFrame(frame); err != nil && !errors.Is(err, ErrClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "Manager.sendLoop",
					"call_id":  m.callID,
					"error":    err.Error(),
				}).Debug("Dropped outbound frame")
			}

		case <-ticker.C:
			m.sendConnectOnce()
			last := time.Unix(0, m.lastSend.Load())
			if time.Since(last) >= m.opts.KeepAliveInterval {
				if err := m.SendProbe(ProbeKeepAlive); err != nil && !errors.Is(err, ErrClosed) {
					logrus.WithFields(logrus.Fields{
						"function": "Manager.sendLoop",
						"call_id":  m.callID,
						"error":    err.Error(),
					}).Debug("Keep-alive not sent")
				}
			}
		}
	}
}

// sendConnectOnce sends the initial Connect probe as soon as a remote
// endpoint is known.
func (m *Manager) sendConnectOnce() {
	if m.connectSent.Load() {
		return
	}
	if err := m.SendProbe(ProbeConnect); err != nil {
		return
	}
	m.connectSent.Store(true)
}

func (m *Manager) receiveLoop() {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.receiveLoop",
		"call_id":    m.callID,
		"local_addr": conn.LocalAddr().String(),
	}).Debug("Receive loop started")

	buffer := make([]byte, m.opts.MaxDatagram)
	for !m.closed.Load() {
		_ = conn.SetReadDeadline(time.Now().Add(m.opts.ReadTimeout))

		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if m.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			logrus.WithFields(logrus.Fields{
				"function": "Manager.receiveLoop",
				"call_id":  m.callID,
				"error":    err.Error(),
			}).Debug("Read error on media socket")
			continue
		}

		m.handleDatagram(buffer[:n], addr)
	}
}

// handleDatagram classifies one inbound datagram as probe, media or garbage.
func (m *Manager) handleDatagram(data []byte, from *net.UDPAddr) {
	if len(data) == ProbeSize {
		if probe, err := ParseProbe(data); err == nil {
			m.opts.Metrics.DatagramReceived("probe")
			m.handleProbe(probe, from)
			return
		}
	}

	if len(data) == 0 || len(data)%SampleWidth != 0 {
		m.opts.Metrics.DatagramDiscarded("odd_length")

		logrus.WithFields(logrus.Fields{
			"function": "Manager.handleDatagram",
			"call_id":  m.callID,
			"size":     len(data),
			"from":     from.String(),
		}).Debug("Discarded malformed datagram")
		return
	}

	m.opts.Metrics.DatagramReceived("media")
	m.observeMediaSender(from)

	m.mu.RLock()
	listeners := make([]FrameListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, fn := range listeners {
		frame := make([]byte, len(data))
		copy(frame, data)
		fn(frame, from)
	}
}

func (m *Manager) handleProbe(probe Probe, from *net.UDPAddr) {
	logger := logrus.WithFields(logrus.Fields{
		"function": "Manager.handleProbe",
		"call_id":  m.callID,
		"probe":    probe.String(),
		"from":     from.String(),
	})

	switch probe {
	case ProbeConnect:
		m.adoptRemote(from, "connect probe")
		m.reply(ProbeConnectAck, from)
	case ProbeTest:
		m.adoptRemote(from, "test probe")
		m.reply(ProbeTestAck, from)
	case ProbeKeepAlive:
		logger.Debug("Keep-alive received")
	default:
		m.adoptIfUnset(from)
		logger.Debug("Probe acknowledgement received")
	}

	m.mu.RLock()
	listeners := make([]ProbeListener, len(m.probeListeners))
	copy(listeners, m.probeListeners)
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(probe, from)
	}
}

func (m *Manager) reply(probe Probe, to *net.UDPAddr) {
	if err := m.write(probe.Bytes(), to); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.reply",
			"call_id":  m.callID,
			"probe":    probe.String(),
			"error":    err.Error(),
		}).Debug("Failed to answer probe")
		return
	}
	m.opts.Metrics.DatagramSent("probe")
}

// adoptRemote makes addr the remote endpoint.
func (m *Manager) adoptRemote(addr *net.UDPAddr, reason string) {
	m.mu.Lock()
	changed := !sameUDPAddr(m.remote, addr)
	if changed {
		m.remote = cloneUDPAddr(addr)
	}
	m.mu.Unlock()

	if changed {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.adoptRemote",
			"call_id":  m.callID,
			"remote":   addr.String(),
			"reason":   reason,
		}).Info("Adopted remote media endpoint")
	}
}

func (m *Manager) adoptIfUnset(addr *net.UDPAddr) {
	m.mu.RLock()
	unset := m.remote == nil
	m.mu.RUnlock()

	if unset {
		m.adoptRemote(addr, "first sender")
	}
}

// observeMediaSender applies first-sender adoption and majority-based
// endpoint discovery for one media datagram.
func (m *Manager) observeMediaSender(from *net.UDPAddr) {
	m.mu.Lock()
	adopted := m.remote == nil
	if adopted {
		m.remote = cloneUDPAddr(from)
	}

	previous := m.remote
	candidate := m.tracker.observe(from, previous)
	switched := candidate != nil && !sameUDPAddr(candidate, previous)
	if switched {
		m.remote = candidate
	}
	m.mu.Unlock()

	if adopted {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.observeMediaSender",
			"call_id":  m.callID,
			"remote":   from.String(),
		}).Info("Adopted first media sender as remote endpoint")
	}

	if switched {
		m.opts.Metrics.EndpointSwitched()

		logrus.WithFields(logrus.Fields{
			"function": "Manager.observeMediaSender",
			"call_id":  m.callID,
			"previous": previous.String(),
			"remote":   candidate.String(),
		}).Info("Switched remote endpoint to majority sender")
	}
}
