// Package relay is the server-side conference listener. It accepts
// RTP-framed audio from conference participants over UDP, reorders each
// source through a jitter buffer and hands frames to a Handler at a steady
// playout rate. Mixing and forwarding are left to the Handler.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/voicechat/config"
	"github.com/opd-ai/voicechat/jitter"
	"github.com/opd-ai/voicechat/metrics"
	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Frame is one reassembled payload.
type Frame struct {
	SSRC uint32
	// Sequence is the extended (wrap-free) RTP sequence number.
	Sequence  uint32
	Timestamp uint32
	Payload   []byte
}

// Handler consumes frames in playout order. It runs on the playout
// goroutine and must not block for long.
type Handler func(Frame)

// ErrServerClosed is returned when starting a server that has been closed.
var ErrServerClosed = errors.New("relay server closed")

// Options tunes the relay.
type Options struct {
	ListenAddr      string
	JitterCapacity  int
	PlayoutInterval time.Duration
	// MaxMissedTicks is how many empty ticks a source waits for the
	// expected frame before skipping to the oldest buffered one.
	MaxMissedTicks int
	// SourceTimeout drops a silent source.
	SourceTimeout time.Duration
	ReadTimeout   time.Duration
	MaxDatagram   int
	Metrics       *metrics.Collector
}

// OptionsFromConfig maps the relay section of cfg.
func OptionsFromConfig(cfg config.RelayConfig, collector *metrics.Collector) Options {
	return Options{
		ListenAddr:      cfg.ListenAddr,
		JitterCapacity:  cfg.JitterCapacity,
		PlayoutInterval: cfg.PlayoutInterval,
		MaxMissedTicks:  cfg.MaxMissedTicks,
		Metrics:         collector,
	}
}

func (o Options) withDefaults() Options {
	if o.JitterCapacity <= 0 {
		o.JitterCapacity = jitter.DefaultCapacity
	}
	if o.PlayoutInterval <= 0 {
		o.PlayoutInterval = 20 * time.Millisecond
	}
	if o.MaxMissedTicks <= 0 {
		o.MaxMissedTicks = 3
	}
	if o.SourceTimeout <= 0 {
		o.SourceTimeout = 10 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 100 * time.Millisecond
	}
	if o.MaxDatagram <= 0 {
		o.MaxDatagram = 8192
	}
	return o
}

// source is the playout state of one SSRC.
type source struct {
	ssrc       uint32
	buffer     *jitter.Buffer
	timestamps map[uint32]uint32
	seq        sequenceTracker
	next       uint32
	primed     bool
	missed     int
	lastSeen   time.Time
}

// Server is a conference relay listener.
type Server struct {
	opts    Options
	handler Handler

	mu      sync.Mutex
	conn    *net.UDPConn
	sources map[uint32]*source

	closed atomic.Bool
	cancel context.CancelFunc
	group  *errgroup.Group
	once   sync.Once
}

// NewServer creates an unstarted relay delivering to handler.
func NewServer(opts Options, handler Handler) *Server {
	return &Server{
		opts:    opts.withDefaults(),
		handler: handler,
		sources: make(map[uint32]*source),
	}
}

// Start binds the listen address and starts the receive and playout loops.
func (s *Server) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrServerClosed
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp4", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("relay listen %s: %w", s.opts.ListenAddr, err)
	}
	conn := pc.(*net.UDPConn)

	ctx, cancel := context.WithCancel(ctx)
	group, ctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.group = group
	s.mu.Unlock()

	group.Go(func() error { return s.receiveLoop(ctx, conn) })
	group.Go(func() error { return s.playoutLoop(ctx) })

	logrus.WithFields(logrus.Fields{
		"function":         "Server.Start",
		"local_addr":       conn.LocalAddr().String(),
		"playout_interval": s.opts.PlayoutInterval,
		"jitter_capacity":  s.opts.JitterCapacity,
	}).Info("Conference relay listening")
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Sources lists the SSRCs currently tracked, sorted.
func (s *Server) Sources() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint32, 0, len(s.sources))
	for id := range s.sources {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close stops both loops and releases the socket.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)

		s.mu.Lock()
		conn, cancel, group := s.conn, s.cancel, s.group
		s.mu.Unlock()

		if cancel == nil {
			return
		}
		cancel()
		_ = conn.Close()
		err = group.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}

		logrus.WithFields(logrus.Fields{
			"function": "Server.Close",
		}).Info("Conference relay closed")
	})
	return err
}

func (s *Server) receiveLoop(ctx context.Context, conn *net.UDPConn) error {
	buffer := make([]byte, s.opts.MaxDatagram)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))

		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("relay read: %w", err)
		}

		s.ingest(buffer[:n], from)
	}
}

// ingest decodes one datagram and buffers its payload.
func (s *Server) ingest(data []byte, from *net.UDPAddr) {
	var packet rtp.Packet
	if err := packet.Unmarshal(data); err != nil {
		s.opts.Metrics.RelayFrame("malformed")
		logrus.WithFields(logrus.Fields{
			"function": "Server.ingest",
			"from":     from.String(),
			"size":     len(data),
			"error":    err.Error(),
		}).Debug("Dropping non-RTP datagram")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.sources[packet.SSRC]
	if !ok {
		src = &source{
			ssrc:       packet.SSRC,
			buffer:     jitter.NewBuffer(s.opts.JitterCapacity),
			timestamps: make(map[uint32]uint32),
		}
		s.sources[packet.SSRC] = src

		logrus.WithFields(logrus.Fields{
			"function": "Server.ingest",
			"ssrc":     packet.SSRC,
			"from":     from.String(),
		}).Info("New conference source")
	}
	src.lastSeen = time.Now()

	seq, ok := src.seq.extend(packet.SequenceNumber)
	if !ok || (src.primed && seq < src.next) {
		s.opts.Metrics.RelayFrame("late")
		return
	}
	src.buffer.Add(seq, packet.Payload)
	src.timestamps[seq] = packet.Timestamp
}

func (s *Server) playoutLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.PlayoutInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, frame := range s.tick(time.Now()) {
				if s.handler != nil {
					s.handler(frame)
				}
			}
		}
	}
}

// tick advances every source by one playout slot and returns the frames
// due now.
func (s *Server) tick(now time.Time) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Frame
	for ssrc, src := range s.sources {
		if frame, ok := s.advance(src); ok {
			due = append(due, frame)
			continue
		}
		if src.buffer.Size() == 0 && now.Sub(src.lastSeen) > s.opts.SourceTimeout {
			delete(s.sources, ssrc)
			logrus.WithFields(logrus.Fields{
				"function": "Server.tick",
				"ssrc":     ssrc,
			}).Info("Conference source timed out")
		}
	}
	slices.SortFunc(due, func(a, b Frame) int {
		switch {
		case a.SSRC < b.SSRC:
			return -1
		case a.SSRC > b.SSRC:
			return 1
		}
		return 0
	})
	return due
}

// advance plays the expected frame of src, skipping ahead once the gap has
// lasted MaxMissedTicks. Callers hold s.mu.
func (s *Server) advance(src *source) (Frame, bool) {
	if !src.primed {
		first, err := src.buffer.MinKey()
		if err != nil {
			return Frame{}, false
		}
		src.next = first
		src.primed = true
	}

	if dropped := src.buffer.DiscardBefore(src.next); dropped > 0 {
		s.opts.Metrics.RelayFrameCount("late", dropped)
		s.forgetBefore(src, src.next)
	}

	payload, ok := src.buffer.TakeNext(src.next)
	if !ok {
		src.missed++
		if src.missed < s.opts.MaxMissedTicks {
			return Frame{}, false
		}
		oldest, err := src.buffer.MinKey()
		if err != nil {
			return Frame{}, false
		}
		s.opts.Metrics.RelayFrameCount("skipped", int(oldest-src.next))
		logrus.WithFields(logrus.Fields{
			"function": "Server.advance",
			"ssrc":     src.ssrc,
			"from":     src.next,
			"to":       oldest,
		}).Debug("Skipping missing frames")

		s.forgetBefore(src, oldest)
		src.next = oldest
		if payload, ok = src.buffer.TakeNext(src.next); !ok {
			return Frame{}, false
		}
	}

	frame := Frame{
		SSRC:      src.ssrc,
		Sequence:  src.next,
		Timestamp: src.timestamps[src.next],
		Payload:   payload,
	}
	delete(src.timestamps, src.next)
	src.next++
	src.missed = 0
	s.opts.Metrics.RelayFrame("delivered")
	return frame, true
}

// forgetBefore drops timestamps for sequence numbers below threshold,
// including those the jitter buffer evicted on overflow.
func (s *Server) forgetBefore(src *source, threshold uint32) {
	for seq := range src.timestamps {
		if seq < threshold {
			delete(src.timestamps, seq)
		}
	}
}
