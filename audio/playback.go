package audio

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/opd-ai/voicechat/metrics"
	"github.com/sirupsen/logrus"
)

// stopWait bounds how long StopPlaybackForCall waits for a stream's
// goroutine to release its device.
const stopWait = time.Second

// PlaybackOptions tunes a Playback.
type PlaybackOptions struct {
	Format          Format
	MaxQueuedFrames int
	Metrics         *metrics.Collector
}

// Playback is the active-call registry for inbound audio. Every registered
// call owns a queue, a goroutine and an output device obtained from the
// factory; the device is released when the call is unregistered. Streams
// of different calls are not mixed.
type Playback struct {
	factory   OutputFactory
	format    Format
	maxQueued int
	metrics   *metrics.Collector

	mu      sync.RWMutex
	streams map[uint32]*stream
	closed  bool
}

// NewPlayback creates an empty registry that opens devices with factory.
func NewPlayback(factory OutputFactory, opts PlaybackOptions) *Playback {
	if opts.MaxQueuedFrames <= 0 {
		opts.MaxQueuedFrames = DefaultMaxQueuedFrames
	}
	if opts.Format == (Format{}) {
		opts.Format = DefaultFormat()
	}

	return &Playback{
		factory:   factory,
		format:    opts.Format,
		maxQueued: opts.MaxQueuedFrames,
		metrics:   opts.Metrics,
		streams:   make(map[uint32]*stream),
	}
}

// ErrPlaybackClosed is returned by RegisterCall after Close.
var ErrPlaybackClosed = errors.New("playback closed")

// RegisterCall marks callID as active and starts its playback stream.
// Registering an active call again is a no-op.
func (p *Playback) RegisterCall(callID uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPlaybackClosed
	}
	if _, ok := p.streams[callID]; ok {
		return nil
	}

	s := newStream(callID, p)
	p.streams[callID] = s
	go s.run()

	logrus.WithFields(logrus.Fields{
		"function": "Playback.RegisterCall",
		"call_id":  callID,
	}).Info("Playback registered for call")

	return nil
}

// StopPlaybackForCall unregisters callID. Frames still queued for the call
// are abandoned, not written, and the call's device is closed.
func (p *Playback) StopPlaybackForCall(callID uint32) {
	p.mu.Lock()
	s, ok := p.streams[callID]
	delete(p.streams, callID)
	p.mu.Unlock()

	if !ok {
		return
	}

	abandoned := s.shutdown(stopWait)

	logrus.WithFields(logrus.Fields{
		"function":  "Playback.StopPlaybackForCall",
		"call_id":   callID,
		"abandoned": abandoned,
	}).Info("Playback stopped for call")
}

// QueueAudio enqueues frame for callID. It returns false when the call is
// not registered and the frame was dropped.
func (p *Playback) QueueAudio(frame []byte, callID uint32) bool {
	p.mu.RLock()
	s, ok := p.streams[callID]
	p.mu.RUnlock()

	if !ok {
		p.metrics.PlaybackDrop("inactive_call")

		logrus.WithFields(logrus.Fields{
			"function": "Playback.QueueAudio",
			"call_id":  callID,
			"size":     len(frame),
		}).Debug("Dropped frame for inactive call")
		return false
	}

	s.enqueue(frame)
	return true
}

// IsActive reports whether callID is registered.
func (p *Playback) IsActive(callID uint32) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.streams[callID]
	return ok
}

// ActiveCalls returns the registered call IDs in ascending order.
func (p *Playback) ActiveCalls() []uint32 {
	p.mu.RLock()
	ids := make([]uint32, 0, len(p.streams))
	for id := range p.streams {
		ids = append(ids, id)
	}
	p.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// QueueLen returns how many frames wait for callID, or zero for an
// inactive call.
func (p *Playback) QueueLen(callID uint32) int {
	p.mu.RLock()
	s, ok := p.streams[callID]
	p.mu.RUnlock()

	if !ok {
		return 0
	}
	return s.size()
}

// Close unregisters every call. It is idempotent.
func (p *Playback) Close() {
	p.mu.Lock()
	p.closed = true
	ids := make([]uint32, 0, len(p.streams))
	for id := range p.streams {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.StopPlaybackForCall(id)
	}
}

// stream is the playback state of one call.
type stream struct {
	callID uint32
	owner  *Playback

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newStream(callID uint32, owner *Playback) *stream {
	return &stream{
		callID: callID,
		owner:  owner,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// enqueue appends frame. A queue already holding the maximum number of
// frames is cleared first, trading completeness for freshness.
func (s *stream) enqueue(frame []byte) {
	s.mu.Lock()
	flushed := 0
	if len(s.queue) >= s.owner.maxQueued {
		flushed = len(s.queue)
		s.queue = nil
	}
	s.queue = append(s.queue, frame)
	s.mu.Unlock()

	if flushed > 0 {
		s.owner.metrics.PlaybackFlush()

		logrus.WithFields(logrus.Fields{
			"function": "stream.enqueue",
			"call_id":  s.callID,
			"flushed":  flushed,
		}).Warn("Playback queue overloaded, flushed pending frames")
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *stream) pop() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.queue) == 0 {
		return nil, false
	}
	frame := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return frame, true
}

func (s *stream) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// shutdown stops the goroutine, waits up to wait for it to release the
// device and returns the number of abandoned frames.
func (s *stream) shutdown(wait time.Duration) int {
	s.once.Do(func() { close(s.stop) })

	select {
	case <-s.done:
	case <-time.After(wait):
		logrus.WithFields(logrus.Fields{
			"function": "stream.shutdown",
			"call_id":  s.callID,
		}).Warn("Playback stream did not stop in time")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	abandoned := len(s.queue)
	s.queue = nil
	return abandoned
}

func (s *stream) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *stream) run() {
	defer close(s.done)

	device := s.acquire()
	defer func() {
		if device != nil {
			_ = device.Close()
		}
	}()

	for {
		select {
		case <-s.stop:
			return
		case <-s.notify:
		}

		for !s.stopped() {
			frame, ok := s.pop()
			if !ok {
				break
			}
			device = s.write(device, frame)
		}
	}
}

// acquire obtains and opens this call's output device.
func (s *stream) acquire() OutputDevice {
	if s.owner.factory == nil {
		return nil
	}

	device, err := s.owner.factory(s.callID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "stream.acquire",
			"call_id":  s.callID,
			"error":    err.Error(),
		}).Error("Failed to create playback device")
		return nil
	}

	if err := device.Open(s.owner.format); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "stream.acquire",
			"call_id":  s.callID,
			"error":    err.Error(),
		}).Error("Failed to open playback device")
	}
	return device
}

// write plays frame, reopening the device once if it is inactive or the
// write fails. Failures degrade audio but never end the call.
func (s *stream) write(device OutputDevice, frame []byte) OutputDevice {
	if device == nil {
		device = s.acquire()
		if device == nil {
			s.owner.metrics.PlaybackDrop("no_device")
			return nil
		}
	}

	if !device.IsActive() && !s.reopen(device) {
		s.owner.metrics.PlaybackDrop("device_inactive")
		return device
	}

	if _, err := device.Write(frame); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "stream.write",
			"call_id":  s.callID,
			"error":    err.Error(),
		}).Warn("Playback write failed")

		if !s.reopen(device) {
			s.owner.metrics.PlaybackDrop("write_failed")
			return device
		}
		if _, err := device.Write(frame); err != nil {
			s.owner.metrics.PlaybackDrop("write_failed")
			return device
		}
	}

	s.owner.metrics.PlaybackFrame()
	return device
}

func (s *stream) reopen(device OutputDevice) bool {
	_ = device.Close()
	err := device.Open(s.owner.format)
	s.owner.metrics.DeviceReopen("output", err == nil)

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "stream.reopen",
			"call_id":  s.callID,
			"error":    err.Error(),
		}).Error("Playback device reopen failed")
		return false
	}
	return true
}
