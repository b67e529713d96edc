package audio

import (
	"sync"

	"github.com/opd-ai/voicechat/metrics"
	"github.com/sirupsen/logrus"
)

// Pipeline joins one Capture and one Playback for use by the call layer.
// Captured chunks reach a call through a channel returned by AttachCapture;
// inbound frames are queued with QueueAudio.
type Pipeline struct {
	Capture  *Capture
	Playback *Playback

	mu    sync.Mutex
	sinks map[uint32]*captureSink
}

// NewPipeline wires a capture worker over input and per-call playback over
// outputs. input may be nil for a receive-only peer.
func NewPipeline(input InputDevice, outputs OutputFactory, format Format, chunkSize, maxQueued int, collector *metrics.Collector) *Pipeline {
	return &Pipeline{
		Capture: NewCapture(input, CaptureOptions{
			Format:    format,
			ChunkSize: chunkSize,
			Metrics:   collector,
		}),
		Playback: NewPlayback(outputs, PlaybackOptions{
			Format:          format,
			MaxQueuedFrames: maxQueued,
			Metrics:         collector,
		}),
		sinks: make(map[uint32]*captureSink),
	}
}

// AttachCapture starts delivering captured chunks for callID on the
// returned channel. The channel holds at most one chunk; a chunk arriving
// while the previous one is still pending is dropped. The channel is closed
// by DetachCapture.
func (p *Pipeline) AttachCapture(callID uint32) (<-chan []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sink, ok := p.sinks[callID]; ok {
		return sink.ch, nil
	}

	sink := &captureSink{ch: make(chan []byte, 1)}
	if err := p.Capture.AddProcessor(callID, sink.push); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Pipeline.AttachCapture",
			"call_id":  callID,
			"error":    err.Error(),
		}).Warn("Capture unavailable for call")
		return nil, err
	}
	p.sinks[callID] = sink

	return sink.ch, nil
}

// DetachCapture stops capture delivery for callID and closes its channel.
func (p *Pipeline) DetachCapture(callID uint32) {
	p.mu.Lock()
	sink, ok := p.sinks[callID]
	delete(p.sinks, callID)
	p.mu.Unlock()

	if !ok {
		return
	}
	p.Capture.RemoveProcessor(callID)
	sink.close()
}

// RegisterCall activates playback for callID.
func (p *Pipeline) RegisterCall(callID uint32) error {
	return p.Playback.RegisterCall(callID)
}

// StopPlaybackForCall deactivates playback for callID.
func (p *Pipeline) StopPlaybackForCall(callID uint32) {
	p.Playback.StopPlaybackForCall(callID)
}

// QueueAudio hands an inbound frame to callID's playback stream.
func (p *Pipeline) QueueAudio(frame []byte, callID uint32) bool {
	return p.Playback.QueueAudio(frame, callID)
}

// Close detaches every call and stops capture and playback.
func (p *Pipeline) Close() {
	p.mu.Lock()
	ids := make([]uint32, 0, len(p.sinks))
	for id := range p.sinks {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		p.DetachCapture(id)
	}
	p.Capture.Stop()
	p.Playback.Close()
}

// captureSink guards a call's chunk channel against sends after close.
type captureSink struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func (s *captureSink) push(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	select {
	case s.ch <- chunk:
	default:
	}
}

func (s *captureSink) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
