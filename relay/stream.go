package relay

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pion/rtp"
)

// DefaultPayloadType is the dynamic RTP payload type used for raw PCM.
const DefaultPayloadType = 96

// Stream frames outbound payloads of one source as RTP packets.
type Stream struct {
	mu              sync.Mutex
	ssrc            uint32
	payloadType     uint8
	samplesPerFrame uint32
	sequence        uint16
	timestamp       uint32
}

// NewStream creates a stream with a random SSRC and initial sequence
// number. samplesPerFrame advances the RTP timestamp per packet.
func NewStream(payloadType uint8, samplesPerFrame uint32) (*Stream, error) {
	var seed [6]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("seed rtp stream: %w", err)
	}
	return &Stream{
		ssrc:            binary.BigEndian.Uint32(seed[:4]),
		payloadType:     payloadType,
		samplesPerFrame: samplesPerFrame,
		sequence:        binary.BigEndian.Uint16(seed[4:]),
	}, nil
}

// SSRC returns the stream's synchronization source.
func (s *Stream) SSRC() uint32 {
	return s.ssrc
}

// Packet wraps payload in the next RTP packet of the stream.
func (s *Stream) Packet(payload []byte) ([]byte, error) {
	s.mu.Lock()
	header := rtp.Header{
		Version:        2,
		PayloadType:    s.payloadType,
		SequenceNumber: s.sequence,
		Timestamp:      s.timestamp,
		SSRC:           s.ssrc,
	}
	s.sequence++
	s.timestamp += s.samplesPerFrame
	s.mu.Unlock()

	packet := rtp.Packet{Header: header, Payload: payload}
	data, err := packet.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal rtp packet: %w", err)
	}
	return data, nil
}

// sequenceTracker extends 16-bit RTP sequence numbers into a monotonic
// 32-bit space by counting wraparounds.
type sequenceTracker struct {
	started bool
	highest uint16
	cycles  uint32
}

// extend maps seq into the extended space. A packet from before the first
// observed wrap of a fresh source cannot be placed and yields false.
func (t *sequenceTracker) extend(seq uint16) (uint32, bool) {
	if !t.started {
		t.started = true
		t.highest = seq
		return uint32(seq), true
	}

	switch {
	case seq < t.highest && t.highest-seq > 1<<15:
		t.cycles += 1 << 16
		t.highest = seq
	case seq > t.highest && seq-t.highest > 1<<15:
		// Straggler from the previous cycle.
		if t.cycles == 0 {
			return 0, false
		}
		return (t.cycles - 1<<16) | uint32(seq), true
	case seq > t.highest:
		t.highest = seq
	}
	return t.cycles | uint32(seq), true
}
