package audio

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// ToneInput is an InputDevice producing a sine wave in real time. It stands
// in for a microphone on hosts without audio hardware.
type ToneInput struct {
	Frequency float64
	Amplitude float64

	mu     sync.Mutex
	format Format
	phase  float64
	open   bool
	closed chan struct{}
	next   time.Time
}

// NewToneInput returns a 440 Hz tone at half amplitude.
func NewToneInput() *ToneInput {
	return &ToneInput{Frequency: 440, Amplitude: 0.5}
}

// Open implements InputDevice. Only 16-bit formats are supported.
func (t *ToneInput) Open(format Format) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.format = format
	t.open = true
	t.closed = make(chan struct{})
	t.next = time.Now()
	return nil
}

// Read fills p with whole samples and blocks until that much audio would
// have been recorded.
func (t *ToneInput) Read(p []byte) (int, error) {
	t.mu.Lock()
	if !t.open {
		t.mu.Unlock()
		return 0, ErrDeviceClosed
	}

	width := t.format.BytesPerFrame()
	if width <= 0 || t.format.BitsPerSample != 16 {
		t.mu.Unlock()
		return 0, ErrDeviceClosed
	}
	n := len(p) / width * width

	step := 2 * math.Pi * t.Frequency / float64(t.format.SampleRate)
	for i := 0; i < n; i += width {
		sample := int16(t.Amplitude * math.MaxInt16 * math.Sin(t.phase))
		for c := 0; c < t.format.Channels; c++ {
			binary.LittleEndian.PutUint16(p[i+2*c:], uint16(sample))
		}
		t.phase += step
		if t.phase > 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}

	t.next = t.next.Add(t.format.Duration(n))
	wait := time.Until(t.next)
	closed := t.closed
	t.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-closed:
			return 0, ErrDeviceClosed
		}
	}
	return n, nil
}

// Close implements InputDevice.
func (t *ToneInput) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.open {
		t.open = false
		close(t.closed)
	}
	return nil
}

// NullOutput is an OutputDevice that discards audio and counts bytes.
type NullOutput struct {
	mu      sync.Mutex
	open    bool
	written int
}

// NullOutputFactory returns a fresh NullOutput for every call.
func NullOutputFactory(uint32) (OutputDevice, error) {
	return &NullOutput{}, nil
}

// Open implements OutputDevice.
func (n *NullOutput) Open(Format) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.open = true
	return nil
}

// Write implements OutputDevice.
func (n *NullOutput) Write(p []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.open {
		return 0, ErrDeviceClosed
	}
	n.written += len(p)
	return len(p), nil
}

// IsActive implements OutputDevice.
func (n *NullOutput) IsActive() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.open
}

// Written returns the number of bytes accepted so far.
func (n *NullOutput) Written() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.written
}

// Close implements OutputDevice.
func (n *NullOutput) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.open = false
	return nil
}
