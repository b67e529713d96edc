// Package audio bridges live audio devices to the call media path.
//
// Capture reads fixed-size PCM chunks from one input device and hands each
// chunk to the processors registered per call. Playback keeps one bounded
// FIFO queue and one output device per registered call; frames for calls
// that are not registered are dropped.
package audio

import (
	"errors"
	"time"

	"github.com/opd-ai/voicechat/config"
)

// DefaultChunkSize is the number of bytes read from the input device per
// capture iteration.
const DefaultChunkSize = 4096

// DefaultMaxQueuedFrames bounds each call's playback queue.
const DefaultMaxQueuedFrames = 100

// Sentinel errors for audio devices.
var (
	// ErrDeviceClosed indicates a device was used after Close.
	ErrDeviceClosed = errors.New("audio device closed")

	// ErrNoInputDevice indicates capture was requested without an input device.
	ErrNoInputDevice = errors.New("no audio input device")
)

// Format describes raw PCM audio.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat is 16 kHz mono signed 16-bit PCM.
func DefaultFormat() Format {
	return Format{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
}

// FormatFromConfig maps the audio configuration section to a Format.
func FormatFromConfig(cfg config.AudioConfig) Format {
	return Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels, BitsPerSample: cfg.BitsPerSample}
}

// BytesPerFrame returns the size of one sample across all channels.
func (f Format) BytesPerFrame() int {
	return f.Channels * f.BitsPerSample / 8
}

// Duration returns how much audio n bytes hold.
func (f Format) Duration(n int) time.Duration {
	bps := f.SampleRate * f.BytesPerFrame()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// InputDevice is a source of PCM audio such as a microphone.
type InputDevice interface {
	Open(format Format) error
	// Read blocks until len(p) bytes or fewer are available.
	Read(p []byte) (int, error)
	// Close releases the device and unblocks a pending Read. It must be
	// safe to call more than once.
	Close() error
}

// OutputDevice is a sink of PCM audio such as a speaker.
type OutputDevice interface {
	Open(format Format) error
	Write(p []byte) (int, error)
	// IsActive reports whether the device is open and accepting data.
	IsActive() bool
	// Close releases the device. It must be safe to call more than once.
	Close() error
}

// OutputFactory creates the output device used for one call's playback.
type OutputFactory func(callID uint32) (OutputDevice, error)
