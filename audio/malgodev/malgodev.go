// Package malgodev provides audio.InputDevice and audio.OutputDevice
// implementations backed by miniaudio through github.com/gen2brain/malgo.
package malgodev

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/opd-ai/voicechat/audio"
	"github.com/sirupsen/logrus"
)

// maxPendingBytes bounds audio buffered between malgo callbacks and the
// caller, in either direction.
const maxPendingBytes = 64 * 1024

// Context owns the miniaudio context shared by every device it creates.
type Context struct {
	ctx *malgo.AllocatedContext
}

// NewContext initializes the platform audio backend.
func NewContext() (*Context, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		logrus.WithFields(logrus.Fields{
			"function": "malgo",
		}).Debug(message)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &Context{ctx: ctx}, nil
}

// Close releases the backend. Devices must be closed first.
func (c *Context) Close() error {
	if c.ctx == nil {
		return nil
	}
	err := c.ctx.Uninit()
	c.ctx.Free()
	c.ctx = nil
	return err
}

// NewInput returns a capture device on the default microphone.
func (c *Context) NewInput() *Input {
	in := &Input{ctx: c}
	in.cond = sync.NewCond(&in.mu)
	return in
}

// OutputFactory returns an audio.OutputFactory opening one playback device
// on the default speaker per call.
func (c *Context) OutputFactory() audio.OutputFactory {
	return func(callID uint32) (audio.OutputDevice, error) {
		if c.ctx == nil {
			return nil, audio.ErrDeviceClosed
		}
		return &Output{ctx: c, callID: callID}, nil
	}
}

func deviceConfig(kind malgo.DeviceType, format audio.Format) (malgo.DeviceConfig, error) {
	if format.BitsPerSample != 16 {
		return malgo.DeviceConfig{}, fmt.Errorf("unsupported sample width %d", format.BitsPerSample)
	}
	cfg := malgo.DefaultDeviceConfig(kind)
	cfg.SampleRate = uint32(format.SampleRate)
	switch kind {
	case malgo.Capture:
		cfg.Capture.Format = malgo.FormatS16
		cfg.Capture.Channels = uint32(format.Channels)
	case malgo.Playback:
		cfg.Playback.Format = malgo.FormatS16
		cfg.Playback.Channels = uint32(format.Channels)
	}
	return cfg, nil
}

// Input is a microphone. Captured bytes queue until Read collects them;
// the oldest bytes are dropped if the reader falls behind.
type Input struct {
	ctx *Context

	mu      sync.Mutex
	cond    *sync.Cond
	device  *malgo.Device
	pending []byte
	open    bool
}

// Open implements audio.InputDevice.
func (in *Input) Open(format audio.Format) error {
	if in.ctx.ctx == nil {
		return audio.ErrDeviceClosed
	}
	cfg, err := deviceConfig(malgo.Capture, format)
	if err != nil {
		return err
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			in.mu.Lock()
			in.pending = append(in.pending, input...)
			if over := len(in.pending) - maxPendingBytes; over > 0 {
				in.pending = in.pending[over:]
			}
			in.mu.Unlock()
			in.cond.Broadcast()
		},
	}

	device, err := malgo.InitDevice(in.ctx.ctx.Context, cfg, callbacks)
	if err != nil {
		return fmt.Errorf("init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("start capture device: %w", err)
	}

	in.mu.Lock()
	in.device = device
	in.pending = in.pending[:0]
	in.open = true
	in.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Input.Open",
		"sample_rate": format.SampleRate,
		"channels":    format.Channels,
	}).Info("Capture device opened")

	return nil
}

// Read implements audio.InputDevice. It blocks until len(p) bytes are
// available or the device is closed.
func (in *Input) Read(p []byte) (int, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	for in.open && len(in.pending) < len(p) {
		in.cond.Wait()
	}
	if !in.open {
		return 0, audio.ErrDeviceClosed
	}

	n := copy(p, in.pending)
	in.pending = in.pending[n:]
	return n, nil
}

// Close implements audio.InputDevice.
func (in *Input) Close() error {
	in.mu.Lock()
	device := in.device
	in.device = nil
	in.open = false
	in.mu.Unlock()
	in.cond.Broadcast()

	if device != nil {
		device.Uninit()
	}
	return nil
}

// Output is one call's speaker stream. Written audio is played as the
// backend asks for it and gaps are filled with silence. When the backlog
// grows past maxPendingBytes the oldest audio is dropped.
type Output struct {
	ctx    *Context
	callID uint32

	mu      sync.Mutex
	device  *malgo.Device
	pending []byte
	open    bool
}

// Open implements audio.OutputDevice.
func (o *Output) Open(format audio.Format) error {
	if o.ctx.ctx == nil {
		return audio.ErrDeviceClosed
	}
	cfg, err := deviceConfig(malgo.Playback, format)
	if err != nil {
		return err
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			o.mu.Lock()
			n := copy(output, o.pending)
			o.pending = o.pending[n:]
			o.mu.Unlock()
			for i := n; i < len(output); i++ {
				output[i] = 0
			}
		},
	}

	device, err := malgo.InitDevice(o.ctx.ctx.Context, cfg, callbacks)
	if err != nil {
		return fmt.Errorf("init playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("start playback device: %w", err)
	}

	o.mu.Lock()
	o.device = device
	o.pending = nil
	o.open = true
	o.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Output.Open",
		"call_id":  o.callID,
	}).Info("Playback device opened")

	return nil
}

// Write implements audio.OutputDevice.
func (o *Output) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.open {
		return 0, audio.ErrDeviceClosed
	}
	o.pending = append(o.pending, p...)
	if over := len(o.pending) - maxPendingBytes; over > 0 {
		o.pending = o.pending[over:]
	}
	return len(p), nil
}

// IsActive implements audio.OutputDevice.
func (o *Output) IsActive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.open && o.device != nil && o.device.IsStarted()
}

// Close implements audio.OutputDevice.
func (o *Output) Close() error {
	o.mu.Lock()
	device := o.device
	o.device = nil
	o.open = false
	o.pending = nil
	o.mu.Unlock()

	if device != nil {
		device.Uninit()
	}
	return nil
}
