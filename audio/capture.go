package audio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/voicechat/metrics"
	"github.com/sirupsen/logrus"
)

// captureRetryDelay throttles the capture loop while the input device is
// failing.
const captureRetryDelay = 200 * time.Millisecond

// Processor consumes one captured chunk. The chunk slice is owned by the
// processor.
type Processor func(chunk []byte)

// CaptureOptions tunes a Capture.
type CaptureOptions struct {
	Format    Format
	ChunkSize int
	Metrics   *metrics.Collector
}

// Capture polls one input device on a dedicated goroutine and forwards each
// chunk to every registered processor. Nothing is buffered beyond the
// current chunk.
type Capture struct {
	device    InputDevice
	format    Format
	chunkSize int
	metrics   *metrics.Collector

	mu         sync.RWMutex
	processors map[uint32]Processor

	lifecycle sync.Mutex
	running   atomic.Bool
	stop      chan struct{}
	done      chan struct{}
}

// NewCapture creates a capture worker for device. The device is opened when
// the first processor is added.
func NewCapture(device InputDevice, opts CaptureOptions) *Capture {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.Format == (Format{}) {
		opts.Format = DefaultFormat()
	}

	return &Capture{
		device:     device,
		format:     opts.Format,
		chunkSize:  opts.ChunkSize,
		metrics:    opts.Metrics,
		processors: make(map[uint32]Processor),
	}
}

// AddProcessor routes captured chunks to fn on behalf of callID and starts
// the capture loop if it is not running.
func (c *Capture) AddProcessor(callID uint32, fn Processor) error {
	if c.device == nil {
		return ErrNoInputDevice
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	c.processors[callID] = fn
	c.mu.Unlock()

	return c.startLocked()
}

// RemoveProcessor stops routing chunks to callID. The loop stops when no
// processor remains.
func (c *Capture) RemoveProcessor(callID uint32) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	delete(c.processors, callID)
	remaining := len(c.processors)
	c.mu.Unlock()

	if remaining == 0 {
		c.stopLocked()
	}
}

// Start opens the input device and launches the capture loop. It is a
// no-op when already running.
func (c *Capture) Start() error {
	if c.device == nil {
		return ErrNoInputDevice
	}

	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.startLocked()
}

func (c *Capture) startLocked() error {
	if c.running.Load() {
		return nil
	}

	if err := c.device.Open(c.format); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Capture.Start",
			"error":    err.Error(),
		}).Error("Failed to open capture device")
		return err
	}

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.running.Store(true)
	go c.loop(c.stop, c.done)

	logrus.WithFields(logrus.Fields{
		"function":    "Capture.Start",
		"sample_rate": c.format.SampleRate,
		"channels":    c.format.Channels,
		"chunk_size":  c.chunkSize,
	}).Info("Audio capture started")

	return nil
}

// Stop ends the capture loop and closes the device. It is idempotent.
func (c *Capture) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.stopLocked()
}

func (c *Capture) stopLocked() {
	if !c.running.Load() {
		return
	}
	c.running.Store(false)
	close(c.stop)

	// Closing the device unblocks a pending Read.
	if err := c.device.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Capture.Stop",
			"error":    err.Error(),
		}).Debug("Capture device close reported an error")
	}
	<-c.done

	logrus.WithFields(logrus.Fields{
		"function": "Capture.Stop",
	}).Info("Audio capture stopped")
}

// IsRunning reports whether the capture loop is active.
func (c *Capture) IsRunning() bool {
	return c.running.Load()
}

func (c *Capture) loop(stop, done chan struct{}) {
	defer close(done)
	// A reopen racing with Stop may leave the device open again.
	defer c.device.Close()

	buffer := make([]byte, c.chunkSize)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := c.device.Read(buffer)
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			c.reopen(err, stop)
			continue
		}
		if n == 0 {
			continue
		}

		c.metrics.CaptureChunk()
		c.dispatch(buffer[:n])
	}
}

// dispatch hands a private copy of chunk to every processor.
func (c *Capture) dispatch(chunk []byte) {
	c.mu.RLock()
	processors := make([]Processor, 0, len(c.processors))
	for _, fn := range c.processors {
		processors = append(processors, fn)
	}
	c.mu.RUnlock()

	for _, fn := range processors {
		data := make([]byte, len(chunk))
		copy(data, chunk)
		fn(data)
	}
}

// reopen makes one defensive reopen attempt after a read failure. A failed
// reopen is logged and retried after a delay; the call itself is never torn
// down from here.
func (c *Capture) reopen(readErr error, stop chan struct{}) {
	logrus.WithFields(logrus.Fields{
		"function": "Capture.reopen",
		"error":    readErr.Error(),
	}).Warn("Capture read failed, reopening device")

	_ = c.device.Close()
	err := c.device.Open(c.format)
	c.metrics.DeviceReopen("input", err == nil)
	if err == nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Capture.reopen",
		"error":    err.Error(),
	}).Error("Capture device reopen failed")

	select {
	case <-stop:
	case <-time.After(captureRetryDelay):
	}
}
