package audio

import (
	"errors"
	"sync"
)

var errFakeRead = errors.New("fake read failure")

// fakeInput yields the chunks pushed into it and can inject read failures.
type fakeInput struct {
	chunks chan []byte

	mu       sync.Mutex
	opens    int
	closes   int
	failNext int
	closed   chan struct{}
}

func newFakeInput() *fakeInput {
	return &fakeInput{chunks: make(chan []byte, 16)}
}

func (f *fakeInput) Open(Format) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.closed = make(chan struct{})
	return nil
}

func (f *fakeInput) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.failNext > 0 {
		f.failNext--
		f.mu.Unlock()
		return 0, errFakeRead
	}
	closed := f.closed
	f.mu.Unlock()

	select {
	case chunk := <-f.chunks:
		return copy(p, chunk), nil
	case <-closed:
		return 0, ErrDeviceClosed
	}
}

func (f *fakeInput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	if f.closed != nil {
		select {
		case <-f.closed:
		default:
			close(f.closed)
		}
	}
	return nil
}

func (f *fakeInput) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// recordingOutput remembers every frame written to it. Open blocks until
// gate is closed when gate is set.
type recordingOutput struct {
	gate chan struct{}

	mu        sync.Mutex
	open      bool
	frames    [][]byte
	opens     int
	closes    int
	failWrite int
}

func (r *recordingOutput) Open(Format) error {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = true
	r.opens++
	return nil
}

func (r *recordingOutput) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrite > 0 {
		r.failWrite--
		return 0, errors.New("fake write failure")
	}
	r.frames = append(r.frames, append([]byte(nil), p...))
	return len(p), nil
}

func (r *recordingOutput) IsActive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

func (r *recordingOutput) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = false
	r.closes++
	return nil
}

func (r *recordingOutput) written() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.frames...)
}

func (r *recordingOutput) counts() (opens, closes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens, r.closes
}

// deviceFactory hands out a fresh recordingOutput per call and records the
// devices by call ID.
type deviceFactory struct {
	mu      sync.Mutex
	devices map[uint32]*recordingOutput
	gate    chan struct{}
}

func newDeviceFactory() *deviceFactory {
	return &deviceFactory{devices: make(map[uint32]*recordingOutput)}
}

func (d *deviceFactory) create(callID uint32) (OutputDevice, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev := &recordingOutput{gate: d.gate}
	d.devices[callID] = dev
	return dev, nil
}

func (d *deviceFactory) device(callID uint32) *recordingOutput {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.devices[callID]
}
