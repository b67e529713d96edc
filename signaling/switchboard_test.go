package signaling

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/voicechat/audio"
	"github.com/opd-ai/voicechat/media"
	"github.com/opd-ai/voicechat/metrics"
	"github.com/stretchr/testify/require"
)

var errLinkDown = errors.New("link down")

// switchboard is an in-memory reliable channel. Each identity gets an
// ordered inbox drained by its own goroutine, every signal passes through
// the wire codec, and sends to an identity can be made to fail.
type switchboard struct {
	t *testing.T

	mu        sync.Mutex
	inboxes   map[string]chan []byte
	failures  map[string]int
	delivered map[string][]Signal
	wg        sync.WaitGroup
}

func newSwitchboard(t *testing.T) *switchboard {
	sb := &switchboard{
		t:         t,
		inboxes:   make(map[string]chan []byte),
		failures:  make(map[string]int),
		delivered: make(map[string][]Signal),
	}
	t.Cleanup(sb.close)
	return sb
}

func (sb *switchboard) adapter() Adapter {
	return AdapterFunc(func(_ context.Context, to string, sig Signal) error {
		data, err := EncodeSignal(sig)
		if err != nil {
			return err
		}

		sb.mu.Lock()
		if sb.failures[to] > 0 {
			sb.failures[to]--
			sb.mu.Unlock()
			return errLinkDown
		}
		inbox := sb.inboxes[to]
		sb.mu.Unlock()

		if inbox == nil {
			return errLinkDown
		}
		inbox <- data
		return nil
	})
}

func (sb *switchboard) attach(identity string, m *Manager) {
	inbox := make(chan []byte, 64)

	sb.mu.Lock()
	sb.inboxes[identity] = inbox
	sb.mu.Unlock()

	sb.wg.Add(1)
	go func() {
		defer sb.wg.Done()
		for data := range inbox {
			sig, err := DecodeSignal(data)
			if err != nil {
				sb.t.Errorf("decode signal for %s: %v", identity, err)
				continue
			}
			sb.mu.Lock()
			sb.delivered[identity] = append(sb.delivered[identity], sig)
			sb.mu.Unlock()
			m.HandleSignal(context.Background(), sig)
		}
	}()
}

func (sb *switchboard) failNext(identity string, n int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.failures[identity] = n
}

// received returns the signals delivered to identity with the given status.
func (sb *switchboard) received(identity string, status Status) []Signal {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	var out []Signal
	for _, sig := range sb.delivered[identity] {
		if sig.Status() == status {
			out = append(out, sig)
		}
	}
	return out
}

func (sb *switchboard) count(identity string) int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.delivered[identity])
}

func (sb *switchboard) close() {
	sb.mu.Lock()
	for id, inbox := range sb.inboxes {
		close(inbox)
		delete(sb.inboxes, id)
	}
	sb.mu.Unlock()
	sb.wg.Wait()
}

// testPeer is one side of a call under test.
type testPeer struct {
	manager   *Manager
	metrics   *metrics.Collector
	pipeline  *audio.Pipeline
	incoming  chan Session
	changesMu sync.Mutex
	changes   []change
}

func (p *testPeer) transitions() []change {
	p.changesMu.Lock()
	defer p.changesMu.Unlock()
	return append([]change(nil), p.changes...)
}

func (p *testPeer) status(t *testing.T, callID uint32) Status {
	t.Helper()
	s, ok := p.manager.Session(callID)
	require.True(t, ok, "no session for call %d", callID)
	return s.Status
}

// newTestPeer builds a Manager on the switchboard. withMic attaches a tone
// generator as the microphone; otherwise the peer is receive-only.
func newTestPeer(t *testing.T, sb *switchboard, identity string, withMic bool) *testPeer {
	t.Helper()

	collector := metrics.NewCollector(nil)

	var input audio.InputDevice
	if withMic {
		input = audio.NewToneInput()
	}
	pipeline := audio.NewPipeline(input, audio.NullOutputFactory, audio.DefaultFormat(), 320, 100, collector)

	mediaOpts := media.DefaultOptions()
	mediaOpts.AdvertiseHost = "127.0.0.1"
	mediaOpts.ReadTimeout = 20 * time.Millisecond
	mediaOpts.KeepAliveInterval = 200 * time.Millisecond
	mediaOpts.Metrics = collector

	m, err := NewManager(Options{
		Identity:      identity,
		Adapter:       sb.adapter(),
		Audio:         pipeline,
		Media:         mediaOpts,
		BasePort:      0,
		RetryAttempts: 3,
		RetryBackoff:  10 * time.Millisecond,
		DisposeGrace:  time.Minute,
		Metrics:       collector,
	})
	require.NoError(t, err)

	p := &testPeer{
		manager:  m,
		metrics:  collector,
		pipeline: pipeline,
		incoming: make(chan Session, 8),
	}
	m.OnIncomingCall(func(s Session) { p.incoming <- s })
	m.OnStateChange(func(s Session, from Status) {
		p.changesMu.Lock()
		p.changes = append(p.changes, change{session: s, from: from})
		p.changesMu.Unlock()
	})

	sb.attach(identity, m)
	t.Cleanup(func() {
		m.Close()
		pipeline.Close()
	})
	return p
}

func (p *testPeer) awaitIncoming(t *testing.T) Session {
	t.Helper()
	select {
	case s := <-p.incoming:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no incoming call")
		return Session{}
	}
}

func waitStatus(t *testing.T, p *testPeer, callID uint32, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := p.manager.Session(callID)
		return ok && s.Status == want
	}, 3*time.Second, 10*time.Millisecond, "call %d never reached %s", callID, want)
}
