// Package signaling implements the per-call state machine that sets up and
// tears down voice calls over a reliable chat channel, and drives the media
// transport and audio pipeline of each call.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/voicechat/config"
	"github.com/opd-ai/voicechat/media"
	"github.com/opd-ai/voicechat/metrics"
	"github.com/sirupsen/logrus"
)

// Adapter delivers signals to a remote identity over a reliable channel.
// Send must not call back into the sending Manager before it returns.
type Adapter interface {
	Send(ctx context.Context, to string, sig Signal) error
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, to string, sig Signal) error

// Send implements Adapter.
func (f AdapterFunc) Send(ctx context.Context, to string, sig Signal) error {
	return f(ctx, to, sig)
}

// Audio is the capture and playback side of calls. *audio.Pipeline
// implements it.
type Audio interface {
	AttachCapture(callID uint32) (<-chan []byte, error)
	DetachCapture(callID uint32)
	RegisterCall(callID uint32) error
	StopPlaybackForCall(callID uint32)
	QueueAudio(frame []byte, callID uint32) bool
}

// Options configures a Manager.
type Options struct {
	// Identity is the local chat identity.
	Identity string
	Adapter  Adapter
	// Audio may be nil, in which case calls carry no local audio.
	Audio Audio
	Media media.Options

	BasePort     int
	PortRange    int
	PortAttempts int

	// RetryAttempts is the number of retries after a failed send.
	RetryAttempts int
	RetryBackoff  time.Duration
	// DisposeGrace is how long a finished session stays visible.
	DisposeGrace time.Duration

	Metrics *metrics.Collector
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg config.Config, adapter Adapter, audio Audio, collector *metrics.Collector) Options {
	return Options{
		Identity:      cfg.Identity,
		Adapter:       adapter,
		Audio:         audio,
		Media:         media.OptionsFromConfig(cfg.Media, collector),
		BasePort:      cfg.Media.BasePort,
		PortRange:     cfg.Media.PortRange,
		PortAttempts:  cfg.Media.PortAttempts,
		RetryAttempts: cfg.Signaling.RetryAttempts,
		RetryBackoff:  cfg.Signaling.RetryBackoff,
		DisposeGrace:  cfg.Signaling.DisposeGrace,
		Metrics:       collector,
	}
}

// Manager owns every call session of one peer.
type Manager struct {
	opts Options

	mu     sync.RWMutex
	calls  map[uint32]*call
	closed bool

	callbackMu   sync.RWMutex
	incomingCall func(Session)
	stateChanged func(s Session, from Status)
}

// change is a state transition waiting to be reported.
type change struct {
	session Session
	from    Status
}

// NewManager validates opts and returns an idle Manager.
func NewManager(opts Options) (*Manager, error) {
	if opts.Identity == "" {
		return nil, errors.New("signaling: identity is required")
	}
	if opts.Adapter == nil {
		return nil, errors.New("signaling: adapter is required")
	}
	if opts.PortRange <= 0 {
		opts.PortRange = 1000
	}
	if opts.PortAttempts <= 0 {
		opts.PortAttempts = 5
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}

	return &Manager{
		opts:  opts,
		calls: make(map[uint32]*call),
	}, nil
}

// Identity returns the local identity.
func (m *Manager) Identity() string {
	return m.opts.Identity
}

// OnIncomingCall sets the function told about calls offered to us.
func (m *Manager) OnIncomingCall(fn func(Session)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.incomingCall = fn
}

// OnStateChange sets the function told about every status transition.
func (m *Manager) OnStateChange(fn func(s Session, from Status)) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.stateChanged = fn
}

// Session returns a snapshot of the session for callID.
func (m *Manager) Session(callID uint32) (Session, bool) {
	c := m.lookup(callID)
	if c == nil {
		return Session{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot(), true
}

// Sessions returns snapshots of all known sessions ordered by call ID.
func (m *Manager) Sessions() []Session {
	m.mu.RLock()
	calls := make([]*call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.RUnlock()

	sessions := make([]Session, 0, len(calls))
	for _, c := range calls {
		c.mu.Lock()
		sessions = append(sessions, c.snapshot())
		c.mu.Unlock()
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CallID < sessions[j].CallID })
	return sessions
}

// PlaceCall offers a one-to-one call to target.
func (m *Manager) PlaceCall(ctx context.Context, target string) (Session, error) {
	return m.place(ctx, []string{target}, false)
}

// PlaceConference offers a call to every identity in participants.
func (m *Manager) PlaceConference(ctx context.Context, participants []string) (Session, error) {
	return m.place(ctx, participants, true)
}

func (m *Manager) place(ctx context.Context, targets []string, conference bool) (Session, error) {
	participants := m.normalizeParticipants(targets)
	if len(participants) == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.place",
			"targets":  targets,
		}).Warn("Refusing to place call without participants")
		return Session{}, ErrNoParticipants
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Session{}, ErrInvalidState
	}
	callID := m.allocateCallIDLocked()
	session := Session{
		CallID:       callID,
		Initiator:    m.opts.Identity,
		Participants: participants,
		Status:       StatusRequesting,
		MediaType:    MediaAudioOnly,
	}
	if conference {
		session.ConferenceID = uuid.NewString()
	}

	c := newCall(session, m.opts.Metrics)
	c.localPort = media.PortForCall(m.opts.BasePort, m.opts.PortRange, callID)
	c.session.LocalEndpoint = media.Endpoint{Host: m.advertiseHost(), Port: c.localPort}
	m.calls[callID] = c
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "Manager.place",
		"call_id":       callID,
		"conference_id": session.ConferenceID,
		"participants":  participants,
		"local_port":    c.localPort,
	}).Info("Placing call")

	var changes []change
	c.mu.Lock()
	sig := Requesting{Header: headerFor(c.session, m.opts.Identity), Endpoint: c.session.LocalEndpoint}
	err := m.sendAll(ctx, participants, sig)
	if err != nil {
		m.failLocked(c, err.Error(), &changes)
	}
	snapshot := c.snapshot()
	c.mu.Unlock()

	m.publish(changes)
	return snapshot, err
}

// AcceptCall answers an offered call. It binds the local media endpoint,
// reports it to the caller with Accepted, attaches media and confirms with
// Connecting and Connected. The callee is Connected once Connected is
// delivered. Calls that are not offered to us or are no longer Requesting
// are left alone.
func (m *Manager) AcceptCall(ctx context.Context, callID uint32) error {
	c := m.lookup(callID)
	if c == nil {
		m.logUnknown("Manager.AcceptCall", callID)
		return nil
	}

	var changes []change
	defer func() { m.publish(changes) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !m.isOfferedLocked(c) {
		m.logViolation("Manager.AcceptCall", c, "accept")
		return nil
	}

	transport, port, err := m.bindTransport(callID, media.PortForCall(m.opts.BasePort, m.opts.PortRange, callID))
	if err != nil {
		m.failLocked(c, fmt.Sprintf("bind media endpoint: %v", err), &changes)
		return err
	}
	c.transport = transport
	c.localPort = port
	c.session.LocalEndpoint = transport.LocalEndpoint()
	m.step(c, eventAccept, &changes)

	accepted := Accepted{Header: headerFor(c.session, m.opts.Identity), Endpoint: c.session.LocalEndpoint}
	if err := m.sendWithRetry(ctx, c.session.Initiator, accepted); err != nil {
		m.failLocked(c, err.Error(), &changes)
		return err
	}

	if err := m.attachLocked(c); err != nil {
		m.failLocked(c, fmt.Sprintf("attach media: %v", err), &changes)
		m.notifyFailure(ctx, c)
		return err
	}
	m.step(c, eventAttach, &changes)

	connecting := Connecting{Header: headerFor(c.session, m.opts.Identity), Endpoint: c.session.LocalEndpoint}
	if err := m.sendWithRetry(ctx, c.session.Initiator, connecting); err != nil {
		m.failLocked(c, err.Error(), &changes)
		return err
	}
	if err := m.sendWithRetry(ctx, c.session.Initiator, Connected{Header: headerFor(c.session, m.opts.Identity)}); err != nil {
		m.failLocked(c, err.Error(), &changes)
		return err
	}
	// the caller may be receive-only
	m.step(c, eventConnect, &changes)

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.AcceptCall",
		"call_id":    callID,
		"local_port": port,
		"remote":     c.session.RemoteEndpoint.String(),
	}).Info("Call accepted")

	return nil
}

// RejectCall declines an offered call.
func (m *Manager) RejectCall(ctx context.Context, callID uint32) error {
	c := m.lookup(callID)
	if c == nil {
		m.logUnknown("Manager.RejectCall", callID)
		return nil
	}

	var changes []change
	defer func() { m.publish(changes) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !m.isOfferedLocked(c) {
		m.logViolation("Manager.RejectCall", c, "reject")
		return nil
	}

	rejected := Rejected{Header: headerFor(c.session, m.opts.Identity)}
	if err := m.sendWithRetry(ctx, c.session.Initiator, rejected); err != nil {
		m.failLocked(c, err.Error(), &changes)
		return err
	}

	m.step(c, eventReject, &changes)
	m.step(c, eventEnd, &changes)
	m.scheduleDisposalLocked(c)
	return nil
}

// EndCall hangs up. Media stops at once; the Ended signal is retried on
// transport failure with a fixed backoff.
func (m *Manager) EndCall(ctx context.Context, callID uint32) error {
	c := m.lookup(callID)
	if c == nil {
		m.logUnknown("Manager.EndCall", callID)
		return nil
	}

	var changes []change
	defer func() { m.publish(changes) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.Status.Terminal() {
		m.logViolation("Manager.EndCall", c, "end")
		return nil
	}

	m.teardownLocked(c)

	ended := Ended{Header: headerFor(c.session, m.opts.Identity)}
	if err := m.sendAll(ctx, m.peersLocked(c), ended); err != nil {
		m.failLocked(c, err.Error(), &changes)
		return err
	}

	m.step(c, eventEnd, &changes)
	m.scheduleDisposalLocked(c)

	logrus.WithFields(logrus.Fields{
		"function": "Manager.EndCall",
		"call_id":  callID,
		"duration": c.session.Duration().String(),
	}).Info("Call ended")

	return nil
}

// ProbeCall sends a Test probe on the call's media endpoint. The peer
// answers with TestAck, which the transport reports to probe listeners.
func (m *Manager) ProbeCall(callID uint32) error {
	c := m.lookup(callID)
	if c == nil {
		return ErrUnknownCall
	}

	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()

	if transport == nil {
		return ErrInvalidState
	}
	return transport.SendProbe(media.ProbeTest)
}

// Transport returns the media transport of callID once it is bound.
func (m *Manager) Transport(callID uint32) (*media.Manager, bool) {
	c := m.lookup(callID)
	if c == nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport, c.transport != nil
}

// HandleSignal applies one inbound signal. Duplicates, echoes and signals
// for unknown calls are logged and dropped.
func (m *Manager) HandleSignal(ctx context.Context, sig Signal) {
	if sig == nil {
		return
	}
	m.opts.Metrics.SignalReceived(sig.Status().String())

	logrus.WithFields(logrus.Fields{
		"function": "Manager.HandleSignal",
		"call_id":  sig.Head().CallID,
		"status":   sig.Status().String(),
		"from":     sig.Head().From,
	}).Debug("Signal received")

	switch s := sig.(type) {
	case Requesting:
		m.onRequesting(s)
	case Accepted:
		m.onAnswer(ctx, s.Header, s.Endpoint)
	case Connecting:
		m.onAnswer(ctx, s.Header, s.Endpoint)
	case Connected:
		m.onConnected(s.Header)
	case Rejected:
		m.onRejected(s)
	case Ended:
		m.onEnded(s.Header)
	case Failed:
		m.onFailed(s)
	default:
		logrus.WithFields(logrus.Fields{
			"function": "Manager.HandleSignal",
			"type":     fmt.Sprintf("%T", sig),
		}).Warn("Unsupported signal type")
	}
}

// Close releases the media of every call without signaling the peers.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	calls := make([]*call, 0, len(m.calls))
	for _, c := range m.calls {
		calls = append(calls, c)
	}
	m.mu.Unlock()

	for _, c := range calls {
		c.mu.Lock()
		if c.disposal != nil {
			c.disposal.Stop()
		}
		m.teardownLocked(c)
		c.mu.Unlock()
	}
}

func (m *Manager) onRequesting(s Requesting) {
	h := s.Header
	if h.Initiator == m.opts.Identity {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.onRequesting",
			"call_id":  h.CallID,
		}).Debug("Ignoring echo of our own call request")
		return
	}
	if !slices.Contains(h.Participants, m.opts.Identity) {
		logrus.WithFields(logrus.Fields{
			"function":     "Manager.onRequesting",
			"call_id":      h.CallID,
			"participants": h.Participants,
		}).Warn("Ignoring call request not addressed to us")
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, exists := m.calls[h.CallID]; exists {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Manager.onRequesting",
			"call_id":  h.CallID,
		}).Debug("Ignoring duplicate call request")
		return
	}

	c := newCall(Session{
		CallID:         h.CallID,
		ConferenceID:   h.ConferenceID,
		Initiator:      h.Initiator,
		Participants:   append([]string(nil), h.Participants...),
		Status:         StatusRequesting,
		MediaType:      h.MediaType,
		RemoteEndpoint: s.Endpoint,
	}, m.opts.Metrics)
	m.calls[h.CallID] = c
	snapshot := c.snapshot()
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Manager.onRequesting",
		"call_id":   h.CallID,
		"initiator": h.Initiator,
		"remote":    s.Endpoint.String(),
	}).Info("Incoming call")

	m.callbackMu.RLock()
	fn := m.incomingCall
	m.callbackMu.RUnlock()
	if fn != nil {
		fn(snapshot)
	}
}

// onAnswer handles Accepted and Connecting on the initiator side. The
// first answer attaches media; later ones only record who answered.
func (m *Manager) onAnswer(ctx context.Context, h Header, endpoint media.Endpoint) {
	c := m.lookup(h.CallID)
	if c == nil {
		m.logUnknown("Manager.onAnswer", h.CallID)
		return
	}

	var changes []change
	defer func() { m.publish(changes) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.Initiator != m.opts.Identity {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.onAnswer",
			"call_id":  h.CallID,
			"from":     h.From,
		}).Debug("Ignoring answer on a call we did not place")
		return
	}
	if c.session.Status.Terminal() {
		m.logViolation("Manager.onAnswer", c, "answer")
		return
	}
	c.answered[h.From] = true

	if c.attached {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.onAnswer",
			"call_id":  h.CallID,
			"from":     h.From,
		}).Info("Media already attached, answer recorded")
		return
	}

	c.session.RemoteEndpoint = endpoint
	if err := m.attachLocked(c); err != nil {
		m.failLocked(c, fmt.Sprintf("attach media: %v", err), &changes)
		m.notifyFailure(ctx, c)
		return
	}
	m.step(c, eventAttach, &changes)
}

func (m *Manager) onConnected(h Header) {
	c := m.lookup(h.CallID)
	if c == nil {
		m.logUnknown("Manager.onConnected", h.CallID)
		return
	}

	var changes []change
	defer func() { m.publish(changes) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.Status.Terminal() {
		m.logViolation("Manager.onConnected", c, "connect")
		return
	}
	if c.session.Status == StatusConnected {
		return
	}

	if !c.attached {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.onConnected",
			"call_id":  h.CallID,
		}).Info("Connected before media attached, attaching now")

		if err := m.attachLocked(c); err != nil {
			m.failLocked(c, fmt.Sprintf("attach media: %v", err), &changes)
			return
		}
	}
	m.step(c, eventConnect, &changes)
}

func (m *Manager) onRejected(s Rejected) {
	c := m.lookup(s.CallID)
	if c == nil {
		m.logUnknown("Manager.onRejected", s.CallID)
		return
	}

	var changes []change
	defer func() { m.publish(changes) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.Initiator != m.opts.Identity || c.session.Status.Terminal() {
		m.logViolation("Manager.onRejected", c, "reject")
		return
	}

	c.departed[s.From] = true
	if c.session.IsConference() && !m.allDepartedLocked(c) {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.onRejected",
			"call_id":  s.CallID,
			"from":     s.From,
		}).Info("Conference participant declined")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Manager.onRejected",
		"call_id":  s.CallID,
		"from":     s.From,
		"reason":   s.Reason,
	}).Info("Call rejected")

	m.teardownLocked(c)
	// an answered conference is past Requesting and ends without Rejected
	m.step(c, eventReject, &changes)
	m.step(c, eventEnd, &changes)
	m.scheduleDisposalLocked(c)
}

func (m *Manager) onEnded(h Header) {
	c := m.lookup(h.CallID)
	if c == nil {
		m.logUnknown("Manager.onEnded", h.CallID)
		return
	}

	var changes []change
	defer func() { m.publish(changes) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.Status.Terminal() {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.onEnded",
			"call_id":  h.CallID,
			"status":   c.session.Status.String(),
		}).Debug("Ignoring Ended for finished call")
		return
	}

	if c.session.IsConference() && c.session.Initiator == m.opts.Identity {
		c.departed[h.From] = true
		if !m.allDepartedLocked(c) {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.onEnded",
				"call_id":  h.CallID,
				"from":     h.From,
			}).Info("Conference participant left")
			return
		}
	}

	m.teardownLocked(c)
	m.step(c, eventEnd, &changes)
	m.scheduleDisposalLocked(c)

	logrus.WithFields(logrus.Fields{
		"function": "Manager.onEnded",
		"call_id":  h.CallID,
		"from":     h.From,
	}).Info("Call ended by peer")
}

func (m *Manager) onFailed(s Failed) {
	c := m.lookup(s.CallID)
	if c == nil {
		m.logUnknown("Manager.onFailed", s.CallID)
		return
	}

	var changes []change
	defer func() { m.publish(changes) }()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.Status.Terminal() {
		m.logViolation("Manager.onFailed", c, "fail")
		return
	}
	m.failLocked(c, s.Detail, &changes)
}

// onFirstMedia promotes a Connecting call once audio arrives.
func (m *Manager) onFirstMedia(callID uint32) {
	c := m.lookup(callID)
	if c == nil {
		return
	}

	var changes []change
	c.mu.Lock()
	if c.session.Status == StatusConnecting || c.session.Status == StatusAccepted {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.onFirstMedia",
			"call_id":  callID,
		}).Info("First media frame received")
		m.step(c, eventConnect, &changes)
	}
	c.mu.Unlock()

	m.publish(changes)
}

// attachLocked binds the transport if needed, points it at the remote
// endpoint and connects it to the audio pipeline.
func (m *Manager) attachLocked(c *call) error {
	if c.attached {
		return nil
	}
	callID := c.session.CallID

	if c.transport == nil {
		transport, port, err := m.bindTransport(callID, c.localPort)
		if err != nil {
			return err
		}
		c.transport = transport
		c.localPort = port
		c.session.LocalEndpoint = transport.LocalEndpoint()
	}

	remote := c.session.RemoteEndpoint
	if err := c.transport.SetRemoteEndpoint(remote.Host, remote.Port); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Manager.attachLocked",
			"call_id":  callID,
			"remote":   remote.String(),
			"error":    err.Error(),
		}).Warn("Announced endpoint unusable, waiting for first sender")
	}

	c.awaitingMedia.Store(true)
	c.transport.AddListener(func(frame []byte, _ *net.UDPAddr) {
		if m.opts.Audio != nil {
			m.opts.Audio.QueueAudio(frame, callID)
		}
		if c.awaitingMedia.CompareAndSwap(true, false) {
			go m.onFirstMedia(callID)
		}
	})

	var frames <-chan []byte
	if m.opts.Audio != nil {
		if err := m.opts.Audio.RegisterCall(callID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.attachLocked",
				"call_id":  callID,
				"error":    err.Error(),
			}).Warn("Playback unavailable for call")
		}
		ch, err := m.opts.Audio.AttachCapture(callID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.attachLocked",
				"call_id":  callID,
				"error":    err.Error(),
			}).Warn("Capture unavailable, call is receive-only")
		} else {
			frames = ch
		}
	}

	if err := c.transport.StartReceiving(); err != nil {
		return err
	}
	if err := c.transport.StartSending(frames); err != nil {
		return err
	}
	c.attached = true

	logrus.WithFields(logrus.Fields{
		"function":   "Manager.attachLocked",
		"call_id":    callID,
		"local_port": c.transport.LocalPort(),
		"remote":     remote.String(),
	}).Info("Media attached")

	return nil
}

func (m *Manager) bindTransport(callID uint32, port int) (*media.Manager, int, error) {
	transport := media.NewManager(callID, m.opts.Media)
	bound, err := transport.BindRange(port, m.opts.PortAttempts)
	if err != nil {
		_ = transport.Close()
		return nil, 0, err
	}
	return transport, bound, nil
}

// teardownLocked stops media for c. Queued playback frames are abandoned.
func (m *Manager) teardownLocked(c *call) {
	callID := c.session.CallID
	c.awaitingMedia.Store(false)

	if c.attached && m.opts.Audio != nil {
		m.opts.Audio.DetachCapture(callID)
		m.opts.Audio.StopPlaybackForCall(callID)
	}
	c.attached = false

	if c.transport != nil {
		_ = c.transport.Close()
		c.transport = nil
	}
}

// failLocked moves c to Error with detail and releases its media.
func (m *Manager) failLocked(c *call, detail string, changes *[]change) {
	m.teardownLocked(c)
	c.session.ErrorDetail = detail
	m.step(c, eventFail, changes)
	m.scheduleDisposalLocked(c)

	logrus.WithFields(logrus.Fields{
		"function": "Manager.failLocked",
		"call_id":  c.session.CallID,
		"detail":   detail,
	}).Error("Call failed")
}

// notifyFailure tells the peers about a local failure, once and without
// retries.
func (m *Manager) notifyFailure(ctx context.Context, c *call) {
	failed := Failed{Header: headerFor(c.session, m.opts.Identity), Detail: c.session.ErrorDetail}
	for _, peer := range m.peersLocked(c) {
		if err := m.opts.Adapter.Send(ctx, peer, failed); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Manager.notifyFailure",
				"call_id":  c.session.CallID,
				"peer":     peer,
				"error":    err.Error(),
			}).Debug("Peer not told about failure")
			continue
		}
		m.opts.Metrics.SignalSent(failed.Status().String())
	}
}

// step fires event and records the transition for publish.
func (m *Manager) step(c *call, event string, changes *[]change) bool {
	from := c.session.Status
	if !c.fire(event) {
		return false
	}
	to := c.session.Status
	if (to == StatusEnded || to == StatusError) && !c.session.ConnectedAt.IsZero() {
		m.opts.Metrics.CallEnded(c.session.Duration())
	}
	*changes = append(*changes, change{session: c.snapshot(), from: from})
	return true
}

func (m *Manager) publish(changes []change) {
	if len(changes) == 0 {
		return
	}
	m.callbackMu.RLock()
	fn := m.stateChanged
	m.callbackMu.RUnlock()
	if fn == nil {
		return
	}
	for _, ch := range changes {
		fn(ch.session, ch.from)
	}
}

func (m *Manager) scheduleDisposalLocked(c *call) {
	if c.disposal != nil {
		return
	}
	callID := c.session.CallID
	c.disposal = time.AfterFunc(m.opts.DisposeGrace, func() {
		m.mu.Lock()
		if m.calls[callID] == c {
			delete(m.calls, callID)
		}
		m.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "Manager.dispose",
			"call_id":  callID,
		}).Debug("Session disposed")
	})
}

// sendWithRetry makes one attempt plus RetryAttempts retries.
func (m *Manager) sendWithRetry(ctx context.Context, to string, sig Signal) error {
	status := sig.Status().String()
	attempts := 1 + m.opts.RetryAttempts

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = m.opts.Adapter.Send(ctx, to, sig)
		if lastErr == nil {
			m.opts.Metrics.SignalSent(status)
			return nil
		}

		logrus.WithFields(logrus.Fields{
			"function": "Manager.sendWithRetry",
			"call_id":  sig.Head().CallID,
			"status":   status,
			"to":       to,
			"attempt":  attempt,
			"error":    lastErr.Error(),
		}).Warn("Signal send failed")

		if attempt == attempts {
			break
		}
		m.opts.Metrics.SignalRetry()

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s to %s: %w", ErrSendFailed, status, to, ctx.Err())
		case <-time.After(m.opts.RetryBackoff):
		}
	}
	return fmt.Errorf("%w: %s to %s: %w", ErrSendFailed, status, to, lastErr)
}

func (m *Manager) sendAll(ctx context.Context, recipients []string, sig Signal) error {
	var errs []error
	for _, to := range recipients {
		if err := m.sendWithRetry(ctx, to, sig); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// peersLocked returns who should hear about changes to c.
func (m *Manager) peersLocked(c *call) []string {
	if c.session.Initiator != m.opts.Identity {
		return []string{c.session.Initiator}
	}
	peers := make([]string, 0, len(c.session.Participants))
	for _, p := range c.session.Participants {
		if !c.departed[p] {
			peers = append(peers, p)
		}
	}
	return peers
}

func (m *Manager) allDepartedLocked(c *call) bool {
	for _, p := range c.session.Participants {
		if !c.departed[p] {
			return false
		}
	}
	return true
}

// isOfferedLocked reports whether c is a call offered to us that still
// awaits an answer.
func (m *Manager) isOfferedLocked(c *call) bool {
	return c.session.Status == StatusRequesting &&
		c.session.Initiator != m.opts.Identity &&
		c.session.HasParticipant(m.opts.Identity)
}

func (m *Manager) lookup(callID uint32) *call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[callID]
}

func (m *Manager) allocateCallIDLocked() uint32 {
	for {
		id := rand.Uint32()
		if id == 0 {
			continue
		}
		if _, taken := m.calls[id]; !taken {
			return id
		}
	}
}

func (m *Manager) normalizeParticipants(targets []string) []string {
	seen := make(map[string]bool, len(targets))
	participants := make([]string, 0, len(targets))
	for _, t := range targets {
		if t == "" || t == m.opts.Identity || seen[t] {
			continue
		}
		seen[t] = true
		participants = append(participants, t)
	}
	return participants
}

func (m *Manager) advertiseHost() string {
	if m.opts.Media.AdvertiseHost != "" {
		return m.opts.Media.AdvertiseHost
	}
	return media.LocalIPv4().String()
}

func (m *Manager) logUnknown(function string, callID uint32) {
	logrus.WithFields(logrus.Fields{
		"function": function,
		"call_id":  callID,
	}).Warn("Ignoring operation on unknown call")
}

func (m *Manager) logViolation(function string, c *call, action string) {
	logrus.WithFields(logrus.Fields{
		"function":  function,
		"call_id":   c.session.CallID,
		"status":    c.session.Status.String(),
		"action":    action,
		"initiator": c.session.Initiator,
	}).Warn("Ignoring action not valid in current call state")
}
