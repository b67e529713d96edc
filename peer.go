package voicechat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/voicechat/audio"
	"github.com/opd-ai/voicechat/chat"
	"github.com/opd-ai/voicechat/config"
	"github.com/opd-ai/voicechat/media"
	"github.com/opd-ai/voicechat/metrics"
	"github.com/opd-ai/voicechat/signaling"
	"github.com/sirupsen/logrus"
)

// hangupTimeout bounds the Ended signals sent by Close.
const hangupTimeout = 5 * time.Second

// Devices selects the audio backends of a peer. A nil Input makes every
// call receive-only. A nil Outputs discards inbound audio.
type Devices struct {
	Input   audio.InputDevice
	Outputs audio.OutputFactory
}

// Peer is one chat participant able to place and answer voice calls.
type Peer struct {
	cfg       config.Config
	messenger chat.Messenger
	adapter   *signalAdapter
	calls     *signaling.Manager
	pipeline  *audio.Pipeline

	mu        sync.Mutex
	onText    func(from, text string)
	closeOnce sync.Once
}

// Connect dials the chat hub named in cfg and builds a peer on that link.
func Connect(ctx context.Context, cfg config.Config, devices Devices, collector *metrics.Collector) (*Peer, error) {
	client, err := chat.Dial(ctx, chat.ClientOptionsFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect %s to chat hub: %w", cfg.Identity, err)
	}

	peer, err := NewPeer(cfg, client, devices, collector)
	if err != nil {
		client.Close()
		return nil, err
	}
	return peer, nil
}

// NewPeer builds a peer that signals over messenger. The peer owns
// messenger and closes it on Close. cfg.Identity defaults to the
// messenger's identity and must match it when set.
func NewPeer(cfg config.Config, messenger chat.Messenger, devices Devices, collector *metrics.Collector) (*Peer, error) {
	if messenger == nil {
		return nil, errors.New("voicechat: messenger is required")
	}
	if cfg.Identity == "" {
		cfg.Identity = messenger.Identity()
	}
	if cfg.Identity != messenger.Identity() {
		return nil, fmt.Errorf("voicechat: identity %q does not match messenger identity %q", cfg.Identity, messenger.Identity())
	}
	if devices.Outputs == nil {
		devices.Outputs = audio.NullOutputFactory
	}

	pipeline := audio.NewPipeline(
		devices.Input,
		devices.Outputs,
		audio.FormatFromConfig(cfg.Audio),
		cfg.Audio.ChunkSize,
		cfg.Audio.MaxQueuedFrames,
		collector,
	)

	adapter := newSignalAdapter(messenger)
	calls, err := signaling.NewManager(signaling.OptionsFromConfig(cfg, adapter, pipeline, collector))
	if err != nil {
		pipeline.Close()
		return nil, err
	}

	p := &Peer{
		cfg:       cfg,
		messenger: messenger,
		adapter:   adapter,
		calls:     calls,
		pipeline:  pipeline,
	}
	adapter.bind(calls)
	messenger.Handle(chat.KindText, p.handleText)

	logrus.WithFields(logrus.Fields{
		"function":  "NewPeer",
		"identity":  cfg.Identity,
		"base_port": cfg.Media.BasePort,
		"capture":   devices.Input != nil,
	}).Info("Voice chat peer ready")

	return p, nil
}

// Identity returns the peer's chat identity.
func (p *Peer) Identity() string {
	return p.cfg.Identity
}

// Call places a one-to-one call to target.
func (p *Peer) Call(ctx context.Context, target string) (signaling.Session, error) {
	return p.calls.PlaceCall(ctx, target)
}

// Conference places one call to several participants.
func (p *Peer) Conference(ctx context.Context, participants []string) (signaling.Session, error) {
	return p.calls.PlaceConference(ctx, participants)
}

// Accept answers an incoming call.
func (p *Peer) Accept(ctx context.Context, callID uint32) error {
	return p.calls.AcceptCall(ctx, callID)
}

// Reject declines an incoming call.
func (p *Peer) Reject(ctx context.Context, callID uint32) error {
	return p.calls.RejectCall(ctx, callID)
}

// Hangup ends a call in any non-terminal state.
func (p *Peer) Hangup(ctx context.Context, callID uint32) error {
	return p.calls.EndCall(ctx, callID)
}

// Probe sends a connectivity test over the call's media path. The reply
// surfaces through the call transport's probe listeners.
func (p *Peer) Probe(callID uint32) error {
	return p.calls.ProbeCall(callID)
}

// Transport returns the media transport of a call, if one is bound.
func (p *Peer) Transport(callID uint32) (*media.Manager, bool) {
	return p.calls.Transport(callID)
}

// Session returns a snapshot of one call.
func (p *Peer) Session(callID uint32) (signaling.Session, bool) {
	return p.calls.Session(callID)
}

// Sessions returns snapshots of every known call.
func (p *Peer) Sessions() []signaling.Session {
	return p.calls.Sessions()
}

// OnIncomingCall sets the callback for new inbound calls.
func (p *Peer) OnIncomingCall(fn func(signaling.Session)) {
	p.calls.OnIncomingCall(fn)
}

// OnStateChange sets the callback for call state transitions.
func (p *Peer) OnStateChange(fn func(s signaling.Session, from signaling.Status)) {
	p.calls.OnStateChange(fn)
}

// SendText sends a plain chat message.
func (p *Peer) SendText(ctx context.Context, to, text string) error {
	return p.messenger.Send(ctx, to, chat.KindText, []byte(text))
}

// OnText sets the callback for inbound chat messages.
func (p *Peer) OnText(fn func(from, text string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onText = fn
}

func (p *Peer) handleText(env chat.Envelope) {
	p.mu.Lock()
	fn := p.onText
	p.mu.Unlock()
	if fn != nil {
		fn(env.From, string(env.Payload))
	}
}

// Close hangs up every live call, then releases media, audio and the chat
// link.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
		defer cancel()
		for _, s := range p.calls.Sessions() {
			if s.Status.Terminal() {
				continue
			}
			if hangupErr := p.calls.EndCall(ctx, s.CallID); hangupErr != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Peer.Close",
					"call_id":  s.CallID,
					"error":    hangupErr.Error(),
				}).Warn("Could not signal call end")
			}
		}

		p.adapter.unbind()
		p.calls.Close()
		p.pipeline.Close()
		err = p.messenger.Close()

		logrus.WithFields(logrus.Fields{
			"function": "Peer.Close",
			"identity": p.cfg.Identity,
		}).Info("Voice chat peer closed")
	})
	return err
}
