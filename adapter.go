package voicechat

import (
	"context"
	"fmt"

	"github.com/opd-ai/voicechat/chat"
	"github.com/opd-ai/voicechat/signaling"
	"github.com/sirupsen/logrus"
)

// signalAdapter carries call signals as chat envelopes of kind
// chat.KindCallSignal.
type signalAdapter struct {
	messenger chat.Messenger
}

// newSignalAdapter creates an adapter sending through messenger.
func newSignalAdapter(messenger chat.Messenger) *signalAdapter {
	return &signalAdapter{messenger: messenger}
}

// Send implements signaling.Adapter.
func (a *signalAdapter) Send(ctx context.Context, to string, sig signaling.Signal) error {
	payload, err := signaling.EncodeSignal(sig)
	if err != nil {
		return err
	}
	if err := a.messenger.Send(ctx, to, chat.KindCallSignal, payload); err != nil {
		return fmt.Errorf("send %s to %s: %w", sig.Status(), to, err)
	}
	return nil
}

// bind routes inbound call signal envelopes to calls.
func (a *signalAdapter) bind(calls *signaling.Manager) {
	a.messenger.Handle(chat.KindCallSignal, func(env chat.Envelope) {
		sig, err := signaling.DecodeSignal(env.Payload)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "signalAdapter.bind",
				"from":     env.From,
				"error":    err.Error(),
			}).Warn("Dropping undecodable call signal")
			return
		}
		if head := sig.Head(); head.From != env.From {
			logrus.WithFields(logrus.Fields{
				"function":    "signalAdapter.bind",
				"from":        env.From,
				"signal_from": head.From,
				"call_id":     head.CallID,
			}).Warn("Dropping call signal with spoofed sender")
			return
		}
		calls.HandleSignal(context.Background(), sig)
	})
}

// unbind stops routing call signals.
func (a *signalAdapter) unbind() {
	a.messenger.Handle(chat.KindCallSignal, nil)
}
