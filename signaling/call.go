package signaling

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"github.com/opd-ai/voicechat/media"
	"github.com/opd-ai/voicechat/metrics"
	"github.com/sirupsen/logrus"
)

// State machine events.
const (
	eventAccept  = "accept"
	eventAttach  = "attach"
	eventConnect = "connect"
	eventReject  = "reject"
	eventEnd     = "end"
	eventFail    = "fail"
)

func newCallFSM(initial Status, collector *metrics.Collector, callID uint32) *fsm.FSM {
	requesting := StatusRequesting.String()
	accepted := StatusAccepted.String()
	connecting := StatusConnecting.String()
	connected := StatusConnected.String()
	rejected := StatusRejected.String()

	return fsm.NewFSM(
		initial.String(),
		fsm.Events{
			{Name: eventAccept, Src: []string{requesting}, Dst: accepted},
			{Name: eventAttach, Src: []string{requesting, accepted}, Dst: connecting},
			{Name: eventConnect, Src: []string{requesting, accepted, connecting}, Dst: connected},
			{Name: eventReject, Src: []string{requesting}, Dst: rejected},
			{Name: eventEnd, Src: []string{requesting, accepted, connecting, connected, rejected}, Dst: StatusEnded.String()},
			{Name: eventFail, Src: []string{requesting, accepted, connecting, connected}, Dst: StatusError.String()},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				collector.StateTransition(e.Src, e.Dst)

				logrus.WithFields(logrus.Fields{
					"function": "call.transition",
					"call_id":  callID,
					"event":    e.Event,
					"from":     e.Src,
					"to":       e.Dst,
				}).Info("Call state changed")
			},
		},
	)
}

// call is the mutable state behind a Session. mu serializes every
// operation on the call; the transport and audio hooks never take it.
type call struct {
	mu      sync.Mutex
	session Session
	machine *fsm.FSM

	// localPort is the port announced for, or bound by, this side.
	localPort int
	transport *media.Manager
	attached  bool

	// conference bookkeeping on the initiator side
	answered map[string]bool
	departed map[string]bool

	awaitingMedia atomic.Bool
	disposal      *time.Timer
}

func newCall(s Session, collector *metrics.Collector) *call {
	return &call{
		session:  s,
		machine:  newCallFSM(s.Status, collector, s.CallID),
		answered: make(map[string]bool),
		departed: make(map[string]bool),
	}
}

// fire applies event and mirrors the new state into the session. It
// returns false when the event does not apply to the current state.
func (c *call) fire(event string) bool {
	if err := c.machine.Event(context.Background(), event); err != nil {
		return false
	}

	status, err := ParseStatus(c.machine.Current())
	if err != nil {
		return false
	}
	c.session.Status = status

	switch status {
	case StatusConnected:
		if c.session.ConnectedAt.IsZero() {
			c.session.ConnectedAt = time.Now()
		}
	case StatusEnded, StatusError:
		if c.session.EndedAt.IsZero() {
			c.session.EndedAt = time.Now()
		}
	}
	return true
}

func (c *call) snapshot() Session {
	s := c.session
	s.Participants = append([]string(nil), c.session.Participants...)
	return s
}
