package chat

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// dispatcher runs inbound handlers on one goroutine, in arrival order. The
// queue is unbounded so that a reader never blocks behind a handler that
// is itself waiting on the link.
type dispatcher struct {
	owner string

	handlersMu sync.RWMutex
	handlers   map[Kind]Handler

	mu     sync.Mutex
	queue  []Envelope
	notify chan struct{}
	stop   chan struct{}
	once   sync.Once
}

func newDispatcher(owner string) *dispatcher {
	d := &dispatcher{
		owner:    owner,
		handlers: make(map[Kind]Handler),
		notify:   make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) handle(kind Kind, fn Handler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	if fn == nil {
		delete(d.handlers, kind)
		return
	}
	d.handlers[kind] = fn
}

func (d *dispatcher) push(env Envelope) {
	d.mu.Lock()
	d.queue = append(d.queue, env)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *dispatcher) pop() (Envelope, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return Envelope{}, false
	}
	env := d.queue[0]
	d.queue[0] = Envelope{}
	d.queue = d.queue[1:]
	return env, true
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.stop:
			return
		case <-d.notify:
		}
		for {
			env, ok := d.pop()
			if !ok || d.stopped() {
				break
			}
			d.deliver(env)
		}
	}
}

func (d *dispatcher) stopped() bool {
	select {
	case <-d.stop:
		return true
	default:
		return false
	}
}

func (d *dispatcher) deliver(env Envelope) {
	d.handlersMu.RLock()
	fn := d.handlers[env.Kind]
	d.handlersMu.RUnlock()

	if fn == nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatcher.deliver",
			"identity": d.owner,
			"kind":     env.Kind,
			"from":     env.From,
		}).Debug("No handler for envelope kind, dropping")
		return
	}
	fn(env)
}

// close stops the dispatcher. Queued envelopes are abandoned; a handler
// already running finishes on its own.
func (d *dispatcher) close() {
	d.once.Do(func() { close(d.stop) })
}
