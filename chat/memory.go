package chat

import (
	"context"
	"fmt"
	"sync"
)

// MemoryNetwork routes envelopes between in-process endpoints. Delivery is
// ordered per destination. Faults can be injected per destination.
type MemoryNetwork struct {
	mu         sync.Mutex
	endpoints  map[string]*MemoryEndpoint
	failures   map[string]int
	partitions map[[2]string]struct{}
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints:  make(map[string]*MemoryEndpoint),
		failures:   make(map[string]int),
		partitions: make(map[[2]string]struct{}),
	}
}

// Join attaches a new endpoint for identity.
func (n *MemoryNetwork) Join(identity string) (*MemoryEndpoint, error) {
	if identity == "" {
		return nil, fmt.Errorf("%w: identity is required", ErrHandshake)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.endpoints[identity]; taken {
		return nil, fmt.Errorf("%w: identity %q already joined", ErrHandshake, identity)
	}
	ep := &MemoryEndpoint{
		network:    n,
		identity:   identity,
		dispatcher: newDispatcher(identity),
	}
	n.endpoints[identity] = ep
	return ep, nil
}

// FailNext makes the next count sends addressed to identity fail.
func (n *MemoryNetwork) FailNext(identity string, count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures[identity] += count
}

// Partition blocks traffic between a and b in both directions.
func (n *MemoryNetwork) Partition(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.partitions[pairKey(a, b)] = struct{}{}
}

// Heal undoes Partition.
func (n *MemoryNetwork) Heal(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.partitions, pairKey(a, b))
}

func pairKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func (n *MemoryNetwork) route(env Envelope) error {
	n.mu.Lock()
	if _, cut := n.partitions[pairKey(env.From, env.To)]; cut {
		n.mu.Unlock()
		return fmt.Errorf("%w: partitioned from %s", ErrNotConnected, env.To)
	}
	if n.failures[env.To] > 0 {
		n.failures[env.To]--
		n.mu.Unlock()
		return fmt.Errorf("%w: injected failure to %s", ErrNotConnected, env.To)
	}
	target := n.endpoints[env.To]
	n.mu.Unlock()

	if target == nil {
		return fmt.Errorf("%w: %s", ErrPeerUnknown, env.To)
	}
	target.dispatcher.push(env)
	return nil
}

func (n *MemoryNetwork) leave(ep *MemoryEndpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[ep.identity] == ep {
		delete(n.endpoints, ep.identity)
	}
}

// MemoryEndpoint is one identity on a MemoryNetwork. It implements
// Messenger.
type MemoryEndpoint struct {
	network    *MemoryNetwork
	identity   string
	dispatcher *dispatcher

	mu     sync.Mutex
	closed bool
}

var _ Messenger = (*MemoryEndpoint)(nil)

// Identity returns the endpoint's identity.
func (e *MemoryEndpoint) Identity() string {
	return e.identity
}

// Send enqueues payload at the destination's dispatcher.
func (e *MemoryEndpoint) Send(ctx context.Context, to string, kind Kind, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !isApplicationKind(kind) {
		return fmt.Errorf("chat: unsupported kind %q", kind)
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}

	return e.network.route(NewEnvelope(kind, e.identity, to, append([]byte(nil), payload...)))
}

// Handle installs fn for inbound envelopes of kind.
func (e *MemoryEndpoint) Handle(kind Kind, fn Handler) {
	e.dispatcher.handle(kind, fn)
}

// Close leaves the network.
func (e *MemoryEndpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.network.leave(e)
	e.dispatcher.close()
	return nil
}
