package chat

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Hub accepts client links, logs them in by identity and routes envelopes
// between them. Every routed envelope is answered to its sender with an
// ack once written to the destination link, or a nack explaining why not.
//
// Identities are claimed, not proven. Noise NN encrypts a link but does not
// authenticate either end, and a later login for an identity takes it over
// from the link that held it. Run a hub only among trusted peers.
type Hub struct {
	listener net.Listener
	noise    bool

	mu      sync.RWMutex
	clients map[string]*link
	links   map[*link]struct{}
	closed  bool

	wg sync.WaitGroup
}

// ListenHub starts a hub on addr. With useNoise every link must complete a
// Noise NN handshake before login.
func ListenHub(addr string, useNoise bool) (*Hub, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("chat hub listen %s: %w", addr, err)
	}

	h := &Hub{
		listener: listener,
		noise:    useNoise,
		clients:  make(map[string]*link),
		links:    make(map[*link]struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"function": "ListenHub",
		"addr":     listener.Addr().String(),
		"noise":    useNoise,
	}).Info("Chat hub listening")

	h.wg.Add(1)
	go h.acceptLoop()
	return h, nil
}

// Addr returns the address the hub listens on.
func (h *Hub) Addr() net.Addr {
	return h.listener.Addr()
}

// Identities lists the logged-in identities, sorted.
func (h *Hub) Identities() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close stops accepting, drops every link and waits for their goroutines.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	for l := range h.links {
		l.close()
	}
	h.mu.Unlock()

	err := h.listener.Close()
	h.wg.Wait()
	return err
}

func (h *Hub) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "Hub.acceptLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		l := newLink(conn)
		if !h.track(l) {
			conn.Close()
			return
		}
		h.wg.Add(1)
		go h.handleConnection(l)
	}
}

func (h *Hub) track(l *link) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.links[l] = struct{}{}
	return true
}

// handleConnection serves one client link until it fails or the hub closes.
func (h *Hub) handleConnection(l *link) {
	defer h.wg.Done()
	defer func() {
		h.mu.Lock()
		delete(h.links, l)
		h.mu.Unlock()
		l.close()
	}()

	identity, err := h.login(l)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Hub.handleConnection",
			"remote":   l.remote(),
			"error":    err.Error(),
		}).Warn("Client login failed")
		return
	}
	defer h.unregister(identity, l)

	for {
		env, err := l.readEnvelope()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Hub.handleConnection",
				"identity": identity,
				"error":    err.Error(),
			}).Debug("Client link closed")
			return
		}
		h.route(identity, l, env)
	}
}

func (h *Hub) login(l *link) (string, error) {
	if h.noise {
		if err := l.secure(false); err != nil {
			return "", err
		}
	}

	_ = l.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	env, err := l.readEnvelope()
	_ = l.conn.SetReadDeadline(time.Time{})
	if err != nil {
		return "", fmt.Errorf("%w: read login: %v", ErrHandshake, err)
	}
	if env.Kind != kindLogin || env.From == "" {
		_ = l.writeEnvelope(Envelope{ID: env.ID, Kind: kindNack, Error: "login required"})
		return "", fmt.Errorf("%w: unexpected %q from %q", ErrHandshake, env.Kind, env.From)
	}

	h.register(env.From, l)
	if err := l.writeEnvelope(Envelope{ID: env.ID, Kind: kindLoginAck, To: env.From}); err != nil {
		h.unregister(env.From, l)
		return "", fmt.Errorf("%w: write login ack: %v", ErrHandshake, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Hub.login",
		"identity": env.From,
		"remote":   l.remote(),
	}).Info("Client logged in")
	return env.From, nil
}

// register binds identity to l. A previous link for the same identity is
// closed, whoever opened the new one.
func (h *Hub) register(identity string, l *link) {
	h.mu.Lock()
	old := h.clients[identity]
	h.clients[identity] = l
	h.mu.Unlock()

	if old != nil && old != l {
		logrus.WithFields(logrus.Fields{
			"function": "Hub.register",
			"identity": identity,
		}).Info("Replacing existing link for identity")
		old.close()
	}
}

func (h *Hub) unregister(identity string, l *link) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[identity] == l {
		delete(h.clients, identity)
	}
}

// route forwards env to its destination and answers the sender.
func (h *Hub) route(from string, sender *link, env Envelope) {
	reply := Envelope{ID: env.ID, To: from}

	switch {
	case !isApplicationKind(env.Kind):
		reply.Kind = kindNack
		reply.Error = fmt.Sprintf("unsupported kind %q", env.Kind)
	default:
		env.From = from
		h.mu.RLock()
		target := h.clients[env.To]
		h.mu.RUnlock()

		if target == nil {
			reply.Kind = kindNack
			reply.Error = ErrPeerUnknown.Error()
		} else if err := target.writeEnvelope(env); err != nil {
			target.close()
			reply.Kind = kindNack
			reply.Error = fmt.Sprintf("forward failed: %v", err)
		} else {
			reply.Kind = kindAck
		}
	}

	if reply.Kind == kindNack {
		logrus.WithFields(logrus.Fields{
			"function": "Hub.route",
			"from":     from,
			"to":       env.To,
			"kind":     env.Kind,
			"reason":   reply.Error,
		}).Debug("Envelope not delivered")
	}
	if err := sender.writeEnvelope(reply); err != nil {
		sender.close()
	}
}
