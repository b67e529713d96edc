package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/voicechat/config"
	"github.com/sirupsen/logrus"
)

// ClientOptions configures a hub client.
type ClientOptions struct {
	Identity    string
	ServerAddr  string
	Noise       bool
	DialTimeout time.Duration
	// AckTimeout bounds how long Send waits for the hub's delivery answer.
	AckTimeout time.Duration
}

// ClientOptionsFromConfig maps the chat section of cfg.
func ClientOptionsFromConfig(cfg config.Config) ClientOptions {
	return ClientOptions{
		Identity:    cfg.Identity,
		ServerAddr:  cfg.Chat.ServerAddr,
		Noise:       cfg.Chat.Noise,
		DialTimeout: cfg.Chat.DialTimeout,
		AckTimeout:  5 * time.Second,
	}
}

// Client is one identity's link to a Hub. It implements Messenger. A
// broken link is re-established on the next Send.
type Client struct {
	opts       ClientOptions
	dispatcher *dispatcher

	connMu sync.Mutex // serializes (re)connects

	mu      sync.Mutex
	link    *link
	pending map[string]chan Envelope
	closed  bool
}

var _ Messenger = (*Client)(nil)

// Dial connects and logs in to the hub.
func Dial(ctx context.Context, opts ClientOptions) (*Client, error) {
	if opts.Identity == "" {
		return nil, fmt.Errorf("%w: identity is required", ErrHandshake)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}

	c := &Client{
		opts:       opts,
		dispatcher: newDispatcher(opts.Identity),
		pending:    make(map[string]chan Envelope),
	}
	if _, err := c.connected(ctx); err != nil {
		c.dispatcher.close()
		return nil, err
	}
	return c, nil
}

// Identity returns the identity the client logs in as.
func (c *Client) Identity() string {
	return c.opts.Identity
}

// Handle installs fn for inbound envelopes of kind. Handlers run one at a
// time on a dedicated goroutine and may call Send.
func (c *Client) Handle(kind Kind, fn Handler) {
	c.dispatcher.handle(kind, fn)
}

// Send routes payload to identity to and waits for the hub's answer.
func (c *Client) Send(ctx context.Context, to string, kind Kind, payload []byte) error {
	if !isApplicationKind(kind) {
		return fmt.Errorf("chat: unsupported kind %q", kind)
	}

	l, err := c.connected(ctx)
	if err != nil {
		return err
	}

	env := NewEnvelope(kind, c.opts.Identity, to, payload)
	answer := make(chan Envelope, 1)

	c.mu.Lock()
	c.pending[env.ID] = answer
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	if err := l.writeEnvelope(env); err != nil {
		c.drop(l, err)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	timer := time.NewTimer(c.opts.AckTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-answer:
		if !ok {
			return ErrNotConnected
		}
		if reply.Kind == kindNack {
			if reply.Error == ErrPeerUnknown.Error() {
				return fmt.Errorf("%w: %s", ErrPeerUnknown, to)
			}
			return fmt.Errorf("chat: delivery to %s refused: %s", to, reply.Error)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s to %s", ErrAckTimeout, kind, to)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to, text string) error {
	return c.Send(ctx, to, KindText, []byte(text))
}

// Close drops the link and stops handler dispatch.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	l := c.link
	c.link = nil
	c.mu.Unlock()

	c.dispatcher.close()
	if l != nil {
		return l.close()
	}
	return nil
}

// connected returns the live link, dialing the hub if there is none.
func (c *Client) connected(ctx context.Context) (*link, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.link != nil {
		l := c.link
		c.mu.Unlock()
		return l, nil
	}
	c.mu.Unlock()

	l, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		l.close()
		return nil, ErrClosed
	}
	c.link = l
	c.mu.Unlock()

	go c.readLoop(l)
	return l, nil
}

func (c *Client) connect(ctx context.Context) (*link, error) {
	dialer := net.Dialer{Timeout: c.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.opts.ServerAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNotConnected, c.opts.ServerAddr, err)
	}

	l := newLink(conn)
	if c.opts.Noise {
		if err := l.secure(true); err != nil {
			l.close()
			return nil, err
		}
	}

	login := NewEnvelope(kindLogin, c.opts.Identity, "", nil)
	if err := l.writeEnvelope(login); err != nil {
		l.close()
		return nil, fmt.Errorf("%w: write login: %v", ErrHandshake, err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	reply, err := l.readEnvelope()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		l.close()
		return nil, fmt.Errorf("%w: read login ack: %v", ErrHandshake, err)
	}
	if reply.Kind != kindLoginAck || reply.ID != login.ID {
		l.close()
		return nil, fmt.Errorf("%w: login refused: %s", ErrHandshake, reply.Error)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Client.connect",
		"identity": c.opts.Identity,
		"server":   c.opts.ServerAddr,
		"noise":    c.opts.Noise,
	}).Info("Logged in to chat hub")
	return l, nil
}

func (c *Client) readLoop(l *link) {
	for {
		env, err := l.readEnvelope()
		if err != nil {
			c.drop(l, err)
			return
		}

		switch env.Kind {
		case kindAck, kindNack:
			c.mu.Lock()
			answer, ok := c.pending[env.ID]
			delete(c.pending, env.ID)
			c.mu.Unlock()
			if ok {
				answer <- env
			}
		default:
			if isApplicationKind(env.Kind) {
				c.dispatcher.push(env)
			}
		}
	}
}

// drop forgets l if it is still current and fails every pending Send.
func (c *Client) drop(l *link, cause error) {
	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	c.link = nil
	closed := c.closed
	pending := c.pending
	c.pending = make(map[string]chan Envelope)
	c.mu.Unlock()

	l.close()
	for _, answer := range pending {
		close(answer)
	}

	if !closed && !errors.Is(cause, net.ErrClosed) {
		logrus.WithFields(logrus.Fields{
			"function": "Client.drop",
			"identity": c.opts.Identity,
			"error":    cause.Error(),
		}).Warn("Chat link lost")
	}
}
