// Package admin owns the control connection to the simulation: it connects,
// negotiates the handshake and afterwards drains out-of-band control
// messages.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kcccr123/ue-reinforcement-learning/internal/transport"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/core"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/framing"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/handshake"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/messaging"
)

const DefaultPollInterval = 300 * time.Millisecond

// Channel is the admin side of a session. Connect must be called before any
// other method.
type Channel struct {
	id     string
	dialer *transport.Dialer
	delim  framing.Delimiter
	logger *log.Logger

	framerOpts   []framing.Option
	broker       messaging.Broker
	pollInterval time.Duration

	framer     *framing.Framer
	negotiator *handshake.Negotiator
}

type Option func(*Channel)

func WithLogger(l *log.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDelimiter overrides the default STEP delimiter
func WithDelimiter(d framing.Delimiter) Option {
	return func(c *Channel) {
		c.delim = d
	}
}

func WithFramerOptions(opts ...framing.Option) Option {
	return func(c *Channel) {
		c.framerOpts = append(c.framerOpts, opts...)
	}
}

// WithBroker publishes every unrecognized control message to b
func WithBroker(b messaging.Broker) Option {
	return func(c *Channel) {
		c.broker = b
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func New(dialer *transport.Dialer, opts ...Option) *Channel {
	c := &Channel{
		id:           uuid.New().String(),
		dialer:       dialer,
		delim:        framing.DelimiterStep,
		logger:       log.New(log.Writer(), "[AdminChannel] ", log.Flags()),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID identifies this channel as the source of published control messages
func (c *Channel) ID() string {
	return c.id
}

// Connect opens the admin connection.
func (c *Channel) Connect(ctx context.Context) error {
	if c.framer != nil {
		return fmt.Errorf("admin channel already connected")
	}
	conn, err := c.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("admin connect: %w", err)
	}
	c.attach(framing.New(conn, c.delim, c.framerOpts...))
	c.logger.Printf("Connected to %s", c.dialer.Endpoint.Address())
	return nil
}

func (c *Channel) attach(f *framing.Framer) {
	c.framer = f
	c.negotiator = handshake.NewNegotiator(f,
		handshake.WithLogger(c.logger),
		handshake.WithUnrecognizedHandler(c.dispatch),
	)
}

// Framer returns the admin connection's framer. RLBASE sessions reuse it for
// step traffic.
func (c *Channel) Framer() *framing.Framer {
	return c.framer
}

// Info returns the negotiated HandshakeInfo once the handshake completed
func (c *Channel) Info() (core.HandshakeInfo, bool) {
	if c.negotiator == nil {
		return core.HandshakeInfo{}, false
	}
	return c.negotiator.Info()
}

// WaitForHandshake blocks until a valid CONFIG message arrives. Cancelling
// ctx closes the connection and the call fails with ConnectionClosed.
func (c *Channel) WaitForHandshake(ctx context.Context) (core.HandshakeInfo, error) {
	if c.framer == nil {
		return core.HandshakeInfo{}, core.NewError(core.ErrCodeConnectionClosed, "admin channel not connected")
	}
	stop := context.AfterFunc(ctx, func() {
		c.framer.Close()
	})
	defer stop()
	return c.negotiator.WaitForHandshake()
}

// RunCommand blocks until one control message is received and dispatches it.
func (c *Channel) RunCommand(ctx context.Context) error {
	if c.framer == nil {
		return core.NewError(core.ErrCodeConnectionClosed, "admin channel not connected")
	}
	stop := context.AfterFunc(ctx, func() {
		c.framer.Close()
	})
	defer stop()

	msg, err := c.framer.Receive()
	if err != nil {
		return err
	}
	c.process(msg)
	return nil
}

// Drain polls for control messages until ctx is cancelled or the connection
// closes. Idle polls wait the poll interval, so the loop never spins. It
// returns nil on cancellation and the connection error otherwise.
//
// Drain must not run on a connection that carries RLBASE step traffic.
func (c *Channel) Drain(ctx context.Context) error {
	if c.framer == nil {
		return core.NewError(core.ErrCodeConnectionClosed, "admin channel not connected")
	}
	c.logger.Printf("Draining control messages every %s", c.pollInterval)
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, ok, err := c.framer.TryReceive(c.pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var be *core.BridgeError
			if errors.As(err, &be) && be.Fatal() {
				c.logger.Printf("Admin connection lost: %v", err)
				return err
			}
			c.logger.Printf("Poll failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.pollInterval):
			}
			continue
		}
		if ok {
			c.process(msg)
		}
	}
}

func (c *Channel) process(msg string) {
	if _, err := c.negotiator.Process(msg); err != nil {
		c.logger.Printf("Ignoring control message: %v", err)
	}
}

// dispatch forwards a non-CONFIG message to the broker.
func (c *Channel) dispatch(msg string) {
	if c.broker == nil {
		return
	}
	if err := c.broker.Publish(messaging.NewControlMessage(c.id, msg)); err != nil {
		c.logger.Printf("Failed to publish control message: %v", err)
	}
}

// Close closes the admin connection. It is safe to call more than once.
func (c *Channel) Close() error {
	if c.framer == nil {
		return nil
	}
	if err := c.framer.Close(); err != nil {
		return err
	}
	c.logger.Println("Connection closed.")
	return nil
}
