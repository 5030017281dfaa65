// Package topology turns a negotiated HandshakeInfo into deferred
// environment constructors.
package topology

import (
	"context"
	"fmt"
	"log"

	"github.com/kcccr123/ue-reinforcement-learning/internal/transport"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/core"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/environment"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/framing"
)

// Mode tells the vectorization layer how the channels may be driven
type Mode int

const (
	// ModeSequential drives every channel from the caller's goroutine
	ModeSequential Mode = iota
	// ModeIsolated allows each channel its own worker; channels are
	// independent and order-insensitive relative to each other
	ModeIsolated
)

func (m Mode) String() string {
	if m == ModeIsolated {
		return "isolated"
	}
	return "sequential"
}

// Factory opens the connection (if any) and returns the channel. Nothing is
// dialed until the factory is called.
type Factory func() (core.Environment, error)

// Plan is the ordered list of constructors for a session
type Plan struct {
	Info      core.HandshakeInfo
	Factories []Factory
	Mode      Mode
}

// ConnOpener opens a new framed connection to the simulation
type ConnOpener func(ctx context.Context) (*framing.Framer, error)

// DialOpener opens TCP connections with d and frames them with delim.
func DialOpener(d *transport.Dialer, delim framing.Delimiter, opts ...framing.Option) ConnOpener {
	return func(ctx context.Context) (*framing.Framer, error) {
		conn, err := d.Dial(ctx)
		if err != nil {
			return nil, err
		}
		return framing.New(conn, delim, opts...), nil
	}
}

// Builder decides how many channels a session gets and whether they reuse
// the admin connection.
type Builder struct {
	admin  *framing.Framer
	open   ConnOpener
	logger *log.Logger

	channelOpts []environment.Option
}

type Option func(*Builder)

func WithLogger(l *log.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithChannelOptions(opts ...environment.Option) Option {
	return func(b *Builder) {
		b.channelOpts = append(b.channelOpts, opts...)
	}
}

// NewBuilder takes the admin connection's framer (reused by RLBASE) and an
// opener for new connections (SINGLE and MULTI).
func NewBuilder(admin *framing.Framer, open ConnOpener, opts ...Option) *Builder {
	b := &Builder{
		admin:  admin,
		open:   open,
		logger: log.New(log.Writer(), "[Topology] ", log.Flags()),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns the constructors for info. ctx bounds connection
// establishment when the factories are eventually called. An unrecognized
// environment type fails with core.ErrUnknownTopology and no constructor is
// produced.
func (b *Builder) Build(ctx context.Context, info core.HandshakeInfo) (*Plan, error) {
	if info.ObsDim <= 0 || info.ActDim <= 0 {
		return nil, core.WrapError(core.ErrCodeInvalidHandshake, "obs and act dims must be non-zero",
			fmt.Errorf("received OBS=%d, ACT=%d", info.ObsDim, info.ActDim))
	}

	switch info.EnvType {
	case core.EnvTypeRLBase:
		if b.admin == nil {
			return nil, fmt.Errorf("RLBASE topology requires the admin connection")
		}
		b.logger.Println("RLBASE => reusing admin socket for single environment")
		return &Plan{
			Info:      info,
			Factories: []Factory{b.rlbase(info)},
			Mode:      ModeSequential,
		}, nil

	case core.EnvTypeSingle:
		b.logger.Println("SINGLE => create new socket for single environment")
		return &Plan{
			Info:      info,
			Factories: []Factory{b.single(ctx, info)},
			Mode:      ModeSequential,
		}, nil

	case core.EnvTypeMulti:
		b.logger.Printf("MULTI => create %d sub-environments", info.InstanceCount)
		factories := make([]Factory, info.InstanceCount)
		for i := range factories {
			factories[i] = b.multi(ctx, info, i)
		}
		return &Plan{
			Info:      info,
			Factories: factories,
			Mode:      ModeIsolated,
		}, nil

	default:
		return nil, core.WrapError(core.ErrCodeUnknownTopology, "handshake error",
			fmt.Errorf("unknown environment type %q", info.EnvType))
	}
}

func (b *Builder) rlbase(info core.HandshakeInfo) Factory {
	return func() (core.Environment, error) {
		return environment.NewRLBaseChannel(b.admin, info, b.channelOpts...), nil
	}
}

func (b *Builder) single(ctx context.Context, info core.HandshakeInfo) Factory {
	return func() (core.Environment, error) {
		f, err := b.open(ctx)
		if err != nil {
			return nil, err
		}
		return environment.NewSingleChannel(f, info, b.channelOpts...), nil
	}
}

func (b *Builder) multi(ctx context.Context, info core.HandshakeInfo, id int) Factory {
	return func() (core.Environment, error) {
		f, err := b.open(ctx)
		if err != nil {
			return nil, fmt.Errorf("sub-environment %d: %w", id, err)
		}
		return environment.NewMultiChannel(f, info, id, b.channelOpts...), nil
	}
}
