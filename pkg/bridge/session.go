// Package bridge opens a training session against the simulation: the admin
// channel runs as a sidecar goroutine, hands the negotiated HandshakeInfo
// over exactly once, and the topology it announces is materialised as a
// vectorized environment.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/kcccr123/ue-reinforcement-learning/internal/transport"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/admin"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/config"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/core"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/framing"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/messaging"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/topology"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/vecenv"
)

// Session is one connected trainer. Env is ready to use when Open returns.
type Session struct {
	ID   string
	Info core.HandshakeInfo
	Env  *vecenv.VecEnv

	admin  *admin.Channel
	cancel context.CancelFunc
	logger *log.Logger

	sidecarDone chan struct{}
	sidecarErr  error

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	logger  *log.Logger
	broker  messaging.Broker
	verbose bool
}

type Option func(*options)

func WithLogger(l *log.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithBroker receives the admin channel's out-of-band control messages
func WithBroker(b messaging.Broker) Option {
	return func(o *options) {
		o.broker = b
	}
}

// WithVerbose logs every framed message on every connection
func WithVerbose(v bool) Option {
	return func(o *options) {
		o.verbose = v
	}
}

// handoff carries the negotiated handshake from the admin sidecar
type handoff struct {
	info core.HandshakeInfo
	err  error
}

// Open connects the admin channel, waits for the handshake and builds the
// environments it describes. Cancelling ctx while Open is blocked aborts the
// session with ConnectionClosed. Errors returned by Open are fatal to the
// session; nothing is left open.
func Open(ctx context.Context, cfg config.EnvConfig, opts ...Option) (*Session, error) {
	o := &options{logger: log.New(log.Writer(), "[Bridge] ", log.Flags())}
	for _, opt := range opts {
		opt(o)
	}

	adminDelim, envDelim := cfg.Delimiters()
	framerOpts := []framing.Option{framing.WithVerbose(o.verbose)}
	if cfg.ReadSize > 0 {
		framerOpts = append(framerOpts, framing.WithReadSize(cfg.ReadSize))
	}
	dialer := transport.NewDialer(cfg.Endpoint())

	adminOpts := []admin.Option{
		admin.WithDelimiter(adminDelim),
		admin.WithFramerOptions(framerOpts...),
		admin.WithPollInterval(cfg.PollInterval),
	}
	if o.broker != nil {
		adminOpts = append(adminOpts, admin.WithBroker(o.broker))
	}

	s := &Session{
		ID:          uuid.New().String(),
		admin:       admin.New(dialer, adminOpts...),
		logger:      o.logger,
		sidecarDone: make(chan struct{}),
	}

	// the sidecar outlives Open; it stops when the session is closed
	sidecarCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	handoffCh := make(chan handoff, 1)
	go s.runSidecar(sidecarCtx, handoffCh, cfg.DrainAdmin)

	var h handoff
	select {
	case h = <-handoffCh:
	case <-ctx.Done():
		s.Close()
		return nil, core.WrapError(core.ErrCodeConnectionClosed, "session aborted before handshake", ctx.Err())
	}
	if h.err != nil {
		s.Close()
		return nil, h.err
	}
	s.Info = h.info
	s.logger.Printf("Session %s negotiated %s", s.ID, h.info)

	builder := topology.NewBuilder(
		s.admin.Framer(),
		topology.DialOpener(dialer, envDelim, framerOpts...),
	)
	plan, err := builder.Build(ctx, h.info)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Env, err = vecenv.New(plan)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// runSidecar owns the admin connection: connect, handshake, hand the result
// over, then drain control messages unless the connection carries RLBASE
// step traffic.
func (s *Session) runSidecar(ctx context.Context, out chan<- handoff, drain bool) {
	defer close(s.sidecarDone)

	if err := s.admin.Connect(ctx); err != nil {
		out <- handoff{err: err}
		return
	}
	info, err := s.admin.WaitForHandshake(ctx)
	out <- handoff{info: info, err: err}
	if err != nil {
		return
	}

	if info.EnvType == core.EnvTypeRLBase {
		s.logger.Println("RLBASE session: admin connection now carries step traffic, not draining")
		return
	}
	if !drain {
		return
	}
	if err := s.admin.Drain(ctx); err != nil {
		s.sidecarErr = err
	}
}

// AdminID identifies the admin channel as the source of control messages
func (s *Session) AdminID() string {
	return s.admin.ID()
}

// Done is closed when the admin sidecar has stopped
func (s *Session) Done() <-chan struct{} {
	return s.sidecarDone
}

// Err returns the error that stopped the admin sidecar, if any. It is only
// meaningful after Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.sidecarDone:
		return s.sidecarErr
	default:
		return nil
	}
}

// Close closes every environment connection, stops the sidecar and closes
// the admin connection. Draining stops within one poll interval.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.Env != nil {
			if err := s.Env.CloseAll(); err != nil {
				errs = append(errs, err)
			}
		}
		s.cancel()
		<-s.sidecarDone
		if err := s.admin.Close(); err != nil {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			s.closeErr = fmt.Errorf("close session %s: %w", s.ID, errors.Join(errs...))
		}
		s.logger.Printf("Session %s closed", s.ID)
	})
	return s.closeErr
}
