// Package environment implements the per-instance step/reset exchange with
// the simulation for the RLBASE, SINGLE and MULTI protocol variants.
package environment

import (
	"context"
	"fmt"
	"log"

	"github.com/kcccr123/ue-reinforcement-learning/pkg/core"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/framing"
)

const (
	// InfoEnvID holds the instance id echoed by a MULTI response
	InfoEnvID = "env_id"
	// InfoParseError holds the reason a response was replaced by the fail-safe
	InfoParseError = "parse_error"
)

// Channel binds one connection to one simulation instance. It is not safe
// for concurrent use; the trainer never calls Reset/Step concurrently on the
// same instance.
type Channel struct {
	envType    core.EnvType
	instanceID int
	obsDim     int
	actDim     int

	framer *framing.Framer
	codec  codec
	// shared is set when the connection belongs to the admin channel
	shared bool
	logger *log.Logger
}

var _ core.Environment = (*Channel)(nil)

type Option func(*Channel)

func WithLogger(l *log.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

func newChannel(envType core.EnvType, f *framing.Framer, info core.HandshakeInfo, cd codec, id int, opts []Option) *Channel {
	c := &Channel{
		envType:    envType,
		instanceID: id,
		obsDim:     info.ObsDim,
		actDim:     info.ActDim,
		framer:     f,
		codec:      cd,
		logger:     log.New(log.Writer(), fmt.Sprintf("[EnvChannel %s/%d] ", envType, id), log.Flags()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewRLBaseChannel reuses the admin channel's framer. The connection is then
// shared between control traffic and step traffic; the admin side must stop
// reading once the handshake completes. Requests are terminated by the admin
// connection's delimiter (STEP by default), not by "\n".
func NewRLBaseChannel(admin *framing.Framer, info core.HandshakeInfo, opts ...Option) *Channel {
	c := newChannel(core.EnvTypeRLBase, admin, info, flatCodec{}, 0, opts)
	c.shared = true
	return c
}

// NewSingleChannel speaks the keyed protocol over a dedicated connection
func NewSingleChannel(f *framing.Framer, info core.HandshakeInfo, opts ...Option) *Channel {
	return newChannel(core.EnvTypeSingle, f, info, keyedCodec{}, 0, opts)
}

// NewMultiChannel tags every request with ENV=<id>
func NewMultiChannel(f *framing.Framer, info core.HandshakeInfo, id int, opts ...Option) *Channel {
	return newChannel(core.EnvTypeMulti, f, info, keyedCodec{tagged: true, envID: id}, id, opts)
}

func (c *Channel) EnvType() core.EnvType {
	return c.envType
}

func (c *Channel) InstanceID() int {
	return c.instanceID
}

func (c *Channel) ObsDim() int {
	return c.obsDim
}

func (c *Channel) ActDim() int {
	return c.actDim
}

// Shared reports whether the connection is the admin connection
func (c *Channel) Shared() bool {
	return c.shared
}

// Reset asks the simulation to start a new episode.
func (c *Channel) Reset(ctx context.Context) ([]float32, core.Info, error) {
	res, err := c.exchange(ctx, c.codec.encodeReset())
	if err != nil {
		return nil, nil, err
	}
	return res.Observation, res.Info, nil
}

// Step sends one action. Truncated is always false.
func (c *Channel) Step(ctx context.Context, action []float64) (core.StepResult, error) {
	if len(action) != c.actDim {
		c.logger.Printf("Action has %d components, handshake announced %d", len(action), c.actDim)
	}
	return c.exchange(ctx, c.codec.encodeStep(action))
}

// exchange performs one request/response round trip. Connection errors are
// returned; malformed responses are replaced by a zero observation with
// reward 0 and done set, so the trainer ends the episode instead of failing.
func (c *Channel) exchange(ctx context.Context, msg string) (core.StepResult, error) {
	// cancelling ctx closes the connection, which unblocks Receive
	stop := context.AfterFunc(ctx, func() {
		c.framer.Close()
	})
	defer stop()

	if err := c.framer.Send(msg); err != nil {
		return core.StepResult{}, err
	}
	resp, err := c.framer.Receive()
	if err != nil {
		return core.StepResult{}, err
	}

	res, err := c.codec.decode(resp, c.obsDim)
	if err != nil {
		perr := core.WrapError(core.ErrCodeResponseParse, fmt.Sprintf("%q", resp), err)
		c.logger.Printf("Error parsing state: %v", perr)
		return c.failSafe(perr), nil
	}

	if id, ok := res.Info[InfoEnvID].(int); ok && id != c.instanceID {
		c.logger.Printf("Response tagged ENV=%d on instance %d", id, c.instanceID)
	}
	return res, nil
}

func (c *Channel) failSafe(err error) core.StepResult {
	return core.StepResult{
		Observation: make([]float32, c.obsDim),
		Reward:      0.0,
		Done:        true,
		Info:        core.Info{InfoParseError: err.Error()},
	}
}

// Close closes the connection. For an RLBASE channel this is the admin
// connection; closing is idempotent so both owners may call it.
func (c *Channel) Close() error {
	if err := c.framer.Close(); err != nil {
		return err
	}
	c.logger.Println("Disconnected socket.")
	return nil
}
