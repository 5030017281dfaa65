// Package handshake negotiates environment shape and topology from the
// simulation's CONFIG message.
package handshake

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/kcccr123/ue-reinforcement-learning/pkg/core"
)

const ConfigPrefix = "CONFIG:"

// State of the negotiator
type State int

const (
	AwaitingConfig State = iota
	Complete
)

func (s State) String() string {
	if s == Complete {
		return "COMPLETE"
	}
	return "AWAITING_CONFIG"
}

// Receiver yields framed messages; *framing.Framer satisfies it.
type Receiver interface {
	Receive() (string, error)
}

// IsConfig reports whether msg is a configuration message
func IsConfig(msg string) bool {
	return strings.HasPrefix(msg, ConfigPrefix)
}

// ParseConfig parses a CONFIG message such as
//
//	CONFIG:OBS=7;ACT=6;ENV_TYPE=RLBASE;ENV_COUNT=3
//
// Keys are order-independent and unknown keys are ignored. ENV_TYPE defaults
// to RLBASE and ENV_COUNT to 1; a malformed ENV_COUNT keeps the default. A
// malformed, missing or zero OBS/ACT fails the whole message.
func ParseConfig(msg string) (core.HandshakeInfo, error) {
	if !IsConfig(msg) {
		return core.HandshakeInfo{}, core.WrapError(core.ErrCodeHandshakeParse,
			"not a configuration message", fmt.Errorf("%q", msg))
	}

	info := core.HandshakeInfo{
		EnvType:       core.EnvTypeRLBase,
		InstanceCount: 1,
	}

	body := strings.TrimPrefix(msg, ConfigPrefix)
	for _, part := range strings.Split(body, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		value = strings.TrimSpace(value)

		switch key {
		case "OBS":
			n, err := parseDim(value)
			if err != nil {
				return core.HandshakeInfo{}, core.WrapError(core.ErrCodeHandshakeParse, "OBS", err)
			}
			info.ObsDim = n
		case "ACT":
			n, err := parseDim(value)
			if err != nil {
				return core.HandshakeInfo{}, core.WrapError(core.ErrCodeHandshakeParse, "ACT", err)
			}
			info.ActDim = n
		case "ENV_TYPE":
			info.EnvType = core.ParseEnvType(value)
		case "ENV_COUNT":
			if n, err := strconv.ParseUint(value, 10, 31); err == nil && n > 0 {
				info.InstanceCount = int(n)
			}
		}
	}

	if info.ObsDim == 0 || info.ActDim == 0 {
		return core.HandshakeInfo{}, core.WrapError(core.ErrCodeHandshakeParse,
			"OBS and ACT must be non-zero",
			fmt.Errorf("received OBS=%d, ACT=%d", info.ObsDim, info.ActDim))
	}
	if info.EnvType != core.EnvTypeMulti {
		info.InstanceCount = 1
	}
	return info, nil
}

func parseDim(value string) (int, error) {
	n, err := strconv.ParseUint(value, 10, 31)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Negotiator consumes messages until a valid CONFIG arrives. Messages that
// are not CONFIG messages are passed to the unrecognized handler and
// otherwise discarded.
type Negotiator struct {
	rx     Receiver
	logger *log.Logger

	onUnrecognized func(string)

	mu    sync.RWMutex
	state State
	info  core.HandshakeInfo
}

type Option func(*Negotiator)

func WithLogger(l *log.Logger) Option {
	return func(n *Negotiator) {
		if l != nil {
			n.logger = l
		}
	}
}

// WithUnrecognizedHandler is called for every non-CONFIG message
func WithUnrecognizedHandler(fn func(msg string)) Option {
	return func(n *Negotiator) {
		n.onUnrecognized = fn
	}
}

func NewNegotiator(rx Receiver, opts ...Option) *Negotiator {
	n := &Negotiator{
		rx:     rx,
		logger: log.New(log.Writer(), "[Handshake] ", log.Flags()),
		state:  AwaitingConfig,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Negotiator) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Info returns the negotiated HandshakeInfo; ok is false until COMPLETE.
func (n *Negotiator) Info() (info core.HandshakeInfo, ok bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.info, n.state == Complete
}

// Process handles one message. It returns true once the negotiator is
// COMPLETE. Parse failures are logged and returned, leaving the state
// untouched. CONFIG messages after completion are ignored.
func (n *Negotiator) Process(msg string) (bool, error) {
	if !IsConfig(msg) {
		n.logger.Printf("Received unrecognized message: %s", msg)
		if n.onUnrecognized != nil {
			n.onUnrecognized(msg)
		}
		return n.State() == Complete, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == Complete {
		n.logger.Printf("Ignoring CONFIG after handshake completed: %s", msg)
		return true, nil
	}

	n.logger.Printf("Handling handshake: %s", msg)
	info, err := ParseConfig(msg)
	if err != nil {
		n.logger.Printf("Error parsing CONFIG: %v", err)
		return false, err
	}
	n.info = info
	n.state = Complete
	n.logger.Printf("Parsed handshake -> %s", info)
	return true, nil
}

// WaitForHandshake blocks until a valid CONFIG is received. It never times
// out; closing the underlying connection is the way to abort it, which
// surfaces as core.ErrConnectionClosed.
func (n *Negotiator) WaitForHandshake() (core.HandshakeInfo, error) {
	n.logger.Println("Waiting for handshake...")
	for {
		if info, ok := n.Info(); ok {
			return info, nil
		}
		msg, err := n.rx.Receive()
		if err != nil {
			return core.HandshakeInfo{}, err
		}
		// parse errors are non-fatal; keep waiting
		_, _ = n.Process(msg)
	}
}
