// Package agent provides action sources that drive a vectorized environment.
package agent

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"github.com/kcccr123/ue-reinforcement-learning/pkg/core"
)

// Agent picks the next action for one environment instance
type Agent interface {
	ID() string
	Act(ctx context.Context, envID int, obs []float32) ([]float64, error)
}

// Observer is implemented by agents that learn from step results
type Observer interface {
	Observe(envID int, action []float64, res core.StepResult)
}

// ZeroAgent always sends the zero action
type ZeroAgent struct {
	actDim int
}

func NewZeroAgent(actDim int) *ZeroAgent {
	return &ZeroAgent{actDim: actDim}
}

func (a *ZeroAgent) ID() string {
	return "zero"
}

func (a *ZeroAgent) Act(ctx context.Context, envID int, obs []float32) ([]float64, error) {
	return make([]float64, a.actDim), nil
}

// RandomAgent samples every component uniformly from [-1, 1). It is safe for
// concurrent use.
type RandomAgent struct {
	actDim int
	mu     sync.Mutex
	rng    *rand.Rand
}

func NewRandomAgent(actDim int, seed int64) *RandomAgent {
	return &RandomAgent{
		actDim: actDim,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

func (a *RandomAgent) ID() string {
	return "random"
}

func (a *RandomAgent) Act(ctx context.Context, envID int, obs []float32) ([]float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	action := make([]float64, a.actDim)
	for i := range action {
		action[i] = a.rng.Float64()*2 - 1
	}
	return action, nil
}

// New returns the agent registered under name. LLM agents are built with
// NewLLMAgent since they need a provider client.
func New(name string, actDim int, seed int64) (Agent, error) {
	switch name {
	case "zero":
		return NewZeroAgent(actDim), nil
	case "random":
		return NewRandomAgent(actDim, seed), nil
	default:
		return nil, fmt.Errorf("unknown agent %q", name)
	}
}
