// Package vecenv drives a set of environment channels as one vectorized
// environment, the shape an RL trainer consumes.
package vecenv

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/kcccr123/ue-reinforcement-learning/pkg/core"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/topology"
)

// InfoTerminalObservation holds the last observation of an episode that was
// automatically reset
const InfoTerminalObservation = "terminal_observation"

// VecEnv steps every instance per call and resets finished instances in
// place. In isolated mode each instance is owned by its own worker
// goroutine; in sequential mode calls run on the caller's goroutine.
type VecEnv struct {
	mode    topology.Mode
	envs    []core.Environment
	workers []*worker
	logger  *log.Logger

	closeOnce sync.Once
	closeErr  error
}

var _ core.VectorEnvironment = (*VecEnv)(nil)

type Option func(*VecEnv)

func WithLogger(l *log.Logger) Option {
	return func(v *VecEnv) {
		if l != nil {
			v.logger = l
		}
	}
}

// New calls every factory of plan. Isolated plans construct their channels
// concurrently. If any factory fails, the channels already built are closed
// and the first failure is returned.
func New(plan *topology.Plan, opts ...Option) (*VecEnv, error) {
	v := &VecEnv{
		mode:   plan.Mode,
		logger: log.New(log.Writer(), "[VecEnv] ", log.Flags()),
	}
	for _, opt := range opts {
		opt(v)
	}
	if len(plan.Factories) == 0 {
		return nil, fmt.Errorf("plan has no environments")
	}

	envs := make([]core.Environment, len(plan.Factories))
	errs := make([]error, len(plan.Factories))
	if plan.Mode == topology.ModeIsolated {
		var wg sync.WaitGroup
		for i, factory := range plan.Factories {
			wg.Add(1)
			go func(i int, factory topology.Factory) {
				defer wg.Done()
				envs[i], errs[i] = factory()
			}(i, factory)
		}
		wg.Wait()
	} else {
		for i, factory := range plan.Factories {
			envs[i], errs[i] = factory()
			if errs[i] != nil {
				break
			}
		}
	}

	for i, err := range errs {
		if err != nil {
			for _, env := range envs {
				if env != nil {
					env.Close()
				}
			}
			return nil, fmt.Errorf("construct environment %d: %w", i, err)
		}
	}

	v.envs = envs
	if v.mode == topology.ModeIsolated {
		v.workers = make([]*worker, len(envs))
		for i, env := range envs {
			v.workers[i] = startWorker(env)
		}
	}
	v.logger.Printf("Built %d %s environment(s)", len(envs), v.mode)
	return v, nil
}

func (v *VecEnv) NumEnvs() int {
	return len(v.envs)
}

func (v *VecEnv) Mode() topology.Mode {
	return v.mode
}

// ResetAll resets every instance.
func (v *VecEnv) ResetAll(ctx context.Context) ([][]float32, []core.Info, error) {
	results := v.run(ctx, func(env core.Environment, _ int) outcome {
		obs, info, err := env.Reset(ctx)
		return outcome{res: core.StepResult{Observation: obs, Info: info}, err: err}
	})

	obs := make([][]float32, len(results))
	infos := make([]core.Info, len(results))
	for i, r := range results {
		if r.err != nil {
			return nil, nil, fmt.Errorf("reset environment %d: %w", i, r.err)
		}
		obs[i] = r.res.Observation
		infos[i] = r.res.Info
	}
	return obs, infos, nil
}

// StepAll sends actions[i] to instance i. An instance that reports done is
// reset before StepAll returns: its result carries the first observation of
// the next episode, and the final one is stored under
// InfoTerminalObservation.
func (v *VecEnv) StepAll(ctx context.Context, actions [][]float64) ([]core.StepResult, error) {
	if len(actions) != len(v.envs) {
		return nil, fmt.Errorf("got %d actions for %d environments", len(actions), len(v.envs))
	}

	results := v.run(ctx, func(env core.Environment, i int) outcome {
		res, err := env.Step(ctx, actions[i])
		if err != nil {
			return outcome{err: err}
		}
		if res.Done {
			if res.Info == nil {
				res.Info = core.Info{}
			}
			res.Info[InfoTerminalObservation] = res.Observation
			obs, _, err := env.Reset(ctx)
			if err != nil {
				return outcome{err: fmt.Errorf("auto-reset: %w", err)}
			}
			res.Observation = obs
		}
		return outcome{res: res}
	})

	out := make([]core.StepResult, len(results))
	for i, r := range results {
		if r.err != nil {
			return nil, fmt.Errorf("step environment %d: %w", i, r.err)
		}
		out[i] = r.res
	}
	return out, nil
}

// CloseAll closes every instance and stops the workers. It is idempotent.
func (v *VecEnv) CloseAll() error {
	v.closeOnce.Do(func() {
		for _, w := range v.workers {
			w.stop()
		}
		for i, env := range v.envs {
			if err := env.Close(); err != nil && v.closeErr == nil {
				v.closeErr = fmt.Errorf("close environment %d: %w", i, err)
			}
		}
	})
	return v.closeErr
}

type outcome struct {
	res core.StepResult
	err error
}

// run applies fn to every instance and returns the outcomes by index.
func (v *VecEnv) run(ctx context.Context, fn func(env core.Environment, i int) outcome) []outcome {
	results := make([]outcome, len(v.envs))
	if v.workers == nil {
		for i, env := range v.envs {
			results[i] = fn(env, i)
			if results[i].err != nil {
				break
			}
		}
		return results
	}

	replies := make([]chan outcome, len(v.workers))
	for i, w := range v.workers {
		replies[i] = make(chan outcome, 1)
		w.submit(ctx, i, fn, replies[i])
	}
	for i := range replies {
		select {
		case results[i] = <-replies[i]:
		case <-ctx.Done():
			results[i] = outcome{err: core.WrapError(core.ErrCodeConnectionClosed, "cancelled", ctx.Err())}
		}
	}
	return results
}

// worker owns one environment; all calls on it happen on its goroutine.
type worker struct {
	env  core.Environment
	jobs chan job
	done chan struct{}
	once sync.Once
}

type job struct {
	index int
	fn    func(env core.Environment, i int) outcome
	reply chan<- outcome
}

func startWorker(env core.Environment) *worker {
	w := &worker{
		env:  env,
		jobs: make(chan job),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *worker) loop() {
	for {
		select {
		case j := <-w.jobs:
			j.reply <- j.fn(w.env, j.index)
		case <-w.done:
			return
		}
	}
}

func (w *worker) submit(ctx context.Context, i int, fn func(core.Environment, int) outcome, reply chan<- outcome) {
	select {
	case w.jobs <- job{index: i, fn: fn, reply: reply}:
	case <-w.done:
		reply <- outcome{err: core.NewError(core.ErrCodeConnectionClosed, "environment closed")}
	case <-ctx.Done():
		reply <- outcome{err: core.WrapError(core.ErrCodeConnectionClosed, "cancelled", ctx.Err())}
	}
}

func (w *worker) stop() {
	w.once.Do(func() { close(w.done) })
}
