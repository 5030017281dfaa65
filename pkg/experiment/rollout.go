// Package experiment drives a vectorized environment with an agent and
// records per-episode statistics.
package experiment

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kcccr123/ue-reinforcement-learning/pkg/agent"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/core"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/environment"
)

const statsHeader = "Episode,Instance,Length,Reward,ParseErrors,Finished\n"

// EpisodeStats describes one finished episode
type EpisodeStats struct {
	Episode     int
	Instance    int
	Length      int
	Reward      float64
	ParseErrors int
	Finished    time.Time
}

// Summary aggregates episode rewards
type Summary struct {
	Episodes int
	Mean     float64
	StdDev   float64
	Min      float64
	Max      float64
}

// Rollout runs a fixed number of vector steps. It implements core.Experiment.
type Rollout struct {
	env    core.VectorEnvironment
	agent  agent.Agent
	actDim int
	steps  int
	logger *log.Logger

	statsDir  string
	statsFile *os.File

	mu       sync.RWMutex
	status   core.ExperimentStatus
	episodes []EpisodeStats
}

var _ core.Experiment = (*Rollout)(nil)

type Option func(*Rollout)

func WithLogger(l *log.Logger) Option {
	return func(r *Rollout) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithStatsDir writes one CSV line per finished episode to a timestamped
// file in dir
func WithStatsDir(dir string) Option {
	return func(r *Rollout) {
		r.statsDir = dir
	}
}

func NewRollout(env core.VectorEnvironment, a agent.Agent, actDim, steps int, opts ...Option) (*Rollout, error) {
	r := &Rollout{
		env:    env,
		agent:  a,
		actDim: actDim,
		steps:  steps,
		logger: log.New(log.Writer(), "[Rollout] ", log.Flags()),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.statsDir != "" {
		if err := os.MkdirAll(r.statsDir, 0o755); err != nil {
			return nil, fmt.Errorf("create stats dir: %w", err)
		}
		timestamp := time.Now().Format("2006-01-02_15-04-05")
		path := filepath.Join(r.statsDir, fmt.Sprintf("rollout_stats_%s.csv", timestamp))
		f, err := os.Create(path)
		if err != nil {
			log.Printf("Warning: Failed to create stats file: %v", err)
		} else {
			if _, err := f.WriteString(statsHeader); err != nil {
				log.Printf("Warning: Failed to write to stats file: %v", err)
			}
			r.statsFile = f
		}
	}
	return r, nil
}

// StatsPath returns the CSV file being written, or "" if none
func (r *Rollout) StatsPath() string {
	if r.statsFile == nil {
		return ""
	}
	return r.statsFile.Name()
}

func (r *Rollout) GetStatus() core.ExperimentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status := r.status
	status.Errors = append([]error(nil), r.status.Errors...)
	return status
}

// Episodes returns the finished episodes in completion order
func (r *Rollout) Episodes() []EpisodeStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]EpisodeStats(nil), r.episodes...)
}

// Run resets every instance and then steps them all r.steps times. Agent
// failures fall back to the zero action and are recorded in the status;
// environment failures end the run.
func (r *Rollout) Run(ctx context.Context) error {
	r.mu.Lock()
	r.status.Running = true
	r.status.StartTime = time.Now()
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.status.Running = false
		r.status.EndTime = time.Now()
		r.mu.Unlock()
		if r.statsFile != nil {
			r.statsFile.Close()
		}
	}()

	obs, _, err := r.env.ResetAll(ctx)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	n := r.env.NumEnvs()
	rewards := make([]float64, n)
	lengths := make([]int, n)
	parseErrors := make([]int, n)

	for step := 0; step < r.steps; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		actions := make([][]float64, n)
		for i := range actions {
			action, err := r.agent.Act(ctx, i, obs[i])
			if err != nil {
				r.logger.Printf("Agent %s failed on environment %d: %v", r.agent.ID(), i, err)
				r.recordError(err)
				action = make([]float64, r.actDim)
			}
			actions[i] = action
		}

		results, err := r.env.StepAll(ctx, actions)
		if err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}

		observer, _ := r.agent.(agent.Observer)
		for i, res := range results {
			if observer != nil {
				observer.Observe(i, actions[i], res)
			}
			rewards[i] += res.Reward
			lengths[i]++
			if _, ok := res.Info[environment.InfoParseError]; ok {
				parseErrors[i]++
			}
			if res.Done {
				r.finishEpisode(i, lengths[i], rewards[i], parseErrors[i])
				rewards[i], lengths[i], parseErrors[i] = 0, 0, 0
			}
			obs[i] = res.Observation
		}

		r.mu.Lock()
		r.status.Steps++
		r.mu.Unlock()
	}

	r.printSummary()
	return nil
}

func (r *Rollout) recordError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.Errors = append(r.status.Errors, err)
}

func (r *Rollout) finishEpisode(instance, length int, reward float64, parseErrors int) {
	r.mu.Lock()
	r.status.Episodes++
	ep := EpisodeStats{
		Episode:     r.status.Episodes,
		Instance:    instance,
		Length:      length,
		Reward:      reward,
		ParseErrors: parseErrors,
		Finished:    time.Now(),
	}
	r.episodes = append(r.episodes, ep)
	r.mu.Unlock()

	r.logger.Printf("Episode %d finished on environment %d: length=%d reward=%.3f",
		ep.Episode, ep.Instance, ep.Length, ep.Reward)

	if r.statsFile != nil {
		csvLine := fmt.Sprintf("%d,%d,%d,%.4f,%d,%s\n",
			ep.Episode,
			ep.Instance,
			ep.Length,
			ep.Reward,
			ep.ParseErrors,
			ep.Finished.Format(time.RFC3339),
		)
		if _, err := r.statsFile.WriteString(csvLine); err != nil {
			r.logger.Printf("Warning: Failed to write to stats file: %v", err)
		}
	}
}

// Summary aggregates the finished episodes so far
func (r *Rollout) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rewards := make([]float64, len(r.episodes))
	for i, ep := range r.episodes {
		rewards[i] = ep.Reward
	}
	return Summarize(rewards)
}

// Summarize computes the population statistics of rewards
func Summarize(rewards []float64) Summary {
	if len(rewards) == 0 {
		return Summary{}
	}
	s := Summary{
		Episodes: len(rewards),
		Min:      math.MaxFloat64,
		Max:      -math.MaxFloat64,
	}
	var total float64
	for _, v := range rewards {
		total += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Mean = total / float64(len(rewards))

	var sumSquares float64
	for _, v := range rewards {
		diff := v - s.Mean
		sumSquares += diff * diff
	}
	s.StdDev = math.Sqrt(sumSquares / float64(len(rewards)))
	return s
}

func (r *Rollout) printSummary() {
	s := r.Summary()
	status := r.GetStatus()

	r.logger.Printf("=== Rollout Statistics ===")
	r.logger.Printf("  Steps: %d", status.Steps)
	r.logger.Printf("  Episodes: %d", s.Episodes)
	if s.Episodes > 0 {
		r.logger.Printf("  Mean Reward: %.3f", s.Mean)
		r.logger.Printf("  Standard Deviation: %.3f", s.StdDev)
		r.logger.Printf("  Min / Max Reward: %.3f / %.3f", s.Min, s.Max)
	}
	r.logger.Printf("  Agent Errors: %d", len(status.Errors))
	r.logger.Printf("==========================")
}
