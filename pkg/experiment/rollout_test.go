package experiment

import (
	"context"
	"errors"
	"math"
	"os"
	"strings"
	"testing"

	"github.com/kcccr123/ue-reinforcement-learning/pkg/agent"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/core"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/environment"
)

// scriptedVecEnv ends an episode on instance i every lengths[i] steps and
// pays a reward of 1 per step.
type scriptedVecEnv struct {
	lengths []int
	steps   []int
	actions [][]float64
	failAt  int
	calls   int
	garbage bool
}

func (v *scriptedVecEnv) NumEnvs() int { return len(v.lengths) }

func (v *scriptedVecEnv) ResetAll(ctx context.Context) ([][]float32, []core.Info, error) {
	v.steps = make([]int, len(v.lengths))
	obs := make([][]float32, len(v.lengths))
	infos := make([]core.Info, len(v.lengths))
	for i := range obs {
		obs[i] = []float32{0}
	}
	return obs, infos, nil
}

func (v *scriptedVecEnv) StepAll(ctx context.Context, actions [][]float64) ([]core.StepResult, error) {
	v.calls++
	if v.failAt != 0 && v.calls == v.failAt {
		return nil, core.ErrConnectionClosed
	}
	v.actions = append(v.actions, actions...)
	out := make([]core.StepResult, len(v.lengths))
	for i := range out {
		v.steps[i]++
		out[i] = core.StepResult{Observation: []float32{float32(v.steps[i])}, Reward: 1, Info: core.Info{}}
		if v.garbage {
			out[i].Info[environment.InfoParseError] = "garbage"
		}
		if v.steps[i] == v.lengths[i] {
			out[i].Done = true
			v.steps[i] = 0
		}
	}
	return out, nil
}

func (v *scriptedVecEnv) CloseAll() error { return nil }

type failingAgent struct{}

func (failingAgent) ID() string { return "failing" }

func (failingAgent) Act(ctx context.Context, envID int, obs []float32) ([]float64, error) {
	return nil, errors.New("model unavailable")
}

func TestRollout(t *testing.T) {
	env := &scriptedVecEnv{lengths: []int{2, 3}}
	r, err := NewRollout(env, agent.NewZeroAgent(1), 1, 6, WithStatsDir(t.TempDir()))
	if err != nil {
		t.Fatalf("NewRollout failed: %v", err)
	}

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	status := r.GetStatus()
	if status.Running || status.Steps != 6 {
		t.Errorf("status = %+v", status)
	}
	// instance 0 finishes 3 episodes, instance 1 finishes 2
	if status.Episodes != 5 {
		t.Errorf("episodes = %d, want 5", status.Episodes)
	}
	for _, ep := range r.Episodes() {
		want := 2
		if ep.Instance == 1 {
			want = 3
		}
		if ep.Length != want || ep.Reward != float64(want) {
			t.Errorf("episode %+v", ep)
		}
	}

	data, err := os.ReadFile(r.StatsPath())
	if err != nil {
		t.Fatalf("Failed to read stats file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 6 || lines[0]+"\n" != statsHeader {
		t.Errorf("stats file:\n%s", data)
	}
}

func TestRolloutAgentFailureFallsBack(t *testing.T) {
	env := &scriptedVecEnv{lengths: []int{10}}
	r, _ := NewRollout(env, failingAgent{}, 2, 3)

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := len(r.GetStatus().Errors); got != 3 {
		t.Errorf("recorded %d errors, want 3", got)
	}
	for _, a := range env.actions {
		if len(a) != 2 || a[0] != 0 || a[1] != 0 {
			t.Errorf("fallback action = %v", a)
		}
	}
}

func TestRolloutEnvironmentFailure(t *testing.T) {
	env := &scriptedVecEnv{lengths: []int{10}, failAt: 2}
	r, _ := NewRollout(env, agent.NewZeroAgent(1), 1, 5)

	err := r.Run(context.Background())
	if !errors.Is(err, core.ErrConnectionClosed) {
		t.Fatalf("expected ConnectionClosed, got %v", err)
	}
	if r.GetStatus().Running {
		t.Error("status still running after failure")
	}
}

func TestRolloutCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r, _ := NewRollout(&scriptedVecEnv{lengths: []int{1}}, agent.NewZeroAgent(1), 1, 5)
	if err := r.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRolloutCountsParseErrors(t *testing.T) {
	env := &scriptedVecEnv{lengths: []int{2}, garbage: true}
	r, _ := NewRollout(env, agent.NewZeroAgent(1), 1, 2)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	eps := r.Episodes()
	if len(eps) != 1 || eps[0].ParseErrors != 2 {
		t.Errorf("episodes = %+v", eps)
	}
}

func TestSummarize(t *testing.T) {
	s := Summarize([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if s.Episodes != 8 || s.Mean != 5 || s.StdDev != 2 || s.Min != 2 || s.Max != 9 {
		t.Errorf("Summarize = %+v", s)
	}
	if s := Summarize(nil); s != (Summary{}) {
		t.Errorf("Summarize(nil) = %+v", s)
	}
	if s := Summarize([]float64{-3}); s.Min != -3 || s.Max != -3 || math.IsNaN(s.StdDev) {
		t.Errorf("Summarize single = %+v", s)
	}
}
