package core

import (
	"context"
)

// Environment is one simulation instance driven through reset/step.
// Reset and Step are never called concurrently on the same Environment.
type Environment interface {
	// Reset starts a new episode and returns its first observation
	Reset(ctx context.Context) ([]float32, Info, error)
	// Step applies an action and returns the resulting transition
	Step(ctx context.Context, action []float64) (StepResult, error)
	// Close releases the underlying connection
	Close() error
}

// VectorEnvironment drives a fixed set of environments in lockstep
type VectorEnvironment interface {
	// NumEnvs returns how many sub-environments are driven
	NumEnvs() int
	// ResetAll resets every sub-environment
	ResetAll(ctx context.Context) ([][]float32, []Info, error)
	// StepAll applies actions[i] to sub-environment i
	StepAll(ctx context.Context, actions [][]float64) ([]StepResult, error)
	// CloseAll closes every sub-environment
	CloseAll() error
}

// Experiment coordinates a run against a VectorEnvironment
type Experiment interface {
	// Run executes the experiment until done or ctx is cancelled
	Run(ctx context.Context) error
	// GetStatus returns current experiment status
	GetStatus() ExperimentStatus
}
