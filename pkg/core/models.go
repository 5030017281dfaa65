package core

import (
	"fmt"
	"strings"
	"time"
)

// EnvType names the topology announced by the simulation during the handshake.
type EnvType string

const (
	EnvTypeRLBase EnvType = "RLBASE"
	EnvTypeSingle EnvType = "SINGLE"
	EnvTypeMulti  EnvType = "MULTI"
)

// ParseEnvType upper-cases token. Unrecognized tokens are kept as-is so the
// topology builder can reject them.
func ParseEnvType(token string) EnvType {
	return EnvType(strings.ToUpper(strings.TrimSpace(token)))
}

// Valid reports whether t is one of the known topologies
func (t EnvType) Valid() bool {
	switch t {
	case EnvTypeRLBase, EnvTypeSingle, EnvTypeMulti:
		return true
	default:
		return false
	}
}

// HandshakeInfo is the immutable result of a completed handshake.
type HandshakeInfo struct {
	EnvType       EnvType `json:"env_type"`
	ObsDim        int     `json:"obs_dim"`
	ActDim        int     `json:"act_dim"`
	InstanceCount int     `json:"instance_count"`
}

func (h HandshakeInfo) String() string {
	return fmt.Sprintf("ENV_TYPE=%s, OBS=%d, ACT=%d, ENV_COUNT=%d",
		h.EnvType, h.ObsDim, h.ActDim, h.InstanceCount)
}

// Info carries auxiliary per-transition data
type Info map[string]any

// StepResult is the outcome of one reset or step exchange
type StepResult struct {
	Observation []float32
	Reward      float64
	Done        bool
	Truncated   bool
	Info        Info
}

type ExperimentStatus struct {
	Running   bool
	StartTime time.Time
	EndTime   time.Time
	Steps     int
	Episodes  int
	Errors    []error
}
