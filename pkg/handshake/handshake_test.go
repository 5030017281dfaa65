package handshake

import (
	"errors"
	"testing"

	"github.com/kcccr123/ue-reinforcement-learning/pkg/core"
)

type scriptedReceiver struct {
	msgs []string
}

func (r *scriptedReceiver) Receive() (string, error) {
	if len(r.msgs) == 0 {
		return "", core.ErrConnectionClosed
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func TestParseConfig(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want core.HandshakeInfo
	}{
		{
			name: "defaults applied",
			msg:  "CONFIG:OBS=7;ACT=6",
			want: core.HandshakeInfo{EnvType: core.EnvTypeRLBase, ObsDim: 7, ActDim: 6, InstanceCount: 1},
		},
		{
			name: "case-insensitive multi",
			msg:  "CONFIG:OBS=4;ACT=2;ENV_TYPE=multi;ENV_COUNT=3",
			want: core.HandshakeInfo{EnvType: core.EnvTypeMulti, ObsDim: 4, ActDim: 2, InstanceCount: 3},
		},
		{
			name: "order independent",
			msg:  "CONFIG:ENV_TYPE=MULTI;ENV_COUNT=5;OBS=3;ACT=1",
			want: core.HandshakeInfo{EnvType: core.EnvTypeMulti, ObsDim: 3, ActDim: 1, InstanceCount: 5},
		},
		{
			name: "malformed count ignored",
			msg:  "CONFIG:OBS=4;ACT=2;ENV_TYPE=MULTI;ENV_COUNT=lots",
			want: core.HandshakeInfo{EnvType: core.EnvTypeMulti, ObsDim: 4, ActDim: 2, InstanceCount: 1},
		},
		{
			name: "zero count keeps default",
			msg:  "CONFIG:OBS=4;ACT=2;ENV_TYPE=MULTI;ENV_COUNT=0",
			want: core.HandshakeInfo{EnvType: core.EnvTypeMulti, ObsDim: 4, ActDim: 2, InstanceCount: 1},
		},
		{
			name: "unknown keys and blanks ignored",
			msg:  "CONFIG: OBS=4 ; ;FPS=60;ACT=2;",
			want: core.HandshakeInfo{EnvType: core.EnvTypeRLBase, ObsDim: 4, ActDim: 2, InstanceCount: 1},
		},
		{
			name: "count normalised for single",
			msg:  "CONFIG:OBS=4;ACT=2;ENV_TYPE=SINGLE;ENV_COUNT=8",
			want: core.HandshakeInfo{EnvType: core.EnvTypeSingle, ObsDim: 4, ActDim: 2, InstanceCount: 1},
		},
		{
			name: "unknown type kept for topology",
			msg:  "CONFIG:OBS=4;ACT=2;ENV_TYPE=swarm",
			want: core.HandshakeInfo{EnvType: core.EnvType("SWARM"), ObsDim: 4, ActDim: 2, InstanceCount: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseConfig(tt.msg)
			if err != nil {
				t.Fatalf("ParseConfig(%q) failed: %v", tt.msg, err)
			}
			if got != tt.want {
				t.Errorf("ParseConfig(%q) = %+v, want %+v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestParseConfigErrors(t *testing.T) {
	for _, msg := range []string{
		"CONFIG:OBS=abc;ACT=2",
		"CONFIG:OBS=4;ACT=-2",
		"CONFIG:OBS=4",
		"CONFIG:OBS=0;ACT=2",
		"HELLO",
	} {
		t.Run(msg, func(t *testing.T) {
			_, err := ParseConfig(msg)
			if !errors.Is(err, core.ErrHandshakeParse) {
				t.Errorf("expected HandshakeParseError, got %v", err)
			}
		})
	}
}

func TestNegotiatorRecoversFromMalformedConfig(t *testing.T) {
	rx := &scriptedReceiver{msgs: []string{"CONFIG:OBS=abc;ACT=2"}}
	n := NewNegotiator(rx)

	done, err := n.Process("CONFIG:OBS=abc;ACT=2")
	if done || err == nil {
		t.Fatalf("Process(malformed) = %v, %v", done, err)
	}
	if n.State() != AwaitingConfig {
		t.Fatalf("state = %s, want AWAITING_CONFIG", n.State())
	}
	if _, ok := n.Info(); ok {
		t.Fatal("info committed from malformed message")
	}

	done, err = n.Process("CONFIG:OBS=7;ACT=6")
	if !done || err != nil {
		t.Fatalf("Process(valid) = %v, %v", done, err)
	}
	info, ok := n.Info()
	if !ok || info.ObsDim != 7 || info.ActDim != 6 {
		t.Errorf("info = %+v, ok = %v", info, ok)
	}
}

func TestWaitForHandshake(t *testing.T) {
	var unrecognized []string
	rx := &scriptedReceiver{msgs: []string{
		"PING",
		"CONFIG:OBS=abc;ACT=2",
		"CONFIG:OBS=4;ACT=2;ENV_TYPE=multi;ENV_COUNT=3",
		"CONFIG:OBS=9;ACT=9",
	}}
	n := NewNegotiator(rx, WithUnrecognizedHandler(func(msg string) {
		unrecognized = append(unrecognized, msg)
	}))

	info, err := n.WaitForHandshake()
	if err != nil {
		t.Fatalf("WaitForHandshake failed: %v", err)
	}
	want := core.HandshakeInfo{EnvType: core.EnvTypeMulti, ObsDim: 4, ActDim: 2, InstanceCount: 3}
	if info != want {
		t.Errorf("info = %+v, want %+v", info, want)
	}
	if len(unrecognized) != 1 || unrecognized[0] != "PING" {
		t.Errorf("unrecognized = %q", unrecognized)
	}
	if len(rx.msgs) != 1 {
		t.Errorf("negotiator read past the CONFIG message")
	}

	if _, err := n.Process("CONFIG:OBS=9;ACT=9"); err != nil {
		t.Errorf("late CONFIG should be ignored, got %v", err)
	}
	if got, _ := n.Info(); got != want {
		t.Errorf("info changed after completion: %+v", got)
	}
}

func TestWaitForHandshakeConnectionClosed(t *testing.T) {
	n := NewNegotiator(&scriptedReceiver{msgs: []string{"CONFIG:OBS=abc;ACT=1"}})
	_, err := n.WaitForHandshake()
	if !errors.Is(err, core.ErrConnectionClosed) {
		t.Fatalf("expected ConnectionClosed, got %v", err)
	}
	if n.State() != AwaitingConfig {
		t.Errorf("state = %s", n.State())
	}
}
