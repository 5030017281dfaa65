package bridge

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/kcccr123/ue-reinforcement-learning/internal/fakesim"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/config"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/core"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/messaging"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/vecenv"
)

func startSim(t *testing.T, cfg fakesim.Config) (*fakesim.Server, config.EnvConfig) {
	t.Helper()
	sim, err := fakesim.Start(cfg)
	if err != nil {
		t.Fatalf("Failed to start fake simulation: %v", err)
	}
	t.Cleanup(func() { sim.Close() })

	envCfg := config.Default().Env
	envCfg.IP = sim.Endpoint().IP
	envCfg.Port = sim.Endpoint().Port
	envCfg.PollInterval = 20 * time.Millisecond
	return sim, envCfg
}

func openSession(t *testing.T, cfg config.EnvConfig, opts ...Option) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := Open(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func zeroActions(n, dim int) [][]float64 {
	actions := make([][]float64, n)
	for i := range actions {
		actions[i] = make([]float64, dim)
	}
	return actions
}

func TestMultiSession(t *testing.T) {
	sim, cfg := startSim(t, fakesim.Config{
		Handshake:     "CONFIG:OBS=2;ACT=1;ENV_TYPE=MULTI;ENV_COUNT=3",
		EpisodeLength: 2,
	})
	broker := messaging.NewBroker()
	control := make(chan messaging.ControlMessage, 1)
	broker.Subscribe("test", control)

	s := openSession(t, cfg, WithBroker(broker))
	if s.Info.EnvType != core.EnvTypeMulti || s.Info.InstanceCount != 3 {
		t.Fatalf("info = %+v", s.Info)
	}
	if s.Env.NumEnvs() != 3 {
		t.Fatalf("NumEnvs() = %d, want 3", s.Env.NumEnvs())
	}
	ctx := context.Background()
	if _, _, err := s.Env.ResetAll(ctx); err != nil {
		t.Fatalf("ResetAll failed: %v", err)
	}
	if _, err := s.Env.StepAll(ctx, zeroActions(3, 1)); err != nil {
		t.Fatalf("StepAll failed: %v", err)
	}
	res, err := s.Env.StepAll(ctx, zeroActions(3, 1))
	if err != nil {
		t.Fatalf("StepAll failed: %v", err)
	}
	for i, r := range res {
		if !r.Done || r.Reward != 1.0 {
			t.Errorf("instance %d: %+v", i, r)
		}
		if _, ok := r.Info[vecenv.InfoTerminalObservation]; !ok {
			t.Errorf("instance %d was not auto-reset", i)
		}
	}

	if got := sim.Accepted(); got != 4 {
		t.Errorf("simulation accepted %d connections, want admin + 3", got)
	}

	tagged := map[string]bool{}
	for _, req := range sim.Requests() {
		if i := strings.Index(req, ";ENV="); i >= 0 {
			tagged[req[i:]] = true
		} else {
			t.Errorf("untagged MULTI request %q", req)
		}
	}
	if len(tagged) != 3 {
		t.Errorf("requests tagged with %d distinct ids, want 3", len(tagged))
	}

	// the admin sidecar keeps draining after the handshake
	if err := sim.SendControl("PAUSE"); err != nil {
		t.Fatalf("SendControl failed: %v", err)
	}
	select {
	case msg := <-control:
		if msg.Kind != "PAUSE" || msg.Source != s.AdminID() {
			t.Errorf("control message = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("control message was not dispatched")
	}
}

func TestRLBaseSession(t *testing.T) {
	sim, cfg := startSim(t, fakesim.Config{
		Handshake: "CONFIG:OBS=3;ACT=2;ENV_COUNT=4",
	})

	s := openSession(t, cfg)
	if s.Info.EnvType != core.EnvTypeRLBase || s.Info.InstanceCount != 1 {
		t.Fatalf("info = %+v", s.Info)
	}
	if s.Env.NumEnvs() != 1 {
		t.Fatalf("NumEnvs() = %d, want 1", s.Env.NumEnvs())
	}

	// the sidecar stops reading so step responses are not stolen
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("sidecar still running on an RLBASE session")
	}

	ctx := context.Background()
	obs, _, err := s.Env.ResetAll(ctx)
	if err != nil {
		t.Fatalf("ResetAll failed: %v", err)
	}
	if len(obs[0]) != 3 {
		t.Errorf("observation = %v", obs[0])
	}
	res, err := s.Env.StepAll(ctx, [][]float64{{0.25, -1}})
	if err != nil {
		t.Fatalf("StepAll failed: %v", err)
	}
	if res[0].Reward != 1.0 || res[0].Done {
		t.Errorf("result = %+v", res[0])
	}

	if got := sim.Accepted(); got != 1 {
		t.Errorf("simulation accepted %d connections, want only the admin one", got)
	}
	reqs := sim.Requests()
	if len(reqs) != 2 || reqs[0] != "RESET" || reqs[1] != "0.25,-1.00" {
		t.Errorf("requests = %q", reqs)
	}
}

func TestSingleSessionGarbage(t *testing.T) {
	_, cfg := startSim(t, fakesim.Config{
		Handshake: "CONFIG:OBS=4;ACT=1;ENV_TYPE=SINGLE",
		Garbage:   true,
	})
	cfg.DrainAdmin = false

	s := openSession(t, cfg)
	res, err := s.Env.StepAll(context.Background(), zeroActions(1, 1))
	if err != nil {
		t.Fatalf("StepAll returned error on garbage: %v", err)
	}
	if !res[0].Done || res[0].Reward != 0 {
		t.Errorf("result = %+v", res[0])
	}
}

func TestOpenUnknownTopology(t *testing.T) {
	_, cfg := startSim(t, fakesim.Config{
		Handshake: "CONFIG:OBS=4;ACT=1;ENV_TYPE=SWARM",
	})

	_, err := Open(context.Background(), cfg)
	if !errors.Is(err, core.ErrUnknownTopology) {
		t.Fatalf("expected UnknownTopology, got %v", err)
	}
	be, ok := core.IsBridgeError(err)
	if !ok || !be.Fatal() {
		t.Errorf("UnknownTopology should be fatal: %v", err)
	}
}

func TestOpenCancelledBeforeHandshake(t *testing.T) {
	// no CONFIG is ever sent
	_, cfg := startSim(t, fakesim.Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := Open(ctx, cfg)
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, core.ErrConnectionClosed) {
			t.Errorf("expected ConnectionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Open did not return after cancel")
	}
}

func TestOpenConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	cfg := config.Default().Env
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	if _, err := Open(context.Background(), cfg); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestAdminLostEndsSidecar(t *testing.T) {
	sim, cfg := startSim(t, fakesim.Config{
		Handshake: "CONFIG:OBS=1;ACT=1;ENV_TYPE=SINGLE",
	})
	s := openSession(t, cfg)

	sim.CloseAdmin()
	select {
	case <-s.Done():
		if !errors.Is(s.Err(), core.ErrConnectionClosed) {
			t.Errorf("Err() = %v, want ConnectionClosed", s.Err())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sidecar did not stop after the admin connection was lost")
	}
}
