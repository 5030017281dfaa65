package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/kcccr123/ue-reinforcement-learning/pkg/core"
)

// MockLLMClient replays canned responses and records the prompts it saw
type MockLLMClient struct {
	mu        sync.Mutex
	responses []string
	prompts   []string
	err       error
}

func (m *MockLLMClient) Complete(ctx context.Context, model string, prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts = append(m.prompts, prompt)
	if m.err != nil {
		return "", m.err
	}
	if len(m.responses) == 0 {
		return "mock response", nil
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func TestLLMAgent(t *testing.T) {
	client := &MockLLMClient{responses: []string{"Move right.\nACTION: 0.5, -2"}}
	agent := NewLLMAgent(client, 2, WithAgentId("test-agent"), WithModel("mock-model"))

	if got := agent.ID(); got != "test-agent" {
		t.Errorf("agent.ID() = %v, want %v", got, "test-agent")
	}

	action, err := agent.Act(context.Background(), 0, []float32{1.5, 2})
	if err != nil {
		t.Fatalf("Act failed: %v", err)
	}
	if len(action) != 2 || action[0] != 0.5 || action[1] != -1 {
		t.Errorf("action = %v, want [0.5 -1]", action)
	}
	if !strings.Contains(client.prompts[0], "1.500, 2.000") {
		t.Errorf("prompt does not contain the observation: %s", client.prompts[0])
	}
}

func TestLLMAgentRetry(t *testing.T) {
	client := &MockLLMClient{responses: []string{"I would go left", "ACTION: -0.25"}}
	agent := NewLLMAgent(client, 1)

	action, err := agent.Act(context.Background(), 0, []float32{0})
	if err != nil {
		t.Fatalf("Act failed: %v", err)
	}
	if action[0] != -0.25 {
		t.Errorf("action = %v", action)
	}
	if len(client.prompts) != 2 || !strings.Contains(client.prompts[1], "I would go left") {
		t.Errorf("retry prompt = %q", client.prompts)
	}
}

func TestLLMAgentErrors(t *testing.T) {
	t.Run("no action after retry", func(t *testing.T) {
		agent := NewLLMAgent(&MockLLMClient{}, 1)
		if _, err := agent.Act(context.Background(), 0, []float32{0}); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("client error", func(t *testing.T) {
		agent := NewLLMAgent(&MockLLMClient{err: errors.New("rate limited")}, 1)
		if _, err := agent.Act(context.Background(), 0, []float32{0}); err == nil {
			t.Error("expected error")
		}
	})
}

func TestLLMAgentHistory(t *testing.T) {
	client := &MockLLMClient{}
	agent := NewLLMAgent(client, 1, WithHistory(2))

	for i := 0; i < 3; i++ {
		agent.Observe(1, []float64{0.1}, core.StepResult{Reward: float64(i)})
	}
	agent.Observe(2, []float64{0.9}, core.StepResult{Reward: 42, Done: true})

	client.responses = []string{"ACTION: 0"}
	if _, err := agent.Act(context.Background(), 1, []float32{0}); err != nil {
		t.Fatalf("Act failed: %v", err)
	}
	prompt := client.prompts[0]
	if strings.Contains(prompt, "reward=0.000") {
		t.Error("history kept more than 2 entries")
	}
	if !strings.Contains(prompt, "reward=1.000") || !strings.Contains(prompt, "reward=2.000") {
		t.Errorf("history missing from prompt: %s", prompt)
	}
	if strings.Contains(prompt, "reward=42.000") {
		t.Error("history leaked across environments")
	}
}

func TestParseActionResponse(t *testing.T) {
	tests := []struct {
		response string
		dim      int
		want     []float64
		wantErr  bool
	}{
		{"ACTION: 0.1,0.2", 2, []float64{0.1, 0.2}, false},
		{"ACTION:1, -1.", 2, []float64{1, -1}, false},
		{"ACTION: a0,a1\nthinking...\nACTION: 0.3, 0.4\nDone.", 2, []float64{0.3, 0.4}, false},
		{"ACTION: 5e-1", 1, []float64{0.5}, false},
		{"ACTION: 0.1", 2, nil, true},
		{"no answer", 1, nil, true},
	}
	for _, tt := range tests {
		got, err := parseActionResponse(tt.response, tt.dim)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseActionResponse(%q) error = %v, wantErr %v", tt.response, err, tt.wantErr)
			continue
		}
		for i := range tt.want {
			if got[i] != tt.want[i] {
				t.Errorf("parseActionResponse(%q) = %v, want %v", tt.response, got, tt.want)
				break
			}
		}
	}
}
