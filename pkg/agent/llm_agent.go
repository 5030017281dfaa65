package agent

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/kcccr123/ue-reinforcement-learning/pkg/core"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/memory"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/providers"
)

const (
	SYSTEM_PROMPT = `You control an agent inside a physics simulation. Each turn you receive the current observation vector and must answer with an action vector of %d numbers, each between -1 and 1. Your goal is to maximize the total reward of the episode.`

	ACTION_PROMPT_TEMPLATE = `%s

Recent history for this environment (oldest first):
%s

Current observation: [%s]

Very briefly think step by step about which action moves the agent toward more reward, then provide your answer. Your answer should follow the string "ACTION" like so: ACTION: a0,a1,...`

	RETRY_PROMPT_TEMPLATE = `Your previous response did not include the required format. Here was your response:

%s

Answer with exactly %d comma-separated numbers after "ACTION:". For example: ACTION: %s`
)

var actionRe = regexp.MustCompile(`ACTION:[ \t]*([-+0-9.eE, \t]+)`)

// LLMAgent asks a completion model for every action. It keeps a short
// history per environment instance.
type LLMAgent struct {
	id      string
	model   string
	actDim  int
	client  providers.Client
	logger  *log.Logger
	history int

	mu       sync.Mutex
	memories map[int]*memory.Memory
}

type AgentParams struct {
	AgentID string
	Model   string
	History int
	Logger  *log.Logger
}

type AgentOption func(*AgentParams)

func WithAgentId(id string) AgentOption {
	return func(p *AgentParams) {
		p.AgentID = id
	}
}

func WithModel(model string) AgentOption {
	return func(p *AgentParams) {
		if model != "" {
			p.Model = model
		}
	}
}

// WithHistory sets how many past steps are included in each prompt
func WithHistory(n int) AgentOption {
	return func(p *AgentParams) {
		p.History = n
	}
}

func WithLogger(l *log.Logger) AgentOption {
	return func(p *AgentParams) {
		p.Logger = l
	}
}

func defaultAgentParams() *AgentParams {
	return &AgentParams{
		AgentID: "agent-" + uuid.New().String(),
		Model:   "gpt-4o-mini",
		History: 10,
		Logger:  log.New(log.Writer(), "[LLMAgent] ", log.Flags()),
	}
}

func NewLLMAgent(client providers.Client, actDim int, opts ...AgentOption) *LLMAgent {
	params := defaultAgentParams()
	for _, opt := range opts {
		opt(params)
	}
	return &LLMAgent{
		id:       params.AgentID,
		model:    params.Model,
		actDim:   actDim,
		client:   client,
		logger:   params.Logger,
		history:  params.History,
		memories: make(map[int]*memory.Memory),
	}
}

func (a *LLMAgent) ID() string {
	return a.id
}

func (a *LLMAgent) memoryFor(envID int) *memory.Memory {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.memories[envID]
	if !ok {
		m = memory.NewMemory(a.history)
		a.memories[envID] = m
	}
	return m
}

// Act prompts the model once, and once more with a stricter prompt if the
// answer cannot be parsed.
func (a *LLMAgent) Act(ctx context.Context, envID int, obs []float32) ([]float64, error) {
	history := a.memoryFor(envID).Recent(0)
	historyText := "(none)"
	if len(history) > 0 {
		historyText = strings.Join(history, "\n")
	}
	prompt := fmt.Sprintf(ACTION_PROMPT_TEMPLATE,
		fmt.Sprintf(SYSTEM_PROMPT, a.actDim),
		historyText,
		formatObservation(obs),
	)

	response, err := a.client.Complete(ctx, a.model, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate response: %v", err)
	}

	action, err := parseActionResponse(response, a.actDim)
	if err == nil {
		return action, nil
	}

	example := strings.TrimSuffix(strings.Repeat("0.0,", a.actDim), ",")
	retryPrompt := fmt.Sprintf(RETRY_PROMPT_TEMPLATE, response, a.actDim, example)
	response, err = a.client.Complete(ctx, a.model, retryPrompt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate response on retry: %v", err)
	}
	action, err = parseActionResponse(response, a.actDim)
	if err != nil {
		return nil, fmt.Errorf("no action found in response even after retry: %w", err)
	}
	return action, nil
}

// Observe records the step in the instance's history
func (a *LLMAgent) Observe(envID int, action []float64, res core.StepResult) {
	entry := fmt.Sprintf("action=[%s] reward=%.3f done=%t",
		formatAction(action), res.Reward, res.Done)
	a.memoryFor(envID).Store(entry)
	if res.Done {
		a.logger.Printf("Episode finished on environment %d", envID)
	}
}

func formatObservation(obs []float32) string {
	parts := make([]string, len(obs))
	for i, v := range obs {
		parts[i] = strconv.FormatFloat(float64(v), 'f', 3, 32)
	}
	return strings.Join(parts, ", ")
}

func formatAction(action []float64) string {
	parts := make([]string, len(action))
	for i, v := range action {
		parts[i] = strconv.FormatFloat(v, 'f', 2, 64)
	}
	return strings.Join(parts, ",")
}

// parseActionResponse extracts "ACTION: a0,a1,..." and clamps every
// component to [-1, 1].
func parseActionResponse(response string, actDim int) ([]float64, error) {
	matches := actionRe.FindAllStringSubmatch(response, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("could not find action in response: %s", response)
	}
	// the last ACTION line wins; models sometimes restate the format first
	raw := matches[len(matches)-1][1]

	var action []float64
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimRight(strings.TrimSpace(item), ".")
		if item == "" {
			continue
		}
		v, err := strconv.ParseFloat(item, 64)
		if err != nil {
			return nil, fmt.Errorf("could not parse action component %q: %v", item, err)
		}
		action = append(action, min(max(v, -1), 1))
	}
	if len(action) != actDim {
		return nil, fmt.Errorf("action has %d components, want %d", len(action), actDim)
	}
	return action, nil
}
