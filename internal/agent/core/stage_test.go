package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/xinzhuwang-wxz/HolisticaQuant/config"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/capability"
)

// scriptedProvider replays canned completions in order.
type scriptedProvider struct {
	completions   []Completion
	idx           int
	structured    json.RawMessage
	structuredErr error
	generateErr   error
	prompts       []string
}

func (p *scriptedProvider) next(messages []Message) (Completion, error) {
	if len(messages) > 0 {
		p.prompts = append(p.prompts, messages[len(messages)-1].Content)
	}
	if p.generateErr != nil {
		return Completion{}, p.generateErr
	}
	if p.idx >= len(p.completions) {
		return Completion{}, fmt.Errorf("script exhausted after %d calls", p.idx)
	}
	comp := p.completions[p.idx]
	p.idx++
	return comp, nil
}

func (p *scriptedProvider) Generate(_ context.Context, messages []Message) (Completion, error) {
	return p.next(messages)
}

func (p *scriptedProvider) GenerateWithTools(_ context.Context, messages []Message, _ []ToolSpec) (Completion, error) {
	return p.next(messages)
}

func (p *scriptedProvider) GenerateStructured(_ context.Context, _ []Message, _ string, _ map[string]interface{}) (json.RawMessage, error) {
	return p.structured, p.structuredErr
}

func (p *scriptedProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

// scriptedExecutor returns canned tool results per Execute call.
type scriptedExecutor struct {
	batches [][]ToolResult
	idx     int
	calls   [][]ToolCall
}

func (e *scriptedExecutor) NewSession() ToolSession { return e }

func (e *scriptedExecutor) Execute(_ context.Context, calls []ToolCall, state *RunState) []ToolResult {
	e.calls = append(e.calls, calls)
	if e.idx >= len(e.batches) {
		return nil
	}
	batch := e.batches[e.idx]
	e.idx++
	for _, r := range batch {
		if !r.Echoed && !r.IsError {
			state.RecordCall(r.Name, nil, r.Output)
		}
	}
	return batch
}

// recordingAgent is a minimal schema-less stage for loop tests.
type recordingAgent struct {
	name      string
	tools     []string
	schema    map[string]interface{}
	gotText   string
	gotRaw    json.RawMessage
	applyErr  error
	promptErr error
}

func (a *recordingAgent) Name() string                  { return a.name }
func (a *recordingAgent) SystemPrompt(*RunState) string { return "system prompt" }
func (a *recordingAgent) UserPrompt(*RunState) (string, error) {
	return "user prompt", a.promptErr
}
func (a *recordingAgent) ToolNames() []string { return a.tools }
func (a *recordingAgent) Schema() (string, map[string]interface{}) {
	return "test_schema", a.schema
}
func (a *recordingAgent) Apply(_ *RunState, text string, raw json.RawMessage) error {
	a.gotText = text
	a.gotRaw = raw
	return a.applyErr
}

func newStageTestOrchestrator(t *testing.T, p LLMProvider, e ToolExecutor, cfg config.PipelineConfig) *StageOrchestrator {
	t.Helper()
	reg, err := capability.NewRegistry([]capability.Tool{
		capability.Func{
			ToolName:        "probe",
			ToolDescription: "test probe",
			ToolParameters:  map[string]interface{}{"type": "object"},
			Fn: func(context.Context, map[string]interface{}) (string, error) {
				return "probe output", nil
			},
		},
	}, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return NewStageOrchestrator(p, e, reg, cfg, 3000, nil)
}

func TestRunStageDirectAnswer(t *testing.T) {
	provider := &scriptedProvider{
		completions: []Completion{{Content: "final analysis"}},
		structured:  json.RawMessage(`{"ok":true}`),
	}
	agent := &recordingAgent{name: "tester", schema: map[string]interface{}{"type": "object"}}
	o := newStageTestOrchestrator(t, provider, &scriptedExecutor{}, config.PipelineConfig{})

	state := NewRunState("q", 3, nil)
	if err := o.RunStage(context.Background(), agent, state); err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if agent.gotText != "final analysis" {
		t.Fatalf("text = %q", agent.gotText)
	}
	if string(agent.gotRaw) != `{"ok":true}` {
		t.Fatalf("structured = %q", agent.gotRaw)
	}
	last := state.Trace[len(state.Trace)-1]
	if last.Action != "stage_complete" {
		t.Fatalf("trace action = %q", last.Action)
	}
}

func TestRunStageToolLoop(t *testing.T) {
	provider := &scriptedProvider{
		completions: []Completion{
			{ToolCalls: []ToolCall{{ID: "c1", Name: "probe", Arguments: map[string]interface{}{}}}},
			{Content: "used the probe"},
		},
	}
	executor := &scriptedExecutor{batches: [][]ToolResult{
		{{CallID: "c1", Name: "probe", Output: "probe output"}},
	}}
	agent := &recordingAgent{name: "collector", tools: []string{"probe"}}
	o := newStageTestOrchestrator(t, provider, executor, config.PipelineConfig{})

	state := NewRunState("q", 3, nil)
	if err := o.RunStage(context.Background(), agent, state); err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if agent.gotText != "used the probe" {
		t.Fatalf("text = %q", agent.gotText)
	}
	if len(executor.calls) != 1 || executor.calls[0][0].Name != "probe" {
		t.Fatalf("executor calls = %+v", executor.calls)
	}
	if !state.Called("probe") {
		t.Fatal("probe call not recorded in state")
	}
}

func TestRunStageEscalationRecovers(t *testing.T) {
	provider := &scriptedProvider{
		completions: []Completion{
			{Content: "   "},
			{Content: ""},
			{Content: "recovered on second push"},
		},
	}
	agent := &recordingAgent{name: "planner"}
	o := newStageTestOrchestrator(t, provider, &scriptedExecutor{}, config.PipelineConfig{})

	state := NewRunState("q", 3, nil)
	if err := o.RunStage(context.Background(), agent, state); err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if agent.gotText != "recovered on second push" {
		t.Fatalf("text = %q", agent.gotText)
	}
	want := "You must not return empty output. Answer with your best effort using what you already know."
	if got := provider.prompts[len(provider.prompts)-1]; got != want {
		t.Fatalf("final escalation directive = %q", got)
	}
}

func TestRunStageEmptyAfterEscalations(t *testing.T) {
	provider := &scriptedProvider{
		completions: []Completion{{}, {}, {}},
	}
	agent := &recordingAgent{name: "planner"}
	o := newStageTestOrchestrator(t, provider, &scriptedExecutor{}, config.PipelineConfig{})

	err := o.RunStage(context.Background(), agent, NewRunState("q", 3, nil))
	if !errors.Is(err, ErrEmptyCompletion) {
		t.Fatalf("err = %v, want ErrEmptyCompletion", err)
	}
}

func TestRunStageIterationBudgetForcesCompletion(t *testing.T) {
	toolCall := Completion{ToolCalls: []ToolCall{{ID: "c1", Name: "probe"}}}
	provider := &scriptedProvider{
		completions: []Completion{
			toolCall,
			toolCall,
			toolCall, // this one hits the budget and is not dispatched
			{Content: "forced summary answer"},
		},
	}
	executor := &scriptedExecutor{batches: [][]ToolResult{
		{{CallID: "c1", Name: "probe", Output: "first output"}},
		{{CallID: "c1", Name: "probe", Output: "second output"}},
	}}
	agent := &recordingAgent{name: "collector", tools: []string{"probe"}}
	o := newStageTestOrchestrator(t, provider, executor, config.PipelineConfig{MaxIterations: 3})

	state := NewRunState("q", 3, nil)
	if err := o.RunStage(context.Background(), agent, state); err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if agent.gotText != "forced summary answer" {
		t.Fatalf("text = %q", agent.gotText)
	}
	if len(executor.calls) != 2 {
		t.Fatalf("dispatched %d batches, want 2", len(executor.calls))
	}
	// forced completion carries the condensed tool summaries
	finalPrompt := provider.prompts[len(provider.prompts)-1]
	if !strings.Contains(finalPrompt, "Tool result summaries:") || !strings.Contains(finalPrompt, "second output") {
		t.Fatalf("forced prompt missing summaries: %q", finalPrompt)
	}
}

func TestRunStageEchoLoopBreaks(t *testing.T) {
	toolCall := Completion{ToolCalls: []ToolCall{{ID: "c1", Name: "probe"}}}
	provider := &scriptedProvider{
		completions: []Completion{
			toolCall,
			toolCall,
			{Content: "broke the loop"},
		},
	}
	executor := &scriptedExecutor{batches: [][]ToolResult{
		{{CallID: "c1", Name: "probe", Output: "real output"}},
		{{CallID: "c1", Name: "probe", Output: "real output", Echoed: true}},
	}}
	agent := &recordingAgent{name: "collector", tools: []string{"probe"}}
	o := newStageTestOrchestrator(t, provider, executor, config.PipelineConfig{MaxIterations: 5})

	if err := o.RunStage(context.Background(), agent, NewRunState("q", 3, nil)); err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if agent.gotText != "broke the loop" {
		t.Fatalf("text = %q", agent.gotText)
	}
	if len(executor.calls) != 2 {
		t.Fatalf("dispatched %d batches, want 2", len(executor.calls))
	}
}

func TestStructuredResultScrapeFallback(t *testing.T) {
	provider := &scriptedProvider{
		completions:   []Completion{{Content: `Here it is: {"verdict": "hold"} done.`}},
		structuredErr: fmt.Errorf("schema endpoint unavailable"),
	}
	agent := &recordingAgent{name: "strategist", schema: map[string]interface{}{"type": "object"}}
	o := newStageTestOrchestrator(t, provider, &scriptedExecutor{}, config.PipelineConfig{})

	if err := o.RunStage(context.Background(), agent, NewRunState("q", 3, nil)); err != nil {
		t.Fatalf("RunStage: %v", err)
	}
	if string(agent.gotRaw) != `{"verdict": "hold"}` {
		t.Fatalf("scraped = %q", agent.gotRaw)
	}
}

func TestRunStageUserPromptError(t *testing.T) {
	agent := &recordingAgent{name: "collector", promptErr: fmt.Errorf("no plan yet")}
	o := newStageTestOrchestrator(t, &scriptedProvider{}, &scriptedExecutor{}, config.PipelineConfig{})

	err := o.RunStage(context.Background(), agent, NewRunState("q", 3, nil))
	if err == nil || !strings.Contains(err.Error(), "no plan yet") {
		t.Fatalf("err = %v", err)
	}
}
