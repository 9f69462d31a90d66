package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/xinzhuwang-wxz/HolisticaQuant/config"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/capability"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/insight"
)

// pipelineProvider scripts text completions and per-call structured
// payloads independently, enough to drive a full pipeline run.
type pipelineProvider struct {
	completions []Completion
	structured  []json.RawMessage
	ci, si      int
}

func (p *pipelineProvider) take(messages []Message) (Completion, error) {
	if p.ci >= len(p.completions) {
		return Completion{}, fmt.Errorf("completion script exhausted at call %d", p.ci)
	}
	comp := p.completions[p.ci]
	p.ci++
	return comp, nil
}

func (p *pipelineProvider) Generate(_ context.Context, m []Message) (Completion, error) {
	return p.take(m)
}

func (p *pipelineProvider) GenerateWithTools(_ context.Context, m []Message, _ []ToolSpec) (Completion, error) {
	return p.take(m)
}

func (p *pipelineProvider) GenerateStructured(_ context.Context, _ []Message, _ string, _ map[string]interface{}) (json.RawMessage, error) {
	if p.si >= len(p.structured) {
		return nil, fmt.Errorf("structured script exhausted")
	}
	raw := p.structured[p.si]
	p.si++
	if raw == nil {
		return nil, fmt.Errorf("scripted structured failure")
	}
	return raw, nil
}

func (p *pipelineProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type fakeMemory struct {
	stored   []insight.Insight
	searched []string
	hits     []insight.Insight
}

func (m *fakeMemory) Add(_ context.Context, typ, content string, metadata map[string]interface{}) (int64, error) {
	m.stored = append(m.stored, insight.Insight{Type: typ, Content: content, Metadata: metadata})
	return int64(len(m.stored)), nil
}

func (m *fakeMemory) Search(_ context.Context, query string, _ int, _ string) ([]insight.Insight, error) {
	m.searched = append(m.searched, query)
	return m.hits, nil
}

func newEngineForTest(t *testing.T, provider LLMProvider, memory InsightMemory, storage Storage) (*Engine, *scriptedExecutor) {
	t.Helper()
	executor := &scriptedExecutor{}
	reg, err := capability.NewRegistry(nil, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	cfg := config.PipelineConfig{MaxCollectionIterations: 2}
	return NewEngine(provider, executor, reg, storage, memory, nil, cfg, 3000), executor
}

func TestEngineRunFullPipeline(t *testing.T) {
	provider := &pipelineProvider{
		completions: []Completion{
			{Content: "planned the research"},                                // plan
			{Content: "collected and analysed"},                              // collect
			{Content: "final strategy report"},                               // strategize
			{Content: `[{"type":"trend","content":"volume precedes price"}]`}, // insight extraction
		},
		structured: []json.RawMessage{
			json.RawMessage(`{"tickers":["600519"],"time_range":"last_30d","objectives":["trend"]}`),
			json.RawMessage(`{"analysis":"good haul","sufficiency":{"sufficient":true,"confidence":0.9,"reason":"covered"}}`),
			json.RawMessage(`{"recommendation":"buy","confidence":0.8,"rationale":"momentum"}`),
		},
	}
	memory := &fakeMemory{hits: []insight.Insight{{Type: "risk", Content: "liquor names gap on policy news"}}}
	storage := NewMemoryStorage()
	engine, _ := newEngineForTest(t, provider, memory, storage)

	result, err := engine.Run(context.Background(), "analyze 600519", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Succeeded {
		t.Fatalf("result = %+v", result)
	}
	if result.Report != "final strategy report" {
		t.Fatalf("report = %q", result.Report)
	}
	if result.Strategy == nil || result.Strategy.Recommendation != "buy" {
		t.Fatalf("strategy = %+v", result.Strategy)
	}

	// gate advanced on the first sufficient verdict
	gateCount := 0
	for _, entry := range result.Trace {
		if entry.Agent == "sufficiency_gate" {
			gateCount++
			if entry.Action != string(GateAdvance) {
				t.Fatalf("gate decision = %q", entry.Action)
			}
		}
	}
	if gateCount != 1 {
		t.Fatalf("gate ran %d times, want 1", gateCount)
	}

	// insights were searched before strategy and stored after it
	if len(memory.searched) != 1 {
		t.Fatalf("searches = %v", memory.searched)
	}
	if !strings.Contains(memory.searched[0], "600519") {
		t.Fatalf("search query should carry tickers: %q", memory.searched[0])
	}
	if len(memory.stored) != 1 || memory.stored[0].Content != "volume precedes price" {
		t.Fatalf("stored = %+v", memory.stored)
	}

	// run persisted
	if _, err := storage.GetRun(context.Background(), result.RunID); err != nil {
		t.Fatalf("persisted run: %v", err)
	}
}

func TestEngineCollectLoopsOnInsufficiency(t *testing.T) {
	insufficient := json.RawMessage(`{"sufficiency":{"sufficient":false,"confidence":0.2,"reason":"thin data","missing_data":["news"]}}`)
	provider := &pipelineProvider{
		completions: []Completion{
			{Content: "plan"},
			{Content: "collect round one"},
			{Content: "collect round two"},
			{Content: "strategy"},
			{Content: "no insights here"}, // extraction finds no array, logged and skipped
		},
		structured: []json.RawMessage{
			json.RawMessage(`{"time_range":"last_7d","objectives":["x"]}`),
			insufficient,
			insufficient,
			json.RawMessage(`{"recommendation":"hold","confidence":0.6,"rationale":"r"}`),
		},
	}
	engine, _ := newEngineForTest(t, provider, &fakeMemory{}, nil)

	result, err := engine.Run(context.Background(), "analyze the market", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	decisions := []string{}
	for _, entry := range result.Trace {
		if entry.Agent == "sufficiency_gate" {
			decisions = append(decisions, entry.Action)
		}
	}
	// two collect rounds: loop, then the iteration cap forces advance
	if len(decisions) != 2 || decisions[0] != string(GateLoop) || decisions[1] != string(GateAdvance) {
		t.Fatalf("gate decisions = %v", decisions)
	}
}

func TestEngineRunFailsWithoutQueryPlan(t *testing.T) {
	engine, _ := newEngineForTest(t, &pipelineProvider{}, nil, nil)
	result, err := engine.Run(context.Background(), "", nil)
	if err == nil {
		t.Fatal("empty query must fail the plan stage")
	}
	if result.Succeeded {
		t.Fatal("result must be marked failed")
	}
	if len(result.Errors) == 0 {
		t.Fatal("failure must be recorded in errors")
	}
}

func TestEngineRunHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine, _ := newEngineForTest(t, &pipelineProvider{}, nil, nil)
	if _, err := engine.Run(ctx, "anything", nil); err == nil {
		t.Fatal("cancelled context must abort the run")
	}
}

func TestEngineAssistSingleStage(t *testing.T) {
	provider := &pipelineProvider{
		completions: []Completion{{Content: "PE is price over earnings"}},
		structured:  []json.RawMessage{json.RawMessage(`{"answer":"price over earnings"}`)},
	}
	storage := NewMemoryStorage()
	engine, _ := newEngineForTest(t, provider, nil, storage)

	result, err := engine.Assist(context.Background(), "what is PE", nil)
	if err != nil {
		t.Fatalf("Assist: %v", err)
	}
	if result.Report != "PE is price over earnings" {
		t.Fatalf("report = %q", result.Report)
	}
	if _, err := storage.GetRun(context.Background(), result.RunID); err != nil {
		t.Fatalf("assist run not persisted: %v", err)
	}
}
