package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/xinzhuwang-wxz/HolisticaQuant/config"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/agent/telemetry"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/capability"
)

// ErrEmptyCompletion reports that the oracle kept returning empty output
// through every escalation attempt. Fatal for the stage.
var ErrEmptyCompletion = errors.New("oracle returned empty output")

// StageAgent describes one pipeline stage to the orchestrator.
type StageAgent interface {
	Name() string
	SystemPrompt(state *RunState) string
	// UserPrompt builds the opening prompt. An error means a precondition
	// for this stage is missing and the run must abort.
	UserPrompt(state *RunState) (string, error)
	// ToolNames lists the registry tools this stage may call. Empty means
	// the stage runs without tools.
	ToolNames() []string
	// Schema describes the structured result, nil for text-only stages.
	Schema() (name string, schema map[string]interface{})
	// Apply folds the stage outcome into the run state. structured is nil
	// when neither the structured call nor the text scrape produced JSON;
	// implementations then fall back to documented placeholders.
	Apply(state *RunState, text string, structured json.RawMessage) error
}

// StageOrchestrator drives one stage agent through the oracle/tool loop.
type StageOrchestrator struct {
	provider LLMProvider
	executor ToolExecutor
	registry *capability.Registry
	cfg      config.PipelineConfig
	maxLen   int
	tel      *telemetry.Telemetry
	logger   *log.Logger
}

// NewStageOrchestrator wires a stage orchestrator. maxResultLen bounds tool
// output fed back into the conversation; collectedData keeps full outputs.
func NewStageOrchestrator(provider LLMProvider, executor ToolExecutor, registry *capability.Registry, cfg config.PipelineConfig, maxResultLen int, tel *telemetry.Telemetry) *StageOrchestrator {
	return &StageOrchestrator{
		provider: provider,
		executor: executor,
		registry: registry,
		cfg:      cfg.Normalize(),
		maxLen:   maxResultLen,
		tel:      tel,
		logger:   log.New(log.Writer(), "[STAGE] ", log.LstdFlags),
	}
}

// RunStage executes the full loop for one agent and applies its outcome.
func (o *StageOrchestrator) RunStage(ctx context.Context, agent StageAgent, state *RunState) error {
	started := time.Now()
	sink := state.Context.Sink()
	sink.Publish(ProgressEvent{Type: "timeline", Title: agent.Name(), Content: "stage started", Time: started})

	text, err := o.runLoop(ctx, agent, state)
	if err != nil {
		state.AppendTrace(agent.Name(), "stage_failed", "", err.Error())
		return err
	}

	structured := o.structuredResult(ctx, agent, text)
	if err := agent.Apply(state, text, structured); err != nil {
		return fmt.Errorf("stage %s: apply: %w", agent.Name(), err)
	}

	o.tel.ObserveStage(agent.Name(), time.Since(started))
	state.AppendTrace(agent.Name(), "stage_complete", text, "")
	sink.Publish(ProgressEvent{Type: "timeline", Title: agent.Name(), Content: "stage complete", Time: time.Now().UTC()})
	return nil
}

// runLoop is the oracle/tool interaction loop. It returns the stage's final
// text, guaranteed non-empty.
func (o *StageOrchestrator) runLoop(ctx context.Context, agent StageAgent, state *RunState) (string, error) {
	userPrompt, err := agent.UserPrompt(state)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", agent.Name(), err)
	}
	conv := []Message{
		{Role: "system", Content: agent.SystemPrompt(state)},
		{Role: "user", Content: userPrompt},
	}
	specs := o.toolSpecs(agent.ToolNames())
	session := o.executor.NewSession()
	sink := state.Context.Sink()

	// latest full output per tool, feeds the forced-completion summaries
	toolOutputs := make(map[string]string)

	for iteration := 0; ; {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		var comp Completion
		if len(specs) == 0 {
			comp, err = o.provider.Generate(ctx, conv)
		} else {
			comp, err = o.provider.GenerateWithTools(ctx, conv, specs)
		}
		if err != nil {
			return "", fmt.Errorf("stage %s: oracle: %w", agent.Name(), err)
		}

		if len(comp.ToolCalls) == 0 {
			if strings.TrimSpace(comp.Content) != "" {
				return comp.Content, nil
			}
			if len(toolOutputs) == 0 {
				return o.escalate(ctx, agent, conv)
			}
			return o.forceCompletion(ctx, agent, userPrompt, toolOutputs, o.cfg.SummaryChars)
		}

		state.AppendTrace(agent.Name(), "tool_calls", describeCalls(comp.ToolCalls), "")

		if iteration >= o.cfg.MaxIterations-1 {
			// budget spent, leave the remaining calls on the floor
			o.logger.Printf("stage %s hit iteration budget with %d pending calls", agent.Name(), len(comp.ToolCalls))
			return o.forceCompletion(ctx, agent, userPrompt, toolOutputs, o.cfg.FinalSummaryChars)
		}

		results := session.Execute(ctx, comp.ToolCalls, state)
		sink.Publish(ProgressEvent{
			Type:    "timeline",
			Title:   agent.Name(),
			Content: fmt.Sprintf("executed %d tool calls", len(results)),
			Time:    time.Now().UTC(),
		})

		if iteration > 0 && allEchoed(results) {
			// the oracle is stuck repeating itself
			return o.forceCompletion(ctx, agent, userPrompt, toolOutputs, o.cfg.SummaryChars)
		}

		conv = append(conv, Message{Role: "assistant", Content: comp.Content, ToolCalls: comp.ToolCalls})
		for _, r := range results {
			conv = append(conv, Message{Role: "tool", ToolCallID: r.CallID, Content: clip(r.Output, o.maxLen)})
			if !r.Echoed {
				toolOutputs[r.Name] = r.Output
			}
		}
		iteration++
	}
}

// forceCompletion re-invokes the oracle without tools, replacing the full
// history with condensed per-tool summaries. Falls through to the
// escalation ladder when even that comes back empty.
func (o *StageOrchestrator) forceCompletion(ctx context.Context, agent StageAgent, userPrompt string, toolOutputs map[string]string, summaryChars int) (string, error) {
	var sb strings.Builder
	sb.WriteString(userPrompt)
	if len(toolOutputs) > 0 {
		sb.WriteString("\n\nTool result summaries:\n")
		names := make([]string, 0, len(toolOutputs))
		for name := range toolOutputs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&sb, "- %s: %s\n", name, clip(toolOutputs[name], summaryChars))
		}
	}
	sb.WriteString("\nProduce your final answer now based on the information above.")

	msgs := []Message{
		{Role: "system", Content: agent.SystemPrompt(nil)},
		{Role: "user", Content: sb.String()},
	}
	comp, err := o.provider.Generate(ctx, msgs)
	if err != nil {
		return "", fmt.Errorf("stage %s: forced completion: %w", agent.Name(), err)
	}
	if strings.TrimSpace(comp.Content) != "" {
		return comp.Content, nil
	}
	return o.escalate(ctx, agent, msgs)
}

// escalate is the last-resort ladder: progressively blunter directives,
// then a fatal error.
func (o *StageOrchestrator) escalate(ctx context.Context, agent StageAgent, base []Message) (string, error) {
	directives := []string{
		"Generate your answer now. Do not call any tools.",
		"You must not return empty output. Answer with your best effort using what you already know.",
	}
	attempts := o.cfg.EscalationAttempts
	if attempts > len(directives) {
		attempts = len(directives)
	}
	for i := 0; i < attempts; i++ {
		msgs := append(append([]Message(nil), base...), Message{Role: "user", Content: directives[i]})
		comp, err := o.provider.Generate(ctx, msgs)
		if err != nil {
			return "", fmt.Errorf("stage %s: escalation %d: %w", agent.Name(), i+1, err)
		}
		if strings.TrimSpace(comp.Content) != "" {
			o.logger.Printf("stage %s recovered on escalation %d", agent.Name(), i+1)
			return comp.Content, nil
		}
	}
	return "", fmt.Errorf("stage %s: %w after %d escalations", agent.Name(), ErrEmptyCompletion, attempts)
}

// structuredResult runs the structured side channel: a schema-bound oracle
// call first, then a scrape of the final text. nil means both failed.
func (o *StageOrchestrator) structuredResult(ctx context.Context, agent StageAgent, text string) json.RawMessage {
	name, schema := agent.Schema()
	if schema == nil {
		return nil
	}
	msgs := []Message{
		{Role: "system", Content: agent.SystemPrompt(nil)},
		{Role: "assistant", Content: text},
		{Role: "user", Content: "Restate your answer strictly as JSON matching the requested schema."},
	}
	raw, err := o.provider.GenerateStructured(ctx, msgs, name, schema)
	if err == nil && json.Valid(raw) {
		return raw
	}
	if err != nil {
		o.logger.Printf("stage %s: structured call failed, scraping text: %v", agent.Name(), err)
	}
	if scraped, ok := scrapeStructured(text); ok {
		return scraped
	}
	return nil
}

func (o *StageOrchestrator) toolSpecs(names []string) []ToolSpec {
	specs := make([]ToolSpec, 0, len(names))
	for _, name := range names {
		tool, ok := o.registry.Resolve(name)
		if !ok {
			continue
		}
		specs = append(specs, ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	return specs
}

func allEchoed(results []ToolResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.Echoed {
			return false
		}
	}
	return true
}

func describeCalls(calls []ToolCall) string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}
