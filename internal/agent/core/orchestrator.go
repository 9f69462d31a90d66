package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xinzhuwang-wxz/HolisticaQuant/config"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/agent/telemetry"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/capability"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/insight"
)

// InsightMemory is the engine's view of the insight store.
type InsightMemory interface {
	Add(ctx context.Context, typ, content string, metadata map[string]interface{}) (int64, error)
	Search(ctx context.Context, query string, topK int, typeFilter string) ([]insight.Insight, error)
}

// Engine owns one pipeline: plan, collect until the gate opens, strategize.
// Stages run strictly in sequence; the only parallelism lives inside the
// tool dispatcher.
type Engine struct {
	provider LLMProvider
	stages   *StageOrchestrator
	storage  Storage
	insights InsightMemory
	tel      *telemetry.Telemetry
	cfg      config.PipelineConfig
	logger   *log.Logger

	planAgent     StageAgent
	collectAgent  StageAgent
	strategyAgent StageAgent
}

// NewEngine wires the pipeline. storage and insights may be nil; the run
// then completes without persistence.
func NewEngine(provider LLMProvider, executor ToolExecutor, registry *capability.Registry, storage Storage, insights InsightMemory, tel *telemetry.Telemetry, pcfg config.PipelineConfig, maxResultLen int) *Engine {
	pcfg = pcfg.Normalize()
	return &Engine{
		provider:      provider,
		stages:        NewStageOrchestrator(provider, executor, registry, pcfg, maxResultLen, tel),
		storage:       storage,
		insights:      insights,
		tel:           tel,
		cfg:           pcfg,
		logger:        log.New(log.Writer(), "[ENGINE] ", log.LstdFlags),
		planAgent:     PlanAgent{},
		collectAgent:  CollectAgent{},
		strategyAgent: StrategyAgent{},
	}
}

// Run executes one full pipeline for the query and persists the outcome.
func (e *Engine) Run(ctx context.Context, query string, sink ProgressSink) (RunResult, error) {
	return e.RunAs(ctx, uuid.New().String(), query, sink)
}

// RunAs runs the pipeline under a caller-allocated run id.
func (e *Engine) RunAs(ctx context.Context, runID, query string, sink ProgressSink) (RunResult, error) {
	state := NewRunStateWithID(runID, query, e.cfg.MaxCollectionIterations, sink)
	started := time.Now().UTC()
	e.logger.Printf("run %s started: %q", state.Context.RunID, clip(query, 120))

	runErr := e.runPipeline(ctx, state)
	if runErr != nil {
		state.RecordError(StageDone, runErr)
	}

	result := RunResult{
		RunID:       state.Context.RunID,
		Query:       query,
		Report:      state.Report,
		Strategy:    state.Strategy,
		Trace:       state.Trace,
		Errors:      state.Errors,
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
		Succeeded:   runErr == nil,
	}
	e.tel.RecordRun(result.Succeeded)
	if e.storage != nil {
		if err := e.storage.SaveRun(ctx, result); err != nil {
			e.logger.Printf("run %s: saving result: %v", result.RunID, err)
		}
	}
	if runErr != nil {
		e.logger.Printf("run %s failed after %s: %v", result.RunID, time.Since(started), runErr)
		return result, runErr
	}
	e.logger.Printf("run %s completed in %s", result.RunID, time.Since(started))
	return result, nil
}

// runPipeline is the state machine. One stage run per transition, nothing
// else.
func (e *Engine) runPipeline(ctx context.Context, state *RunState) error {
	stage := StagePlan
	for stage != StageDone {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch stage {
		case StagePlan:
			if err := e.stages.RunStage(ctx, e.planAgent, state); err != nil {
				return err
			}
			stage = StageCollect
		case StageCollect:
			if err := e.stages.RunStage(ctx, e.collectAgent, state); err != nil {
				return err
			}
			state.CollectionIteration++
			decision := DecideGateForState(state, e.gateConfig())
			state.AppendTrace("sufficiency_gate", string(decision),
				fmt.Sprintf("iteration %d/%d", state.CollectionIteration, state.MaxCollectionIterations), "")
			if decision == GateAdvance {
				stage = StageStrategize
			}
		case StageStrategize:
			e.injectInsights(ctx, state)
			if err := e.stages.RunStage(ctx, e.strategyAgent, state); err != nil {
				return err
			}
			e.extractInsights(ctx, state)
			stage = StageDone
		default:
			return fmt.Errorf("unknown pipeline stage %q", stage)
		}
	}
	return nil
}

// Assist answers a direct question through a single stage run.
func (e *Engine) Assist(ctx context.Context, query string, sink ProgressSink) (RunResult, error) {
	return e.runSingle(ctx, AssistantAgent{}, query, sink)
}

// Learn runs the teaching scenario through a single stage run.
func (e *Engine) Learn(ctx context.Context, query string, sink ProgressSink) (RunResult, error) {
	return e.runSingle(ctx, LearningAgent{}, query, sink)
}

func (e *Engine) runSingle(ctx context.Context, agent StageAgent, query string, sink ProgressSink) (RunResult, error) {
	state := NewRunState(query, e.cfg.MaxCollectionIterations, sink)
	started := time.Now().UTC()
	err := e.stages.RunStage(ctx, agent, state)
	if err != nil {
		state.RecordError(StageDone, err)
	}
	result := RunResult{
		RunID:       state.Context.RunID,
		Query:       query,
		Report:      state.Report,
		Trace:       state.Trace,
		Errors:      state.Errors,
		StartedAt:   started,
		CompletedAt: time.Now().UTC(),
		Succeeded:   err == nil,
	}
	e.tel.RecordRun(result.Succeeded)
	if e.storage != nil {
		if serr := e.storage.SaveRun(ctx, result); serr != nil {
			e.logger.Printf("run %s: saving result: %v", result.RunID, serr)
		}
	}
	return result, err
}

func (e *Engine) gateConfig() GateConfig {
	keyTools := e.cfg.KeyTools
	if len(keyTools) == 0 {
		keyTools = []string{"get_stock_market_data"}
	}
	return GateConfig{
		MinTools:      e.cfg.MinTools,
		MinConfidence: e.cfg.MinConfidence,
		KeyTools:      keyTools,
	}
}

// injectInsights surfaces remembered conclusions to the strategy prompt.
func (e *Engine) injectInsights(ctx context.Context, state *RunState) {
	if e.insights == nil {
		return
	}
	query := state.Query
	if state.Plan != nil && len(state.Plan.Tickers) > 0 {
		query += " " + strings.Join(state.Plan.Tickers, " ")
	}
	found, err := e.insights.Search(ctx, query, 0, "")
	if err != nil {
		e.logger.Printf("insight search: %v", err)
		return
	}
	if len(found) == 0 {
		return
	}
	var sb strings.Builder
	for _, ins := range found {
		fmt.Fprintf(&sb, "- [%s] %s\n", ins.Type, clip(ins.Content, 300))
	}
	state.Context.Extra["insights"] = sb.String()
	e.tel.RecordInsight("retrieved", len(found))
}

// extractInsights distills reusable conclusions from a finished run and
// stores them. Failures here never fail the run.
func (e *Engine) extractInsights(ctx context.Context, state *RunState) {
	if e.insights == nil || strings.TrimSpace(state.Report) == "" {
		return
	}
	prompt := fmt.Sprintf(
		"Extract up to %d reusable insights from this research. Reply with a JSON array of "+
			`objects shaped like {"type": "trend|pattern|risk|strategy", "content": "...", "tickers": ["600000"]}.`+
			"\n\nRequest: %s\n\nReport:\n%s",
		e.cfg.MaxInsightsPerRun, state.Query, clip(state.Report, 4000))
	comp, err := e.provider.Generate(ctx, []Message{
		{Role: "system", Content: "You distill financial research into short reusable insights."},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		e.logger.Printf("insight extraction: %v", err)
		return
	}
	raw, err := extractJSONArray(comp.Content)
	if err != nil {
		e.logger.Printf("insight extraction: no array in response")
		return
	}
	var items []struct {
		Type    string   `json:"type"`
		Content string   `json:"content"`
		Tickers []string `json:"tickers"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		e.logger.Printf("insight extraction: %v", err)
		return
	}
	added := 0
	for _, item := range items {
		if added >= e.cfg.MaxInsightsPerRun {
			break
		}
		metadata := map[string]interface{}{"source_intent": "research"}
		if len(item.Tickers) > 0 {
			metadata["tickers"] = item.Tickers
		}
		if _, err := e.insights.Add(ctx, item.Type, item.Content, metadata); err != nil {
			e.logger.Printf("insight add: %v", err)
			continue
		}
		added++
	}
	e.tel.RecordInsight("added", added)
}
