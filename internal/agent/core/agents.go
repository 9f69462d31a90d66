package core

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CollectTools is the default tool set of the collect stage.
var CollectTools = []string{
	"get_stock_market_data",
	"get_stock_fundamental",
	"get_market_data",
	"get_hot_money",
	"get_sina_news",
}

// PlanAgent turns the raw query into a research plan. Runs without tools.
type PlanAgent struct{}

func (PlanAgent) Name() string { return "plan_analyst" }

func (PlanAgent) SystemPrompt(*RunState) string {
	return "You are a financial research planner. You break a user's request into " +
		"concrete research objectives: which A-share tickers matter (6-digit codes), " +
		"what time range applies, and what questions the data collection should answer. " +
		"You never fabricate tickers; leave the list empty if the request names none."
}

func (PlanAgent) UserPrompt(state *RunState) (string, error) {
	if strings.TrimSpace(state.Query) == "" {
		return "", fmt.Errorf("empty query")
	}
	return fmt.Sprintf("Request: %s\nTrigger time: %s\n\nDraft the research plan.",
		state.Query, state.Context.TriggerTime.Format("2006-01-02 15:04")), nil
}

func (PlanAgent) ToolNames() []string { return nil }

func (PlanAgent) Schema() (string, map[string]interface{}) {
	return "research_plan", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"tickers":       map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}, "maxItems": 5},
			"time_range":    map[string]interface{}{"type": "string", "enum": []string{"last_7d", "last_30d", "last_90d"}},
			"objectives":    map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"scenario_type": map[string]interface{}{"type": "string", "enum": []string{"research", "learning", "assistant"}},
			"notes":         map[string]interface{}{"type": "string"},
		},
		"required": []string{"time_range", "objectives"},
	}
}

func (PlanAgent) Apply(state *RunState, text string, structured json.RawMessage) error {
	plan := PlanResult{TimeRange: "last_30d", ScenarioType: "research", LowParse: true}
	if structured != nil {
		var parsed PlanResult
		if err := json.Unmarshal(structured, &parsed); err == nil {
			parsed.LowParse = false
			plan = parsed
		}
	}
	if plan.LowParse {
		plan.Notes = clip(text, 500)
	}
	plan.Tickers = normalizeTickers(plan.Tickers)
	if plan.TimeRange == "" {
		plan.TimeRange = "last_30d"
	}
	state.Plan = &plan
	return nil
}

// normalizeTickers keeps well-formed 6-digit codes, at most five.
func normalizeTickers(tickers []string) []string {
	var out []string
	for _, t := range tickers {
		t = strings.TrimSpace(t)
		if len(t) != 6 || strings.Trim(t, "0123456789") != "" {
			continue
		}
		out = append(out, t)
		if len(out) == 5 {
			break
		}
	}
	return out
}

// CollectAgent gathers market data through tools and judges whether the
// haul is enough to strategize on.
type CollectAgent struct {
	Tools []string
}

func (CollectAgent) Name() string { return "data_analyst" }

func (CollectAgent) SystemPrompt(*RunState) string {
	return "You are a financial data analyst. You call data tools to collect market, " +
		"fundamental and news evidence for the research plan, then analyse what you " +
		"found and judge whether it is sufficient to build a strategy. Call each tool " +
		"with precise arguments and do not repeat identical calls."
}

func (a CollectAgent) UserPrompt(state *RunState) (string, error) {
	if state.Plan == nil {
		return "", fmt.Errorf("collect requires a plan")
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Research request: %s\n", state.Query)
	fmt.Fprintf(&sb, "Tickers: %s\n", strings.Join(state.Plan.Tickers, ", "))
	fmt.Fprintf(&sb, "Time range: %s\n", state.Plan.TimeRange)
	fmt.Fprintf(&sb, "Objectives:\n")
	for _, obj := range state.Plan.Objectives {
		fmt.Fprintf(&sb, "- %s\n", obj)
	}
	if state.CollectionIteration > 0 {
		fmt.Fprintf(&sb, "\nThis is collection round %d.", state.CollectionIteration+1)
		if state.Sufficiency != nil && len(state.Sufficiency.MissingData) > 0 {
			fmt.Fprintf(&sb, " Previously missing: %s.", strings.Join(state.Sufficiency.MissingData, "; "))
		}
	}
	sb.WriteString("\nCollect the data, then report your analysis and a sufficiency verdict.")
	return sb.String(), nil
}

func (a CollectAgent) ToolNames() []string {
	if len(a.Tools) > 0 {
		return a.Tools
	}
	return CollectTools
}

func (CollectAgent) Schema() (string, map[string]interface{}) {
	return "data_sufficiency", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"analysis": map[string]interface{}{"type": "string"},
			"sufficiency": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"sufficient":   map[string]interface{}{"type": "boolean"},
					"missing_data": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
					"confidence":   map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
					"reason":       map[string]interface{}{"type": "string"},
				},
				"required": []string{"sufficient", "confidence"},
			},
		},
		"required": []string{"sufficiency"},
	}
}

func (CollectAgent) Apply(state *RunState, text string, structured json.RawMessage) error {
	state.DataAnalysis = text
	verdict := Sufficiency{Sufficient: false, Confidence: 0, Reason: "no parseable sufficiency verdict"}
	if structured != nil {
		var parsed SufficiencyResult
		if err := json.Unmarshal(structured, &parsed); err == nil {
			verdict = parsed.Sufficiency
			if strings.TrimSpace(parsed.Analysis) != "" {
				state.DataAnalysis = parsed.Analysis + "\n\n" + text
			}
		}
	}
	state.Sufficiency = &verdict
	return nil
}

// StrategyAgent turns the collected evidence into an actionable strategy.
// Stored insights from earlier runs ride along in the prompt.
type StrategyAgent struct{}

func (StrategyAgent) Name() string { return "strategy_analyst" }

func (StrategyAgent) SystemPrompt(*RunState) string {
	return "You are an investment strategist. You weigh the collected market evidence " +
		"and produce a clear recommendation (buy, sell, hold or analyze further) with " +
		"a confidence level, a time horizon, entry and exit conditions, and a rationale " +
		"grounded in the data. You may run one web search to fill a decisive gap."
}

func (StrategyAgent) UserPrompt(state *RunState) (string, error) {
	if state.Plan == nil {
		return "", fmt.Errorf("strategize requires a plan")
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Research request: %s\n", state.Query)
	fmt.Fprintf(&sb, "Tickers: %s\n\n", strings.Join(state.Plan.Tickers, ", "))
	fmt.Fprintf(&sb, "Data analysis:\n%s\n", clip(state.DataAnalysis, 6000))
	if insights := state.Context.Extra["insights"]; insights != "" {
		fmt.Fprintf(&sb, "\nLessons from earlier research:\n%s\n", insights)
	}
	sb.WriteString("\nWrite the strategy report.")
	return sb.String(), nil
}

func (StrategyAgent) ToolNames() []string { return []string{"web_search"} }

func (StrategyAgent) Schema() (string, map[string]interface{}) {
	return "strategy", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"recommendation":   map[string]interface{}{"type": "string", "enum": []string{"buy", "sell", "hold", "analyze"}},
			"confidence":       map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
			"time_horizon":     map[string]interface{}{"type": "string"},
			"rationale":        map[string]interface{}{"type": "string"},
			"entry_conditions": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"exit_conditions":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		},
		"required": []string{"recommendation", "confidence", "rationale"},
	}
}

func (StrategyAgent) Apply(state *RunState, text string, structured json.RawMessage) error {
	strategy := StrategyResult{Recommendation: "analyze", Confidence: 0.3, LowParse: true}
	if structured != nil {
		var parsed StrategyResult
		if err := json.Unmarshal(structured, &parsed); err == nil && parsed.Recommendation != "" {
			parsed.LowParse = false
			strategy = parsed
		}
	}
	if strategy.LowParse {
		strategy.Rationale = clip(text, 500)
	}
	state.Strategy = &strategy
	state.Report = text
	return nil
}

// LearningAgent explains a financial concept instead of researching a
// position. Single-stage scenario, no tools.
type LearningAgent struct{}

func (LearningAgent) Name() string { return "learning_workshop" }

func (LearningAgent) SystemPrompt(*RunState) string {
	return "You are a patient financial educator. You explain market concepts with " +
		"concrete A-share examples and suggest what to study next."
}

func (LearningAgent) UserPrompt(state *RunState) (string, error) {
	if strings.TrimSpace(state.Query) == "" {
		return "", fmt.Errorf("empty query")
	}
	return fmt.Sprintf("Teach me about: %s", state.Query), nil
}

func (LearningAgent) ToolNames() []string { return nil }

func (LearningAgent) Schema() (string, map[string]interface{}) {
	return "learning", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"topic":       map[string]interface{}{"type": "string"},
			"explanation": map[string]interface{}{"type": "string"},
			"examples":    map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			"next_steps":  map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		},
		"required": []string{"topic", "explanation"},
	}
}

func (LearningAgent) Apply(state *RunState, text string, structured json.RawMessage) error {
	result := LearningResult{Topic: clip(state.Query, 100), Explanation: text, LowParse: true}
	if structured != nil {
		var parsed LearningResult
		if err := json.Unmarshal(structured, &parsed); err == nil && parsed.Explanation != "" {
			parsed.LowParse = false
			result = parsed
		}
	}
	state.Learning = &result
	state.Report = text
	return nil
}

// AssistantAgent answers a direct question, optionally with a quick search
// or calculation.
type AssistantAgent struct{}

func (AssistantAgent) Name() string { return "assistant" }

func (AssistantAgent) SystemPrompt(*RunState) string {
	return "You are a concise financial assistant. Answer the question directly; " +
		"use web_search or calculator only when the answer needs them."
}

func (AssistantAgent) UserPrompt(state *RunState) (string, error) {
	if strings.TrimSpace(state.Query) == "" {
		return "", fmt.Errorf("empty query")
	}
	return state.Query, nil
}

func (AssistantAgent) ToolNames() []string { return []string{"web_search", "calculator"} }

func (AssistantAgent) Schema() (string, map[string]interface{}) {
	return "assistant_answer", map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"answer":     map[string]interface{}{"type": "string"},
			"references": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
		},
		"required": []string{"answer"},
	}
}

func (AssistantAgent) Apply(state *RunState, text string, structured json.RawMessage) error {
	result := AssistantResult{Answer: text, LowParse: true}
	if structured != nil {
		var parsed AssistantResult
		if err := json.Unmarshal(structured, &parsed); err == nil && parsed.Answer != "" {
			parsed.LowParse = false
			result = parsed
		}
	}
	state.Assistant = &result
	state.Report = text
	return nil
}
