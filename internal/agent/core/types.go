package core

import (
	"context"
	"encoding/json"
	"time"
)

// Stage identifies a pipeline state.
type Stage string

const (
	StagePlan       Stage = "plan"
	StageCollect    Stage = "collect"
	StageStrategize Stage = "strategize"
	StageDone       Stage = "done"
)

// Message is one turn of an oracle conversation.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a single tool invocation requested by the oracle.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolResult is the dispatcher's answer to one ToolCall. Output holds the
// full untruncated text; callers truncate when feeding it back to the oracle.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Output  string `json:"output"`
	IsError bool   `json:"is_error"`
	Echoed  bool   `json:"echoed"`
}

// ToolSpec describes a tool to the oracle.
type ToolSpec struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Completion is one oracle response: free text, tool calls, or both.
type Completion struct {
	Content      string
	ToolCalls    []ToolCall
	InputTokens  int64
	OutputTokens int64
}

// LLMProvider is the oracle boundary. Implementations live in provider/.
type LLMProvider interface {
	// Generate runs a plain text completion.
	Generate(ctx context.Context, messages []Message) (Completion, error)
	// GenerateWithTools lets the oracle request tool invocations.
	GenerateWithTools(ctx context.Context, messages []Message, tools []ToolSpec) (Completion, error)
	// GenerateStructured asks for output conforming to a JSON schema.
	GenerateStructured(ctx context.Context, messages []Message, schemaName string, schema map[string]interface{}) (json.RawMessage, error)
	// Embed returns one vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ToolSession executes tool call batches for one stage-loop invocation.
// Repeats inside a session are deduplicated and echoed, not re-executed.
type ToolSession interface {
	Execute(ctx context.Context, calls []ToolCall, state *RunState) []ToolResult
}

// ToolExecutor vends sessions over a shared worker pool.
type ToolExecutor interface {
	NewSession() ToolSession
}

// ProgressEvent is a fire-and-forget notification for UIs following a run.
type ProgressEvent struct {
	Type    string    `json:"type"`
	Title   string    `json:"title"`
	Content string    `json:"content"`
	Time    time.Time `json:"time"`
}

// ProgressSink receives ProgressEvents. Publish must never block the
// pipeline; slow consumers lose events.
type ProgressSink interface {
	Publish(ev ProgressEvent)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Publish(ProgressEvent) {}

// ToolStats aggregates dispatch outcomes for one tool across a run.
type ToolStats struct {
	SuccessCount int        `json:"success_count"`
	FailureCount int        `json:"failure_count"`
	LastSuccess  *time.Time `json:"last_success,omitempty"`
	LastFailure  *time.Time `json:"last_failure,omitempty"`
}

// CallRecord is one tool invocation as remembered in collectedData.
type CallRecord struct {
	Timestamp     time.Time              `json:"timestamp"`
	Arguments     map[string]interface{} `json:"arguments"`
	ResultSummary string                 `json:"result_summary"`
}

// TraceEntry is one append-only audit line.
type TraceEntry struct {
	Step      int       `json:"step"`
	Agent     string    `json:"agent"`
	Action    string    `json:"action"`
	Output    string    `json:"output,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Sufficiency is the collect stage's verdict on gathered data.
type Sufficiency struct {
	Sufficient  bool     `json:"sufficient"`
	MissingData []string `json:"missing_data"`
	Confidence  float64  `json:"confidence"`
	Reason      string   `json:"reason"`
}

// PlanResult is the planning stage's structured output.
type PlanResult struct {
	Tickers      []string `json:"tickers"`
	TimeRange    string   `json:"time_range"`
	Objectives   []string `json:"objectives"`
	ScenarioType string   `json:"scenario_type"`
	Notes        string   `json:"notes"`
	LowParse     bool     `json:"low_parse,omitempty"`
}

// SufficiencyResult pairs the verdict with the analysis text it came from.
type SufficiencyResult struct {
	Analysis    string      `json:"analysis"`
	Sufficiency Sufficiency `json:"sufficiency"`
	LowParse    bool        `json:"low_parse,omitempty"`
}

// StrategyResult is the strategize stage's structured output.
type StrategyResult struct {
	Recommendation  string   `json:"recommendation"` // buy, sell, hold, analyze
	Confidence      float64  `json:"confidence"`
	TimeHorizon     string   `json:"time_horizon"`
	Rationale       string   `json:"rationale"`
	EntryConditions []string `json:"entry_conditions"`
	ExitConditions  []string `json:"exit_conditions"`
	LowParse        bool     `json:"low_parse,omitempty"`
}

// LearningResult is the teaching-scenario structured output.
type LearningResult struct {
	Topic       string   `json:"topic"`
	Explanation string   `json:"explanation"`
	Examples    []string `json:"examples"`
	NextSteps   []string `json:"next_steps"`
	LowParse    bool     `json:"low_parse,omitempty"`
}

// AssistantResult is the direct-answer structured output.
type AssistantResult struct {
	Answer     string   `json:"answer"`
	References []string `json:"references"`
	LowParse   bool     `json:"low_parse,omitempty"`
}

// RunContext carries immutable per-run inputs.
type RunContext struct {
	RunID       string
	TriggerTime time.Time
	Progress    ProgressSink
	Extra       map[string]string
}

// Sink returns the progress sink, never nil.
func (rc RunContext) Sink() ProgressSink {
	if rc.Progress == nil {
		return NopSink{}
	}
	return rc.Progress
}

// RunState is the single record of truth a pipeline run mutates as it moves
// through the stages. Only the owning goroutine touches it; the dispatcher
// hands results back over a join barrier before anything lands here.
type RunState struct {
	Query   string     `json:"query"`
	Context RunContext `json:"-"`

	Plan          *PlanResult             `json:"plan,omitempty"`
	CollectedData map[string][]CallRecord `json:"collected_data"`
	DataAnalysis  string                  `json:"data_analysis,omitempty"`
	Sufficiency   *Sufficiency            `json:"sufficiency,omitempty"`
	Strategy      *StrategyResult         `json:"strategy,omitempty"`
	Learning      *LearningResult         `json:"learning,omitempty"`
	Assistant     *AssistantResult        `json:"assistant,omitempty"`
	Report        string                  `json:"report,omitempty"`

	CollectionIteration     int `json:"collection_iteration"`
	MaxCollectionIterations int `json:"max_collection_iterations"`

	Trace     []TraceEntry          `json:"trace"`
	Errors    []string              `json:"errors"`
	ToolStats map[string]*ToolStats `json:"tool_stats"`
}

// RunResult is what gets persisted once a pipeline run completes.
type RunResult struct {
	RunID       string          `json:"run_id"`
	Query       string          `json:"query"`
	Report      string          `json:"report"`
	Strategy    *StrategyResult `json:"strategy,omitempty"`
	Trace       []TraceEntry    `json:"trace,omitempty"`
	Errors      []string        `json:"errors,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Succeeded   bool            `json:"succeeded"`
}

// Storage persists completed runs and API users.
type Storage interface {
	SaveRun(ctx context.Context, result RunResult) error
	GetRun(ctx context.Context, runID string) (RunResult, error)
	ListRuns(ctx context.Context, limit int) ([]RunResult, error)
	CreateUser(ctx context.Context, email, passwordHash string) (string, error)
	GetUserByEmail(ctx context.Context, email string) (id, passwordHash string, err error)
	Close() error
}
