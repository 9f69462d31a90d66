package core

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// NewRunState builds a fresh state for one pipeline run.
func NewRunState(query string, maxCollectionIterations int, sink ProgressSink) *RunState {
	return NewRunStateWithID(uuid.New().String(), query, maxCollectionIterations, sink)
}

// NewRunStateWithID is used when the caller allocated the run id up front,
// for example to hand it back over HTTP before the run finishes.
func NewRunStateWithID(runID, query string, maxCollectionIterations int, sink ProgressSink) *RunState {
	return &RunState{
		Query: query,
		Context: RunContext{
			RunID:       runID,
			TriggerTime: time.Now().UTC(),
			Progress:    sink,
			Extra:       make(map[string]string),
		},
		CollectedData:           make(map[string][]CallRecord),
		MaxCollectionIterations: maxCollectionIterations,
		ToolStats:               make(map[string]*ToolStats),
	}
}

// AppendTrace adds one audit line. Step numbers are assigned in order.
func (s *RunState) AppendTrace(agent, action, output, errText string) {
	s.Trace = append(s.Trace, TraceEntry{
		Step:      len(s.Trace) + 1,
		Agent:     agent,
		Action:    action,
		Output:    clip(output, 2000),
		Error:     errText,
		Timestamp: time.Now().UTC(),
	})
}

// RecordError remembers a recoverable failure without aborting the run.
func (s *RunState) RecordError(stage Stage, err error) {
	if err == nil {
		return
	}
	s.Errors = append(s.Errors, fmt.Sprintf("%s: %v", stage, err))
}

// RecordCall appends the full tool output to collectedData.
func (s *RunState) RecordCall(tool string, args map[string]interface{}, output string) {
	s.CollectedData[tool] = append(s.CollectedData[tool], CallRecord{
		Timestamp:     time.Now().UTC(),
		Arguments:     args,
		ResultSummary: output,
	})
}

// Stats returns the stats bucket for a tool, creating it on first use.
func (s *RunState) Stats(tool string) *ToolStats {
	st, ok := s.ToolStats[tool]
	if !ok {
		st = &ToolStats{}
		s.ToolStats[tool] = st
	}
	return st
}

// ToolsCalled counts distinct tools with at least one recorded call.
func (s *RunState) ToolsCalled() int {
	n := 0
	for _, records := range s.CollectedData {
		if len(records) > 0 {
			n++
		}
	}
	return n
}

// Called reports whether a tool has at least one recorded call.
func (s *RunState) Called(tool string) bool {
	return len(s.CollectedData[tool]) > 0
}

// clip truncates to max characters, marking the cut.
func clip(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:max])) + "..."
}
