package dispatch

import (
	"context"

	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/agent/core"
)

// Session binds the shared dispatcher to one stage loop's dedup memory.
type Session struct {
	d   *Dispatcher
	log *CallLog
}

// NewSession starts a fresh dedup scope over the shared worker pool.
func (d *Dispatcher) NewSession() core.ToolSession {
	return &Session{d: d, log: NewCallLog()}
}

// Execute runs one batch within this session.
func (s *Session) Execute(ctx context.Context, calls []core.ToolCall, state *core.RunState) []core.ToolResult {
	return s.d.Execute(ctx, calls, s.log, state)
}
