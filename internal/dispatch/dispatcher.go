package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xinzhuwang-wxz/HolisticaQuant/config"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/agent/core"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/agent/telemetry"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/capability"
)

// errPrefix marks tool outputs that report a failure in-band.
const errPrefix = "ERROR:"

// echoUnavailable stands in for a duplicate whose prior output was lost.
const echoUnavailable = "result unavailable"

// fallbackTools maps a failing tool to the tool worth trying instead.
var fallbackTools = map[string]string{
	"get_sina_news":         "web_search",
	"get_stock_market_data": "web_search",
	"get_stock_fundamental": "web_search",
	"get_market_data":       "web_search",
	"get_hot_money":         "web_search",
}

// FallbackFor returns the suggested replacement for a repeatedly failing
// tool. web_search is the catch-all.
func FallbackFor(tool string) string {
	if fb, ok := fallbackTools[tool]; ok {
		return fb
	}
	return "web_search"
}

// CallLog remembers which calls already ran within one stage loop, so
// duplicates are echoed instead of re-executed.
type CallLog struct {
	outputs map[string]string
	seen    map[string]bool
}

// NewCallLog builds an empty per-loop dedup memory.
func NewCallLog() *CallLog {
	return &CallLog{outputs: make(map[string]string), seen: make(map[string]bool)}
}

// callKey canonicalizes a request so argument order does not matter.
// encoding/json writes map keys sorted, recursively.
func callKey(name string, args map[string]interface{}) string {
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", args))
	}
	return name + ":" + string(raw)
}

// Dispatcher executes tool call batches against the registry with a bounded
// worker pool and a per-batch deadline. One dispatcher serves the whole
// process; per-loop memory lives in CallLog.
type Dispatcher struct {
	registry *capability.Registry
	cfg      config.ToolsConfig
	tel      *telemetry.Telemetry
	logger   *log.Logger
	sem      chan struct{}
}

// New builds a Dispatcher over the registry.
func New(registry *capability.Registry, cfg config.ToolsConfig, tel *telemetry.Telemetry) *Dispatcher {
	cfg = cfg.Normalize()
	return &Dispatcher{
		registry: registry,
		cfg:      cfg,
		tel:      tel,
		logger:   log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		sem:      make(chan struct{}, cfg.MaxWorkers),
	}
}

// Execute runs one batch. It blocks until every call finished or the batch
// deadline passed, then applies stats and collectedData updates to state in
// a single goroutine. Results come back in request order.
func (d *Dispatcher) Execute(ctx context.Context, calls []core.ToolCall, callLog *CallLog, state *core.RunState) []core.ToolResult {
	results := make([]core.ToolResult, len(calls))

	type pending struct {
		idx  int
		key  string
		tool capability.Tool
		ch   chan core.ToolResult
	}
	var launches []pending
	batchKeys := make(map[string]bool)

	for i, call := range calls {
		key := callKey(call.Name, call.Arguments)
		if callLog.seen[key] || batchKeys[key] {
			output, ok := callLog.outputs[key]
			if !ok || strings.TrimSpace(output) == "" {
				output = echoUnavailable
			}
			results[i] = core.ToolResult{CallID: call.ID, Name: call.Name, Output: output, Echoed: true}
			d.tel.RecordTool(call.Name, "echoed")
			continue
		}
		tool, ok := d.registry.Resolve(call.Name)
		if !ok {
			results[i] = core.ToolResult{
				CallID:  call.ID,
				Name:    call.Name,
				Output:  fmt.Sprintf("%s unknown tool %q; available tools: %s", errPrefix, call.Name, strings.Join(d.registry.Names(), ", ")),
				IsError: true,
			}
			callLog.seen[key] = true
			callLog.outputs[key] = results[i].Output
			d.tel.RecordTool(call.Name, "failure")
			continue
		}
		batchKeys[key] = true
		launches = append(launches, pending{idx: i, key: key, tool: tool, ch: make(chan core.ToolResult, 1)})
	}

	if len(launches) == 0 {
		return results
	}

	batchCtx, cancel := context.WithTimeout(ctx, d.cfg.BatchTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range launches {
		call := calls[p.idx]
		wg.Add(1)
		go func(p pending, call core.ToolCall) {
			defer wg.Done()
			select {
			case d.sem <- struct{}{}:
				defer func() { <-d.sem }()
			case <-batchCtx.Done():
				return
			}
			output, err := p.tool.Invoke(batchCtx, call.Arguments)
			res := core.ToolResult{CallID: call.ID, Name: call.Name, Output: output}
			if err != nil {
				res.Output = fmt.Sprintf("%s %v", errPrefix, err)
				res.IsError = true
			} else if strings.HasPrefix(strings.TrimSpace(output), errPrefix) {
				res.IsError = true
			}
			p.ch <- res
		}(p, call)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-batchCtx.Done():
	}

	now := time.Now().UTC()
	for _, p := range launches {
		call := calls[p.idx]
		var res core.ToolResult
		select {
		case res = <-p.ch:
		default:
			res = core.ToolResult{
				CallID:  call.ID,
				Name:    call.Name,
				Output:  fmt.Sprintf("%s tool %q did not finish within %s", errPrefix, call.Name, d.cfg.BatchTimeout),
				IsError: true,
			}
			d.tel.RecordTool(call.Name, "timeout")
		}
		callLog.seen[p.key] = true
		callLog.outputs[p.key] = res.Output

		stats := state.Stats(call.Name)
		if res.IsError {
			stats.FailureCount++
			ts := now
			stats.LastFailure = &ts
			d.tel.RecordTool(call.Name, "failure")
			if hint := d.failureHint(call.Name, stats); hint != "" {
				res.Output += "\n" + hint
			}
		} else {
			stats.SuccessCount++
			ts := now
			stats.LastSuccess = &ts
			d.tel.RecordTool(call.Name, "success")
		}
		state.RecordCall(call.Name, call.Arguments, res.Output)
		results[p.idx] = res
	}
	d.logBatch(calls, results)
	return results
}

// failureHint suggests a fallback once a tool fails often enough.
func (d *Dispatcher) failureHint(tool string, stats *core.ToolStats) string {
	total := stats.SuccessCount + stats.FailureCount
	if stats.FailureCount >= d.cfg.FailureThreshold || (total >= 2 && stats.FailureCount*2 > total) {
		fb := FallbackFor(tool)
		if fb == tool {
			return ""
		}
		return fmt.Sprintf("HINT: %s keeps failing, try %s instead", tool, fb)
	}
	return ""
}

// AllEchoed reports whether every result in a batch was a duplicate echo.
func AllEchoed(results []core.ToolResult) bool {
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

func (d *Dispatcher) logBatch(calls []core.ToolCall, results []core.ToolResult) {
	counts := make(map[string]int)
	for _, r := range results {
		switch {
		case r.Echoed:
			counts["echoed"]++
		case r.IsError:
			counts["failed"]++
		default:
			counts["ok"]++
		}
	}
	parts := make([]string, 0, len(counts))
	for k, v := range counts {
		parts = append(parts, fmt.Sprintf("%s=%d", k, v))
	}
	sort.Strings(parts)
	d.logger.Printf("batch of %d: %s", len(calls), strings.Join(parts, " "))
}
