package server

import (
	"sync"
	"time"

	core "github.com/xinzhuwang-wxz/HolisticaQuant/internal/agent/core"
)

const (
	runStatusRunning   = "running"
	runStatusSucceeded = "succeeded"
	runStatusFailed    = "failed"

	eventBufferSize = 256
)

// liveRun is one in-flight or recently finished pipeline run. Progress
// events are buffered so a subscriber that connects late still sees the
// full timeline.
type liveRun struct {
	mu        sync.Mutex
	runID     string
	query     string
	status    string
	startedAt time.Time
	events    []core.ProgressEvent
	subs      map[chan core.ProgressEvent]struct{}
}

// Publish implements core.ProgressSink. It never blocks: subscribers that
// fall behind lose events.
func (r *liveRun) Publish(ev core.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) < eventBufferSize {
		r.events = append(r.events, ev)
	}
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// subscribe returns a replay of buffered events plus a channel for new
// ones. The channel is closed when the run finishes.
func (r *liveRun) subscribe() ([]core.ProgressEvent, chan core.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	replay := make([]core.ProgressEvent, len(r.events))
	copy(replay, r.events)
	if r.status != runStatusRunning {
		return replay, nil
	}
	ch := make(chan core.ProgressEvent, 64)
	r.subs[ch] = struct{}{}
	return replay, ch
}

func (r *liveRun) unsubscribe(ch chan core.ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, ch)
}

// finish marks the run done and closes every subscriber channel.
func (r *liveRun) finish(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status = status
	for ch := range r.subs {
		close(ch)
		delete(r.subs, ch)
	}
}

func (r *liveRun) snapshot() RunStatusResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunStatusResponse{
		RunID:     r.runID,
		Query:     r.query,
		Status:    r.status,
		StartedAt: r.startedAt,
	}
}

// runTracker indexes live runs by id. Finished runs are kept for a grace
// period so /events subscribers can still read the buffered timeline.
type runTracker struct {
	mu    sync.RWMutex
	runs  map[string]*liveRun
	grace time.Duration
}

func newRunTracker() *runTracker {
	return &runTracker{runs: make(map[string]*liveRun), grace: 10 * time.Minute}
}

func (t *runTracker) start(runID, query string) *liveRun {
	run := &liveRun{
		runID:     runID,
		query:     query,
		status:    runStatusRunning,
		startedAt: time.Now().UTC(),
		subs:      make(map[chan core.ProgressEvent]struct{}),
	}
	t.mu.Lock()
	t.runs[runID] = run
	t.mu.Unlock()
	return run
}

func (t *runTracker) get(runID string) (*liveRun, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[runID]
	return run, ok
}

// finish closes the run's subscribers and schedules its removal.
func (t *runTracker) finish(run *liveRun, succeeded bool) {
	status := runStatusSucceeded
	if !succeeded {
		status = runStatusFailed
	}
	run.finish(status)
	time.AfterFunc(t.grace, func() {
		t.mu.Lock()
		delete(t.runs, run.runID)
		t.mu.Unlock()
	})
}
