package server

import (
	"testing"

	core "github.com/xinzhuwang-wxz/HolisticaQuant/internal/agent/core"
)

func TestLiveRunReplayAndClose(t *testing.T) {
	tracker := newRunTracker()
	run := tracker.start("r1", "q")

	run.Publish(core.ProgressEvent{Type: "timeline", Title: "first"})
	replay, ch := run.subscribe()
	if len(replay) != 1 || replay[0].Title != "first" {
		t.Fatalf("replay = %+v", replay)
	}
	if ch == nil {
		t.Fatal("running run should hand out a live channel")
	}

	run.Publish(core.ProgressEvent{Type: "timeline", Title: "second"})
	select {
	case ev := <-ch:
		if ev.Title != "second" {
			t.Fatalf("live event = %+v", ev)
		}
	default:
		t.Fatal("live event not delivered")
	}

	tracker.finish(run, true)
	if _, open := <-ch; open {
		t.Fatal("channel should be closed after finish")
	}

	replay, ch = run.subscribe()
	if len(replay) != 2 {
		t.Fatalf("post-finish replay = %d events, want 2", len(replay))
	}
	if ch != nil {
		t.Fatal("finished run should not hand out a live channel")
	}
	if run.snapshot().Status != runStatusSucceeded {
		t.Fatalf("status = %q", run.snapshot().Status)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	tracker := newRunTracker()
	run := tracker.start("r2", "q")
	_, ch := run.subscribe()

	// overflow the subscriber buffer, publishes must drop instead of block
	for i := 0; i < 500; i++ {
		run.Publish(core.ProgressEvent{Type: "timeline", Title: "ev"})
	}
	if len(ch) != cap(ch) {
		t.Fatalf("subscriber buffer = %d, want full at %d", len(ch), cap(ch))
	}
	run.unsubscribe(ch)
}
