package core

import "testing"

func TestDecideGate(t *testing.T) {
	cfg := GateConfig{MinTools: 2, MinConfidence: 0.7, KeyTools: []string{"get_stock_market_data"}}

	cases := []struct {
		name      string
		s         Sufficiency
		tools     int
		keyCalled bool
		iteration int
		maxIter   int
		want      GateDecision
	}{
		{"explicit sufficient", Sufficiency{Sufficient: true}, 0, false, 0, 3, GateAdvance},
		{"enough tools and confidence", Sufficiency{Confidence: 0.9}, 2, true, 0, 1, GateAdvance},
		{"key tool with moderate confidence", Sufficiency{Confidence: 0.5}, 1, true, 0, 3, GateAdvance},
		{"key tool but low confidence loops", Sufficiency{Confidence: 0.4}, 1, true, 0, 3, GateLoop},
		{"no key tool loops", Sufficiency{Confidence: 0.6}, 1, false, 1, 3, GateLoop},
		{"iteration cap forces advance", Sufficiency{Confidence: 0.1}, 0, false, 3, 3, GateAdvance},
		{"nothing collected early loops", Sufficiency{}, 0, false, 0, 3, GateLoop},
	}
	for _, c := range cases {
		got := DecideGate(c.s, c.tools, c.keyCalled, c.iteration, c.maxIter, cfg)
		if got != c.want {
			t.Fatalf("%s: got %s, want %s", c.name, got, c.want)
		}
	}
}

func TestDecideGateIsDeterministic(t *testing.T) {
	cfg := GateConfig{MinTools: 2, MinConfidence: 0.7}
	s := Sufficiency{Confidence: 0.65}
	first := DecideGate(s, 1, false, 1, 3, cfg)
	for i := 0; i < 10; i++ {
		if got := DecideGate(s, 1, false, 1, 3, cfg); got != first {
			t.Fatalf("decision changed on repeat: %s then %s", first, got)
		}
	}
}

func TestDecideGateForState(t *testing.T) {
	cfg := GateConfig{MinTools: 2, MinConfidence: 0.7, KeyTools: []string{"get_stock_market_data"}}

	state := NewRunState("q", 1, nil)
	state.CollectionIteration = 1
	state.Sufficiency = &Sufficiency{Confidence: 0.9}
	state.RecordCall("get_stock_market_data", nil, "ohlcv")
	state.RecordCall("get_sina_news", nil, "headlines")

	if got := DecideGateForState(state, cfg); got != GateAdvance {
		t.Fatalf("got %s, want advance", got)
	}

	// nil sufficiency behaves as an insufficient zero verdict
	empty := NewRunState("q", 3, nil)
	if got := DecideGateForState(empty, cfg); got != GateLoop {
		t.Fatalf("nil sufficiency: got %s, want loop", got)
	}
}
