package insight

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/xinzhuwang-wxz/HolisticaQuant/config"
)

type mapEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (m *mapEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if vec, ok := m.vectors[t]; ok {
			out[i] = vec
		} else {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

func testConfig(t *testing.T, maxInsights int) config.InsightConfig {
	t.Helper()
	return config.InsightConfig{
		Path:        filepath.Join(t.TempDir(), "insights.db"),
		MaxInsights: maxInsights,
		ForgetDays:  90,
		SearchTopK:  3,
	}
}

func openStore(t *testing.T, cfg config.InsightConfig, embedder Embedder) *Store {
	t.Helper()
	s, err := Open(cfg, embedder)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddValidation(t *testing.T) {
	s := openStore(t, testConfig(t, 10), nil)
	if _, err := s.Add(context.Background(), "gossip", "content", nil); err == nil {
		t.Fatal("unknown type must be rejected")
	}
	if _, err := s.Add(context.Background(), TypeTrend, "   ", nil); err == nil {
		t.Fatal("empty content must be rejected")
	}
	id, err := s.Add(context.Background(), TypeTrend, "volume leads price", nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id <= 0 || s.Count() != 1 {
		t.Fatalf("id = %d, count = %d", id, s.Count())
	}
}

func TestKeywordFallbackSearch(t *testing.T) {
	s := openStore(t, testConfig(t, 10), nil) // no embedder, keyword path
	ctx := context.Background()

	if _, err := s.Add(ctx, TypeTrend, "liquor sector momentum builds",
		map[string]interface{}{"tickers": []string{"600519"}}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(ctx, TypeRisk, "property developers face refinancing walls", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	hits, err := s.Search(ctx, "what is happening with 600519 momentum", 2, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) == 0 || hits[0].Content != "liquor sector momentum builds" {
		t.Fatalf("hits = %+v", hits)
	}
	// ticker hit dominates: 2.0 boost plus overlap beats any overlap-only score
	if hits[0].UsageCount != 1 || hits[0].LastAccessed == nil {
		t.Fatalf("retrieval side effect missing: %+v", hits[0])
	}

	// second retrieval bumps again
	hits, err = s.Search(ctx, "600519", 1, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if hits[0].UsageCount != 2 {
		t.Fatalf("usage = %d, want 2", hits[0].UsageCount)
	}
}

func TestVectorSearchPrefersCloserEmbedding(t *testing.T) {
	embedder := &mapEmbedder{vectors: map[string][]float32{
		"steel output contracts":  {1, 0, 0},
		"chip demand accelerates": {0, 1, 0},
		"how is steel doing":      {0.9, 0.1, 0},
	}}
	s := openStore(t, testConfig(t, 10), embedder)
	ctx := context.Background()

	if _, err := s.Add(ctx, TypeTrend, "steel output contracts", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(ctx, TypeTrend, "chip demand accelerates", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	hits, err := s.Search(ctx, "how is steel doing", 1, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || hits[0].Content != "steel output contracts" {
		t.Fatalf("hits = %+v", hits)
	}
}

func TestSearchTypeFilter(t *testing.T) {
	s := openStore(t, testConfig(t, 10), nil)
	ctx := context.Background()
	s.Add(ctx, TypeTrend, "banks trend sideways", nil)
	s.Add(ctx, TypeRisk, "banks carry duration risk", nil)

	hits, err := s.Search(ctx, "banks", 5, TypeRisk)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, h := range hits {
		if h.Type != TypeRisk {
			t.Fatalf("type filter leaked: %+v", h)
		}
	}
	if len(hits) != 1 {
		t.Fatalf("hits = %d, want 1", len(hits))
	}
}

func TestCapacityEvictionKeepsRetrieved(t *testing.T) {
	evicted := 0
	cfg := testConfig(t, 2)
	s := openStore(t, cfg, nil)
	s.OnEvict = func(n int) { evicted += n }
	ctx := context.Background()

	if _, err := s.Add(ctx, TypeTrend, "first insight about copper", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	// retrieve the first insight so its usage count protects it
	if _, err := s.Search(ctx, "copper", 1, ""); err != nil {
		t.Fatalf("Search: %v", err)
	}
	if _, err := s.Add(ctx, TypeTrend, "second insight about gold", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Add(ctx, TypeTrend, "third insight about silver", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if s.Count() != 2 {
		t.Fatalf("count = %d, want 2", s.Count())
	}
	if evicted != 1 {
		t.Fatalf("evicted = %d, want 1", evicted)
	}
	survivors := map[string]bool{}
	for _, ins := range s.All() {
		survivors[ins.Content] = true
	}
	if !survivors["first insight about copper"] {
		t.Fatal("retrieved insight must survive capacity eviction")
	}
	if !survivors["third insight about silver"] {
		t.Fatal("newest unused insight must outrank the older unused one")
	}
}

func TestAgeEviction(t *testing.T) {
	cfg := testConfig(t, 10)
	s := openStore(t, cfg, nil)
	ctx := context.Background()

	// plant a stale row directly, then trigger eviction via Add
	old := time.Now().UTC().AddDate(0, 0, -cfg.ForgetDays-1)
	if _, err := s.db.insert(ctx, TypeTrend, "ancient wisdom", "{}", old, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	s.Close()

	s2 := openStore(t, cfg, nil)
	if s2.Count() != 1 {
		t.Fatalf("count after reopen = %d", s2.Count())
	}
	if _, err := s2.Add(ctx, TypeTrend, "fresh observation", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if s2.Count() != 1 {
		t.Fatalf("stale insight not evicted, count = %d", s2.Count())
	}
	if s2.All()[0].Content != "fresh observation" {
		t.Fatalf("wrong survivor: %+v", s2.All())
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	cfg := testConfig(t, 10)
	embedder := &mapEmbedder{vectors: map[string][]float32{}}
	s := openStore(t, cfg, embedder)
	ctx := context.Background()

	if _, err := s.Add(ctx, TypeStrategy, "scale in over three sessions",
		map[string]interface{}{"tickers": []string{"000001"}, "source_intent": "research"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := s.Search(ctx, "scale in", 1, ""); err != nil {
		t.Fatalf("Search: %v", err)
	}
	s.Close()

	s2 := openStore(t, cfg, embedder)
	all := s2.All()
	if len(all) != 1 {
		t.Fatalf("reloaded %d insights, want 1", len(all))
	}
	got := all[0]
	if got.Type != TypeStrategy || got.Content != "scale in over three sessions" {
		t.Fatalf("reloaded = %+v", got)
	}
	if got.UsageCount != 1 || got.LastAccessed == nil {
		t.Fatalf("usage counters not restored: %+v", got)
	}
	if got.Metadata["source_intent"] != "research" {
		t.Fatalf("metadata lost: %+v", got.Metadata)
	}
	if _, hasUsage := got.Metadata["usage_count"]; hasUsage {
		t.Fatal("usage_count must be lifted out of metadata")
	}
}

func TestEmbedFailureFallsBackToKeyword(t *testing.T) {
	embedder := &mapEmbedder{err: context.DeadlineExceeded}
	s := openStore(t, testConfig(t, 10), embedder)
	ctx := context.Background()

	if _, err := s.Add(ctx, TypeTrend, "solar installations surging", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	hits, err := s.Search(ctx, "solar installations", 1, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("keyword fallback returned %d hits", len(hits))
	}
}
