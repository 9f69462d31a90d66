package insight

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
)

// Valid insight types.
const (
	TypeTrend    = "trend"
	TypePattern  = "pattern"
	TypeRisk     = "risk"
	TypeStrategy = "strategy"
)

// knownTypes guards Add against typos from the extraction step.
var knownTypes = map[string]bool{
	TypeTrend: true, TypePattern: true, TypeRisk: true, TypeStrategy: true,
}

// Insight is one remembered conclusion from a past run.
type Insight struct {
	ID           int64                  `json:"id"`
	Type         string                 `json:"type"`
	Content      string                 `json:"content"`
	Metadata     map[string]interface{} `json:"metadata"`
	Timestamp    time.Time              `json:"timestamp"`
	UsageCount   int                    `json:"usage_count"`
	LastAccessed *time.Time             `json:"last_accessed,omitempty"`

	embedding []float32
	seq       int // insertion order, tie-breaker
}

// Embedder produces one vector per input text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Store is the process-wide insight memory: a sqlite-backed vector index
// with an in-memory keyword fallback. Writers are mutually exclusive,
// readers run concurrently. Open it once and Close it explicitly.
type Store struct {
	mu       sync.RWMutex
	db       *vectorDB
	embedder Embedder
	cfg      config.InsightConfig
	logger   *log.Logger

	insights []*Insight
	nextSeq  int

	embedWarned bool

	// OnEvict, when set, observes how many insights each eviction removed.
	OnEvict func(n int)
}

// Open loads the store from disk. A nil embedder degrades to keyword-only
// search.
func Open(cfg config.InsightConfig, embedder Embedder) (*Store, error) {
	cfg = cfg.Normalize()
	db, err := openVectorDB(cfg.Path)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:       db,
		embedder: embedder,
		cfg:      cfg,
		logger:   log.New(log.Writer(), "[INSIGHT] ", log.LstdFlags),
	}
	rows, err := db.loadAll(context.Background())
	if err != nil {
		db.close()
		return nil, err
	}
	for _, r := range rows {
		ins := &Insight{
			ID:        r.id,
			Type:      r.typ,
			Content:   r.content,
			Timestamp: r.timestamp,
			embedding: r.embedding,
			seq:       s.nextSeq,
		}
		s.nextSeq++
		if err := json.Unmarshal([]byte(r.metaJSON), &ins.Metadata); err != nil {
			ins.Metadata = map[string]interface{}{}
		}
		liftUsage(ins)
		s.insights = append(s.insights, ins)
	}
	return s, nil
}

// Close releases the sqlite handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.close()
}

// Count returns the number of stored insights.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.insights)
}

// All returns a snapshot of every insight in insertion order.
func (s *Store) All() []Insight {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Insight, len(s.insights))
	for i, ins := range s.insights {
		out[i] = *ins
	}
	return out
}

// Add stores one insight and synchronously evicts stale or excess entries.
// It returns the persistent id. Unknown types are rejected.
func (s *Store) Add(ctx context.Context, typ, content string, metadata map[string]interface{}) (int64, error) {
	if !knownTypes[typ] {
		return 0, fmt.Errorf("unknown insight type %q", typ)
	}
	if strings.TrimSpace(content) == "" {
		return 0, fmt.Errorf("empty insight content")
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	embedding := s.embed(ctx, content)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	metaJSON := encodeMetadata(metadata, 0, nil)
	id, err := s.db.insert(ctx, typ, content, metaJSON, now, embedding)
	if err != nil {
		return 0, err
	}
	s.insights = append(s.insights, &Insight{
		ID:        id,
		Type:      typ,
		Content:   content,
		Metadata:  metadata,
		Timestamp: now,
		embedding: embedding,
		seq:       s.nextSeq,
	})
	s.nextSeq++

	if err := s.evictLocked(ctx, now); err != nil {
		s.logger.Printf("eviction: %v", err)
	}
	return id, nil
}

// Search returns the topK most relevant insights for the query, similarity
// first, keyword scoring when embeddings are unavailable. Every returned
// insight has its usage count bumped and lastAccessed refreshed.
func (s *Store) Search(ctx context.Context, query string, topK int, typeFilter string) ([]Insight, error) {
	if topK <= 0 {
		topK = s.cfg.SearchTopK
	}

	var queryVec []float32
	if vec := s.embed(ctx, query); len(vec) > 0 {
		queryVec = vec
	}

	s.mu.RLock()
	ranked := s.rankLocked(query, queryVec, typeFilter)
	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	ids := make([]int64, len(ranked))
	for i, ins := range ranked {
		ids[i] = ins.ID
	}
	s.mu.RUnlock()

	if len(ids) == 0 {
		return nil, nil
	}
	return s.touch(ctx, ids)
}

type scored struct {
	ins   *Insight
	score float64
}

// rankLocked scores all candidates. Caller holds at least the read lock.
func (s *Store) rankLocked(query string, queryVec []float32, typeFilter string) []*Insight {
	var candidates []scored
	if len(queryVec) > 0 {
		for _, ins := range s.insights {
			if typeFilter != "" && ins.Type != typeFilter {
				continue
			}
			if len(ins.embedding) == 0 {
				continue
			}
			candidates = append(candidates, scored{ins: ins, score: dot(queryVec, ins.embedding)})
		}
	}
	if len(candidates) == 0 {
		// keyword fallback: metadata boosts, token overlap, usage bonus
		words := tokenize(query)
		for _, ins := range s.insights {
			if typeFilter != "" && ins.Type != typeFilter {
				continue
			}
			score := keywordScore(ins, query, words)
			if score <= 0 {
				continue
			}
			candidates = append(candidates, scored{ins: ins, score: score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].ins.UsageCount > candidates[j].ins.UsageCount
	})
	out := make([]*Insight, len(candidates))
	for i, c := range candidates {
		out[i] = c.ins
	}
	return out
}

// keywordScore mirrors retrieval without a vector backend: exact ticker or
// source-intent hits dominate, word overlap refines, frequent reuse gets a
// small nudge.
func keywordScore(ins *Insight, query string, queryWords []string) float64 {
	var score float64
	lowered := strings.ToLower(query)
	for _, ticker := range metadataStrings(ins.Metadata["tickers"]) {
		if ticker != "" && strings.Contains(lowered, strings.ToLower(ticker)) {
			score += 2.0
		}
	}
	if intent, _ := ins.Metadata["source_intent"].(string); intent != "" &&
		strings.Contains(lowered, strings.ToLower(intent)) {
		score += 2.0
	}
	if len(queryWords) > 0 {
		content := strings.ToLower(ins.Content)
		matches := 0
		for _, w := range queryWords {
			if strings.Contains(content, w) {
				matches++
			}
		}
		score += float64(matches) / float64(len(queryWords))
	}
	score += float64(ins.UsageCount) * 0.1
	return score
}

// touch applies the retrieval side effect under the write lock.
func (s *Store) touch(ctx context.Context, ids []int64) ([]Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	byID := make(map[int64]*Insight, len(s.insights))
	for _, ins := range s.insights {
		byID[ins.ID] = ins
	}
	out := make([]Insight, 0, len(ids))
	for _, id := range ids {
		ins, ok := byID[id]
		if !ok {
			continue // evicted between rank and touch
		}
		ins.UsageCount++
		ts := now
		ins.LastAccessed = &ts
		if err := s.db.updateMetadata(ctx, ins.ID, encodeMetadata(ins.Metadata, ins.UsageCount, ins.LastAccessed)); err != nil {
			s.logger.Printf("persisting usage for %d: %v", ins.ID, err)
		}
		out = append(out, *ins)
	}
	return out, nil
}

// evictLocked drops aged-out insights first, then trims to capacity keeping
// the most used, most recently touched, newest. Ties keep the earlier
// insertion. Caller holds the write lock.
func (s *Store) evictLocked(ctx context.Context, now time.Time) error {
	var drop []int64
	cutoff := now.AddDate(0, 0, -s.cfg.ForgetDays)
	kept := s.insights[:0]
	for _, ins := range s.insights {
		if ins.Timestamp.Before(cutoff) {
			drop = append(drop, ins.ID)
			continue
		}
		kept = append(kept, ins)
	}
	s.insights = kept

	if len(s.insights) > s.cfg.MaxInsights {
		ranked := append([]*Insight(nil), s.insights...)
		sort.SliceStable(ranked, func(i, j int) bool {
			a, b := ranked[i], ranked[j]
			if a.UsageCount != b.UsageCount {
				return a.UsageCount > b.UsageCount
			}
			at, bt := accessTime(a), accessTime(b)
			if !at.Equal(bt) {
				return at.After(bt)
			}
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.After(b.Timestamp)
			}
			return a.seq < b.seq
		})
		doomed := make(map[int64]bool)
		for _, ins := range ranked[s.cfg.MaxInsights:] {
			doomed[ins.ID] = true
			drop = append(drop, ins.ID)
		}
		kept := s.insights[:0]
		for _, ins := range s.insights {
			if !doomed[ins.ID] {
				kept = append(kept, ins)
			}
		}
		s.insights = kept
	}

	if len(drop) == 0 {
		return nil
	}
	if s.OnEvict != nil {
		s.OnEvict(len(drop))
	}
	s.logger.Printf("evicted %d insights", len(drop))
	return s.db.deleteIDs(ctx, drop)
}

// embed returns a normalized vector, or nil when no backend is available.
// The first backend failure is logged once; later ones degrade silently.
func (s *Store) embed(ctx context.Context, text string) []float32 {
	if s.embedder == nil {
		return nil
	}
	vecs, err := s.embedder.Embed(ctx, []string{text})
	if err != nil || len(vecs) == 0 {
		s.mu.Lock()
		if !s.embedWarned {
			s.embedWarned = true
			s.logger.Printf("embedding backend unavailable, falling back to keyword search: %v", err)
		}
		s.mu.Unlock()
		return nil
	}
	return normalizeVector(vecs[0])
}

func accessTime(ins *Insight) time.Time {
	if ins.LastAccessed != nil {
		return *ins.LastAccessed
	}
	return time.Time{}
}

// encodeMetadata folds the usage counters into the persisted metadata JSON,
// keeping the on-disk row shape to the six stable columns.
func encodeMetadata(metadata map[string]interface{}, usage int, lastAccessed *time.Time) string {
	merged := make(map[string]interface{}, len(metadata)+2)
	for k, v := range metadata {
		merged[k] = v
	}
	if usage > 0 {
		merged["usage_count"] = usage
	}
	if lastAccessed != nil {
		merged["last_accessed"] = lastAccessed.UTC().Format(time.RFC3339)
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// liftUsage pulls persisted usage counters back out of metadata.
func liftUsage(ins *Insight) {
	if v, ok := ins.Metadata["usage_count"].(float64); ok {
		ins.UsageCount = int(v)
		delete(ins.Metadata, "usage_count")
	}
	if v, ok := ins.Metadata["last_accessed"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			ins.LastAccessed = &ts
		}
		delete(ins.Metadata, "last_accessed")
	}
}

func metadataStrings(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()[]")
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}
