package insight

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"
)

func TestVectorEncodeDecodeRoundTrip(t *testing.T) {
	in := []float32{0.5, -1.25, 3.75, 0}
	out := decodeVector(encodeVector(in))
	if len(out) != len(in) {
		t.Fatalf("len = %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("out[%d] = %v, want %v", i, out[i], in[i])
		}
	}
	if encodeVector(nil) != nil {
		t.Fatal("nil vector must encode to nil")
	}
	if decodeVector([]byte{1, 2}) != nil {
		t.Fatal("short blob must decode to nil")
	}
}

func TestNormalizeVector(t *testing.T) {
	vec := normalizeVector([]float32{3, 4})
	var sum float64
	for _, f := range vec {
		sum += float64(f) * float64(f)
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Fatalf("norm^2 = %v, want 1", sum)
	}
	zero := normalizeVector([]float32{0, 0})
	if zero[0] != 0 || zero[1] != 0 {
		t.Fatalf("zero vector changed: %v", zero)
	}
}

func TestDotHandlesLengthMismatch(t *testing.T) {
	if got := dot([]float32{1, 0, 0}, []float32{1, 0}); got != 1 {
		t.Fatalf("dot = %v, want 1", got)
	}
}

func TestVectorDBRowOrdering(t *testing.T) {
	db, err := openVectorDB(filepath.Join(t.TempDir(), "v.db"))
	if err != nil {
		t.Fatalf("openVectorDB: %v", err)
	}
	defer db.close()
	ctx := context.Background()

	base := time.Now().UTC()
	// insert out of chronological order
	if _, err := db.insert(ctx, TypeTrend, "second", "{}", base.Add(time.Second), []float32{0, 1}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := db.insert(ctx, TypeTrend, "first", "{}", base, []float32{1, 0}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rows, err := db.loadAll(ctx)
	if err != nil {
		t.Fatalf("loadAll: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0].content != "first" || rows[1].content != "second" {
		t.Fatalf("rows out of order: %q, %q", rows[0].content, rows[1].content)
	}
	if rows[0].embedding[0] != 1 {
		t.Fatalf("embedding lost: %v", rows[0].embedding)
	}
	if !rows[0].timestamp.Equal(base) {
		t.Fatalf("timestamp drifted: %v vs %v", rows[0].timestamp, base)
	}
}

func TestVectorDBDeleteIDs(t *testing.T) {
	db, err := openVectorDB(filepath.Join(t.TempDir(), "v.db"))
	if err != nil {
		t.Fatalf("openVectorDB: %v", err)
	}
	defer db.close()
	ctx := context.Background()

	id1, _ := db.insert(ctx, TypeTrend, "keep", "{}", time.Now().UTC(), nil)
	id2, _ := db.insert(ctx, TypeTrend, "drop", "{}", time.Now().UTC(), nil)
	_ = id1

	if err := db.deleteIDs(ctx, []int64{id2}); err != nil {
		t.Fatalf("deleteIDs: %v", err)
	}
	rows, err := db.loadAll(ctx)
	if err != nil {
		t.Fatalf("loadAll: %v", err)
	}
	if len(rows) != 1 || rows[0].content != "keep" {
		t.Fatalf("rows = %+v", rows)
	}
	if err := db.deleteIDs(ctx, nil); err != nil {
		t.Fatalf("deleteIDs(nil): %v", err)
	}
}
