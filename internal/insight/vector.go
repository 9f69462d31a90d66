package insight

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// vectorDB is the sqlite persistence behind the insight store. One row per
// insight: id, type, content, metadata JSON, ISO-8601 timestamp and the
// embedding as little-endian float32 bytes (empty when embedding failed).
type vectorDB struct {
	db *sql.DB
}

const vectorSchema = `
CREATE TABLE IF NOT EXISTS insights (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	type      TEXT NOT NULL,
	content   TEXT NOT NULL,
	metadata  TEXT NOT NULL DEFAULT '{}',
	timestamp TEXT NOT NULL,
	embedding BLOB
);
`

func openVectorDB(path string) (*vectorDB, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating insight dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening insight db: %w", err)
	}
	// sqlite allows one writer; serialize at the pool level
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(vectorSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating insight schema: %w", err)
	}
	return &vectorDB{db: db}, nil
}

func (v *vectorDB) insert(ctx context.Context, typ, content, metaJSON string, ts time.Time, embedding []float32) (int64, error) {
	res, err := v.db.ExecContext(ctx,
		`INSERT INTO insights (type, content, metadata, timestamp, embedding) VALUES (?, ?, ?, ?, ?)`,
		typ, content, metaJSON, ts.UTC().Format(time.RFC3339Nano), encodeVector(embedding))
	if err != nil {
		return 0, fmt.Errorf("inserting insight: %w", err)
	}
	return res.LastInsertId()
}

func (v *vectorDB) updateMetadata(ctx context.Context, id int64, metaJSON string) error {
	_, err := v.db.ExecContext(ctx, `UPDATE insights SET metadata = ? WHERE id = ?`, metaJSON, id)
	if err != nil {
		return fmt.Errorf("updating insight %d: %w", id, err)
	}
	return nil
}

func (v *vectorDB) deleteIDs(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := v.db.ExecContext(ctx, `DELETE FROM insights WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("deleting insights: %w", err)
	}
	return nil
}

type insightRow struct {
	id        int64
	typ       string
	content   string
	metaJSON  string
	timestamp time.Time
	embedding []float32
}

// loadAll returns every row ordered by timestamp then id, so insertion
// order survives restarts.
func (v *vectorDB) loadAll(ctx context.Context) ([]insightRow, error) {
	rows, err := v.db.QueryContext(ctx,
		`SELECT id, type, content, metadata, timestamp, embedding FROM insights ORDER BY timestamp, id`)
	if err != nil {
		return nil, fmt.Errorf("loading insights: %w", err)
	}
	defer rows.Close()

	var out []insightRow
	for rows.Next() {
		var r insightRow
		var ts string
		var blob []byte
		if err := rows.Scan(&r.id, &r.typ, &r.content, &r.metaJSON, &ts, &blob); err != nil {
			return nil, fmt.Errorf("scanning insight row: %w", err)
		}
		r.timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing insight timestamp %q: %w", ts, err)
		}
		r.embedding = decodeVector(blob)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (v *vectorDB) close() error { return v.db.Close() }

// encodeVector packs floats as little-endian float32 bytes.
func encodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	if len(buf) < 4 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// normalizeVector scales to unit length so cosine similarity reduces to a
// dot product.
func normalizeVector(vec []float32) []float32 {
	var sum float64
	for _, f := range vec {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, f := range vec {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

// dot assumes both sides are normalized.
func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
