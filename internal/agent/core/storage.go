package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/xinzhuwang-wxz/HolisticaQuant/config"
)

// Storage sentinels for callers that care about the reason.
var (
	ErrRunNotFound  = errors.New("run not found")
	ErrUserExists   = errors.New("user already exists")
	ErrUserNotFound = errors.New("user not found")
)

// NewStorage picks the best available backend: Postgres when configured,
// Redis when reachable, otherwise in-process memory.
func NewStorage(cfg config.StorageConfig) (Storage, error) {
	if cfg.Postgres.URL != "" || cfg.Postgres.Host != "" || cfg.Postgres.DBName != "" {
		ps, err := NewPostgresStorage(cfg.Postgres)
		if err == nil {
			return ps, nil
		}
		log.Printf("[STORAGE] postgres init failed: %v, falling back to redis", err)
	}
	if cfg.Redis.Host != "" {
		rs, err := NewRedisStorage(cfg.Redis)
		if err == nil {
			return rs, nil
		}
		log.Printf("[STORAGE] redis init failed: %v, falling back to memory", err)
	}
	return NewMemoryStorage(), nil
}

// PostgresStorage persists runs and users in Postgres.
type PostgresStorage struct {
	db *sql.DB
}

func NewPostgresStorage(cfg config.PostgresConfig) (*PostgresStorage, error) {
	dsn := cfg.URL
	if dsn == "" {
		host, port, ssl := cfg.Host, cfg.Port, cfg.SSLMode
		if host == "" {
			host = "localhost"
		}
		if port == "" {
			port = "5432"
		}
		if ssl == "" {
			ssl = "disable"
		}
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", cfg.User, cfg.Password, host, port, cfg.DBName, ssl)
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	ps := &PostgresStorage{db: db}
	if err := ps.ensureSchema(); err != nil {
		return nil, err
	}
	return ps, nil
}

func (s *PostgresStorage) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS analysis_runs (
    run_id TEXT PRIMARY KEY,
    query TEXT NOT NULL,
    report TEXT,
    strategy JSONB,
    trace JSONB,
    errors JSONB,
    started_at TIMESTAMPTZ NOT NULL,
    completed_at TIMESTAMPTZ NOT NULL,
    succeeded BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT UNIQUE NOT NULL,
    password_hash TEXT NOT NULL,
    created_at TIMESTAMPTZ DEFAULT NOW()
);
`)
	return err
}

func (s *PostgresStorage) SaveRun(ctx context.Context, result RunResult) error {
	strategy, _ := json.Marshal(result.Strategy)
	trace, _ := json.Marshal(result.Trace)
	errs, _ := json.Marshal(result.Errors)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO analysis_runs (run_id, query, report, strategy, trace, errors, started_at, completed_at, succeeded)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (run_id) DO UPDATE SET
  report = EXCLUDED.report,
  strategy = EXCLUDED.strategy,
  trace = EXCLUDED.trace,
  errors = EXCLUDED.errors,
  completed_at = EXCLUDED.completed_at,
  succeeded = EXCLUDED.succeeded;
`, result.RunID, result.Query, result.Report, strategy, trace, errs, result.StartedAt, result.CompletedAt, result.Succeeded)
	return err
}

func (s *PostgresStorage) GetRun(ctx context.Context, runID string) (RunResult, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT run_id, query, report, strategy, trace, errors, started_at, completed_at, succeeded
FROM analysis_runs WHERE run_id = $1`, runID)
	res, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunResult{}, ErrRunNotFound
	}
	return res, err
}

func (s *PostgresStorage) ListRuns(ctx context.Context, limit int) ([]RunResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, query, report, strategy, trace, errors, started_at, completed_at, succeeded
FROM analysis_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunResult
	for rows.Next() {
		res, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (RunResult, error) {
	var res RunResult
	var strategyB, traceB, errsB []byte
	if err := row.Scan(&res.RunID, &res.Query, &res.Report, &strategyB, &traceB, &errsB,
		&res.StartedAt, &res.CompletedAt, &res.Succeeded); err != nil {
		return RunResult{}, err
	}
	if len(strategyB) > 0 && string(strategyB) != "null" {
		_ = json.Unmarshal(strategyB, &res.Strategy)
	}
	_ = json.Unmarshal(traceB, &res.Trace)
	_ = json.Unmarshal(errsB, &res.Errors)
	return res, nil
}

func (s *PostgresStorage) CreateUser(ctx context.Context, email, passwordHash string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash) VALUES ($1, $2, $3)`, id, email, passwordHash)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return "", ErrUserExists
		}
		return "", err
	}
	return id, nil
}

func (s *PostgresStorage) GetUserByEmail(ctx context.Context, email string) (string, string, error) {
	var id, hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email = $1`, email).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrUserNotFound
	}
	return id, hash, err
}

func (s *PostgresStorage) Close() error { return s.db.Close() }

// RedisStorage persists runs and users as JSON values in Redis.
type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(cfg config.RedisConfig) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisStorage{client: client}, nil
}

func runKey(runID string) string  { return "hq:run:" + runID }
func userKey(email string) string { return "hq:user:" + strings.ToLower(email) }

func (s *RedisStorage) SaveRun(ctx context.Context, result RunResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, runKey(result.RunID), raw, 0)
	pipe.ZAdd(ctx, "hq:runs", redis.Z{Score: float64(result.StartedAt.UnixNano()), Member: result.RunID})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStorage) GetRun(ctx context.Context, runID string) (RunResult, error) {
	raw, err := s.client.Get(ctx, runKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return RunResult{}, ErrRunNotFound
	}
	if err != nil {
		return RunResult{}, err
	}
	var res RunResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return RunResult{}, err
	}
	return res, nil
}

func (s *RedisStorage) ListRuns(ctx context.Context, limit int) ([]RunResult, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.client.ZRevRange(ctx, "hq:runs", 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]RunResult, 0, len(ids))
	for _, id := range ids {
		res, err := s.GetRun(ctx, id)
		if errors.Is(err, ErrRunNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, nil
}

func (s *RedisStorage) CreateUser(ctx context.Context, email, passwordHash string) (string, error) {
	id := uuid.New().String()
	raw, _ := json.Marshal(map[string]string{"id": id, "password_hash": passwordHash})
	ok, err := s.client.SetNX(ctx, userKey(email), raw, 0).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrUserExists
	}
	return id, nil
}

func (s *RedisStorage) GetUserByEmail(ctx context.Context, email string) (string, string, error) {
	raw, err := s.client.Get(ctx, userKey(email)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", "", ErrUserNotFound
	}
	if err != nil {
		return "", "", err
	}
	var rec map[string]string
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", "", err
	}
	return rec["id"], rec["password_hash"], nil
}

func (s *RedisStorage) Close() error { return s.client.Close() }

// MemoryStorage keeps everything in process. Used in tests and when no
// backend is configured.
type MemoryStorage struct {
	mu    sync.RWMutex
	runs  map[string]RunResult
	users map[string][2]string // email -> id, hash
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{runs: make(map[string]RunResult), users: make(map[string][2]string)}
}

func (s *MemoryStorage) SaveRun(ctx context.Context, result RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[result.RunID] = result
	return nil
}

func (s *MemoryStorage) GetRun(ctx context.Context, runID string) (RunResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.runs[runID]
	if !ok {
		return RunResult{}, ErrRunNotFound
	}
	return res, nil
}

func (s *MemoryStorage) ListRuns(ctx context.Context, limit int) ([]RunResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunResult, 0, len(s.runs))
	for _, res := range s.runs {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStorage) CreateUser(ctx context.Context, email, passwordHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(email)
	if _, ok := s.users[key]; ok {
		return "", ErrUserExists
	}
	id := uuid.New().String()
	s.users[key] = [2]string{id, passwordHash}
	return id, nil
}

func (s *MemoryStorage) GetUserByEmail(ctx context.Context, email string) (string, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.users[strings.ToLower(email)]
	if !ok {
		return "", "", ErrUserNotFound
	}
	return rec[0], rec[1], nil
}

func (s *MemoryStorage) Close() error { return nil }
