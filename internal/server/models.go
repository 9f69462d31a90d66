package server

import (
	"time"

	core "github.com/xinzhuwang-wxz/HolisticaQuant/internal/agent/core"
)

// HTTPError is the JSON error envelope every handler returns.
type HTTPError struct {
	Error string `json:"error"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type AnalyzeRequest struct {
	Query string `json:"query"`
}

type AnalyzeResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

type AssistRequest struct {
	Query string `json:"query"`
}

type LearnRequest struct {
	Topic string `json:"topic"`
}

// RunStatusResponse is returned while a run is still executing, before a
// persisted result exists.
type RunStatusResponse struct {
	RunID     string    `json:"run_id"`
	Query     string    `json:"query"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

type insightItem struct {
	ID           int64                  `json:"id"`
	Type         string                 `json:"type"`
	Content      string                 `json:"content"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	UsageCount   int                    `json:"usage_count"`
	LastAccessed *time.Time             `json:"last_accessed,omitempty"`
}

type insightListResponse struct {
	Total    int           `json:"total"`
	Insights []insightItem `json:"insights"`
}

type runListResponse struct {
	Runs []core.RunResult `json:"runs"`
}
