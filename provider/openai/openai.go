package openai_provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/xinzhuwang-wxz/HolisticaQuant/config"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/agent/core"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/agent/telemetry"
)

// Client talks to an OpenAI-compatible chat completions API. It implements
// core.LLMProvider.
type Client struct {
	cfg        config.LLMConfig
	httpClient *http.Client
	tel        *telemetry.Telemetry
}

// NewClient builds an oracle client from config. tel may be nil.
func NewClient(cfg config.LLMConfig, tel *telemetry.Telemetry) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		tel:        tel,
	}
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireTool struct {
	Type     string        `json:"type"`
	Function core.ToolSpec `json:"function"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []wireMessage   `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Tools          []wireTool      `json:"tools,omitempty"`
	ResponseFormat json.RawMessage `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate runs a plain completion.
func (c *Client) Generate(ctx context.Context, messages []core.Message) (core.Completion, error) {
	return c.chat(ctx, messages, nil, nil)
}

// GenerateWithTools exposes tools to the oracle.
func (c *Client) GenerateWithTools(ctx context.Context, messages []core.Message, tools []core.ToolSpec) (core.Completion, error) {
	wired := make([]wireTool, len(tools))
	for i, t := range tools {
		wired[i] = wireTool{Type: "function", Function: t}
	}
	return c.chat(ctx, messages, wired, nil)
}

// GenerateStructured constrains the completion to a JSON schema.
func (c *Client) GenerateStructured(ctx context.Context, messages []core.Message, schemaName string, schema map[string]interface{}) (json.RawMessage, error) {
	format, err := json.Marshal(map[string]interface{}{
		"type": "json_schema",
		"json_schema": map[string]interface{}{
			"name":   schemaName,
			"schema": schema,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling schema: %w", err)
	}
	comp, err := c.chat(ctx, messages, nil, format)
	if err != nil {
		return nil, err
	}
	raw := json.RawMessage(comp.Content)
	if !json.Valid(raw) {
		return nil, fmt.Errorf("structured completion is not valid JSON")
	}
	return raw, nil
}

// Embed returns one vector per input text.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(map[string]interface{}{
		"model": c.cfg.EmbeddingModel,
		"input": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshalling embedding request: %w", err)
	}
	var resp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := c.post(ctx, "/embeddings", body, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("embeddings API: %s", resp.Error.Message)
	}
	vecs := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	return vecs, nil
}

func (c *Client) chat(ctx context.Context, messages []core.Message, tools []wireTool, responseFormat json.RawMessage) (core.Completion, error) {
	wired := make([]wireMessage, len(messages))
	for i, m := range messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Arguments)
			if err != nil {
				args = []byte("{}")
			}
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(args)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		wired[i] = wm
	}
	body, err := json.Marshal(chatRequest{
		Model:          c.cfg.Model,
		Messages:       wired,
		Temperature:    c.cfg.Temperature,
		MaxTokens:      c.cfg.MaxTokens,
		Tools:          tools,
		ResponseFormat: responseFormat,
	})
	if err != nil {
		return core.Completion{}, fmt.Errorf("marshalling chat request: %w", err)
	}

	var resp chatResponse
	if err := c.post(ctx, "/chat/completions", body, &resp); err != nil {
		return core.Completion{}, err
	}
	if resp.Error != nil {
		return core.Completion{}, fmt.Errorf("chat API: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return core.Completion{}, fmt.Errorf("chat API returned no choices")
	}

	msg := resp.Choices[0].Message
	comp := core.Completion{
		Content:      msg.Content,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range msg.ToolCalls {
		call := core.ToolCall{ID: tc.ID, Name: tc.Function.Name}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments); err != nil {
			call.Arguments = map[string]interface{}{}
		}
		comp.ToolCalls = append(comp.ToolCalls, call)
	}
	c.tel.RecordOracle(c.cfg.Model, comp.InputTokens, comp.OutputTokens, 0)
	return comp, nil
}

// post sends one request with simple bounded retries on transport errors
// and 5xx responses.
func (c *Client) post(ctx context.Context, path string, body []byte, out interface{}) error {
	baseURL := c.cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	attempts := c.cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("sending request: %w", err)
			continue
		}
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("reading response: %w", err)
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("API returned status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("API returned status %d: %s", resp.StatusCode, truncateBody(data))
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		return nil
	}
	return lastErr
}

func truncateBody(data []byte) string {
	if len(data) > 512 {
		data = data[:512]
	}
	return string(data)
}
