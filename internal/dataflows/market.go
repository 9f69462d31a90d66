package dataflows

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/xinzhuwang-wxz/HolisticaQuant/config"
)

const maxRecordsPerTool = 200

// MarketClient wraps the market data gateway behind the research tools.
// Every tool returns pre-formatted text so the oracle can consume it directly.
type MarketClient struct {
	baseURL string
	http    *HTTPClient
}

func NewMarketClient(cfg config.SourcesConfig, client *HTTPClient) *MarketClient {
	return &MarketClient{baseURL: strings.TrimRight(cfg.MarketDataURL, "/"), http: client}
}

type marketTable struct {
	Columns []string         `json:"columns"`
	Rows    [][]any          `json:"rows"`
	Records []map[string]any `json:"records"`
}

func (m *MarketClient) fetch(ctx context.Context, path string, params url.Values) (string, error) {
	if m.baseURL == "" {
		return "", fmt.Errorf("market data url not configured")
	}
	endpoint := m.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var table marketTable
	if err := m.http.DoJSON(ctx, "GET", endpoint, nil, nil, &table); err != nil {
		return "", fmt.Errorf("market gateway %s: %w", path, err)
	}
	return formatTable(table), nil
}

// formatTable renders the gateway response as aligned tab separated text,
// one record per line, capped at maxRecordsPerTool.
func formatTable(t marketTable) string {
	if len(t.Columns) > 0 && len(t.Rows) > 0 {
		var b strings.Builder
		b.WriteString(strings.Join(t.Columns, "\t"))
		b.WriteByte('\n')
		for i, row := range t.Rows {
			if i >= maxRecordsPerTool {
				b.WriteString(fmt.Sprintf("... (%d more rows truncated)\n", len(t.Rows)-i))
				break
			}
			cells := make([]string, len(row))
			for j, v := range row {
				cells[j] = fmt.Sprint(v)
			}
			b.WriteString(strings.Join(cells, "\t"))
			b.WriteByte('\n')
		}
		return strings.TrimRight(b.String(), "\n")
	}

	if len(t.Records) == 0 {
		return "no data returned"
	}
	keys := make([]string, 0, len(t.Records[0]))
	for k := range t.Records[0] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(strings.Join(keys, "\t"))
	b.WriteByte('\n')
	for i, rec := range t.Records {
		if i >= maxRecordsPerTool {
			b.WriteString(fmt.Sprintf("... (%d more rows truncated)\n", len(t.Records)-i))
			break
		}
		cells := make([]string, len(keys))
		for j, k := range keys {
			cells[j] = fmt.Sprint(rec[k])
		}
		b.WriteString(strings.Join(cells, "\t"))
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func stringArg(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func triggerTime(args map[string]interface{}) string {
	if v := stringArg(args, "trigger_time"); v != "" {
		return v
	}
	return time.Now().Format("2006-01-02 15:04:05")
}

// StockMarketData returns recent OHLCV history for one ticker.
func (m *MarketClient) StockMarketData(ctx context.Context, args map[string]interface{}) (string, error) {
	ticker := stringArg(args, "ticker")
	if ticker == "" {
		return "", fmt.Errorf("ticker is required")
	}
	params := url.Values{}
	params.Set("ticker", ticker)
	params.Set("trigger_time", triggerTime(args))
	text, err := m.fetch(ctx, "/stock/market_data", params)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Market data for %s:\n%s", ticker, text), nil
}

// StockFundamental returns valuation and financial metrics for one ticker.
func (m *MarketClient) StockFundamental(ctx context.Context, args map[string]interface{}) (string, error) {
	ticker := stringArg(args, "ticker")
	if ticker == "" {
		return "", fmt.Errorf("ticker is required")
	}
	params := url.Values{}
	params.Set("ticker", ticker)
	params.Set("trigger_time", triggerTime(args))
	text, err := m.fetch(ctx, "/stock/fundamental", params)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Fundamental data for %s:\n%s", ticker, text), nil
}

// MarketData returns the broad market snapshot, indices and sector moves.
func (m *MarketClient) MarketData(ctx context.Context, args map[string]interface{}) (string, error) {
	params := url.Values{}
	params.Set("trigger_time", triggerTime(args))
	text, err := m.fetch(ctx, "/market/overview", params)
	if err != nil {
		return "", err
	}
	return "Market overview:\n" + text, nil
}

// HotMoney returns capital flow data, limit-up pools and top trader seats.
func (m *MarketClient) HotMoney(ctx context.Context, args map[string]interface{}) (string, error) {
	params := url.Values{}
	params.Set("trigger_time", triggerTime(args))
	text, err := m.fetch(ctx, "/market/hot_money", params)
	if err != nil {
		return "", err
	}
	return "Hot money flows:\n" + text, nil
}
