package dataflows

import (
	"context"
	"log"

	"github.com/xinzhuwang-wxz/HolisticaQuant/config"
	"github.com/xinzhuwang-wxz/HolisticaQuant/internal/capability"
)

func tickerParams() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"ticker": map[string]interface{}{
				"type":        "string",
				"description": "Six digit A-share ticker, for example 600519",
			},
			"trigger_time": map[string]interface{}{
				"type":        "string",
				"description": "Analysis reference time, YYYY-MM-DD HH:MM:SS. Defaults to now.",
			},
		},
		"required": []string{"ticker"},
	}
}

func timeOnlyParams() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"trigger_time": map[string]interface{}{
				"type":        "string",
				"description": "Analysis reference time, YYYY-MM-DD HH:MM:SS. Defaults to now.",
			},
		},
	}
}

// BuildTools assembles the research tool set from the configured data
// sources. Tools whose backend is not configured are skipped with a log
// line rather than registered broken.
func BuildTools(cfg *config.Config, logger *log.Logger) []capability.Tool {
	if logger == nil {
		logger = log.New(log.Writer(), "[TOOLS] ", log.LstdFlags)
	}
	httpClient := NewHTTPClient(cfg.General.DefaultTimeout, 2, 0)
	market := NewMarketClient(cfg.Sources, httpClient)
	news := NewNewsClient(cfg.Sources, httpClient)

	tools := []capability.Tool{
		capability.Func{
			ToolName:        "get_stock_market_data",
			ToolDescription: "Fetch recent price and volume history for one stock ticker.",
			ToolParameters:  tickerParams(),
			Fn:              market.StockMarketData,
		},
		capability.Func{
			ToolName:        "get_stock_fundamental",
			ToolDescription: "Fetch valuation ratios and financial metrics for one stock ticker.",
			ToolParameters:  tickerParams(),
			Fn:              market.StockFundamental,
		},
		capability.Func{
			ToolName:        "get_market_data",
			ToolDescription: "Fetch the broad market snapshot: index levels and sector moves.",
			ToolParameters:  timeOnlyParams(),
			Fn:              market.MarketData,
		},
		capability.Func{
			ToolName:        "get_hot_money",
			ToolDescription: "Fetch capital flow data: limit-up pools, dragon-tiger lists and top trader seats.",
			ToolParameters:  timeOnlyParams(),
			Fn:              market.HotMoney,
		},
		capability.Func{
			ToolName:        "get_sina_news",
			ToolDescription: "Fetch the latest finance headlines with short article excerpts.",
			ToolParameters:  timeOnlyParams(),
			Fn:              news.SinaNews,
		},
		capability.Func{
			ToolName:        "calculator",
			ToolDescription: "Evaluate an arithmetic expression. Supports + - * / % ^ and parentheses.",
			ToolParameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"expression": map[string]interface{}{
						"type":        "string",
						"description": "Expression to evaluate, for example (12.5 - 3) * 4",
					},
				},
				"required": []string{"expression"},
			},
			Fn: Calculate,
		},
	}

	if searcher, err := NewWebSearcher(cfg.Sources.WebSearch); err != nil {
		logger.Printf("web_search disabled: %v", err)
	} else {
		maxResults := cfg.Sources.WebSearch.MaxResults
		tools = append(tools, capability.Func{
			ToolName:        "web_search",
			ToolDescription: "Search the web and return titles, links and snippets.",
			ToolParameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]interface{}{
						"type":        "string",
						"description": "Free text search query",
					},
				},
				"required": []string{"query"},
			},
			Fn: func(ctx context.Context, args map[string]interface{}) (string, error) {
				return WebSearch(ctx, searcher, maxResults, args)
			},
		})
	}

	return tools
}
