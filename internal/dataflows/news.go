package dataflows

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/xinzhuwang-wxz/HolisticaQuant/config"
)

const (
	newsUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0 Safari/537.36"
	newsMaxItems     = 30
	newsEnrichTop    = 5
	newsArticleChars = 1200
)

// jsonpRe strips a JSONP callback wrapper when the feed answers one.
var jsonpRe = regexp.MustCompile(`(?s)^\s*[\w$]+\((.*)\)\s*;?\s*$`)

// NewsClient fetches headlines from the Sina finance roll feed and
// optionally enriches the top items with extracted article text.
type NewsClient struct {
	feedURL string
	http    *HTTPClient
	enrich  bool
}

func NewNewsClient(cfg config.SourcesConfig, client *HTTPClient) *NewsClient {
	feed := cfg.NewsFeedURL
	if feed == "" {
		feed = "https://feed.mix.sina.com.cn/api/roll/get?pageid=384&lid=2519&num=50&page=1"
	}
	return &NewsClient{feedURL: feed, http: client, enrich: true}
}

type newsItem struct {
	Title string
	URL   string
	Intro string
	Time  time.Time
}

// SinaNews returns recent finance headlines as formatted text.
func (n *NewsClient) SinaNews(ctx context.Context, args map[string]interface{}) (string, error) {
	headers := map[string]string{
		"User-Agent": newsUserAgent,
		"Referer":    "https://finance.sina.com.cn/",
	}
	raw, err := n.http.GetText(ctx, n.feedURL, headers)
	if err != nil {
		return "", fmt.Errorf("news feed: %w", err)
	}
	items, err := parseNewsFeed(raw)
	if err != nil {
		return "", fmt.Errorf("news feed: %w", err)
	}
	if len(items) == 0 {
		return "no news returned", nil
	}
	if len(items) > newsMaxItems {
		items = items[:newsMaxItems]
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("Latest finance news (%d items, as of %s):\n", len(items), triggerTime(args)))
	for i, it := range items {
		b.WriteString(fmt.Sprintf("%d. %s", i+1, it.Title))
		if !it.Time.IsZero() {
			b.WriteString(" (" + it.Time.Format("2006-01-02 15:04") + ")")
		}
		b.WriteByte('\n')
		if it.Intro != "" {
			b.WriteString("   " + it.Intro + "\n")
		}
		if n.enrich && i < newsEnrichTop && it.URL != "" {
			if text := n.articleText(ctx, it.URL); text != "" {
				b.WriteString("   " + text + "\n")
			}
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// articleText pulls the article page and extracts readable body text.
// Failures are silent, the headline and intro are still useful on their own.
func (n *NewsClient) articleText(ctx context.Context, articleURL string) string {
	html, err := n.http.GetText(ctx, articleURL, map[string]string{"User-Agent": newsUserAgent})
	if err != nil {
		return ""
	}
	parsed, err := url.Parse(articleURL)
	if err != nil {
		return ""
	}
	article, err := readability.FromReader(strings.NewReader(html), parsed)
	if err != nil {
		return ""
	}
	text := strings.Join(strings.Fields(article.TextContent), " ")
	if len(text) > newsArticleChars {
		text = text[:newsArticleChars] + "..."
	}
	return text
}

func parseNewsFeed(raw string) ([]newsItem, error) {
	jsonText := strings.TrimSpace(raw)
	if m := jsonpRe.FindStringSubmatch(jsonText); m != nil {
		jsonText = m[1]
	}
	var payload struct {
		Result struct {
			Data []struct {
				Title string          `json:"title"`
				URL   string          `json:"url"`
				Intro string          `json:"intro"`
				CTime json.RawMessage `json:"ctime"`
			} `json:"data"`
		} `json:"result"`
	}
	if err := json.Unmarshal([]byte(jsonText), &payload); err != nil {
		return nil, err
	}
	items := make([]newsItem, 0, len(payload.Result.Data))
	for _, d := range payload.Result.Data {
		title := strings.TrimSpace(d.Title)
		if title == "" {
			continue
		}
		items = append(items, newsItem{
			Title: title,
			URL:   strings.TrimSpace(d.URL),
			Intro: strings.TrimSpace(d.Intro),
			Time:  parseFeedTime(d.CTime),
		})
	}
	return items, nil
}

// parseFeedTime handles the feed's unix timestamps, which arrive either as
// a number or a quoted string.
func parseFeedTime(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil && asNumber > 0 {
		return time.Unix(asNumber, 0)
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		var secs int64
		if _, err := fmt.Sscanf(asString, "%d", &secs); err == nil && secs > 0 {
			return time.Unix(secs, 0)
		}
	}
	return time.Time{}
}
