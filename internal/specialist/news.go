package specialist

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// NewsItem is one search hit.
type NewsItem struct {
	Title       string `json:"title"`
	Link        string `json:"link"`
	Description string `json:"description"`
	PubDate     string `json:"pubDate"`
}

// NewsSearcher backs the search_news tool.
type NewsSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]NewsItem, error)
}

// NaverNews searches the Naver open API.
type NaverNews struct {
	http         *resty.Client
	clientID     string
	clientSecret string
}

func NewNaverNews(baseURL, clientID, clientSecret string, timeout time.Duration) *NaverNews {
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(timeout)
	return &NaverNews{http: client, clientID: clientID, clientSecret: clientSecret}
}

type naverNewsResponse struct {
	Items []NewsItem `json:"items"`
}

func (n *NaverNews) Search(ctx context.Context, query string, limit int) ([]NewsItem, error) {
	if n.clientID == "" || n.clientSecret == "" {
		return nil, fmt.Errorf("news: client credentials not configured")
	}
	if limit <= 0 {
		limit = 10
	}
	var out naverNewsResponse
	resp, err := n.http.R().
		SetContext(ctx).
		SetHeader("X-Naver-Client-Id", n.clientID).
		SetHeader("X-Naver-Client-Secret", n.clientSecret).
		SetQueryParams(map[string]string{
			"query":   query,
			"display": strconv.Itoa(limit),
			"sort":    "date",
		}).
		SetResult(&out).
		Get("/v1/search/news.json")
	if err != nil {
		return nil, fmt.Errorf("news search: %w", err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("news search: HTTP %d", resp.StatusCode())
	}
	return out.Items, nil
}
