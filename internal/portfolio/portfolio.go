// Package portfolio detects portfolio/backtest requests and kicks off the
// long-running external jobs for them as detached tasks, decoupled from the
// chat turn that triggered them.
package portfolio

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/stockelper/orchestrator/internal/llm"
)

const (
	// Count bounds for a portfolio recommendation request.
	MinCount     = 1
	MaxCount     = 20
	DefaultCount = 10
)

var (
	countPattern     = regexp.MustCompile(`(\d{1,3})\s*(?:개|종목)`)
	portfolioPattern = regexp.MustCompile(`포트폴리오|리밸런싱|자산\s*배분|종목\s*추천`)
	backtestPattern  = regexp.MustCompile(`백테스트|백테스팅|과거\s*수익률\s*검증`)
)

// IsPortfolioRequest reports whether the text asks for a portfolio
// recommendation or rebalancing.
func IsPortfolioRequest(text string) bool {
	return portfolioPattern.MatchString(text)
}

// IsBacktestRequest reports whether the text asks for a backtest.
func IsBacktestRequest(text string) bool {
	return backtestPattern.MatchString(text)
}

// ExtractCount pulls an explicit target stock count out of the text. It is
// deterministic and never consults the model; counts outside [MinCount,
// MaxCount] fall back to the default.
func ExtractCount(text string) int {
	m := countPattern.FindStringSubmatch(text)
	if m == nil {
		return DefaultCount
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < MinCount || n > MaxCount {
		return DefaultCount
	}
	return n
}

// Trigger fires portfolio and backtest jobs at their services.
type Trigger struct {
	http           *resty.Client
	llm            llm.Client
	portfolioURL   string
	backtestingURL string
	logger         *zap.Logger
}

func NewTrigger(client llm.Client, portfolioURL, backtestingURL string, timeout time.Duration, logger *zap.Logger) *Trigger {
	http := resty.New()
	http.SetTimeout(timeout)
	return &Trigger{
		http:           http,
		llm:            client,
		portfolioURL:   portfolioURL,
		backtestingURL: backtestingURL,
		logger:         logger,
	}
}

// RequestPortfolio asks the portfolio service for a recommendation run.
// Call it via Detach; the chat turn never waits for it.
func (t *Trigger) RequestPortfolio(ctx context.Context, userID int64, count int) error {
	if t.portfolioURL == "" {
		return fmt.Errorf("portfolio service not configured")
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{
			"user_id":     userID,
			"stock_count": count,
		}).
		Post(t.portfolioURL + "/portfolio/recommend")
	if err != nil {
		return fmt.Errorf("portfolio request: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return fmt.Errorf("portfolio request: HTTP %d", resp.StatusCode())
	}
	return nil
}

const backtestParamsPrompt = `Build backtest parameters from the user's request.
Return JSON: {"stock_code": "<6 digits or empty>", "strategy": "<short strategy name>", "start_date": "YYYY-MM-DD", "end_date": "YYYY-MM-DD"}.
Use empty strings for anything the request does not specify.`

type backtestParams struct {
	StockCode string `json:"stock_code"`
	Strategy  string `json:"strategy"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// RequestBacktest builds job parameters from the user text with the model
// and submits them to the backtesting service. Returns the job id.
func (t *Trigger) RequestBacktest(ctx context.Context, userID int64, userText, stockCode string) (string, error) {
	if t.backtestingURL == "" {
		return "", fmt.Errorf("backtesting service not configured")
	}

	var params backtestParams
	err := t.llm.CompleteJSON(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: backtestParamsPrompt},
		{Role: openai.ChatMessageRoleUser, Content: userText},
	}, &params)
	if err != nil {
		return "", fmt.Errorf("backtest params: %w", err)
	}
	if params.StockCode == "" {
		params.StockCode = stockCode
	}

	var out struct {
		JobID string `json:"job_id"`
	}
	resp, err := t.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{
			"user_id":    userID,
			"stock_code": params.StockCode,
			"strategy":   params.Strategy,
			"start_date": params.StartDate,
			"end_date":   params.EndDate,
		}).
		SetResult(&out).
		Post(t.backtestingURL + "/backtest")
	if err != nil {
		return "", fmt.Errorf("backtest request: %w", err)
	}
	if resp.StatusCode() >= 300 {
		return "", fmt.Errorf("backtest request: HTTP %d", resp.StatusCode())
	}
	return out.JobID, nil
}

// Detach runs fn on its own goroutine with a fresh timeout, logging the
// error instead of surfacing it to the triggering turn.
func (t *Trigger) Detach(name string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := fn(ctx); err != nil {
			t.logger.Error("detached job failed", zap.String("job", name), zap.Error(err))
		}
	}()
}
