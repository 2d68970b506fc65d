// Package httpapi exposes the chat turn over HTTP: an SSE stream of
// progress, delta and final frames terminated by the [DONE] sentinel.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stockelper/orchestrator/internal/portfolio"
	"github.com/stockelper/orchestrator/internal/streamer"
	"github.com/stockelper/orchestrator/internal/supervisor"
)

const (
	heartbeatInterval = 15 * time.Second
	turnTimeout       = 5 * time.Minute
	subscriberBuffer  = 256
)

const (
	portfolioGuideFormat = "%d개 종목 포트폴리오 추천을 시작했습니다. 결과가 준비되면 알려드리겠습니다."
	backtestGuide        = "백테스트 요청을 접수했습니다. 완료되면 결과를 확인하실 수 있습니다."
)

// Turner runs one conversation turn, publishing frames as it goes.
type Turner interface {
	RunTurn(ctx context.Context, req supervisor.TurnRequest, turn *streamer.Turn)
}

// ChatHandler serves POST /stock/chat.
type ChatHandler struct {
	mgr        *streamer.Manager
	supervisor Turner
	trigger    *portfolio.Trigger
	logger     *zap.Logger
}

func NewChatHandler(mgr *streamer.Manager, sup Turner, trigger *portfolio.Trigger, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{mgr: mgr, supervisor: sup, trigger: trigger, logger: logger}
}

type chatRequest struct {
	UserID        int64  `json:"user_id"`
	ThreadID      string `json:"thread_id"`
	Message       string `json:"message"`
	HumanFeedback string `json:"human_feedback,omitempty"`
}

// ServeHTTP streams one turn. The turn itself runs detached from the
// request context so an early client disconnect still checkpoints state.
func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Message == "" && req.HumanFeedback == "" {
		http.Error(w, `{"error":"message required"}`, http.StatusBadRequest)
		return
	}
	if req.ThreadID == "" {
		req.ThreadID = uuid.NewString()
	}
	turnID := req.ThreadID + ":" + uuid.NewString()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch := h.mgr.Subscribe(turnID, subscriberBuffer)
	defer h.mgr.Unsubscribe(turnID, ch)

	go h.runTurn(req, turnID)

	enc := streamer.NewEncoder(w)
	fmt.Fprintf(w, ": thread %s\n\n", req.ThreadID)

	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if since, err := strconv.ParseUint(lei, 10, 64); err == nil {
			for _, evt := range h.mgr.ReplaySince(turnID, since) {
				if err := enc.Encode(evt); err != nil {
					return
				}
			}
		}
	}

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("chat client disconnected", zap.String("thread_id", req.ThreadID))
			return
		case <-hb.C:
			if err := enc.Heartbeat(); err != nil {
				return
			}
		case evt := <-ch:
			if err := enc.Encode(evt); err != nil {
				return
			}
			if evt.Type == streamer.TypeDone {
				h.mgr.Drop(turnID)
				return
			}
		}
	}
}

// runTurn dispatches to the portfolio/backtest fast paths or the full
// supervisor turn.
func (h *ChatHandler) runTurn(req chatRequest, turnID string) {
	ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	defer cancel()
	turn := h.mgr.Turn(turnID)

	switch {
	case req.HumanFeedback == "" && portfolio.IsPortfolioRequest(req.Message):
		h.servePortfolio(req, turn)
	case req.HumanFeedback == "" && portfolio.IsBacktestRequest(req.Message):
		h.serveBacktest(req, turn)
	default:
		h.supervisor.RunTurn(ctx, supervisor.TurnRequest{
			UserID:        req.UserID,
			ThreadID:      req.ThreadID,
			Message:       req.Message,
			HumanFeedback: req.HumanFeedback,
		}, turn)
	}
}

// servePortfolio fires the recommendation job and answers with a guide
// message; the job itself runs detached.
func (h *ChatHandler) servePortfolio(req chatRequest, turn *streamer.Turn) {
	count := portfolio.ExtractCount(req.Message)
	userID := req.UserID
	h.trigger.Detach("portfolio", func(ctx context.Context) error {
		return h.trigger.RequestPortfolio(ctx, userID, count)
	})

	guide := fmt.Sprintf(portfolioGuideFormat, count)
	turn.Progress("portfolio", streamer.StatusStart)
	turn.Progress("portfolio", streamer.StatusEnd)
	turn.StreamText(guide)
	turn.Final(streamer.Final(guide, nil, nil, ""))
	turn.Done()
}

func (h *ChatHandler) serveBacktest(req chatRequest, turn *streamer.Turn) {
	userID, message := req.UserID, req.Message
	h.trigger.Detach("backtest", func(ctx context.Context) error {
		_, err := h.trigger.RequestBacktest(ctx, userID, message, "")
		return err
	})

	turn.Progress("backtest", streamer.StatusStart)
	turn.Progress("backtest", streamer.StatusEnd)
	turn.StreamText(backtestGuide)
	turn.Final(streamer.Final(backtestGuide, nil, nil, ""))
	turn.Done()
}
