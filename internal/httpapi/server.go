package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stockelper/orchestrator/internal/portfolio"
	"github.com/stockelper/orchestrator/internal/streamer"
)

// Server wires the chat handler and the operational endpoints onto a mux.
type Server struct {
	chat   *ChatHandler
	logger *zap.Logger
}

func NewServer(mgr *streamer.Manager, sup Turner, trigger *portfolio.Trigger, logger *zap.Logger) *Server {
	return &Server{
		chat:   NewChatHandler(mgr, sup, trigger, logger),
		logger: logger,
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/stock/chat", s.chat)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
