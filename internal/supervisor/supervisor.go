package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stockelper/orchestrator/internal/kg"
	"github.com/stockelper/orchestrator/internal/llm"
	"github.com/stockelper/orchestrator/internal/metrics"
	"github.com/stockelper/orchestrator/internal/resolver"
	"github.com/stockelper/orchestrator/internal/specialist"
	"github.com/stockelper/orchestrator/internal/streamer"
)

// DirectTarget is the routing sentinel for "answer the user directly".
const DirectTarget = "User"

// Fixed user-facing guard messages.
const (
	unknownFeatureMessage   = "죄송합니다. 해당 기능은 제공하지 않는 기능입니다."
	roundBudgetMessage      = "더 이상 실행할 수 없습니다."
	routerFailureMessage    = "죄송합니다. 요청을 처리하는 중 오류가 발생했습니다. 잠시 후 다시 시도해주세요."
	feedbackRejectedMessage = "주문 실행 기능은 비활성화되어 있습니다. 분석 결과는 참고용으로만 제공됩니다."
	notExecutedNote         = "※ 위 전략은 참고용이며, 실제 주문은 실행되지 않습니다."
)

// Resolver is the entity-resolution collaborator.
type Resolver interface {
	Resolve(ctx context.Context, userText string, includeSubgraph bool) (resolver.Resolution, error)
}

// Runner executes one specialist delegation.
type Runner interface {
	Run(ctx context.Context, sp *specialist.Specialist, instruction string, rc *specialist.RunContext) (string, error)
}

// Checkpoints persists turn state by thread id.
type Checkpoints interface {
	Load(ctx context.Context, threadID string) (*State, error)
	Save(ctx context.Context, threadID string, st *State) error
}

type Config struct {
	MaxDelegationRounds int
	MaxMessages         int
	MaxResults          int
}

type Supervisor struct {
	llm         llm.Client
	runner      Runner
	catalog     map[string]*specialist.Specialist
	resolver    Resolver
	checkpoints Checkpoints
	cfg         Config
	logger      *zap.Logger
}

func New(client llm.Client, runner Runner, catalog map[string]*specialist.Specialist, res Resolver, cp Checkpoints, cfg Config, logger *zap.Logger) *Supervisor {
	return &Supervisor{
		llm:         client,
		runner:      runner,
		catalog:     catalog,
		resolver:    res,
		checkpoints: cp,
		cfg:         cfg,
		logger:      logger,
	}
}

// TurnRequest is one inbound user message.
type TurnRequest struct {
	UserID        int64
	ThreadID      string
	Message       string
	HumanFeedback string
}

// RunTurn drives one full turn and publishes every frame to the stream:
// progress markers during work, delta tokens of the final text, exactly one
// final frame, then the terminal marker.
func (s *Supervisor) RunTurn(ctx context.Context, req TurnRequest, turn *streamer.Turn) {
	metrics.TurnsStarted.Inc()
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.TurnDuration.Observe(time.Since(start).Seconds())
		metrics.TurnsCompleted.WithLabelValues(status).Inc()
	}()

	st, err := s.checkpoints.Load(ctx, req.ThreadID)
	if err != nil {
		s.logger.Warn("checkpoint load failed, starting fresh",
			zap.String("thread_id", req.ThreadID), zap.Error(err))
		st = NewState()
	}
	st.BeginTurn(req.Message, s.cfg.MaxMessages)

	if req.HumanFeedback != "" {
		// The trade-confirmation resume path is disabled.
		s.finish(ctx, req, st, feedbackRejectedMessage, "", turn)
		return
	}

	// Entity resolution runs concurrently with the first routing decision;
	// neither depends on the other's output.
	resCh := make(chan resolver.Resolution, 1)
	go func() {
		res, err := s.resolver.Resolve(ctx, req.Message, true)
		if err != nil {
			s.logger.Warn("entity resolution failed", zap.Error(err))
			res = resolver.Resolution{Name: resolver.NoneSentinel, Code: resolver.NoneSentinel}
		}
		resCh <- res
	}()

	final, errText := "", ""
	pending := resCh
	for {
		out := s.supervise(ctx, st, req.Message, pending, turn)
		pending = nil
		if out.terminal {
			final = out.message
			if out.failed {
				status = "error"
				errText = "routing failed"
			}
			break
		}

		s.executeSpecialists(ctx, st, req, turn)

		if msg, ok := s.strategyGate(ctx, st); ok {
			final = msg
			break
		}
	}

	metrics.DelegationRounds.Observe(float64(st.DelegationRounds))
	s.finish(ctx, req, st, final, errText, turn)
}

func (s *Supervisor) finish(ctx context.Context, req TurnRequest, st *State, message, errText string, turn *streamer.Turn) {
	st.AppendMessage("assistant", message, s.cfg.MaxMessages)
	turn.StreamText(message)
	turn.Final(streamer.Final(message, st.Subgraph, st.TradeIntent, errText))
	turn.Done()
	if err := s.checkpoints.Save(ctx, req.ThreadID, st); err != nil {
		s.logger.Error("checkpoint save failed",
			zap.String("thread_id", req.ThreadID), zap.Error(err))
	}
}

type outcome struct {
	terminal bool
	failed   bool
	message  string
}

// supervise is one pass through the decision point: cached-result
// short-circuit, model routing, keyword overrides, then the guard chain.
func (s *Supervisor) supervise(ctx context.Context, st *State, userText string, resCh <-chan resolver.Resolution, turn *streamer.Turn) outcome {
	turn.Progress("supervisor", streamer.StatusStart)
	defer turn.Progress("supervisor", streamer.StatusEnd)

	if msg, ok := s.shortCircuit(st, userText); ok {
		return outcome{terminal: true, message: msg}
	}

	routes, err := s.route(ctx, st, userText)
	if err != nil {
		s.logger.Error("routing failed", zap.Error(err))
		return outcome{terminal: true, failed: true, message: routerFailureMessage}
	}

	if resCh != nil {
		st.MergeResolution(<-resCh)
	}

	if target, forced := overrideTarget(userText, st); forced {
		// The model's instruction was written for its own target; the forced
		// specialist answers the user's question directly.
		routes[0] = Delegation{Target: target, Instruction: userText}
	}

	first := routes[0]
	if first.Target != DirectTarget {
		if _, known := s.catalog[first.Target]; !known {
			return outcome{terminal: true, message: unknownFeatureMessage}
		}
	}
	if first.Target == DirectTarget {
		return outcome{terminal: true, message: first.Instruction}
	}
	if st.DelegationRounds >= s.cfg.MaxDelegationRounds {
		return outcome{terminal: true, message: roundBudgetMessage}
	}

	st.PendingDelegations = st.PendingDelegations[:0]
	for _, r := range routes {
		if _, known := s.catalog[r.Target]; known {
			st.PendingDelegations = append(st.PendingDelegations, r)
		}
	}
	return outcome{}
}

var (
	pricePattern = regexp.MustCompile(`주가|가격|현재가|시세|주식\s*가격`)
	newsPattern  = regexp.MustCompile(`뉴스|최신|최근\s*소식|소식|이슈|기사|호재|악재`)
)

// shortCircuit answers a repeated price/news intent from this turn's cached
// specialist results instead of re-delegating.
func (s *Supervisor) shortCircuit(st *State, userText string) (string, bool) {
	if pricePattern.MatchString(userText) {
		if r, ok := st.ResultFor(specialist.TechnicalAnalysis); ok && r.Result != "" {
			return r.Result, true
		}
	}
	if newsPattern.MatchString(userText) {
		if r, ok := st.ResultFor(specialist.MarketAnalysis); ok && r.Result != "" {
			return r.Result, true
		}
	}
	return "", false
}

// override forces a routing target when its predicate matches. Applied in
// order after the model call; the first match wins.
type override struct {
	applies func(userText string, st *State) bool
	target  string
}

// Guards against known model misrouting for the two highest-frequency
// intents. Price questions need a resolved code to be answerable by the
// technical specialist.
var overrides = []override{
	{
		applies: func(text string, st *State) bool {
			return pricePattern.MatchString(text) && st.StockCode != resolver.NoneSentinel
		},
		target: specialist.TechnicalAnalysis,
	},
	{
		applies: func(text string, _ *State) bool {
			return newsPattern.MatchString(text)
		},
		target: specialist.MarketAnalysis,
	},
}

func overrideTarget(userText string, st *State) (string, bool) {
	for _, o := range overrides {
		if o.applies(userText, st) {
			return o.target, true
		}
	}
	return "", false
}

const routerPromptFormat = `You are the supervisor of a team of Korean stock-analysis specialists.
Route the user's request to one or more targets:
- MarketAnalysisAgent: news, sentiment, recent issues around a company or the market.
- FundamentalAnalysisAgent: financial statements, valuation ratios, whether a stock is cheap or expensive.
- TechnicalAnalysisAgent: current price, quotes, price action, volume.
- InvestmentStrategyAgent: buy/sell direction, position sizing, concrete investment strategy.
- GraphRAGAgent: questions answerable from the financial knowledge graph (disclosures, documents, historical prices).
- User: answer the user directly yourself; put the full answer in "message". Use this for greetings, small talk, and anything outside the team's capabilities.

Each entry's "message" is the instruction for that specialist (or the direct answer for User).
The first entry decides whether the turn ends. Answer user-facing text in Korean.
Return JSON: {"routes": [{"target": "...", "message": "..."}]}`

type routerList struct {
	Routes []Delegation `json:"routes"`
}

func (s *Supervisor) route(ctx context.Context, st *State, userText string) ([]Delegation, error) {
	history := make([]string, 0, len(st.Messages))
	for _, m := range st.Messages {
		history = append(history, m.Role+": "+m.Content)
	}
	resultsJSON, _ := json.Marshal(st.SpecialistResults)

	user := fmt.Sprintf("Conversation:\n%s\n\nSpecialist results so far:\n%s\n\nLatest user message: %s",
		strings.Join(history, "\n"), resultsJSON, userText)

	var list routerList
	err := s.llm.CompleteJSON(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: routerPromptFormat},
		{Role: openai.ChatMessageRoleUser, Content: user},
	}, &list)
	if err != nil {
		return nil, fmt.Errorf("routing decision: %w", err)
	}
	if len(list.Routes) == 0 {
		return nil, fmt.Errorf("routing decision: empty route list")
	}
	return list.Routes, nil
}

// executeSpecialists fans out one task per pending delegation, joins them
// all, then appends results and advances the round counter. A failed run
// becomes an error-text result; it never aborts the round.
func (s *Supervisor) executeSpecialists(ctx context.Context, st *State, req TurnRequest, turn *streamer.Turn) {
	delegations := st.PendingDelegations
	results := make([]SpecialistResult, len(delegations))
	subgraphs := make([]*kg.Subgraph, len(delegations))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range delegations {
		g.Go(func() error {
			sp := s.catalog[d.Target]
			rc := &specialist.RunContext{
				UserID:    req.UserID,
				ThreadID:  req.ThreadID,
				StockName: st.StockName,
				StockCode: st.StockCode,
				Subgraph:  st.Subgraph,
				Emit:      turn.Progress,
			}
			text, err := s.runner.Run(gctx, sp, s.wrapInstruction(st, req.Message, d.Instruction), rc)
			if err != nil {
				s.logger.Warn("specialist run failed",
					zap.String("target", d.Target), zap.Error(err))
				text = "분석 중 오류가 발생했습니다: " + err.Error()
			}
			results[i] = SpecialistResult{Target: d.Target, Instruction: d.Instruction, Result: text}
			subgraphs[i] = taggedSubgraph(text, rc.ToolOutputs)
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range results {
		st.AppendResult(r, s.cfg.MaxResults)
		st.MergeSubgraph(subgraphs[i])
	}
	st.PendingDelegations = nil
	st.DelegationRounds++
}

// taggedSubgraph recovers the largest tagged subgraph payload from a run:
// the final text is scanned first, then every intermediate tool output, so
// a payload survives even when the model drops the tag from its answer.
func taggedSubgraph(finalText string, toolOutputs []string) *kg.Subgraph {
	var best *kg.Subgraph
	if sg, ok := kg.ExtractTagged(finalText); ok {
		best = sg
	}
	for _, out := range toolOutputs {
		if sg, ok := kg.ExtractTagged(out); ok {
			best = kg.Merge(best, sg)
		}
	}
	return best
}

// wrapInstruction gives a specialist the shared turn context so it can
// build on prior results.
func (s *Supervisor) wrapInstruction(st *State, userText, instruction string) string {
	resultsJSON, _ := json.Marshal(st.SpecialistResults)
	return fmt.Sprintf(
		"<user>%s</user>\n<stock_name>%s</stock_name>\n<stock_code>%s</stock_code>\n<agent_analysis_result>%s</agent_analysis_result>\n\n%s",
		userText, st.StockName, st.StockCode, resultsJSON, instruction)
}

const tradeIntentPrompt = `Extract an advisory order description from the strategy text.
Return JSON: {"stock_code": "<6 digits or empty>", "order_side": "buy"|"sell"|"", "order_type": "market"|"limit"|"", "order_price": <number>, "order_quantity": <integer>}.
Use empty strings and zero when the strategy does not commit to a concrete order.`

// strategyGate terminates the turn once an investment-strategy result
// exists: it extracts an advisory trade intent and reports the strategy
// with an explicit not-executed note.
func (s *Supervisor) strategyGate(ctx context.Context, st *State) (string, bool) {
	r, ok := st.ResultFor(specialist.InvestmentStrategy)
	if !ok || r.Result == "" {
		return "", false
	}

	var intent TradeIntent
	err := s.llm.CompleteJSON(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: tradeIntentPrompt},
		{Role: openai.ChatMessageRoleUser, Content: r.Result},
	}, &intent)
	if err != nil {
		s.logger.Warn("trade intent extraction failed", zap.Error(err))
	} else if intent.Side != "" && intent.StockCode != "" {
		st.TradeIntent = &intent
	}

	return r.Result + "\n\n" + notExecutedNote, true
}
