package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stockelper/orchestrator/internal/kg"
	"github.com/stockelper/orchestrator/internal/resolver"
	"github.com/stockelper/orchestrator/internal/specialist"
	"github.com/stockelper/orchestrator/internal/streamer"
)

// queueLLM pops scripted JSON responses; the last one repeats once the
// queue is exhausted.
type queueLLM struct {
	mu        sync.Mutex
	responses []string
	idx       int
}

func (q *queueLLM) Complete(context.Context, []openai.ChatCompletionMessage) (string, error) {
	return q.pop(), nil
}

func (q *queueLLM) CompleteJSON(_ context.Context, _ []openai.ChatCompletionMessage, out any) error {
	return json.Unmarshal([]byte(q.pop()), out)
}

func (q *queueLLM) Step(context.Context, []openai.ChatCompletionMessage, []openai.Tool) (openai.ChatCompletionMessage, error) {
	return openai.ChatCompletionMessage{Content: q.pop()}, nil
}

func (q *queueLLM) pop() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.idx >= len(q.responses) {
		return q.responses[len(q.responses)-1]
	}
	r := q.responses[q.idx]
	q.idx++
	return r
}

type fakeRunner struct {
	mu           sync.Mutex
	targets      []string
	instructions []string
	results      map[string]string
	toolOutputs  map[string][]string
}

func (f *fakeRunner) Run(_ context.Context, sp *specialist.Specialist, instruction string, rc *specialist.RunContext) (string, error) {
	f.mu.Lock()
	f.targets = append(f.targets, sp.Name)
	f.instructions = append(f.instructions, instruction)
	f.mu.Unlock()
	rc.ToolOutputs = append(rc.ToolOutputs, f.toolOutputs[sp.Name]...)
	if out, ok := f.results[sp.Name]; ok {
		return out, nil
	}
	return sp.Name + " 분석 결과", nil
}

type fakeResolver struct {
	res resolver.Resolution
}

func (f *fakeResolver) Resolve(context.Context, string, bool) (resolver.Resolution, error) {
	return f.res, nil
}

type memCheckpoints struct {
	mu     sync.Mutex
	states map[string]*State
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{states: make(map[string]*State)}
}

func (m *memCheckpoints) Load(_ context.Context, threadID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.states[threadID]; ok {
		return st, nil
	}
	return NewState(), nil
}

func (m *memCheckpoints) Save(_ context.Context, threadID string, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[threadID] = st
	return nil
}

func testCatalog() map[string]*specialist.Specialist {
	cat := make(map[string]*specialist.Specialist)
	for _, name := range []string{
		specialist.MarketAnalysis, specialist.FundamentalAnalysis,
		specialist.TechnicalAnalysis, specialist.InvestmentStrategy, specialist.GraphRAG,
	} {
		cat[name] = &specialist.Specialist{Name: name}
	}
	return cat
}

func testSupervisor(llm *queueLLM, runner *fakeRunner, res resolver.Resolution) (*Supervisor, *memCheckpoints) {
	cp := newMemCheckpoints()
	s := New(llm, runner, testCatalog(), &fakeResolver{res: res}, cp,
		Config{MaxDelegationRounds: 3, MaxMessages: 10, MaxResults: 10}, zap.NewNop())
	return s, cp
}

// runTurn drives a turn and collects the full frame stream.
func runTurn(t *testing.T, s *Supervisor, req TurnRequest) []streamer.Event {
	t.Helper()
	mgr := streamer.NewManager(512)
	ch := mgr.Subscribe(req.ThreadID, 512)

	done := make(chan struct{})
	var events []streamer.Event
	go func() {
		defer close(done)
		for evt := range ch {
			events = append(events, evt)
			if evt.Type == streamer.TypeDone {
				mgr.Unsubscribe(req.ThreadID, ch)
			}
		}
	}()

	s.RunTurn(context.Background(), req, mgr.Turn(req.ThreadID))
	<-done
	return events
}

func finalFrame(t *testing.T, events []streamer.Event) streamer.Event {
	t.Helper()
	var finals []streamer.Event
	for _, e := range events {
		if e.Type == streamer.TypeFinal {
			finals = append(finals, e)
		}
	}
	require.Len(t, finals, 1, "exactly one final frame")
	return finals[0]
}

func noneResolution() resolver.Resolution {
	return resolver.Resolution{Name: resolver.NoneSentinel, Code: resolver.NoneSentinel}
}

func TestStateBoundedHistories(t *testing.T) {
	st := NewState()
	for i := 0; i < 25; i++ {
		st.AppendMessage("user", fmt.Sprintf("m%d", i), 10)
		st.AppendResult(SpecialistResult{Target: "T", Result: fmt.Sprintf("r%d", i)}, 10)
	}
	assert.Len(t, st.Messages, 10)
	assert.Len(t, st.SpecialistResults, 10)
	assert.Equal(t, "m24", st.Messages[9].Content)
	assert.Equal(t, "r24", st.SpecialistResults[9].Result)
}

func TestBeginTurnResetsAnalysisFieldsKeepsMessages(t *testing.T) {
	st := NewState()
	st.AppendMessage("user", "이전 질문", 10)
	st.AppendResult(SpecialistResult{Target: "T", Result: "r"}, 10)
	st.DelegationRounds = 2
	st.StockName, st.StockCode = "삼성전자", "005930"
	st.TradeIntent = &TradeIntent{Side: "buy"}

	st.BeginTurn("새 질문", 10)

	assert.Len(t, st.Messages, 2, "messages persist")
	assert.Empty(t, st.SpecialistResults)
	assert.Zero(t, st.DelegationRounds)
	assert.Equal(t, resolver.NoneSentinel, st.StockName)
	assert.Equal(t, resolver.NoneSentinel, st.StockCode)
	assert.Nil(t, st.TradeIntent)
}

func TestDirectAnswerTerminates(t *testing.T) {
	llm := &queueLLM{responses: []string{
		`{"routes": [{"target": "User", "message": "안녕하세요! 무엇을 도와드릴까요?"}]}`,
	}}
	runner := &fakeRunner{}
	s, _ := testSupervisor(llm, runner, noneResolution())

	events := runTurn(t, s, TurnRequest{UserID: 1, ThreadID: "t1", Message: "안녕"})
	final := finalFrame(t, events)

	assert.Equal(t, "안녕하세요! 무엇을 도와드릴까요?", final.Message)
	assert.Empty(t, runner.targets)
	assert.Equal(t, streamer.TypeDone, events[len(events)-1].Type)

	// Delta frames reassemble to the final message.
	var rebuilt string
	for _, e := range events {
		if e.Type == streamer.TypeDelta {
			rebuilt += e.Token
		}
	}
	assert.Equal(t, final.Message, rebuilt)
}

func TestUnknownTargetAnswersFixedMessage(t *testing.T) {
	llm := &queueLLM{responses: []string{
		`{"routes": [{"target": "PortfolioWizard", "message": "포트폴리오 구성"}]}`,
	}}
	runner := &fakeRunner{}
	s, cp := testSupervisor(llm, runner, noneResolution())

	events := runTurn(t, s, TurnRequest{UserID: 1, ThreadID: "t1", Message: "포트폴리오 만들어줘"})
	final := finalFrame(t, events)

	assert.Equal(t, unknownFeatureMessage, final.Message)
	assert.Empty(t, runner.targets)
	st, _ := cp.Load(context.Background(), "t1")
	assert.Empty(t, st.SpecialistResults, "results left unchanged")
}

func TestDelegationRoundBudget(t *testing.T) {
	llm := &queueLLM{responses: []string{
		`{"routes": [{"target": "FundamentalAnalysisAgent", "message": "재무 분석"}]}`,
	}}
	runner := &fakeRunner{}
	s, cp := testSupervisor(llm, runner, noneResolution())

	events := runTurn(t, s, TurnRequest{UserID: 1, ThreadID: "t1", Message: "계속 분석해줘"})
	final := finalFrame(t, events)

	assert.Equal(t, roundBudgetMessage, final.Message)
	assert.Len(t, runner.targets, 3, "one run per allowed round")
	st, _ := cp.Load(context.Background(), "t1")
	assert.Equal(t, 3, st.DelegationRounds)
}

func TestPriceOverrideForcesTechnicalAnalysis(t *testing.T) {
	llm := &queueLLM{responses: []string{
		`{"routes": [{"target": "GraphRAGAgent", "message": "그래프 조회"}]}`,
		`{"routes": [{"target": "User", "message": "현재가는 71,500원입니다."}]}`,
	}}
	runner := &fakeRunner{}
	s, _ := testSupervisor(llm, runner, resolver.Resolution{Name: "삼성전자", Code: "005930"})

	events := runTurn(t, s, TurnRequest{UserID: 1, ThreadID: "t1", Message: "삼성전자 주가 알려줘"})
	finalFrame(t, events)

	require.NotEmpty(t, runner.targets)
	assert.Equal(t, specialist.TechnicalAnalysis, runner.targets[0],
		"price phrasing with a resolved code overrides the model's target")
	assert.True(t, strings.HasSuffix(runner.instructions[0], "삼성전자 주가 알려줘"),
		"a forced specialist gets the user's question, not the instruction written for the model's own target")
}

func TestShortCircuitOnCachedTechnicalResult(t *testing.T) {
	s, _ := testSupervisor(&queueLLM{responses: []string{`{}`}}, &fakeRunner{}, noneResolution())

	st := NewState()
	st.AppendResult(SpecialistResult{
		Target: specialist.TechnicalAnalysis,
		Result: "현재가는 71,500원입니다.",
	}, 10)

	mgr := streamer.NewManager(16)
	out := s.supervise(context.Background(), st, "주가 얼마야?", nil, mgr.Turn("t1"))
	assert.True(t, out.terminal)
	assert.Equal(t, "현재가는 71,500원입니다.", out.message)
}

func TestGraphRAGSubgraphMergedFromResult(t *testing.T) {
	payload := `{"nodes":[{"type":"Company","name":"삼성전자"},{"type":"Event","name":"유상증자:D-1"}],"relations":[]}`
	llm := &queueLLM{responses: []string{
		`{"routes": [{"target": "GraphRAGAgent", "message": "공시 조회"}]}`,
		`{"routes": [{"target": "User", "message": "공시 내역을 정리했습니다."}]}`,
	}}
	runner := &fakeRunner{results: map[string]string{
		specialist.GraphRAG: "공시 분석 결과\n<subgraph>" + payload + "</subgraph>",
	}}
	s, cp := testSupervisor(llm, runner, noneResolution())

	events := runTurn(t, s, TurnRequest{UserID: 1, ThreadID: "t1", Message: "삼성전자 공시 내역"})
	final := finalFrame(t, events)

	require.NotNil(t, final.Subgraph)
	assert.Len(t, final.Subgraph.Nodes, 2)
	st, _ := cp.Load(context.Background(), "t1")
	assert.Len(t, st.Subgraph.Nodes, 2)
}

func TestSubgraphRecoveredFromToolOutput(t *testing.T) {
	payload := `{"nodes":[{"type":"Company","name":"삼성전자"},{"type":"Document","name":"사업보고서:r-1"}],"relations":[]}`
	llm := &queueLLM{responses: []string{
		`{"routes": [{"target": "GraphRAGAgent", "message": "공시 조회"}]}`,
		`{"routes": [{"target": "User", "message": "공시 내역을 정리했습니다."}]}`,
	}}
	runner := &fakeRunner{
		results: map[string]string{
			specialist.GraphRAG: "공시 2건을 찾았습니다.",
		},
		toolOutputs: map[string][]string{
			specialist.GraphRAG: {"조회 결과\n<subgraph>" + payload + "</subgraph>"},
		},
	}
	s, cp := testSupervisor(llm, runner, noneResolution())

	events := runTurn(t, s, TurnRequest{UserID: 1, ThreadID: "t1", Message: "삼성전자 공시 내역"})
	final := finalFrame(t, events)

	require.NotNil(t, final.Subgraph, "payload dropped from the answer still reaches the state")
	assert.Len(t, final.Subgraph.Nodes, 2)
	st, _ := cp.Load(context.Background(), "t1")
	require.NotNil(t, st.Subgraph)
	assert.Len(t, st.Subgraph.Nodes, 2)
}

func TestSubgraphMergeNonRegression(t *testing.T) {
	st := NewState()
	rich := &kg.Subgraph{Nodes: []kg.Node{{Name: "a"}, {Name: "b"}, {Name: "c"}}}
	poor := &kg.Subgraph{Nodes: []kg.Node{{Name: "a"}}}

	st.MergeSubgraph(rich)
	st.MergeSubgraph(poor)
	assert.Same(t, rich, st.Subgraph)
}

func TestStrategyGateExtractsAdvisoryIntent(t *testing.T) {
	llm := &queueLLM{responses: []string{
		`{"routes": [{"target": "InvestmentStrategyAgent", "message": "전략 수립"}]}`,
		`{"stock_code": "005930", "order_side": "buy", "order_type": "limit", "order_price": 70000, "order_quantity": 10}`,
	}}
	runner := &fakeRunner{results: map[string]string{
		specialist.InvestmentStrategy: "70,000원에 10주 분할 매수를 제안합니다.",
	}}
	s, _ := testSupervisor(llm, runner, resolver.Resolution{Name: "삼성전자", Code: "005930"})

	events := runTurn(t, s, TurnRequest{UserID: 1, ThreadID: "t1", Message: "삼성전자 투자 전략 알려줘"})
	final := finalFrame(t, events)

	assert.Contains(t, final.Message, notExecutedNote)
	require.NotNil(t, final.TradeIntent)
	intent := final.TradeIntent.(*TradeIntent)
	assert.Equal(t, "buy", intent.Side)
	assert.Equal(t, 10, intent.Quantity)
	assert.Len(t, runner.targets, 1, "strategy gate terminates after one round")
}

func TestHumanFeedbackRejected(t *testing.T) {
	llm := &queueLLM{responses: []string{`{}`}}
	s, _ := testSupervisor(llm, &fakeRunner{}, noneResolution())

	events := runTurn(t, s, TurnRequest{UserID: 1, ThreadID: "t1", Message: "네", HumanFeedback: "approve"})
	final := finalFrame(t, events)
	assert.Equal(t, feedbackRejectedMessage, final.Message)
}

func TestRouterFailureProducesSingleErrorMessage(t *testing.T) {
	llm := &queueLLM{responses: []string{`not json at all`}}
	s, _ := testSupervisor(llm, &fakeRunner{}, noneResolution())

	events := runTurn(t, s, TurnRequest{UserID: 1, ThreadID: "t1", Message: "삼성전자 분석"})
	final := finalFrame(t, events)
	assert.Equal(t, routerFailureMessage, final.Message)
	assert.Equal(t, "routing failed", final.Error)
}
