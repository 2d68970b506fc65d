package specialist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// loopLLM keeps requesting its tool until the tool loop cuts it off, then
// answers with the last tool output it saw.
type loopLLM struct {
	toolName string
	steps    int
}

func (l *loopLLM) Complete(context.Context, []openai.ChatCompletionMessage) (string, error) {
	return "summary", nil
}

func (l *loopLLM) CompleteJSON(context.Context, []openai.ChatCompletionMessage, any) error {
	return errors.New("not used")
}

func (l *loopLLM) Step(_ context.Context, messages []openai.ChatCompletionMessage, tools []openai.Tool) (openai.ChatCompletionMessage, error) {
	l.steps++
	if len(tools) == 0 {
		last := messages[len(messages)-1]
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: "done after: " + last.Content,
		}, nil
	}
	return openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleAssistant,
		ToolCalls: []openai.ToolCall{{
			ID:   fmt.Sprintf("call-%d", l.steps),
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: l.toolName, Arguments: "{}"},
		}},
	}, nil
}

// scriptLLM replays a fixed sequence of assistant messages.
type scriptLLM struct {
	script []openai.ChatCompletionMessage
	idx    int
}

func (s *scriptLLM) Complete(context.Context, []openai.ChatCompletionMessage) (string, error) {
	return "summary", nil
}

func (s *scriptLLM) CompleteJSON(context.Context, []openai.ChatCompletionMessage, any) error {
	return errors.New("not used")
}

func (s *scriptLLM) Step(context.Context, []openai.ChatCompletionMessage, []openai.Tool) (openai.ChatCompletionMessage, error) {
	if s.idx >= len(s.script) {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}, nil
	}
	msg := s.script[s.idx]
	s.idx++
	return msg, nil
}

type countingTool struct {
	name  string
	calls int
	err   error
}

func (t *countingTool) Name() string           { return t.name }
func (t *countingTool) Description() string    { return "test tool" }
func (t *countingTool) Schema() map[string]any { return objectSchema(map[string]any{}) }
func (t *countingTool) Call(context.Context, json.RawMessage, *RunContext) (string, error) {
	t.calls++
	if t.err != nil {
		return "", t.err
	}
	return fmt.Sprintf("result %d", t.calls), nil
}

func testConfig() Config {
	return Config{RunToolLimit: 3, ThreadToolLimit: 5, SummarizeAfterTokens: 8000, KeepRecent: 20}
}

func TestRunEnforcesPerRunToolLimit(t *testing.T) {
	tool := &countingTool{name: "lookup"}
	sp := &Specialist{Name: "TestAgent", SystemPrompt: "test", Tools: []Tool{tool}}
	r := NewRunner(&loopLLM{toolName: "lookup"}, testConfig(), zap.NewNop())

	out, err := r.Run(context.Background(), sp, "go", &RunContext{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 3, tool.calls, "per-run cap")
	assert.Contains(t, out, limitReachedMessage)
}

func TestRunEnforcesThreadToolLimit(t *testing.T) {
	tool := &countingTool{name: "lookup"}
	sp := &Specialist{Name: "TestAgent", SystemPrompt: "test", Tools: []Tool{tool}}
	r := NewRunner(&loopLLM{toolName: "lookup"}, testConfig(), zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := r.Run(context.Background(), sp, "go", &RunContext{ThreadID: "t1"})
		require.NoError(t, err)
	}
	assert.Equal(t, 5, tool.calls, "thread cap persists across runs")

	r.ResetThread("t1")
	tool.calls = 0
	_, err := r.Run(context.Background(), sp, "go", &RunContext{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 3, tool.calls)
}

func TestRunIsolatesToolErrors(t *testing.T) {
	tool := &countingTool{name: "broken", err: errors.New("connection refused")}
	sp := &Specialist{Name: "TestAgent", SystemPrompt: "test", Tools: []Tool{tool}}
	llm := &scriptLLM{script: []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleAssistant,
			ToolCalls: []openai.ToolCall{{
				ID:       "call-1",
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: "broken", Arguments: "{}"},
			}},
		},
		{Role: openai.ChatMessageRoleAssistant, Content: "도구 오류를 확인했습니다"},
	}}
	r := NewRunner(llm, testConfig(), zap.NewNop())

	out, err := r.Run(context.Background(), sp, "go", &RunContext{ThreadID: "t1"})
	require.NoError(t, err, "tool failure must not abort the run")
	assert.Equal(t, "도구 오류를 확인했습니다", out)
	assert.Equal(t, 1, tool.calls)
}

func TestRunEmitsPhaseMarkers(t *testing.T) {
	tool := &countingTool{name: "lookup"}
	sp := &Specialist{Name: "TestAgent", SystemPrompt: "test", Tools: []Tool{tool}}
	llm := &scriptLLM{script: []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleAssistant,
			ToolCalls: []openai.ToolCall{{
				ID:       "call-1",
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: "lookup", Arguments: "{}"},
			}},
		},
		{Role: openai.ChatMessageRoleAssistant, Content: "끝"},
	}}
	r := NewRunner(llm, testConfig(), zap.NewNop())

	var events []string
	rc := &RunContext{ThreadID: "t1", Emit: func(step, status string) {
		events = append(events, step+":"+status)
	}}
	_, err := r.Run(context.Background(), sp, "go", rc)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"TestAgent:start",
		"lookup:start",
		"lookup:end",
		"TestAgent:end",
	}, events)
}

// fixedTool returns the same payload on every call.
type fixedTool struct {
	name string
	out  string
}

func (t *fixedTool) Name() string           { return t.name }
func (t *fixedTool) Description() string    { return "test tool" }
func (t *fixedTool) Schema() map[string]any { return objectSchema(map[string]any{}) }
func (t *fixedTool) Call(context.Context, json.RawMessage, *RunContext) (string, error) {
	return t.out, nil
}

func TestRunCollectsToolOutputs(t *testing.T) {
	payload := `분석 완료 <subgraph>{"nodes":[{"type":"Company","name":"삼성전자"}],"relations":[]}</subgraph>`
	sp := &Specialist{Name: "TestAgent", SystemPrompt: "test", Tools: []Tool{
		&fixedTool{name: "graph_query", out: payload},
	}}
	llm := &scriptLLM{script: []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleAssistant,
			ToolCalls: []openai.ToolCall{{
				ID:       "call-1",
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: "graph_query", Arguments: "{}"},
			}},
		},
		{Role: openai.ChatMessageRoleAssistant, Content: "태그 없이 요약만 답변합니다"},
	}}
	r := NewRunner(llm, testConfig(), zap.NewNop())

	rc := &RunContext{ThreadID: "t1"}
	out, err := r.Run(context.Background(), sp, "go", rc)
	require.NoError(t, err)
	assert.Equal(t, "태그 없이 요약만 답변합니다", out)
	require.Len(t, rc.ToolOutputs, 1, "tool output survives even when the answer drops it")
	assert.Equal(t, payload, rc.ToolOutputs[0])
}

func TestRunEmptyResultIsNotAnError(t *testing.T) {
	sp := &Specialist{Name: "TestAgent", SystemPrompt: "test"}
	llm := &scriptLLM{script: []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleAssistant, Content: ""},
	}}
	r := NewRunner(llm, testConfig(), zap.NewNop())

	out, err := r.Run(context.Background(), sp, "go", &RunContext{ThreadID: "t1"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestMaybeSummarizeKeepsRecentVerbatim(t *testing.T) {
	cfg := Config{RunToolLimit: 10, ThreadToolLimit: 20, SummarizeAfterTokens: 100, KeepRecent: 2}
	r := NewRunner(&loopLLM{}, cfg, zap.NewNop())

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "system"},
	}
	for i := 0; i < 10; i++ {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: strings.Repeat("긴 내용 ", 20) + fmt.Sprint(i),
		})
	}

	out := r.maybeSummarize(context.Background(), messages)
	require.Len(t, out, 4, "system + summary + 2 recent")
	assert.Equal(t, "system", out[0].Content)
	assert.Contains(t, out[1].Content, "Summary of earlier work")
	assert.Equal(t, messages[len(messages)-1].Content, out[3].Content)
}

func TestCatalogTargets(t *testing.T) {
	cat := Catalog(Deps{})
	for _, name := range []string{
		MarketAnalysis, FundamentalAnalysis, TechnicalAnalysis, InvestmentStrategy, GraphRAG,
	} {
		sp, ok := cat[name]
		require.True(t, ok, name)
		assert.Equal(t, name, sp.Name)
		assert.NotEmpty(t, sp.Tools)
	}
}
