// Package specialist wraps each analysis capability as an independently
// invocable unit with its own tool loop, call budgets and summarization.
package specialist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/stockelper/orchestrator/internal/kg"
	"github.com/stockelper/orchestrator/internal/llm"
	"github.com/stockelper/orchestrator/internal/metrics"
	"github.com/stockelper/orchestrator/internal/streamer"
)

// Tool is one callable capability inside a specialist's reasoning loop.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON-schema parameter object advertised to the model.
	Schema() map[string]any
	Call(ctx context.Context, args json.RawMessage, rc *RunContext) (string, error)
}

// RunContext is the shared per-run context handed to every tool.
type RunContext struct {
	UserID    int64
	ThreadID  string
	StockName string
	StockCode string
	Subgraph  *kg.Subgraph
	Emit      func(step, status string)

	// ToolOutputs collects every successful tool result in call order, so
	// callers can recover payloads (such as tagged subgraphs) that the model
	// did not carry into its final answer.
	ToolOutputs []string
}

func (rc *RunContext) emit(step, status string) {
	if rc.Emit != nil {
		rc.Emit(step, status)
	}
}

// Specialist is one configured capability.
type Specialist struct {
	Name         string
	SystemPrompt string
	Tools        []Tool
}

// Config bounds every specialist run.
type Config struct {
	RunToolLimit         int
	ThreadToolLimit      int
	SummarizeAfterTokens int
	KeepRecent           int
}

// Runner executes specialists. Thread-level tool budgets persist across
// runs within the runner's lifetime, keyed by thread id.
type Runner struct {
	llm    llm.Client
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	threadCalls map[string]int
}

func NewRunner(client llm.Client, cfg Config, logger *zap.Logger) *Runner {
	return &Runner{
		llm:         client,
		cfg:         cfg,
		logger:      logger,
		threadCalls: make(map[string]int),
	}
}

const limitReachedMessage = "Tool call limit reached; answer with what you have."

// Run drives one specialist to a final text answer. Tool errors are folded
// back into the loop as tool-role messages and never abort the run. The
// result is the last assistant message's content, empty when the model
// produced none.
func (r *Runner) Run(ctx context.Context, sp *Specialist, instruction string, rc *RunContext) (string, error) {
	rc.emit(sp.Name, streamer.StatusStart)
	defer rc.emit(sp.Name, streamer.StatusEnd)

	tools := make([]openai.Tool, 0, len(sp.Tools))
	byName := make(map[string]Tool, len(sp.Tools))
	for _, t := range sp.Tools {
		byName[t.Name()] = t
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Schema(),
			},
		})
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: sp.SystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: instruction},
	}

	runCalls := 0
	finalText := ""
	for {
		messages = r.maybeSummarize(ctx, messages)

		msg, err := r.llm.Step(ctx, messages, tools)
		if err != nil {
			metrics.SpecialistRuns.WithLabelValues(sp.Name, "error").Inc()
			return "", fmt.Errorf("%s step: %w", sp.Name, err)
		}
		messages = append(messages, msg)
		if msg.Content != "" {
			finalText = msg.Content
		}
		if len(msg.ToolCalls) == 0 {
			break
		}

		for _, call := range msg.ToolCalls {
			name := call.Function.Name
			if !r.takeBudget(rc.ThreadID, &runCalls) {
				messages = append(messages, toolReply(call.ID, name, limitReachedMessage))
				// No further calls this run; force a final answer.
				tools = nil
				continue
			}

			tool, known := byName[name]
			if !known {
				messages = append(messages, toolReply(call.ID, name, "unknown tool: "+name))
				continue
			}

			rc.emit(name, streamer.StatusStart)
			out, err := tool.Call(ctx, json.RawMessage(call.Function.Arguments), rc)
			rc.emit(name, streamer.StatusEnd)
			if err != nil {
				// Error isolation: the specialist sees the failure and
				// reasons about it instead of the run aborting.
				metrics.ToolCalls.WithLabelValues(name, "error").Inc()
				r.logger.Warn("tool failed",
					zap.String("specialist", sp.Name),
					zap.String("tool", name),
					zap.Error(err))
				out = "tool error: " + err.Error()
			} else {
				metrics.ToolCalls.WithLabelValues(name, "ok").Inc()
				rc.ToolOutputs = append(rc.ToolOutputs, out)
			}
			messages = append(messages, toolReply(call.ID, name, out))
		}
	}

	metrics.SpecialistRuns.WithLabelValues(sp.Name, "ok").Inc()
	return finalText, nil
}

// takeBudget consumes one tool call from both the per-run and per-thread
// budgets, returning false once either is exhausted.
func (r *Runner) takeBudget(threadID string, runCalls *int) bool {
	if *runCalls >= r.cfg.RunToolLimit {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.threadCalls[threadID] >= r.cfg.ThreadToolLimit {
		return false
	}
	r.threadCalls[threadID]++
	*runCalls++
	return true
}

// ResetThread clears a thread's accumulated tool budget.
func (r *Runner) ResetThread(threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threadCalls, threadID)
}

func toolReply(callID, name, content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		ToolCallID: callID,
		Name:       name,
		Content:    content,
	}
}

// maybeSummarize compresses older exchanges once the rough token estimate
// exceeds the threshold, keeping the system prompt and the most recent
// messages verbatim.
func (r *Runner) maybeSummarize(ctx context.Context, messages []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	if r.cfg.SummarizeAfterTokens <= 0 || estimateTokens(messages) <= r.cfg.SummarizeAfterTokens {
		return messages
	}
	keep := r.cfg.KeepRecent
	if len(messages) <= keep+2 {
		return messages
	}

	older := messages[1 : len(messages)-keep]
	var transcript string
	for _, m := range older {
		transcript += m.Role + ": " + m.Content + "\n"
	}
	summary, err := r.llm.Complete(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "Summarize this working transcript in a compact form, preserving every figure and conclusion."},
		{Role: openai.ChatMessageRoleUser, Content: transcript},
	})
	if err != nil {
		r.logger.Warn("summarization failed, keeping full history", zap.Error(err))
		return messages
	}

	out := make([]openai.ChatCompletionMessage, 0, keep+2)
	out = append(out, messages[0])
	out = append(out, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: "Summary of earlier work: " + summary,
	})
	out = append(out, trimDanglingToolReplies(messages[len(messages)-keep:])...)
	return out
}

// trimDanglingToolReplies drops leading tool-role messages whose assistant
// tool-call message was summarized away.
func trimDanglingToolReplies(messages []openai.ChatCompletionMessage) []openai.ChatCompletionMessage {
	for len(messages) > 0 && messages[0].Role == openai.ChatMessageRoleTool {
		messages = messages[1:]
	}
	return messages
}

// estimateTokens is the cheap length/4 heuristic; exact counts are not
// needed to trigger summarization.
func estimateTokens(messages []openai.ChatCompletionMessage) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content) / 4
	}
	return total
}
