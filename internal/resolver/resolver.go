// Package resolver maps free-form user text to a listed company name and
// 6-digit code, with an optional knowledge-subgraph fetch for the resolved
// company.
package resolver

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/stockelper/orchestrator/internal/kg"
	"github.com/stockelper/orchestrator/internal/listing"
	"github.com/stockelper/orchestrator/internal/llm"
)

// NoneSentinel is the explicit "not applicable" value for both name and
// code. It is distinct from absence: downstream consumers render it as-is.
const NoneSentinel = "None"

const fuzzyCandidates = 10

// Resolution is the outcome of one resolve call. A resolved name with code
// "None" is a valid, non-error outcome.
type Resolution struct {
	Name     string
	Code     string
	Subgraph *kg.Subgraph
}

// Lister is the subset of the listing cache the resolver needs.
type Lister interface {
	Lookup(ctx context.Context, name string) (string, bool)
	Similar(ctx context.Context, query string, topN int) []listing.Match
}

// Grapher fetches company subgraphs.
type Grapher interface {
	FetchByCode(ctx context.Context, code string, maxEvents, maxPrices int) (*kg.Subgraph, error)
	FetchByName(ctx context.Context, name string, maxEvents, maxPrices int) (*kg.Subgraph, error)
}

type Resolver struct {
	llm       llm.Client
	listing   Lister
	graph     Grapher
	maxEvents int
	maxPrices int
	logger    *zap.Logger
}

func New(client llm.Client, lister Lister, graph Grapher, maxEvents, maxPrices int, logger *zap.Logger) *Resolver {
	return &Resolver{
		llm:       client,
		listing:   lister,
		graph:     graph,
		maxEvents: maxEvents,
		maxPrices: maxPrices,
		logger:    logger,
	}
}

const extractPrompt = `You extract a Korean stock/company name from the user's message.
Return JSON: {"stock_name": "<company name>"}.
If the message does not mention a specific company, return {"stock_name": "None"}.
Return the company name only, without suffixes like 주가 or 주식.`

const pickPrompt = `You map a company name to its Korean 6-digit stock code.
Given the extracted name and a candidate list of "name (code)" entries, pick the entry the user meant.
Return JSON: {"stock_code": "<6 digit code>"}. If none of the candidates match, return {"stock_code": "None"}.`

const directPrompt = `You map a well-known Korean company name to its 6-digit stock code from memory.
Return JSON: {"stock_code": "<6 digit code>"} or {"stock_code": "None"} if unsure.`

type nameExtraction struct {
	StockName string `json:"stock_name"`
}

type codePick struct {
	StockCode string `json:"stock_code"`
}

// Resolve runs the short-circuiting cascade: model extraction, exact listing
// lookup, fuzzy candidates + model pick, then an unconstrained model guess
// when the listing is empty. Any code failing strict 6-digit validation
// collapses to "None" rather than trying the next candidate.
func (r *Resolver) Resolve(ctx context.Context, userText string, includeSubgraph bool) (Resolution, error) {
	name, err := r.extractName(ctx, userText)
	if err != nil {
		return Resolution{}, err
	}
	if name == NoneSentinel {
		return Resolution{Name: NoneSentinel, Code: NoneSentinel}, nil
	}

	code := r.resolveCode(ctx, name)
	res := Resolution{Name: name, Code: code}
	if !includeSubgraph || r.graph == nil {
		return res, nil
	}

	res.Subgraph = r.fetchSubgraph(ctx, res)
	return res, nil
}

func (r *Resolver) extractName(ctx context.Context, userText string) (string, error) {
	var out nameExtraction
	err := r.llm.CompleteJSON(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: extractPrompt},
		{Role: openai.ChatMessageRoleUser, Content: userText},
	}, &out)
	if err != nil {
		return "", fmt.Errorf("extract stock name: %w", err)
	}
	name := strings.TrimSpace(out.StockName)
	if name == "" || strings.EqualFold(name, NoneSentinel) {
		return NoneSentinel, nil
	}
	return name, nil
}

func (r *Resolver) resolveCode(ctx context.Context, name string) string {
	if code, ok := r.listing.Lookup(ctx, normalizeName(name)); ok {
		return validateCode(code)
	}

	candidates := r.listing.Similar(ctx, name, fuzzyCandidates)
	if len(candidates) == 0 {
		// Listing unavailable: fall back to the model's own knowledge.
		return validateCode(r.askCode(ctx, directPrompt, "company: "+name))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "extracted name: %s\ncandidates:\n", name)
	for _, m := range candidates {
		fmt.Fprintf(&b, "- %s (%s)\n", m.Name, m.Code)
	}
	return validateCode(r.askCode(ctx, pickPrompt, b.String()))
}

func (r *Resolver) askCode(ctx context.Context, system, user string) string {
	var out codePick
	err := r.llm.CompleteJSON(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, Content: user},
	}, &out)
	if err != nil {
		r.logger.Warn("code pick failed", zap.Error(err))
		return NoneSentinel
	}
	return strings.TrimSpace(out.StockCode)
}

// fetchSubgraph is best-effort enrichment: code anchor first, name
// fallback, and any failure degrades to no subgraph.
func (r *Resolver) fetchSubgraph(ctx context.Context, res Resolution) *kg.Subgraph {
	if res.Code != NoneSentinel {
		sg, err := r.graph.FetchByCode(ctx, res.Code, r.maxEvents, r.maxPrices)
		if err != nil {
			r.logger.Warn("subgraph fetch by code failed", zap.String("code", res.Code), zap.Error(err))
		} else if !sg.Empty() {
			return sg
		}
	}
	if res.Name != NoneSentinel {
		sg, err := r.graph.FetchByName(ctx, res.Name, r.maxEvents, r.maxPrices)
		if err != nil {
			r.logger.Warn("subgraph fetch by name failed", zap.String("name", res.Name), zap.Error(err))
		} else if !sg.Empty() {
			return sg
		}
	}
	return nil
}

func validateCode(code string) string {
	if !isSixDigits(code) {
		return NoneSentinel
	}
	return code
}

func isSixDigits(s string) bool {
	if len(s) != 6 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func normalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}
