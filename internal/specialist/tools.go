package specialist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/stockelper/orchestrator/internal/broker"
	"github.com/stockelper/orchestrator/internal/kg"
	"github.com/stockelper/orchestrator/internal/llm"
)

// Broker is the slice of the broker manager the tools use.
type Broker interface {
	CurrentPrice(ctx context.Context, userID int64, stockCode string) (*broker.Quote, error)
	AccountBalance(ctx context.Context, userID int64) (*broker.Balance, error)
}

// Graph is the slice of the knowledge-graph client the tools use.
type Graph interface {
	FetchByCode(ctx context.Context, code string, maxEvents, maxPrices int) (*kg.Subgraph, error)
	FetchByName(ctx context.Context, name string, maxEvents, maxPrices int) (*kg.Subgraph, error)
	ExecuteCypher(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
}

const (
	graphMaxEvents = 10
	graphMaxPrices = 10
	graphMaxRows   = 20
)

func objectSchema(props map[string]any, required ...string) map[string]any {
	schema := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ---- search_news ----

type searchNewsTool struct {
	news NewsSearcher
}

func NewSearchNewsTool(news NewsSearcher) Tool { return &searchNewsTool{news: news} }

func (t *searchNewsTool) Name() string { return "search_news" }
func (t *searchNewsTool) Description() string {
	return "Search recent Korean news articles for a query and return headlines with summaries."
}
func (t *searchNewsTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"query": map[string]any{"type": "string", "description": "search keywords"},
	}, "query")
}

func (t *searchNewsTool) Call(ctx context.Context, args json.RawMessage, rc *RunContext) (string, error) {
	var in struct {
		Query string `json:"query"`
	}
	_ = json.Unmarshal(args, &in)
	if strings.TrimSpace(in.Query) == "" {
		in.Query = rc.StockName
	}
	if in.Query == "" || in.Query == "None" {
		return "no query to search for", nil
	}
	items, err := t.news.Search(ctx, in.Query, 10)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "no recent news found for " + in.Query, nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Recent news for %s:\n", in.Query)
	for i, item := range items {
		fmt.Fprintf(&b, "%d. %s (%s)\n   %s\n", i+1, item.Title, item.PubDate, item.Description)
	}
	return b.String(), nil
}

// ---- analysis_stock ----

type analysisStockTool struct {
	broker Broker
}

func NewAnalysisStockTool(b Broker) Tool { return &analysisStockTool{broker: b} }

func (t *analysisStockTool) Name() string { return "analysis_stock" }
func (t *analysisStockTool) Description() string {
	return "Fetch the current quote for a 6-digit stock code: price, range, volume, valuation ratios."
}
func (t *analysisStockTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"stock_code": map[string]any{"type": "string", "description": "6-digit stock code"},
	})
}

func (t *analysisStockTool) Call(ctx context.Context, args json.RawMessage, rc *RunContext) (string, error) {
	var in struct {
		StockCode string `json:"stock_code"`
	}
	_ = json.Unmarshal(args, &in)
	code := strings.TrimSpace(in.StockCode)
	if code == "" || code == "None" {
		code = rc.StockCode
	}
	if !broker.ValidStockCode(code) {
		return "no valid stock code to analyze; ask the user which stock they mean", nil
	}
	quote, err := t.broker.CurrentPrice(ctx, rc.UserID, code)
	if err != nil {
		if errors.Is(err, broker.ErrNoCredentials) {
			return "quote unavailable: no brokerage credentials configured", nil
		}
		return "", err
	}
	return formatQuote(quote), nil
}

func formatQuote(q *broker.Quote) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Quote for %s (%s / %s)\n", q.StockCode, q.Market, q.Sector)
	fmt.Fprintf(&b, "price: %s, change: %s, prev close: %s\n", q.Price, q.Change, q.PrevClose)
	fmt.Fprintf(&b, "day range: %s - %s, limits: %s / %s\n", q.Low, q.High, q.LowerLimit, q.UpperLimit)
	fmt.Fprintf(&b, "volume: %s, traded value: %s, foreign ratio: %s\n", q.Volume, q.TradeValue, q.ForeignRatio)
	fmt.Fprintf(&b, "52w-ish range: %s - %s\n", q.Low250, q.High250)
	fmt.Fprintf(&b, "PER: %s, PBR: %s, EPS: %s, BPS: %s\n", q.PER, q.PBR, q.EPS, q.BPS)
	if q.MarketWarning != "" && q.MarketWarning != "00" {
		fmt.Fprintf(&b, "market warning code: %s\n", q.MarketWarning)
	}
	return b.String()
}

// ---- analyze_financial_statement ----

type analyzeFinancialTool struct {
	broker Broker
	graph  Graph
}

func NewAnalyzeFinancialTool(b Broker, g Graph) Tool {
	return &analyzeFinancialTool{broker: b, graph: g}
}

func (t *analyzeFinancialTool) Name() string { return "analyze_financial_statement" }
func (t *analyzeFinancialTool) Description() string {
	return "Summarize a company's valuation fundamentals (PER, PBR, EPS, BPS) and recent disclosure events."
}
func (t *analyzeFinancialTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"stock_code": map[string]any{"type": "string", "description": "6-digit stock code"},
	})
}

func (t *analyzeFinancialTool) Call(ctx context.Context, args json.RawMessage, rc *RunContext) (string, error) {
	var in struct {
		StockCode string `json:"stock_code"`
	}
	_ = json.Unmarshal(args, &in)
	code := strings.TrimSpace(in.StockCode)
	if code == "" || code == "None" {
		code = rc.StockCode
	}
	if !broker.ValidStockCode(code) {
		return "no valid stock code; fundamentals need a resolved company", nil
	}

	var b strings.Builder
	quote, err := t.broker.CurrentPrice(ctx, rc.UserID, code)
	switch {
	case errors.Is(err, broker.ErrNoCredentials):
		b.WriteString("valuation ratios unavailable: no brokerage credentials configured\n")
	case err != nil:
		return "", err
	default:
		fmt.Fprintf(&b, "Fundamentals for %s: PER %s, PBR %s, EPS %s, BPS %s (price %s)\n",
			code, quote.PER, quote.PBR, quote.EPS, quote.BPS, quote.Price)
	}

	if t.graph != nil {
		sg, err := t.graph.FetchByCode(ctx, code, graphMaxEvents, 0)
		if err == nil && !sg.Empty() {
			b.WriteString("\nRecent disclosure context:\n")
			b.WriteString(kg.FormatForContext(sg))
		}
	}
	return b.String(), nil
}

// ---- get_account_info ----

type accountInfoTool struct {
	broker Broker
}

func NewAccountInfoTool(b Broker) Tool { return &accountInfoTool{broker: b} }

func (t *accountInfoTool) Name() string { return "get_account_info" }
func (t *accountInfoTool) Description() string {
	return "Look up the user's brokerage account deposit and total valuation."
}
func (t *accountInfoTool) Schema() map[string]any {
	return objectSchema(map[string]any{})
}

func (t *accountInfoTool) Call(ctx context.Context, _ json.RawMessage, rc *RunContext) (string, error) {
	bal, err := t.broker.AccountBalance(ctx, rc.UserID)
	if err != nil {
		if errors.Is(err, broker.ErrNoCredentials) {
			return "no account information is registered for this user", nil
		}
		return "", err
	}
	return fmt.Sprintf("account deposit: %s KRW, total valuation: %s KRW", bal.Cash, bal.TotalEval), nil
}

// ---- financial_knowledge_graph_analysis ----

type kgAnalysisTool struct {
	graph Graph
}

func NewKGAnalysisTool(g Graph) Tool { return &kgAnalysisTool{graph: g} }

func (t *kgAnalysisTool) Name() string { return "financial_knowledge_graph_analysis" }
func (t *kgAnalysisTool) Description() string {
	return "Fetch the knowledge-graph neighborhood of the current company: disclosures, documents, price history."
}
func (t *kgAnalysisTool) Schema() map[string]any {
	return objectSchema(map[string]any{})
}

func (t *kgAnalysisTool) Call(ctx context.Context, _ json.RawMessage, rc *RunContext) (string, error) {
	sg, err := fetchCompanySubgraph(ctx, t.graph, rc)
	if err != nil {
		return "", err
	}
	if sg.Empty() {
		return "no knowledge-graph data for this company", nil
	}
	return kg.FormatForContext(sg), nil
}

func fetchCompanySubgraph(ctx context.Context, g Graph, rc *RunContext) (*kg.Subgraph, error) {
	if rc.StockCode != "" && rc.StockCode != "None" {
		sg, err := g.FetchByCode(ctx, rc.StockCode, graphMaxEvents, graphMaxPrices)
		if err != nil || !sg.Empty() {
			return sg, err
		}
	}
	if rc.StockName != "" && rc.StockName != "None" {
		return g.FetchByName(ctx, rc.StockName, graphMaxEvents, graphMaxPrices)
	}
	return &kg.Subgraph{}, nil
}

// ---- classify_intent ----

type classifyIntentTool struct {
	llm llm.Client
}

func NewClassifyIntentTool(client llm.Client) Tool { return &classifyIntentTool{llm: client} }

func (t *classifyIntentTool) Name() string { return "classify_intent" }
func (t *classifyIntentTool) Description() string {
	return "Classify a graph question into one of: disclosure_events, price_history, company_profile, other."
}
func (t *classifyIntentTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"question": map[string]any{"type": "string"},
	}, "question")
}

func (t *classifyIntentTool) Call(ctx context.Context, args json.RawMessage, _ *RunContext) (string, error) {
	var in struct {
		Question string `json:"question"`
	}
	_ = json.Unmarshal(args, &in)
	var out struct {
		Intent string `json:"intent"`
	}
	err := t.llm.CompleteJSON(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: "Classify the question's graph intent. Return JSON {\"intent\": \"disclosure_events\"|\"price_history\"|\"company_profile\"|\"other\"}."},
		{Role: openai.ChatMessageRoleUser, Content: in.Question},
	}, &out)
	if err != nil {
		return "", err
	}
	if out.Intent == "" {
		out.Intent = "other"
	}
	return out.Intent, nil
}

// ---- generate_cypher_query ----

const graphSchemaDescription = `Node labels: Company(corp_name, stock_code), Event(disclosure_name, disclosure_id, date), Document(report_nm, rcept_no), StockPrice(stock_code, traded_at, open, high, low, close, volume), EventDate(date), TradingDate(date), Sector(name), Indicator(name, value).
Relationships: (Company)-[:INVOLVED_IN]->(Event), (Event)-[:REPORTED_BY]->(Document), (Event)-[:OCCURRED_ON]->(EventDate), (Company)-[:HAS_STOCK_PRICE]->(StockPrice), (StockPrice)-[:RECORDED_ON]->(TradingDate), (Company)-[:BELONGS_TO]->(Sector).`

type generateCypherTool struct {
	llm llm.Client
}

func NewGenerateCypherTool(client llm.Client) Tool { return &generateCypherTool{llm: client} }

func (t *generateCypherTool) Name() string { return "generate_cypher_query" }
func (t *generateCypherTool) Description() string {
	return "Generate a read-only cypher query for the financial knowledge graph from a natural-language question."
}
func (t *generateCypherTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"question": map[string]any{"type": "string"},
	}, "question")
}

func (t *generateCypherTool) Call(ctx context.Context, args json.RawMessage, rc *RunContext) (string, error) {
	var in struct {
		Question string `json:"question"`
	}
	_ = json.Unmarshal(args, &in)
	var out struct {
		Query string `json:"query"`
	}
	prompt := fmt.Sprintf(`Write one read-only cypher query (MATCH/RETURN only, LIMIT %d) answering the question.
Graph schema:
%s
Current company: %s (code %s).
Return JSON {"query": "<cypher>"}.`, graphMaxRows, graphSchemaDescription, rc.StockName, rc.StockCode)
	err := t.llm.CompleteJSON(ctx, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: prompt},
		{Role: openai.ChatMessageRoleUser, Content: in.Question},
	}, &out)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Query) == "" {
		return "", fmt.Errorf("empty cypher from model")
	}
	return out.Query, nil
}

// ---- execute_graph_query ----

type executeGraphQueryTool struct {
	graph Graph
}

func NewExecuteGraphQueryTool(g Graph) Tool { return &executeGraphQueryTool{graph: g} }

func (t *executeGraphQueryTool) Name() string { return "execute_graph_query" }
func (t *executeGraphQueryTool) Description() string {
	return "Execute a read-only cypher query and return its rows plus a structured subgraph payload."
}
func (t *executeGraphQueryTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"query": map[string]any{"type": "string", "description": "read-only cypher"},
	}, "query")
}

func (t *executeGraphQueryTool) Call(ctx context.Context, args json.RawMessage, _ *RunContext) (string, error) {
	var in struct {
		Query string `json:"query"`
	}
	_ = json.Unmarshal(args, &in)
	rows, err := t.graph.ExecuteCypher(ctx, in.Query, nil)
	if err != nil {
		return "", err
	}
	return renderRows(rows), nil
}

func renderRows(rows []map[string]any) string {
	if len(rows) == 0 {
		return "query returned no rows"
	}
	var b strings.Builder
	limit := len(rows)
	if limit > graphMaxRows {
		limit = graphMaxRows
	}
	fmt.Fprintf(&b, "%d rows (showing %d):\n", len(rows), limit)
	for _, row := range rows[:limit] {
		encoded, _ := json.Marshal(row)
		b.Write(encoded)
		b.WriteByte('\n')
	}
	if sg := kg.RowsToSubgraph(rows); !sg.Empty() {
		writeSubgraphTag(&b, sg)
	}
	return b.String()
}

func writeSubgraphTag(b *strings.Builder, sg *kg.Subgraph) {
	encoded, err := json.Marshal(sg)
	if err != nil {
		return
	}
	b.WriteString("\n<subgraph>")
	b.Write(encoded)
	b.WriteString("</subgraph>")
}

// ---- graph_rag_pipeline ----

type graphRAGPipelineTool struct {
	llm   llm.Client
	graph Graph
}

func NewGraphRAGPipelineTool(client llm.Client, g Graph) Tool {
	return &graphRAGPipelineTool{llm: client, graph: g}
}

func (t *graphRAGPipelineTool) Name() string { return "graph_rag_pipeline" }
func (t *graphRAGPipelineTool) Description() string {
	return "Answer a question from the knowledge graph: classify intent, generate and run a cypher query, fall back to a fixed company traversal."
}
func (t *graphRAGPipelineTool) Schema() map[string]any {
	return objectSchema(map[string]any{
		"question": map[string]any{"type": "string"},
	}, "question")
}

func (t *graphRAGPipelineTool) Call(ctx context.Context, args json.RawMessage, rc *RunContext) (string, error) {
	var in struct {
		Question string `json:"question"`
	}
	_ = json.Unmarshal(args, &in)

	classify := &classifyIntentTool{llm: t.llm}
	intent, err := classify.Call(ctx, args, rc)
	if err != nil {
		intent = "other"
	}

	if intent != "other" {
		gen := &generateCypherTool{llm: t.llm}
		cypher, gerr := gen.Call(ctx, args, rc)
		err = gerr
		if gerr == nil {
			rows, qerr := t.graph.ExecuteCypher(ctx, cypher, nil)
			if qerr == nil && len(rows) > 0 {
				return "intent: " + intent + "\ncypher: " + cypher + "\n" + renderRows(rows), nil
			}
			err = qerr
		}
	}

	// Generated-query path failed or was empty: fixed traversal around the
	// resolved company.
	sg, ferr := fetchCompanySubgraph(ctx, t.graph, rc)
	if ferr != nil {
		if err != nil {
			return "", fmt.Errorf("graph pipeline: %v; fallback: %w", err, ferr)
		}
		return "", ferr
	}
	if sg.Empty() {
		return "no graph data found for this question", nil
	}
	var b strings.Builder
	b.WriteString(kg.FormatForContext(sg))
	writeSubgraphTag(&b, sg)
	return b.String(), nil
}
