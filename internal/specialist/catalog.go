package specialist

import (
	"github.com/stockelper/orchestrator/internal/llm"
)

// Specialist names are routing targets and must stay stable: the router
// model, keyword overrides and cached-result short-circuits all key on them.
const (
	MarketAnalysis      = "MarketAnalysisAgent"
	FundamentalAnalysis = "FundamentalAnalysisAgent"
	TechnicalAnalysis   = "TechnicalAnalysisAgent"
	InvestmentStrategy  = "InvestmentStrategyAgent"
	GraphRAG            = "GraphRAGAgent"
)

const marketPrompt = `You are a market analysis specialist for Korean equities.
Use search_news to gather recent articles about the company or topic, then summarize sentiment,
notable positive and negative catalysts, and what they imply for the stock. Answer in Korean.`

const fundamentalPrompt = `You are a fundamental analysis specialist for Korean equities.
Use analyze_financial_statement to obtain valuation ratios and recent disclosures, then assess
whether the company looks cheap or expensive relative to its fundamentals. Answer in Korean.`

const technicalPrompt = `You are a technical analysis specialist for Korean equities.
Use analysis_stock to obtain the live quote, then interpret price action, volume and ranges.
Always state the current price explicitly. Answer in Korean.`

const strategyPrompt = `You are an investment strategy specialist for Korean equities.
Combine the account state (get_account_info), live quote (analysis_stock), recent news (search_news)
and knowledge-graph evidence (financial_knowledge_graph_analysis) into a concrete, advisory-only
strategy: direction, sizing idea, and risks. Never claim an order will be placed. Answer in Korean.`

const graphRAGPrompt = `You are a knowledge-graph evidence specialist for Korean equities.
Answer questions from the financial knowledge graph using graph_rag_pipeline; for finer control use
classify_intent, generate_cypher_query and execute_graph_query individually.
Preserve any <subgraph>...</subgraph> payload from tool output verbatim in your final answer. Answer in Korean.`

// Deps collects the collaborators specialist tools are built from.
type Deps struct {
	LLM    llm.Client
	Broker Broker
	Graph  Graph
	News   NewsSearcher
}

// Catalog builds the five specialists keyed by routing target name.
func Catalog(d Deps) map[string]*Specialist {
	return map[string]*Specialist{
		MarketAnalysis: {
			Name:         MarketAnalysis,
			SystemPrompt: marketPrompt,
			Tools:        []Tool{NewSearchNewsTool(d.News)},
		},
		FundamentalAnalysis: {
			Name:         FundamentalAnalysis,
			SystemPrompt: fundamentalPrompt,
			Tools:        []Tool{NewAnalyzeFinancialTool(d.Broker, d.Graph)},
		},
		TechnicalAnalysis: {
			Name:         TechnicalAnalysis,
			SystemPrompt: technicalPrompt,
			Tools:        []Tool{NewAnalysisStockTool(d.Broker)},
		},
		InvestmentStrategy: {
			Name:         InvestmentStrategy,
			SystemPrompt: strategyPrompt,
			Tools: []Tool{
				NewAccountInfoTool(d.Broker),
				NewAnalysisStockTool(d.Broker),
				NewSearchNewsTool(d.News),
				NewKGAnalysisTool(d.Graph),
			},
		},
		GraphRAG: {
			Name:         GraphRAG,
			SystemPrompt: graphRAGPrompt,
			Tools: []Tool{
				NewGraphRAGPipelineTool(d.LLM, d.Graph),
				NewClassifyIntentTool(d.LLM),
				NewGenerateCypherTool(d.LLM),
				NewExecuteGraphQueryTool(d.Graph),
			},
		},
	}
}
