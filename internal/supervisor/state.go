// Package supervisor is the routing core: it decides per turn whether to
// answer directly, delegate to specialists, or short-circuit to a cached
// result, and it bounds every loop the decision can enter.
package supervisor

import (
	"github.com/stockelper/orchestrator/internal/kg"
	"github.com/stockelper/orchestrator/internal/resolver"
)

// Message is one conversation entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Delegation is one routed {target, instruction} pair awaiting execution.
type Delegation struct {
	Target      string `json:"target"`
	Instruction string `json:"message"`
}

// SpecialistResult is one completed delegation.
type SpecialistResult struct {
	Target      string `json:"target"`
	Instruction string `json:"instruction"`
	Result      string `json:"result"`
}

// TradeIntent is an advisory order description. It is never executed.
type TradeIntent struct {
	StockCode string  `json:"stock_code"`
	Side      string  `json:"order_side"`
	Type      string  `json:"order_type"`
	Price     float64 `json:"order_price"`
	Quantity  int     `json:"order_quantity"`
}

// State is the turn-to-turn memory of one conversation thread. Messages
// persist across turns; every other field is reset when a turn begins so a
// new question never sees stale analysis.
type State struct {
	Messages           []Message          `json:"messages"`
	PendingDelegations []Delegation       `json:"pending_delegations,omitempty"`
	SpecialistResults  []SpecialistResult `json:"specialist_results,omitempty"`
	DelegationRounds   int                `json:"delegation_rounds"`
	StockName          string             `json:"stock_name"`
	StockCode          string             `json:"stock_code"`
	Subgraph           *kg.Subgraph       `json:"subgraph,omitempty"`
	TradeIntent        *TradeIntent       `json:"trade_intent,omitempty"`
}

func NewState() *State {
	return &State{
		StockName: resolver.NoneSentinel,
		StockCode: resolver.NoneSentinel,
	}
}

// BeginTurn resets the turn-scoped analysis fields and appends the inbound
// user message. The carried subgraph survives; it is only ever replaced by
// a richer one.
func (s *State) BeginTurn(userText string, maxMessages int) {
	s.PendingDelegations = nil
	s.SpecialistResults = nil
	s.DelegationRounds = 0
	s.TradeIntent = nil
	s.StockName = resolver.NoneSentinel
	s.StockCode = resolver.NoneSentinel
	s.AppendMessage("user", userText, maxMessages)
}

// AppendMessage appends and truncates to the most recent max entries.
func (s *State) AppendMessage(role, content string, max int) {
	s.Messages = append(s.Messages, Message{Role: role, Content: content})
	if max > 0 && len(s.Messages) > max {
		s.Messages = s.Messages[len(s.Messages)-max:]
	}
}

// AppendResult appends and truncates to the most recent max entries.
func (s *State) AppendResult(r SpecialistResult, max int) {
	s.SpecialistResults = append(s.SpecialistResults, r)
	if max > 0 && len(s.SpecialistResults) > max {
		s.SpecialistResults = s.SpecialistResults[len(s.SpecialistResults)-max:]
	}
}

// MergeSubgraph applies the replace-if-strictly-larger policy.
func (s *State) MergeSubgraph(sg *kg.Subgraph) {
	s.Subgraph = kg.Merge(s.Subgraph, sg)
}

// MergeResolution adopts a resolution; the "None" sentinel never overwrites
// an already-resolved value.
func (s *State) MergeResolution(res resolver.Resolution) {
	if res.Name != "" && res.Name != resolver.NoneSentinel {
		s.StockName = res.Name
	}
	if res.Code != "" && res.Code != resolver.NoneSentinel {
		s.StockCode = res.Code
	}
	s.MergeSubgraph(res.Subgraph)
}

// ResultFor returns the most recent result produced by the given target
// this turn.
func (s *State) ResultFor(target string) (SpecialistResult, bool) {
	for i := len(s.SpecialistResults) - 1; i >= 0; i-- {
		if s.SpecialistResults[i].Target == target {
			return s.SpecialistResults[i], true
		}
	}
	return SpecialistResult{}, false
}
