// Package streamer multiplexes turn events (phase markers, token deltas,
// final payload) into an ordered frame stream with a terminal sentinel.
package streamer

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/stockelper/orchestrator/internal/kg"
)

// Frame kinds on the wire. "done" never leaves as JSON: the encoder turns
// it into the sentinel line.
const (
	TypeProgress = "progress"
	TypeDelta    = "delta"
	TypeFinal    = "final"
	TypeDone     = "done"
)

// Phase marker statuses.
const (
	StatusStart = "start"
	StatusEnd   = "end"
)

// Sentinel is the fixed terminal line of a turn stream.
const Sentinel = "[DONE]"

// Event is one frame of a turn stream. Seq is assigned on publish.
type Event struct {
	TurnID      string       `json:"-"`
	Type        string       `json:"type"`
	Step        string       `json:"step,omitempty"`
	Status      string       `json:"status,omitempty"`
	Token       string       `json:"token,omitempty"`
	Message     string       `json:"message,omitempty"`
	Subgraph    *kg.Subgraph `json:"subgraph,omitempty"`
	TradeIntent any          `json:"trade_intent,omitempty"`
	Error       string       `json:"error,omitempty"`
	Seq         uint64       `json:"seq"`
	Timestamp   time.Time    `json:"timestamp"`
}

func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Progress builds a phase marker frame.
func Progress(step, status string) Event {
	return Event{Type: TypeProgress, Step: step, Status: status, Timestamp: time.Now()}
}

// Delta builds a token fragment frame.
func Delta(token string) Event {
	return Event{Type: TypeDelta, Token: token, Timestamp: time.Now()}
}

// Final builds the terminal payload frame.
func Final(message string, subgraph *kg.Subgraph, tradeIntent any, errText string) Event {
	return Event{
		Type:        TypeFinal,
		Message:     message,
		Subgraph:    subgraph,
		TradeIntent: tradeIntent,
		Error:       errText,
		Timestamp:   time.Now(),
	}
}

// Done builds the internal end-of-stream marker.
func Done() Event {
	return Event{Type: TypeDone, Timestamp: time.Now()}
}

var tokenPattern = regexp.MustCompile(`[0-9A-Za-z_가-힣]+|\s+|[^0-9A-Za-z_가-힣\s]`)

// Tokenize splits text into word, punctuation and whitespace runs, folding
// each whitespace run into the preceding token so that concatenating the
// result reproduces the input exactly.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	parts := tokenPattern.FindAllString(text, -1)
	out := make([]string, 0, len(parts))
	pending := ""
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			if len(out) == 0 {
				pending += p
			} else {
				out[len(out)-1] += p
			}
			continue
		}
		out = append(out, pending+p)
		pending = ""
	}
	if pending != "" {
		// All-whitespace input.
		out = append(out, pending)
	}
	return out
}
