// Package kg reads company subgraphs from the knowledge graph: anchor
// resolution, bounded expansion, dedup, and a compact textual digest for
// prompt context.
package kg

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Node is one graph node. Name is the dedup key within a type and must be
// derived from identifying properties, not from internal node ids.
type Node struct {
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Endpoint names one side of a relation.
type Endpoint struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Relation is deduplicated by the full (start, type, end) tuple.
type Relation struct {
	Start Endpoint `json:"start"`
	Type  string   `json:"relation_type"`
	End   Endpoint `json:"end"`
}

// Subgraph is a bounded node/relation snapshot for one company.
type Subgraph struct {
	Nodes     []Node     `json:"nodes"`
	Relations []Relation `json:"relations"`
}

// Empty reports whether the subgraph carries no nodes.
func (s *Subgraph) Empty() bool {
	return s == nil || len(s.Nodes) == 0
}

// builder accumulates nodes and relations with dedup applied on insert, so
// overlapping traversal paths never produce duplicate entries.
type builder struct {
	sg       Subgraph
	nodeKeys map[string]struct{}
	relKeys  map[string]struct{}
}

func newBuilder() *builder {
	return &builder{
		nodeKeys: make(map[string]struct{}),
		relKeys:  make(map[string]struct{}),
	}
}

func (b *builder) addNode(n Node) {
	if n.Name == "" {
		return
	}
	key := n.Type + "\x00" + n.Name
	if _, seen := b.nodeKeys[key]; seen {
		return
	}
	b.nodeKeys[key] = struct{}{}
	b.sg.Nodes = append(b.sg.Nodes, n)
}

func (b *builder) addRelation(r Relation) {
	if r.Start.Name == "" || r.End.Name == "" {
		return
	}
	key := strings.Join([]string{r.Start.Type, r.Start.Name, r.Type, r.End.Type, r.End.Name}, "\x00")
	if _, seen := b.relKeys[key]; seen {
		return
	}
	b.relKeys[key] = struct{}{}
	b.sg.Relations = append(b.sg.Relations, r)
}

// nodeName derives the stable per-type key for a node from its identifying
// properties. Falls back to any name-ish property so unknown labels still
// key deterministically.
func nodeName(label string, props map[string]any) string {
	str := func(key string) string {
		v, ok := props[key]
		if !ok || v == nil {
			return ""
		}
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
	switch label {
	case "Company":
		if name := str("corp_name"); name != "" {
			return name
		}
		if name := str("name"); name != "" {
			return name
		}
		return str("stock_code")
	case "Event":
		name, id := str("disclosure_name"), str("disclosure_id")
		switch {
		case name != "" && id != "":
			return name + ":" + id
		case name != "":
			return name
		case id != "":
			return id
		}
	case "Document":
		name, no := str("report_nm"), str("rcept_no")
		switch {
		case name != "" && no != "":
			return name + ":" + no
		case name != "":
			return name
		case no != "":
			return no
		}
	case "StockPrice":
		if code := str("stock_code"); code != "" {
			if at := str("traded_at"); at != "" {
				return code + "@" + at
			}
			return code + "@" + str("date")
		}
	}
	if strings.Contains(label, "Date") {
		if date := str("date"); date != "" {
			return label + ":" + date
		}
	}
	for _, key := range []string{"name", "title", "id", "date"} {
		if v := str(key); v != "" {
			return label + ":" + v
		}
	}
	return ""
}

// Merge returns the subgraph to carry forward: fetched replaces current only
// when it has strictly more nodes, so a partial fetch never overwrites a
// richer earlier result.
func Merge(current, fetched *Subgraph) *Subgraph {
	if fetched == nil {
		return current
	}
	if current == nil {
		if fetched.Empty() {
			return nil
		}
		return fetched
	}
	if len(fetched.Nodes) > len(current.Nodes) {
		return fetched
	}
	return current
}

var taggedPattern = regexp.MustCompile(`(?s)<subgraph>\s*(.*?)\s*</subgraph>`)

// ExtractTagged pulls an embedded <subgraph>...</subgraph> JSON payload out
// of specialist output. Returns false when no parseable payload is present.
func ExtractTagged(text string) (*Subgraph, bool) {
	m := taggedPattern.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	var sg Subgraph
	if err := json.Unmarshal([]byte(m[1]), &sg); err != nil {
		return nil, false
	}
	if sg.Empty() {
		return nil, false
	}
	return &sg, true
}

const (
	formatSampleNodes = 5
	formatSampleEdges = 8
)

// FormatForContext renders a bounded digest of the subgraph: node counts by
// type with a few sample names, and relation counts by type with a few
// sample edges. Never a raw dump.
func FormatForContext(sg *Subgraph) string {
	if sg.Empty() {
		return "(no knowledge-graph context)"
	}

	byType := make(map[string][]Node)
	for _, n := range sg.Nodes {
		byType[n.Type] = append(byType[n.Type], n)
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	var b strings.Builder
	fmt.Fprintf(&b, "Knowledge graph: %d nodes, %d relations\n", len(sg.Nodes), len(sg.Relations))
	for _, t := range types {
		nodes := byType[t]
		names := make([]string, 0, formatSampleNodes)
		for _, n := range nodes {
			if len(names) == formatSampleNodes {
				break
			}
			names = append(names, n.Name)
		}
		suffix := ""
		if len(nodes) > formatSampleNodes {
			suffix = ", ..."
		}
		fmt.Fprintf(&b, "- %s (%d): %s%s\n", t, len(nodes), strings.Join(names, ", "), suffix)
	}

	relCounts := make(map[string]int)
	for _, r := range sg.Relations {
		relCounts[r.Type]++
	}
	relTypes := make([]string, 0, len(relCounts))
	for t := range relCounts {
		relTypes = append(relTypes, t)
	}
	sort.Strings(relTypes)
	for _, t := range relTypes {
		fmt.Fprintf(&b, "- relation %s: %d\n", t, relCounts[t])
	}

	limit := len(sg.Relations)
	if limit > formatSampleEdges {
		limit = formatSampleEdges
	}
	for _, r := range sg.Relations[:limit] {
		fmt.Fprintf(&b, "  %s -[%s]-> %s\n", r.Start.Name, r.Type, r.End.Name)
	}
	return strings.TrimRight(b.String(), "\n")
}
