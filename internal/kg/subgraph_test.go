package kg

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeQuerier serves canned rows keyed by a substring of the cypher text.
type fakeQuerier struct {
	rows map[string][]map[string]any
	runs []string
}

func (f *fakeQuerier) Run(_ context.Context, cypher string, _ map[string]any) ([]map[string]any, error) {
	f.runs = append(f.runs, cypher)
	for needle, rows := range f.rows {
		if strings.Contains(cypher, needle) {
			return rows, nil
		}
	}
	return nil, nil
}

func TestFetchByCodeDeduplicates(t *testing.T) {
	event := map[string]any{"disclosure_name": "유상증자 결정", "disclosure_id": "D-2024-001", "date": "2024-11-02"}
	doc := map[string]any{"report_nm": "주요사항보고서", "rcept_no": "20241102000123"}

	q := &fakeQuerier{rows: map[string][]map[string]any{
		"RETURN c LIMIT 1": {
			{"c": map[string]any{"corp_name": "삼성전자", "stock_code": "005930"}},
		},
		// The same event arrives twice via two traversal paths.
		"INVOLVED_IN": {
			{"e": event, "d": doc},
			{"e": event, "d": doc},
		},
		"HAS_STOCK_PRICE": {
			{"p": map[string]any{"traded_at": "2024-11-01", "close": 71500}, "dt": map[string]any{"date": "2024-11-01"}},
		},
	}}

	client := NewClient(q, zap.NewNop())
	sg, err := client.FetchByCode(context.Background(), "005930", 10, 10)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, n := range sg.Nodes {
		key := n.Type + "/" + n.Name
		assert.False(t, seen[key], "duplicate node %s", key)
		seen[key] = true
	}
	// Company + Event + Document + StockPrice + Date.
	assert.Len(t, sg.Nodes, 5)

	relSeen := map[Relation]bool{}
	for _, r := range sg.Relations {
		assert.False(t, relSeen[r], "duplicate relation %+v", r)
		relSeen[r] = true
	}
	assert.Len(t, sg.Relations, 4)
}

func TestFetchByCodeMissingAnchorIsEmpty(t *testing.T) {
	client := NewClient(&fakeQuerier{}, zap.NewNop())
	sg, err := client.FetchByCode(context.Background(), "999999", 10, 10)
	require.NoError(t, err)
	assert.True(t, sg.Empty())
}

func TestMergeKeepsRicherSubgraph(t *testing.T) {
	rich := &Subgraph{Nodes: []Node{{Type: "Company", Name: "a"}, {Type: "Event", Name: "b"}}}
	poor := &Subgraph{Nodes: []Node{{Type: "Company", Name: "a"}}}

	assert.Same(t, rich, Merge(rich, poor), "fewer nodes must not replace")
	assert.Same(t, rich, Merge(rich, &Subgraph{Nodes: rich.Nodes}), "equal size must not replace")
	assert.Same(t, rich, Merge(poor, rich), "strictly more nodes replaces")
	assert.Same(t, rich, Merge(nil, rich))
	assert.Same(t, rich, Merge(rich, nil))
	assert.Nil(t, Merge(nil, &Subgraph{}))
}

func TestExtractTagged(t *testing.T) {
	text := `분석 결과입니다.
<subgraph>{"nodes":[{"type":"Company","name":"삼성전자"}],"relations":[]}</subgraph>
추가 설명.`

	sg, ok := ExtractTagged(text)
	require.True(t, ok)
	require.Len(t, sg.Nodes, 1)
	assert.Equal(t, "삼성전자", sg.Nodes[0].Name)

	_, ok = ExtractTagged("태그 없는 답변")
	assert.False(t, ok)

	_, ok = ExtractTagged("<subgraph>not json</subgraph>")
	assert.False(t, ok)

	_, ok = ExtractTagged(`<subgraph>{"nodes":[],"relations":[]}</subgraph>`)
	assert.False(t, ok, "empty payload is treated as absent")
}

func TestExecuteCypherRejectsMutations(t *testing.T) {
	client := NewClient(&fakeQuerier{}, zap.NewNop())

	for _, cypher := range []string{
		"CREATE (n:Company {name: 'x'})",
		"MATCH (n) DETACH DELETE n",
		"MATCH (n) SET n.name = 'y'",
		"merge (n:Company {name: 'x'}) return n",
	} {
		_, err := client.ExecuteCypher(context.Background(), cypher, nil)
		assert.ErrorIs(t, err, ErrMutatingQuery, "cypher: %s", cypher)
	}

	_, err := client.ExecuteCypher(context.Background(), "MATCH (n:Company) RETURN n.name LIMIT 5", nil)
	assert.NoError(t, err)
}

func TestFormatForContextIsBounded(t *testing.T) {
	b := newBuilder()
	for i := 0; i < 50; i++ {
		b.addNode(Node{Type: "Event", Name: "event-" + strings.Repeat("x", i%7) + string(rune('a'+i%26))})
	}
	b.addNode(Node{Type: "Company", Name: "삼성전자"})

	out := FormatForContext(&b.sg)
	assert.Contains(t, out, "Company (1): 삼성전자")
	assert.Contains(t, out, "...")
	assert.Less(t, len(out), 2000)

	assert.Equal(t, "(no knowledge-graph context)", FormatForContext(&Subgraph{}))
	assert.Equal(t, "(no knowledge-graph context)", FormatForContext(nil))
}
