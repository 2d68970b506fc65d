package kg

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/stockelper/orchestrator/internal/metrics"
)

// Querier runs one read-only cypher statement and returns its rows.
type Querier interface {
	Run(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
}

// Driver adapts the neo4j driver to Querier using read sessions.
type Driver struct {
	driver neo4j.DriverWithContext
}

func NewDriver(uri, user, password string) (*Driver, error) {
	d, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("open neo4j driver: %w", err)
	}
	return &Driver{driver: d}, nil
}

func (d *Driver) Close(ctx context.Context) error {
	return d.driver.Close(ctx)
}

func (d *Driver) Run(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	session := d.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	rows, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		var out []map[string]any
		for result.Next(ctx) {
			record := result.Record()
			row := make(map[string]any, len(record.Keys))
			for _, key := range record.Keys {
				v, _ := record.Get(key)
				row[key] = v
			}
			out = append(out, row)
		}
		return out, result.Err()
	})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		return nil, nil
	}
	return rows.([]map[string]any), nil
}

var mutationPattern = regexp.MustCompile(`(?i)\b(CREATE|MERGE|DELETE|DETACH|SET|REMOVE|DROP|LOAD\s+CSV|CALL\s+apoc)\b`)

// ErrMutatingQuery rejects any cypher that would write to the graph.
var ErrMutatingQuery = fmt.Errorf("kg: only read queries are allowed")

// Client fetches bounded company subgraphs over a Querier.
type Client struct {
	q      Querier
	logger *zap.Logger
}

func NewClient(q Querier, logger *zap.Logger) *Client {
	return &Client{q: q, logger: logger}
}

// ExecuteCypher runs an arbitrary read-only statement, rejecting anything
// with mutation keywords.
func (c *Client) ExecuteCypher(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	cypher = normalize(cypher)
	if mutationPattern.MatchString(cypher) {
		return nil, ErrMutatingQuery
	}
	return c.q.Run(ctx, cypher, params)
}

// FetchByCode expands a subgraph around the company with the given 6-digit
// code. A missing anchor yields an empty subgraph, not an error.
func (c *Client) FetchByCode(ctx context.Context, code string, maxEvents, maxPrices int) (*Subgraph, error) {
	return c.fetch(ctx, "c.stock_code = $key", code, maxEvents, maxPrices)
}

// FetchByName is FetchByCode keyed by exact company name.
func (c *Client) FetchByName(ctx context.Context, name string, maxEvents, maxPrices int) (*Subgraph, error) {
	return c.fetch(ctx, "c.name = $key", name, maxEvents, maxPrices)
}

func (c *Client) fetch(ctx context.Context, anchorCond, key string, maxEvents, maxPrices int) (*Subgraph, error) {
	b := newBuilder()

	anchorRows, err := c.q.Run(ctx,
		"MATCH (c:Company) WHERE "+anchorCond+" RETURN c LIMIT 1",
		map[string]any{"key": key})
	if err != nil {
		metrics.SubgraphFetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("resolve company anchor: %w", err)
	}
	if len(anchorRows) == 0 {
		metrics.SubgraphFetches.WithLabelValues("empty").Inc()
		return &Subgraph{}, nil
	}
	companyProps := nodeProps(anchorRows[0]["c"])
	company := Node{Type: "Company", Name: nodeName("Company", companyProps), Properties: companyProps}
	b.addNode(company)

	eventRows, err := c.q.Run(ctx, `
		MATCH (c:Company) WHERE `+anchorCond+`
		MATCH (c)-[:INVOLVED_IN]->(e:Event)
		OPTIONAL MATCH (e)-[:REPORTED_BY]->(d:Document)
		OPTIONAL MATCH (e)-[:OCCURRED_ON]->(ed:EventDate)
		RETURN e, d, ed ORDER BY e.date DESC LIMIT $limit`,
		map[string]any{"key": key, "limit": maxEvents})
	if err != nil {
		metrics.SubgraphFetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("expand events: %w", err)
	}
	for _, row := range eventRows {
		eventProps := nodeProps(row["e"])
		event := Node{Type: "Event", Name: nodeName("Event", eventProps), Properties: eventProps}
		b.addNode(event)
		b.addRelation(Relation{
			Start: Endpoint{Name: company.Name, Type: "Company"},
			Type:  "INVOLVED_IN",
			End:   Endpoint{Name: event.Name, Type: "Event"},
		})
		if docProps := nodeProps(row["d"]); docProps != nil {
			doc := Node{Type: "Document", Name: nodeName("Document", docProps), Properties: docProps}
			b.addNode(doc)
			b.addRelation(Relation{
				Start: Endpoint{Name: event.Name, Type: "Event"},
				Type:  "REPORTED_BY",
				End:   Endpoint{Name: doc.Name, Type: "Document"},
			})
		}
		if dateProps := nodeProps(row["ed"]); dateProps != nil {
			date := Node{Type: "EventDate", Name: nodeName("EventDate", dateProps), Properties: dateProps}
			b.addNode(date)
			b.addRelation(Relation{
				Start: Endpoint{Name: event.Name, Type: "Event"},
				Type:  "OCCURRED_ON",
				End:   Endpoint{Name: date.Name, Type: "EventDate"},
			})
		}
	}

	priceRows, err := c.q.Run(ctx, `
		MATCH (c:Company) WHERE `+anchorCond+`
		MATCH (c)-[:HAS_STOCK_PRICE]->(p:StockPrice)
		OPTIONAL MATCH (p)-[:RECORDED_ON]->(dt:TradingDate)
		RETURN p, dt ORDER BY p.traded_at DESC LIMIT $limit`,
		map[string]any{"key": key, "limit": maxPrices})
	if err != nil {
		metrics.SubgraphFetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("expand prices: %w", err)
	}
	for _, row := range priceRows {
		priceProps := nodeProps(row["p"])
		if priceProps == nil {
			continue
		}
		if _, ok := priceProps["stock_code"]; !ok {
			priceProps["stock_code"] = key
		}
		price := Node{Type: "StockPrice", Name: nodeName("StockPrice", priceProps), Properties: priceProps}
		b.addNode(price)
		b.addRelation(Relation{
			Start: Endpoint{Name: company.Name, Type: "Company"},
			Type:  "HAS_STOCK_PRICE",
			End:   Endpoint{Name: price.Name, Type: "StockPrice"},
		})
		if dateProps := nodeProps(row["dt"]); dateProps != nil {
			date := Node{Type: "TradingDate", Name: nodeName("TradingDate", dateProps), Properties: dateProps}
			b.addNode(date)
			b.addRelation(Relation{
				Start: Endpoint{Name: price.Name, Type: "StockPrice"},
				Type:  "RECORDED_ON",
				End:   Endpoint{Name: date.Name, Type: "TradingDate"},
			})
		}
	}

	metrics.SubgraphFetches.WithLabelValues("ok").Inc()
	c.logger.Debug("fetched subgraph",
		zap.String("anchor", key),
		zap.Int("nodes", len(b.sg.Nodes)),
		zap.Int("relations", len(b.sg.Relations)))
	return &b.sg, nil
}

// RowsToSubgraph collects every graph node appearing in raw query rows into
// a deduped subgraph. Non-node values are ignored.
func RowsToSubgraph(rows []map[string]any) *Subgraph {
	b := newBuilder()
	for _, row := range rows {
		for _, v := range row {
			n, ok := v.(neo4j.Node)
			if !ok {
				continue
			}
			label := ""
			if len(n.Labels) > 0 {
				label = n.Labels[0]
			}
			b.addNode(Node{Type: label, Name: nodeName(label, n.Props), Properties: n.Props})
		}
	}
	return &b.sg
}

// nodeProps normalizes a returned value into a property map: neo4j nodes
// expose Props, fake queriers in tests return maps directly.
func nodeProps(v any) map[string]any {
	switch n := v.(type) {
	case nil:
		return nil
	case neo4j.Node:
		return n.Props
	case map[string]any:
		return n
	default:
		return nil
	}
}

// normalize trims the stray whitespace LLM-generated cypher tends to carry.
func normalize(cypher string) string {
	return strings.TrimSpace(cypher)
}
