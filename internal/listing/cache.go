package listing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/stockelper/orchestrator/internal/metrics"
)

// Source produces a full name -> code table.
type Source interface {
	Fetch(ctx context.Context) (map[string]string, error)
}

// Downloader fetches zipped master files over HTTP and merges them. KOSPI
// and KOSDAQ ship as separate archives, so it takes a URL per market.
type Downloader struct {
	http   *resty.Client
	urls   []string
	logger *zap.Logger
}

func NewDownloader(urls []string, timeout time.Duration, logger *zap.Logger) *Downloader {
	client := resty.New()
	client.SetTimeout(timeout)
	return &Downloader{http: client, urls: urls, logger: logger}
}

func (d *Downloader) Fetch(ctx context.Context) (map[string]string, error) {
	table := make(map[string]string)
	for _, url := range d.urls {
		resp, err := d.http.R().SetContext(ctx).Get(url)
		if err != nil {
			return nil, fmt.Errorf("download master %s: %w", url, err)
		}
		if resp.StatusCode() != 200 {
			return nil, fmt.Errorf("download master %s: HTTP %d", url, resp.StatusCode())
		}
		part, err := ParseArchive(resp.Body())
		if err != nil {
			return nil, err
		}
		for name, code := range part {
			table[name] = code
		}
		d.logger.Debug("loaded master file", zap.String("url", url), zap.Int("rows", len(part)))
	}
	return table, nil
}

// Match is one fuzzy-lookup candidate, best first.
type Match struct {
	Name  string
	Code  string
	Score float64
}

// Cache is the process-wide listing table. It is built lazily on first use
// and survives until Invalidate. A failed build degrades to an empty table
// rather than failing lookups. Readers never wait on a build in flight:
// they see the current table, which may be empty while the first download
// runs.
type Cache struct {
	source Source
	logger *zap.Logger

	mu       sync.Mutex
	table    map[string]string
	loaded   bool
	building bool
}

func NewCache(source Source, logger *zap.Logger) *Cache {
	return &Cache{source: source, logger: logger}
}

func (c *Cache) ensure(ctx context.Context) map[string]string {
	c.mu.Lock()
	if c.loaded || c.building {
		table := c.table
		c.mu.Unlock()
		return table
	}
	c.building = true
	c.mu.Unlock()

	// The download runs outside the lock; the caller that triggered the
	// build waits for it, everyone else reads through.
	table, err := c.source.Fetch(ctx)
	if err != nil {
		c.logger.Warn("listing load failed, serving empty table", zap.Error(err))
		table = map[string]string{}
	}

	c.mu.Lock()
	c.table = table
	c.loaded = true
	c.building = false
	c.mu.Unlock()

	metrics.ListingRebuilds.Inc()
	metrics.ListingSize.Set(float64(len(table)))
	return table
}

// Lookup returns the code for an exact listed name.
func (c *Cache) Lookup(ctx context.Context, name string) (string, bool) {
	code, ok := c.ensure(ctx)[name]
	return code, ok
}

// Similar returns the topN listed names closest to query, best first. Ties
// break on name so the order is stable.
func (c *Cache) Similar(ctx context.Context, query string, topN int) []Match {
	table := c.ensure(ctx)
	if topN <= 0 || len(table) == 0 {
		return nil
	}

	matches := make([]Match, 0, len(table))
	for name, code := range table {
		matches = append(matches, Match{Name: name, Code: code, Score: similarity(query, name)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Name < matches[j].Name
	})
	if len(matches) > topN {
		matches = matches[:topN]
	}
	return matches
}

// Invalidate drops the table; the next lookup rebuilds it. A build already
// in flight still installs its result.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loaded = false
	c.table = nil
}

func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1 - float64(dist)/float64(longest)
}
