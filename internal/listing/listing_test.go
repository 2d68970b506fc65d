package listing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/korean"
)

// buildRow lays out one master-file row: 9-column code field, columns up to
// 21 for the ISIN tail, the name, then the 228-column numeric block.
func buildRow(codeField, name string) string {
	var b strings.Builder
	b.WriteString(codeField)
	for b.Len() < nameOffset {
		b.WriteByte(' ')
	}
	b.WriteString(name)
	b.WriteString(strings.Repeat("0", trailingWidth))
	return b.String()
}

func encodeCP949(t *testing.T, s string) []byte {
	t.Helper()
	raw, err := korean.EUCKR.NewEncoder().Bytes([]byte(s))
	require.NoError(t, err)
	return raw
}

func TestParseMaster(t *testing.T) {
	body := strings.Join([]string{
		buildRow("005930   ", "삼성전자"),
		buildRow("A00066   ", "LG전자"), // letters in the code field are dropped
		buildRow("373220   ", "LG에너지솔루션"),
		"short line",
		buildRow("         ", "코드없는행"),
	}, "\n")

	table, err := ParseMaster(encodeCP949(t, body))
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"삼성전자":     "005930",
		"LG전자":     "000066",
		"LG에너지솔루션": "373220",
	}, table)
}

func TestParseRowPadsShortCodes(t *testing.T) {
	code, name, ok := parseRow(buildRow("5930     ", "패딩테스트"))
	require.True(t, ok)
	assert.Equal(t, "005930", code)
	assert.Equal(t, "패딩테스트", name)
}

type staticSource struct {
	table map[string]string
	err   error
	calls int
}

func (s *staticSource) Fetch(context.Context) (map[string]string, error) {
	s.calls++
	return s.table, s.err
}

func TestCacheLookup(t *testing.T) {
	src := &staticSource{table: map[string]string{"삼성전자": "005930", "카카오": "035720"}}
	cache := NewCache(src, zap.NewNop())

	code, ok := cache.Lookup(context.Background(), "삼성전자")
	require.True(t, ok)
	assert.Equal(t, "005930", code)

	_, ok = cache.Lookup(context.Background(), "없는회사")
	assert.False(t, ok)

	// Lazily built exactly once.
	assert.Equal(t, 1, src.calls)
}

func TestCacheSimilarRanksExactFirst(t *testing.T) {
	src := &staticSource{table: map[string]string{
		"삼성전자":   "005930",
		"삼성전자우":  "005935",
		"삼성SDI":  "006400",
		"현대차":    "005380",
	}}
	cache := NewCache(src, zap.NewNop())

	matches := cache.Similar(context.Background(), "삼성전자", 3)
	require.Len(t, matches, 3)
	assert.Equal(t, "삼성전자", matches[0].Name)
	assert.Equal(t, 1.0, matches[0].Score)
	assert.Equal(t, "삼성전자우", matches[1].Name)
	assert.Greater(t, matches[1].Score, matches[2].Score)
}

func TestCacheLoadFailureServesEmpty(t *testing.T) {
	src := &staticSource{err: errors.New("network down")}
	cache := NewCache(src, zap.NewNop())

	_, ok := cache.Lookup(context.Background(), "삼성전자")
	assert.False(t, ok)
	assert.Empty(t, cache.Similar(context.Background(), "삼성전자", 5))

	// A failed build still counts as loaded until invalidated.
	cache.Lookup(context.Background(), "카카오")
	assert.Equal(t, 1, src.calls)
}

// slowSource blocks in Fetch until released.
type slowSource struct {
	started chan struct{}
	release chan struct{}
	table   map[string]string
}

func (s *slowSource) Fetch(context.Context) (map[string]string, error) {
	close(s.started)
	<-s.release
	return s.table, nil
}

func TestCacheReadersDoNotBlockOnFirstBuild(t *testing.T) {
	src := &slowSource{
		started: make(chan struct{}),
		release: make(chan struct{}),
		table:   map[string]string{"삼성전자": "005930"},
	}
	cache := NewCache(src, zap.NewNop())

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		cache.Lookup(context.Background(), "삼성전자")
	}()
	<-src.started

	// While the download is in flight, readers see an empty table instead
	// of queueing behind it.
	_, ok := cache.Lookup(context.Background(), "삼성전자")
	assert.False(t, ok, "transient empty result during the first build")
	assert.Empty(t, cache.Similar(context.Background(), "삼성전자", 5))

	close(src.release)
	<-firstDone

	code, ok := cache.Lookup(context.Background(), "삼성전자")
	require.True(t, ok)
	assert.Equal(t, "005930", code)
}

func TestCacheInvalidateRebuilds(t *testing.T) {
	src := &staticSource{table: map[string]string{"삼성전자": "005930"}}
	cache := NewCache(src, zap.NewNop())

	cache.Lookup(context.Background(), "삼성전자")
	cache.Invalidate()
	cache.Lookup(context.Background(), "삼성전자")
	assert.Equal(t, 2, src.calls)
}
