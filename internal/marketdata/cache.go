// Package marketdata is the Market-Data Window Cache: it pulls
// historical bars from the gateway, caches them locally, and serves
// rolling-window reads to the condition evaluator. The RWMutex-guarded
// cache-wrapping-domain-accessors shape carries over from this engine's
// earlier flat-JSON market-data store. Cached bars live in memory only:
// they are not written to disk and do not survive a restart.
package marketdata

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-engine/internal/gateway"
	"github.com/atlas-desktop/trading-engine/pkg/model"
)

// FetchMeta describes one getHistoricalBars call's outcome.
type FetchMeta struct {
	HitRatio       float64
	FetchSegments  int
	CoverageStart  time.Time
	CoverageEnd    time.Time
}

// Cache is the rolling-window bar cache. One Cache instance is shared by
// every strategy's evaluation run; per-contract state is guarded by mu.
type Cache struct {
	logger  *zap.Logger
	gw      gateway.Gateway
	pageSize int

	mu   sync.RWMutex
	bars map[string][]model.Bar // keyed by contract.Key()+":"+barSize
}

// New builds a Cache backed by gw. pageSize bounds how many bars are
// requested from the gateway per fetch segment.
func New(logger *zap.Logger, gw gateway.Gateway, pageSize int) *Cache {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Cache{
		logger:   logger.Named("marketdata"),
		gw:       gw,
		pageSize: pageSize,
		bars:     make(map[string][]model.Bar),
	}
}

func cacheKey(contract model.Contract, barSize time.Duration) string {
	return fmt.Sprintf("%s:%s", contract.Key(), barSize.String())
}

// GetHistoricalBars returns bars covering [start,end) at barSize,
// fetching only the minimal uncached sub-range from the gateway and
// merging it into the cache before returning. Bars are
// idempotent on re-fetch: identical (contract,barSize,ts) keys overwrite
// in place rather than duplicating.
func (c *Cache) GetHistoricalBars(ctx context.Context, contract model.Contract, start, end time.Time, barSize time.Duration, whatToShow string, useRTH, includePartialBar bool, maxBars int) ([]model.Bar, FetchMeta, error) {
	if !end.After(start) {
		return nil, FetchMeta{}, fmt.Errorf("marketdata: end must be after start")
	}
	key := cacheKey(contract, barSize)

	c.mu.RLock()
	existing := append([]model.Bar(nil), c.bars[key]...)
	c.mu.RUnlock()

	missing := uncoveredRanges(existing, start, end, barSize)
	meta := FetchMeta{CoverageStart: start, CoverageEnd: end, FetchSegments: len(missing)}

	var fetchedBars int
	for _, r := range missing {
		segStart := r.start
		for segStart.Before(r.end) {
			segEnd := segStart.Add(barSize * time.Duration(c.pageSize))
			if segEnd.After(r.end) {
				segEnd = r.end
			}
			fetched, err := c.gw.FetchBars(ctx, contract, segStart, segEnd, barSize, whatToShow, useRTH)
			if err != nil {
				return nil, FetchMeta{}, fmt.Errorf("fetch bars: %w", err)
			}
			fetchedBars += len(fetched)
			c.merge(key, fetched)
			segStart = segEnd
		}
	}

	c.mu.RLock()
	all := append([]model.Bar(nil), c.bars[key]...)
	c.mu.RUnlock()

	result := inRange(all, start, end, includePartialBar)
	totalRequested := len(result) + fetchedBars
	if totalRequested > 0 {
		meta.HitRatio = 1 - float64(fetchedBars)/float64(totalRequested)
	} else {
		meta.HitRatio = 1
	}

	if maxBars > 0 && len(result) > maxBars {
		// Must not silently truncate when maxBars is hit; return the newest
		// maxBars instead.
		result = result[len(result)-maxBars:]
	}
	return result, meta, nil
}

func (c *Cache) merge(key string, fresh []model.Bar) {
	if len(fresh) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	byTS := make(map[int64]model.Bar, len(c.bars[key])+len(fresh))
	for _, b := range c.bars[key] {
		byTS[b.Timestamp.UnixNano()] = b
	}
	for _, b := range fresh {
		byTS[b.Timestamp.UnixNano()] = b
	}
	merged := make([]model.Bar, 0, len(byTS))
	for _, b := range byTS {
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Timestamp.Before(merged[j].Timestamp) })
	c.bars[key] = merged
}

type timeRange struct{ start, end time.Time }

// uncoveredRanges computes the minimal sub-ranges of [start,end) not
// already present in existing (assumed sorted by Timestamp). The last
// cached bar covers [Timestamp, Timestamp+barSize).
func uncoveredRanges(existing []model.Bar, start, end time.Time, barSize time.Duration) []timeRange {
	if len(existing) == 0 {
		return []timeRange{{start, end}}
	}
	covStart, covEnd := existing[0].Timestamp, existing[len(existing)-1].Timestamp.Add(barSize)
	var gaps []timeRange
	if start.Before(covStart) {
		gaps = append(gaps, timeRange{start, covStart})
	}
	if end.After(covEnd) {
		gaps = append(gaps, timeRange{covEnd, end})
	}
	return gaps
}

func inRange(bars []model.Bar, start, end time.Time, includePartialBar bool) []model.Bar {
	var out []model.Bar
	for _, b := range bars {
		if b.Timestamp.Before(start) {
			continue
		}
		if !includePartialBar && !b.Timestamp.Before(end) {
			continue
		}
		if includePartialBar && b.Timestamp.After(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}

// Latest returns the most recent cached bar for a contract/barSize, or
// false if none is cached.
func (c *Cache) Latest(contract model.Contract, barSize time.Duration) (model.Bar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bars := c.bars[cacheKey(contract, barSize)]
	if len(bars) == 0 {
		return model.Bar{}, false
	}
	return bars[len(bars)-1], true
}
