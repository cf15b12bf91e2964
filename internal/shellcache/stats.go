package shellcache

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

type statsCollector struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	fallbacks atomic.Uint64
	bypasses  atomic.Uint64
	failures  atomic.Uint64

	servedResponses atomic.Uint64
	servedBytes     atomic.Uint64
	minRespBytes    atomic.Uint64
	maxRespBytes    atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe records one answered request. Sizes only count responses served
// by the cache layer itself (hit, miss, fallback).
func (s *statsCollector) Observe(source string, respBytes int) {
	switch source {
	case SourceHit:
		s.hits.Add(1)
	case SourceMiss:
		s.misses.Add(1)
	case SourceFallback:
		s.fallbacks.Add(1)
	case SourceBypass:
		s.bypasses.Add(1)
		return
	default:
		s.failures.Add(1)
		return
	}

	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)
	s.servedResponses.Add(1)
	s.servedBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur || s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur || s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits      uint64
	Misses    uint64
	Fallbacks uint64
	Bypasses  uint64
	Failures  uint64

	MinRespBytes uint64
	MaxRespBytes uint64
	AvgRespBytes uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Fallbacks: s.fallbacks.Load(),
		Bypasses:  s.bypasses.Load(),
		Failures:  s.failures.Load(),
	}
	count := s.servedResponses.Load()
	if count == 0 {
		return out
	}
	out.MinRespBytes = s.minRespBytes.Load()
	if out.MinRespBytes == math.MaxUint64 {
		out.MinRespBytes = 0
	}
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = s.servedBytes.Load() / count
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
