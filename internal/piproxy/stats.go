package piproxy

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

type statsCollector struct {
	cacheHits atomic.Uint64
	live      atomic.Uint64
	fallbacks atomic.Uint64
	failures  atomic.Uint64

	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(res Resolved) {
	switch res.ServedFrom {
	case ServedFromCache:
		s.cacheHits.Add(1)
	case ServedFromLive:
		s.live.Add(1)
	case ServedFromFallback:
		s.fallbacks.Add(1)
	}

	n := uint64(len(res.Payload))
	s.totalRespBytes.Add(n)
	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

func (s *statsCollector) ObserveFailure() {
	s.failures.Add(1)
}

type statsSnapshot struct {
	CacheHits uint64
	Live      uint64
	Fallbacks uint64
	Failures  uint64

	MinRespBytes uint64
	MaxRespBytes uint64
	AvgRespBytes uint64
}

func (s statsSnapshot) Served() uint64 {
	return s.CacheHits + s.Live + s.Fallbacks
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		CacheHits: s.cacheHits.Load(),
		Live:      s.live.Load(),
		Fallbacks: s.fallbacks.Load(),
		Failures:  s.failures.Load(),
	}
	served := out.Served()
	if served == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = s.totalRespBytes.Load() / served
	return out
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	return s
}
