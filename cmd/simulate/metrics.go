package main

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type OperationMetrics struct {
	Total    atomic.Int64
	Success  atomic.Int64
	Conflict atomic.Int64
	Error    atomic.Int64

	mu        sync.Mutex
	latencies []time.Duration
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeConflict
	outcomeError
)

func (om *OperationMetrics) Record(latency time.Duration, o outcome) {
	om.Total.Add(1)
	switch o {
	case outcomeSuccess:
		om.Success.Add(1)
	case outcomeConflict:
		om.Conflict.Add(1)
	default:
		om.Error.Add(1)
	}

	om.mu.Lock()
	om.latencies = append(om.latencies, latency)
	om.mu.Unlock()
}

type LatencyStats struct {
	Avg, Min, Max, P50, P95, P99 time.Duration
}

func (om *OperationMetrics) Stats() LatencyStats {
	om.mu.Lock()
	latencies := slices.Clone(om.latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return LatencyStats{}
	}
	slices.Sort(latencies)

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	return LatencyStats{
		Avg: sum / time.Duration(len(latencies)),
		Min: latencies[0],
		Max: latencies[len(latencies)-1],
		P50: percentile(latencies, 50),
		P95: percentile(latencies, 95),
		P99: percentile(latencies, 99),
	}
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p int) time.Duration {
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

type Metrics struct {
	Booking      OperationMetrics
	Update       OperationMetrics
	Slots        OperationMetrics
	Availability OperationMetrics
	ReadByID     OperationMetrics
	ListDay      OperationMetrics
	KeepAlive    OperationMetrics
}

func (m *Metrics) each(fn func(name string, om *OperationMetrics)) {
	fn("Booking", &m.Booking)
	fn("Update", &m.Update)
	fn("Slot grid", &m.Slots)
	fn("Availability", &m.Availability)
	fn("Read by ID", &m.ReadByID)
	fn("List day", &m.ListDay)
	fn("Keep-alive", &m.KeepAlive)
}

func formatOperationReport(name string, om *OperationMetrics) string {
	total := om.Total.Load()
	if total == 0 {
		return ""
	}
	success := om.Success.Load()
	conflict := om.Conflict.Load()
	failed := om.Error.Load()
	st := om.Stats()
	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }

	var b strings.Builder
	fmt.Fprintf(&b, "%s:\n", name)
	fmt.Fprintf(&b, "  Total: %d\n", total)
	fmt.Fprintf(&b, "  Success: %d (%.1f%%)\n", success, pct(success))
	if conflict > 0 {
		fmt.Fprintf(&b, "  Conflicts: %d (%.1f%%)\n", conflict, pct(conflict))
	}
	if failed > 0 {
		fmt.Fprintf(&b, "  Errors: %d (%.1f%%)\n", failed, pct(failed))
	}
	fmt.Fprintf(&b, "  Latency: avg=%s min=%s max=%s p50=%s p95=%s p99=%s\n",
		st.Avg.Round(time.Millisecond), st.Min.Round(time.Millisecond), st.Max.Round(time.Millisecond),
		st.P50.Round(time.Millisecond), st.P95.Round(time.Millisecond), st.P99.Round(time.Millisecond))
	return b.String()
}
