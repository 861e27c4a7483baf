package telemetry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// LatencyTracker tracks latency quantiles per operation using DDSketch.
// Unlike the otel histograms it can answer quantile queries in-process,
// which backs the /stats endpoint.
type LatencyTracker struct {
	mu               sync.Mutex
	sketches         map[string]*ddsketch.DDSketch
	relativeAccuracy float64
}

// NewLatencyTracker creates a new latency tracker.
// relativeAccuracy determines the accuracy of quantile estimates (e.g., 0.01 = 1% accuracy).
func NewLatencyTracker(relativeAccuracy float64) *LatencyTracker {
	return &LatencyTracker{
		sketches:         make(map[string]*ddsketch.DDSketch),
		relativeAccuracy: relativeAccuracy,
	}
}

// Record records a duration for the given operation.
func (lt *LatencyTracker) Record(operation string, duration time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	sketch, ok := lt.sketches[operation]
	if !ok {
		var err error
		sketch, err = ddsketch.LogUnboundedDenseDDSketch(lt.relativeAccuracy)
		if err != nil {
			sketch, _ = ddsketch.NewDefaultDDSketch(lt.relativeAccuracy)
		}
		lt.sketches[operation] = sketch
	}

	// milliseconds
	_ = sketch.Add(float64(duration.Microseconds()) / 1000.0)
}

// LatencyStats summarises one operation. Values are in milliseconds.
type LatencyStats struct {
	Operation string  `json:"operation"`
	Count     int64   `json:"count"`
	Min       float64 `json:"min_ms"`
	P50       float64 `json:"p50_ms"`
	P90       float64 `json:"p90_ms"`
	P99       float64 `json:"p99_ms"`
	Max       float64 `json:"max_ms"`
}

// Stats returns statistics for the given operation.
func (lt *LatencyTracker) Stats(operation string) (LatencyStats, error) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.statsLocked(operation)
}

func (lt *LatencyTracker) statsLocked(operation string) (LatencyStats, error) {
	sketch, ok := lt.sketches[operation]
	if !ok {
		return LatencyStats{}, fmt.Errorf("no data for operation: %s", operation)
	}

	count := sketch.GetCount()
	if count == 0 {
		return LatencyStats{Operation: operation}, nil
	}

	minV, _ := sketch.GetMinValue()
	p50, _ := sketch.GetValueAtQuantile(0.50)
	p90, _ := sketch.GetValueAtQuantile(0.90)
	p99, _ := sketch.GetValueAtQuantile(0.99)
	maxV, _ := sketch.GetMaxValue()

	return LatencyStats{
		Operation: operation,
		Count:     int64(count),
		Min:       minV,
		P50:       p50,
		P90:       p90,
		P99:       p99,
		Max:       maxV,
	}, nil
}

// AllStats returns statistics for every tracked operation, sorted by name.
func (lt *LatencyTracker) AllStats() []LatencyStats {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	stats := make([]LatencyStats, 0, len(lt.sketches))
	for operation := range lt.sketches {
		if s, err := lt.statsLocked(operation); err == nil {
			stats = append(stats, s)
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Operation < stats[j].Operation })
	return stats
}

func (s LatencyStats) String() string {
	if s.Count == 0 {
		return fmt.Sprintf("%s: no data", s.Operation)
	}
	return fmt.Sprintf("%s (n=%d): min=%.2fms p50=%.2fms p90=%.2fms p99=%.2fms max=%.2fms",
		s.Operation, s.Count, s.Min, s.P50, s.P90, s.P99, s.Max)
}
