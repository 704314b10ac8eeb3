package service

import (
	"slices"
	"sync"
	"time"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
)

// Operation names recorded by OperationStats
const (
	OpInitialize       = "initialize"
	OpCreatePortfolio  = "create_portfolio"
	OpDeposit          = "deposit"
	OpExecuteRebalance = "execute_rebalance"
	OpSetEmergencyStop = "set_emergency_stop"
)

const (
	defaultMaxSamples = 1000
	slowOperation     = 100 * time.Millisecond
)

// OperationStats tracks call counts, rejections by error code and latency
// of the mutating service operations. Only the last maxSamples durations per
// operation are kept.
type OperationStats struct {
	mu         sync.RWMutex
	maxSamples int
	ops        map[string]*operationCounters
}

type operationCounters struct {
	calls      int64
	failures   int64
	slow       int64
	rejections map[string]int64
	samples    []time.Duration
}

// OperationSummary contains statistics for one operation
type OperationSummary struct {
	Calls      int64            `json:"calls"`
	Failures   int64            `json:"failures"`
	Slow       int64            `json:"slow"`
	Rejections map[string]int64 `json:"rejections,omitempty"`
	AvgMs      float64          `json:"avgMs"`
	P95Ms      float64          `json:"p95Ms"`
	P99Ms      float64          `json:"p99Ms"`
}

// NewOperationStats creates an empty recorder
func NewOperationStats() *OperationStats {
	return &OperationStats{
		maxSamples: defaultMaxSamples,
		ops:        make(map[string]*operationCounters),
	}
}

// Record records one call of op. A non-nil err counts as a failure under
// its error code.
func (s *OperationStats) Record(op string, d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.ops[op]
	if !ok {
		c = &operationCounters{rejections: make(map[string]int64)}
		s.ops[op] = c
	}

	c.calls++
	if d > slowOperation {
		c.slow++
	}
	if err != nil {
		c.failures++
		code := apperrors.CodeInternalError
		if ce := apperrors.Categorize(err); ce != nil {
			code = ce.Code
		}
		c.rejections[code]++
	}

	c.samples = append(c.samples, d)
	if len(c.samples) > s.maxSamples {
		c.samples = c.samples[len(c.samples)-s.maxSamples:]
	}
}

// Snapshot returns a summary per recorded operation
func (s *OperationStats) Snapshot() map[string]OperationSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]OperationSummary, len(s.ops))
	for op, c := range s.ops {
		sum := OperationSummary{
			Calls:    c.calls,
			Failures: c.failures,
			Slow:     c.slow,
		}
		if len(c.rejections) > 0 {
			sum.Rejections = make(map[string]int64, len(c.rejections))
			for code, n := range c.rejections {
				sum.Rejections[code] = n
			}
		}

		if len(c.samples) > 0 {
			sorted := slices.Clone(c.samples)
			slices.Sort(sorted)

			var total time.Duration
			for _, d := range sorted {
				total += d
			}
			sum.AvgMs = toMillis(total) / float64(len(sorted))
			sum.P95Ms = toMillis(sorted[percentileIndex(len(sorted), 0.95)])
			sum.P99Ms = toMillis(sorted[percentileIndex(len(sorted), 0.99)])
		}
		out[op] = sum
	}
	return out
}

// Reset clears all recorded statistics
func (s *OperationStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = make(map[string]*operationCounters)
}

func percentileIndex(n int, p float64) int {
	idx := int(float64(n) * p)
	if idx >= n {
		idx = n - 1
	}
	return idx
}

func toMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
