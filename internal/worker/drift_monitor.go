// Package worker runs background jobs against the rebalancer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/portfolio-rebalancer/internal/errors"
	"github.com/portfolio-rebalancer/internal/events"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/models"
	"github.com/portfolio-rebalancer/internal/ratelimit"
	"github.com/portfolio-rebalancer/internal/rebalance"
	"github.com/portfolio-rebalancer/internal/types"
)

// PortfolioSource is the part of the rebalancer service the monitor reads
type PortfolioSource interface {
	ContractState(ctx context.Context) (*models.ContractState, error)
	GetPortfolio(ctx context.Context, id uint64) (*models.Portfolio, error)
	DriftReport(ctx context.Context, id uint64) (*rebalance.DriftResult, error)
}

// DriftMonitor periodically checks every active portfolio for drift and
// publishes a rebalance-needed event when a portfolio crosses its threshold.
// A portfolio is reported again only after it has been seen back in range.
type DriftMonitor struct {
	source       PortfolioSource
	sink         events.Sink
	logger       *logging.Logger
	pollInterval time.Duration
	now          func() time.Time

	mu           sync.RWMutex
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	flagged      map[uint64]bool
	lastPollTime time.Time
	lastScan     *ScanResult
}

// DriftMonitorConfig holds configuration for a drift monitor
type DriftMonitorConfig struct {
	Source       PortfolioSource
	Sink         events.Sink
	Logger       *logging.Logger
	PollInterval time.Duration
	Now          func() time.Time
}

// ScanResult summarizes one pass over all portfolios
type ScanResult struct {
	Checked  int
	Needed   int
	Reported int
	Skipped  int
	Failed   int
}

// DriftMonitorStatus is a snapshot of the monitor state
type DriftMonitorStatus struct {
	Running      bool
	PollInterval time.Duration
	LastPollTime time.Time
	Flagged      int
	LastScan     *ScanResult
}

// NewDriftMonitor creates a new drift monitor
func NewDriftMonitor(cfg *DriftMonitorConfig) (*DriftMonitor, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("portfolio source cannot be nil")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %v", cfg.PollInterval)
	}

	sink := cfg.Sink
	if sink == nil {
		sink = events.Nop{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &DriftMonitor{
		source:       cfg.Source,
		sink:         sink,
		logger:       logger.WithComponent("drift_monitor"),
		pollInterval: cfg.PollInterval,
		now:          now,
		flagged:      make(map[uint64]bool),
	}, nil
}

// Start begins polling in a goroutine
func (m *DriftMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("drift monitor is already running")
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	m.logger.WithField("poll_interval", m.pollInterval.String()).Info("Starting drift monitor")
	go m.pollLoop(ctx, m.stopCh, m.doneCh)
	return nil
}

// Stop signals the polling loop and waits for it to finish. After a timeout
// Stop may be called again to keep waiting.
func (m *DriftMonitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return fmt.Errorf("drift monitor is not running")
	}
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	doneCh := m.doneCh
	m.mu.Unlock()

	select {
	case <-doneCh:
		m.logger.Info("Drift monitor stopped gracefully")
		return nil
	case <-ctx.Done():
		m.logger.Warn("Drift monitor stop timed out")
		return ctx.Err()
	}
}

func (m *DriftMonitor) pollLoop(ctx context.Context, stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)
	defer func() {
		m.mu.Lock()
		if m.doneCh == doneCh {
			m.running = false
			m.stopCh = nil
		}
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Drift monitor context cancelled")
			return
		case <-stopCh:
			return
		case <-ticker.C:
			result, err := m.Scan(ctx)
			if err != nil {
				m.logger.WithError(err).Warn("Drift scan failed")
				continue
			}
			if result.Reported > 0 || result.Failed > 0 {
				m.logger.WithFields(map[string]interface{}{
					"checked":  result.Checked,
					"needed":   result.Needed,
					"reported": result.Reported,
					"failed":   result.Failed,
				}).Info("Drift scan completed")
			}
		}
	}
}

// Scan checks every portfolio once. Portfolio-level failures are counted
// and logged without aborting the pass. An uninitialized contract is an
// empty pass.
func (m *DriftMonitor) Scan(ctx context.Context) (*ScanResult, error) {
	// oracle calls made by a scan draw from the shared RPC budget
	ctx = ratelimit.WithPriority(ctx, ratelimit.PriorityLow)
	now := m.now()
	m.mu.Lock()
	m.lastPollTime = now
	m.mu.Unlock()

	result := &ScanResult{}
	state, err := m.source.ContractState(ctx)
	if errors.Is(err, apperrors.ErrNotInitialized) {
		m.setLastScan(result)
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load contract state: %w", err)
	}
	if state.EmergencyStop {
		m.logger.Debug("Emergency stop active, skipping drift scan")
		m.setLastScan(result)
		return result, nil
	}

	for id := uint64(1); id < state.NextPortfolioID; id++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.checkPortfolio(ctx, id, uint64(now.Unix()), result)
	}

	m.setLastScan(result)
	return result, nil
}

func (m *DriftMonitor) checkPortfolio(ctx context.Context, id, ledger uint64, result *ScanResult) {
	log := m.logger.WithField("portfolio_id", id)

	p, err := m.source.GetPortfolio(ctx, id)
	if err != nil {
		result.Failed++
		log.WithError(err).Warn("Failed to load portfolio")
		return
	}
	if !p.IsActive {
		result.Skipped++
		m.clearFlag(id)
		return
	}

	report, err := m.source.DriftReport(ctx, id)
	if err != nil {
		result.Failed++
		log.WithError(err).Warn("Failed to compute drift")
		return
	}
	result.Checked++

	if !report.NeedsRebalance {
		m.clearFlag(id)
		return
	}
	result.Needed++

	m.mu.Lock()
	already := m.flagged[id]
	m.flagged[id] = true
	m.mu.Unlock()
	if already {
		return
	}

	payload := map[string]string{
		"total_value": report.TotalValue.String(),
		"threshold":   fmt.Sprint(report.Threshold),
	}
	for _, a := range report.Assets {
		if a.Priced {
			payload["drift."+string(a.Asset)] = a.Drift.String()
		}
	}

	e := events.New(types.EventRebalanceNeeded, id, p.Owner, ledger, payload)
	if err := m.sink.Publish(ctx, e); err != nil {
		// retry on the next pass
		m.clearFlag(id)
		result.Failed++
		log.WithError(err).Warn("Failed to publish rebalance-needed event")
		return
	}
	result.Reported++
}

func (m *DriftMonitor) clearFlag(id uint64) {
	m.mu.Lock()
	delete(m.flagged, id)
	m.mu.Unlock()
}

func (m *DriftMonitor) setLastScan(r *ScanResult) {
	m.mu.Lock()
	m.lastScan = r
	m.mu.Unlock()
}

// GetStatus returns the current monitor status
func (m *DriftMonitor) GetStatus() *DriftMonitorStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last *ScanResult
	if m.lastScan != nil {
		copied := *m.lastScan
		last = &copied
	}
	return &DriftMonitorStatus{
		Running:      m.running,
		PollInterval: m.pollInterval,
		LastPollTime: m.lastPollTime,
		Flagged:      len(m.flagged),
		LastScan:     last,
	}
}
