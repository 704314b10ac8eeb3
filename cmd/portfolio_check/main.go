// Package main prints contract state, drift and planned trades straight from
// the configured store and oracle, without going through the API.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/portfolio-rebalancer/internal/app"
	"github.com/portfolio-rebalancer/internal/config"
	"github.com/portfolio-rebalancer/internal/events"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/worker"
)

func main() {
	idFlag := flag.Uint64("id", 0, "Portfolio to check (default: all)")
	scanFlag := flag.Bool("scan", false, "Run one drift monitor pass without publishing events")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	// events would otherwise go to the configured sinks
	cfg.Events = config.EventsConfig{}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	a, err := app.Build(ctx, cfg, logging.NewLogger(logging.LevelWarn, logging.FormatText), app.Options{})
	if err != nil {
		fmt.Printf("Error connecting: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	state, err := a.Service.ContractState(ctx)
	if err != nil {
		fmt.Printf("Error reading contract state: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Admin:          %s\n", state.Admin)
	fmt.Printf("Oracle:         %s\n", state.OracleAddress)
	fmt.Printf("Emergency stop: %v\n", state.EmergencyStop)
	fmt.Printf("Portfolios:     %d\n\n", state.NextPortfolioID-1)

	if *scanFlag {
		runScan(ctx, a)
		return
	}

	first, last := uint64(1), state.NextPortfolioID-1
	if *idFlag != 0 {
		first, last = *idFlag, *idFlag
	}
	for id := first; id <= last; id++ {
		checkPortfolio(ctx, a, id)
	}
}

func checkPortfolio(ctx context.Context, a *app.App, id uint64) {
	fmt.Printf("=== Portfolio %d ===\n", id)
	p, err := a.Service.GetPortfolio(ctx, id)
	if err != nil {
		fmt.Printf("ERROR: %v\n\n", err)
		return
	}
	fmt.Printf("Owner: %s  active: %v  threshold: %d%%  slippage: %d bps  last rebalance: %d\n",
		p.Owner, p.IsActive, p.RebalanceThreshold, p.SlippageTolerance, p.LastRebalance)

	report, err := a.Service.DriftReport(ctx, id)
	if err != nil {
		fmt.Printf("ERROR drift: %v\n\n", err)
		return
	}
	fmt.Printf("Total value: %s  needs rebalance: %v\n", report.TotalValue, report.NeedsRebalance)
	fmt.Printf("%-12s %-10s %-8s %-8s %s\n", "ASSET", "BALANCE", "TARGET", "CURRENT", "DRIFT")
	for _, d := range report.Assets {
		current, drift := "-", "unpriced"
		if d.Priced {
			current = d.CurrentPercent.String() + "%"
			drift = d.Drift.String()
		}
		fmt.Printf("%-12s %-10s %-8s %-8s %s\n", d.Asset, p.Balance(d.Asset), fmt.Sprintf("%d%%", d.TargetPercent), current, drift)
	}

	trades, err := a.Service.PlanTrades(ctx, id)
	if err != nil {
		fmt.Printf("ERROR trades: %v\n\n", err)
		return
	}
	for _, t := range trades {
		side := "buy"
		if t.Amount.Sign() < 0 {
			side = "sell"
		}
		fmt.Printf("  %s %s %s (target %s)\n", side, t.Asset, new(big.Int).Abs(t.Amount), t.TargetBalance)
	}
	fmt.Println()
}

func runScan(ctx context.Context, a *app.App) {
	monitor, err := worker.NewDriftMonitor(&worker.DriftMonitorConfig{
		Source:       a.Service,
		Sink:         events.Nop{},
		Logger:       a.Logger,
		PollInterval: time.Minute,
	})
	if err != nil {
		fmt.Printf("Error creating monitor: %v\n", err)
		os.Exit(1)
	}
	result, err := monitor.Scan(ctx)
	if err != nil {
		fmt.Printf("Scan failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Checked: %d  needs rebalance: %d  skipped: %d  failed: %d\n",
		result.Checked, result.Needed, result.Skipped, result.Failed)
}
