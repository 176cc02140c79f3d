// Command triangulum heals a folder: it detects marked bugs, drives each
// one through the agent lifecycle and reports what it fixed.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"triangulum/internal/kernel"
	"triangulum/pkg/agent"
	"triangulum/pkg/config"
	"triangulum/pkg/healer"
	"triangulum/pkg/logx"
	"triangulum/pkg/metrics"
	"triangulum/pkg/version"
)

// Exit codes: 0 run completed clean, 1 partial success (escalations or
// timeout), 2 usage or setup failure, 130 interrupted.
const (
	exitOK      = 0
	exitPartial = 1
	exitFailure = 2
	exitSignal  = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		dryRun      bool
		maxFiles    int
		workers     int
		depth       int
		bugType     string
		verbose     bool
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "", "Path to YAML config file")
	flag.BoolVar(&dryRun, "dry-run", false, "Analyze and verify without writing patches")
	flag.IntVar(&maxFiles, "max-files", 0, "Cap on files per run (default from config: 50)")
	flag.IntVar(&workers, "workers", 0, "Concurrent bugs per tick (default from config: 1)")
	flag.IntVar(&depth, "depth", 0, "Relationship analysis depth (default from config: 3)")
	flag.StringVar(&bugType, "bug-type", "", "Restrict detection to one bug type")
	flag.BoolVar(&verbose, "verbose", false, "Enable debug logging")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("triangulum %s\n", version.String())
		return exitOK
	}
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: triangulum [flags] <folder>")
		flag.PrintDefaults()
		return exitFailure
	}
	folder := flag.Arg(0)
	if info, err := os.Stat(folder); err != nil || !info.IsDir() {
		fmt.Fprintf(os.Stderr, "triangulum: %s is not a folder\n", folder)
		return exitFailure
	}

	if configPath == "" {
		configPath = os.Getenv("TRIANGULUM_CONFIG")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "triangulum: %v\n", err)
		return exitFailure
	}

	// Flags win over the config file.
	if maxFiles > 0 {
		cfg.MaxFiles = maxFiles
	}
	if workers > 0 {
		cfg.Workers = workers
	}
	if depth > 0 {
		cfg.Depth = depth
	}
	if bugType != "" {
		cfg.BugType = bugType
	}
	logx.SetDebug(verbose)

	k, err := kernel.New(context.Background(), cfg, agent.FileProbeCollaborators(),
		dryRun, prometheus.DefaultRegisterer)
	if err != nil {
		fmt.Fprintf(os.Stderr, "triangulum: %v\n", err)
		return exitFailure
	}
	defer k.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	interrupted := make(chan os.Signal, 1)
	go func() {
		sig, ok := <-sigChan
		if !ok {
			return
		}
		k.Logger.Info("Received signal %v, canceling run", sig)
		k.Cancel()
		interrupted <- sig
	}()

	result, healErr := k.Heal(folder)

	select {
	case <-interrupted:
		if result != nil {
			report(result, dryRun)
		}
		return exitSignal
	default:
	}

	if result == nil {
		fmt.Fprintf(os.Stderr, "triangulum: %v\n", healErr)
		return exitFailure
	}
	report(result, dryRun)
	if cfg.MetricsURL != "" {
		reportAggregates(cfg.MetricsURL)
	}

	switch {
	case healErr == nil && result.FilesFailed == 0:
		return exitOK
	case healErr == nil || errors.Is(healErr, healer.ErrTimeout):
		return exitPartial
	default:
		fmt.Fprintf(os.Stderr, "triangulum: %v\n", healErr)
		return exitFailure
	}
}

func report(result *healer.Result, dryRun bool) {
	mode := ""
	if dryRun {
		mode = " (dry run)"
	}
	fmt.Printf("Heal finished%s in %s\n", mode, result.Duration.Round(time.Millisecond))
	fmt.Printf("  files analyzed:  %d\n", result.FilesAnalyzed)
	fmt.Printf("  files with bugs: %d\n", result.FilesWithBugs)
	fmt.Printf("  files healed:    %d\n", result.FilesHealed)
	fmt.Printf("  files escalated: %d\n", result.FilesFailed)
	fmt.Printf("  bugs detected:   %d\n", result.BugsDetected)
	fmt.Printf("  bugs fixed:      %d\n", result.BugsFixed)
	for _, path := range result.HealedPaths {
		fmt.Printf("  healed: %s\n", path)
	}
	for _, path := range result.EscalatedPaths {
		fmt.Printf("  escalated: %s\n", path)
	}
}

// reportAggregates enriches the report with all-time totals from an
// external Prometheus server. Failures here never affect the exit code.
func reportAggregates(metricsURL string) {
	service, err := metrics.NewQueryService(metricsURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "triangulum: metrics query unavailable: %v\n", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	totals, err := service.GetRunMetrics(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "triangulum: metrics query failed: %v\n", err)
		return
	}
	fmt.Printf("All-time totals (%s):\n", metricsURL)
	fmt.Printf("  steps: %d, loop overrides: %d, escalations: %d\n",
		totals.Steps, totals.LoopOverrides, totals.Escalations)
	fmt.Printf("  files healed: %d, bugs detected: %d\n",
		totals.FilesHealed, totals.BugsDetected)
}
