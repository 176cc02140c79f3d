// Package kernel wires the shared infrastructure for a heal run: bus,
// event log, persistence, metrics, orchestrator, engine and healer. It is
// the single place where components meet, so the CLI and tests build the
// same stack.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"triangulum/pkg/agent"
	"triangulum/pkg/bug"
	"triangulum/pkg/bus"
	"triangulum/pkg/config"
	"triangulum/pkg/engine"
	"triangulum/pkg/eventlog"
	"triangulum/pkg/healer"
	"triangulum/pkg/logx"
	"triangulum/pkg/metrics"
	"triangulum/pkg/orch"
	"triangulum/pkg/persistence"
)

// Kernel owns the component lifecycle for one process.
type Kernel struct {
	ctx    context.Context //nolint:containedctx // Required for kernel lifecycle management
	cancel context.CancelFunc

	Config config.Config
	Logger *logx.Logger

	Bus          *bus.MessageBus
	EventLog     *eventlog.Writer
	Store        *persistence.Store
	Persistence  *persistence.Worker
	Recorder     *metrics.Recorder
	Orchestrator *orch.Orchestrator
	Engine       *engine.Engine
	Healer       *healer.Healer

	dryRun bool
}

// New assembles the stack. collabs supplies the four collaborator
// contracts; registerer may be nil for the default Prometheus registry.
func New(parent context.Context, cfg config.Config, collabs *agent.Collaborators,
	dryRun bool, registerer prometheus.Registerer) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kernel config: %w", err)
	}

	ctx, cancel := context.WithCancel(parent)
	k := &Kernel{
		ctx:    ctx,
		cancel: cancel,
		Config: cfg,
		Logger: logx.NewLogger("kernel"),
		dryRun: dryRun,
	}

	if err := k.initialize(collabs, registerer); err != nil {
		k.Close()
		return nil, err
	}
	return k, nil
}

func (k *Kernel) initialize(collabs *agent.Collaborators, registerer prometheus.Registerer) error {
	if k.Config.LogDir != "" {
		writer, err := eventlog.NewWriter(k.Config.LogDir)
		if err != nil {
			return fmt.Errorf("failed to open event log: %w", err)
		}
		k.EventLog = writer
	}
	k.Bus = bus.New(k.EventLog)

	if k.Config.DBPath != "" {
		store, err := persistence.Open(k.Config.DBPath)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		k.Store = store
		k.Persistence = persistence.NewWorker(store, k.Config.QueueSize)
	}

	k.Recorder = metrics.NewRecorder(registerer)

	k.Orchestrator = orch.New(k.Bus, k.Recorder, orch.Config{
		MaxIterations: k.Config.MaxIterations,
		Depth:         k.Config.Depth,
		BugType:       k.Config.BugType,
		Strategy:      k.Config.Strategy,
	})
	timeout := k.Config.StepTimeout.Std()
	k.Orchestrator.AttachAgent(k.ctx, agent.WithTimeout(agent.NewObserver(collabs.Detector), timeout))
	k.Orchestrator.AttachAgent(k.ctx, agent.WithTimeout(agent.NewAnalyst(collabs.Analyzer), timeout))
	k.Orchestrator.AttachAgent(k.ctx, agent.WithTimeout(agent.NewPatcher(collabs.Applier, k.dryRun), timeout))
	k.Orchestrator.AttachAgent(k.ctx, agent.WithTimeout(agent.NewVerifier(collabs.Verifier), timeout))

	k.Engine = engine.New(k.Orchestrator, k.Config.Workers, k.Config.MaxTicks)
	k.Healer = healer.New(k.Engine, collabs.Analyzer, healer.Options{
		MaxFiles:     k.Config.MaxFiles,
		Depth:        k.Config.Depth,
		Timer:        k.Config.MaxIterations,
		PollInterval: k.Config.PollInterval.Std(),
		Ceiling:      k.Config.HealCeiling.Std(),
	})

	k.Logger.Info("Kernel services initialized")
	return nil
}

// Heal runs the full pipeline for one folder and records the run.
func (k *Kernel) Heal(folder string) (*healer.Result, error) {
	run := &persistence.HealRun{
		ID:        uuid.New().String(),
		Folder:    folder,
		StartedAt: time.Now().UTC(),
		DryRun:    k.dryRun,
	}
	if k.Persistence != nil {
		k.Persistence.Submit(&persistence.Request{Operation: persistence.OpCreateRun, Run: run})
	}

	result, err := k.Healer.Heal(k.ctx, folder)

	if result != nil {
		if k.Recorder != nil {
			k.Recorder.ObserveHealRun(result.FilesHealed, result.BugsDetected, result.Duration)
		}
		if k.Persistence != nil {
			for _, id := range k.Engine.BugIDs() {
				if b := k.Engine.Bug(id); b != nil {
					k.Persistence.Submit(&persistence.Request{
						Operation: persistence.OpSaveBug, RunID: run.ID, Bug: b,
					})
				}
			}
			run.FilesAnalyzed = result.FilesAnalyzed
			run.FilesHealed = result.FilesHealed
			run.FilesFailed = result.FilesFailed
			run.BugsDetected = result.BugsDetected
			run.BugsFixed = result.BugsFixed
			run.Status = runStatus(err)
			k.Persistence.Submit(&persistence.Request{Operation: persistence.OpFinishRun, Run: run})
		}
	}
	return result, err
}

func runStatus(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, healer.ErrTimeout):
		return "timeout"
	default:
		return "failed"
	}
}

// Cancel stops in-progress work; the engine observes it between ticks.
func (k *Kernel) Cancel() { k.cancel() }

// Close releases every resource in reverse construction order. Safe to
// call on a partially built kernel.
func (k *Kernel) Close() {
	k.cancel()
	if k.Persistence != nil {
		k.Persistence.Close()
	}
	if k.Store != nil {
		if err := k.Store.Close(); err != nil {
			k.Logger.Error("Failed to close database: %v", err)
		}
	}
	if k.EventLog != nil {
		if err := k.EventLog.Close(); err != nil {
			k.Logger.Error("Failed to close event log: %v", err)
		}
	}
}

// AddBug exposes direct arena insertion for callers that already know the
// work items, bypassing folder scheduling.
func (k *Kernel) AddBug(target string, timer int) (string, error) {
	id := uuid.New().String()
	if err := k.Engine.AddBug(bug.New(id, target, timer)); err != nil {
		return "", err
	}
	return id, nil
}
