// Package healer schedules folder-level heal runs: it scores every
// candidate file by relationship fan-out, picks the highest-value subset
// and drives it through the engine.
package healer

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"triangulum/pkg/agent"
	"triangulum/pkg/bug"
	"triangulum/pkg/engine"
	"triangulum/pkg/logx"
)

// Defaults for the scheduling knobs.
const (
	DefaultMaxFiles     = 50
	DefaultDepth        = 3
	DefaultPollInterval = time.Second
	DefaultCeiling      = time.Hour
)

// ErrTimeout is returned when a heal run hits the wall-clock ceiling.
// Completed results up to that point are still reported.
var ErrTimeout = fmt.Errorf("heal run exceeded time ceiling")

// Options configures a heal run.
type Options struct {
	MaxFiles     int           // Candidate cap after prioritization, default 50
	Depth        int           // Relationship analysis depth, default 3
	Timer        int           // Per-bug soft budget in steps
	PollInterval time.Duration // Engine completion poll cadence, default 1s
	Ceiling      time.Duration // Wall-clock ceiling, default 1h
}

func (o Options) withDefaults() Options {
	if o.MaxFiles < 1 {
		o.MaxFiles = DefaultMaxFiles
	}
	if o.Depth < 1 {
		o.Depth = DefaultDepth
	}
	if o.Timer < 1 {
		o.Timer = 20
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Ceiling <= 0 {
		o.Ceiling = DefaultCeiling
	}
	return o
}

// Schedule entry statuses, derived from the bug's lifecycle position.
const (
	StatusPending    = "pending"    // not yet stepped
	StatusProcessing = "processing" // steps taken, no terminal phase yet
	StatusDone       = "done"
	StatusFailed     = "failed" // escalated to a human
)

// ScheduleEntry is one prioritized candidate.
type ScheduleEntry struct {
	TargetPath    string  `json:"target_path"`
	PriorityScore float64 `json:"priority_score"`
	BugID         string  `json:"bug_id"`
	Status        string  `json:"status"`
}

// Result aggregates a heal run.
type Result struct {
	FilesAnalyzed  int           `json:"files_analyzed"`  // Candidates scored
	FilesWithBugs  int           `json:"files_with_bugs"` // Scheduled files where detection found bugs
	FilesProcessed int           `json:"files_processed"` // Scheduled files reaching a terminal phase
	FilesHealed    int           `json:"files_healed"`    // Files with bugs driven to DONE
	FilesFailed    int           `json:"files_failed"`    // Files escalated to a human
	BugsDetected   int           `json:"bugs_detected"`
	BugsFixed      int           `json:"bugs_fixed"`
	Duration       time.Duration `json:"duration"`

	HealedPaths    []string `json:"healed_paths"`
	EscalatedPaths []string `json:"escalated_paths"`

	// Schedule holds the driven entries in priority order with their
	// final statuses.
	Schedule []ScheduleEntry `json:"schedule"`
}

// Healer prioritizes a folder's files and submits them to the engine.
type Healer struct {
	engine   *engine.Engine
	analyzer agent.RelationshipAnalyzer
	logger   *logx.Logger
	opts     Options
}

// New creates a Healer over an engine and the relationship collaborator
// used for prioritization.
func New(e *engine.Engine, analyzer agent.RelationshipAnalyzer, opts Options) *Healer {
	return &Healer{
		engine:   e,
		analyzer: analyzer,
		logger:   logx.NewLogger("healer"),
		opts:     opts.withDefaults(),
	}
}

// enumerate returns the regular files under root, skipping hidden entries.
func enumerate(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enumerate %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

// Schedule scores every file under root and returns the top MaxFiles
// candidates in priority order. The score is computed once per candidate:
// relationship fan-out within depth plus the collaborator's priority hint.
// Ties break on path so equal-priority runs are deterministic.
func (h *Healer) Schedule(ctx context.Context, root string) ([]ScheduleEntry, int, error) {
	files, err := enumerate(root)
	if err != nil {
		return nil, 0, err
	}

	entries := make([]ScheduleEntry, 0, len(files))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, len(files), err
		}
		score := 0.0
		report, err := h.analyzer.Analyze(ctx, path, h.opts.Depth)
		if err != nil {
			// An unanalyzable file still competes, at base priority.
			h.logger.Debug("Analyze %s failed: %v", path, err)
		} else {
			score = float64(len(report.Related)) + report.PriorityHint
		}
		entries = append(entries, ScheduleEntry{
			TargetPath:    path,
			PriorityScore: score,
			BugID:         uuid.New().String(),
			Status:        StatusPending,
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].PriorityScore != entries[j].PriorityScore {
			return entries[i].PriorityScore > entries[j].PriorityScore
		}
		return entries[i].TargetPath < entries[j].TargetPath
	})

	if len(entries) > h.opts.MaxFiles {
		entries = entries[:h.opts.MaxFiles]
	}
	return entries, len(files), nil
}

// Heal runs the whole pipeline for a folder: schedule, submit, drive the
// engine to completion, aggregate. On hitting the ceiling it returns
// ErrTimeout with the results completed so far intact.
func (h *Healer) Heal(ctx context.Context, root string) (*Result, error) {
	start := time.Now()

	entries, analyzed, err := h.Schedule(ctx, root)
	if err != nil {
		return nil, err
	}
	h.logger.Info("Scheduled %d of %d candidate file(s)", len(entries), analyzed)

	for _, entry := range entries {
		if err := h.engine.AddBug(bug.New(entry.BugID, entry.TargetPath, h.opts.Timer)); err != nil {
			return nil, err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- h.engine.Run(runCtx) }()

	deadline := time.NewTimer(h.opts.Ceiling)
	defer deadline.Stop()
	poll := time.NewTicker(h.opts.PollInterval)
	defer poll.Stop()

	var runErr error
wait:
	for {
		select {
		case runErr = <-runDone:
			break wait
		case <-deadline.C:
			cancel()
			<-runDone
			runErr = ErrTimeout
			break wait
		case <-ctx.Done():
			<-runDone
			runErr = ctx.Err()
			break wait
		case <-poll.C:
			if h.engine.Done() {
				runErr = <-runDone
				break wait
			}
		}
	}

	result := h.aggregate(entries, analyzed)
	result.Duration = time.Since(start)
	h.logger.Info("Heal finished: %d healed, %d escalated, %d bug(s) fixed in %s",
		result.FilesHealed, result.FilesFailed, result.BugsFixed, result.Duration)
	return result, runErr
}

// aggregate folds terminal bug states into the run result and stamps each
// entry's final status. A file counts as healed only when detection
// actually found bugs there and the bug reached DONE; clean files pass
// through without inflating the number, so re-running a heal over an
// already-healed folder reports zero.
func (h *Healer) aggregate(entries []ScheduleEntry, analyzed int) *Result {
	result := &Result{FilesAnalyzed: analyzed}

	for _, entry := range entries {
		b := h.engine.Bug(entry.BugID)
		if b == nil {
			result.Schedule = append(result.Schedule, entry)
			continue
		}
		entry.Status = entryStatus(b)
		result.Schedule = append(result.Schedule, entry)

		if b.BugsFound > 0 {
			result.FilesWithBugs++
			result.BugsDetected += b.BugsFound
		}
		switch b.Phase {
		case bug.PhaseDone:
			result.FilesProcessed++
			if b.BugsFound > 0 {
				result.FilesHealed++
				result.BugsFixed += b.BugsFound
				result.HealedPaths = append(result.HealedPaths, entry.TargetPath)
			}
		case bug.PhaseEscalate:
			result.FilesProcessed++
			result.FilesFailed++
			result.EscalatedPaths = append(result.EscalatedPaths, entry.TargetPath)
		}
	}
	sort.Strings(result.HealedPaths)
	sort.Strings(result.EscalatedPaths)
	return result
}

// entryStatus maps a bug's lifecycle position onto the schedule status.
func entryStatus(b *bug.State) string {
	switch {
	case b.Phase == bug.PhaseDone:
		return StatusDone
	case b.Phase == bug.PhaseEscalate:
		return StatusFailed
	case b.Attempts == 0:
		return StatusPending
	default:
		return StatusProcessing
	}
}
