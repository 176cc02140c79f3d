package persistence

import (
	"database/sql"
	"fmt"
	"time"

	"triangulum/pkg/bug"
)

// HealRun is one row of the heal_runs table.
type HealRun struct {
	ID            string     `json:"id"`
	Folder        string     `json:"folder"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	DryRun        bool       `json:"dry_run"`
	FilesAnalyzed int        `json:"files_analyzed"`
	FilesHealed   int        `json:"files_healed"`
	FilesFailed   int        `json:"files_failed"`
	BugsDetected  int        `json:"bugs_detected"`
	BugsFixed     int        `json:"bugs_fixed"`
	Status        string     `json:"status"` // running, completed, timeout, failed
}

// CreateRun inserts a new heal run in the running state.
func (s *Store) CreateRun(run *HealRun) error {
	_, err := s.db.Exec(
		`INSERT INTO heal_runs (id, folder, started_at, dry_run, status)
		 VALUES (?, ?, ?, ?, 'running')`,
		run.ID, run.Folder, run.StartedAt.UTC(), run.DryRun,
	)
	if err != nil {
		return fmt.Errorf("failed to create heal run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun records the final counters and status for a run.
func (s *Store) FinishRun(run *HealRun) error {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE heal_runs
		 SET finished_at = ?, files_analyzed = ?, files_healed = ?,
		     files_failed = ?, bugs_detected = ?, bugs_fixed = ?, status = ?
		 WHERE id = ?`,
		now, run.FilesAnalyzed, run.FilesHealed, run.FilesFailed,
		run.BugsDetected, run.BugsFixed, run.Status, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish heal run %s: %w", run.ID, err)
	}
	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return fmt.Errorf("heal run %s not found", run.ID)
	}
	return nil
}

// GetRun loads one heal run by ID.
func (s *Store) GetRun(id string) (*HealRun, error) {
	run := &HealRun{}
	var finished sql.NullTime
	err := s.db.QueryRow(
		`SELECT id, folder, started_at, finished_at, dry_run, files_analyzed,
		        files_healed, files_failed, bugs_detected, bugs_fixed, status
		 FROM heal_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.Folder, &run.StartedAt, &finished, &run.DryRun,
		&run.FilesAnalyzed, &run.FilesHealed, &run.FilesFailed,
		&run.BugsDetected, &run.BugsFixed, &run.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to load heal run %s: %w", id, err)
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	return run, nil
}

// ListRuns returns runs newest first, capped at limit.
func (s *Store) ListRuns(limit int) ([]*HealRun, error) {
	if limit < 1 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, folder, started_at, finished_at, dry_run, files_analyzed,
		        files_healed, files_failed, bugs_detected, bugs_fixed, status
		 FROM heal_runs ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list heal runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*HealRun
	for rows.Next() {
		run := &HealRun{}
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.Folder, &run.StartedAt, &finished,
			&run.DryRun, &run.FilesAnalyzed, &run.FilesHealed, &run.FilesFailed,
			&run.BugsDetected, &run.BugsFixed, &run.Status); err != nil {
			return nil, fmt.Errorf("failed to scan heal run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate heal runs: %w", err)
	}
	return runs, nil
}

// SaveBug upserts a bug's terminal snapshot, history included. History
// rows are replaced wholesale; the in-memory record is append-only so the
// latest write always carries the full log.
func (s *Store) SaveBug(runID string, b *bug.State) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin bug transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(
		`INSERT INTO bugs (id, run_id, target, phase, attempts, bugs_found, scheduled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   phase = excluded.phase,
		   attempts = excluded.attempts,
		   bugs_found = excluded.bugs_found`,
		b.ID, runID, b.Target, string(b.Phase), b.Attempts, b.BugsFound, b.ScheduledAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save bug %s: %w", b.ID, err)
	}

	if _, err := tx.Exec(`DELETE FROM bug_history WHERE bug_id = ?`, b.ID); err != nil {
		return fmt.Errorf("failed to clear history for bug %s: %w", b.ID, err)
	}
	for _, entry := range b.History {
		_, err := tx.Exec(
			`INSERT INTO bug_history (bug_id, ts, from_phase, to_phase, reason, acting_agent)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			b.ID, entry.Timestamp.UTC(), string(entry.FromPhase), string(entry.ToPhase),
			entry.Reason, entry.ActingAgent,
		)
		if err != nil {
			return fmt.Errorf("failed to save history for bug %s: %w", b.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit bug %s: %w", b.ID, err)
	}
	return nil
}

// GetBug loads one bug snapshot, history included, in recorded order.
func (s *Store) GetBug(id string) (*bug.State, error) {
	b := &bug.State{}
	var phase string
	err := s.db.QueryRow(
		`SELECT id, target, phase, attempts, bugs_found, scheduled_at
		 FROM bugs WHERE id = ?`, id,
	).Scan(&b.ID, &b.Target, &phase, &b.Attempts, &b.BugsFound, &b.ScheduledAt)
	if err != nil {
		return nil, fmt.Errorf("failed to load bug %s: %w", id, err)
	}
	b.Phase = bug.Phase(phase)

	rows, err := s.db.Query(
		`SELECT ts, from_phase, to_phase, reason, acting_agent
		 FROM bug_history WHERE bug_id = ? ORDER BY id`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for bug %s: %w", id, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var entry bug.HistoryEntry
		var from, to string
		if err := rows.Scan(&entry.Timestamp, &from, &to, &entry.Reason, &entry.ActingAgent); err != nil {
			return nil, fmt.Errorf("failed to scan history for bug %s: %w", id, err)
		}
		entry.FromPhase = bug.Phase(from)
		entry.ToPhase = bug.Phase(to)
		b.History = append(b.History, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history for bug %s: %w", id, err)
	}
	return b, nil
}

// RunBugs returns the bug IDs recorded for a run.
func (s *Store) RunBugs(runID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM bugs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bugs for run %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan bug ID: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bug IDs: %w", err)
	}
	return ids, nil
}
