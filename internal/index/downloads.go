package index

import (
	"database/sql"
	"time"
)

// DownloadRun records a single sweep against a remote archive for auditing.
type DownloadRun struct {
	ID           int64
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Source       string // "iem", "psu"
	Model        sql.NullString
	FilesAdded   int64
	FilesSkipped int64
	Errors       int64
	Success      bool
	ErrorMessage sql.NullString
}

// StartDownloadRun creates a new download run record and returns it.
func (ix *Index) StartDownloadRun(source, model string) (*DownloadRun, error) {
	run := &DownloadRun{
		StartedAt: time.Now().UTC(),
		Source:    source,
	}
	if model != "" {
		run.Model = sql.NullString{String: model, Valid: true}
	}

	result, err := ix.db.Exec(`
		INSERT INTO download_runs (started_at, source, model, success)
		VALUES (?, ?, ?, FALSE)
	`, run.StartedAt, run.Source, run.Model)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return run, nil
}

// CompleteDownloadRun updates the download run with its results.
func (ix *Index) CompleteDownloadRun(run *DownloadRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	_, err := ix.db.Exec(`
		UPDATE download_runs SET
			finished_at = ?,
			files_added = ?,
			files_skipped = ?,
			errors = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.FilesAdded, run.FilesSkipped, run.Errors,
		run.Success, run.ErrorMessage, run.ID)
	return err
}

// RecentDownloadRuns returns the most recent download runs, newest first.
func (ix *Index) RecentDownloadRuns(limit int) ([]DownloadRun, error) {
	rows, err := ix.db.Query(`
		SELECT id, started_at, finished_at, source, model, files_added, files_skipped, errors, success, error_message
		FROM download_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []DownloadRun
	for rows.Next() {
		var r DownloadRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.Model,
			&r.FilesAdded, &r.FilesSkipped, &r.Errors, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
