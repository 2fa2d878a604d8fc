package index

import (
	"database/sql"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS sites (
    station_num INTEGER PRIMARY KEY,
    name TEXT,
    state TEXT,
    notes TEXT,
    tz_offset_sec INTEGER,
    auto_download BOOLEAN NOT NULL DEFAULT FALSE,
    mean_lat REAL,
    mean_lon REAL
);

CREATE TABLE IF NOT EXISTS site_ids (
    id TEXT PRIMARY KEY,
    station_num INTEGER NOT NULL REFERENCES sites(station_num)
);

CREATE TABLE IF NOT EXISTS coords (
    station_num INTEGER NOT NULL REFERENCES sites(station_num),
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    UNIQUE(station_num, lat, lon)
);

CREATE TABLE IF NOT EXISTS files (
    id TEXT NOT NULL,
    station_num INTEGER NOT NULL REFERENCES sites(station_num),
    model TEXT NOT NULL,
    init_time TIMESTAMP NOT NULL,
    end_time TIMESTAMP NOT NULL,
    file_name TEXT NOT NULL UNIQUE,
    UNIQUE(model, station_num, init_time)
);

CREATE INDEX IF NOT EXISTS idx_files_range ON files(model, station_num, init_time, end_time);
CREATE INDEX IF NOT EXISTS idx_site_ids_station ON site_ids(station_num);
`,
	},
	{
		Version:     2,
		Description: "Add download_runs table for download sweep auditing",
		SQL: `
CREATE TABLE IF NOT EXISTS download_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    source TEXT NOT NULL,
    model TEXT,
    files_added INTEGER NOT NULL DEFAULT 0,
    files_skipped INTEGER NOT NULL DEFAULT 0,
    errors INTEGER NOT NULL DEFAULT 0,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_download_runs_started ON download_runs(started_at);
`,
	},
}

func (ix *Index) Migrate() error {
	if err := ix.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := ix.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := ix.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Printf("migrations: completed %d", m.Version)
	}

	return nil
}

func (ix *Index) ensureMigrationsTable() error {
	_, err := ix.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (ix *Index) getAppliedMigrations() (map[int]bool, error) {
	rows, err := ix.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (ix *Index) MigrationVersion() (int, error) {
	var version sql.NullInt64
	err := ix.db.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, err
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}
