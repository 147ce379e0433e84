// pkg/history/history.go - SQLite audit trail of runs and their outcome rows.

package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/windowsadmins/cmplatform/pkg/report"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
  id               INTEGER PRIMARY KEY,
  started_at       DATETIME NOT NULL,
  finished_at      DATETIME NOT NULL,
  site_code        TEXT NOT NULL,
  target_platform  TEXT NOT NULL,
  report_path      TEXT,
  log_path         TEXT,
  total            INTEGER NOT NULL,
  updated          INTEGER NOT NULL,
  already_current  INTEGER NOT NULL,
  update_failed    INTEGER NOT NULL,
  not_found        INTEGER NOT NULL,
  no_programs      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
CREATE TABLE IF NOT EXISTS outcomes (
  id                      INTEGER PRIMARY KEY,
  run_id                  INTEGER NOT NULL REFERENCES runs(id),
  package_name            TEXT NOT NULL,
  program_name            TEXT,
  status                  TEXT,
  description             TEXT,
  package_id              TEXT,
  manufacturer            TEXT,
  source_site             TEXT,
  package_size            TEXT,
  no_of_programs          TEXT,
  package_source_path     TEXT,
  pkg_source_flag         TEXT,
  priority                TEXT,
  object_path             TEXT,
  source_date             TEXT,
  transform_analysis_date TEXT,
  source_version          TEXT,
  stored_pkg_version      TEXT,
  last_refresh_time       TEXT
);
CREATE INDEX IF NOT EXISTS idx_outcomes_run ON outcomes(run_id);
CREATE INDEX IF NOT EXISTS idx_outcomes_package ON outcomes(package_name);
`

// DB wraps the history database.
type DB struct {
	sql *sql.DB
}

// Run describes one execution.
type Run struct {
	ID             int64
	StartedAt      time.Time
	FinishedAt     time.Time
	SiteCode       string
	TargetPlatform string
	ReportPath     string
	LogPath        string
	Summary        report.Summary
}

// Open opens (and creates) the database at path.
func Open(path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	return &DB{sql: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// RecordRun stores the run and all its records in one transaction and
// returns the new run ID.
func (d *DB) RecordRun(ctx context.Context, run Run, records []report.OutcomeRecord) (id int64, err error) {
	tx, err := d.sql.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	s := run.Summary
	res, err := tx.ExecContext(ctx, `INSERT INTO runs(started_at, finished_at, site_code, target_platform, report_path, log_path, total, updated, already_current, update_failed, not_found, no_programs) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.StartedAt.UTC(), run.FinishedAt.UTC(), run.SiteCode, run.TargetPlatform, run.ReportPath, run.LogPath,
		s.Total, s.Updated, s.AlreadyUpdatedWithTarget, s.UpdateFailed, s.NotFound, s.NoPrograms)
	if err != nil {
		return 0, err
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO outcomes(run_id, package_name, program_name, status, description, package_id, manufacturer, source_site, package_size, no_of_programs, package_source_path, pkg_source_flag, priority, object_path, source_date, transform_analysis_date, source_version, stored_pkg_version, last_refresh_time) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	for _, r := range records {
		args := []interface{}{id}
		for _, v := range r.Row() {
			args = append(args, v)
		}
		if _, err = stmt.ExecContext(ctx, args...); err != nil {
			return 0, err
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// RecentRuns returns up to limit runs, newest first.
func (d *DB) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT id, started_at, finished_at, site_code, target_platform, report_path, log_path, total, updated, already_current, update_failed, not_found, no_programs FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r                   Run
			reportPath, logPath sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.SiteCode, &r.TargetPlatform, &reportPath, &logPath,
			&r.Summary.Total, &r.Summary.Updated, &r.Summary.AlreadyUpdatedWithTarget, &r.Summary.UpdateFailed,
			&r.Summary.NotFound, &r.Summary.NoPrograms); err != nil {
			return nil, err
		}
		r.ReportPath = reportPath.String
		r.LogPath = logPath.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// PackageOutcomes returns every stored record for a package, newest run first.
func (d *DB) PackageOutcomes(ctx context.Context, packageName string) ([]report.OutcomeRecord, error) {
	rows, err := d.sql.QueryContext(ctx, `SELECT o.package_name, o.program_name, o.status, o.description, o.package_id, o.manufacturer, o.source_site, o.package_size, o.no_of_programs, o.package_source_path, o.pkg_source_flag, o.priority, o.object_path, o.source_date, o.transform_analysis_date, o.source_version, o.stored_pkg_version, o.last_refresh_time
FROM outcomes o JOIN runs r ON r.id = o.run_id
WHERE o.package_name = ? ORDER BY r.started_at DESC, o.id`, packageName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []report.OutcomeRecord
	for rows.Next() {
		var (
			rec    report.OutcomeRecord
			status string
		)
		m := &rec.PackageMetadata
		if err := rows.Scan(&rec.PackageName, &rec.ProgramName, &status,
			&m.Description, &m.PackageID, &m.Manufacturer, &m.SourceSite, &m.PackageSize, &m.NoOfPrograms,
			&m.PackageSourcePath, &m.PkgSourceFlag, &m.Priority, &m.ObjectPath, &m.SourceDate,
			&m.TransformAnalysisDate, &m.SourceVersion, &m.StoredPkgVersion, &m.LastRefreshTime); err != nil {
			return nil, err
		}
		rec.Status = report.Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}
