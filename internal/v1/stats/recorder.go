// Package stats records periodic snapshots of connected client versions to a
// SQLite database for offline analysis of the installed base.
package stats

import (
	"context"
	"database/sql"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/cinesync/cinesync/internal/v1/logging"
	"github.com/cinesync/cinesync/internal/v1/types"
)

// VersionExporter supplies the client versions currently connected.
type VersionExporter interface {
	WatcherVersions() []string
}

// Recorder snapshots client versions into SQLite on a fixed interval.
// Snapshot failures are logged and skipped; stats are best effort and must
// never take the sync server down.
type Recorder struct {
	db       *sql.DB
	exporter VersionExporter
}

// Open connects to the stats database at path, creating the schema if
// needed.
func Open(path string, exporter VersionExporter) (*Recorder, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS clients_snapshots (snapshot_time INTEGER, version TEXT)`,
	); err != nil {
		db.Close()
		return nil, err
	}
	return &Recorder{db: db, exporter: exporter}, nil
}

// StartDelay staggers the first snapshot by the listen port so several
// instances sharing one database do not all write at once.
func StartDelay(port int) time.Duration {
	return time.Duration(5*(port%10+1)) * time.Second
}

// Start runs the snapshot loop until ctx is cancelled. The first snapshot
// waits for delay; subsequent ones follow the fixed interval.
func (r *Recorder) Start(ctx context.Context, delay time.Duration) {
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		ticker := time.NewTicker(types.StatsSnapshotInterval * time.Second)
		defer ticker.Stop()
		for {
			r.snapshot(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (r *Recorder) snapshot(ctx context.Context) {
	snapshotTime := time.Now().Unix()
	for _, version := range r.exporter.WatcherVersions() {
		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO clients_snapshots VALUES (?, ?)`, snapshotTime, version,
		); err != nil {
			logging.Error(ctx, "Failed to record client snapshot", zap.Error(err))
			return
		}
	}
}

// Ping reports database health for the readiness probe.
func (r *Recorder) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close releases the database handle.
func (r *Recorder) Close() error {
	return r.db.Close()
}
