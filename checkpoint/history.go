package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Run describes one training run in the history database.
type Run struct {
	ID        string
	StartedAt time.Time
	Arch      string
	Input     string
	// Config is the effective configuration, JSON encoded.
	Config string
}

// EpochRecord is the outcome of one epoch.
type EpochRecord struct {
	Epoch     int
	TrainLoss float64
	TestLoss  float64
	LR        float64
	Best      bool
	BestTrain bool
	Duration  time.Duration
}

// History records runs and their epochs in a SQLite database.
type History struct {
	db *sql.DB
}

// OpenHistory opens (and creates if needed) the database at path.
func OpenHistory(ctx context.Context, path string) (*History, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create history tables: %w", err)
	}
	return &History{db: db}, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at INTEGER NOT NULL,
			arch TEXT NOT NULL,
			input TEXT NOT NULL,
			config TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS epochs (
			run_id TEXT NOT NULL REFERENCES runs(id),
			epoch INTEGER NOT NULL,
			train_loss REAL NOT NULL,
			test_loss REAL NOT NULL,
			lr REAL NOT NULL,
			best INTEGER NOT NULL,
			best_train INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL,
			PRIMARY KEY (run_id, epoch)
		);
	`)
	return err
}

// StartRun registers a run. Registering an existing id again (a resumed run)
// keeps the original row.
func (h *History) StartRun(ctx context.Context, r Run) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, arch, input, config)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, r.ID, r.StartedAt.Unix(), r.Arch, r.Input, r.Config)
	return err
}

// RecordEpoch stores an epoch result, replacing a previous record of the
// same epoch.
func (h *History) RecordEpoch(ctx context.Context, runID string, e EpochRecord) error {
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO epochs (run_id, epoch, train_loss, test_loss, lr, best, best_train, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, epoch) DO UPDATE SET
			train_loss = excluded.train_loss,
			test_loss = excluded.test_loss,
			lr = excluded.lr,
			best = excluded.best,
			best_train = excluded.best_train,
			duration_ms = excluded.duration_ms
	`, runID, e.Epoch, e.TrainLoss, e.TestLoss, e.LR, e.Best, e.BestTrain, e.Duration.Milliseconds())
	return err
}

// Epochs returns the recorded epochs of a run in order.
func (h *History) Epochs(ctx context.Context, runID string) ([]EpochRecord, error) {
	rows, err := h.db.QueryContext(ctx, `
		SELECT epoch, train_loss, test_loss, lr, best, best_train, duration_ms
		FROM epochs WHERE run_id = ? ORDER BY epoch
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EpochRecord
	for rows.Next() {
		var e EpochRecord
		var ms int64
		if err := rows.Scan(&e.Epoch, &e.TrainLoss, &e.TestLoss, &e.LR, &e.Best, &e.BestTrain, &ms); err != nil {
			return nil, err
		}
		e.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetRun looks a run up by id.
func (h *History) GetRun(ctx context.Context, id string) (Run, bool, error) {
	var r Run
	var started int64
	err := h.db.QueryRowContext(ctx, `SELECT id, started_at, arch, input, config FROM runs WHERE id = ?`, id).
		Scan(&r.ID, &started, &r.Arch, &r.Input, &r.Config)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, false, nil
		}
		return Run{}, false, err
	}
	r.StartedAt = time.Unix(started, 0)
	return r, true, nil
}

// Close closes the database.
func (h *History) Close() error { return h.db.Close() }
