// Package store provides persistence for protopt trials. Store is the SQLite
// backend; see the mongostore package for the MongoDB one.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bouthilx/protopt/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store provides access to a SQLite trial database. Several worker processes
// on hosts sharing the file can use it concurrently.
type Store struct {
	db *sql.DB
}

var _ TrialStore = (*Store)(nil)

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// WAL lets readers proceed while a worker holds the write lock
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer at a time
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// newFromDB wraps an already opened database without migrating it.
func newFromDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trials (
		id TEXT PRIMARY KEY,
		experiment TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'QUEUED',
		config TEXT NOT NULL,
		host TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS metrics (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		trial_id TEXT NOT NULL,
		name TEXT NOT NULL,
		step REAL NOT NULL,
		value REAL NOT NULL,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (trial_id) REFERENCES trials(id)
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		trial_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trials_experiment_status ON trials(experiment, status);
	CREATE INDEX IF NOT EXISTS idx_metrics_trial_id ON metrics(trial_id);
	CREATE INDEX IF NOT EXISTS idx_pdr_trial_id ON pdr(trial_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Trial Operations ---

// Insert persists a new trial.
func (s *Store) Insert(ctx context.Context, t *models.Trial) error {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = models.StatusQueued
	}
	t.CreatedAt = now
	t.UpdatedAt = now

	configJSON, err := json.Marshal(t.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var hostJSON sql.NullString
	if t.Host != nil {
		b, err := json.Marshal(t.Host)
		if err != nil {
			return fmt.Errorf("encode host: %w", err)
		}
		hostJSON = sql.NullString{String: string(b), Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trials (id, experiment, status, config, host, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Experiment, string(t.Status), string(configJSON), hostJSON, t.CreatedAt, t.UpdatedAt,
	)
	return storeErr("insert trial", err)
}

// Query returns the trials matching f, oldest first.
func (s *Store) Query(ctx context.Context, f Filter, p Projection) ([]models.Trial, error) {
	return s.query(ctx, f, p, 0)
}

// FindOne returns the first trial matching f, or nil when none does.
func (s *Store) FindOne(ctx context.Context, f Filter) (*models.Trial, error) {
	trials, err := s.query(ctx, f, nil, 1)
	if err != nil {
		return nil, err
	}
	if len(trials) == 0 {
		return nil, nil
	}
	return &trials[0], nil
}

func (s *Store) query(ctx context.Context, f Filter, p Projection, limit int) ([]models.Trial, error) {
	where, args, err := sqlWhere(f)
	if err != nil {
		return nil, err
	}
	query := `SELECT id, experiment, status, config, host, created_at, updated_at FROM trials WHERE ` + where +
		` ORDER BY created_at ASC, id ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query trials", err)
	}
	defer rows.Close()

	var trials []models.Trial
	for rows.Next() {
		var t models.Trial
		var status, configJSON string
		var hostJSON sql.NullString
		if err := rows.Scan(&t.ID, &t.Experiment, &status, &configJSON, &hostJSON, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, storeErr("scan trial", err)
		}
		t.Status = models.TrialStatus(status)
		if p.Includes("config") {
			if err := json.Unmarshal([]byte(configJSON), &t.Config); err != nil {
				return nil, fmt.Errorf("decode config of trial %s: %w", t.ID, err)
			}
		}
		if hostJSON.Valid && p.Includes("host") {
			t.Host = &models.Host{}
			if err := json.Unmarshal([]byte(hostJSON.String), t.Host); err != nil {
				return nil, fmt.Errorf("decode host of trial %s: %w", t.ID, err)
			}
		}
		trials = append(trials, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterate trials", err)
	}

	if p.Includes("metrics") && len(trials) > 0 {
		if err := s.loadMetrics(ctx, trials); err != nil {
			return nil, err
		}
	}
	return trials, nil
}

// loadMetrics fills the raw series of each trial in a single query.
func (s *Store) loadMetrics(ctx context.Context, trials []models.Trial) error {
	index := make(map[string]int, len(trials))
	args := make([]any, len(trials))
	for i, t := range trials {
		index[t.ID] = i
		args[i] = t.ID
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(trials)), ", ")
	rows, err := s.db.QueryContext(ctx,
		`SELECT trial_id, name, step, value, timestamp FROM metrics WHERE trial_id IN (`+placeholders+`) ORDER BY seq ASC`,
		args...,
	)
	if err != nil {
		return storeErr("query metrics", err)
	}
	defer rows.Close()

	for rows.Next() {
		var trialID, name string
		var step, value float64
		var ts time.Time
		if err := rows.Scan(&trialID, &name, &step, &value, &ts); err != nil {
			return storeErr("scan metric", err)
		}
		t := &trials[index[trialID]]
		if t.Metrics == nil {
			t.Metrics = make(map[string]models.Series)
		}
		series := t.Metrics[name]
		series.Steps = append(series.Steps, step)
		series.Values = append(series.Values, value)
		series.Timestamps = append(series.Timestamps, ts)
		t.Metrics[name] = series
	}
	return storeErr("iterate metrics", rows.Err())
}

// CompareAndSetStatus moves a trial from expected to next. The WHERE clause
// on status makes the update a no-op when another worker got there first.
func (s *Store) CompareAndSetStatus(ctx context.Context, id string, expected, next models.TrialStatus) (UpdateResult, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE trials SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(next), time.Now().UTC(), id, string(expected),
	)
	if err != nil {
		return UpdateResult{}, storeErr("update trial status", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return UpdateResult{}, storeErr("check rows affected", err)
	}
	return UpdateResult{Acknowledged: true, ModifiedCount: rowsAffected}, nil
}

// Count returns the number of trials matching f.
func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	where, args, err := sqlWhere(f)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trials WHERE `+where, args...).Scan(&n)
	if err != nil {
		return 0, storeErr("count trials", err)
	}
	return n, nil
}

// SetHost records where a RUNNING trial is executing.
func (s *Store) SetHost(ctx context.Context, id string, host models.Host) error {
	b, err := json.Marshal(host)
	if err != nil {
		return fmt.Errorf("encode host: %w", err)
	}
	return s.updateRunning(ctx, "set host", `host = ?`, string(b), id)
}

// UpdateConfig rewrites the config of a RUNNING trial.
func (s *Store) UpdateConfig(ctx context.Context, id string, cfg models.Config) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return s.updateRunning(ctx, "update config", `config = ?`, string(b), id)
}

// updateRunning writes one column of a trial the caller owns.
func (s *Store) updateRunning(ctx context.Context, op, set string, value any, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE trials SET `+set+`, updated_at = ? WHERE id = ? AND status = ?`,
		value, time.Now().UTC(), id, string(models.StatusRunning),
	)
	if err != nil {
		return storeErr(op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return storeErr(op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s on trial %s: %w: trial is not running", op, id, models.ErrIllegalState)
	}
	return nil
}

// --- Metric Operations ---

// AppendMetric appends one scalar to the named series of a trial.
func (s *Store) AppendMetric(ctx context.Context, id, name string, step, value float64, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics (trial_id, name, step, value, timestamp) VALUES (?, ?, ?, ?, ?)`,
		id, name, step, value, ts.UTC(),
	)
	return storeErr("insert metric", err)
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *Store) WritePDR(ctx context.Context, pdr *models.PDREntry) error {
	if pdr.ID == "" {
		pdr.ID = uuid.New().String()
	}
	if pdr.Timestamp.IsZero() {
		pdr.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pdr (id, action, inputs_hash, outcome, trial_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		pdr.ID, pdr.Action, pdr.InputsHash, pdr.Outcome, pdr.TrialID, pdr.Details, pdr.Timestamp,
	)
	return storeErr("insert pdr", err)
}

// DecisionsForTrial returns the decision records of a trial, newest first.
func (s *Store) DecisionsForTrial(ctx context.Context, id string) ([]models.PDREntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, inputs_hash, outcome, trial_id, details, timestamp FROM pdr WHERE trial_id = ? ORDER BY timestamp DESC`,
		id,
	)
	if err != nil {
		return nil, storeErr("query pdr", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var e models.PDREntry
		var trialID, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Action, &e.InputsHash, &e.Outcome, &trialID, &details, &e.Timestamp); err != nil {
			return nil, storeErr("scan pdr", err)
		}
		e.TrialID = trialID.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, storeErr("iterate pdr", rows.Err())
}
