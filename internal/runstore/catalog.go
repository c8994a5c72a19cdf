package runstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Catalog is the sqlite index of finished runs. Trend and score --list
// read it; audit and score upsert into it. One writer connection, WAL.
type Catalog struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
}

// CatalogEntry is one summarized run.
type CatalogEntry struct {
	RunID           string
	Target          string
	Status          string
	HaltReason      string
	EscalationLevel int
	BudgetCap       int
	BudgetSpent     int
	FindingCount    int
	HighCount       int
	CriticalCount   int
	TopScore        int
	StartedAt       time.Time
	FinishedAt      time.Time
	StatePath       string
}

// NewCatalog opens (or creates) the catalog database at the given path.
func NewCatalog(path string, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create catalog directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Debug("failed to set sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Debug("failed to set sqlite journal_mode=WAL", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logger.Debug("failed to set sqlite synchronous=NORMAL", zap.Error(err))
	}

	c := &Catalog{db: db, logger: logger}
	if err := c.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Catalog) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		target TEXT NOT NULL,
		status TEXT NOT NULL,
		halt_reason TEXT,
		escalation_level INTEGER DEFAULT 0,
		budget_cap INTEGER DEFAULT 0,
		budget_spent INTEGER DEFAULT 0,
		finding_count INTEGER DEFAULT 0,
		high_count INTEGER DEFAULT 0,
		critical_count INTEGER DEFAULT 0,
		top_score INTEGER DEFAULT 0,
		started_at TEXT,
		finished_at TEXT,
		state_path TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_runs_target ON runs(target);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create catalog schema: %w", err)
	}
	return nil
}

// Close closes the catalog database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Upsert records (or refreshes) a run summary.
func (c *Catalog) Upsert(state *RunState, topScore int, statePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO runs (
			run_id, target, status, halt_reason, escalation_level,
			budget_cap, budget_spent, finding_count, high_count,
			critical_count, top_score, started_at, finished_at, state_path
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		state.RunID, state.Target, state.Status, state.HaltReason,
		state.EscalationLevel, state.Budget.Cap, state.Budget.Spent,
		len(state.Findings), state.HighCount(), state.CriticalCount(),
		topScore,
		state.StartedAt.UTC().Format(time.RFC3339),
		state.FinishedAt.UTC().Format(time.RFC3339),
		statePath,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run %s: %w", state.RunID, err)
	}
	c.logger.Debug("catalog updated", zap.String("run_id", state.RunID))
	return nil
}

// ForTarget returns up to limit runs for a target, most recent first.
// limit <= 0 means no limit.
func (c *Catalog) ForTarget(target string, limit int) ([]CatalogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	query := `SELECT run_id, target, status, halt_reason, escalation_level,
		budget_cap, budget_spent, finding_count, high_count, critical_count,
		top_score, started_at, finished_at, state_path
		FROM runs WHERE target = ? ORDER BY started_at DESC`
	args := []any{target}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return c.scan(query, args...)
}

// List returns up to limit runs across all targets, most recent first.
func (c *Catalog) List(limit int) ([]CatalogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	query := `SELECT run_id, target, status, halt_reason, escalation_level,
		budget_cap, budget_spent, finding_count, high_count, critical_count,
		top_score, started_at, finished_at, state_path
		FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return c.scan(query, args...)
}

func (c *Catalog) scan(query string, args ...any) ([]CatalogEntry, error) {
	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	var out []CatalogEntry
	for rows.Next() {
		var e CatalogEntry
		var haltReason, startedAt, finishedAt, statePath sql.NullString
		if err := rows.Scan(
			&e.RunID, &e.Target, &e.Status, &haltReason, &e.EscalationLevel,
			&e.BudgetCap, &e.BudgetSpent, &e.FindingCount, &e.HighCount,
			&e.CriticalCount, &e.TopScore, &startedAt, &finishedAt, &statePath,
		); err != nil {
			return nil, fmt.Errorf("failed to scan catalog row: %w", err)
		}
		e.HaltReason = haltReason.String
		e.StatePath = statePath.String
		if t, err := time.Parse(time.RFC3339, startedAt.String); err == nil {
			e.StartedAt = t
		}
		if t, err := time.Parse(time.RFC3339, finishedAt.String); err == nil {
			e.FinishedAt = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
