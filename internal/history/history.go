// Package history is the opt-in SQLite-backed run history store (§7.1 of
// the expanded spec). ReTestItems.jl keeps no cross-run history itself,
// but every CI wrapper around it wants "is this flaky" answers, so each
// run's final ResultTree can be flattened and appended here for later
// querying by the history subcommand.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jpequegn/retestrunner/internal/model"
	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the on-disk SQLite history database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the history database at path and
// ensures its schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at DATETIME NOT NULL,
		nworkers INTEGER NOT NULL,
		memory_threshold REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS item_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		item_id TEXT NOT NULL,
		name TEXT NOT NULL,
		run_number INTEGER NOT NULL,
		status TEXT NOT NULL,
		elapsed_ns INTEGER NOT NULL,
		worker_pid INTEGER NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_item_results_item_id ON item_results(item_id);
	CREATE INDEX IF NOT EXISTS idx_item_results_run_id ON item_results(run_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("history: create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ItemRun is a single recorded (item, run-number) result, named for the
// flattened view the Coordinator writes after a run completes.
type ItemRun struct {
	ItemID    string
	Name      string
	RunNumber int
	Status    model.Status
	Elapsed   time.Duration
	Worker    model.WorkerID
}

// RecordRun inserts one run row plus one item_results row per entry in
// items, in a single transaction.
func (s *Store) RecordRun(startedAt time.Time, nworkers int, memoryThreshold float64, items []ItemRun) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("history: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`INSERT INTO runs (started_at, nworkers, memory_threshold) VALUES (?, ?, ?)`,
		startedAt, nworkers, memoryThreshold)
	if err != nil {
		return fmt.Errorf("history: insert run: %w", err)
	}
	runID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("history: run id: %w", err)
	}

	stmt, err := tx.Prepare(`INSERT INTO item_results
		(run_id, item_id, name, run_number, status, elapsed_ns, worker_pid)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("history: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, it := range items {
		if _, err := stmt.Exec(runID, it.ItemID, it.Name, it.RunNumber, it.Status.String(),
			it.Elapsed.Nanoseconds(), int(it.Worker)); err != nil {
			return fmt.Errorf("history: insert item_result %s: %w", it.ItemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}
	return nil
}

// FlakyItem summarizes one item's status history across recent runs.
type FlakyItem struct {
	ItemID   string
	Name     string
	Statuses []string // one per run, most recent last
}

// Flaky returns every item whose recorded final status differs across
// the last limitRuns recorded runs -- a "sometimes pass, sometimes not"
// signature, the question `retestrunner history flaky` answers.
func (s *Store) Flaky(limitRuns int) ([]FlakyItem, error) {
	if limitRuns <= 0 {
		limitRuns = 20
	}

	rows, err := s.db.Query(`
		SELECT item_id, name, status
		FROM item_results r
		WHERE run_id IN (SELECT id FROM runs ORDER BY id DESC LIMIT ?)
		  AND run_number = (SELECT MAX(r2.run_number) FROM item_results r2
		                    WHERE r2.run_id = r.run_id AND r2.item_id = r.item_id)
		ORDER BY item_id, run_id ASC`, limitRuns)
	if err != nil {
		return nil, fmt.Errorf("history: query flaky: %w", err)
	}
	defer rows.Close()

	byItem := make(map[string]*FlakyItem)
	var order []string
	for rows.Next() {
		var itemID, name, status string
		if err := rows.Scan(&itemID, &name, &status); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		fi, ok := byItem[itemID]
		if !ok {
			fi = &FlakyItem{ItemID: itemID, Name: name}
			byItem[itemID] = fi
			order = append(order, itemID)
		}
		fi.Statuses = append(fi.Statuses, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: row iteration: %w", err)
	}

	var flaky []FlakyItem
	for _, id := range order {
		fi := byItem[id]
		if isFlaky(fi.Statuses) {
			flaky = append(flaky, *fi)
		}
	}
	return flaky, nil
}

func isFlaky(statuses []string) bool {
	if len(statuses) < 2 {
		return false
	}
	first := statuses[0]
	for _, s := range statuses[1:] {
		if s != first {
			return true
		}
	}
	return false
}
