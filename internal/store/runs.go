package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNoRun marks a lookup for a run id that was never saved.
var ErrNoRun = errors.New("store: run not found")

// Run is one persisted refinement run.
type Run struct {
	ID            string    `json:"id"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Items         int       `json:"items"`
	OracleCalls   int       `json:"oracle_calls"`
	FinalClusters int       `json:"final_clusters"`
	ReportJSON    string    `json:"report_json,omitempty"`
}

// ClusterRow is one cluster in a run snapshot, dissolved ones included so
// the full refinement tree stays inspectable.
type ClusterRow struct {
	RunID       string `json:"run_id"`
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
	Size        int    `json:"size"`
	Depth       int    `json:"depth"`
	Status      string `json:"status"`
	ReviewCount int    `json:"review_count"`
}

// Assignment is one item's final cluster in a run snapshot.
type Assignment struct {
	RunID     string `json:"run_id"`
	ItemID    string `json:"item_id"`
	Text      string `json:"text"`
	ClusterID string `json:"cluster_id"`
}

// SaveRun persists a finished run with its clusters and assignments in one
// transaction.
func (s *Store) SaveRun(ctx context.Context, run Run, clusters []ClusterRow, assignments []Assignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, finished_at, items, oracle_calls, final_clusters, report_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UTC().Format(time.RFC3339Nano), run.FinishedAt.UTC().Format(time.RFC3339Nano),
		run.Items, run.OracleCalls, run.FinalClusters, run.ReportJSON,
	); err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	for _, c := range clusters {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO clusters (run_id, id, label, description, size, depth, status, review_count)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, c.ID, c.Label, c.Description, c.Size, c.Depth, c.Status, c.ReviewCount,
		); err != nil {
			return fmt.Errorf("inserting cluster %s: %w", c.ID, err)
		}
	}
	for _, a := range assignments {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO assignments (run_id, item_id, text, cluster_id) VALUES (?, ?, ?, ?)",
			run.ID, a.ItemID, a.Text, a.ClusterID,
		); err != nil {
			return fmt.Errorf("inserting assignment %s: %w", a.ItemID, err)
		}
	}
	return tx.Commit()
}

// ListRuns returns saved runs, newest first.
func (s *Store) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, finished_at, items, oracle_calls, final_clusters
		 FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns one run with its serialized report.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var r Run
	var started, finished string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, started_at, finished_at, items, oracle_calls, final_clusters, report_json
		 FROM runs WHERE id = ?`, runID,
	).Scan(&r.ID, &started, &finished, &r.Items, &r.OracleCalls, &r.FinalClusters, &r.ReportJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoRun, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", runID, err)
	}
	r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
	return &r, nil
}

// ListClusters returns a run's clusters in id order.
func (s *Store) ListClusters(ctx context.Context, runID string) ([]ClusterRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, id, label, description, size, depth, status, review_count
		 FROM clusters WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing clusters for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []ClusterRow
	for rows.Next() {
		var c ClusterRow
		if err := rows.Scan(&c.RunID, &c.ID, &c.Label, &c.Description, &c.Size, &c.Depth, &c.Status, &c.ReviewCount); err != nil {
			return nil, fmt.Errorf("scanning cluster row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClusterItems returns the items assigned to one cluster of a run.
func (s *Store) ClusterItems(ctx context.Context, runID, clusterID string) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, item_id, text, cluster_id
		 FROM assignments WHERE run_id = ? AND cluster_id = ? ORDER BY item_id`,
		runID, clusterID)
	if err != nil {
		return nil, fmt.Errorf("listing items for cluster %s: %w", clusterID, err)
	}
	defer rows.Close()
	return scanAssignments(rows)
}

// Assignments returns every item assignment of a run.
func (s *Store) Assignments(ctx context.Context, runID string) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id, item_id, text, cluster_id FROM assignments WHERE run_id = ? ORDER BY item_id",
		runID)
	if err != nil {
		return nil, fmt.Errorf("listing assignments for run %s: %w", runID, err)
	}
	defer rows.Close()
	return scanAssignments(rows)
}

// FindItem returns one item's assignment in a run.
func (s *Store) FindItem(ctx context.Context, runID, itemID string) (*Assignment, error) {
	var a Assignment
	err := s.db.QueryRowContext(ctx,
		"SELECT run_id, item_id, text, cluster_id FROM assignments WHERE run_id = ? AND item_id = ?",
		runID, itemID,
	).Scan(&a.RunID, &a.ItemID, &a.Text, &a.ClusterID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: item %s in run %s", ErrNoRun, itemID, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("finding item %s: %w", itemID, err)
	}
	return &a, nil
}

func scanRun(rows *sql.Rows) (Run, error) {
	var r Run
	var started, finished string
	if err := rows.Scan(&r.ID, &started, &finished, &r.Items, &r.OracleCalls, &r.FinalClusters); err != nil {
		return r, fmt.Errorf("scanning run row: %w", err)
	}
	r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
	return r, nil
}

func scanAssignments(rows *sql.Rows) ([]Assignment, error) {
	var out []Assignment
	for rows.Next() {
		var a Assignment
		if err := rows.Scan(&a.RunID, &a.ItemID, &a.Text, &a.ClusterID); err != nil {
			return nil, fmt.Errorf("scanning assignment row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
