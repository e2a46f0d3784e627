// Package session persists fit results, confidence bounds, grid scans and
// chain summaries to a local sqlite database so a later session can reload
// prior work.
package session

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/specfit/internal/fit"
	"github.com/banshee-data/specfit/internal/fiterr"
	"github.com/banshee-data/specfit/internal/grid"
	"github.com/banshee-data/specfit/internal/monitoring"
	"github.com/banshee-data/specfit/internal/param"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store wraps the session database.
type Store struct {
	*sql.DB
}

// Open opens (creating if needed) the session database at path and brings
// the schema up to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session: open %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("session: enable foreign keys: %w", err)
	}
	s := &Store{db}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("session: open migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("session: sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("session: migrate instance: %w", err)
	}
	// Not closing m: that would close the underlying DB connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("session: migration up failed: %w", err)
	}
	return nil
}

// FitRun is a stored minimization outcome plus the parameter state it ended
// at.
type FitRun struct {
	ID        string
	Statistic string
	Result    fit.Result
	Params    []FitParam
}

// FitParam is one parameter row of a stored run.
type FitParam struct {
	Index     int
	Name      string
	Component string
	Value     float64
	Frozen    bool
}

// SaveFitRun records a completed fit and the full parameter state, returning
// the new run id.
func (s *Store) SaveFitRun(g *param.Graph, statName string, res fit.Result) (string, error) {
	id := uuid.NewString()

	tx, err := s.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO fit_runs (id, statistic, initial_stat, final_stat, iterations, converged, message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, statName, res.Initial, res.Statistic, res.Iterations, boolToInt(res.Converged), res.Message)
	if err != nil {
		return "", fmt.Errorf("session: insert fit run: %w", err)
	}

	for _, p := range g.Params() {
		v, err := g.Value(p.Index())
		if err != nil {
			return "", err
		}
		_, err = tx.Exec(`
			INSERT INTO fit_params (run_id, par_index, name, component, value, frozen)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, p.Index(), p.Name(), p.Component(), v, boolToInt(p.Frozen()))
		if err != nil {
			return "", fmt.Errorf("session: insert fit param %d: %w", p.Index(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	monitoring.Logf("session: saved fit run %s (%s, statistic %.6g)", id, statName, res.Statistic)
	return id, nil
}

// GetFitRun loads a stored run and its parameters.
func (s *Store) GetFitRun(id string) (*FitRun, error) {
	run := &FitRun{ID: id}
	var converged int
	err := s.QueryRow(`
		SELECT statistic, initial_stat, final_stat, iterations, converged, message
		FROM fit_runs WHERE id = ?`, id).Scan(
		&run.Statistic, &run.Result.Initial, &run.Result.Statistic,
		&run.Result.Iterations, &converged, &run.Result.Message)
	if err != nil {
		return nil, fmt.Errorf("session: fit run %s: %w", id, err)
	}
	run.Result.Converged = converged != 0

	rows, err := s.Query(`
		SELECT par_index, name, component, value, frozen
		FROM fit_params WHERE run_id = ? ORDER BY par_index`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p FitParam
		var frozen int
		if err := rows.Scan(&p.Index, &p.Name, &p.Component, &p.Value, &frozen); err != nil {
			return nil, err
		}
		p.Frozen = frozen != 0
		run.Params = append(run.Params, p)
	}
	return run, rows.Err()
}

// SaveErrorResults stores confidence bounds against a fit run. The status
// bitmask is stored in its string form, which is the stable external
// representation.
func (s *Store) SaveErrorResults(runID string, results []fiterr.Result) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range results {
		_, err := tx.Exec(`
			INSERT OR REPLACE INTO error_results (run_id, par_index, low, high, code)
			VALUES (?, ?, ?, ?, ?)`,
			runID, r.Param, r.Low, r.High, fiterr.CodeToString(r.Code))
		if err != nil {
			return fmt.Errorf("session: insert error result for parameter %d: %w", r.Param, err)
		}
	}
	return tx.Commit()
}

// GetErrorResults loads the stored confidence bounds for a run.
func (s *Store) GetErrorResults(runID string) ([]fiterr.Result, error) {
	rows, err := s.Query(`
		SELECT par_index, low, high, code
		FROM error_results WHERE run_id = ? ORDER BY par_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fiterr.Result
	for rows.Next() {
		var r fiterr.Result
		var code string
		if err := rows.Scan(&r.Param, &r.Low, &r.High, &code); err != nil {
			return nil, err
		}
		r.Code, err = fiterr.StringToCode(code)
		if err != nil {
			return nil, fmt.Errorf("session: stored code for parameter %d: %w", r.Param, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveGridScan stores a scan's summary and per-point statistics, returning
// the scan id. Full parameter snapshots are not persisted; contour consumers
// reload them by re-running the scan.
func (s *Store) SaveGridScan(res *grid.ScanResult, refit bool) (string, error) {
	id := uuid.NewString()

	tx, err := s.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO grid_scans (id, dims, refit, min_stat, min_index, failures)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, len(res.Specs), boolToInt(refit), res.MinStat, res.MinIndex, res.Failures)
	if err != nil {
		return "", fmt.Errorf("session: insert grid scan: %w", err)
	}

	for i, pt := range res.Points {
		_, err := tx.Exec(`
			INSERT INTO grid_points (scan_id, idx, statistic, valid)
			VALUES (?, ?, ?, ?)`,
			id, i, pt.Statistic, boolToInt(pt.Valid))
		if err != nil {
			return "", fmt.Errorf("session: insert grid point %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// GridPoint is one stored scan point.
type GridPoint struct {
	Index     int
	Statistic float64
	Valid     bool
}

// GetGridPoints loads a scan's points in index order.
func (s *Store) GetGridPoints(scanID string) ([]GridPoint, error) {
	rows, err := s.Query(`
		SELECT idx, statistic, valid
		FROM grid_points WHERE scan_id = ? ORDER BY idx`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GridPoint
	for rows.Next() {
		var p GridPoint
		var valid int
		if err := rows.Scan(&p.Index, &p.Statistic, &valid); err != nil {
			return nil, err
		}
		p.Valid = valid != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// ChainSummary is the stored posterior summary of one chain.
type ChainSummary struct {
	ID       string
	Length   int
	Accepted int
	Means    map[int]float64
	StdDevs  map[int]float64
}

// SaveChainSummary stores per-parameter posterior moments for a chain run.
func (s *Store) SaveChainSummary(thawed []int, length, accepted int, means, stddevs []float64) (string, error) {
	if len(thawed) != len(means) || len(thawed) != len(stddevs) {
		return "", fmt.Errorf("session: %d parameters with %d means and %d stddevs",
			len(thawed), len(means), len(stddevs))
	}
	id := uuid.NewString()

	tx, err := s.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO chain_runs (id, length, accepted) VALUES (?, ?, ?)`,
		id, length, accepted); err != nil {
		return "", fmt.Errorf("session: insert chain run: %w", err)
	}
	for k, pi := range thawed {
		if _, err := tx.Exec(`
			INSERT INTO chain_params (chain_id, par_index, mean, stddev)
			VALUES (?, ?, ?, ?)`,
			id, pi, means[k], stddevs[k]); err != nil {
			return "", fmt.Errorf("session: insert chain param %d: %w", pi, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// GetChainSummary loads a stored chain summary.
func (s *Store) GetChainSummary(id string) (*ChainSummary, error) {
	out := &ChainSummary{ID: id, Means: map[int]float64{}, StdDevs: map[int]float64{}}
	err := s.QueryRow(`
		SELECT length, accepted FROM chain_runs WHERE id = ?`, id).
		Scan(&out.Length, &out.Accepted)
	if err != nil {
		return nil, fmt.Errorf("session: chain run %s: %w", id, err)
	}

	rows, err := s.Query(`
		SELECT par_index, mean, stddev FROM chain_params WHERE chain_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var pi int
		var mean, stddev float64
		if err := rows.Scan(&pi, &mean, &stddev); err != nil {
			return nil, err
		}
		out.Means[pi] = mean
		out.StdDevs[pi] = stddev
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
