package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/srx-beamline/autoscan/internal/scanwindow"
)

// Repository stores runs and projections.
type Repository interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	AddProjection(ctx context.Context, p *Projection) error
	ListProjections(ctx context.Context, runID string) ([]Projection, error)

	CreateProcessingRun(ctx context.Context, run *ProcessingRun) error
	UpdateProcessingRun(ctx context.Context, run *ProcessingRun) error
	ListProcessingRuns(ctx context.Context, limit int) ([]ProcessingRun, error)
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000Z"

const (
	defaultListLimit = 20
	maxListLimit     = 500
)

// SQLiteRepository implements Repository on the ledger database.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over db.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const runColumns = `id, status, started_at, completed_at, projections_total, projections_done, error`

// CreateRun inserts run. A zero StartedAt is set to now.
func (r *SQLiteRepository) CreateRun(ctx context.Context, run *Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sequence_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		string(run.Status),
		formatTime(run.StartedAt),
		nullableTime(run.CompletedAt),
		run.ProjectionsTotal,
		run.ProjectionsDone,
		nullableString(run.Error),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrRunExists
		}
		return fmt.Errorf("inserting sequence run: %w", err)
	}
	return nil
}

// UpdateRun stores the mutable fields of run.
func (r *SQLiteRepository) UpdateRun(ctx context.Context, run *Run) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sequence_runs SET
			status = ?, completed_at = ?, projections_total = ?, projections_done = ?, error = ?
		WHERE id = ?`,
		string(run.Status),
		nullableTime(run.CompletedAt),
		run.ProjectionsTotal,
		run.ProjectionsDone,
		nullableString(run.Error),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("updating sequence run: %w", err)
	}
	return expectOneRow(result, ErrRunNotFound)
}

// GetRun loads a run by ID.
func (r *SQLiteRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM sequence_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("querying sequence run: %w", err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (r *SQLiteRepository) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM sequence_runs ORDER BY started_at DESC LIMIT ?`,
		clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying sequence runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scanning sequence run: %w", scanErr)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sequence runs: %w", err)
	}
	return runs, nil
}

const projectionColumns = `id, run_id, idx, theta, item_uid, scan_uid,
	x_start, x_stop, y_start, y_stop,
	next_x_start, next_x_stop, next_y_start, next_y_stop,
	x_outcome, y_outcome, x_delta, y_delta, data_available, duration_ms, created_at`

// AddProjection appends a projection to its run and sets p.ID.
func (r *SQLiteRepository) AddProjection(ctx context.Context, p *Projection) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO projections (
			run_id, idx, theta, item_uid, scan_uid,
			x_start, x_stop, y_start, y_stop,
			next_x_start, next_x_stop, next_y_start, next_y_stop,
			x_outcome, y_outcome, x_delta, y_delta, data_available, duration_ms, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.RunID, p.Index, p.Theta, p.ItemUID, p.ScanUID,
		p.Window.XStart, p.Window.XStop, p.Window.YStart, p.Window.YStop,
		p.Next.XStart, p.Next.XStop, p.Next.YStart, p.Next.YStop,
		string(p.XOutcome), string(p.YOutcome),
		nullableFloat(p.XDelta), nullableFloat(p.YDelta),
		boolToInt(p.DataAvailable),
		p.Duration.Milliseconds(),
		formatTime(p.CreatedAt),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return ErrRunNotFound
		}
		return fmt.Errorf("inserting projection: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading projection id: %w", err)
	}
	p.ID = id
	return nil
}

// ListProjections returns the projections of a run in acquisition order.
func (r *SQLiteRepository) ListProjections(ctx context.Context, runID string) ([]Projection, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+projectionColumns+` FROM projections WHERE run_id = ? ORDER BY idx, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying projections: %w", err)
	}
	defer rows.Close()

	var out []Projection
	for rows.Next() {
		var p Projection
		var xOutcome, yOutcome, createdAt string
		var xDelta, yDelta sql.NullFloat64
		var dataAvailable int
		var durationMS int64

		if err := rows.Scan(
			&p.ID, &p.RunID, &p.Index, &p.Theta, &p.ItemUID, &p.ScanUID,
			&p.Window.XStart, &p.Window.XStop, &p.Window.YStart, &p.Window.YStop,
			&p.Next.XStart, &p.Next.XStop, &p.Next.YStart, &p.Next.YStop,
			&xOutcome, &yOutcome, &xDelta, &yDelta, &dataAvailable, &durationMS, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scanning projection: %w", err)
		}

		p.XOutcome = scanwindow.Outcome(xOutcome)
		p.YOutcome = scanwindow.Outcome(yOutcome)
		p.XDelta = floatOrNaN(xDelta)
		p.YDelta = floatOrNaN(yDelta)
		p.DataAvailable = dataAvailable != 0
		p.Duration = time.Duration(durationMS) * time.Millisecond
		if p.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating projections: %w", err)
	}
	return out, nil
}

const processingColumns = `id, algorithm, directory, files, status, started_at, completed_at, archive_uri, error`

// CreateProcessingRun inserts run. A zero StartedAt is set to now.
func (r *SQLiteRepository) CreateProcessingRun(ctx context.Context, run *ProcessingRun) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO processing_runs (`+processingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Algorithm,
		run.Directory,
		run.Files,
		string(run.Status),
		formatTime(run.StartedAt),
		nullableTime(run.CompletedAt),
		nullableString(run.ArchiveURI),
		nullableString(run.Error),
	)
	if err != nil {
		return fmt.Errorf("inserting processing run: %w", err)
	}
	return nil
}

// UpdateProcessingRun stores the mutable fields of run.
func (r *SQLiteRepository) UpdateProcessingRun(ctx context.Context, run *ProcessingRun) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE processing_runs SET
			status = ?, completed_at = ?, archive_uri = ?, error = ?, files = ?
		WHERE id = ?`,
		string(run.Status),
		nullableTime(run.CompletedAt),
		nullableString(run.ArchiveURI),
		nullableString(run.Error),
		run.Files,
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("updating processing run: %w", err)
	}
	return expectOneRow(result, ErrProcessingRunNotFound)
}

// ListProcessingRuns returns the most recent reconstruction runs, newest first.
func (r *SQLiteRepository) ListProcessingRuns(ctx context.Context, limit int) ([]ProcessingRun, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+processingColumns+` FROM processing_runs ORDER BY started_at DESC, id DESC LIMIT ?`,
		clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying processing runs: %w", err)
	}
	defer rows.Close()

	var out []ProcessingRun
	for rows.Next() {
		var pr ProcessingRun
		var status, startedAt string
		var completedAt, archiveURI, errText sql.NullString

		if err := rows.Scan(&pr.ID, &pr.Algorithm, &pr.Directory, &pr.Files, &status,
			&startedAt, &completedAt, &archiveURI, &errText); err != nil {
			return nil, fmt.Errorf("scanning processing run: %w", err)
		}
		pr.Status = ProcessingStatus(status)
		pr.ArchiveURI = archiveURI.String
		pr.Error = errText.String
		if pr.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if pr.CompletedAt, err = parseNullableTime(completedAt); err != nil {
			return nil, err
		}
		out = append(out, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating processing runs: %w", err)
	}
	return out, nil
}

// ─── Row helpers ────────────────────────────────────────────────────────────

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(s rowScanner) (*Run, error) {
	var run Run
	var status, startedAt string
	var completedAt, errText sql.NullString

	if err := s.Scan(&run.ID, &status, &startedAt, &completedAt,
		&run.ProjectionsTotal, &run.ProjectionsDone, &errText); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.Error = errText.String

	var err error
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if run.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

func expectOneRow(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableFloat stores non-finite values as NULL.
func nullableFloat(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
