package ledger

import (
	"time"

	"github.com/srx-beamline/autoscan/internal/scanwindow"
)

// RunStatus is the lifecycle state of a sequence run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is one execution of the projection sequence.
type Run struct {
	ID               string     `json:"id"`
	Status           RunStatus  `json:"status"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ProjectionsTotal int        `json:"projections_total"`
	ProjectionsDone  int        `json:"projections_done"`
	Error            string     `json:"error,omitempty"`
}

// Projection records one fly scan and the window correction derived from it.
// XDelta and YDelta are NaN when the axis produced no finite estimate.
type Projection struct {
	ID            int64              `json:"id"`
	RunID         string             `json:"run_id"`
	Index         int                `json:"index"`
	Theta         float64            `json:"theta"`
	ItemUID       string             `json:"item_uid"`
	ScanUID       string             `json:"scan_uid"`
	Window        scanwindow.Window  `json:"window"`
	Next          scanwindow.Window  `json:"next_window"`
	XOutcome      scanwindow.Outcome `json:"x_outcome"`
	YOutcome      scanwindow.Outcome `json:"y_outcome"`
	XDelta        float64            `json:"-"`
	YDelta        float64            `json:"-"`
	DataAvailable bool               `json:"data_available"`
	Duration      time.Duration      `json:"duration"`
	CreatedAt     time.Time          `json:"created_at"`
}

// ProcessingStatus is the lifecycle state of a reconstruction run.
type ProcessingStatus string

const (
	ProcessingRunning   ProcessingStatus = "running"
	ProcessingCompleted ProcessingStatus = "completed"
	ProcessingFailed    ProcessingStatus = "failed"
)

// ProcessingRun is one reconstruction of the collected projections.
type ProcessingRun struct {
	ID          string           `json:"id"`
	Algorithm   string           `json:"algorithm"`
	Directory   string           `json:"directory"`
	Files       int              `json:"files"`
	Status      ProcessingStatus `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	ArchiveURI  string           `json:"archive_uri,omitempty"`
	Error       string           `json:"error,omitempty"`
}
