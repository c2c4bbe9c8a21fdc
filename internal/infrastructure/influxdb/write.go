package influxdb

import (
	"math"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementCorrection    = "scan_correction"
	MeasurementProjection    = "projection"
	MeasurementProcessingRun = "processing_run"
)

// CorrectionSample is one axis of a scan-window correction.
type CorrectionSample struct {
	Axis      string
	Outcome   string
	Theta     float64
	Index     int
	Pixel     float64
	OldCenter float64
	NewCenter float64
	Delta     float64
	Time      time.Time
}

// ProjectionSample times one projection of a sequence run.
type ProjectionSample struct {
	Theta         float64
	Index         int
	Orientation   string
	DataAvailable bool
	Duration      time.Duration
	Time          time.Time
}

// ProcessingSample summarises one reconstruction run.
type ProcessingSample struct {
	Algorithm string
	Status    string
	Files     int
	Duration  time.Duration
	Time      time.Time
}

// putFloat adds v to fields unless it is NaN or infinite.
func putFloat(fields map[string]any, key string, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	fields[key] = v
}

func timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}

func correctionPoint(site string, s CorrectionSample) *write.Point {
	fields := map[string]any{"index": s.Index}
	putFloat(fields, "theta", s.Theta)
	putFloat(fields, "pixel", s.Pixel)
	putFloat(fields, "old_center", s.OldCenter)
	putFloat(fields, "new_center", s.NewCenter)
	putFloat(fields, "delta", s.Delta)

	return write.NewPoint(
		MeasurementCorrection,
		map[string]string{"site": site, "axis": s.Axis, "outcome": s.Outcome},
		fields,
		timestamp(s.Time),
	)
}

func projectionPoint(site string, s ProjectionSample) *write.Point {
	fields := map[string]any{
		"index":          s.Index,
		"duration_s":     s.Duration.Seconds(),
		"data_available": s.DataAvailable,
	}
	putFloat(fields, "theta", s.Theta)

	return write.NewPoint(
		MeasurementProjection,
		map[string]string{"site": site, "orientation": s.Orientation},
		fields,
		timestamp(s.Time),
	)
}

func processingPoint(site string, s ProcessingSample) *write.Point {
	return write.NewPoint(
		MeasurementProcessingRun,
		map[string]string{"site": site, "algorithm": s.Algorithm, "status": s.Status},
		map[string]any{
			"files":      s.Files,
			"duration_s": s.Duration.Seconds(),
		},
		timestamp(s.Time),
	)
}

// WriteCorrection records one axis of a window correction.
func (c *Client) WriteCorrection(s CorrectionSample) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(correctionPoint(c.site, s))
}

// WriteProjection records the timing of a projection.
func (c *Client) WriteProjection(s ProjectionSample) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(projectionPoint(c.site, s))
}

// WriteProcessingRun records a finished reconstruction.
func (c *Client) WriteProcessingRun(s ProcessingSample) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(processingPoint(c.site, s))
}
