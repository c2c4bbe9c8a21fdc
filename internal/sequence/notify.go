package sequence

import (
	"time"

	"github.com/srx-beamline/autoscan/internal/infrastructure/influxdb"
	"github.com/srx-beamline/autoscan/internal/infrastructure/mqtt"
	"github.com/srx-beamline/autoscan/internal/ledger"
	"github.com/srx-beamline/autoscan/internal/scanwindow"
)

// Snapshot is the externally visible state of the sequencer.
type Snapshot struct {
	RunID          string                 `json:"run_id,omitempty"`
	Status         ledger.RunStatus       `json:"status,omitempty"`
	Index          int                    `json:"index"`
	Total          int                    `json:"total"`
	Theta          float64                `json:"theta"`
	Window         scanwindow.Window      `json:"window"`
	LastCorrection *scanwindow.Correction `json:"last_correction,omitempty"`
	StopRequested  bool                   `json:"stop_requested"`
	StartedAt      time.Time              `json:"started_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	Error          string                 `json:"error,omitempty"`
}

// ProjectionEvent describes one finished projection.
type ProjectionEvent struct {
	RunID      string                `json:"run_id"`
	Index      int                   `json:"index"`
	Total      int                   `json:"total"`
	Theta      float64               `json:"theta"`
	ItemUID    string                `json:"item_uid"`
	ScanUID    string                `json:"scan_uid"`
	Window     scanwindow.Window     `json:"window"`
	Next       scanwindow.Window     `json:"next_window"`
	Correction scanwindow.Correction `json:"correction"`
	Duration   time.Duration         `json:"duration_ns"`
	Preview    string                `json:"preview,omitempty"`
}

// Notifier receives sequencer events. Implementations must not block.
type Notifier interface {
	StatusChanged(s Snapshot)
	ProjectionCompleted(e ProjectionEvent)
}

// Notifiers fans events out to every member.
type Notifiers []Notifier

func (n Notifiers) StatusChanged(s Snapshot) {
	for _, x := range n {
		x.StatusChanged(s)
	}
}

func (n Notifiers) ProjectionCompleted(e ProjectionEvent) {
	for _, x := range n {
		x.ProjectionCompleted(e)
	}
}

// JSONPublisher is satisfied by *mqtt.Client.
type JSONPublisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// MQTTNotifier publishes the status snapshot (retained) and each
// projection event.
type MQTTNotifier struct {
	pub    JSONPublisher
	topics mqtt.Topics
	logger Logger
}

// NewMQTTNotifier publishes through pub under the site's topics.
func NewMQTTNotifier(pub JSONPublisher, topics mqtt.Topics, logger Logger) *MQTTNotifier {
	if logger == nil {
		logger = noopLogger{}
	}
	return &MQTTNotifier{pub: pub, topics: topics, logger: logger}
}

func (m *MQTTNotifier) StatusChanged(s Snapshot) {
	if err := m.pub.PublishJSON(m.topics.SequenceStatus(), s, true); err != nil {
		m.logger.Warn("publishing sequence status failed", "error", err)
	}
}

func (m *MQTTNotifier) ProjectionCompleted(e ProjectionEvent) {
	if err := m.pub.PublishJSON(m.topics.SequenceProjection(), e, false); err != nil {
		m.logger.Warn("publishing projection failed", "index", e.Index, "error", err)
	}
}

// MetricsWriter is satisfied by *influxdb.Client.
type MetricsWriter interface {
	WriteCorrection(s influxdb.CorrectionSample)
	WriteProjection(s influxdb.ProjectionSample)
}

// MetricsNotifier writes correction and timing points.
type MetricsNotifier struct {
	w MetricsWriter
}

// NewMetricsNotifier wraps w.
func NewMetricsNotifier(w MetricsWriter) *MetricsNotifier {
	return &MetricsNotifier{w: w}
}

func (m *MetricsNotifier) StatusChanged(Snapshot) {}

func (m *MetricsNotifier) ProjectionCompleted(e ProjectionEvent) {
	now := time.Now()
	orientation := e.Correction.Orientation
	if orientation == "" {
		orientation = "none"
	}
	for _, axis := range []struct {
		name string
		ac   scanwindow.AxisCorrection
	}{{"x", e.Correction.X}, {"y", e.Correction.Y}} {
		m.w.WriteCorrection(influxdb.CorrectionSample{
			Axis:      axis.name,
			Outcome:   string(axis.ac.Outcome),
			Theta:     e.Theta,
			Index:     e.Index,
			Pixel:     axis.ac.Pixel,
			OldCenter: axis.ac.OldCenter,
			NewCenter: axis.ac.NewCenter,
			Delta:     axis.ac.Delta,
			Time:      now,
		})
	}
	m.w.WriteProjection(influxdb.ProjectionSample{
		Theta:         e.Theta,
		Index:         e.Index,
		Orientation:   orientation,
		DataAvailable: e.Correction.DataAvailable,
		Duration:      e.Duration,
		Time:          now,
	})
}
