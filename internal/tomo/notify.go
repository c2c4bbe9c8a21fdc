package tomo

import (
	"time"

	"github.com/srx-beamline/autoscan/internal/infrastructure/influxdb"
	"github.com/srx-beamline/autoscan/internal/infrastructure/mqtt"
	"github.com/srx-beamline/autoscan/internal/ledger"
)

// Notifier is told about every finished reconstruction.
type Notifier interface {
	ProcessingFinished(run ledger.ProcessingRun, duration time.Duration)
}

type nopNotifier struct{}

func (nopNotifier) ProcessingFinished(ledger.ProcessingRun, time.Duration) {}

// JSONPublisher is satisfied by *mqtt.Client.
type JSONPublisher interface {
	PublishJSON(topic string, v any, retained bool) error
}

// MetricsWriter is satisfied by *influxdb.Client.
type MetricsWriter interface {
	WriteProcessingRun(s influxdb.ProcessingSample)
}

// EventNotifier publishes processing runs over MQTT and writes a metrics
// point. Either sink may be nil.
type EventNotifier struct {
	pub     JSONPublisher
	topics  mqtt.Topics
	metrics MetricsWriter
	logger  Logger
}

// NewEventNotifier creates an EventNotifier.
func NewEventNotifier(pub JSONPublisher, topics mqtt.Topics, metrics MetricsWriter, logger Logger) *EventNotifier {
	if logger == nil {
		logger = noopLogger{}
	}
	return &EventNotifier{pub: pub, topics: topics, metrics: metrics, logger: logger}
}

type processingEvent struct {
	ledger.ProcessingRun
	DurationSeconds float64 `json:"duration_s"`
}

func (n *EventNotifier) ProcessingFinished(run ledger.ProcessingRun, duration time.Duration) {
	if n.pub != nil {
		ev := processingEvent{ProcessingRun: run, DurationSeconds: duration.Seconds()}
		if err := n.pub.PublishJSON(n.topics.ProcessingRun(), ev, false); err != nil {
			n.logger.Warn("publishing processing run failed", "id", run.ID, "error", err)
		}
	}
	if n.metrics != nil {
		n.metrics.WriteProcessingRun(influxdb.ProcessingSample{
			Algorithm: run.Algorithm,
			Status:    string(run.Status),
			Files:     run.Files,
			Duration:  duration,
			Time:      time.Now(),
		})
	}
}
