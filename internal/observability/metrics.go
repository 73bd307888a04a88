package observability

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = ServiceName

// Metrics holds all relay metric instruments.
type Metrics struct {
	EventsReceived      metric.Int64Counter
	TranslationFailures metric.Int64Counter
	PayloadBytes        metric.Int64Histogram
	ClientWrites        metric.Int64Counter
	ClientWriteFailures metric.Int64Counter
	ClientsAccepted     metric.Int64Counter
	ClientsPruned       metric.Int64Counter
	BacklogSinkDrops    metric.Int64Counter
}

// NewMetrics creates all metric instruments on the global meter provider.
// Until an SDK provider is installed the instruments are no-ops.
func NewMetrics() (*Metrics, error) {
	return newMetrics(otel.Meter(meterName))
}

// NopMetrics returns instruments that record nothing. Used by tests and
// components constructed without a meter.
func NopMetrics() *Metrics {
	m, _ := newMetrics(noop.NewMeterProvider().Meter(meterName))
	return m
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsReceived, err = meter.Int64Counter("elitecast.events.received",
		metric.WithDescription("Number of events handed to the broadcaster"))
	if err != nil {
		return nil, err
	}

	m.TranslationFailures, err = meter.Int64Counter("elitecast.events.translation_failures",
		metric.WithDescription("Number of events that could not be translated to paths"))
	if err != nil {
		return nil, err
	}

	m.PayloadBytes, err = meter.Int64Histogram("elitecast.payload.bytes",
		metric.WithDescription("Encoded payload size per broadcast round"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	m.ClientWrites, err = meter.Int64Counter("elitecast.client.writes",
		metric.WithDescription("Number of payload writes attempted"))
	if err != nil {
		return nil, err
	}

	m.ClientWriteFailures, err = meter.Int64Counter("elitecast.client.write_failures",
		metric.WithDescription("Number of payload writes that failed"))
	if err != nil {
		return nil, err
	}

	m.ClientsAccepted, err = meter.Int64Counter("elitecast.clients.accepted",
		metric.WithDescription("Number of client connections accepted"))
	if err != nil {
		return nil, err
	}

	m.ClientsPruned, err = meter.Int64Counter("elitecast.clients.pruned",
		metric.WithDescription("Number of closed clients removed from the live set"))
	if err != nil {
		return nil, err
	}

	m.BacklogSinkDrops, err = meter.Int64Counter("elitecast.backlog.sink_drops",
		metric.WithDescription("Number of events not persisted because the sink buffer was full"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
