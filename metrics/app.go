package metrics

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AppMetrics holds all the application metrics
type AppMetrics struct {
	metric.Meter

	RelayedMessages metric.Int64Counter
	DroppedFrames   metric.Int64Counter
	HandlerErrors   metric.Int64Counter
	Joins           metric.Int64Counter
	Disconnects     metric.Int64Counter
	MessageSize     metric.Int64Histogram
}

func NewAppMetrics(meter metric.Meter) (*AppMetrics, error) {
	relayedMessages, err := meter.Int64Counter("relayed_messages_total")
	if err != nil {
		return nil, err
	}

	droppedFrames, err := meter.Int64Counter("delivery_dropped_total")
	if err != nil {
		return nil, err
	}

	handlerErrors, err := meter.Int64Counter("handler_errors_total")
	if err != nil {
		return nil, err
	}

	joins, err := meter.Int64Counter("joins_total")
	if err != nil {
		return nil, err
	}

	disconnects, err := meter.Int64Counter("disconnects_total")
	if err != nil {
		return nil, err
	}

	messageSize, err := meter.Int64Histogram("message_size_bytes",
		metric.WithExplicitBucketBoundaries(getMessageSizeBucketBoundaries()...))
	if err != nil {
		return nil, err
	}

	return &AppMetrics{
		Meter:           meter,
		RelayedMessages: relayedMessages,
		DroppedFrames:   droppedFrames,
		HandlerErrors:   handlerErrors,
		Joins:           joins,
		Disconnects:     disconnects,
		MessageSize:     messageSize,
	}, nil
}

// RegisterGauges observes the live room and connection counts through
// callbacks so the sources stay the single point of truth.
func (m *AppMetrics) RegisterGauges(activeRooms, activeConnections func() int64) error {
	rooms, err := m.Int64ObservableGauge("active_rooms")
	if err != nil {
		return err
	}

	connections, err := m.Int64ObservableGauge("active_connections")
	if err != nil {
		return err
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(rooms, activeRooms())
			o.ObserveInt64(connections, activeConnections())
			return nil
		},
		rooms, connections,
	)
	return err
}

// MessageReceived records the size of one inbound frame.
func (m *AppMetrics) MessageReceived(size int) {
	m.MessageSize.Record(context.Background(), int64(size))
}

// MessageRelayed counts one successfully routed event.
func (m *AppMetrics) MessageRelayed(event string) {
	m.RelayedMessages.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("event", event)))
}

// DeliveryDropped counts a frame that could not reach its target.
func (m *AppMetrics) DeliveryDropped(reason string) {
	m.DroppedFrames.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// HandlerError counts a failed event handler run.
func (m *AppMetrics) HandlerError(reason string) {
	m.HandlerErrors.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// Join counts one participant joining a room.
func (m *AppMetrics) Join() {
	m.Joins.Add(context.Background(), 1)
}

// Disconnect counts one connection teardown.
func (m *AppMetrics) Disconnect() {
	m.Disconnects.Add(context.Background(), 1)
}

func getMessageSizeBucketBoundaries() []float64 {
	return []float64{
		64,
		256,
		1024,
		4096,
		16384,
		65536,
	}
}
