package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestNewAppMetrics(t *testing.T) {
	m, err := NewAppMetrics(otel.Meter(""))
	require.NoError(t, err)
	assert.NotNil(t, m.RelayedMessages)
	assert.NotNil(t, m.MessageSize)

	require.NoError(t, m.RegisterGauges(
		func() int64 { return 0 },
		func() int64 { return 0 },
	))

	// recording must never panic, even on the noop meter
	m.MessageReceived(128)
	m.MessageRelayed("chat-message")
	m.DeliveryDropped("queue_full")
	m.HandlerError("room_not_found")
	m.Join()
	m.Disconnect()
}
