package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestServerListen_BindFailureNotReady(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		_ = taken.Close()
	}()

	srv, err := NewServer(Config{
		Meter:         otel.Meter(""),
		ListenAddress: taken.Addr().String(),
	})
	require.NoError(t, err)

	err = srv.Listen()
	require.Error(t, err)
	assert.False(t, srv.Checker().Ready(), "a server that failed to bind must not report ready")
}

func TestServerListen_ReadyAfterBind(t *testing.T) {
	srv, err := NewServer(Config{
		Meter:          otel.Meter(""),
		ListenAddress:  "127.0.0.1:0",
		AllowedOrigins: []string{"*"},
	})
	require.NoError(t, err)

	go func() {
		_ = srv.Listen()
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	require.Eventually(t, func() bool {
		return srv.Checker().Ready()
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotNil(t, srv.WSAddr())
}
