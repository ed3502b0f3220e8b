// Package natstest runs embedded NATS servers for tests.
package natstest

import (
	"context"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"

	"github.com/jhump/natstunnel/internal/broker"
)

// ServerOption customizes the options of a test server.
type ServerOption func(*server.Options)

// WithMaxPayload sets the maximum payload the server advertises to clients.
func WithMaxPayload(n int32) ServerOption {
	return func(opts *server.Options) {
		opts.MaxPayload = n
	}
}

// RunServer starts a NATS server on a random local port. It is shut down
// when the test finishes.
func RunServer(t testing.TB, opts ...ServerOption) *broker.ServerManager {
	t.Helper()
	serverOpts := &server.Options{
		ServerName: "natstest",
		Host:       "127.0.0.1",
		Port:       server.RANDOM_PORT,
		NoLog:      true,
		NoSigs:     true,
	}
	for _, opt := range opts {
		opt(serverOpts)
	}
	sm, err := broker.NewServerManager(context.Background(), broker.ServerManagerParams{
		Options: serverOpts,
	})
	require.NoError(t, err)
	t.Cleanup(sm.Stop)
	return sm
}

// Connect creates a client connection to the given server. It is closed
// when the test finishes.
func Connect(t testing.TB, sm *broker.ServerManager, opts ...nats.Option) *nats.Conn {
	t.Helper()
	cm, err := broker.NewClientManager(context.Background(), sm.ClientURL(), opts...)
	require.NoError(t, err)
	t.Cleanup(cm.Stop)
	return cm.Client
}
