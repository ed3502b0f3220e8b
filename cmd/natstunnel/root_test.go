package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhump/natstunnel/internal/config"
	"github.com/jhump/natstunnel/internal/natstest"
)

func execute(ctx context.Context, in io.Reader, out io.Writer, args ...string) error {
	cmd := newRootCmd()
	cmd.SetArgs(append(args, "--log-level", "error"))
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	return cmd.ExecuteContext(ctx)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConfigDefault(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, execute(context.Background(), nil, &out, "config", "default"))

	var cfg config.Config
	require.NoError(t, toml.Unmarshal(out.Bytes(), &cfg))
	assert.Equal(t, config.Default(), cfg)
}

func TestConfigShow(t *testing.T) {
	file := filepath.Join(t.TempDir(), "natstunnel.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
[nats]
url = "nats://from-file:4222"
name = "from-file"

[tunnel]
queue_group = "workers"
`), 0o600))
	t.Setenv("NATSTUNNEL_NATS_NAME", "from-env")

	var out bytes.Buffer
	err := execute(context.Background(), nil, &out,
		"config", "show", "--config", file, "--nats", "nats://from-flag:4222")
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, toml.Unmarshal(out.Bytes(), &cfg))
	assert.Equal(t, "nats://from-flag:4222", cfg.NATS.URL)
	assert.Equal(t, "from-env", cfg.NATS.Name)
	assert.Equal(t, "workers", cfg.Tunnel.QueueGroup)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestInvalidConfig(t *testing.T) {
	err := execute(context.Background(), nil, io.Discard, "config", "show", "--log-format", "xml")
	assert.ErrorContains(t, err, "log.format")
}

func TestConnectRequiresSubject(t *testing.T) {
	err := execute(context.Background(), nil, io.Discard, "connect")
	assert.Error(t, err)
}

func TestConnectRefused(t *testing.T) {
	sm := natstest.RunServer(t)
	err := execute(context.Background(), strings.NewReader(""), io.Discard,
		"connect", "svc.nobody", "--nats", sm.ClientURL())
	assert.ErrorContains(t, err, "failed to connect to peer")
}

// startCommand runs a long-lived command until the test ends, and waits for
// it to subscribe to the broker.
func startCommand(t *testing.T, sm interface{ NumSubscriptions() uint32 }, in io.Reader, out io.Writer, args ...string) (stop func() error) {
	t.Helper()
	before := sm.NumSubscriptions()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- execute(ctx, in, out, args...)
	}()
	require.Eventually(t, func() bool {
		return sm.NumSubscriptions() > before
	}, 5*time.Second, 10*time.Millisecond)

	var once sync.Once
	var err error
	stop = func() error {
		once.Do(func() {
			cancel()
			err = <-done
		})
		return err
	}
	t.Cleanup(func() {
		_ = stop()
	})
	return stop
}

func TestConnectAndServe(t *testing.T) {
	sm := natstest.RunServer(t)

	serveIn, serveInW := io.Pipe()
	defer serveInW.Close()
	var serveOut lockedBuffer
	stopServe := startCommand(t, sm.Server, serveIn, &serveOut,
		"serve", "svc.cli", "--nats", sm.ClientURL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var connectOut lockedBuffer
	connectDone := make(chan error, 1)
	go func() {
		connectDone <- execute(ctx, strings.NewReader("hello from client"), &connectOut,
			"connect", "svc.cli", "--nats", sm.ClientURL(), "--data", "hi")
	}()

	require.Eventually(t, func() bool {
		return serveOut.String() == "hello from client"
	}, 5*time.Second, 10*time.Millisecond)

	_, err := serveInW.Write([]byte("hello from server"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return connectOut.String() == "hello from server"
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-connectDone)
	assert.NoError(t, stopServe())
}

func TestServeEmbeddedWithMetrics(t *testing.T) {
	file := filepath.Join(t.TempDir(), "natstunnel.toml")
	require.NoError(t, os.WriteFile(file, []byte(`
[embedded]
host = "127.0.0.1"
port = -1
`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- execute(ctx, strings.NewReader(""), io.Discard,
			"serve", "svc.embedded", "--embedded", "--config", file, "--metrics-addr", "127.0.0.1:0")
	}()

	select {
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(500 * time.Millisecond):
	}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestGRPCTest(t *testing.T) {
	sm := natstest.RunServer(t, natstest.WithMaxPayload(16*1024))

	stopServe := startCommand(t, sm.Server, nil, io.Discard,
		"grpc-test", "serve", "svc.grpc-test", "--nats", sm.ClientURL())

	var out bytes.Buffer
	err := execute(context.Background(), nil, &out,
		"grpc-test", "client", "svc.grpc-test", "--nats", sm.ClientURL(), "--duration", "200ms")
	require.NoError(t, err)
	assert.Regexp(t, `^Issued [1-9]\d* requests over tunnel\.\n`+
		`  BidiStream: [1-9]\d*\n  ClientStream: [1-9]\d*\n  ServerStream: [1-9]\d*\n  Unary: [1-9]\d*\n`+
		`Echoed [1-9]\d* bytes in 40961-byte messages\.\n$`, out.String())

	assert.NoError(t, stopServe())
}
