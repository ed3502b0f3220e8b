package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog/log"

	"github.com/jhump/natstunnel/internal/config"
)

const ReadyForConnectionsTimeout = 5 * time.Second

type ServerManagerParams struct {
	Options           *server.Options
	ConnectionTimeout time.Duration
}

// ServerManager runs an embedded NATS server, so that both ends of a tunnel
// can be tried out without deploying a broker.
type ServerManager struct {
	Server *server.Server
}

// ServerOptions converts the embedded broker configuration into NATS server
// options.
func ServerOptions(cfg config.Embedded) *server.Options {
	return &server.Options{
		ServerName: "natstunnel-embedded",
		Host:       cfg.Host,
		Port:       cfg.Port,
		MaxPayload: cfg.MaxPayload,
		NoSigs:     true,
	}
}

// NewServerManager creates and starts a NATS server with the given options,
// and waits until it accepts client connections.
func NewServerManager(ctx context.Context, params ServerManagerParams) (*ServerManager, error) {
	opts := params.Options
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS server: %w", err)
	}
	if !opts.NoLog {
		ns.SetLoggerV2(NewZeroLogger(log.Logger, opts.ServerName), opts.Debug, opts.Trace, opts.TraceVerbose)
	}
	go ns.Start()

	if params.ConnectionTimeout == 0 {
		params.ConnectionTimeout = ReadyForConnectionsTimeout
	}
	if !ns.ReadyForConnections(params.ConnectionTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready for connection within %s", params.ConnectionTimeout)
	}
	log.Ctx(ctx).Debug().Msgf("NATS server %s listening on %s", ns.ID(), ns.ClientURL())
	return &ServerManager{
		Server: ns,
	}, nil
}

// ClientURL returns the URL clients use to connect to the server.
func (sm *ServerManager) ClientURL() string {
	return sm.Server.ClientURL()
}

// Stop stops the NATS server and waits for it to finish shutting down.
func (sm *ServerManager) Stop() {
	sm.Server.Shutdown()
	sm.Server.WaitForShutdown()
}
