package broker

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/jhump/natstunnel/internal/config"
)

// ClientManager owns the broker client shared by every tunnel of a process.
type ClientManager struct {
	Client *nats.Conn
}

// NewClientManager is a helper function to create a NATS client connection with a given servers string
func NewClientManager(ctx context.Context, servers string, options ...nats.Option) (*ClientManager, error) {
	nc, err := nats.Connect(servers, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", servers, err)
	}
	log.Ctx(ctx).Debug().
		Str("url", nc.ConnectedUrl()).
		Int64("max_payload", nc.MaxPayload()).
		Msg("connected to NATS")
	return &ClientManager{
		Client: nc,
	}, nil
}

// ClientOptions converts the broker client configuration into NATS client
// options. Connection state changes are logged with the given context's
// logger.
func ClientOptions(ctx context.Context, cfg config.NATS) []nats.Option {
	logger := log.Ctx(ctx)
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("reconnected to NATS")
		}),
	}
	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	return opts
}

// Stop closes the NATS client
func (cm *ClientManager) Stop() {
	cm.Client.Close()
}
