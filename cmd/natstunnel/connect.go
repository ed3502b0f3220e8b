package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jhump/natstunnel"
	"github.com/jhump/natstunnel/internal/forward"
)

func newConnectCmd(a *app) *cobra.Command {
	var data string
	var timeout time.Duration
	connectCmd := &cobra.Command{
		Use:   "connect <subject>",
		Short: "Open a tunnel to a peer and pipe it to stdin and stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			subject := args[0]
			return a.withBroker(ctx, func(nc *nats.Conn) error {
				hsCtx, cancel := context.WithTimeout(ctx, timeout)
				defer cancel()
				conn, resp, err := natstunnel.Connect(hsCtx, nc, subject, []byte(data), a.tunnelOptions()...)
				if err != nil {
					return fmt.Errorf("failed to connect to peer: %w", err)
				}
				log.Ctx(ctx).Info().
					Str("subject", subject).
					Bytes("payload", resp).
					Msg("connected to peer")
				err = forward.Join(ctx, conn, cmd.InOrStdin(), cmd.OutOrStdout())
				if err != nil && !errors.Is(err, context.Canceled) {
					return fmt.Errorf("connection failed: %w", err)
				}
				return nil
			})
		},
	}
	connectCmd.Flags().StringVarP(&data, "data", "d", "", "handshake payload to send to the peer")
	connectCmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the peer to answer the handshake")
	return connectCmd
}
