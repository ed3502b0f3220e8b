package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fullstorydev/grpchan"
	"github.com/fullstorydev/grpchan/grpchantesting"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/jhump/natstunnel"
	"github.com/jhump/natstunnel/grpcnats"
	"github.com/jhump/natstunnel/internal"
)

func newGRPCTestCmd(a *app) *cobra.Command {
	grpcTestCmd := &cobra.Command{
		Use:   "grpc-test",
		Short: "Exercise tunnels with a gRPC test service",
	}
	grpcTestCmd.AddCommand(newGRPCTestServeCmd(a))
	grpcTestCmd.AddCommand(newGRPCTestClientCmd(a))
	return grpcTestCmd
}

func newGRPCTestServeCmd(a *app) *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve <subject>",
		Short: "Serve the gRPC test service over tunnels accepted on a subject",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := log.Ctx(ctx)
			return a.withBroker(ctx, func(nc *nats.Conn) error {
				lis, err := natstunnel.Listen(nc, args[0], nil, a.tunnelOptions()...)
				if err != nil {
					return err
				}
				svr := grpc.NewServer(internal.ServerOptions(nc.MaxPayload())...)
				counts := newTunnelCounts(*logger)
				grpchantesting.RegisterTestServiceServer(counts.intercept(svr), &grpchantesting.TestServer{})
				logger.Info().Str("subject", args[0]).Msg("serving gRPC test service")

				err = grpcnats.Serve(ctx, svr, lis)
				rpcs, tunnels := counts.totals()
				logger.Info().Msgf("Served %d requests over %d tunnels.", rpcs, tunnels)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	return serveCmd
}

func newGRPCTestClientCmd(a *app) *cobra.Command {
	var duration, dialTimeout time.Duration
	var messageSize, streamLength int
	var payload string
	clientCmd := &cobra.Command{
		Use:   "client <subject>",
		Short: "Send RPCs of every kind to the gRPC test service over a tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return a.withBroker(ctx, func(nc *nats.Conn) error {
				load := internal.LoadFor(nc.MaxPayload(), duration)
				if messageSize > 0 {
					load.MessageSize = messageSize
				}
				if streamLength > 0 {
					load.StreamLength = streamLength
				}

				dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
				defer cancel()
				cc, err := grpcnats.BlockingDial(dialCtx, nc, args[0],
					grpcnats.WithHandshakePayload([]byte(payload)),
					grpcnats.WithTunnelOptions(a.tunnelOptions()...),
					grpcnats.WithGRPCOptions(internal.DialOptions(nc.MaxPayload())...),
				)
				if err != nil {
					return fmt.Errorf("failed to dial %s: %w", args[0], err)
				}
				defer func() {
					_ = cc.Close()
				}()
				log.Ctx(ctx).Info().Int("message_size", load.MessageSize).Int64("max_payload", nc.MaxPayload()).Msg("Tunnel created.")

				stats, err := internal.SendRPCs(ctx, grpchantesting.NewTestServiceClient(cc), load)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Issued %d requests over tunnel.\n", stats.Total())
				methods := make([]string, 0, len(stats.RPCs))
				for method := range stats.RPCs {
					methods = append(methods, method)
				}
				sort.Strings(methods)
				for _, method := range methods {
					fmt.Fprintf(out, "  %s: %d\n", method, stats.RPCs[method])
				}
				fmt.Fprintf(out, "Echoed %d bytes in %d-byte messages.\n", stats.Bytes, load.MessageSize)
				return nil
			})
		},
	}
	clientCmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "how long to keep sending RPCs")
	clientCmd.Flags().DurationVar(&dialTimeout, "dial-timeout", 5*time.Second, "how long to wait for the server")
	clientCmd.Flags().IntVar(&messageSize, "message-size", 0, "payload size of each request message (default: enough to span several broker messages)")
	clientCmd.Flags().IntVar(&streamLength, "stream-length", 0, "messages per streaming RPC (default 3)")
	clientCmd.Flags().StringVarP(&payload, "data", "d", "", "handshake payload to send with every tunnel")
	return clientCmd
}

// tunnelCounts counts the RPCs served over each tunnel, keyed by the subject
// of the client's inbox.
type tunnelCounts struct {
	logger zerolog.Logger

	mu     sync.Mutex
	counts map[string]int
}

func newTunnelCounts(logger zerolog.Logger) *tunnelCounts {
	return &tunnelCounts{logger: logger, counts: map[string]int{}}
}

func (tc *tunnelCounts) add(ctx context.Context, method string) {
	addr, ok := grpcnats.TunnelAddrFromContext(ctx)
	if !ok {
		return
	}
	tc.mu.Lock()
	tc.counts[addr.Subject]++
	first := tc.counts[addr.Subject] == 1
	tc.mu.Unlock()
	if first {
		tc.logger.Info().Str("peer", addr.Subject).Msg("first request over new tunnel")
	}
	tc.logger.Debug().Str("peer", addr.Subject).Str("method", method).Msg("request")
}

func (tc *tunnelCounts) totals() (rpcs, tunnels int) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for _, n := range tc.counts {
		rpcs += n
	}
	return rpcs, len(tc.counts)
}

func (tc *tunnelCounts) intercept(reg grpc.ServiceRegistrar) grpc.ServiceRegistrar {
	return grpchan.WithInterceptor(
		reg,
		func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
			tc.add(ctx, info.FullMethod)
			return handler(ctx, req)
		},
		func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
			tc.add(ss.Context(), info.FullMethod)
			return handler(srv, ss)
		},
	)
}
