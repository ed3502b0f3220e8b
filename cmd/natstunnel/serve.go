package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jhump/natstunnel"
	"github.com/jhump/natstunnel/internal/forward"
)

func newServeCmd(a *app) *cobra.Command {
	var metricsAddr string
	serveCmd := &cobra.Command{
		Use:   "serve <subject>",
		Short: "Accept tunnels on a subject, one at a time, and pipe them to stdin and stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			metrics, stopMetrics, err := serveMetrics(ctx, metricsAddr)
			if err != nil {
				return err
			}
			defer stopMetrics()
			return a.withBroker(ctx, func(nc *nats.Conn) error {
				return a.serve(cmd, nc, args[0], metrics)
			})
		},
	}
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to expose Prometheus metrics on, e.g. :9090")
	return serveCmd
}

func (a *app) serve(cmd *cobra.Command, nc *nats.Conn, subject string, metrics *natstunnel.Metrics) error {
	ctx := cmd.Context()
	logger := log.Ctx(ctx)
	l, err := natstunnel.Listen(nc, subject, func(payload []byte) ([]byte, error) {
		logger.Info().Bytes("payload", payload).Msg("client connection received")
		return nil, nil
	}, a.tunnelOptions(natstunnel.WithMetrics(metrics))...)
	if err != nil {
		return err
	}
	defer l.Close()
	logger.Info().Str("subject", subject).Msg("waiting for tunnels")

	for {
		conn, err := l.AcceptConn(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var hsErr *natstunnel.HandshakeError
			if errors.As(err, &hsErr) && hsErr.Stage != natstunnel.StageReceive {
				logger.Warn().Err(err).Msg("skipping failed tunnel handshake")
				continue
			}
			return fmt.Errorf("failed to accept connection from peer: %w", err)
		}
		logger.Info().Stringer("peer", conn.RemoteAddr()).Msg("accepted peer connection")
		err = forward.Join(ctx, conn, cmd.InOrStdin(), cmd.OutOrStdout())
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("connection failed: %w", err)
		}
		logger.Info().Stringer("peer", conn.RemoteAddr()).Msg("peer connection ended")
	}
}

// serveMetrics exposes tunnel metrics over HTTP if addr is set. The returned
// func stops the HTTP server.
func serveMetrics(ctx context.Context, addr string) (*natstunnel.Metrics, func(), error) {
	if addr == "" {
		return nil, func() {}, nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := natstunnel.NewMetrics(reg)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Ctx(ctx).Error().Err(err).Msg("metrics server failed")
		}
	}()
	log.Ctx(ctx).Info().Stringer("addr", lis.Addr()).Msg("serving metrics")
	return metrics, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}
