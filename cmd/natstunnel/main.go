// Command natstunnel opens byte-stream tunnels over NATS. It can pipe a
// tunnel to the terminal on either end, and it can run a gRPC test service
// and client over tunnels.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
