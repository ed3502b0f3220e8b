package grpcnats

import (
	"context"

	"google.golang.org/grpc/peer"

	"github.com/jhump/natstunnel"
)

// TunnelAddrFromContext provides server-side access to the address of the
// client end of the tunnel that carried a request: the client's private
// inbox. This can be used from server interceptors or handlers to tell
// tunnels apart. It returns false if the request did not arrive over a
// tunnel.
func TunnelAddrFromContext(ctx context.Context) (natstunnel.Addr, bool) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return natstunnel.Addr{}, false
	}
	addr, ok := p.Addr.(natstunnel.Addr)
	return addr, ok
}
