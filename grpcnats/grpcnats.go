// Package grpcnats carries gRPC over natstunnel connections. Clients dial a
// subject instead of a host and port, and servers accept connections from a
// natstunnel.Listener.
package grpcnats

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/nats-io/nats.go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/jhump/natstunnel"
)

// DialOption configures how gRPC clients reach a server over NATS.
type DialOption interface {
	apply(*dialOpts)
}

// WithHandshakePayload returns an option that sends the given payload with
// every tunnel handshake. The server's natstunnel.HandshakeFunc sees it, which
// makes it a convenient place for a token or client identity.
func WithHandshakePayload(payload []byte) DialOption {
	return dialOptFunc(func(opts *dialOpts) {
		opts.payload = payload
	})
}

// WithTunnelOptions returns an option that applies the given options to
// every tunnel the client creates.
func WithTunnelOptions(opts ...natstunnel.TunnelOption) DialOption {
	return dialOptFunc(func(o *dialOpts) {
		o.tunnelOpts = append(o.tunnelOpts, opts...)
	})
}

// WithGRPCOptions returns an option that adds the given options when
// BlockingDial creates a client. Transport security defaults to insecure,
// since the broker connection is what gets secured; the given options can
// override it.
func WithGRPCOptions(opts ...grpc.DialOption) DialOption {
	return dialOptFunc(func(o *dialOpts) {
		o.grpcOpts = append(o.grpcOpts, opts...)
	})
}

type dialOpts struct {
	payload    []byte
	tunnelOpts []natstunnel.TunnelOption
	grpcOpts   []grpc.DialOption
}

type dialOptFunc func(*dialOpts)

func (f dialOptFunc) apply(opts *dialOpts) {
	f(opts)
}

func newDialOpts(opts []DialOption) *dialOpts {
	var o dialOpts
	for _, opt := range opts {
		opt.apply(&o)
	}
	return &o
}

// NewDialer returns a dialer for use with grpc.WithContextDialer. The address
// given to the dialer is the subject a natstunnel.Listener is listening on,
// so targets should use the "passthrough" scheme, e.g. "passthrough:///svc.foo".
func NewDialer(nc *nats.Conn, opts ...DialOption) func(context.Context, string) (net.Conn, error) {
	return newDialOpts(opts).dialer(nc)
}

func (o *dialOpts) dialer(nc *nats.Conn) func(context.Context, string) (net.Conn, error) {
	return func(ctx context.Context, subject string) (net.Conn, error) {
		conn, _, err := natstunnel.Connect(ctx, nc, subject, o.payload, o.tunnelOpts...)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// BlockingDial creates a gRPC client for the server listening on subject and
// blocks for it to become ready. If the given context finishes before the
// client becomes ready, it returns the most recent error returned by tunnel
// handshakes. If no such error has been returned, it will return the context
// error.
func BlockingDial(ctx context.Context, nc *nats.Conn, subject string, opts ...DialOption) (*grpc.ClientConn, error) {
	o := newDialOpts(opts)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	dialingDone := make(chan struct{})
	defer close(dialingDone)
	dialErrors := make(chan error, 1)
	dial := o.dialer(nc)

	grpcOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, o.grpcOpts...)
	cc, err := grpc.NewClient("passthrough:///"+subject, append(grpcOpts,
		grpc.WithContextDialer(func(ctx context.Context, subject string) (net.Conn, error) {
			conn, err := dial(ctx, subject)
			if err != nil {
				select {
				case <-dialingDone:
				case dialErrors <- err:
				}
				if !isTemporary(err) {
					cancel()
				}
			}
			return conn, err
		}))...,
	)
	if err != nil {
		return nil, err
	}
	var dialErr error
	var mu sync.Mutex
	go func() {
		for {
			select {
			case <-dialingDone:
				return
			case <-ctx.Done():
				return
			case err := <-dialErrors:
				mu.Lock()
				dialErr = err
				mu.Unlock()
			}
		}
	}()
	cc.Connect()
	for {
		connState := cc.GetState()
		if connState == connectivity.Ready {
			return cc, nil
		}
		if !cc.WaitForStateChange(ctx, connState) {
			_ = cc.Close()
			mu.Lock()
			err := dialErr
			mu.Unlock()
			if err != nil {
				return nil, err
			}
			return nil, ctx.Err()
		}
	}
}

// isTemporary reports whether a failed dial is worth retrying. A missing
// listener may still show up, but a peer that does not speak the handshake
// or a closed broker connection will not get better.
func isTemporary(err error) bool {
	if errors.Is(err, natstunnel.ErrNoReplySubject) || errors.Is(err, nats.ErrConnectionClosed) {
		return false
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) {
		// Timeouts may be resolved upon retry, and are thus treated as
		// temporary.
		return timeout.Timeout()
	}
	return true
}

// Serve serves gRPC requests arriving on lis until ctx is done or the
// server stops. When ctx is done, the server is stopped gracefully and the
// context's error is returned.
func Serve(ctx context.Context, srv *grpc.Server, lis *natstunnel.Listener) error {
	errs := make(chan error, 1)
	go func() {
		errs <- srv.Serve(lis)
	}()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
		srv.GracefulStop()
		<-errs
		return ctx.Err()
	}
}
