package natstunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Listener accepts tunnels on a well-known subject. It implements
// [net.Listener], so it can be handed to servers that accept connections,
// such as a *grpc.Server or an *http.Server.
//
// See Listen.
type Listener struct {
	nc        *nats.Conn
	sub       *nats.Subscription
	handshake HandshakeFunc
	opts      *tunnelOpts
	logger    zerolog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ net.Listener = (*Listener)(nil)

// Listen subscribes to subject and returns a Listener that accepts tunnels
// from peers that Connect to it. Every handshake request is processed with
// the given handshake function (see Accept).
//
// If the WithQueueGroup option is used, the subscription joins that queue
// group so that several listeners can share the load of one subject.
func Listen(nc *nats.Conn, subject string, handshake HandshakeFunc, opts ...TunnelOption) (*Listener, error) {
	o := newTunnelOpts(opts)
	sub, err := o.subscribe(nc, subject, o.queueGroup)
	if err != nil {
		return nil, fmt.Errorf("natstunnel: failed to subscribe on topic %q: %w", subject, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		nc:        nc,
		sub:       sub,
		handshake: handshake,
		opts:      o,
		logger:    o.loggerFor(ctx).With().Str("subject", subject).Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}
	return l, nil
}

// AcceptConn waits for and establishes the next tunnel. Unlike Accept, it
// returns any handshake failure to the caller, and it stops waiting when ctx
// is done.
func (l *Listener) AcceptConn(ctx context.Context) (*Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.ctx, cancel)
	defer stop()

	conn, err := accept(ctx, l.nc, l.sub, l.handshake, l.opts)
	if err != nil {
		if l.ctx.Err() != nil {
			return nil, l.closedError()
		}
		return nil, err
	}
	return conn, nil
}

// Accept waits for and returns the next tunnel. Handshake requests that fail
// (for example, because the handshake function rejected them) are logged and
// skipped, as are requests the broker client dropped because the listener
// fell behind. It returns an error only when the listener is closed or its
// subscription stops working.
func (l *Listener) Accept() (net.Conn, error) {
	for {
		conn, err := l.AcceptConn(context.Background())
		if err == nil {
			return conn, nil
		}
		if l.ctx.Err() != nil || l.nc.IsClosed() {
			return nil, err
		}
		var hsErr *HandshakeError
		if errors.As(err, &hsErr) && hsErr.Stage == StageReceive && !errors.Is(err, nats.ErrSlowConsumer) {
			return nil, err
		}
		l.logger.Warn().Err(err).Msg("skipping failed tunnel handshake")
	}
}

// Close stops accepting tunnels and releases the listening subscription.
// Tunnels already accepted are not affected.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.cancel()
		err = l.sub.Unsubscribe()
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			err = nil
		}
	})
	return err
}

// Addr returns the subject the listener accepts tunnels on.
func (l *Listener) Addr() net.Addr {
	return Addr{Subject: l.sub.Subject}
}

func (l *Listener) closedError() error {
	return &net.OpError{Op: "accept", Net: "nats", Addr: l.Addr(), Err: net.ErrClosed}
}
