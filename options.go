package natstunnel

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TunnelOption is an option for configuring the behavior of Connect, Accept
// and Listen, and of the connections they produce.
type TunnelOption interface {
	apply(*tunnelOpts)
}

// WithInboxPrefix returns an option that makes private inboxes use the given
// subject prefix instead of the broker client's inbox prefix. This is useful
// when permissions on the broker only allow replies under a particular
// subject hierarchy.
func WithInboxPrefix(prefix string) TunnelOption {
	return tunnelOptFunc(func(opts *tunnelOpts) {
		opts.inboxPrefix = prefix
	})
}

// WithQueueGroup returns an option that makes Listen join the given queue
// group, so that handshake requests are load-balanced across all listeners
// in the group. It has no effect on Connect or Accept.
func WithQueueGroup(group string) TunnelOption {
	return tunnelOptFunc(func(opts *tunnelOpts) {
		opts.queueGroup = group
	})
}

// WithPendingLimits returns an option that sets the broker client's limits
// on messages and bytes buffered for a connection's inbound subscription.
// When a reader falls behind by more than this, the broker client drops
// messages, which corrupts the stream. Zero values leave the broker client's
// defaults in place.
func WithPendingLimits(msgLimit, bytesLimit int) TunnelOption {
	return tunnelOptFunc(func(opts *tunnelOpts) {
		opts.pendingMsgs = msgLimit
		opts.pendingBytes = bytesLimit
	})
}

// WithLogger returns an option that sets the logger used for handshakes and
// connections. By default, the logger attached to the handshake's context is
// used (see zerolog.Ctx).
func WithLogger(logger zerolog.Logger) TunnelOption {
	return tunnelOptFunc(func(opts *tunnelOpts) {
		opts.logger = &logger
	})
}

// WithMetrics returns an option that records handshake and traffic counters
// in the given metrics.
func WithMetrics(m *Metrics) TunnelOption {
	return tunnelOptFunc(func(opts *tunnelOpts) {
		opts.metrics = m
	})
}

type tunnelOpts struct {
	inboxPrefix  string
	queueGroup   string
	pendingMsgs  int
	pendingBytes int
	logger       *zerolog.Logger
	metrics      *Metrics
}

func newTunnelOpts(opts []TunnelOption) *tunnelOpts {
	var o tunnelOpts
	for _, opt := range opts {
		opt.apply(&o)
	}
	return &o
}

func (o *tunnelOpts) newInbox(nc *nats.Conn) string {
	if o.inboxPrefix == "" {
		return nc.NewInbox()
	}
	return o.inboxPrefix + "." + nuid.Next()
}

func (o *tunnelOpts) loggerFor(ctx context.Context) zerolog.Logger {
	if o.logger != nil {
		return *o.logger
	}
	return *log.Ctx(ctx)
}

// subscribe creates a synchronous subscription on subject, joining the given
// queue group if it is not empty.
func (o *tunnelOpts) subscribe(nc *nats.Conn, subject, queue string) (*nats.Subscription, error) {
	var sub *nats.Subscription
	var err error
	if queue != "" {
		sub, err = nc.QueueSubscribeSync(subject, queue)
	} else {
		sub, err = nc.SubscribeSync(subject)
	}
	if err != nil {
		return nil, err
	}
	if o.pendingMsgs != 0 || o.pendingBytes != 0 {
		msgs, bytes, err := sub.PendingLimits()
		if err != nil {
			_ = sub.Unsubscribe()
			return nil, err
		}
		if o.pendingMsgs != 0 {
			msgs = o.pendingMsgs
		}
		if o.pendingBytes != 0 {
			bytes = o.pendingBytes
		}
		if err := sub.SetPendingLimits(msgs, bytes); err != nil {
			_ = sub.Unsubscribe()
			return nil, err
		}
	}
	return sub, nil
}

type tunnelOptFunc func(*tunnelOpts)

func (t tunnelOptFunc) apply(opts *tunnelOpts) {
	t(opts)
}
