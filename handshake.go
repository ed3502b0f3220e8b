package natstunnel

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// HandshakeFunc processes the payload of an incoming handshake request on
// the listening side. The returned bytes are sent back to the connecting
// side as the handshake response. If it returns an error, the request is
// rejected: no reply is sent, and the connecting side eventually gives up
// waiting.
type HandshakeFunc func(payload []byte) ([]byte, error)

// Connect establishes a tunnel to a peer listening on the given subject. The
// given payload is delivered to the peer's HandshakeFunc, and the bytes that
// function returns are returned here along with the new connection.
//
// Connect waits for the peer's reply until ctx is done; it imposes no timeout
// of its own. If nothing is subscribed to subject, the returned error wraps
// ErrConnectionRefused. All errors are of type *HandshakeError.
func Connect(ctx context.Context, nc *nats.Conn, subject string, payload []byte, opts ...TunnelOption) (*Conn, []byte, error) {
	o := newTunnelOpts(opts)
	logger := o.loggerFor(ctx).With().Str("subject", subject).Logger()
	conn, resp, err := connect(ctx, nc, subject, payload, o, logger)
	o.metrics.handshake(roleConnect, err)
	if err != nil {
		logger.Debug().Err(err).Msg("tunnel handshake failed")
		return nil, nil, err
	}
	return conn, resp, nil
}

func connect(ctx context.Context, nc *nats.Conn, subject string, payload []byte, o *tunnelOpts, logger zerolog.Logger) (*Conn, []byte, error) {
	fail := func(stage HandshakeStage, err error) (*Conn, []byte, error) {
		return nil, nil, &HandshakeError{Op: roleConnect, Stage: stage, Err: err}
	}

	inbox := o.newInbox(nc)
	rx, err := o.subscribe(nc, inbox, "")
	if err != nil {
		return fail(StageSubscribe, err)
	}
	established := false
	defer func() {
		if !established {
			_ = rx.Unsubscribe()
		}
	}()

	if err := nc.PublishRequest(subject, inbox, payload); err != nil {
		return fail(StagePublish, err)
	}
	msg, err := nextMsg(func() (*nats.Msg, error) {
		return rx.NextMsgWithContext(ctx)
	})
	switch {
	case errors.Is(err, ErrConnectionRefused):
		return fail(StageResponse, err)
	case err != nil:
		return fail(StageReceive, err)
	}
	resp, tx, err := classify(msg)
	if err != nil {
		return fail(StageResponse, err)
	}
	if tx == "" {
		return fail(StageReplySubject, ErrNoReplySubject)
	}

	established = true
	conn := newConn(nc, tx, rx, logger, o.metrics)
	conn.logger.Debug().Msg("connected to peer")
	return conn, resp, nil
}

// Accept waits for the next handshake request on sub, which must be a
// synchronous subscription to the subject peers connect to, and establishes
// a tunnel with the peer that sent it.
//
// The request payload is passed to handshake, and its result is sent back to
// the peer. If handshake is nil, an empty response is sent. If handshake
// returns an error, nothing is sent and the error is returned, wrapped in a
// *HandshakeError.
//
// Accept is meant to be called in a loop against one long-lived subscription,
// like accepting from a listening socket. See also Listen.
func Accept(ctx context.Context, nc *nats.Conn, sub *nats.Subscription, handshake HandshakeFunc, opts ...TunnelOption) (*Conn, error) {
	return accept(ctx, nc, sub, handshake, newTunnelOpts(opts))
}

func accept(ctx context.Context, nc *nats.Conn, sub *nats.Subscription, handshake HandshakeFunc, o *tunnelOpts) (*Conn, error) {
	logger := o.loggerFor(ctx).With().Str("subject", sub.Subject).Logger()
	conn, err := doAccept(ctx, nc, sub, handshake, o, logger)
	o.metrics.handshake(roleAccept, err)
	if err != nil {
		logger.Debug().Err(err).Msg("tunnel handshake failed")
		return nil, err
	}
	return conn, nil
}

func doAccept(ctx context.Context, nc *nats.Conn, sub *nats.Subscription, handshake HandshakeFunc, o *tunnelOpts, logger zerolog.Logger) (*Conn, error) {
	fail := func(stage HandshakeStage, err error) (*Conn, error) {
		return nil, &HandshakeError{Op: roleAccept, Stage: stage, Err: err}
	}

	msg, err := nextMsg(func() (*nats.Msg, error) {
		return sub.NextMsgWithContext(ctx)
	})
	switch {
	case errors.Is(err, ErrConnectionRefused):
		return fail(StageResponse, err)
	case err != nil:
		return fail(StageReceive, err)
	}
	payload, tx, err := classify(msg)
	if err != nil {
		return fail(StageResponse, err)
	}
	if tx == "" {
		return fail(StageReplySubject, ErrNoReplySubject)
	}

	var resp []byte
	if handshake != nil {
		resp, err = handshake(payload)
		if err != nil {
			return fail(StageCallback, err)
		}
	}

	inbox := o.newInbox(nc)
	rx, err := o.subscribe(nc, inbox, "")
	if err != nil {
		return fail(StageSubscribe, err)
	}
	if err := nc.PublishRequest(tx, inbox, resp); err != nil {
		_ = rx.Unsubscribe()
		return fail(StagePublish, err)
	}

	conn := newConn(nc, tx, rx, logger, o.metrics)
	conn.logger.Debug().Msg("accepted peer connection")
	return conn, nil
}
