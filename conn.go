package natstunnel

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// tryReadWait is how long TryRead lets the broker client look for a queued
// message. NextMsg has no non-blocking form, so this is kept tiny.
const tryReadWait = time.Microsecond

var errNoMaxPayload = errors.New("natstunnel: broker did not advertise a maximum payload")

// Addr is the address of one end of a tunnel: the subject that end receives
// messages on.
type Addr struct {
	Subject string
}

// Network returns "nats".
func (a Addr) Network() string { return "nats" }

func (a Addr) String() string { return a.Subject }

// Conn is one end of an established tunnel. It publishes written bytes to
// the peer's private inbox and reads bytes from its own.
//
// A Conn is created by Connect, Accept or a Listener. It supports one
// concurrent reader and one concurrent writer; concurrent calls to Read are
// serialized, as are concurrent calls to Write.
type Conn struct {
	nc      *nats.Conn
	tx      string
	sub     *nats.Subscription
	logger  zerolog.Logger
	metrics *Metrics

	// done when Close is called
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// guards rxBuf and rxEOF
	readMu sync.Mutex
	// undelivered rest of the last message received
	rxBuf []byte
	rxEOF bool

	// does not protect any fields, just keeps the chunks of a single Write
	// contiguous on the wire
	writeMu sync.Mutex

	readDeadline, writeDeadline deadline
}

var _ net.Conn = (*Conn)(nil)

func newConn(nc *nats.Conn, tx string, sub *nats.Subscription, logger zerolog.Logger, metrics *Metrics) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		nc:      nc,
		tx:      tx,
		sub:     sub,
		logger:  logger.With().Str("inbox", sub.Subject).Str("peer", tx).Logger(),
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// readState is the outcome of a single attempt to read from a Conn.
type readState int

const (
	// nothing buffered and no message has arrived yet
	readPending readState = iota
	// bytes were copied, or an error occurred
	readReady
	// the subscription is gone or the peer sent the end-of-stream marker
	readEOF
)

// pollRead makes one attempt to fill p. It serves buffered bytes first and
// otherwise asks next for the following message. next reports "nothing yet"
// by returning nats.ErrTimeout.
//
// The read lock must be held.
func (c *Conn) pollRead(p []byte, next func() (*nats.Msg, error)) (int, readState, error) {
	if len(c.rxBuf) > 0 {
		n := copy(p, c.rxBuf)
		c.rxBuf = c.rxBuf[n:]
		if len(c.rxBuf) == 0 {
			c.rxBuf = nil
		}
		c.metrics.read(0, n)
		return n, readReady, nil
	}
	if c.rxEOF {
		return 0, readEOF, nil
	}

	msg, err := nextMsg(next)
	switch {
	case err == nil:
	case errors.Is(err, nats.ErrTimeout):
		return 0, readPending, nil
	case errors.Is(err, nats.ErrBadSubscription), errors.Is(err, nats.ErrConnectionClosed):
		return 0, readEOF, nil
	default:
		return 0, readReady, err
	}

	// reply subjects on data messages carry no meaning
	payload, _, err := classify(msg)
	if err != nil {
		return 0, readReady, err
	}
	if len(payload) == 0 {
		c.metrics.read(1, 0)
		return 0, readEOF, nil
	}
	n := copy(p, payload)
	if n < len(payload) {
		c.rxBuf = payload[n:]
	}
	c.metrics.read(1, n)
	return n, readReady, nil
}

// finishRead converts the outcome of pollRead into io.Reader results.
//
// The read lock must be held.
func (c *Conn) finishRead(n int, state readState, err error) (int, error) {
	switch {
	case err != nil:
		return 0, c.opError("read", err)
	case state == readEOF:
		c.rxEOF = true
		return 0, io.EOF
	case state == readPending:
		return 0, ErrNotReady
	default:
		return n, nil
	}
}

// Read reads up to len(p) bytes from the tunnel. It blocks until at least one
// byte is available, the stream ends, the read deadline passes or the
// connection is closed.
//
// Read returns io.EOF once the peer has closed its end or the inbound
// subscription has gone away (for example, because the broker connection was
// closed). If the inbound message is larger than p, the rest is kept and
// returned by subsequent reads.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.ctx.Err() != nil {
			return 0, c.opError("read", net.ErrClosed)
		}
		if c.readDeadline.exceeded() {
			return 0, c.opError("read", os.ErrDeadlineExceeded)
		}

		ctx, release := c.readDeadline.wait(c.ctx)
		n, state, err := c.pollRead(p, func() (*nats.Msg, error) {
			return c.sub.NextMsgWithContext(ctx)
		})
		cause := context.Cause(ctx)
		release()

		if n == 0 && c.ctx.Err() != nil {
			// Close unsubscribed us while we were waiting
			return 0, c.opError("read", net.ErrClosed)
		}
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			switch {
			case c.ctx.Err() != nil:
				return 0, c.opError("read", net.ErrClosed)
			case errors.Is(cause, errDeadlineChanged):
				continue
			case errors.Is(err, context.DeadlineExceeded):
				return 0, c.opError("read", os.ErrDeadlineExceeded)
			}
		}
		return c.finishRead(n, state, err)
	}
}

// TryRead is like Read but never waits for a message to arrive. If nothing is
// available yet, it returns ErrNotReady and the caller should try again later.
// It also returns ErrNotReady if another goroutine is in the middle of a
// Read.
func (c *Conn) TryRead(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if !c.readMu.TryLock() {
		return 0, ErrNotReady
	}
	defer c.readMu.Unlock()

	if c.ctx.Err() != nil {
		return 0, c.opError("read", net.ErrClosed)
	}
	return c.finishRead(c.pollRead(p, func() (*nats.Msg, error) {
		return c.sub.NextMsg(tryReadWait)
	}))
}

// WriteChunk publishes a single message to the peer carrying as much of p
// as the broker's current maximum payload allows, and returns the number of
// bytes published. Unlike Write, it returns a short count without an error
// when p is larger than the maximum payload. The maximum is queried on every
// call since the broker may change it.
//
// An empty p publishes nothing.
func (c *Conn) WriteChunk(p []byte) (int, error) {
	if c.ctx.Err() != nil {
		return 0, c.opError("write", net.ErrClosed)
	}
	if c.writeDeadline.exceeded() {
		return 0, c.opError("write", os.ErrDeadlineExceeded)
	}
	if len(p) == 0 {
		return 0, nil
	}
	maxPayload := c.nc.MaxPayload()
	if maxPayload <= 0 {
		return 0, c.opError("write", errNoMaxPayload)
	}
	n := len(p)
	if int64(n) > maxPayload {
		n = int(maxPayload)
	}
	if err := c.nc.Publish(c.tx, p[:n]); err != nil {
		return 0, c.opError("write", err)
	}
	c.metrics.wrote(n)
	return n, nil
}

// Write publishes all of p to the peer, split into as many messages as the
// broker's maximum payload requires. Publishing does not wait for the peer
// to receive the data.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var written, chunks int
	for written < len(p) {
		n, err := c.WriteChunk(p[written:])
		written += n
		if n > 0 {
			chunks++
		}
		if err != nil {
			return written, err
		}
	}
	if chunks > 1 {
		c.metrics.split()
	}
	return written, nil
}

// Flush is a no-op. Published messages are handed to the broker client,
// which flushes them on its own.
func (c *Conn) Flush() error {
	return nil
}

// Close releases the connection's inbound subscription and tells the peer
// that the stream has ended, by publishing an empty message to it. Pending
// and future reads and writes fail with net.ErrClosed.
//
// No acknowledgement is awaited, and bytes already published remain
// deliverable to the peer.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()

		c.writeMu.Lock()
		pubErr := c.nc.Publish(c.tx, nil)
		c.writeMu.Unlock()
		if pubErr != nil && !errors.Is(pubErr, nats.ErrConnectionClosed) {
			c.logger.Debug().Err(pubErr).Msg("failed to send end of stream to peer")
		}

		err = c.sub.Unsubscribe()
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			err = nil
		}
		c.metrics.closed()
		c.logger.Debug().Msg("tunnel connection closed")
	})
	return err
}

// LocalAddr returns the private inbox this end reads from.
func (c *Conn) LocalAddr() net.Addr {
	return Addr{Subject: c.sub.Subject}
}

// RemoteAddr returns the peer's private inbox, which this end writes to.
func (c *Conn) RemoteAddr() net.Addr {
	return Addr{Subject: c.tx}
}

func (c *Conn) SetDeadline(t time.Time) error {
	c.readDeadline.set(t)
	c.writeDeadline.set(t)
	return nil
}

// SetReadDeadline sets the deadline for pending and future Read calls.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.readDeadline.set(t)
	return nil
}

// SetWriteDeadline sets the deadline for future Write calls. Publishing does
// not block on the peer, so a write in progress is not interrupted.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.set(t)
	return nil
}

func (c *Conn) opError(op string, err error) error {
	return &net.OpError{
		Op:     op,
		Net:    "nats",
		Source: c.LocalAddr(),
		Addr:   c.RemoteAddr(),
		Err:    err,
	}
}

var errDeadlineChanged = errors.New("deadline changed")

// deadline is a read or write deadline. Changing it wakes a waiter, which is
// expected to start over with the new value.
type deadline struct {
	mu   sync.Mutex
	t    time.Time
	gen  uint64
	wake context.CancelCauseFunc
}

func (d *deadline) set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.t = t
	if d.wake != nil {
		d.wake(errDeadlineChanged)
		d.wake = nil
	}
}

func (d *deadline) exceeded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.t.IsZero() && !time.Now().Before(d.t)
}

// wait returns a context that is done when parent is done, when the
// deadline passes or when the deadline is changed. The returned func must be
// called once the wait is over.
func (d *deadline) wait(parent context.Context) (context.Context, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, wake := context.WithCancelCause(parent)
	d.gen++
	gen := d.gen
	d.wake = wake
	release := func() {
		d.mu.Lock()
		if d.gen == gen {
			d.wake = nil
		}
		d.mu.Unlock()
		wake(nil)
	}
	if d.t.IsZero() {
		return ctx, release
	}
	ctx, stop := context.WithDeadline(ctx, d.t)
	return ctx, func() {
		stop()
		release()
	}
}
