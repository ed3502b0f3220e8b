package natstunnel

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhump/natstunnel/internal/logging"
	"github.com/jhump/natstunnel/internal/natstest"
)

const testTimeout = 5 * time.Second

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)
	return ctx
}

// tunnelPair establishes a tunnel from clientNC to serverNC and returns the
// connecting and the accepting end.
func tunnelPair(t *testing.T, clientNC, serverNC *nats.Conn, opts ...TunnelOption) (*Conn, *Conn) {
	t.Helper()
	subject := "test." + nuid.Next()
	l, err := Listen(serverNC, subject, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = l.Close()
	})
	// make sure the server has the subscription before the other client
	// publishes to it
	require.NoError(t, serverNC.Flush())

	type result struct {
		conn *Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := l.AcceptConn(testContext(t))
		accepted <- result{conn, err}
	}()

	client, _, err := Connect(testContext(t), clientNC, subject, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})

	res := <-accepted
	require.NoError(t, res.err)
	t.Cleanup(func() {
		_ = res.conn.Close()
	})
	return client, res.conn
}

func TestEndToEnd(t *testing.T) {
	logging.ConfigureTestLogging(t)
	sm := natstest.RunServer(t)
	clientNC := natstest.Connect(t, sm)
	serverNC := natstest.Connect(t, sm)

	sub, err := serverNC.SubscribeSync("svc.echo")
	require.NoError(t, err)
	require.NoError(t, serverNC.Flush())

	var request []byte
	accepted := make(chan *Conn, 1)
	go func() {
		conn, err := Accept(testContext(t), serverNC, sub, func(payload []byte) ([]byte, error) {
			request = payload
			return []byte{}, nil
		})
		if err != nil {
			t.Errorf("accept failed: %v", err)
		}
		accepted <- conn
	}()

	client, resp, err := Connect(testContext(t), clientNC, "svc.echo", []byte("hello"))
	require.NoError(t, err)
	defer client.Close()
	assert.Empty(t, resp)

	server := <-accepted
	require.NotNil(t, server)
	assert.Equal(t, "hello", string(request))

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 16)
	n, err := server.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	_, err = server.Write([]byte("pong"))
	require.NoError(t, err)
	n, err = client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))

	require.NoError(t, server.Close())
	require.NoError(t, client.SetReadDeadline(time.Now().Add(testTimeout)))
	n, err = client.Read(buf)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
	// end of stream sticks
	_, err = client.Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestConnectRefused(t *testing.T) {
	sm := natstest.RunServer(t)
	nc := natstest.Connect(t, sm)

	_, _, err := Connect(testContext(t), nc, "nobody.home", []byte("hello"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionRefused)
	var hsErr *HandshakeError
	require.True(t, errors.As(err, &hsErr))
	assert.Equal(t, StageResponse, hsErr.Stage)
	assert.Equal(t, "connect", hsErr.Op)
}

func TestConnectCanceled(t *testing.T) {
	sm := natstest.RunServer(t)
	nc := natstest.Connect(t, sm)

	// a subscriber that never answers
	_, err := nc.SubscribeSync("svc.silent")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err = Connect(ctx, nc, "svc.silent", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	var hsErr *HandshakeError
	require.True(t, errors.As(err, &hsErr))
	assert.Equal(t, StageReceive, hsErr.Stage)
}

func TestConnectPeerWithoutReplySubject(t *testing.T) {
	sm := natstest.RunServer(t)
	nc := natstest.Connect(t, sm)

	_, err := nc.Subscribe("svc.broken", func(msg *nats.Msg) {
		// answers, but gives no subject to send stream data to
		_ = nc.Publish(msg.Reply, []byte("welcome"))
	})
	require.NoError(t, err)

	_, _, err = Connect(testContext(t), nc, "svc.broken", nil)
	assert.ErrorIs(t, err, ErrNoReplySubject)
}

func TestAcceptCallbackFailure(t *testing.T) {
	sm := natstest.RunServer(t)
	clientNC := natstest.Connect(t, sm)
	serverNC := natstest.Connect(t, sm)

	sub, err := serverNC.SubscribeSync("svc.picky")
	require.NoError(t, err)
	require.NoError(t, serverNC.Flush())

	// act as the connecting side by hand, to observe every reply
	inbox := clientNC.NewInbox()
	replies, err := clientNC.SubscribeSync(inbox)
	require.NoError(t, err)
	require.NoError(t, clientNC.PublishRequest("svc.picky", inbox, []byte("let me in")))

	errRejected := errors.New("rejected")
	var called bool
	_, err = Accept(testContext(t), serverNC, sub, func(payload []byte) ([]byte, error) {
		called = true
		assert.Equal(t, "let me in", string(payload))
		return nil, errRejected
	})
	require.True(t, called)
	assert.ErrorIs(t, err, errRejected)
	var hsErr *HandshakeError
	require.True(t, errors.As(err, &hsErr))
	assert.Equal(t, StageCallback, hsErr.Stage)
	assert.Equal(t, "accept", hsErr.Op)

	require.NoError(t, serverNC.Flush())
	_, err = replies.NextMsg(250 * time.Millisecond)
	assert.ErrorIs(t, err, nats.ErrTimeout, "no reply must be published for a rejected handshake")
}

func TestAcceptRequestWithoutReplySubject(t *testing.T) {
	sm := natstest.RunServer(t)
	nc := natstest.Connect(t, sm)

	sub, err := nc.SubscribeSync("svc.strict")
	require.NoError(t, err)
	require.NoError(t, nc.Publish("svc.strict", []byte("hello")))

	var called bool
	_, err = Accept(testContext(t), nc, sub, func(payload []byte) ([]byte, error) {
		called = true
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrNoReplySubject)
	assert.False(t, called)
}

func TestAcceptNoRespondersStatus(t *testing.T) {
	sm := natstest.RunServer(t)
	nc := natstest.Connect(t, sm)

	sub, err := nc.SubscribeSync("svc.status")
	require.NoError(t, err)
	msg := nats.NewMsg("svc.status")
	msg.Reply = nc.NewRespInbox()
	msg.Header.Set(statusHeader, "503")
	require.NoError(t, nc.PublishMsg(msg))

	_, err = Accept(testContext(t), nc, sub, nil)
	assert.ErrorIs(t, err, ErrConnectionRefused)
	var hsErr *HandshakeError
	require.True(t, errors.As(err, &hsErr))
	assert.Equal(t, StageResponse, hsErr.Stage)

	// the subscription is still good for the next request
	require.NoError(t, nc.PublishRequest("svc.status", nc.NewRespInbox(), []byte("hi")))
	conn, err := Accept(testContext(t), nc, sub, nil)
	require.NoError(t, err)
	assert.NoError(t, conn.Close())
}

func TestAcceptClosedSubscription(t *testing.T) {
	sm := natstest.RunServer(t)
	nc := natstest.Connect(t, sm)

	sub, err := nc.SubscribeSync("svc.gone")
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	_, err = Accept(testContext(t), nc, sub, nil)
	assert.ErrorIs(t, err, nats.ErrBadSubscription)
	var hsErr *HandshakeError
	require.True(t, errors.As(err, &hsErr))
	assert.Equal(t, StageReceive, hsErr.Stage)
}

func TestHandshakeResponsePayload(t *testing.T) {
	sm := natstest.RunServer(t)
	nc := natstest.Connect(t, sm)

	l, err := Listen(nc, "svc.greeter", func(payload []byte) ([]byte, error) {
		return append([]byte("hello, "), payload...), nil
	})
	require.NoError(t, err)
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err == nil {
			_ = conn.Close()
		}
	}()

	conn, resp, err := Connect(testContext(t), nc, "svc.greeter", []byte("world"))
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "hello, world", string(resp))
}

func TestTwoHandshakesAreIndependent(t *testing.T) {
	sm := natstest.RunServer(t)
	clientNC := natstest.Connect(t, sm)
	serverNC := natstest.Connect(t, sm)

	l, err := Listen(serverNC, "svc.multi", nil)
	require.NoError(t, err)
	defer l.Close()
	require.NoError(t, serverNC.Flush())

	servers := make(chan *Conn, 2)
	go func() {
		for i := 0; i < 2; i++ {
			conn, err := l.AcceptConn(testContext(t))
			if err != nil {
				t.Errorf("accept failed: %v", err)
				return
			}
			servers <- conn
		}
	}()

	c1, _, err := Connect(testContext(t), clientNC, "svc.multi", nil)
	require.NoError(t, err)
	defer c1.Close()
	s1 := <-servers
	defer s1.Close()
	c2, _, err := Connect(testContext(t), clientNC, "svc.multi", nil)
	require.NoError(t, err)
	defer c2.Close()
	s2 := <-servers
	defer s2.Close()

	inboxes := map[string]bool{
		c1.LocalAddr().String(): true,
		c2.LocalAddr().String(): true,
		s1.LocalAddr().String(): true,
		s2.LocalAddr().String(): true,
	}
	assert.Len(t, inboxes, 4, "every end must have its own inbox")
	assert.Equal(t, c1.LocalAddr(), s1.RemoteAddr())
	assert.Equal(t, s1.LocalAddr(), c1.RemoteAddr())
	assert.Equal(t, c2.LocalAddr(), s2.RemoteAddr())
	assert.Equal(t, s2.LocalAddr(), c2.RemoteAddr())

	_, err = c1.Write([]byte("aaaaaaaa"))
	require.NoError(t, err)
	_, err = c2.Write([]byte("bbbbbbbb"))
	require.NoError(t, err)

	// leave a remainder buffered on both streams
	buf := make([]byte, 3)
	n, err := s1.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "aaa", string(buf[:n]))
	n, err = s2.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "bbb", string(buf[:n]))

	rest := make([]byte, 16)
	n, err = s1.Read(rest)
	require.NoError(t, err)
	assert.Equal(t, "aaaaa", string(rest[:n]))
	n, err = s2.Read(rest)
	require.NoError(t, err)
	assert.Equal(t, "bbbbb", string(rest[:n]))
}

func TestInboxPrefix(t *testing.T) {
	sm := natstest.RunServer(t)
	nc := natstest.Connect(t, sm)

	client, server := tunnelPair(t, nc, nc, WithInboxPrefix("_TUNNEL.test"))
	assert.Regexp(t, `^_TUNNEL\.test\.\w+$`, client.LocalAddr().String())
	assert.Regexp(t, `^_TUNNEL\.test\.\w+$`, server.LocalAddr().String())
}

func TestHandshakeMetrics(t *testing.T) {
	sm := natstest.RunServer(t)
	nc := natstest.Connect(t, sm)

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	client, server := tunnelPair(t, nc, nc, WithMetrics(m))
	_, _, err := Connect(testContext(t), nc, "nobody.home", nil, WithMetrics(m))
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.handshakes.WithLabelValues("connect", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handshakes.WithLabelValues("connect", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handshakes.WithLabelValues("accept", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.openConns))

	_, err = client.Write([]byte("12345"))
	require.NoError(t, err)
	buf := make([]byte, 2)
	_, err = io.ReadFull(server, buf)
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.msgsWritten))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.bytesWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.msgsRead))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.bytesRead))

	require.NoError(t, client.Close())
	require.NoError(t, server.Close())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.openConns))
	count, err := testutil.GatherAndCount(reg, "natstunnel_handshakes_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}
