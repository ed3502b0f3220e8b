package natstunnel

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrConnectionRefused is returned when a message is published to a
	// subject that has no subscribers. During Connect, it means nothing is
	// listening on the target subject.
	ErrConnectionRefused = errors.New("natstunnel: connection refused: no responders")
	// ErrRemoteTerminated is returned when the broker reports that the peer
	// terminated the request. It wraps io.ErrUnexpectedEOF.
	ErrRemoteTerminated error = remoteTerminatedError{}
	// ErrTimedOut is returned when the broker reports a timeout. It
	// implements net.Error and reports itself as a timeout.
	ErrTimedOut error = timeoutError{}
	// ErrNoReplySubject is returned when a handshake message does not carry
	// a reply subject, so there is nowhere to send stream data.
	ErrNoReplySubject = errors.New("natstunnel: peer did not specify reply subject")
	// ErrNotReady is returned by TryRead when no data is available yet.
	ErrNotReady = errors.New("natstunnel: no data ready")
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "natstunnel: timed out" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type remoteTerminatedError struct{}

func (remoteTerminatedError) Error() string { return "natstunnel: request terminated by remote" }
func (remoteTerminatedError) Unwrap() error { return io.ErrUnexpectedEOF }

// StatusError is returned when the broker delivers a message carrying a
// status code that has no more specific error value.
type StatusError struct {
	Code        StatusCode
	Description string
}

func (e *StatusError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("natstunnel: received a response with code %d (%s)", e.Code, e.Description)
	}
	return fmt.Sprintf("natstunnel: received a response with code %d", e.Code)
}

// HandshakeStage identifies the step of a handshake that failed.
type HandshakeStage int

const (
	// StageSubscribe means subscribing to the private inbox failed.
	StageSubscribe HandshakeStage = iota + 1
	// StagePublish means publishing the handshake request or reply failed.
	StagePublish
	// StageReceive means no handshake message could be received.
	StageReceive
	// StageResponse means the received handshake message carried an error
	// status.
	StageResponse
	// StageReplySubject means the received handshake message had no reply
	// subject.
	StageReplySubject
	// StageCallback means the application's HandshakeFunc rejected the
	// request.
	StageCallback
)

func (s HandshakeStage) String() string {
	switch s {
	case StageSubscribe:
		return "subscribe to inbox"
	case StagePublish:
		return "publish to peer"
	case StageReceive:
		return "receive handshake message"
	case StageResponse:
		return "process handshake message"
	case StageReplySubject:
		return "read reply subject"
	case StageCallback:
		return "process handshake data"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// HandshakeError is returned by Connect and Accept. Err holds the underlying
// cause, so errors.Is(err, ErrConnectionRefused) and similar checks see
// through it.
type HandshakeError struct {
	// Op is "connect" or "accept".
	Op    string
	Stage HandshakeStage
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("natstunnel: %s: failed to %s: %v", e.Op, e.Stage, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}
