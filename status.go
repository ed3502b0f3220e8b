package natstunnel

import (
	"errors"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"
)

// StatusCode is the status a NATS server attaches to a message in place of,
// or alongside, a payload.
type StatusCode int

const (
	StatusIdleHeartbeat     StatusCode = 100
	StatusOK                StatusCode = 200
	StatusNotFound          StatusCode = 404
	StatusTimeout           StatusCode = 408
	StatusRequestTerminated StatusCode = 409
	StatusNoResponders      StatusCode = 503
)

// nats.go decodes the status line of a header message into these headers.
const (
	statusHeader      = "Status"
	descriptionHeader = "Description"
)

// messageStatus returns the status carried by msg, if any.
func messageStatus(msg *nats.Msg) (code StatusCode, description string, ok bool) {
	if msg.Header == nil {
		return 0, "", false
	}
	raw := strings.TrimSpace(msg.Header.Get(statusHeader))
	if raw == "" {
		return 0, "", false
	}
	description = msg.Header.Get(descriptionHeader)
	n, err := strconv.Atoi(raw)
	if err != nil {
		if description == "" {
			description = "unparsable status " + strconv.Quote(raw)
		} else {
			description = "unparsable status " + strconv.Quote(raw) + ": " + description
		}
		return 0, description, true
	}
	return StatusCode(n), description, true
}

// classify turns a received message into its payload and reply subject, or
// into an error if the broker attached a failure status. It is used for both
// handshake and data messages.
func classify(msg *nats.Msg) ([]byte, string, error) {
	code, description, ok := messageStatus(msg)
	if !ok {
		return msg.Data, msg.Reply, nil
	}
	switch code {
	case StatusOK:
		return msg.Data, msg.Reply, nil
	case StatusNoResponders:
		return nil, "", ErrConnectionRefused
	case StatusTimeout:
		return nil, "", ErrTimedOut
	case StatusRequestTerminated:
		return nil, "", ErrRemoteTerminated
	default:
		return nil, "", &StatusError{Code: code, Description: description}
	}
}

// nextMsg receives a message with next. A subscription consumes a
// no-responders status that has no body itself and reports it as
// nats.ErrNoResponders instead of delivering it, so that case never reaches
// classify and is mapped here.
func nextMsg(next func() (*nats.Msg, error)) (*nats.Msg, error) {
	msg, err := next()
	if errors.Is(err, nats.ErrNoResponders) {
		return nil, ErrConnectionRefused
	}
	return msg, err
}
