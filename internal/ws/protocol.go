package ws

import (
	"errors"

	"github.com/procrelay/procrelay/internal/event"
)

// ClientProtocolError is a malformed inbound client message. It is reported
// to the originating session as an ERROR event.
type ClientProtocolError = event.ClientProtocolError

// Error codes sent in ERROR events.
const (
	CodeBadJSON      = event.CodeBadJSON
	CodeUnknownType  = event.CodeUnknownType
	CodeBadProcessID = event.CodeBadProcessID
	CodeRateLimited  = event.CodeRateLimited
)

var (
	// ErrSendBufferFull means a session could not keep up and was removed.
	ErrSendBufferFull = errors.New("ws: session send buffer full")
	// ErrHubClosed is returned by Accept after Shutdown.
	ErrHubClosed = errors.New("ws: hub shut down")
	// ErrRateLimited is returned by HandleClientMessage when a session sends
	// faster than its limiter allows.
	ErrRateLimited = &ClientProtocolError{Code: CodeRateLimited, Msg: "too many messages"}
)
