package protocol

import (
	"bytes"
	"strings"
)

const (
	AckStored = "ACK: Payload stored"
	ErrPrefix = "ERR:"

	MsgBadRequest      = "Failed to process request"
	MsgAuthFailed      = "Authentication failed"
	MsgTooManyRequests = "too many requests"
)

// ErrorResponse builds the "ERR: <msg>" reply.
func ErrorResponse(msg string) []byte {
	return []byte(ErrPrefix + " " + msg)
}

// ServerError is an "ERR:" reply surfaced on the client side.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string { return "server error: " + e.Message }

// ParseResponse returns the body of a successful reply, or a *ServerError
// when the server answered with an error line. An empty body means the
// requested record does not exist.
func ParseResponse(b []byte) ([]byte, error) {
	if bytes.HasPrefix(b, []byte(ErrPrefix)) {
		return nil, &ServerError{Message: strings.TrimSpace(string(b[len(ErrPrefix):]))}
	}
	return b, nil
}
