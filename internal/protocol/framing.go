package protocol

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

const (
	FramingRaw            = "raw"
	FramingLengthPrefixed = "length-prefixed"

	DefaultMaxRequestBytes = 8192
	DefaultMaxAckBytes     = 1024
)

// Framing delimits messages on a stream. Each connection carries exactly one
// request followed by one response.
type Framing interface {
	Name() string
	WriteMessage(w io.Writer, msg []byte) error
	// ReadRequest reads the client's message. The client keeps the
	// connection open while it waits for the reply.
	ReadRequest(r io.Reader, max int) ([]byte, error)
	// ReadResponse reads the server's reply. The server closes the
	// connection after writing it.
	ReadResponse(r io.Reader, max int) ([]byte, error)
}

func ParseFraming(name string) (Framing, error) {
	switch name {
	case FramingRaw:
		return RawFraming{}, nil
	case FramingLengthPrefixed, "":
		return LengthPrefixed{}, nil
	}
	return nil, errors.Errorf("unknown framing %q", name)
}

// RawFraming writes bare bytes. A request is whatever a single read returns,
// so a request split across TCP segments is seen truncated and fails to
// parse. Kept for wire compatibility with clients that send unframed JSON.
type RawFraming struct{}

func (RawFraming) Name() string { return FramingRaw }

func (RawFraming) WriteMessage(w io.Writer, msg []byte) error {
	_, err := w.Write(msg)
	return errors.Wrap(err, "write message")
}

func (RawFraming) ReadRequest(r io.Reader, max int) ([]byte, error) {
	buf := make([]byte, max+1)
	n, err := r.Read(buf)
	if n == 0 {
		if err == nil {
			err = io.ErrNoProgress
		}
		return nil, err
	}
	if n > max {
		return nil, ErrTooLarge
	}
	return buf[:n], nil
}

func (RawFraming) ReadResponse(r io.Reader, max int) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, int64(max)+1))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if len(b) > max {
		return nil, ErrTooLarge
	}
	return b, nil
}

// LengthPrefixed precedes each message with its length as a 4-byte
// big-endian unsigned integer.
type LengthPrefixed struct{}

func (LengthPrefixed) Name() string { return FramingLengthPrefixed }

func (LengthPrefixed) WriteMessage(w io.Writer, msg []byte) error {
	if uint64(len(msg)) > math.MaxUint32 {
		return ErrTooLarge
	}
	frame := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(frame, uint32(len(msg)))
	copy(frame[4:], msg)
	_, err := w.Write(frame)
	return errors.Wrap(err, "write message")
}

func (f LengthPrefixed) ReadRequest(r io.Reader, max int) ([]byte, error) {
	return f.read(r, max)
}

func (f LengthPrefixed) ReadResponse(r io.Reader, max int) ([]byte, error) {
	return f.read(r, max)
}

func (LengthPrefixed) read(r io.Reader, max int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if uint64(n) > uint64(max) {
		return nil, ErrTooLarge
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, errors.Wrap(ErrMalformed, "truncated frame")
	}
	return msg, nil
}
