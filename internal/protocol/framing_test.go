package protocol

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFraming(t *testing.T) {
	f, err := ParseFraming("raw")
	require.NoError(t, err)
	assert.Equal(t, FramingRaw, f.Name())

	f, err = ParseFraming("")
	require.NoError(t, err)
	assert.Equal(t, FramingLengthPrefixed, f.Name())

	_, err = ParseFraming("websocket")
	assert.Error(t, err)
}

func TestLengthPrefixedRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f := LengthPrefixed{}
	require.NoError(t, f.WriteMessage(&buf, []byte("hello")))
	assert.Equal(t, []byte{0, 0, 0, 5}, buf.Bytes()[:4])

	got, err := f.ReadRequest(&buf, 16)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestLengthPrefixedEmptyMessage(t *testing.T) {
	var buf bytes.Buffer
	f := LengthPrefixed{}
	require.NoError(t, f.WriteMessage(&buf, nil))
	got, err := f.ReadResponse(&buf, 16)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLengthPrefixedBounds(t *testing.T) {
	f := LengthPrefixed{}

	var buf bytes.Buffer
	require.NoError(t, f.WriteMessage(&buf, bytes.Repeat([]byte("x"), 17)))
	_, err := f.ReadRequest(&buf, 16)
	assert.Equal(t, ErrTooLarge, err)

	_, err = f.ReadRequest(bytes.NewReader([]byte{0, 0, 0, 9, 'a', 'b'}), 16)
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = f.ReadRequest(bytes.NewReader(nil), 16)
	assert.Equal(t, io.EOF, err)
}

func TestRawReadRequestSingleRead(t *testing.T) {
	f := RawFraming{}
	got, err := f.ReadRequest(strings.NewReader("exactly16bytes!!"), 16)
	require.NoError(t, err)
	assert.Len(t, got, 16)

	_, err = f.ReadRequest(strings.NewReader("seventeen bytes!!"), 16)
	assert.Equal(t, ErrTooLarge, err)

	_, err = f.ReadRequest(strings.NewReader(""), 16)
	assert.Equal(t, io.EOF, err)

	// Only the first chunk is consumed.
	r := io.MultiReader(strings.NewReader("part1"), strings.NewReader("part2"))
	got, err = f.ReadRequest(r, 16)
	require.NoError(t, err)
	assert.Equal(t, "part1", string(got))
}

func TestRawReadResponseUntilEOF(t *testing.T) {
	f := RawFraming{}
	r := io.MultiReader(strings.NewReader("ACK: "), strings.NewReader("Payload stored"))
	got, err := f.ReadResponse(r, DefaultMaxAckBytes)
	require.NoError(t, err)
	assert.Equal(t, AckStored, string(got))

	_, err = f.ReadResponse(strings.NewReader(strings.Repeat("x", 11)), 10)
	assert.Equal(t, ErrTooLarge, err)
}
