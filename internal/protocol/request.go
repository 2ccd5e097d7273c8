// Package protocol defines the JSON messages exchanged between vault clients
// and the server, and how they are framed on a TCP connection.
package protocol

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

const (
	CommandStore    = "STORE_SECRET"
	CommandRetrieve = "REQUEST_SECRET"

	// TimestampLayout formats Payload.Timestamp as YYYYMMDD-HHMMSS.
	TimestampLayout = "20060102-150405"
)

var (
	ErrMalformed = errors.New("protocol: malformed request")
	ErrTooLarge  = errors.New("protocol: message too large")
)

type Kind int

const (
	KindStore Kind = iota
	KindRetrieve
)

func (k Kind) String() string {
	if k == KindRetrieve {
		return "retrieve"
	}
	return "store"
}

// Payload is the record a client asks the server to persist. Password holds
// envelope ciphertext and is opaque to the server.
type Payload struct {
	AppUsername string `json:"app_username"`
	Password    string `json:"password"`
	Timestamp   string `json:"timestamp"`
}

// Request is either a store or a retrieve message. Command may be absent on
// store requests sent by older clients.
type Request struct {
	Command      string   `json:"command,omitempty"`
	Username     string   `json:"username"`
	UserPassword string   `json:"user_password"`
	App          string   `json:"app"`
	Payload      *Payload `json:"payload,omitempty"`
}

func NewStoreRequest(username, userPassword, app, appUsername, ciphertext string, now time.Time) Request {
	return Request{
		Command:      CommandStore,
		Username:     username,
		UserPassword: userPassword,
		App:          app,
		Payload: &Payload{
			AppUsername: appUsername,
			Password:    ciphertext,
			Timestamp:   now.Format(TimestampLayout),
		},
	}
}

func NewRetrieveRequest(username, userPassword, app string) Request {
	return Request{
		Command:      CommandRetrieve,
		Username:     username,
		UserPassword: userPassword,
		App:          app,
	}
}

// Kind reports which operation the request asks for. Only meaningful on a
// request that passed ParseRequest or was built by a constructor.
func (r Request) Kind() Kind {
	if r.Command == CommandRetrieve {
		return KindRetrieve
	}
	return KindStore
}

// Marshal encodes r on one line with HTML characters left unescaped.
func (r Request) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, errors.Wrap(err, "encode request")
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// ParseRequest decodes and validates one request. Every failure wraps
// ErrMalformed.
func ParseRequest(b []byte) (Request, error) {
	var r Request
	dec := json.NewDecoder(bytes.NewReader(b))
	if err := dec.Decode(&r); err != nil {
		return Request{}, errors.Wrapf(ErrMalformed, "decode: %v", err)
	}
	if dec.More() {
		return Request{}, errors.Wrap(ErrMalformed, "trailing data after request")
	}

	switch r.Command {
	case "", CommandStore, CommandRetrieve:
	default:
		return Request{}, errors.Wrapf(ErrMalformed, "unknown command %q", r.Command)
	}
	switch {
	case r.Username == "":
		return Request{}, errors.Wrap(ErrMalformed, "missing username")
	case r.UserPassword == "":
		return Request{}, errors.Wrap(ErrMalformed, "missing user_password")
	case r.App == "":
		return Request{}, errors.Wrap(ErrMalformed, "missing app")
	}

	if r.Kind() == KindStore {
		if r.Payload == nil {
			return Request{}, errors.Wrap(ErrMalformed, "missing payload")
		}
		if r.Payload.Password == "" {
			return Request{}, errors.Wrap(ErrMalformed, "missing payload.password")
		}
	}
	return r, nil
}
