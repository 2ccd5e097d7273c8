// Package client talks to a vault server. Secrets are sealed and opened
// locally; only ciphertext crosses the wire.
package client

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"payload-persist/internal/crypto"
	"payload-persist/internal/protocol"
)

const defaultAppUsername = "N/A"

var (
	ErrNoPayload     = errors.New("client: no payload stored")
	ErrInvalidRecord = errors.New("client: invalid record")
)

// Secret is a retrieved and decrypted record.
type Secret struct {
	Plaintext   []byte
	AppUsername string
}

type Client struct {
	addr             string
	framing          protocol.Framing
	maxResponseBytes int
	maxAckBytes      int
	timeout          time.Duration
	envelope         *crypto.Envelope
	now              func() time.Time
	log              logrus.FieldLogger
}

type Option func(*Client)

func WithFraming(f protocol.Framing) Option {
	return func(c *Client) { c.framing = f }
}

// WithLimits bounds retrieve responses and store acknowledgements.
func WithLimits(maxResponseBytes, maxAckBytes int) Option {
	return func(c *Client) {
		c.maxResponseBytes, c.maxAckBytes = maxResponseBytes, maxAckBytes
	}
}

// WithTimeout bounds dialing and the whole exchange when the context has no
// deadline of its own.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithEnvelope(e *crypto.Envelope) Option {
	return func(c *Client) { c.envelope = e }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.log = l }
}

func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:             addr,
		framing:          protocol.LengthPrefixed{},
		maxResponseBytes: protocol.DefaultMaxRequestBytes,
		maxAckBytes:      protocol.DefaultMaxAckBytes,
		timeout:          30 * time.Second,
		envelope:         crypto.NewEnvelope(),
		now:              time.Now,
		log:              logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("component", "client")
	return c
}

// Store seals secret under passphrase and sends it. It returns the server's
// acknowledgement verbatim; an "ERR:" reply is returned as *protocol.ServerError.
func (c *Client) Store(ctx context.Context, username, password, app, appUsername, passphrase, secret string) (string, error) {
	blob, err := c.envelope.Seal([]byte(secret), passphrase)
	if err != nil {
		return "", err
	}
	msg, err := protocol.NewStoreRequest(username, password, app, appUsername, blob, c.now()).Marshal()
	if err != nil {
		return "", err
	}
	resp, err := c.roundTrip(ctx, msg, c.maxAckBytes)
	if err != nil {
		return "", err
	}
	ack, err := protocol.ParseResponse(resp)
	if err != nil {
		return "", err
	}
	c.log.WithFields(logrus.Fields{"user": username, "app": app}).Debug("stored secret")
	return string(ack), nil
}

// Retrieve fetches the latest record for app and opens it with passphrase.
// An empty reply yields ErrNoPayload without attempting decryption.
func (c *Client) Retrieve(ctx context.Context, username, password, app, passphrase string) (Secret, error) {
	msg, err := protocol.NewRetrieveRequest(username, password, app).Marshal()
	if err != nil {
		return Secret{}, err
	}
	resp, err := c.roundTrip(ctx, msg, c.maxResponseBytes)
	if err != nil {
		return Secret{}, err
	}
	body, err := protocol.ParseResponse(resp)
	if err != nil {
		return Secret{}, err
	}
	if len(body) == 0 {
		return Secret{}, ErrNoPayload
	}

	var rec struct {
		AppUsername *string `json:"app_username"`
		Password    *string `json:"password"`
	}
	if err := json.Unmarshal(body, &rec); err != nil {
		return Secret{}, errors.Wrapf(ErrInvalidRecord, "decode: %v", err)
	}
	if rec.Password == nil {
		return Secret{}, errors.Wrap(ErrInvalidRecord, "missing password")
	}

	pt, err := c.envelope.Open(*rec.Password, passphrase)
	if err != nil {
		return Secret{}, err
	}
	s := Secret{Plaintext: pt, AppUsername: defaultAppUsername}
	if rec.AppUsername != nil {
		s.AppUsername = *rec.AppUsername
	}
	return s, nil
}

// Update retrieves the secret, sets the dot-separated path to value and
// stores the result under the same app and app username. It returns the new
// plaintext. Concurrent updates are last-writer-wins.
func (c *Client) Update(ctx context.Context, username, password, app, passphrase, path, value string) ([]byte, error) {
	cur, err := c.Retrieve(ctx, username, password, app, passphrase)
	if err != nil {
		return nil, errors.Wrap(err, "retrieve current secret")
	}

	doc := decodeDocument(cur.Plaintext)
	if err := SetPath(doc, path, value); err != nil {
		return nil, err
	}
	out, err := encodeDocument(doc)
	if err != nil {
		return nil, err
	}

	if _, err := c.Store(ctx, username, password, app, cur.AppUsername, passphrase, string(out)); err != nil {
		return nil, errors.Wrap(err, "store updated secret")
	}
	return out, nil
}

func (c *Client) roundTrip(ctx context.Context, msg []byte, max int) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok && c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", c.addr)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	if err := c.framing.WriteMessage(conn, msg); err != nil {
		return nil, errors.Wrap(err, "send request")
	}
	resp, err := c.framing.ReadResponse(conn, max)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	return resp, nil
}
