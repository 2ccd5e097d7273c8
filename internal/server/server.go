// Package server accepts vault connections and answers exactly one request
// per connection.
package server

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"payload-persist/internal/audit"
	"payload-persist/internal/auth"
	"payload-persist/internal/protocol"
	"payload-persist/internal/vault"
)

const (
	lingerTimeout  = 500 * time.Millisecond
	lingerMaxBytes = 1 << 20
	acceptBackoff  = 50 * time.Millisecond
)

// Repository is the record store behind the server.
type Repository interface {
	Put(ctx context.Context, username, password, app string, rec vault.Record) (string, error)
	Get(ctx context.Context, username, password, app string) ([]byte, error)
}

// Auditor receives one entry per handled connection.
type Auditor interface {
	Append(e audit.Entry) (audit.Entry, error)
}

type Server struct {
	cfg     Config
	repo    Repository
	audit   Auditor
	limiter *multiLimiter
	log     logrus.FieldLogger
	wg      sync.WaitGroup
}

type Option func(*Server)

func WithAuditor(a Auditor) Option {
	return func(s *Server) { s.audit = a }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) { s.log = l }
}

func New(cfg Config, repo Repository, opts ...Option) *Server {
	cfg.setDefaults()
	s := &Server{
		cfg:  cfg,
		repo: repo,
		log:  logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if cfg.RateLimit > 0 {
		s.limiter = perMinute(cfg.RateLimit)
	}
	s.log = s.log.WithField("component", "server")
	return s
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln and
// waits for in-flight exchanges to finish. A cancelled ctx is a clean stop
// and yields nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()

	s.log.WithFields(logrus.Fields{
		"addr":    ln.Addr().String(),
		"framing": s.cfg.Framing.Name(),
	}).Info("listening")

	defer s.wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.WithError(err).Warn("accept failed")
			time.Sleep(acceptBackoff)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	entry := audit.Entry{ConnID: uuid.NewString(), Remote: conn.RemoteAddr().String()}
	log := s.log.WithFields(logrus.Fields{"conn_id": entry.ConnID, "remote": entry.Remote})
	defer s.closeConn(conn, log)

	defer func() {
		if rec := recover(); rec != nil {
			log.WithField("panic", rec).Error("recovered from panic")
			s.respond(conn, protocol.ErrorResponse(protocol.MsgBadRequest), log)
			entry.Outcome = "panic"
			s.record(entry, log)
		}
	}()

	if s.limiter != nil && !s.limiter.allow(remoteIP(conn.RemoteAddr())) {
		log.Warn("rate limited")
		s.respond(conn, protocol.ErrorResponse(protocol.MsgTooManyRequests), log)
		entry.Action, entry.Outcome = "connect", "rate_limited"
		s.record(entry, log)
		return
	}

	// Shutdown unblocks a pending read; the exchange then ends with an error reply.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-finished:
		}
	}()

	if s.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	raw, err := s.cfg.Framing.ReadRequest(conn, s.cfg.MaxRequestBytes)
	if err != nil {
		if errors.Is(err, io.EOF) {
			log.Debug("connection closed without a request")
			return
		}
		log.WithError(err).Warn("cannot read request")
		s.respond(conn, protocol.ErrorResponse(protocol.MsgBadRequest), log)
		entry.Action, entry.Outcome = "read", "malformed"
		s.record(entry, log)
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	resp, result := s.handle(ctx, raw, log)
	s.respond(conn, resp, log)

	entry.Action, entry.User, entry.App, entry.Outcome = result.Action, result.User, result.App, result.Outcome
	s.record(entry, log)
}

// handle turns one raw request into its response bytes. Every failure is
// answered with an ERR line; details stay in the local log.
func (s *Server) handle(ctx context.Context, raw []byte, log logrus.FieldLogger) ([]byte, audit.Entry) {
	req, err := protocol.ParseRequest(raw)
	if err != nil {
		log.WithError(err).Warn("rejected request")
		return protocol.ErrorResponse(protocol.MsgBadRequest), audit.Entry{Action: "parse", Outcome: "malformed"}
	}

	result := audit.Entry{Action: req.Kind().String(), User: req.Username, App: req.App}
	log = log.WithFields(logrus.Fields{"action": result.Action, "user": req.Username, "app": req.App})

	switch req.Kind() {
	case protocol.KindRetrieve:
		b, err := s.repo.Get(ctx, req.Username, req.UserPassword, req.App)
		switch {
		case errors.Is(err, vault.ErrNotFound):
			log.Info("no record")
			result.Outcome = "not_found"
			return []byte{}, result
		case err != nil:
			return s.failure(err, result, log)
		}
		log.Info("sent record")
		result.Outcome = "ok"
		return b, result

	default:
		rec := vault.Record{
			AppUsername: req.Payload.AppUsername,
			Password:    req.Payload.Password,
			Timestamp:   req.Payload.Timestamp,
		}
		key, err := s.repo.Put(ctx, req.Username, req.UserPassword, req.App, rec)
		if err != nil {
			return s.failure(err, result, log)
		}
		log.WithField("key", key).Info("stored record")
		result.Outcome = "ok"
		return []byte(protocol.AckStored), result
	}
}

func (s *Server) failure(err error, result audit.Entry, log logrus.FieldLogger) ([]byte, audit.Entry) {
	if errors.Is(err, auth.ErrAuthFailed) {
		log.Warn("authentication failed")
		result.Outcome = "auth_failed"
		return protocol.ErrorResponse(protocol.MsgAuthFailed), result
	}
	log.WithError(err).Error("request failed")
	result.Outcome = "error"
	return protocol.ErrorResponse(protocol.MsgBadRequest), result
}

func (s *Server) respond(conn net.Conn, resp []byte, log logrus.FieldLogger) {
	if err := s.cfg.Framing.WriteMessage(conn, resp); err != nil {
		log.WithError(err).Warn("cannot write response")
	}
}

func (s *Server) record(e audit.Entry, log logrus.FieldLogger) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Append(e); err != nil {
		log.WithError(err).Error("cannot append audit entry")
	}
}

// closeConn half-closes the connection and drains what the peer still sends
// before closing, so unread request bytes do not turn the close into a reset
// that discards the response.
func (s *Server) closeConn(conn net.Conn, log logrus.FieldLogger) {
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.CloseWrite()
		_ = tcp.SetReadDeadline(time.Now().Add(lingerTimeout))
		_, _ = io.Copy(io.Discard, io.LimitReader(tcp, lingerMaxBytes))
	}
	if err := conn.Close(); err != nil {
		log.WithError(err).Debug("close connection")
	}
}
