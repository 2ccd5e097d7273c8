package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"payload-persist/internal/audit"
	"payload-persist/internal/auth"
	"payload-persist/internal/config"
	"payload-persist/internal/logging"
	"payload-persist/internal/platform"
	"payload-persist/internal/protocol"
	"payload-persist/internal/server"
	"payload-persist/internal/storage"
	"payload-persist/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.Host, "host", cfg.Host, "listen host")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "listen port")
	flag.StringVar(&cfg.BaseDir, "base-dir", cfg.BaseDir, "root directory of the file store")
	flag.StringVar(&cfg.Framing, "framing", cfg.Framing, "message framing: length-prefixed or raw")
	flag.StringVar(&cfg.Storage, "storage", cfg.Storage, "storage backend: file, sqlite or mongo")
	flag.StringVar(&cfg.AuditLog, "audit-log", cfg.AuditLog, "path of the audit log (empty disables)")
	flag.BoolVar(&cfg.KeepHistory, "keep-history", cfg.KeepHistory, "keep overwritten records")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, log); err != nil {
		log.WithError(err).Error("server stopped")
		os.Exit(1)
	}
	log.Info("server stopped")
}

func serve(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	if err := platform.DisableCoreDumps(); err != nil {
		log.WithError(err).Warn("cannot disable core dumps")
	}

	framing, err := protocol.ParseFraming(cfg.Framing)
	if err != nil {
		return err
	}

	blobs, err := storage.Open(ctx, cfg.StorageOptions())
	if err != nil {
		return errors.Wrap(err, "open storage")
	}
	defer blobs.Close()

	params := auth.DefaultPBKDF2
	if cfg.PasswordKDF == config.KDFArgon2id {
		params = auth.DefaultArgon
	}
	creds := auth.NewStore(blobs, auth.WithParams(params), auth.WithLogger(log))
	repo := vault.New(creds, blobs, vault.WithHistory(cfg.KeepHistory), vault.WithLogger(log))

	opts := []server.Option{server.WithLogger(log)}
	if cfg.AuditLog != "" {
		trail, err := audit.Open(cfg.AuditLog)
		if err != nil {
			return errors.Wrap(err, "open audit log")
		}
		defer trail.Close()
		opts = append(opts, server.WithAuditor(trail))
	}

	log.WithFields(logrus.Fields{
		"storage":      cfg.Storage,
		"base_dir":     cfg.BaseDir,
		"password_kdf": params.Label(),
		"keep_history": cfg.KeepHistory,
		"rate_limit":   cfg.RateLimit,
	}).Info("starting vault server")

	srv := server.New(server.Config{
		Framing:         framing,
		MaxRequestBytes: cfg.MaxRequestBytes,
		ReadTimeout:     cfg.ReadTimeout,
		RateLimit:       cfg.RateLimit,
	}, repo, opts...)
	return srv.ListenAndServe(ctx, cfg.Addr())
}
