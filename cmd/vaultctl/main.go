package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/howeyc/gopass"
	"github.com/pkg/errors"

	"payload-persist/internal/client"
	"payload-persist/internal/config"
	"payload-persist/internal/crypto"
	"payload-persist/internal/logging"
	"payload-persist/internal/platform"
	"payload-persist/internal/protocol"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// ============ Commands ============

type command struct {
	args  []string
	usage string
	run   func(ctx context.Context, c *client.Client, a []string, stdout io.Writer) error
}

var commands = map[string]command{
	"store": {
		args:  []string{"username", "password", "app", "appUsername", "passphrase", "secretText"},
		usage: "store <username> <password> <app> <appUsername> <passphrase> <secretText>",
		run:   cmdStore,
	},
	"retrieve": {
		args:  []string{"username", "password", "app", "passphrase"},
		usage: "retrieve <username> <password> <app> <passphrase>",
		run:   cmdRetrieve,
	},
	"update": {
		args:  []string{"username", "password", "app", "passphrase", "dotted.key.path", "value"},
		usage: "update <username> <password> <app> <passphrase> <dotted.key.path> <value>",
		run:   cmdUpdate,
	},
}

// secretArgs may be given as "-" to read them from the terminal.
var secretArgs = map[string]bool{"password": true, "passphrase": true, "secretText": true}

func run(argv []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	fs := flag.NewFlagSet("vaultctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", cfg.Addr(), "vault server address")
	framing := fs.String("framing", cfg.Framing, "message framing: length-prefixed or raw")
	suite := fs.String("cipher", crypto.SuiteXChaCha20Poly1305, "cipher suite for new secrets: xchacha20-poly1305 or aes256-ctr-hmac-sha256")
	timeout := fs.Duration("timeout", 30*time.Second, "timeout for one exchange")
	verbose := fs.Bool("v", false, "debug logging")
	fs.Usage = func() { usage(stdout) }
	if err := fs.Parse(argv); err != nil {
		return 1
	}

	rest := fs.Args()
	if len(rest) == 0 {
		usage(stdout)
		return 1
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintln(stdout, "Unknown command. Use 'store', 'retrieve', or 'update'.")
		usage(stdout)
		return 1
	}
	if len(rest)-1 != len(cmd.args) {
		fmt.Fprintln(stdout, "Usage: vaultctl "+cmd.usage)
		return 1
	}

	if err := platform.DisableCoreDumps(); err != nil {
		fmt.Fprintln(stderr, "warning: cannot disable core dumps:", err)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	f, err := protocol.ParseFraming(*framing)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	args, err := resolveSecrets(cmd.args, rest[1:], stderr)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}

	c := client.New(*addr,
		client.WithFraming(f),
		client.WithLimits(cfg.MaxRequestBytes, cfg.MaxAckBytes),
		client.WithTimeout(*timeout),
		client.WithEnvelope(crypto.NewEnvelope(crypto.WithSuite(*suite))),
		client.WithLogger(logger),
	)
	if err := cmd.run(context.Background(), c, args, stdout); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return 1
	}
	return 0
}

func cmdStore(ctx context.Context, c *client.Client, a []string, stdout io.Writer) error {
	ack, err := c.Store(ctx, a[0], a[1], a[2], a[3], a[4], a[5])
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Server response: %s\n", ack)
	return nil
}

func cmdRetrieve(ctx context.Context, c *client.Client, a []string, stdout io.Writer) error {
	sec, err := c.Retrieve(ctx, a[0], a[1], a[2], a[3])
	if errors.Is(err, client.ErrNoPayload) {
		fmt.Fprintln(stdout, "No payload received.")
		return nil
	}
	if err != nil {
		return err
	}
	defer crypto.Zero(sec.Plaintext)
	fmt.Fprintf(stdout, "Retrieved secret for %s: %s\n", sec.AppUsername, sec.Plaintext)
	return nil
}

func cmdUpdate(ctx context.Context, c *client.Client, a []string, stdout io.Writer) error {
	out, err := c.Update(ctx, a[0], a[1], a[2], a[3], a[4], a[5])
	if err != nil {
		return errors.Wrap(err, "update failed")
	}
	fmt.Fprintf(stdout, "Updated secret structure:\n%s\n", out)
	return nil
}

// ============ Helper Functions ============

func usage(w io.Writer) {
	fmt.Fprint(w, `Usage:
  vaultctl [flags] store <username> <password> <app> <appUsername> <passphrase> <secretText>
  vaultctl [flags] retrieve <username> <password> <app> <passphrase>
  vaultctl [flags] update <username> <password> <app> <passphrase> <dotted.key.path> <value>

A password, passphrase or secretText of "-" is read from the terminal.

Flags:
  -addr host:port   server address (default from VAULT_HOST/VAULT_PORT)
  -framing mode     length-prefixed or raw (default from VAULT_FRAMING)
  -cipher suite     xchacha20-poly1305 or aes256-ctr-hmac-sha256
  -timeout d        timeout for one exchange (default 30s)
  -v                debug logging
`)
}

func resolveSecrets(names, values []string, prompt io.Writer) ([]string, error) {
	out := make([]string, len(values))
	for i, v := range values {
		if v != "-" || !secretArgs[names[i]] {
			out[i] = v
			continue
		}
		b, err := gopass.GetPasswdPrompt(names[i]+": ", false, os.Stdin, prompt)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", names[i])
		}
		out[i] = string(b)
	}
	return out, nil
}
