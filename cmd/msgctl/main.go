package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"e2ee-messages/internal/config"
	"e2ee-messages/internal/db"
	"e2ee-messages/internal/domain"
	"e2ee-messages/internal/envelope"
	"e2ee-messages/internal/expiry"
	"e2ee-messages/internal/jwtsigner"
	"e2ee-messages/internal/observability/logging"
	"e2ee-messages/internal/retention"
	"e2ee-messages/internal/store"

	"github.com/google/uuid"
)

type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func main() {
	cfg := config.Load()
	slog.SetDefault(logging.NewLogger(logging.Config{
		ServiceName: "msgctl",
		Environment: cfg.Environment,
		Level:       envLevel(cfg.LogLevel),
		Format:      cfg.LogFormat,
		Output:      os.Stderr,
	}))

	if err := run(cfg, os.Args[1:], os.Stdout); err != nil {
		var uerr usageError
		if errors.As(err, &uerr) {
			fmt.Fprintln(os.Stderr, uerr.msg)
			usage(os.Stderr)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envLevel(level string) string {
	if level == "" {
		return "warn"
	}
	return level
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: msgctl <command> [options]")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  keygen     Print a fresh base64 X25519 keypair")
	fmt.Fprintln(w, "  register   Add or update a party in the directory")
	fmt.Fprintln(w, "  token      Mint a bearer token for a party")
	fmt.Fprintln(w, "  purge      Delete expired messages once")
}

func run(cfg config.Config, args []string, out io.Writer) error {
	if len(args) == 0 {
		return usageError{msg: "missing command"}
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "keygen":
		return runKeygen(rest, out)
	case "register":
		return runRegister(cfg, rest, out)
	case "token":
		return runToken(cfg, rest, out)
	case "purge":
		return runPurge(cfg, rest, out)
	default:
		return usageError{msg: fmt.Sprintf("unknown command %q", cmd)}
	}
}

func runKeygen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return usageError{msg: err.Error()}
	}
	pub, priv, err := envelope.New().GenerateKeyPair()
	if err != nil {
		return err
	}
	defer priv.Wipe()
	fmt.Fprintf(out, "public_key=%s\nprivate_key=%s\n", pub.Encode(), priv.Encode())
	return nil
}

func runToken(cfg config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	sub := fs.String("sub", "", "party id")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return usageError{msg: err.Error()}
	}
	id, err := uuid.Parse(*sub)
	if err != nil {
		return usageError{msg: "-sub must be a uuid"}
	}
	signer, err := jwtsigner.New(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return fmt.Errorf("MESSAGES_JWT_SECRET: %w", err)
	}
	tok, err := signer.Sign(id, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, tok)
	return nil
}

func runRegister(cfg config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	idFlag := fs.String("id", "", "party id (generated when empty)")
	pubFlag := fs.String("public-key", "", "base64 X25519 public key")
	periodFlag := fs.String("retention", string(domain.DefaultRetention), "retention period (1h|6h|24h|7d|30d)")
	if err := fs.Parse(args); err != nil {
		return usageError{msg: err.Error()}
	}

	id := uuid.New()
	if *idFlag != "" {
		parsed, err := uuid.Parse(*idFlag)
		if err != nil {
			return usageError{msg: "-id must be a uuid"}
		}
		id = parsed
	}
	if _, err := envelope.New().ImportPublicKey(*pubFlag); err != nil {
		return usageError{msg: fmt.Sprintf("-public-key: %v", err)}
	}
	period, err := retention.ParsePeriod(*periodFlag)
	if err != nil {
		return usageError{msg: err.Error()}
	}

	st, closeDB, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.AutoMigrate(ctx); err != nil {
		return err
	}
	if err := st.Parties().Upsert(ctx, domain.Party{ID: id, PublicKey: *pubFlag, Retention: period}); err != nil {
		return err
	}
	fmt.Fprintf(out, "party_id=%s retention=%s\n", id, period)
	return nil
}

func runPurge(cfg config.Config, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("purge", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	batch := fs.Int("batch", cfg.PurgeBatch, "rows deleted per statement")
	if err := fs.Parse(args); err != nil {
		return usageError{msg: err.Error()}
	}

	st, closeDB, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeDB()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	n, err := expiry.NewSweeper(st.Messages(), time.Minute, *batch, slog.Default()).Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "purged=%d\n", n)
	return nil
}

func openStore(cfg config.Config) (*store.Store, func(), error) {
	gdb, err := db.OpenGorm(db.Config{DSN: cfg.DatabaseURL, LogSQL: cfg.LogSQL, MaxOpenConns: 2})
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, nil, err
	}
	return store.New(gdb), func() { _ = sqlDB.Close() }, nil
}
