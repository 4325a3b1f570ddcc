// Command mailpilot runs the mailbox agent: it watches an IMAP inbox,
// classifies and files new mail, drafts replies, extracts calendar events,
// and sends scheduled summary reports.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nhle/mailpilot/internal/agent"
	"github.com/nhle/mailpilot/internal/calendar"
	"github.com/nhle/mailpilot/internal/credential"
	"github.com/nhle/mailpilot/internal/event"
	"github.com/nhle/mailpilot/internal/imapx"
	"github.com/nhle/mailpilot/internal/llm"
	"github.com/nhle/mailpilot/internal/model"
	"github.com/nhle/mailpilot/internal/pipeline"
	"github.com/nhle/mailpilot/internal/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "mailpilot:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file (default ~/.config/mailpilot/config.yaml)")
	setPassword := flag.Bool("set-password", false, "read the IMAP password from stdin, store it in the OS keyring under imap.password_key, and exit")
	deletePassword := flag.Bool("delete-password", false, "remove the IMAP password stored under imap.password_key from the OS keyring and exit")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = model.DefaultConfigPath()
	}

	cfg, err := model.LoadConfig(path)
	if err != nil {
		return err
	}

	if *setPassword || *deletePassword {
		return managePassword(cfg, *setPassword)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	password := cfg.IMAP.Password
	if password == "" && cfg.IMAP.PasswordKey != "" {
		password, err = credential.Get(cfg.IMAP.PasswordKey)
		if err != nil {
			return fmt.Errorf("reading IMAP password from keyring: %w", err)
		}
	}
	if password == "" {
		return fmt.Errorf("no IMAP password configured (set imap.password or imap.password_key)")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var llmClient llm.Client
	if cfg.LLM.APIKey != "" {
		llmClient = llm.NewOpenRouterClient(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL, logger)
	} else {
		logger.Warn("no LLM API key configured, using heuristic classification",
			zap.String("event", "llm_unconfigured"))
		llmClient = llm.NewHeuristicClient()
	}

	var cal calendar.Inserter
	if tokenPath := cfg.GoogleTokenPath(); tokenPath != "" {
		gc, err := calendar.NewGoogleCalendar(ctx, tokenPath, cfg.Calendar.CalendarID)
		if err != nil {
			logger.Warn("calendar unavailable, events will be validated only",
				zap.String("event", "calendar_unavailable"), zap.Error(err))
		} else {
			cal = gc
		}
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Warn("unknown timezone, using local",
			zap.String("event", "bad_timezone"), zap.String("timezone", cfg.Timezone))
		loc = time.Local
	}

	client := imapx.NewClient(imapx.Options{
		Host:          cfg.IMAP.Host,
		Port:          cfg.IMAP.Port,
		Username:      cfg.IMAP.Username,
		Password:      password,
		MailboxPrefix: cfg.IMAP.MailboxPrefix,
	}, logger)

	pipe := pipeline.New(cfg, st, client, llmClient, cal, event.NewValidator(loc), logger)
	a := agent.New(cfg, st, client, pipe, logger)

	logger.Info("starting",
		zap.String("event", "startup"),
		zap.String("host", cfg.IMAP.Host),
		zap.String("inbox", cfg.IMAP.InboxFolder),
		zap.Int("poll_seconds", cfg.PollSeconds))

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("stopped", zap.String("event", "shutdown"))
	return nil
}

// managePassword stores or removes the keyring entry named by
// imap.password_key, then the process exits.
func managePassword(cfg *model.Config, set bool) error {
	key := cfg.IMAP.PasswordKey
	if key == "" {
		return fmt.Errorf("imap.password_key must be set to manage the stored password")
	}
	if !set {
		if err := credential.Delete(key); err != nil {
			return err
		}
		fmt.Printf("removed keyring entry %q\n", key)
		return nil
	}

	fmt.Print("IMAP password: ")
	password, err := readPassword(os.Stdin)
	if err != nil {
		return err
	}
	if err := credential.Set(key, password); err != nil {
		return err
	}
	fmt.Printf("stored keyring entry %q\n", key)
	return nil
}

// readPassword reads one line and trims the trailing newline. An empty
// password is rejected rather than stored.
func readPassword(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("empty password")
	}
	return password, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}
