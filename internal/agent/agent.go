// Package agent is the long-running driver: it keeps an IMAP session alive,
// polls the inbox for new messages, feeds them through the pipeline, retries
// stuck messages, reconciles sent replies, and sends scheduled reports.
package agent

import (
	"context"
	"time"

	"github.com/emersion/go-imap/v2"
	"go.uber.org/zap"

	"github.com/nhle/mailpilot/internal/imapx"
	"github.com/nhle/mailpilot/internal/model"
	"github.com/nhle/mailpilot/internal/pipeline"
	"github.com/nhle/mailpilot/internal/store"
)

// Reconnect backoff bounds.
const (
	backoffInitial = 5 * time.Second
	backoffMax     = 60 * time.Second
)

// retryBatchLimit caps how many stuck messages one cycle re-attempts.
const retryBatchLimit = 20

// MailClient is the IMAP surface the agent drives. *imapx.Client satisfies
// it; tests substitute a fake.
type MailClient interface {
	Connect() error
	Logout() error
	Noop() error
	EnsureFolder(folder string) error
	SelectFolder(folder string, readOnly bool) error
	TemporarySelect(folder string, readOnly bool) (func(), error)
	UIDsSince(lastUID uint32) ([]uint32, error)
	UIDsSinceDate(since time.Time) ([]uint32, error)
	UIDsAll() ([]uint32, error)
	UIDsMatchingHeader(header, value string) ([]uint32, error)
	FetchBody(uid uint32) ([]byte, error)
	FetchFlags(uid uint32) ([]string, error)
	Append(folder string, raw []byte, flags []imap.Flag) (uint32, error)
	Move(uid uint32, dest string) error
	Copy(uid uint32, dest string) error
}

var _ MailClient = (*imapx.Client)(nil)

// Agent wires the mail client, store, and pipeline into the polling loop.
type Agent struct {
	cfg    *model.Config
	store  *store.SQLiteStore
	client MailClient
	pipe   *pipeline.Pipeline
	logger *zap.Logger
	loc    *time.Location

	connected bool
}

func New(cfg *model.Config, st *store.SQLiteStore, client MailClient, pipe *pipeline.Pipeline, logger *zap.Logger) *Agent {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil || cfg.Timezone == "" {
		loc = time.Local
	}
	return &Agent{
		cfg:    cfg,
		store:  st,
		client: client,
		pipe:   pipe,
		logger: logger,
		loc:    loc,
	}
}

// Run polls until ctx is cancelled. Connection failures back off and retry;
// cycle failures tear the session down and reconnect.
func (a *Agent) Run(ctx context.Context) error {
	defer a.disconnect()

	interval := time.Duration(a.cfg.PollSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	for {
		if err := a.ensureConnected(ctx); err != nil {
			return err
		}

		if err := a.cycle(ctx); err != nil {
			if imapx.IsAuthError(err) {
				return err
			}
			a.logger.Error("poll cycle failed, reconnecting",
				zap.String("event", "cycle_failed"), zap.Error(err))
			a.disconnect()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// ensureConnected establishes the session, with exponential backoff on
// failures, and prepares the folder layout once connected.
func (a *Agent) ensureConnected(ctx context.Context) error {
	if a.connected {
		if err := a.client.Noop(); err == nil {
			return nil
		}
		a.disconnect()
	}

	backoff := backoffInitial
	for {
		err := a.client.Connect()
		if err == nil {
			a.connected = true
			a.logger.Info("connected",
				zap.String("event", "connected"),
				zap.String("host", a.cfg.IMAP.Host))
			return a.prepareFolders()
		}
		if imapx.IsAuthError(err) {
			return err
		}

		a.logger.Warn("connect failed, backing off",
			zap.String("event", "connect_failed"),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func (a *Agent) disconnect() {
	if !a.connected {
		return
	}
	if err := a.client.Logout(); err != nil {
		a.logger.Debug("logout failed",
			zap.String("event", "logout_failed"), zap.Error(err))
	}
	a.connected = false
}

// prepareFolders creates every folder the configuration maps to.
func (a *Agent) prepareFolders() error {
	if !a.cfg.IMAP.CreateFoldersOnStartup {
		return nil
	}
	for _, folder := range a.cfg.AllRequiredFolders() {
		if err := a.client.EnsureFolder(folder); err != nil {
			return err
		}
	}
	return nil
}

// cycle is one full poll pass.
func (a *Agent) cycle(ctx context.Context) error {
	if err := a.pollInbox(ctx); err != nil {
		return err
	}
	if err := a.retryStuck(ctx); err != nil {
		return err
	}
	a.reconcileReplied(ctx)
	a.runScheduledReports(ctx)
	return nil
}
