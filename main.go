package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/api"
	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/eventstore/sqlite"
	"github.com/Martian-dev/mailsync/internal/logging"
	"github.com/Martian-dev/mailsync/internal/model"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/imap"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/request"
	syncer "github.com/Martian-dev/mailsync/internal/sync"
)

func main() {
	configPath := flag.String("config", "mailsync.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("mailsync stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	store, err := sqlite.Open(filepath.Join(cfg.DataDir, "mailsync.db"))
	if err != nil {
		return err
	}
	defer store.Close()

	publisher, err := natsjs.NewPublisher(cfg.NATS.URL, cfg.NATS.Stream, log)
	if err != nil {
		return err
	}
	defer publisher.Close()
	if err := publisher.EnsureStream(ctx); err != nil {
		return err
	}

	notifier := natsjs.NewNotifier(publisher, store, log)
	dispatcher := &natsjs.Dispatcher{
		Queue:      store,
		Publisher:  publisher,
		Logger:     log.With().Str("component", "dispatcher").Logger(),
		RetryDelay: 10 * time.Second,
	}
	go dispatcher.Run(ctx)

	credentials, err := auth.OpenCredentialStore(cfg.Keyring.Service, cfg.Keyring.FileDir, cfg.Keyring.FilePassword)
	if err != nil {
		return err
	}
	tokens := auth.NewBetterAuthClient(cfg.Auth.ServerURL, cfg.Auth.ServiceToken)

	verifier, err := auth.NewJWTVerifier(ctx, cfg.Auth.JWKSURL, cfg.Auth.Issuer, log)
	if err != nil {
		return err
	}

	engine := syncer.EngineConfig{UI: notifier, Logger: log}
	factory := providerFactory(cfg, store, credentials, tokens, engine)

	manager := syncer.NewManager(syncer.Config{
		Accounts: store,
		Drafts:   store,
		Factory:  factory,
		Notifier: notifier,
		UI:       notifier,
		TestConnectivity: func(ctx context.Context, server model.ServerInfo) error {
			return imap.TestConnectivity(ctx, server, cfg.Sync.IMAP.DialTimeout)
		},
		PollInterval: cfg.Sync.PollInterval,
		Logger:       log,
	})
	if err := manager.Init(ctx); err != nil {
		return err
	}
	defer manager.Shutdown()

	server := &api.Server{
		Sync:    manager,
		Auth:    verifier,
		Builder: &request.Builder{Folders: store},
		Logger:  log.With().Str("component", "api").Logger(),
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("control api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// providerFactory builds the provider matching an account's protocol.
// OAuth tokens come from the auth server, IMAP passwords from the keyring.
func providerFactory(cfg *config.Config, store *sqlite.Store, credentials *auth.CredentialStore, tokens auth.TokenSource, engine syncer.EngineConfig) syncer.ProviderFactory {
	return func(ctx context.Context, account model.Account) (syncer.Provider, error) {
		// providers outlive the call that created them
		ctx = context.WithoutCancel(ctx)

		switch account.Provider {
		case model.ProviderGmail:
			p, err := gmail.New(ctx, account, auth.OAuth2(ctx, tokens, account), store, gmail.Config{
				DownloadBatchSize:   cfg.Sync.Gmail.DownloadBatchSize,
				DownloadConcurrency: cfg.Sync.Gmail.DownloadConcurrency,
				Engine:              engine,
			})
			if err != nil {
				return nil, err
			}
			return p, nil

		case model.ProviderOutlook:
			a, err := outlook.New(ctx, account, auth.OAuth2(ctx, tokens, account), store, outlook.Config{
				MaxBatchSize: cfg.Sync.Graph.MaxBatchSize,
				Engine:       engine,
			})
			if err != nil {
				return nil, err
			}
			return a, nil

		case model.ProviderIMAP:
			var creds imap.Credentials
			if account.OAuth {
				creds.Token = auth.OAuth2(ctx, tokens, account)
			} else {
				password, err := credentials.Password(account.ID)
				if err != nil {
					return nil, err
				}
				creds.Password = password
			}
			return imap.New(account, creds, store, imap.Config{
				PoolSize:       cfg.Sync.IMAP.PoolSize,
				FetchBatchSize: cfg.Sync.IMAP.FetchBatchSize,
				IdleTimeout:    cfg.Sync.IMAP.IdleTimeout,
				DialTimeout:    cfg.Sync.IMAP.DialTimeout,
				Engine:         engine,
			}), nil
		}
		return nil, fmt.Errorf("account %s: unknown provider %q", account.ID, account.Provider)
	}
}
