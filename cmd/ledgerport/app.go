package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JonMunkholm/ledgerport/internal/auth"
	"github.com/JonMunkholm/ledgerport/internal/config"
	"github.com/JonMunkholm/ledgerport/internal/core"
	"github.com/JonMunkholm/ledgerport/internal/qbo"
	"github.com/JonMunkholm/ledgerport/internal/store/postgres"
	"github.com/JonMunkholm/ledgerport/internal/store/sqlite"
)

// backend is what both store implementations provide.
type backend interface {
	core.MappingStore
	core.SourceLoader
	auth.TokenStore
	Source() core.SourceReader
}

// app is the fully wired engine for one command invocation.
type app struct {
	cfg     *config.Config
	store   backend
	creds   *core.CredentialCoordinator
	service *core.Service
	close   func()
}

// openBackend connects the configured mapping store.
func openBackend(ctx context.Context, cfg config.DatabaseConfig) (backend, func(), error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		st, err := sqlite.Open(ctx, cfg.URL, sqlite.Options{SourcePath: cfg.SourcePath})
		if err != nil {
			return nil, nil, err
		}
		slog.Info("connected to sqlite", "path", cfg.URL)
		return st, func() { _ = st.Close() }, nil
	default:
		pool, err := postgres.Connect(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		st, err := postgres.New(ctx, pool, postgres.Options{
			MappingSchema: cfg.MappingSchema,
			SourceSchema:  cfg.SourceSchema,
		})
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		slog.Info("connected to database", "database", postgres.DatabaseName(cfg.URL))
		return st, pool.Close, nil
	}
}

// retryPolicy maps configuration onto the poster's budgets. A configured
// zero for the auth and stale budgets disables them.
func retryPolicy(m config.MigrationConfig) core.RetryPolicy {
	disableZero := func(n int) int {
		if n == 0 {
			return -1
		}
		return n
	}
	return core.RetryPolicy{
		MaxRetries:      m.MaxRetries,
		MaxAuthRetries:  disableZero(m.MaxAuthRetries),
		MaxStaleRetries: disableZero(m.MaxStaleRetries),
		BackoffBase:     m.BackoffBase,
		BackoffMax:      m.BackoffMax,
		RequestTimeout:  m.RequestTimeout(),
	}
}

// newApp wires store, credentials, rate gate, API client, poster and
// orchestrator from cfg.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	st, closeStore, err := openBackend(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	refresher := auth.NewRefresher(auth.Config{
		ClientID:         cfg.QBO.ClientID,
		ClientSecret:     cfg.QBO.ClientSecret,
		TokenURL:         cfg.QBO.TokenURL,
		RealmID:          cfg.QBO.RealmID,
		SeedRefreshToken: cfg.QBO.RefreshToken,
		Key:              cfg.QBO.TokenUser,
	}, st)

	creds := core.NewCredentialCoordinator(refresher, cfg.QBO.RefreshInterval())
	cred, ok, err := refresher.Restore(ctx)
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("restore credential: %w", err)
	}
	if ok {
		creds.Seed(cred)
		slog.Debug("restored stored access credential", "issued_at", cred.IssuedAt)
	}

	api := qbo.New(qbo.Config{
		BaseURL:      cfg.QBO.APIBaseURL(),
		MinorVersion: cfg.QBO.MinorVersion,
		Timeout:      cfg.Migration.RequestTimeout(),
	})
	gate := core.NewRateGate(cfg.Migration.RequestsPerSecond, cfg.Migration.Jitter)
	poster := core.NewPoster(api, gate, creds, st, retryPolicy(cfg.Migration))

	service := core.NewService(st, st.Source(), poster, core.Options{
		Concurrency:      cfg.Migration.Concurrency,
		BatchSize:        cfg.Migration.BatchSize,
		CrossCheckTables: cfg.Migration.CrossCheckTables,
	})

	slog.Info("engine ready",
		"driver", cfg.Database.Driver,
		"environment", cfg.QBO.Environment,
		"entities", len(service.ListEntities()),
		"requests_per_second", cfg.Migration.RequestsPerSecond,
		"concurrency", cfg.Migration.Concurrency,
	)

	return &app{
		cfg:     cfg,
		store:   st,
		creds:   creds,
		service: service,
		close:   closeStore,
	}, nil
}

// startRefresher keeps the access credential warm until ctx is done.
func (a *app) startRefresher(ctx context.Context) {
	if interval := a.cfg.QBO.RefreshInterval(); interval > 0 {
		go a.creds.StartRefresher(ctx, interval)
	}
}
