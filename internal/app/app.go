// Package app wires the workspace, config and clients shared by the CLI commands and the server.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"launchpad/internal/config"
	"launchpad/internal/db"
	"launchpad/internal/domain"
	"launchpad/internal/finalize"
	"launchpad/internal/httpx"
	"launchpad/internal/identity"
	"launchpad/internal/launch"
	"launchpad/internal/metrics"
	"launchpad/internal/migrate"
	"launchpad/internal/pump"
	"launchpad/internal/repo"
	"launchpad/internal/solana"
	"launchpad/internal/storage"
	launchpadsdk "launchpad/sdk/go"
)

// Options controls what Open prepares.
type Options struct {
	// NeedDB opens the workspace database even when a backend URL is configured.
	NeedDB bool
}

// App holds the collaborators built from one config.
type App struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *metrics.Metrics

	DB       *sql.DB
	Repo     repo.Repo
	Finalize finalize.Service

	Pump     *pump.Client
	Identity *identity.Registrar
	Ledger   *solana.RPCClient
	Images   *storage.Bucket
	Backend  *launchpadsdk.Client
}

// Open prepares the workspace and builds every client cfg enables. In direct mode (no backend
// URL) the database is always opened since finalize writes to it.
func Open(workspace string, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		Workspace: workspace,
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics.New(),
	}

	if cfg.Backend.URL == "" || opts.NeedDB {
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return nil, err
		}
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			return nil, err
		}
		if err := migrate.Migrate(context.Background(), conn, logger.Named("migrate")); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.DB = conn
		a.Repo = repo.Repo{DB: conn}
		a.Finalize = finalize.New(conn, logger.Named("finalize"))
		a.Finalize.Recorder = a.Metrics
		a.Finalize.TradingURLBase = cfg.Launch.TradingURLBase
	}

	upstream := httpx.NewClient(cfg.Upstream.Timeout, a.retryConfig())
	if rt, ok := upstream.Transport.(*httpx.RetryTransport); ok {
		rt.OnRetry = a.Metrics.ObserveUpstreamRetry
	}

	a.Pump = pump.New(upstream, logger.Named("pump"))
	a.Pump.IPFSURL = cfg.Upstream.PumpIPFSURL
	a.Pump.TradeURL = cfg.Upstream.PumpPortalURL
	a.Pump.Slippage = cfg.Upstream.Slippage
	a.Pump.PriorityFee = cfg.Upstream.PriorityFee
	a.Pump.Pool = cfg.Upstream.Pool

	// The registrar runs its own backoff loop, so it gets a client without the retry transport.
	a.Identity = identity.New(cfg.Upstream.IdentityURL, &http.Client{Timeout: timeoutOr(cfg.Upstream.Timeout)}, logger.Named("identity"))
	a.Identity.MaxNameAttempts = cfg.Identity.MaxNameAttempts
	a.Identity.MaxRetries = cfg.Identity.MaxRetries
	if cfg.Identity.BaseBackoff > 0 {
		a.Identity.BaseBackoff = cfg.Identity.BaseBackoff
	}
	a.Identity.Recorder = a.Metrics

	a.Ledger = solana.NewRPCClient(cfg.Ledger.RPCURL, cfg.Ledger.RequestsPerSecond)
	a.Ledger.Commitment = cfg.Ledger.Commitment
	a.Ledger.ConfirmTimeout = cfg.Ledger.ConfirmTimeout
	a.Ledger.PollInterval = cfg.Ledger.PollInterval

	if cfg.Storage.URL != "" {
		a.Images = storage.New(cfg.Storage.URL, cfg.Storage.Key, cfg.Storage.Bucket, upstream)
	}
	if cfg.Backend.URL != "" {
		a.Backend = launchpadsdk.New(cfg.Backend.URL)
		a.Backend.APIKey = cfg.Backend.APIKey
		a.Backend.HTTPClient = &http.Client{Timeout: timeoutOr(cfg.Upstream.Timeout)}
	}
	return a, nil
}

// Close releases the database.
func (a *App) Close() error {
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}

func (a *App) retryConfig() httpx.RetryConfig {
	rc := httpx.DefaultRetryConfig()
	if a.Config.Upstream.MaxRetries >= 0 {
		rc.MaxRetries = a.Config.Upstream.MaxRetries
	}
	return rc
}

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Direct reports whether launches talk to the upstream services and the local database instead
// of a backend.
func (a *App) Direct() bool {
	return a.Backend == nil
}

// LaunchDeps builds the flow dependencies for signer.
func (a *App) LaunchDeps(signer launch.Signer) launch.Deps {
	deps := launch.Deps{
		Ledger:         a.Ledger,
		Signer:         signer,
		Logger:         a.Logger.Named("launch"),
		Observer:       a.Metrics,
		TradingURLBase: a.Config.Launch.TradingURLBase,
	}
	if a.Images != nil {
		deps.Images = a.Images
	}
	if a.Direct() {
		deps.Metadata = a.Pump
		deps.Builder = a.Pump
		deps.Identity = a.Identity
		deps.Finalizer = a.Finalize
	} else {
		deps.Metadata = a.Backend
		deps.Builder = a.Backend
		deps.Identity = a.Backend
		deps.Finalizer = a.Backend
	}
	return deps
}

// Launches reads persisted launches from the backend or the local database.
type Launches interface {
	Get(ctx context.Context, id string) (domain.Launch, error)
	List(ctx context.Context, f repo.LaunchFilters) ([]domain.Launch, error)
	Events(ctx context.Context, id string) ([]domain.LaunchEvent, error)
}

func (a *App) Launches() Launches {
	if a.Direct() {
		return repoLaunches{r: a.Repo}
	}
	return backendLaunches{c: a.Backend}
}

type repoLaunches struct {
	r repo.Repo
}

func (l repoLaunches) Get(ctx context.Context, id string) (domain.Launch, error) {
	return l.r.GetLaunch(ctx, id)
}

func (l repoLaunches) List(ctx context.Context, f repo.LaunchFilters) ([]domain.Launch, error) {
	return l.r.ListLaunches(ctx, f)
}

func (l repoLaunches) Events(ctx context.Context, id string) ([]domain.LaunchEvent, error) {
	if _, err := l.r.GetLaunch(ctx, id); err != nil {
		return nil, err
	}
	return l.r.ListLaunchEvents(ctx, id)
}

type backendLaunches struct {
	c *launchpadsdk.Client
}

func (l backendLaunches) Get(ctx context.Context, id string) (domain.Launch, error) {
	it, err := l.c.GetLaunch(ctx, id)
	if launchpadsdk.IsNotFound(err) {
		return domain.Launch{}, repo.ErrNotFound
	}
	return it, err
}

func (l backendLaunches) List(ctx context.Context, f repo.LaunchFilters) ([]domain.Launch, error) {
	return l.c.ListLaunches(ctx, launchpadsdk.ListOptions{Creator: f.Creator, Status: f.Status, Mint: f.Mint, Limit: f.Limit})
}

func (l backendLaunches) Events(ctx context.Context, id string) ([]domain.LaunchEvent, error) {
	events, err := l.c.ListLaunchEvents(ctx, id)
	if launchpadsdk.IsNotFound(err) {
		return nil, repo.ErrNotFound
	}
	return events, err
}
