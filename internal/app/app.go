package app

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"grvt-hedge-bot/internal/alerts"
	"grvt-hedge-bot/internal/config"
	"grvt-hedge-bot/internal/gateway"
	"grvt-hedge-bot/internal/grvt"
	"grvt-hedge-bot/internal/grvt/ws"
	"grvt-hedge-bot/internal/hedger"
	"grvt-hedge-bot/internal/journal"
	"grvt-hedge-bot/internal/metrics"
	"grvt-hedge-bot/internal/timescale"
)

const startupTimeout = 30 * time.Second

// App wires the dual maker hedge: two authenticated GRVT accounts, the
// instrument registry, the websocket book feed, the engine and the
// observability sinks.
type App struct {
	cfg      *config.Config
	log      *zap.Logger
	creds    []config.AccountCredentials
	accounts map[hedger.Account]gateway.AccountClient
	registry *gateway.Registry
	books    *gateway.BookCache
	wsClient *ws.Client
	gateway  *gateway.Gateway
	notifier *alerts.Notifier
	journal  *journal.Journal
	tsdb     *timescale.Writer
	metrics  *metrics.Metrics
	promSrv  *http.Server
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	creds, err := config.LoadAccounts()
	if err != nil {
		return nil, err
	}
	endpoints := grvt.Endpoints{
		TradeBaseURL:  cfg.REST.TradeBaseURL,
		MarketBaseURL: cfg.REST.MarketBaseURL,
		EdgeBaseURL:   cfg.REST.EdgeBaseURL,
	}
	accounts := make(map[hedger.Account]gateway.AccountClient, 2)
	for i, account := range []hedger.Account{hedger.AccountA, hedger.AccountB} {
		cred := creds[i]
		signer, err := grvt.NewSigner(cred.PrivateKey, cred.Env)
		if err != nil {
			return nil, err
		}
		accounts[account] = gateway.AccountClient{
			Client: grvt.NewClient(endpoints, cred.APIKey, cred.AccountID, cfg.REST.Timeout, log),
			Signer: signer,
		}
		log.Info("trading account configured",
			zap.String("account", string(account)),
			zap.String("name", cred.Name),
			zap.String("env", cred.Env),
		)
	}
	registry := gateway.NewRegistry(accounts[hedger.AccountA].Client)
	books := gateway.NewBookCache(cfg.WS.MaxBookAge)
	var wsClient *ws.Client
	if cfg.WS.Enabled {
		wsClient = ws.New(cfg.WS.URL, cfg.WS.ReconnectDelay, cfg.WS.PingInterval, log)
	}
	gw := gateway.New(accounts, registry, books, cfg.Engine.OrderbookDepth, log)

	var jrnl *journal.Journal
	if cfg.Journal.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.SQLitePath), 0o755); err != nil {
			return nil, err
		}
		jrnl, err = journal.New(cfg.Journal.SQLitePath, log)
		if err != nil {
			return nil, err
		}
	}
	tsdb, err := timescale.New(cfg.Timescale, log)
	if err != nil {
		return nil, err
	}
	m := metrics.NewNoop()
	var promSrv *http.Server
	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheus()
		m = prom.Metrics
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		promSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
	}
	return &App{
		cfg:      cfg,
		log:      log,
		creds:    creds,
		accounts: accounts,
		registry: registry,
		books:    books,
		wsClient: wsClient,
		gateway:  gw,
		notifier: alerts.NewNotifier(cfg.Alerts, m, log),
		journal:  jrnl,
		tsdb:     tsdb,
		metrics:  m,
		promSrv:  promSrv,
	}, nil
}

// Run starts the hedge loop and blocks until ctx is cancelled or the maximum
// runtime elapses. Stop cleanup runs on its own timeout so shutdown cannot
// hang on a dead exchange.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := a.registry.Load(startCtx); err != nil {
		return err
	}
	resolver := config.NewAliasResolver(a.registry.Names())
	symbols, err := config.LoadSymbols(a.cfg.Engine.SymbolsFile, resolver)
	if err != nil {
		return err
	}
	var recorder hedger.Recorder
	if a.journal != nil {
		recorder = a.journal
	}
	engine := hedger.New(a.cfg.Engine, symbols, a.gateway, a.notifier, recorder, a.metrics, a.log)
	enabled := engine.Symbols()
	if len(enabled) == 0 {
		return errors.New("no enabled symbols")
	}
	a.log.Info("hedge engine configured",
		zap.Strings("symbols", enabled),
		zap.Duration("loop_interval", a.cfg.Engine.LoopInterval),
		zap.Int("post_only_retry", a.cfg.Engine.PostOnlyMaxRetry),
		zap.Duration("post_only_cooldown", a.cfg.Engine.PostOnlyCooldown),
		zap.Duration("partial_fill_timeout", a.cfg.Engine.PartialFillTimeout),
		zap.Duration("stuck_after", a.cfg.Engine.StuckAfter),
	)

	if a.wsClient != nil {
		for _, symbol := range enabled {
			if err := a.wsClient.SubscribeBook(startCtx, symbol, a.cfg.Engine.OrderbookDepth); err != nil {
				a.log.Warn("book subscribe failed", zap.String("instrument", symbol), zap.Error(err))
			}
		}
		go func() {
			if err := a.wsClient.Run(ctx, a.books.HandleFrame); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("ws client stopped", zap.Error(err))
			}
		}()
	}
	if a.promSrv != nil {
		go func() {
			if err := a.promSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}
	a.tsdb.Start(ctx)

	if err := engine.Bootstrap(ctx); err != nil {
		a.log.Warn("bootstrap failed, starting with empty state", zap.Error(err))
	}

	started := time.Now()
	ticker := time.NewTicker(a.cfg.Engine.LoopInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			if a.cfg.Engine.MaxRuntime > 0 && time.Since(started) >= a.cfg.Engine.MaxRuntime {
				a.log.Info("reached max runtime, stopping", zap.Duration("max_runtime", a.cfg.Engine.MaxRuntime))
				break loop
			}
			reports, err := engine.Tick(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					break loop
				}
				a.log.Warn("tick failed", zap.Error(err))
				continue
			}
			a.export(reports)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.cfg.Engine.ShutdownTimeout)
	defer stopCancel()
	engine.StopCleanup(stopCtx)
	return ctx.Err()
}

func (a *App) export(reports []hedger.SymbolReport) {
	if a.tsdb == nil {
		return
	}
	now := time.Now()
	for _, report := range reports {
		absA, _ := report.AbsA.Float64()
		absB, _ := report.AbsB.Float64()
		diff, _ := report.Diff.Float64()
		total, _ := report.Total.Float64()
		unmatched, _ := report.UnmatchedUSDT.Float64()
		a.tsdb.Enqueue(timescale.HedgeSnapshot{
			Time:             now,
			Instrument:       report.Instrument,
			PositionMode:     report.PositionMode,
			AbsANotional:     absA,
			AbsBNotional:     absB,
			DiffNotional:     diff,
			TotalNotional:    total,
			UnmatchedLots:    report.UnmatchedLots,
			UnmatchedUSDT:    unmatched,
			ActiveOrdersA:    report.ActiveOrdersA,
			ActiveOrdersB:    report.ActiveOrdersB,
			CooldownActive:   report.CooldownActive,
			OldestLotAgeSecs: report.OldestLotAge.Seconds(),
		})
	}
}

func (a *App) close() {
	if a.promSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = a.promSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.log.Warn("journal close failed", zap.Error(err))
		}
	}
	if err := a.tsdb.Close(); err != nil {
		a.log.Warn("timescale close failed", zap.Error(err))
	}
}
