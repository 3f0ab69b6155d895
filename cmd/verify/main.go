// Command verify checks the deployment end to end without trading: it logs in
// both accounts, resolves the symbols file against the live instrument list
// and prints positions, open orders and margin health.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"grvt-hedge-bot/internal/config"
	"grvt-hedge-bot/internal/gateway"
	"grvt-hedge-bot/internal/grvt"
	"grvt-hedge-bot/internal/hedger"
	"grvt-hedge-bot/internal/logging"

	"go.uber.org/zap"
)

const verifyTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "optional config path for REST settings")
	envFile := flag.String("env", ".env", "path to .env file")
	cancelStrategy := flag.Bool("cancel-strategy", false, "cancel all strategy orders on both accounts")
	flag.Parse()

	if err := config.LoadEnv(*envFile); err != nil {
		fatal(err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	log := logging.New(cfg.Log)
	defer func() { _ = log.Sync() }()

	creds, err := config.LoadAccounts()
	if err != nil {
		fatal(err)
	}
	endpoints := grvt.Endpoints{
		TradeBaseURL:  cfg.REST.TradeBaseURL,
		MarketBaseURL: cfg.REST.MarketBaseURL,
		EdgeBaseURL:   cfg.REST.EdgeBaseURL,
	}
	ctx, cancel := context.WithTimeout(context.Background(), verifyTimeout)
	defer cancel()

	accounts := make(map[hedger.Account]gateway.AccountClient, 2)
	for i, account := range []hedger.Account{hedger.AccountA, hedger.AccountB} {
		cred := creds[i]
		signer, err := grvt.NewSigner(cred.PrivateKey, cred.Env)
		if err != nil {
			fatal(fmt.Errorf("%s: %w", cred.Name, err))
		}
		client := grvt.NewClient(endpoints, cred.APIKey, cred.AccountID, cfg.REST.Timeout, log)
		if err := client.Login(ctx); err != nil {
			fatal(fmt.Errorf("%s login: %w", cred.Name, err))
		}
		fmt.Printf("account %s (%s): login ok, signer %s\n", account, cred.Name, signer.Address().Hex())
		accounts[account] = gateway.AccountClient{Client: client, Signer: signer}
	}

	registry := gateway.NewRegistry(accounts[hedger.AccountA].Client)
	if err := registry.Load(ctx); err != nil {
		fatal(err)
	}
	fmt.Printf("instruments loaded: %d\n", len(registry.Names()))

	resolver := config.NewAliasResolver(registry.Names())
	symbols, err := config.LoadSymbols(cfg.Engine.SymbolsFile, resolver)
	if err != nil {
		fatal(err)
	}
	gw := gateway.New(accounts, registry, nil, cfg.Engine.OrderbookDepth, log)
	for _, sym := range symbols {
		meta, err := gw.Instrument(ctx, sym.Instrument)
		if err != nil {
			fatal(err)
		}
		top, err := gw.BookTop(ctx, sym.Instrument)
		if err != nil {
			fmt.Printf("symbol %s: tick=%s min_size=%s (book unavailable: %v)\n",
				sym.Instrument, meta.TickSize, meta.MinSize, err)
			continue
		}
		fmt.Printf("symbol %s: enabled=%t mode=%s notional=%s tick=%s min_size=%s bid=%s ask=%s\n",
			sym.Instrument, sym.Enabled, sym.PositionMode, sym.OrderNotionalUSDT,
			meta.TickSize, meta.MinSize, top.Bid1, top.Ask1)
	}

	for _, account := range []hedger.Account{hedger.AccountA, hedger.AccountB} {
		positions, err := gw.Positions(ctx, account)
		if err != nil {
			fatal(err)
		}
		openOrders, err := gw.OpenOrders(ctx, account)
		if err != nil {
			fatal(err)
		}
		orderCount := 0
		strategyCount := 0
		for _, orders := range openOrders {
			orderCount += len(orders)
			for _, snap := range orders {
				if hedger.IsStrategyClientOrderID(snap.ClientOrderID) {
					strategyCount++
				}
			}
		}
		fmt.Printf("account %s: positions=%d open_orders=%d strategy_orders=%d\n",
			account, len(positions), orderCount, strategyCount)
		if *cancelStrategy {
			for _, orders := range openOrders {
				for _, snap := range orders {
					if !hedger.IsStrategyClientOrderID(snap.ClientOrderID) {
						continue
					}
					if err := gw.Cancel(ctx, account, snap.OrderID); err != nil {
						fmt.Printf("  cancel %s failed: %v\n", snap.OrderID, err)
						continue
					}
					fmt.Printf("  cancelled strategy order %s\n", snap.OrderID)
				}
			}
		}
		for instrument, pos := range positions {
			fmt.Printf("  %s size=%s entry=%s mark=%s abs_notional=%s\n",
				instrument, pos.Size, pos.EntryPrice, pos.MarkPrice, pos.AbsNotional)
		}
		summary, err := gw.Summary(ctx, account)
		if err != nil {
			log.Warn("summary unavailable", zap.String("account", string(account)), zap.Error(err))
			continue
		}
		fmt.Printf("  equity=%s maintenance_margin=%s available=%s\n",
			summary.Equity, summary.MaintenanceMargin, summary.AvailableBalance)
	}
	fmt.Println("verify ok")
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "verify:", err)
	os.Exit(1)
}
