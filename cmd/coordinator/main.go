// Command coordinator is the execution plane's single process: it wires
// the Quote Cache, Nonce Manager, Idempotency Store, Risk Gate, Fund
// Manager, Executor, Strategy Engine, Coordinator, Scheduler, and the
// checkpoint/recovery and control-plane HTTP layers into one supervised
// set of runners, and runs until SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"binarymm/internal/bootstrap"
	"binarymm/internal/checkpoint"
	"binarymm/internal/config"
	"binarymm/internal/coordinator"
	"binarymm/internal/core"
	"binarymm/internal/domain"
	"binarymm/internal/emergency"
	"binarymm/internal/engine/strategy"
	"binarymm/internal/exchange"
	"binarymm/internal/executor"
	"binarymm/internal/feed"
	"binarymm/internal/fundmanager"
	"binarymm/internal/httpapi"
	"binarymm/internal/idempotency"
	"binarymm/internal/nonce"
	"binarymm/internal/quotecache"
	"binarymm/internal/risk"
	"binarymm/internal/scheduler"
	"binarymm/pkg/concurrency"
)

var configFile = flag.String("config", "configs/config.yaml", "path to configuration file")

func main() {
	flag.Parse()

	app, err := bootstrap.NewApp(*configFile)
	if err != nil {
		panic(fmt.Errorf("bootstrap: %w", err))
	}
	defer app.Shutdown(10 * time.Second)

	runners, err := wire(app)
	if err != nil {
		app.Logger.Fatal("wiring failed", "error", err.Error())
	}

	if err := app.Run(runners...); err != nil {
		app.Logger.Error("exited with error", "error", err.Error())
	}
}

// wire constructs every component and returns the long-lived runners
// bootstrap.App should supervise. Kept as one function, rather than split
// across helpers returning half-built structs, so the dependency order
// between components stays visible in one place.
func wire(app *bootstrap.App) ([]bootstrap.Runner, error) {
	cfg := app.Cfg
	logger := app.Logger

	db, err := sql.Open("sqlite", cfg.App.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	idemStore, err := idempotency.New(db, time.Duration(cfg.Timing.IdempotencyTTLSeconds)*time.Second, logger)
	if err != nil {
		return nil, fmt.Errorf("idempotency store: %w", err)
	}

	store, err := checkpoint.New(db, logger)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}

	quotes := quotecache.New(cfg.Timing.QuoteCacheCapacity, time.Duration(cfg.Timing.QuoteTTLSeconds)*time.Second, logger)
	quotes.Start(30 * time.Second)

	signer, err := exchange.NewSigner(string(cfg.Wallet.PrivateKey), cfg.Exchange.ChainID, false)
	if err != nil {
		return nil, fmt.Errorf("exchange signer: %w", err)
	}

	exch := buildExchange(cfg, signer, quotes, logger)

	nonceMgr := nonce.New(cfg.Wallet.FunderAddress, store, logger)

	emergencyPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "emergency_stop",
		MaxWorkers:  4,
		MaxCapacity: 64,
		NonBlocking: true,
	}, logger)
	emergencyStop := emergency.New(exch, store, emergencyPool, logger)

	breaker := risk.NewBreaker(buildBreakerConfig(cfg), logger)

	fundSource, ok := exch.(fundmanager.BalanceSource)
	if !ok {
		return nil, fmt.Errorf("exchange adapter %T does not implement fundmanager.BalanceSource", exch)
	}
	funds := fundmanager.New(fundSource, fundmanager.Config{
		BalanceCacheTTL:   time.Duration(cfg.Timing.BalanceCacheTTLSeconds) * time.Second,
		AccountReservePct: decimal.NewFromFloat(cfg.Governance.AccountReservePct),
	}, logger)

	gate := risk.NewGate(emergencyStop, breaker, funds, buildPolicy(cfg), logger)

	exec := executor.New(exch, signer, nonceMgr, idemStore, executor.Config{
		MaxRetries:         cfg.Executor.MaxRetries,
		BaseDelay:          time.Duration(cfg.Executor.BaseRetryDelayMs) * time.Millisecond,
		MaxDelay:           time.Duration(cfg.Executor.MaxRetryDelayMs) * time.Millisecond,
		ConfirmFillTimeout: time.Duration(cfg.Executor.ConfirmFillTimeoutMs) * time.Millisecond,
		DryRun:             cfg.App.DryRun,
		ConfirmFills:       cfg.Executor.ConfirmFills,
	}, logger)

	coord := coordinator.New(exec, gate, funds, store, logger)
	coord.SetPositionLister(funds)
	coord.SetMinShares(decimal.NewFromFloat(cfg.Exchange.MinOrderShares))

	engine := strategy.New(coord, gate, funds, quotes, store, strategy.Params{
		SumTarget:            decimal.NewFromFloat(cfg.Strategy.SumTarget),
		FeeBuffer:            decimal.NewFromFloat(cfg.Strategy.FeeBuffer),
		SlippageBuffer:       decimal.NewFromFloat(cfg.Strategy.SlippageBuffer),
		ProfitBuffer:         decimal.NewFromFloat(cfg.Strategy.ProfitBuffer),
		FillBuffer:           decimal.NewFromFloat(cfg.Strategy.FillBuffer),
		MaxAcceptableLoss:    decimal.NewFromFloat(cfg.Strategy.MaxAcceptableLoss),
		Leg2ForceCloseWindow: time.Duration(cfg.Strategy.Leg2ForceCloseSeconds) * time.Second,
		UnwindMaxRetries:     cfg.Strategy.UnwindMaxRetries,
		WatchCooldown:        time.Duration(cfg.Strategy.WatchWindowCooldownMs) * time.Millisecond,
	}, logger)

	sched := scheduler.New(engine, 0, logger)

	if err := recoverState(context.Background(), store, exch, coord, gate, emergencyStop, logger); err != nil {
		return nil, err
	}

	api := httpapi.New(httpapi.Config{
		Addr:         cfg.Control.Port,
		AuthRequired: cfg.Governance.SidecarAuthRequired,
		AuthToken:    string(cfg.Governance.SidecarAuthToken),
		GatewayOnly:  cfg.Governance.GatewayOnly,
	}, coord, gate, funds, nil, logger)
	api.Start()

	purgeInterval := time.Duration(cfg.Timing.IdempotencyTTLSeconds) * time.Second / 2
	runners := []bootstrap.Runner{coord, sched, httpRunner{api}, purgeRunner{idemStore, purgeInterval}}

	if cfg.Exchange.StreamURL != "" {
		f := feed.New(cfg.Exchange.StreamURL, quotes, logger)
		runners = append(runners, feedRunner{f})
	}

	return runners, nil
}

// buildExchange selects the live CLOB client or the paper double based on
// dry-run/mock configuration. A single process-wide exchange instance is
// shared by every deployment; per-deployment Backtest/Paper/Live routing
// happens one level up, in which deployments the Coordinator admits at
// all (domain.Deployment.CanSubmitLive), not by swapping exchange
// adapters underneath a running process. The signer is constructed
// either way: even a paper fill still goes through Executor.Execute,
// which signs every order regardless of dry_run.
func buildExchange(cfg *config.Config, signer *exchange.Signer, quotes *quotecache.Cache, logger core.ILogger) core.IExchange {
	if cfg.App.DryRun || cfg.Exchange.Name == "mock" {
		logger.Info("using paper exchange", "dry_run", cfg.App.DryRun, "exchange_name", cfg.Exchange.Name)
		return exchange.NewPaperExchange(quotes, logger)
	}
	return exchange.NewClient(cfg.Exchange.Name, cfg.Exchange.BaseURL, 10*time.Second, signer, logger)
}

// buildPolicy seeds the initial GovernancePolicy from config; the control
// plane owns every mutation from here on, so this runs once at startup
// (recovery may immediately overwrite it with the last persisted policy).
func buildPolicy(cfg *config.Config) domain.GovernancePolicy {
	ingress := make(map[string]domain.IngressMode, len(cfg.Governance.Domains))
	exposureCaps := make(map[string]decimal.Decimal, len(cfg.Governance.Domains))
	lossCaps := make(map[string]decimal.Decimal, len(cfg.Governance.Domains))
	for _, d := range cfg.Governance.Domains {
		ingress[d.Domain] = domain.IngressMode(d.IngressMode)
		exposureCaps[d.Domain] = decimal.NewFromFloat(d.ExposureCap)
		lossCaps[d.Domain] = decimal.NewFromFloat(d.DailyLossCap)
	}

	maxSingleExposure := make(map[string]decimal.Decimal, len(cfg.Governance.Domains))
	for _, d := range cfg.Governance.Domains {
		maxSingleExposure[d.Domain] = decimal.NewFromFloat(d.MaxSingleExposure)
	}

	return domain.GovernancePolicy{
		Version:                 1,
		GlobalIngressMode:       domain.IngressMode(cfg.Governance.GlobalIngressMode),
		DomainIngressModes:      ingress,
		DomainExposureCaps:      exposureCaps,
		DomainDailyLossCap:      lossCaps,
		DomainMaxSingleExposure: maxSingleExposure,
		AccountReservePct:       decimal.NewFromFloat(cfg.Governance.AccountReservePct),
	}
}

// buildBreakerConfig maps config.TimingConfig's second-granularity knobs
// onto risk.BreakerConfig. TimingConfig has no field dedicated to
// MaxDailyLossAmount or HalfOpenProbeNotional, so those derive from the
// governance domain table: MaxDailyLossAmount is the sum of every
// domain's daily loss cap (the breaker trips process-wide once losses
// exceed what governance allows across all domains combined), and
// HalfOpenProbeNotional is the smallest configured max-single-exposure
// (a HalfOpen probe should never risk more than the tightest domain
// permits per order). MaxDisconnectDuration reuses the staleness window
// doubled, since a disconnect is a stricter precondition than staleness
// alone.
func buildBreakerConfig(cfg *config.Config) risk.BreakerConfig {
	var dailyLoss decimal.Decimal
	var probeNotional decimal.Decimal
	for i, d := range cfg.Governance.Domains {
		dailyLoss = dailyLoss.Add(decimal.NewFromFloat(d.DailyLossCap))
		single := decimal.NewFromFloat(d.MaxSingleExposure)
		if i == 0 || single.LessThan(probeNotional) {
			probeNotional = single
		}
	}

	staleness := time.Duration(cfg.Timing.BreakerStalenessSeconds) * time.Second

	return risk.BreakerConfig{
		MaxConsecutiveFailures: cfg.Timing.BreakerMaxConsecutiveErr,
		MaxDailyLossAmount:     dailyLoss,
		MaxQuoteStaleness:      staleness,
		MaxDisconnectDuration:  2 * staleness,
		CooldownPeriod:         time.Duration(cfg.Timing.BreakerCooldownSeconds) * time.Second,
		HalfOpenProbeLimit:     cfg.Timing.BreakerHalfOpenProbes,
		HalfOpenProbeNotional:  probeNotional,
	}
}

// recoverState runs the checkpoint recovery pass and applies its report:
// every persisted deployment is re-registered, the last persisted policy
// supersedes the config-seeded one, domains with a critical exchange-vs-
// book divergence are halted before anything else can submit against
// them, and a previously tripped emergency stop stays tripped.
//
// Resumable two-leg cycles (Report.ResumableCycles) are surfaced in the
// recovery log but not rehydrated into the Strategy Engine's in-memory
// cycle table: the Engine has no load-from-persisted-CycleContext path
// yet, so a round that was mid-cycle at the last crash resumes only once
// its next quote update re-establishes it through StartCycle. Tracked as
// a known gap rather than papered over.
func recoverState(ctx context.Context, store *checkpoint.Store, exch core.IExchange, coord *coordinator.Coordinator, gate *risk.Gate, stop *emergency.Stop, logger core.ILogger) error {
	report, err := checkpoint.NewRecoverer(store, exch, logger).Run(ctx)
	if err != nil {
		return fmt.Errorf("recovery: %w", err)
	}

	for _, dep := range report.Deployments {
		if err := coord.RegisterDeployment(ctx, dep); err != nil {
			return fmt.Errorf("recovery: re-register deployment %s: %w", dep.ID, err)
		}
	}

	if report.Policy.Version > 0 {
		gate.UpdatePolicy(report.Policy)
	}

	for _, domainName := range report.DomainsToHalt {
		coord.HaltDomain(domainName)
		logger.Warn("domain halted on recovery: critical position divergence", "domain", domainName)
	}

	if len(report.ResumableCycles) > 0 {
		logger.Warn("resumable cycles found at startup; will re-establish on next quote update", "count", len(report.ResumableCycles))
	}

	if report.HaltTripped {
		if err := stop.Trip(ctx, report.HaltReason); err != nil {
			return fmt.Errorf("recovery: re-trip emergency stop: %w", err)
		}
	}

	return nil
}

// httpRunner adapts httpapi.Server's Start/Shutdown lifecycle to
// bootstrap.Runner's Run(ctx)-until-cancellation shape.
type httpRunner struct{ server *httpapi.Server }

func (r httpRunner) Run(ctx context.Context) error {
	<-ctx.Done()
	return r.server.Shutdown(context.Background())
}

// feedRunner adapts feed.Feed's Start/Stop lifecycle to bootstrap.Runner.
// Only constructed when Exchange.StreamURL is configured; a deployment
// with no stream URL never sees this runner in its supervised set, and
// nothing else writes to its quote cache.
type feedRunner struct{ f *feed.Feed }

func (r feedRunner) Run(ctx context.Context) error {
	r.f.Start()
	<-ctx.Done()
	r.f.Stop()
	return nil
}

// purgeRunner periodically sweeps expired idempotency records, adapting
// idempotency.Store.RunPurgeSweep (which also takes the sweep interval) to
// bootstrap.Runner so it runs under the same supervised set as the
// Coordinator and Scheduler.
type purgeRunner struct {
	store    *idempotency.Store
	interval time.Duration
}

func (r purgeRunner) Run(ctx context.Context) error {
	return r.store.RunPurgeSweep(ctx, r.interval)
}
