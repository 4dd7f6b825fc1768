package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gammaflow/aggregator"
	"gammaflow/alert"
	appconfig "gammaflow/config"
	"gammaflow/feed"
	"gammaflow/internal/channel"
	"gammaflow/logger"
	"gammaflow/models"
	"gammaflow/store"
)

// Orchestrator owns the worker pool and the periodic timers: refresh,
// retention cleanup, alert evaluation and summary reporting. Timer work
// is dispatched to the pool so a slow store never stalls the tickers'
// goroutines for longer than a queue insert.
type Orchestrator struct {
	config     *appconfig.Config
	channels   *channel.Channels
	supervisor *feed.Supervisor
	agg        *aggregator.Aggregator
	alerts     *alert.Manager
	quotes     *store.QuoteStore
	retained   *store.RetainedStore

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	tasks chan func()

	bootMu       sync.Mutex
	bootstrapped map[string]bool
}

// New wires the orchestrator over the already-constructed components.
func New(cfg *appconfig.Config, ch *channel.Channels, sup *feed.Supervisor, agg *aggregator.Aggregator, alerts *alert.Manager, quotes *store.QuoteStore, retained *store.RetainedStore) *Orchestrator {
	return &Orchestrator{
		config:       cfg,
		channels:     ch,
		supervisor:   sup,
		agg:          agg,
		alerts:       alerts,
		quotes:       quotes,
		retained:     retained,
		wg:           &sync.WaitGroup{},
		log:          logger.GetLogger(),
		tasks:        make(chan func(), cfg.Orchestrator.MaxWorkers*4),
		bootstrapped: make(map[string]bool),
	}
}

// Start launches the pool workers, the event loop and the periodic
// timers, then subscribes the underlying topics so the first spot price
// can bootstrap each chain.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	o.ctx = ctx
	o.mu.Unlock()

	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{"operation": "start"})

	numWorkers := o.config.Orchestrator.MaxWorkers
	log.WithFields(logger.Fields{"workers": numWorkers}).Info("starting worker pool")
	for i := 0; i < numWorkers; i++ {
		o.wg.Add(1)
		go o.poolWorker(i)
	}

	o.wg.Add(1)
	go o.eventLoop()

	o.wg.Add(1)
	go o.timerLoop()

	symbols := make([]string, 0, len(o.config.Chains))
	for _, chain := range o.config.Chains {
		symbols = append(symbols, chain.Symbol)
	}
	if err := o.supervisor.SubscribeSymbols(ctx, symbols); err != nil {
		log.WithError(err).Error("failed to subscribe underlying topics")
		return err
	}

	log.WithFields(logger.Fields{"symbols": symbols}).Info("orchestrator started")
	return nil
}

// Stop drains the pool within the configured async task timeout and
// closes both stores. It must be called after the context driving Start
// has been cancelled.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.running = false
	o.mu.Unlock()

	log := o.log.WithComponent("orchestrator")
	log.Info("stopping orchestrator")

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(o.config.Orchestrator.AsyncTaskTimeout):
		log.WithFields(logger.Fields{
			"timeout": o.config.Orchestrator.AsyncTaskTimeout.String(),
		}).Warn("shutdown timeout reached, abandoning in-flight tasks")
	}

	if err := o.quotes.Close(); err != nil {
		log.WithError(err).Error("failed to close quote store")
	}
	if err := o.retained.Close(); err != nil {
		log.WithError(err).Error("failed to close retained store")
	}
	log.Info("orchestrator stopped")
}

// dispatch queues work for the pool. The queue insert blocks when every
// worker is busy and the queue is full; feed events are never dropped
// on backpressure, only delayed.
func (o *Orchestrator) dispatch(task func()) {
	select {
	case <-o.ctx.Done():
	case o.tasks <- task:
	}
}

func (o *Orchestrator) poolWorker(id int) {
	defer o.wg.Done()

	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{"worker_id": id, "worker": "pool"})
	log.Debug("pool worker started")

	for {
		select {
		case <-o.ctx.Done():
			log.Debug("pool worker stopped due to context cancellation")
			return
		case task := <-o.tasks:
			task()
		}
	}
}

func (o *Orchestrator) eventLoop() {
	defer o.wg.Done()

	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{"worker": "events"})
	log.Info("starting event loop")

	warned := false
	for {
		select {
		case <-o.ctx.Done():
			log.Info("event loop stopped due to context cancellation")
			return
		case ev, ok := <-o.channels.Events:
			if !ok {
				log.Info("event channel closed")
				return
			}

			if depth := o.channels.EventDepth(); depth > o.config.Orchestrator.QueueWarningThreshold {
				if !warned {
					log.WithFields(logger.Fields{
						"depth":     depth,
						"threshold": o.config.Orchestrator.QueueWarningThreshold,
					}).Warn("event queue backpressure")
					warned = true
				}
			} else {
				warned = false
			}

			o.maybeBootstrap(ev)
		}
	}
}

// maybeBootstrap watches for the first spot price of each configured
// underlying and derives the option chain from it: the underlying is
// subscribed at startup, the contracts only once a spot exists to
// center the strike window on.
func (o *Orchestrator) maybeBootstrap(ev models.QuoteEvent) {
	if ev.Field != models.FieldLast || ev.Value <= 0 {
		return
	}

	var chain *appconfig.ChainConfig
	for i := range o.config.Chains {
		if o.config.Chains[i].Symbol == ev.ContractID {
			chain = &o.config.Chains[i]
			break
		}
	}
	if chain == nil {
		return
	}

	o.bootMu.Lock()
	if o.bootstrapped[chain.Symbol] {
		o.bootMu.Unlock()
		return
	}
	o.bootstrapped[chain.Symbol] = true
	o.bootMu.Unlock()

	spot := ev.Value
	cfg := *chain
	o.dispatch(func() {
		log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{
			"symbol": cfg.Symbol,
			"spot":   spot,
		})

		expiry, err := cfg.ExpiryDate()
		if err != nil {
			log.WithError(err).Error("invalid chain expiry")
			return
		}

		contracts := models.BuildChain(cfg.Symbol, expiry, spot, cfg.StrikeRange, cfg.Spacing)
		if len(contracts) == 0 {
			log.Error("chain construction produced no contracts")
			return
		}

		if err := o.supervisor.Subscribe(o.ctx, contracts); err != nil {
			// allow a later spot event to retry the bootstrap
			o.bootMu.Lock()
			o.bootstrapped[cfg.Symbol] = false
			o.bootMu.Unlock()
			log.WithError(err).Error("chain subscription failed")
			return
		}

		log.WithFields(logger.Fields{"contracts": len(contracts)}).Info("option chain bootstrapped")
	})
}

func (o *Orchestrator) timerLoop() {
	defer o.wg.Done()

	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{"worker": "timers"})
	log.Info("starting periodic timers")

	refresh := time.NewTicker(o.config.Aggregator.RefreshInterval)
	defer refresh.Stop()
	cleanup := time.NewTicker(o.config.Store.Retained.CleanupInterval)
	defer cleanup.Stop()

	summaryInterval := o.config.Orchestrator.SummaryInterval
	if summaryInterval <= 0 {
		summaryInterval = time.Minute
	}
	summary := time.NewTicker(summaryInterval)
	defer summary.Stop()

	for {
		select {
		case <-o.ctx.Done():
			log.Info("timer loop stopped due to context cancellation")
			return
		case <-refresh.C:
			o.dispatch(o.refreshAll)
		case <-cleanup.C:
			o.dispatch(o.cleanupRetained)
		case <-summary.C:
			o.dispatch(o.logSummary)
		case snap, ok := <-o.channels.Snapshots:
			if !ok {
				log.Info("snapshot channel closed")
				return
			}
			o.dispatch(func() { o.alerts.Evaluate(snap) })
		}
	}
}

func (o *Orchestrator) refreshAll() {
	for _, chain := range o.config.Chains {
		expiry, err := chain.ExpiryDate()
		if err != nil {
			continue
		}
		if _, err := o.agg.Refresh(chain.Symbol, expiry, chain.StrikeRange, chain.Spacing); err != nil {
			o.log.WithComponent("orchestrator").WithError(err).WithFields(logger.Fields{
				"symbol": chain.Symbol,
			}).Warn("refresh failed")
		}
	}
}

func (o *Orchestrator) cleanupRetained() {
	removed, err := o.retained.Cleanup()
	if err != nil {
		o.log.WithComponent("orchestrator").WithError(err).Error("retention cleanup failed")
		return
	}
	if removed > 0 {
		o.log.WithComponent("orchestrator").WithFields(logger.Fields{"removed": removed}).Info("retention cleanup complete")
	}
}

func (o *Orchestrator) logSummary() {
	stats := o.channels.GetStats()
	log := o.log.WithComponent("orchestrator").WithFields(logger.Fields{
		"event_depth":      o.channels.EventDepth(),
		"events_sent":      stats.EventsSent,
		"snapshots_sent":   stats.SnapshotsSent,
		"snapshot_drops":   stats.SnapshotsDropped,
		"feed_state":       o.supervisor.State().String(),
		"reconnects":       o.supervisor.ReconnectAttempts(),
		"last_feed_event":  o.supervisor.Heartbeat().Last().Format(time.RFC3339),
		"subscription_set": len(o.supervisor.SubscriptionSet()),
	})

	for _, chain := range o.config.Chains {
		if snap := o.agg.LatestSnapshot(chain.Symbol); snap != nil {
			log = log.WithFields(logger.Fields{
				chain.Symbol + "_version":     snap.Version,
				chain.Symbol + "_total_gamma": snap.Totals.Gamma,
			})
		}
	}

	log.Info("pipeline summary")
}
