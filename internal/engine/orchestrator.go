// Package engine wires together the risk manager, trade tracker, price
// fan-out, and discovery loop into one process, and owns startup
// reconciliation and graceful shutdown (C8).
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kxquant/momentum-engine/internal/discovery"
	"github.com/kxquant/momentum-engine/internal/feed"
	"github.com/kxquant/momentum-engine/internal/risk"
	"github.com/kxquant/momentum-engine/internal/storage"
	"github.com/kxquant/momentum-engine/internal/trader"
	"github.com/kxquant/momentum-engine/internal/tracker"
)

// Config holds the process-wide settings that are not specific to a single
// market; per-ticker trader.Config fields are templated and specialized by
// ticker in the trader factory.
type Config struct {
	Risk              risk.Config
	Discovery         discovery.Config
	TraderTemplate    trader.Config
	Subscription      time.Duration // fan-out debounce window, default 200ms
	ShutdownGrace     time.Duration // default 30s, §5
	ReconcileInterval time.Duration // persisted-position save cadence, default 5s
}

func (c Config) withDefaults() Config {
	if c.Subscription <= 0 {
		c.Subscription = 200 * time.Millisecond
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Second
	}
	return c
}

// Orchestrator is the top-level component (C8).
type Orchestrator struct {
	cfg Config

	risk    *risk.Manager
	tracker *tracker.Tracker
	fanOut  *feed.FanOut
	loop    *discovery.Loop
	store   *storage.Store

	api     trader.OrderAPI
	notify  trader.Notifier
	lister  discovery.MarketLister

	mu          sync.Mutex
	traders     map[string]*trader.Trader
	shuttingDown bool
}

// New constructs the orchestrator. api, lister, and subscriber are the
// exchange-facing collaborators (typically *kalshi.Client and
// *kalshi.FeedClient); store may be nil to disable crash-recovery
// persistence; sink is the trade tracker's destination (typically a
// tracker.JSONLSink, optionally teed with store) — a nil sink disables
// trade-closed persistence entirely; notify may be nil.
func New(cfg Config, api trader.OrderAPI, lister discovery.MarketLister, subscriber feed.Subscriber, store *storage.Store, sink tracker.Sink, notify trader.Notifier) *Orchestrator {
	cfg = cfg.withDefaults()

	if sink == nil {
		sink = tracker.NoopSink{}
	}

	o := &Orchestrator{
		cfg:     cfg,
		risk:    risk.NewManager(cfg.Risk),
		tracker: tracker.New(sink),
		store:   store,
		api:     api,
		notify:  notify,
		lister:  lister,
		traders: make(map[string]*trader.Trader),
	}
	o.fanOut = feed.NewFanOut(subscriber, cfg.Subscription)
	o.loop = discovery.New(cfg.Discovery, lister, o.fanOut, o.newTrader)
	return o
}

// FanOut exposes the orchestrator's fan-out so an exchange-facing feed
// client can be constructed with it as a delivery sink before being wired
// back in via SetSubscriber.
func (o *Orchestrator) FanOut() *feed.FanOut {
	return o.fanOut
}

// SetSubscriber installs the feed subscriber that the fan-out notifies of
// subscription changes. Must be called before Run.
func (o *Orchestrator) SetSubscriber(subscriber feed.Subscriber) {
	o.fanOut.SetSubscriber(subscriber)
}

// newTrader is the discovery.TraderFactory: it builds a Trader bound to
// this orchestrator's shared risk manager and tracker, and keeps a private
// handle for reconciliation persistence.
func (o *Orchestrator) newTrader(ticker string) discovery.TraderHandle {
	cfg := o.cfg.TraderTemplate
	cfg.Ticker = ticker
	tr := trader.New(cfg, o.api, o.risk, o.tracker, o.notify)

	o.mu.Lock()
	o.traders[ticker] = tr
	o.mu.Unlock()

	return tr
}

// Run reconciles any persisted open positions, then starts the fan-out and
// discovery loop until ctx is cancelled, at which point it runs the
// shutdown sequence (§4.8).
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.reconcile(ctx); err != nil {
		return err
	}

	go o.persistLoop(ctx)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go o.loop.Run(loopCtx)

	<-ctx.Done()
	o.shutdown()
	return nil
}

// reconcile restores any position the process held when it last exited,
// per §4.8: the discovery loop must not respawn a flat duplicate for a
// ticker that already has a live position.
func (o *Orchestrator) reconcile(ctx context.Context) error {
	if o.store == nil {
		return nil
	}

	if _, realizedPnLCentsToday, found, err := o.store.LoadTodayRiskState(); err != nil {
		return err
	} else if found {
		o.risk.HydrateRealizedPnLToday(realizedPnLCentsToday)
	}

	snapshots, err := o.store.LoadOpenPositions()
	if err != nil {
		return err
	}
	if len(snapshots) > 0 {
		log.Info().Int("count", len(snapshots)).Msg("engine: reconciling persisted open positions")
	}

	for _, snap := range snapshots {
		cfg := o.cfg.TraderTemplate
		cfg.Ticker = snap.Ticker
		tr := trader.New(cfg, o.api, o.risk, o.tracker, o.notify)
		o.risk.HydrateRestoredPosition(snap.Ticker, int64(snap.Size), int64(snap.EntryPriceCents))
		tr.Restore(trader.PersistedPosition{
			Side:              snap.Side,
			Size:              snap.Size,
			EntryPriceCents:   int64(snap.EntryPriceCents),
			HighestSeenCents:  int64(snap.HighestSeenCents),
			StopLossCents:     int64(snap.StopLossCents),
			TrailingStopCents: int64(snap.TrailingStopCents),
			OpenedAt:          snap.OpenedAt,
			ExchangeOrderID:   snap.ExchangeOrderID,
		})

		o.mu.Lock()
		o.traders[snap.Ticker] = tr
		o.mu.Unlock()

		traderCtx, cancel := context.WithCancel(ctx)
		o.fanOut.Attach(snap.Ticker, tr)
		o.loop.Adopt(snap.Ticker, tr, cancel)
		go tr.Run(traderCtx)
	}
	return nil
}

// persistLoop periodically snapshots every tracked trader's open position
// to the store, so a crash mid-hold can be reconciled on the next startup.
func (o *Orchestrator) persistLoop(ctx context.Context) {
	if o.store == nil {
		return
	}
	ticker := time.NewTicker(o.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.persistOnce()
		}
	}
}

func (o *Orchestrator) persistOnce() {
	o.mu.Lock()
	snapshot := make(map[string]*trader.Trader, len(o.traders))
	for k, v := range o.traders {
		snapshot[k] = v
	}
	o.mu.Unlock()

	for tickerSym, tr := range snapshot {
		pos, held := tr.Snapshot()
		if !held {
			if err := o.store.RemoveOpenPosition(tickerSym); err != nil {
				log.Warn().Err(err).Str("ticker", tickerSym).Msg("engine: failed to clear persisted position")
			}
			continue
		}
		err := o.store.SaveOpenPosition(storage.OpenPositionSnapshot{
			Ticker:            tickerSym,
			Side:              pos.Side,
			Size:              pos.Size,
			EntryPriceCents:   int(pos.EntryPriceCents),
			HighestSeenCents:  int(pos.HighestSeenCents),
			StopLossCents:     int(pos.StopLossCents),
			TrailingStopCents: int(pos.TrailingStopCents),
			OpenedAt:          pos.OpenedAt,
			ExchangeOrderID:   pos.ExchangeOrderID,
		})
		if err != nil {
			log.Warn().Err(err).Str("ticker", tickerSym).Msg("engine: failed to persist open position")
		}
	}

	stats := o.risk.GetStats()
	if err := o.store.SaveRiskState(stats.TotalExposureCents, stats.RealizedPnLCentsToday); err != nil {
		log.Warn().Err(err).Msg("engine: failed to persist risk state")
	}
}

// shutdown implements §4.8's shutdown sequence: stop admitting new
// reservations, tell every trader to exit, wait up to the grace period,
// then abandon and log whatever remains.
func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	o.shuttingDown = true
	traders := make(map[string]*trader.Trader, len(o.traders))
	for k, v := range o.traders {
		traders[k] = v
	}
	o.mu.Unlock()

	o.risk.SetShuttingDown(true)
	log.Info().Msg("engine: shutdown signal received, waiting for open positions to flatten")

	deadline := time.Now().Add(o.cfg.ShutdownGrace)
	for time.Now().Before(deadline) {
		allFlat := true
		for _, tr := range traders {
			if tr.State() != trader.Flat && tr.State() != trader.Retired {
				allFlat = false
				break
			}
		}
		if allFlat {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	for tickerSym, tr := range traders {
		if s := tr.State(); s != trader.Flat && s != trader.Retired {
			log.Warn().Str("ticker", tickerSym).Str("state", s.String()).Msg("engine: shutdown grace period elapsed, abandoning open position")
		}
	}

	o.loop.Shutdown()
	o.fanOut.Stop()
	log.Info().Msg("engine: shutdown complete")
}

// ShuttingDown reports whether the process is in its shutdown sequence.
// The risk manager does not read this flag; shutdown sets the manager's own
// flag through risk.Manager.SetShuttingDown.
func (o *Orchestrator) ShuttingDown() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shuttingDown
}

// RiskStats exposes a point-in-time snapshot for status reporting.
func (o *Orchestrator) RiskStats() risk.Stats {
	return o.risk.GetStats()
}

// TrackerSnapshot exposes a point-in-time snapshot for status reporting.
func (o *Orchestrator) TrackerSnapshot() tracker.Snapshot {
	return o.tracker.Snapshot()
}
