// Package discovery is the periodic scan loop that decides which markets
// are worth a trader: it classifies liquidity from a REST snapshot, spawns
// traders for newly-liquid tickers, and retires traders for tickers that
// fell off the liquid set once they are flat.
package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kxquant/momentum-engine/internal/feed"
	"github.com/kxquant/momentum-engine/internal/money"
	"github.com/kxquant/momentum-engine/internal/trader"
)

// MarketInfo is one row of a list_open_markets response. A nil bid/ask means
// that side of the book is currently empty.
type MarketInfo struct {
	Ticker string
	YesBid *money.Price
	YesAsk *money.Price
	Volume int64
}

// MarketLister is the REST capability this loop needs from the exchange
// client, declared here (the consumer) rather than in the client's own
// package to avoid an import cycle.
type MarketLister interface {
	ListOpenMarkets(ctx context.Context) ([]MarketInfo, error)
}

// TraderHandle is what the discovery loop needs from a running trader: to
// route it price updates, to run it, and to ask whether it is safe to
// retire. Satisfied by *trader.Trader.
type TraderHandle interface {
	feed.TraderHandle
	State() trader.State
	Run(ctx context.Context)
}

// FanOut is the subset of *feed.FanOut this loop drives.
type FanOut interface {
	Attach(ticker string, handle feed.TraderHandle)
	Detach(ticker string)
}

// TraderFactory builds a fresh, not-yet-running trader for a ticker that
// just became liquid. The caller supplies this so discovery stays ignorant
// of order-API credentials, risk manager wiring, etc.
type TraderFactory func(ticker string) TraderHandle

// Config holds the thresholds from §6's CLI surface that this loop reads.
type Config struct {
	ScanInterval time.Duration
	MinVolume    int64
	MaxSpread    money.Price
	MaxMarkets   int
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 60 * time.Second
	}
	if c.MaxMarkets <= 0 {
		c.MaxMarkets = 10
	}
	return c
}

type runningTrader struct {
	handle TraderHandle
	cancel context.CancelFunc
}

// Loop is the Discovery Loop (C7).
type Loop struct {
	cfg     Config
	lister  MarketLister
	fanOut  FanOut
	factory TraderFactory

	mu      sync.Mutex
	running map[string]*runningTrader
}

// New constructs a Loop. It does not start scanning until Run is called.
func New(cfg Config, lister MarketLister, fanOut FanOut, factory TraderFactory) *Loop {
	return &Loop{
		cfg:     cfg.withDefaults(),
		lister:  lister,
		fanOut:  fanOut,
		factory: factory,
		running: make(map[string]*runningTrader),
	}
}

// Run scans every scan_interval until ctx is cancelled. On cancellation it
// does not itself retire traders — that is the orchestrator's shutdown
// sequence's job (§4.8) — it simply stops scanning.
func (l *Loop) Run(ctx context.Context) {
	l.scan(ctx)

	ticker := time.NewTicker(l.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.scan(ctx)
		}
	}
}

// isLiquid implements §4.7 step 2.
func (l *Loop) isLiquid(m MarketInfo) bool {
	if m.YesBid == nil || m.YesAsk == nil {
		return false
	}
	if *m.YesAsk-*m.YesBid > l.cfg.MaxSpread {
		return false
	}
	if l.cfg.MinVolume > 0 && m.Volume < l.cfg.MinVolume {
		return false
	}
	return true
}

func (l *Loop) scan(ctx context.Context) {
	markets, err := l.lister.ListOpenMarkets(ctx)
	if err != nil {
		log.Error().Err(err).Msg("discovery: list_open_markets failed, skipping this cycle")
		return
	}

	liquid := make(map[string]MarketInfo)
	for _, m := range markets {
		if l.isLiquid(m) {
			liquid[m.Ticker] = m
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.retireStale(liquid)
	l.spawnNew(ctx, markets, liquid)
}

// retireStale implements §4.7 step 5: any running trader no longer in the
// liquid set is retired if Flat, deferred otherwise. Caller holds l.mu.
func (l *Loop) retireStale(liquid map[string]MarketInfo) {
	for ticker, rt := range l.running {
		if _, stillLiquid := liquid[ticker]; stillLiquid {
			continue
		}
		if rt.handle.State() != trader.Flat {
			log.Debug().Str("ticker", ticker).Msg("discovery: market no longer liquid but trader has an open position, deferring retirement")
			continue
		}
		log.Info().Str("ticker", ticker).Msg("discovery: retiring trader, market no longer liquid")
		l.fanOut.Detach(ticker)
		rt.cancel()
		delete(l.running, ticker)
	}
}

// spawnNew implements §4.7 steps 3-4 and the max_markets volume ordering.
// Caller holds l.mu.
func (l *Loop) spawnNew(ctx context.Context, markets []MarketInfo, liquid map[string]MarketInfo) {
	slots := l.cfg.MaxMarkets - len(l.running)
	if slots <= 0 {
		return
	}

	var candidates []MarketInfo
	for ticker, m := range liquid {
		if _, alreadyRunning := l.running[ticker]; alreadyRunning {
			continue
		}
		candidates = append(candidates, m)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Volume > candidates[j].Volume
	})
	if len(candidates) > slots {
		candidates = candidates[:slots]
	}

	for _, m := range candidates {
		traderCtx, cancel := context.WithCancel(ctx)
		handle := l.factory(m.Ticker)
		l.running[m.Ticker] = &runningTrader{handle: handle, cancel: cancel}
		l.fanOut.Attach(m.Ticker, handle)
		go handle.Run(traderCtx)
		log.Info().Str("ticker", m.Ticker).Int64("volume", m.Volume).Msg("discovery: spawned trader for newly liquid market")
	}
}

// Adopt registers an already-running trader (one restored from a persisted
// position at startup, before the discovery loop's first scan) so that a
// later scan neither respawns nor retires it out from under the
// orchestrator's reconciliation step. The caller owns starting Run and
// attaching to the fan-out before calling Adopt.
func (l *Loop) Adopt(ticker string, handle TraderHandle, cancel context.CancelFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running[ticker] = &runningTrader{handle: handle, cancel: cancel}
}

// Running returns the set of tickers with an active trader, for status
// reporting.
func (l *Loop) Running() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	tickers := make([]string, 0, len(l.running))
	for t := range l.running {
		tickers = append(tickers, t)
	}
	return tickers
}

// Shutdown cancels every running trader's context and detaches it. The
// orchestrator calls it when its shutdown grace wait ends, whether or not
// every trader has reached Flat (§4.8).
func (l *Loop) Shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ticker, rt := range l.running {
		l.fanOut.Detach(ticker)
		rt.cancel()
		delete(l.running, ticker)
	}
}
