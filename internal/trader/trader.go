// Package trader implements the per-market state machine (C5) — the heart
// of the engine. One Trader owns exactly one ticker's Flat/Holding/Exiting
// lifecycle, reading price updates off a bounded inbox and evaluating the
// momentum strategy on its own cadence.
package trader

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kxquant/momentum-engine/internal/market"
	"github.com/kxquant/momentum-engine/internal/risk"
	"github.com/kxquant/momentum-engine/internal/strategy"
	"github.com/kxquant/momentum-engine/internal/trade"
	"github.com/kxquant/momentum-engine/internal/tracker"
)

// Action is the side of a REST order request (distinct from trade.Side,
// which is the contract side).
type Action int

const (
	Buy Action = iota
	Sell
)

// OrderStatus is the outcome §6's place_order reports.
type OrderStatus int

const (
	Rejected OrderStatus = iota
	Filled
	PartiallyFilled
	Resting
)

// OrderResult is the response to a place_order call.
type OrderResult struct {
	OrderID           string
	Status            OrderStatus
	FilledQty         int
	AvgFillPriceCents int
}

// OrderAPI is the outbound REST capability C5 is programmed against (§6,
// §9 "dynamic dispatch"). Declared here, next to its only consumer, rather
// than in internal/kalshi, so internal/kalshi can depend on internal/trader
// without a cycle.
type OrderAPI interface {
	PlaceOrder(ctx context.Context, ticker string, side trade.Side, action Action, limitPriceCents, size int) (OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// Notifier is the narrow, optional status-reporting surface a Trader calls
// on state transitions. A nil Notifier is valid — calls are skipped.
type Notifier interface {
	NotifyEntry(ticker string, side trade.Side, size, priceCents int)
	NotifyExit(ticker string, rec trade.Record)
}

// State is a Trader's current lifecycle state (§4.5).
type State int

const (
	Flat State = iota
	Holding
	Exiting
	Retired
)

func (s State) String() string {
	switch s {
	case Holding:
		return "holding"
	case Exiting:
		return "exiting"
	case Retired:
		return "retired"
	default:
		return "flat"
	}
}

// Config is the per-trader configuration, passed once by value at
// construction (§9: "a single immutable record ... no runtime
// reconfiguration").
type Config struct {
	Ticker string

	OrderSize         int
	StopLossCents     int64
	TrailingStopCents int64
	FeeCents          int

	TickInterval     time.Duration // default 200ms
	StrategyInterval time.Duration // default 500ms
	OrderAckTimeout  time.Duration // default 5s
	OrderTimeout     time.Duration // default 10s

	ReversalMinConfidence float64 // default 0.5

	Momentum strategy.Config

	InboxCapacity int // default 1024
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 200 * time.Millisecond
	}
	if c.StrategyInterval <= 0 {
		c.StrategyInterval = 500 * time.Millisecond
	}
	if c.OrderAckTimeout <= 0 {
		c.OrderAckTimeout = 5 * time.Second
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = 10 * time.Second
	}
	if c.ReversalMinConfidence <= 0 {
		c.ReversalMinConfidence = 0.5
	}
	if c.InboxCapacity <= 0 {
		c.InboxCapacity = 1024
	}
	return c
}

// position mirrors §3's Position record, in cents (not tenths — the
// traded order book only ever quotes whole cents).
type position struct {
	side              trade.Side
	size              int
	entryPriceCents   int64
	highestSeenCents  int64
	stopLossCents     int64
	trailingStopCents int64
	openedAt          time.Time
	reservationID     risk.ReservationID
	exchangeOrderID   string
}

// Trader is one ticker's C5 state machine.
type Trader struct {
	cfg     Config
	api     OrderAPI
	riskMgr *risk.Manager
	tracker *tracker.Tracker
	history *market.State
	notify  Notifier
	log     zerolog.Logger

	inbox chan market.Sample

	mu             sync.Mutex
	state          State
	pos            *position
	lastMid        market.Sample // most recent processed sample
	exitFrom       time.Time     // when the current Exiting attempt started, for order_timeout re-pricing
	lastExitReason trade.ExitReason
}

// New constructs a Trader for ticker. api and riskMgr/tracker are shared
// collaborators (§9: C5 references C3/C4 by shared handle, never the
// reverse).
func New(cfg Config, api OrderAPI, riskMgr *risk.Manager, trk *tracker.Tracker, notify Notifier) *Trader {
	cfg = cfg.withDefaults()
	return &Trader{
		cfg:     cfg,
		api:     api,
		riskMgr: riskMgr,
		tracker: trk,
		history: market.NewState(cfg.Momentum.Window, 50*time.Millisecond),
		notify:  notify,
		log:     log.With().Str("ticker", cfg.Ticker).Logger(),
		inbox:   make(chan market.Sample, cfg.InboxCapacity),
		state:   Flat,
	}
}

// Submit pushes the latest Sample to the trader's inbox. Never blocks: if
// the inbox is full, the oldest queued sample is dropped to make room,
// per §5's back-pressure rule — the fan-out must never block on a slow
// trader.
func (t *Trader) Submit(s market.Sample) {
	select {
	case t.inbox <- s:
		return
	default:
	}
	select {
	case <-t.inbox:
	default:
	}
	select {
	case t.inbox <- s:
	default:
	}
}

// State reports the trader's current lifecycle state.
func (t *Trader) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// HasOpenPosition reports whether a position is held (or being exited) —
// the lifecycle pin that prevents C7 from retiring this trader.
func (t *Trader) HasOpenPosition() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos != nil
}

// Run drives the trader's tick and strategy cadences until ctx is
// cancelled. On cancellation a held position is moved to Exiting with
// reason Shutdown and no new entries are accepted, but ticking continues —
// so a stalled exit still gets order_timeout re-pricing — and Run returns
// only once the trader is Flat or Retired; there is no separate deadline.
func (t *Trader) Run(ctx context.Context) {
	tick := time.NewTicker(t.cfg.TickInterval)
	defer tick.Stop()
	strategyTick := time.NewTicker(t.cfg.StrategyInterval)
	defer strategyTick.Stop()

	done := ctx.Done()
	shuttingDown := false

	for {
		select {
		case <-done:
			done = nil // stop selecting this case; we've already reacted once
			if !shuttingDown {
				shuttingDown = true
				t.shutdown()
			}
			if t.State() == Flat || t.State() == Retired {
				return
			}
		case s := <-t.inbox:
			t.onSample(s)
		case now := <-tick.C:
			t.onTick(now)
			if shuttingDown && (t.State() == Flat || t.State() == Retired) {
				return
			}
		case now := <-strategyTick.C:
			if !shuttingDown {
				t.onStrategyTick(ctx, now)
			}
		}
	}
}

// onSample updates price history and, while Holding, ratchets the trailing
// stop on every update (not just on tick), per §4.5's explicit
// per-price-update rule. While Exiting, the trailing stop is frozen — no
// ratchet during exit.
func (t *Trader) onSample(s market.Sample) {
	t.history.Insert(s)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastMid = s

	if t.state == Holding && t.pos != nil {
		t.ratchetLocked(s)
	}
}

func (t *Trader) currentSideMid(s market.Sample, side trade.Side) int64 {
	if side == trade.Yes {
		return int64(s.YesMid) / 10
	}
	return int64(s.NoMid) / 10
}

// ratchetLocked updates highest_seen/trailing_stop for the held position.
// Caller must hold t.mu.
func (t *Trader) ratchetLocked(s market.Sample) {
	mid := t.currentSideMid(s, t.pos.side)
	if mid > t.pos.highestSeenCents {
		t.pos.highestSeenCents = mid
		t.pos.trailingStopCents = t.pos.highestSeenCents - t.cfg.TrailingStopCents
	}
}

// onTick evaluates stop-loss/trailing-stop for a held position (§4.5
// per-tick actions 1-2) and re-prices a stalled exit.
func (t *Trader) onTick(now time.Time) {
	t.mu.Lock()
	state := t.state
	pos := t.pos
	lastMid := t.lastMid
	t.mu.Unlock()

	switch state {
	case Holding:
		if pos == nil {
			return
		}
		mid := t.currentSideMid(lastMid, pos.side)
		switch {
		case mid <= pos.stopLossCents:
			t.beginExit(context.Background(), trade.ExitStopLoss, now)
		case mid <= pos.trailingStopCents:
			t.beginExit(context.Background(), trade.ExitTrailingStop, now)
		}
	case Exiting:
		t.mu.Lock()
		stalled := !t.exitFrom.IsZero() && now.Sub(t.exitFrom) >= t.cfg.OrderTimeout
		t.mu.Unlock()
		if stalled {
			t.retryExit(context.Background(), now)
		}
	}
}

// onStrategyTick is the 500ms-cadence C2 evaluation: reversal checks while
// Holding, entry attempts while Flat.
func (t *Trader) onStrategyTick(ctx context.Context, now time.Time) {
	t.mu.Lock()
	state := t.state
	pos := t.pos
	t.mu.Unlock()

	sig := strategy.Analyze(t.history, now, t.cfg.Momentum)

	switch state {
	case Holding:
		if pos == nil {
			return
		}
		opposite := pos.side.Opposite()
		opposingDirection := (opposite == trade.Yes && sig.Direction == strategy.Bullish) ||
			(opposite == trade.No && sig.Direction == strategy.Bearish)
		if opposingDirection && sig.Confidence >= t.cfg.ReversalMinConfidence {
			t.beginExit(ctx, trade.ExitReversal, now)
		}
	case Flat:
		if sig.Direction == strategy.Neutral {
			return
		}
		t.tryEnter(ctx, sig, now)
	}
}

// tryEnter implements §4.5's entry procedure.
func (t *Trader) tryEnter(ctx context.Context, sig strategy.Signal, now time.Time) {
	side := trade.Yes
	if sig.Direction == strategy.Bearish {
		side = trade.No
	}

	t.mu.Lock()
	mid := t.currentSideMid(t.lastMid, side)
	t.mu.Unlock()
	if mid <= 0 {
		return
	}
	limitPrice := int(mid) + 1

	reservationID, err := t.riskMgr.CheckAndReserve(t.cfg.Ticker, int64(t.cfg.OrderSize), int64(limitPrice))
	if err != nil {
		t.log.Debug().Err(err).Msg("trader: entry reservation rejected")
		return
	}

	ackCtx, cancel := context.WithTimeout(ctx, t.cfg.OrderAckTimeout)
	defer cancel()
	result, err := t.api.PlaceOrder(ackCtx, t.cfg.Ticker, side, Buy, limitPrice, t.cfg.OrderSize)
	if err != nil || result.Status == Rejected {
		t.riskMgr.Release(reservationID)
		t.log.Debug().Err(err).Msg("trader: entry order not accepted")
		return
	}
	if result.Status == Resting {
		t.api.CancelOrder(ctx, result.OrderID)
		t.riskMgr.Release(reservationID)
		return
	}
	if result.Status == PartiallyFilled {
		// Partial fills are a full success on the filled quantity; the
		// unfilled residual is cancelled rather than left resting.
		if err := t.api.CancelOrder(ctx, result.OrderID); err != nil {
			t.log.Warn().Err(err).Msg("trader: failed to cancel residual after partial entry fill")
		}
	}

	size := result.FilledQty
	if size <= 0 {
		size = t.cfg.OrderSize
	}
	entryPrice := int64(result.AvgFillPriceCents)
	if entryPrice <= 0 {
		entryPrice = int64(limitPrice)
	}

	if err := t.riskMgr.CommitEntry(reservationID, t.cfg.Ticker, int64(size), entryPrice); err != nil {
		t.log.Error().Err(err).Msg("trader: commit_entry failed on a filled order")
	}
	t.tracker.RecordEntry(t.cfg.Ticker, side, size, int(entryPrice), now)

	t.mu.Lock()
	t.state = Holding
	t.pos = &position{
		side:              side,
		size:              size,
		entryPriceCents:   entryPrice,
		highestSeenCents:  entryPrice,
		stopLossCents:     entryPrice - t.cfg.StopLossCents - int64(t.cfg.FeeCents),
		trailingStopCents: entryPrice - t.cfg.TrailingStopCents,
		openedAt:          now,
		exchangeOrderID:   result.OrderID,
	}
	t.mu.Unlock()

	t.log.Info().
		Str("side", side.String()).
		Int("size", size).
		Int64("entry_price_cents", entryPrice).
		Msg("trader: entry filled")

	if t.notify != nil {
		t.notify.NotifyEntry(t.cfg.Ticker, side, size, int(entryPrice))
	}
}

// beginExit transitions Holding -> Exiting and submits the exit order.
func (t *Trader) beginExit(ctx context.Context, reason trade.ExitReason, now time.Time) {
	t.mu.Lock()
	if t.state != Holding || t.pos == nil {
		t.mu.Unlock()
		return
	}
	t.state = Exiting
	t.exitFrom = now
	pos := *t.pos
	t.mu.Unlock()

	t.log.Info().Str("reason", reason.String()).Msg("trader: beginning exit")
	t.submitExit(ctx, pos, reason)
}

func (t *Trader) retryExit(ctx context.Context, now time.Time) {
	t.mu.Lock()
	if t.state != Exiting || t.pos == nil {
		t.mu.Unlock()
		return
	}
	pos := *t.pos
	reason := t.lastExitReason
	t.exitFrom = now
	t.mu.Unlock()

	t.log.Warn().Msg("trader: exit order timed out, re-pricing")
	t.submitExit(ctx, pos, reason)
}

func (t *Trader) submitExit(ctx context.Context, pos position, reason trade.ExitReason) {
	t.mu.Lock()
	t.lastExitReason = reason
	mid := t.currentSideMid(t.lastMid, pos.side)
	t.mu.Unlock()
	if mid <= 0 {
		mid = pos.entryPriceCents
	}
	limitPrice := int(mid) - 1

	ackCtx, cancel := context.WithTimeout(ctx, t.cfg.OrderAckTimeout)
	defer cancel()
	result, err := t.api.PlaceOrder(ackCtx, t.cfg.Ticker, pos.side, Sell, limitPrice, pos.size)
	if err != nil {
		t.log.Error().Err(err).Msg("trader: exit order submission failed, will re-price on next timeout")
		return
	}
	if result.Status == Rejected || result.Status == Resting {
		return // re-priced on next tick's timeout check
	}
	if result.Status == PartiallyFilled {
		// As on entry, the filled quantity is a full success and the
		// unfilled residual is cancelled rather than left resting.
		if err := t.api.CancelOrder(ctx, result.OrderID); err != nil {
			t.log.Warn().Err(err).Msg("trader: failed to cancel residual after partial exit fill")
		}
	}

	t.completeExit(result, pos, reason)
}

// completeExit finalizes a filled exit: commit_exit, record_exit, and
// return to Flat. A partially filled exit only closes out the filled slice
// — the cancelled residual is still held, so the trader returns to Holding
// with a reduced position instead of flattening.
func (t *Trader) completeExit(result OrderResult, pos position, reason trade.ExitReason) {
	exitPrice := result.AvgFillPriceCents
	if exitPrice <= 0 {
		exitPrice = int(pos.entryPriceCents)
	}
	filled := result.FilledQty
	if filled <= 0 {
		filled = pos.size
	}

	realizedPnL := trade.PnLCents(int(pos.entryPriceCents), exitPrice, t.cfg.FeeCents, filled)
	t.riskMgr.CommitExit(t.cfg.Ticker, realizedPnL, int64(filled), pos.entryPriceCents)

	if filled < pos.size {
		rec, _ := t.tracker.RecordPartialExit(t.cfg.Ticker, filled, exitPrice, t.cfg.FeeCents, reason, time.Now())

		t.mu.Lock()
		if t.pos != nil {
			t.pos.size -= filled
		}
		t.state = Holding
		t.exitFrom = time.Time{}
		t.mu.Unlock()

		t.log.Info().
			Str("reason", reason.String()).
			Int("exit_price_cents", exitPrice).
			Int("residual_size", pos.size-filled).
			Int64("realized_pnl_cents", realizedPnL).
			Msg("trader: exit partially filled, residual still held")

		if t.notify != nil {
			t.notify.NotifyExit(t.cfg.Ticker, rec)
		}
		return
	}

	rec, _ := t.tracker.RecordExit(t.cfg.Ticker, exitPrice, t.cfg.FeeCents, reason, time.Now())

	t.mu.Lock()
	t.state = Flat
	t.pos = nil
	t.exitFrom = time.Time{}
	t.mu.Unlock()

	t.log.Info().
		Str("reason", reason.String()).
		Int("exit_price_cents", exitPrice).
		Int64("realized_pnl_cents", realizedPnL).
		Msg("trader: exit filled")

	if t.notify != nil {
		t.notify.NotifyExit(t.cfg.Ticker, rec)
	}

	// Reversal: immediately evaluate a fresh entry in the reversed
	// direction, subject to cooldown and reservation (§4.5 S5).
	if reason == trade.ExitReversal {
		sig := strategy.Analyze(t.history, time.Now(), t.cfg.Momentum)
		if sig.Direction != strategy.Neutral {
			t.tryEnter(context.Background(), sig, time.Now())
		}
	}
}

// PersistedPosition is the subset of a held position the orchestrator
// persists for crash recovery and restores on restart (§4.8 reconciliation).
type PersistedPosition struct {
	Side              trade.Side
	Size              int
	EntryPriceCents   int64
	HighestSeenCents  int64
	StopLossCents     int64
	TrailingStopCents int64
	OpenedAt          time.Time
	ExchangeOrderID   string
}

// Snapshot returns the held position in persistable form, if any.
func (t *Trader) Snapshot() (PersistedPosition, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pos == nil {
		return PersistedPosition{}, false
	}
	return PersistedPosition{
		Side:              t.pos.side,
		Size:              t.pos.size,
		EntryPriceCents:   t.pos.entryPriceCents,
		HighestSeenCents:  t.pos.highestSeenCents,
		StopLossCents:     t.pos.stopLossCents,
		TrailingStopCents: t.pos.trailingStopCents,
		OpenedAt:          t.pos.openedAt,
		ExchangeOrderID:   t.pos.exchangeOrderID,
	}, true
}

// Restore puts a freshly constructed Trader directly into Holding with a
// previously-persisted position, so a process restart resumes tracking a
// position that survived it rather than re-entering blind. Must be called
// before Run.
func (t *Trader) Restore(p PersistedPosition) {
	t.mu.Lock()
	t.state = Holding
	t.pos = &position{
		side:              p.Side,
		size:              p.Size,
		entryPriceCents:   p.EntryPriceCents,
		highestSeenCents:  p.HighestSeenCents,
		stopLossCents:     p.StopLossCents,
		trailingStopCents: p.TrailingStopCents,
		openedAt:          p.OpenedAt,
		exchangeOrderID:   p.ExchangeOrderID,
	}
	t.mu.Unlock()

	t.tracker.RecordEntry(t.cfg.Ticker, p.Side, p.Size, int(p.EntryPriceCents), p.OpenedAt)
	t.log.Info().Str("side", p.Side.String()).Int("size", p.Size).Msg("trader: restored open position from persisted snapshot")
}

// shutdown implements §4.5's shutdown edge case: a held position moves to
// Exiting with reason Shutdown; a Flat trader is simply retired.
func (t *Trader) shutdown() {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()

	if state == Holding {
		t.beginExit(context.Background(), trade.ExitShutdown, time.Now())
	}

	t.mu.Lock()
	if state == Flat && t.state == Flat {
		t.state = Retired
	}
	t.mu.Unlock()
}
