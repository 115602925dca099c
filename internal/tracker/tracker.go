// Package tracker is the append-only in-memory trade ledger (C4). It
// records entries and exits, computes per-ticker and aggregate statistics,
// and hands each closed trade to a pluggable Sink for durable persistence.
package tracker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kxquant/momentum-engine/internal/trade"
)

// Sink is anything that can durably persist a closed trade. The tracker
// itself never reads a trade back — this is write-only, matching §6's "no
// read-back path is required by the core".
type Sink interface {
	Write(trade.Record) error
}

// NoopSink discards every record; used in tests and when no sink is
// configured.
type NoopSink struct{}

func (NoopSink) Write(trade.Record) error { return nil }

// TickerStats is the per-ticker aggregate a snapshot reports.
type TickerStats struct {
	Wins             int
	Losses           int
	RealizedPnLCents int64
}

// Snapshot is the point-in-time view returned by Tracker.Snapshot.
type Snapshot struct {
	Wins             int
	Losses           int
	RealizedPnLCents int64
	PerTicker        map[string]TickerStats
}

// Tracker is the C4 ledger. Guarded by a RWMutex (finer-grained than the
// risk manager's per §5, since reads — Snapshot — are far more frequent
// than writes).
type Tracker struct {
	mu   sync.RWMutex
	sink Sink

	open    map[string]trade.Record // ticker -> open record, for round-trip closure (P5)
	closed  []trade.Record
	wins    int
	losses  int
	pnl     int64
	perTick map[string]TickerStats
}

// New constructs a Tracker. A nil sink is replaced with NoopSink so callers
// never need a nil check.
func New(sink Sink) *Tracker {
	if sink == nil {
		sink = NoopSink{}
	}
	return &Tracker{
		sink:    sink,
		open:    make(map[string]trade.Record),
		perTick: make(map[string]TickerStats),
	}
}

// RecordEntry opens a ledger entry for ticker. Per P5 (no other entry is
// recorded between a ticker's entry and its matching exit), calling this
// again for a ticker that already has an open record replaces it — the
// trader state machine is the sole caller and guarantees at most one
// concurrent open position per ticker (I1); this is a defensive overwrite,
// not a path the state machine is expected to take.
func (t *Tracker) RecordEntry(ticker string, side trade.Side, size, entryPriceCents int, openedAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.open[ticker] = trade.Record{
		Ticker:          ticker,
		Side:            side,
		Size:            size,
		EntryPriceCents: entryPriceCents,
		OpenedAt:        openedAt,
	}
}

// RecordExit closes the open record for ticker, computes realized P&L, and
// hands the closed record to the sink. It is a no-op if no entry is open
// for the ticker.
func (t *Tracker) RecordExit(ticker string, exitPriceCents, feeCents int, reason trade.ExitReason, closedAt time.Time) (trade.Record, bool) {
	t.mu.Lock()

	rec, ok := t.open[ticker]
	if !ok {
		t.mu.Unlock()
		return trade.Record{}, false
	}
	delete(t.open, ticker)

	pnl := trade.PnLCents(rec.EntryPriceCents, exitPriceCents, feeCents, rec.Size)
	exitPrice := exitPriceCents
	rec.ExitPriceCents = &exitPrice
	rec.ClosedAt = &closedAt
	rec.ExitReason = reason
	rec.RealizedPnLCents = &pnl

	t.closed = append(t.closed, rec)
	t.pnl += pnl
	stats := t.perTick[ticker]
	stats.RealizedPnLCents += pnl
	if pnl >= 0 {
		t.wins++
		stats.Wins++
	} else {
		t.losses++
		stats.Losses++
	}
	t.perTick[ticker] = stats

	sink := t.sink
	t.mu.Unlock()

	if err := sink.Write(rec); err != nil {
		log.Error().Err(err).Str("ticker", ticker).Msg("tracker: failed to persist closed trade")
	}

	return rec, true
}

// RecordPartialExit closes filledSize units of the open record for ticker,
// realizing P&L on just that slice and leaving the remainder open at a
// reduced size — for an exit order that only partially filled before its
// residual was cancelled, per §6's partial-fill handling. If filledSize
// covers the whole open size, this fully closes the position exactly like
// RecordExit.
func (t *Tracker) RecordPartialExit(ticker string, filledSize, exitPriceCents, feeCents int, reason trade.ExitReason, closedAt time.Time) (trade.Record, bool) {
	t.mu.Lock()

	rec, ok := t.open[ticker]
	if !ok {
		t.mu.Unlock()
		return trade.Record{}, false
	}

	closeSize := filledSize
	if closeSize > rec.Size {
		closeSize = rec.Size
	}
	if remaining := rec.Size - closeSize; remaining > 0 {
		rec.Size = remaining
		t.open[ticker] = rec
	} else {
		delete(t.open, ticker)
	}

	closed := rec
	closed.Size = closeSize
	pnl := trade.PnLCents(rec.EntryPriceCents, exitPriceCents, feeCents, closeSize)
	exitPrice := exitPriceCents
	closed.ExitPriceCents = &exitPrice
	closed.ClosedAt = &closedAt
	closed.ExitReason = reason
	closed.RealizedPnLCents = &pnl

	t.closed = append(t.closed, closed)
	t.pnl += pnl
	stats := t.perTick[ticker]
	stats.RealizedPnLCents += pnl
	if pnl >= 0 {
		t.wins++
		stats.Wins++
	} else {
		t.losses++
		stats.Losses++
	}
	t.perTick[ticker] = stats

	sink := t.sink
	t.mu.Unlock()

	if err := sink.Write(closed); err != nil {
		log.Error().Err(err).Str("ticker", ticker).Msg("tracker: failed to persist closed trade")
	}

	return closed, true
}

// Snapshot returns a copy of the tracker's current aggregates.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	perTick := make(map[string]TickerStats, len(t.perTick))
	for k, v := range t.perTick {
		perTick[k] = v
	}
	return Snapshot{
		Wins:             t.wins,
		Losses:           t.losses,
		RealizedPnLCents: t.pnl,
		PerTicker:        perTick,
	}
}

// HasOpen reports whether ticker currently has an open ledger entry. The
// discovery loop does not use it; retirement is decided from the trader's
// own State.
func (t *Tracker) HasOpen(ticker string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.open[ticker]
	return ok
}
