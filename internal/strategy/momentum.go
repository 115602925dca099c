// Package strategy implements the pure momentum-detection function that
// reads a market's price history and decides whether YES/NO prices are
// converging fast enough, and in which direction, to justify an entry. It
// has no network, no mutex, and no knowledge of positions — every call
// with the same history and config produces the same Signal.
package strategy

import (
	"time"

	"github.com/kxquant/momentum-engine/internal/market"
	"github.com/kxquant/momentum-engine/internal/money"
)

// Direction is the momentum call a Signal carries.
type Direction int

const (
	Neutral Direction = iota
	Bullish
	Bearish
)

func (d Direction) String() string {
	switch d {
	case Bullish:
		return "bullish"
	case Bearish:
		return "bearish"
	default:
		return "neutral"
	}
}

// Signal is the outcome of one Analyze call.
type Signal struct {
	Direction  Direction
	Confidence float64 // in [0,1]; 0 for Neutral
	GapChange  money.Tenths
	YesChange  money.Tenths
}

// Config is the subset of the engine-wide configuration Analyze needs.
// Passed by value — it never changes for the lifetime of a trader.
type Config struct {
	Window time.Duration

	// EntryThreshold is cfg.entry_threshold_cents, converted to tenths of a
	// cent so it compares directly against YesChange.
	EntryThreshold money.Tenths

	// ConvergenceThresholdPct is cfg.convergence_threshold_pct expressed as
	// a fraction (3% == 0.03), not a percent integer.
	ConvergenceThresholdPct float64
}

// Analyze implements §4.2: it reads the window ending at tNow, computes the
// gap and yes-price deltas across it, and classifies the result. It never
// mutates state and has no side effects.
func Analyze(history *market.State, tNow time.Time, cfg Config) Signal {
	old, cur, ok := history.WindowAt(tNow, cfg.Window)
	if !ok {
		return Signal{Direction: Neutral}
	}

	gapChange := money.Tenths(cur.Gap - old.Gap)
	yesChange := money.Tenths(cur.YesMid - old.YesMid)

	oldGapAbs := old.Gap
	if oldGapAbs < 0 {
		oldGapAbs = -oldGapAbs
	}
	denom := oldGapAbs
	if denom < 1 {
		denom = 1
	}

	gapShrinkPct := -float64(gapChange) / float64(denom)

	// A zero change can satisfy both "≥ threshold" and "≤ -threshold" only
	// when EntryThreshold is zero; treat that tie as Neutral rather than
	// picking a direction arbitrarily.
	if yesChange == 0 {
		return Signal{Direction: Neutral, GapChange: gapChange, YesChange: yesChange}
	}

	switch {
	case gapShrinkPct >= cfg.ConvergenceThresholdPct && yesChange >= cfg.EntryThreshold:
		return Signal{
			Direction:  Bullish,
			Confidence: confidence(gapShrinkPct, cfg.ConvergenceThresholdPct),
			GapChange:  gapChange,
			YesChange:  yesChange,
		}
	case gapShrinkPct >= cfg.ConvergenceThresholdPct && yesChange <= -cfg.EntryThreshold:
		return Signal{
			Direction:  Bearish,
			Confidence: confidence(gapShrinkPct, cfg.ConvergenceThresholdPct),
			GapChange:  gapChange,
			YesChange:  yesChange,
		}
	default:
		return Signal{Direction: Neutral, GapChange: gapChange, YesChange: yesChange}
	}
}

// confidence caps gap_shrink_pct / (2 * convergence_threshold_pct) at 1.
func confidence(gapShrinkPct, convergenceThresholdPct float64) float64 {
	if convergenceThresholdPct <= 0 {
		return 1
	}
	c := gapShrinkPct / (2 * convergenceThresholdPct)
	if c > 1 {
		return 1
	}
	if c < 0 {
		return 0
	}
	return c
}
