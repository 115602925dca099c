package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kxquant/momentum-engine/internal/market"
)

func defaultConfig() Config {
	return Config{
		Window:                  5 * time.Second,
		EntryThreshold:          20, // 2 cents, in tenths
		ConvergenceThresholdPct: 0.03,
	}
}

func TestAnalyze_EmptyHistory_Neutral(t *testing.T) {
	st := market.NewState(5*time.Second, 200*time.Millisecond)
	sig := Analyze(st, time.Now(), defaultConfig())
	require.Equal(t, Neutral, sig.Direction)
	require.Zero(t, sig.Confidence)
}

func TestAnalyze_SingleSample_Neutral(t *testing.T) {
	st := market.NewState(5*time.Second, 200*time.Millisecond)
	t0 := time.Now()
	st.Insert(market.Sample{Timestamp: t0, YesMid: 300, NoMid: 600, Gap: 100})
	sig := Analyze(st, t0, defaultConfig())
	require.Equal(t, Neutral, sig.Direction)
}

// TestAnalyze_S1_BullishEntry reproduces the spec's bullish scenario: yes_mid 30 -> 35,
// gap 10 -> 7 over a 5s window, with entry_threshold=2 and
// convergence_threshold_pct=3%.
func TestAnalyze_S1_BullishEntry(t *testing.T) {
	st := market.NewState(5*time.Second, 200*time.Millisecond)
	t0 := time.Now()
	st.Insert(market.Sample{Timestamp: t0, YesMid: 300, NoMid: 600, Gap: 100})
	t1 := t0.Add(5 * time.Second)
	st.Insert(market.Sample{Timestamp: t1, YesMid: 350, NoMid: 580, Gap: 70})

	sig := Analyze(st, t1, defaultConfig())

	require.Equal(t, Bullish, sig.Direction)
	require.Equal(t, market.Tenths(-30), sig.GapChange)
	require.Equal(t, market.Tenths(50), sig.YesChange)
	require.InDelta(t, 1.0, sig.Confidence, 1e-9)
}

// TestAnalyze_Bearish checks the mirror of the bullish case: a yes_mid
// drop alongside a shrinking gap should classify Bearish, not Bullish.
func TestAnalyze_Bearish(t *testing.T) {
	st := market.NewState(5*time.Second, 200*time.Millisecond)
	t0 := time.Now()
	st.Insert(market.Sample{Timestamp: t0, YesMid: 600, NoMid: 300, Gap: 100})
	t1 := t0.Add(5 * time.Second)
	st.Insert(market.Sample{Timestamp: t1, YesMid: 550, NoMid: 380, Gap: 70})

	sig := Analyze(st, t1, defaultConfig())

	require.Equal(t, Bearish, sig.Direction)
	require.Equal(t, market.Tenths(-50), sig.YesChange)
}

func TestAnalyze_GapAtExactThreshold_Admitted(t *testing.T) {
	st := market.NewState(5*time.Second, 200*time.Millisecond)
	t0 := time.Now()
	st.Insert(market.Sample{Timestamp: t0, YesMid: 300, NoMid: 600, Gap: 100})
	t1 := t0.Add(5 * time.Second)
	// gap_shrink_pct exactly 3% (at cfg.ConvergenceThresholdPct), yes_change
	// exactly at EntryThreshold: boundary values admit per spec ("≥"), so
	// this asserts the strategy is inclusive at the boundary, not exclusive.
	st.Insert(market.Sample{Timestamp: t1, YesMid: 320, NoMid: 600, Gap: 97})

	sig := Analyze(st, t1, defaultConfig())
	require.Equal(t, Bullish, sig.Direction)
}

func TestAnalyze_BelowThreshold_Neutral(t *testing.T) {
	st := market.NewState(5*time.Second, 200*time.Millisecond)
	t0 := time.Now()
	st.Insert(market.Sample{Timestamp: t0, YesMid: 300, NoMid: 600, Gap: 100})
	t1 := t0.Add(5 * time.Second)
	st.Insert(market.Sample{Timestamp: t1, YesMid: 305, NoMid: 595, Gap: 100})

	sig := Analyze(st, t1, defaultConfig())
	require.Equal(t, Neutral, sig.Direction)
}

func TestAnalyze_Deterministic(t *testing.T) {
	st := market.NewState(5*time.Second, 200*time.Millisecond)
	t0 := time.Now()
	st.Insert(market.Sample{Timestamp: t0, YesMid: 300, NoMid: 600, Gap: 100})
	t1 := t0.Add(5 * time.Second)
	st.Insert(market.Sample{Timestamp: t1, YesMid: 350, NoMid: 580, Gap: 70})

	cfg := defaultConfig()
	sig1 := Analyze(st, t1, cfg)
	sig2 := Analyze(st, t1, cfg)
	require.Equal(t, sig1, sig2)
}

func TestAnalyze_ReconnectTruncatedHistory_Neutral(t *testing.T) {
	st := market.NewState(5*time.Second, 200*time.Millisecond)
	t0 := time.Now()
	// Only one second of history after a simulated reconnect, well short of
	// the 5s window: insufficient data even though two samples exist.
	st.Insert(market.Sample{Timestamp: t0, YesMid: 300, NoMid: 600, Gap: 100})
	t1 := t0.Add(1 * time.Second)
	st.Insert(market.Sample{Timestamp: t1, YesMid: 350, NoMid: 580, Gap: 70})

	sig := Analyze(st, t1, defaultConfig())
	require.Equal(t, Neutral, sig.Direction)
}
