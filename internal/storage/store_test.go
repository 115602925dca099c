package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kxquant/momentum-engine/internal/trade"
)

func newTestStore(t *testing.T) *Store {
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_WriteTrade(t *testing.T) {
	s := newTestStore(t)

	exitPrice := 40
	pnl := int64(100)
	closedAt := time.Now()
	rec := trade.Record{
		Ticker:           "TICKER-X",
		Side:             trade.Yes,
		Size:             5,
		EntryPriceCents:  36,
		ExitPriceCents:   &exitPrice,
		OpenedAt:         time.Now().Add(-time.Minute),
		ClosedAt:         &closedAt,
		ExitReason:       trade.ExitTrailingStop,
		RealizedPnLCents: &pnl,
	}

	require.NoError(t, s.Write(rec))
}

func TestStore_OpenPositionRoundTrip(t *testing.T) {
	s := newTestStore(t)

	snap := OpenPositionSnapshot{
		Ticker:            "TICKER-X",
		Side:              trade.Yes,
		Size:              5,
		EntryPriceCents:   36,
		HighestSeenCents:  38,
		StopLossCents:     33,
		TrailingStopCents: 36,
		OpenedAt:          time.Now(),
		ExchangeOrderID:   "ord-1",
	}
	require.NoError(t, s.SaveOpenPosition(snap))

	loaded, err := s.LoadOpenPositions()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "TICKER-X", loaded[0].Ticker)
	require.Equal(t, trade.Yes, loaded[0].Side)

	require.NoError(t, s.RemoveOpenPosition("TICKER-X"))
	loaded, err = s.LoadOpenPositions()
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestStore_RiskStateRoundTrip(t *testing.T) {
	s := newTestStore(t)

	_, _, found, err := s.LoadTodayRiskState()
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, s.SaveRiskState(500, -20))

	exposure, pnl, found, err := s.LoadTodayRiskState()
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, int64(500), exposure)
	require.Equal(t, int64(-20), pnl)
}
