package notify

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kxquant/momentum-engine/internal/trade"
)

func TestNewTelegram_DisabledWithoutCredentials(t *testing.T) {
	n, err := NewTelegram("", "")
	require.NoError(t, err)
	require.False(t, n.Enabled())
}

func TestNewTelegram_InvalidChatID(t *testing.T) {
	_, err := NewTelegram("some-token", "not-a-number")
	require.Error(t, err)
}

func TestDisabledTelegram_AllCallsAreNoops(t *testing.T) {
	n, err := NewTelegram("", "")
	require.NoError(t, err)

	require.NotPanics(t, func() {
		n.NotifyEntry("TICKER-X", trade.Yes, 5, 40)
		n.NotifyExit("TICKER-X", trade.Record{Ticker: "TICKER-X", Side: trade.Yes, EntryPriceCents: 40})
		n.NotifyStartup("live")
		n.NotifyShutdown(nil)
		n.NotifyShutdown([]string{"TICKER-X"})
		n.NotifyError(require.AnError)
		n.NotifyEquity(123456)
	})
}
