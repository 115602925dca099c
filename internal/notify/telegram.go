// Package notify reports trader state transitions to an operator channel.
// The only implementation today is Telegram, in the style of the upstream
// trading bot's status reporter: plain sendMarkdown calls, no inbound
// command loop.
package notify

import (
	"fmt"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/kxquant/momentum-engine/internal/trade"
	"github.com/kxquant/momentum-engine/internal/trader"
)

// Telegram reports fills and exits to a single chat. A zero-value Telegram
// (created via NewTelegram with an empty token) is disabled: every Notify
// call is a silent no-op, so the orchestrator can always hold a non-nil
// Notifier.
type Telegram struct {
	mu      sync.Mutex
	api     *tgbotapi.BotAPI
	chatID  int64
	enabled bool
}

var _ trader.Notifier = (*Telegram)(nil)

// NewTelegram builds a Telegram notifier. An empty token or chatID yields a
// disabled notifier rather than an error, so a deployment can opt out of
// notifications by leaving the env vars unset.
func NewTelegram(token, chatID string) (*Telegram, error) {
	if token == "" || chatID == "" {
		return &Telegram{}, nil
	}

	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("notify: invalid chat id %q: %w", chatID, err)
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("notify: create bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("notify: telegram bot initialized")

	return &Telegram{api: api, chatID: id, enabled: true}, nil
}

// Enabled reports whether this notifier will actually send anything.
func (t *Telegram) Enabled() bool {
	return t.enabled
}

// NotifyEntry implements trader.Notifier.
func (t *Telegram) NotifyEntry(ticker string, side trade.Side, size, priceCents int) {
	emoji := "🟢"
	if side == trade.No {
		emoji = "🔴"
	}
	msg := fmt.Sprintf("%s *ENTRY*\n\n📊 %s — %s\n💵 Price: *%d¢*\n📦 Size: *%d*",
		emoji, ticker, side.String(), priceCents, size)
	t.sendMarkdown(msg)
}

// NotifyExit implements trader.Notifier.
func (t *Telegram) NotifyExit(ticker string, rec trade.Record) {
	emoji := "📈"
	var pnlLine string
	if rec.RealizedPnLCents != nil {
		pnl := *rec.RealizedPnLCents
		if pnl < 0 {
			emoji = "📉"
		}
		pnlLine = fmt.Sprintf("\n💵 P&L: *%d¢*", pnl)
	}

	exitPrice := rec.EntryPriceCents
	if rec.ExitPriceCents != nil {
		exitPrice = *rec.ExitPriceCents
	}

	msg := fmt.Sprintf("%s *EXIT* (%s)\n\n📊 %s — %s\n💵 Entry: *%d¢* → Exit: *%d¢*%s",
		emoji, rec.ExitReason, ticker, rec.Side.String(), rec.EntryPriceCents, exitPrice, pnlLine)
	t.sendMarkdown(msg)
}

// NotifyStartup announces the bot coming online, mirroring the upstream
// bot's startup banner.
func (t *Telegram) NotifyStartup(mode string) {
	t.sendMarkdown(fmt.Sprintf("🤖 *ENGINE STARTED*\n\nMode: *%s*", mode))
}

// NotifyShutdown reports an abandoned position left open past the shutdown
// grace period (§4.8).
func (t *Telegram) NotifyShutdown(abandoned []string) {
	if len(abandoned) == 0 {
		t.sendMarkdown("🛑 *ENGINE STOPPED*\n\nAll positions closed cleanly.")
		return
	}
	t.sendMarkdown(fmt.Sprintf("🛑 *ENGINE STOPPED*\n\n⚠️ %d position(s) still open: %v", len(abandoned), abandoned))
}

// NotifyEquity reports the account's available balance as a periodic
// snapshot. balanceCents comes straight off the exchange; it's converted to
// a decimal.Decimal purely for display — cents never stop being the unit of
// account anywhere else in the engine.
func (t *Telegram) NotifyEquity(balanceCents int64) {
	dollars := decimal.New(balanceCents, -2)
	t.sendMarkdown(fmt.Sprintf("💰 *EQUITY SNAPSHOT*\n\nBalance: *$%s*", dollars.StringFixed(2)))
}

// NotifyError reports an operational error worth surfacing to the operator.
func (t *Telegram) NotifyError(err error) {
	t.sendMarkdown(fmt.Sprintf("⚠️ *ERROR*\n\n%s", err.Error()))
}

func (t *Telegram) sendMarkdown(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := t.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("notify: failed to send telegram message")
	}
}
