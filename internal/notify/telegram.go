// Package notify pushes the alerts a human actually wants on their phone:
// executions, kill-switch trips and a lost execution session. It consumes the
// event bus, so the trading core never waits on Telegram.
package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ptdat-quant/confluence-bot/internal/events"
	"github.com/ptdat-quant/confluence-bot/internal/logger"
)

// Telegram sends alerts through the Bot API.
type Telegram struct {
	token   string
	chatID  string
	client  *http.Client
	baseURL string
	log     *logger.Logger
}

// NewTelegram builds a notifier for the given bot token and chat.
func NewTelegram(token, chatID string, log *logger.Logger) *Telegram {
	return &Telegram{
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: "https://api.telegram.org",
		log:     log,
	}
}

// Run consumes bus events until ctx is done. Call in its own goroutine.
func (t *Telegram) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if msg := render(ev); msg != "" {
				if err := t.send(msg); err != nil && t.log != nil {
					t.log.LogError("telegram", err)
				}
			}
		}
	}
}

// render formats the events worth a push; everything else returns "".
func render(ev events.Event) string {
	switch p := ev.Payload.(type) {
	case events.TradeExecuted:
		return fmt.Sprintf("✅ *Trade executed*\n%s %s %.4f @ %.5f\nSL %.5f / TP %.5f (score %.1f)",
			strings.ToUpper(string(p.Direction)), p.Symbol, p.Volume, p.Entry, p.StopLoss, p.TakeProfit, p.Score)
	case events.KillSwitchActivated:
		return fmt.Sprintf("🚨 *Kill switch*\n%s halted after %.2f rolling loss", p.Symbol, p.RecentLoss)
	case events.Fatal:
		return fmt.Sprintf("🚨 *Execution session lost*\n%s\nNew orders halted; monitoring continues.", p.Reason)
	case events.SessionRestored:
		return fmt.Sprintf("✅ *Execution session restored*\nTrading resumed on cycle %d.", p.Cycle)
	}
	return ""
}

func (t *Telegram) send(text string) error {
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)

	data := url.Values{}
	data.Set("chat_id", t.chatID)
	data.Set("text", text)
	data.Set("parse_mode", "Markdown")

	resp, err := t.client.Post(endpoint, "application/x-www-form-urlencoded",
		strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}
