package transport

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"lapse/pkg/logx"
)

const ackButtonUnique = "ack"

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// Telegram posts announcements to an operator chat. Announcements that
// require acknowledgement carry an inline button whose press is routed back
// as an acknowledgement.
type Telegram struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
	log      logx.Logger
}

func NewTelegram(cfg TelegramConfig, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{
		bot:      b,
		chat:     &tele.Chat{ID: cfg.ChatID},
		threadID: cfg.ThreadID,
		log:      log.With(logx.String("comp", "transport.telegram")),
	}, nil
}

func (*Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opts := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
		ThreadID:              t.threadID,
	}
	if env.RequiresAck {
		opts.ReplyMarkup = ackMarkup(env.CorrelationID)
	}
	if _, err := t.bot.Send(t.chat, formatAnnouncement(env), opts); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// ListenAcks long-polls Telegram for button presses until ctx is done.
func (t *Telegram) ListenAcks(ctx context.Context, fn AckFunc) error {
	t.bot.Handle(&tele.Btn{Unique: ackButtonUnique}, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil {
			return nil
		}
		text := "Nothing is waiting for this acknowledgement."
		if fn(strings.TrimSpace(cb.Data)) {
			text = "Acknowledged."
		}
		return c.Respond(&tele.CallbackResponse{Text: text})
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.bot.Start()
	}()
	t.log.Info("polling for acknowledgements")

	<-ctx.Done()
	t.bot.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.log.Warn("telegram poller did not stop in time")
	}
	return nil
}

func (*Telegram) Close() error { return nil }

func ackMarkup(correlationID string) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	rm.Inline(rm.Row(rm.Data("Acknowledge", ackButtonUnique, correlationID)))
	return rm
}

func formatAnnouncement(env Envelope) string {
	var b strings.Builder
	b.WriteString("<b>Subject expiry</b>\n")
	fmt.Fprintf(&b, "Policy: <code>%s</code>\n", html.EscapeString(env.PolicyID))
	fmt.Fprintf(&b, "Subject: <code>%s</code>", html.EscapeString(env.SubjectID))
	if env.SubjectType != "" {
		fmt.Fprintf(&b, " (%s)", html.EscapeString(env.SubjectType))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Expires: %s", env.Expiry.UTC().Format(time.RFC3339))
	if env.Offset != "" && env.Offset != "0s" {
		fmt.Fprintf(&b, " (in %s)", html.EscapeString(env.Offset))
	}
	if env.RequiresAck {
		b.WriteString("\n<i>Acknowledgement requested.</i>")
	}
	return b.String()
}
