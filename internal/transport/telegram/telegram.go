// Package telegram is the production Transport: a thin telebot wrapper that
// classifies Bot API failures into the engine's outcome taxonomy.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	tele "gopkg.in/telebot.v4"

	"routexd/internal/transport"
)

type Config struct {
	Token     string
	ParseMode string // "HTML" (default) or "MarkdownV2"
	// AttemptTimeout bounds one Bot API call. telebot's Send does not take a
	// context, so the bound lives on the HTTP client itself.
	AttemptTimeout time.Duration
}

type Adapter struct {
	bot  *tele.Bot
	opts *tele.SendOptions
	log  zerolog.Logger
}

func New(cfg Config, log zerolog.Logger) (*Adapter, error) {
	bot, err := tele.NewBot(newSettings(cfg))
	if err != nil {
		return nil, err
	}
	mode := cfg.ParseMode
	if mode == "" {
		mode = tele.ModeHTML
	}
	return &Adapter{
		bot:  bot,
		opts: &tele.SendOptions{ParseMode: mode},
		log:  log.With().Str("component", "telegram").Logger(),
	}, nil
}

func newSettings(cfg Config) tele.Settings {
	s := tele.Settings{
		Token: cfg.Token,
		// No poller: this process only sends. Inbound updates are the bot
		// process's business.
		Synchronous: true,
	}
	if cfg.AttemptTimeout > 0 {
		s.Client = &http.Client{Timeout: cfg.AttemptTimeout}
	}
	return s
}

func (a *Adapter) Send(ctx context.Context, recipient int64, payload string) transport.Outcome {
	if err := ctx.Err(); err != nil {
		return transport.TransientError(err)
	}
	_, err := a.bot.Send(tele.ChatID(recipient), payload, a.opts)
	if err == nil {
		return transport.Delivered()
	}
	return a.classify(recipient, err)
}

func (a *Adapter) classify(recipient int64, err error) transport.Outcome {
	var flood tele.FloodError
	if errors.As(err, &flood) {
		a.log.Warn().Int64("chat_id", recipient).Int("retry_after", flood.RetryAfter).
			Msg("flood wait from telegram")
		return transport.Throttled(time.Duration(flood.RetryAfter) * time.Second)
	}

	switch {
	case errors.Is(err, tele.ErrBlockedByUser),
		errors.Is(err, tele.ErrUserIsDeactivated),
		errors.Is(err, tele.ErrChatNotFound),
		errors.Is(err, tele.ErrNotStartedByUser):
		return transport.PermanentError(err)
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		// Remaining 4xx responses are request-shaped problems that a retry
		// will not fix; 5xx is Telegram having a moment.
		if apiErr.Code >= 400 && apiErr.Code < 500 {
			return transport.PermanentError(err)
		}
		return transport.TransientError(err)
	}

	// Anything else is the network.
	return transport.TransientError(err)
}
