// Package telegram delivers notifications through the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/noah-isme/campuswatch/internal/models"
	appErrors "github.com/noah-isme/campuswatch/pkg/errors"
)

// Config configures the bot connection.
type Config struct {
	Token       string
	APIEndpoint string
	Timeout     time.Duration
}

type messageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Sender sends Markdown messages to users' private chats.
type Sender struct {
	bot    messageSender
	logger *zap.Logger
}

// New connects to the Bot API. It verifies the token with getMe.
func New(cfg Config, logger *zap.Logger) (*Sender, error) {
	if cfg.Token == "" {
		return nil, errors.New("telegram token is required")
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, endpoint, &http.Client{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("connect telegram bot: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("telegram bot connected", zap.String("username", bot.Self.UserName))
	return &Sender{bot: bot, logger: logger.Named("telegram")}, nil
}

// SendMessage delivers text to userID's private chat. Failures are classified
// as appErrors.ErrDeliveryPermanent or appErrors.ErrDeliveryTransient.
func (s *Sender) SendMessage(ctx context.Context, userID, text string) (models.MessageHandle, error) {
	chatID, err := strconv.ParseInt(strings.TrimSpace(userID), 10, 64)
	if err != nil {
		return models.MessageHandle{}, appErrors.WrapAs(err, appErrors.ErrDeliveryPermanent, "user id is not a telegram chat id")
	}
	if err := ctx.Err(); err != nil {
		return models.MessageHandle{}, appErrors.WrapAs(err, appErrors.ErrDeliveryTransient, "")
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	msg.DisableWebPagePreview = true

	sent, err := s.bot.Send(msg)
	if err != nil {
		return models.MessageHandle{}, classify(err)
	}
	return models.MessageHandle{ChatID: chatID, MessageID: sent.MessageID}, nil
}

func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		// 429 and 5xx clear up on their own; blocked bots and unknown chats do not.
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError {
			return appErrors.WrapAs(err, appErrors.ErrDeliveryTransient, "")
		}
		return appErrors.WrapAs(err, appErrors.ErrDeliveryPermanent, "")
	}
	// No API verdict: the request never completed.
	return appErrors.WrapAs(err, appErrors.ErrDeliveryTransient, "")
}
