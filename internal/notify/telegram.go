package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"seminarhall/internal/events"
	"seminarhall/internal/models"
	"seminarhall/internal/slots"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

// MessageSender is satisfied by *tgbotapi.BotAPI.
type MessageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

func NewTelegramBot(token string, debug bool) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	bot.Debug = debug
	return bot, nil
}

// TelegramNotifier tells administrators about reservation changes.
type TelegramNotifier struct {
	bot      MessageSender
	chatIDs  []int64
	calendar *slots.Calendar
	logger   *zerolog.Logger
}

func NewTelegramNotifier(bot MessageSender, chatIDs []int64, calendar *slots.Calendar, logger *zerolog.Logger) *TelegramNotifier {
	if calendar == nil {
		calendar = slots.Default()
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &TelegramNotifier{bot: bot, chatIDs: chatIDs, calendar: calendar, logger: logger}
}

func (n *TelegramNotifier) Name() string {
	return "telegram"
}

func (n *TelegramNotifier) Deliver(ctx context.Context, eventType string, payload []byte) error {
	ev, err := events.DecodeReservation(payload)
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", eventType, err)
	}

	text := n.format(eventType, ev)
	var errs []error
	for _, chatID := range n.chatIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := n.bot.Send(msg); err != nil {
			n.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("telegram send failed")
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}

func (n *TelegramNotifier) format(eventType string, ev *events.ReservationEventPayload) string {
	r := ev.Reservation

	var title string
	switch {
	case eventType == events.EventReservationCreated && r.Status == models.StatusWaitlisted:
		title = "Заявка в очереди"
	case eventType == events.EventReservationCreated:
		title = "Новая заявка"
	case eventType == events.EventReservationCancelled:
		title = "Заявка отменена"
	case ev.Promoted:
		title = "Заявка переведена из очереди"
	default:
		title = "Статус заявки изменён"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n\n", title)
	fmt.Fprintf(&sb, "Заявка: %s\n", r.ID)
	fmt.Fprintf(&sb, "Зал: %s\n", r.ResourceID)
	fmt.Fprintf(&sb, "Дата: %s, пара %d", r.Date, r.Period)
	if label := n.calendar.Label(r.Period); label != "" {
		fmt.Fprintf(&sb, " (%s)", label)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Преподаватель: %s\n", r.RequesterID)
	fmt.Fprintf(&sb, "Причина: %s\n", r.Reason)
	if ev.PreviousStatus != "" {
		fmt.Fprintf(&sb, "Статус: %s → %s\n", ev.PreviousStatus, r.Status)
	} else {
		fmt.Fprintf(&sb, "Статус: %s\n", r.Status)
	}
	if r.RejectionReason != "" {
		fmt.Fprintf(&sb, "Причина отказа: %s\n", r.RejectionReason)
	}
	return strings.TrimRight(sb.String(), "\n")
}
