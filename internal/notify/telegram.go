// Package notify forwards booking lifecycle events to Telegram chats.
package notify

import (
	"errors"
	"fmt"
	"strings"

	"ridebook/internal/domain"
	"ridebook/internal/events"
	"ridebook/internal/metrics"
	"ridebook/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
)

var statusLabels = map[models.Status]string{
	models.StatusPending:    "ожидает подтверждения",
	models.StatusConfirmed:  "подтверждена",
	models.StatusAccepted:   "принята водителем",
	models.StatusArrived:    "водитель на месте",
	models.StatusInProgress: "посадка",
	models.StatusPicked:     "пассажир в машине",
	models.StatusCompleted:  "завершена",
	models.StatusCancelled:  "отменена",
	models.StatusFailed:     "не состоялась",
}

// TelegramNotifier sends short lifecycle messages to passengers, drivers and admins.
type TelegramNotifier struct {
	sender     domain.TelegramSender
	adminChats []int64
	logger     *zerolog.Logger
}

func NewTelegramNotifier(sender domain.TelegramSender, adminChats []int64, logger *zerolog.Logger) *TelegramNotifier {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &TelegramNotifier{sender: sender, adminChats: adminChats, logger: logger}
}

// Attach subscribes the notifier to the events it reports on.
func (n *TelegramNotifier) Attach(bus *events.EventBus) {
	bus.Subscribe(n.HandleEvent,
		events.EventBookingStatusChanged,
		events.EventDriverAssigned,
		events.EventPickupOTPIssued,
		events.EventPaymentCompleted,
		events.EventPaymentFailed,
		events.EventReviewSubmitted,
	)
}

type outgoing struct {
	chatID int64
	text   string
}

func (n *TelegramNotifier) HandleEvent(event *events.Event) error {
	var (
		msgs []outgoing
		err  error
	)
	if event.Type == events.EventReviewSubmitted {
		msgs, err = n.reviewMessages(event)
	} else {
		msgs, err = n.bookingMessages(event)
	}
	if err != nil {
		metrics.IncNotification(event.Type, "decode_error")
		return fmt.Errorf("decode %s: %w", event.Type, err)
	}

	var errs []error
	for _, m := range msgs {
		if m.chatID == 0 {
			continue
		}
		if _, err := n.sender.Send(tgbotapi.NewMessage(m.chatID, m.text)); err != nil {
			metrics.IncNotification(event.Type, "error")
			errs = append(errs, fmt.Errorf("chat %d: %w", m.chatID, err))
			continue
		}
		metrics.IncNotification(event.Type, "ok")
	}
	return errors.Join(errs...)
}

func (n *TelegramNotifier) bookingMessages(event *events.Event) ([]outgoing, error) {
	p, err := event.DecodeBooking()
	if err != nil {
		return nil, err
	}
	b := p.Booking
	if b == nil {
		return nil, nil
	}
	ref := shortID(b.ID)
	passenger := b.User.TelegramChatID

	switch event.Type {
	case events.EventBookingStatusChanged:
		text := fmt.Sprintf("Поездка %s: %s", ref, label(p.ToStatus))
		out := []outgoing{{passenger, text}}
		if p.ToStatus == models.StatusCancelled || p.ToStatus == models.StatusFailed {
			if b.AssignedDriver != nil {
				out = append(out, outgoing{b.AssignedDriver.TelegramChatID, text})
			}
			out = append(out, n.toAdmins(fmt.Sprintf("%s (%s: %s)", text, p.Role, p.ActorID))...)
		}
		return out, nil

	case events.EventDriverAssigned:
		d := b.AssignedDriver
		if d == nil {
			return nil, nil
		}
		return []outgoing{
			{passenger, fmt.Sprintf("Поездка %s: назначен водитель %s %s", ref, d.Name, d.Phone)},
			{d.TelegramChatID, fmt.Sprintf("Новая поездка %s: %s → %s, пассажиров %d",
				ref, b.PickupLocation, b.DropoffLocation, b.Passengers.Total())},
		}, nil

	case events.EventPickupOTPIssued:
		if b.PickupOTP == nil {
			return nil, nil
		}
		return []outgoing{{passenger, fmt.Sprintf("Код посадки для поездки %s: %s. Назовите его водителю.", ref, b.PickupOTP.Code)}}, nil

	case events.EventPaymentCompleted:
		text := fmt.Sprintf("Поездка %s оплачена: %s (%s)", ref, money(b.Payment), b.Payment.Method)
		return append([]outgoing{{passenger, text}}, n.toAdmins(text)...), nil

	case events.EventPaymentFailed:
		return n.toAdmins(fmt.Sprintf("Оплата поездки %s не прошла: %s", ref, money(b.Payment))), nil
	}
	return nil, nil
}

func (n *TelegramNotifier) reviewMessages(event *events.Event) ([]outgoing, error) {
	p, err := event.DecodeReview()
	if err != nil {
		return nil, err
	}
	if p.Review == nil {
		return nil, nil
	}
	r := p.Review
	text := fmt.Sprintf("Отзыв на водителя %s: %s", r.DriverID, strings.Repeat("★", r.Rating))
	if r.Comment != "" {
		text += "\n" + r.Comment
	}
	return n.toAdmins(text), nil
}

func (n *TelegramNotifier) toAdmins(text string) []outgoing {
	out := make([]outgoing, 0, len(n.adminChats))
	for _, id := range n.adminChats {
		out = append(out, outgoing{id, text})
	}
	return out
}

func label(s models.Status) string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return "#" + id[:8]
	}
	return "#" + id
}

func money(p models.Payment) string {
	return fmt.Sprintf("%d.%02d %s", p.Amount/100, p.Amount%100, p.Currency)
}
