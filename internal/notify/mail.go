package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/mail"
	"strings"

	"github.com/pocketbase/pocketbase/tools/mailer"
)

// SendFunc matches mailer.Mailer.Send.
type SendFunc func(*mailer.Message) error

// MailListener sends the order confirmation to the buyer and a ticket
// mail to every attendee with their own address.
type MailListener struct {
	send SendFunc
	from mail.Address
}

func NewMailListener(send SendFunc, from mail.Address) *MailListener {
	return &MailListener{send: send, from: from}
}

func (l *MailListener) Name() string { return "mail" }

func (l *MailListener) Handle(_ context.Context, msg Message) error {
	switch msg.Kind {
	case OrderCompleted, TicketsResent:
		return l.completed(msg)
	case OrderCancelled:
		return l.simple(msg, "Order "+msg.OrderID+" cancelled",
			fmt.Sprintf("Your order %s was cancelled. %s", msg.OrderID, msg.Reason))
	case OrderRefunded:
		return l.simple(msg, "Order "+msg.OrderID+" refunded",
			fmt.Sprintf("Your order %s was refunded. Its tickets are no longer valid.", msg.OrderID))
	case RefundRequired:
		return l.simple(msg, "Order "+msg.OrderID+" could not be completed",
			fmt.Sprintf("We received your payment for order %s but the tickets sold out before it arrived. A refund of %s %s will be issued.",
				msg.OrderID, msg.Currency, msg.Total.StringFixed(2)))
	}
	return nil
}

func (l *MailListener) simple(msg Message, subject, body string) error {
	if msg.BuyerEmail == "" {
		return nil
	}
	return l.send(&mailer.Message{
		From:    l.from,
		To:      []mail.Address{{Name: msg.BuyerName, Address: msg.BuyerEmail}},
		Subject: subject,
		HTML:    "<p>" + html.EscapeString(body) + "</p>",
		Text:    body,
	})
}

func (l *MailListener) completed(msg Message) error {
	var errs []error

	if msg.BuyerEmail != "" {
		var text, markup strings.Builder
		fmt.Fprintf(&text, "Order %s is confirmed. Total paid: %s %s.\n\n", msg.OrderID, msg.Currency, msg.Total.StringFixed(2))
		fmt.Fprintf(&markup, "<p>Order <b>%s</b> is confirmed. Total paid: %s %s.</p><ul>",
			html.EscapeString(msg.OrderID), html.EscapeString(msg.Currency), msg.Total.StringFixed(2))
		for _, t := range msg.Tickets {
			fmt.Fprintf(&text, "%s  %s  %s\n", t.Number, t.TierName, t.AttendeeName)
			fmt.Fprintf(&markup, "<li>%s: %s (%s)</li>",
				html.EscapeString(t.Number), html.EscapeString(t.TierName), html.EscapeString(t.AttendeeName))
		}
		markup.WriteString("</ul>")

		err := l.send(&mailer.Message{
			From:    l.from,
			To:      []mail.Address{{Name: msg.BuyerName, Address: msg.BuyerEmail}},
			Subject: "Your tickets for order " + msg.OrderID,
			HTML:    markup.String(),
			Text:    text.String(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("buyer: %w", err))
		}
	}

	for _, t := range msg.Tickets {
		if t.AttendeeEmail == "" || strings.EqualFold(t.AttendeeEmail, msg.BuyerEmail) {
			continue
		}
		body := fmt.Sprintf("Ticket %s (%s) for %s. Verification code: %s", t.Number, t.TierName, t.AttendeeName, t.VerificationCode)
		err := l.send(&mailer.Message{
			From:    l.from,
			To:      []mail.Address{{Name: t.AttendeeName, Address: t.AttendeeEmail}},
			Subject: "Your ticket " + t.Number,
			HTML:    "<p>" + html.EscapeString(body) + "</p>",
			Text:    body,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("ticket %s: %w", t.Number, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("send order %s mail: %w", msg.OrderID, err)
	}
	return nil
}
