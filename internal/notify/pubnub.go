package notify

import (
	"context"
	"fmt"

	pubnub "github.com/pubnub/go/v7"
)

// PublishFunc sends payload to a realtime channel.
type PublishFunc func(channel string, payload map[string]interface{}) error

func NewPubNubClient(publishKey, subscribeKey, secretKey, userID string) *pubnub.PubNub {
	cfg := pubnub.NewConfigWithUserId(pubnub.UserId(userID))
	cfg.PublishKey = publishKey
	cfg.SubscribeKey = subscribeKey
	cfg.SecretKey = secretKey
	return pubnub.NewPubNub(cfg)
}

// PubNubPublisher adapts a PubNub client to PublishFunc.
func PubNubPublisher(pn *pubnub.PubNub) PublishFunc {
	return func(channel string, payload map[string]interface{}) error {
		_, status, err := pn.Publish().
			Channel(channel).
			Message(payload).
			Execute()
		if err != nil {
			return err
		}
		if status.Error != nil {
			return status.Error
		}
		if status.StatusCode >= 400 {
			return fmt.Errorf("pubnub publish to %s: status %d", channel, status.StatusCode)
		}
		return nil
	}
}

// PubNubListener pushes order and ticket updates to the buyer's channel.
type PubNubListener struct {
	publish PublishFunc
}

func NewPubNubListener(publish PublishFunc) *PubNubListener {
	return &PubNubListener{publish: publish}
}

func (l *PubNubListener) Name() string { return "pubnub" }

func UserChannel(userID string) string {
	return fmt.Sprintf("user-%s", userID)
}

func (l *PubNubListener) Handle(_ context.Context, msg Message) error {
	if msg.BuyerID == "" {
		return nil
	}

	payload := map[string]interface{}{
		"type":     string(msg.Kind),
		"order_id": msg.OrderID,
		"event_id": msg.EventID,
		"at":       msg.At.Unix(),
	}
	switch msg.Kind {
	case OrderCompleted:
		numbers := make([]string, 0, len(msg.Tickets))
		for _, t := range msg.Tickets {
			numbers = append(numbers, t.Number)
		}
		payload["tickets"] = numbers
		payload["total"] = msg.Total.StringFixed(2)
	case OrderCancelled, RefundRequired:
		payload["reason"] = msg.Reason
	case TicketCheckedIn:
		if len(msg.Tickets) > 0 {
			payload["ticket_number"] = msg.Tickets[0].Number
		}
	}

	return l.publish(UserChannel(msg.BuyerID), payload)
}
