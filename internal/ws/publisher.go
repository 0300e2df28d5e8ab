// Package ws publishes booking status events to Redis and streams them to websocket clients.
package ws

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const bookingEventChannelTemplate = "booking:{bookingId}:events"

// Event is the message delivered on a booking channel.
type Event struct {
	Channel string      `json:"channel"`
	Event   string      `json:"event"`
	Data    interface{} `json:"data"`
}

// Publisher publishes booking events.
type Publisher struct {
	client   redis.Cmdable
	template string
}

// NewPublisher creates a publisher.
func NewPublisher(client redis.Cmdable, channel string) *Publisher {
	if channel == "" || !strings.Contains(channel, "{bookingId}") {
		channel = bookingEventChannelTemplate
	}
	return &Publisher{client: client, template: channel}
}

// Channel returns the pub/sub channel of one booking.
func (p *Publisher) Channel(bookingID uuid.UUID) string {
	return strings.ReplaceAll(p.template, "{bookingId}", bookingID.String())
}

// PublishStatus publishes a status change for the booking.
func (p *Publisher) PublishStatus(ctx context.Context, bookingID uuid.UUID, data interface{}) error {
	return p.publish(ctx, bookingID, "status", data)
}

func (p *Publisher) publish(ctx context.Context, bookingID uuid.UUID, event string, data interface{}) error {
	raw, err := json.Marshal(Event{Channel: "booking", Event: event, Data: data})
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, p.Channel(bookingID), raw).Err()
}
