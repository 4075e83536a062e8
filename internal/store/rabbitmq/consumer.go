package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/ai-relay/internal/usage"
)

// DecodeUsage parses and validates a delivery body.
func DecodeUsage(body []byte) (usage.Event, error) {
	var e usage.Event
	if err := json.Unmarshal(body, &e); err != nil {
		return usage.Event{}, fmt.Errorf("decode usage event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return usage.Event{}, err
	}
	return e, nil
}

const (
	attemptsHeader = "x-attempts"
	MaxAttempts    = 3
)

// Attempts is how many times the delivery has been tried before.
func Attempts(headers amqp.Table) int {
	switch v := headers[attemptsHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

// Retry republishes d on the retry queue, from which it dead-letters back
// to queue after delay.
func Retry(ctx context.Context, ch *amqp.Channel, queue string, d amqp.Delivery, delay time.Duration) error {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[attemptsHeader] = int32(Attempts(d.Headers) + 1)

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ch.PublishWithContext(cctx, "", TopologyFor(queue).Retry, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		Type:         d.Type,
		Headers:      headers,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Body:         d.Body,
	})
}
