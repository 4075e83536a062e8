package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/ai-relay/internal/usage"
)

// Topology names the usage queue and its companions. Failed deliveries
// are nacked into DLQ; Retry holds republished deliveries until their
// expiration, then dead-letters them back to Main.
type Topology struct {
	Main  string
	Retry string
	DLQ   string
}

func TopologyFor(queue string) Topology {
	return Topology{Main: queue, Retry: queue + ".retry", DLQ: queue + ".dlq"}
}

type queueSpec struct {
	name string
	args amqp.Table
}

func (t Topology) specs() []queueSpec {
	deadLetterTo := func(q string) amqp.Table {
		return amqp.Table{"x-dead-letter-exchange": "", "x-dead-letter-routing-key": q}
	}
	// DLQ first: the others reference it
	return []queueSpec{
		{name: t.DLQ},
		{name: t.Retry, args: deadLetterTo(t.Main)},
		{name: t.Main, args: deadLetterTo(t.DLQ)},
	}
}

// Declare creates every queue as durable. It is idempotent.
func (t Topology) Declare(ch *amqp.Channel) error {
	for _, q := range t.specs() {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return err
		}
	}
	return nil
}

// DeclareTopology declares queue, queue.retry and queue.dlq.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	return TopologyFor(queue).Declare(ch)
}

// Publisher sends usage events to the main queue and waits for the
// broker to confirm each one.
type Publisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareTopology(ch, queue); err == nil {
		err = ch.Confirm(false)
	}
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

var errNacked = errors.New("rabbitmq: publish not confirmed")

func (p *Publisher) PublishUsage(ctx context.Context, e usage.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p.mu.Lock()
	dc, err := p.ch.PublishWithDeferredConfirmWithContext(cctx, "", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		Timestamp:    e.At,
		Type:         "usage." + e.Kind,
	})
	p.mu.Unlock()
	if err != nil {
		return err
	}
	acked, err := dc.WaitContext(cctx)
	if err != nil {
		return err
	}
	if !acked {
		return errNacked
	}
	return nil
}
