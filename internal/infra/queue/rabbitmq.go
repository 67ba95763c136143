package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"price-radar/internal/domain"
)

// RabbitCheckQueue реализует очередь задач через AMQP.
type RabbitCheckQueue struct {
	conn      *amqp.Connection
	pubCh     *amqp.Channel
	consCh    *amqp.Channel
	queue     string
	deliverCh <-chan amqp.Delivery
}

var _ domain.CheckQueue = (*RabbitCheckQueue)(nil)

// NewRabbitCheckQueue подключается к RabbitMQ и объявляет durable-очередь.
func NewRabbitCheckQueue(amqpURL, queue string) (*RabbitCheckQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	consCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open consume channel: %w", err)
	}
	if _, err := pubCh.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := consCh.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	return &RabbitCheckQueue{conn: conn, pubCh: pubCh, consCh: consCh, queue: queue}, nil
}

// Enqueue публикует задачу в очередь.
func (q *RabbitCheckQueue) Enqueue(ctx context.Context, job domain.CheckJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	err = q.pubCh.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди. Подтверждение с success=false
// возвращает задачу обратно через nack с requeue.
func (q *RabbitCheckQueue) Receive(ctx context.Context) (domain.CheckJob, domain.CheckAckFunc, error) {
	if q.deliverCh == nil {
		deliveries, err := q.consCh.Consume(q.queue, "", false, false, false, false, nil)
		if err != nil {
			return domain.CheckJob{}, nil, fmt.Errorf("consume: %w", err)
		}
		q.deliverCh = deliveries
	}

	select {
	case <-ctx.Done():
		return domain.CheckJob{}, nil, ctx.Err()
	case delivery, ok := <-q.deliverCh:
		if !ok {
			return domain.CheckJob{}, nil, errors.New("amqp queue: канал доставки закрыт")
		}
		var job domain.CheckJob
		if err := json.Unmarshal(delivery.Body, &job); err != nil {
			_ = delivery.Nack(false, false)
			return domain.CheckJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return delivery.Ack(false)
			}
			return delivery.Nack(false, true)
		}
		return job, ack, nil
	}
}

// Close закрывает соединение с брокером.
func (q *RabbitCheckQueue) Close() error {
	return q.conn.Close()
}
