package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// JobMessage is the payload carried on the queue. State lives in the jobs
// table; the message only names which generation to run.
type JobMessage struct {
	JobID        string `json:"job_id"`
	GenerationID string `json:"generation_id"`
	SessionID    string `json:"session_id"`
}

// NewPublisher dials the broker and declares the queue topology: the main
// queue dead-letters exhausted jobs to the DLQ, and the retry queue
// dead-letters expired messages back to the main queue.
func NewPublisher(url, queue string, retryDelay time.Duration) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := DeclareTopology(ch, queue, retryDelay); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// DeclareTopology declares the main, retry and DLQ queues. Both the publisher
// and the worker call this so either side can start first.
func DeclareTopology(ch *amqp.Channel, queue string, retryDelay time.Duration) error {
	mainQ := queue
	retryQ := queue + ".retry"
	dlqQ := queue + ".dlq"

	if _, err := ch.QueueDeclare(
		dlqQ,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(
		retryQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-message-ttl":             int64(retryDelay / time.Millisecond),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": mainQ,
		},
	); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(
		mainQ,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqQ,
		},
	); err != nil {
		return err
	}
	return nil
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

func (p *Publisher) PublishJob(ctx context.Context, jobID, generationID, sessionID string) error {
	body, err := json.Marshal(JobMessage{
		JobID:        jobID,
		GenerationID: generationID,
		SessionID:    sessionID,
	})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// PublishRetry re-queues a failed job onto the retry queue; the queue TTL
// dead-letters it back to the main queue after the backoff delay.
func (p *Publisher) PublishRetry(ctx context.Context, body []byte, attempt int32) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",
		p.queue+".retry",
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
			Headers:      amqp.Table{"x-attempt": attempt},
		},
	)
}
