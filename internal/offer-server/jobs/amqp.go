package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/offerlens/amazon-offer-scraper/internal/database"
)

const reconnectDelay = 5 * time.Second

type jobInserter interface {
	Insert(ctx context.Context, job *database.ScrapeJob) error
}

// AMQPSource feeds scrape jobs from a RabbitMQ queue into the job table.
// Messages are JSON scrape requests; the runner picks the jobs up like
// any other.
type AMQPSource struct {
	url    string
	queue  string
	jobs   jobInserter
	logger *slog.Logger
}

type scrapeRequest struct {
	ASINs       []string `json:"asins"`
	PostalCodes []string `json:"postal_codes"`
	Workers     int      `json:"workers"`
}

func NewAMQPSource(url, queue string, jobs *database.JobRepository, logger *slog.Logger) *AMQPSource {
	if queue == "" {
		queue = "offer_scrape_jobs"
	}
	return &AMQPSource{
		url:    url,
		queue:  queue,
		jobs:   jobs,
		logger: logger.With("component", "amqp_source"),
	}
}

// Start consumes the queue until ctx ends, reconnecting after broker
// failures.
func (s *AMQPSource) Start(ctx context.Context) error {
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Error("consumer disconnected, reconnecting", "error", err, "delay", reconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (s *AMQPSource) consume(ctx context.Context) error {
	conn, err := amqp.Dial(s.url)
	if err != nil {
		return fmt.Errorf("failed to dial amqp: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	queue, err := ch.QueueDeclare(s.queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", s.queue, err)
	}

	deliveries, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	s.logger.Info("consuming scrape requests", "queue", queue.Name)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			s.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery turns one message into a pending job. Malformed and
// invalid requests are dropped without requeue; a failed insert requeues
// so the request survives a database outage.
func (s *AMQPSource) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var req scrapeRequest
	if err := json.Unmarshal(d.Body, &req); err != nil {
		s.logger.Warn("dropping malformed scrape request", "error", err)
		d.Nack(false, false)
		return
	}

	job, err := database.NewScrapeJob(req.ASINs, req.PostalCodes, req.Workers, "amqp")
	if err != nil {
		s.logger.Warn("dropping invalid scrape request", "error", err)
		d.Nack(false, false)
		return
	}

	if err := s.jobs.Insert(ctx, job); err != nil {
		s.logger.Error("failed to insert job from queue, requeueing", "error", err)
		d.Nack(false, true)
		return
	}

	s.logger.Info("job accepted from queue", "id", job.ID, "units", job.TotalUnits)
	d.Ack(false)
}
