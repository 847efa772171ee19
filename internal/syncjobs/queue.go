package syncjobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/logger"
)

// Request is one queued sync order.
type Request struct {
	JobID             string   `json:"job_id"`
	ProviderAccountID string   `json:"provider_account_id"`
	DaysBack          int      `json:"days_back,omitempty"`
	MaxPerThread      int      `json:"max_per_thread,omitempty"`
	Folders           []string `json:"folders,omitempty"`
	RequestedAt       string   `json:"requested_at"`
}

// Publisher enqueues sync requests onto the durable queue.
type Publisher struct {
	conn  *amqp091.Connection
	queue string
	log   *logger.Logger
}

// NewPublisher connects and declares the durable sync queue.
func NewPublisher(url, queue string, log *logger.Logger) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	defer ch.Close()
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, queue: queue, log: log}, nil
}

// Enqueue publishes one sync request.
func (p *Publisher) Enqueue(ctx context.Context, req *Request) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if req.RequestedAt == "" {
		req.RequestedAt = time.Now().UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(
		ctx, "", p.queue, false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     req.JobID,
			CorrelationId: uuid.NewString(),
			Timestamp:     time.Now(),
			Body:          body,
		},
	)
	if err == nil {
		p.log.Info("sync request enqueued",
			zap.String("job_id", req.JobID),
			zap.String("queue", p.queue))
	}
	return err
}

// Close closes the AMQP connection.
func (p *Publisher) Close() error {
	return p.conn.Close()
}

// Consumer drains the sync queue and executes jobs through a Runner.
type Consumer struct {
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	queue    string
	runner   *Runner
	defaults Options
	log      *logger.Logger
	workers  int
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewConsumer connects and declares the durable sync queue. defaults fill in
// request fields the trigger left unset.
func NewConsumer(url, queue string, runner *Runner, workers int, defaults Options, log *logger.Logger) (*Consumer, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}
	if workers <= 0 {
		workers = 2
	}
	return &Consumer{
		conn:     conn,
		ch:       ch,
		queue:    queue,
		runner:   runner,
		defaults: defaults,
		log:      log,
		workers:  workers,
		done:     make(chan struct{}),
	}, nil
}

// Start begins consuming. It returns once the consumers are running.
func (c *Consumer) Start() error {
	var startErr error
	c.once.Do(func() {
		if err := c.ch.Qos(c.workers, 0, false); err != nil {
			startErr = err
			return
		}
		msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
		if err != nil {
			startErr = err
			return
		}
		for i := 0; i < c.workers; i++ {
			c.wg.Add(1)
			go c.workerLoop(msgs)
		}
		c.log.Info("sync consumer started",
			zap.String("queue", c.queue),
			zap.Int("workers", c.workers))
	})
	return startErr
}

func (c *Consumer) workerLoop(msgs <-chan amqp091.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			c.handle(msg)
		}
	}
}

func (c *Consumer) handle(msg amqp091.Delivery) {
	var req Request
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		c.log.Error("malformed sync request", zap.Error(err))
		_ = msg.Nack(false, false)
		return
	}

	opts := Options{
		DaysBack:     req.DaysBack,
		MaxPerThread: req.MaxPerThread,
		Concurrency:  c.defaults.Concurrency,
		Folders:      req.Folders,
	}
	if opts.DaysBack <= 0 {
		opts.DaysBack = c.defaults.DaysBack
	}
	if opts.MaxPerThread <= 0 {
		opts.MaxPerThread = c.defaults.MaxPerThread
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	err := c.runner.Run(ctx, req.ProviderAccountID, req.JobID, opts)
	cancel()
	if err != nil {
		c.log.Error("sync job failed",
			zap.String("job_id", req.JobID),
			zap.Error(err))
		// The job row already carries the terminal state; requeueing would
		// rerun a failed backfill forever.
		_ = msg.Nack(false, false)
		return
	}
	_ = msg.Ack(false)
}

// Close stops the workers and closes the connection.
func (c *Consumer) Close() error {
	close(c.done)
	c.wg.Wait()
	_ = c.ch.Close()
	return c.conn.Close()
}
