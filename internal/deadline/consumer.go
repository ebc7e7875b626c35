package deadline

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Poll timing for the consumer loop.
const (
	emptySleep = 10 * time.Second
	maxWait    = time.Minute
	errorSleep = 5 * time.Second
	clockSlack = time.Second
)

// Expirer moves an overdue job to failed. Implementations must ignore
// jobs that already reached a terminal state.
type Expirer interface {
	ExpireDeadline(ctx context.Context, jobID string) error
}

// Consumer drains due deadlines from a queue.
type Consumer struct {
	queue   Queue
	expirer Expirer
	logger  *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewConsumer creates a deadline consumer.
func NewConsumer(queue Queue, expirer Expirer, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		queue:   queue,
		expirer: expirer,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins the poll loop.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("deadline consumer started")
	go c.loop(ctx)
}

// Stop stops the consumer and waits for the loop to exit.
func (c *Consumer) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Consumer) loop(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		default:
		}

		wait, err := c.tick(ctx)
		if err != nil {
			c.logger.Error("deadline tick failed", "error", err)
			wait = errorSleep
		}
		if wait > 0 && !c.sleep(ctx, wait) {
			return
		}
	}
}

// tick processes at most one due deadline and returns how long to sleep
// before the next pass.
func (c *Consumer) tick(ctx context.Context) (time.Duration, error) {
	jobID, at, err := c.queue.Peek(ctx)
	if errors.Is(err, ErrEmpty) {
		return emptySleep, nil
	}
	if err != nil {
		return 0, err
	}

	if delta := time.Until(at); delta > clockSlack {
		if delta > maxWait {
			delta = maxWait
		}
		return delta, nil
	}

	claimed, err := c.queue.Claim(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if !claimed {
		// Another consumer got there first.
		return 0, nil
	}

	if err := c.expirer.ExpireDeadline(ctx, jobID); err != nil {
		c.logger.Error("job expiry failed", "job_id", jobID, "error", err)
		return errorSleep, nil
	}
	c.logger.Info("job deadline expired", "job_id", jobID, "due", at)
	return 0, nil
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.stop:
		return false
	case <-timer.C:
		return true
	}
}
