package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"courier/internal/domain"
)

// Consumer receives envelopes addressed to this identity.
type Consumer struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32

	// ReceiveBackoff is the pause after a failed receive; 500ms when zero.
	ReceiveBackoff time.Duration
	Logger         *slog.Logger
}

type Handler func(ctx context.Context, env domain.SecureEnvelope) error

// PollConcurrent processes envelopes with a worker pool. Messages are deleted
// only after the handler succeeds; a failing handler leaves the message for
// SQS redrive.
func (c *Consumer) PollConcurrent(ctx context.Context, workers int, handler Handler) error {
	if workers <= 0 {
		workers = 1
	}

	jobs := make(chan types.Message, workers*2)
	errCh := make(chan error, 1)

	sendErr := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				c.handle(ctx, m, handler)
			}
		}()
	}

	// Producer: fetch messages and enqueue for workers
	go func() {
		defer close(jobs)

		for {
			if ctx.Err() != nil {
				sendErr(ctx.Err())
				return
			}

			out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
				QueueUrl:            &c.QueueURL,
				MaxNumberOfMessages: c.MaxMessages,
				WaitTimeSeconds:     c.WaitTimeSeconds,
				VisibilityTimeout:   c.VisibilityTimeout,
			})
			if err != nil {
				if ctx.Err() != nil {
					sendErr(ctx.Err())
					return
				}
				c.logger().Error("sqs receive envelope failed", "err", err)
				select {
				case <-time.After(c.backoff()):
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
				continue
			}

			for _, m := range out.Messages {
				select {
				case jobs <- m:
				case <-ctx.Done():
					sendErr(ctx.Err())
					return
				}
			}
		}
	}()

	// Wait for shutdown signal (ctx canceled) or producer signals error
	err := <-errCh

	// Let workers finish whatever is already in `jobs` (channel will be closed by producer)
	wg.Wait()
	return err
}

func (c *Consumer) handle(ctx context.Context, m types.Message, handler Handler) {
	var env domain.SecureEnvelope
	if m.Body == nil || json.Unmarshal([]byte(*m.Body), &env) != nil {
		// poison message => delete to avoid endless redrive
		c.delete(ctx, m)
		return
	}

	if err := handler(ctx, env); err != nil {
		c.logger().Error("sqs envelope handler error", "err", err, "sender_id", env.SenderID, "message_id", env.MessageID)
		return
	}
	c.delete(ctx, m)
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	_, _ = c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
}

func (c *Consumer) backoff() time.Duration {
	if c.ReceiveBackoff > 0 {
		return c.ReceiveBackoff
	}
	return 500 * time.Millisecond
}

func (c *Consumer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
