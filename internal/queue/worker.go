package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/tendant/simple-trickplay/internal/faults"
	"github.com/tendant/simple-trickplay/internal/metrics"
)

// Handler processes one message body to completion. A nil return deletes the
// message; a permanent error routes it to the dead-letter queue; anything
// else leaves it for the visibility timeout to redeliver.
type Handler func(ctx context.Context, body string) error

type WorkerOptions struct {
	Stage             string
	QueueURL          string
	DeadLetterURL     string
	WaitSeconds       int32
	VisibilityTimeout int32
	Concurrency       int
}

// Worker long-polls one queue and dispatches messages to a handler with
// bounded concurrency.
type Worker struct {
	client  *Client
	opts    WorkerOptions
	handler Handler
	logger  *slog.Logger
}

func NewWorker(client *Client, opts WorkerOptions, handler Handler, logger *slog.Logger) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Worker{client: client, opts: opts, handler: handler, logger: logger.With("stage", opts.Stage)}
}

// Run polls until ctx is cancelled, then drains in-flight handlers.
func (w *Worker) Run(ctx context.Context) {
	sem := make(chan struct{}, w.opts.Concurrency)
	var wg sync.WaitGroup
	backoff := time.Second

	w.logger.Info("worker listening", "queue_url", w.opts.QueueURL, "concurrency", w.opts.Concurrency)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("shutting down, waiting for in-flight messages")
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		out, err := w.client.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(w.opts.QueueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     w.opts.WaitSeconds,
			VisibilityTimeout:   w.opts.VisibilityTimeout,
		})
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				wg.Wait()
				return
			}
			w.logger.Error("receive failed", "err", err)
			time.Sleep(backoff)
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		if len(out.Messages) == 0 {
			<-sem
			continue
		}

		wg.Add(1)
		go func(m types.Message) {
			defer wg.Done()
			defer func() { <-sem }()
			w.process(ctx, m)
		}(out.Messages[0])
	}
}

func (w *Worker) process(ctx context.Context, m types.Message) {
	start := time.Now()
	body := aws.ToString(m.Body)
	logger := w.logger.With("message_id", aws.ToString(m.MessageId))
	logger.Info("received message")

	err := w.handler(ctx, body)
	metrics.StageDuration.WithLabelValues(w.opts.Stage).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.MessagesTotal.WithLabelValues(w.opts.Stage, "ok").Inc()
		logger.Info("message processed", "duration_ms", time.Since(start).Milliseconds())
		w.delete(ctx, m, logger)

	case faults.IsPermanent(err):
		failureType := faults.Classify(err)
		metrics.MessagesTotal.WithLabelValues(w.opts.Stage, "permanent").Inc()
		metrics.StageFailures.WithLabelValues(w.opts.Stage, string(failureType)).Inc()
		logger.Error("permanent failure", "failure_type", failureType, "err", err)

		if w.opts.DeadLetterURL == "" {
			// Never drop work: without an explicit DLQ the queue's own
			// redrive policy eventually dead-letters the message.
			logger.Warn("no dead-letter queue configured, leaving message for queue redrive")
			return
		}
		if derr := w.client.SendRaw(ctx, w.opts.DeadLetterURL, body); derr != nil {
			// Leave the message; redelivery will retry the DLQ routing.
			logger.Error("dead-letter send failed", "err", derr)
			return
		}
		w.delete(ctx, m, logger)

	default:
		metrics.MessagesTotal.WithLabelValues(w.opts.Stage, "retryable").Inc()
		metrics.StageFailures.WithLabelValues(w.opts.Stage, string(faults.Classify(err))).Inc()
		// Not deleted: the visibility timeout expires and the queue's own
		// redrive policy owns the retry budget and dead-lettering.
		logger.Warn("transient failure, leaving message for redelivery", "err", err)
	}
}

func (w *Worker) delete(ctx context.Context, m types.Message, logger *slog.Logger) {
	if err := w.client.Delete(ctx, w.opts.QueueURL, aws.ToString(m.ReceiptHandle)); err != nil {
		logger.Error("delete message failed", "err", err)
	}
}
