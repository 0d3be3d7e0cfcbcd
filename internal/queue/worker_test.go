package queue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/tendant/simple-trickplay/internal/faults"
)

type fakeAPI struct {
	mu       sync.Mutex
	messages []types.Message
	sent     map[string][]string // queue URL -> bodies
	deleted  []string            // receipt handles
	sendErr  error
}

func newFakeAPI(messages ...types.Message) *fakeAPI {
	return &fakeAPI{messages: messages, sent: map[string][]string{}}
}

func (f *fakeAPI) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	url := aws.ToString(in.QueueUrl)
	f.sent[url] = append(f.sent[url], aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("m1")}, nil
}

func (f *fakeAPI) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return &sqs.ReceiveMessageOutput{}, nil
	}
	m := f.messages[0]
	f.messages = f.messages[1:]
	return &sqs.ReceiveMessageOutput{Messages: []types.Message{m}}, nil
}

func (f *fakeAPI) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeAPI) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeAPI) sentTo(url string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[url]...)
}

func message(id, body string) types.Message {
	return types.Message{
		MessageId:     aws.String(id),
		Body:          aws.String(body),
		ReceiptHandle: aws.String("rh-" + id),
	}
}

func testWorker(api *fakeAPI, handler Handler) *Worker {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWorker(NewWithAPI(api), WorkerOptions{
		Stage:         "generator",
		QueueURL:      "https://sqs/trigger",
		DeadLetterURL: "https://sqs/dlq",
		Concurrency:   2,
	}, handler, logger)
}

func TestProcessDeletesOnSuccess(t *testing.T) {
	api := newFakeAPI()
	w := testWorker(api, func(ctx context.Context, body string) error { return nil })

	w.process(context.Background(), message("m1", "payload"))

	if got := api.deletedHandles(); len(got) != 1 || got[0] != "rh-m1" {
		t.Fatalf("expected message deleted, got %v", got)
	}
	if got := api.sentTo("https://sqs/dlq"); len(got) != 0 {
		t.Fatalf("success must not dead-letter, got %v", got)
	}
}

func TestProcessLeavesMessageOnRetryableFailure(t *testing.T) {
	api := newFakeAPI()
	w := testWorker(api, func(ctx context.Context, body string) error {
		return errors.New("connection reset")
	})

	w.process(context.Background(), message("m1", "payload"))

	if got := api.deletedHandles(); len(got) != 0 {
		t.Fatalf("retryable failures must leave the message, deleted %v", got)
	}
	if got := api.sentTo("https://sqs/dlq"); len(got) != 0 {
		t.Fatalf("retryable failures must not dead-letter, got %v", got)
	}
}

func TestProcessDeadLettersPermanentFailure(t *testing.T) {
	api := newFakeAPI()
	w := testWorker(api, func(ctx context.Context, body string) error {
		return faults.Validationf("malformed event")
	})

	w.process(context.Background(), message("m1", "bad payload"))

	if got := api.sentTo("https://sqs/dlq"); len(got) != 1 || got[0] != "bad payload" {
		t.Fatalf("expected original body dead-lettered, got %v", got)
	}
	if got := api.deletedHandles(); len(got) != 1 {
		t.Fatalf("expected message deleted after dead-lettering, got %v", got)
	}
}

func TestProcessWithoutDeadLetterQueueLeavesMessage(t *testing.T) {
	api := newFakeAPI()
	w := testWorker(api, func(ctx context.Context, body string) error {
		return faults.Permanent(errors.New("no playable output"))
	})
	w.opts.DeadLetterURL = ""

	w.process(context.Background(), message("m1", "payload"))

	if got := api.deletedHandles(); len(got) != 0 {
		t.Fatalf("without a DLQ the queue redrive owns the message, deleted %v", got)
	}
}

func TestProcessKeepsMessageWhenDeadLetterSendFails(t *testing.T) {
	api := newFakeAPI()
	api.sendErr = errors.New("sqs unavailable")
	w := testWorker(api, func(ctx context.Context, body string) error {
		return faults.Validationf("malformed event")
	})

	w.process(context.Background(), message("m1", "payload"))

	if got := api.deletedHandles(); len(got) != 0 {
		t.Fatalf("message must survive a failed dead-letter send, deleted %v", got)
	}
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	api := newFakeAPI(message("m1", "a"), message("m2", "b"))

	var mu sync.Mutex
	var bodies []string
	done := make(chan struct{})
	w := testWorker(api, func(ctx context.Context, body string) error {
		mu.Lock()
		bodies = append(bodies, body)
		if len(bodies) == 2 {
			close(done)
		}
		mu.Unlock()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(finished)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not process queued messages")
	}
	cancel()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not shut down")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 2 {
		t.Fatalf("expected 2 handled messages, got %v", bodies)
	}
}

func TestSendMarshalsJSON(t *testing.T) {
	api := newFakeAPI()
	c := NewWithAPI(api)

	type payload struct {
		MediaKey string `json:"media_key"`
	}
	if err := c.Send(context.Background(), "https://sqs/manifest", payload{MediaKey: "v1"}); err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if got := api.sentTo("https://sqs/manifest"); len(got) != 1 || got[0] != `{"media_key":"v1"}` {
		t.Fatalf("unexpected body: %v", got)
	}

	if err := c.Send(context.Background(), "", payload{}); err == nil {
		t.Fatal("expected error for empty queue URL")
	}
}
