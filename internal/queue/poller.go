package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"

	"tenant-ingest/internal/domain"
)

// SQSAPI is the subset of the SQS client the queue package uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// NewSQSClient builds an SQS client, optionally against a custom endpoint.
func NewSQSClient(cfg aws.Config, endpoint string) *sqs.Client {
	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
}

// Handler processes one trigger. A returned error leaves the message on the
// queue for redelivery.
type Handler func(ctx context.Context, trig domain.Trigger) error

// PollerOptions configures a Poller.
type PollerOptions struct {
	QueueURL string
	Workers  int
	// WaitTime is the long-poll duration, at most 20s.
	WaitTime time.Duration
	// VisibilityTimeout hides a received message. While its handler runs the
	// message is re-hidden for this long every HeartbeatInterval.
	VisibilityTimeout time.Duration
	// HeartbeatInterval defaults to half of VisibilityTimeout.
	HeartbeatInterval time.Duration
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
}

// Poller long-polls an SQS queue and hands each notification to a Handler,
// running at most Workers handlers at once.
type Poller struct {
	client  SQSAPI
	opts    PollerOptions
	handler Handler
	dlq     domain.DeadLetterQueue
	logger  *slog.Logger
}

// NewPoller creates a Poller. Undecodable messages go to dlq.
func NewPoller(client SQSAPI, opts PollerOptions, handler Handler, dlq domain.DeadLetterQueue, logger *slog.Logger) *Poller {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.WaitTime <= 0 || opts.WaitTime > 20*time.Second {
		opts.WaitTime = 20 * time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 5 * time.Second
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = opts.VisibilityTimeout / 2
	}
	return &Poller{
		client:  client,
		opts:    opts,
		handler: handler,
		dlq:     dlq,
		logger:  logger.With("component", "poller", "queue", opts.QueueURL),
	}
}

// Run polls until ctx is canceled, then waits for in-flight handlers.
func (p *Poller) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(p.opts.Workers)

	p.logger.Info("poller started", "workers", p.opts.Workers)
	for ctx.Err() == nil {
		msgs, err := p.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Warn("receive failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(p.opts.ErrorBackoff):
			}
			continue
		}
		for _, m := range msgs {
			g.Go(func() error {
				p.Handle(ctx, m)
				return nil
			})
		}
	}
	_ = g.Wait()
	p.logger.Info("poller stopped")
	return nil
}

var receiveAttributes = []types.MessageSystemAttributeName{
	types.MessageSystemAttributeNameApproximateReceiveCount,
}

func (p *Poller) receive(ctx context.Context) ([]types.Message, error) {
	in := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(p.opts.QueueURL),
		MaxNumberOfMessages:         int32(min(p.opts.Workers, 10)), //nolint:gosec // bounded
		WaitTimeSeconds:             int32(p.opts.WaitTime / time.Second),
		MessageSystemAttributeNames: receiveAttributes,
	}
	if p.opts.VisibilityTimeout > 0 {
		in.VisibilityTimeout = int32(p.opts.VisibilityTimeout / time.Second)
	}
	out, err := p.client.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", p.opts.QueueURL, err)
	}
	return out.Messages, nil
}

// Handle processes one message and deletes it unless the handler failed.
func (p *Poller) Handle(ctx context.Context, m types.Message) {
	log := p.logger.With("message_id", aws.ToString(m.MessageId))
	body := []byte(aws.ToString(m.Body))

	trig, skip, err := DecodeMessage(body)
	switch {
	case err != nil:
		log.Warn("undecodable message, dead-lettering", "error", err)
		dl := domain.DeadLetter{Trigger: domain.Trigger{Payload: body}, Error: err.Error(), FailedAt: time.Now().UTC()}
		if err := p.dlq.Send(ctx, dl); err != nil {
			log.Error("dead letter failed, leaving message on queue", "error", err)
			return
		}
	case skip:
		log.Debug("skipping test or non-create event")
	default:
		trig.Redelivered = receiveCount(m) > 1
		stop := p.keepVisible(ctx, log, m.ReceiptHandle)
		err := p.handler(ctx, trig)
		stop()
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error("handler failed, message will be redelivered",
					"bucket", trig.Object.Bucket, "key", trig.Object.Key, "error", err)
			}
			return
		}
	}

	if _, err := p.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(p.opts.QueueURL),
		ReceiptHandle: m.ReceiptHandle,
	}); err != nil {
		log.Warn("delete message failed", "error", err)
	}
}

// keepVisible re-hides the message every HeartbeatInterval until the
// returned stop function is called.
func (p *Poller) keepVisible(ctx context.Context, log *slog.Logger, receipt *string) (stop func()) {
	if p.opts.VisibilityTimeout <= 0 || p.opts.HeartbeatInterval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.opts.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			_, err := p.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
				QueueUrl:          aws.String(p.opts.QueueURL),
				ReceiptHandle:     receipt,
				VisibilityTimeout: int32(p.opts.VisibilityTimeout / time.Second),
			})
			if err != nil && ctx.Err() == nil {
				log.Warn("extend visibility failed", "error", err)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func receiveCount(m types.Message) int {
	n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		return 0
	}
	return n
}

// Enqueue sends a trigger to the queue in plain document form.
func (p *Poller) Enqueue(ctx context.Context, trig domain.Trigger) error {
	body, err := EncodeTrigger(trig)
	if err != nil {
		return err
	}
	if _, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.opts.QueueURL),
		MessageBody: aws.String(string(body)),
	}); err != nil {
		return fmt.Errorf("enqueue %s: %w", trig.Object, err)
	}
	return nil
}
