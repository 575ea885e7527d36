package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"courier/internal/domain"
)

// API is the subset of *sqs.Client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

const defaultGroupBuckets = 256

// Producer is the outbound Transport: one SQS message per envelope on a FIFO
// relay queue.
type Producer struct {
	SQS      API
	QueueURL string
	// GroupBuckets spreads recipients over FIFO message groups; ordering is
	// preserved per recipient.
	GroupBuckets int
}

func (p *Producer) Send(ctx context.Context, env domain.SecureEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("%w: encode envelope: %v", domain.ErrTransport, err)
	}

	_, err = p.SQS.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:               &p.QueueURL,
		MessageBody:            str(string(body)),
		MessageGroupId:         str(messageGroupIDBucketed(env.RecipientID, p.GroupBuckets)),
		MessageDeduplicationId: str(deduplicationID(env)),
	})
	if err != nil {
		return fmt.Errorf("%w: sqs send: %v", domain.ErrTransport, err)
	}
	return nil
}

func messageGroupIDBucketed(recipientID string, buckets int) string {
	if buckets <= 0 {
		buckets = defaultGroupBuckets
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(recipientID))
	return fmt.Sprintf("rcpt-%d", h.Sum32()%uint32(buckets))
}

// one envelope per (message, recipient); SQS caps the id at 128 chars
func deduplicationID(env domain.SecureEnvelope) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(env.MessageID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(env.RecipientID))
	return fmt.Sprintf("%x", h.Sum64())
}

func str(s string) *string { return &s }
