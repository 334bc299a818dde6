package queue

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue/queueerror"

	"github.com/tunnelmesh/blobmesh/internal/accounts"
)

// maxVisibility is the longest visibility timeout the service accepts.
const maxVisibility = 7 * 24 * time.Hour

// QueueClient is the subset of *azqueue.QueueClient AzureQueue uses.
type QueueClient interface {
	Create(ctx context.Context, o *azqueue.CreateOptions) (azqueue.CreateResponse, error)
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// AzureQueue is a Queue on an Azure storage queue. Bodies are base64
// encoded JSON.
type AzureQueue struct {
	client QueueClient
	name   string
}

// NewAzureQueue returns a queue named name in acct's queue service.
func NewAzureQueue(acct accounts.Account, name string) (*AzureQueue, error) {
	cred, err := azqueue.NewSharedKeyCredential(acct.Name, base64.StdEncoding.EncodeToString(acct.PrimaryKey))
	if err != nil {
		return nil, fmt.Errorf("queue credential: %w", err)
	}
	queueURL := strings.TrimSuffix(acct.QueueEndpoint, "/") + "/" + name
	client, err := azqueue.NewQueueClientWithSharedKeyCredential(queueURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("queue client %s: %w", name, err)
	}
	return NewAzureQueueWith(client, name), nil
}

// NewAzureQueueWith wraps an existing client.
func NewAzureQueueWith(client QueueClient, name string) *AzureQueue {
	return &AzureQueue{client: client, name: name}
}

// Name returns the queue name.
func (q *AzureQueue) Name() string {
	return q.name
}

// EnsureExists creates the queue if it is missing.
func (q *AzureQueue) EnsureExists(ctx context.Context) error {
	_, err := q.client.Create(ctx, nil)
	if err != nil && !queueerror.HasCode(err, queueerror.QueueAlreadyExists) {
		return fmt.Errorf("create queue %s: %w", q.name, err)
	}
	return nil
}

// Enqueue implements Queue.
func (q *AzureQueue) Enqueue(ctx context.Context, msg *Message, delay time.Duration) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}
	opts := &azqueue.EnqueueMessageOptions{}
	if delay > 0 {
		opts.VisibilityTimeout = to.Ptr(seconds(delay))
	}
	if _, err := q.client.EnqueueMessage(ctx, base64.StdEncoding.EncodeToString(body), opts); err != nil {
		return fmt.Errorf("enqueue %s on %s: %w", msg.Kind, q.name, err)
	}
	return nil
}

// EnqueueBody implements DeadLetterQueue.
func (q *AzureQueue) EnqueueBody(ctx context.Context, body []byte) error {
	if _, err := q.client.EnqueueMessage(ctx, base64.StdEncoding.EncodeToString(body), nil); err != nil {
		return fmt.Errorf("enqueue body on %s: %w", q.name, err)
	}
	return nil
}

// Dequeue implements Queue.
func (q *AzureQueue) Dequeue(ctx context.Context, invisibility time.Duration) (*Delivery, error) {
	resp, err := q.client.DequeueMessage(ctx, &azqueue.DequeueMessageOptions{
		VisibilityTimeout: to.Ptr(seconds(invisibility)),
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue from %s: %w", q.name, err)
	}
	if len(resp.Messages) == 0 || resp.Messages[0] == nil {
		return nil, nil
	}

	m := resp.Messages[0]
	var (
		id, receipt, text string
		count             int64
	)
	if m.MessageID != nil {
		id = *m.MessageID
	}
	if m.PopReceipt != nil {
		receipt = *m.PopReceipt
	}
	if m.MessageText != nil {
		text = *m.MessageText
	}
	if m.DequeueCount != nil {
		count = *m.DequeueCount
	}
	return newDelivery(id, receipt, count, decodeBody(text)), nil
}

// Delete implements Queue.
func (q *AzureQueue) Delete(ctx context.Context, d *Delivery) error {
	if _, err := q.client.DeleteMessage(ctx, d.ID, d.PopReceipt, nil); err != nil {
		if queueerror.HasCode(err, queueerror.MessageNotFound) {
			return nil
		}
		return fmt.Errorf("delete %s from %s: %w", d.ID, q.name, err)
	}
	return nil
}

// decodeBody accepts base64 bodies and, for messages written by other
// producers, plain JSON.
func decodeBody(text string) []byte {
	if data, err := base64.StdEncoding.DecodeString(text); err == nil {
		return data
	}
	return []byte(text)
}

// seconds converts d to whole seconds clamped to the service limits.
func seconds(d time.Duration) int32 {
	if d < 0 {
		d = 0
	}
	if d > maxVisibility {
		d = maxVisibility
	}
	return int32(d / time.Second)
}
