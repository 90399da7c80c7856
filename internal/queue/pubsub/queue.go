// Package pubsub implements the work queue on a Google Cloud Pub/Sub pull subscription.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/JakeFAU/scanfetch/internal/scan"
)

// subscriptionAdmin is the part of the Pub/Sub subscription admin client the queue uses.
type subscriptionAdmin interface {
	Pull(ctx context.Context, req *pubsubpb.PullRequest, opts ...gax.CallOption) (*pubsubpb.PullResponse, error)
	Acknowledge(ctx context.Context, req *pubsubpb.AcknowledgeRequest, opts ...gax.CallOption) error
}

// Config names the subscription and the long-poll window.
type Config struct {
	ProjectID    string
	Subscription string
	Wait         time.Duration
}

// Queue receives one message per call and acknowledges by ack ID.
type Queue struct {
	admin        subscriptionAdmin
	subscription string
	wait         time.Duration
}

// New builds a Queue on the client's subscription admin API.
func New(client *pubsub.Client, cfg Config) (*Queue, error) {
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	return NewWithAdmin(client.SubscriptionAdminClient, cfg)
}

// NewWithAdmin builds a Queue on an explicit admin client.
func NewWithAdmin(admin subscriptionAdmin, cfg Config) (*Queue, error) {
	if cfg.Subscription == "" {
		return nil, errors.New("subscription is required")
	}
	name := cfg.Subscription
	if !strings.HasPrefix(name, "projects/") {
		if cfg.ProjectID == "" {
			return nil, errors.New("project id is required for a short subscription name")
		}
		name = fmt.Sprintf("projects/%s/subscriptions/%s", cfg.ProjectID, cfg.Subscription)
	}
	if cfg.Wait <= 0 {
		cfg.Wait = 20 * time.Second
	}
	return &Queue{admin: admin, subscription: name, wait: cfg.Wait}, nil
}

// Receive pulls at most one message, waiting up to the configured window.
func (q *Queue) Receive(ctx context.Context) (scan.Message, bool, error) {
	pullCtx, cancel := context.WithTimeout(ctx, q.wait)
	defer cancel()

	resp, err := q.admin.Pull(pullCtx, &pubsubpb.PullRequest{
		Subscription: q.subscription,
		MaxMessages:  1,
	})
	if err != nil {
		if ctx.Err() == nil && isEmptyPull(err) {
			return scan.Message{}, false, nil
		}
		return scan.Message{}, false, fmt.Errorf("pull %s: %w", q.subscription, err)
	}
	if len(resp.GetReceivedMessages()) == 0 {
		return scan.Message{}, false, nil
	}
	received := resp.GetReceivedMessages()[0]
	return scan.Message{
		ID:     received.GetMessage().GetMessageId(),
		Handle: received.GetAckId(),
		Body:   received.GetMessage().GetData(),
	}, true, nil
}

// Delete acknowledges the message with the given ack ID.
func (q *Queue) Delete(ctx context.Context, handle string) error {
	err := q.admin.Acknowledge(ctx, &pubsubpb.AcknowledgeRequest{
		Subscription: q.subscription,
		AckIds:       []string{handle},
	})
	if err != nil {
		return fmt.Errorf("acknowledge %s: %w", handle, err)
	}
	return nil
}

// A pull that outlives its window is an empty queue, not a failure.
func isEmptyPull(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return status.Code(err) == codes.DeadlineExceeded
}
