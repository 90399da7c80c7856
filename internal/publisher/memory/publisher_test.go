package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "topic-a", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "topic-b", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.JSONEq(t, `{"k":"v"}`, string(msgs[0].Data))
	require.Len(t, pub.ByTopic("topic-b"), 1)

	msgs[0].Topic = "modified"
	require.Equal(t, "topic-a", pub.Messages()[0].Topic, "Messages() must return a copy")
}

func TestPublisherAttachAndFail(t *testing.T) {
	t.Parallel()

	pub := New()
	var delivered [][]byte
	pub.Attach("work", func(_ context.Context, data []byte) error {
		delivered = append(delivered, data)
		return nil
	})

	_, err := pub.Publish(context.Background(), "work", map[string]string{"resource": "https://example.com"})
	require.NoError(t, err)
	require.Len(t, delivered, 1)

	pub.FailWith(errors.New("broker down"))
	_, err = pub.Publish(context.Background(), "work", "x")
	require.ErrorContains(t, err, "broker down")
	require.Len(t, delivered, 1)

	_, err = pub.Publish(context.Background(), "work", func() {})
	require.ErrorContains(t, err, "marshal payload")
}
