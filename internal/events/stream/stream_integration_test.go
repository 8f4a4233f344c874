//go:build integration

package stream_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"crvs/internal/events/stream"
	"crvs/internal/platform/kafka"
	"crvs/internal/platform/kafka/consumer"
	"crvs/internal/platform/kafka/producer"
	id "crvs/pkg/domain"
	"crvs/pkg/testutil/containers"
)

type reindexRecorder chan id.EventID

func (r reindexRecorder) Reindex(_ context.Context, eventID id.EventID) error {
	r <- eventID
	return nil
}

func TestNotificationsReachTheReindexer(t *testing.T) {
	broker := containers.GetManager().GetRedpanda(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	const topic = "event-actions-it"
	require.NoError(t, kafka.EnsureTopics(ctx, broker.Brokers, logger, kafka.Topic{Name: topic, Partitions: 3}))
	// provisioning twice is a no-op
	require.NoError(t, kafka.EnsureTopics(ctx, broker.Brokers, logger, kafka.Topic{Name: topic, Partitions: 3}))

	prod, err := producer.New(broker.Brokers)
	require.NoError(t, err)
	defer prod.Close()

	seen := make(reindexRecorder, 4)
	cons, err := consumer.New(broker.Brokers, "reindex-it", []string{topic},
		stream.NewReindexHandler(seen, logger), consumer.WithLogger(logger))
	require.NoError(t, err)
	defer cons.Close()
	go func() { _ = cons.Run(ctx) }()

	note := notification()
	require.NoError(t, stream.NewNotifier(prod, topic).Notify(ctx, note))

	select {
	case got := <-seen:
		require.Equal(t, note.EventID, got)
	case <-ctx.Done():
		t.Fatal("notification was not consumed")
	}
}
