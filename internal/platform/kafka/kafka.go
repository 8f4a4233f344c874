// Package kafka holds the broker wiring shared by the producer and consumer.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Topic describes a topic provisioned at startup.
type Topic struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
}

// EnsureTopics creates the topics that do not exist yet. Topics that already
// exist are left untouched, whatever their partition count.
func EnsureTopics(ctx context.Context, brokers []string, logger *slog.Logger, topics ...Topic) error {
	if len(brokers) == 0 {
		return errors.New("kafka: no brokers configured")
	}
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("kafka: create admin client: %w", err)
	}
	defer client.Close()
	adm := kadm.NewClient(client)

	for _, topic := range topics {
		partitions := topic.Partitions
		if partitions <= 0 {
			partitions = 1
		}
		rf := topic.ReplicationFactor
		if rf <= 0 {
			rf = 1
		}
		resp, err := adm.CreateTopic(ctx, partitions, rf, nil, topic.Name)
		if err == nil {
			err = resp.Err
		}
		switch {
		case err == nil:
			logger.InfoContext(ctx, "kafka topic created",
				"topic", topic.Name,
				"partitions", partitions,
			)
		case errors.Is(err, kerr.TopicAlreadyExists):
		default:
			return fmt.Errorf("kafka: create topic %s: %w", topic.Name, err)
		}
	}
	return nil
}
