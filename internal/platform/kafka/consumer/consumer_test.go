package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestToMessage(t *testing.T) {
	ts := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	msg := toMessage(&kgo.Record{
		Topic:     "event-actions",
		Partition: 2,
		Offset:    41,
		Key:       []byte("k"),
		Value:     []byte(`{}`),
		Timestamp: ts,
		Headers:   []kgo.RecordHeader{{Key: "request_id", Value: []byte("req-1")}},
	})

	assert.Equal(t, "event-actions", msg.Topic)
	assert.Equal(t, int32(2), msg.Partition)
	assert.Equal(t, int64(41), msg.Offset)
	assert.Equal(t, "k", string(msg.Key))
	assert.Equal(t, ts, msg.Timestamp)
	assert.Equal(t, "req-1", msg.Headers["request_id"])
}

func TestToMessageWithoutHeaders(t *testing.T) {
	msg := toMessage(&kgo.Record{Topic: "t"})
	assert.Nil(t, msg.Headers)
}

func TestNewRequiresBrokersAndHandler(t *testing.T) {
	noop := HandlerFunc(func(context.Context, *Message) error { return nil })

	_, err := New(nil, "g", []string{"t"}, noop)
	require.Error(t, err)

	_, err = New([]string{"localhost:9092"}, "g", []string{"t"}, nil)
	require.Error(t, err)
}
