package redpanda

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/campusflow/enrollment-core/internal/domain"
)

// AllQueues lists every route topic plus its dead-letter twin.
func AllQueues() []string {
	routes := []string{
		domain.QueueEnrollments,
		domain.QueueBulk,
		domain.QueueSingleGroup,
		domain.QueueHealth,
	}
	out := make([]string, 0, len(routes)*2)
	for _, r := range routes {
		out = append(out, r, domain.DLQFor(r))
	}
	return out
}

// EnsureQueues creates every queue topic that does not exist yet. Individual
// failures are logged and do not abort the rest; brokers race to create the
// same topics on startup.
func EnsureQueues(ctx context.Context, client *kgo.Client) {
	for _, topic := range AllQueues() {
		if err := createTopicIfNotExists(ctx, client, topic, 1, 1); err != nil {
			slog.Warn("failed to create queue topic, it may already exist",
				slog.String("topic", topic),
				slog.Any("error", err))
		}
	}
}

// createTopicIfNotExists creates a topic via the Kafka admin API, treating
// TOPIC_ALREADY_EXISTS (error code 36) as success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}
	if partitions <= 0 {
		return fmt.Errorf("partitions must be greater than 0")
	}
	if replicationFactor <= 0 {
		return fmt.Errorf("replication factor must be greater than 0")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	createTopicsResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, topicResp := range createTopicsResp.Topics {
		if topicResp.ErrorCode != 0 {
			if topicResp.ErrorCode == 36 {
				slog.Info("topic already exists", slog.String("topic", topicResp.Topic))
				return nil
			}
			errorMsg := ""
			if topicResp.ErrorMessage != nil {
				errorMsg = *topicResp.ErrorMessage
			}
			return fmt.Errorf("create topic error: %s (code %d)", errorMsg, topicResp.ErrorCode)
		}
		slog.Info("topic created",
			slog.String("topic", topicResp.Topic),
			slog.Int("partitions", int(partitions)))
	}
	return nil
}
