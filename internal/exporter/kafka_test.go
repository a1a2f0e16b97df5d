package exporter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/optics-collector/pkg/config"
)

func TestKafkaExport(t *testing.T) {
	cluster, err := kfake.NewCluster(kfake.NumBrokers(1), kfake.SeedTopics(1, "optics"))
	require.NoError(t, err)
	defer cluster.Close()

	exp, err := NewKafka(config.ExporterConfig{
		Name:    "kafka",
		Type:    "kafka",
		URLs:    cluster.ListenAddrs(),
		Topic:   "optics",
		Timeout: 5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, exp.Export(ctx, testMetrics(4)))
	require.NoError(t, exp.Close(ctx))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(cluster.ListenAddrs()...),
		kgo.ConsumeTopics("optics"),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	require.NoError(t, err)
	defer consumer.Close()

	var records []*kgo.Record
	for len(records) < 4 {
		fetches := consumer.PollFetches(ctx)
		require.NoError(t, ctx.Err(), "timed out waiting for records")
		fetches.EachRecord(func(r *kgo.Record) { records = append(records, r) })
	}

	require.Len(t, records, 4)
	for i, r := range records {
		assert.Equal(t, "sw1", string(r.Key))
		assert.Equal(t, fmt.Sprintf("ifdom_rxpower,host=sw1,if_name=Ethernet%d value=%d 1700000000000000000\n", i, -i), string(r.Value))
	}
}

func TestClassifyKafka(t *testing.T) {
	assert.NoError(t, classifyKafka(nil))
	assert.True(t, IsFatal(classifyKafka(kerr.MessageTooLarge)))
	assert.True(t, IsFatal(classifyKafka(fmt.Errorf("produce: %w", kerr.TopicAuthorizationFailed))))
	assert.False(t, IsFatal(classifyKafka(kerr.NotLeaderForPartition)))
	assert.False(t, IsFatal(classifyKafka(errors.New("dial tcp: connection refused"))))
}
