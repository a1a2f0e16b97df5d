package exporter

import (
	"context"
	"errors"
	"fmt"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/plugin/kzap"
	"go.uber.org/zap"

	"github.com/optics-collector/internal/lineproto"
	"github.com/optics-collector/internal/model"
	"github.com/optics-collector/pkg/config"
)

// Kafka produces one record per metric, keyed by device so a device's
// metrics keep their order within a partition.
type Kafka struct {
	name    string
	client  *kgo.Client
	encoder *lineproto.Encoder
	logger  *zap.Logger
}

func NewKafka(cfg config.ExporterConfig, logger *zap.Logger) (*Kafka, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.URLs...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ClientID("optics-collector"),
		kgo.WithLogger(kzap.New(logger)),
		// the runner owns retries
		kgo.RecordRetries(1),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, kgo.RecordDeliveryTimeout(cfg.Timeout))
	}
	user, err := config.Secret(cfg.UsernameEnv)
	if err != nil {
		return nil, err
	}
	pass, err := config.Secret(cfg.PasswordEnv)
	if err != nil {
		return nil, err
	}
	if user != "" {
		opts = append(opts, kgo.SASL(plain.Auth{User: user, Pass: pass}.AsMechanism()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Kafka{name: cfg.Name, client: client, encoder: lineproto.NewEncoder(), logger: logger}, nil
}

func (e *Kafka) Name() string { return e.name }

func (e *Kafka) Export(ctx context.Context, batch []model.Metric) error {
	records := make([]*kgo.Record, 0, len(batch))
	for _, m := range batch {
		line, err := e.encoder.Line(m)
		if err != nil {
			e.logger.Warn("skip metric", zap.Error(err))
			continue
		}
		records = append(records, &kgo.Record{
			Key:       []byte(m.Tags[model.TagHost]),
			Value:     line,
			Timestamp: m.Timestamp,
		})
	}
	if len(records) == 0 {
		return nil
	}
	return classifyKafka(e.client.ProduceSync(ctx, records...).FirstErr())
}

func (e *Kafka) Close(ctx context.Context) error {
	err := e.client.Flush(ctx)
	e.client.Close()
	return err
}

// classifyKafka: broker errors the protocol marks non-retriable (record too
// large, authorization, invalid topic) are fatal.
func classifyKafka(err error) error {
	if err == nil {
		return nil
	}
	var ke *kerr.Error
	if errors.As(err, &ke) && !ke.Retriable {
		return Fatal(err)
	}
	return err
}
