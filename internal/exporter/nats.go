package exporter

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/optics-collector/internal/lineproto"
	"github.com/optics-collector/internal/model"
	"github.com/optics-collector/pkg/config"
)

// batchNamespace seeds the content-derived JetStream message ids, so a
// retried batch is de-duplicated by the stream.
var batchNamespace = uuid.MustParse("6f1b2c1e-8d7a-4f0e-9a35-3c2f6d0b7e41")

const defaultNATSTimeout = 10 * time.Second

// NATS publishes each batch as one line-protocol message, on core NATS or
// on a JetStream stream.
type NATS struct {
	name    string
	subject string
	timeout time.Duration
	nc      *nats.Conn
	js      jetstream.JetStream
	encoder *lineproto.Encoder
	logger  *zap.Logger
}

func NewNATS(ctx context.Context, cfg config.ExporterConfig, logger *zap.Logger) (*NATS, error) {
	opts := []nats.Option{
		nats.Name("optics-collector"),
		nats.MaxReconnects(-1),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn("nats async error", zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}
	token, err := config.Secret(cfg.TokenEnv)
	if err != nil {
		return nil, err
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
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
		opts = append(opts, nats.UserInfo(user, pass))
	}

	nc, err := nats.Connect(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	e := &NATS{
		name:    cfg.Name,
		subject: cfg.Subject,
		timeout: cmp.Or(cfg.Timeout, defaultNATSTimeout),
		nc:      nc,
		encoder: lineproto.NewEncoder(),
		logger:  logger,
	}

	if cfg.JetStream {
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("create JetStream context: %w", err)
		}
		if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     cfg.Stream,
			Subjects: []string{cfg.Subject},
		}); err != nil {
			nc.Close()
			return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
		}
		e.js = js
	}
	return e, nil
}

func (e *NATS) Name() string { return e.name }

func (e *NATS) Export(ctx context.Context, batch []model.Metric) error {
	body, skipped := e.encoder.Encode(batch)
	if skipped > 0 {
		e.logger.Warn("metrics not representable in line protocol", zap.Int("count", skipped))
	}
	if len(body) == 0 {
		return nil
	}

	// nats.go refuses contexts without a deadline
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if e.js != nil {
		_, err := e.js.Publish(ctx, e.subject, body, jetstream.WithMsgID(batchID(body)))
		return classifyNATS(err)
	}
	if err := e.nc.Publish(e.subject, body); err != nil {
		return classifyNATS(err)
	}
	// core NATS is fire-and-forget; a flush round trip confirms the server
	// has the message
	return classifyNATS(e.nc.FlushWithContext(ctx))
}

func (e *NATS) Close(ctx context.Context) error {
	if e.nc.IsClosed() {
		return nil
	}
	flushCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	if err := e.nc.FlushWithContext(flushCtx); err != nil {
		e.logger.Warn("flush before close", zap.Error(err))
	}
	e.nc.Close()
	return nil
}

// batchID is derived from the payload so every retry of a batch carries the
// same Nats-Msg-Id.
func batchID(payload []byte) string {
	return uuid.NewSHA1(batchNamespace, payload).String()
}

func classifyNATS(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, nats.ErrMaxPayload),
		errors.Is(err, nats.ErrBadSubject),
		errors.Is(err, nats.ErrAuthorization):
		return Fatal(err)
	}
	return err
}
