package exporter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/optics-collector/internal/lineproto"
	"github.com/optics-collector/internal/model"
	"github.com/optics-collector/pkg/config"
)

const defaultExportTimeout = 30 * time.Second

// InfluxDB writes line protocol to the v2 write API (org/bucket/token) or,
// when database is set, to the v1 /write endpoint.
type InfluxDB struct {
	name     string
	writeURL string
	auth     func(*http.Request)
	client   *http.Client
	encoder  *lineproto.Encoder
	logger   *zap.Logger
}

func NewInfluxDB(cfg config.ExporterConfig, logger *zap.Logger) (*InfluxDB, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("precision", "ns")

	var auth func(*http.Request)
	if cfg.Database != "" {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/write"
		q.Set("db", cfg.Database)
		user, err := config.Secret(cfg.UsernameEnv)
		if err != nil {
			return nil, err
		}
		pass, err := config.Secret(cfg.PasswordEnv)
		if err != nil {
			return nil, err
		}
		if user != "" {
			auth = func(r *http.Request) { r.SetBasicAuth(user, pass) }
		}
	} else {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v2/write"
		q.Set("org", cfg.Org)
		q.Set("bucket", cfg.Bucket)
		token, err := config.Secret(cfg.TokenEnv)
		if err != nil {
			return nil, err
		}
		auth = func(r *http.Request) { r.Header.Set("Authorization", "Token "+token) }
	}
	u.RawQuery = q.Encode()

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultExportTimeout
	}
	return &InfluxDB{
		name:     cfg.Name,
		writeURL: u.String(),
		auth:     auth,
		client:   &http.Client{Timeout: timeout},
		encoder:  lineproto.NewEncoder(),
		logger:   logger,
	}, nil
}

func (e *InfluxDB) Name() string { return e.name }

func (e *InfluxDB) Export(ctx context.Context, batch []model.Metric) error {
	body, skipped := e.encoder.Encode(batch)
	if skipped > 0 {
		e.logger.Warn("metrics not representable in line protocol", zap.Int("count", skipped))
	}
	if len(body) == 0 {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.writeURL, bytes.NewReader(body))
	if err != nil {
		return Fatal(err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if e.auth != nil {
		e.auth(req)
	}

	res, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 4096))

	switch {
	case res.StatusCode/100 == 2:
		return nil
	case res.StatusCode/100 == 5 || res.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("line protocol write returned %q %q", res.Status, strings.TrimSpace(string(msg)))
	default:
		return Fatal(fmt.Errorf("line protocol write returned %q %q", res.Status, strings.TrimSpace(string(msg))))
	}
}

func (e *InfluxDB) Close(context.Context) error {
	e.client.CloseIdleConnections()
	return nil
}
