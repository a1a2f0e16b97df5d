package driver

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/optics-collector/pkg/config"
)

const maxResponseBytes = 32 << 20

// httpAPI is the shared transport of the eAPI and NX-API drivers. The
// underlying connection pool is reused across polls of the same device.
type httpAPI struct {
	cfg    config.HTTPDriverConfig
	creds  Credentials
	client *http.Client
}

func newHTTPAPI(cfg config.HTTPDriverConfig, creds Credentials) *httpAPI {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{KeepAlive: 30 * time.Second}).DialContext,
		TLSClientConfig:     &tls.Config{InsecureSkipVerify: cfg.InsecureTLS}, //nolint:gosec // devices ship self-signed certs
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     90 * time.Second,
	}
	return &httpAPI{cfg: cfg, creds: creds, client: &http.Client{Transport: tr}}
}

func (h *httpAPI) url(address, path string) string {
	return h.cfg.Scheme + "://" + net.JoinHostPort(address, strconv.Itoa(h.cfg.Port)) + path
}

// post sends body and returns the response payload, classifying failures.
func (h *httpAPI) post(ctx context.Context, url, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", contentType)
	req.SetBasicAuth(h.creds.Username, h.creds.Password)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("request %s: %w", url, err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, Transient(fmt.Errorf("read response: %w", err))
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}
	return payload, nil
}

// classifyStatus: auth and client errors are permanent, server errors and
// throttling are transient.
func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Permanent(fmt.Errorf("authentication failed: HTTP %d", code))
	case code == http.StatusTooManyRequests || code >= 500:
		return Transient(fmt.Errorf("device returned HTTP %d", code))
	default:
		return Permanent(fmt.Errorf("device rejected request: HTTP %d", code))
	}
}

// IsTimeout reports whether err is a context deadline or a network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
