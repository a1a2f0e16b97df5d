package exporter

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/optics-collector/pkg/config"
)

func TestBatchIDIsContentDerived(t *testing.T) {
	a := batchID([]byte("ifdom_temp,host=a value=30 1\n"))
	assert.Equal(t, a, batchID([]byte("ifdom_temp,host=a value=30 1\n")))
	assert.NotEqual(t, a, batchID([]byte("ifdom_temp,host=b value=30 1\n")))
	assert.Len(t, a, 36)
}

func TestClassifyNATS(t *testing.T) {
	assert.NoError(t, classifyNATS(nil))
	assert.True(t, IsFatal(classifyNATS(nats.ErrMaxPayload)))
	assert.True(t, IsFatal(classifyNATS(fmt.Errorf("publish: %w", nats.ErrBadSubject))))
	assert.True(t, IsFatal(classifyNATS(nats.ErrAuthorization)))
	assert.False(t, IsFatal(classifyNATS(nats.ErrTimeout)))
	assert.False(t, IsFatal(classifyNATS(errors.New("connection reset"))))
}

func TestNewNATSUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = NewNATS(context.Background(), config.ExporterConfig{
		Name:    "nats",
		Type:    "nats",
		URLs:    []string{"nats://" + addr},
		Subject: "optics.dom",
		Timeout: time.Second,
	}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to NATS")
	assert.False(t, config.IsConfigError(err))
}

func TestNewNATSMissingCredentials(t *testing.T) {
	_, err := NewNATS(context.Background(), config.ExporterConfig{
		Name:     "nats",
		URLs:     []string{"nats://127.0.0.1:4222"},
		Subject:  "optics.dom",
		TokenEnv: "TEST_NATS_UNSET_TOKEN",
	}, zap.NewNop())
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
}

// natsStub speaks just enough of the NATS client protocol for core publish:
// INFO on connect, PONG for every PING, and it records PUB payloads.
type natsStub struct {
	ln net.Listener

	mu       sync.Mutex
	conns    []net.Conn
	subjects []string
	payloads []string
}

func newNATSStub(t *testing.T) *natsStub {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &natsStub{ln: ln}
	t.Cleanup(func() {
		_ = ln.Close()
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range s.conns {
			_ = c.Close()
		}
	})
	go s.serve()
	return s
}

func (s *natsStub) url() string { return "nats://" + s.ln.Addr().String() }

func (s *natsStub) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *natsStub) handle(conn net.Conn) {
	_, port, _ := net.SplitHostPort(s.ln.Addr().String())
	_, _ = fmt.Fprintf(conn, "INFO {\"server_id\":\"stub\",\"version\":\"2.10.0\",\"host\":\"127.0.0.1\",\"port\":%s,\"max_payload\":1048576,\"proto\":1}\r\n", port)
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "PING"):
			_, _ = io.WriteString(conn, "PONG\r\n")
		case strings.HasPrefix(line, "PUB "):
			parts := strings.Fields(line)
			size, err := strconv.Atoi(parts[len(parts)-1])
			if err != nil {
				return
			}
			buf := make([]byte, size+2)
			if _, err := io.ReadFull(r, buf); err != nil {
				return
			}
			s.mu.Lock()
			s.subjects = append(s.subjects, parts[1])
			s.payloads = append(s.payloads, string(buf[:size]))
			s.mu.Unlock()
		}
	}
}

func (s *natsStub) published() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subjects...), append([]string(nil), s.payloads...)
}

func TestNATSExportCoreWithoutDeadline(t *testing.T) {
	stub := newNATSStub(t)
	exp, err := NewNATS(context.Background(), config.ExporterConfig{
		Name:    "nats",
		Type:    "nats",
		URLs:    []string{stub.url()},
		Subject: "optics.dom",
		Timeout: 2 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)

	// the runner hands exporters a cancel-only context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, exp.Export(ctx, testMetrics(3)))
	require.NoError(t, exp.Close(ctx))

	subjects, payloads := stub.published()
	require.Len(t, payloads, 1)
	assert.Equal(t, "optics.dom", subjects[0])
	assert.Equal(t, 3, strings.Count(payloads[0], "\n"))
	assert.True(t, strings.HasPrefix(payloads[0], "ifdom_rxpower,host=sw1,if_name=Ethernet0 value=0 1700000000000000000\n"))
}

func TestNATSExportUsesDefaultTimeout(t *testing.T) {
	stub := newNATSStub(t)
	exp, err := NewNATS(context.Background(), config.ExporterConfig{
		Name:    "nats",
		URLs:    []string{stub.url()},
		Subject: "optics.dom",
	}, zap.NewNop())
	require.NoError(t, err)
	defer exp.Close(context.Background())

	assert.Equal(t, defaultNATSTimeout, exp.timeout)
	require.NoError(t, exp.Export(context.Background(), testMetrics(1)))
	_, payloads := stub.published()
	assert.Len(t, payloads, 1)
}
