// Package exporter sends crash reports to an OTLP logs endpoint over HTTP (JSON or protobuf) or gRPC.
package exporter

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"cortex-telemetry/backend/internal/config"
	"cortex-telemetry/backend/internal/telemetry/domain"
	"cortex-telemetry/backend/internal/telemetry/otlp"
)

// LogsPath is the OTLP/HTTP logs route appended to the base URL.
const LogsPath = "/v1/logs"

// ErrUnsupportedProtocol is returned by New for an unknown protocol.
var ErrUnsupportedProtocol = errors.New("exporter: unsupported protocol")

// Client exports crash reports to one endpoint. Safe for concurrent use.
type Client struct {
	protocol string
	url      string
	timeout  time.Duration
	http     *http.Client

	conn *grpc.ClientConn
	logs collogspb.LogsServiceClient

	dialOpts []grpc.DialOption
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds each Export call. Zero means no timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient replaces the HTTP client used by the http protocols.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithDialOptions appends gRPC dial options for the grpc protocol.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// New returns a Client for endpoint. protocol is one of config.ProtocolHTTPJSON (default when empty),
// config.ProtocolHTTPProtobuf or config.ProtocolGRPC.
func New(endpoint, protocol string, opts ...Option) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("exporter: endpoint is empty")
	}
	if protocol == "" {
		protocol = config.ProtocolHTTPJSON
	}
	c := &Client{
		protocol: protocol,
		http:     &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}

	switch protocol {
	case config.ProtocolHTTPJSON, config.ProtocolHTTPProtobuf:
		u, err := logsURL(endpoint)
		if err != nil {
			return nil, err
		}
		c.url = u
	case config.ProtocolGRPC:
		target, secure, err := grpcTarget(endpoint)
		if err != nil {
			return nil, err
		}
		creds := insecure.NewCredentials()
		if secure {
			creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
		}
		dialOpts := append([]grpc.DialOption{
			grpc.WithTransportCredentials(creds),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		}, c.dialOpts...)
		conn, err := grpc.NewClient(target, dialOpts...)
		if err != nil {
			return nil, fmt.Errorf("exporter: dial %s: %w", target, err)
		}
		c.conn = conn
		c.logs = collogspb.NewLogsServiceClient(conn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, protocol)
	}
	return c, nil
}

// Protocol returns the protocol the client was built with.
func (c *Client) Protocol() string { return c.protocol }

// Export sends t as a single-record OTLP logs request.
func (c *Client) Export(ctx context.Context, t *domain.Telemetry) error {
	if t == nil {
		return errors.New("exporter: nil telemetry")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req := otlp.ToRequest(t)
	switch c.protocol {
	case config.ProtocolGRPC:
		resp, err := c.logs.Export(ctx, req)
		if err != nil {
			return fmt.Errorf("exporter: grpc export: %w", err)
		}
		if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedLogRecords() > 0 {
			return fmt.Errorf("exporter: %d log records rejected: %s", ps.GetRejectedLogRecords(), ps.GetErrorMessage())
		}
		return nil
	case config.ProtocolHTTPProtobuf:
		body, err := proto.Marshal(req)
		if err != nil {
			return fmt.Errorf("exporter: marshal: %w", err)
		}
		return c.post(ctx, "application/x-protobuf", body)
	default:
		body, err := protojson.Marshal(req)
		if err != nil {
			return fmt.Errorf("exporter: marshal: %w", err)
		}
		return c.post(ctx, "application/json", body)
	}
}

func (c *Client) post(ctx context.Context, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("exporter: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("exporter: post %s: %w", c.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("exporter: %s returned %d: %s", c.url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Close releases the gRPC connection, if any.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// logsURL appends LogsPath to base unless it already ends with it.
func logsURL(base string) (string, error) {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("exporter: invalid endpoint %q: %w", base, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("exporter: invalid endpoint %q: missing host", base)
	}
	if !strings.HasSuffix(u.Path, LogsPath) {
		u.Path = strings.TrimSuffix(u.Path, "/") + LogsPath
	}
	return u.String(), nil
}

// grpcTarget reduces endpoint to host:port. Only https endpoints use TLS.
func grpcTarget(endpoint string) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("exporter: invalid endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("exporter: invalid endpoint %q: missing host", endpoint)
	}
	return u.Host, u.Scheme == "https", nil
}
