package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/proxy"
)

const (
	instrumentation = "github.com/loqalabs/loqa-voice/webhook"
	maxReplyBytes   = 1 << 20
)

// Request is one user turn sent to the collaborator endpoint.
type Request struct {
	Source    string
	Message   string
	SessionID string
	Username  string
	Timestamp time.Time
}

type payload struct {
	Source    string `json:"source"`
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

// Reply is the endpoint's answer. AudioURL is empty when absent or null.
type Reply struct {
	Message  string `json:"message"`
	AudioURL string `json:"audio_url,omitempty"`
}

// Client posts turns to a fixed endpoint. It never retries.
type Client struct {
	endpoint   string
	httpClient *http.Client
	tracer     trace.Tracer
	latency    metric.Float64Histogram
}

// NewClient builds a client for endpoint. A configured proxy_addr routes
// requests through SOCKS5; timeout_ms of zero leaves the call unbounded.
func NewClient(endpoint string, cfg config.WebhookConfig) (*Client, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, fmt.Errorf("webhook endpoint must not be empty")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.ProxyAddr != "" {
		dialer, err := proxy.SOCKS5("tcp", cfg.ProxyAddr, nil, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("dial socks proxy: %w", err)
		}
		cd, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks proxy %s does not support contexts", cfg.ProxyAddr)
		}
		transport.Proxy = nil
		transport.DialContext = cd.DialContext
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   time.Duration(cfg.TimeoutMS) * time.Millisecond,
	}

	return newClient(endpoint, httpClient), nil
}

func newClient(endpoint string, httpClient *http.Client) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: httpClient,
		tracer:     otel.Tracer(instrumentation),
	}
	latency, err := otel.Meter(instrumentation).Float64Histogram(
		"loqa.voice.webhook.duration",
		metric.WithDescription("Webhook round trip time"),
		metric.WithUnit("s"),
	)
	if err == nil {
		c.latency = latency
	}
	return c
}

func (c *Client) Endpoint() string { return c.endpoint }

// Send posts req and decodes the reply. Errors are *ConnectionError,
// *StatusError or *DecodeError.
func (c *Client) Send(ctx context.Context, req Request) (Reply, error) {
	ctx, span := c.tracer.Start(ctx, "webhook.send", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("voice.session_id", req.SessionID),
		attribute.String("url.full", c.endpoint),
	)

	start := time.Now()
	reply, status, err := c.do(ctx, req)
	if c.latency != nil {
		c.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.Int("http.response.status_code", status)))
	}
	if status != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Reply{}, err
	}
	return reply, nil
}

func (c *Client) do(ctx context.Context, req Request) (Reply, int, error) {
	body, err := json.Marshal(payload{
		Source:    req.Source,
		Message:   req.Message,
		SessionID: req.SessionID,
		Username:  req.Username,
		Timestamp: FormatTimestamp(req.Timestamp),
	})
	if err != nil {
		return Reply{}, 0, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Reply{}, 0, &ConnectionError{Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Reply{}, 0, &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxReplyBytes))
		return Reply{}, resp.StatusCode, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return Reply{}, resp.StatusCode, &ConnectionError{Err: err}
	}
	var reply *Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return Reply{}, resp.StatusCode, &DecodeError{Err: err}
	}
	if reply == nil {
		return Reply{}, resp.StatusCode, &DecodeError{Err: errors.New("reply is not a JSON object")}
	}
	reply.AudioURL = strings.TrimSpace(reply.AudioURL)
	return *reply, resp.StatusCode, nil
}

// FormatTimestamp renders t as UTC ISO-8601 with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
