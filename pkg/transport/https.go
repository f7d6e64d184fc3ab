package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

const tracerName = "github.com/josiasmc/facturador-electronico-cr/pkg/transport"

// ErrUnreachable is returned when no response was received.
var ErrUnreachable = errors.New("endpoint unreachable")

// Recommended TLS 1.2 cipher suites
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// HTTPSConfig contains HTTPS client configuration
type HTTPSConfig struct {
	MinTLSVersion uint16
	MaxTLSVersion uint16
	CipherSuites  []uint16
	RootCAs       *x509.CertPool
	// Timeout is the deadline of requests that do not set their own. It is
	// not a client-wide cap.
	Timeout         time.Duration
	IdleConnTimeout time.Duration
	UserAgent       string
	// MaxResponseBytes caps how much of a response body is read.
	MaxResponseBytes int64
}

// DefaultHTTPSConfig returns a default HTTPS configuration
func DefaultHTTPSConfig() *HTTPSConfig {
	return &HTTPSConfig{
		MinTLSVersion:    TLS12,
		MaxTLSVersion:    TLS13,
		CipherSuites:     RecommendedTLS12CipherSuites,
		Timeout:          30 * time.Second,
		IdleConnTimeout:  90 * time.Second,
		UserAgent:        "facturador-electronico-cr/1.0",
		MaxResponseBytes: 10 << 20,
	}
}

// Request is an outgoing request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Timeout replaces HTTPSConfig.Timeout for this request when positive,
	// whether longer or shorter.
	Timeout time.Duration
}

// Response is a received response, whatever its status code.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// HTTPSClient sends requests over HTTPS
type HTTPSClient struct {
	client *http.Client
	config *HTTPSConfig
	tracer trace.Tracer
}

// NewHTTPSClient creates a new HTTPS client
func NewHTTPSClient(config *HTTPSConfig) *HTTPSClient {
	if config == nil {
		config = DefaultHTTPSConfig()
	}

	tlsConfig := &tls.Config{
		MinVersion:   config.MinTLSVersion,
		MaxVersion:   config.MaxTLSVersion,
		CipherSuites: config.CipherSuites,
		RootCAs:      config.RootCAs,
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		TLSClientConfig:     tlsConfig,
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}

	return &HTTPSClient{
		client: &http.Client{Transport: transport},
		config: config,
		tracer: otel.Tracer(tracerName),
	}
}

// NewClientWithHTTP wraps an existing http.Client, typically one returned by
// httptest.Server.Client.
func NewClientWithHTTP(client *http.Client, config *HTTPSConfig) *HTTPSClient {
	if config == nil {
		config = DefaultHTTPSConfig()
	}
	return &HTTPSClient{client: client, config: config, tracer: otel.Tracer(tracerName)}
}

// Do sends req and returns the response.
func (c *HTTPSClient) Do(ctx context.Context, req *Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, span := c.tracer.Start(ctx, "HTTP "+req.Method,
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range req.Header {
		httpReq.Header[k] = v
	}
	if c.config.UserAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.url", req.URL),
		attribute.Int("http.request_content_length", len(req.Body)),
	)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if c.config.MaxResponseBytes > 0 {
		reader = io.LimitReader(resp.Body, c.config.MaxResponseBytes)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrUnreachable, err)
	}

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode >= 500 {
		span.SetStatus(codes.Error, resp.Status)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}
