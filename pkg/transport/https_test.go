package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultHTTPSConfig(t *testing.T) {
	config := DefaultHTTPSConfig()

	if config.MinTLSVersion != TLS12 {
		t.Errorf("expected MinTLSVersion TLS12, got %d", config.MinTLSVersion)
	}
	if config.MaxTLSVersion != TLS13 {
		t.Errorf("expected MaxTLSVersion TLS13, got %d", config.MaxTLSVersion)
	}
	if len(config.CipherSuites) == 0 {
		t.Error("expected CipherSuites to be set")
	}
	if config.Timeout != 30*time.Second {
		t.Errorf("expected Timeout 30s, got %v", config.Timeout)
	}
}

func TestNewHTTPSClient_NilConfig(t *testing.T) {
	client := NewHTTPSClient(nil)
	if client.client.Timeout != 0 {
		t.Errorf("expected no client-wide timeout, got %v", client.client.Timeout)
	}
	if client.config.Timeout != 30*time.Second {
		t.Errorf("expected default request timeout, got %v", client.config.Timeout)
	}
}

func TestHTTPSClient_Do(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Authorization") != "bearer abc" {
			t.Errorf("unexpected Authorization header %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected a User-Agent")
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"clave":"1"}` {
			t.Errorf("unexpected body %s", body)
		}
		w.Header().Set("X-Error-Cause", "none")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClientWithHTTP(server.Client(), nil)
	resp, err := client.Do(context.Background(), &Request{
		Method: http.MethodPost,
		URL:    server.URL,
		Header: http.Header{"Authorization": {"bearer abc"}},
		Body:   []byte(`{"clave":"1"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("expected 202, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Error-Cause") != "none" {
		t.Error("expected response headers to be returned")
	}
}

func TestHTTPSClient_Do_ErrorStatusIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClientWithHTTP(server.Client(), nil)
	resp, err := client.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHTTPSClient_Do_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := NewClientWithHTTP(server.Client(), nil)
	_, err := client.Do(context.Background(), &Request{
		Method:  http.MethodGet,
		URL:     server.URL,
		Timeout: 50 * time.Millisecond,
	})
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
}

func TestHTTPSClient_Do_RequestTimeoutExceedsDefault(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(300 * time.Millisecond):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	config := DefaultHTTPSConfig()
	config.Timeout = 50 * time.Millisecond
	client := NewHTTPSClient(config)

	// A slow identity provider is given its own, longer deadline.
	resp, err := client.Do(context.Background(), &Request{
		Method:  http.MethodPost,
		URL:     server.URL,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	// Without one the configured default applies.
	_, err = client.Do(context.Background(), &Request{Method: http.MethodPost, URL: server.URL})
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
}

func TestHTTPSClient_Do_InvalidURL(t *testing.T) {
	client := NewHTTPSClient(nil)
	_, err := client.Do(context.Background(), &Request{Method: http.MethodGet, URL: "http://127.0.0.1:1/nothing"})
	if !errors.Is(err, ErrUnreachable) {
		t.Errorf("expected ErrUnreachable, got %v", err)
	}
}

func TestHTTPSClient_Do_RecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	defer otel.SetTracerProvider(prev)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClientWithHTTP(server.Client(), nil)
	if _, err := client.Do(context.Background(), &Request{Method: http.MethodGet, URL: server.URL}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "HTTP GET" {
		t.Errorf("unexpected span name %q", spans[0].Name())
	}
}
