// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport implements the HTTPS client used to reach the tax
authority's API and identity provider.

The client enforces TLS 1.2 or newer, bounds every request with a timeout
and records one OpenTelemetry client span per request. Trace context is
propagated in the request headers.

# TLS Configuration

	config := transport.DefaultHTTPSConfig()
	// MinTLSVersion: TLS 1.2
	// MaxTLSVersion: TLS 1.3
	// Timeout:       30s

For TLS 1.2, the following cipher suites are recommended:
  - TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256
  - TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256

# Client Usage

	client := transport.NewHTTPSClient(nil)
	resp, err := client.Do(ctx, &transport.Request{
	    Method: http.MethodPost,
	    URL:    endpoint,
	    Header: http.Header{"Content-Type": {"application/json"}},
	    Body:   payload,
	})

Do does not interpret the status code; callers classify responses
themselves. Connection failures, timeouts and cancellations are returned as
errors wrapping [ErrUnreachable].
*/
package transport
