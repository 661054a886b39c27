// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bureau-foundation/warden/lib/netutil"
	"github.com/bureau-foundation/warden/lib/version"
)

// Transport carries sync exchanges and archive uploads to the backend.
type Transport interface {
	Sync(ctx context.Context, request *Request) (*Response, error)
	UploadArchive(ctx context.Context, name string, bundle []byte) error
}

// TransientError is a failure worth retrying after backoff: the
// connection failed, the backend is rate limiting, or it returned a
// server error.
type TransientError struct {
	// StatusCode is zero when no response was received.
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("sync: transient HTTP %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sync: transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response that retrying will not fix, such as
// a rejected API key.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sync: HTTP %d: %s", e.StatusCode, e.Body)
}

// IsTransient reports whether err is a [*TransientError].
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// APIKeyHeader carries the device's API key.
const APIKeyHeader = "X-Device-Api-Key"

// archiveNameHeader names the uploaded bundle so the backend can
// deduplicate retries.
const archiveNameHeader = "X-Archive-Name"

// HTTPConfig configures an HTTPTransport.
type HTTPConfig struct {
	// Endpoint is the backend base URL.
	Endpoint string
	APIKey   string
	// HTTPClient defaults to http.DefaultClient. Per-call deadlines come
	// from the context.
	HTTPClient *http.Client
}

// HTTPTransport is the JSON-over-HTTP Transport.
type HTTPTransport struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPTransport validates cfg and returns a transport.
func NewHTTPTransport(cfg HTTPConfig) (*HTTPTransport, error) {
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		return nil, fmt.Errorf("syncclient: Endpoint is required")
	}
	if !strings.HasPrefix(endpoint, "https://") && !strings.HasPrefix(endpoint, "http://") {
		return nil, fmt.Errorf("syncclient: Endpoint must be an http or https URL, got %q", cfg.Endpoint)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPTransport{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
	}, nil
}

// Sync posts request to {endpoint}/sync.
func (t *HTTPTransport) Sync(ctx context.Context, request *Request) (*Response, error) {
	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("sync: encoding request: %w", err)
	}
	response, err := t.post(ctx, "/sync", "application/json", body, nil)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	var decoded Response
	if err := netutil.DecodeResponse(response.Body, &decoded); err != nil {
		return nil, fmt.Errorf("sync: decoding response: %w", err)
	}
	return &decoded, nil
}

// UploadArchive posts one sealed audit bundle to
// {endpoint}/audit/archive.
func (t *HTTPTransport) UploadArchive(ctx context.Context, name string, bundle []byte) error {
	response, err := t.post(ctx, "/audit/archive", "application/octet-stream", bundle, map[string]string{
		archiveNameHeader: name,
	})
	if err != nil {
		return err
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)
	return nil
}

// post sends an authenticated request and classifies the outcome. On
// success the caller owns the response body.
func (t *HTTPTransport) post(ctx context.Context, path, contentType string, body []byte, headers map[string]string) (*http.Response, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sync: building request: %w", err)
	}
	request.Header.Set("Content-Type", contentType)
	request.Header.Set("User-Agent", version.UserAgent())
	if t.apiKey != "" {
		request.Header.Set(APIKeyHeader, t.apiKey)
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}

	response, err := t.httpClient.Do(request)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return response, nil
	}

	message := strings.TrimSpace(netutil.ErrorBody(response.Body))
	response.Body.Close()
	if response.StatusCode == http.StatusTooManyRequests || response.StatusCode >= 500 {
		return nil, &TransientError{StatusCode: response.StatusCode, Err: errors.New(message)}
	}
	return nil, &StatusError{StatusCode: response.StatusCode, Body: message}
}
