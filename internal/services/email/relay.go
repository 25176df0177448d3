// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// RelayTransport posts messages to a bearer-protected mail relay.
type RelayTransport struct {
	url    string
	secret string
	client *http.Client
	retry  RetryPolicy
}

// NewRelayTransport creates a relay transport.
func NewRelayTransport(url, secret string, retry RetryPolicy) (*RelayTransport, error) {
	if url == "" {
		return nil, errors.New("relay URL is required")
	}
	if secret == "" {
		return nil, errors.New("relay secret is required")
	}
	return &RelayTransport{url: url, secret: secret, client: &http.Client{}, retry: retry}, nil
}

func (t *RelayTransport) Name() string { return "relay" }

func (t *RelayTransport) Send(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("relay: encode message: %w", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + t.secret}
	return t.retry.do(ctx, func(ctx context.Context) error {
		return postJSON(ctx, t.client, t.Name(), t.url, headers, payload)
	})
}

// postJSON sends payload and maps non-2xx answers to *HTTPError.
func postJSON(ctx context.Context, client *http.Client, transport, url string, headers map[string]string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: %w", transport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", transport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Transport: transport, StatusCode: resp.StatusCode, Body: string(body)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
