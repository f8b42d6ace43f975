// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledgerlite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mobiletoly/go-ledgersync/ledgersync"
)

// Transport carries push and pull requests to the sync server
type Transport interface {
	Push(ctx context.Context, req *ledgersync.PushRequest) (*ledgersync.PushResponse, error)
	Pull(ctx context.Context, entityType string, since int64, limit int) (*ledgersync.PullResponse, error)
}

// ErrTransport marks failures to reach the sync server or get a usable reply from it
var ErrTransport = errors.New("sync transport failed")

// StatusError is a non-200 reply from the sync server
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error { return ErrTransport }

// HTTPTransport talks to the JSON endpoints served by ledgersync.HTTPSyncHandlers
type HTTPTransport struct {
	BaseURL  string
	DeviceID string
	Token    func(ctx context.Context) (string, error)
	HTTP     *http.Client
}

// NewHTTPTransport returns a transport with http.DefaultClient
func NewHTTPTransport(baseURL, deviceID string, token func(ctx context.Context) (string, error)) *HTTPTransport {
	return &HTTPTransport{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		DeviceID: deviceID,
		Token:    token,
		HTTP:     http.DefaultClient,
	}
}

func (t *HTTPTransport) Push(ctx context.Context, req *ledgersync.PushRequest) (*ledgersync.PushResponse, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+"/sync/push", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp ledgersync.PushResponse
	if err := t.do(ctx, httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) Pull(ctx context.Context, entityType string, since int64, limit int) (*ledgersync.PullResponse, error) {
	q := url.Values{}
	q.Set("entityType", entityType)
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(limit))
	if t.DeviceID != "" {
		q.Set("deviceId", t.DeviceID)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.BaseURL+"/sync/pull?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	var resp ledgersync.PullResponse
	if err := t.do(ctx, httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (t *HTTPTransport) do(ctx context.Context, httpReq *http.Request, out any) error {
	if t.Token != nil {
		token, err := t.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get JWT token: %w", err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	client := t.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: failed to send HTTP request: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Message: string(body)}
		var errResp ledgersync.ErrorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			statusErr.Code = errResp.Error
			statusErr.Message = errResp.Message
		}
		return statusErr
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %w", ErrTransport, err)
	}
	return nil
}
