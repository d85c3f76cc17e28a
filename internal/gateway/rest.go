package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// RESTClient posts JSON requests against the venue info endpoint.
type RESTClient struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewRESTClient(baseURL string, timeout time.Duration, log *zap.Logger) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

func (c *RESTClient) Info(ctx context.Context, req any) (any, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/info", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrRetryable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		class := ErrRetryable
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			class = ErrFatal
		}
		return nil, fmt.Errorf("%w: http %d: %s", class, resp.StatusCode, string(body))
	}
	var data any
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrRetryable, err)
	}
	return data, nil
}
