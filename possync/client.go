package possync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/toyiyo/nimble-pnl-sub020/config"
)

// providerClient wraps the shared http.Client with per-provider metrics,
// JSON decoding and rate-limit backoff. One instance per fetcher.
type providerClient struct {
	provider string
	http     *http.Client
	backoff  BackoffPolicy
}

func newProviderClient(provider string) *providerClient {
	return &providerClient{
		provider: provider,
		http:     &http.Client{Timeout: 30 * time.Second},
		backoff:  DefaultBackoffPolicy(),
	}
}

// Body is bytes, not a reader: a rate-limited request is re-sent whole.
type apiRequest struct {
	Method  string
	URL     string
	Query   url.Values
	Headers map[string]string
	Body    []byte
}

// doJSON executes the request and unmarshals a 2xx body into out. A 429 is
// retried with exponential backoff up to the policy's attempt budget; all
// other failures surface immediately as *APIError.
func (c *providerClient) doJSON(ctx context.Context, req apiRequest, out any) error {
	for attempt := 1; ; attempt++ {
		status, body, err := c.doOnce(ctx, req)
		if err != nil {
			return &APIError{Provider: c.provider, Status: 0, Body: err.Error()}
		}
		if status == http.StatusTooManyRequests && attempt < c.backoff.MaxAttempts {
			config.GetLogger().WithFields(logrus.Fields{
				"provider": c.provider,
				"attempt":  attempt,
			}).Warn("provider rate limited, backing off")
			if err := c.backoff.Sleep(ctx, attempt); err != nil {
				return err
			}
			continue
		}
		if status < 200 || status >= 300 {
			return &APIError{Provider: c.provider, Status: status, Body: truncate(string(body), 512)}
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return &APIError{Provider: c.provider, Status: status, Body: fmt.Sprintf("decode response: %v", err)}
		}
		return nil
	}
}

func (c *providerClient) doOnce(ctx context.Context, req apiRequest) (int, []byte, error) {
	target := req.URL
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}
	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		providerRequestDuration.WithLabelValues(c.provider, "error").Observe(time.Since(start).Seconds())
		return 0, nil, err
	}
	defer resp.Body.Close()
	providerRequestDuration.WithLabelValues(c.provider, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
