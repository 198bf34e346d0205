package partner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/leadwall/bidgate/internal/model"
)

// maxPayloadBytes bounds how much of a partner response body is read.
const maxPayloadBytes = 1 << 20

// Caller is the uniform way of asking one partner for a bid.
type Caller interface {
	Call(ctx context.Context, req model.BidRequest) model.RawPartnerResponse
}

// CallerFunc adapts a plain function to Caller.
type CallerFunc func(ctx context.Context, req model.BidRequest) model.RawPartnerResponse

func (f CallerFunc) Call(ctx context.Context, req model.BidRequest) model.RawPartnerResponse {
	return f(ctx, req)
}

// StatusError is returned for non-2xx partner responses.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("partner responded with status %d", e.StatusCode)
}

// HTTPCaller posts the bid request as JSON and expects a NativeBid back.
type HTTPCaller struct {
	partner Partner
	client  *http.Client
	retries int
}

func NewHTTPCaller(p Partner, client *http.Client, retries int) *HTTPCaller {
	return &HTTPCaller{partner: p, client: client, retries: retries}
}

func (c *HTTPCaller) Call(ctx context.Context, req model.BidRequest) model.RawPartnerResponse {
	start := time.Now()
	body, err := json.Marshal(req)
	if err != nil {
		return failed(c.partner.ID, start, err)
	}
	payload, err := post(ctx, c.client, c.partner, req.RequestID, body, c.retries)
	if err != nil {
		return failed(c.partner.ID, start, err)
	}
	return model.RawPartnerResponse{
		PartnerID: c.partner.ID,
		ArrivedAt: time.Now(),
		Payload:   payload,
		Latency:   time.Since(start),
	}
}

func failed(partnerID string, start time.Time, err error) model.RawPartnerResponse {
	return model.RawPartnerResponse{
		PartnerID: partnerID,
		ArrivedAt: time.Now(),
		Err:       err,
		Latency:   time.Since(start),
	}
}

// post sends body to the partner endpoint, retrying transport errors and 5xx
// responses up to retries times. A 204 yields an empty payload.
func post(ctx context.Context, client *http.Client, p Partner, requestID string, body []byte, retries int) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		payload, retryable, err := postOnce(ctx, client, p, requestID, body)
		if err == nil {
			return payload, nil
		}
		lastErr = err
		if !retryable || !shouldRetry(ctx, attempt, retries) {
			break
		}
	}
	return nil, lastErr
}

func postOnce(ctx context.Context, client *http.Client, p Partner, requestID string, body []byte) ([]byte, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if requestID != "" {
		httpReq.Header.Set("X-Request-ID", requestID)
	}
	if p.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.APIKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("call partner: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxPayloadBytes))
		return nil, resp.StatusCode >= 500, &StatusError{StatusCode: resp.StatusCode}
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, true, fmt.Errorf("read partner response: %w", err)
	}
	return payload, false, nil
}

func shouldRetry(ctx context.Context, attempt, max int) bool {
	if attempt >= max {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		return true
	}
}
