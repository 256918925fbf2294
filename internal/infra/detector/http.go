// Package detector provides the HTTP client for the external PII detection
// service. The service analyzes text and returns entity spans; this adapter
// maps its responses and failure modes onto the domain's detection contract.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/piisweep/piisweep/internal/domain/pii"
	"github.com/piisweep/piisweep/internal/domain/scan"
	"github.com/piisweep/piisweep/pkg/common"
	"github.com/piisweep/piisweep/pkg/common/logger"
)

var _ scan.Detector = (*Client)(nil)

// Config holds the detection service connection settings.
type Config struct {
	BaseURL string

	// RequestsPerSecond and Burst bound the request rate to the service.
	RequestsPerSecond float64
	Burst             int

	// MaxRetryElapsed caps how long transient failures are retried before
	// the error surfaces to the orchestrator.
	MaxRetryElapsed time.Duration
}

// Client calls the detection service over HTTP with rate limiting and
// exponential-backoff retries on transient failures.
type Client struct {
	baseURL string
	httpc   *http.Client
	limiter *common.RateLimiter

	maxRetryElapsed time.Duration

	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient creates a detection service client.
func NewClient(cfg Config, httpc *http.Client, log *logger.Logger, tracer trace.Tracer) *Client {
	if httpc == nil {
		httpc = &http.Client{}
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 5
	}
	maxElapsed := cfg.MaxRetryElapsed
	if maxElapsed <= 0 {
		maxElapsed = 30 * time.Second
	}
	return &Client{
		baseURL:         cfg.BaseURL,
		httpc:           httpc,
		limiter:         common.NewRateLimiter(rps, burst),
		maxRetryElapsed: maxElapsed,
		logger:          log.With("component", "detector_client"),
		tracer:          tracer,
	}
}

type analyzeRequest struct {
	Text string `json:"text"`
}

type analyzeResponse struct {
	Entities []struct {
		Type       string  `json:"type"`
		Label      string  `json:"label"`
		Start      int     `json:"start"`
		End        int     `json:"end"`
		Confidence float64 `json:"confidence"`
		Value      string  `json:"value"`
	} `json:"entities"`
	Stats struct {
		CharsProcessed int `json:"chars_processed"`
		SpanCount      int `json:"span_count"`
	} `json:"stats"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Detect analyzes one piece of text. Transient failures (network errors,
// 429, 5xx other than remote-deadline responses) are retried with backoff;
// everything else surfaces immediately for the orchestrator to classify.
func (c *Client) Detect(ctx context.Context, text string) (pii.Detection, error) {
	ctx, span := c.tracer.Start(ctx, "detector_client.detect",
		trace.WithAttributes(attribute.Int("text_length", len(text))))
	defer span.End()

	body, err := json.Marshal(analyzeRequest{Text: text})
	if err != nil {
		return pii.Detection{}, fmt.Errorf("marshaling detection request: %w", err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = c.maxRetryElapsed

	var resp analyzeResponse
	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		return c.doAnalyze(ctx, body, &resp)
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		// Retrying past a context deadline yields the context error, which
		// is the local-timeout signal the orchestrator classifies on.
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, scan.ErrRemoteDeadline) {
			var remote *scan.RemoteError
			if !errors.As(err, &remote) {
				return pii.Detection{}, ctxErr
			}
		}
		return pii.Detection{}, err
	}

	entities := make([]pii.Entity, 0, len(resp.Entities))
	for _, e := range resp.Entities {
		entities = append(entities, pii.NewEntityFromSpan(pii.Span{
			Type:       e.Type,
			Label:      e.Label,
			Start:      e.Start,
			End:        e.End,
			Confidence: e.Confidence,
			RawValue:   e.Value,
		}, text))
	}

	return pii.Detection{
		Entities: entities,
		Stats: pii.Statistics{
			CharsProcessed: resp.Stats.CharsProcessed,
			SpanCount:      resp.Stats.SpanCount,
		},
	}, nil
}

func (c *Client) doAnalyze(ctx context.Context, body []byte, out *analyzeResponse) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building detection request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		// Network-level failures are worth retrying.
		return fmt.Errorf("calling detection service: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading detection response: %w", err)
	}

	switch {
	case httpResp.StatusCode == http.StatusOK:
		if err := json.Unmarshal(respBody, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decoding detection response: %w", err))
		}
		return nil

	case httpResp.StatusCode == http.StatusRequestTimeout || httpResp.StatusCode == http.StatusGatewayTimeout:
		return backoff.Permanent(fmt.Errorf("%w: status %d", scan.ErrRemoteDeadline, httpResp.StatusCode))

	case httpResp.StatusCode == http.StatusTooManyRequests || httpResp.StatusCode >= 500:
		c.logger.Warn(ctx, "detection service transient failure, retrying",
			"status", httpResp.StatusCode)
		return &scan.RemoteError{Status: httpResp.StatusCode, Reason: reasonFromBody(respBody)}

	default:
		return backoff.Permanent(&scan.RemoteError{
			Status: httpResp.StatusCode,
			Reason: reasonFromBody(respBody),
		})
	}
}

func reasonFromBody(body []byte) string {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != "" {
		return er.Error
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}
