package esp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/trungdn/courier/internal/core/domain"
	"github.com/trungdn/courier/internal/delivery/metrics"
	"github.com/trungdn/courier/internal/delivery/policy"
)

// Config holds delivery API client settings.
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	MaxAttempts int
}

// Client sends messages through the provider's HTTP API. Before every attempt
// it consults the policy engine's gates (circuit breaker, hard disable,
// rate-limit cooldown) and it feeds every classified failure back to the
// engine. Transient failures are retried inline with exponential backoff;
// anything else is returned to the dispatch queue for its slower outer retry.
type Client struct {
	cfg     Config
	engine  *policy.Engine
	monitor *Monitor
	httpc   *http.Client
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewClient(cfg Config, engine *policy.Engine) *Client {
	return &Client{
		cfg:     cfg,
		engine:  engine,
		monitor: NewMonitor(),
		httpc:   &http.Client{Timeout: cfg.Timeout},
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// Monitor exposes provider health stats for the health endpoint.
func (c *Client) Monitor() *Monitor {
	return c.monitor
}

// Send delivers one message, retrying transient failures up to MaxAttempts
// with 2^(attempt-1) second backoff.
func (c *Client) Send(ctx context.Context, payload domain.MessagePayload) (*ProviderResponse, error) {
	var lastErr *policy.SendError

	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.engine.Gate(ctx); err != nil {
			// Gate rejections are not new failures; return as-is
			metrics.SendAttempts.WithLabelValues("gated").Inc()
			return nil, err
		}

		start := time.Now()
		resp, err := c.attempt(ctx, payload)
		latency := time.Since(start)

		if err == nil {
			c.monitor.RecordRequest(latency)
			metrics.SendAttempts.WithLabelValues("success").Inc()
			metrics.SendLatency.Observe(latency.Seconds())
			if rerr := c.engine.RecordSuccess(ctx); rerr != nil {
				slog.Error("Failed to reset breaker after success", "error", rerr)
			}
			return resp, nil
		}

		lastErr = policy.AsSendError(err)
		metrics.SendAttempts.WithLabelValues("failure").Inc()
		metrics.SendErrors.WithLabelValues(string(lastErr.Code)).Inc()
		if lastErr.StatusCode == http.StatusTooManyRequests {
			c.monitor.RecordThrottle(lastErr.StatusCode, lastErr.RetryAfter())
		}

		decision := c.engine.Handle(ctx, lastErr)
		if !decision.ShouldRetry {
			return nil, lastErr
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}

		delay := time.Duration(1<<(attempt-1)) * time.Second
		if decision.RetryAfter > delay {
			delay = decision.RetryAfter
		}
		slog.Debug("Retrying send", "attempt", attempt, "delay", delay, "code", lastErr.Code)

		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("send failed after %d attempts: %w", c.cfg.MaxAttempts, lastErr)
}

// sendRequest is the provider wire format: a single normalized recipient and
// either an HTML or plain-text body.
type sendRequest struct {
	To      string `json:"to"`
	From    string `json:"from"`
	ReplyTo string `json:"reply_to,omitempty"`
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	ID        string `json:"id"`
	Message   string `json:"message"`
}

func (c *Client) attempt(ctx context.Context, payload domain.MessagePayload) (*ProviderResponse, error) {
	reqBody := sendRequest{
		To:      payload.To,
		From:    payload.From,
		ReplyTo: payload.ReplyTo,
		Subject: payload.Subject,
	}
	if payload.Kind == domain.ContentHTML {
		reqBody.HTML = payload.Body
	} else {
		reqBody.Text = payload.Body
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return nil, policy.NewSendError(policy.CodeValidation, 0, "unserializable payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/messages", bytes.NewReader(data))
	if err != nil {
		return nil, policy.NewSendError(policy.CodeValidation, 0, "invalid request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var sr sendResponse
		if err := json.Unmarshal(body, &sr); err != nil {
			return nil, policy.NewSendError(policy.CodeServer, resp.StatusCode, "unparseable provider response", err)
		}
		messageID := sr.MessageID
		if messageID == "" {
			messageID = sr.ID
		}
		return &ProviderResponse{MessageID: messageID, StatusCode: resp.StatusCode}, nil
	}

	return nil, classifyHTTP(resp, body)
}

func classifyTransport(err error) *policy.SendError {
	if errors.Is(err, context.DeadlineExceeded) {
		return policy.NewSendError(policy.CodeTimeout, 0, "request timed out", err)
	}
	// http.Client wraps timeouts in *url.Error with Timeout()
	var nerr interface{ Timeout() bool }
	if errors.As(err, &nerr) && nerr.Timeout() {
		return policy.NewSendError(policy.CodeTimeout, 0, "request timed out", err)
	}
	return policy.NewSendError(policy.CodeNetwork, 0, err.Error(), err)
}

// quotaPatterns distinguish plan/usage exhaustion from plain throttling.
var quotaPatterns = []string{
	"quota",
	"plan limit",
	"monthly limit",
	"usage limit",
	"upgrade your plan",
}

func classifyHTTP(resp *http.Response, body []byte) *policy.SendError {
	msg := providerMessage(body)
	lower := strings.ToLower(msg)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		for _, p := range quotaPatterns {
			if strings.Contains(lower, p) {
				return policy.NewSendError(policy.CodeQuota, resp.StatusCode, msg, nil)
			}
		}
		return policy.NewSendError(policy.CodeAuthentication, resp.StatusCode, msg, nil)

	case resp.StatusCode == http.StatusTooManyRequests:
		for _, p := range quotaPatterns {
			if strings.Contains(lower, p) {
				return policy.NewSendError(policy.CodeQuota, resp.StatusCode, msg, nil)
			}
		}
		se := policy.NewSendError(policy.CodeRateLimit, resp.StatusCode, msg, nil)
		se.RetryIn = parseRetryAfter(resp.Header.Get("Retry-After"))
		return se

	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return policy.NewSendError(policy.CodeValidation, resp.StatusCode, msg, nil)

	case resp.StatusCode >= 500:
		return policy.NewSendError(policy.CodeServer, resp.StatusCode, msg, nil)

	default:
		return policy.NewSendError(policy.CodeServer, resp.StatusCode, msg, nil)
	}
}

func providerMessage(body []byte) string {
	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err == nil && sr.Message != "" {
		return sr.Message
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return string(body)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
