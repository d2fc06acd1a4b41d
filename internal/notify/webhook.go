package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

const defaultWebhookTimeout = 5 * time.Second

type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
	// RateLimit caps requests per second; zero means unlimited.
	RateLimit float64
	Burst     int
}

// WebhookChannel POSTs events as JSON. Consecutive failures open a circuit
// breaker so a dead endpoint fails fast between retries.
type WebhookChannel struct {
	cfg     WebhookConfig
	client  *resty.Client
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

func NewWebhookChannel(cfg WebhookConfig) *WebhookChannel {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWebhookTimeout
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// a rejected payload says nothing about endpoint health
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
	})
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &WebhookChannel{
		cfg:     cfg,
		client:  resty.New().SetTimeout(cfg.Timeout),
		cb:      cb,
		limiter: limiter,
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Deliver(ctx context.Context, evt Event, key string) (DeliveryResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return DeliveryResult{}, fmt.Errorf("webhook rate limit: %w", err)
	}
	res, err := c.cb.Execute(func() (interface{}, error) {
		req := c.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetHeader("X-Dueline-Event", eventType(evt)).
			SetHeader("X-Dueline-Delivery", key).
			SetBody(evt)
		if strings.TrimSpace(c.cfg.Secret) != "" {
			req.SetHeader("X-Dueline-Secret", c.cfg.Secret)
		}
		resp, err := req.Post(c.cfg.URL)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			err := fmt.Errorf("status %d: %s", resp.StatusCode(), strings.TrimSpace(truncate(resp.String(), 512)))
			if permanentStatus(resp.StatusCode()) {
				return nil, Permanent(err)
			}
			return nil, err
		}
		return resp.StatusCode(), nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return DeliveryResult{}, fmt.Errorf("webhook circuit open: %w", err)
		}
		return DeliveryResult{}, err
	}
	return DeliveryResult{Channel: c.Name(), Reference: strconv.Itoa(res.(int))}, nil
}

func eventType(evt Event) string {
	if evt.Repeat {
		return "escalation.repeat"
	}
	return "escalation"
}

// permanentStatus treats client errors as final, except timeouts and throttling.
func permanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
