// Package webhook implements the webhook emitter (spec §4.O): fires an
// HTTP POST per matching event to every registered endpoint, with a
// retry policy on 5xx/network failures and no retry on 4xx.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Endpoint is a registered webhook target (spec §6 webhooks.endpoints[]).
type Endpoint struct {
	URL     string
	Events  []string
	Headers map[string]string
	Method  string // defaults to POST
}

func (e Endpoint) matches(event string) bool {
	for _, want := range e.Events {
		if want == event || want == "*" {
			return true
		}
	}
	return false
}

// Config mirrors the webhooks config block (spec §6).
type Config struct {
	Enabled       bool
	Endpoints     []Endpoint
	RetryAttempts int
	RetryDelay    time.Duration
	Timeout       time.Duration
	Secret        string

	// DispatchRatePerSec and DispatchBurst bound the outbound delivery
	// rate per endpoint, so a burst of events never turns into a burst of
	// concurrent requests at one receiver. Zero disables pacing.
	DispatchRatePerSec float64
	DispatchBurst      int
}

// body is the JSON payload posted to an endpoint.
type body struct {
	Event     string `json:"event"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data"`
	Signature string `json:"signature,omitempty"`
}

// Emitter dispatches webhook deliveries. It never returns an error to the
// caller: delivery failures are logged, per spec ("errors never propagate
// to the caller").
type Emitter struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New creates an emitter. A disabled config makes Emit a no-op.
func New(cfg Config, logger zerolog.Logger) *Emitter {
	return &Emitter{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (e *Emitter) endpointLimiter(url string) *rate.Limiter {
	e.limitersMu.Lock()
	defer e.limitersMu.Unlock()

	if l, ok := e.limiters[url]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(e.cfg.DispatchRatePerSec), e.cfg.DispatchBurst)
	e.limiters[url] = l
	return l
}

// Emit fires event/data at every endpoint whose Events list matches,
// dispatching each delivery (with its own retry loop) in its own
// goroutine so a slow endpoint never blocks the others or the caller.
func (e *Emitter) Emit(ctx context.Context, event string, data any) {
	if !e.cfg.Enabled {
		return
	}
	for _, ep := range e.cfg.Endpoints {
		if !ep.matches(event) {
			continue
		}
		go e.deliver(ctx, ep, event, data)
	}
}

func (e *Emitter) deliver(ctx context.Context, ep Endpoint, event string, data any) {
	payload := body{Event: event, Timestamp: time.Now().Unix(), Data: data}

	unsigned, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error().Err(err).Str("url", ep.URL).Msg("webhook: marshal payload failed")
		return
	}
	if e.cfg.Secret != "" {
		payload.Signature = sign(e.cfg.Secret, unsigned)
	}
	signed, err := json.Marshal(payload)
	if err != nil {
		e.logger.Error().Err(err).Str("url", ep.URL).Msg("webhook: marshal signed payload failed")
		return
	}

	if e.cfg.DispatchRatePerSec > 0 {
		if err := e.endpointLimiter(ep.URL).Wait(ctx); err != nil {
			e.logger.Warn().Err(err).Str("url", ep.URL).Msg("webhook: dispatch pacing wait aborted")
			return
		}
	}

	for attempt := 1; attempt <= e.cfg.RetryAttempts+1; attempt++ {
		retryable, err := e.attempt(ctx, ep, signed)
		if err == nil {
			return
		}
		e.logger.Warn().Err(err).Str("url", ep.URL).Int("attempt", attempt).Msg("webhook: delivery attempt failed")
		if !retryable || attempt > e.cfg.RetryAttempts {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.RetryDelay * time.Duration(attempt)):
		}
	}
}

// attempt performs one delivery. retryable is true for network errors and
// 5xx responses; false for 4xx, which per spec are not retried.
func (e *Emitter) attempt(ctx context.Context, ep Endpoint, signed []byte) (retryable bool, err error) {
	method := ep.Method
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, ep.URL, bytes.NewReader(signed))
	if err != nil {
		return false, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ep.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return true, fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("webhook: server error %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("webhook: client error %d", resp.StatusCode)
	}
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
