// Package webhook delivers signed event notifications to a downstream HTTP
// endpoint with retries.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEventID   = "X-Webhook-ID"
	HeaderTimestamp = "X-Webhook-Timestamp"
)

// Deliveries counts final delivery outcomes. Labels: event, status.
var Deliveries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "enrollment",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook deliveries by event type and final status.",
	},
	[]string{"event", "status"},
)

// Event is the envelope POSTed to the endpoint.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ResourceID string          `json:"resource_id"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewEvent wraps payload in an envelope with a fresh ID.
func NewEvent(eventType, resourceID string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Event{
		ID:         uuid.New().String(),
		Type:       eventType,
		ResourceID: resourceID,
		Payload:    raw,
		Timestamp:  time.Now().UTC(),
	}, nil
}

// Attempt records one HTTP delivery attempt.
type Attempt struct {
	Attempt      int           `json:"attempt"`
	StatusCode   int           `json:"status_code"`
	ResponseBody string        `json:"response_body,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
	Error        string        `json:"error,omitempty"`
}

func (a Attempt) ok() bool { return a.Error == "" }

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature accepts the bare hex digest or the "sha256=" header form.
func VerifySignature(payload []byte, secret, signature string) bool {
	signature = strings.TrimPrefix(signature, "sha256=")
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ValidateURL checks that the URL is absolute http or https.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithRetryDelays sets the wait before each retry. Its length is the retry
// count.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Dispatcher) { d.retryDelays = delays }
}

// Dispatcher POSTs events to a single endpoint.
type Dispatcher struct {
	url         string
	secret      string
	httpClient  *http.Client
	retryDelays []time.Duration
	logger      zerolog.Logger
}

func NewDispatcher(rawURL, secret string, logger zerolog.Logger, opts ...Option) (*Dispatcher, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		url:         rawURL,
		secret:      secret,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		retryDelays: []time.Duration{time.Second, 30 * time.Second, 5 * time.Minute},
		logger:      logger.With().Str("component", "webhook").Logger(),
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Deliver sends the event, retrying on transport errors and non-2xx
// responses. It returns every attempt made and an error if none succeeded.
func (d *Dispatcher) Deliver(ctx context.Context, event Event) ([]Attempt, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	sig := SignPayload(payload, d.secret)

	var attempts []Attempt
	for n := 0; ; n++ {
		a := d.post(ctx, event, payload, sig)
		a.Attempt = n + 1
		attempts = append(attempts, a)
		if a.ok() {
			Deliveries.WithLabelValues(event.Type, "success").Inc()
			d.logger.Info().Str("event_id", event.ID).Str("event", event.Type).Int("attempt", a.Attempt).Msg("webhook delivered")
			return attempts, nil
		}
		d.logger.Warn().Str("event_id", event.ID).Int("attempt", a.Attempt).Int("status", a.StatusCode).Str("error", a.Error).Msg("webhook attempt failed")
		if n >= len(d.retryDelays) {
			break
		}
		select {
		case <-ctx.Done():
			Deliveries.WithLabelValues(event.Type, "failed").Inc()
			return attempts, ctx.Err()
		case <-time.After(d.retryDelays[n]):
		}
	}
	Deliveries.WithLabelValues(event.Type, "failed").Inc()
	return attempts, fmt.Errorf("webhook %s: %d attempts failed: %s", event.ID, len(attempts), attempts[len(attempts)-1].Error)
}

func (d *Dispatcher) post(ctx context.Context, event Event, payload []byte, sig string) Attempt {
	var a Attempt
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		a.Error = err.Error()
		return a
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, "sha256="+sig)
	req.Header.Set(HeaderEventID, event.ID)
	req.Header.Set(HeaderTimestamp, time.Now().UTC().Format(time.RFC3339))

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	a.Duration = time.Since(start)
	if err != nil {
		a.Error = err.Error()
		return a
	}
	defer resp.Body.Close()

	a.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	a.ResponseBody = string(body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return a
}
