// Package webhooks pushes job lifecycle events to the counterparty's
// registered webhook URL.
//
// Notifications use the A2A push format: a JSON-RPC 2.0 request with
// method "tasks/pushNotification". Each request carries an HMAC-SHA256
// signature over "timestamp.body" in X-Agora-Signature so receivers can
// reject forgeries and replays. Destinations that keep failing trip a
// per-URL circuit breaker and are skipped until the circuit half-opens.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/moltworks/agora/internal/circuitbreaker"
	"github.com/moltworks/agora/internal/idgen"
	"github.com/moltworks/agora/internal/registry"
	"github.com/moltworks/agora/internal/retry"
)

var (
	pushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agora",
		Subsystem: "webhook",
		Name:      "push_total",
		Help:      "Total webhook push attempts by event.",
	}, []string{"event"})

	pushErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agora",
		Subsystem: "webhook",
		Name:      "push_errors_total",
		Help:      "Total webhook push failures by event.",
	}, []string{"event"})
)

func init() {
	prometheus.MustRegister(pushTotal, pushErrors)
}

// pushMethod is the JSON-RPC method receivers handle.
const pushMethod = "tasks/pushNotification"

// Delivery timing.
const (
	requestTimeout  = 10 * time.Second
	deliveryTimeout = 30 * time.Second
	maxAttempts     = 3
	retryBaseDelay  = 500 * time.Millisecond
)

// Request is the JSON-RPC 2.0 envelope sent to receivers.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  Params `json:"params"`
}

// Params carries the task notification.
type Params struct {
	TaskID    string         `json:"task_id"`
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// AgentLookup resolves the recipient's webhook destination.
type AgentLookup interface {
	Get(ctx context.Context, id string) (*registry.Agent, error)
}

// Notifier delivers job events asynchronously. It satisfies the jobs
// package's notification hook.
type Notifier struct {
	agents  AgentLookup
	client  *http.Client
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// Option configures the notifier.
type Option func(*Notifier)

// WithLogger sets the notifier logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) { n.logger = logger }
}

// WithHTTPClient overrides the HTTP client, for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(n *Notifier) { n.client = client }
}

// WithBreaker overrides the per-destination circuit breaker.
func WithBreaker(breaker *circuitbreaker.Breaker) Option {
	return func(n *Notifier) { n.breaker = breaker }
}

// NewNotifier creates a webhook notifier.
func NewNotifier(agents AgentLookup, opts ...Option) *Notifier {
	n := &Notifier{
		agents:  agents,
		client:  &http.Client{Timeout: requestTimeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// JobEvent pushes one event to the recipient's webhook. Fire-and-forget:
// delivery happens on its own goroutine with its own deadline so the
// caller's request is never held up.
func (n *Notifier) JobEvent(_ context.Context, recipientID, jobID, event string, payload map[string]any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		defer cancel()
		n.deliver(ctx, recipientID, jobID, event, payload)
	}()
}

// deliver resolves the destination and sends with retries. Exposed to
// tests through JobEvent; returns only through the logs.
func (n *Notifier) deliver(ctx context.Context, recipientID, jobID, event string, payload map[string]any) {
	agent, err := n.agents.Get(ctx, recipientID)
	if err != nil {
		n.logger.Warn("webhook recipient lookup failed", "agent_id", recipientID, "error", err)
		return
	}
	if agent.WebhookURL == "" {
		return
	}

	pushTotal.WithLabelValues(event).Inc()
	if !n.breaker.Allow(agent.WebhookURL) {
		pushErrors.WithLabelValues(event).Inc()
		n.logger.Warn("webhook destination circuit open, dropping event",
			"agent_id", recipientID, "event", event)
		return
	}

	body, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      idgen.WithPrefix("evt_"),
		Method:  pushMethod,
		Params: Params{
			TaskID:    jobID,
			Event:     event,
			Timestamp: time.Now().UTC(),
			Data:      payload,
		},
	})
	if err != nil {
		n.logger.Error("webhook payload marshal failed", "event", event, "error", err)
		return
	}

	err = retry.Do(ctx, maxAttempts, retryBaseDelay, func() error {
		return n.send(ctx, agent.WebhookURL, agent.WebhookSecret, event, body)
	})
	if err != nil {
		pushErrors.WithLabelValues(event).Inc()
		n.breaker.RecordFailure(agent.WebhookURL)
		n.logger.Warn("webhook delivery failed",
			"agent_id", recipientID, "event", event, "job_id", jobID, "error", err)
		return
	}
	n.breaker.RecordSuccess(agent.WebhookURL)
}

// send performs one delivery attempt.
func (n *Notifier) send(ctx context.Context, url, secret, event string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}

	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Agora-Event", event)
	req.Header.Set("X-Agora-Timestamp", timestamp)
	if secret != "" {
		req.Header.Set("X-Agora-Signature", Sign(secret, timestamp, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	default:
		// Other 4xx means the receiver rejects this payload; retrying
		// cannot fix it.
		return retry.Permanent(fmt.Errorf("webhook endpoint returned %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 of "timestamp.body" with the
// recipient's webhook secret.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature. Receivers should also
// bound the timestamp's age before trusting the payload.
func VerifySignature(secret, timestamp string, body []byte, signature string) bool {
	expected := Sign(secret, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
