package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltworks/agora/internal/circuitbreaker"
	"github.com/moltworks/agora/internal/registry"
)

type fakeAgents struct {
	url    string
	secret string
}

func (f *fakeAgents) Get(_ context.Context, id string) (*registry.Agent, error) {
	return &registry.Agent{ID: id, WebhookURL: f.url, WebhookSecret: f.secret}, nil
}

func TestDeliver_SignedPush(t *testing.T) {
	type received struct {
		body      []byte
		event     string
		timestamp string
		signature string
	}
	got := make(chan received, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{
			body:      body,
			event:     r.Header.Get("X-Agora-Event"),
			timestamp: r.Header.Get("X-Agora-Timestamp"),
			signature: r.Header.Get("X-Agora-Signature"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(&fakeAgents{url: srv.URL, secret: "whsec_test"})
	n.deliver(context.Background(), "agent_b", "job_1", "job.delivered", map[string]any{"status": "delivered"})

	select {
	case rec := <-got:
		assert.Equal(t, "job.delivered", rec.event)
		assert.True(t, VerifySignature("whsec_test", rec.timestamp, rec.body, rec.signature))
		assert.False(t, VerifySignature("wrong", rec.timestamp, rec.body, rec.signature))

		var req Request
		require.NoError(t, json.Unmarshal(rec.body, &req))
		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, "tasks/pushNotification", req.Method)
		assert.NotEmpty(t, req.ID)
		assert.Equal(t, "job_1", req.Params.TaskID)
		assert.Equal(t, "job.delivered", req.Params.Event)
		assert.Equal(t, "delivered", req.Params.Data["status"])
	case <-time.After(2 * time.Second):
		t.Fatal("no webhook received")
	}
}

func TestDeliver_NoDestination(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	n := NewNotifier(&fakeAgents{url: ""})
	n.deliver(context.Background(), "agent_b", "job_1", "job.funded", nil)
	assert.Equal(t, int32(0), calls.Load())
}

func TestDeliver_RejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewNotifier(&fakeAgents{url: srv.URL})
	n.deliver(context.Background(), "agent_b", "job_1", "job.funded", nil)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDeliver_ServerErrorsRetryThenTripBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	// One failed delivery trips the circuit.
	n := NewNotifier(&fakeAgents{url: srv.URL},
		WithBreaker(circuitbreaker.New(1, time.Minute)))

	n.deliver(context.Background(), "agent_b", "job_1", "job.funded", nil)
	assert.Equal(t, int32(maxAttempts), calls.Load())

	// Circuit open: the next event is dropped without a request.
	n.deliver(context.Background(), "agent_b", "job_1", "job.released", nil)
	assert.Equal(t, int32(maxAttempts), calls.Load())
}

func TestDeliver_SuccessResetsBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	breaker := circuitbreaker.New(2, time.Minute)
	n := NewNotifier(&fakeAgents{url: srv.URL}, WithBreaker(breaker))
	n.deliver(context.Background(), "agent_b", "job_1", "job.completed", nil)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State(srv.URL))
}

func TestJobEvent_DoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	n := NewNotifier(&fakeAgents{url: srv.URL})
	start := time.Now()
	n.JobEvent(context.Background(), "agent_b", "job_1", "job.proposed", nil)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
