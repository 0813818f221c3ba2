package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestDispatcher(t *testing.T, url string) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(url, "test-secret-key", zerolog.Nop(),
		WithRetryDelays(time.Millisecond, time.Millisecond))
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	return d
}

func testEvent(t *testing.T) Event {
	t.Helper()
	ev, err := NewEvent("enrollment.submitted", "session-1", map[string]string{"firstName": "Ada"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return ev
}

func TestValidateURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://example.com/hook", false},
		{"http://localhost:9000/in", false},
		{"", true},
		{"ftp://example.com", true},
		{"https://", true},
	}
	for _, tt := range tests {
		if err := ValidateURL(tt.url); (err != nil) != tt.wantErr {
			t.Errorf("ValidateURL(%q) err = %v, wantErr %v", tt.url, err, tt.wantErr)
		}
	}
}

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"id":"1"}`)
	sig := SignPayload(payload, "s3cret")
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	if !VerifySignature(payload, "s3cret", sig) || !VerifySignature(payload, "s3cret", "sha256="+sig) {
		t.Error("expected signature to verify")
	}
	if VerifySignature(payload, "other", sig) {
		t.Error("expected wrong secret to fail")
	}
}

func TestDispatcher_DeliverSigned(t *testing.T) {
	var gotSig, gotID string
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(HeaderSignature)
		gotID = r.Header.Get(HeaderEventID)
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ev := testEvent(t)
	attempts, err := newTestDispatcher(t, srv.URL).Deliver(context.Background(), ev)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(attempts) != 1 || attempts[0].StatusCode != http.StatusAccepted {
		t.Errorf("unexpected attempts: %+v", attempts)
	}
	if gotID != ev.ID {
		t.Errorf("event id header = %q", gotID)
	}
	if !VerifySignature(body, "test-secret-key", gotSig) {
		t.Error("signature header does not match body")
	}
	if !strings.Contains(string(body), `"type":"enrollment.submitted"`) {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestDispatcher_RetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	attempts, err := newTestDispatcher(t, srv.URL).Deliver(context.Background(), testEvent(t))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(attempts) != 3 || attempts[2].Attempt != 3 {
		t.Errorf("expected success on the third attempt, got %+v", attempts)
	}
	if attempts[0].Error == "" {
		t.Error("expected first attempt to record the 503")
	}
}

func TestDispatcher_GivesUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	attempts, err := newTestDispatcher(t, srv.URL).Deliver(context.Background(), testEvent(t))
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	if len(attempts) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(attempts))
	}
}

func TestQueue_DeliversAndDrops(t *testing.T) {
	received := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- struct{}{}
	}))
	defer srv.Close()

	q := NewQueue(newTestDispatcher(t, srv.URL), 1, zerolog.Nop())
	if err := q.Enqueue(testEvent(t)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(testEvent(t)); err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("queued event was not delivered")
	}
}
