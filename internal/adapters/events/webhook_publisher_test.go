package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atvirokodosprendimai/dbaspect/internal/core/domain"
	"github.com/atvirokodosprendimai/dbaspect/internal/platform/clock"
)

var webhookEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestWebhookPublisherSignsDelivery(t *testing.T) {
	var gotBody []byte
	var gotHeaders http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pub := NewWebhookPublisher(srv.URL, "test-secret", 5*time.Second, WithWebhookClock(clock.NewFixed(webhookEpoch)))
	event := domain.EventEnvelope{
		EventID:   "evt-1",
		EventType: domain.EventSnapshotCreated,
		Accessor:  "Shop",
		Actor:     "deployer",
		Payload:   json.RawMessage(`{"version":1}`),
	}

	if err := pub.Publish(context.Background(), event.Topic(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := map[string]string{
		"Content-Type":          "application/json",
		"X-Dbaspect-Topic":      "events.Shop.snapshot.created",
		"X-Dbaspect-Event-Id":   "evt-1",
		"X-Dbaspect-Event-Type": "snapshot.created",
		"X-Dbaspect-Accessor":   "Shop",
	}
	for header, value := range want {
		if got := gotHeaders.Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}

	ts := "1709294400"
	wantSig := "t=" + ts + ",v1=" + Sign([]byte("test-secret"), ts, gotBody)
	if got := gotHeaders.Get("X-Dbaspect-Signature"); got != wantSig {
		t.Errorf("signature = %q, want %q", got, wantSig)
	}
	if Sign([]byte("other"), ts, gotBody) == Sign([]byte("test-secret"), ts, gotBody) {
		t.Error("signature must depend on the secret")
	}

	var decoded domain.EventEnvelope
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded.EventID != event.EventID || string(decoded.Payload) != `{"version":1}` {
		t.Errorf("unexpected body: %+v", decoded)
	}
}

func TestWebhookPublisherRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	pub := NewWebhookPublisher(srv.URL, "secret", 5*time.Second, WithWebhookRetries(2, time.Millisecond))
	event := domain.EventEnvelope{EventID: "evt-2", EventType: domain.EventCatalogChanged, Accessor: "Shop"}

	if err := pub.Publish(context.Background(), event.Topic(), event); err != nil {
		t.Fatalf("expected delivery on third attempt, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestWebhookPublisherGivesUpOnClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	pub := NewWebhookPublisher(srv.URL, "secret", 5*time.Second, WithWebhookRetries(3, time.Millisecond))
	event := domain.EventEnvelope{EventID: "evt-3", EventType: domain.EventCatalogChanged, Accessor: "Shop"}

	err := pub.Publish(context.Background(), event.Topic(), event)
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected status 400 error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", calls.Load())
	}
}

func TestWebhookPublisherContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	pub := NewWebhookPublisher(srv.URL, "secret", 5*time.Second)
	event := domain.EventEnvelope{EventID: "evt-4", EventType: domain.EventAuditCaptured, Accessor: "Shop"}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pub.Publish(ctx, event.Topic(), event)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected error to wrap context.Canceled, got: %v", err)
	}
}

func TestWebhookPublisherZeroTimeoutUsesDefault(t *testing.T) {
	pub := NewWebhookPublisher("http://localhost:9", "s", 0)
	if pub.client.Timeout != defaultWebhookTimeout {
		t.Errorf("timeout = %v, want %v", pub.client.Timeout, defaultWebhookTimeout)
	}
}
