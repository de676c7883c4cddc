package relay

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type testSubscriber struct {
	ch     chan []byte
	fail   bool
	closed atomic.Bool
}

func newTestSubscriber() *testSubscriber {
	return &testSubscriber{ch: make(chan []byte, 4)}
}

func (s *testSubscriber) Send(payload []byte) error {
	if s.fail {
		return errors.New("broken pipe")
	}
	select {
	case s.ch <- append([]byte(nil), payload...):
	default:
	}
	return nil
}

func (s *testSubscriber) Close() { s.closed.Store(true) }

func receive(t *testing.T, s *testSubscriber) string {
	t.Helper()
	select {
	case payload := <-s.ch:
		return string(payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for payload")
		return ""
	}
}

func TestHubBroadcastsPerDeployment(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Stop()

	first := newTestSubscriber()
	other := newTestSubscriber()
	hub.Register("dep-1", first)
	hub.Register("dep-2", other)

	hub.Broadcast("dep-1", []byte(`{"n":1}`))
	if got := receive(t, first); got != `{"n":1}` {
		t.Fatalf("unexpected payload %s", got)
	}
	select {
	case payload := <-other.ch:
		t.Fatalf("unexpected payload for other deployment %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubReplaysLatestToLateSubscriber(t *testing.T) {
	hub := NewHub(nil)
	defer hub.Stop()

	hub.Broadcast("dep-1", []byte(`{"n":1}`))
	hub.Broadcast("dep-1", []byte(`{"n":2}`))

	late := newTestSubscriber()
	hub.Register("dep-1", late)
	if got := receive(t, late); got != `{"n":2}` {
		t.Fatalf("expected latest payload, got %s", got)
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	hub := NewHub(metrics)
	defer hub.Stop()

	broken := newTestSubscriber()
	broken.fail = true
	healthy := newTestSubscriber()
	hub.Register("dep-1", broken)
	hub.Register("dep-1", healthy)

	hub.Broadcast("dep-1", []byte(`{}`))
	receive(t, healthy)
	// Registration is served by the hub loop after the broadcast completes.
	hub.Register("dep-2", newTestSubscriber())

	if !broken.closed.Load() {
		t.Fatal("expected failing subscriber to be closed")
	}
	if got := testutil.ToFloat64(metrics.subscribers); got != 2 {
		t.Fatalf("expected 2 subscribers, got %v", got)
	}
}

func TestHubStopClosesSubscribers(t *testing.T) {
	hub := NewHub(nil)
	sub := newTestSubscriber()
	hub.Register("dep-1", sub)
	hub.Stop()
	hub.Stop()

	if !sub.closed.Load() {
		t.Fatal("expected subscriber to be closed on stop")
	}
	late := newTestSubscriber()
	hub.Register("dep-1", late)
	if !late.closed.Load() {
		t.Fatal("expected registration after stop to close the subscriber")
	}
}
