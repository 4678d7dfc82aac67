package broker

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/zaichik-broker/internal/protocol"
)

func newTestManager(t *testing.T) (*SubscriptionManager, *TopicRegistry, net.Conn) {
	t.Helper()
	registry := NewTopicRegistry(nil, 10)
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() {
		serverConn.Close()
		clientConn.Close()
	})
	limiter := rate.NewLimiter(rate.Inf, 1000)
	mgr := NewSubscriptionManager(registry, nil, zerolog.Nop(), limiter, nil, nil, serverConn)
	return mgr, registry, clientConn
}

func TestFlowControlGatesSecondDelivery(t *testing.T) {
	mgr, registry, clientConn := newTestManager(t)
	mgr.subscribe("t")

	commands := make(chan protocol.Frame, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx, commands)

	topic := registry.GetOrCreateDefault("t")
	topic.Publish(nil, []byte("one"), time.Now())
	topic.Publish(nil, []byte("two"), time.Now())

	frame, err := protocol.Decode(clientConn)
	if err != nil {
		t.Fatalf("decode first delivery: %v", err)
	}
	if string(frame.Payload) != "one" {
		t.Fatalf("expected first delivery %q, got %q", "one", frame.Payload)
	}

	second := make(chan protocol.Frame, 1)
	go func() {
		f, err := protocol.Decode(clientConn)
		if err == nil {
			second <- f
		}
	}()

	select {
	case <-second:
		t.Fatal("second message must not arrive before Commit")
	case <-time.After(150 * time.Millisecond):
	}

	commands <- protocol.NewCommit()

	select {
	case f := <-second:
		if string(f.Payload) != "two" {
			t.Fatalf("expected second delivery %q, got %q", "two", f.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected second delivery after Commit")
	}
}

func TestUnsubscribeClearsReadiness(t *testing.T) {
	mgr, registry, _ := newTestManager(t)
	mgr.subscribe("t")

	commands := make(chan protocol.Frame, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		mgr.Run(ctx, commands)
		close(runDone)
	}()

	commands <- protocol.NewCommit()
	commands <- protocol.NewUnsubscribe("t")
	commands <- protocol.NewCloseConnection()

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not exit after CloseConnection")
	}

	if mgr.waiting {
		t.Fatal("readiness must be cleared once the multiplex set is empty")
	}
	if len(mgr.subscriptions) != 0 {
		t.Fatal("unsubscribe must remove the subscription entry")
	}

	topic := registry.GetOrCreateDefault("t")
	topic.mu.Lock()
	subscriberCount := len(topic.subscribers)
	topic.mu.Unlock()
	if subscriberCount != 0 {
		t.Fatal("unsubscribe must detach the subscription from the topic")
	}
}

func TestExpiredDeliveryIsDroppedSilently(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	mgr.waiting = true

	past := time.Now().Add(-time.Hour)
	expired := past
	mgr.deliver(Delivery{Topic: "t", Message: Message{Payload: []byte("stale"), ExpiresAt: &expired}})

	if !mgr.waiting {
		t.Fatal("dropping an expired message must not clear readiness")
	}
}

func TestRateLimiterDropsExcessCommands(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	mgr.limiter = rate.NewLimiter(0, 0)

	commands := make(chan protocol.Frame, 2)
	ctx, cancel := context.WithCancel(context.Background())
	commands <- protocol.NewCreateTopic("t", 0, 0)
	commands <- protocol.NewCloseConnection()

	runDone := make(chan struct{})
	go func() {
		mgr.Run(ctx, commands)
		close(runDone)
	}()

	// The rate limiter denies every command, including CloseConnection, so
	// the loop never sees it; cancel the context to end the test instead
	// of waiting for an exit that cannot happen.
	select {
	case <-runDone:
		t.Fatal("manager should not exit: the limiter drops CloseConnection too")
	case <-time.After(100 * time.Millisecond):
	}
	cancel()
	<-runDone
}
