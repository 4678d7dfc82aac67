package broker

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/zaichik-broker/pkg/client"
)

func startTestServer(t *testing.T) string {
	t.Helper()
	cfg := &Config{
		Addr:              "127.0.0.1:0",
		DefaultBufferSize: 100,
		MaxConnections:    100,
		CommandRateBurst:  1000,
		CommandRatePerSec: 1000,
		CPURejectThreshold: 100,
		CPUSampleInterval:  time.Hour,
		NATSSubjectPrefix:  "zaichik",
	}
	srv, err := NewServer(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown(time.Second) })
	return srv.listener.Addr().String()
}

func mustConnect(t *testing.T, addr string) *client.Client {
	t.Helper()
	c, err := client.Connect(addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEndToEndBasicEcho(t *testing.T) {
	addr := startTestServer(t)
	a := mustConnect(t, addr)

	if err := a.Subscribe("hello"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := a.Publish("hello", nil, []byte("message")); err != nil {
		t.Fatal(err)
	}

	frame, err := a.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if frame.Name != "hello" || string(frame.Payload) != "message" {
		t.Fatalf("unexpected frame %+v", frame)
	}
}

func TestEndToEndLateSubscriberNoRetention(t *testing.T) {
	addr := startTestServer(t)
	a := mustConnect(t, addr)
	b := mustConnect(t, addr)

	if err := a.Publish("t", nil, []byte("x")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := b.Subscribe("t"); err != nil {
		t.Fatal(err)
	}

	if err := a.Publish("t", nil, []byte("y")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	frame, err := b.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(frame.Payload) != "y" {
		t.Fatalf("late subscriber must not see pre-subscribe publishes, got %q", frame.Payload)
	}
}

func TestEndToEndLateSubscriberWithRetention(t *testing.T) {
	addr := startTestServer(t)
	a := mustConnect(t, addr)
	b := mustConnect(t, addr)

	if err := a.CreateTopic("t", 10_000, 0); err != nil {
		t.Fatal(err)
	}
	key := "k1"
	if err := a.Publish("t", &key, []byte("message")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := b.Subscribe("t"); err != nil {
		t.Fatal(err)
	}

	frame, err := b.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(frame.Payload) != "message" || frame.Key == nil || *frame.Key != "k1" {
		t.Fatalf("unexpected retained delivery %+v", frame)
	}
}

func TestEndToEndCompaction(t *testing.T) {
	addr := startTestServer(t)
	a := mustConnect(t, addr)
	b := mustConnect(t, addr)

	if err := a.CreateTopic("hello", 0, 10_000); err != nil {
		t.Fatal(err)
	}
	key1 := "key1"
	for i := 0; i < 100; i++ {
		if err := a.Publish("hello", &key1, []byte("message")); err != nil {
			t.Fatal(err)
		}
	}
	key2 := "key2"
	if err := a.Publish("hello", &key2, []byte("message1")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	if err := b.Subscribe("hello"); err != nil {
		t.Fatal(err)
	}

	first, err := b.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}
	if string(first.Payload) != "message" {
		t.Fatalf("expected first delivery 'message', got %q", first.Payload)
	}

	second, err := b.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Commit(); err != nil {
		t.Fatal(err)
	}
	if string(second.Payload) != "message1" {
		t.Fatalf("expected second delivery 'message1', got %q", second.Payload)
	}
}

func TestEndToEndFlowControl(t *testing.T) {
	addr := startTestServer(t)
	a := mustConnect(t, addr)
	b := mustConnect(t, addr)

	if err := b.Subscribe("t"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 100; i++ {
		if err := a.Publish("t", nil, []byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 100; i++ {
		frame, err := b.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if len(frame.Payload) != 1 || frame.Payload[0] != byte(i) {
			t.Fatalf("out of order delivery at %d: got %v", i, frame.Payload)
		}
		if err := b.Commit(); err != nil {
			t.Fatal(err)
		}
	}
}
