package eventbus

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_relay/internal/events"
)

func TestRedisBusFallsBackWhenUnreachable(t *testing.T) {
	cfg := DefaultRedisConfig()
	cfg.Addr = "127.0.0.1:1"
	cfg.DialTimeout = 200 * time.Millisecond

	bus, err := NewRedisBus(cfg, "node-a", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRedisBus: %v", err)
	}
	defer bus.Close()

	if !bus.Fallback() {
		t.Fatal("expected in-memory fallback")
	}
	assertLocalDelivery(t, bus)
}

func TestNATSBusFallsBackWhenUnreachable(t *testing.T) {
	cfg := DefaultNATSConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.Timeout = 200 * time.Millisecond

	bus, err := NewNATSBus(cfg, "node-a", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewNATSBus: %v", err)
	}
	defer bus.Close()

	if !bus.Fallback() {
		t.Fatal("expected in-memory fallback")
	}
	assertLocalDelivery(t, bus)
}

type localBus interface {
	events.Publisher
	Subscribe(events.EventType) events.Subscriber
}

func assertLocalDelivery(t *testing.T, bus localBus) {
	t.Helper()
	sub := bus.Subscribe(events.EventStreamOnline)
	bus.Publish(events.EventStreamOnline, events.Payload{"channel": "lobby"})

	select {
	case payload := <-sub:
		if payload["channel"] != "lobby" {
			t.Errorf("payload = %v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("event not delivered locally")
	}
}

func TestRemoteMessageDecoding(t *testing.T) {
	data, err := marshalMessage(events.EventItemStarted, events.Payload{"item": "intro"}, "node-a")
	if err != nil {
		t.Fatalf("marshalMessage: %v", err)
	}
	msg, err := unmarshalMessage(data)
	if err != nil {
		t.Fatalf("unmarshalMessage: %v", err)
	}
	if msg.EventType != events.EventItemStarted || msg.NodeID != "node-a" || msg.Payload["item"] != "intro" {
		t.Errorf("decoded %+v", msg)
	}

	if _, err := unmarshalMessage([]byte(`{"payload":{}}`)); err == nil {
		t.Error("message without event type decoded")
	}
	if _, err := unmarshalMessage([]byte(`not json`)); err == nil {
		t.Error("malformed message decoded")
	}
}

func TestNATSBusIgnoresOwnMessages(t *testing.T) {
	bus := &NATSBus{logger: zerolog.Nop(), local: events.NewBus(), nodeID: "node-a"}
	defer bus.Close()
	sub := bus.Subscribe(events.EventWatchers)

	own, _ := marshalMessage(events.EventWatchers, events.Payload{"n": 1}, "node-a")
	bus.handleMessage(&nats.Msg{Data: own})
	other, _ := marshalMessage(events.EventWatchers, events.Payload{"n": 2}, "node-b")
	bus.handleMessage(&nats.Msg{Data: other})

	select {
	case payload := <-sub:
		if payload["n"] != float64(2) {
			t.Errorf("delivered %v, want the remote event", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("remote event not delivered")
	}
	select {
	case payload := <-sub:
		t.Errorf("unexpected second delivery %v", payload)
	default:
	}
}
