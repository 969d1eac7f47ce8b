package mqtt_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	mqttbroker "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"homectrl/pkg/mqtt"
)

func startBroker(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve port: %v", err)
	}

	addr := ln.Addr().String()
	_ = ln.Close()

	server := mqttbroker.New(&mqttbroker.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	if err := server.AddListener(listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr})); err != nil {
		t.Fatalf("failed to add listener: %v", err)
	}

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("failed to add auth hook: %v", err)
	}

	go func() { _ = server.Serve() }()

	t.Cleanup(func() { _ = server.Close() })

	return "tcp://" + addr
}

func newConnectedClient(t *testing.T, broker, clientID, liveTopic string) *mqtt.Client {
	t.Helper()

	c, err := mqtt.NewClient(slog.New(slog.NewTextHandler(io.Discard, nil)), mqtt.Options{
		BrokerURL: broker,
		ClientID:  clientID,
		LiveTopic: liveTopic,
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if err := c.Connect(); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}

	t.Cleanup(c.Close)

	return c
}

func waitFor(t *testing.T, ch <-chan mqtt.Message, what string) mqtt.Message {
	t.Helper()

	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return mqtt.Message{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	t.Parallel()

	broker := startBroker(t)
	c := newConnectedClient(t, broker, "test-pubsub", "")

	received := make(chan mqtt.Message, 1)

	err := c.Subscribe("homectrl/onair/temperature/+", 1, func(m mqtt.Message) {
		received <- m
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := c.Publish("homectrl/onair/temperature/bathroom", 1, true, []byte("22.5")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	msg := waitFor(t, received, "published message")

	if msg.Topic != "homectrl/onair/temperature/bathroom" {
		t.Errorf("unexpected topic %s", msg.Topic)
	}

	if string(msg.Payload) != "22.5" {
		t.Errorf("unexpected payload %s", msg.Payload)
	}
}

func TestSubscribeBeforeConnect(t *testing.T) {
	t.Parallel()

	broker := startBroker(t)

	c, err := mqtt.NewClient(slog.New(slog.NewTextHandler(io.Discard, nil)), mqtt.Options{
		BrokerURL: broker,
		ClientID:  "test-presub",
	})
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	received := make(chan mqtt.Message, 1)

	if err := c.Subscribe("homectrl/device/+/data", 1, func(m mqtt.Message) { received <- m }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := c.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	t.Cleanup(c.Close)

	if err := c.Publish("homectrl/device/bathroom/data", 1, false, []byte(`{}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	msg := waitFor(t, received, "message on pre-registered subscription")
	if msg.Topic != "homectrl/device/bathroom/data" {
		t.Errorf("unexpected topic %s", msg.Topic)
	}
}

func TestMultipleHandlersPerFilter(t *testing.T) {
	t.Parallel()

	broker := startBroker(t)
	c := newConnectedClient(t, broker, "test-multi", "")

	first := make(chan mqtt.Message, 1)
	second := make(chan mqtt.Message, 1)

	if err := c.Subscribe("homectrl/device/+/live", 1, func(m mqtt.Message) { first <- m }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := c.Subscribe("homectrl/device/+/live", 1, func(m mqtt.Message) { second <- m }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := c.Publish("homectrl/device/porch/live", 1, false, []byte(`{"live":true}`)); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	waitFor(t, first, "first handler")
	waitFor(t, second, "second handler")
}

func TestRejectsQoS2(t *testing.T) {
	t.Parallel()

	broker := startBroker(t)
	c := newConnectedClient(t, broker, "test-qos", "")

	if err := c.Publish("homectrl/onair/bell/door", 2, false, []byte("true")); err == nil {
		t.Error("expected publish at QoS 2 to fail")
	}

	if err := c.Subscribe("homectrl/device/+/data", 2, func(mqtt.Message) {}); err == nil {
		t.Error("expected subscribe at QoS 2 to fail")
	}
}

func TestBirthMessage(t *testing.T) {
	t.Parallel()

	broker := startBroker(t)
	liveTopic := "homectrl/device/backend/live"

	watcher := newConnectedClient(t, broker, "test-birth-watcher", "")

	received := make(chan mqtt.Message, 4)

	if err := watcher.Subscribe(liveTopic, 1, func(m mqtt.Message) { received <- m }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	newConnectedClient(t, broker, "test-birth", liveTopic)

	msg := waitFor(t, received, "birth message")

	var status struct {
		Live    bool   `json:"live"`
		Message string `json:"message"`
	}

	if err := json.Unmarshal(msg.Payload, &status); err != nil {
		t.Fatalf("bad birth payload %s: %v", msg.Payload, err)
	}

	if !status.Live {
		t.Errorf("expected live birth, got %s", msg.Payload)
	}
}

func TestGoodbyeOnClose(t *testing.T) {
	t.Parallel()

	broker := startBroker(t)
	liveTopic := "homectrl/device/backend/live"

	watcher := newConnectedClient(t, broker, "test-goodbye-watcher", "")

	received := make(chan mqtt.Message, 4)

	if err := watcher.Subscribe(liveTopic, 1, func(m mqtt.Message) { received <- m }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	c := newConnectedClient(t, broker, "test-goodbye", liveTopic)

	// Birth first, then goodbye after close.
	waitFor(t, received, "birth message")

	c.Close()

	msg := waitFor(t, received, "goodbye message")

	var status struct {
		Live    bool   `json:"live"`
		Message string `json:"message"`
	}

	if err := json.Unmarshal(msg.Payload, &status); err != nil {
		t.Fatalf("bad goodbye payload %s: %v", msg.Payload, err)
	}

	if status.Live || status.Message != "goodbye" {
		t.Errorf("unexpected goodbye payload %s", msg.Payload)
	}
}

func TestRetainedDelivery(t *testing.T) {
	t.Parallel()

	broker := startBroker(t)

	publisher := newConnectedClient(t, broker, "test-retain-pub", "")

	if err := publisher.Publish("homectrl/onair/temperature/attic", 1, true, []byte("18.2")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	// A later subscriber sees the retained value.
	late := newConnectedClient(t, broker, "test-retain-sub", "")

	received := make(chan mqtt.Message, 1)

	if err := late.Subscribe("homectrl/onair/temperature/+", 1, func(m mqtt.Message) { received <- m }); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	msg := waitFor(t, received, "retained message")

	if string(msg.Payload) != "18.2" {
		t.Errorf("unexpected payload %s", msg.Payload)
	}
}
