// Package mqtt wraps the paho client with the behavior every component here
// relies on: automatic reconnect with resubscribe, a retained liveness topic
// with a last-will, and a bounded queue for publishes made while offline.
package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"homectrl/pkg/utils"
)

// defaultQueueSize bounds the offline publish queue.
const defaultQueueSize = 1024

// Options configures a broker client.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// LiveTopic, when set, carries the client's liveness: a retained birth
	// message on every connect, a last-will registered with the broker, and
	// a goodbye on Close.
	LiveTopic string

	// QueueSize bounds the offline publish queue. Zero means the default.
	QueueSize int
}

// Message is a received MQTT message.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
}

// Handler processes one received message. Handlers for the same filter run
// serially in subscription order.
type Handler func(Message)

type subscription struct {
	filter   string
	qos      byte
	handlers []Handler
}

// liveStatus is the payload of the liveness topic.
type liveStatus struct {
	Live    bool   `json:"live"`
	Message string `json:"message,omitempty"`
}

// Client is a broker connection. Safe for concurrent use.
type Client struct {
	l         *slog.Logger
	client    pahomqtt.Client
	liveTopic string

	mu    sync.Mutex
	subs  []*subscription
	queue *ring

	dropped atomic.Uint64
}

// NewClient creates a broker client. The connection is not opened until
// Connect is called.
func NewClient(l *slog.Logger, opts Options) (*Client, error) {
	l = l.With(slog.String("component", "mqtt-client"))

	if opts.BrokerURL == "" {
		return nil, errors.New("broker URL is required")
	}

	if opts.ClientID == "" {
		return nil, errors.New("client ID is required")
	}

	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	c := &Client{
		l:         l,
		liveTopic: opts.LiveTopic,
		queue:     newRing(queueSize),
	}

	clientOpts := pahomqtt.NewClientOptions()
	clientOpts.AddBroker(opts.BrokerURL)
	clientOpts.SetClientID(opts.ClientID)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}

	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	// Retry every 5 seconds, max interval 15 seconds
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	clientOpts.SetConnectTimeout(5 * time.Second)
	clientOpts.SetConnectRetryInterval(5 * time.Second)
	clientOpts.SetMaxReconnectInterval(15 * time.Second)
	clientOpts.SetKeepAlive(30 * time.Second)
	clientOpts.SetOrderMatters(true)

	clientOpts.SetOnConnectHandler(c.onConnect)
	clientOpts.SetConnectionLostHandler(c.onConnectionLost)
	clientOpts.SetReconnectingHandler(c.onReconnecting)

	if c.liveTopic != "" {
		will, err := utils.ToJSON(liveStatus{Live: false, Message: "last will"})
		if err != nil {
			return nil, fmt.Errorf("failed to serialize will payload: %w", err)
		}

		clientOpts.SetBinaryWill(c.liveTopic, will, 1, true)
	}

	c.client = pahomqtt.NewClient(clientOpts)

	l.Info("MQTT client created", slog.String("broker", opts.BrokerURL), slog.String("clientID", opts.ClientID))

	return c, nil
}

// Connect opens the broker connection, waiting indefinitely for the initial
// connect to complete.
func (c *Client) Connect() error {
	c.l.Info("Connecting to MQTT broker... Will wait indefinitely for connection to complete")

	token := c.client.Connect()

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(time.Second * 30)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if c.client.IsConnectionOpen() {
					return
				}

				c.l.Warn("MQTT has not done an initial connection yet, still waiting...")
			}
		}
	}()

	token.Wait()

	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return nil
}

// IsConnected reports whether the broker connection is up.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// DroppedPublishes returns the number of offline publishes discarded because
// the queue was full.
func (c *Client) DroppedPublishes() uint64 {
	return c.dropped.Load()
}

// QueuedPublishes returns the number of publishes waiting for reconnect.
func (c *Client) QueuedPublishes() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.queue.len()
}

// Subscribe registers a handler for a topic filter at the given QoS. Several
// handlers may share a filter; each received message is delivered to all of
// them in registration order. Only QoS 0 and 1 are supported.
func (c *Client) Subscribe(filter string, qos byte, h Handler) error {
	if qos > 1 {
		return fmt.Errorf("unsupported QoS %d: only 0 and 1 are allowed", qos)
	}

	c.mu.Lock()

	var sub *subscription

	for _, s := range c.subs {
		if s.filter == filter {
			sub = s
			break
		}
	}

	isNew := sub == nil
	if isNew {
		sub = &subscription{filter: filter, qos: qos}
		c.subs = append(c.subs, sub)
	}

	sub.handlers = append(sub.handlers, h)
	connected := c.client.IsConnected()

	c.mu.Unlock()

	if isNew && connected {
		return c.subscribe(sub)
	}

	return nil
}

// Publish sends a message. While disconnected the message is queued and
// replayed on reconnect, dropping the oldest queued message when the queue
// is full. Only QoS 0 and 1 are supported.
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if qos > 1 {
		return fmt.Errorf("unsupported QoS %d: only 0 and 1 are allowed", qos)
	}

	c.mu.Lock()

	if !c.client.IsConnectionOpen() {
		if c.queue.push(queuedMessage{topic: topic, payload: payload, qos: qos, retained: retained}) {
			c.dropped.Add(1)
			c.l.Warn("Offline publish queue full, dropped oldest message", slog.String("topic", topic))
		}

		c.mu.Unlock()

		return nil
	}

	c.mu.Unlock()

	token := c.client.Publish(topic, qos, retained, payload)
	token.Wait()

	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	return nil
}

// Close publishes the retained goodbye on the liveness topic and closes the
// connection.
func (c *Client) Close() {
	if !c.client.IsConnected() {
		return
	}

	if c.liveTopic != "" {
		goodbye, err := utils.ToJSON(liveStatus{Live: false, Message: "goodbye"})
		if err == nil {
			token := c.client.Publish(c.liveTopic, 1, true, goodbye)
			token.Wait()

			if err := token.Error(); err != nil {
				c.l.Warn("Failed to publish goodbye", utils.ErrAttr(err))
			}
		}
	}

	c.l.Info("Disconnecting from MQTT broker...")
	c.client.Disconnect(250) // 250ms grace period
	c.l.Info("Disconnected from MQTT broker")
}

func (c *Client) subscribe(sub *subscription) error {
	token := c.client.Subscribe(sub.filter, sub.qos, func(_ pahomqtt.Client, m pahomqtt.Message) {
		msg := Message{Topic: m.Topic(), Payload: m.Payload(), Retained: m.Retained()}

		c.mu.Lock()
		handlers := append([]Handler(nil), sub.handlers...)
		c.mu.Unlock()

		for _, h := range handlers {
			h(msg)
		}
	})
	token.Wait()

	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", sub.filter, err)
	}

	c.l.Info("Subscribed", slog.String("filter", sub.filter))

	return nil
}

// onConnect is called on every successful connect or reconnect: it announces
// liveness, restores subscriptions and replays queued publishes.
func (c *Client) onConnect(_ pahomqtt.Client) {
	c.l.Info("Connected to MQTT broker")

	if c.liveTopic != "" {
		birth, err := utils.ToJSON(liveStatus{Live: true})
		if err == nil {
			token := c.client.Publish(c.liveTopic, 1, true, birth)
			token.Wait()

			if err := token.Error(); err != nil {
				c.l.Warn("Failed to publish birth message", utils.ErrAttr(err))
			}
		}
	}

	c.mu.Lock()
	subs := append([]*subscription(nil), c.subs...)
	queued := c.queue.drain()
	c.mu.Unlock()

	for _, sub := range subs {
		if err := c.subscribe(sub); err != nil {
			c.l.Error("Failed to restore subscription", slog.String("filter", sub.filter), utils.ErrAttr(err))
		}
	}

	if len(queued) > 0 {
		c.l.Info("Replaying queued publishes", slog.Int("count", len(queued)))

		for _, msg := range queued {
			token := c.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
			token.Wait()

			if err := token.Error(); err != nil {
				c.l.Warn("Failed to replay queued publish", slog.String("topic", msg.topic), utils.ErrAttr(err))
			}
		}
	}
}

func (c *Client) onConnectionLost(_ pahomqtt.Client, err error) {
	c.l.Warn("Connection to MQTT broker lost", utils.ErrAttr(err))
}

func (c *Client) onReconnecting(_ pahomqtt.Client, opts *pahomqtt.ClientOptions) {
	c.l.Info("Reconnecting to MQTT broker", slog.String("broker", opts.Servers[0].String()))
}
