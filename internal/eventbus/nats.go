/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_relay/internal/events"
)

// NATSBus implements a NATS-backed event bus. Events are published on
// "grimnir.relay.events.<type>" subjects.
type NATSBus struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	logger zerolog.Logger
	local  *events.Bus
	nodeID string
}

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL   string
	Token string

	// Connection options
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NewNATSBus creates a NATS-backed event bus.
// Falls back to in-memory delivery if NATS is unavailable.
func NewNATSBus(cfg NATSConfig, nodeID string, logger zerolog.Logger) (*NATSBus, error) {
	nb := &NATSBus{
		logger: logger.With().Str("component", "eventbus").Str("backend", "nats").Logger(),
		local:  events.NewBus(),
		nodeID: nodeID,
	}

	opts := []nats.Option{
		nats.Name("grimnir-relay-" + nodeID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			nb.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			nb.logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		nb.logger.Warn().Err(err).Msg("NATS connection failed, using in-memory fallback")
		return nb, nil
	}

	sub, err := conn.Subscribe(channelPrefix+">", nb.handleMessage)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to NATS events: %w", err)
	}

	nb.conn = conn
	nb.sub = sub
	nb.logger.Info().Str("url", cfg.URL).Msg("NATS event bus initialized")
	return nb, nil
}

func (nb *NATSBus) handleMessage(msg *nats.Msg) {
	remote, err := unmarshalMessage(msg.Data)
	if err != nil {
		nb.logger.Error().Err(err).Str("subject", msg.Subject).Msg("failed to unmarshal NATS message")
		return
	}
	if remote.NodeID == nb.nodeID {
		return
	}
	nb.local.Publish(remote.EventType, remote.Payload)
}

// Subscribe registers a subscriber for an event type.
func (nb *NATSBus) Subscribe(eventType events.EventType) events.Subscriber {
	return nb.local.Subscribe(eventType)
}

// SubscribeMany registers one subscriber for several event types.
func (nb *NATSBus) SubscribeMany(buffer int, types ...events.EventType) events.Subscriber {
	return nb.local.SubscribeMany(buffer, types...)
}

// Unsubscribe removes a subscriber.
func (nb *NATSBus) Unsubscribe(sub events.Subscriber) {
	nb.local.Unsubscribe(sub)
}

// Publish sends an event payload to local subscribers and to other nodes.
func (nb *NATSBus) Publish(eventType events.EventType, payload events.Payload) {
	nb.local.Publish(eventType, payload)

	if nb.conn == nil {
		return
	}

	msg := remoteMessage{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		NodeID:    nb.nodeID,
		MessageID: uuid.NewString(),
	}
	data, err := marshalRemote(msg)
	if err != nil {
		nb.logger.Error().Err(err).Msg("failed to marshal NATS message")
		return
	}
	if err := nb.conn.Publish(channelPrefix+string(eventType), data); err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to publish to NATS")
	}
}

// Fallback reports whether the bus is delivering locally only.
func (nb *NATSBus) Fallback() bool {
	return nb.conn == nil || !nb.conn.IsConnected()
}

// Close drains the NATS connection and closes local subscribers.
func (nb *NATSBus) Close() error {
	var err error
	if nb.conn != nil {
		if err = nb.conn.Drain(); err != nil {
			nb.logger.Warn().Err(err).Msg("NATS drain failed")
			nb.conn.Close()
		}
	}
	nb.local.Close()
	return err
}

// NodeID returns a node identifier built from the hostname and a random
// suffix.
func NodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return host + "-" + uuid.NewString()[:8]
}
