/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus shares relay events between nodes over Redis or NATS.
// Both buses deliver locally through an in-process bus and keep working on it
// when the broker is unreachable.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_relay/internal/events"
)

// channelPrefix namespaces relay events on shared brokers.
const channelPrefix = "grimnir.relay.events."

// RedisBus implements a Redis-backed event bus for distributed systems.
type RedisBus struct {
	client *redis.Client
	pubsub *redis.PubSub
	logger zerolog.Logger
	local  *events.Bus
	nodeID string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Circuit breaker state
	mu            sync.Mutex
	useFallback   bool
	failCount     int
	maxFails      int
	lastCheck     time.Time
	checkInterval time.Duration
}

// RedisConfig contains Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Connection pooling
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Circuit breaker
	MaxFailures   int
	CheckInterval time.Duration
}

// DefaultRedisConfig returns default Redis configuration.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		PoolSize:      10,
		MinIdleConns:  2,
		DialTimeout:   5 * time.Second,
		ReadTimeout:   3 * time.Second,
		WriteTimeout:  3 * time.Second,
		MaxFailures:   5,
		CheckInterval: 30 * time.Second,
	}
}

// NewRedisBus creates a Redis-backed event bus.
// Falls back to in-memory delivery if Redis is unavailable.
func NewRedisBus(cfg RedisConfig, nodeID string, logger zerolog.Logger) (*RedisBus, error) {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	rb := &RedisBus{
		client:        client,
		logger:        logger.With().Str("component", "eventbus").Str("backend", "redis").Logger(),
		local:         events.NewBus(),
		nodeID:        nodeID,
		ctx:           ctx,
		cancel:        cancel,
		maxFails:      cfg.MaxFailures,
		checkInterval: cfg.CheckInterval,
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		rb.logger.Warn().Err(err).Msg("Redis connection failed, using in-memory fallback")
		rb.useFallback = true
		rb.lastCheck = time.Now()
	} else {
		rb.startReceiver()
		rb.logger.Info().Str("addr", cfg.Addr).Msg("Redis event bus initialized")
	}

	rb.wg.Add(1)
	go rb.reconnectLoop()

	return rb, nil
}

// Subscribe registers a subscriber for an event type.
func (rb *RedisBus) Subscribe(eventType events.EventType) events.Subscriber {
	return rb.local.Subscribe(eventType)
}

// SubscribeMany registers one subscriber for several event types.
func (rb *RedisBus) SubscribeMany(buffer int, types ...events.EventType) events.Subscriber {
	return rb.local.SubscribeMany(buffer, types...)
}

// Unsubscribe removes a subscriber.
func (rb *RedisBus) Unsubscribe(sub events.Subscriber) {
	rb.local.Unsubscribe(sub)
}

func (rb *RedisBus) startReceiver() {
	channels := make([]string, 0, len(events.AllEventTypes))
	for _, t := range events.AllEventTypes {
		channels = append(channels, channelPrefix+string(t))
	}
	pubsub := rb.client.Subscribe(rb.ctx, channels...)

	rb.mu.Lock()
	rb.pubsub = pubsub
	rb.mu.Unlock()

	rb.wg.Add(1)
	go rb.receiveMessages(pubsub)
}

// receiveMessages handles incoming Redis pub/sub messages.
func (rb *RedisBus) receiveMessages(pubsub *redis.PubSub) {
	defer rb.wg.Done()

	ch := pubsub.Channel()
	rb.logger.Debug().Msg("started Redis message receiver")

	for {
		select {
		case <-rb.ctx.Done():
			rb.logger.Debug().Msg("stopping Redis message receiver")
			return

		case msg, ok := <-ch:
			if !ok {
				rb.logger.Warn().Msg("Redis channel closed")
				rb.handleFailure()
				return
			}

			remote, err := unmarshalMessage([]byte(msg.Payload))
			if err != nil {
				rb.logger.Error().Err(err).Msg("failed to unmarshal Redis message")
				continue
			}

			// Skip messages from ourselves (prevent echo)
			if remote.NodeID == rb.nodeID {
				continue
			}
			rb.local.Publish(remote.EventType, remote.Payload)
		}
	}
}

// Publish sends an event payload to local subscribers and to other nodes.
func (rb *RedisBus) Publish(eventType events.EventType, payload events.Payload) {
	rb.local.Publish(eventType, payload)

	rb.mu.Lock()
	fallback := rb.useFallback
	rb.mu.Unlock()
	if fallback {
		return
	}

	data, err := marshalMessage(eventType, payload, rb.nodeID)
	if err != nil {
		rb.logger.Error().Err(err).Msg("failed to marshal Redis message")
		return
	}

	ctx, cancel := context.WithTimeout(rb.ctx, 2*time.Second)
	defer cancel()

	if err := rb.client.Publish(ctx, channelPrefix+string(eventType), data).Err(); err != nil {
		rb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to publish to Redis")
		rb.handleFailure()
		return
	}

	rb.mu.Lock()
	rb.failCount = 0
	rb.mu.Unlock()
}

// Fallback reports whether the bus is delivering locally only.
func (rb *RedisBus) Fallback() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.useFallback
}

// Close closes the Redis connection and all subscriptions.
func (rb *RedisBus) Close() error {
	rb.logger.Info().Msg("closing Redis event bus")

	rb.cancel()
	rb.mu.Lock()
	pubsub := rb.pubsub
	rb.mu.Unlock()
	if pubsub != nil {
		pubsub.Close()
	}
	rb.wg.Wait()
	rb.local.Close()

	if err := rb.client.Close(); err != nil {
		rb.logger.Error().Err(err).Msg("failed to close Redis client")
		return err
	}
	return nil
}

// handleFailure implements circuit breaker logic.
func (rb *RedisBus) handleFailure() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.failCount++

	if rb.failCount >= rb.maxFails && !rb.useFallback {
		rb.logger.Warn().
			Int("fail_count", rb.failCount).
			Msg("Redis failure threshold reached, switching to in-memory fallback")

		rb.useFallback = true
		rb.lastCheck = time.Now()
	}
}

func (rb *RedisBus) reconnectLoop() {
	defer rb.wg.Done()

	ticker := time.NewTicker(rb.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rb.ctx.Done():
			return
		case <-ticker.C:
			if err := rb.tryReconnect(); err != nil {
				rb.logger.Debug().Err(err).Msg("Redis reconnect attempt failed")
			}
		}
	}
}

// tryReconnect attempts to reconnect to Redis.
func (rb *RedisBus) tryReconnect() error {
	rb.mu.Lock()
	if !rb.useFallback {
		rb.mu.Unlock()
		return nil
	}
	if time.Since(rb.lastCheck) < rb.checkInterval {
		rb.mu.Unlock()
		return fmt.Errorf("too soon to retry")
	}
	rb.lastCheck = time.Now()
	rb.mu.Unlock()

	ctx, cancel := context.WithTimeout(rb.ctx, 5*time.Second)
	defer cancel()

	if err := rb.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis still unavailable: %w", err)
	}

	rb.mu.Lock()
	rb.useFallback = false
	rb.failCount = 0
	restart := rb.pubsub == nil
	rb.mu.Unlock()

	if restart {
		rb.startReceiver()
	}
	rb.logger.Info().Msg("reconnected to Redis, disabling fallback")
	return nil
}

// remoteMessage is the wire form of an event on either broker.
type remoteMessage struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id,omitempty"`
}

func marshalMessage(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	return marshalRemote(remoteMessage{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		NodeID:    nodeID,
	})
}

func marshalRemote(msg remoteMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal event message: %w", err)
	}
	return data, nil
}

func unmarshalMessage(data []byte) (*remoteMessage, error) {
	var msg remoteMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal event message: %w", err)
	}
	if msg.EventType == "" {
		return nil, fmt.Errorf("unmarshal event message: missing event type")
	}
	return &msg, nil
}
