/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package leadership elects one relay out of a group to push upstream. The
// others keep serving HTTP-FLV and take over the push when the lease lapses.
package leadership

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_relay/internal/telemetry"
)

const (
	defaultElectionKey     = "grimnir:relay:leader:push"
	defaultLeaseDuration   = 15 * time.Second
	defaultRenewalInterval = 5 * time.Second
)

// releaseScript deletes the key only while we still own it.
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// Election manages distributed leader election using Redis
type Election struct {
	client     *redis.Client
	logger     zerolog.Logger
	config     ElectionConfig
	instanceID string

	mu       sync.Mutex
	isLeader bool
	cancel   context.CancelFunc
	done     chan struct{}
	leaderCh chan bool
}

// ElectionConfig configures leader election behavior
type ElectionConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ElectionKey is the Redis key holding the leader's instance ID.
	ElectionKey string

	// LeaseDuration is how long the leader lease is valid
	LeaseDuration time.Duration

	// RenewalInterval is how often the lease is renewed or contested.
	RenewalInterval time.Duration

	InstanceID string
}

// DefaultConfig returns default election configuration
func DefaultConfig() ElectionConfig {
	return ElectionConfig{
		RedisAddr:       "localhost:6379",
		ElectionKey:     defaultElectionKey,
		LeaseDuration:   defaultLeaseDuration,
		RenewalInterval: defaultRenewalInterval,
		InstanceID:      uuid.New().String(),
	}
}

// NewElection connects to Redis. Unlike the event bus there is no fallback:
// a relay that cannot reach the lock cannot know whether it may push.
func NewElection(config ElectionConfig, logger zerolog.Logger) (*Election, error) {
	if config.ElectionKey == "" {
		config.ElectionKey = defaultElectionKey
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = defaultLeaseDuration
	}
	if config.RenewalInterval <= 0 {
		config.RenewalInterval = defaultRenewalInterval
	}
	if config.RenewalInterval >= config.LeaseDuration {
		return nil, fmt.Errorf("renewal interval %v must be shorter than the lease %v", config.RenewalInterval, config.LeaseDuration)
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.New().String()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger = logger.With().Str("component", "leader_election").Logger()
	logger.Info().
		Str("redis_addr", config.RedisAddr).
		Str("instance_id", config.InstanceID).
		Msg("connected to Redis for leader election")

	return &Election{
		client:     client,
		logger:     logger,
		config:     config,
		instanceID: config.InstanceID,
		leaderCh:   make(chan bool, 1),
	}, nil
}

// Start campaigns immediately and then every renewal interval.
func (e *Election) Start(ctx context.Context) {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.mu.Unlock()

	e.logger.Info().
		Dur("lease_duration", e.config.LeaseDuration).
		Msg("starting leader election")

	go e.campaignLoop(ctx)
}

// Stop ends the campaign, releases the lease if held and closes the client.
func (e *Election) Stop() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	if e.IsLeader() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.releaseLock(ctx); err != nil {
			e.logger.Error().Err(err).Msg("failed to release leadership lock")
		}
		e.updateLeadershipStatus(false)
	}

	return e.client.Close()
}

// IsLeader returns whether this instance currently holds the lease.
func (e *Election) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// LeaderCh delivers leadership changes. Only the latest state is kept when
// the reader falls behind.
func (e *Election) LeaderCh() <-chan bool {
	return e.leaderCh
}

// GetLeader returns the current leader's instance ID, or "" when none.
func (e *Election) GetLeader(ctx context.Context) (string, error) {
	leaderID, err := e.client.Get(ctx, e.config.ElectionKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get leader: %w", err)
	}
	return leaderID, nil
}

func (e *Election) campaignLoop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.config.RenewalInterval)
	defer ticker.Stop()

	for {
		e.attemptLeadership(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Election) attemptLeadership(ctx context.Context) {
	acquired, err := e.acquireLock(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Error().Err(err).Msg("failed to acquire leadership lock")
		e.updateLeadershipStatus(false)
		return
	}
	e.updateLeadershipStatus(acquired)
}

// acquireLock takes the lease if it is free or renews it if we own it.
func (e *Election) acquireLock(ctx context.Context) (bool, error) {
	ok, err := e.client.SetNX(ctx, e.config.ElectionKey, e.instanceID, e.config.LeaseDuration).Result()
	if err != nil {
		return false, fmt.Errorf("set lock: %w", err)
	}
	if ok {
		return true, nil
	}

	currentLeader, err := e.client.Get(ctx, e.config.ElectionKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get current leader: %w", err)
	}
	if currentLeader != e.instanceID {
		return false, nil
	}

	if err := e.client.Expire(ctx, e.config.ElectionKey, e.config.LeaseDuration).Err(); err != nil {
		return false, fmt.Errorf("renew lock: %w", err)
	}
	return true, nil
}

func (e *Election) releaseLock(ctx context.Context) error {
	if err := e.client.Eval(ctx, releaseScript, []string{e.config.ElectionKey}, e.instanceID).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	e.logger.Info().Msg("released leadership lock")
	return nil
}

func (e *Election) updateLeadershipStatus(isLeader bool) {
	e.mu.Lock()
	if e.isLeader == isLeader {
		e.mu.Unlock()
		return
	}
	e.isLeader = isLeader
	e.mu.Unlock()

	if isLeader {
		e.logger.Info().Msg("acquired leadership")
		telemetry.LeaderElectionStatus.WithLabelValues(e.instanceID).Set(1)
		telemetry.LeaderElectionChanges.WithLabelValues(e.instanceID, "acquired").Inc()
	} else {
		e.logger.Warn().Msg("lost leadership")
		telemetry.LeaderElectionStatus.WithLabelValues(e.instanceID).Set(0)
		telemetry.LeaderElectionChanges.WithLabelValues(e.instanceID, "lost").Inc()
	}

	// Replace a stale pending value so the reader sees the latest state.
	select {
	case <-e.leaderCh:
	default:
	}
	e.leaderCh <- isLeader
}
