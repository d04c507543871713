/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/friendsincode/grimnir_relay/internal/config"
	"github.com/friendsincode/grimnir_relay/internal/events"
	"github.com/friendsincode/grimnir_relay/internal/mediaengine"
	"github.com/friendsincode/grimnir_relay/internal/sink"
	"github.com/friendsincode/grimnir_relay/internal/telemetry"
)

var (
	ErrChannelNotFound = errors.New("channel not found")
	ErrChannelExists   = errors.New("channel already exists")
	ErrInvalidSource   = errors.New("exactly one of chain, uri, path or playlist is required")
	ErrNoPlaylist      = errors.New("channel is not playing a playlist")
	ErrNoSource        = errors.New("channel has no source")
)

// Source is what a channel plays: a single chain, URI or file, or a playlist
// document reference.
type Source struct {
	Chain    string `json:"chain,omitempty"`
	URI      string `json:"uri,omitempty"`
	Path     string `json:"path,omitempty"`
	Playlist string `json:"playlist,omitempty"`
}

// IsZero reports whether no descriptor is set.
func (s Source) IsZero() bool {
	return s == Source{}
}

// Validate requires exactly one descriptor.
func (s Source) Validate() error {
	n := 0
	for _, v := range []string{s.Chain, s.URI, s.Path, s.Playlist} {
		if v != "" {
			n++
		}
	}
	if n != 1 {
		return ErrInvalidSource
	}
	return nil
}

// DocumentLoader fetches playlist documents by reference.
type DocumentLoader interface {
	Load(ctx context.Context, ref string) ([]byte, error)
}

// DocumentInvalidator is implemented by loaders that cache documents.
// UpdatePlaylist drops the cached copy before reloading.
type DocumentInvalidator interface {
	Invalidate(ctx context.Context, ref string) error
}

// SourceStore persists channel source assignments across restarts.
type SourceStore interface {
	SaveSource(ctx context.Context, channel string, src Source) error
	LoadSources(ctx context.Context) (map[string]Source, error)
}

// ManagerConfig carries the dependencies shared by all channels.
type ManagerConfig struct {
	Engine    mediaengine.Engine
	Hubs      *sink.Server
	ChunkSize int
	Bus       events.Publisher
	Documents DocumentLoader
	Store     SourceStore

	// PushStandby starts channels with their RTMP push held back until
	// SetPushEnabled(true), for relays running behind a leader election.
	PushStandby bool

	Clock         Clock
	CheckInterval time.Duration
}

// Manager tracks channels by name.
type Manager struct {
	cfg    ManagerConfig
	logger zerolog.Logger

	mu          sync.RWMutex
	channels    map[string]*Channel
	pushEnabled bool
}

// NewManager creates a channel manager.
func NewManager(cfg ManagerConfig, logger zerolog.Logger) *Manager {
	if cfg.Documents == nil {
		cfg.Documents = fileLoader{}
	}
	return &Manager{
		cfg:         cfg,
		logger:      logger.With().Str("component", "playout").Logger(),
		channels:    make(map[string]*Channel),
		pushEnabled: !cfg.PushStandby,
	}
}

// AddChannel creates and starts a channel. A zero src leaves it idle until a
// source is set.
func (m *Manager) AddChannel(ctx context.Context, name string, opts config.ChannelOptions, src Source) error {
	if !src.IsZero() {
		if err := src.Validate(); err != nil {
			return fmt.Errorf("channel %s: %w", name, err)
		}
	}

	m.mu.Lock()
	if _, ok := m.channels[name]; ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelExists, name)
	}
	ch, err := NewChannel(ChannelConfig{
		Name:          name,
		Options:       opts,
		Engine:        m.cfg.Engine,
		Hub:           m.cfg.Hubs.Hub(name),
		ChunkSize:     m.cfg.ChunkSize,
		Bus:           m.cfg.Bus,
		PushStandby:   !m.pushEnabled,
		Clock:         m.cfg.Clock,
		CheckInterval: m.cfg.CheckInterval,
	}, m.logger)
	if err != nil {
		m.mu.Unlock()
		m.cfg.Hubs.RemoveHub(name)
		return err
	}
	m.channels[name] = ch
	m.mu.Unlock()

	if err := ch.Start(ctx); err != nil {
		m.removeChannel(name)
		return err
	}
	m.logger.Info().Str("channel", name).Msg("channel added")

	if src.IsZero() {
		return nil
	}
	if err := m.applySource(ctx, ch, src, false); err != nil {
		// The channel stays; a later SetChannel can fix the source.
		m.logger.Error().Err(err).Str("channel", name).Msg("initial source failed")
	}
	return nil
}

// RemoveChannel stops a channel and closes its hub.
func (m *Manager) RemoveChannel(name string) error {
	if !m.removeChannel(name) {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}
	m.publish(events.EventChannelRemoved, name, events.Payload{})
	return nil
}

func (m *Manager) removeChannel(name string) bool {
	m.mu.Lock()
	ch, ok := m.channels[name]
	delete(m.channels, name)
	m.mu.Unlock()

	if !ok {
		return false
	}
	ch.Close()
	m.cfg.Hubs.RemoveHub(name)
	return true
}

// Channel returns a channel by name.
func (m *Manager) Channel(name string) (*Channel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}
	return ch, nil
}

// SetChannel switches a channel to a new source and persists the choice.
func (m *Manager) SetChannel(ctx context.Context, name string, src Source) error {
	ctx, span := telemetry.StartSpan(ctx, "playout", "SetChannel")
	defer span.End()
	telemetry.AddSpanAttributes(span, map[string]any{"channel": name})

	if err := src.Validate(); err != nil {
		return err
	}
	ch, err := m.Channel(name)
	if err != nil {
		return err
	}
	if err := m.applySource(ctx, ch, src, false); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	if m.cfg.Store != nil {
		if err := m.cfg.Store.SaveSource(ctx, name, src); err != nil {
			m.logger.Warn().Err(err).Str("channel", name).Msg("failed to persist channel source")
		}
	}
	m.publish(events.EventChannelUpdated, name, events.Payload{"source": src})
	return nil
}

// UpdatePlaylist reloads a playlist channel's document. With keepCurrent the
// playing item continues and the new playlist takes over when it ends.
func (m *Manager) UpdatePlaylist(ctx context.Context, name string, keepCurrent bool) error {
	ctx, span := telemetry.StartSpan(ctx, "playout", "UpdatePlaylist")
	defer span.End()

	ch, err := m.Channel(name)
	if err != nil {
		return err
	}
	src := ch.Source()
	if src.Playlist == "" {
		return fmt.Errorf("%w: %s", ErrNoPlaylist, name)
	}
	if inv, ok := m.cfg.Documents.(DocumentInvalidator); ok {
		if err := inv.Invalidate(ctx, src.Playlist); err != nil {
			m.logger.Warn().Err(err).Str("playlist", src.Playlist).Msg("failed to invalidate cached playlist")
		}
	}
	if err := m.applySource(ctx, ch, src, keepCurrent); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	return nil
}

func (m *Manager) applySource(ctx context.Context, ch *Channel, src Source, keepCurrent bool) error {
	switch {
	case src.Chain != "":
		ch.Playback().SetSingleItem(src.Chain, true)
	case src.URI != "":
		ch.Playback().SetSingleItem(src.URI, false)
	case src.Path != "":
		ch.Playback().SetSingleItem("file://"+src.Path, false)
	case src.Playlist != "":
		data, err := m.cfg.Documents.Load(ctx, src.Playlist)
		if err != nil {
			return fmt.Errorf("load playlist %s: %w", src.Playlist, err)
		}
		if err := ch.Playback().LoadPlaylistData(data, keepCurrent); err != nil {
			return fmt.Errorf("load playlist %s: %w", src.Playlist, err)
		}
		m.publish(events.EventPlaylistLoaded, ch.Name(), events.Payload{
			"playlist": src.Playlist,
			"items":    ch.Playback().Playlist().Len(),
		})
	default:
		return ErrInvalidSource
	}
	ch.setSource(src)
	return nil
}

// SetPosition jumps a channel to the n-th playlist item (1-based).
func (m *Manager) SetPosition(name string, n int, seek time.Duration) error {
	ch, err := m.Channel(name)
	if err != nil {
		return err
	}
	return ch.Playback().SetPosition(n, seek)
}

// SetPositionID jumps a channel to the playlist item with the given id.
func (m *Manager) SetPositionID(name, id string, seek time.Duration) error {
	ch, err := m.Channel(name)
	if err != nil {
		return err
	}
	return ch.Playback().SetPositionID(id, seek)
}

// Reconnect tears down the channel's stream and opens its source again with
// a new sink identity.
func (m *Manager) Reconnect(name string) error {
	ch, err := m.Channel(name)
	if err != nil {
		return err
	}
	if !ch.Supervisor().Restart(true) {
		return fmt.Errorf("%w: %s", ErrNoSource, name)
	}
	return nil
}

// SetPushEnabled starts or stops the RTMP push of every channel. Channels
// added later follow the last setting.
func (m *Manager) SetPushEnabled(enabled bool) {
	m.mu.Lock()
	m.pushEnabled = enabled
	m.mu.Unlock()

	m.logger.Info().Bool("enabled", enabled).Msg("rtmp push toggled")
	for _, ch := range m.snapshot() {
		ch.SetPushEnabled(enabled)
	}
}

// Info describes one channel.
func (m *Manager) Info(name string) (ChannelInfo, error) {
	ch, err := m.Channel(name)
	if err != nil {
		return ChannelInfo{}, err
	}
	return ch.Info(), nil
}

// List describes all channels, sorted by name.
func (m *Manager) List() []ChannelInfo {
	channels := m.snapshot()
	out := make([]ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ch.Info())
	}
	return out
}

// Stats returns traffic counters for all channels, sorted by name.
func (m *Manager) Stats() []ChannelStats {
	channels := m.snapshot()
	out := make([]ChannelStats, 0, len(channels))
	for _, ch := range channels {
		out = append(out, ch.Stats())
	}
	return out
}

// ResetStats zeroes the traffic counters of all channels.
func (m *Manager) ResetStats() {
	for _, ch := range m.snapshot() {
		ch.Supervisor().ResetTrafficStats()
	}
}

// Restore applies persisted source assignments to existing channels.
func (m *Manager) Restore(ctx context.Context) error {
	if m.cfg.Store == nil {
		return nil
	}
	sources, err := m.cfg.Store.LoadSources(ctx)
	if err != nil {
		return fmt.Errorf("load channel sources: %w", err)
	}
	for name, src := range sources {
		ch, err := m.Channel(name)
		if err != nil {
			m.logger.Debug().Str("channel", name).Msg("persisted source for unknown channel")
			continue
		}
		if err := src.Validate(); err != nil {
			m.logger.Warn().Str("channel", name).Msg("ignoring invalid persisted source")
			continue
		}
		if err := m.applySource(ctx, ch, src, false); err != nil {
			m.logger.Error().Err(err).Str("channel", name).Msg("failed to restore channel source")
		}
	}
	return nil
}

// Shutdown stops all channels and clears the map.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	channels := make(map[string]*Channel, len(m.channels))
	for k, v := range m.channels {
		channels[k] = v
	}
	m.channels = make(map[string]*Channel)
	m.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for name, ch := range channels {
		g.Go(func() error {
			done := make(chan struct{})
			go func() {
				ch.Close()
				m.cfg.Hubs.RemoveHub(name)
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("channel %s: %w", name, ctx.Err())
			}
		})
	}
	return g.Wait()
}

func (m *Manager) snapshot() []*Channel {
	m.mu.RLock()
	out := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		out = append(out, ch)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (m *Manager) publish(t events.EventType, channel string, payload events.Payload) {
	if m.cfg.Bus == nil {
		return
	}
	payload["channel"] = channel
	m.cfg.Bus.Publish(t, payload)
}

type fileLoader struct{}

func (fileLoader) Load(_ context.Context, ref string) ([]byte, error) {
	return os.ReadFile(ref)
}
