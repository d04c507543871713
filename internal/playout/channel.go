/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_relay/internal/config"
	"github.com/friendsincode/grimnir_relay/internal/events"
	"github.com/friendsincode/grimnir_relay/internal/mediaengine"
	"github.com/friendsincode/grimnir_relay/internal/playlist"
	"github.com/friendsincode/grimnir_relay/internal/sink"
	"github.com/friendsincode/grimnir_relay/internal/telemetry"
)

// ChannelConfig describes one channel.
type ChannelConfig struct {
	Name      string
	Options   config.ChannelOptions
	Engine    mediaengine.Engine
	Hub       *sink.Hub
	ChunkSize int
	Bus       events.Publisher

	// PushStandby holds the RTMP push back until SetPushEnabled(true).
	PushStandby bool

	// Clock and CheckInterval are overridden in tests.
	Clock         Clock
	CheckInterval time.Duration
}

// Channel plays its scheduler's items into a hub. It is the frontend of both
// its Playback and its Supervisor.
type Channel struct {
	name   string
	opts   config.ChannelOptions
	logger zerolog.Logger
	bus    events.Publisher

	hub        *sink.Hub
	supervisor *mediaengine.Supervisor
	playback   *Playback
	publisher  *sink.Publisher
	recorder   *sink.Recorder

	mu          sync.Mutex
	source      Source
	item        *playlist.Item
	itemStarted time.Time
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	pushEnabled bool
	pushing     bool
}

// NewChannel wires a channel. Nothing runs until Start.
func NewChannel(cfg ChannelConfig, logger zerolog.Logger) (*Channel, error) {
	if err := cfg.Options.Validate(); err != nil {
		return nil, fmt.Errorf("channel %s: %w", cfg.Name, err)
	}

	logger = logger.With().Str("channel", cfg.Name).Logger()
	ch := &Channel{
		name:   cfg.Name,
		opts:   cfg.Options,
		logger: logger,
		bus:    cfg.Bus,
		hub:    cfg.Hub,

		pushEnabled: !cfg.PushStandby,
	}

	ch.supervisor = mediaengine.NewSupervisor(mediaengine.SupervisorConfig{
		Channel:       cfg.Name,
		Options:       cfg.Options,
		ChunkSize:     cfg.ChunkSize,
		Engine:        cfg.Engine,
		Frontend:      ch,
		NewSink:       func() mediaengine.StreamSink { return cfg.Hub.NewStream() },
		CheckInterval: cfg.CheckInterval,
	}, logger)

	ch.playback = NewPlayback(PlaybackConfig{
		Frontend:            ch,
		MinPlaylistDuration: cfg.Options.MinPlaylistDuration,
		Clock:               cfg.Clock,
	}, logger)

	if cfg.Options.PushURI != "" {
		pub, err := sink.NewPublisher(cfg.Hub, cfg.Options.PushURI, cfg.ChunkSize, logger, cfg.Bus)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", cfg.Name, err)
		}
		ch.publisher = pub
	}
	if cfg.Options.Recording {
		ch.recorder = sink.NewRecorder(cfg.Hub, cfg.Options.RecordPath, logger)
	}

	return ch, nil
}

// Name returns the channel name.
func (c *Channel) Name() string { return c.name }

// Options returns the options the channel was built with.
func (c *Channel) Options() config.ChannelOptions { return c.opts }

// Playback returns the channel's scheduler.
func (c *Channel) Playback() *Playback { return c.playback }

// Supervisor returns the channel's stream supervisor.
func (c *Channel) Supervisor() *mediaengine.Supervisor { return c.supervisor }

// Start attaches the recorder and the push publisher and begins feeding the
// hub's watcher count to the supervisor.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.ctx = ctx
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.watchViewers(ctx)

	if c.recorder != nil {
		if err := c.recorder.Start(ctx); err != nil {
			c.logger.Error().Err(err).Msg("recorder failed to start")
			return fmt.Errorf("channel %s: %w", c.name, err)
		}
		c.logger.Info().Str("path", c.recorder.Path()).Msg("recording")
	}
	c.syncPush()
	return nil
}

// SetPushEnabled starts or stops the RTMP push. It has no effect on channels
// without a push target.
func (c *Channel) SetPushEnabled(enabled bool) {
	c.mu.Lock()
	c.pushEnabled = enabled
	c.mu.Unlock()
	c.syncPush()
}

// Pushing reports whether the RTMP push loop is running.
func (c *Channel) Pushing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pushing
}

func (c *Channel) syncPush() {
	if c.publisher == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	want := c.pushEnabled && c.ctx != nil && c.ctx.Err() == nil
	switch {
	case want && !c.pushing:
		c.publisher.Start(c.ctx)
		c.pushing = true
		c.logger.Info().Msg("rtmp push started")
	case !want && c.pushing:
		c.publisher.Stop()
		c.pushing = false
		c.logger.Info().Msg("rtmp push stopped")
	}
}

// Close stops playback, the current stream and the attached sinks.
func (c *Channel) Close() {
	c.playback.Close()
	c.supervisor.Close()

	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	c.syncPush()
	if c.recorder != nil {
		c.recorder.Stop()
	}
}

func (c *Channel) watchViewers(ctx context.Context) {
	defer close(c.done)

	updates := c.hub.WatcherUpdates()
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-updates:
			c.supervisor.SetWatchers(n)
		}
	}
}

// setSource records the descriptor the channel was last assigned.
func (c *Channel) setSource(src Source) {
	c.mu.Lock()
	c.source = src
	c.mu.Unlock()
}

// Source returns the descriptor the channel was last assigned.
func (c *Channel) Source() Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

// StartItem implements PlaybackFrontend.
func (c *Channel) StartItem(item *playlist.Item, seek time.Duration, ticket *AdvanceTicket) {
	spec, isChain := item.Source()
	if spec == "" {
		c.logger.Warn().Str("item", item.ID).Msg("playlist item has neither chain nor uri, skipping")
		c.playback.Advance(ticket)
		return
	}

	c.mu.Lock()
	c.item = item
	c.itemStarted = time.Now()
	c.mu.Unlock()

	telemetry.PlaylistAdvances.WithLabelValues(c.name).Inc()
	c.supervisor.Open(spec, isChain, mediaengine.NewStreamTicket(ticket), seek)
	c.publish(events.EventItemStarted, events.Payload{
		"item":  item.ID,
		"chain": isChain,
		"spec":  spec,
		"seek":  seek.Seconds(),
	})
}

// StopItem implements PlaybackFrontend.
func (c *Channel) StopItem() {
	c.mu.Lock()
	item := c.item
	c.item = nil
	c.mu.Unlock()

	c.supervisor.End()
	if item != nil {
		c.publish(events.EventItemStopped, events.Payload{"item": item.ID})
	}
}

// StreamEOS implements mediaengine.Frontend.
func (c *Channel) StreamEOS(ticket *mediaengine.StreamTicket) {
	c.logger.Debug().Msg("end of stream")
	c.advance(ticket)
}

// StreamError implements mediaengine.Frontend. A failed item is skipped; the
// scheduler's restart floor keeps a failing playlist from spinning.
func (c *Channel) StreamError(ticket *mediaengine.StreamTicket, err error) {
	c.logger.Warn().Err(err).Msg("stream error, advancing")
	c.publish(events.EventStreamError, events.Payload{"error": errString(err)})
	c.advance(ticket)
}

// StreamOnline implements mediaengine.Frontend.
func (c *Channel) StreamOnline(online bool) {
	if online {
		c.publish(events.EventStreamOnline, events.Payload{})
		return
	}
	c.publish(events.EventStreamOffline, events.Payload{})
}

// NewVideoStream implements mediaengine.Frontend.
func (c *Channel) NewVideoStream() {
	c.logger.Debug().Msg("new video stream")
}

func (c *Channel) advance(ticket *mediaengine.StreamTicket) {
	if ticket == nil {
		return
	}
	if t, ok := ticket.Data.(*AdvanceTicket); ok {
		c.playback.Advance(t)
	}
}

func (c *Channel) publish(t events.EventType, payload events.Payload) {
	if c.bus == nil {
		return
	}
	payload["channel"] = c.name
	c.bus.Publish(t, payload)
}

// ChannelInfo describes a channel's configuration and current state.
type ChannelInfo struct {
	Name        string    `json:"name"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Source      Source    `json:"source"`
	Item        string    `json:"item,omitempty"`
	ItemSpec    string    `json:"item_spec,omitempty"`
	ItemStarted time.Time `json:"item_started,omitempty"`
	Online      bool      `json:"online"`
	Pushing     bool      `json:"pushing"`
	Watchers    int       `json:"watchers"`
	Playlist    int       `json:"playlist_items"`
}

// Info reports the channel's current state.
func (c *Channel) Info() ChannelInfo {
	c.mu.Lock()
	info := ChannelInfo{
		Name:        c.name,
		Title:       c.opts.Title,
		Description: c.opts.Description,
		Source:      c.source,
	}
	if c.item != nil {
		info.Item = c.item.ID
		info.ItemSpec, _ = c.item.Source()
		info.ItemStarted = c.itemStarted
	}
	info.Pushing = c.pushing
	c.mu.Unlock()

	info.Online = c.supervisor.IsOnline()
	info.Watchers = c.hub.WatcherCount()
	info.Playlist = c.playback.Playlist().Len()
	return info
}

// ChannelStats reports a channel's traffic counters.
type ChannelStats struct {
	Name         string  `json:"name"`
	Online       bool    `json:"online"`
	Watchers     int     `json:"watchers"`
	RxBytes      uint64  `json:"rx_bytes"`
	RxAudioBytes uint64  `json:"rx_audio_bytes"`
	RxVideoBytes uint64  `json:"rx_video_bytes"`
	Elapsed      float64 `json:"elapsed_seconds"`
	Bitrate      float64 `json:"bitrate_bps"`
}

// Stats returns the channel's traffic counters.
func (c *Channel) Stats() ChannelStats {
	ts := c.supervisor.TrafficStats()
	st := ChannelStats{
		Name:         c.name,
		Online:       c.supervisor.IsOnline(),
		Watchers:     c.hub.WatcherCount(),
		RxBytes:      ts.RxBytes,
		RxAudioBytes: ts.RxAudioBytes,
		RxVideoBytes: ts.RxVideoBytes,
		Elapsed:      ts.TimeElapsed.Seconds(),
	}
	if st.Elapsed > 0 {
		st.Bitrate = float64(ts.RxBytes) * 8 / st.Elapsed
	}
	return st
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
