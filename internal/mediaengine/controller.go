/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mediaengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_relay/internal/config"
	"github.com/friendsincode/grimnir_relay/internal/framer"
	"github.com/friendsincode/grimnir_relay/internal/telemetry"
)

// ErrClosedDuringBuild is reported when a controller is closed while its
// pipeline is still being constructed.
var ErrClosedDuringBuild = errors.New("controller closed during pipeline build")

const (
	defaultCheckInterval = time.Second

	// Speex encoders emit two header buffers before the first audio frame.
	speexHeaderBuffers = 2
)

// Sink receives framed messages from a controller.
type Sink interface {
	FireAudioMessage(msg *framer.Message)
	FireVideoMessage(msg *framer.Message)
	FireDataMessage(msg *framer.Message)
}

// ControllerConfig describes one pipeline run.
type ControllerConfig struct {
	ID      string
	Channel string
	Spec    string
	IsChain bool
	Seek    time.Duration
	Options config.ChannelOptions

	// ChunkSize is the prechunking page size; zero means the protocol default.
	ChunkSize int

	Engine Engine
	Sink   Sink

	// OnStatus is called from the controller's event goroutine, one status at a time.
	OnStatus func(Status, error)

	// CheckInterval is the no-video check period.
	CheckInterval time.Duration
}

// TrafficStats counts encoded bytes received from pipelines.
type TrafficStats struct {
	RxBytes      uint64        `json:"rx_bytes"`
	RxAudioBytes uint64        `json:"rx_audio_bytes"`
	RxVideoBytes uint64        `json:"rx_video_bytes"`
	TimeElapsed  time.Duration `json:"time_elapsed"`
}

// Add accumulates other into s.
func (s *TrafficStats) Add(other TrafficStats) {
	s.RxBytes += other.RxBytes
	s.RxAudioBytes += other.RxAudioBytes
	s.RxVideoBytes += other.RxVideoBytes
	s.TimeElapsed += other.TimeElapsed
}

type statusEvent struct {
	status Status
	err    error
}

// Controller owns one pipeline run. It converts pipeline buffers into framed
// messages for its sink and reports status changes to its owner.
type Controller struct {
	cfg       ControllerConfig
	logger    zerolog.Logger
	frameOpts framer.Options

	ctx    context.Context
	cancel context.CancelFunc
	events chan statusEvent

	mu       sync.Mutex
	metaCond *sync.Cond

	state    State
	pipeline Pipeline

	playingTransition bool
	stopDeferred      bool
	seekPending       bool

	expectAudio bool
	expectVideo bool
	firstAudio  bool
	firstVideo  bool
	metaDone    bool
	online      bool

	metaReporting bool

	audio     audioFormat
	video     videoFormat
	speexSkip int

	startedAt time.Time
	lastFrame time.Time
	stats     TrafficStats
}

// NewController creates an idle controller.
func NewController(cfg ControllerConfig, logger zerolog.Logger) *Controller {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = framer.DefaultChunkSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:    cfg,
		logger: logger.With().Str("controller", cfg.ID).Str("channel", cfg.Channel).Logger(),
		frameOpts: framer.Options{
			Prechunk:  cfg.Options.EnablePrechunking,
			ChunkSize: chunkSize,
		},
		ctx:         ctx,
		cancel:      cancel,
		events:      make(chan statusEvent, 8),
		state:       StateIdle,
		seekPending: cfg.Seek > 0,
		firstAudio:  true,
		firstVideo:  true,
		audio:       audioFormat{codec: framer.AudioUnknown},
		video:       videoFormat{codec: framer.VideoUnknown},
	}
	c.metaCond = sync.NewCond(&c.mu)
	return c
}

// ID returns the controller id.
func (c *Controller) ID() string {
	return c.cfg.ID
}

// Start builds and starts the pipeline in the background.
func (c *Controller) Start() {
	c.mu.Lock()
	if !c.transition(StateOpening) {
		c.mu.Unlock()
		return
	}
	now := time.Now()
	c.startedAt = now
	c.lastFrame = now
	c.mu.Unlock()

	telemetry.PipelineStarts.WithLabelValues(c.cfg.Channel).Inc()

	go c.dispatch()
	go c.open()
	go c.watchNoVideo()
}

// Close stops the pipeline. It is safe to call more than once and from any
// goroutine, including from within OnStatus.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		c.cancel()
		return
	}
	c.transition(StateClosed)
	p := c.pipeline
	if c.playingTransition {
		c.stopDeferred = true
		p = nil
	}
	c.metaCond.Broadcast()
	c.mu.Unlock()

	c.cancel()

	if p != nil {
		if err := p.SetState(PipelineNull); err != nil {
			c.logger.Warn().Err(err).Msg("failed to stop pipeline")
		}
	}
	c.logger.Debug().Msg("controller closed")
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Online reports whether video has been received.
func (c *Controller) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Stats returns the traffic counters of this run.
func (c *Controller) Stats() TrafficStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	if !c.startedAt.IsZero() {
		s.TimeElapsed = time.Since(c.startedAt)
	}
	return s
}

// ResetStats zeroes the traffic counters and restarts the elapsed clock.
func (c *Controller) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = TrafficStats{}
	if !c.startedAt.IsZero() {
		c.startedAt = time.Now()
	}
}

// transition moves to the given state if the move is legal. Caller holds mu.
func (c *Controller) transition(to State) bool {
	if !canTransition(c.state, to) {
		return false
	}
	c.logger.Debug().Str("from", c.state.String()).Str("to", to.String()).Msg("controller state changed")
	c.state = to
	return true
}

func (c *Controller) open() {
	req := BuildRequest{
		ID:       c.cfg.ID,
		Spec:     c.cfg.Spec,
		IsChain:  c.cfg.IsChain,
		Options:  c.cfg.Options,
		OnBuffer: c.onBuffer,
		OnBus:    c.onBus,
	}

	pipeline, err := c.cfg.Engine.Build(c.ctx, req)

	c.mu.Lock()
	if err != nil {
		c.transition(StateClosed)
		c.metaCond.Broadcast()
		c.mu.Unlock()
		c.logger.Error().Err(err).Str("source", c.cfg.Spec).Msg("failed to build pipeline")
		c.emit(StatusError, fmt.Errorf("build pipeline: %w", err))
		return
	}
	if c.state == StateClosed {
		c.mu.Unlock()
		if err := pipeline.SetState(PipelineNull); err != nil {
			c.logger.Warn().Err(err).Msg("failed to stop pipeline")
		}
		c.emit(StatusError, ErrClosedDuringBuild)
		return
	}

	c.pipeline = pipeline
	c.expectAudio = pipeline.HasAudio() && !c.cfg.Options.NoAudio
	c.expectVideo = pipeline.HasVideo() && !c.cfg.Options.NoVideo
	c.playingTransition = true
	hasAudio, hasVideo := c.expectAudio, c.expectVideo
	c.mu.Unlock()

	c.logger.Info().
		Bool("audio", hasAudio).
		Bool("video", hasVideo).
		Str("source", c.cfg.Spec).
		Msg("starting pipeline")

	err = pipeline.SetState(PipelinePlaying)

	c.mu.Lock()
	c.playingTransition = false
	deferred := c.stopDeferred
	c.mu.Unlock()

	if deferred {
		if err := pipeline.SetState(PipelineNull); err != nil {
			c.logger.Warn().Err(err).Msg("failed to stop pipeline")
		}
		return
	}
	if err != nil {
		c.fail(fmt.Errorf("start pipeline: %w", err))
	}
}

func (c *Controller) fail(err error) {
	c.mu.Lock()
	ok := c.transition(StateError)
	c.metaCond.Broadcast()
	c.mu.Unlock()
	if ok {
		c.logger.Error().Err(err).Msg("pipeline error")
		c.emit(StatusError, err)
	}
}

func (c *Controller) onBus(ev BusEvent) {
	switch ev.Type {
	case BusStateChanged:
		if ev.New != PipelinePlaying || ev.Pending != PipelineVoidPending {
			return
		}
		c.mu.Lock()
		entered := c.transition(StatePlaying)
		seek := entered && c.seekPending
		c.seekPending = false
		p := c.pipeline
		c.mu.Unlock()

		if seek && p != nil {
			if err := p.Seek(c.cfg.Seek); err != nil {
				c.logger.Warn().Err(err).Dur("seek", c.cfg.Seek).Msg("initial seek failed")
			}
		}

	case BusEOS:
		c.mu.Lock()
		ok := c.transition(StateEOS)
		c.metaCond.Broadcast()
		c.mu.Unlock()
		if ok {
			c.logger.Info().Msg("pipeline reached end of stream")
			c.emit(StatusEOS, nil)
		}

	case BusError:
		err := ev.Err
		if err == nil {
			err = errors.New("pipeline error")
		}
		c.fail(err)

	case BusWarning:
		if ev.Err != nil {
			c.logger.Warn().Err(ev.Err).Msg("pipeline warning")
		}
	}
}

func (c *Controller) onBuffer(track Track, buf Buffer) {
	if track == TrackVideo {
		c.handleVideo(buf)
		return
	}
	c.handleAudio(buf)
}

func (c *Controller) handleAudio(buf Buffer) {
	c.mu.Lock()
	if c.state == StateClosed || c.cfg.Options.NoAudio {
		c.mu.Unlock()
		return
	}
	c.lastFrame = time.Now()
	n := uint64(len(buf.Data))
	c.stats.RxBytes += n
	c.stats.RxAudioBytes += n

	var codecData []byte
	if c.firstAudio {
		c.audio = detectAudio(buf.Caps)
		codecData = c.audio.codecData
		if c.audio.codec == framer.AudioSpeex {
			c.speexSkip = speexHeaderBuffers
		}
		c.firstAudio = false
		c.logger.Debug().Str("codec", c.audio.codec.String()).Str("caps", buf.Caps.String()).Msg("audio track detected")

		if c.expectVideo && c.firstVideo {
			c.waitMetadata()
		} else {
			c.reportMetadata()
		}
		if c.state == StateClosed {
			c.mu.Unlock()
			return
		}
	}

	if c.audio.codec == framer.AudioSpeex {
		if c.speexSkip > 0 {
			c.speexSkip--
			c.mu.Unlock()
			return
		}
		if buf.PTS == NoPTS {
			c.mu.Unlock()
			return
		}
	}
	af := c.audio
	c.mu.Unlock()

	telemetry.StreamBytes.WithLabelValues(c.cfg.Channel, "audio").Add(float64(n))

	if af.codec == framer.AudioUnknown {
		return
	}

	ts := framer.Timestamp(buf.PTS)
	if codecData != nil && af.codec == framer.AudioAAC {
		msg := framer.AACSequenceFrame(af.header, ts, codecData, c.frameOpts)
		c.cfg.Sink.FireAudioMessage(&msg)
	}
	msg := framer.AudioFrame(af.codec, af.header, ts, buf.Data, c.frameOpts)
	c.cfg.Sink.FireAudioMessage(&msg)
	telemetry.StreamMessages.WithLabelValues(c.cfg.Channel, "audio").Inc()
}

func (c *Controller) handleVideo(buf Buffer) {
	c.mu.Lock()
	if c.state == StateClosed || c.cfg.Options.NoVideo {
		c.mu.Unlock()
		return
	}
	c.lastFrame = time.Now()
	n := uint64(len(buf.Data))
	c.stats.RxBytes += n
	c.stats.RxVideoBytes += n

	var codecData []byte
	gotVideo := false
	if c.firstVideo {
		c.video = detectVideo(buf.Caps)
		codecData = c.video.codecData
		c.firstVideo = false
		c.online = true
		gotVideo = true
		c.logger.Debug().Str("codec", c.video.codec.String()).Str("caps", buf.Caps.String()).Msg("video track detected")

		if c.expectAudio && c.firstAudio {
			c.waitMetadata()
		} else {
			c.reportMetadata()
		}
		if c.state == StateClosed {
			c.mu.Unlock()
			return
		}
	}
	vf := c.video
	c.mu.Unlock()

	if gotVideo {
		telemetry.ChannelOnline.WithLabelValues(c.cfg.Channel).Set(1)
		c.emit(StatusGotVideo, nil)
	}
	telemetry.StreamBytes.WithLabelValues(c.cfg.Channel, "video").Add(float64(n))

	if vf.codec == framer.VideoUnknown {
		return
	}

	ts := framer.Timestamp(buf.PTS)
	if codecData != nil && vf.codec == framer.VideoAVC {
		msg := framer.AVCSequenceFrame(ts, codecData, c.frameOpts)
		c.cfg.Sink.FireVideoMessage(&msg)
	}
	msg := framer.VideoFrame(vf.codec, !buf.Delta, ts, buf.Data, c.frameOpts)
	c.cfg.Sink.FireVideoMessage(&msg)
	telemetry.StreamMessages.WithLabelValues(c.cfg.Channel, "video").Inc()
}

// waitMetadata blocks the first track until the other track has reported
// metadata or the controller closes. Caller holds mu.
func (c *Controller) waitMetadata() {
	for !c.metaDone && c.state != StateClosed {
		c.metaCond.Wait()
	}
}

// reportMetadata sends onMetaData once both tracks are known, then releases
// any waiting track. Caller holds mu; it is released while the sink is called.
func (c *Controller) reportMetadata() {
	if c.metaDone {
		return
	}
	if c.metaReporting {
		c.waitMetadata()
		return
	}
	c.metaReporting = true
	md := c.metadata()
	send := c.cfg.Options.SendMetadata

	c.mu.Unlock()
	if send {
		body, err := framer.EncodeMetadata(md)
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to encode metadata")
		} else {
			msg := framer.DataFrame(0, body, c.frameOpts)
			c.cfg.Sink.FireDataMessage(&msg)
			telemetry.StreamMessages.WithLabelValues(c.cfg.Channel, "data").Inc()
		}
	}
	c.mu.Lock()

	c.metaDone = true
	c.metaCond.Broadcast()
}

// metadata assembles onMetaData from the detected formats. Caller holds mu.
func (c *Controller) metadata() framer.Metadata {
	md := framer.Metadata{
		HasAudio:    c.expectAudio,
		HasVideo:    c.expectVideo,
		AudioCodec:  framer.AudioUnknown,
		VideoCodec:  framer.VideoUnknown,
		Title:       c.cfg.Options.Title,
		Description: c.cfg.Options.Description,
	}
	if !c.firstAudio {
		md.AudioCodec = c.audio.codec
		md.AudioSampleRate = c.audio.rate
		md.AudioSampleSize = 16
		md.AudioChannels = c.audio.channels
	}
	if !c.firstVideo {
		md.VideoCodec = c.video.codec
		md.Width = c.video.width
		md.Height = c.video.height
		if md.Width == 0 {
			md.Width = c.cfg.Options.DefaultWidth
		}
		if md.Height == 0 {
			md.Height = c.cfg.Options.DefaultHeight
		}
		if !c.cfg.IsChain {
			md.Bitrate = c.cfg.Options.DefaultBitrate
		}
	}
	return md
}

func (c *Controller) watchNoVideo() {
	timeout := c.cfg.Options.NoVideoTimeout
	if timeout <= 0 {
		return
	}

	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := time.Since(c.lastFrame) > timeout
			fire := stale && (c.state == StateOpening || c.state == StatePlaying) && c.transition(StateNoVideo)
			c.mu.Unlock()

			if fire {
				c.logger.Warn().Dur("timeout", timeout).Msg("no frames received")
				telemetry.ChannelOnline.WithLabelValues(c.cfg.Channel).Set(0)
				c.emit(StatusNoVideo, nil)
				return
			}
		}
	}
}

func (c *Controller) emit(status Status, err error) {
	telemetry.PipelineStatus.WithLabelValues(c.cfg.Channel, status.String()).Inc()
	select {
	case c.events <- statusEvent{status: status, err: err}:
	case <-c.ctx.Done():
	}
}

// dispatch delivers statuses to the owner in order, outside any engine thread.
func (c *Controller) dispatch() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.events:
			if c.cfg.OnStatus != nil {
				c.cfg.OnStatus(ev.status, ev.err)
			}
		}
	}
}
