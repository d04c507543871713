/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mediaengine

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_relay/internal/config"
	"github.com/friendsincode/grimnir_relay/internal/telemetry"
)

const (
	// Maximum no-video restarts within window
	maxRestartsInWindow = 5
	restartWindow       = 5 * time.Minute
)

// StreamTicket identifies one Open call. Statuses are forwarded to the
// frontend only while the ticket is current; identity is by pointer.
type StreamTicket struct {
	ID   string
	Data any
}

// NewStreamTicket wraps caller data in a fresh ticket.
func NewStreamTicket(data any) *StreamTicket {
	return &StreamTicket{ID: uuid.NewString(), Data: data}
}

// Frontend receives stream outcomes from a supervisor.
type Frontend interface {
	StreamError(ticket *StreamTicket, err error)
	StreamEOS(ticket *StreamTicket)
	StreamOnline(online bool)
	NewVideoStream()
}

// StreamSink is a downstream sink identity.
type StreamSink interface {
	Sink
	Close()
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	Channel   string
	Options   config.ChannelOptions
	ChunkSize int
	Engine    Engine
	Frontend  Frontend

	// NewSink creates a new downstream sink identity.
	NewSink func() StreamSink

	// CheckInterval overrides the controllers' no-video check period.
	CheckInterval time.Duration
}

// Supervisor owns the current controller of a channel. It replaces it on
// Open, restarts it when video stalls, and forwards errors and end of stream
// to its frontend.
type Supervisor struct {
	cfg    SupervisorConfig
	logger zerolog.Logger

	mu     sync.Mutex
	ctrl   *Controller
	ticket *StreamTicket
	sink   StreamSink
	online bool
	closed bool
	stats  TrafficStats

	hasSource bool
	spec      string
	isChain   bool
	seek      time.Duration

	watchers  int
	idleTimer *time.Timer

	restarts     []time.Time
	restartTimer *time.Timer
}

// NewSupervisor creates a supervisor with no stream open.
func NewSupervisor(cfg SupervisorConfig, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:    cfg,
		logger: logger.With().Str("component", "supervisor").Str("channel", cfg.Channel).Logger(),
	}
}

// Open replaces the current stream with spec. Any earlier ticket becomes
// invalid. With connect-on-demand and no watchers, the source is stored and
// opened once a watcher arrives.
func (s *Supervisor) Open(spec string, isChain bool, ticket *StreamTicket, seek time.Duration) {
	s.mu.Lock()
	s.closed = false
	s.hasSource = true
	s.spec, s.isChain, s.seek = spec, isChain, seek
	s.ticket = ticket
	s.stopRestartTimerLocked()
	s.restarts = nil

	old := s.retireLocked()
	newSink := s.rotateSinkLocked(!s.cfg.Options.KeepVideoStream)

	var next *Controller
	if s.cfg.Options.ConnectOnDemand && s.watchers == 0 {
		s.logger.Debug().Str("source", spec).Msg("no watchers, deferring stream open")
	} else {
		next = s.newControllerLocked(seek)
	}
	s.mu.Unlock()

	s.logger.Info().Str("source", spec).Bool("chain", isChain).Dur("seek", seek).Msg("opening stream")

	if newSink {
		s.cfg.Frontend.NewVideoStream()
	}
	s.release(old)
	if next != nil {
		next.Start()
	}
}

// Close stops the current stream and invalidates its ticket.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.ticket = nil
	s.hasSource = false
	s.stopIdleTimerLocked()
	s.stopRestartTimerLocked()
	old := s.retireLocked()
	sink := s.sink
	s.sink = nil
	s.mu.Unlock()

	s.release(old)
	if sink != nil {
		sink.Close()
	}
}

// End stops the current stream between playlist items. Unlike Close, the
// sink identity stays until the next Open replaces it.
func (s *Supervisor) End() {
	s.mu.Lock()
	s.ticket = nil
	s.hasSource = false
	s.stopIdleTimerLocked()
	s.stopRestartTimerLocked()
	old := s.retireLocked()
	s.mu.Unlock()

	s.release(old)
}

// Restart reopens the current source. A hard restart also replaces the sink
// identity. It returns false when there is no source to restart.
func (s *Supervisor) Restart(hard bool) bool {
	s.mu.Lock()
	if !s.hasSource || s.closed {
		s.mu.Unlock()
		return false
	}
	s.stopRestartTimerLocked()
	old := s.retireLocked()
	newSink := false
	if hard {
		newSink = s.rotateSinkLocked(true)
	}
	var next *Controller
	if !s.cfg.Options.ConnectOnDemand || s.watchers > 0 {
		next = s.newControllerLocked(0)
	}
	s.mu.Unlock()

	reason := "soft"
	if hard {
		reason = "hard"
	}
	telemetry.PipelineRestarts.WithLabelValues(s.cfg.Channel, reason).Inc()
	s.logger.Info().Bool("hard", hard).Msg("restarting stream")

	if newSink {
		s.cfg.Frontend.NewVideoStream()
	}
	s.release(old)
	if next != nil {
		next.Start()
	}
	return true
}

// SetWatchers updates the downstream watcher count. With connect-on-demand,
// the stream opens when the count leaves zero and closes after the idle
// timeout once it returns to zero.
func (s *Supervisor) SetWatchers(n int) {
	if n < 0 {
		n = 0
	}

	s.mu.Lock()
	prev := s.watchers
	s.watchers = n
	telemetry.ChannelWatchers.WithLabelValues(s.cfg.Channel).Set(float64(n))

	if !s.cfg.Options.ConnectOnDemand {
		s.mu.Unlock()
		return
	}

	var next *Controller
	switch {
	case n > 0:
		s.stopIdleTimerLocked()
		if s.ctrl == nil && s.hasSource && !s.closed {
			s.logger.Info().Int("watchers", n).Msg("watcher connected, opening stream")
			next = s.newControllerLocked(s.seek)
		}
	case prev > 0 && s.ctrl != nil:
		s.armIdleTimerLocked()
	}
	s.mu.Unlock()

	if next != nil {
		next.Start()
	}
}

// IsOnline reports whether the current stream has delivered video.
func (s *Supervisor) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl != nil && s.online
}

// Source returns the last opened source.
func (s *Supervisor) Source() (spec string, isChain bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spec, s.isChain
}

// TrafficStats returns counters accumulated over all controllers since the
// last reset.
func (s *Supervisor) TrafficStats() TrafficStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	if s.ctrl != nil {
		stats.Add(s.ctrl.Stats())
	}
	return stats
}

// ResetTrafficStats zeroes the counters.
func (s *Supervisor) ResetTrafficStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = TrafficStats{}
	if s.ctrl != nil {
		s.ctrl.ResetStats()
	}
}

// newControllerLocked installs a controller for the stored source. The
// caller starts it after releasing mu.
func (s *Supervisor) newControllerLocked(seek time.Duration) *Controller {
	var ctrl *Controller
	ctrl = NewController(ControllerConfig{
		ID:            s.cfg.Channel + "-" + uuid.NewString()[:8],
		Channel:       s.cfg.Channel,
		Spec:          s.spec,
		IsChain:       s.isChain,
		Seek:          seek,
		Options:       s.cfg.Options,
		ChunkSize:     s.cfg.ChunkSize,
		Engine:        s.cfg.Engine,
		Sink:          s.sink,
		CheckInterval: s.cfg.CheckInterval,
		OnStatus: func(status Status, err error) {
			s.handleStatus(ctrl, status, err)
		},
	}, s.logger)
	s.ctrl = ctrl
	s.online = false

	if s.cfg.Options.ConnectOnDemand && s.watchers == 0 {
		s.armIdleTimerLocked()
	}
	return ctrl
}

type retired struct {
	ctrl      *Controller
	wasOnline bool
}

// retireLocked detaches the current controller and folds its counters into
// the totals. The caller releases it after unlocking mu.
func (s *Supervisor) retireLocked() retired {
	old := retired{ctrl: s.ctrl, wasOnline: s.online}
	if old.ctrl == nil {
		return old
	}
	s.stats.Add(old.ctrl.Stats())
	s.ctrl = nil
	s.online = false
	if old.wasOnline {
		telemetry.ChannelOnline.WithLabelValues(s.cfg.Channel).Set(0)
	}
	return old
}

func (s *Supervisor) release(old retired) {
	if old.wasOnline {
		s.cfg.Frontend.StreamOnline(false)
	}
	if old.ctrl != nil {
		old.ctrl.Close()
	}
}

// rotateSinkLocked ensures a sink exists, replacing it when force is set.
// It reports whether a new sink identity was created.
func (s *Supervisor) rotateSinkLocked(force bool) bool {
	if s.sink != nil && !force {
		return false
	}
	if s.sink != nil {
		s.sink.Close()
	}
	s.sink = s.cfg.NewSink()
	return true
}

func (s *Supervisor) handleStatus(ctrl *Controller, status Status, err error) {
	s.mu.Lock()
	if s.ctrl != ctrl {
		s.mu.Unlock()
		s.logger.Debug().Str("status", status.String()).Msg("ignoring status from retired controller")
		return
	}
	ticket := s.ticket

	switch status {
	case StatusGotVideo:
		s.online = true
		s.mu.Unlock()
		s.cfg.Frontend.StreamOnline(true)

	case StatusNoVideo:
		s.mu.Unlock()
		s.restartStalled(ctrl)

	case StatusError:
		old := s.retireLocked()
		s.mu.Unlock()
		s.release(old)
		s.logger.Warn().Err(err).Msg("stream error")
		s.cfg.Frontend.StreamError(ticket, err)

	case StatusEOS:
		old := s.retireLocked()
		s.mu.Unlock()
		s.release(old)
		s.logger.Info().Msg("stream ended")
		s.cfg.Frontend.StreamEOS(ticket)

	default:
		s.mu.Unlock()
	}
}

// restartStalled soft-restarts a controller that stopped delivering frames,
// at most maxRestartsInWindow times per restartWindow.
func (s *Supervisor) restartStalled(ctrl *Controller) {
	s.mu.Lock()
	if s.ctrl != ctrl {
		s.mu.Unlock()
		return
	}

	now := time.Now()
	recent := s.restarts[:0]
	for _, t := range s.restarts {
		if now.Sub(t) < restartWindow {
			recent = append(recent, t)
		}
	}
	s.restarts = recent

	if len(s.restarts) >= maxRestartsInWindow {
		wait := restartWindow - now.Sub(s.restarts[0])
		if s.restartTimer == nil {
			s.logger.Error().
				Int("restart_count", len(s.restarts)).
				Dur("retry_in", wait).
				Msg("restart rate limit exceeded, delaying restart")
			var timer *time.Timer
			timer = time.AfterFunc(wait, func() {
				s.mu.Lock()
				current := s.restartTimer == timer
				if current {
					s.restartTimer = nil
				}
				s.mu.Unlock()
				if current {
					s.restartStalled(ctrl)
				}
			})
			s.restartTimer = timer
		}
		s.mu.Unlock()
		return
	}

	s.restarts = append(s.restarts, now)
	old := s.retireLocked()
	next := s.newControllerLocked(0)
	count := len(s.restarts)
	s.mu.Unlock()

	telemetry.PipelineRestarts.WithLabelValues(s.cfg.Channel, "no_video").Inc()
	s.logger.Warn().Int("restart_count", count).Msg("no video, restarting stream")

	s.release(old)
	next.Start()
}

func (s *Supervisor) armIdleTimerLocked() {
	s.stopIdleTimerLocked()
	timeout := s.cfg.Options.ConnectOnDemandTimeout

	var timer *time.Timer
	timer = time.AfterFunc(timeout, func() {
		s.mu.Lock()
		if s.idleTimer != timer || s.watchers > 0 {
			s.mu.Unlock()
			return
		}
		s.idleTimer = nil
		old := s.retireLocked()
		s.mu.Unlock()

		if old.ctrl != nil {
			s.logger.Info().Dur("timeout", timeout).Msg("no watchers, closing stream")
		}
		s.release(old)
	})
	s.idleTimer = timer
}

func (s *Supervisor) stopIdleTimerLocked() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *Supervisor) stopRestartTimerLocked() {
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}
