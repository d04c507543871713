/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playout drives channels through their playlists.
package playout

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_relay/internal/playlist"
)

// ErrItemNotFound is returned when a position names no playlist item.
var ErrItemNotFound = errors.New("playlist item not found")

// DefaultMinPlaylistDuration is the shortest interval between two restarts
// from the top of a playlist.
const DefaultMinPlaylistDuration = 10 * time.Second

// AdvanceTicket identifies one pass of the scheduler. Callbacks holding a
// ticket other than the current one are ignored; identity is by pointer.
type AdvanceTicket struct {
	ID string
}

func newAdvanceTicket() *AdvanceTicket {
	return &AdvanceTicket{ID: uuid.NewString()}
}

// PlaybackFrontend starts and stops the sources the scheduler selects. It is
// called without the scheduler's lock held and may call back into it.
type PlaybackFrontend interface {
	StartItem(item *playlist.Item, seek time.Duration, ticket *AdvanceTicket)
	StopItem()
}

// PlaybackConfig configures a Playback.
type PlaybackConfig struct {
	Frontend            PlaybackFrontend
	MinPlaylistDuration time.Duration
	Clock               Clock
}

// Playback walks a playlist, opening each item for its time window.
type Playback struct {
	frontend PlaybackFrontend
	clock    Clock
	floor    time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	playlist *playlist.Playlist
	cur      *playlist.Item

	// next is valid while gotNext is set; a nil next.Item means "restart
	// from the top of the playlist".
	next    playlist.Next
	gotNext bool

	ticket      *AdvanceTicket
	timer       Timer
	lastRestart time.Time
	advancing   bool
	closed      bool
}

// NewPlayback creates a scheduler with an empty playlist.
func NewPlayback(cfg PlaybackConfig, logger zerolog.Logger) *Playback {
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.MinPlaylistDuration <= 0 {
		cfg.MinPlaylistDuration = DefaultMinPlaylistDuration
	}
	return &Playback{
		frontend: cfg.Frontend,
		clock:    cfg.Clock,
		floor:    cfg.MinPlaylistDuration,
		logger:   logger.With().Str("component", "playback").Logger(),
		playlist: playlist.New(),
	}
}

// SetSingleItem replaces the playlist with one item and starts it.
func (p *Playback) SetSingleItem(spec string, isChain bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.playlist.SetSingleItem(spec, isChain)
	p.cur = nil
	p.restartLocked()
}

// LoadPlaylist replaces the playlist. Unless keepCurItem is set, playback
// restarts at the first eligible item; otherwise the current item plays on
// and the new playlist is entered from the top when it ends.
func (p *Playback) LoadPlaylist(pl *playlist.Playlist, keepCurItem bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.playlist.Replace(pl)
	p.cur = nil
	p.logger.Info().Int("items", pl.Len()).Bool("keep_current", keepCurItem).Msg("playlist loaded")

	if !keepCurItem {
		p.restartLocked()
	}
}

// LoadPlaylistFile parses and loads the playlist document at path.
func (p *Playback) LoadPlaylistFile(path string, keepCurItem bool) error {
	pl, err := playlist.ParseFile(path, p.clock.Now(), p.logger)
	if err != nil {
		p.logger.Error().Err(err).Str("path", path).Msg("playlist load failed")
		return err
	}
	p.LoadPlaylist(pl, keepCurItem)
	return nil
}

// LoadPlaylistData parses and loads an in-memory playlist document.
func (p *Playback) LoadPlaylistData(data []byte, keepCurItem bool) error {
	pl, err := playlist.ParseBytes(data, p.clock.Now(), p.logger)
	if err != nil {
		p.logger.Error().Err(err).Msg("playlist load failed")
		return err
	}
	p.LoadPlaylist(pl, keepCurItem)
	return nil
}

// SetPosition jumps to the n-th item (1-based).
func (p *Playback) SetPosition(n int, seek time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	item := p.playlist.NthItem(n)
	if item == nil {
		return fmt.Errorf("%w: #%d", ErrItemNotFound, n)
	}
	p.setPositionLocked(item, seek)
	return nil
}

// SetPositionID jumps to the item with the given id.
func (p *Playback) SetPositionID(id string, seek time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	item := p.playlist.ItemByID(id)
	if item == nil {
		return fmt.Errorf("%w: %q", ErrItemNotFound, id)
	}
	p.setPositionLocked(item, seek)
	return nil
}

func (p *Playback) setPositionLocked(item *playlist.Item, seek time.Duration) {
	next := playlist.Next{
		Item:      item,
		Seek:      seek,
		Unbounded: item.DurationFull || item.DurationDefault,
	}
	if !next.Unbounded && item.Duration > seek {
		next.Duration = item.Duration - seek
	}

	p.next = next
	p.gotNext = true
	p.advanceLocked()
}

// Advance moves to the item after the current one. It is a no-op unless
// ticket is the current ticket.
func (p *Playback) Advance(ticket *AdvanceTicket) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || ticket != p.ticket {
		p.logger.Debug().Msg("ignoring stale advance")
		return
	}
	p.nextAfterLocked(p.cur)
	p.advanceLocked()
}

// CurrentItem returns the item being played, if any.
func (p *Playback) CurrentItem() *playlist.Item {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur
}

// Playlist returns the scheduler's playlist.
func (p *Playback) Playlist() *playlist.Playlist {
	return p.playlist
}

// Close cancels pending timers and invalidates the current ticket.
func (p *Playback) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.ticket = nil
	p.gotNext = false
	p.stopTimerLocked()
}

func (p *Playback) restartLocked() {
	p.nextAfterLocked(nil)
	p.advanceLocked()
}

func (p *Playback) nextAfterLocked(prev *playlist.Item) {
	next, ok := p.playlist.NextItem(prev, p.clock.Now(), 0)
	if !ok {
		next = playlist.Next{}
	}
	p.next = next
	p.gotNext = true
}

// advanceLocked runs the driving pass. Only one pass is active at a time;
// calls made while a pass runs leave their request in next for it to pick
// up. mu is released around frontend calls.
func (p *Playback) advanceLocked() {
	if p.advancing {
		p.logger.Debug().Msg("already advancing")
		return
	}
	p.advancing = true
	defer func() { p.advancing = false }()

	for p.gotNext && !p.closed {
		p.stopTimerLocked()
		p.ticket = newAdvanceTicket()

		p.mu.Unlock()
		p.frontend.StopItem()
		p.mu.Lock()
		if p.closed {
			return
		}

		p.gotNext = false
		next := p.next
		p.cur = next.Item

		if next.Item == nil {
			top, ok := p.playlist.NextItem(nil, p.clock.Now(), 0)
			if !ok {
				p.logger.Debug().Msg("empty playlist")
				return
			}

			now := p.clock.Now()
			if !p.lastRestart.IsZero() && !now.Before(p.lastRestart) {
				if since := now.Sub(p.lastRestart); since < p.floor {
					pause := p.floor - since
					p.logger.Warn().
						Dur("min_duration", p.floor).
						Dur("pause", pause).
						Msg("playlist shorter than minimum duration, pausing")
					p.lastRestart = now.Add(pause)
					p.armLocked(pause)
					return
				}
			}
			p.lastRestart = now

			p.next = top
			p.gotNext = true
			continue
		}

		if next.StartRel > 0 {
			p.logger.Debug().Dur("start_in", next.StartRel).Str("item", next.Item.ID).Msg("waiting for item start")
			p.armLocked(next.StartRel)
			p.next.StartRel = 0
			p.gotNext = true
			return
		}

		if !next.Unbounded {
			p.armLocked(next.Duration)
		}

		ticket := p.ticket
		p.logger.Info().
			Str("item", next.Item.ID).
			Dur("seek", next.Seek).
			Bool("unbounded", next.Unbounded).
			Dur("duration", next.Duration).
			Msg("starting item")

		p.mu.Unlock()
		p.frontend.StartItem(next.Item, next.Seek, ticket)
		p.mu.Lock()
	}
}

// armLocked schedules a timer pass for the current ticket.
func (p *Playback) armLocked(d time.Duration) {
	p.stopTimerLocked()
	ticket := p.ticket
	p.timer = p.clock.AfterFunc(d, func() { p.timerTick(ticket) })
}

func (p *Playback) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Playback) timerTick(ticket *AdvanceTicket) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || ticket != p.ticket {
		return
	}
	p.timer = nil
	if !p.gotNext {
		p.nextAfterLocked(p.cur)
	}
	p.advanceLocked()
}
