/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package playlist holds the time-windowed item list a channel plays from.
package playlist

import (
	"sync"
	"time"
)

// Item is a single playlist entry. Items are immutable once added to a playlist.
type Item struct {
	ID string

	// StartImmediate items start as soon as the previous item ends.
	StartImmediate bool
	Start          time.Time

	GotEnd bool
	End    time.Time

	// DurationDefault means no duration was given; DurationFull means
	// "play the source until it ends" regardless of the window.
	DurationDefault bool
	DurationFull    bool
	Duration        time.Duration

	Seek time.Duration

	Chain string
	URI   string
}

// NewItem returns an item with the defaults used for entries that carry no
// timing attributes.
func NewItem() *Item {
	return &Item{
		StartImmediate:  true,
		DurationDefault: true,
	}
}

// Source returns the item's source descriptor. Chain specs take precedence over URIs.
func (i *Item) Source() (spec string, isChain bool) {
	if i.Chain != "" {
		return i.Chain, true
	}
	return i.URI, false
}

// Next is the result of a NextItem query.
type Next struct {
	Item *Item

	// StartRel is how long to wait before the item should start.
	StartRel time.Duration
	// Seek is the effective seek offset into the source.
	Seek time.Duration
	// Duration is the effective play limit; ignored when Unbounded is set.
	Duration  time.Duration
	Unbounded bool
}

// Playlist is an ordered list of items.
type Playlist struct {
	mu    sync.RWMutex
	items []*Item
}

// New creates an empty playlist.
func New() *Playlist {
	return &Playlist{}
}

// Len returns the number of items.
func (p *Playlist) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

// Items returns a copy of the item list.
func (p *Playlist) Items() []*Item {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Item, len(p.items))
	copy(out, p.items)
	return out
}

// Add appends an item.
func (p *Playlist) Add(item *Item) {
	p.mu.Lock()
	p.items = append(p.items, item)
	p.mu.Unlock()
}

// Clear removes every item.
func (p *Playlist) Clear() {
	p.mu.Lock()
	p.items = nil
	p.mu.Unlock()
}

// Replace swaps the contents for the items of other.
func (p *Playlist) Replace(other *Playlist) {
	items := other.Items()
	p.mu.Lock()
	p.items = items
	p.mu.Unlock()
}

// SetSingleItem replaces the playlist with one immediate item playing spec.
func (p *Playlist) SetSingleItem(spec string, isChain bool) *Item {
	item := NewItem()
	if isChain {
		item.Chain = spec
	} else {
		item.URI = spec
	}

	p.mu.Lock()
	p.items = []*Item{item}
	p.mu.Unlock()
	return item
}

// First returns the first item or nil.
func (p *Playlist) First() *Item {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.items) == 0 {
		return nil
	}
	return p.items[0]
}

// ItemByID returns the first item with the given id.
func (p *Playlist) ItemByID(id string) *Item {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, item := range p.items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

// NthItem returns the n-th item, counting from 1.
func (p *Playlist) NthItem(n int) *Item {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if n < 1 || n > len(p.items) {
		return nil
	}
	return p.items[n-1]
}

// NextItem returns the first item after prev (or the first item when prev is
// nil) whose window has not fully elapsed at now+offset, along with its
// effective start delay, seek and duration limit.
func (p *Playlist) NextItem(prev *Item, now time.Time, offset time.Duration) (Next, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	start := 0
	if prev != nil {
		start = len(p.items)
		for i, item := range p.items {
			if item == prev {
				start = i + 1
				break
			}
		}
	}

	at := now.Add(offset)
	for _, item := range p.items[start:] {
		if next, ok := evaluate(item, at); ok {
			return next, true
		}
	}
	return Next{}, false
}

// evaluate computes the effective window of item at time at. It reports
// false when the window has already elapsed.
func evaluate(item *Item, at time.Time) (Next, bool) {
	next := Next{Item: item}

	var limit time.Duration
	gotLimit := false

	if item.StartImmediate {
		next.Seek = item.Seek
		if item.DurationFull {
			next.Unbounded = true
			return next, true
		}
		if !item.DurationDefault {
			limit = item.Duration
			gotLimit = true
		}
		if item.GotEnd {
			endRel := item.End.Sub(at)
			if endRel <= 0 {
				return Next{}, false
			}
			if !gotLimit || endRel < limit {
				limit = endRel
				gotLimit = true
			}
		}
		return bound(next, limit, gotLimit), true
	}

	startRel := item.Start.Sub(at)
	if startRel >= 0 {
		next.StartRel = startRel
		next.Seek = item.Seek
	} else {
		next.Seek = item.Seek - startRel
	}

	if item.DurationFull {
		next.Unbounded = true
		return next, true
	}

	if !item.DurationDefault {
		if startRel >= 0 {
			limit = item.Duration
		} else {
			late := -startRel
			if late >= item.Duration {
				return Next{}, false
			}
			limit = item.Duration - late
		}
		gotLimit = true
	}

	if item.GotEnd {
		if !item.End.After(item.Start) {
			return Next{}, false
		}
		endRel := item.End.Sub(at)
		if endRel <= 0 {
			return Next{}, false
		}

		candidate := item.End.Sub(item.Start)
		if startRel <= 0 {
			candidate = endRel
		}
		if !gotLimit || candidate < limit {
			limit = candidate
			gotLimit = true
		}
	}

	return bound(next, limit, gotLimit), true
}

func bound(next Next, limit time.Duration, gotLimit bool) Next {
	if gotLimit {
		next.Duration = limit
	} else {
		next.Unbounded = true
	}
	return next
}
