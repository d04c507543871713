/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package sink fans framed channel messages out to HTTP-FLV viewers, an
// RTMP push destination and an FLV recording.
package sink

import (
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_relay/internal/events"
	"github.com/friendsincode/grimnir_relay/internal/framer"
	"github.com/friendsincode/grimnir_relay/internal/telemetry"
)

const (
	subscriberQueue   = 512
	keepaliveInterval = 30 * time.Second
)

// Hub is the long-lived delivery point of one channel. Successive stream
// generations attach to it; only the current one is delivered.
type Hub struct {
	Name string

	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	current *Stream
	init    initCache
	lastTS  uint32
	closed  bool

	watchers chan int

	logger zerolog.Logger
	bus    events.Publisher
}

// initCache holds the messages a late subscriber needs before frames.
type initCache struct {
	metadata *framer.Message
	aacSeq   *framer.Message
	avcSeq   *framer.Message
}

func (c initCache) messages() []*framer.Message {
	var out []*framer.Message
	for _, m := range []*framer.Message{c.metadata, c.aacSeq, c.avcSeq} {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

type subscriber struct {
	name    string
	ch      chan *framer.Message
	done    chan struct{}
	waitKey bool
	closed  bool
}

// NewHub creates the hub for a channel.
func NewHub(name string, logger zerolog.Logger, bus events.Publisher) *Hub {
	return &Hub{
		Name:     name,
		subs:     make(map[*subscriber]struct{}),
		watchers: make(chan int, 1),
		logger:   logger.With().Str("hub", name).Logger(),
		bus:      bus,
	}
}

// NewStream starts a new stream generation and makes it current. Timestamps
// of the new generation continue after the last delivered message.
func (h *Hub) NewStream() *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := &Stream{hub: h, base: h.lastTS}
	if h.current != nil {
		h.current.closed = true
	}
	h.current = s
	h.init = initCache{}
	for sub := range h.subs {
		sub.waitKey = true
	}

	h.logger.Debug().Uint32("base_ts", s.base).Msg("new stream generation")
	return s
}

// deliver fans a message of stream s out to the subscribers.
func (h *Hub) deliver(s *Stream, msg *framer.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed || s != h.current || s.closed {
		return
	}

	out := *msg
	out.Timestamp += s.base
	out.Pages = nil
	if out.Timestamp > h.lastTS {
		h.lastTS = out.Timestamp
	}

	switch out.FrameType {
	case framer.FrameAACSequenceHeader:
		h.init.aacSeq = &out
	case framer.FrameAVCSequenceHeader:
		h.init.avcSeq = &out
	}
	if out.Kind == framer.KindData {
		h.init.metadata = &out
	}

	for sub := range h.subs {
		// Video starts at a keyframe; sequence headers pass regardless.
		if out.Kind == framer.KindVideo && sub.waitKey && out.FrameType != framer.FrameAVCSequenceHeader {
			if out.FrameType != framer.FrameKey {
				continue
			}
			sub.waitKey = false
		}
		select {
		case sub.ch <- &out:
		default:
			h.logger.Debug().Str("subscriber", sub.name).Msg("subscriber slow, message dropped")
		}
	}
}

// detach ends stream s if it is still current.
func (h *Hub) detach(s *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s.closed = true
	if h.current == s {
		h.current = nil
	}
}

// subscribe registers a subscriber. It first receives the cached metadata
// and sequence headers; video starts at the next keyframe.
func (h *Hub) subscribe(name string) *subscriber {
	sub := &subscriber{
		name:    name,
		ch:      make(chan *framer.Message, subscriberQueue),
		done:    make(chan struct{}),
		waitKey: true,
	}

	h.mu.Lock()
	if h.closed {
		sub.closed = true
		close(sub.done)
		h.mu.Unlock()
		return sub
	}
	for _, m := range h.init.messages() {
		sub.ch <- m
	}
	h.subs[sub] = struct{}{}
	count := len(h.subs)
	h.mu.Unlock()

	h.logger.Info().Str("subscriber", name).Int("watchers", count).Msg("subscriber attached")
	h.notifyWatchers(count)
	return sub
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subs, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.done)
	}
	count := len(h.subs)
	h.mu.Unlock()

	h.logger.Info().Str("subscriber", sub.name).Int("watchers", count).Msg("subscriber detached")
	h.notifyWatchers(count)
}

// notifyWatchers replaces any unread count with the latest one.
func (h *Hub) notifyWatchers(count int) {
	telemetry.ChannelWatchers.WithLabelValues(h.Name).Set(float64(count))
	if h.bus != nil {
		h.bus.Publish(events.EventWatchers, events.Payload{"channel": h.Name, "watchers": count})
	}

	for {
		select {
		case h.watchers <- count:
			return
		default:
		}
		select {
		case <-h.watchers:
		default:
		}
	}
}

// WatcherUpdates delivers watcher count changes. Unread counts are replaced
// by newer ones, so the single reader always sees the latest value.
func (h *Hub) WatcherUpdates() <-chan int {
	return h.watchers
}

// WatcherCount returns the number of attached subscribers.
func (h *Hub) WatcherCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects all subscribers and drops further messages.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.current = nil
	for sub := range h.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.done)
		}
	}
	h.subs = make(map[*subscriber]struct{})
	telemetry.ChannelWatchers.WithLabelValues(h.Name).Set(0)
}

// ServeHTTP streams the channel to a viewer as HTTP-FLV.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "video/x-flv")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Del("Content-Length")

	var flusher http.Flusher
	if f, ok := w.(http.Flusher); ok {
		flusher = f
	} else {
		flusher = &rcFlusher{rc: http.NewResponseController(w), logger: h.logger}
	}

	fw, err := newFLVWriter(w)
	if err != nil {
		h.logger.Debug().Err(err).Msg("viewer write failed")
		return
	}
	flusher.Flush()

	sub := h.subscribe("http:" + r.RemoteAddr)
	defer h.unsubscribe(sub)

	keepalive := time.NewTimer(keepaliveInterval)
	defer keepalive.Stop()

	writes := 0
	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug().Int("writes", writes).Msg("viewer went away")
			return
		case <-sub.done:
			return
		case msg := <-sub.ch:
			if err := fw.write(msg); err != nil {
				h.logger.Info().Err(err).Int("writes", writes).Msg("write failed, disconnecting viewer")
				return
			}
			flusher.Flush()
			writes++
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(keepaliveInterval)
		case <-keepalive.C:
			flusher.Flush()
			keepalive.Reset(keepaliveInterval)
		}
	}
}

// rcFlusher wraps http.ResponseController to implement http.Flusher
type rcFlusher struct {
	rc        *http.ResponseController
	logger    zerolog.Logger
	errLogged bool
}

func (f *rcFlusher) Flush() {
	if err := f.rc.Flush(); err != nil && !f.errLogged {
		f.logger.Debug().Err(err).Msg("ResponseController flush failed")
		f.errLogged = true
	}
}
