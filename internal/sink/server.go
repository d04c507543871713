/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sink

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_relay/internal/events"
)

// Server manages the hubs of all channels.
type Server struct {
	mu     sync.RWMutex
	hubs   map[string]*Hub
	logger zerolog.Logger
	bus    events.Publisher
}

// NewServer creates an empty hub registry.
func NewServer(logger zerolog.Logger, bus events.Publisher) *Server {
	return &Server{
		hubs:   make(map[string]*Hub),
		logger: logger,
		bus:    bus,
	}
}

// Hub returns the hub of a channel, creating it on first use.
func (s *Server) Hub(name string) *Hub {
	s.mu.Lock()
	defer s.mu.Unlock()

	if hub, ok := s.hubs[name]; ok {
		return hub
	}
	hub := NewHub(name, s.logger, s.bus)
	s.hubs[name] = hub
	return hub
}

// Lookup returns an existing hub.
func (s *Server) Lookup(name string) *Hub {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hubs[name]
}

// RemoveHub closes and forgets a hub.
func (s *Server) RemoveHub(name string) {
	s.mu.Lock()
	hub, ok := s.hubs[name]
	delete(s.hubs, name)
	s.mu.Unlock()

	if ok {
		hub.Close()
	}
}

// HubStats contains watcher statistics for a hub.
type HubStats struct {
	Channel  string `json:"channel"`
	Watchers int    `json:"watchers"`
}

// Stats returns watcher counts for all hubs, sorted by channel.
func (s *Server) Stats() []HubStats {
	s.mu.RLock()
	stats := make([]HubStats, 0, len(s.hubs))
	for name, hub := range s.hubs {
		stats = append(stats, HubStats{Channel: name, Watchers: hub.WatcherCount()})
	}
	s.mu.RUnlock()

	sort.Slice(stats, func(i, j int) bool { return stats[i].Channel < stats[j].Channel })
	return stats
}

// ServeHTTP routes /<channel>.flv to the channel's hub.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/")
	name = strings.TrimSuffix(name, ".flv")

	hub := s.Lookup(name)
	if hub == nil {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}
	hub.ServeHTTP(w, r)
}
