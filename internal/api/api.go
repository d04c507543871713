/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api exposes the relay control API, the event feed and the HTTP-FLV
// viewer endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_relay/internal/auth"
	"github.com/friendsincode/grimnir_relay/internal/events"
	"github.com/friendsincode/grimnir_relay/internal/logbuffer"
	"github.com/friendsincode/grimnir_relay/internal/models"
	"github.com/friendsincode/grimnir_relay/internal/playlist"
	"github.com/friendsincode/grimnir_relay/internal/playout"
	"github.com/friendsincode/grimnir_relay/internal/sink"
	"github.com/friendsincode/grimnir_relay/internal/storage"
	"github.com/friendsincode/grimnir_relay/internal/version"
)

// EventSource is the subscribing side of an event bus.
type EventSource interface {
	Subscribe(eventType events.EventType) events.Subscriber
	Unsubscribe(sub events.Subscriber)
}

// HistoryReader lists recently played items.
type HistoryReader interface {
	History(ctx context.Context, channel string, limit int) ([]models.PlayHistory, error)
}

// Config wires the API to the relay.
type Config struct {
	Manager *playout.Manager
	Hubs    *sink.Server
	Events  EventSource

	// Optional
	History HistoryReader
	Logs    *logbuffer.Buffer
	Updates *version.Checker

	APIKeys   *auth.KeySet
	JWTSecret []byte
}

// API exposes HTTP handlers.
type API struct {
	manager *playout.Manager
	hubs    *sink.Server
	events  EventSource
	history HistoryReader
	logs    *logbuffer.Buffer
	updates *version.Checker

	keys      *auth.KeySet
	jwtSecret []byte
	started   time.Time
	logger    zerolog.Logger
}

// New creates the API handler set.
func New(cfg Config, logger zerolog.Logger) *API {
	return &API{
		manager:   cfg.Manager,
		hubs:      cfg.Hubs,
		events:    cfg.Events,
		history:   cfg.History,
		logs:      cfg.Logs,
		updates:   cfg.Updates,
		keys:      cfg.APIKeys,
		jwtSecret: cfg.JWTSecret,
		started:   time.Now(),
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

// Routes registers the API under /api/v1 and the viewer endpoint under /live.
func (a *API) Routes(r chi.Router) {
	r.Get("/live/*", a.handleLive)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", a.handleHealth)

		r.Group(func(pr chi.Router) {
			pr.Use(auth.Middleware(a.keys, a.jwtSecret))

			pr.Get("/channels", a.handleChannelsList)
			pr.Get("/stats", a.handleStats)
			pr.Get("/events", a.handleEvents)

			pr.Route("/channels/{name}", func(r chi.Router) {
				r.Use(a.requireChannelScope)
				r.Get("/", a.handleChannelGet)
				r.Get("/history", a.handleChannelHistory)

				r.Group(func(cr chi.Router) {
					cr.Use(auth.RequireRole(auth.RoleOperator))
					cr.Post("/", a.handleChannelSet)
					cr.Post("/playlist", a.handlePlaylistUpdate)
					cr.Post("/position", a.handlePosition)
					cr.Post("/reconnect", a.handleReconnect)
				})
			})

			pr.Group(func(ar chi.Router) {
				ar.Use(auth.RequireRole(auth.RoleOperator))
				ar.Post("/stats/reset", a.handleStatsReset)
			})

			pr.Route("/logs", func(lr chi.Router) {
				lr.Use(auth.RequireRole(auth.RoleAdmin))
				lr.Get("/", a.handleLogs)
				lr.Get("/stats", a.handleLogStats)
				lr.Delete("/", a.handleLogsClear)
			})
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	channels := a.manager.List()
	online := 0
	for _, ch := range channels {
		if ch.Online {
			online++
		}
	}

	resp := map[string]any{
		"status":          "ok",
		"version":         version.Version,
		"uptime_seconds":  int(time.Since(a.started).Seconds()),
		"channels":        len(channels),
		"channels_online": online,
	}
	if a.updates != nil {
		resp["update"] = a.updates.Info()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleLive(w http.ResponseWriter, r *http.Request) {
	http.StripPrefix("/live", a.hubs).ServeHTTP(w, r)
}

// requireChannelScope rejects tokens scoped to other channels.
func (a *API) requireChannelScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.ClaimsFromContext(r.Context())
		if ok && !claims.AllowsChannel(chi.URLParam(r, "name")) {
			writeError(w, http.StatusForbidden, "channel_not_permitted")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if a.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_unavailable")
		return
	}

	q := r.URL.Query()
	params := logbuffer.QueryParams{
		Level:      q.Get("level"),
		Component:  q.Get("component"),
		Channel:    q.Get("channel"),
		Search:     q.Get("search"),
		Limit:      500,
		Descending: q.Get("order") != "asc",
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_since")
			return
		}
		params.Since = t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		params.Limit = n
	}

	entries := a.logs.Query(params)
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (a *API) handleLogStats(w http.ResponseWriter, r *http.Request) {
	if a.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_unavailable")
		return
	}
	writeJSON(w, http.StatusOK, a.logs.Stats(r.URL.Query().Get("channel")))
}

func (a *API) handleLogsClear(w http.ResponseWriter, r *http.Request) {
	if a.logs == nil {
		writeError(w, http.StatusServiceUnavailable, "log_buffer_unavailable")
		return
	}
	a.logs.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// writeServiceError maps relay errors onto HTTP status codes.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, playout.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, "channel_not_found")
	case errors.Is(err, playout.ErrItemNotFound):
		writeError(w, http.StatusNotFound, "item_not_found")
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		writeError(w, http.StatusNotFound, "playlist_not_found")
	case errors.Is(err, playout.ErrInvalidSource):
		writeError(w, http.StatusBadRequest, "invalid_source")
	case errors.Is(err, playlist.ErrParse):
		writeError(w, http.StatusUnprocessableEntity, "invalid_playlist")
	case errors.Is(err, playout.ErrNoPlaylist):
		writeError(w, http.StatusConflict, "not_a_playlist")
	case errors.Is(err, playout.ErrNoSource):
		writeError(w, http.StatusConflict, "no_source")
	default:
		a.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
