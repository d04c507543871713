/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	ws "nhooyr.io/websocket"

	"github.com/friendsincode/grimnir_relay/internal/auth"
	"github.com/friendsincode/grimnir_relay/internal/events"
	"github.com/friendsincode/grimnir_relay/internal/telemetry"
)

const eventPingInterval = 15 * time.Second

// handleEvents streams bus events over a websocket. ?types= selects event
// types (comma separated, default all); ?channel= restricts to one channel.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	eventTypes := parseEventTypes(r.URL.Query().Get("types"))
	if len(eventTypes) == 0 {
		eventTypes = events.AllEventTypes
	}
	channel := r.URL.Query().Get("channel")
	claims, _ := authClaims(r)

	conn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		a.logger.Error().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(ws.StatusInternalError, "server error")

	telemetry.APIWebSocketConnections.Inc()
	defer telemetry.APIWebSocketConnections.Dec()

	// Clients only listen; CloseRead cancels ctx when they go away.
	ctx := conn.CloseRead(r.Context())
	feed := a.subscribe(ctx, eventTypes)

	ticker := time.NewTicker(eventPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "")
			return
		case <-ticker.C:
			if err := conn.Write(ctx, ws.MessageText, []byte(`{"type":"ping"}`)); err != nil {
				a.logger.Debug().Err(err).Msg("websocket ping failed")
				return
			}
		case ev, ok := <-feed:
			if !ok {
				conn.Close(ws.StatusGoingAway, "shutting down")
				return
			}
			name, _ := ev.payload["channel"].(string)
			if channel != "" && name != channel {
				continue
			}
			if claims != nil && name != "" && !claims.AllowsChannel(name) {
				continue
			}
			if err := a.writeEvent(ctx, conn, ev.eventType, ev.payload); err != nil {
				a.logger.Debug().Err(err).Msg("websocket write failed")
				return
			}
		}
	}
}

type typedEvent struct {
	eventType events.EventType
	payload   events.Payload
}

// subscribe merges one bus subscription per type into a single feed. The
// subscriptions end when ctx is done; the feed closes once all have ended.
func (a *API) subscribe(ctx context.Context, types []events.EventType) <-chan typedEvent {
	feed := make(chan typedEvent, 16)
	var wg sync.WaitGroup

	for _, t := range types {
		sub := a.events.Subscribe(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					a.events.Unsubscribe(sub)
					return
				case payload, ok := <-sub:
					if !ok {
						return
					}
					select {
					case feed <- typedEvent{eventType: t, payload: payload}:
					case <-ctx.Done():
					}
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(feed)
	}()
	return feed
}

func (a *API) writeEvent(ctx context.Context, conn *ws.Conn, eventType events.EventType, payload events.Payload) error {
	data, err := json.Marshal(map[string]any{
		"type":    eventType,
		"payload": payload,
	})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(writeCtx, ws.MessageText, data)
}

func parseEventTypes(raw string) []events.EventType {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]events.EventType, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, events.EventType(part))
		}
	}
	return out
}

func authClaims(r *http.Request) (*auth.Claims, bool) {
	return auth.ClaimsFromContext(r.Context())
}
