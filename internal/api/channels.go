/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/grimnir_relay/internal/playlist"
	"github.com/friendsincode/grimnir_relay/internal/playout"
)

func (a *API) handleChannelsList(w http.ResponseWriter, r *http.Request) {
	claims, _ := authClaims(r)
	out := make([]playout.ChannelInfo, 0)
	for _, ch := range a.manager.List() {
		if claims == nil || claims.AllowsChannel(ch.Name) {
			out = append(out, ch)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleChannelGet(w http.ResponseWriter, r *http.Request) {
	info, err := a.manager.Info(chi.URLParam(r, "name"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleChannelSet switches a channel to exactly one of chain, uri, path or
// playlist.
func (a *API) handleChannelSet(w http.ResponseWriter, r *http.Request) {
	var src playout.Source
	if err := json.NewDecoder(r.Body).Decode(&src); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if err := src.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_source")
		return
	}

	name := chi.URLParam(r, "name")
	if err := a.manager.SetChannel(r.Context(), name, src); err != nil {
		a.writeServiceError(w, err)
		return
	}

	a.logger.Info().Str("channel", name).Interface("source", src).Msg("channel source set")
	info, err := a.manager.Info(name)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type playlistUpdateRequest struct {
	KeepCurrent bool `json:"keep_current"`
}

func (a *API) handlePlaylistUpdate(w http.ResponseWriter, r *http.Request) {
	var req playlistUpdateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json")
			return
		}
	}

	name := chi.URLParam(r, "name")
	if err := a.manager.UpdatePlaylist(r.Context(), name, req.KeepCurrent); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "keep_current": req.KeepCurrent})
}

// positionRequest names an item by 1-based index or by id. Seek accepts
// "[[hh:]mm:]ss" or a Go duration.
type positionRequest struct {
	Item int    `json:"item"`
	ID   string `json:"id"`
	Seek string `json:"seek"`
}

func (a *API) handlePosition(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if (req.Item == 0) == (req.ID == "") {
		writeError(w, http.StatusBadRequest, "item_or_id_required")
		return
	}

	var seek time.Duration
	if req.Seek != "" {
		d, err := playlist.ParseDuration(req.Seek)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_seek")
			return
		}
		seek = d
	}

	name := chi.URLParam(r, "name")
	var err error
	if req.ID != "" {
		err = a.manager.SetPositionID(name, req.ID, seek)
	} else {
		err = a.manager.SetPosition(name, req.Item, seek)
	}
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "positioned", "seek_seconds": seek.Seconds()})
}

func (a *API) handleReconnect(w http.ResponseWriter, r *http.Request) {
	if err := a.manager.Reconnect(chi.URLParam(r, "name")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reconnecting"})
}

func (a *API) handleChannelHistory(w http.ResponseWriter, r *http.Request) {
	if a.history == nil {
		writeError(w, http.StatusServiceUnavailable, "history_unavailable")
		return
	}
	name := chi.URLParam(r, "name")
	if _, err := a.manager.Channel(name); err != nil {
		a.writeServiceError(w, err)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = n
	}

	rows, err := a.history.History(r.Context(), name, limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	claims, _ := authClaims(r)
	out := make([]playout.ChannelStats, 0)
	for _, st := range a.manager.Stats() {
		if claims == nil || claims.AllowsChannel(st.Name) {
			out = append(out, st)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	a.manager.ResetStats()
	w.WriteHeader(http.StatusNoContent)
}
