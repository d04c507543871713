/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/grimnir_relay/internal/events"
	"github.com/friendsincode/grimnir_relay/internal/models"
	"github.com/friendsincode/grimnir_relay/internal/playout"
)

// ChannelStore persists channel source assignments and play history.
type ChannelStore struct {
	db     *gorm.DB
	logger zerolog.Logger
}

// NewChannelStore wraps a migrated database.
func NewChannelStore(db *gorm.DB, logger zerolog.Logger) *ChannelStore {
	return &ChannelStore{db: db, logger: logger.With().Str("component", "db").Logger()}
}

// SaveSource upserts the source of a channel.
func (s *ChannelStore) SaveSource(ctx context.Context, channel string, src playout.Source) error {
	now := time.Now().UTC()
	row := models.ChannelSource{
		Channel:   channel,
		Chain:     src.Chain,
		URI:       src.URI,
		Path:      src.Path,
		Playlist:  src.Playlist,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel"}},
		DoUpdates: clause.AssignmentColumns([]string{"chain", "uri", "path", "playlist", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save channel source: %w", err)
	}
	return nil
}

// LoadSources returns every persisted channel source.
func (s *ChannelStore) LoadSources(ctx context.Context) (map[string]playout.Source, error) {
	var rows []models.ChannelSource
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load channel sources: %w", err)
	}

	out := make(map[string]playout.Source, len(rows))
	for _, r := range rows {
		out[r.Channel] = playout.Source{Chain: r.Chain, URI: r.URI, Path: r.Path, Playlist: r.Playlist}
	}
	return out, nil
}

// DeleteSource forgets a channel's source.
func (s *ChannelStore) DeleteSource(ctx context.Context, channel string) error {
	err := s.db.WithContext(ctx).Delete(&models.ChannelSource{}, "channel = ?", channel).Error
	if err != nil {
		return fmt.Errorf("delete channel source: %w", err)
	}
	return nil
}

// History returns the most recent items played on a channel, newest first.
func (s *ChannelStore) History(ctx context.Context, channel string, limit int) ([]models.PlayHistory, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []models.PlayHistory
	err := s.db.WithContext(ctx).
		Where("channel = ?", channel).
		Order("started_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load play history: %w", err)
	}
	return rows, nil
}

// RecordHistory writes item.started events to the play history until the
// subscription closes or ctx is done.
func (s *ChannelStore) RecordHistory(ctx context.Context, sub events.Subscriber) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub:
			if !ok {
				return
			}
			if err := s.insertHistory(ctx, payload); err != nil {
				s.logger.Warn().Err(err).Msg("failed to record play history")
			}
		}
	}
}

func (s *ChannelStore) insertHistory(ctx context.Context, payload events.Payload) error {
	row := models.PlayHistory{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}
	row.Channel, _ = payload["channel"].(string)
	row.ItemID, _ = payload["item"].(string)
	row.Spec, _ = payload["spec"].(string)
	row.IsChain, _ = payload["chain"].(bool)
	row.Seek, _ = payload["seek"].(float64)

	if row.Channel == "" {
		return fmt.Errorf("item event without channel")
	}
	return s.db.WithContext(ctx).Create(&row).Error
}
