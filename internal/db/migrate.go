/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"github.com/friendsincode/grimnir_relay/internal/models"
	"gorm.io/gorm"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.ChannelSource{},
		&models.PlayHistory{},
	); err != nil {
		return err
	}

	if err := applyPostgresHistoryIndex(database); err != nil {
		return err
	}
	return nil
}

// applyPostgresHistoryIndex adds the descending index used by history
// listings. Other backends rely on the plain started_at index.
func applyPostgresHistoryIndex(database *gorm.DB) error {
	if database.Dialector.Name() != "postgres" {
		return nil
	}

	stmt := `CREATE INDEX IF NOT EXISTS idx_play_histories_channel_started
		ON play_histories (channel, started_at DESC)`
	if err := database.Exec(stmt).Error; err != nil {
		return fmt.Errorf("create play history index: %w", err)
	}
	return nil
}
