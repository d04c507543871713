/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"time"
)

// ChannelSource persists the source a channel was last switched to.
type ChannelSource struct {
	Channel   string `gorm:"type:varchar(128);primaryKey"`
	Chain     string `gorm:"type:text"`
	URI       string `gorm:"type:text"`
	Path      string `gorm:"type:text"`
	Playlist  string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PlayHistory records an item started on a channel.
type PlayHistory struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Channel   string `gorm:"type:varchar(128);index"`
	ItemID    string `gorm:"type:varchar(128)"`
	Spec      string `gorm:"type:text"`
	IsChain   bool
	Seek      float64
	StartedAt time.Time `gorm:"index"`
}
