/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ChannelOptions is the read-only configuration snapshot a channel is built with.
type ChannelOptions struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`

	NoAudio bool `yaml:"no_audio"`
	NoVideo bool `yaml:"no_video"`

	ForceTranscode      bool `yaml:"force_transcode"`
	ForceTranscodeAudio bool `yaml:"force_transcode_audio"`
	ForceTranscodeVideo bool `yaml:"force_transcode_video"`

	SendMetadata      bool `yaml:"send_metadata"`
	EnablePrechunking bool `yaml:"enable_prechunking"`

	// KeepVideoStream keeps the downstream sink identity across source changes.
	KeepVideoStream bool `yaml:"keep_video_stream"`

	ConnectOnDemand        bool          `yaml:"connect_on_demand"`
	ConnectOnDemandTimeout time.Duration `yaml:"connect_on_demand_timeout"`

	DefaultWidth   int `yaml:"default_width"`
	DefaultHeight  int `yaml:"default_height"`
	DefaultBitrate int `yaml:"default_bitrate"`

	NoVideoTimeout      time.Duration `yaml:"no_video_timeout"`
	MinPlaylistDuration time.Duration `yaml:"min_playlist_duration"`

	Recording  bool   `yaml:"recording"`
	RecordPath string `yaml:"record_path"`

	PushURI string `yaml:"push_uri"`
}

// DefaultChannelOptions returns the options every channel starts from.
func DefaultChannelOptions() ChannelOptions {
	return ChannelOptions{
		EnablePrechunking:      true,
		ConnectOnDemandTimeout: 60 * time.Second,
		DefaultBitrate:         500000,
		NoVideoTimeout:         60 * time.Second,
		MinPlaylistDuration:    10 * time.Second,
	}
}

// Validate reports inconsistent option combinations.
func (o ChannelOptions) Validate() error {
	if o.NoAudio && o.NoVideo {
		return errors.New("no_audio and no_video cannot both be set")
	}
	if o.Recording && o.RecordPath == "" {
		return errors.New("record_path is required when recording is enabled")
	}
	if o.NoVideoTimeout < 0 || o.ConnectOnDemandTimeout < 0 || o.MinPlaylistDuration < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// ChannelConfig declares a channel and its initial source. At most one of
// Chain, URI, Path and Playlist may be set.
type ChannelConfig struct {
	Name     string `yaml:"name"`
	Chain    string `yaml:"chain"`
	URI      string `yaml:"uri"`
	Path     string `yaml:"path"`
	Playlist string `yaml:"playlist"`

	Options ChannelOptions `yaml:"options"`
}

// SourceCount returns how many source descriptors are set.
func (c ChannelConfig) SourceCount() int {
	n := 0
	for _, s := range []string{c.Chain, c.URI, c.Path, c.Playlist} {
		if s != "" {
			n++
		}
	}
	return n
}

type channelsFile struct {
	Defaults yaml.Node      `yaml:"defaults"`
	Channels []channelEntry `yaml:"channels"`
}

type channelEntry struct {
	Name     string    `yaml:"name"`
	Chain    string    `yaml:"chain"`
	URI      string    `yaml:"uri"`
	Path     string    `yaml:"path"`
	Playlist string    `yaml:"playlist"`
	Options  yaml.Node `yaml:"options"`
}

// LoadChannels reads a channels YAML file. File-level defaults are applied on
// top of base, then each channel's options on top of those.
//
//	defaults:
//	  no_video_timeout: 30s
//	channels:
//	  - name: lobby
//	    uri: rtsp://camera.local/stream
//	    options:
//	      connect_on_demand: true
func LoadChannels(path string, base ChannelOptions) ([]ChannelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channels file: %w", err)
	}
	return ParseChannels(data, base)
}

// ParseChannels parses channels YAML.
func ParseChannels(data []byte, base ChannelOptions) ([]ChannelConfig, error) {
	var file channelsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse channels file: %w", err)
	}

	defaults := base
	if file.Defaults.Kind != 0 {
		if err := file.Defaults.Decode(&defaults); err != nil {
			return nil, fmt.Errorf("parse channel defaults: %w", err)
		}
	}

	seen := make(map[string]bool, len(file.Channels))
	out := make([]ChannelConfig, 0, len(file.Channels))
	for i, entry := range file.Channels {
		if entry.Name == "" {
			return nil, fmt.Errorf("channel %d: name is required", i)
		}
		if seen[entry.Name] {
			return nil, fmt.Errorf("channel %q declared twice", entry.Name)
		}
		seen[entry.Name] = true

		opts := defaults
		if entry.Options.Kind != 0 {
			if err := entry.Options.Decode(&opts); err != nil {
				return nil, fmt.Errorf("channel %q: parse options: %w", entry.Name, err)
			}
		}
		if err := opts.Validate(); err != nil {
			return nil, fmt.Errorf("channel %q: %w", entry.Name, err)
		}

		ch := ChannelConfig{
			Name:     entry.Name,
			Chain:    entry.Chain,
			URI:      entry.URI,
			Path:     entry.Path,
			Playlist: entry.Playlist,
			Options:  opts,
		}
		if ch.SourceCount() > 1 {
			return nil, fmt.Errorf("channel %q: only one of chain, uri, path or playlist may be set", entry.Name)
		}
		out = append(out, ch)
	}

	return out, nil
}
