/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package framer

import (
	"bytes"
	"fmt"

	"github.com/yutopp/go-amf0"
)

// Metadata describes the stream for onMetaData. Zero fields are omitted.
type Metadata struct {
	HasAudio bool
	HasVideo bool

	AudioCodec      AudioCodec
	AudioSampleRate int
	AudioSampleSize int
	AudioChannels   int

	VideoCodec VideoCodec
	Width      int
	Height     int
	FrameRate  float64
	Bitrate    int

	Title       string
	Description string
}

// Properties returns the onMetaData property map.
func (md Metadata) Properties() amf0.ECMAArray {
	props := amf0.ECMAArray{}

	props["hasAudio"] = md.HasAudio
	props["hasVideo"] = md.HasVideo

	if md.HasAudio && md.AudioCodec != AudioUnknown {
		props["audiocodecid"] = float64(md.AudioCodec)
	}
	if md.AudioSampleRate > 0 {
		props["audiosamplerate"] = float64(md.AudioSampleRate)
	}
	if md.AudioSampleSize > 0 {
		props["audiosamplesize"] = float64(md.AudioSampleSize)
	}
	if md.AudioChannels > 0 {
		props["stereo"] = md.AudioChannels > 1
	}

	if md.HasVideo && md.VideoCodec != VideoUnknown {
		props["videocodecid"] = float64(md.VideoCodec)
	}
	if md.Width > 0 {
		props["width"] = float64(md.Width)
	}
	if md.Height > 0 {
		props["height"] = float64(md.Height)
	}
	if md.FrameRate > 0 {
		props["framerate"] = md.FrameRate
	}
	if md.Bitrate > 0 {
		props["videodatarate"] = float64(md.Bitrate) / 1000
	}

	if md.Title != "" {
		props["title"] = md.Title
	}
	if md.Description != "" {
		props["description"] = md.Description
	}
	return props
}

// EncodeMetadata encodes an AMF0 onMetaData data message body.
func EncodeMetadata(md Metadata) ([]byte, error) {
	var buf bytes.Buffer
	enc := amf0.NewEncoder(&buf)

	if err := enc.Encode("onMetaData"); err != nil {
		return nil, fmt.Errorf("encode metadata name: %w", err)
	}
	if err := enc.Encode(md.Properties()); err != nil {
		return nil, fmt.Errorf("encode metadata properties: %w", err)
	}
	return buf.Bytes(), nil
}
