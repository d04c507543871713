/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mediaengine

import "github.com/friendsincode/grimnir_relay/internal/framer"

type audioFormat struct {
	codec     framer.AudioCodec
	header    byte
	rate      int
	channels  int
	codecData []byte
}

// detectAudio maps audio caps to a sound format and its one-byte tag.
func detectAudio(caps Caps) audioFormat {
	f := audioFormat{codec: framer.AudioUnknown, rate: 44100, channels: 1}
	if v, ok := caps.Int("rate"); ok {
		f.rate = v
	}
	if v, ok := caps.Int("channels"); ok {
		f.channels = v
	}

	switch caps.Name {
	case "audio/mpeg":
		version, ok := caps.Int("mpegversion")
		if !ok {
			version = 1
		}
		layer, ok := caps.Int("layer")
		if !ok {
			layer = 3
		}
		if version == 1 && layer == 3 {
			f.codec = framer.AudioMP3
		} else {
			f.codec = framer.AudioAAC
			f.codecData, _ = caps.Bytes("codec_data")
		}
	case "audio/x-speex":
		f.codec = framer.AudioSpeex
	case "audio/x-nellymoser":
		f.codec = framer.AudioNellymoser
	case "audio/x-adpcm":
		f.codec = framer.AudioADPCM
	case "audio/x-raw-int", "audio/x-raw":
		f.codec = framer.AudioPCM
	case "audio/x-alaw":
		f.codec = framer.AudioG711ALaw
	case "audio/x-mulaw":
		f.codec = framer.AudioG711MuLaw
	}

	if f.codec == framer.AudioUnknown {
		f.header = framer.DefaultAudioHeader
	} else {
		f.header = framer.AudioHeader(f.codec, f.rate, f.channels)
	}
	return f
}

type videoFormat struct {
	codec     framer.VideoCodec
	width     int
	height    int
	codecData []byte
}

// detectVideo maps video caps to a codec id.
func detectVideo(caps Caps) videoFormat {
	f := videoFormat{codec: framer.VideoUnknown}
	f.width, _ = caps.Int("width")
	f.height, _ = caps.Int("height")

	switch caps.Name {
	case "video/x-flash-video":
		f.codec = framer.VideoSorensonH263
	case "video/x-h264":
		f.codec = framer.VideoAVC
		f.codecData, _ = caps.Bytes("codec_data")
	case "video/x-vp6", "video/x-vp6-flash":
		f.codec = framer.VideoVP6
	case "video/x-flash-screen":
		f.codec = framer.VideoScreen
	}
	return f
}
