/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package framer turns raw media samples into codec-tagged, pre-chunked
// RTMP messages.
package framer

// AudioCodec is the FLV/RTMP sound format id.
type AudioCodec byte

const (
	AudioUnknown    AudioCodec = 0xff
	AudioADPCM      AudioCodec = 1
	AudioMP3        AudioCodec = 2
	AudioPCM        AudioCodec = 3
	AudioNellymoser AudioCodec = 6
	AudioG711ALaw   AudioCodec = 7
	AudioG711MuLaw  AudioCodec = 8
	AudioAAC        AudioCodec = 10
	AudioSpeex      AudioCodec = 11
)

func (c AudioCodec) String() string {
	switch c {
	case AudioADPCM:
		return "adpcm"
	case AudioMP3:
		return "mp3"
	case AudioPCM:
		return "pcm"
	case AudioNellymoser:
		return "nellymoser"
	case AudioG711ALaw:
		return "g711a"
	case AudioG711MuLaw:
		return "g711u"
	case AudioAAC:
		return "aac"
	case AudioSpeex:
		return "speex"
	default:
		return "unknown"
	}
}

// VideoCodec is the FLV/RTMP video codec id.
type VideoCodec byte

const (
	VideoUnknown      VideoCodec = 0xff
	VideoSorensonH263 VideoCodec = 2
	VideoScreen       VideoCodec = 3
	VideoVP6          VideoCodec = 4
	VideoAVC          VideoCodec = 7
)

func (c VideoCodec) String() string {
	switch c {
	case VideoSorensonH263:
		return "h263"
	case VideoScreen:
		return "screen"
	case VideoVP6:
		return "vp6"
	case VideoAVC:
		return "avc"
	default:
		return "unknown"
	}
}

// FrameType classifies a framed message.
type FrameType int

const (
	FrameRaw FrameType = iota
	FrameAACSequenceHeader
	FrameKey
	FrameInter
	FrameAVCSequenceHeader
)

func (f FrameType) String() string {
	switch f {
	case FrameRaw:
		return "raw"
	case FrameAACSequenceHeader:
		return "aac_sequence_header"
	case FrameKey:
		return "keyframe"
	case FrameInter:
		return "interframe"
	case FrameAVCSequenceHeader:
		return "avc_sequence_header"
	default:
		return "unknown"
	}
}

// DefaultAudioHeader is the tag used before any audio caps have been seen
// (Speex, 16 kHz bucket, 16-bit, mono).
const DefaultAudioHeader byte = 0xbe

// AudioHeader returns the one-byte sound tag for codec. The sample rate only
// matters for MP3; every other codec uses a fixed rate bucket.
func AudioHeader(codec AudioCodec, rate, channels int) byte {
	var hdr byte
	switch codec {
	case AudioMP3:
		hdr = 0x22
		switch rate {
		case 8000:
			hdr = (hdr & 0x0f) | 0xe4
		case 11025:
			hdr |= 0x4
		case 22050:
			hdr |= 0x8
		default:
			hdr |= 0xc
		}
	case AudioAAC:
		hdr = 0xae
	case AudioSpeex:
		hdr = 0xb6
	case AudioNellymoser:
		hdr = 0x6e
	case AudioADPCM:
		hdr = 0x1e
	case AudioPCM:
		hdr = 0x3e
	case AudioG711ALaw:
		hdr = 0x7e
	case AudioG711MuLaw:
		hdr = 0x8e
	default:
		hdr = DefaultAudioHeader
	}

	if channels > 1 {
		hdr |= 1
	}
	return hdr
}

// VideoHeader returns the one-byte video tag for codec.
func VideoHeader(codec VideoCodec, keyframe bool) byte {
	hdr := byte(codec) & 0x0f
	if codec == VideoUnknown {
		hdr = byte(VideoSorensonH263)
	}
	if keyframe {
		return hdr | 0x10
	}
	return hdr | 0x20
}

// AudioFrameHeader returns the per-frame prefix for ordinary audio frames.
func AudioFrameHeader(codec AudioCodec, hdr byte) []byte {
	if codec == AudioAAC {
		return []byte{hdr, 1}
	}
	return []byte{hdr}
}

// AACSequenceHeader returns the prefix of an AAC AudioSpecificConfig message.
func AACSequenceHeader(hdr byte) []byte {
	return []byte{hdr, 0}
}

// VideoFrameHeader returns the per-frame prefix for ordinary video frames.
// AVC frames carry a NALU packet type and a zero composition offset.
func VideoFrameHeader(codec VideoCodec, keyframe bool) []byte {
	hdr := VideoHeader(codec, keyframe)
	if codec == VideoAVC {
		return []byte{hdr, 1, 0, 0, 0}
	}
	return []byte{hdr}
}

// AVCSequenceHeader returns the prefix of an AVCDecoderConfigurationRecord message.
func AVCSequenceHeader() []byte {
	return []byte{0x17, 0, 0, 0, 0}
}
