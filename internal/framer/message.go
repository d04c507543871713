/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package framer

import "time"

// Kind identifies the track a message belongs to.
type Kind int

const (
	KindAudio Kind = iota
	KindVideo
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// Message is one framed media message ready for a sink.
type Message struct {
	Kind      Kind
	Timestamp uint32
	FrameType FrameType

	AudioCodec AudioCodec
	VideoCodec VideoCodec

	Header  []byte
	Payload []byte

	// Pages is set when prechunking is enabled.
	Pages *Pages
}

// Len returns the message body length.
func (m *Message) Len() int {
	return len(m.Header) + len(m.Payload)
}

// Bytes returns the message body, header included.
func (m *Message) Bytes() []byte {
	out := make([]byte, 0, m.Len())
	out = append(out, m.Header...)
	return append(out, m.Payload...)
}

// TypeID returns the RTMP message type id for the message kind.
func (m *Message) TypeID() byte {
	switch m.Kind {
	case KindAudio:
		return TypeAudio
	case KindVideo:
		return TypeVideo
	default:
		return TypeData
	}
}

// Options control message construction.
type Options struct {
	Prechunk  bool
	ChunkSize int
}

// Timestamp converts a buffer presentation time to a message timestamp in
// milliseconds. Negative times map to zero.
func Timestamp(pts time.Duration) uint32 {
	if pts < 0 {
		return 0
	}
	return uint32(pts / time.Millisecond)
}

func build(m Message, csid uint32, opts Options) Message {
	if opts.Prechunk {
		m.Pages = Prechunk(csid, m.Timestamp, opts.ChunkSize, m.Header, m.Payload)
	}
	return m
}

// AudioFrame frames an ordinary audio sample.
func AudioFrame(codec AudioCodec, hdr byte, ts uint32, payload []byte, opts Options) Message {
	return build(Message{
		Kind:       KindAudio,
		Timestamp:  ts,
		FrameType:  FrameRaw,
		AudioCodec: codec,
		VideoCodec: VideoUnknown,
		Header:     AudioFrameHeader(codec, hdr),
		Payload:    payload,
	}, AudioChunkStreamID, opts)
}

// AACSequenceFrame frames AAC codec data.
func AACSequenceFrame(hdr byte, ts uint32, codecData []byte, opts Options) Message {
	return build(Message{
		Kind:       KindAudio,
		Timestamp:  ts,
		FrameType:  FrameAACSequenceHeader,
		AudioCodec: AudioAAC,
		VideoCodec: VideoUnknown,
		Header:     AACSequenceHeader(hdr),
		Payload:    codecData,
	}, AudioChunkStreamID, opts)
}

// VideoFrame frames an ordinary video sample.
func VideoFrame(codec VideoCodec, keyframe bool, ts uint32, payload []byte, opts Options) Message {
	ft := FrameInter
	if keyframe {
		ft = FrameKey
	}
	return build(Message{
		Kind:       KindVideo,
		Timestamp:  ts,
		FrameType:  ft,
		AudioCodec: AudioUnknown,
		VideoCodec: codec,
		Header:     VideoFrameHeader(codec, keyframe),
		Payload:    payload,
	}, VideoChunkStreamID, opts)
}

// AVCSequenceFrame frames AVC codec data.
func AVCSequenceFrame(ts uint32, codecData []byte, opts Options) Message {
	return build(Message{
		Kind:       KindVideo,
		Timestamp:  ts,
		FrameType:  FrameAVCSequenceHeader,
		AudioCodec: AudioUnknown,
		VideoCodec: VideoAVC,
		Header:     AVCSequenceHeader(),
		Payload:    codecData,
	}, VideoChunkStreamID, opts)
}

// DataFrame wraps an encoded data message body.
func DataFrame(ts uint32, body []byte, opts Options) Message {
	return build(Message{
		Kind:       KindData,
		Timestamp:  ts,
		AudioCodec: AudioUnknown,
		VideoCodec: VideoUnknown,
		Payload:    body,
	}, DataChunkStreamID, opts)
}
