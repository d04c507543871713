/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package framer

import (
	"bytes"
	"testing"
	"time"
)

func TestAudioHeader(t *testing.T) {
	tests := []struct {
		name     string
		codec    AudioCodec
		rate     int
		channels int
		want     byte
	}{
		{"mp3 mono 44100", AudioMP3, 44100, 1, 0x2e},
		{"mp3 stereo 44100", AudioMP3, 44100, 2, 0x2f},
		{"mp3 22050", AudioMP3, 22050, 1, 0x2a},
		{"mp3 11025", AudioMP3, 11025, 1, 0x26},
		{"mp3 8000", AudioMP3, 8000, 1, 0xe6},
		{"mp3 odd rate", AudioMP3, 48000, 1, 0x2e},
		{"aac mono", AudioAAC, 44100, 1, 0xae},
		{"aac stereo", AudioAAC, 48000, 2, 0xaf},
		{"speex", AudioSpeex, 16000, 1, 0xb6},
		{"nellymoser", AudioNellymoser, 8000, 1, 0x6e},
		{"adpcm", AudioADPCM, 22050, 1, 0x1e},
		{"pcm stereo", AudioPCM, 44100, 2, 0x3f},
		{"alaw", AudioG711ALaw, 8000, 1, 0x7e},
		{"mulaw", AudioG711MuLaw, 8000, 1, 0x8e},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AudioHeader(tt.codec, tt.rate, tt.channels); got != tt.want {
				t.Errorf("AudioHeader = %#x, want %#x", got, tt.want)
			}
		})
	}
}

func TestVideoHeader(t *testing.T) {
	tests := []struct {
		codec    VideoCodec
		keyframe bool
		want     []byte
	}{
		{VideoSorensonH263, true, []byte{0x12}},
		{VideoSorensonH263, false, []byte{0x22}},
		{VideoVP6, true, []byte{0x14}},
		{VideoScreen, false, []byte{0x23}},
		{VideoAVC, true, []byte{0x17, 1, 0, 0, 0}},
		{VideoAVC, false, []byte{0x27, 1, 0, 0, 0}},
	}

	for _, tt := range tests {
		if got := VideoFrameHeader(tt.codec, tt.keyframe); !bytes.Equal(got, tt.want) {
			t.Errorf("VideoFrameHeader(%v, %v) = %x, want %x", tt.codec, tt.keyframe, got, tt.want)
		}
	}

	if got := AVCSequenceHeader(); !bytes.Equal(got, []byte{0x17, 0, 0, 0, 0}) {
		t.Errorf("AVCSequenceHeader = %x", got)
	}
}

func TestAudioFrameHeader(t *testing.T) {
	if got := AudioFrameHeader(AudioAAC, 0xaf); !bytes.Equal(got, []byte{0xaf, 1}) {
		t.Errorf("AAC frame header = %x", got)
	}
	if got := AACSequenceHeader(0xaf); !bytes.Equal(got, []byte{0xaf, 0}) {
		t.Errorf("AAC sequence header = %x", got)
	}
	if got := AudioFrameHeader(AudioMP3, 0x2e); !bytes.Equal(got, []byte{0x2e}) {
		t.Errorf("MP3 frame header = %x", got)
	}
}

func TestPrechunkRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 122, 123, 127, 128, 129, 1000, 4096}
	chunkSizes := []int{128, 4096}
	header := VideoFrameHeader(VideoAVC, true)

	for _, chunkSize := range chunkSizes {
		for _, n := range sizes {
			payload := make([]byte, n)
			for i := range payload {
				payload[i] = byte(i * 7)
			}

			pages := Prechunk(VideoChunkStreamID, 1234, chunkSize, header, payload)

			total := len(header) + n
			wantChunks := (total + chunkSize - 1) / chunkSize
			if pages.Count() != wantChunks {
				t.Errorf("chunk %d len %d: Count = %d, want %d", chunkSize, n, pages.Count(), wantChunks)
			}

			want := append(append([]byte{}, header...), payload...)
			if !bytes.Equal(pages.Payload(), want) {
				t.Errorf("chunk %d len %d: payload mismatch", chunkSize, n)
			}

			typeID, streamID, body, err := Unchunk(pages.Wire(TypeVideo, 1), chunkSize)
			if err != nil {
				t.Fatalf("chunk %d len %d: Unchunk: %v", chunkSize, n, err)
			}
			if typeID != TypeVideo || streamID != 1 {
				t.Errorf("typeID = %d streamID = %d", typeID, streamID)
			}
			if !bytes.Equal(body, want) {
				t.Errorf("chunk %d len %d: wire round trip mismatch", chunkSize, n)
			}
		}
	}
}

func TestPrechunkContinuationMarkers(t *testing.T) {
	payload := bytes.Repeat([]byte{0x55}, 300)
	pages := Prechunk(AudioChunkStreamID, 0, 128, []byte{0x2e}, payload)
	wire := pages.Wire(TypeAudio, 1)

	// 12 byte header, 128 bytes, marker, 128 bytes, marker, 45 bytes.
	if len(wire) != 12+301+2 {
		t.Fatalf("wire length = %d", len(wire))
	}
	if wire[0] != byte(AudioChunkStreamID) {
		t.Errorf("basic header = %#x", wire[0])
	}
	if wire[12+128] != 0xc0|byte(AudioChunkStreamID) {
		t.Errorf("first continuation = %#x", wire[12+128])
	}
	if wire[12+128+1+128] != 0xc0|byte(AudioChunkStreamID) {
		t.Errorf("second continuation = %#x", wire[12+128+1+128])
	}
}

func TestPrechunkerFirstChunkResets(t *testing.T) {
	p := NewPrechunker(AudioChunkStreamID, 4)
	p.Fill([]byte{1, 2, 3}, 10, true)
	p.Fill([]byte{4, 5, 6}, 10, false)
	if got := p.Pages().Count(); got != 2 {
		t.Fatalf("Count = %d, want 2", got)
	}

	p.Fill([]byte{9}, 20, true)
	pages := p.Pages()
	if pages.Count() != 1 || pages.Timestamp != 20 || !bytes.Equal(pages.Payload(), []byte{9}) {
		t.Errorf("after restart: count %d ts %d payload %x", pages.Count(), pages.Timestamp, pages.Payload())
	}
}

func TestExtendedTimestamp(t *testing.T) {
	pages := Prechunk(VideoChunkStreamID, 0x1000000, 128, []byte{0x12}, bytes.Repeat([]byte{1}, 200))
	_, _, body, err := Unchunk(pages.Wire(TypeVideo, 1), 128)
	if err != nil {
		t.Fatalf("Unchunk: %v", err)
	}
	if len(body) != 201 {
		t.Errorf("body length = %d", len(body))
	}
}

func TestFrameBuilders(t *testing.T) {
	opts := Options{Prechunk: true, ChunkSize: 128}

	msg := AVCSequenceFrame(0, []byte{1, 2, 3}, opts)
	if msg.FrameType != FrameAVCSequenceHeader || !bytes.Equal(msg.Bytes(), []byte{0x17, 0, 0, 0, 0, 1, 2, 3}) {
		t.Errorf("AVC sequence frame = %v %x", msg.FrameType, msg.Bytes())
	}
	if msg.Pages == nil {
		t.Error("expected pages when prechunking")
	}

	msg = VideoFrame(VideoVP6, false, 40, []byte{0xaa}, Options{})
	if msg.FrameType != FrameInter || msg.Pages != nil || msg.TypeID() != TypeVideo {
		t.Errorf("VP6 frame = %+v", msg)
	}

	msg = AudioFrame(AudioMP3, 0x2e, 26, []byte{0xff, 0xfb}, Options{})
	if !bytes.Equal(msg.Bytes(), []byte{0x2e, 0xff, 0xfb}) || msg.TypeID() != TypeAudio {
		t.Errorf("MP3 frame = %x", msg.Bytes())
	}
}

func TestTimestamp(t *testing.T) {
	if got := Timestamp(1500 * time.Millisecond); got != 1500 {
		t.Errorf("Timestamp = %d, want 1500", got)
	}
	if got := Timestamp(-1); got != 0 {
		t.Errorf("Timestamp(-1) = %d, want 0", got)
	}
}

func TestEncodeMetadata(t *testing.T) {
	body, err := EncodeMetadata(Metadata{
		HasAudio:        true,
		HasVideo:        true,
		AudioCodec:      AudioAAC,
		AudioSampleRate: 44100,
		AudioSampleSize: 16,
		AudioChannels:   2,
		VideoCodec:      VideoAVC,
		Width:           640,
		Height:          360,
	})
	if err != nil {
		t.Fatalf("EncodeMetadata: %v", err)
	}

	prefix := append([]byte{0x02, 0x00, 0x0a}, []byte("onMetaData")...)
	if !bytes.HasPrefix(body, prefix) {
		t.Fatalf("body does not start with onMetaData string: %x", body[:min(len(body), 16)])
	}
	if body[len(prefix)] != 0x08 {
		t.Errorf("expected ECMA array marker, got %#x", body[len(prefix)])
	}
}
