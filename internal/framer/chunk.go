/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package framer

import (
	"encoding/binary"
	"fmt"
)

// Chunk stream ids used for channel output.
const (
	ControlChunkStreamID uint32 = 2
	AudioChunkStreamID   uint32 = 4
	DataChunkStreamID    uint32 = 5
	VideoChunkStreamID   uint32 = 6
)

// DefaultChunkSize is the RTMP default maximum chunk payload size.
const DefaultChunkSize = 128

// RTMP message type ids.
const (
	TypeAudio byte = 8
	TypeVideo byte = 9
	TypeData  byte = 18
)

const extendedTimestamp = 0xffffff

// Prechunker splits one message into fixed-size chunks as it is filled.
// A message is started with a first-chunk Fill; later Fill calls continue it.
type Prechunker struct {
	csid      uint32
	chunkSize int
	timestamp uint32

	chunks [][]byte
	length int
}

// NewPrechunker creates a prechunker for chunk stream csid. csid must fit the
// one-byte basic header form.
func NewPrechunker(csid uint32, chunkSize int) *Prechunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Prechunker{
		csid:      csid & 0x3f,
		chunkSize: chunkSize,
	}
}

// Fill appends data to the current message. firstChunk starts a new message
// stamped with timestamp, discarding anything filled before.
func (p *Prechunker) Fill(data []byte, timestamp uint32, firstChunk bool) {
	if firstChunk {
		p.timestamp = timestamp
		p.chunks = nil
		p.length = 0
	}

	for len(data) > 0 {
		if n := len(p.chunks); n > 0 && len(p.chunks[n-1]) < p.chunkSize {
			last := p.chunks[n-1]
			take := min(p.chunkSize-len(last), len(data))
			p.chunks[n-1] = append(last, data[:take]...)
			data = data[take:]
			p.length += take
			continue
		}

		take := min(p.chunkSize, len(data))
		chunk := make([]byte, take, p.chunkSize)
		copy(chunk, data[:take])
		p.chunks = append(p.chunks, chunk)
		data = data[take:]
		p.length += take
	}
}

// Pages returns the finished page list for the current message.
func (p *Prechunker) Pages() *Pages {
	return &Pages{
		ChunkStreamID: p.csid,
		ChunkSize:     p.chunkSize,
		Timestamp:     p.timestamp,
		Length:        p.length,
		chunks:        p.chunks,
	}
}

// Pages is a message split into chunk-size pieces.
type Pages struct {
	ChunkStreamID uint32
	ChunkSize     int
	Timestamp     uint32
	Length        int

	chunks [][]byte
}

// Prechunk frames header and payload into pages in one call.
func Prechunk(csid uint32, timestamp uint32, chunkSize int, header, payload []byte) *Pages {
	p := NewPrechunker(csid, chunkSize)
	p.Fill(header, timestamp, true)
	p.Fill(payload, timestamp, false)
	return p.Pages()
}

// Count returns the number of chunks.
func (p *Pages) Count() int {
	return len(p.chunks)
}

// Chunks returns the chunk payloads without any chunk headers.
func (p *Pages) Chunks() [][]byte {
	return p.chunks
}

// Payload reassembles the message body.
func (p *Pages) Payload() []byte {
	out := make([]byte, 0, p.Length)
	for _, c := range p.chunks {
		out = append(out, c...)
	}
	return out
}

// Wire renders the message as RTMP chunks: a type 0 header on the first
// chunk, a type 3 continuation byte before every later chunk.
func (p *Pages) Wire(typeID byte, streamID uint32) []byte {
	out := make([]byte, 0, p.Length+len(p.chunks)+16)
	out = append(out, byte(p.ChunkStreamID))

	ts := p.Timestamp
	if ts >= extendedTimestamp {
		ts = extendedTimestamp
	}
	out = append(out, byte(ts>>16), byte(ts>>8), byte(ts))
	out = append(out, byte(p.Length>>16), byte(p.Length>>8), byte(p.Length))
	out = append(out, typeID)
	out = binary.LittleEndian.AppendUint32(out, streamID)
	if ts == extendedTimestamp {
		out = binary.BigEndian.AppendUint32(out, p.Timestamp)
	}

	for i, c := range p.chunks {
		if i > 0 {
			out = append(out, 0xc0|byte(p.ChunkStreamID))
			if ts == extendedTimestamp {
				out = binary.BigEndian.AppendUint32(out, p.Timestamp)
			}
		}
		out = append(out, c...)
	}
	return out
}

// Unchunk reverses Wire for a single message on a one-byte chunk stream id.
// It returns the message type id, stream id and body.
func Unchunk(wire []byte, chunkSize int) (typeID byte, streamID uint32, body []byte, err error) {
	if len(wire) < 12 {
		return 0, 0, nil, fmt.Errorf("short message header: %d bytes", len(wire))
	}
	if wire[0]>>6 != 0 {
		return 0, 0, nil, fmt.Errorf("expected type 0 chunk, got fmt %d", wire[0]>>6)
	}
	csid := wire[0] & 0x3f

	ts := uint32(wire[1])<<16 | uint32(wire[2])<<8 | uint32(wire[3])
	length := int(wire[4])<<16 | int(wire[5])<<8 | int(wire[6])
	typeID = wire[7]
	streamID = binary.LittleEndian.Uint32(wire[8:12])

	rest := wire[12:]
	extended := ts == extendedTimestamp
	if extended {
		if len(rest) < 4 {
			return 0, 0, nil, fmt.Errorf("missing extended timestamp")
		}
		rest = rest[4:]
	}

	body = make([]byte, 0, length)
	for len(body) < length {
		if len(body) > 0 {
			if len(rest) == 0 || rest[0] != 0xc0|csid {
				return 0, 0, nil, fmt.Errorf("missing continuation marker at offset %d", len(body))
			}
			rest = rest[1:]
			if extended {
				if len(rest) < 4 {
					return 0, 0, nil, fmt.Errorf("missing extended timestamp")
				}
				rest = rest[4:]
			}
		}

		take := min(chunkSize, length-len(body))
		if len(rest) < take {
			return 0, 0, nil, fmt.Errorf("truncated chunk: want %d bytes, have %d", take, len(rest))
		}
		body = append(body, rest[:take]...)
		rest = rest[take:]
	}

	if len(rest) != 0 {
		return 0, 0, nil, fmt.Errorf("%d trailing bytes", len(rest))
	}
	return typeID, streamID, body, nil
}
