/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sink

import (
	"bytes"
	"fmt"
	"io"

	"github.com/yutopp/go-flv"
	"github.com/yutopp/go-flv/tag"

	"github.com/friendsincode/grimnir_relay/internal/framer"
)

// flvTagOf wraps a framed message as an FLV tag. The message body already
// carries the FLV audio or video tag header.
func flvTagOf(msg *framer.Message) (*tag.FlvTag, error) {
	body := bytes.NewReader(msg.Bytes())
	out := &tag.FlvTag{Timestamp: msg.Timestamp}

	switch msg.Kind {
	case framer.KindAudio:
		var audio tag.AudioData
		if err := tag.DecodeAudioData(body, &audio); err != nil {
			return nil, fmt.Errorf("decode audio tag: %w", err)
		}
		out.TagType = tag.TagTypeAudio
		out.Data = &audio
	case framer.KindVideo:
		var video tag.VideoData
		if err := tag.DecodeVideoData(body, &video); err != nil {
			return nil, fmt.Errorf("decode video tag: %w", err)
		}
		out.TagType = tag.TagTypeVideo
		out.Data = &video
	case framer.KindData:
		var script tag.ScriptData
		if err := tag.DecodeScriptData(body, &script); err != nil {
			return nil, fmt.Errorf("decode script tag: %w", err)
		}
		out.TagType = tag.TagTypeScriptData
		out.Data = &script
	default:
		return nil, fmt.Errorf("unsupported message kind %s", msg.Kind)
	}
	return out, nil
}

// flvWriter encodes messages as an FLV stream.
type flvWriter struct {
	enc *flv.Encoder
}

func newFLVWriter(w io.Writer) (*flvWriter, error) {
	enc, err := flv.NewEncoder(w, flv.FlagsAudio|flv.FlagsVideo)
	if err != nil {
		return nil, fmt.Errorf("write flv header: %w", err)
	}
	return &flvWriter{enc: enc}, nil
}

func (fw *flvWriter) write(msg *framer.Message) error {
	t, err := flvTagOf(msg)
	if err != nil {
		return err
	}
	return fw.enc.Encode(t)
}
