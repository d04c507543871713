/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package mediaengine runs GStreamer pipelines for channels and turns their
// output into framed stream messages.
package mediaengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_relay/internal/config"
)

// ErrSeekUnsupported is returned by pipelines that cannot seek.
var ErrSeekUnsupported = errors.New("seek not supported by this engine")

// Track identifies an elementary stream.
type Track int

const (
	TrackAudio Track = iota
	TrackVideo
)

func (t Track) String() string {
	if t == TrackVideo {
		return "video"
	}
	return "audio"
}

// NoPTS marks a buffer without a valid presentation timestamp.
const NoPTS time.Duration = -1

// Caps describes the format of a buffer: a media type name and its fields.
type Caps struct {
	Name   string
	Fields map[string]any
}

// Int returns an integer field.
func (c Caps) Int(name string) (int, bool) {
	switch v := c.Fields[name].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint32:
		return int(v), true
	default:
		return 0, false
	}
}

// Bytes returns a binary field such as codec_data.
func (c Caps) Bytes(name string) ([]byte, bool) {
	b, ok := c.Fields[name].([]byte)
	return b, ok && len(b) > 0
}

// capsFields copies structure values into caps fields. Buffer values such as
// codec_data are flattened to bytes.
func capsFields(values map[string]any) map[string]any {
	fields := make(map[string]any, len(values))
	for name, v := range values {
		if b, ok := v.(interface{ Bytes() []byte }); ok {
			v = b.Bytes()
		}
		fields[name] = v
	}
	return fields
}

func (c Caps) String() string {
	if len(c.Fields) == 0 {
		return c.Name
	}
	return fmt.Sprintf("%s %v", c.Name, c.Fields)
}

// Buffer is one encoded media sample delivered by an engine.
type Buffer struct {
	Caps Caps
	Data []byte
	PTS  time.Duration
	// Delta is set for frames that depend on earlier frames.
	Delta bool
}

// PipelineState mirrors the GStreamer element states.
type PipelineState int

const (
	PipelineVoidPending PipelineState = iota
	PipelineNull
	PipelineReady
	PipelinePaused
	PipelinePlaying
)

func (s PipelineState) String() string {
	switch s {
	case PipelineNull:
		return "NULL"
	case PipelineReady:
		return "READY"
	case PipelinePaused:
		return "PAUSED"
	case PipelinePlaying:
		return "PLAYING"
	default:
		return "VOID_PENDING"
	}
}

// ParsePipelineState parses a GStreamer state name such as "PLAYING".
func ParsePipelineState(s string) PipelineState {
	switch s {
	case "NULL":
		return PipelineNull
	case "READY":
		return PipelineReady
	case "PAUSED":
		return PipelinePaused
	case "PLAYING":
		return PipelinePlaying
	default:
		return PipelineVoidPending
	}
}

// pipelineStateOf converts a GstState enum value taken from a bus message
// structure. Unknown values map to PipelineVoidPending.
func pipelineStateOf(v any) PipelineState {
	var n int64
	switch s := v.(type) {
	case PipelineState:
		return s
	case string:
		return ParsePipelineState(strings.ToUpper(strings.ReplaceAll(s, "-", "_")))
	case int:
		n = int64(s)
	case int32:
		n = int64(s)
	case int64:
		n = s
	case uint:
		n = int64(s)
	case uint32:
		n = int64(s)
	default:
		return PipelineVoidPending
	}
	if n < int64(PipelineVoidPending) || n > int64(PipelinePlaying) {
		return PipelineVoidPending
	}
	return PipelineState(n)
}

// BusEventType classifies pipeline bus messages.
type BusEventType int

const (
	BusStateChanged BusEventType = iota
	BusEOS
	BusError
	BusWarning
)

// BusEvent is a pipeline-level bus message.
type BusEvent struct {
	Type    BusEventType
	Old     PipelineState
	New     PipelineState
	Pending PipelineState
	Err     error
}

// BuildRequest describes the pipeline to construct.
type BuildRequest struct {
	ID      string
	Spec    string
	IsChain bool
	Options config.ChannelOptions

	// OnBuffer is called from engine goroutines, at most one at a time per track.
	OnBuffer func(Track, Buffer)
	// OnBus is called for pipeline bus messages.
	OnBus func(BusEvent)
}

// Pipeline is a constructed media pipeline.
type Pipeline interface {
	// HasAudio and HasVideo report which tracks the pipeline will deliver.
	HasAudio() bool
	HasVideo() bool

	SetState(state PipelineState) error
	Seek(pos time.Duration) error
}

// Engine constructs pipelines.
type Engine interface {
	Build(ctx context.Context, req BuildRequest) (Pipeline, error)
}

// New returns the engine selected by the configuration.
func New(cfg *config.Config, logger zerolog.Logger) (Engine, error) {
	switch cfg.Engine {
	case config.EngineNative:
		return NewNativeEngine(logger)
	case config.EngineProcess, "":
		return NewProcessEngine(cfg.GStreamerBin, logger), nil
	default:
		return nil, fmt.Errorf("unsupported engine %q", cfg.Engine)
	}
}
