//go:build gstnative

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mediaengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-gst/go-gst/gst"
	"github.com/rs/zerolog"
)

const busPollInterval = 200 * time.Millisecond

var gstInitOnce sync.Once

// NativeEngine builds pipelines in-process through the GStreamer bindings.
// Buffers are taken from probes on the sink pads of the "audio" and "video"
// elements.
type NativeEngine struct {
	logger zerolog.Logger
}

// NewNativeEngine initializes GStreamer once per process.
func NewNativeEngine(logger zerolog.Logger) (Engine, error) {
	gstInitOnce.Do(func() { gst.Init(nil) })
	return &NativeEngine{logger: logger.With().Str("engine", "native").Logger()}, nil
}

// Build parses the launch description and attaches buffer probes.
func (e *NativeEngine) Build(ctx context.Context, req BuildRequest) (Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	description := req.Spec
	if !req.IsChain {
		description = uriDescription(req.Spec, req.Options, trackTails{
			audio: "fakesink name=audio sync=true",
			video: "fakesink name=video sync=true",
		})
	}

	pipeline, err := gst.NewPipelineFromString(description)
	if err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}

	np := &nativePipeline{
		pipeline: pipeline,
		onBuffer: req.OnBuffer,
		onBus:    req.OnBus,
		logger:   e.logger.With().Str("pipeline", req.ID).Logger(),
		done:     make(chan struct{}),
	}

	if !req.Options.NoAudio {
		np.hasAudio = np.probe("audio", TrackAudio)
	}
	if !req.Options.NoVideo {
		np.hasVideo = np.probe("video", TrackVideo)
	}
	if !np.hasAudio && !np.hasVideo {
		return nil, errors.New("pipeline has neither an audio nor a video element")
	}

	go np.watchBus()
	return np, nil
}

type nativePipeline struct {
	pipeline *gst.Pipeline
	hasAudio bool
	hasVideo bool
	onBuffer func(Track, Buffer)
	onBus    func(BusEvent)
	logger   zerolog.Logger

	stopOnce sync.Once
	done     chan struct{}
}

func (p *nativePipeline) HasAudio() bool { return p.hasAudio }
func (p *nativePipeline) HasVideo() bool { return p.hasVideo }

// probe attaches a buffer probe to the sink pad of the named element.
func (p *nativePipeline) probe(name string, track Track) bool {
	elem, err := p.pipeline.GetElementByName(name)
	if err != nil || elem == nil {
		return false
	}
	pad := elem.GetStaticPad("sink")
	if pad == nil {
		p.logger.Warn().Str("element", name).Msg("element has no sink pad")
		return false
	}

	pad.AddProbe(gst.PadProbeTypeBuffer, func(pad *gst.Pad, info *gst.PadProbeInfo) gst.PadProbeReturn {
		buffer := info.GetBuffer()
		if buffer == nil || p.onBuffer == nil {
			return gst.PadProbeOK
		}

		buf := Buffer{
			Caps:  capsOf(pad),
			Data:  buffer.Bytes(),
			PTS:   NoPTS,
			Delta: buffer.HasFlags(gst.BufferFlagDeltaUnit),
		}
		if pts := buffer.PresentationTimestamp(); pts != gst.ClockTimeNone {
			buf.PTS = time.Duration(pts)
		}
		p.onBuffer(track, buf)
		return gst.PadProbeOK
	})
	return true
}

func capsOf(pad *gst.Pad) Caps {
	caps := pad.GetCurrentCaps()
	if caps == nil || caps.GetSize() == 0 {
		return Caps{}
	}
	st := caps.GetStructureAt(0)
	return Caps{Name: st.Name(), Fields: capsFields(st.Values())}
}

func (p *nativePipeline) SetState(state PipelineState) error {
	if state == PipelineNull {
		p.stopOnce.Do(func() { close(p.done) })
	}
	return p.pipeline.SetState(gstState(state))
}

func (p *nativePipeline) Seek(pos time.Duration) error {
	if !p.pipeline.SeekSimple(int64(pos), gst.FormatTime, gst.SeekFlagFlush|gst.SeekFlagKeyUnit) {
		return fmt.Errorf("seek to %s failed", pos)
	}
	return nil
}

func (p *nativePipeline) watchBus() {
	bus := p.pipeline.GetBus()
	name := p.pipeline.GetName()

	for {
		select {
		case <-p.done:
			return
		default:
		}

		msg := bus.TimedPop(gst.ClockTime(busPollInterval))
		if msg == nil || p.onBus == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageStateChanged:
			if msg.Source() != name {
				continue
			}
			oldState, newState := msg.ParseStateChanged()
			p.onBus(BusEvent{
				Type:    BusStateChanged,
				Old:     pipelineState(oldState),
				New:     pipelineState(newState),
				Pending: pendingState(msg),
			})
		case gst.MessageEOS:
			p.onBus(BusEvent{Type: BusEOS})
		case gst.MessageError:
			gerr := msg.ParseError()
			p.onBus(BusEvent{Type: BusError, Err: errors.New(gerr.Error())})
		case gst.MessageWarning:
			gwarn := msg.ParseWarning()
			p.onBus(BusEvent{Type: BusWarning, Err: errors.New(gwarn.Error())})
		}
	}
}

// pendingState reads the pending state of a state-changed message.
func pendingState(msg *gst.Message) PipelineState {
	st := msg.GetStructure()
	if st == nil {
		return PipelineVoidPending
	}
	v, err := st.GetValue("pending-state")
	if err != nil {
		return PipelineVoidPending
	}
	if s, ok := v.(gst.State); ok {
		return pipelineState(s)
	}
	return pipelineStateOf(v)
}

func gstState(s PipelineState) gst.State {
	switch s {
	case PipelineNull:
		return gst.StateNull
	case PipelineReady:
		return gst.StateReady
	case PipelinePaused:
		return gst.StatePaused
	case PipelinePlaying:
		return gst.StatePlaying
	default:
		return gst.StateVoidPending
	}
}

func pipelineState(s gst.State) PipelineState {
	switch s {
	case gst.StateNull:
		return PipelineNull
	case gst.StateReady:
		return PipelineReady
	case gst.StatePaused:
		return PipelinePaused
	case gst.StatePlaying:
		return PipelinePlaying
	default:
		return PipelineVoidPending
	}
}
