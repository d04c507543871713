/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mediaengine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/yutopp/go-flv"
	"github.com/yutopp/go-flv/tag"

	"github.com/friendsincode/grimnir_relay/internal/framer"
)

const processStopTimeout = 5 * time.Second

// Regular expressions for parsing gst-launch -m output
var (
	// Got message #34 from element "pipeline0" (state-changed): GstMessageStateChanged,
	// old-state=(GstState)GST_STATE_PAUSED, new-state=(GstState)GST_STATE_PLAYING,
	// pending-state=(GstState)GST_STATE_VOID_PENDING;
	busStateRegex = regexp.MustCompile(`from element "pipeline\d+" \(state-changed\).*old-state=\(GstState\)GST_STATE_(\w+), new-state=\(GstState\)GST_STATE_(\w+), pending-state=\(GstState\)GST_STATE_(\w+)`)

	// Got EOS from element "pipeline0".
	busEOSRegex = regexp.MustCompile(`Got EOS from element`)

	// ERROR: from element /GstPipeline:pipeline0/GstURIDecodeBin:src: Resource not found.
	busErrorRegex = regexp.MustCompile(`ERROR:(.+)`)

	busWarningRegex = regexp.MustCompile(`WARNING:(.+)`)
)

// ProcessEngine runs each pipeline as a gst-launch child process. The
// pipeline muxes its tracks to FLV on fd 3, which is demultiplexed back into
// buffers; bus messages are parsed from the -m output.
type ProcessEngine struct {
	bin    string
	logger zerolog.Logger
}

// NewProcessEngine creates an engine that runs bin (gst-launch-1.0 when empty).
func NewProcessEngine(bin string, logger zerolog.Logger) *ProcessEngine {
	if bin == "" {
		bin = "gst-launch-1.0"
	}
	return &ProcessEngine{bin: bin, logger: logger.With().Str("engine", "process").Logger()}
}

// Build prepares a pipeline description. The process starts on SetState(PipelinePlaying).
func (e *ProcessEngine) Build(ctx context.Context, req BuildRequest) (Pipeline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Spec) == "" {
		return nil, errors.New("empty stream spec")
	}

	description, hasAudio, hasVideo := processDescription(req)
	if !hasAudio && !hasVideo {
		return nil, fmt.Errorf("pipeline has neither an audio nor a video element")
	}

	return &processPipeline{
		id:          req.ID,
		bin:         e.bin,
		description: description,
		hasAudio:    hasAudio,
		hasVideo:    hasVideo,
		onBuffer:    req.OnBuffer,
		onBus:       req.OnBus,
		logger:      e.logger.With().Str("gst_process", req.ID).Logger(),
	}, nil
}

// processDescription appends the FLV mux tail to the source description.
func processDescription(req BuildRequest) (string, bool, bool) {
	const mux = "flvmux name=mux streamable=true ! fdsink fd=3"

	if req.IsChain {
		hasAudio, hasVideo := ChainTracks(req.Spec)
		hasAudio = hasAudio && !req.Options.NoAudio
		hasVideo = hasVideo && !req.Options.NoVideo

		parts := []string{req.Spec}
		if hasAudio {
			parts = append(parts, "audio. ! queue ! mux.")
		}
		if hasVideo {
			parts = append(parts, "video. ! queue ! mux.")
		}
		parts = append(parts, mux)
		return strings.Join(parts, " "), hasAudio, hasVideo
	}

	hasAudio, hasVideo := uriTracks(req.Options)
	description := uriDescription(req.Spec, req.Options, trackTails{audio: "queue ! mux.", video: "queue ! mux."})
	return description + " " + mux, hasAudio, hasVideo
}

type processPipeline struct {
	id          string
	bin         string
	description string
	hasAudio    bool
	hasVideo    bool
	onBuffer    func(Track, Buffer)
	onBus       func(BusEvent)
	logger      zerolog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	stopping bool
	eos      bool
}

func (p *processPipeline) HasAudio() bool { return p.hasAudio }
func (p *processPipeline) HasVideo() bool { return p.hasVideo }

func (p *processPipeline) SetState(state PipelineState) error {
	switch state {
	case PipelinePlaying:
		return p.start()
	case PipelineNull:
		return p.stop()
	default:
		return fmt.Errorf("state %s not supported by process pipelines", state)
	}
}

func (p *processPipeline) Seek(time.Duration) error {
	return ErrSeekUnsupported
}

func (p *processPipeline) start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopping {
		return errors.New("pipeline stopped")
	}
	if p.cmd != nil {
		return nil
	}

	flvReader, flvWriter, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create output pipe: %w", err)
	}

	cmd := exec.Command(p.bin, "-m", p.description)
	cmd.ExtraFiles = []*os.File{flvWriter}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		flvReader.Close()
		flvWriter.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		flvReader.Close()
		flvWriter.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		flvReader.Close()
		flvWriter.Close()
		return fmt.Errorf("start %s: %w", p.bin, err)
	}

	// The child holds the write end now.
	flvWriter.Close()

	p.cmd = cmd
	p.done = make(chan struct{})

	p.logger.Info().
		Int("pid", cmd.Process.Pid).
		Str("pipeline", p.description).
		Msg("GStreamer process started")

	var output sync.WaitGroup
	output.Add(3)
	go func() {
		defer output.Done()
		p.scan(stdout, "stdout")
	}()
	go func() {
		defer output.Done()
		p.scan(stderr, "stderr")
	}()
	go func() {
		defer output.Done()
		defer flvReader.Close()
		p.demux(flvReader)
	}()

	go p.wait(cmd, p.done, &output)

	return nil
}

func (p *processPipeline) stop() error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	cmd, done := p.cmd, p.done
	p.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	default:
	}

	p.logger.Info().Msg("stopping GStreamer process")

	if err := cmd.Process.Signal(os.Interrupt); err != nil {
		p.logger.Warn().Err(err).Msg("failed to send interrupt signal")
	}

	select {
	case <-done:
	case <-time.After(processStopTimeout):
		p.logger.Warn().Msg("graceful shutdown timeout, force killing")
		if err := cmd.Process.Kill(); err != nil {
			p.logger.Error().Err(err).Msg("failed to kill process")
			return err
		}
		<-done
	}

	p.logger.Info().Msg("GStreamer process stopped")
	return nil
}

// wait reports an unexpected exit as a bus message once all output is consumed.
func (p *processPipeline) wait(cmd *exec.Cmd, done chan struct{}, output *sync.WaitGroup) {
	err := cmd.Wait()
	output.Wait()
	close(done)

	p.mu.Lock()
	stopping, eos := p.stopping, p.eos
	p.mu.Unlock()

	if stopping {
		return
	}

	if err != nil {
		code := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		p.logger.Error().Err(err).Int("exit_code", code).Msg("GStreamer process exited with error")
		p.bus(BusEvent{Type: BusError, Err: fmt.Errorf("gst-launch exited with code %d: %w", code, err)})
		return
	}

	p.logger.Info().Msg("GStreamer process exited normally")
	if !eos {
		p.bus(BusEvent{Type: BusEOS})
	}
}

func (p *processPipeline) scan(r io.Reader, source string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ev, ok := parseBusLine(scanner.Text()); ok {
			if ev.Type == BusEOS {
				p.mu.Lock()
				p.eos = true
				p.mu.Unlock()
			}
			p.bus(ev)
		} else {
			p.logger.Trace().Str("source", source).Str("line", scanner.Text()).Msg("gst output")
		}
	}

	if err := scanner.Err(); err != nil {
		p.logger.Debug().Err(err).Str("source", source).Msg("error reading gst output")
	}
}

func (p *processPipeline) bus(ev BusEvent) {
	if p.onBus != nil {
		p.onBus(ev)
	}
}

// parseBusLine maps one line of gst-launch -m output to a bus event.
func parseBusLine(line string) (BusEvent, bool) {
	if m := busStateRegex.FindStringSubmatch(line); m != nil {
		return BusEvent{
			Type:    BusStateChanged,
			Old:     ParsePipelineState(m[1]),
			New:     ParsePipelineState(m[2]),
			Pending: ParsePipelineState(m[3]),
		}, true
	}
	if busEOSRegex.MatchString(line) {
		return BusEvent{Type: BusEOS}, true
	}
	if m := busErrorRegex.FindStringSubmatch(line); m != nil {
		return BusEvent{Type: BusError, Err: errors.New(strings.TrimSpace(m[1]))}, true
	}
	if m := busWarningRegex.FindStringSubmatch(line); m != nil {
		return BusEvent{Type: BusWarning, Err: errors.New(strings.TrimSpace(m[1]))}, true
	}
	return BusEvent{}, false
}

// demux turns the FLV stream written by flvmux back into track buffers.
func (p *processPipeline) demux(r io.Reader) {
	dec, err := flv.NewDecoder(r)
	if err != nil {
		if !p.isStopping() {
			p.logger.Debug().Err(err).Msg("no FLV output from pipeline")
		}
		return
	}

	var d flvDemuxer
	for {
		var flvTag tag.FlvTag
		if err := dec.Decode(&flvTag); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !p.isStopping() {
				p.logger.Warn().Err(err).Msg("failed to decode FLV tag")
			}
			return
		}

		track, buf, ok, err := d.convert(&flvTag)
		if err != nil {
			p.logger.Warn().Err(err).Msg("failed to read FLV tag body")
			continue
		}
		if ok && p.onBuffer != nil {
			p.onBuffer(track, buf)
		}
	}
}

func (p *processPipeline) isStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// flvDemuxer keeps codec configuration seen in sequence header tags.
type flvDemuxer struct {
	aacConfig []byte
	avcConfig []byte
}

var flvSoundRates = [...]int{5512, 11025, 22050, 44100}

// convert maps one FLV tag to a buffer. Sequence headers are absorbed into
// the caps of the following frames.
func (d *flvDemuxer) convert(flvTag *tag.FlvTag) (Track, Buffer, bool, error) {
	pts := time.Duration(flvTag.Timestamp) * time.Millisecond

	switch data := flvTag.Data.(type) {
	case *tag.AudioData:
		payload, err := io.ReadAll(data.Data)
		if err != nil {
			return TrackAudio, Buffer{}, false, err
		}
		codec := framer.AudioCodec(data.SoundFormat)
		if codec == framer.AudioAAC && data.AACPacketType == tag.AACPacketTypeSequenceHeader {
			d.aacConfig = payload
			return TrackAudio, Buffer{}, false, nil
		}
		return TrackAudio, Buffer{Caps: d.audioCaps(data), Data: payload, PTS: pts}, true, nil

	case *tag.VideoData:
		payload, err := io.ReadAll(data.Data)
		if err != nil {
			return TrackVideo, Buffer{}, false, err
		}
		codec := framer.VideoCodec(data.CodecID)
		if codec == framer.VideoAVC {
			switch data.AVCPacketType {
			case tag.AVCPacketTypeSequenceHeader:
				d.avcConfig = payload
				return TrackVideo, Buffer{}, false, nil
			case tag.AVCPacketTypeEOS:
				return TrackVideo, Buffer{}, false, nil
			}
		}
		return TrackVideo, Buffer{
			Caps:  d.videoCaps(codec),
			Data:  payload,
			PTS:   pts,
			Delta: data.FrameType != tag.FrameTypeKeyFrame,
		}, true, nil
	}

	// Script data carries flvmux's own onMetaData.
	return TrackAudio, Buffer{}, false, nil
}

func (d *flvDemuxer) audioCaps(data *tag.AudioData) Caps {
	rate := 44100
	if int(data.SoundRate) < len(flvSoundRates) {
		rate = flvSoundRates[data.SoundRate]
	}
	channels := 1
	if data.SoundType == tag.SoundTypeStereo {
		channels = 2
	}
	fields := map[string]any{"rate": rate, "channels": channels}

	switch framer.AudioCodec(data.SoundFormat) {
	case framer.AudioMP3:
		fields["mpegversion"] = 1
		fields["layer"] = 3
		return Caps{Name: "audio/mpeg", Fields: fields}
	case framer.AudioAAC:
		fields["mpegversion"] = 4
		if d.aacConfig != nil {
			fields["codec_data"] = d.aacConfig
		}
		return Caps{Name: "audio/mpeg", Fields: fields}
	case framer.AudioSpeex:
		fields["rate"] = 16000
		return Caps{Name: "audio/x-speex", Fields: fields}
	case framer.AudioNellymoser:
		return Caps{Name: "audio/x-nellymoser", Fields: fields}
	case framer.AudioADPCM:
		return Caps{Name: "audio/x-adpcm", Fields: fields}
	case framer.AudioPCM:
		return Caps{Name: "audio/x-raw-int", Fields: fields}
	case framer.AudioG711ALaw:
		return Caps{Name: "audio/x-alaw", Fields: fields}
	case framer.AudioG711MuLaw:
		return Caps{Name: "audio/x-mulaw", Fields: fields}
	}
	return Caps{Name: "audio/unknown", Fields: fields}
}

func (d *flvDemuxer) videoCaps(codec framer.VideoCodec) Caps {
	switch codec {
	case framer.VideoSorensonH263:
		return Caps{Name: "video/x-flash-video"}
	case framer.VideoScreen:
		return Caps{Name: "video/x-flash-screen"}
	case framer.VideoVP6:
		return Caps{Name: "video/x-vp6-flash"}
	case framer.VideoAVC:
		fields := map[string]any{}
		if d.avcConfig != nil {
			fields["codec_data"] = d.avcConfig
		}
		return Caps{Name: "video/x-h264", Fields: fields}
	}
	return Caps{Name: "video/unknown"}
}
