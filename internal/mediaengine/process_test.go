package mediaengine

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/yutopp/go-flv/tag"

	"github.com/friendsincode/grimnir_relay/internal/config"
)

func TestParseBusLine(t *testing.T) {
	tests := []struct {
		name string
		line string
		want BusEvent
		ok   bool
	}{
		{
			name: "pipeline state change",
			line: `Got message #34 from element "pipeline0" (state-changed): GstMessageStateChanged, old-state=(GstState)GST_STATE_PAUSED, new-state=(GstState)GST_STATE_PLAYING, pending-state=(GstState)GST_STATE_VOID_PENDING;`,
			want: BusEvent{Type: BusStateChanged, Old: PipelinePaused, New: PipelinePlaying, Pending: PipelineVoidPending},
			ok:   true,
		},
		{
			name: "element state change is ignored",
			line: `Got message #12 from element "src" (state-changed): GstMessageStateChanged, old-state=(GstState)GST_STATE_READY, new-state=(GstState)GST_STATE_PAUSED, pending-state=(GstState)GST_STATE_VOID_PENDING;`,
			ok:   false,
		},
		{
			name: "eos",
			line: `Got EOS from element "pipeline0".`,
			want: BusEvent{Type: BusEOS},
			ok:   true,
		},
		{
			name: "error",
			line: `ERROR: from element /GstPipeline:pipeline0/GstURIDecodeBin:src: Resource not found.`,
			want: BusEvent{Type: BusError},
			ok:   true,
		},
		{
			name: "warning",
			line: `WARNING: from element /GstPipeline:pipeline0/GstQueue:queue0: Internal data stream error.`,
			want: BusEvent{Type: BusWarning},
			ok:   true,
		},
		{
			name: "noise",
			line: "Setting pipeline to PAUSED ...",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseBusLine(tt.line)
			if ok != tt.ok {
				t.Fatalf("parseBusLine() ok = %v, want %v", ok, tt.ok)
			}
			if !ok {
				return
			}
			if got.Type != tt.want.Type {
				t.Fatalf("Type = %v, want %v", got.Type, tt.want.Type)
			}
			if got.Type == BusStateChanged {
				if got.Old != tt.want.Old || got.New != tt.want.New || got.Pending != tt.want.Pending {
					t.Errorf("states = %s/%s/%s, want %s/%s/%s",
						got.Old, got.New, got.Pending, tt.want.Old, tt.want.New, tt.want.Pending)
				}
			}
			if (got.Type == BusError || got.Type == BusWarning) && got.Err == nil {
				t.Error("expected an error message")
			}
		})
	}
}

func TestChainTracks(t *testing.T) {
	tests := []struct {
		chain string
		audio bool
		video bool
	}{
		{"audiotestsrc ! lamemp3enc ! identity name=audio", true, false},
		{"videotestsrc ! avenc_flv ! identity name=video", false, true},
		{`filesrc location=a.flv ! flvdemux name=d d.audio ! identity name="audio" d.video ! identity name=video`, true, true},
		{"audiotestsrc name=audiosrc ! fakesink", false, false},
	}

	for _, tt := range tests {
		audio, video := ChainTracks(tt.chain)
		if audio != tt.audio || video != tt.video {
			t.Errorf("ChainTracks(%q) = %v, %v, want %v, %v", tt.chain, audio, video, tt.audio, tt.video)
		}
	}
}

func TestProcessDescription(t *testing.T) {
	opts := config.DefaultChannelOptions()

	t.Run("chain", func(t *testing.T) {
		desc, audio, video := processDescription(BuildRequest{
			Spec:    "audiotestsrc ! lamemp3enc ! identity name=audio",
			IsChain: true,
			Options: opts,
		})
		if !audio || video {
			t.Fatalf("tracks = %v, %v, want audio only", audio, video)
		}
		if !strings.Contains(desc, "audio. ! queue ! mux.") {
			t.Errorf("audio branch not linked to the muxer: %s", desc)
		}
		if strings.Contains(desc, "video. !") {
			t.Errorf("unexpected video branch: %s", desc)
		}
		if !strings.HasSuffix(desc, "fdsink fd=3") {
			t.Errorf("description does not end in the FLV output: %s", desc)
		}
	})

	t.Run("uri without video", func(t *testing.T) {
		noVideo := opts
		noVideo.NoVideo = true
		desc, audio, video := processDescription(BuildRequest{Spec: `file:///srv/a "b".mp4`, Options: noVideo})
		if !audio || video {
			t.Fatalf("tracks = %v, %v, want audio only", audio, video)
		}
		if !strings.Contains(desc, `uri="file:///srv/a \"b\".mp4"`) {
			t.Errorf("uri not quoted: %s", desc)
		}
		if !strings.Contains(desc, "speexenc ! queue ! mux.") {
			t.Errorf("audio branch missing: %s", desc)
		}
		if strings.Contains(desc, "avenc_flv") {
			t.Errorf("video encoder present with video disabled: %s", desc)
		}
	})

	t.Run("uri video size", func(t *testing.T) {
		sized := opts
		sized.DefaultWidth = 640
		sized.DefaultHeight = 360
		desc, _, video := processDescription(BuildRequest{Spec: "rtsp://cam/1", Options: sized})
		if !video {
			t.Fatal("expected a video track")
		}
		if !strings.Contains(desc, "video/x-raw,width=640,height=360,pixel-aspect-ratio=1/1") {
			t.Errorf("video caps missing size: %s", desc)
		}
		if !strings.Contains(desc, "avenc_flv bitrate=500000") {
			t.Errorf("default bitrate not applied: %s", desc)
		}
	})
}

func TestProcessEngineRejectsEmptyChain(t *testing.T) {
	engine := NewProcessEngine("", zerolog.Nop())
	if _, err := engine.Build(context.Background(), BuildRequest{Spec: "fakesrc ! fakesink", IsChain: true}); err == nil {
		t.Fatal("expected an error for a chain without track elements")
	}
	if _, err := engine.Build(context.Background(), BuildRequest{Spec: "  "}); err == nil {
		t.Fatal("expected an error for an empty spec")
	}
}

func TestFLVDemuxerAudio(t *testing.T) {
	var d flvDemuxer

	seq := &tag.FlvTag{Data: &tag.AudioData{
		SoundFormat:   tag.SoundFormatAAC,
		SoundRate:     tag.SoundRate44kHz,
		SoundType:     tag.SoundTypeStereo,
		AACPacketType: tag.AACPacketTypeSequenceHeader,
		Data:          bytes.NewReader([]byte{0x12, 0x10}),
	}}
	if _, _, ok, err := d.convert(seq); ok || err != nil {
		t.Fatalf("sequence header produced a buffer (ok=%v, err=%v)", ok, err)
	}

	frame := &tag.FlvTag{Timestamp: 1500, Data: &tag.AudioData{
		SoundFormat:   tag.SoundFormatAAC,
		SoundRate:     tag.SoundRate44kHz,
		SoundType:     tag.SoundTypeStereo,
		AACPacketType: tag.AACPacketTypeRaw,
		Data:          bytes.NewReader([]byte{1, 2, 3}),
	}}
	track, buf, ok, err := d.convert(frame)
	if err != nil || !ok {
		t.Fatalf("convert() ok=%v err=%v", ok, err)
	}
	if track != TrackAudio {
		t.Errorf("track = %s, want audio", track)
	}
	if buf.PTS.Milliseconds() != 1500 {
		t.Errorf("PTS = %s, want 1.5s", buf.PTS)
	}
	format := detectAudio(buf.Caps)
	if format.rate != 44100 || format.channels != 2 {
		t.Errorf("format = %d Hz x%d, want 44100 Hz x2", format.rate, format.channels)
	}
	if !bytes.Equal(format.codecData, []byte{0x12, 0x10}) {
		t.Errorf("codec data = %x, want 1210", format.codecData)
	}
}

func TestFLVDemuxerVideo(t *testing.T) {
	var d flvDemuxer

	seq := &tag.FlvTag{Data: &tag.VideoData{
		FrameType:     tag.FrameTypeKeyFrame,
		CodecID:       tag.CodecIDAVC,
		AVCPacketType: tag.AVCPacketTypeSequenceHeader,
		Data:          bytes.NewReader([]byte{0x01, 0x64}),
	}}
	if _, _, ok, _ := d.convert(seq); ok {
		t.Fatal("sequence header produced a buffer")
	}

	inter := &tag.FlvTag{Timestamp: 40, Data: &tag.VideoData{
		FrameType:     tag.FrameTypeInterFrame,
		CodecID:       tag.CodecIDAVC,
		AVCPacketType: tag.AVCPacketTypeNALU,
		Data:          bytes.NewReader([]byte{9, 9}),
	}}
	track, buf, ok, err := d.convert(inter)
	if err != nil || !ok {
		t.Fatalf("convert() ok=%v err=%v", ok, err)
	}
	if track != TrackVideo || !buf.Delta {
		t.Errorf("track = %s delta = %v, want video delta frame", track, buf.Delta)
	}
	if f := detectVideo(buf.Caps); !bytes.Equal(f.codecData, []byte{0x01, 0x64}) {
		t.Errorf("codec data = %x, want 0164", f.codecData)
	}
}

type busLog struct {
	mu     sync.Mutex
	events []BusEvent
}

func (l *busLog) add(ev BusEvent) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *busLog) types() []BusEventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]BusEventType, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.Type)
	}
	return out
}

// fakeLauncher writes a shell script standing in for gst-launch.
func fakeLauncher(t *testing.T, body string) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available")
	}
	path := filepath.Join(t.TempDir(), "gst-launch")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProcessPipelineExitReporting(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   []BusEventType
	}{
		{
			name:   "eos then clean exit",
			script: `echo 'Got EOS from element "pipeline0".'; exit 0`,
			want:   []BusEventType{BusEOS},
		},
		{
			name:   "clean exit without eos",
			script: "exit 0",
			want:   []BusEventType{BusEOS},
		},
		{
			name:   "failure exit",
			script: "exit 3",
			want:   []BusEventType{BusError},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var log busLog
			engine := NewProcessEngine(fakeLauncher(t, tt.script), zerolog.Nop())
			p, err := engine.Build(context.Background(), BuildRequest{
				ID:      "test",
				Spec:    "file:///tmp/a.mp4",
				Options: config.DefaultChannelOptions(),
				OnBus:   log.add,
			})
			if err != nil {
				t.Fatalf("Build() error: %v", err)
			}
			if err := p.SetState(PipelinePlaying); err != nil {
				t.Fatalf("SetState(PLAYING) error: %v", err)
			}
			waitFor(t, "exit report", func() bool { return len(log.types()) >= len(tt.want) })

			got := log.types()
			if len(got) != len(tt.want) {
				t.Fatalf("events = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("event %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
			if err := p.SetState(PipelineNull); err != nil {
				t.Errorf("SetState(NULL) error: %v", err)
			}
		})
	}
}

func TestProcessPipelineSeekUnsupported(t *testing.T) {
	engine := NewProcessEngine("", zerolog.Nop())
	p, err := engine.Build(context.Background(), BuildRequest{Spec: "file:///a.mp4", Options: config.DefaultChannelOptions()})
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if err := p.Seek(0); err != ErrSeekUnsupported {
		t.Errorf("Seek() = %v, want ErrSeekUnsupported", err)
	}
}
