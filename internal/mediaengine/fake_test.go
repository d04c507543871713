package mediaengine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/friendsincode/grimnir_relay/internal/framer"
)

type fakeEngine struct {
	mu       sync.Mutex
	hasAudio bool
	hasVideo bool
	buildErr error
	gate     chan struct{}
	builds   []*fakePipeline
}

func newFakeEngine(audio, video bool) *fakeEngine {
	return &fakeEngine{hasAudio: audio, hasVideo: video}
}

func (e *fakeEngine) Build(ctx context.Context, req BuildRequest) (Pipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.buildErr != nil {
		return nil, e.buildErr
	}
	p := &fakePipeline{req: req, hasAudio: e.hasAudio, hasVideo: e.hasVideo, gate: e.gate}
	e.builds = append(e.builds, p)
	return p, nil
}

func (e *fakeEngine) buildCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.builds)
}

func (e *fakeEngine) pipeline(i int) *fakePipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i >= len(e.builds) {
		return nil
	}
	return e.builds[i]
}

type fakePipeline struct {
	req      BuildRequest
	hasAudio bool
	hasVideo bool
	gate     chan struct{}

	mu     sync.Mutex
	states []PipelineState
	seeks  []time.Duration
}

func (p *fakePipeline) HasAudio() bool { return p.hasAudio }
func (p *fakePipeline) HasVideo() bool { return p.hasVideo }

func (p *fakePipeline) SetState(state PipelineState) error {
	if state == PipelinePlaying && p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	p.states = append(p.states, state)
	p.mu.Unlock()
	return nil
}

func (p *fakePipeline) Seek(pos time.Duration) error {
	p.mu.Lock()
	p.seeks = append(p.seeks, pos)
	p.mu.Unlock()
	return nil
}

func (p *fakePipeline) stateLog() []PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PipelineState(nil), p.states...)
}

func (p *fakePipeline) seekLog() []time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]time.Duration(nil), p.seeks...)
}

func (p *fakePipeline) stopped() bool {
	for _, s := range p.stateLog() {
		if s == PipelineNull {
			return true
		}
	}
	return false
}

func (p *fakePipeline) playing() {
	p.req.OnBus(BusEvent{Type: BusStateChanged, Old: PipelinePaused, New: PipelinePlaying, Pending: PipelineVoidPending})
}

type fakeSink struct {
	mu     sync.Mutex
	msgs   []framer.Message
	closed bool
}

func (s *fakeSink) record(msg *framer.Message) {
	s.mu.Lock()
	s.msgs = append(s.msgs, *msg)
	s.mu.Unlock()
}

func (s *fakeSink) FireAudioMessage(msg *framer.Message) { s.record(msg) }
func (s *fakeSink) FireVideoMessage(msg *framer.Message) { s.record(msg) }
func (s *fakeSink) FireDataMessage(msg *framer.Message)  { s.record(msg) }

func (s *fakeSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *fakeSink) messages() []framer.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]framer.Message(nil), s.msgs...)
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) onStatus(status Status, _ error) {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
}

func (r *statusRecorder) count(status Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.statuses {
		if s == status {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
