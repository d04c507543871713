package playout

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_relay/internal/config"
	"github.com/friendsincode/grimnir_relay/internal/events"
	"github.com/friendsincode/grimnir_relay/internal/mediaengine"
	"github.com/friendsincode/grimnir_relay/internal/sink"
)

type stubEngine struct {
	mu     sync.Mutex
	builds []*stubPipeline
}

func (e *stubEngine) Build(_ context.Context, req mediaengine.BuildRequest) (mediaengine.Pipeline, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := &stubPipeline{req: req}
	e.builds = append(e.builds, p)
	return p, nil
}

func (e *stubEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.builds)
}

func (e *stubEngine) last() *stubPipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.builds) == 0 {
		return nil
	}
	return e.builds[len(e.builds)-1]
}

type stubPipeline struct {
	req mediaengine.BuildRequest
}

func (p *stubPipeline) HasAudio() bool                           { return true }
func (p *stubPipeline) HasVideo() bool                           { return false }
func (p *stubPipeline) SetState(mediaengine.PipelineState) error { return nil }
func (p *stubPipeline) Seek(time.Duration) error                 { return nil }

func (p *stubPipeline) finish() {
	p.req.OnBus(mediaengine.BusEvent{Type: mediaengine.BusEOS})
}

func (p *stubPipeline) fail(err error) {
	p.req.OnBus(mediaengine.BusEvent{Type: mediaengine.BusError, Err: err})
}

type memoryStore struct {
	mu      sync.Mutex
	sources map[string]Source
}

func (s *memoryStore) SaveSource(_ context.Context, channel string, src Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sources == nil {
		s.sources = make(map[string]Source)
	}
	s.sources[channel] = src
	return nil
}

func (s *memoryStore) LoadSources(context.Context) (map[string]Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Source, len(s.sources))
	for k, v := range s.sources {
		out[k] = v
	}
	return out, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestManager(t *testing.T, store SourceStore) (*Manager, *stubEngine, *events.Bus) {
	t.Helper()
	engine := &stubEngine{}
	bus := events.NewBus()
	m := NewManager(ManagerConfig{
		Engine: engine,
		Hubs:   sink.NewServer(zerolog.Nop(), bus),
		Bus:    bus,
		Store:  store,
	}, zerolog.Nop())
	t.Cleanup(func() {
		m.Shutdown(context.Background())
		bus.Close()
	})
	return m, engine, bus
}

func writePlaylist(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "playlist.xml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write playlist: %v", err)
	}
	return path
}

const threeItems = `<playlist>
  <item id="intro"><uri>file:///media/intro.mp4</uri></item>
  <item id="show"><chain>videotestsrc ! x264enc name=video</chain></item>
  <item id="outro"><path>/media/outro.mp4</path></item>
</playlist>`

func TestManagerSetChannelValidation(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	if err := m.AddChannel(context.Background(), "lobby", config.DefaultChannelOptions(), Source{}); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}

	tests := []struct {
		name    string
		channel string
		src     Source
		wantErr error
	}{
		{"no source", "lobby", Source{}, ErrInvalidSource},
		{"two sources", "lobby", Source{Chain: "videotestsrc", URI: "rtsp://cam"}, ErrInvalidSource},
		{"unknown channel", "attic", Source{URI: "rtsp://cam"}, ErrChannelNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.SetChannel(context.Background(), tt.channel, tt.src)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("SetChannel() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	err := m.AddChannel(context.Background(), "lobby", config.DefaultChannelOptions(), Source{})
	if !errors.Is(err, ErrChannelExists) {
		t.Errorf("duplicate AddChannel error = %v, want ErrChannelExists", err)
	}
}

func TestManagerSetChannelOpensSource(t *testing.T) {
	store := &memoryStore{}
	m, engine, _ := newTestManager(t, store)
	ctx := context.Background()
	if err := m.AddChannel(ctx, "lobby", config.DefaultChannelOptions(), Source{}); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}

	tests := []struct {
		src       Source
		wantSpec  string
		wantChain bool
	}{
		{Source{Chain: "videotestsrc ! x264enc name=video"}, "videotestsrc ! x264enc name=video", true},
		{Source{URI: "rtsp://camera/stream"}, "rtsp://camera/stream", false},
		{Source{Path: "/media/clip.mp4"}, "file:///media/clip.mp4", false},
	}
	for _, tt := range tests {
		before := engine.count()
		if err := m.SetChannel(ctx, "lobby", tt.src); err != nil {
			t.Fatalf("SetChannel(%+v): %v", tt.src, err)
		}
		waitFor(t, "pipeline build", func() bool { return engine.count() > before })

		req := engine.last().req
		if req.Spec != tt.wantSpec || req.IsChain != tt.wantChain {
			t.Errorf("built %q (chain=%v), want %q (chain=%v)", req.Spec, req.IsChain, tt.wantSpec, tt.wantChain)
		}
	}

	info, err := m.Info("lobby")
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Source.Path != "/media/clip.mp4" {
		t.Errorf("Info().Source = %+v", info.Source)
	}
	if got := store.sources["lobby"]; got.Path != "/media/clip.mp4" {
		t.Errorf("persisted source = %+v", got)
	}
}

func TestManagerPlaylistChannel(t *testing.T) {
	m, engine, bus := newTestManager(t, nil)
	loaded := bus.Subscribe(events.EventPlaylistLoaded)
	ctx := context.Background()

	path := writePlaylist(t, threeItems)
	if err := m.AddChannel(ctx, "lobby", config.DefaultChannelOptions(), Source{Playlist: path}); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	waitFor(t, "first item", func() bool { return engine.count() == 1 })
	if spec := engine.last().req.Spec; spec != "file:///media/intro.mp4" {
		t.Fatalf("first item spec = %q", spec)
	}

	select {
	case payload := <-loaded:
		if payload["items"] != 3 || payload["channel"] != "lobby" {
			t.Errorf("playlist.loaded payload = %v", payload)
		}
	default:
		t.Error("no playlist.loaded event")
	}

	// End of stream moves on to the next item.
	engine.last().finish()
	waitFor(t, "second item", func() bool { return engine.count() == 2 })
	if req := engine.last().req; !req.IsChain {
		t.Errorf("second item should be a chain, got %q", req.Spec)
	}

	if err := m.SetPosition("lobby", 3, 0); err != nil {
		t.Fatalf("SetPosition: %v", err)
	}
	waitFor(t, "third item", func() bool { return engine.count() == 3 })
	if spec := engine.last().req.Spec; spec != "file:///media/outro.mp4" {
		t.Errorf("SetPosition(3) spec = %q", spec)
	}

	if err := m.SetPositionID("lobby", "intro", 0); err != nil {
		t.Fatalf("SetPositionID: %v", err)
	}
	waitFor(t, "intro again", func() bool { return engine.count() == 4 })

	if err := m.SetPositionID("lobby", "missing", 0); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("SetPositionID(missing) error = %v, want ErrItemNotFound", err)
	}

	// Reloading without keeping the current item restarts at the top.
	if err := m.UpdatePlaylist(ctx, "lobby", false); err != nil {
		t.Fatalf("UpdatePlaylist: %v", err)
	}
	waitFor(t, "restart after reload", func() bool { return engine.count() == 5 })

	if err := m.UpdatePlaylist(ctx, "lobby", true); err != nil {
		t.Fatalf("UpdatePlaylist(keep): %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if n := engine.count(); n != 5 {
		t.Errorf("keeping the current item rebuilt the pipeline: %d builds", n)
	}
}

func TestManagerErrorAdvances(t *testing.T) {
	m, engine, bus := newTestManager(t, nil)
	errs := bus.Subscribe(events.EventStreamError)
	ctx := context.Background()

	path := writePlaylist(t, threeItems)
	if err := m.AddChannel(ctx, "lobby", config.DefaultChannelOptions(), Source{Playlist: path}); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	waitFor(t, "first item", func() bool { return engine.count() == 1 })

	engine.last().fail(errors.New("decoder exploded"))
	waitFor(t, "next item after error", func() bool { return engine.count() == 2 })

	select {
	case payload := <-errs:
		if payload["error"] != "decoder exploded" {
			t.Errorf("stream.error payload = %v", payload)
		}
	case <-time.After(time.Second):
		t.Error("no stream.error event")
	}
}

func TestManagerUpdatePlaylistRequiresPlaylist(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()
	if err := m.AddChannel(ctx, "lobby", config.DefaultChannelOptions(), Source{URI: "rtsp://cam"}); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	if err := m.UpdatePlaylist(ctx, "lobby", false); !errors.Is(err, ErrNoPlaylist) {
		t.Errorf("UpdatePlaylist error = %v, want ErrNoPlaylist", err)
	}
	if err := m.UpdatePlaylist(ctx, "attic", false); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("UpdatePlaylist(attic) error = %v, want ErrChannelNotFound", err)
	}
}

func TestManagerReconnect(t *testing.T) {
	m, engine, _ := newTestManager(t, nil)
	ctx := context.Background()

	if err := m.AddChannel(ctx, "idle", config.DefaultChannelOptions(), Source{}); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	if err := m.Reconnect("idle"); !errors.Is(err, ErrNoSource) {
		t.Errorf("Reconnect(idle) error = %v, want ErrNoSource", err)
	}

	if err := m.AddChannel(ctx, "lobby", config.DefaultChannelOptions(), Source{URI: "rtsp://cam"}); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	waitFor(t, "first build", func() bool { return engine.count() == 1 })

	if err := m.Reconnect("lobby"); err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	waitFor(t, "rebuild", func() bool { return engine.count() == 2 })
	if spec := engine.last().req.Spec; spec != "rtsp://cam" {
		t.Errorf("reconnect opened %q", spec)
	}
}

func TestManagerListAndStats(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	ctx := context.Background()

	opts := config.DefaultChannelOptions()
	opts.Title = "Main"
	for _, name := range []string{"zulu", "alpha"} {
		if err := m.AddChannel(ctx, name, opts, Source{}); err != nil {
			t.Fatalf("AddChannel(%s): %v", name, err)
		}
	}

	list := m.List()
	if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "zulu" {
		t.Fatalf("List() = %+v", list)
	}
	if list[0].Title != "Main" {
		t.Errorf("Title = %q", list[0].Title)
	}

	stats := m.Stats()
	if len(stats) != 2 || stats[0].Name != "alpha" {
		t.Fatalf("Stats() = %+v", stats)
	}
	m.ResetStats()
	for _, st := range m.Stats() {
		if st.RxBytes != 0 {
			t.Errorf("%s rx bytes = %d after reset", st.Name, st.RxBytes)
		}
	}

	if err := m.RemoveChannel("zulu"); err != nil {
		t.Fatalf("RemoveChannel: %v", err)
	}
	if _, err := m.Info("zulu"); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("Info(removed) error = %v", err)
	}
	if err := m.RemoveChannel("zulu"); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("second RemoveChannel error = %v", err)
	}
}

func TestManagerRestore(t *testing.T) {
	store := &memoryStore{sources: map[string]Source{
		"lobby":  {URI: "rtsp://restored"},
		"ghost":  {URI: "rtsp://nobody"},
		"broken": {URI: "a", Chain: "b"},
	}}
	m, engine, _ := newTestManager(t, store)
	ctx := context.Background()

	if err := m.AddChannel(ctx, "lobby", config.DefaultChannelOptions(), Source{}); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	if err := m.AddChannel(ctx, "broken", config.DefaultChannelOptions(), Source{}); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	if err := m.Restore(ctx); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	waitFor(t, "restored build", func() bool { return engine.count() == 1 })
	if spec := engine.last().req.Spec; spec != "rtsp://restored" {
		t.Errorf("restored spec = %q", spec)
	}
}

func TestChannelRejectsInvalidOptions(t *testing.T) {
	m, _, _ := newTestManager(t, nil)

	opts := config.DefaultChannelOptions()
	opts.NoAudio = true
	opts.NoVideo = true
	if err := m.AddChannel(context.Background(), "mute", opts, Source{}); err == nil {
		t.Fatal("expected options error")
	}
	if _, err := m.Channel("mute"); !errors.Is(err, ErrChannelNotFound) {
		t.Errorf("rejected channel was registered")
	}

	opts = config.DefaultChannelOptions()
	opts.PushURI = "http://not-rtmp/app/key"
	if err := m.AddChannel(context.Background(), "push", opts, Source{}); err == nil {
		t.Fatal("expected push uri error")
	}
}

type cachingLoader struct {
	mu          sync.Mutex
	docs        map[string]string
	invalidated []string
}

func (l *cachingLoader) Load(_ context.Context, ref string) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	doc, ok := l.docs[ref]
	if !ok {
		return nil, os.ErrNotExist
	}
	return []byte(doc), nil
}

func (l *cachingLoader) Invalidate(_ context.Context, ref string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.invalidated = append(l.invalidated, ref)
	return nil
}

func TestManagerUpdatePlaylistInvalidatesCachedDocument(t *testing.T) {
	engine := &stubEngine{}
	bus := events.NewBus()
	loader := &cachingLoader{docs: map[string]string{"s3://relay/lobby.xml": threeItems}}
	m := NewManager(ManagerConfig{
		Engine:    engine,
		Hubs:      sink.NewServer(zerolog.Nop(), bus),
		Bus:       bus,
		Documents: loader,
	}, zerolog.Nop())
	defer func() {
		m.Shutdown(context.Background())
		bus.Close()
	}()
	ctx := context.Background()

	if err := m.AddChannel(ctx, "lobby", config.DefaultChannelOptions(), Source{Playlist: "s3://relay/lobby.xml"}); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	if err := m.UpdatePlaylist(ctx, "lobby", true); err != nil {
		t.Fatalf("UpdatePlaylist: %v", err)
	}

	loader.mu.Lock()
	defer loader.mu.Unlock()
	if len(loader.invalidated) != 1 || loader.invalidated[0] != "s3://relay/lobby.xml" {
		t.Errorf("invalidated = %v, want the playlist reference once", loader.invalidated)
	}
}

func TestManagerPushStandby(t *testing.T) {
	bus := events.NewBus()
	m := NewManager(ManagerConfig{
		Engine:      &stubEngine{},
		Hubs:        sink.NewServer(zerolog.Nop(), bus),
		Bus:         bus,
		PushStandby: true,
	}, zerolog.Nop())
	defer func() {
		m.Shutdown(context.Background())
		bus.Close()
	}()

	opts := config.DefaultChannelOptions()
	opts.PushURI = "rtmp://127.0.0.1:1/live/lobby"
	if err := m.AddChannel(context.Background(), "lobby", opts, Source{}); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}
	if err := m.AddChannel(context.Background(), "quiet", config.DefaultChannelOptions(), Source{}); err != nil {
		t.Fatalf("AddChannel: %v", err)
	}

	pushing := func(name string) bool {
		info, err := m.Info(name)
		if err != nil {
			t.Fatalf("Info(%s): %v", name, err)
		}
		return info.Pushing
	}

	if pushing("lobby") {
		t.Fatal("standby channel started pushing")
	}

	m.SetPushEnabled(true)
	if !pushing("lobby") {
		t.Error("push did not start when enabled")
	}
	if pushing("quiet") {
		t.Error("channel without a push target reports pushing")
	}

	m.SetPushEnabled(false)
	if pushing("lobby") {
		t.Error("push kept running after being disabled")
	}
}
