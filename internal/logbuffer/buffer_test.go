package logbuffer

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestBufferWrapsAround(t *testing.T) {
	b := New(3)
	for _, msg := range []string{"a", "b", "c", "d"} {
		b.Add(LogEntry{Message: msg})
	}

	got := b.Query(QueryParams{})
	if len(got) != 3 || got[0].Message != "b" || got[2].Message != "d" {
		t.Fatalf("Query() = %+v, want b c d", got)
	}

	desc := b.Query(QueryParams{Descending: true, Limit: 1})
	if len(desc) != 1 || desc[0].Message != "d" {
		t.Errorf("newest entry = %+v, want d", desc)
	}
}

func TestWriterCapturesZerolog(t *testing.T) {
	b := New(10)
	logger := zerolog.New(NewWriter(b)).With().Timestamp().Logger()

	logger.Info().Str("component", "supervisor").Str("channel", "lobby").Msg("pipeline running")
	logger.Warn().Str("component", "playback").Str("channel", "stage").Str("item", "Intro").Msg("pausing")
	logger.Error().Str("component", "publisher").Msg("push failed")

	tests := []struct {
		name   string
		params QueryParams
		want   int
	}{
		{"all", QueryParams{}, 3},
		{"by level", QueryParams{Level: "warn"}, 1},
		{"by channel", QueryParams{Channel: "lobby"}, 1},
		{"by component", QueryParams{Component: "publisher"}, 1},
		{"search message", QueryParams{Search: "PIPELINE"}, 1},
		{"search fields", QueryParams{Search: "intro"}, 1},
		{"no match", QueryParams{Search: "nothing"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(b.Query(tt.params)); got != tt.want {
				t.Errorf("Query(%+v) returned %d entries, want %d", tt.params, got, tt.want)
			}
		})
	}

	stats := b.Stats("")
	if stats.Count != 3 || stats.LevelCount["error"] != 1 || len(stats.Components) != 3 {
		t.Errorf("Stats() = %+v", stats)
	}
	if got := b.Stats("stage").Count; got != 1 {
		t.Errorf("Stats(stage).Count = %d, want 1", got)
	}

	b.Clear()
	if got := len(b.Query(QueryParams{})); got != 0 {
		t.Errorf("entries after Clear = %d", got)
	}
}
