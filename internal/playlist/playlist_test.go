/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playlist

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var base = time.Date(2026, 3, 14, 12, 0, 0, 0, time.Local)

func timedItem(start time.Time, duration time.Duration) *Item {
	item := NewItem()
	item.StartImmediate = false
	item.Start = start
	item.DurationDefault = false
	item.Duration = duration
	item.URI = "file:///media/a.mp4"
	return item
}

func TestNextItemImmediateFull(t *testing.T) {
	p := New()
	item := NewItem()
	item.DurationDefault = false
	item.DurationFull = true
	item.URI = "file:///media/a.mp4"
	p.Add(item)

	for _, now := range []time.Time{base, base.Add(-48 * time.Hour), base.Add(365 * 24 * time.Hour)} {
		next, ok := p.NextItem(nil, now, 0)
		if !ok {
			t.Fatalf("NextItem(%v) returned no item", now)
		}
		if next.Item != item {
			t.Errorf("NextItem(%v) item = %p, want %p", now, next.Item, item)
		}
		if next.StartRel != 0 {
			t.Errorf("StartRel = %v, want 0", next.StartRel)
		}
		if !next.Unbounded {
			t.Errorf("Unbounded = false, want true")
		}
	}
}

func TestNextItemTimedWindow(t *testing.T) {
	start := base
	duration := 10 * time.Minute

	tests := []struct {
		name     string
		now      time.Time
		wantOK   bool
		startRel time.Duration
		seek     time.Duration
		dur      time.Duration
	}{
		{"before start", start.Add(-90 * time.Second), true, 90 * time.Second, 5 * time.Second, duration},
		{"at start", start, true, 0, 5 * time.Second, duration},
		{"inside window", start.Add(3 * time.Minute), true, 0, 5*time.Second + 3*time.Minute, 7 * time.Minute},
		{"window elapsed", start.Add(duration), false, 0, 0, 0},
		{"long after", start.Add(time.Hour), false, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New()
			item := timedItem(start, duration)
			item.Seek = 5 * time.Second
			p.Add(item)

			next, ok := p.NextItem(nil, tt.now, 0)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if next.StartRel != tt.startRel {
				t.Errorf("StartRel = %v, want %v", next.StartRel, tt.startRel)
			}
			if next.Seek != tt.seek {
				t.Errorf("Seek = %v, want %v", next.Seek, tt.seek)
			}
			if next.Unbounded {
				t.Fatal("Unbounded = true, want bounded")
			}
			if next.Duration != tt.dur {
				t.Errorf("Duration = %v, want %v", next.Duration, tt.dur)
			}
		})
	}
}

func TestNextItemSkipsElapsed(t *testing.T) {
	p := New()
	stale := timedItem(base.Add(-time.Hour), 10*time.Minute)
	fresh := timedItem(base.Add(time.Minute), 10*time.Minute)
	p.Add(stale)
	p.Add(fresh)

	next, ok := p.NextItem(nil, base, 0)
	if !ok {
		t.Fatal("expected an item")
	}
	if next.Item != fresh {
		t.Errorf("got %+v, want the second item", next.Item)
	}
	if next.StartRel != time.Minute {
		t.Errorf("StartRel = %v, want 1m", next.StartRel)
	}

	if _, ok := p.NextItem(fresh, base, 0); ok {
		t.Error("expected no item after the last one")
	}
}

func TestNextItemEndBoundary(t *testing.T) {
	t.Run("immediate item clipped by end", func(t *testing.T) {
		p := New()
		item := NewItem()
		item.DurationDefault = false
		item.Duration = time.Hour
		item.GotEnd = true
		item.End = base.Add(20 * time.Minute)
		p.Add(item)

		next, ok := p.NextItem(nil, base, 0)
		if !ok {
			t.Fatal("expected an item")
		}
		if next.Duration != 20*time.Minute {
			t.Errorf("Duration = %v, want 20m", next.Duration)
		}
	})

	t.Run("immediate item past end is skipped", func(t *testing.T) {
		p := New()
		item := NewItem()
		item.GotEnd = true
		item.End = base.Add(-time.Second)
		p.Add(item)

		if _, ok := p.NextItem(nil, base, 0); ok {
			t.Error("expected elapsed item to be skipped")
		}
	})

	t.Run("timed item uses window length before start", func(t *testing.T) {
		p := New()
		item := NewItem()
		item.StartImmediate = false
		item.Start = base.Add(time.Minute)
		item.GotEnd = true
		item.End = base.Add(31 * time.Minute)
		p.Add(item)

		next, ok := p.NextItem(nil, base, 0)
		if !ok {
			t.Fatal("expected an item")
		}
		if next.Duration != 30*time.Minute {
			t.Errorf("Duration = %v, want 30m", next.Duration)
		}
	})

	t.Run("timed item uses remaining time when late", func(t *testing.T) {
		p := New()
		item := NewItem()
		item.StartImmediate = false
		item.Start = base.Add(-5 * time.Minute)
		item.GotEnd = true
		item.End = base.Add(25 * time.Minute)
		p.Add(item)

		next, ok := p.NextItem(nil, base, 0)
		if !ok {
			t.Fatal("expected an item")
		}
		if next.Duration != 25*time.Minute {
			t.Errorf("Duration = %v, want 25m", next.Duration)
		}
		if next.Seek != 5*time.Minute {
			t.Errorf("Seek = %v, want 5m", next.Seek)
		}
	})

	t.Run("inverted window is skipped", func(t *testing.T) {
		p := New()
		item := NewItem()
		item.StartImmediate = false
		item.Start = base.Add(time.Hour)
		item.GotEnd = true
		item.End = base.Add(30 * time.Minute)
		p.Add(item)

		if _, ok := p.NextItem(nil, base, 0); ok {
			t.Error("expected inverted window to be skipped")
		}
	})
}

func TestNextItemOffset(t *testing.T) {
	p := New()
	p.Add(timedItem(base.Add(time.Minute), 10*time.Minute))

	next, ok := p.NextItem(nil, base, 30*time.Second)
	if !ok {
		t.Fatal("expected an item")
	}
	if next.StartRel != 30*time.Second {
		t.Errorf("StartRel = %v, want 30s", next.StartRel)
	}
}

func TestNextItemDefaultDurationUnbounded(t *testing.T) {
	p := New()
	p.SetSingleItem("videotestsrc name=video ! fakesink", true)

	next, ok := p.NextItem(nil, base, 0)
	if !ok {
		t.Fatal("expected an item")
	}
	if !next.Unbounded || next.Seek != 0 || next.StartRel != 0 {
		t.Errorf("got %+v, want immediate unbounded item with zero seek", next)
	}
	spec, isChain := next.Item.Source()
	if !isChain || spec != "videotestsrc name=video ! fakesink" {
		t.Errorf("Source() = %q, %v", spec, isChain)
	}
}

func TestItemLookup(t *testing.T) {
	p := New()
	a, b := NewItem(), NewItem()
	a.ID, b.ID = "intro", "main"
	p.Add(a)
	p.Add(b)

	if got := p.ItemByID("main"); got != b {
		t.Errorf("ItemByID(main) = %p, want %p", got, b)
	}
	if got := p.ItemByID("missing"); got != nil {
		t.Errorf("ItemByID(missing) = %p, want nil", got)
	}
	if got := p.NthItem(1); got != a {
		t.Errorf("NthItem(1) = %p, want %p", got, a)
	}
	if got := p.NthItem(0); got != nil {
		t.Error("NthItem(0) should be nil")
	}
	if got := p.NthItem(3); got != nil {
		t.Error("NthItem(3) should be nil")
	}
}

func TestParse(t *testing.T) {
	doc := `<?xml version="1.0"?>
<playlist>
  <item id="intro" duration="30">
    <path>/srv/media/intro.flv</path>
  </item>
  <item id="live" start="18:00" end="2026/03/14 19:00" duration="full">
    <chain>rtspsrc location=rtsp://cam ! decodebin name=video</chain>
    <uri>rtsp://ignored</uri>
  </item>
  <item seek="1:30" duration="bogus">
    <uri>http://example.com/a.mp4</uri>
  </item>
  <comment/>
</playlist>`

	p, err := Parse(strings.NewReader(doc), base, zerolog.Nop())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Len() != 3 {
		t.Fatalf("Len = %d, want 3", p.Len())
	}

	intro := p.NthItem(1)
	if intro.URI != "file:///srv/media/intro.flv" {
		t.Errorf("intro URI = %q", intro.URI)
	}
	if intro.DurationDefault || intro.Duration != 30*time.Second {
		t.Errorf("intro duration = %v (default %v)", intro.Duration, intro.DurationDefault)
	}

	live := p.ItemByID("live")
	if live == nil {
		t.Fatal("missing live item")
	}
	if live.Chain == "" || live.URI != "" {
		t.Errorf("chain should take precedence: chain=%q uri=%q", live.Chain, live.URI)
	}
	if live.StartImmediate {
		t.Error("live should have a start time")
	}
	if want := time.Date(2026, 3, 14, 18, 0, 0, 0, time.Local); !live.Start.Equal(want) {
		t.Errorf("live start = %v, want %v", live.Start, want)
	}
	if !live.GotEnd || live.End.Hour() != 19 {
		t.Errorf("live end = %v", live.End)
	}
	if !live.DurationFull {
		t.Error("live should be duration=full")
	}

	third := p.NthItem(3)
	if third.Seek != 90*time.Second {
		t.Errorf("seek = %v, want 1m30s", third.Seek)
	}
	if !third.DurationDefault {
		t.Error("unparseable duration should fall back to default")
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := Parse(strings.NewReader("<playlist><item>"), base, zerolog.Nop()); err == nil {
		t.Fatal("expected error for truncated document")
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"18:30", time.Date(2026, 3, 14, 18, 30, 0, 0, time.Local), false},
		{"18:30:15", time.Date(2026, 3, 14, 18, 30, 15, 0, time.Local), false},
		{"04/01", time.Date(2026, 4, 1, 0, 0, 0, 0, time.Local), false},
		{"2027/01/02 07:05", time.Date(2027, 1, 2, 7, 5, 0, 0, time.Local), false},
		{"07:05 2027/01/02", time.Date(2027, 1, 2, 7, 5, 0, 0, time.Local), false},
		{"", time.Time{}, true},
		{"18-30", time.Time{}, true},
		{"18:30 19:00", time.Time{}, true},
		{"1:2:3:4", time.Time{}, true},
	}

	for _, tt := range tests {
		got, err := ParseTime(tt.in, base)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTime(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && !got.Equal(tt.want) {
			t.Errorf("ParseTime(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"45", 45 * time.Second, false},
		{"2:05", 125 * time.Second, false},
		{"1:00:00", time.Hour, false},
		{"1m30s", 90 * time.Second, false},
		{"", 0, true},
		{"-5s", 0, true},
		{"a:b", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
