/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package playlist

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ErrParse wraps every document-level parse failure.
var ErrParse = errors.New("playlist parsing error")

type xmlNode struct {
	XMLName xml.Name
}

type xmlItem struct {
	Attrs   []xml.Attr `xml:",any,attr"`
	Chain   string     `xml:"chain"`
	URI     string     `xml:"uri"`
	Path    string     `xml:"path"`
	Unknown []xmlNode  `xml:",any"`
}

type xmlDocument struct {
	XMLName xml.Name
	Items   []xmlItem `xml:"item"`
	Unknown []xmlNode `xml:",any"`
}

// Parse reads a playlist document:
//
//	<playlist>
//	  <item id="news" start="18:00" end="18:30" duration="full" seek="0:10">
//	    <uri>rtsp://camera/stream</uri>
//	  </item>
//	</playlist>
//
// Malformed attributes are logged and fall back to their defaults; only a
// malformed document is an error.
func Parse(r io.Reader, now time.Time, logger zerolog.Logger) (*Playlist, error) {
	var doc xmlDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	for _, n := range doc.Unknown {
		if n.XMLName.Local != "item" {
			logger.Warn().Str("node", n.XMLName.Local).Msg("unknown playlist subnode")
		}
	}

	p := New()
	for _, x := range doc.Items {
		p.Add(parseItem(x, now, logger))
	}
	return p, nil
}

// ParseBytes parses an in-memory playlist document.
func ParseBytes(data []byte, now time.Time, logger zerolog.Logger) (*Playlist, error) {
	return Parse(bytes.NewReader(data), now, logger)
}

// ParseFile parses the playlist document at path.
func ParseFile(path string, now time.Time, logger zerolog.Logger) (*Playlist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	defer f.Close()

	p, err := Parse(f, now, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

func parseItem(x xmlItem, now time.Time, logger zerolog.Logger) *Item {
	item := NewItem()

	for _, n := range x.Unknown {
		switch n.XMLName.Local {
		case "chain", "uri", "path":
		default:
			logger.Warn().Str("node", n.XMLName.Local).Msg("unknown item subnode")
		}
	}

	chain := strings.TrimSpace(x.Chain)
	uri := strings.TrimSpace(x.URI)
	path := strings.TrimSpace(x.Path)

	given := 0
	for _, s := range []string{chain, uri, path} {
		if s != "" {
			given++
		}
	}
	if given > 1 {
		logger.Warn().Msg("only one of chain/uri/path should be specified")
	}

	switch {
	case chain != "":
		item.Chain = chain
	case uri != "":
		item.URI = uri
	case path != "":
		item.URI = "file://" + path
	}

	for _, attr := range x.Attrs {
		val := attr.Value
		switch attr.Name.Local {
		case "id":
			item.ID = val
		case "start":
			t, err := ParseTime(val, now)
			if err != nil {
				logger.Error().Err(err).Str("start", val).Msg("couldn't parse start time")
				continue
			}
			item.StartImmediate = false
			item.Start = t
		case "end":
			t, err := ParseTime(val, now)
			if err != nil {
				logger.Error().Err(err).Str("end", val).Msg("couldn't parse end time")
				continue
			}
			item.GotEnd = true
			item.End = t
		case "duration":
			if strings.TrimSpace(val) == "full" {
				item.DurationDefault = false
				item.DurationFull = true
				continue
			}
			d, err := ParseDuration(val)
			if err != nil {
				logger.Error().Err(err).Str("duration", val).Msg("couldn't parse duration")
				continue
			}
			item.DurationDefault = false
			item.Duration = d
		case "seek":
			d, err := ParseDuration(val)
			if err != nil {
				logger.Error().Err(err).Str("seek", val).Msg("couldn't parse seek")
				continue
			}
			item.Seek = d
		}
	}

	return item
}

// ParseTime parses "hh:mm[:ss]", "[yyyy/]mm/dd" or both separated by
// whitespace, in local time. Missing date parts default to the date of now,
// a missing time part to midnight.
func ParseTime(s string, now time.Time) (time.Time, error) {
	now = now.Local()
	year, month, day := now.Date()
	hour, minute, second := 0, 0, 0

	gotDate, gotTime := false, false

	fields := strings.Fields(s)
	if len(fields) == 0 || len(fields) > 2 {
		return time.Time{}, fmt.Errorf("bad date/time format: %q", s)
	}

	for _, field := range fields {
		switch {
		case strings.Contains(field, "/"):
			if gotDate {
				return time.Time{}, fmt.Errorf("duplicate date in %q", s)
			}
			gotDate = true

			nums, err := splitUints(field, "/")
			if err != nil {
				return time.Time{}, fmt.Errorf("bad date in %q: %w", s, err)
			}
			switch len(nums) {
			case 2:
				month, day = time.Month(nums[0]), nums[1]
			case 3:
				year, month, day = nums[0], time.Month(nums[1]), nums[2]
			default:
				return time.Time{}, fmt.Errorf("bad date in %q", s)
			}
		case strings.Contains(field, ":"):
			if gotTime {
				return time.Time{}, fmt.Errorf("duplicate time in %q", s)
			}
			gotTime = true

			nums, err := splitUints(field, ":")
			if err != nil {
				return time.Time{}, fmt.Errorf("bad time in %q: %w", s, err)
			}
			switch len(nums) {
			case 2:
				hour, minute = nums[0], nums[1]
			case 3:
				hour, minute, second = nums[0], nums[1], nums[2]
			default:
				return time.Time{}, fmt.Errorf("bad time in %q", s)
			}
		default:
			return time.Time{}, fmt.Errorf("bad separator in %q", s)
		}
	}

	return time.Date(year, month, day, hour, minute, second, 0, time.Local), nil
}

// ParseDuration parses "[[hh:]mm:]ss" or a Go duration string such as "1m30s".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}

	if !strings.Contains(s, ":") {
		if secs, err := strconv.ParseUint(s, 10, 32); err == nil {
			return time.Duration(secs) * time.Second, nil
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, err
		}
		if d < 0 {
			return 0, fmt.Errorf("negative duration %q", s)
		}
		return d, nil
	}

	nums, err := splitUints(s, ":")
	if err != nil {
		return 0, err
	}
	if len(nums) > 3 {
		return 0, fmt.Errorf("bad duration %q", s)
	}

	var total int
	for _, n := range nums {
		total = total*60 + n
	}
	return time.Duration(total) * time.Second, nil
}

func splitUints(s, sep string) ([]int, error) {
	parts := strings.Split(s, sep)
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return nil, err
		}
		out = append(out, int(n))
	}
	return out, nil
}
