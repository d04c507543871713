/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mediaengine

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/friendsincode/grimnir_relay/internal/config"
)

// Chains deliver tracks through elements named "audio" and "video".
var (
	chainAudioRe = regexp.MustCompile(`(^|[\s!])name=["']?audio["']?(\s|!|$)`)
	chainVideoRe = regexp.MustCompile(`(^|[\s!])name=["']?video["']?(\s|!|$)`)
)

// ChainTracks reports which of the well-known track elements a chain declares.
func ChainTracks(chain string) (audio, video bool) {
	return chainAudioRe.MatchString(chain), chainVideoRe.MatchString(chain)
}

// trackTails are the launch fragments each track branch ends with.
type trackTails struct {
	audio string
	video string
}

// uriTracks reports which tracks a URI pipeline produces for the options.
func uriTracks(opts config.ChannelOptions) (audio, video bool) {
	return !opts.NoAudio, !opts.NoVideo
}

// uriDescription builds a transcoding description for a URI source. Audio
// is encoded to 16 kHz mono Speex and video to Sorenson H.263.
func uriDescription(uri string, opts config.ChannelOptions, tails trackTails) string {
	hasAudio, hasVideo := uriTracks(opts)

	parts := []string{fmt.Sprintf("uridecodebin uri=%s name=src", quoteValue(uri))}
	if hasAudio {
		parts = append(parts, "src. ! queue ! audioconvert ! audioresample ! audio/x-raw,rate=16000,channels=1 ! speexenc ! "+tails.audio)
	}
	if hasVideo {
		bitrate := opts.DefaultBitrate
		if bitrate <= 0 {
			bitrate = config.DefaultChannelOptions().DefaultBitrate
		}
		parts = append(parts, fmt.Sprintf(
			"src. ! queue ! videoconvert ! videoscale add-borders=true ! %s ! avenc_flv bitrate=%d ! %s",
			videoCaps(opts), bitrate, tails.video))
	}
	return strings.Join(parts, " ")
}

func videoCaps(opts config.ChannelOptions) string {
	caps := "video/x-raw"
	if opts.DefaultWidth > 0 {
		caps += fmt.Sprintf(",width=%d", opts.DefaultWidth)
	}
	if opts.DefaultHeight > 0 {
		caps += fmt.Sprintf(",height=%d", opts.DefaultHeight)
	}
	return caps + ",pixel-aspect-ratio=1/1"
}

// quoteValue quotes a property value for the launch syntax.
func quoteValue(v string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) + `"`
}
