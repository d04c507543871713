/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sink

import (
	"github.com/friendsincode/grimnir_relay/internal/framer"
)

// Stream is one generation of a channel's output. Messages fired on a stream
// that is no longer current are dropped.
type Stream struct {
	hub  *Hub
	base uint32

	// closed is guarded by hub.mu.
	closed bool
}

func (s *Stream) FireAudioMessage(msg *framer.Message) { s.hub.deliver(s, msg) }
func (s *Stream) FireVideoMessage(msg *framer.Message) { s.hub.deliver(s, msg) }
func (s *Stream) FireDataMessage(msg *framer.Message)  { s.hub.deliver(s, msg) }

// Close ends the generation. Subscribers stay attached to the hub.
func (s *Stream) Close() {
	s.hub.detach(s)
}
