/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mediaengine

// State is the lifecycle phase of a Controller.
type State int

const (
	StateIdle State = iota
	StateOpening
	StatePlaying
	StateError
	StateEOS
	StateNoVideo
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StatePlaying:
		return "playing"
	case StateError:
		return "error"
	case StateEOS:
		return "eos"
	case StateNoVideo:
		return "no_video"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether a status has already been delivered for this
// pipeline generation.
func (s State) Terminal() bool {
	return s == StateError || s == StateEOS || s == StateClosed
}

var transitions = map[State][]State{
	StateIdle:    {StateOpening, StateClosed},
	StateOpening: {StatePlaying, StateError, StateEOS, StateNoVideo, StateClosed},
	StatePlaying: {StateError, StateEOS, StateNoVideo, StateClosed},
	StateNoVideo: {StateError, StateEOS, StateClosed},
	StateError:   {StateClosed},
	StateEOS:     {StateClosed},
}

// canTransition reports whether from -> to is a legal move.
func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Status is a signal a Controller raises towards its owner.
type Status int

const (
	StatusError Status = iota
	StatusEOS
	StatusNoVideo
	StatusGotVideo
)

func (s Status) String() string {
	switch s {
	case StatusError:
		return "error"
	case StatusEOS:
		return "eos"
	case StatusNoVideo:
		return "no_video"
	case StatusGotVideo:
		return "got_video"
	default:
		return "unknown"
	}
}
