//go:build !gstnative

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package mediaengine

import (
	"errors"

	"github.com/rs/zerolog"
)

// ErrNativeUnavailable is returned when the binary was built without the
// gstnative tag.
var ErrNativeUnavailable = errors.New("native engine not compiled in (build with -tags gstnative)")

// NewNativeEngine reports that in-process GStreamer support is missing.
func NewNativeEngine(zerolog.Logger) (Engine, error) {
	return nil, ErrNativeUnavailable
}
