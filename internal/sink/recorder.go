/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sink

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Recorder writes a hub's output to an FLV file.
type Recorder struct {
	hub    *Hub
	dir    string
	logger zerolog.Logger

	path   string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRecorder creates a recorder writing into dir.
func NewRecorder(hub *Hub, dir string, logger zerolog.Logger) *Recorder {
	return &Recorder{
		hub:    hub,
		dir:    dir,
		logger: logger.With().Str("recorder", hub.Name).Logger(),
	}
}

// Start creates the recording file and begins writing.
func (r *Recorder) Start(ctx context.Context) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create record dir: %w", err)
	}

	name := fmt.Sprintf("%s-%s.flv", r.hub.Name, time.Now().UTC().Format("20060102T150405Z"))
	r.path = filepath.Join(r.dir, name)

	f, err := os.Create(r.path)
	if err != nil {
		return fmt.Errorf("create recording: %w", err)
	}
	w := bufio.NewWriterSize(f, 64*1024)

	fw, err := newFLVWriter(w)
	if err != nil {
		f.Close()
		return err
	}

	sub := r.hub.subscribe("record:" + name)

	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		defer r.hub.unsubscribe(sub)
		defer func() {
			if err := w.Flush(); err != nil {
				r.logger.Error().Err(err).Msg("flush recording failed")
			}
			if err := f.Close(); err != nil {
				r.logger.Error().Err(err).Msg("close recording failed")
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case msg := <-sub.ch:
				if err := fw.write(msg); err != nil {
					r.logger.Error().Err(err).Str("path", r.path).Msg("recording write failed, stopping")
					return
				}
			}
		}
	}()

	r.logger.Info().Str("path", r.path).Msg("recording started")
	return nil
}

// Stop ends the recording and closes the file.
func (r *Recorder) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
	r.logger.Info().Str("path", r.path).Msg("recording stopped")
}

// Path returns the current recording file.
func (r *Recorder) Path() string {
	return r.path
}
