/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"

	"github.com/friendsincode/grimnir_relay/internal/events"
	"github.com/friendsincode/grimnir_relay/internal/framer"
	"github.com/friendsincode/grimnir_relay/internal/telemetry"
)

const defaultRTMPPort = "1935"

// ErrInvalidPushURI is returned for push destinations that are not rtmp URLs
// with an application and a stream name.
var ErrInvalidPushURI = errors.New("invalid push uri")

// PushTarget is a parsed rtmp://host[:port]/app/stream destination.
type PushTarget struct {
	Addr   string
	App    string
	Stream string
	TCURL  string
}

// ParsePushURI splits an RTMP URL into the connect parameters.
func ParsePushURI(raw string) (PushTarget, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return PushTarget{}, fmt.Errorf("%w: %v", ErrInvalidPushURI, err)
	}
	if u.Scheme != "rtmp" || u.Host == "" {
		return PushTarget{}, fmt.Errorf("%w: %q", ErrInvalidPushURI, raw)
	}

	path := strings.Trim(u.Path, "/")
	idx := strings.LastIndex(path, "/")
	if idx <= 0 || idx == len(path)-1 {
		return PushTarget{}, fmt.Errorf("%w: %q needs /app/stream", ErrInvalidPushURI, raw)
	}

	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), defaultRTMPPort)
	}

	stream := path[idx+1:]
	if u.RawQuery != "" {
		stream += "?" + u.RawQuery
	}

	return PushTarget{
		Addr:   addr,
		App:    path[:idx],
		Stream: stream,
		TCURL:  fmt.Sprintf("rtmp://%s/%s", u.Host, path[:idx]),
	}, nil
}

// Publisher pushes a hub's output to an RTMP server, reconnecting with
// exponential backoff.
type Publisher struct {
	hub       *Hub
	target    PushTarget
	chunkSize uint32
	logger    zerolog.Logger
	bus       events.Publisher

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPublisher validates the destination. The push starts with Start.
func NewPublisher(hub *Hub, pushURI string, chunkSize int, logger zerolog.Logger, bus events.Publisher) (*Publisher, error) {
	target, err := ParsePushURI(pushURI)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		chunkSize = framer.DefaultChunkSize
	}
	return &Publisher{
		hub:       hub,
		target:    target,
		chunkSize: uint32(chunkSize),
		logger:    logger.With().Str("push", target.Addr).Str("app", target.App).Logger(),
		bus:       bus,
	}, nil
}

// Start launches the push loop.
func (p *Publisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop ends the push and waits for the connection to close.
func (p *Publisher) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	for {
		err := p.session(ctx, b)
		if ctx.Err() != nil {
			return
		}

		telemetry.PushErrors.WithLabelValues(p.hub.Name).Inc()
		p.publish(events.EventPushFailed, err)

		wait := b.NextBackOff()
		p.logger.Warn().Err(err).Dur("retry_in", wait).Msg("rtmp push failed")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one connection until it fails or ctx ends.
func (p *Publisher) session(ctx context.Context, b backoff.BackOff) error {
	conn, err := rtmp.Dial("rtmp", p.target.Addr, &rtmp.ConnConfig{})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	// Unblock pending writes when the push is stopped.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	if err := conn.Connect(&rtmpmsg.NetConnectionConnect{
		Command: rtmpmsg.NetConnectionConnectCommand{
			App:      p.target.App,
			Type:     "nonprivate",
			FlashVer: "FMLE/3.0 (compatible; grimnir-relay)",
			TCURL:    p.target.TCURL,
		},
	}); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	stream, err := conn.CreateStream(nil, p.chunkSize)
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Publish(&rtmpmsg.NetStreamPublish{
		PublishingName: p.target.Stream,
		PublishingType: "live",
	}); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	b.Reset()
	p.logger.Info().Str("stream", p.target.Stream).Msg("rtmp push connected")
	p.publish(events.EventPushConnected, nil)

	sub := p.hub.subscribe("rtmp:" + p.target.Addr)
	defer p.hub.unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.done:
			return errors.New("hub closed")
		case msg := <-sub.ch:
			if err := writeRTMP(stream, msg); err != nil {
				return fmt.Errorf("write %s: %w", msg.Kind, err)
			}
		}
	}
}

func writeRTMP(stream *rtmp.Stream, msg *framer.Message) error {
	switch msg.Kind {
	case framer.KindAudio:
		return stream.Write(int(framer.AudioChunkStreamID), msg.Timestamp, &rtmpmsg.AudioMessage{
			Payload: bytes.NewReader(msg.Bytes()),
		})
	case framer.KindVideo:
		return stream.Write(int(framer.VideoChunkStreamID), msg.Timestamp, &rtmpmsg.VideoMessage{
			Payload: bytes.NewReader(msg.Bytes()),
		})
	default:
		return stream.Write(int(framer.DataChunkStreamID), msg.Timestamp, &rtmpmsg.DataMessage{
			Name:     "@setDataFrame",
			Encoding: rtmpmsg.EncodingTypeAMF0,
			Body:     bytes.NewReader(msg.Payload),
		})
	}
}

func (p *Publisher) publish(t events.EventType, err error) {
	if p.bus == nil {
		return
	}
	payload := events.Payload{"channel": p.hub.Name, "target": p.target.Addr}
	if err != nil {
		payload["error"] = err.Error()
	}
	p.bus.Publish(t, payload)
}
