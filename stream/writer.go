package stream

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Writer serializes events onto an HTTP response as SSE frames. Exactly
// one done is emitted per stream; events after it are dropped.
type Writer struct {
	w    http.ResponseWriter
	f    http.Flusher
	env  Envelope
	done bool
}

// NewWriter prepares the response for SSE and returns a frame writer.
func NewWriter(w http.ResponseWriter, model string) (*Writer, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	return &Writer{w: w, f: f, env: NewEnvelope(model)}, nil
}

func (sw *Writer) write(data []byte) error {
	if _, err := sw.w.Write(data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	sw.f.Flush()
	return nil
}

// Send writes one event as a frame.
func (sw *Writer) Send(ev Event) error {
	if sw.done {
		return nil
	}
	switch ev.Kind {
	case KindProgress:
		return sw.write(sw.env.ProgressFrame(ev.Text))
	case KindContent:
		return sw.write(sw.env.ContentFrame(ev.Text))
	case KindDone:
		sw.done = true
		return sw.write(sw.env.DoneFrames())
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

// Heartbeat writes an empty-delta frame.
func (sw *Writer) Heartbeat() error {
	if sw.done {
		return nil
	}
	return sw.write(sw.env.HeartbeatFrame())
}

// Closed reports whether the terminal frame has been written.
func (sw *Writer) Closed() bool { return sw.done }

// PumpConfig tunes the frame pump.
type PumpConfig struct {
	// Heartbeat is the idle interval after which an empty frame is
	// written. Zero disables heartbeats.
	Heartbeat time.Duration
	// ChunkSize re-chunks content events into pieces of at most this
	// many characters (runes), ChunkDelay apart. Zero passes deltas
	// through as-is.
	ChunkSize  int
	ChunkDelay time.Duration
}

// Pump drains events onto the writer until a done event arrives, the
// channel closes, or ctx is cancelled. The channel's capacity provides
// backpressure towards the producer when the client reads slowly.
func Pump(ctx context.Context, sw *Writer, events <-chan Event, cfg PumpConfig) error {
	var idle *time.Timer
	var idleC <-chan time.Time
	if cfg.Heartbeat > 0 {
		idle = time.NewTimer(cfg.Heartbeat)
		defer idle.Stop()
		idleC = idle.C
	}

	resetIdle := func() {
		if idle == nil {
			return
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(cfg.Heartbeat)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-idleC:
			if err := sw.Heartbeat(); err != nil {
				return err
			}
			idle.Reset(cfg.Heartbeat)

		case ev, ok := <-events:
			if !ok {
				// Producer vanished without a done marker; terminate the
				// stream cleanly anyway.
				return sw.Send(Done())
			}
			resetIdle()

			if ev.Kind == KindContent && cfg.ChunkSize > 0 && len(ev.Text) > cfg.ChunkSize {
				if err := sendPaced(ctx, sw, ev.Text, cfg); err != nil {
					return err
				}
			} else if err := sw.Send(ev); err != nil {
				return err
			}

			if ev.Kind == KindDone {
				return nil
			}
		}
	}
}

// sendPaced splits on rune boundaries so a multi-byte character is never
// emitted half-written.
func sendPaced(ctx context.Context, sw *Writer, text string, cfg PumpConfig) error {
	runes := []rune(text)
	for start := 0; start < len(runes); start += cfg.ChunkSize {
		end := start + cfg.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		if err := sw.Send(Content(string(runes[start:end]))); err != nil {
			return err
		}
		if cfg.ChunkDelay > 0 && end < len(runes) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.ChunkDelay):
			}
		}
	}
	return nil
}
