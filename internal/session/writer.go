package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

const (
	// outboundQueueDepth absorbs synthesis bursts without blocking the turn
	// goroutine; at 20 ms per frame this is several seconds of audio.
	outboundQueueDepth = 256

	// writeTimeout bounds one socket write; a device that stops reading for
	// this long is gone.
	writeTimeout = 10 * time.Second

	// drainGrace is how long the writer keeps flushing queued messages after
	// the session context ends, so a farewell or TTS-stop still gets out.
	drainGrace = time.Second
)

// Socket is the subset of *websocket.Conn the session needs, extracted so
// tests can drive a session without a network.
type Socket interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

type outboundMsg struct {
	typ  websocket.MessageType
	data []byte
}

// writer is the session's single ordered path to the socket. All domains
// enqueue; one goroutine writes, so wire order equals emission order.
type writer struct {
	sock Socket
	ch   chan outboundMsg
}

func newWriter(sock Socket) *writer {
	return &writer{
		sock: sock,
		ch:   make(chan outboundMsg, outboundQueueDepth),
	}
}

// run consumes the queue until ctx ends, then drains what is already queued
// within the grace window.
func (w *writer) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.drain()
			return ctx.Err()
		case m := <-w.ch:
			if err := w.write(ctx, m); err != nil {
				return fmt.Errorf("session: socket write: %w", err)
			}
		}
	}
}

func (w *writer) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()
	for {
		select {
		case m := <-w.ch:
			if err := w.write(ctx, m); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (w *writer) write(ctx context.Context, m outboundMsg) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return w.sock.Write(wctx, m.typ, m.data)
}

// enqueueJSON queues one control message.
func (w *writer) enqueueJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: marshal control message: %w", err)
	}
	return w.enqueue(ctx, outboundMsg{typ: websocket.MessageText, data: data})
}

// enqueueBinary queues one audio frame.
func (w *writer) enqueueBinary(ctx context.Context, data []byte) error {
	return w.enqueue(ctx, outboundMsg{typ: websocket.MessageBinary, data: data})
}

func (w *writer) enqueue(ctx context.Context, m outboundMsg) error {
	select {
	case w.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
