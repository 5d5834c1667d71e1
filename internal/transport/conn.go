// Package transport adapts one WebSocket connection to the session pipeline.
// Binary frames carry 20 ms PCM16 audio, text frames carry JSON control
// messages; a single writer goroutine serialises all outbound traffic and
// discards epoch-stale pipeline output before it reaches the wire.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/gramyfied/eloquence-backend/internal/fault"
	"github.com/gramyfied/eloquence-backend/internal/ttspipe"
	"github.com/gramyfied/eloquence-backend/pkg/voice"
)

const (
	// HeartbeatInterval is how often the server emits heartbeat frames.
	HeartbeatInterval = 30 * time.Second

	// IdleTimeout closes the connection when no inbound frame of any kind
	// arrives for this long. Client pings count as inbound.
	IdleTimeout = 60 * time.Second

	// inboundQueueFrames bounds buffered inbound audio to 2 s of 20 ms
	// frames. A full queue means the pipeline has stalled behind the
	// client's send rate.
	inboundQueueFrames = 100

	outboundQueueLen = 64
	controlQueueLen  = 16
	watchdogInterval = 5 * time.Second
)

// EpochSource yields the session's current interruption epoch. The writer
// consults it immediately before each gated send.
type EpochSource func() voice.Epoch

// outMsg is one queued outbound message: a control frame, optionally followed
// by a binary audio payload. Gated messages are dropped when their epoch is
// older than the session's current one.
type outMsg struct {
	frame voice.ControlFrame
	pcm   []byte
	gated bool
}

// Conn is the server side of one session's duplex channel.
type Conn struct {
	ws    *websocket.Conn
	epoch EpochSource

	audio   chan voice.AudioFrame
	control chan voice.ControlFrame
	out     chan outMsg

	// wmu serialises ws.Write between the writer loop and direct error
	// sends on the teardown path.
	wmu sync.Mutex

	lastInbound atomic.Int64
	frameCount  int

	done      chan struct{}
	closeOnce sync.Once
}

var _ ttspipe.Emitter = (*Conn)(nil)

// NewConn wraps an accepted WebSocket connection. epoch must be non-nil; it
// is polled before every gated send.
func NewConn(ws *websocket.Conn, epoch EpochSource) *Conn {
	c := &Conn{
		ws:      ws,
		epoch:   epoch,
		audio:   make(chan voice.AudioFrame, inboundQueueFrames),
		control: make(chan voice.ControlFrame, controlQueueLen),
		out:     make(chan outMsg, outboundQueueLen),
		done:    make(chan struct{}),
	}
	c.lastInbound.Store(time.Now().UnixNano())
	return c
}

// Audio delivers inbound audio frames in arrival order.
func (c *Conn) Audio() <-chan voice.AudioFrame { return c.audio }

// Control delivers inbound control frames (start_stream, stop_stream,
// cancel). Pings are absorbed by the read loop.
func (c *Conn) Control() <-chan voice.ControlFrame { return c.control }

// Run pumps the connection until it closes or ctx is cancelled. It returns
// nil on a clean client close and a fault-wrapped error otherwise. The
// session consumes Audio and Control concurrently while Run blocks.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writeLoop(ctx)
	go c.watchdog(ctx)

	err := c.readLoop(ctx)
	if err != nil && fault.Terminal(err) {
		c.sendErrorDirect(ctx, err)
	}
	c.Close(websocket.StatusNormalClosure, "session ended")
	return err
}

// readLoop demultiplexes inbound frames until the connection dies.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ce websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("transport: read: %w: %v", fault.ErrTransport, err)
		}
		c.lastInbound.Store(time.Now().UnixNano())

		switch typ {
		case websocket.MessageBinary:
			frame := voice.AudioFrame{
				Data:      data,
				Timestamp: time.Duration(c.frameCount) * voice.FrameDuration,
			}
			c.frameCount++
			select {
			case c.audio <- frame:
			default:
				// 2 s of audio already queued: the pipeline cannot
				// keep up with this client.
				return fmt.Errorf("transport: inbound queue full: %w", fault.ErrSlowConsumer)
			}

		case websocket.MessageText:
			var f voice.ControlFrame
			if uerr := json.Unmarshal(data, &f); uerr != nil {
				c.sendErrorDirect(ctx, fmt.Errorf("%w: malformed control frame", fault.ErrValidation))
				continue
			}
			if f.Type == voice.ControlPing {
				continue // already counted as inbound activity
			}
			select {
			case c.control <- f:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// writeLoop owns the wire on the outbound side: queued messages, epoch
// gating, and periodic heartbeats.
func (c *Conn) writeLoop(ctx context.Context) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return

		case <-heartbeat.C:
			f, err := voice.NewControlFrame(voice.ControlHeartbeat, c.epoch(), nil)
			if err != nil {
				continue
			}
			if err := c.writeFrame(ctx, f); err != nil {
				return
			}

		case m := <-c.out:
			if m.gated && m.frame.Epoch < c.epoch() {
				continue // superseded by a barge-in
			}
			if err := c.writeFrame(ctx, m.frame); err != nil {
				return
			}
			if len(m.pcm) > 0 {
				c.wmu.Lock()
				err := c.ws.Write(ctx, websocket.MessageBinary, m.pcm)
				c.wmu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}
}

// watchdog closes the connection when the client goes silent past
// IdleTimeout. Closing the socket unblocks the read loop.
func (c *Conn) watchdog(ctx context.Context) {
	t := time.NewTicker(watchdogInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-t.C:
			last := time.Unix(0, c.lastInbound.Load())
			if time.Since(last) > IdleTimeout {
				slog.Info("closing idle connection", "idle", time.Since(last))
				c.Close(websocket.StatusGoingAway, "idle timeout")
				return
			}
		}
	}
}

func (c *Conn) writeFrame(ctx context.Context, f voice.ControlFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("transport: marshal %s: %w", f.Type, err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// enqueue places m on the outbound queue, blocking while the writer drains.
// This is the backpressure point the synthesis pipeline pauses on.
func (c *Conn) enqueue(ctx context.Context, m outMsg) error {
	select {
	case c.out <- m:
		return nil
	case <-c.done:
		return fmt.Errorf("transport: connection closed: %w", fault.ErrTransport)
	case <-ctx.Done():
		return fmt.Errorf("transport: %w: %v", fault.ErrCancelled, ctx.Err())
	}
}

// Send queues an ungated control frame (asr_*, agent_text_final, tts_stop,
// turn_emotion, error, stream_started). Ungated frames are always delivered
// in queue order.
func (c *Conn) Send(ctx context.Context, f voice.ControlFrame) error {
	return c.enqueue(ctx, outMsg{frame: f})
}

// SendGated queues a control frame that is dropped if its epoch is stale by
// the time the writer reaches it (agent_text_partial).
func (c *Conn) SendGated(ctx context.Context, f voice.ControlFrame) error {
	return c.enqueue(ctx, outMsg{frame: f, gated: true})
}

// EmitChunk queues one audio chunk: a tts_chunk control frame announcing the
// payload, immediately followed by the binary PCM. Both are dropped together
// when the epoch is stale.
func (c *Conn) EmitChunk(ctx context.Context, epoch voice.Epoch, pcm []byte) error {
	f, err := voice.NewControlFrame(voice.ControlTTSChunk, epoch, nil)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, outMsg{frame: f, pcm: pcm, gated: true})
}

// EmitFallback queues a tts_fallback frame for a skipped synthesis unit.
func (c *Conn) EmitFallback(ctx context.Context, epoch voice.Epoch, unit string) error {
	f, err := voice.NewControlFrame(voice.ControlTTSFallback, epoch, voice.FallbackPayload{Unit: unit})
	if err != nil {
		return err
	}
	return c.enqueue(ctx, outMsg{frame: f, gated: true})
}

// SendError queues a typed error frame for err. Overload errors are marked
// retryable.
func (c *Conn) SendError(ctx context.Context, err error) error {
	f, ferr := voice.NewControlFrame(voice.ControlError, c.epoch(), voice.ErrorPayload{
		Code:      fault.Code(err),
		Message:   err.Error(),
		Retryable: errors.Is(err, fault.ErrOverloaded),
	})
	if ferr != nil {
		return ferr
	}
	return c.enqueue(ctx, outMsg{frame: f})
}

// sendErrorDirect writes an error frame bypassing the queue, for the
// teardown path where the writer may already be gone.
func (c *Conn) sendErrorDirect(ctx context.Context, err error) {
	f, ferr := voice.NewControlFrame(voice.ControlError, c.epoch(), voice.ErrorPayload{
		Code:    fault.Code(err),
		Message: err.Error(),
	})
	if ferr != nil {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if werr := c.writeFrame(wctx, f); werr != nil {
		slog.Debug("error frame not delivered", "code", fault.Code(err), "error", werr)
	}
}

// Close shuts the connection down once. Later calls are no-ops.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if err := c.ws.Close(code, reason); err != nil {
			slog.Debug("websocket close", "error", err)
		}
	})
}
