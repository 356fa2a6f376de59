// Package relay bridges a sandbox's live output stream onto a client
// connection, one bounded chunk at a time. It owns the runtime attach handle
// for the duration of a session and releases it on every exit path.
package relay

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/maanpatel139/aetherhost/internal/gateway"
)

const chunkSize = 1024

// Sink receives forwarded stream chunks. The server layer implements it over
// a websocket connection; tests implement it in memory.
type Sink interface {
	// WriteChunk delivers one chunk of sandbox output. An error means the
	// client is gone and the session must end.
	WriteChunk(p []byte) error
	// WriteError delivers a terminal error notice. Best effort; the session
	// ends regardless of the result.
	WriteError(msg string) error
}

// Relay forwards sandbox output to connected clients with a fixed pacing
// delay between chunks.
type Relay struct {
	runtime gateway.Runtime
	delay   time.Duration
	logger  *log.Logger
}

func New(runtime gateway.Runtime, delay time.Duration, logger *log.Logger) *Relay {
	return &Relay{runtime: runtime, delay: delay, logger: logger}
}

// Stream attaches to the sandbox identified by id and forwards its output to
// sink until the client disconnects, the stream ends, or ctx is canceled.
// Each session holds exactly one attach handle, closed before return. Failures
// after attach are reported to the sink as an error notice rather than
// returned, since by then the client is the only party left to tell.
func (r *Relay) Stream(ctx context.Context, id string, sink Sink) error {
	stream, err := r.runtime.AttachStream(ctx, id)
	if err != nil {
		_ = sink.WriteError(err.Error())
		return err
	}
	defer stream.Close()

	// A quiet sandbox leaves the loop blocked in Read with no chunk to fail
	// on, so cancellation must close the handle out from under it.
	stopUnblock := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stopUnblock()

	if r.logger != nil {
		r.logger.Debug("stream session opened", "sandbox_id", gateway.ShortID(id))
	}

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := stream.Read(buf)
		if n > 0 {
			if err := sink.WriteChunk(buf[:n]); err != nil {
				// Client disconnected.
				return nil
			}
			if r.delay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(r.delay):
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			// A read failure caused by our own teardown is not worth an
			// error frame; the client is already gone.
			if ctx.Err() != nil {
				return ctx.Err()
			}
			_ = sink.WriteError("stream read failed: " + readErr.Error())
			return readErr
		}
	}
}
