package gateway

import (
	"io"

	"github.com/dockhand/dockhand/pkg/agentproto"
)

// StreamReader adapts a streaming tunnel request to io.ReadCloser. Close
// sends a cancellation frame so the agent stops producing.
type StreamReader struct {
	conn      *Connection
	waiter    *streamWaiter
	requestID string
	buf       []byte
	err       error
}

var _ io.ReadCloser = (*StreamReader)(nil)

func (r *StreamReader) Read(p []byte) (int, error) {
	if len(r.buf) > 0 {
		n := copy(p, r.buf)
		r.buf = r.buf[n:]
		return n, nil
	}
	if r.err != nil {
		return 0, r.err
	}

	chunk, ok := <-r.waiter.chunks
	if !ok {
		// Channel closed: done carries the terminal status.
		select {
		case err := <-r.waiter.done:
			if err != nil {
				r.err = err
			} else {
				r.err = io.EOF
			}
		default:
			r.err = io.EOF
		}
		return 0, r.err
	}

	n := copy(p, chunk)
	if n < len(chunk) {
		r.buf = chunk[n:]
	}
	return n, nil
}

// Close cancels the stream. Safe to call after the stream already ended.
func (r *StreamReader) Close() error {
	if r.waiter.finish(io.EOF) {
		r.conn.takeStream(r.requestID)
		end := agentproto.StreamEnd{
			Type:      agentproto.TypeStreamEnd,
			RequestID: r.requestID,
			Reason:    agentproto.ReasonCancelled,
		}
		return r.conn.send(end)
	}
	return nil
}
