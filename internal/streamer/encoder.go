package streamer

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrStreamClosed is returned for any write after the sentinel.
var ErrStreamClosed = errors.New("streamer: stream already terminated")

// ErrDuplicateFinal guards the one-final-frame-per-turn contract.
var ErrDuplicateFinal = errors.New("streamer: final frame already written")

// Encoder writes SSE frames. It enforces the wire contract: at most one
// final frame, the sentinel terminates the stream, nothing after the
// sentinel.
type Encoder struct {
	w         io.Writer
	flush     func()
	finalSent bool
	closed    bool
}

func NewEncoder(w http.ResponseWriter) *Encoder {
	enc := &Encoder{w: w, flush: func() {}}
	if f, ok := w.(http.Flusher); ok {
		enc.flush = f.Flush
	}
	return enc
}

// Encode writes one event. A done event becomes the sentinel line.
func (e *Encoder) Encode(evt Event) error {
	if e.closed {
		return ErrStreamClosed
	}
	switch evt.Type {
	case TypeDone:
		return e.Close()
	case TypeFinal:
		if e.finalSent {
			return ErrDuplicateFinal
		}
		e.finalSent = true
	}
	if _, err := fmt.Fprintf(e.w, "id: %d\ndata: %s\n\n", evt.Seq, evt.Marshal()); err != nil {
		return err
	}
	e.flush()
	return nil
}

// Close emits the sentinel and seals the encoder. Idempotent.
func (e *Encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", Sentinel); err != nil {
		return err
	}
	e.flush()
	return nil
}

// Heartbeat writes an SSE comment to keep idle connections open.
func (e *Encoder) Heartbeat() error {
	if e.closed {
		return ErrStreamClosed
	}
	if _, err := io.WriteString(e.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	e.flush()
	return nil
}
