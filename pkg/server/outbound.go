package server

import (
	"bufio"
	"errors"
	"time"

	"github.com/aeolun/roomcast/pkg/protocol"
)

var (
	// ErrQueueTimeout means the destination queue stayed full for the whole enqueue timeout
	ErrQueueTimeout = errors.New("outbound queue full")
	// ErrSessionClosed means the destination session has already been closed
	ErrSessionClosed = errors.New("session closed")

	errQueueFull = errors.New("outbound queue has no free slot")
)

// closeMarker asks the sender loop to flush what precedes it and close the session
var closeMarker = &protocol.Frame{}

// tryEnqueue queues f without blocking
func (s *Session) tryEnqueue(f *protocol.Frame) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	select {
	case s.outbound <- f:
		return nil
	default:
		return errQueueFull
	}
}

// enqueue queues f, waiting at most timeout for a free slot
func (s *Session) enqueue(f *protocol.Frame, timeout time.Duration) error {
	err := s.tryEnqueue(f)
	if !errors.Is(err, errQueueFull) {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.outbound <- f:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-timer.C:
		return ErrQueueTimeout
	}
}

// senderLoop is the single consumer of the outbound queue and the single
// writer of the connection. Frames already queued are coalesced into one
// flush. Any write failure closes the session.
func (s *Session) senderLoop(writeTimeout time.Duration, metrics *Metrics) {
	defer close(s.senderDone)

	w := bufio.NewWriterSize(s.Conn, 32*1024)
	write := func(f *protocol.Frame) error {
		if metrics != nil {
			metrics.RecordFrameSent(f.Type)
		}
		return protocol.EncodeFrame(w, f)
	}

	for {
		var f *protocol.Frame
		select {
		case <-s.done:
			return
		case f = <-s.outbound:
		}

		if metrics != nil {
			metrics.RecordQueueLength(len(s.outbound))
		}
		if writeTimeout > 0 {
			s.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		}

		closing := f == closeMarker
		var err error
		if !closing {
			err = write(f)
		}
	drain:
		for err == nil && !closing && w.Buffered() < w.Size() {
			select {
			case next := <-s.outbound:
				if next == closeMarker {
					closing = true
					break drain
				}
				err = write(next)
			default:
				break drain
			}
		}
		if err == nil {
			err = w.Flush()
		}

		if err != nil {
			debugLog.Printf("Session %d: write failed: %v", s.ID, err)
			s.Close("write error")
			return
		}
		if closing {
			s.Close(s.flushCloseReason())
			return
		}
	}
}

// closeAfterFlush queues the close marker and waits up to timeout for the
// sender loop to write everything queued before it. The session is closed
// with reason either way.
func (s *Session) closeAfterFlush(reason string, timeout time.Duration) {
	s.mu.Lock()
	s.flushReason = reason
	s.mu.Unlock()

	if err := s.enqueue(closeMarker, timeout); err == nil {
		select {
		case <-s.senderDone:
		case <-time.After(timeout):
		}
	}
	s.Close(reason)
}

func (s *Session) flushCloseReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.flushReason == "" {
		return "quit"
	}
	return s.flushReason
}
