package server

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/roomcast/pkg/protocol"
)

// Deliver queues frame for every target and returns how many accepted it.
// Targets with a free slot get the frame at once; the rest are waited on
// concurrently, each for at most the enqueue timeout, so one call never
// blocks longer than a single timeout. A target that times out is
// disconnected. Deliver returns only after every target has been resolved,
// which keeps frames from one producer in order.
func (sm *SessionManager) Deliver(targets []*Session, frame *protocol.Frame) int {
	var delivered int
	var slow []*Session

	for _, sess := range targets {
		switch err := sess.tryEnqueue(frame); {
		case err == nil:
			delivered++
		case errors.Is(err, errQueueFull):
			slow = append(slow, sess)
		}
	}
	if len(slow) == 0 {
		return delivered
	}

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for _, sess := range slow {
		wg.Add(1)
		go func(sess *Session) {
			defer wg.Done()
			err := sess.enqueue(frame, sm.enqueueTimeout)
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, ErrQueueTimeout):
				sm.disconnectSlow(sess)
			}
		}(sess)
	}
	wg.Wait()

	return delivered + int(accepted.Load())
}

// disconnectSlow force-closes a session whose queue stayed full
func (sm *SessionManager) disconnectSlow(sess *Session) {
	errorLog.Printf("Session %d (%s): outbound queue full for %v, disconnecting", sess.ID, sess.Identity(), sm.enqueueTimeout)
	if sm.metrics != nil {
		sm.metrics.RecordBackpressureDisconnect()
	}
	sess.Close("backpressure")
}

// SendTo queues frame for a single session
func (sm *SessionManager) SendTo(sess *Session, frame *protocol.Frame) error {
	if sm.Deliver([]*Session{sess}, frame) == 1 {
		return nil
	}
	if sess.isClosed() {
		return ErrSessionClosed
	}
	return ErrQueueTimeout
}

// BroadcastToRoom sends frame to every member of a room except exclude
func (sm *SessionManager) BroadcastToRoom(roomName string, frame *protocol.Frame, exclude *Session) int {
	start := time.Now()
	members := sm.RoomMembers(roomName)
	targets := without(members, exclude)
	n := sm.Deliver(targets, frame)
	if sm.metrics != nil {
		sm.metrics.RecordBroadcast("room", len(targets), time.Since(start).Seconds())
	}
	return n
}

// BroadcastToAll sends frame to every registered session except exclude
func (sm *SessionManager) BroadcastToAll(frame *protocol.Frame, exclude *Session) int {
	start := time.Now()
	targets := without(sm.AllSessions(), exclude)
	n := sm.Deliver(targets, frame)
	if sm.metrics != nil {
		sm.metrics.RecordBroadcast("all", len(targets), time.Since(start).Seconds())
	}
	return n
}

func without(sessions []*Session, exclude *Session) []*Session {
	if exclude == nil {
		return sessions
	}
	out := sessions[:0]
	for _, sess := range sessions {
		if sess != exclude {
			out = append(out, sess)
		}
	}
	return out
}

// historyRing keeps the most recent chat lines of one room
type historyRing struct {
	mu    sync.Mutex
	lines []protocol.HistoryLine
	next  int
	full  bool
}

func newHistoryRing(size int) *historyRing {
	if size <= 0 {
		size = 1
	}
	return &historyRing{lines: make([]protocol.HistoryLine, size)}
}

// Append records a line, overwriting the oldest once the ring is full
func (h *historyRing) Append(line protocol.HistoryLine) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lines[h.next] = line
	h.next = (h.next + 1) % len(h.lines)
	if h.next == 0 {
		h.full = true
	}
}

// Last returns up to n lines, oldest first. n <= 0 returns everything kept.
func (h *historyRing) Last(n int) []protocol.HistoryLine {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := h.next
	if h.full {
		count = len(h.lines)
	}
	if n <= 0 || n > count {
		n = count
	}

	out := make([]protocol.HistoryLine, n)
	start := h.next - n
	if start < 0 {
		start += len(h.lines)
	}
	for i := 0; i < n; i++ {
		out[i] = h.lines[(start+i)%len(h.lines)]
	}
	return out
}
