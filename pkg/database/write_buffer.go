package database

import (
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// maxFlushAttempts is how many times a failing batch is retried as a whole
// before its events are written one by one and the bad ones dropped
const maxFlushAttempts = 3

// WriteBuffer batches event inserts so hot paths never wait on SQLite
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration

	mu      sync.Mutex
	pending []Event
	closed  bool

	// flushMu serialises flushes from the loop and from Flush
	flushMu  sync.Mutex
	failures int // consecutive failed flushes, guarded by flushMu
	dropped  atomic.Int64

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewWriteBuffer creates a write buffer and starts its flush loop
func NewWriteBuffer(db *DB, flushInterval time.Duration) *WriteBuffer {
	wb := &WriteBuffer{
		db:            db,
		flushInterval: flushInterval,
		pending:       make([]Event, 0, 100),
		shutdown:      make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// Append queues an event. The id and timestamp are assigned here so the
// order of Append calls is the order of ids.
func (wb *WriteBuffer) Append(e Event) error {
	wb.mu.Lock()
	defer wb.mu.Unlock()

	if wb.closed {
		return ErrClosed
	}
	if e.ID == 0 {
		e.ID = wb.db.snowflake.NextID()
	}
	if e.CreatedAt == 0 {
		e.CreatedAt = nowMillis()
	}
	wb.pending = append(wb.pending, e)
	return nil
}

// Pending reports how many events are waiting for the next flush
func (wb *WriteBuffer) Pending() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.pending)
}

func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.Flush()
		case <-wb.shutdown:
			wb.Flush()
			return
		}
	}
}

// Dropped reports how many events were discarded because they could not be written
func (wb *WriteBuffer) Dropped() int64 {
	return wb.dropped.Load()
}

// Flush writes every pending event in a single transaction. Events from a
// failed transaction are put back at the front of the queue; after
// maxFlushAttempts failures the batch is written event by event and the
// events that still fail are dropped.
func (wb *WriteBuffer) Flush() {
	wb.flushMu.Lock()
	defer wb.flushMu.Unlock()

	wb.mu.Lock()
	batch := wb.pending
	wb.pending = make([]Event, 0, 100)
	wb.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	start := time.Now()
	if err := wb.write(batch); err != nil {
		wb.failures++
		log.Printf("WriteBuffer: failed to write %d events (attempt %d): %v", len(batch), wb.failures, err)
		if wb.failures < maxFlushAttempts {
			wb.mu.Lock()
			wb.pending = append(batch, wb.pending...)
			wb.mu.Unlock()
			return
		}
		wb.failures = 0
		wb.writeEach(batch)
		return
	}
	wb.failures = 0

	if elapsed := time.Since(start); elapsed > wb.flushInterval {
		log.Printf("WriteBuffer: flushed %d events in %v", len(batch), elapsed)
	}
}

func (wb *WriteBuffer) write(batch []Event) error {
	tx, err := wb.db.writeConn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO Event (id, kind, room, actor, target, body, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		if _, err := stmt.Exec(e.ID, e.Kind, e.Room, e.Actor, e.Target, e.Body, e.Amount, e.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// writeEach writes events in separate transactions so one bad event cannot
// hold back the rest
func (wb *WriteBuffer) writeEach(batch []Event) {
	for _, e := range batch {
		if err := wb.write([]Event{e}); err != nil {
			wb.dropped.Add(1)
			log.Printf("WriteBuffer: dropping event %d (%s): %v", e.ID, e.Kind, err)
		}
	}
}

// Close stops the flush loop after a final flush. Later Appends fail with ErrClosed.
func (wb *WriteBuffer) Close() {
	wb.mu.Lock()
	if wb.closed {
		wb.mu.Unlock()
		return
	}
	wb.closed = true
	wb.mu.Unlock()

	close(wb.shutdown)
	wb.wg.Wait()
}
