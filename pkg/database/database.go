package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrClosed is returned when appending to a closed store
var ErrClosed = errors.New("event store closed")

// Event kinds written by the server
const (
	KindChat        = "chat"
	KindPrivate     = "private"
	KindJoin        = "join"
	KindLeave       = "leave"
	KindRoomCreated = "room_created"
	KindKick        = "kick"
	KindDeposit     = "deposit"
	KindWithdraw    = "withdraw"
	KindPollCreated = "poll_created"
	KindVote        = "vote"
	KindUpload      = "upload"
	KindHistorySave = "history_saved"
)

// Event is one row of the audit log
type Event struct {
	ID        int64
	Kind      string
	Room      string
	Actor     string
	Target    string
	Body      string
	Amount    int64
	CreatedAt int64 // Unix timestamp in milliseconds
}

// DB wraps the SQLite event log
type DB struct {
	conn        *sql.DB // Read connection pool
	writeConn   *sql.DB // Dedicated write connection (1 connection)
	snowflake   *Snowflake
	WriteBuffer *WriteBuffer
}

var pragmas = []struct {
	stmt string
	desc string
}{
	{"PRAGMA journal_mode = WAL", "enable WAL mode"},
	{"PRAGMA busy_timeout = 5000", "set busy timeout"},
	{"PRAGMA synchronous = NORMAL", "set synchronous mode"},
}

func openConn(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p.stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to %s: %w", p.desc, err)
		}
	}
	return conn, nil
}

// Open opens the SQLite database at path, applies pending migrations and
// starts the write buffer with the given flush interval.
func Open(path string, flushInterval time.Duration) (*DB, error) {
	conn, err := openConn(path)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	writeConn, err := openConn(path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)
	writeConn.SetMaxIdleConns(1)
	writeConn.SetConnMaxLifetime(0)

	if err := runMigrations(writeConn, path); err != nil {
		conn.Close()
		writeConn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}

	// Epoch 2024-01-01, single server
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

	db := &DB{
		conn:      conn,
		writeConn: writeConn,
		snowflake: NewSnowflake(epoch, 0),
	}
	db.WriteBuffer = NewWriteBuffer(db, flushInterval)
	return db, nil
}

// Close flushes buffered events and closes both connections
func (db *DB) Close() error {
	db.WriteBuffer.Close()
	db.writeConn.Close()
	return db.conn.Close()
}

// Append queues an event for the next batch write
func (db *DB) Append(e Event) error {
	return db.WriteBuffer.Append(e)
}

// Flush writes every buffered event now
func (db *DB) Flush() {
	db.WriteBuffer.Flush()
}

// CountEvents returns how many stored events have the given kind. An empty
// kind counts every event.
func (db *DB) CountEvents(kind string) (int64, error) {
	var count int64
	var err error
	if kind == "" {
		err = db.conn.QueryRow(`SELECT COUNT(*) FROM Event`).Scan(&count)
	} else {
		err = db.conn.QueryRow(`SELECT COUNT(*) FROM Event WHERE kind = ?`, kind).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

// RecentEvents returns up to limit events of one kind, newest first
func (db *DB) RecentEvents(kind string, limit int) ([]Event, error) {
	rows, err := db.conn.Query(`
		SELECT id, kind, room, actor, target, body, amount, created_at
		FROM Event
		WHERE kind = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Kind, &e.Room, &e.Actor, &e.Target, &e.Body, &e.Amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// nowMillis returns current time as Unix timestamp in milliseconds
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
