package server

import "github.com/aeolun/roomcast/pkg/database"

// EventSink receives an append-only record of what the server did.
// Implementations must not block the caller for long; the SQLite store
// buffers and writes in batches.
type EventSink interface {
	Append(e database.Event) error
}

type discardSink struct{}

func (discardSink) Append(database.Event) error { return nil }
