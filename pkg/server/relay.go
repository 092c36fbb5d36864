package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/aeolun/roomcast/pkg/database"
	"github.com/aeolun/roomcast/pkg/protocol"
)

var (
	ErrInvalidFileName = errors.New("invalid file name")
	ErrUploadTooLarge  = errors.New("declared size exceeds upload limit")

	// errStreamBroken means the chunk stream can no longer be followed; the
	// session must end once the uploader has been told.
	errStreamBroken = errors.New("upload stream broken")

	errExceedsDeclared = errors.New("data exceeds the declared size")
)

// FileRelay receives an upload from one session, writes it to a partial file
// and relays every chunk to all other registered sessions as it arrives.
type FileRelay struct {
	dir          string
	maxUpload    int64
	maxChunk     int
	chunkTimeout time.Duration
	sessions     *SessionManager
	events       EventSink
	metrics      *Metrics

	// finalizeMu serialises the pick-a-free-name-and-rename step
	finalizeMu sync.Mutex
}

// NewFileRelay creates a relay that stores accepted files in dir
func NewFileRelay(dir string, maxUpload int64, maxChunk int, chunkTimeout time.Duration, sessions *SessionManager, events EventSink) *FileRelay {
	if maxChunk <= 0 {
		maxChunk = protocol.DefaultMaxChunkSize
	}
	if events == nil {
		events = discardSink{}
	}
	return &FileRelay{
		dir:          dir,
		maxUpload:    maxUpload,
		maxChunk:     maxChunk,
		chunkTimeout: chunkTimeout,
		sessions:     sessions,
		events:       events,
	}
}

// SetMetrics attaches metrics to the relay
func (r *FileRelay) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

// UploadOutcome summarises one finished transfer
type UploadOutcome struct {
	TransferID string
	Status     uint8
	Received   int64
	Path       string // final path of an accepted file
	Reason     string
}

// Receive runs one upload on the uploader's read loop. The chunk stream that
// follows the UPLOAD frame is always consumed up to its terminator, even when
// the upload is rejected up front, so the command stream stays in sync. The
// returned error is non-nil only when the stream itself broke.
func (r *FileRelay) Receive(sess *Session, msg *protocol.UploadMessage) (UploadOutcome, error) {
	transferID := uuid.NewString()
	out := UploadOutcome{TransferID: transferID}

	name, err := sanitizeFileName(msg.FileName)
	if err == nil && (msg.Size < 0 || (r.maxUpload > 0 && msg.Size > r.maxUpload)) {
		err = fmt.Errorf("%w: %d bytes", ErrUploadTooLarge, msg.Size)
	}
	if err != nil {
		drained, derr := r.drain(sess)
		out.Status = protocol.UploadRejected
		out.Received = drained
		out.Reason = err.Error()
		r.finish(sess, out, "rejected")
		return out, derr
	}

	partPath := filepath.Join(r.dir, transferID+".part")
	file, err := os.OpenFile(partPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		errorLog.Printf("Session %d: cannot create %s: %v", sess.ID, partPath, err)
		drained, derr := r.drain(sess)
		out.Status = protocol.UploadRejected
		out.Received = drained
		out.Reason = "server could not store the file"
		r.finish(sess, out, "rejected")
		return out, derr
	}

	peers := without(r.sessions.AllSessions(), sess)
	offer, err := protocol.MessageFrame(protocol.TypeFileOffer, &protocol.FileOfferMessage{
		TransferID: transferID,
		Sender:     sess.Identity(),
		FileName:   name,
		Size:       msg.Size,
	})
	if err == nil {
		r.sessions.Deliver(peers, offer)
	}

	log.Printf("Session %d: upload %s started (%s, %d bytes, %d peers)", sess.ID, transferID, name, msg.Size, len(peers))

	received, kind, streamErr := r.copyChunks(sess, file, transferID, peers, msg.Size)
	closeErr := file.Close()
	out.Received = received

	switch {
	case streamErr == nil && kind == protocol.ChunkEOF && received == msg.Size && closeErr == nil:
		finalPath, err := r.finalize(partPath, name)
		if err != nil {
			errorLog.Printf("Session %d: finalize upload %s: %v", sess.ID, transferID, err)
			os.Remove(partPath)
			r.relayCancel(peers, transferID, "server could not store the file")
			out.Status = protocol.UploadRejected
			out.Reason = "server could not store the file"
			r.finish(sess, out, "rejected")
			return out, nil
		}
		r.relayEnd(peers, transferID)
		out.Status = protocol.UploadAccepted
		out.Path = finalPath
		out.Reason = filepath.Base(finalPath)
		r.finish(sess, out, "accepted")
		return out, nil

	case streamErr == nil && kind == protocol.ChunkEOF:
		os.Remove(partPath)
		reason := fmt.Sprintf("size mismatch: declared %d, received %d", msg.Size, received)
		r.relayCancel(peers, transferID, reason)
		out.Status = protocol.UploadRejected
		out.Reason = reason
		r.finish(sess, out, "rejected")
		return out, nil

	case errors.Is(streamErr, errExceedsDeclared):
		os.Remove(partPath)
		reason := fmt.Sprintf("size mismatch: declared %d, received %d", msg.Size, received)
		r.relayCancel(peers, transferID, reason)
		out.Status = protocol.UploadRejected
		out.Reason = reason
		r.finish(sess, out, "rejected")
		return out, nil

	case streamErr == nil && kind == protocol.ChunkCancelled:
		os.Remove(partPath)
		r.relayCancel(peers, transferID, "cancelled by sender")
		out.Status = protocol.UploadCancelled
		out.Reason = "cancelled"
		r.finish(sess, out, "cancelled")
		return out, nil
	}

	// Broken stream: timeout, bad chunk length, oversize data or I/O failure
	os.Remove(partPath)
	reason := "transfer aborted"
	if streamErr != nil {
		reason = streamErr.Error()
	}
	r.relayCancel(peers, transferID, reason)
	out.Status = protocol.UploadCancelled
	out.Reason = reason
	r.finish(sess, out, "aborted")
	return out, fmt.Errorf("%w: %v", errStreamBroken, streamErr)
}

// copyChunks streams chunks to file and peers until a terminator. Only one
// chunk is held in memory at a time; each FILE_DATA frame owns its buffer so
// peers' queues can share it.
func (r *FileRelay) copyChunks(sess *Session, file *os.File, transferID string, peers []*Session, declared int64) (int64, protocol.ChunkKind, error) {
	defer sess.Conn.SetReadDeadline(time.Time{})

	var received int64
	for {
		r.armDeadline(sess)
		kind, n, err := protocol.ReadChunkHeader(sess.reader, r.maxChunk)
		if err != nil {
			return received, 0, err
		}
		if kind != protocol.ChunkData {
			return received, kind, nil
		}
		if received+int64(n) > declared {
			// The length is valid, so the rest of the stream can still be skipped
			if _, err := sess.reader.Discard(n); err != nil {
				return received, 0, err
			}
			extra, err := r.drain(sess)
			if err != nil {
				return received, 0, err
			}
			return received + int64(n) + extra, 0, errExceedsDeclared
		}

		buf := make([]byte, n)
		if _, err := io.ReadFull(sess.reader, buf); err != nil {
			return received, 0, err
		}
		if _, err := file.Write(buf); err != nil {
			return received, 0, fmt.Errorf("write partial file: %w", err)
		}
		received += int64(n)

		frame, err := protocol.MessageFrame(protocol.TypeFileData, &protocol.FileDataMessage{
			TransferID: transferID,
			Data:       buf,
		})
		if err != nil {
			return received, 0, err
		}
		r.sessions.Deliver(peers, frame)
	}
}

// drain consumes a chunk stream without storing or relaying it
func (r *FileRelay) drain(sess *Session) (int64, error) {
	defer sess.Conn.SetReadDeadline(time.Time{})

	var discarded int64
	for {
		r.armDeadline(sess)
		kind, n, err := protocol.ReadChunkHeader(sess.reader, r.maxChunk)
		if err != nil {
			return discarded, fmt.Errorf("%w: %v", errStreamBroken, err)
		}
		if kind != protocol.ChunkData {
			return discarded, nil
		}
		if _, err := sess.reader.Discard(n); err != nil {
			return discarded, fmt.Errorf("%w: %v", errStreamBroken, err)
		}
		discarded += int64(n)
	}
}

func (r *FileRelay) armDeadline(sess *Session) {
	if r.chunkTimeout > 0 {
		sess.Conn.SetReadDeadline(time.Now().Add(r.chunkTimeout))
	}
}

func (r *FileRelay) relayEnd(peers []*Session, transferID string) {
	frame, err := protocol.MessageFrame(protocol.TypeFileEnd, &protocol.FileEndMessage{TransferID: transferID})
	if err == nil {
		r.sessions.Deliver(peers, frame)
	}
}

func (r *FileRelay) relayCancel(peers []*Session, transferID, reason string) {
	frame, err := protocol.MessageFrame(protocol.TypeFileCancel, &protocol.FileCancelMessage{
		TransferID: transferID,
		Reason:     reason,
	})
	if err == nil {
		r.sessions.Deliver(peers, frame)
	}
}

// finish reports the outcome to the uploader, the event log and metrics
func (r *FileRelay) finish(sess *Session, out UploadOutcome, result string) {
	log.Printf("Session %d: upload %s %s (%d bytes)", sess.ID, out.TransferID, result, out.Received)

	if r.metrics != nil {
		r.metrics.RecordUpload(result, out.Received)
	}
	if err := r.events.Append(database.Event{
		Kind:   database.KindUpload,
		Room:   sess.Room(),
		Actor:  sess.Identity(),
		Target: out.TransferID,
		Body:   result + ": " + out.Reason,
		Amount: out.Received,
	}); err != nil && r.metrics != nil {
		r.metrics.RecordSinkFailure()
	}

	frame, err := protocol.MessageFrame(protocol.TypeUploadResult, &protocol.UploadResultMessage{
		TransferID: out.TransferID,
		Status:     out.Status,
		Received:   out.Received,
		Message:    out.Reason,
	})
	if err == nil {
		r.sessions.SendTo(sess, frame)
	}
}

// finalize renames the partial file to name, adding -1, -2, … before the
// extension when the name is taken.
func (r *FileRelay) finalize(partPath, name string) (string, error) {
	r.finalizeMu.Lock()
	defer r.finalizeMu.Unlock()

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := filepath.Join(r.dir, name)
	for n := 1; ; n++ {
		if _, err := os.Lstat(candidate); os.IsNotExist(err) {
			break
		} else if err != nil {
			return "", err
		}
		candidate = filepath.Join(r.dir, stem+"-"+strconv.Itoa(n)+ext)
	}

	if err := os.Rename(partPath, candidate); err != nil {
		return "", err
	}
	return candidate, nil
}

// sanitizeFileName reduces a client-supplied name to a safe base name
func sanitizeFileName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimLeft(name, ".")

	if name == "" || name == "/" || len(name) > 255 || strings.HasSuffix(name, ".part") {
		return "", ErrInvalidFileName
	}
	return name, nil
}
