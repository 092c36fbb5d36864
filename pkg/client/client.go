package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/aeolun/roomcast/pkg/protocol"
)

var ErrClosed = errors.New("client closed")

// ServerError is an ERROR frame returned by the server
type ServerError struct {
	Code    uint16
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// DecodeError turns an ERROR frame into a *ServerError
func DecodeError(frame *protocol.Frame) error {
	var msg protocol.ErrorMessage
	if err := msg.Decode(frame.Payload); err != nil {
		return fmt.Errorf("decode error frame: %w", err)
	}
	return &ServerError{Code: msg.ErrorCode, Message: msg.Message}
}

// Welcome describes the registered session after a successful handshake
type Welcome struct {
	Identity string
	Room     string
	IsAdmin  bool
	// Power is the fourth power of a numeric identity, empty otherwise
	Power string
}

// Client is one connection to a roomcast server. After Hello succeeds a
// reader goroutine delivers every server frame on Incoming.
type Client struct {
	addr   string
	conn   net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
	started atomic.Bool

	incoming chan *protocol.Frame
	readErr  error
	readDone chan struct{}

	closeOnce sync.Once

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger *log.Logger
}

// Dial connects to addr. Accepted forms are host:port (TCP), ssh://[user@]host[:port]
// and ws:// or wss://host[:port].
func Dial(ctx context.Context, addr string) (*Client, error) {
	cfg, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}
	conn, err := cfg.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.display, err)
	}
	c := NewClient(conn)
	c.addr = cfg.display
	if cfg.warning != "" {
		c.logf("WARNING: %s", cfg.warning)
	}
	return c, nil
}

// NewClient wraps an established connection
func NewClient(conn net.Conn) *Client {
	c := &Client{
		addr:     conn.RemoteAddr().String(),
		conn:     conn,
		incoming: make(chan *protocol.Frame, 256),
		readDone: make(chan struct{}),
	}
	c.reader = bufio.NewReaderSize(&countingReader{r: conn, counter: &c.bytesReceived}, 64*1024)
	return c
}

// SetLogger sets a logger for connection events
func (c *Client) SetLogger(logger *log.Logger) {
	c.logger = logger
}

func (c *Client) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Address returns the display form of the server address
func (c *Client) Address() string {
	return c.addr
}

// Hello performs the handshake. It must be the first call on a new client.
func (c *Client) Hello(identity, password string) (*Welcome, error) {
	if err := c.Send(&protocol.HelloMessage{Identity: identity, Password: password}); err != nil {
		return nil, err
	}

	welcome := &Welcome{}
	for {
		frame, err := protocol.DecodeFrame(c.reader)
		if err != nil {
			return nil, fmt.Errorf("handshake: %w", err)
		}

		switch frame.Type {
		case protocol.TypePowerResult:
			var msg protocol.PowerResultMessage
			if err := msg.Decode(frame.Payload); err != nil {
				return nil, err
			}
			welcome.Power = msg.Result
		case protocol.TypeWelcome:
			var msg protocol.WelcomeMessage
			if err := msg.Decode(frame.Payload); err != nil {
				return nil, err
			}
			welcome.Identity = msg.Identity
			welcome.Room = msg.Room
			welcome.IsAdmin = msg.IsAdmin
			c.startReader()
			c.logf("Connected to %s as %s", c.addr, welcome.Identity)
			return welcome, nil
		case protocol.TypeError:
			return nil, DecodeError(frame)
		default:
			return nil, fmt.Errorf("handshake: unexpected frame type 0x%02X", frame.Type)
		}
	}
}

func (c *Client) startReader() {
	if c.started.CompareAndSwap(false, true) {
		go c.readLoop()
	}
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	defer close(c.incoming)

	for {
		frame, err := protocol.DecodeFrame(c.reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.readErr = err
				c.logf("Read error: %v", err)
			}
			return
		}
		c.logf("← RECV: Type=0x%02X PayloadLen=%d", frame.Type, len(frame.Payload))
		c.incoming <- frame
	}
}

// Incoming delivers server frames in arrival order. It is closed when the
// connection ends.
func (c *Client) Incoming() <-chan *protocol.Frame {
	return c.incoming
}

// Err returns the read error that ended the connection, nil on a clean close
func (c *Client) Err() error {
	<-c.readDone
	return c.readErr
}

// Send writes one command frame
func (c *Client) Send(cmd protocol.Command) error {
	frame, err := protocol.CommandFrame(cmd)
	if err != nil {
		return err
	}
	return c.SendFrame(frame)
}

// SendFrame writes a raw frame
func (c *Client) SendFrame(frame *protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrame(frame)
}

func (c *Client) writeFrame(frame *protocol.Frame) error {
	w := &countingWriter{w: c.conn, counter: &c.bytesSent}
	if err := protocol.EncodeFrame(w, frame); err != nil {
		return fmt.Errorf("write error: %w", err)
	}
	c.logf("→ SEND: Type=0x%02X PayloadLen=%d", frame.Type, len(frame.Payload))
	return nil
}

// Upload sends an UPLOAD command followed by the content of r as a chunk
// stream. size must match the bytes r yields or the server rejects the file.
// Cancelling ctx mid-stream sends the cancel marker. The outcome arrives on
// Incoming as UPLOAD_RESULT.
func (c *Client) Upload(ctx context.Context, name string, size int64, r io.Reader, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = protocol.DefaultMaxChunkSize
	}
	frame, err := protocol.CommandFrame(&protocol.UploadMessage{FileName: name, Size: size})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.writeFrame(frame); err != nil {
		return err
	}

	w := bufio.NewWriterSize(&countingWriter{w: c.conn, counter: &c.bytesSent}, chunkSize+4)
	buf := make([]byte, chunkSize)
	for {
		if ctx.Err() != nil {
			if err := protocol.WriteChunkCancel(w); err != nil {
				return err
			}
			if err := w.Flush(); err != nil {
				return err
			}
			return ctx.Err()
		}

		n, rerr := io.ReadFull(r, buf)
		if n > 0 {
			if err := protocol.WriteChunk(w, buf[:n]); err != nil {
				return err
			}
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			protocol.WriteChunkCancel(w)
			w.Flush()
			return fmt.Errorf("read upload source: %w", rerr)
		}
	}

	if err := protocol.WriteChunkEnd(w); err != nil {
		return err
	}
	return w.Flush()
}

// Close ends the connection
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		if !c.started.Load() {
			close(c.incoming)
			close(c.readDone)
		}
	})
	return err
}

// Quit asks the server to end the session and waits for it to close the
// connection.
func (c *Client) Quit() error {
	if !c.started.Load() {
		return c.Close()
	}
	if err := c.Send(&protocol.QuitMessage{}); err != nil {
		return err
	}
	for range c.incoming {
	}
	c.Close()
	return c.Err()
}

// BytesSent returns the total bytes written to the server
func (c *Client) BytesSent() uint64 {
	return c.bytesSent.Load()
}

// BytesReceived returns the total bytes read from the server
func (c *Client) BytesReceived() uint64 {
	return c.bytesReceived.Load()
}

// countingReader wraps an io.Reader and counts bytes read
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 {
		cw.counter.Add(uint64(n))
	}
	return n, err
}
