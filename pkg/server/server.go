package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/roomcast/pkg/database"
	"github.com/aeolun/roomcast/pkg/ledger"
	"github.com/aeolun/roomcast/pkg/poll"
	"github.com/aeolun/roomcast/pkg/protocol"
)

var (
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags|log.Lmicroseconds)
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags|log.Lmicroseconds)
)

// SetDebug turns verbose per-frame logging on or off
func SetDebug(enabled bool) {
	if enabled {
		debugLog.SetOutput(os.Stderr)
	} else {
		debugLog.SetOutput(io.Discard)
	}
}

// Server is the broadcast server: listeners, the session registry and the
// shared services every session dispatches into.
type Server struct {
	config     ServerConfig
	configPath string

	sessions *SessionManager
	ledger   *ledger.Ledger
	polls    *poll.Service
	relay    *FileRelay
	auth     *CredentialGate
	db       *database.DB
	events   EventSink

	metrics  *Metrics
	registry *prometheus.Registry

	mu            sync.Mutex
	listeners     []net.Listener
	sshListener   net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	startTime time.Time
	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// ServerConfig holds server configuration. A zero port disables that listener.
type ServerConfig struct {
	TCPPort        int
	SSHPort        int
	SSHHostKeyPath string
	HTTPPort       int
	MetricsPort    int

	DatabasePath  string // empty disables the event store
	UploadDir     string
	TranscriptDir string
	DefaultRoom   string

	OutboundQueueSize int
	EnqueueTimeout    time.Duration
	WriteTimeout      time.Duration
	HandshakeTimeout  time.Duration
	ChunkTimeout      time.Duration
	WithdrawTimeout   time.Duration

	MaxUploadBytes   int64
	MaxChunkBytes    int
	MaxMessageLength int
	HistorySize      int
	MessageRateLimit int // chat lines per minute, 0 for unlimited

	AuthRequired bool
	Users        map[string]string // identity → bcrypt hash
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:        7070,
		SSHPort:        7072,
		SSHHostKeyPath: "~/.roomcast/ssh_host_key",
		HTTPPort:       7071,
		MetricsPort:    9090,

		UploadDir:     "uploads",
		TranscriptDir: "transcripts",
		DefaultRoom:   "Main",

		OutboundQueueSize: 64,
		EnqueueTimeout:    3 * time.Second,
		WriteTimeout:      10 * time.Second,
		HandshakeTimeout:  30 * time.Second,
		ChunkTimeout:      15 * time.Second,
		WithdrawTimeout:   ledger.DefaultWithdrawTimeout,

		MaxUploadBytes:   100 * 1024 * 1024,
		MaxChunkBytes:    protocol.DefaultMaxChunkSize,
		MaxMessageLength: 4096,
		HistorySize:      100,
		MessageRateLimit: 60,
	}
}

// NewServer creates a new server instance. Nothing listens until Start.
func NewServer(config ServerConfig, configPath string) (*Server, error) {
	var db *database.DB
	var events EventSink = discardSink{}
	if config.DatabasePath != "" {
		if err := os.MkdirAll(filepath.Dir(config.DatabasePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		var err error
		db, err = database.Open(config.DatabasePath, time.Second)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		events = db
	}

	if err := os.MkdirAll(config.UploadDir, 0755); err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(registry)

	sessions := NewSessionManager(config.DefaultRoom, config.HistorySize, config.EnqueueTimeout)
	sessions.SetMetrics(metrics)

	relay := NewFileRelay(config.UploadDir, config.MaxUploadBytes, config.MaxChunkBytes, config.ChunkTimeout, sessions, events)
	relay.SetMetrics(metrics)

	return &Server{
		config:     config,
		configPath: configPath,
		sessions:   sessions,
		ledger:     ledger.New(config.WithdrawTimeout),
		polls:      poll.NewService(),
		relay:      relay,
		auth:       NewCredentialGate(config.AuthRequired, config.Users),
		db:         db,
		events:     events,
		metrics:    metrics,
		registry:   registry,
		startTime:  time.Now(),
		shutdown:   make(chan struct{}),
	}, nil
}

// Start opens every configured listener
func (s *Server) Start() error {
	s.startTime = time.Now()

	if s.config.TCPPort > 0 {
		addr := fmt.Sprintf(":%d", s.config.TCPPort)
		listener, err := listenTCP(addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		logListenBacklog(addr)
		s.Serve(listener)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.monitorListenOverflows()
		}()
	} else {
		log.Printf("TCP server disabled (tcp_port=%d)", s.config.TCPPort)
	}

	if err := s.startSSHServer(); err != nil {
		s.Stop()
		return fmt.Errorf("failed to start SSH server: %w", err)
	}

	if s.config.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		mux.HandleFunc("/health", s.HealthHandler)
		s.httpServer = s.serveHTTP(fmt.Sprintf(":%d", s.config.HTTPPort), mux, "HTTP")
	}

	if s.config.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		s.metricsServer = s.serveHTTP(fmt.Sprintf(":%d", s.config.MetricsPort), mux, "Metrics")
	}

	return nil
}

func (s *Server) serveHTTP(addr string, handler http.Handler, name string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Printf("%s server listening on %s", name, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("%s server error: %v", name, err)
		}
	}()
	return srv
}

// listenTCP listens with SO_REUSEADDR so a restarted server can rebind at once
func listenTCP(addr string) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = setSocketOptions(fd)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.Listen(context.Background(), "tcp", addr)
}

// Serve accepts binary-protocol connections from listener in the background
// until Stop is called.
func (s *Server) Serve(listener net.Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptLoop(listener)
}

// Addr returns the address of the first binary-protocol listener
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// Sessions exposes the session registry
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Stop closes the listeners, disconnects every session and waits for their
// cleanup before flushing the event store.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdown)

		s.mu.Lock()
		for _, l := range s.listeners {
			l.Close()
		}
		if s.sshListener != nil {
			s.sshListener.Close()
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range []*http.Server{s.httpServer, s.metricsServer} {
			if srv != nil {
				srv.Shutdown(ctx)
			}
		}

		s.sessions.CloseAll("shutdown")
		s.wg.Wait()

		if s.db != nil {
			err = s.db.Close()
		}
	})
	return err
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			errorLog.Printf("Accept error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		// Disable Nagle's algorithm for immediate sends
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn, "tcp")
		}()
	}
}

// serveConn runs one connection from handshake to cleanup. Cleanup runs
// exactly once, after the read loop has ended for any reason.
func (s *Server) serveConn(conn net.Conn, connType string) {
	sess := s.sessions.NewSession(conn, connType, s.config.OutboundQueueSize, s.config.MessageRateLimit)
	debugLog.Printf("New %s connection from %s (session %d)", connType, conn.RemoteAddr(), sess.ID)

	go func() {
		select {
		case <-s.shutdown:
			sess.Close("shutdown")
		case <-sess.Done():
		}
	}()

	if err := s.handshake(sess); err != nil {
		log.Printf("Session %d: handshake failed: %v", sess.ID, err)
		sess.Close("handshake failed")
		return
	}

	go sess.senderLoop(s.config.WriteTimeout, s.metrics)
	s.announceArrival(sess)

	err := s.messageLoop(sess)
	s.cleanup(sess, err)
}

// handshake reads HELLO and registers the session. Replies are written
// straight to the connection because the sender loop is not running yet.
func (s *Server) handshake(sess *Session) error {
	if s.config.HandshakeTimeout > 0 {
		sess.Conn.SetReadDeadline(time.Now().Add(s.config.HandshakeTimeout))
	}
	frame, err := protocol.DecodeFrame(sess.reader)
	sess.Conn.SetReadDeadline(time.Time{})
	if err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	s.metrics.RecordCommandReceived(frame.Type)

	if frame.Type != protocol.TypeHello {
		s.writeDirect(sess, protocol.TypeError, &protocol.ErrorMessage{
			ErrorCode: protocol.ErrCodeHandshakeRequired,
			Message:   "HELLO must be the first message",
		})
		return fmt.Errorf("first frame was type 0x%02X", frame.Type)
	}

	cmd, err := protocol.DecodeCommand(frame)
	if err != nil {
		s.writeDirect(sess, protocol.TypeError, &protocol.ErrorMessage{
			ErrorCode: protocol.ErrCodeInvalidFormat,
			Message:   "unreadable HELLO",
		})
		return err
	}
	hello := cmd.(*protocol.HelloMessage)

	identity, power, numeric, err := canonicalIdentity(hello.Identity)
	if err != nil {
		s.writeDirect(sess, protocol.TypeError, &protocol.ErrorMessage{
			ErrorCode: protocol.ErrCodeInvalidIdentity,
			Message:   err.Error(),
		})
		return err
	}

	if err := s.auth.Check(identity, hello.Password); err != nil {
		s.writeDirect(sess, protocol.TypeError, &protocol.ErrorMessage{
			ErrorCode: protocol.ErrCodeAuthFailed,
			Message:   "authentication failed",
		})
		return err
	}

	if numeric {
		if err := s.writeDirect(sess, protocol.TypePowerResult, &protocol.PowerResultMessage{
			Input:  strings.TrimSpace(hello.Identity),
			Result: power,
		}); err != nil {
			return fmt.Errorf("write power result: %w", err)
		}
	}

	assigned, err := s.sessions.Register(sess, identity)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	log.Printf("Session %d: %s connected via %s as %s", sess.ID, sess.Conn.RemoteAddr(), sess.ConnType, assigned)
	return nil
}

// writeDirect writes one frame to the connection outside the sender loop
func (s *Server) writeDirect(sess *Session, msgType uint8, msg protocol.Encoder) error {
	frame, err := protocol.MessageFrame(msgType, msg)
	if err != nil {
		return err
	}
	if s.config.WriteTimeout > 0 {
		sess.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		defer sess.Conn.SetWriteDeadline(time.Time{})
	}
	s.metrics.RecordFrameSent(msgType)
	return protocol.EncodeFrame(sess.Conn, frame)
}

func (s *Server) announceArrival(sess *Session) {
	identity, roomName := sess.Identity(), sess.Room()
	s.sessions.BroadcastToRoom(roomName, notice(protocol.NoticeJoin, "%s joined %s", identity, roomName), sess)
	s.record(database.Event{Kind: database.KindJoin, Room: roomName, Actor: identity})
}

// messageLoop reads and dispatches commands until the connection ends
func (s *Server) messageLoop(sess *Session) error {
	for {
		frame, err := protocol.DecodeFrame(sess.reader)
		if err != nil {
			if !sess.isClosed() && (errors.Is(err, protocol.ErrFrameTooLarge) || errors.Is(err, protocol.ErrInvalidFrameLength)) {
				// The stream cannot be resynchronised after a bad length
				s.sendError(sess, protocol.ErrCodeInvalidFrame, err.Error())
				sess.closeAfterFlush("protocol error", s.config.WriteTimeout)
			}
			return err
		}

		debugLog.Printf("Session %d ← RECV: Type=0x%02X Flags=0x%02X PayloadLen=%d", sess.ID, frame.Type, frame.Flags, len(frame.Payload))
		s.metrics.RecordCommandReceived(frame.Type)

		if frame.Version != protocol.ProtocolVersion {
			s.sendError(sess, protocol.ErrCodeInvalidFrame, fmt.Sprintf("unsupported protocol version %d", frame.Version))
			continue
		}

		cmd, err := protocol.DecodeCommand(frame)
		if err != nil {
			code := uint16(protocol.ErrCodeInvalidFormat)
			if errors.Is(err, protocol.ErrUnknownCommand) {
				code = protocol.ErrCodeUnsupportedType
			}
			s.sendError(sess, code, err.Error())
			continue
		}

		err = s.dispatch(sess, cmd)
		var ce *CommandError
		switch {
		case err == nil:
		case errors.As(err, &ce):
			s.sendError(sess, ce.Code, ce.Message)
		case errors.Is(err, errQuit):
			sess.closeAfterFlush("quit", s.config.WriteTimeout)
			return err
		case errors.Is(err, errStreamBroken):
			sess.closeAfterFlush("upload aborted", s.config.WriteTimeout)
			return err
		case errors.Is(err, ErrQueueTimeout), errors.Is(err, ErrSessionClosed):
			return err
		default:
			errorLog.Printf("Session %d: handling 0x%02X: %v", sess.ID, cmd.Type(), err)
			s.sendError(sess, protocol.ErrCodeInternalError, "internal error")
		}
	}
}

// cleanup deregisters sess and announces the departure
func (s *Server) cleanup(sess *Session, loopErr error) {
	reason := "disconnected"
	if errors.Is(loopErr, errQuit) {
		reason = "quit"
	}
	sess.Close(reason)
	<-sess.senderDone

	reason = sess.CloseReason()
	if loopErr != nil && !errors.Is(loopErr, io.EOF) && !errors.Is(loopErr, errQuit) && !errors.Is(loopErr, net.ErrClosed) {
		debugLog.Printf("Session %d: read loop ended: %v", sess.ID, loopErr)
	}

	dep, ok := s.sessions.Unregister(sess)
	s.metrics.RecordSessionDisconnected(reason)
	if !ok {
		return
	}
	log.Printf("Session %d: %s disconnected (%s)", sess.ID, dep.Identity, reason)

	s.sessions.BroadcastToAll(notice(protocol.NoticeDisconnect, "%s left (%s)", dep.Identity, reason), nil)
	if dep.NewAdmin != nil {
		s.sessions.BroadcastToAll(notice(protocol.NoticeAdmin, "%s is now admin", dep.NewAdmin.Identity()), nil)
	}
	s.record(database.Event{Kind: database.KindLeave, Room: dep.Room, Actor: dep.Identity, Body: reason})
}
