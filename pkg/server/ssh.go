package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// startSSHServer starts the SSH transport on the configured port
func (s *Server) startSSHServer() error {
	if s.config.SSHPort <= 0 {
		log.Printf("SSH server disabled (ssh_port=%d)", s.config.SSHPort)
		return nil
	}

	addr := fmt.Sprintf(":%d", s.config.SSHPort)
	listener, err := listenTCP(addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if err := s.ServeSSH(listener); err != nil {
		listener.Close()
		return err
	}
	log.Printf("SSH server listening on %s", addr)
	return nil
}

// ServeSSH accepts SSH connections on listener without blocking. Each session
// channel carries the same binary protocol as a TCP connection.
func (s *Server) ServeSSH(listener net.Listener) error {
	hostKey, err := s.loadOrGenerateHostKey()
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	// Identities are checked by the HELLO credential gate, not by SSH auth
	config := &ssh.ServerConfig{
		NoClientAuth: true,
	}
	config.ServerVersion = "SSH-2.0-Roomcast"
	config.AddHostKey(hostKey)

	s.mu.Lock()
	s.sshListener = listener
	s.mu.Unlock()

	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)
	return nil
}

// acceptSSHLoop accepts incoming SSH connections
func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer listener.Close()

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
			errorLog.Printf("SSH accept error: %v", err)
			continue
		}

		s.wg.Add(1)
		go s.handleSSHConnection(conn, config)
	}
}

// handleSSHConnection performs the SSH handshake and serves every session
// channel opened on the connection
func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	if s.config.HandshakeTimeout > 0 {
		conn.SetDeadline(time.Now().Add(s.config.HandshakeTimeout))
	}
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		debugLog.Printf("SSH handshake failed: %v", err)
		return
	}
	conn.SetDeadline(time.Time{})
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	var channels sync.WaitGroup
	for newChannel := range chans {
		// Only "session" channels carry the binary protocol
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			errorLog.Printf("Could not accept channel: %v", err)
			continue
		}

		channels.Add(1)
		go func() {
			defer channels.Done()
			go handleSSHChannelRequests(requests)
			s.serveConn(newSSHChannelConn(channel, sshConn), "ssh")
		}()
	}
	channels.Wait()
}

func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "exec", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// sshChannelConn wraps ssh.Channel to implement net.Conn interface. Channels
// cannot interrupt a blocked Read, so a pump goroutine reads ahead one buffer
// at a time and Read waits on it with the read deadline.
type sshChannelConn struct {
	channel ssh.Channel
	conn    ssh.Conn

	reads   chan []byte
	pending []byte
	closed  chan struct{}
	once    sync.Once

	mu            sync.Mutex // Protects the fields below
	pumpErr       error
	readDeadline  time.Time
	deadlineReset chan struct{}
}

func newSSHChannelConn(channel ssh.Channel, conn ssh.Conn) *sshChannelConn {
	c := &sshChannelConn{
		channel:       channel,
		conn:          conn,
		reads:         make(chan []byte),
		closed:        make(chan struct{}),
		deadlineReset: make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *sshChannelConn) pump() {
	defer close(c.reads)
	for {
		buf := make([]byte, 32*1024)
		n, err := c.channel.Read(buf)
		if n > 0 {
			select {
			case c.reads <- buf[:n]:
			case <-c.closed:
				return
			}
		}
		if err != nil {
			c.mu.Lock()
			c.pumpErr = err
			c.mu.Unlock()
			return
		}
	}
}

// Read is called from the session read loop only
func (c *sshChannelConn) Read(b []byte) (int, error) {
	for len(c.pending) == 0 {
		c.mu.Lock()
		deadline, reset := c.readDeadline, c.deadlineReset
		c.mu.Unlock()

		var expired <-chan time.Time
		var timer *time.Timer
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(wait)
			expired = timer.C
		}

		var err error
		select {
		case buf, ok := <-c.reads:
			if ok {
				c.pending = buf
				break
			}
			c.mu.Lock()
			err = c.pumpErr
			c.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
		case <-expired:
			err = os.ErrDeadlineExceeded
		case <-reset:
		case <-c.closed:
			err = net.ErrClosed
		}
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return 0, err
		}
	}

	n := copy(b, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *sshChannelConn) Write(b []byte) (int, error) {
	return c.channel.Write(b)
}

func (c *sshChannelConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.closed)
		err = c.channel.Close()
	})
	return err
}

func (c *sshChannelConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *sshChannelConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *sshChannelConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

// SetReadDeadline wakes a blocked Read so it picks up the new deadline
func (c *sshChannelConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	close(c.deadlineReset)
	c.deadlineReset = make(chan struct{})
	return nil
}

// Channel writes have no deadline; a stalled SSH peer is caught by the
// outbound queue timeout instead.
func (c *sshChannelConn) SetWriteDeadline(t time.Time) error { return nil }

// loadOrGenerateHostKey loads the host key, creating an ed25519 key on first run
func (s *Server) loadOrGenerateHostKey() (ssh.Signer, error) {
	keyPath, err := expandPath(s.config.SSHHostKeyPath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(keyPath) == "" {
		configTarget := "server config file"
		if strings.TrimSpace(s.configPath) != "" {
			configTarget = s.configPath
		}
		return nil, fmt.Errorf("ssh host key path is empty; set [server].ssh_host_key in %s", configTarget)
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		signer, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key %s: %w", keyPath, err)
		}
		debugLog.Printf("Loaded SSH host key from %s", keyPath)
		return signer, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	log.Printf("Generating new SSH host key at %s", keyPath)
	_, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(private, "roomcast host key")
	if err != nil {
		return nil, fmt.Errorf("failed to encode key: %w", err)
	}
	encoded := pem.EncodeToMemory(block)

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(keyPath, encoded, 0600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	return ssh.ParsePrivateKey(encoded)
}
