package client

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/roomcast/pkg/protocol"
	"github.com/aeolun/roomcast/pkg/server"
)

type testServer struct {
	srv     *server.Server
	tcpAddr string
	wsAddr  string
	sshAddr string
	dir     string
}

func startServer(t *testing.T, configure ...func(*server.ServerConfig)) *testServer {
	t.Helper()

	log.SetOutput(io.Discard)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	dir := t.TempDir()
	cfg := server.DefaultConfig()
	cfg.TCPPort, cfg.SSHPort, cfg.HTTPPort, cfg.MetricsPort = 0, 0, 0, 0
	cfg.UploadDir = filepath.Join(dir, "uploads")
	cfg.TranscriptDir = filepath.Join(dir, "transcripts")
	cfg.SSHHostKeyPath = filepath.Join(dir, "ssh_host_key")
	cfg.MessageRateLimit = 0
	for _, fn := range configure {
		fn(&cfg)
	}

	srv, err := server.NewServer(cfg, "")
	require.NoError(t, err)
	t.Cleanup(func() { srv.Stop() })

	tcp, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.Serve(tcp)

	sshListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.ServeSSH(sshListener))

	ws := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ws.Close)

	t.Setenv("SSH_KNOWN_HOSTS", filepath.Join(dir, "known_hosts"))
	t.Setenv("ROOMCAST_SSH_USER", "tester")

	return &testServer{
		srv:     srv,
		tcpAddr: tcp.Addr().String(),
		wsAddr:  "ws://" + strings.TrimPrefix(ws.URL, "http://"),
		sshAddr: "ssh://" + sshListener.Addr().String(),
		dir:     dir,
	}
}

func connect(t *testing.T, addr, identity string) (*Client, *Welcome) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	welcome, err := c.Hello(identity, "")
	require.NoError(t, err)
	return c, welcome
}

// waitFor returns the next frame of the given type, skipping others
func waitFor(t *testing.T, c *Client, msgType uint8) *protocol.Frame {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case frame, ok := <-c.Incoming():
			require.True(t, ok, "connection closed while waiting for 0x%02X", msgType)
			if frame.Type == msgType {
				return frame
			}
		case <-timeout:
			t.Fatalf("timed out waiting for frame 0x%02X", msgType)
		}
	}
}

func TestChatAcrossTransports(t *testing.T) {
	ts := startServer(t)

	tcp, welcome := connect(t, ts.tcpAddr, "alice")
	assert.Equal(t, "alice", welcome.Identity)
	assert.True(t, welcome.IsAdmin)

	ws, _ := connect(t, ts.wsAddr, "bob")
	sshClient, _ := connect(t, ts.sshAddr, "carol")

	require.NoError(t, ws.Send(&protocol.ChatMessage{Text: "over websocket"}))

	for _, c := range []*Client{tcp, sshClient} {
		var msg protocol.ChatBroadcastMessage
		require.NoError(t, msg.Decode(waitFor(t, c, protocol.TypeChatBroadcast).Payload))
		assert.Equal(t, "bob", msg.Sender)
		assert.Equal(t, "over websocket", msg.Text)
	}

	var echo protocol.EchoMessage
	require.NoError(t, echo.Decode(waitFor(t, ws, protocol.TypeEcho).Payload))
	assert.Equal(t, "tekcosbew revo", echo.Reversed)

	require.NoError(t, sshClient.Send(&protocol.PrivateMessage{Target: "alice", Text: "psst"}))
	var dm protocol.PrivateDeliveryMessage
	require.NoError(t, dm.Decode(waitFor(t, tcp, protocol.TypePrivateDelivery).Payload))
	assert.Equal(t, "carol", dm.Sender)
}

func TestHelloNumericAndRejected(t *testing.T) {
	ts := startServer(t)

	_, welcome := connect(t, ts.tcpAddr, "12")
	assert.Equal(t, "user12", welcome.Identity)
	assert.Equal(t, "20736", welcome.Power)

	c, err := Dial(context.Background(), ts.tcpAddr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Hello("has space", "")
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, uint16(protocol.ErrCodeInvalidIdentity), serverErr.Code)
}

func TestUploadOverWebSocket(t *testing.T) {
	ts := startServer(t)

	uploader, _ := connect(t, ts.wsAddr, "alice")
	watcher, _ := connect(t, ts.tcpAddr, "bob")

	payload := make([]byte, 200*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	require.NoError(t, uploader.Upload(context.Background(), "blob.bin", int64(len(payload)), bytes.NewReader(payload), 16*1024))

	var result protocol.UploadResultMessage
	require.NoError(t, result.Decode(waitFor(t, uploader, protocol.TypeUploadResult).Payload))
	assert.Equal(t, uint8(protocol.UploadAccepted), result.Status)
	assert.Equal(t, int64(len(payload)), result.Received)

	var relayed bytes.Buffer
	waitFor(t, watcher, protocol.TypeFileOffer)
	for {
		frame := <-watcher.Incoming()
		require.NotNil(t, frame)
		if frame.Type == protocol.TypeFileEnd {
			break
		}
		if frame.Type != protocol.TypeFileData {
			continue
		}
		var data protocol.FileDataMessage
		require.NoError(t, data.Decode(frame.Payload))
		relayed.Write(data.Data)
	}
	assert.Equal(t, payload, relayed.Bytes())

	stored, err := os.ReadFile(filepath.Join(ts.dir, "uploads", "blob.bin"))
	require.NoError(t, err)
	assert.Equal(t, payload, stored)
	assert.Greater(t, uploader.BytesSent(), uint64(len(payload)))
}

func TestUploadCancelledByContext(t *testing.T) {
	ts := startServer(t)
	uploader, _ := connect(t, ts.tcpAddr, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	src := &cancelAfter{limit: 8 * 1024, cancel: cancel}
	err := uploader.Upload(ctx, "partial.bin", 1<<20, src, 4*1024)
	assert.ErrorIs(t, err, context.Canceled)

	var result protocol.UploadResultMessage
	require.NoError(t, result.Decode(waitFor(t, uploader, protocol.TypeUploadResult).Payload))
	assert.Equal(t, uint8(protocol.UploadCancelled), result.Status)

	// The session survives a cancelled upload
	require.NoError(t, uploader.Send(&protocol.BalanceMessage{}))
	waitFor(t, uploader, protocol.TypeLedgerUpdate)
}

func TestSSHUploadChunkTimeout(t *testing.T) {
	ts := startServer(t, func(cfg *server.ServerConfig) {
		cfg.ChunkTimeout = 300 * time.Millisecond
	})
	uploader, _ := connect(t, ts.sshAddr, "alice")
	peer, _ := connect(t, ts.tcpAddr, "bob")

	require.NoError(t, uploader.Send(&protocol.UploadMessage{FileName: "stalled.bin", Size: 10}))
	uploader.writeMu.Lock()
	err := protocol.WriteChunk(uploader.conn, []byte("abcd"))
	uploader.writeMu.Unlock()
	require.NoError(t, err)

	var offer protocol.FileOfferMessage
	require.NoError(t, offer.Decode(waitFor(t, peer, protocol.TypeFileOffer).Payload))
	waitFor(t, peer, protocol.TypeFileData)
	var cancel protocol.FileCancelMessage
	require.NoError(t, cancel.Decode(waitFor(t, peer, protocol.TypeFileCancel).Payload))
	assert.Equal(t, offer.TransferID, cancel.TransferID)

	var result protocol.UploadResultMessage
	require.NoError(t, result.Decode(waitFor(t, uploader, protocol.TypeUploadResult).Payload))
	assert.Equal(t, uint8(protocol.UploadCancelled), result.Status)
	assert.Equal(t, int64(4), result.Received)

	entries, err := os.ReadDir(filepath.Join(ts.dir, "uploads"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	select {
	case <-waitClosed(uploader):
	case <-time.After(5 * time.Second):
		t.Fatal("uploader session still open after chunk timeout")
	}
}

func TestSSHHandshakeTimeout(t *testing.T) {
	ts := startServer(t, func(cfg *server.ServerConfig) {
		cfg.HandshakeTimeout = 300 * time.Millisecond
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, ts.sshAddr)
	require.NoError(t, err)
	defer c.Close()

	closed := make(chan error, 1)
	go func() {
		_, err := protocol.DecodeFrame(c.reader)
		closed <- err
	}()

	select {
	case err := <-closed:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("silent ssh client was not disconnected")
	}
}

// waitClosed drains c and signals when the server has closed the connection
func waitClosed(c *Client) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range c.Incoming() {
		}
		close(done)
	}()
	return done
}

// cancelAfter yields zero bytes and cancels once limit bytes have been read
type cancelAfter struct {
	read   int
	limit  int
	cancel context.CancelFunc
}

func (c *cancelAfter) Read(p []byte) (int, error) {
	if c.read >= c.limit {
		c.cancel()
	}
	c.read += len(p)
	return len(p), nil
}

func TestQuitClosesCleanly(t *testing.T) {
	ts := startServer(t)
	c, _ := connect(t, ts.tcpAddr, "alice")

	require.NoError(t, c.Quit())
	assert.Eventually(t, func() bool {
		return len(ts.srv.Sessions().Users()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
