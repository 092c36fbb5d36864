package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	defaultTCPPort       = "7070"
	defaultWebSocketPort = "7071"
	defaultSSHPort       = "7072"
	sshVersionPrefix     = "SSH-2.0-Roomcast"
	dialTimeout          = 10 * time.Second
)

type dialConfig struct {
	display string
	dial    func(ctx context.Context) (net.Conn, error)
	warning string
}

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	user := ""
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		scheme = strings.ToLower(u.Scheme)
		if u.User != nil {
			user = u.User.Username()
		}
		hostPort = u.Host
	}

	switch scheme {
	case "tcp", "":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: address,
			dial: func(ctx context.Context) (net.Conn, error) {
				d := net.Dialer{Timeout: dialTimeout}
				return d.DialContext(ctx, "tcp", address)
			},
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultWebSocketPort)
		if err != nil {
			return nil, err
		}
		address := net.JoinHostPort(host, port)
		useTLS := scheme == "wss"
		return &dialConfig{
			display: scheme + "://" + address,
			dial: func(ctx context.Context) (net.Conn, error) {
				return DialWebSocket(ctx, address, useTLS)
			},
		}, nil

	case "ssh":
		host, port, err := splitHostPortWithDefault(hostPort, defaultSSHPort)
		if err != nil {
			return nil, err
		}
		if user == "" {
			user = defaultSSHUser()
		}
		verifier := newHostKeyVerifier(knownHostPaths())
		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: fmt.Sprintf("ssh://%s@%s", user, address),
			dial: func(ctx context.Context) (net.Conn, error) {
				return dialSSH(ctx, user, address, verifier)
			},
			warning: verifier.warning,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = strings.TrimSuffix(strings.TrimPrefix(hostPort, "["), "]")
		return host, defaultPort, nil
	}
	return "", "", err
}

func defaultSSHUser() string {
	for _, key := range []string{"ROOMCAST_SSH_USER", "USER", "USERNAME"} {
		if user := os.Getenv(key); user != "" {
			return user
		}
	}
	return "anonymous"
}

func knownHostPaths() []string {
	if env := os.Getenv("SSH_KNOWN_HOSTS"); env != "" {
		var paths []string
		for _, p := range strings.Split(env, string(os.PathListSeparator)) {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		return paths
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return nil
	}
	return []string{filepath.Join(home, ".ssh", "known_hosts")}
}

// hostKeyVerifier checks server keys against known_hosts. A host with no
// entry is trusted on first use and recorded in the first known_hosts path;
// a host whose key changed is refused.
type hostKeyVerifier struct {
	paths    []string
	callback ssh.HostKeyCallback
	warning  string
}

func newHostKeyVerifier(paths []string) *hostKeyVerifier {
	v := &hostKeyVerifier{paths: paths}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) > 0 {
		if cb, err := knownhosts.New(existing...); err == nil {
			v.callback = cb
		}
	}
	if v.callback == nil {
		v.warning = "no known_hosts file found; the server key will be trusted on first use"
	}
	return v
}

func (v *hostKeyVerifier) check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if v.callback != nil {
		err := v.callback(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("ssh host key for %s changed: server presented %s, known_hosts expects %s",
				hostname, ssh.FingerprintSHA256(key), ssh.FingerprintSHA256(keyErr.Want[0].Key))
		}
	}
	return v.remember(hostname, key)
}

func (v *hostKeyVerifier) remember(hostname string, key ssh.PublicKey) error {
	if len(v.paths) == 0 {
		return nil
	}
	path := v.paths[0]
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s roomcast added=%s\n", knownhosts.Line([]string{hostname}, key), time.Now().Format(time.RFC3339))
	return err
}

func dialSSH(ctx context.Context, user, address string, verifier *hostKeyVerifier) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	netConn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	// The server accepts the "none" method, so no auth methods are offered
	config := &ssh.ClientConfig{
		User:            user,
		HostKeyCallback: verifier.check,
		Timeout:         dialTimeout,
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		return nil, err
	}

	banner := string(clientConn.ServerVersion())
	if !strings.HasPrefix(banner, sshVersionPrefix) {
		clientConn.Close()
		return nil, fmt.Errorf("remote server advertised %q, expected a roomcast server (%q)", banner, sshVersionPrefix)
	}

	client := ssh.NewClient(clientConn, chans, reqs)
	channel, requests, err := client.OpenChannel("session", nil)
	if err != nil {
		client.Close()
		return nil, err
	}
	go ssh.DiscardRequests(requests)

	if _, err := channel.SendRequest("shell", true, nil); err != nil {
		channel.Close()
		client.Close()
		return nil, fmt.Errorf("request shell: %w", err)
	}

	return &sshClientConn{
		channel:    channel,
		client:     client,
		localAddr:  netConn.LocalAddr(),
		remoteAddr: netConn.RemoteAddr(),
	}, nil
}

type sshClientConn struct {
	channel    ssh.Channel
	client     *ssh.Client
	localAddr  net.Addr
	remoteAddr net.Addr
	once       sync.Once
}

func (c *sshClientConn) Read(b []byte) (int, error)  { return c.channel.Read(b) }
func (c *sshClientConn) Write(b []byte) (int, error) { return c.channel.Write(b) }

func (c *sshClientConn) Close() error {
	var err error
	c.once.Do(func() {
		if closeErr := c.channel.Close(); closeErr != nil && !errors.Is(closeErr, io.EOF) {
			err = closeErr
		}
		c.client.Close()
	})
	return err
}

func (c *sshClientConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *sshClientConn) RemoteAddr() net.Addr { return c.remoteAddr }

// SSH channels have no deadlines
func (c *sshClientConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshClientConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshClientConn) SetWriteDeadline(t time.Time) error { return nil }
