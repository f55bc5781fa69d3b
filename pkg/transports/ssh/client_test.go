package ssh

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// testSFTPServer is a minimal SSH server exposing the sftp subsystem over
// the local filesystem.
type testSFTPServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
	addr     string
	done     chan struct{}
}

func newTestSFTPServer(t *testing.T) *testSFTPServer {
	t.Helper()

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		t.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "deploy" && string(pass) == "testpass" {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	server := &testSFTPServer{
		listener: listener,
		config:   config,
		addr:     listener.Addr().String(),
		done:     make(chan struct{}),
	}
	go server.serve()
	t.Cleanup(server.close)

	return server
}

func (s *testSFTPServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *testSFTPServer) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go func(in <-chan *ssh.Request) {
			for req := range in {
				ok := req.Type == "subsystem" && string(req.Payload[4:]) == "sftp"
				if req.WantReply {
					req.Reply(ok, nil)
				}
			}
		}(requests)

		go func() {
			defer channel.Close()
			server, err := sftp.NewServer(channel)
			if err != nil {
				return
			}
			_ = server.Serve()
		}()
	}
}

func (s *testSFTPServer) close() {
	close(s.done)
	s.listener.Close()
}

func (s *testSFTPServer) clientConfig(t *testing.T) *Config {
	t.Helper()

	host, portStr, err := net.SplitHostPort(s.addr)
	if err != nil {
		t.Fatalf("bad address %s: %v", s.addr, err)
	}
	port, _ := strconv.Atoi(portStr)

	config := DefaultConfig(host, "deploy")
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = "testpass"
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	return config
}

func TestClientDownload(t *testing.T) {
	server := newTestSFTPServer(t)

	payload := bytes.Repeat([]byte("module-package-"), 5000)
	remotePath := filepath.Join(t.TempDir(), "detector-1.0.0.zip")
	if err := os.WriteFile(remotePath, payload, 0644); err != nil {
		t.Fatalf("failed to write remote file: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dial(ctx, server.clientConfig(t))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	var lastWritten, lastTotal int64
	var buf bytes.Buffer
	n, err := client.Download(ctx, remotePath, &buf, func(written, total int64) {
		lastWritten, lastTotal = written, total
	})
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}

	if n != int64(len(payload)) {
		t.Errorf("expected %d bytes, got %d", len(payload), n)
	}
	if !bytes.Equal(buf.Bytes(), payload) {
		t.Error("downloaded content does not match")
	}
	if lastWritten != n || lastTotal != int64(len(payload)) {
		t.Errorf("unexpected final progress %d/%d", lastWritten, lastTotal)
	}
}

func TestClientDownloadMissingFile(t *testing.T) {
	server := newTestSFTPServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := Dial(ctx, server.clientConfig(t))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer client.Close()

	_, err = client.Download(ctx, filepath.Join(t.TempDir(), "missing.zip"), io.Discard, nil)
	if err == nil {
		t.Fatal("expected error for missing remote file")
	}

	var te *TransportError
	if !errors.As(err, &te) || te.Op != "open" {
		t.Errorf("expected open transport error, got %v", err)
	}
}

func TestDialWrongPassword(t *testing.T) {
	server := newTestSFTPServer(t)

	config := server.clientConfig(t)
	config.Password = "wrong"

	_, err := Dial(context.Background(), config)
	if err == nil {
		t.Fatal("expected authentication failure")
	}

	var te *TransportError
	if !errors.As(err, &te) || te.Op != "connect" {
		t.Errorf("expected connect transport error, got %v", err)
	}
}

func TestCopyWithContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := CopyWithContext(ctx, io.Discard, strings.NewReader("data"), 4, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 bytes copied, got %d", n)
	}
}
