// Package ssh provides the SSH/SFTP transport used to pull module packages
// from remote hosts.
package ssh

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// ProgressFunc receives the number of bytes copied so far and the total
// size, or -1 when the size is unknown.
type ProgressFunc func(written, total int64)

// Client is a single SSH connection with an SFTP session on top.
type Client struct {
	config *Config

	mu   sync.Mutex
	conn *ssh.Client
	sftp *sftp.Client
}

// Dial validates the config and connects to the remote host, honouring ctx
// while the TCP and SSH handshakes are in progress.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("invalid config: %w", err)}
	}

	clientConfig, err := config.BuildSSHClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := config.Address()
	log.Debug().Str("address", address).Msg("Establishing SSH connection")

	type result struct {
		conn *ssh.Client
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := ssh.Dial("tcp", address, clientConfig)
		done <- result{conn: conn, err: err}
	}()

	var conn *ssh.Client
	select {
	case <-ctx.Done():
		// Close the connection if the dial still completes.
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case r := <-done:
		if r.err != nil {
			return nil, &TransportError{Op: "connect", Err: r.err, IsTemporary: true}
		}
		conn = r.conn
	}

	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	log.Debug().Str("address", address).Msg("SFTP session established")

	return &Client{config: config, conn: conn, sftp: sftpClient}, nil
}

// Download copies remotePath into dst and returns the number of bytes copied.
func (c *Client) Download(ctx context.Context, remotePath string, dst io.Writer, progress ProgressFunc) (int64, error) {
	c.mu.Lock()
	sftpClient := c.sftp
	c.mu.Unlock()
	if sftpClient == nil {
		return 0, &TransportError{Op: "download", Err: fmt.Errorf("client is closed")}
	}

	startTime := time.Now()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return 0, &TransportError{
			Op:          "open",
			Err:         fmt.Errorf("failed to open remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer remoteFile.Close()

	total := int64(-1)
	if info, err := remoteFile.Stat(); err == nil {
		total = info.Size()
	}

	written, err := CopyWithContext(ctx, dst, remoteFile, total, progress)
	if err != nil {
		return written, &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}

	log.Debug().
		Str("host", c.config.Host).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("file downloaded")

	return written, nil
}

// Close ends the SFTP session and the SSH connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

// CopyWithContext copies src to dst, checking ctx between reads and
// reporting progress after every write.
func CopyWithContext(ctx context.Context, dst io.Writer, src io.Reader, total int64, progress ProgressFunc) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
				if progress != nil {
					progress(written, total)
				}
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}
