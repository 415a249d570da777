package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// backend is the authenticated SFTP session against the origin for one client.
type backend struct {
	ssh  *ssh.Client
	sftp *sftp.Client
	// wd is the origin's working directory, used as the start directory of the
	// client-facing request server so relative paths resolve the same way.
	wd string

	closeOnce sync.Once
	closeErr  error
}

func dialBackend(ctx context.Context, log *slog.Logger, cfg *ProxyConfig, timeout time.Duration, version string) (*backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hostKeyCallback := cfg.Origin.HostKeyCallback
	if hostKeyCallback == nil {
		log.Warn("origin host key not verified", "origin", cfg.Address)
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("dial origin %s: %w", cfg.Address, err)
	}

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	connection, chans, reqs, err := ssh.NewClientConn(
		conn,
		cfg.Address,
		&ssh.ClientConfig{
			User:            cfg.Origin.Username,
			Auth:            cfg.Origin.authMethods(),
			HostKeyCallback: hostKeyCallback,
			ClientVersion:   version,
			Timeout:         timeout,
		},
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("origin handshake %s: %w", cfg.Address, err)
	}
	sshClient := ssh.NewClient(connection, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("origin sftp subsystem: %w", err)
	}

	wd, err := sftpClient.Getwd()
	if err != nil {
		_ = sftpClient.Close()
		_ = sshClient.Close()
		return nil, fmt.Errorf("origin working directory: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	log.Debug("origin session established", "origin", cfg.Address, "user", cfg.Origin.Username, "wd", wd)

	return &backend{ssh: sshClient, sftp: sftpClient, wd: wd}, nil
}

// Wait blocks until the origin connection is gone.
func (b *backend) Wait() error {
	return b.ssh.Wait()
}

func (b *backend) Close() error {
	b.closeOnce.Do(func() {
		sftpErr := b.sftp.Close()
		sshErr := b.ssh.Close()
		if sftpErr != nil {
			b.closeErr = sftpErr
		} else {
			b.closeErr = sshErr
		}
	})
	return b.closeErr
}
