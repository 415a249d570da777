package origin

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/Rudd3r/sftpproxy/pkg/domain"
)

func generateTestKey(t *testing.T) ([]byte, ssh.Signer) {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(key, "")
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(block), signer
}

func startServer(t *testing.T, cfg *domain.OriginServer) *Server {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	if cfg.HostKey == nil {
		cfg.HostKey, _ = generateTestKey(t)
	}
	cfg.Addr = "127.0.0.1:0"

	server, err := New(log, cfg)
	require.NoError(t, err)
	require.NoError(t, server.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("origin did not stop in time")
		}
	})
	return server
}

func dial(t *testing.T, server *Server, user string, auth ssh.AuthMethod) (*sftp.Client, error) {
	t.Helper()
	client, err := ssh.Dial("tcp", server.Addr().String(), &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: ssh.FixedHostKey(server.HostKey()),
		Timeout:         5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { _ = client.Close() })

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, err
	}
	t.Cleanup(func() { _ = sftpClient.Close() })
	return sftpClient, nil
}

func TestPasswordAuthServesRoot(t *testing.T) {
	root := t.TempDir()
	server := startServer(t, &domain.OriginServer{
		Root:         root,
		PasswordAuth: map[string]string{"origin": "origin-pass"},
	})

	client, err := dial(t, server, "origin", ssh.Password("origin-pass"))
	require.NoError(t, err)

	wd, err := client.Getwd()
	require.NoError(t, err)
	assert.Equal(t, root, wd)

	f, err := client.Create("hello.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello origin"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	data, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello origin", string(data))
}

func TestWrongPasswordRejected(t *testing.T) {
	server := startServer(t, &domain.OriginServer{
		Root:         t.TempDir(),
		PasswordAuth: map[string]string{"origin": "origin-pass"},
	})

	_, err := dial(t, server, "origin", ssh.Password("nope"))
	assert.Error(t, err)

	_, err = dial(t, server, "someone-else", ssh.Password("origin-pass"))
	assert.Error(t, err)
}

func TestPublicKeyAuth(t *testing.T) {
	_, clientKey := generateTestKey(t)
	_, otherKey := generateTestKey(t)

	server := startServer(t, &domain.OriginServer{
		Root: t.TempDir(),
		AuthorizedKeys: map[string][]string{
			"origin": {string(ssh.MarshalAuthorizedKey(clientKey.PublicKey())), "garbage line"},
		},
	})

	_, err := dial(t, server, "origin", ssh.PublicKeys(clientKey))
	require.NoError(t, err)

	_, err = dial(t, server, "origin", ssh.PublicKeys(otherKey))
	assert.Error(t, err)
}

func TestReadOnly(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "existing.txt"), []byte("keep"), 0644))

	server := startServer(t, &domain.OriginServer{
		Root:         root,
		ReadOnly:     true,
		PasswordAuth: map[string]string{"origin": "origin-pass"},
	})

	client, err := dial(t, server, "origin", ssh.Password("origin-pass"))
	require.NoError(t, err)

	f, err := client.Open("existing.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "keep", string(data))

	_, err = client.Create("new.txt")
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(root, "new.txt"))
}

func TestNewRequiresHostKey(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New(log, &domain.OriginServer{Root: t.TempDir()})
	assert.Error(t, err)

	_, err = New(log, nil)
	assert.Error(t, err)
}
