package routes

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"

	"github.com/Rudd3r/sftpproxy/pkg/domain"
	"github.com/Rudd3r/sftpproxy/pkg/proxy"
)

type fakeSecrets struct {
	values  map[string]string
	signers map[string]ssh.Signer
}

func (f *fakeSecrets) Get(key string) (string, error) {
	if v, ok := f.values[key]; ok {
		return v, nil
	}
	return "", errors.New("entry not found")
}

func (f *fakeSecrets) Signer(key string) (ssh.Signer, error) {
	if s, ok := f.signers[key]; ok {
		return s, nil
	}
	return nil, errors.New("entry not found")
}

func newSigner(t *testing.T) ssh.Signer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(key)
	require.NoError(t, err)
	return signer
}

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(hash)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFactoryNewProxyConfig(t *testing.T) {
	clientKey := newSigner(t)
	originKey := newSigner(t)
	secrets := &fakeSecrets{
		values:  map[string]string{"alice-origin": "origin-pass"},
		signers: map[string]ssh.Signer{"shared-key": originKey},
	}

	routes := &domain.Routes{
		Users: map[string]*domain.Route{
			"alice": {
				Origin:               "files.internal:22",
				OriginUser:           "svc-alice",
				OriginPasswordSecret: "alice-origin",
				PasswordHash:         hashPassword(t, "alice-pass"),
				AuthorizedKeys:       []string{string(ssh.MarshalAuthorizedKey(clientKey.PublicKey()))},
				Ingress:              []domain.TransformStep{{Name: "replace", Args: []string{"a", "b"}}},
				Metadata:             map[string]string{"tenant": "acme"},
			},
		},
		Default: &domain.Route{
			Origin:          "fallback.internal:2222",
			OriginKeySecret: "shared-key",
			PasswordHash:    hashPassword(t, "shared-pass"),
		},
	}

	f, err := NewFactory(testLogger(), routes, secrets)
	require.NoError(t, err)
	ctx := context.Background()

	cfg, err := f.NewProxyConfig(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "files.internal:22", cfg.Address)
	assert.Equal(t, "svc-alice", cfg.Origin.Username)
	assert.Equal(t, "origin-pass", cfg.Origin.Password)
	assert.Empty(t, cfg.Origin.Signers)
	assert.Equal(t, map[string]string{"tenant": "acme"}, cfg.Metadata)
	assert.NotNil(t, cfg.Handlers.Ingress)
	assert.Nil(t, cfg.Handlers.Egress)
	assert.NotNil(t, cfg.Handlers.SessionStarted)
	require.NoError(t, cfg.Validate())

	cfg.Metadata["tenant"] = "changed"
	again, err := f.NewProxyConfig(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "acme", again.Metadata["tenant"])

	def, err := f.NewProxyConfig(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "fallback.internal:2222", def.Address)
	assert.Equal(t, "bob", def.Origin.Username, "default route reuses the client username")
	require.Len(t, def.Origin.Signers, 1)
	assert.Equal(t, originKey.PublicKey().Marshal(), def.Origin.Signers[0].PublicKey().Marshal())
}

func TestFactoryUnknownUser(t *testing.T) {
	f, err := NewFactory(testLogger(), &domain.Routes{
		Users: map[string]*domain.Route{
			"alice": {Origin: "o:22", OriginPasswordSecret: "s", PasswordHash: hashPassword(t, "x")},
		},
	}, &fakeSecrets{})
	require.NoError(t, err)

	_, err = f.NewProxyConfig(context.Background(), "mallory")
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestFactoryMissingSecret(t *testing.T) {
	f, err := NewFactory(testLogger(), &domain.Routes{
		Users: map[string]*domain.Route{
			"alice": {Origin: "o:22", OriginPasswordSecret: "missing", PasswordHash: hashPassword(t, "x")},
		},
	}, &fakeSecrets{})
	require.NoError(t, err)

	_, err = f.NewProxyConfig(context.Background(), "alice")
	assert.Error(t, err)
}

func TestFactoryAuthenticate(t *testing.T) {
	clientKey := newSigner(t)
	otherKey := newSigner(t)
	f, err := NewFactory(testLogger(), &domain.Routes{
		Users: map[string]*domain.Route{
			"alice": {
				Origin:               "o:22",
				OriginPasswordSecret: "s",
				PasswordHash:         hashPassword(t, "alice-pass"),
				AuthorizedKeys:       []string{string(ssh.MarshalAuthorizedKey(clientKey.PublicKey()))},
			},
		},
	}, &fakeSecrets{values: map[string]string{"s": "x"}})
	require.NoError(t, err)

	cfg, err := f.NewProxyConfig(context.Background(), "alice")
	require.NoError(t, err)
	authenticate := cfg.Handlers.Authenticate
	client := netip.MustParseAddrPort("10.0.0.1:5000")

	tests := []struct {
		name string
		cred proxy.Credential
		want bool
	}{
		{"good password", proxy.Credential{Method: proxy.AuthPassword, Username: "alice", Password: "alice-pass", ClientAddr: client}, true},
		{"bad password", proxy.Credential{Method: proxy.AuthPassword, Username: "alice", Password: "guess", ClientAddr: client}, false},
		{"authorized key", proxy.Credential{Method: proxy.AuthPublicKey, Username: "alice", PublicKey: clientKey.PublicKey()}, true},
		{"unknown key", proxy.Credential{Method: proxy.AuthPublicKey, Username: "alice", PublicKey: otherKey.PublicKey()}, false},
		{"none", proxy.Credential{Method: proxy.AuthNone, Username: "alice"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := authenticate(context.Background(), tt.cred)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestFactoryRejectsInvalidRoutes(t *testing.T) {
	hash := hashPassword(t, "p")
	tests := []struct {
		name  string
		route *domain.Route
	}{
		{"bad origin", &domain.Route{Origin: "nope", OriginPasswordSecret: "s", PasswordHash: hash}},
		{"no origin secret", &domain.Route{Origin: "o:22", PasswordHash: hash}},
		{"no client credentials", &domain.Route{Origin: "o:22", OriginPasswordSecret: "s"}},
		{"bad hash", &domain.Route{Origin: "o:22", OriginPasswordSecret: "s", PasswordHash: "plaintext"}},
		{"bad key", &domain.Route{Origin: "o:22", OriginPasswordSecret: "s", AuthorizedKeys: []string{"ssh-ed25519 !!!"}}},
		{"bad transform", &domain.Route{Origin: "o:22", OriginPasswordSecret: "s", PasswordHash: hash, Egress: []domain.TransformStep{{Name: "bogus"}}}},
		{"missing known hosts", &domain.Route{Origin: "o:22", OriginPasswordSecret: "s", PasswordHash: hash, OriginKnownHosts: "/does/not/exist"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFactory(testLogger(), &domain.Routes{Users: map[string]*domain.Route{"u": tt.route}}, &fakeSecrets{})
			assert.Error(t, err)
		})
	}
}

func TestFactoryReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	secrets := &fakeSecrets{values: map[string]string{"s": "x"}}

	first := &domain.Routes{Users: map[string]*domain.Route{
		"alice": {Origin: "one:22", OriginPasswordSecret: "s", PasswordHash: hashPassword(t, "p")},
	}}
	f, err := NewFactory(testLogger(), first, secrets)
	require.NoError(t, err)

	second := &domain.Routes{Users: map[string]*domain.Route{
		"alice": {Origin: "two:22", OriginPasswordSecret: "s", PasswordHash: hashPassword(t, "p")},
	}}
	require.NoError(t, second.Save(path))
	require.NoError(t, f.Reload(path))

	cfg, err := f.NewProxyConfig(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "two:22", cfg.Address)

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))
	assert.Error(t, f.Reload(path))

	cfg, err = f.NewProxyConfig(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "two:22", cfg.Address, "a failed reload keeps the previous routes")
}
