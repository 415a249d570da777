package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "secrets.kdbx")

	v, err := OpenVault(path, "vault-password")
	require.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "nothing is written before the first change")

	require.NoError(t, v.Set("origin/password", "hunter2"))
	require.NoError(t, v.SetSSHKey("origin/key", testPrivateKeyPEM(t)))

	// Still readable after the save cycle.
	val, err := v.Get("origin/password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", val)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	reopened, err := OpenVault(path, "vault-password")
	require.NoError(t, err)
	keys, err := reopened.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"origin/key", "origin/password"}, keys)

	signer, err := reopened.Signer("origin/key")
	require.NoError(t, err)
	assert.NotNil(t, signer)

	require.NoError(t, reopened.Delete("origin/password"))
	again, err := OpenVault(path, "vault-password")
	require.NoError(t, err)
	_, err = again.Get("origin/password")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestVaultWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.kdbx")
	v, err := OpenVault(path, "right-password")
	require.NoError(t, err)
	require.NoError(t, v.Set("k", "v"))

	_, err = OpenVault(path, "wrong-password")
	assert.Error(t, err)
}

func TestVaultRequiresPassword(t *testing.T) {
	_, err := OpenVault(filepath.Join(t.TempDir(), "secrets.kdbx"), "")
	assert.Error(t, err)
}
