package secrets

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func unlockedStore(t *testing.T) *SecretStore {
	t.Helper()
	store := NewSecretStore("test-password")
	require.NoError(t, store.Unlock())
	return store
}

func testPrivateKeyPEM(t *testing.T) []byte {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(key, "")
	require.NoError(t, err)
	return pem.EncodeToMemory(block)
}

func TestNewSecretStore(t *testing.T) {
	store := NewSecretStore("test-password")
	require.NotNil(t, store)
	assert.True(t, store.locked)
	assert.NotNil(t, store.buff)
}

func TestSecretStoreUnlockAndCreate(t *testing.T) {
	store := unlockedStore(t)
	assert.False(t, store.locked)
	assert.NotNil(t, store.db)
}

func TestSecretStoreSetAndGet(t *testing.T) {
	store := unlockedStore(t)

	require.NoError(t, store.SetSecret("origin/alice", "s3cret"))

	val, err := store.GetSecret("origin/alice")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", val)

	_, err = store.GetSecret("origin/bob")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestSecretStoreUpdate(t *testing.T) {
	store := unlockedStore(t)

	require.NoError(t, store.SetSecret("key", "original"))
	require.NoError(t, store.SetSecret("key", "updated"))

	val, err := store.GetSecret("key")
	require.NoError(t, err)
	assert.Equal(t, "updated", val)

	keys, err := store.ListSecrets()
	require.NoError(t, err)
	assert.Equal(t, []string{"key"}, keys)
}

func TestSecretStoreLockUnlockCycle(t *testing.T) {
	store := unlockedStore(t)
	require.NoError(t, store.SetSecret("key", "value"))

	require.NoError(t, store.Lock())
	assert.True(t, store.locked)
	assert.NotEmpty(t, store.Bytes())

	_, err := store.GetSecret("key")
	assert.ErrorIs(t, err, ErrDatabaseNotUnlocked)

	require.NoError(t, store.Unlock())
	val, err := store.GetSecret("key")
	require.NoError(t, err)
	assert.Equal(t, "value", val)
}

func TestSecretStorePersistence(t *testing.T) {
	store := unlockedStore(t)
	require.NoError(t, store.SetSecret("key", "persistent"))
	require.NoError(t, store.Lock())
	data := append([]byte(nil), store.Bytes()...)

	reopened := NewSecretStore("test-password")
	_, err := reopened.Write(data)
	require.NoError(t, err)
	require.NoError(t, reopened.Unlock())

	val, err := reopened.GetSecret("key")
	require.NoError(t, err)
	assert.Equal(t, "persistent", val)
}

func TestSecretStoreWrongPassword(t *testing.T) {
	store := unlockedStore(t)
	require.NoError(t, store.SetSecret("key", "value"))
	require.NoError(t, store.Lock())

	other := NewSecretStore("wrong-password")
	_, err := other.Write(store.Bytes())
	require.NoError(t, err)
	assert.Error(t, other.Unlock())
}

func TestSecretStoreSSHKey(t *testing.T) {
	store := unlockedStore(t)
	pemData := testPrivateKeyPEM(t)

	require.NoError(t, store.SetSSHKey("origin-key", pemData))

	signer, err := store.GetSigner("origin-key")
	require.NoError(t, err)
	assert.Equal(t, ssh.KeyAlgoED25519, signer.PublicKey().Type())

	err = store.SetSSHKey("broken", []byte("not a key"))
	assert.ErrorIs(t, err, ErrInvalidSSHKey)

	require.NoError(t, store.SetSecret("plain", "not a key either"))
	_, err = store.GetSigner("plain")
	assert.ErrorIs(t, err, ErrInvalidSSHKey)

	_, err = store.GetSigner("missing")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestSecretStoreDelete(t *testing.T) {
	store := unlockedStore(t)
	require.NoError(t, store.SetSecret("a", "1"))
	require.NoError(t, store.SetSecret("b", "2"))

	require.NoError(t, store.DeleteSecret("a"))
	_, err := store.GetSecret("a")
	assert.ErrorIs(t, err, ErrEntryNotFound)

	keys, err := store.ListSecrets()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, keys)

	assert.ErrorIs(t, store.DeleteSecret("a"), ErrEntryNotFound)
}

func TestSecretStoreListSecretsSorted(t *testing.T) {
	store := unlockedStore(t)
	for _, k := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, store.SetSecret(k, k))
	}
	keys, err := store.ListSecrets()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, keys)
}

func TestSecretStoreLockedOperations(t *testing.T) {
	store := NewSecretStore("test-password")

	_, err := store.GetSecret("key")
	assert.ErrorIs(t, err, ErrDatabaseNotUnlocked)
	assert.ErrorIs(t, store.SetSecret("key", "value"), ErrDatabaseNotUnlocked)
	assert.ErrorIs(t, store.SetSSHKey("key", testPrivateKeyPEM(t)), ErrDatabaseNotUnlocked)
	assert.ErrorIs(t, store.DeleteSecret("key"), ErrDatabaseNotUnlocked)
	assert.ErrorIs(t, store.Lock(), ErrDatabaseNotUnlocked)
	_, err = store.ListSecrets()
	assert.ErrorIs(t, err, ErrDatabaseNotUnlocked)
}
